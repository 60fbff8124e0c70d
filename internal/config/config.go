package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port             string
	AssetRoot        string
	ModelURL         string
	InferenceTimeout time.Duration
	TempTTL          time.Duration
}

func Load() *Config {
	return &Config{
		Port:             getEnv("PORT", "8080"),
		AssetRoot:        getEnv("ASSET_ROOT", "./uploads"),
		ModelURL:         getEnv("MODEL_URL", "http://localhost:8000"),
		InferenceTimeout: getDuration("INFERENCE_TIMEOUT_SECONDS", 20*time.Second),
		TempTTL:          getDuration("TEMP_TTL_SECONDS", 0),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(val)
	if err != nil || secs < 0 {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
