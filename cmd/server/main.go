// cmd/server/main.go
package main

import (
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"retina-backend/internal/assets"
	"retina-backend/internal/config"
	"retina-backend/internal/database"
	"retina-backend/internal/handlers"
	"retina-backend/internal/inference"
	"retina-backend/internal/middleware"
	"retina-backend/internal/orchestrator"
	"retina-backend/internal/progress"
	"retina-backend/internal/repository"
	"retina-backend/internal/storage"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg := config.Load()

	// Initialize database
	db, err := database.InitDB()
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	// Auto-migrate models
	if err := database.MigrateDB(db); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}

	// Optional MinIO mirror for detection/training assets
	var mirror assets.Mirror
	if os.Getenv("MINIO_ENDPOINT") != "" {
		minioClient, err := storage.NewMinIOClient()
		if err != nil {
			log.Fatal("Failed to initialize MinIO client:", err)
		}
		mirror = minioClient
	} else {
		log.Println("MINIO_ENDPOINT not set, asset mirroring disabled")
	}

	store, err := assets.New(cfg.AssetRoot, mirror)
	if err != nil {
		log.Fatal("Failed to initialize asset store:", err)
	}

	if cfg.TempTTL > 0 {
		go reapTempLoop(store, cfg.TempTTL)
	}

	hub := progress.NewHub()
	model := inference.NewClient(cfg.ModelURL, cfg.InferenceTimeout)
	repo := repository.New(db)
	orch := orchestrator.New(db, repo, hub, model, store)

	// Initialize Gin router
	r := gin.Default()

	// CORS middleware
	r.Use(middleware.CORSMiddleware())

	api := r.Group("/api")
	{
		api.GET("/health", handlers.Health(model))
		api.GET("/images", handlers.GetImage(store))
		api.DELETE("/images", handlers.DeleteImage(store))
		api.POST("/detect", handlers.Detect(store, orch))
		api.POST("/train", handlers.Train(orch))
		api.GET("/history", handlers.History(repo))
		api.GET("/stats", handlers.Stats(repo))
	}

	r.GET("/ws/progress/:sessionID", handlers.ProgressSocket(hub))

	log.Printf("Server starting on port %s", cfg.Port)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}

func reapTempLoop(store *assets.Store, ttl time.Duration) {
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()
	for range ticker.C {
		removed, err := store.ReapTemp(ttl)
		if err != nil {
			log.Printf("temp reap failed: %v", err)
			continue
		}
		if removed > 0 {
			log.Printf("reaped %d temp assets", removed)
		}
	}
}
