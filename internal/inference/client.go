// Package inference is the HTTP client for the external model-serving
// process.
package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	baseURL string
	// Inference calls are bounded by a timeout; training is driven by the
	// progress stream instead and has no overall deadline.
	predictClient *http.Client
	trainClient   *http.Client
}

func NewClient(baseURL string, predictTimeout time.Duration) *Client {
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		predictClient: &http.Client{Timeout: predictTimeout},
		trainClient:   &http.Client{},
	}
}

type ClassScore struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

// Prediction mirrors the model service's /predict response.
type Prediction struct {
	Filename       string       `json:"filename"`
	Prediction     string       `json:"prediction"`
	Confidence     float64      `json:"confidence"`
	TopPredictions []ClassScore `json:"top_predictions,omitempty"`
	Message        string       `json:"message,omitempty"`
	Error          string       `json:"error,omitempty"`
}

// Predict uploads the image as a multipart form to /predict and parses the
// prediction. A response carrying an error field counts as a failure.
func (c *Client) Predict(ctx context.Context, filename string, image []byte) (*Prediction, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, bytes.NewReader(image)); err != nil {
		return nil, fmt.Errorf("failed to copy image data: %w", err)
	}
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.predictClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("model returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var pred Prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return nil, fmt.Errorf("failed to decode prediction: %w", err)
	}
	if pred.Error != "" {
		return nil, fmt.Errorf("model error: %s", pred.Error)
	}
	return &pred, nil
}

type TrainRequest struct {
	Epochs int `json:"epochs"`
}

// TrainProgress is one newline-delimited JSON line of the /train stream.
type TrainProgress struct {
	Epoch    int     `json:"epoch"`
	Epochs   int     `json:"epochs"`
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
	Done     bool    `json:"done"`
	Error    string  `json:"error,omitempty"`
}

// Train starts a training run and streams epoch progress through onProgress
// until the service reports a done line. The final line's accuracy is
// returned.
func (c *Client) Train(ctx context.Context, trainReq TrainRequest, onProgress func(TrainProgress)) (*TrainProgress, error) {
	payload, err := json.Marshal(trainReq)
	if err != nil {
		return nil, fmt.Errorf("failed to encode train request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/train", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.trainClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("model returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var p TrainProgress
		if err := json.Unmarshal(line, &p); err != nil {
			return nil, fmt.Errorf("failed to decode progress line: %w", err)
		}
		if p.Error != "" {
			return nil, fmt.Errorf("training error: %s", p.Error)
		}
		if p.Done {
			return &p, nil
		}
		if onProgress != nil {
			onProgress(p)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("training stream interrupted: %w", err)
	}
	return nil, fmt.Errorf("training stream ended without completion")
}

// Health checks the model service's /health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.predictClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model service unhealthy: %d", resp.StatusCode)
	}
	return nil
}
