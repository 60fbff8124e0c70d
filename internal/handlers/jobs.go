// internal/handlers/jobs.go
package handlers

import (
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"retina-backend/internal/assets"
	"retina-backend/internal/models"
	"retina-backend/internal/orchestrator"
)

// Detect accepts an image upload, stores it under the detection category and
// submits an inference session. The response returns immediately; progress
// is streamed over the websocket channel.
func Detect(store *assets.Store, orch *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		file, err := c.FormFile("image")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No image file provided"})
			return
		}

		ext := strings.ToLower(filepath.Ext(file.Filename))
		if ext != ".jpg" && ext != ".jpeg" && ext != ".png" && ext != ".webp" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Only JPEG, PNG and WebP files are allowed"})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read upload"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read upload"})
			return
		}

		filename := assets.NewFilename(file.Filename)
		ref, err := store.Put(assets.CategoryDetection, filename, data)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store image"})
			return
		}

		handle, err := orch.Submit(c.Request.Context(), orchestrator.SubmitRequest{
			Category: assets.CategoryDetection,
			Filename: filename,
			Kind:     models.KindInference,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start detection"})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"session_id": handle.SessionID,
			"status":     handle.Status,
			"filename":   filename,
			"image_url":  ref.URL(),
		})
	}
}

type trainRequest struct {
	Epochs int `json:"epochs"`
}

// Train submits a training session against the dataset held by the model
// service; epoch progress arrives as progress events.
func Train(orch *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req trainRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
				return
			}
		}
		if req.Epochs < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Epochs must be positive"})
			return
		}

		handle, err := orch.Submit(c.Request.Context(), orchestrator.SubmitRequest{
			Kind:   models.KindTraining,
			Epochs: req.Epochs,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start training"})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"session_id": handle.SessionID,
			"status":     handle.Status,
		})
	}
}
