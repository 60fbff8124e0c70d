// internal/handlers/health.go
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"retina-backend/internal/inference"
)

// Health reports service liveness and model-service reachability.
func Health(model *inference.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		modelStatus := "ok"
		if err := model.Health(c.Request.Context()); err != nil {
			modelStatus = "unreachable"
		}
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"model":  modelStatus,
		})
	}
}
