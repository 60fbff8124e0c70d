// internal/handlers/images.go
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"retina-backend/internal/assets"
)

// GetImage serves stored asset bytes. Assets are treated as immutable, so
// responses carry a one-year public cache header.
func GetImage(store *assets.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		category := c.Query("category")
		filename := c.Query("filename")
		if category == "" || filename == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Category and filename are required"})
			return
		}

		cat, err := assets.ParseCategory(category)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown category"})
			return
		}

		data, contentType, err := store.Get(cat, filename)
		if err != nil {
			switch {
			case errors.Is(err, assets.ErrInvalidFilename):
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid filename"})
			case errors.Is(err, assets.ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "Image not found"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read image"})
			}
			return
		}

		c.Header("Cache-Control", "public, max-age=31536000")
		c.Header("Access-Control-Allow-Origin", "*")
		c.Data(http.StatusOK, contentType, data)
	}
}

// DeleteImage removes an asset; the category retention policy is the
// caller's to apply.
func DeleteImage(store *assets.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		category := c.Query("category")
		filename := c.Query("filename")
		if category == "" || filename == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Category and filename are required"})
			return
		}

		cat, err := assets.ParseCategory(category)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown category"})
			return
		}

		if err := store.Delete(cat, filename); err != nil {
			switch {
			case errors.Is(err, assets.ErrInvalidFilename):
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid filename"})
			case errors.Is(err, assets.ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "Image not found"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete image"})
			}
			return
		}

		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}
