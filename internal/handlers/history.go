// internal/handlers/history.go
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"retina-backend/internal/repository"
)

const (
	defaultHistoryLimit = 10
	maxHistoryLimit     = 100
)

// History returns a filtered, offset-paginated page of detection results,
// newest first. A row with corrupt stored details is flagged instead of
// failing the page.
func History(repo *repository.ResultRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultHistoryLimit)))
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		if limit > maxHistoryLimit {
			limit = maxHistoryLimit
		}

		offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
		if err != nil || offset < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid offset"})
			return
		}

		filter := repository.Filter{DiseaseType: c.Query("diseaseType")}
		rows, total, err := repo.Query(c.Request.Context(), filter, limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch history"})
			return
		}

		results := make([]gin.H, 0, len(rows))
		for _, row := range rows {
			item := gin.H{
				"id":          row.Result.ID,
				"diseaseType": row.Result.DiseaseType,
				"imageUrl":    row.Result.ImageURL,
				"confidence":  row.Result.Confidence,
				"result":      row.Result.Result,
				"createdAt":   row.Result.CreatedAt,
				"session": gin.H{
					"id":        row.Session.ID,
					"createdAt": row.Session.CreatedAt,
					"status":    row.Session.Status,
				},
			}
			if row.DetailsErr != nil {
				item["detailsError"] = "Stored details are corrupted"
			} else if row.Details != nil {
				item["details"] = row.Details
			}
			results = append(results, item)
		}

		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"results": results,
			"pagination": gin.H{
				"total":   total,
				"limit":   limit,
				"offset":  offset,
				"hasMore": int64(offset+limit) < total,
			},
		})
	}
}

// Stats exposes per-disease result counts for the dashboard.
func Stats(repo *repository.ResultRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		counts, err := repo.CountByDisease(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch stats"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "counts": counts})
	}
}
