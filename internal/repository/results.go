// internal/repository/results.go
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"retina-backend/internal/models"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrConfidenceRange = errors.New("confidence must be between 0 and 1")
)

// DetailsError marks a stored details value that no longer deserializes.
// It is reported per row so one corrupt record cannot hide a page.
type DetailsError struct {
	ResultID uint
	Err      error
}

func (e *DetailsError) Error() string {
	return fmt.Sprintf("corrupt details on result %d: %v", e.ResultID, e.Err)
}

func (e *DetailsError) Unwrap() error { return e.Err }

type Filter struct {
	DiseaseType string // exact match; empty matches all
}

// SessionInfo is the reduced session projection attached to each row.
type SessionInfo struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status"`
}

type Row struct {
	Result     models.DetectionResult
	Details    map[string]any
	DetailsErr error
	Session    SessionInfo
}

type ResultRepository struct {
	db *gorm.DB
}

func New(db *gorm.DB) *ResultRepository {
	return &ResultRepository{db: db}
}

// Insert persists one result. The owning session must already exist and
// confidence must be in range; both are checked before the write.
func (r *ResultRepository) Insert(ctx context.Context, result *models.DetectionResult) (uint, error) {
	if result.Confidence < 0 || result.Confidence > 1 {
		return 0, fmt.Errorf("%w: %f", ErrConfidenceRange, result.Confidence)
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ?", result.SessionID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to check session: %w", err)
	}
	if count == 0 {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, result.SessionID)
	}

	if err := r.db.WithContext(ctx).Create(result).Error; err != nil {
		return 0, fmt.Errorf("failed to insert result: %w", err)
	}
	return result.ID, nil
}

// Query returns one page of results, newest first with id as the tie-break,
// plus the total count matching the filter across all pages. A row whose
// stored details fail to deserialize is returned with DetailsErr set instead
// of failing the page.
func (r *ResultRepository) Query(ctx context.Context, filter Filter, limit, offset int) ([]Row, int64, error) {
	base := r.db.WithContext(ctx).Model(&models.DetectionResult{})
	if filter.DiseaseType != "" {
		base = base.Where("disease_type = ?", filter.DiseaseType)
	}

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count results: %w", err)
	}

	var records []models.DetectionResult
	if err := base.Preload("Session").
		Order("created_at DESC, id DESC").
		Limit(limit).Offset(offset).
		Find(&records).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch results: %w", err)
	}

	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		row := Row{
			Result: rec,
			Session: SessionInfo{
				ID:        rec.Session.ID,
				CreatedAt: rec.Session.CreatedAt,
				Status:    rec.Session.Status,
			},
		}
		if len(rec.Details) > 0 {
			var details map[string]any
			if err := json.Unmarshal(rec.Details, &details); err != nil {
				row.DetailsErr = &DetailsError{ResultID: rec.ID, Err: err}
			} else {
				row.Details = details
			}
		}
		rows = append(rows, row)
	}
	return rows, total, nil
}

// CountByDisease aggregates result counts per disease label.
func (r *ResultRepository) CountByDisease(ctx context.Context) (map[string]int64, error) {
	type bucket struct {
		DiseaseType string
		Count       int64
	}
	var buckets []bucket
	if err := r.db.WithContext(ctx).Model(&models.DetectionResult{}).
		Select("disease_type, count(*) as count").
		Group("disease_type").
		Scan(&buckets).Error; err != nil {
		return nil, fmt.Errorf("failed to aggregate results: %w", err)
	}

	counts := make(map[string]int64, len(buckets))
	for _, b := range buckets {
		counts[b.DiseaseType] = b.Count
	}
	return counts, nil
}
