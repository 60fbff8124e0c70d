// internal/models/models.go
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const (
	KindInference = "inference"
	KindTraining  = "training"
)

// TerminalStatus reports whether a session status can no longer change.
func TerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

type Session struct {
	ID           uuid.UUID `gorm:"type:uuid;primarykey" json:"id"`
	Kind         string    `gorm:"not null" json:"kind"`            // inference, training
	Status       string    `gorm:"default:'pending'" json:"status"` // pending, running, completed, failed
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	Results []DetectionResult `gorm:"foreignKey:SessionID" json:"results,omitempty"`
}

type DetectionResult struct {
	ID          uint           `gorm:"primarykey" json:"id"`
	SessionID   uuid.UUID      `gorm:"type:uuid;not null;index" json:"session_id"`
	DiseaseType string         `gorm:"index" json:"disease_type"`
	ImageURL    string         `json:"image_url"`
	Confidence  float64        `json:"confidence"`
	Result      string         `json:"result"`
	Details     datatypes.JSON `json:"details,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`

	Session Session `gorm:"foreignKey:SessionID" json:"session,omitempty"`
}
