// Package orchestrator runs inference and training sessions against the
// external model service. Submit returns as soon as the session is
// dispatched; completion is observed through the progress hub or the
// history endpoint.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"retina-backend/internal/assets"
	"retina-backend/internal/inference"
	"retina-backend/internal/models"
	"retina-backend/internal/progress"
	"retina-backend/internal/repository"
)

const defaultTrainEpochs = 10

type Orchestrator struct {
	db    *gorm.DB
	repo  *repository.ResultRepository
	hub   *progress.Hub
	model *inference.Client
	store *assets.Store
}

func New(db *gorm.DB, repo *repository.ResultRepository, hub *progress.Hub, model *inference.Client, store *assets.Store) *Orchestrator {
	return &Orchestrator{db: db, repo: repo, hub: hub, model: model, store: store}
}

type SubmitRequest struct {
	Category assets.Category
	Filename string
	Kind     string // models.KindInference or models.KindTraining
	Epochs   int    // training only
}

type SessionHandle struct {
	SessionID uuid.UUID `json:"session_id"`
	Status    string    `json:"status"`
}

// Submit creates a session and dispatches the external call in the
// background. One attempt per call; retry is the caller's decision.
//
// The started event is published before Submit returns, so only
// subscribers already attached in-process can observe it; remote
// observers learn the session id from the handle and join in time for
// progress and terminal events.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (SessionHandle, error) {
	if req.Kind != models.KindInference && req.Kind != models.KindTraining {
		return SessionHandle{}, fmt.Errorf("unknown job kind %q", req.Kind)
	}

	var (
		image    []byte
		imageURL string
	)
	if req.Kind == models.KindInference {
		data, _, err := o.store.Get(req.Category, req.Filename)
		if err != nil {
			return SessionHandle{}, err
		}
		image = data
		imageURL = assets.AssetRef{Category: req.Category, Filename: req.Filename}.URL()
	}

	session := &models.Session{
		ID:     uuid.New(),
		Kind:   req.Kind,
		Status: models.StatusPending,
	}
	if err := o.db.WithContext(ctx).Create(session).Error; err != nil {
		return SessionHandle{}, fmt.Errorf("failed to create session: %w", err)
	}

	o.transition(session, models.StatusRunning, "")
	o.hub.Publish(progress.Event{
		SessionID: session.ID.String(),
		Kind:      progress.EventStarted,
		Payload:   map[string]any{"kind": req.Kind},
	})

	// capture the handle before handing the session struct to the
	// background goroutine, which owns it from that point on
	handle := SessionHandle{SessionID: session.ID, Status: session.Status}

	switch req.Kind {
	case models.KindInference:
		go o.runInference(session, req.Filename, image, imageURL)
	case models.KindTraining:
		epochs := req.Epochs
		if epochs <= 0 {
			epochs = defaultTrainEpochs
		}
		go o.runTraining(session, epochs)
	}

	return handle, nil
}

func (o *Orchestrator) runInference(session *models.Session, filename string, image []byte, imageURL string) {
	ctx := context.Background()

	pred, err := o.model.Predict(ctx, filename, image)
	if err != nil {
		o.fail(session, fmt.Sprintf("model call failed: %s", err))
		return
	}

	verdict := pred.Message
	if verdict == "" {
		verdict = fmt.Sprintf("Detected %s with %.1f%% confidence", pred.Prediction, pred.Confidence*100)
	}

	result := &models.DetectionResult{
		SessionID:   session.ID,
		DiseaseType: pred.Prediction,
		ImageURL:    imageURL,
		Confidence:  pred.Confidence,
		Result:      verdict,
	}
	if len(pred.TopPredictions) > 0 {
		details, err := json.Marshal(map[string]any{"top_predictions": pred.TopPredictions})
		if err == nil {
			result.Details = datatypes.JSON(details)
		}
	}

	resultID, err := o.repo.Insert(ctx, result)
	if err != nil {
		o.fail(session, fmt.Sprintf("failed to persist result: %s", err))
		return
	}

	o.transition(session, models.StatusCompleted, "")
	o.hub.Publish(progress.Event{
		SessionID: session.ID.String(),
		Kind:      progress.EventCompleted,
		Payload: map[string]any{
			"result_id":    resultID,
			"disease_type": pred.Prediction,
			"confidence":   pred.Confidence,
			"result":       verdict,
		},
	})
}

func (o *Orchestrator) runTraining(session *models.Session, epochs int) {
	ctx := context.Background()

	summary, err := o.model.Train(ctx, inference.TrainRequest{Epochs: epochs}, func(p inference.TrainProgress) {
		payload := map[string]any{
			"epoch":    p.Epoch,
			"epochs":   p.Epochs,
			"loss":     p.Loss,
			"accuracy": p.Accuracy,
		}
		if p.Epochs > 0 {
			payload["percent"] = 100 * p.Epoch / p.Epochs
		}
		o.hub.Publish(progress.Event{
			SessionID: session.ID.String(),
			Kind:      progress.EventProgress,
			Payload:   payload,
		})
	})
	if err != nil {
		o.fail(session, fmt.Sprintf("training failed: %s", err))
		return
	}

	o.transition(session, models.StatusCompleted, "")
	o.hub.Publish(progress.Event{
		SessionID: session.ID.String(),
		Kind:      progress.EventCompleted,
		Payload:   map[string]any{"accuracy": summary.Accuracy},
	})
}

func (o *Orchestrator) fail(session *models.Session, cause string) {
	log.Printf("session %s failed: %s", session.ID, cause)
	o.transition(session, models.StatusFailed, cause)
	o.hub.Publish(progress.Event{
		SessionID: session.ID.String(),
		Kind:      progress.EventFailed,
		Payload:   map[string]any{"error": cause},
	})
}

// transition advances the session status. Terminal states are never left.
func (o *Orchestrator) transition(session *models.Session, status, errMsg string) {
	if models.TerminalStatus(session.Status) {
		return
	}
	session.Status = status
	session.ErrorMessage = errMsg
	if err := o.db.Save(session).Error; err != nil {
		log.Printf("failed to update session %s: %v", session.ID, err)
	}
}
