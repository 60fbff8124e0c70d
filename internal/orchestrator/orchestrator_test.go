package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"retina-backend/internal/assets"
	"retina-backend/internal/inference"
	"retina-backend/internal/models"
	"retina-backend/internal/progress"
	"retina-backend/internal/repository"
)

type fixture struct {
	db    *gorm.DB
	repo  *repository.ResultRepository
	hub   *progress.Hub
	store *assets.Store
	orch  *Orchestrator
}

func newFixture(t *testing.T, modelURL string, timeout time.Duration) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.Session{}, &models.DetectionResult{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	store, err := assets.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("asset store: %v", err)
	}

	repo := repository.New(db)
	hub := progress.NewHub()
	model := inference.NewClient(modelURL, timeout)
	return &fixture{
		db:    db,
		repo:  repo,
		hub:   hub,
		store: store,
		orch:  New(db, repo, hub, model, store),
	}
}

func waitForEvent(t *testing.T, sub *progress.Subscription, kind progress.EventKind) progress.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				t.Fatalf("stream closed before %s event", kind)
			}
			if ev.Kind == kind {
				return ev
			}
			if ev.Kind.Terminal() {
				t.Fatalf("terminal event %s before expected %s: %+v", ev.Kind, kind, ev)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func sessionStatus(t *testing.T, db *gorm.DB, id uuid.UUID) string {
	t.Helper()
	var session models.Session
	if err := db.First(&session, "id = ?", id).Error; err != nil {
		t.Fatalf("load session: %v", err)
	}
	return session.Status
}

func TestInferenceSuccessPersistsResultAndCompletes(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		json.NewEncoder(w).Encode(map[string]any{
			"filename":   "scan1.png",
			"prediction": "diabetic-retinopathy",
			"confidence": 0.87,
			"top_predictions": []map[string]any{
				{"class": "diabetic-retinopathy", "confidence": 0.87},
			},
			"message": "Detected diabetic-retinopathy with 87% confidence.",
		})
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, 5*time.Second)
	if _, err := f.store.Put(assets.CategoryDetection, "scan1.png", []byte("img")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	handle, err := f.orch.Submit(context.Background(), SubmitRequest{
		Category: assets.CategoryDetection,
		Filename: "scan1.png",
		Kind:     models.KindInference,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if handle.Status != models.StatusRunning {
		t.Errorf("handle status = %q, want running", handle.Status)
	}

	sub := f.hub.Subscribe(handle.SessionID.String())
	defer sub.Close()
	close(release)

	ev := waitForEvent(t, sub, progress.EventCompleted)
	if ev.Payload["disease_type"] != "diabetic-retinopathy" {
		t.Errorf("completed payload = %v", ev.Payload)
	}

	if got := sessionStatus(t, f.db, handle.SessionID); got != models.StatusCompleted {
		t.Errorf("session status = %q, want completed", got)
	}

	rows, total, err := f.repo.Query(context.Background(), repository.Filter{}, 10, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if total != 1 {
		t.Fatalf("total = %d, want 1", total)
	}
	row := rows[0]
	if row.Result.SessionID != handle.SessionID {
		t.Errorf("result session = %s, want %s", row.Result.SessionID, handle.SessionID)
	}
	if row.Result.DiseaseType != "diabetic-retinopathy" || row.Result.Confidence != 0.87 {
		t.Errorf("result = %+v", row.Result)
	}
	if row.Result.ImageURL == "" {
		t.Error("result image url empty")
	}
	if row.DetailsErr != nil {
		t.Errorf("details error: %v", row.DetailsErr)
	}
	if _, ok := row.Details["top_predictions"]; !ok {
		t.Errorf("details missing top_predictions: %v", row.Details)
	}
}

func TestInferenceTimeoutFailsSessionWithoutResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, 300*time.Millisecond)
	if _, err := f.store.Put(assets.CategoryDetection, "scan1.png", []byte("img")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	handle, err := f.orch.Submit(context.Background(), SubmitRequest{
		Category: assets.CategoryDetection,
		Filename: "scan1.png",
		Kind:     models.KindInference,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	sub := f.hub.Subscribe(handle.SessionID.String())
	defer sub.Close()

	ev := waitForEvent(t, sub, progress.EventFailed)
	if ev.Payload["error"] == "" {
		t.Error("failed event carries no cause")
	}

	if got := sessionStatus(t, f.db, handle.SessionID); got != models.StatusFailed {
		t.Errorf("session status = %q, want failed", got)
	}

	_, total, err := f.repo.Query(context.Background(), repository.Filter{}, 10, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if total != 0 {
		t.Errorf("total = %d, want 0 results for failed session", total)
	}
}

func TestInferenceModelErrorResponseFailsSession(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		json.NewEncoder(w).Encode(map[string]string{"error": "unrecognized image"})
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, time.Second)
	if _, err := f.store.Put(assets.CategoryDetection, "a.png", []byte("img")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	handle, err := f.orch.Submit(context.Background(), SubmitRequest{
		Category: assets.CategoryDetection,
		Filename: "a.png",
		Kind:     models.KindInference,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	sub := f.hub.Subscribe(handle.SessionID.String())
	defer sub.Close()
	close(release)
	waitForEvent(t, sub, progress.EventFailed)

	if got := sessionStatus(t, f.db, handle.SessionID); got != models.StatusFailed {
		t.Errorf("session status = %q, want failed", got)
	}
}

func TestSubmitHandleStableWhenJobFailsImmediately(t *testing.T) {
	// nothing listens on port 1, so the background call fails while the
	// caller is still holding the returned handle
	f := newFixture(t, "http://127.0.0.1:1", 50*time.Millisecond)
	if _, err := f.store.Put(assets.CategoryDetection, "scan1.png", []byte("img")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	const submits = 20
	for i := 0; i < submits; i++ {
		handle, err := f.orch.Submit(context.Background(), SubmitRequest{
			Category: assets.CategoryDetection,
			Filename: "scan1.png",
			Kind:     models.KindInference,
		})
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		if handle.Status != models.StatusRunning {
			t.Errorf("Submit %d: handle status = %q, want running", i, handle.Status)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		var failed int64
		if err := f.db.Model(&models.Session{}).
			Where("status = ?", models.StatusFailed).Count(&failed).Error; err != nil {
			t.Fatalf("count sessions: %v", err)
		}
		if failed == submits {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("failed sessions = %d, want %d", failed, submits)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubmitMissingAssetFailsBeforeSessionCreation(t *testing.T) {
	f := newFixture(t, "http://localhost:0", time.Second)

	_, err := f.orch.Submit(context.Background(), SubmitRequest{
		Category: assets.CategoryDetection,
		Filename: "missing.png",
		Kind:     models.KindInference,
	})
	if err == nil {
		t.Fatal("expected error for missing asset")
	}

	var count int64
	if err := f.db.Model(&models.Session{}).Count(&count).Error; err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if count != 0 {
		t.Errorf("sessions created for rejected submit: %d", count)
	}
}

func TestSubmitRejectsUnknownKind(t *testing.T) {
	f := newFixture(t, "http://localhost:0", time.Second)
	if _, err := f.orch.Submit(context.Background(), SubmitRequest{Kind: "evaluate"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestTrainingStreamsEpochProgress(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		flusher := w.(http.Flusher)
		for epoch := 1; epoch <= 3; epoch++ {
			fmt.Fprintf(w, `{"epoch":%d,"epochs":3,"loss":0.4,"accuracy":0.85}`+"\n", epoch)
			flusher.Flush()
		}
		fmt.Fprintln(w, `{"done":true,"accuracy":0.91}`)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, time.Second)

	handle, err := f.orch.Submit(context.Background(), SubmitRequest{
		Kind:   models.KindTraining,
		Epochs: 3,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	sub := f.hub.Subscribe(handle.SessionID.String())
	defer sub.Close()
	close(release)

	seen := 0
	for {
		ev, ok := <-sub.C
		if !ok {
			t.Fatal("stream closed before completion event")
		}
		if ev.Kind == progress.EventProgress {
			seen++
			continue
		}
		if ev.Kind == progress.EventCompleted {
			if ev.Payload["accuracy"] != 0.91 {
				t.Errorf("completed payload = %v", ev.Payload)
			}
			break
		}
		t.Fatalf("unexpected event %+v", ev)
	}
	if seen != 3 {
		t.Errorf("progress events = %d, want 3", seen)
	}

	if got := sessionStatus(t, f.db, handle.SessionID); got != models.StatusCompleted {
		t.Errorf("session status = %q, want completed", got)
	}
}

func TestTrainingFailureFailsSession(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		fmt.Fprintln(w, `{"error":"dataset missing"}`)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, time.Second)

	handle, err := f.orch.Submit(context.Background(), SubmitRequest{Kind: models.KindTraining})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	sub := f.hub.Subscribe(handle.SessionID.String())
	defer sub.Close()
	close(release)
	waitForEvent(t, sub, progress.EventFailed)

	if got := sessionStatus(t, f.db, handle.SessionID); got != models.StatusFailed {
		t.Errorf("session status = %q, want failed", got)
	}
}
