package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// Explicitly check for Docker availability and fail hard if missing
	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("frontline_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	// Get Connection String
	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close(ctx)

	// --- Test Scenarios ---

	runID, err := s.StartRun(ctx, Run{
		Source: "synthetic:5", SourceID: "abc", Variant: "live", Extractor: "ORB", TargetRate: 10,
	})
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if runID == uuid.Nil {
		t.Fatal("Expected a generated run ID")
	}

	records := []FrameRecord{
		{Index: 0, Timestamp: 0.0, Label: "f0", Keypoints: 12, MeanResponse: 0.5},
		{Index: 1, Timestamp: 0.1, Label: "f1", Keypoints: 0},
		{Index: 2, Timestamp: 0.2, Label: "f2", Keypoints: 7, MeanResponse: 0.25},
	}
	if err := s.InsertFrameResults(ctx, runID, records); err != nil {
		t.Fatalf("InsertFrameResults failed: %v", err)
	}
	// Re-inserting is a no-op rather than a conflict error.
	if err := s.InsertFrameResults(ctx, runID, records[:1]); err != nil {
		t.Fatalf("InsertFrameResults (duplicate) failed: %v", err)
	}

	got, err := s.FrameResults(ctx, runID)
	if err != nil {
		t.Fatalf("FrameResults failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 frame records, got %d", len(got))
	}
	if got[2].Keypoints != 7 || got[2].Label != "f2" {
		t.Errorf("Unexpected record %+v", got[2])
	}

	sum := RunSummary{Seen: 15, Flushed: 10, Delivered: 5, Results: 3, SoftFailures: 1}
	if err := s.FinishRun(ctx, runID, StatusCompleted, sum); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}
	if err := s.FinishRun(ctx, uuid.New(), StatusCompleted, sum); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected ErrRunNotFound for unknown run, got %v", err)
	}

	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("Expected 1 run, got %d", len(runs))
	}
	if runs[0].ID != runID || runs[0].Status != StatusCompleted || runs[0].FinishedAt == nil {
		t.Errorf("Unexpected run %+v", runs[0])
	}
	if runs[0].Summary != sum {
		t.Errorf("Expected summary %+v, got %+v", sum, runs[0].Summary)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := s.ListRuns(ctx, 10); err == nil {
		t.Error("Expected ListRuns to fail after Reset dropped the tables")
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
