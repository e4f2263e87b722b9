package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ErrRunNotFound is returned when a run ID does not exist.
var ErrRunNotFound = errors.New("run not found")

// Store manages the PostgreSQL connection for run recording.
type Store struct {
	conn *pgx.Conn
}

// RunSummary holds the counters written when a run finishes.
type RunSummary struct {
	Seen         uint64
	Flushed      uint64
	Delivered    uint64
	Dropped      uint64
	Results      uint64
	SoftFailures uint64
	Violations   uint64
}

// Run is one pipeline execution.
type Run struct {
	ID         uuid.UUID
	Source     string
	SourceID   string
	Variant    string
	Extractor  string
	TargetRate float64
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
	Summary    RunSummary
}

// FrameRecord is the persisted digest of one tracked result.
type FrameRecord struct {
	Index        uint64
	Timestamp    float64
	Label        string
	Keypoints    int
	MeanResponse float32
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the necessary tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS pipeline_runs (
			id UUID PRIMARY KEY,
			source TEXT NOT NULL,
			source_id TEXT NOT NULL,
			variant TEXT NOT NULL,
			extractor TEXT NOT NULL,
			target_rate DOUBLE PRECISION NOT NULL,
			started_at TIMESTAMPTZ DEFAULT NOW(),
			finished_at TIMESTAMPTZ,
			status TEXT NOT NULL,
			frames_seen BIGINT DEFAULT 0,
			frames_flushed BIGINT DEFAULT 0,
			frames_delivered BIGINT DEFAULT 0,
			frames_dropped BIGINT DEFAULT 0,
			results BIGINT DEFAULT 0,
			soft_failures BIGINT DEFAULT 0,
			violations BIGINT DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS frame_results (
			run_id UUID REFERENCES pipeline_runs(id) ON DELETE CASCADE,
			frame_index BIGINT NOT NULL,
			ts DOUBLE PRECISION NOT NULL,
			label TEXT NOT NULL,
			keypoints INT NOT NULL,
			mean_response REAL NOT NULL,
			PRIMARY KEY (run_id, frame_index)
		);
		CREATE INDEX IF NOT EXISTS pipeline_runs_started_at_idx ON pipeline_runs (started_at DESC);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// StartRun registers a run in the running state. A zero ID is replaced by a
// fresh one; the ID used is returned.
func (s *Store) StartRun(ctx context.Context, run Run) (uuid.UUID, error) {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	_, err := s.conn.Exec(ctx, `
		INSERT INTO pipeline_runs (id, source, source_id, variant, extractor, target_rate, started_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), $7)
	`, run.ID, run.Source, run.SourceID, run.Variant, run.Extractor, run.TargetRate, StatusRunning)
	if err != nil {
		return uuid.Nil, err
	}
	return run.ID, nil
}

// FinishRun stamps the run with its final status and counters.
func (s *Store) FinishRun(ctx context.Context, id uuid.UUID, status string, sum RunSummary) error {
	tag, err := s.conn.Exec(ctx, `
		UPDATE pipeline_runs SET
			finished_at = NOW(), status = $2,
			frames_seen = $3, frames_flushed = $4, frames_delivered = $5, frames_dropped = $6,
			results = $7, soft_failures = $8, violations = $9
		WHERE id = $1
	`, id, status, int64(sum.Seen), int64(sum.Flushed), int64(sum.Delivered), int64(sum.Dropped),
		int64(sum.Results), int64(sum.SoftFailures), int64(sum.Violations))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// InsertFrameResults writes a batch of frame records in one round trip.
// Records already present for the run are left untouched.
func (s *Store) InsertFrameResults(ctx context.Context, runID uuid.UUID, records []FrameRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(`
			INSERT INTO frame_results (run_id, frame_index, ts, label, keypoints, mean_response)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (run_id, frame_index) DO NOTHING
		`, runID, int64(r.Index), r.Timestamp, r.Label, r.Keypoints, r.MeanResponse)
	}
	return s.conn.SendBatch(ctx, batch).Close()
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.conn.Query(ctx, `
		SELECT id, source, source_id, variant, extractor, target_rate, started_at, finished_at, status,
			frames_seen, frames_flushed, frames_delivered, frames_dropped, results, soft_failures, violations
		FROM pipeline_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var seen, flushed, delivered, dropped, results, soft, violations int64
		if err := rows.Scan(&r.ID, &r.Source, &r.SourceID, &r.Variant, &r.Extractor, &r.TargetRate,
			&r.StartedAt, &r.FinishedAt, &r.Status,
			&seen, &flushed, &delivered, &dropped, &results, &soft, &violations); err != nil {
			return nil, err
		}
		r.Summary = RunSummary{
			Seen: uint64(seen), Flushed: uint64(flushed), Delivered: uint64(delivered), Dropped: uint64(dropped),
			Results: uint64(results), SoftFailures: uint64(soft), Violations: uint64(violations),
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// FrameResults returns the records of a run in frame order.
func (s *Store) FrameResults(ctx context.Context, runID uuid.UUID) ([]FrameRecord, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT frame_index, ts, label, keypoints, mean_response
		FROM frame_results WHERE run_id = $1 ORDER BY frame_index
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FrameRecord
	for rows.Next() {
		var r FrameRecord
		var idx int64
		if err := rows.Scan(&idx, &r.Timestamp, &r.Label, &r.Keypoints, &r.MeanResponse); err != nil {
			return nil, err
		}
		r.Index = uint64(idx)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS frame_results CASCADE;
		DROP TABLE IF EXISTS pipeline_runs CASCADE;
	`)
	return err
}
