package tracker

import (
	"context"
	"fmt"
	"sync"

	"github.com/andresmejia3/frontline/internal/store"
	"github.com/andresmejia3/frontline/internal/types"
	"github.com/google/uuid"
)

// DefaultFlushSize is how many records the Recorder buffers per write.
const DefaultFlushSize = 64

// FrameWriter is the part of store.Store the Recorder needs.
type FrameWriter interface {
	InsertFrameResults(ctx context.Context, runID uuid.UUID, records []store.FrameRecord) error
}

// Recorder persists a digest of each result under a run ID.
type Recorder struct {
	ctx   context.Context
	w     FrameWriter
	runID uuid.UUID
	size  int

	mu      sync.Mutex
	buf     []store.FrameRecord
	written uint64
}

// NewRecorder buffers up to size records between writes. A size below one
// uses DefaultFlushSize.
func NewRecorder(ctx context.Context, w FrameWriter, runID uuid.UUID, size int) *Recorder {
	if size < 1 {
		size = DefaultFlushSize
	}
	return &Recorder{ctx: ctx, w: w, runID: runID, size: size, buf: make([]store.FrameRecord, 0, size)}
}

// Digest reduces a result to its persisted form.
func Digest(r types.FeatureResult) store.FrameRecord {
	rec := store.FrameRecord{Index: r.Index, Timestamp: r.Timestamp, Label: r.Label, Keypoints: len(r.Keypoints)}
	if len(r.Keypoints) > 0 {
		var sum float32
		for _, kp := range r.Keypoints {
			sum += kp.Response
		}
		rec.MeanResponse = sum / float32(len(r.Keypoints))
	}
	return rec
}

func (rc *Recorder) Track(r types.FeatureResult) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.buf = append(rc.buf, Digest(r))
	if len(rc.buf) < rc.size {
		return nil
	}
	return rc.flushLocked()
}

// Flush writes any buffered records.
func (rc *Recorder) Flush() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.flushLocked()
}

// Written returns how many records reached the store.
func (rc *Recorder) Written() uint64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.written
}

func (rc *Recorder) flushLocked() error {
	if len(rc.buf) == 0 {
		return nil
	}
	n := len(rc.buf)
	// A failed batch is dropped, not retried.
	err := rc.w.InsertFrameResults(rc.ctx, rc.runID, rc.buf)
	rc.buf = rc.buf[:0]
	if err != nil {
		return fmt.Errorf("failed to record %d frames: %w", n, err)
	}
	rc.written += uint64(n)
	return nil
}
