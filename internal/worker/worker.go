// Package worker drives an external feature-extraction engine process.
//
// The engine reads length-prefixed requests on stdin and writes
// length-prefixed responses on file descriptor 3, keeping stdout and stderr
// free for its own logging.
package worker

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/andresmejia3/frontline/internal/tuning"
	"github.com/andresmejia3/frontline/internal/types"
	"github.com/andresmejia3/frontline/internal/utils" // Using the SafeCommand wrapper
)

// Engine extracts features for a batch of images.
type Engine interface {
	ExtractBatch(images []types.Image, th tuning.Thresholds) ([]Features, error)
	Close() error
}

// EngineWorker is one running engine process.
type EngineWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

// NewEngineWorker starts the engine binary name with args.
func NewEngineWorker(id int, name string, args ...string) (*EngineWorker, error) {
	proc := utils.NewSafeCommand(name, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	proc.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := proc.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("engine %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &EngineWorker{
		ID:       id,
		Cmd:      proc,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one framed request and reads one framed response.
func (w *EngineWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // the engine died before answering
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("engine %d: response of %d bytes exceeds limit", w.ID, respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// ExtractBatch runs one batch through the engine.
func (w *EngineWorker) ExtractBatch(images []types.Image, th tuning.Thresholds) ([]Features, error) {
	req, err := EncodeRequest(images, th)
	if err != nil {
		return nil, err
	}
	resp, err := w.Communicate(req)
	if err != nil {
		return nil, fmt.Errorf("engine %d: %w", w.ID, err)
	}
	feats, err := DecodeResponse(resp)
	if err != nil {
		return nil, err
	}
	if len(feats) != len(images) {
		return nil, fmt.Errorf("engine %d returned %d results for %d images", w.ID, len(feats), len(images))
	}
	return feats, nil
}

// Close ends the engine by closing its stdin and waits for it to exit.
func (w *EngineWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}
