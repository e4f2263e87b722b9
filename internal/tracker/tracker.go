// Package tracker holds the consumers the pacer forwards results to.
package tracker

import (
	"errors"

	"github.com/andresmejia3/frontline/internal/logging"
	"github.com/andresmejia3/frontline/internal/types"
	"github.com/rs/zerolog"
)

// Tracker consumes one result synchronously. Its latency is measured by the
// caller but never bounded.
type Tracker interface {
	Track(r types.FeatureResult) error
}

// Func adapts a function to Tracker.
type Func func(r types.FeatureResult) error

func (f Func) Track(r types.FeatureResult) error { return f(r) }

// Discard accepts and ignores every result.
var Discard Tracker = Func(func(types.FeatureResult) error { return nil })

// Multi forwards to each tracker in order and joins their errors.
type Multi []Tracker

func (m Multi) Track(r types.FeatureResult) error {
	var errs []error
	for _, t := range m {
		if err := t.Track(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogTracker writes one debug line per result.
type LogTracker struct {
	log zerolog.Logger
}

// NewLogTracker returns a LogTracker on the global logger.
func NewLogTracker() *LogTracker {
	return &LogTracker{log: logging.Component("tracker")}
}

func (l *LogTracker) Track(r types.FeatureResult) error {
	l.log.Debug().
		Uint64("index", r.Index).
		Float64("timestamp", r.Timestamp).
		Str("label", r.Label).
		Int("keypoints", len(r.Keypoints)).
		Msg("frame tracked")
	return nil
}
