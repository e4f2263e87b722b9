// Package sampler feeds the first pipeline queue from a frame source.
//
// Sampler paces a live source to a tunable target rate, discarding surplus
// frames evenly and dropping frames the pipeline has no room for. Replayer
// plays back a recorded image sequence at its original timing without
// dropping anything.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/frontline/internal/clock"
	"github.com/andresmejia3/frontline/internal/logging"
	"github.com/andresmejia3/frontline/internal/queue"
	"github.com/andresmejia3/frontline/internal/source"
	"github.com/andresmejia3/frontline/internal/tuning"
	"github.com/andresmejia3/frontline/internal/types"
	"github.com/rs/zerolog"
)

// DefaultEnqueueTimeout is how long a frame may wait for queue space before
// it is dropped.
const DefaultEnqueueTimeout = time.Millisecond

// ErrNoRate is returned when the source reports no usable rate.
var ErrNoRate = errors.New("sampler: source rate must be positive")

// Stats counts what happened to source frames.
type Stats struct {
	Seen      uint64 // every frame grabbed or retrieved
	Flushed   uint64 // discarded by rate control without decoding
	Delivered uint64 // admitted to the queue
	Dropped   uint64 // decoded but rejected by a saturated queue
	Skipped   uint64 // unreadable frames (replayer only)
}

type counters struct {
	seen, flushed, delivered, dropped, skipped atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Seen:      c.seen.Load(),
		Flushed:   c.flushed.Load(),
		Delivered: c.delivered.Load(),
		Dropped:   c.dropped.Load(),
		Skipped:   c.skipped.Load(),
	}
}

// Option customises a Sampler or Replayer.
type Option func(*options)

type options struct {
	clock          clock.Clock
	enqueueTimeout time.Duration
	sourceRate     float64
	onDrop         func(types.FrameItem)
}

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithEnqueueTimeout overrides DefaultEnqueueTimeout.
func WithEnqueueTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.enqueueTimeout = d
		}
	}
}

// WithSourceRate overrides the rate reported by the source.
func WithSourceRate(r float64) Option { return func(o *options) { o.sourceRate = r } }

// WithDropHook is called for every frame rejected by a saturated queue.
func WithDropHook(fn func(types.FrameItem)) Option { return func(o *options) { o.onDrop = fn } }

func buildOptions(opts []Option) options {
	o := options{clock: clock.Real, enqueueTimeout: DefaultEnqueueTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Sampler is the adaptive ingestion loop for live sources.
type Sampler struct {
	src    source.Source
	out    *queue.Queue[types.FrameItem]
	target *tuning.Float
	opts   options
	log    zerolog.Logger

	stats        counters
	shutdownOnce sync.Once
}

// New returns a sampler that reads src and feeds out, pacing to target. A nil
// target disables rate control.
func New(src source.Source, out *queue.Queue[types.FrameItem], target *tuning.Float, opts ...Option) *Sampler {
	if target == nil {
		target = tuning.NewFloat(0)
	}
	return &Sampler{
		src:    src,
		out:    out,
		target: target,
		opts:   buildOptions(opts),
		log:    logging.Component("sampler"),
	}
}

// Stats returns the live counters. Safe to call while Run is in progress.
func (s *Sampler) Stats() Stats { return s.stats.snapshot() }

// Run drives the source until it is exhausted, ctx is cancelled or the
// output queue is shut down from elsewhere. It shuts the output queue down
// exactly once before returning. Exhaustion and cancellation are normal
// terminations and return a nil error.
func (s *Sampler) Run(ctx context.Context) (Stats, error) {
	defer s.finish()

	sourceRate := s.opts.sourceRate
	if sourceRate <= 0 {
		sourceRate = s.src.Rate()
	}
	if sourceRate <= 0 {
		return s.Stats(), fmt.Errorf("%w (got %v)", ErrNoRate, sourceRate)
	}

	clock := s.opts.clock
	var (
		last       time.Time // when the previous frame was taken; zero before the first
		acc        float64   // fractional flush carry
		deliveryID uint64    // next sequence index
	)

	for ctx.Err() == nil {
		targetRate := s.target.Load()

		// 1. Flush ratio.
		flushRatio := 0.0
		if targetRate > 0 && targetRate < sourceRate {
			flushRatio = (sourceRate - targetRate) / sourceRate
		}

		// 2. Pace to the target rate.
		frameTime := time.Duration(float64(time.Second) / sourceRate)
		if targetRate > 0 {
			frameTime = time.Duration(float64(time.Second) / targetRate)
			if !last.IsZero() {
				if wait := frameTime - clock.Now().Sub(last); wait > 0 {
					clock.Sleep(wait)
				}
			}
		}
		last = clock.Now()

		// 3. Spread cheap discards evenly.
		acc += flushRatio
		for acc >= 1.0 {
			if !s.src.Grab() {
				s.log.Info().Msg("source ended while flushing")
				return s.Stats(), nil
			}
			s.stats.seen.Add(1)
			s.stats.flushed.Add(1)
			acc -= 1.0
		}

		// 4. Retrieve, retrying once.
		img, ok := s.src.Retrieve()
		if !ok {
			clock.Sleep(frameTime / 4)
			if img, ok = s.src.Retrieve(); !ok {
				s.log.Info().Msg("source ended or failed, stopping")
				return s.Stats(), nil
			}
		}
		seen := s.stats.seen.Add(1)

		// 5. Timestamp from the true number of source frames.
		item := types.FrameItem{
			Index:     deliveryID,
			Timestamp: float64(seen) / sourceRate,
			Label:     s.src.Label(),
			Image:     img,
		}

		// 6. Deliver or drop. Drops do not consume an index.
		if s.out.TryEnqueueFor(item, s.opts.enqueueTimeout) {
			deliveryID++
			s.stats.delivered.Add(1)
			continue
		}
		s.stats.dropped.Add(1)
		if s.opts.onDrop != nil {
			s.opts.onDrop(item)
		}
		if s.out.IsShutdown() {
			s.log.Warn().Msg("input queue shut down downstream, stopping")
			return s.Stats(), nil
		}
	}

	s.log.Info().Msg("sampler cancelled")
	return s.Stats(), nil
}

func (s *Sampler) finish() {
	s.shutdownOnce.Do(func() {
		s.out.Shutdown()
		st := s.stats.snapshot()
		s.log.Info().
			Uint64("seen", st.Seen).
			Uint64("flushed", st.Flushed).
			Uint64("delivered", st.Delivered).
			Uint64("dropped", st.Dropped).
			Msg("producer finished")
	})
}
