package sampler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/andresmejia3/frontline/internal/logging"
	"github.com/andresmejia3/frontline/internal/queue"
	"github.com/andresmejia3/frontline/internal/source"
	"github.com/andresmejia3/frontline/internal/types"
	"github.com/rs/zerolog"
)

// Sequence is the part of source.Sequence the replayer needs.
type Sequence interface {
	Next() (source.SequenceEntry, types.Image, error)
}

// Replayer plays an image sequence into a queue with blocking enqueues, so
// no frame is ever dropped. Frames keep their recorded timestamps and
// their position in the sequence as index.
type Replayer struct {
	seq      Sequence
	out      *queue.Queue[types.FrameItem]
	realtime bool
	opts     options
	log      zerolog.Logger

	stats        counters
	shutdownOnce sync.Once
}

// NewReplayer returns a replayer. With realtime set it sleeps between frames
// to reproduce the recorded frame intervals.
func NewReplayer(seq Sequence, out *queue.Queue[types.FrameItem], realtime bool, opts ...Option) *Replayer {
	return &Replayer{
		seq:      seq,
		out:      out,
		realtime: realtime,
		opts:     buildOptions(opts),
		log:      logging.Component("replayer"),
	}
}

// Stats returns the live counters.
func (r *Replayer) Stats() Stats { return r.stats.snapshot() }

// Run replays the whole sequence, or until ctx is cancelled or the queue is
// closed, then shuts the queue down.
func (r *Replayer) Run(ctx context.Context) (Stats, error) {
	defer r.shutdownOnce.Do(r.out.Shutdown)

	clock := r.opts.clock
	var (
		prevTimestamp float64
		prevStart     time.Time
	)
	for ni := 0; ctx.Err() == nil; ni++ {
		start := clock.Now()
		entry, img, err := r.seq.Next()
		if errors.Is(err, source.ErrExhausted) {
			break
		}
		r.stats.seen.Add(1)
		if err != nil {
			r.stats.skipped.Add(1)
			r.log.Warn().Err(err).Str("image", entry.Path).Msg("failed to load image, skipping")
			continue
		}

		// Reproduce the recorded interval since the previous frame.
		if r.realtime && !prevStart.IsZero() {
			interval := time.Duration((entry.Timestamp - prevTimestamp) * float64(time.Second))
			if wait := interval - clock.Now().Sub(prevStart); wait > 0 {
				clock.Sleep(wait)
			}
			start = clock.Now()
		}

		item := types.FrameItem{Index: uint64(ni), Timestamp: entry.Timestamp, Label: entry.Path, Image: img}
		if err := r.out.Enqueue(item); err != nil {
			r.log.Warn().Err(err).Msg("input queue closed, stopping replay")
			break
		}
		r.stats.delivered.Add(1)
		prevTimestamp, prevStart = entry.Timestamp, start
	}

	st := r.Stats()
	r.log.Info().Uint64("delivered", st.Delivered).Uint64("skipped", st.Skipped).Msg("replay finished")
	return st, nil
}
