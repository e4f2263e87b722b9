// Package stage runs one worker goroutine between two bounded queues.
//
// A Stage drains its input queue, applies a processing step and writes to its
// output queue. When the worker exits, for whatever reason, it shuts the
// output queue down so the next stage observes end-of-stream in turn. A single
// stop at the head of the pipeline therefore unwinds every stage behind it.
package stage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/frontline/internal/logging"
	"github.com/andresmejia3/frontline/internal/queue"
	"github.com/rs/zerolog"
)

// DefaultPollTimeout bounds how long the worker waits on its input before
// re-checking the running flag. It is the worst-case stop latency.
const DefaultPollTimeout = 100 * time.Millisecond

// ErrNoWork is returned by Start when the stage has neither a processor nor a drainer.
var ErrNoWork = errors.New("stage: no processor or drainer configured")

// Processor turns one input item into one output item. A non-nil error marks
// a soft failure: the returned output is still forwarded downstream.
type Processor[In, Out any] interface {
	Process(In) (Out, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc[In, Out any] func(In) (Out, error)

func (f ProcessorFunc[In, Out]) Process(in In) (Out, error) { return f(in) }

// Drainer takes over both queues instead of the per-item loop. It must return
// once in is drained or ctx is cancelled. The stage shuts out down after
// Drain returns.
type Drainer[In, Out any] interface {
	Drain(ctx context.Context, in *queue.Queue[In], out *queue.Queue[Out])
}

// Stats is a snapshot of a stage's counters.
type Stats struct {
	Processed    uint64
	SoftFailures uint64
}

// Option customises a Stage.
type Option func(*options)

type options struct {
	pollTimeout time.Duration
	onFailure   func(err error)
}

// WithPollTimeout overrides DefaultPollTimeout.
func WithPollTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollTimeout = d
		}
	}
}

// WithFailureHook registers a callback invoked for every soft failure.
func WithFailureHook(fn func(err error)) Option {
	return func(o *options) { o.onFailure = fn }
}

// Stage owns the worker goroutine for one pipeline step.
type Stage[In, Out any] struct {
	name string
	in   *queue.Queue[In]
	out  *queue.Queue[Out]

	proc  Processor[In, Out]
	drain Drainer[In, Out]
	opts  options
	log   zerolog.Logger

	mu      sync.Mutex // serialises Start and Stop
	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	processed    atomic.Uint64
	softFailures atomic.Uint64
}

// New creates a stage that runs proc on every item.
func New[In, Out any](name string, in *queue.Queue[In], out *queue.Queue[Out], proc Processor[In, Out], opts ...Option) *Stage[In, Out] {
	s := newStage(name, in, out, opts)
	s.proc = proc
	return s
}

// NewDrained creates a stage whose queues are handed to d.
func NewDrained[In, Out any](name string, in *queue.Queue[In], out *queue.Queue[Out], d Drainer[In, Out], opts ...Option) *Stage[In, Out] {
	s := newStage(name, in, out, opts)
	s.drain = d
	return s
}

func newStage[In, Out any](name string, in *queue.Queue[In], out *queue.Queue[Out], opts []Option) *Stage[In, Out] {
	o := options{pollTimeout: DefaultPollTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Stage[In, Out]{
		name: name,
		in:   in,
		out:  out,
		opts: o,
		log:  logging.Component("stage").With().Str("stage", name).Logger(),
	}
}

// Name returns the stage name used in logs.
func (s *Stage[In, Out]) Name() string { return s.name }

// Start spawns the worker. Calling Start on a running stage is a no-op.
func (s *Stage[In, Out]) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc == nil && s.drain == nil {
		return ErrNoWork
	}
	if s.running.Load() {
		return nil
	}
	if s.done != nil {
		// The previous worker exited on its own; let it finish closing.
		<-s.done
		s.cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	if s.drain != nil {
		go s.runDrainer(ctx)
	} else {
		go s.runLoop()
	}
	s.log.Debug().Msg("stage started")
	return nil
}

// Stop clears the running flag and waits for the worker to exit.
// It is safe to call on a stopped stage.
func (s *Stage[In, Out]) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done == nil {
		return
	}
	s.running.Store(false)
	s.cancel()
	<-s.done
	s.done = nil
}

// Wait blocks until the worker has exited on its own (input drained).
func (s *Stage[In, Out]) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Running reports whether a worker is active.
func (s *Stage[In, Out]) Running() bool { return s.running.Load() }

// Stats returns the stage counters.
func (s *Stage[In, Out]) Stats() Stats {
	return Stats{
		Processed:    s.processed.Load(),
		SoftFailures: s.softFailures.Load(),
	}
}

func (s *Stage[In, Out]) runLoop() {
	defer close(s.done)
	defer s.finish()

	for s.running.Load() {
		item, ok := s.in.TryDequeueFor(s.opts.pollTimeout)
		if !ok {
			if s.in.Drained() {
				return
			}
			continue
		}

		result, err := s.proc.Process(item)
		s.processed.Add(1)
		if err != nil {
			s.softFailures.Add(1)
			s.log.Warn().Err(err).Msg("processing failed, forwarding empty result")
			if s.opts.onFailure != nil {
				s.opts.onFailure(err)
			}
		}

		if err := s.out.Enqueue(result); err != nil {
			// Downstream was shut down under us; only expected during teardown.
			s.log.Warn().Err(err).Msg("output closed, dropping result")
			return
		}
	}
}

func (s *Stage[In, Out]) runDrainer(ctx context.Context) {
	defer close(s.done)
	defer s.finish()
	s.drain.Drain(ctx, s.in, s.out)
}

// finish propagates the shutdown cascade.
func (s *Stage[In, Out]) finish() {
	s.running.Store(false)
	s.out.Shutdown()
	s.log.Debug().
		Uint64("processed", s.processed.Load()).
		Uint64("soft_failures", s.softFailures.Load()).
		Msg("stage exited, output shut down")
}
