// Package pacer drains the final pipeline queue into a tracker at a tunable
// rate while measuring throughput and latencies.
package pacer

import (
	"time"

	"github.com/andresmejia3/frontline/internal/clock"
	"github.com/andresmejia3/frontline/internal/logging"
	"github.com/andresmejia3/frontline/internal/queue"
	"github.com/andresmejia3/frontline/internal/tracker"
	"github.com/andresmejia3/frontline/internal/tuning"
	"github.com/andresmejia3/frontline/internal/types"
	"github.com/rs/zerolog"
)

const (
	// DefaultWindow is the number of arrivals the throughput is computed over.
	DefaultWindow = 30
	// DefaultProgressEvery is how often a progress line is logged.
	DefaultProgressEvery = 50
)

// Sample describes one forwarded result.
type Sample struct {
	Index          uint64
	Keypoints      int
	Throughput     float64 // results per second over the window; 0 until two arrivals
	DequeueLatency time.Duration
	Wait           time.Duration // pacing sleep before forwarding
	TrackLatency   time.Duration
	Violation      error // non-nil if the result broke keypoint/descriptor alignment
	TrackErr       error
}

// Report summarises a finished run.
type Report struct {
	Results        uint64
	Keypoints      uint64
	Violations     uint64
	TrackErrors    uint64
	Throughput     float64 // last windowed value
	MeanDequeue    time.Duration
	MeanTrack      time.Duration
	Elapsed        time.Duration
	FirstTimestamp float64
	LastTimestamp  float64
}

// Option customises a Pacer.
type Option func(*Pacer)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option { return func(p *Pacer) { p.clock = c } }

// WithWindow overrides DefaultWindow.
func WithWindow(n int) Option {
	return func(p *Pacer) {
		if n >= 2 {
			p.window = n
		}
	}
}

// WithObserver is called after every forwarded result.
func WithObserver(fn func(Sample)) Option { return func(p *Pacer) { p.observers = append(p.observers, fn) } }

// WithProgress is called every n results with the running report.
func WithProgress(n int, fn func(Report)) Option {
	return func(p *Pacer) {
		if n > 0 {
			p.progressEvery = n
		}
		p.progress = fn
	}
}

// Pacer is the consumer end of the pipeline.
type Pacer struct {
	in      *queue.Queue[types.FeatureResult]
	tracker tracker.Tracker
	target  *tuning.Float

	clock         clock.Clock
	window        int
	progressEvery int
	progress      func(Report)
	observers     []func(Sample)
	log           zerolog.Logger
}

// New returns a pacer that forwards results from in to t. A nil tracker
// discards results; a nil target or a rate of zero or less disables pacing.
func New(in *queue.Queue[types.FeatureResult], t tracker.Tracker, target *tuning.Float, opts ...Option) *Pacer {
	if t == nil {
		t = tracker.Discard
	}
	if target == nil {
		target = tuning.NewFloat(0)
	}
	p := &Pacer{
		in:            in,
		tracker:       t,
		target:        target,
		clock:         clock.Real,
		window:        DefaultWindow,
		progressEvery: DefaultProgressEvery,
		log:           logging.Component("pacer"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run consumes until the queue reports end-of-stream.
func (p *Pacer) Run() Report {
	var (
		rep          Report
		arrivals     = newWindow(p.window)
		start        = p.clock.Now()
		lastForward  = start
		totalDequeue time.Duration
		totalTrack   time.Duration
	)

	for {
		dequeueStart := p.clock.Now()
		r, ok := p.in.Dequeue()
		if !ok {
			break
		}
		arrived := p.clock.Now()
		s := Sample{Index: r.Index, Keypoints: len(r.Keypoints), DequeueLatency: arrived.Sub(dequeueStart)}

		// Pace forwarding to the current target rate.
		now := arrived
		if rate := p.target.Load(); rate > 0 {
			frameTime := time.Duration(float64(time.Second) / rate)
			if since := now.Sub(lastForward); since < frameTime {
				s.Wait = frameTime - since
				p.clock.Sleep(s.Wait)
				now = p.clock.Now()
			}
		}
		lastForward = now

		arrivals.push(arrived)
		s.Throughput = arrivals.rate()

		if err := r.Validate(); err != nil {
			s.Violation = err
			rep.Violations++
			p.log.Error().Err(err).Msg("result violates keypoint/descriptor alignment")
		}

		trackStart := p.clock.Now()
		if err := p.tracker.Track(r); err != nil {
			s.TrackErr = err
			rep.TrackErrors++
			p.log.Warn().Err(err).Uint64("index", r.Index).Msg("tracker rejected result")
		}
		s.TrackLatency = p.clock.Now().Sub(trackStart)

		if rep.Results == 0 {
			rep.FirstTimestamp = r.Timestamp
		}
		rep.Results++
		rep.Keypoints += uint64(len(r.Keypoints))
		rep.LastTimestamp = r.Timestamp
		rep.Throughput = s.Throughput
		totalDequeue += s.DequeueLatency
		totalTrack += s.TrackLatency

		for _, fn := range p.observers {
			fn(s)
		}

		if rep.Results%uint64(p.progressEvery) == 0 {
			rep.Elapsed = p.clock.Now().Sub(start)
			rep.MeanDequeue = totalDequeue / time.Duration(rep.Results)
			rep.MeanTrack = totalTrack / time.Duration(rep.Results)
			p.log.Info().
				Uint64("results", rep.Results).
				Float64("fps", s.Throughput).
				Dur("dequeue_latency", s.DequeueLatency).
				Dur("track_latency", s.TrackLatency).
				Int("keypoints", s.Keypoints).
				Msg("progress")
			if p.progress != nil {
				p.progress(rep)
			}
		}
	}

	rep.Elapsed = p.clock.Now().Sub(start)
	if rep.Results > 0 {
		rep.MeanDequeue = totalDequeue / time.Duration(rep.Results)
		rep.MeanTrack = totalTrack / time.Duration(rep.Results)
	}
	p.log.Info().
		Uint64("results", rep.Results).
		Uint64("violations", rep.Violations).
		Dur("elapsed", rep.Elapsed).
		Msg("consumer finished")
	return rep
}

// window is a fixed-size ring of arrival times.
type window struct {
	times []time.Time
	head  int // oldest entry once full
	n     int
}

func newWindow(size int) *window { return &window{times: make([]time.Time, size)} }

func (w *window) push(t time.Time) {
	if w.n < len(w.times) {
		w.times[w.n] = t
		w.n++
		return
	}
	w.times[w.head] = t
	w.head = (w.head + 1) % len(w.times)
}

// rate returns arrivals per second across the window.
func (w *window) rate() float64 {
	if w.n < 2 {
		return 0
	}
	oldest := w.times[w.head]
	newest := w.times[(w.head+w.n-1)%len(w.times)]
	span := newest.Sub(oldest).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(w.n-1) / span
}
