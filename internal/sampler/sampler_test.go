package sampler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/frontline/internal/queue"
	"github.com/andresmejia3/frontline/internal/source"
	"github.com/andresmejia3/frontline/internal/tuning"
	"github.com/andresmejia3/frontline/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	slept  time.Duration
	sleeps int
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	c.slept += d
	c.sleeps++
}

// liveSource behaves like a camera with a one-frame buffer: Retrieve always
// returns the newest frame, whose number follows the clock.
type liveSource struct {
	clock    *fakeClock
	start    time.Time
	rate     int64
	duration time.Duration
	last     int64
}

func (s *liveSource) frame() (int64, bool) {
	elapsed := s.clock.Now().Sub(s.start)
	if elapsed > s.duration {
		return 0, false
	}
	return int64(elapsed) * s.rate / int64(time.Second), true
}

func (s *liveSource) Grab() bool {
	_, ok := s.frame()
	return ok
}

func (s *liveSource) Retrieve() (types.Image, bool) {
	n, ok := s.frame()
	if !ok {
		return types.Image{}, false
	}
	s.last = n
	return types.Image{Width: 1, Height: 1, Pix: []byte{0}}, true
}

func (s *liveSource) Rate() float64 { return float64(s.rate) }
func (s *liveSource) Label() string { return fmt.Sprintf("live/%d", s.last) }
func (s *liveSource) Close() error  { return nil }

func frameNumber(t *testing.T, label string) int {
	t.Helper()
	n, err := strconv.Atoi(label[strings.LastIndexByte(label, '/')+1:])
	require.NoError(t, err)
	return n
}

func drain(q *queue.Queue[types.FrameItem]) []types.FrameItem {
	var items []types.FrameItem
	for {
		it, ok := q.Dequeue()
		if !ok {
			return items
		}
		items = append(items, it)
	}
}

func TestSamplerHitsTargetRateOnLiveSource(t *testing.T) {
	clock := newFakeClock()
	src := &liveSource{clock: clock, start: clock.Now(), rate: 30, duration: 3 * time.Second}
	q := queue.New[types.FrameItem](1000)

	s := New(src, q, tuning.NewFloat(10), WithClock(clock))
	st, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Dropped)

	items := drain(q)
	require.NotEmpty(t, items)
	frames := make([]int, len(items))
	for i, it := range items {
		frames[i] = frameNumber(t, it.Label)
	}

	// Every rolling window of 30 source ticks holds 10 +- 1 deliveries and
	// therefore 20 +- 1 discards.
	for start := 0; start+30 <= 90; start++ {
		n := 0
		for _, f := range frames {
			if f >= start && f < start+30 {
				n++
			}
		}
		assert.InDelta(t, 10, n, 1, "window starting at tick %d", start)
		assert.InDelta(t, 20, 30-n, 1, "window starting at tick %d", start)
	}

	// ceil(30/10) + 1
	for i := 1; i < len(frames); i++ {
		assert.LessOrEqual(t, frames[i]-frames[i-1], 4, "gap before delivery %d", i)
	}
}

func TestSamplerSpreadsFlushesEvenly(t *testing.T) {
	clock := newFakeClock()
	src := source.NewSynthetic(4, 4, 300, 30)
	q := queue.New[types.FrameItem](1000)

	st, err := New(src, q, tuning.NewFloat(10), WithClock(clock)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(300), st.Seen)
	assert.Equal(t, st.Seen, st.Flushed+st.Delivered)
	assert.InDelta(t, float64(st.Delivered)*2/3, float64(st.Flushed), 1)

	items := drain(q)
	require.Len(t, items, int(st.Delivered))
	prevFrame := -1
	for i, it := range items {
		assert.Equal(t, uint64(i), it.Index)
		f := frameNumber(t, it.Label)
		// At most one flush between deliveries.
		assert.LessOrEqual(t, f-prevFrame, 2)
		assert.InDelta(t, float64(f+1)/30, it.Timestamp, 1e-9, "timestamp follows frames seen")
		prevFrame = f
	}

	// Pacing: one sleep of 100ms between consecutive retrievals.
	assert.InDelta(t, float64(st.Delivered-1)*0.1, clock.slept.Seconds(), 0.2)
}

func TestSamplerDropsDoNotAdvanceIndex(t *testing.T) {
	src := source.NewSynthetic(4, 4, 5, 30)
	q := queue.New[types.FrameItem](1)

	var freed []types.FrameItem
	s := New(src, q, tuning.NewFloat(0),
		WithClock(newFakeClock()),
		WithDropHook(func(types.FrameItem) {
			it, ok := q.Dequeue()
			require.True(t, ok)
			freed = append(freed, it)
		}))

	st, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Seen: 5, Delivered: 3, Dropped: 2}, st)

	all := append(freed, drain(q)...)
	require.Len(t, all, 3)
	for i, it := range all {
		assert.Equal(t, uint64(i), it.Index, "indices stay dense across drops")
	}
	assert.InDelta(t, 1.0/30, all[0].Timestamp, 1e-9)
	assert.InDelta(t, 3.0/30, all[1].Timestamp, 1e-9, "dropped frame still advanced source time")
	assert.InDelta(t, 5.0/30, all[2].Timestamp, 1e-9)
}

// flakySource fails the retrieves listed in fail (1-based call numbers).
type flakySource struct {
	*source.Synthetic
	calls int
	fail  map[int]bool
}

func (f *flakySource) Retrieve() (types.Image, bool) {
	f.calls++
	if f.fail[f.calls] {
		return types.Image{}, false
	}
	return f.Synthetic.Retrieve()
}

func TestSamplerRetriesRetrieveOnce(t *testing.T) {
	clock := newFakeClock()
	src := &flakySource{Synthetic: source.NewSynthetic(4, 4, 10, 30), fail: map[int]bool{2: true}}
	q := queue.New[types.FrameItem](100)

	st, err := New(src, q, tuning.NewFloat(0), WithClock(clock)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(10), st.Delivered, "a single failure is retried")
	assert.Equal(t, 2, clock.sleeps, "one retry wait for the glitch, one at end of source")

	src = &flakySource{Synthetic: source.NewSynthetic(4, 4, 10, 30), fail: map[int]bool{3: true, 4: true}}
	q = queue.New[types.FrameItem](100)
	st, err = New(src, q, tuning.NewFloat(0), WithClock(newFakeClock())).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.Delivered, "two failures end the source")
	assert.True(t, q.IsShutdown())
}

func TestSamplerStopsOnCancelAndShutsQueueOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	q := queue.New[types.FrameItem](1)
	s := New(source.NewSynthetic(4, 4, 0, 30), q, tuning.NewFloat(10))
	st, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Seen)
	assert.True(t, q.IsShutdown())

	// A second run must not panic or re-shut anything.
	_, err = s.Run(ctx)
	require.NoError(t, err)
}

func TestSamplerRejectsMissingRate(t *testing.T) {
	q := queue.New[types.FrameItem](1)
	_, err := New(source.NewSynthetic(4, 4, 1, 0), q, tuning.NewFloat(10)).Run(context.Background())
	assert.True(t, errors.Is(err, ErrNoRate))
	assert.True(t, q.IsShutdown())

	q = queue.New[types.FrameItem](1)
	st, err := New(source.NewSynthetic(4, 4, 1, 0), q, tuning.NewFloat(10), WithSourceRate(20)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Delivered)
}

func TestSamplerNilTargetDisablesRateControl(t *testing.T) {
	clock := newFakeClock()
	q := queue.New[types.FrameItem](8)
	var st Stats
	var err error
	require.NotPanics(t, func() {
		st, err = New(source.NewSynthetic(4, 4, 5, 30), q, nil, WithClock(clock)).Run(context.Background())
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), st.Delivered)
	assert.Zero(t, st.Flushed)
	assert.Len(t, drain(q), 5)
}

func TestSamplerStopsWhenQueueClosedDownstream(t *testing.T) {
	q := queue.New[types.FrameItem](1)
	q.Shutdown()
	st, err := New(source.NewSynthetic(4, 4, 0, 30), q, tuning.NewFloat(0), WithClock(newFakeClock())).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Dropped)
}

// retuningSource lowers the target rate after a number of retrieves.
type retuningSource struct {
	*source.Synthetic
	target *tuning.Float
	after  int
	calls  int
}

func (r *retuningSource) Retrieve() (types.Image, bool) {
	r.calls++
	if r.calls == r.after {
		r.target.Store(15)
	}
	return r.Synthetic.Retrieve()
}

func TestSamplerFollowsTargetRateChanges(t *testing.T) {
	clock := newFakeClock()
	target := tuning.NewFloat(30)
	src := &retuningSource{Synthetic: source.NewSynthetic(4, 4, 60, 30), target: target, after: 10}
	q := queue.New[types.FrameItem](100)

	st, err := New(src, q, target, WithClock(clock)).Run(context.Background())
	require.NoError(t, err)

	items := drain(q)
	for i := 0; i < 10; i++ {
		assert.Equal(t, i, frameNumber(t, items[i].Label), "no flushing at the source rate")
	}
	assert.Greater(t, st.Flushed, uint64(0), "lower target rate must start flushing")
	assert.Equal(t, uint64(60), st.Seen)
	assert.Less(t, st.Delivered, uint64(60))
}
