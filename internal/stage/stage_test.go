package stage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/frontline/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func double() Processor[int, int] {
	return ProcessorFunc[int, int](func(v int) (int, error) { return v * 2, nil })
}

func TestStageDrainsAndCascades(t *testing.T) {
	in := queue.New[int](4)
	out := queue.New[int](4)
	s := New("double", in, out, double(), WithPollTimeout(10*time.Millisecond))
	require.NoError(t, s.Start())
	defer s.Stop()

	go func() {
		for i := 1; i <= 10; i++ {
			in.Enqueue(i)
		}
		in.Shutdown()
	}()

	var got []int
	for {
		v, ok := out.Dequeue()
		if !ok {
			break
		}
		got = append(got, v)
	}

	assert.Equal(t, []int{2, 4, 6, 8, 10, 12, 14, 16, 18, 20}, got)
	assert.True(t, out.IsShutdown(), "stage must shut its output down once input drained")
	assert.Equal(t, uint64(10), s.Stats().Processed)
}

func TestStopCascadesWithoutInputShutdown(t *testing.T) {
	in := queue.New[int](1)
	out := queue.New[int](1)
	s := New("idle", in, out, double(), WithPollTimeout(10*time.Millisecond))
	require.NoError(t, s.Start())

	start := time.Now()
	s.Stop()
	assert.Less(t, time.Since(start), time.Second, "Stop must return within a few poll timeouts")

	_, ok := out.Dequeue()
	assert.False(t, ok, "downstream must see end-of-stream after Stop")

	s.Stop() // safe when already stopped
}

func TestStartIsIdempotent(t *testing.T) {
	in := queue.New[int](1)
	out := queue.New[int](1)
	calls := 0
	s := New("count", in, out, ProcessorFunc[int, int](func(v int) (int, error) {
		calls++
		return v, nil
	}), WithPollTimeout(5*time.Millisecond))

	require.NoError(t, s.Start())
	require.NoError(t, s.Start())

	require.NoError(t, in.Enqueue(1))
	in.Shutdown()
	s.Wait()

	assert.Equal(t, 1, calls, "a second Start must not spawn a second worker")
	s.Stop()
}

func TestStartAfterWorkerExitedSpawnsNewWorker(t *testing.T) {
	in := queue.New[int](4)
	out := queue.New[int](1)
	var calls atomic.Int32
	s := New("restart", in, out, ProcessorFunc[int, int](func(v int) (int, error) {
		calls.Add(1)
		return v, nil
	}), WithPollTimeout(5*time.Millisecond))
	defer s.Stop()

	// A closed output makes the worker exit after its first item.
	out.Shutdown()
	require.NoError(t, in.Enqueue(1))
	require.NoError(t, s.Start())
	s.Wait()
	assert.False(t, s.Running(), "a worker that exited on its own must clear the running flag")

	require.NoError(t, in.Enqueue(2))
	require.NoError(t, s.Start())
	s.Wait()
	assert.Equal(t, int32(2), calls.Load(), "Start after a self-exit must spawn a new worker")
	assert.False(t, s.Running())
}

func TestSoftFailureForwardsResult(t *testing.T) {
	in := queue.New[int](2)
	out := queue.New[int](2)
	var hooked []error
	s := New("flaky", in, out, ProcessorFunc[int, int](func(v int) (int, error) {
		if v == 2 {
			return 0, errors.New("missing feature file")
		}
		return v, nil
	}), WithPollTimeout(5*time.Millisecond), WithFailureHook(func(err error) { hooked = append(hooked, err) }))
	require.NoError(t, s.Start())
	defer s.Stop()

	require.NoError(t, in.Enqueue(1))
	require.NoError(t, in.Enqueue(2))
	in.Shutdown()

	first, _ := out.Dequeue()
	second, ok := out.Dequeue()
	require.True(t, ok, "failed item must still produce a result")
	assert.Equal(t, 1, first)
	assert.Equal(t, 0, second)

	_, ok = out.Dequeue()
	assert.False(t, ok)
	assert.Equal(t, uint64(1), s.Stats().SoftFailures)
	assert.Len(t, hooked, 1)
}

func TestStartWithoutWork(t *testing.T) {
	s := New[int, int]("empty", queue.New[int](1), queue.New[int](1), nil)
	assert.ErrorIs(t, s.Start(), ErrNoWork)
}

type copyDrainer struct{}

func (copyDrainer) Drain(ctx context.Context, in *queue.Queue[int], out *queue.Queue[int]) {
	for {
		v, ok := in.TryDequeueFor(5 * time.Millisecond)
		if !ok {
			if in.Drained() || ctx.Err() != nil {
				return
			}
			continue
		}
		out.Enqueue(v)
	}
}

func TestDrainedStageHonoursCascade(t *testing.T) {
	in := queue.New[int](2)
	out := queue.New[int](2)
	s := NewDrained("batched", in, out, Drainer[int, int](copyDrainer{}))
	require.NoError(t, s.Start())
	defer s.Stop()

	require.NoError(t, in.Enqueue(5))
	in.Shutdown()

	v, ok := out.Dequeue()
	require.True(t, ok)
	assert.Equal(t, 5, v)
	_, ok = out.Dequeue()
	assert.False(t, ok)
}

func TestStopInterruptsDrainer(t *testing.T) {
	s := NewDrained("batched", queue.New[int](1), queue.New[int](1), Drainer[int, int](copyDrainer{}))
	require.NoError(t, s.Start())

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not cancel the drainer")
	}
}
