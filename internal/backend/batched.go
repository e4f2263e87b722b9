package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/frontline/internal/featurecache"
	"github.com/andresmejia3/frontline/internal/logging"
	"github.com/andresmejia3/frontline/internal/queue"
	"github.com/andresmejia3/frontline/internal/stage"
	"github.com/andresmejia3/frontline/internal/tuning"
	"github.com/andresmejia3/frontline/internal/types"
	"github.com/andresmejia3/frontline/internal/worker"
	"github.com/rs/zerolog"
)

// Batched engine defaults.
const (
	DefaultBatchSize    = 8
	DefaultBatchTimeout = 20 * time.Millisecond
)

type batch struct {
	seq   uint64
	items []types.FrameItem
}

type batchResult struct {
	seq     uint64
	results []types.FeatureResult
}

// BatchedDrainer feeds whole batches to engine processes.
//
// One assembler goroutine cuts the input queue into batches, one runner per
// engine submits them, and the distributor on the stage goroutine puts the
// results back in input order before enqueueing them.
type BatchedDrainer struct {
	engines      []worker.Engine
	batchSize    int
	batchTimeout time.Duration
	pollTimeout  time.Duration
	params       *tuning.Params
	layout       featurecache.Layout
	onFailure    func(error)
	log          zerolog.Logger

	batches  atomic.Uint64
	failures atomic.Uint64
}

// NewBatched starts cfg.Runners engines through newEngine. If any engine
// fails to start, the ones already running are closed.
func NewBatched(cfg EngineConfig, layout featurecache.Layout, params *tuning.Params, newEngine func(int) (worker.Engine, error), onFailure func(error)) (*BatchedDrainer, error) {
	runners := cfg.Runners
	if runners <= 0 {
		runners = 1
	}
	b := &BatchedDrainer{
		batchSize:    cfg.BatchSize,
		batchTimeout: cfg.BatchTimeout,
		pollTimeout:  stage.DefaultPollTimeout,
		params:       params,
		layout:       layout,
		onFailure:    onFailure,
		log:          logging.Component("batched"),
	}
	if b.batchSize <= 0 {
		b.batchSize = DefaultBatchSize
	}
	if b.batchTimeout <= 0 {
		b.batchTimeout = DefaultBatchTimeout
	}

	for i := 0; i < runners; i++ {
		e, err := newEngine(i)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("%w: engine %d: %w", ErrBackendUnavailable, i, err)
		}
		b.engines = append(b.engines, e)
	}
	return b, nil
}

// SoftFailures returns the number of frames that came back empty.
func (b *BatchedDrainer) SoftFailures() uint64 { return b.failures.Load() }

// Batches returns the number of batches submitted.
func (b *BatchedDrainer) Batches() uint64 { return b.batches.Load() }

// Close stops every engine.
func (b *BatchedDrainer) Close() error {
	var errs []error
	for _, e := range b.engines {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.engines = nil
	return errors.Join(errs...)
}

// Drain implements stage.Drainer. It returns once the input is drained or
// ctx is cancelled and every in-flight batch has been distributed.
func (b *BatchedDrainer) Drain(ctx context.Context, in *queue.Queue[types.FrameItem], out *queue.Queue[types.FeatureResult]) {
	batches := make(chan batch, len(b.engines))
	results := make(chan batchResult, len(b.engines))

	go b.assemble(ctx, in, batches)

	var wg sync.WaitGroup
	for _, e := range b.engines {
		wg.Add(1)
		go func(e worker.Engine) {
			defer wg.Done()
			for bt := range batches {
				results <- b.run(e, bt)
			}
		}(e)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	b.distribute(results, out)
}

// assemble cuts batches of up to batchSize items. A batch is sent early when
// batchTimeout passes after its first item, or when the input ends.
func (b *BatchedDrainer) assemble(ctx context.Context, in *queue.Queue[types.FrameItem], batches chan<- batch) {
	defer close(batches)

	var seq uint64
	for {
		first, ok := in.TryDequeueFor(b.pollTimeout)
		if !ok {
			if in.Drained() || ctx.Err() != nil {
				return
			}
			continue
		}

		items := []types.FrameItem{first}
		deadline := time.Now().Add(b.batchTimeout)
		for len(items) < b.batchSize {
			wait := time.Until(deadline)
			if wait <= 0 {
				break
			}
			item, ok := in.TryDequeueFor(wait)
			if !ok {
				if in.Drained() {
					break
				}
				continue
			}
			items = append(items, item)
		}

		select {
		case batches <- batch{seq: seq, items: items}:
			seq++
		case <-ctx.Done():
			return
		}
	}
}

func (b *BatchedDrainer) run(e worker.Engine, bt batch) batchResult {
	b.batches.Add(1)
	res := make([]types.FeatureResult, len(bt.items))
	images := make([]types.Image, len(bt.items))
	for i, item := range bt.items {
		res[i] = emptyResult(item, b.layout)
		images[i] = item.Image
	}

	feats, err := e.ExtractBatch(images, b.params.Thresholds())
	if err != nil {
		b.fail(fmt.Errorf("batch %d (%d frames): %w", bt.seq, len(bt.items), err), len(bt.items))
		return batchResult{seq: bt.seq, results: res}
	}

	for i := range res {
		res[i].Keypoints = feats[i].Keypoints
		res[i].Descriptors = feats[i].Descriptors
		if err := res[i].Validate(); err != nil {
			res[i] = emptyResult(bt.items[i], b.layout)
			b.fail(err, 1)
		}
	}
	return batchResult{seq: bt.seq, results: res}
}

func (b *BatchedDrainer) fail(err error, frames int) {
	b.failures.Add(uint64(frames))
	b.log.Warn().Err(err).Int("frames", frames).Msg("batch extraction failed, forwarding empty results")
	if b.onFailure != nil {
		b.onFailure(err)
	}
}

// distribute enqueues results in batch order. Once out is closed it keeps
// consuming so runners never block.
func (b *BatchedDrainer) distribute(results <-chan batchResult, out *queue.Queue[types.FeatureResult]) {
	pending := make(map[uint64][]types.FeatureResult)
	var next uint64
	closed := false

	for r := range results {
		pending[r.seq] = r.results
		for {
			ready, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			if closed {
				continue
			}
			for _, res := range ready {
				if err := out.Enqueue(res); err != nil {
					b.log.Warn().Err(err).Msg("output closed, dropping remaining results")
					closed = true
					break
				}
			}
		}
	}
}

func checkDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}
