package backend

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/frontline/internal/featurecache"
	"github.com/andresmejia3/frontline/internal/queue"
	"github.com/andresmejia3/frontline/internal/stage"
	"github.com/andresmejia3/frontline/internal/tuning"
	"github.com/andresmejia3/frontline/internal/types"
	"github.com/andresmejia3/frontline/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func oneKeypoint(img types.Image, th tuning.Thresholds) ([]types.Keypoint, types.Descriptors, error) {
	kps := []types.Keypoint{{X: float32(th.FAST), Y: 1}}
	return kps, types.Descriptors{Rows: 1, Cols: 32, Encoding: types.Uint8, Data: make([]byte, 32)}, nil
}

func item(i uint64) types.FrameItem {
	return types.FrameItem{
		Index:     i,
		Timestamp: float64(i) / 10,
		Label:     "frame_" + string(rune('a'+i%26)),
		Image:     types.Image{Width: 4, Height: 4, Pix: make([]byte, 16)},
	}
}

func TestParseExtractorType(t *testing.T) {
	tests := []struct {
		in    string
		want  ExtractorType
		known bool
		cols  int
		enc   types.Encoding
	}{
		{"orb", ORB, true, 32, types.Uint8},
		{"SIFT", SIFT, true, 128, types.Float32},
		{"surf", SURF, true, 64, types.Float32},
		{"SuperPoint", SP, true, 256, types.Float32},
		{"XFEAT", XFEAT, true, 128, types.Float32},
		{"AKAZE", ORB, false, 32, types.Uint8},
	}
	for _, tt := range tests {
		got, known := ParseExtractorType(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.known, known, tt.in)
		assert.Equal(t, featurecache.Layout{Cols: tt.cols, Encoding: tt.enc}, got.Layout(), tt.in)
	}
}

func TestResolveVariant(t *testing.T) {
	assert.Equal(t, Live, ResolveVariant(ORB, "", "", false))
	assert.Equal(t, Cache, ResolveVariant(ORB, "/feats", "", false))
	assert.Equal(t, Batched, ResolveVariant(SP, "", "engine", false))
	assert.Equal(t, Batched, ResolveVariant(SP, "", "", true))
	assert.Equal(t, Cache, ResolveVariant(SP, "", "", false))
	assert.Equal(t, Cache, ResolveVariant(SP, "/feats", "engine", false))
	assert.Equal(t, Cache, ResolveVariant(SIFT, "", "engine", false))
}

func TestParseVariant(t *testing.T) {
	for in, want := range map[string]Variant{"": Resolve, "auto": Resolve, "Live": Live, "cache": Cache, "batched": Batched} {
		got, err := ParseVariant(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseVariant("gpu")
	assert.Error(t, err)
}

func TestSelectConstructionFailures(t *testing.T) {
	_, err := Select(Config{Variant: Cache, Extractor: "SP"}, Deps{})
	assert.ErrorIs(t, err, ErrConstruction, "cache without a directory")

	_, err = Select(Config{Variant: Cache, Extractor: "SP", FeaturesDir: "/does/not/exist"}, Deps{})
	assert.ErrorIs(t, err, ErrConstruction)

	_, err = Select(Config{Variant: Batched, Extractor: "SP"}, Deps{})
	assert.ErrorIs(t, err, ErrBackendUnavailable, "no engine command")

	_, err = Select(Config{Variant: Live, Extractor: "SIFT"}, Deps{})
	assert.ErrorIs(t, err, ErrConstruction)
}

func TestBatchedConstructionClosesStartedEngines(t *testing.T) {
	var started []*fakeEngine
	_, err := Select(Config{Variant: Batched, Extractor: "SP", Engine: EngineConfig{Runners: 3}}, Deps{
		NewEngine: func(id int) (worker.Engine, error) {
			if id == 2 {
				return nil, errors.New("no accelerator")
			}
			e := &fakeEngine{}
			started = append(started, e)
			return e, nil
		},
	})
	require.ErrorIs(t, err, ErrConstruction)
	require.Len(t, started, 2)
	for _, e := range started {
		assert.True(t, e.closed.Load())
	}
}

func TestLiveReadsThresholdsPerCall(t *testing.T) {
	params := tuning.DefaultParams()
	sel, err := Select(Config{Variant: Live, Extractor: "ORB"}, Deps{Params: params, Extractor: ExtractorFunc(oneKeypoint)})
	require.NoError(t, err)
	require.NotNil(t, sel.Processor)
	require.Nil(t, sel.Drainer)

	res, err := sel.Processor.Process(item(0))
	require.NoError(t, err)
	assert.Equal(t, float32(tuning.DefaultFASTThreshold), res.Keypoints[0].X)

	params.FASTThreshold.Store(7)
	res, err = sel.Processor.Process(item(1))
	require.NoError(t, err)
	assert.Equal(t, float32(7), res.Keypoints[0].X)
	assert.Equal(t, uint64(1), res.Index)
}

func TestLiveSoftFailures(t *testing.T) {
	broken := ExtractorFunc(func(types.Image, tuning.Thresholds) ([]types.Keypoint, types.Descriptors, error) {
		return []types.Keypoint{{}, {}}, types.Descriptors{Rows: 1, Cols: 32, Encoding: types.Uint8, Data: make([]byte, 32)}, nil
	})
	live := NewLive(broken, tuning.DefaultParams(), ORB.Layout())

	res, err := live.Process(item(3))
	assert.Error(t, err, "misaligned rows are a soft failure")
	assert.Empty(t, res.Keypoints)
	assert.NoError(t, res.Validate())
	assert.Equal(t, uint64(3), res.Index)

	empty := item(4)
	empty.Image = types.Image{}
	_, err = live.Process(empty)
	assert.ErrorIs(t, err, errEmptyImage)
}

func TestCacheLoader(t *testing.T) {
	dir := t.TempDir()
	c := featurecache.Cache{Dir: dir}
	rows := [][]float32{make([]float32, 256), make([]float32, 256)}
	require.NoError(t, c.Save("frame_a", []types.Keypoint{{X: 1}, {X: 2}}, featurecache.Float32Descriptors(rows), false))
	require.NoError(t, c.Save("frame_b", []types.Keypoint{{X: 1}}, featurecache.Float32Descriptors([][]float32{make([]float32, 128)}), false))

	sel, err := Select(Config{Extractor: "SP", FeaturesDir: dir}, Deps{})
	require.NoError(t, err)
	assert.Equal(t, Cache, sel.Variant)

	res, err := sel.Processor.Process(item(0)) // label frame_a
	require.NoError(t, err)
	assert.Len(t, res.Keypoints, 2)

	res, err = sel.Processor.Process(item(1)) // frame_b has 128-wide rows
	assert.ErrorIs(t, err, featurecache.ErrWidthMismatch)
	assert.Empty(t, res.Keypoints)
	assert.Equal(t, 256, res.Descriptors.Cols)

	_, err = sel.Processor.Process(item(2))
	assert.ErrorIs(t, err, featurecache.ErrNotFound)
}

// fakeEngine tags each keypoint with the frame's first pixel so tests can
// check results land on the right frame.
type fakeEngine struct {
	mu     sync.Mutex
	calls  int
	failOn int // 1-based call number that fails; 0 never
	delay  func() time.Duration
	closed atomic.Bool
}

func (f *fakeEngine) ExtractBatch(images []types.Image, th tuning.Thresholds) ([]worker.Features, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	if f.delay != nil {
		time.Sleep(f.delay())
	}
	if call == f.failOn {
		return nil, errors.New("device reset")
	}
	out := make([]worker.Features, len(images))
	for i, img := range images {
		row := featurecache.Float32Descriptors([][]float32{make([]float32, 256)})
		out[i] = worker.Features{
			Keypoints:   []types.Keypoint{{X: float32(img.Pix[0])}},
			Descriptors: row,
		}
	}
	return out, nil
}

func (f *fakeEngine) Close() error {
	f.closed.Store(true)
	return nil
}

func runBatched(t *testing.T, n int, engines []*fakeEngine, cfg EngineConfig) ([]types.FeatureResult, *Selection) {
	t.Helper()
	cfg.Runners = len(engines)
	sel, err := Select(Config{Extractor: "SP", Engine: cfg}, Deps{
		NewEngine: func(id int) (worker.Engine, error) { return engines[id], nil },
	})
	require.NoError(t, err)
	require.Equal(t, Batched, sel.Variant)
	require.NotNil(t, sel.Drainer)

	in := queue.New[types.FrameItem](4)
	out := queue.New[types.FeatureResult](4)
	s := sel.NewStage("extract", in, out)
	require.NoError(t, s.Start())
	defer s.Stop()

	go func() {
		for i := 0; i < n; i++ {
			it := item(uint64(i))
			it.Image.Pix[0] = byte(i)
			in.Enqueue(it)
		}
		in.Shutdown()
	}()

	var got []types.FeatureResult
	for {
		r, ok := out.Dequeue()
		if !ok {
			break
		}
		got = append(got, r)
	}
	return got, sel
}

func TestBatchedPreservesOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	var mu sync.Mutex
	jitter := func() time.Duration {
		mu.Lock()
		defer mu.Unlock()
		return time.Duration(rng.Intn(5)) * time.Millisecond
	}
	engines := []*fakeEngine{{delay: jitter}, {delay: jitter}, {delay: jitter}}

	got, sel := runBatched(t, 40, engines, EngineConfig{BatchSize: 3, BatchTimeout: 2 * time.Millisecond})
	require.Len(t, got, 40)
	for i, r := range got {
		assert.Equal(t, uint64(i), r.Index)
		require.Len(t, r.Keypoints, 1)
		assert.Equal(t, float32(i), r.Keypoints[0].X)
		assert.NoError(t, r.Validate())
	}

	require.NoError(t, sel.Close())
	for _, e := range engines {
		assert.True(t, e.closed.Load())
	}
}

func TestBatchedFailureForwardsEmptyResults(t *testing.T) {
	engine := &fakeEngine{failOn: 1}
	got, sel := runBatched(t, 6, []*fakeEngine{engine}, EngineConfig{BatchSize: 2, BatchTimeout: 50 * time.Millisecond})
	defer sel.Close()

	require.Len(t, got, 6)
	var empty int
	for i, r := range got {
		assert.Equal(t, uint64(i), r.Index)
		assert.NoError(t, r.Validate())
		if len(r.Keypoints) == 0 {
			empty++
		}
	}
	assert.GreaterOrEqual(t, empty, 1)
	assert.Equal(t, uint64(empty), sel.Drainer.(*BatchedDrainer).SoftFailures())
}

func TestBatchedStopCascades(t *testing.T) {
	sel, err := Select(Config{Variant: Batched, Extractor: "SP"}, Deps{
		NewEngine: func(int) (worker.Engine, error) { return &fakeEngine{}, nil },
	})
	require.NoError(t, err)
	defer sel.Close()

	in := queue.New[types.FrameItem](1)
	out := queue.New[types.FeatureResult](1)
	s := sel.NewStage("extract", in, out, stage.WithPollTimeout(10*time.Millisecond))
	require.NoError(t, s.Start())
	s.Stop()

	_, ok := out.Dequeue()
	assert.False(t, ok)
}
