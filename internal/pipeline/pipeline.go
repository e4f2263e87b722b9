// Package pipeline assembles the producer, the extraction stages and the
// pacer into one runnable unit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/andresmejia3/frontline/internal/backend"
	"github.com/andresmejia3/frontline/internal/config"
	"github.com/andresmejia3/frontline/internal/logging"
	"github.com/andresmejia3/frontline/internal/metrics"
	"github.com/andresmejia3/frontline/internal/pacer"
	"github.com/andresmejia3/frontline/internal/queue"
	"github.com/andresmejia3/frontline/internal/sampler"
	"github.com/andresmejia3/frontline/internal/source"
	"github.com/andresmejia3/frontline/internal/stage"
	"github.com/andresmejia3/frontline/internal/tracker"
	"github.com/andresmejia3/frontline/internal/tuning"
	"github.com/andresmejia3/frontline/internal/types"
	"github.com/andresmejia3/frontline/internal/worker"
	"github.com/rs/zerolog"
)

// Producer feeds the frame queue and shuts it down when it returns.
type Producer interface {
	Run(ctx context.Context) (sampler.Stats, error)
	Stats() sampler.Stats
}

// Deps are the collaborators a pipeline can be given instead of building
// them from config.
type Deps struct {
	Params *tuning.Params
	// Source is used in live mode; opened from Sampler.Source when nil.
	Source source.Source
	// Sequence is used in replay mode; opened from Sampler.Source when nil.
	Sequence sampler.Sequence
	// Extractor, NewEngine and OnFailure are passed through to backend.Select.
	Extractor backend.Extractor
	NewEngine func(id int) (worker.Engine, error)
	OnFailure func(error)
	Tracker   tracker.Tracker
	Metrics   *metrics.Metrics

	SamplerOptions []sampler.Option
	PacerOptions   []pacer.Option
}

// StageReport holds the counters of one stage.
type StageReport struct {
	Name string
	stage.Stats
}

// Report summarises a run.
type Report struct {
	Variant  backend.Variant
	Producer sampler.Stats
	Consumer pacer.Report
	Stages   []StageReport
	// SoftFailures counts every frame forwarded with an empty result.
	SoftFailures uint64
}

type runnable interface {
	Start() error
	Stop()
	Name() string
	Stats() stage.Stats
}

// Pipeline is a fully wired pipeline ready to Run once.
type Pipeline struct {
	params    *tuning.Params
	selection *backend.Selection
	batched   *backend.BatchedDrainer

	frames  *queue.Queue[types.FrameItem]
	results *queue.Queue[types.FeatureResult]
	clipped *queue.Queue[types.FeatureResult]
	stages  []runnable

	producer Producer
	src      source.Source // owned, closed after Run
	pacer    *pacer.Pacer
	log      zerolog.Logger

	closeOnce sync.Once
}

// New builds every component. Backend construction failures are returned
// here, before any goroutine is started.
func New(cfg *config.Config, deps Deps) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	params := deps.Params
	if params == nil {
		params = ParamsFromConfig(cfg)
	}

	bdeps := backend.Deps{
		Params:    params,
		Extractor: deps.Extractor,
		NewEngine: deps.NewEngine,
		OnFailure: deps.OnFailure,
	}
	bcfg, err := BackendConfig(cfg)
	if err != nil {
		return nil, err
	}
	sel, err := backend.Select(bcfg, bdeps)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		params:    params,
		selection: sel,
		frames:    queue.New[types.FrameItem](cfg.Pipeline.FrameQueue),
		results:   queue.New[types.FeatureResult](cfg.Pipeline.ResultQueue),
		log:       logging.Component("pipeline"),
	}
	if b, ok := sel.Drainer.(*backend.BatchedDrainer); ok {
		p.batched = b
	}

	stageOpts := []stage.Option{stage.WithPollTimeout(cfg.Pipeline.PollTimeout)}
	p.stages = append(p.stages, sel.NewStage("extract", p.frames, p.results, stageOpts...))

	last := p.results
	if cfg.Pipeline.ClipBounds {
		p.clipped = queue.New[types.FeatureResult](cfg.Pipeline.ResultQueue)
		p.stages = append(p.stages, stage.New("clip", p.results, p.clipped,
			stage.ProcessorFunc[types.FeatureResult, types.FeatureResult](clip), stageOpts...))
		last = p.clipped
	}

	if err := p.buildProducer(cfg, deps); err != nil {
		sel.Close()
		return nil, err
	}

	pacerOpts := deps.PacerOptions
	if m := deps.Metrics; m != nil {
		p.watch(m)
		pacerOpts = append(pacerOpts, pacer.WithObserver(m.ObserveSample))
	}
	p.pacer = pacer.New(last, deps.Tracker, params.TargetRate, pacerOpts...)
	return p, nil
}

func (p *Pipeline) buildProducer(cfg *config.Config, deps Deps) error {
	opts := append([]sampler.Option{sampler.WithEnqueueTimeout(cfg.Pipeline.EnqueueTimeout)}, deps.SamplerOptions...)
	srcOpts := source.Options{
		Rate:      cfg.Sampler.SourceRate,
		TimesFile: cfg.Sampler.TimesFile,
		Width:     cfg.Sampler.Width,
		Height:    cfg.Sampler.Height,
	}

	if cfg.Sampler.Mode == config.ModeReplay {
		seq := deps.Sequence
		if seq == nil {
			if cfg.Sampler.TimesFile == "" {
				return fmt.Errorf("replay mode needs sampler.times_file")
			}
			s, err := source.OpenSequence(cfg.Sampler.Source, cfg.Sampler.TimesFile)
			if err != nil {
				return err
			}
			seq = s
		}
		p.producer = sampler.NewReplayer(seq, p.frames, cfg.Sampler.Realtime, opts...)
		return nil
	}

	src := deps.Source
	if src == nil {
		if cfg.Sampler.Source == "" {
			return fmt.Errorf("no source configured")
		}
		s, err := source.Open(cfg.Sampler.Source, srcOpts)
		if err != nil {
			return fmt.Errorf("failed to open source %s: %w", cfg.Sampler.Source, err)
		}
		src, p.src = s, s
	}
	if cfg.Sampler.SourceRate > 0 {
		opts = append(opts, sampler.WithSourceRate(cfg.Sampler.SourceRate))
	}
	p.producer = sampler.New(src, p.frames, p.params.TargetRate, opts...)
	return nil
}

func (p *Pipeline) watch(m *metrics.Metrics) {
	m.WatchProducer(p.producer.Stats)
	m.WatchQueue("frames", p.frames.Len, p.frames.Cap())
	m.WatchQueue("results", p.results.Len, p.results.Cap())
	if p.clipped != nil {
		m.WatchQueue("clipped", p.clipped.Len, p.clipped.Cap())
	}
	m.WatchSoftFailures("extract", p.softFailures)
	m.WatchTuning(p.params)
}

// Selection returns the resolved backend.
func (p *Pipeline) Selection() *backend.Selection { return p.selection }

// Params returns the tuning cells the pipeline reads.
func (p *Pipeline) Params() *tuning.Params { return p.params }

// Producer returns the sampler or replayer feeding the pipeline.
func (p *Pipeline) Producer() Producer { return p.producer }

// Run starts the stages, runs the producer in the background and the pacer
// on the calling goroutine. It returns once every component has stopped.
// Cancelling ctx stops the producer; the shutdown cascade then drains the
// stages and the pacer.
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	defer p.Close()

	for _, s := range p.stages {
		if err := s.Start(); err != nil {
			p.abort()
			return Report{}, fmt.Errorf("failed to start stage %s: %w", s.Name(), err)
		}
	}

	type produced struct {
		stats sampler.Stats
		err   error
	}
	done := make(chan produced, 1)
	go func() {
		st, err := p.producer.Run(ctx)
		done <- produced{st, err}
	}()

	consumer := p.pacer.Run()
	p.abort()
	res := <-done

	rep := Report{
		Variant:  p.selection.Variant,
		Producer: res.stats,
		Consumer: consumer,
	}
	for _, s := range p.stages {
		rep.Stages = append(rep.Stages, StageReport{Name: s.Name(), Stats: s.Stats()})
	}
	rep.SoftFailures = p.softFailures()

	p.log.Info().
		Str("variant", rep.Variant.String()).
		Uint64("delivered", rep.Producer.Delivered).
		Uint64("dropped", rep.Producer.Dropped).
		Uint64("results", rep.Consumer.Results).
		Uint64("soft_failures", rep.SoftFailures).
		Msg("pipeline finished")
	return rep, res.err
}

// abort shuts every queue down before stopping the stages, so no worker can
// stay blocked on a full output.
func (p *Pipeline) abort() {
	p.frames.Shutdown()
	p.results.Shutdown()
	if p.clipped != nil {
		p.clipped.Shutdown()
	}
	for _, s := range p.stages {
		s.Stop()
	}
}

// Close releases the backend and any source the pipeline opened. Run calls
// it on return; callers that never reach Run must call it themselves. It is
// safe to call more than once.
func (p *Pipeline) Close() {
	p.closeOnce.Do(p.release)
}

func (p *Pipeline) release() {
	var errs []error
	if err := p.selection.Close(); err != nil {
		errs = append(errs, err)
	}
	if p.src != nil {
		if err := p.src.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		p.log.Warn().Err(err).Msg("error releasing pipeline resources")
	}
}

func (p *Pipeline) softFailures() uint64 {
	n := p.stages[0].Stats().SoftFailures
	if p.batched != nil {
		n += p.batched.SoftFailures()
	}
	return n
}

func clip(r types.FeatureResult) (types.FeatureResult, error) {
	r.ClipToBounds()
	return r, nil
}

// ParamsFromConfig builds the tuning cells from their configured initial values.
func ParamsFromConfig(cfg *config.Config) *tuning.Params {
	return tuning.NewParams(cfg.Sampler.TargetRate, cfg.Tuning.ConfThreshold,
		int64(cfg.Tuning.NMSDistance), int64(cfg.Tuning.FASTThreshold))
}

// BackendConfig translates the backend section for backend.Select.
func BackendConfig(cfg *config.Config) (backend.Config, error) {
	variant, err := backend.ParseVariant(cfg.Backend.Variant)
	if err != nil {
		return backend.Config{}, err
	}
	b := cfg.Backend
	return backend.Config{
		Variant:        variant,
		Extractor:      b.Extractor,
		FeaturesDir:    b.FeaturesDir,
		DescriptorCols: b.DescriptorCols,
		Engine: backend.EngineConfig{
			Command:      b.EngineCommand,
			Args:         b.EngineArgs,
			Runners:      b.Runners,
			BatchSize:    b.BatchSize,
			BatchTimeout: b.BatchTimeout,
		},
		ORB: backend.ORBConfig{Features: b.ORB.Features, ScaleFactor: b.ORB.ScaleFactor, Levels: b.ORB.Levels},
	}, nil
}
