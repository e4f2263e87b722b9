// Package backend resolves the extraction variant a stage runs.
//
// Selection happens once, before any stage starts. The result is either a
// per-item Processor (live extraction, cache lookup) or a Drainer that takes
// over both queues (batched engine). Construction failures are fatal and
// wrap ErrConstruction.
package backend

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/andresmejia3/frontline/internal/featurecache"
	"github.com/andresmejia3/frontline/internal/queue"
	"github.com/andresmejia3/frontline/internal/stage"
	"github.com/andresmejia3/frontline/internal/tuning"
	"github.com/andresmejia3/frontline/internal/types"
	"github.com/andresmejia3/frontline/internal/worker"
	"github.com/rs/zerolog/log"
)

var (
	// ErrConstruction wraps every failure to build a backend.
	ErrConstruction = errors.New("backend construction failed")
	// ErrBackendUnavailable is returned when a backend is not compiled in or
	// its device cannot be reached.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// Variant is the closed set of extraction backends.
type Variant int

const (
	// Resolve lets Select pick a variant from the extractor type and paths.
	Resolve Variant = iota
	Live
	Cache
	Batched
)

func (v Variant) String() string {
	switch v {
	case Resolve:
		return "auto"
	case Live:
		return "live"
	case Cache:
		return "cache"
	case Batched:
		return "batched"
	}
	return fmt.Sprintf("variant(%d)", int(v))
}

// ParseVariant maps a config string to a Variant. Empty and "auto" resolve
// automatically.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return Resolve, nil
	case "live":
		return Live, nil
	case "cache":
		return Cache, nil
	case "batched":
		return Batched, nil
	}
	return Resolve, fmt.Errorf("unknown backend variant %q (use auto, live, cache or batched)", s)
}

// EngineConfig describes the batched engine processes.
type EngineConfig struct {
	Command      string
	Args         []string
	Runners      int
	BatchSize    int
	BatchTimeout time.Duration
}

// ORBConfig parameterises the live ORB extractor.
type ORBConfig struct {
	Features    int
	ScaleFactor float64
	Levels      int
}

// Config is everything Select needs.
type Config struct {
	Variant   Variant
	Extractor string
	// FeaturesDir is the feature cache root used by the Cache variant.
	FeaturesDir string
	// DescriptorCols overrides the descriptor width of the extractor type.
	DescriptorCols int
	Engine         EngineConfig
	ORB            ORBConfig
}

// Deps are the collaborators injected into the selected backend.
type Deps struct {
	Params *tuning.Params
	// Extractor replaces the built-in live extractor when set.
	Extractor Extractor
	// NewEngine starts batched engine processes. It defaults to launching
	// Config.Engine.Command.
	NewEngine func(id int) (worker.Engine, error)
	// OnFailure observes soft failures inside the batched drainer; per-item
	// variants report theirs through the stage.
	OnFailure func(error)
}

// Selection is a resolved backend. Exactly one of Processor and Drainer is set.
type Selection struct {
	Variant   Variant
	Type      ExtractorType
	Layout    featurecache.Layout
	Processor stage.Processor[types.FrameItem, types.FeatureResult]
	Drainer   stage.Drainer[types.FrameItem, types.FeatureResult]

	closers []func() error
}

// NewStage wires the selection into a stage between in and out.
func (s *Selection) NewStage(name string, in *queue.Queue[types.FrameItem], out *queue.Queue[types.FeatureResult], opts ...stage.Option) *stage.Stage[types.FrameItem, types.FeatureResult] {
	if s.Drainer != nil {
		return stage.NewDrained(name, in, out, s.Drainer, opts...)
	}
	return stage.New(name, in, out, s.Processor, opts...)
}

// Close releases extractor handles and engine processes. Call it after the
// stage using the selection has stopped.
func (s *Selection) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// ResolveVariant applies the factory rule: ORB without a feature directory
// runs live; SP without a feature directory but with an engine runs batched;
// everything else loads from the cache.
func ResolveVariant(t ExtractorType, featuresDir string, engineCommand string, hasEngineFactory bool) Variant {
	if featuresDir == "" {
		switch {
		case t == ORB:
			return Live
		case t == SP && (engineCommand != "" || hasEngineFactory):
			return Batched
		}
	}
	return Cache
}

// Select builds the backend described by cfg.
func Select(cfg Config, deps Deps) (*Selection, error) {
	if deps.Params == nil {
		deps.Params = tuning.DefaultParams()
	}

	t, known := ParseExtractorType(cfg.Extractor)
	if !known {
		log.Warn().Str("extractor", cfg.Extractor).Msg("unknown extractor type, falling back to ORB")
	}
	layout := t.Layout()
	if cfg.DescriptorCols > 0 {
		layout.Cols = cfg.DescriptorCols
	}

	variant := cfg.Variant
	if variant == Resolve {
		variant = ResolveVariant(t, cfg.FeaturesDir, cfg.Engine.Command, deps.NewEngine != nil)
	}

	sel := &Selection{Variant: variant, Type: t, Layout: layout}
	switch variant {
	case Live:
		ext := deps.Extractor
		if ext == nil {
			if t != ORB {
				return nil, fmt.Errorf("%w: %w: no built-in live extractor for %s", ErrConstruction, ErrBackendUnavailable, t)
			}
			var err error
			if ext, err = NewORB(cfg.ORB); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrConstruction, err)
			}
		}
		if c, ok := ext.(interface{ Close() error }); ok {
			sel.closers = append(sel.closers, c.Close)
		}
		sel.Processor = NewLive(ext, deps.Params, layout)

	case Cache:
		if cfg.FeaturesDir == "" {
			return nil, fmt.Errorf("%w: cache backend for %s needs a features directory", ErrConstruction, t)
		}
		proc, err := NewCacheLoader(cfg.FeaturesDir, layout)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConstruction, err)
		}
		sel.Processor = proc

	case Batched:
		newEngine := deps.NewEngine
		if newEngine == nil {
			if cfg.Engine.Command == "" {
				return nil, fmt.Errorf("%w: %w: batched backend needs an engine command", ErrConstruction, ErrBackendUnavailable)
			}
			newEngine = func(id int) (worker.Engine, error) {
				return worker.NewEngineWorker(id, cfg.Engine.Command, cfg.Engine.Args...)
			}
		}
		b, err := NewBatched(cfg.Engine, layout, deps.Params, newEngine, deps.OnFailure)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConstruction, err)
		}
		sel.closers = append(sel.closers, b.Close)
		sel.Drainer = b

	default:
		return nil, fmt.Errorf("%w: unknown variant %s", ErrConstruction, variant)
	}

	log.Info().Str("variant", variant.String()).Str("extractor", string(t)).
		Str("layout", layout.String()).Msg("extraction backend selected")
	return sel, nil
}
