package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/andresmejia3/frontline/internal/backend"
	"github.com/andresmejia3/frontline/internal/config"
	"github.com/andresmejia3/frontline/internal/metrics"
	"github.com/andresmejia3/frontline/internal/pacer"
	"github.com/andresmejia3/frontline/internal/pipeline"
	"github.com/andresmejia3/frontline/internal/source"
	"github.com/andresmejia3/frontline/internal/store"
	"github.com/andresmejia3/frontline/internal/tracker"
	"github.com/andresmejia3/frontline/internal/utils"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// RunOptions holds the run flags. Zero values leave the config untouched.
type RunOptions struct {
	Source        string
	TimesFile     string
	Mode          string
	Realtime      bool
	TargetRate    float64
	SourceRate    float64
	Extractor     string
	Variant       string
	FeaturesDir   string
	EngineCommand string
	Runners       int
	Clip          bool
	MetricsListen string
	Record        bool
	SaveConfig    string
}

var runOpts RunOptions

// runStore is the part of store.Store a recorded run needs.
type runStore interface {
	tracker.FrameWriter
	StartRun(ctx context.Context, run store.Run) (uuid.UUID, error)
	FinishRun(ctx context.Context, id uuid.UUID, status string, sum store.RunSummary) error
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline on a live source or a recorded image sequence",
	Run: func(cmd *cobra.Command, args []string) {
		applyRunFlags(cmd, Cfg, runOpts)
		if err := validateRunConfig(Cfg); err != nil {
			utils.Die("Invalid run configuration", err, nil)
		}
		if runOpts.SaveConfig != "" {
			if err := Cfg.SaveToPath(runOpts.SaveConfig); err != nil {
				utils.Die("Failed to save config", err, nil)
			}
		}

		var rs runStore
		if runOpts.Record {
			db, err := openDB(cmd.Context())
			if err != nil {
				utils.Die("Failed to open run store", err, nil)
			}
			rs = db
		}

		rep, runID, err := executeRun(cmd.Context(), Cfg, nil, rs, os.Stderr)
		if err != nil {
			utils.Die("Pipeline failed", err, nil)
		}
		printReport(os.Stderr, rep, runID)
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runOpts.Source, "source", "i", "", "Source: video file/URL, image directory, camera:<n> or synthetic:<frames>")
	f.StringVar(&runOpts.TimesFile, "times", "", "Timestamp file for an image directory (ns per line)")
	f.StringVarP(&runOpts.Mode, "mode", "m", "", "Producer mode: live (adaptive sampler) or replay (lossless sequence playback)")
	f.BoolVar(&runOpts.Realtime, "realtime", false, "Replay at the recorded frame intervals")
	f.Float64VarP(&runOpts.TargetRate, "target-rate", "r", 0, "Target delivery rate in frames per second")
	f.Float64Var(&runOpts.SourceRate, "source-rate", 0, "Override the source frame rate")
	f.StringVarP(&runOpts.Extractor, "extractor", "x", "", "Extractor type: ORB, SIFT, SURF, SP, XFEAT")
	f.StringVar(&runOpts.Variant, "variant", "", "Backend variant: auto, live, cache, batched")
	f.StringVar(&runOpts.FeaturesDir, "features-dir", "", "Feature cache directory (cache backend)")
	f.StringVar(&runOpts.EngineCommand, "engine", "", "Batched engine executable")
	f.IntVarP(&runOpts.Runners, "engines", "e", 0, "Number of batched engine processes")
	f.BoolVar(&runOpts.Clip, "clip", false, "Drop keypoints outside the image bounds")
	f.StringVar(&runOpts.MetricsListen, "metrics", "", "Serve /metrics and /tuning on this address (e.g. :9090)")
	f.BoolVar(&runOpts.Record, "record", false, "Record the run and per-frame results in PostgreSQL")
	f.StringVar(&runOpts.SaveConfig, "save-config", "", "Write the effective configuration to this path")

	rootCmd.AddCommand(runCmd)
}

// applyRunFlags overlays the flags the user actually set onto cfg.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config, o RunOptions) {
	set := cmd.Flags().Changed
	if set("source") {
		cfg.Sampler.Source = o.Source
	}
	if set("times") {
		cfg.Sampler.TimesFile = o.TimesFile
	}
	if set("mode") {
		cfg.Sampler.Mode = o.Mode
	}
	if set("realtime") {
		cfg.Sampler.Realtime = o.Realtime
	}
	if set("target-rate") {
		cfg.Sampler.TargetRate = o.TargetRate
	}
	if set("source-rate") {
		cfg.Sampler.SourceRate = o.SourceRate
	}
	if set("extractor") {
		cfg.Backend.Extractor = o.Extractor
	}
	if set("variant") {
		cfg.Backend.Variant = o.Variant
	}
	if set("features-dir") {
		cfg.Backend.FeaturesDir = o.FeaturesDir
	}
	if set("engine") {
		cfg.Backend.EngineCommand = o.EngineCommand
	}
	if set("engines") {
		cfg.Backend.Runners = o.Runners
	}
	if set("clip") {
		cfg.Pipeline.ClipBounds = o.Clip
	}
	if set("metrics") {
		cfg.Metrics.Listen = o.MetricsListen
	}
}

// validateRunConfig checks what the pipeline cannot check before opening the source.
func validateRunConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	src := cfg.Sampler.Source
	if src == "" {
		return fmt.Errorf("no source given (use --source or sampler.source)")
	}
	if cfg.Sampler.Mode == config.ModeReplay {
		info, err := os.Stat(src)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("replay mode needs an image directory, got %s", src)
		}
		if cfg.Sampler.TimesFile == "" {
			return fmt.Errorf("replay mode needs a times file (use --times)")
		}
		return nil
	}
	if strings.HasPrefix(src, "synthetic:") || strings.HasPrefix(src, "camera:") || strings.Contains(src, "://") {
		return nil
	}
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("source %s: %w", src, err)
	}
	return nil
}

// executeRun builds and runs one pipeline. A nil ext uses the built-in live
// extractor. With rs set the run and its frame results are recorded.
func executeRun(ctx context.Context, cfg *config.Config, ext backend.Extractor, rs runStore, progress io.Writer) (pipeline.Report, uuid.UUID, error) {
	params := pipeline.ParamsFromConfig(cfg)
	deps := pipeline.Deps{Params: params, Extractor: ext}

	total := -1
	if cfg.Sampler.Mode == config.ModeReplay {
		seq, err := source.OpenSequence(cfg.Sampler.Source, cfg.Sampler.TimesFile)
		if err != nil {
			return pipeline.Report{}, uuid.Nil, err
		}
		deps.Sequence = seq
		total = seq.Len()
	}

	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🎞️  Frontline"),
		progressbar.OptionSetWriter(progress),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("frames"),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
	deps.PacerOptions = append(deps.PacerOptions, pacer.WithObserver(func(pacer.Sample) { bar.Add(1) }))

	trackers := tracker.Multi{tracker.NewLogTracker()}

	// Database writes outlive a Ctrl+C so the run can still be closed out.
	persistCtx := context.WithoutCancel(ctx)
	var (
		runID    uuid.UUID
		recorder *tracker.Recorder
	)
	if rs != nil {
		runID = uuid.New()
		recorder = tracker.NewRecorder(persistCtx, rs, runID, cfg.Store.FlushSize)
		trackers = append(trackers, recorder)
	}
	deps.Tracker = trackers

	serveCtx, stopServe := context.WithCancel(ctx)
	defer stopServe()
	if cfg.Metrics.Listen != "" {
		m := metrics.New()
		deps.Metrics = m
		go func() {
			if err := metrics.Serve(serveCtx, cfg.Metrics.Listen, m.Handler(params)); err != nil {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	p, err := pipeline.New(cfg, deps)
	if err != nil {
		return pipeline.Report{}, uuid.Nil, err
	}
	defer p.Close()

	if rs != nil {
		_, err := rs.StartRun(persistCtx, store.Run{
			ID:         runID,
			Source:     cfg.Sampler.Source,
			SourceID:   utils.GenerateSourceID(cfg.Sampler.Source),
			Variant:    p.Selection().Variant.String(),
			Extractor:  string(p.Selection().Type),
			TargetRate: cfg.Sampler.TargetRate,
		})
		if err != nil {
			return pipeline.Report{}, uuid.Nil, fmt.Errorf("failed to register run: %w", err)
		}
		fmt.Fprintf(progress, "📼 Recording Run ID: %s\n", runID)
	}

	rep, runErr := p.Run(ctx)
	bar.Finish()
	fmt.Fprintln(progress)

	if rs != nil {
		if err := recorder.Flush(); err != nil {
			log.Error().Err(err).Msg("failed to flush frame records")
		}
		if err := rs.FinishRun(persistCtx, runID, runStatus(ctx, runErr), summaryOf(rep)); err != nil {
			log.Error().Err(err).Str("run_id", runID.String()).Msg("failed to finish run")
		}
	}
	return rep, runID, runErr
}

func runStatus(ctx context.Context, runErr error) string {
	switch {
	case runErr != nil:
		return store.StatusFailed
	case ctx.Err() != nil:
		return store.StatusCancelled
	}
	return store.StatusCompleted
}

func summaryOf(rep pipeline.Report) store.RunSummary {
	return store.RunSummary{
		Seen:         rep.Producer.Seen,
		Flushed:      rep.Producer.Flushed,
		Delivered:    rep.Producer.Delivered,
		Dropped:      rep.Producer.Dropped,
		Results:      rep.Consumer.Results,
		SoftFailures: rep.SoftFailures,
		Violations:   rep.Consumer.Violations,
	}
}

func printReport(w io.Writer, rep pipeline.Report, runID uuid.UUID) {
	fmt.Fprintf(w, "🏁 Run Complete (%s backend) in %s.\n", rep.Variant, fmtTime(rep.Consumer.Elapsed.Seconds()))
	fmt.Fprintf(w, "   Frames: %d seen, %d flushed, %d delivered, %d dropped\n",
		rep.Producer.Seen, rep.Producer.Flushed, rep.Producer.Delivered, rep.Producer.Dropped)
	fmt.Fprintf(w, "   Results: %d (%d keypoints, %d soft failures, %d violations) at %.1f fps\n",
		rep.Consumer.Results, rep.Consumer.Keypoints, rep.SoftFailures, rep.Consumer.Violations, rep.Consumer.Throughput)
	if rep.Consumer.Results > 0 {
		fmt.Fprintf(w, "   Stream: %s to %s\n", fmtTime(rep.Consumer.FirstTimestamp), fmtTime(rep.Consumer.LastTimestamp))
	}
	if runID != uuid.Nil {
		fmt.Fprintf(w, "   Recorded as %s\n", runID)
	}
}

func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
