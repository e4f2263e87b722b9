package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/andresmejia3/frontline/internal/backend"
	"github.com/andresmejia3/frontline/internal/config"
	"github.com/andresmejia3/frontline/internal/featurecache"
	"github.com/andresmejia3/frontline/internal/pipeline"
	"github.com/andresmejia3/frontline/internal/source"
	"github.com/andresmejia3/frontline/internal/types"
	"github.com/andresmejia3/frontline/internal/utils"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	exportSource string
	exportTimes  string
	exportOut    string
	exportText   bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Extract features from every frame and write them as a feature cache",
	Long:  "Runs the live extractor on every frame of a source, without rate control, and writes keypoint and descriptor files the cache backend can replay.",
	Run: func(cmd *cobra.Command, args []string) {
		Cfg.Sampler.Source = exportSource
		Cfg.Sampler.TimesFile = exportTimes
		n, failed, err := exportFeatures(cmd.Context(), Cfg, nil, exportOut, exportText, os.Stderr)
		if err != nil {
			utils.Die("Export failed", err, nil)
		}
		fmt.Fprintf(os.Stderr, "\n🏁 Export Complete. Wrote %d frames to %s (%d failed).\n", n, exportOut, failed)
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportSource, "source", "i", "", "Video file, image directory or synthetic:<frames>")
	exportCmd.Flags().StringVar(&exportTimes, "times", "", "Timestamp file for an image directory")
	exportCmd.Flags().StringVarP(&exportOut, "output", "o", "", "Feature cache directory to write")
	exportCmd.Flags().BoolVar(&exportText, "text", false, "Write .kpts text keypoints instead of .kp binary")

	exportCmd.MarkFlagRequired("source")
	exportCmd.MarkFlagRequired("output")
	rootCmd.AddCommand(exportCmd)
}

// frameReader yields every frame of a source, in order.
type frameReader func() (types.FrameItem, bool, error)

func openFrames(cfg *config.Config) (frameReader, int, func() error, error) {
	src := cfg.Sampler.Source
	if info, err := os.Stat(src); err == nil && info.IsDir() {
		seq, err := source.OpenSequence(src, cfg.Sampler.TimesFile)
		if err != nil {
			return nil, 0, nil, err
		}
		var i uint64
		next := func() (types.FrameItem, bool, error) {
			entry, img, err := seq.Next()
			if errors.Is(err, source.ErrExhausted) {
				return types.FrameItem{}, false, nil
			}
			item := types.FrameItem{Index: i, Timestamp: entry.Timestamp, Label: entry.Path, Image: img}
			i++
			return item, true, err
		}
		return next, seq.Len(), seq.Close, nil
	}

	s, err := source.Open(src, source.Options{Rate: cfg.Sampler.SourceRate, Width: cfg.Sampler.Width, Height: cfg.Sampler.Height})
	if err != nil {
		return nil, 0, nil, err
	}
	var i uint64
	next := func() (types.FrameItem, bool, error) {
		img, ok := s.Retrieve()
		if !ok {
			return types.FrameItem{}, false, nil
		}
		i++
		return types.FrameItem{Index: i - 1, Timestamp: float64(i) / s.Rate(), Label: s.Label(), Image: img}, true, nil
	}
	return next, -1, s.Close, nil
}

// exportFeatures writes the features of every frame to outDir. A nil ext
// uses the built-in extractor for the configured type.
func exportFeatures(ctx context.Context, cfg *config.Config, ext backend.Extractor, outDir string, text bool, progress io.Writer) (written, failed int, err error) {
	bcfg, err := pipeline.BackendConfig(cfg)
	if err != nil {
		return 0, 0, err
	}
	bcfg.Variant = backend.Live
	bcfg.FeaturesDir = ""
	sel, err := backend.Select(bcfg, backend.Deps{Params: pipeline.ParamsFromConfig(cfg), Extractor: ext})
	if err != nil {
		return 0, 0, err
	}
	defer sel.Close()

	next, total, closeSrc, err := openFrames(cfg)
	if err != nil {
		return 0, 0, err
	}
	defer closeSrc()

	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("💾 Exporting"),
		progressbar.OptionSetWriter(progress),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
	defer bar.Finish()

	cache := featurecache.Cache{Dir: outDir}
	for ctx.Err() == nil {
		item, ok, err := next()
		if !ok {
			break
		}
		bar.Add(1)
		if err != nil {
			failed++
			log.Warn().Err(err).Str("label", item.Label).Msg("unreadable frame, skipping")
			continue
		}
		res, err := sel.Processor.Process(item)
		if err != nil {
			failed++
			log.Warn().Err(err).Str("label", item.Label).Msg("extraction failed, skipping")
			continue
		}
		if err := cache.Save(item.Label, res.Keypoints, res.Descriptors, text); err != nil {
			return written, failed, fmt.Errorf("failed to write features for %s: %w", item.Label, err)
		}
		written++
	}
	return written, failed, ctx.Err()
}
