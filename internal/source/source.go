// Package source provides the frame sources consumed by the sampler and the
// sequence replayer.
package source

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/andresmejia3/frontline/internal/types"
)

var (
	// ErrExhausted is returned once a finite source has no more frames.
	ErrExhausted = errors.New("source: exhausted")
	// ErrUnsupported is returned when a source kind is not compiled in.
	ErrUnsupported = errors.New("source: unsupported in this build")
)

// Source is a frame source that can discard frames without decoding them.
// Failures are reported through the boolean returns.
type Source interface {
	// Grab discards the next buffered frame.
	Grab() bool
	// Retrieve grabs and decodes the next frame.
	Retrieve() (types.Image, bool)
	// Rate is the nominal capture rate in frames per second.
	Rate() float64
	// Label names the most recently retrieved frame.
	Label() string
	Close() error
}

// Options tune how Open builds a source.
type Options struct {
	// Rate overrides the detected or configured rate when positive.
	Rate float64
	// TimesFile is the timestamp index of an image sequence directory.
	TimesFile string
	// Width and Height size synthetic frames.
	Width, Height int
}

// Open resolves a source URI:
//
//	synthetic:<frames>   in-memory generator (0 frames = unbounded)
//	camera:<index>       local capture device (requires the cv build tag)
//	<directory>          image sequence, paired with Options.TimesFile
//	<anything else>      file or stream URL decoded through ffmpeg
func Open(uri string, opts Options) (Source, error) {
	switch {
	case strings.HasPrefix(uri, "synthetic:"):
		n, err := strconv.Atoi(strings.TrimPrefix(uri, "synthetic:"))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid synthetic frame count in %q", uri)
		}
		rate := opts.Rate
		if rate <= 0 {
			rate = 30
		}
		return NewSynthetic(opts.Width, opts.Height, n, rate), nil

	case strings.HasPrefix(uri, "camera:"):
		idx, err := strconv.Atoi(strings.TrimPrefix(uri, "camera:"))
		if err != nil {
			return nil, fmt.Errorf("invalid camera index in %q", uri)
		}
		return OpenCapture(idx, opts.Rate)
	}

	if info, err := os.Stat(uri); err == nil && info.IsDir() {
		if opts.TimesFile == "" {
			return nil, fmt.Errorf("image sequence %s needs a times file", uri)
		}
		seq, err := OpenSequence(uri, opts.TimesFile)
		if err != nil {
			return nil, err
		}
		if opts.Rate > 0 {
			seq.rate = opts.Rate
		}
		return seq, nil
	}
	return OpenFFmpeg(uri, opts.Rate)
}
