package source

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/andresmejia3/frontline/internal/types"
	"github.com/andresmejia3/frontline/internal/utils"
	"github.com/rs/zerolog/log"
)

// FFmpeg decodes a video file or stream into grayscale frames through an
// ffmpeg child process. Grab still reads the frame off the pipe since raw
// video has no cheaper way to skip, but it reuses one scratch buffer and
// never allocates an Image.
type FFmpeg struct {
	cmd    *utils.SafeCommand
	stdout io.ReadCloser

	width, height int
	rate          float64
	name          string

	scratch []byte
	frames  int
}

// OpenFFmpeg reads stream metadata with ffprobe and starts the decoder. A positive
// rate overrides the detected frame rate.
func OpenFFmpeg(input string, rate float64) (*FFmpeg, error) {
	info, err := utils.ReadVideoInfo(input)
	if err != nil {
		return nil, err
	}
	if rate <= 0 {
		rate = info.FPS
	}
	if rate <= 0 {
		return nil, fmt.Errorf("%s: unknown frame rate, set one explicitly", input)
	}
	return startFFmpeg(utils.NewFFmpegRawCmd(input), input, info.Width, info.Height, rate)
}

func startFFmpeg(cmd *utils.SafeCommand, input string, width, height int, rate float64) (*FFmpeg, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	log.Debug().Str("input", input).Int("width", width).Int("height", height).
		Float64("rate", rate).Msg("ffmpeg decoder started")

	return &FFmpeg{
		cmd:     cmd,
		stdout:  stdout,
		width:   width,
		height:  height,
		rate:    rate,
		name:    filepath.Base(input),
		scratch: make([]byte, width*height),
	}, nil
}

func (f *FFmpeg) Grab() bool {
	if _, err := io.ReadFull(f.stdout, f.scratch); err != nil {
		return false
	}
	f.frames++
	return true
}

func (f *FFmpeg) Retrieve() (types.Image, bool) {
	pix := make([]byte, f.width*f.height)
	if _, err := io.ReadFull(f.stdout, pix); err != nil {
		return types.Image{}, false
	}
	f.frames++
	return types.Image{Width: f.width, Height: f.height, Pix: pix}, true
}

func (f *FFmpeg) Rate() float64 { return f.rate }

// Label is "<input base name>/<frame number>" so cache keys are frame numbers.
func (f *FFmpeg) Label() string {
	return fmt.Sprintf("%s/%06d", f.name, f.frames-1)
}

// Close stops the decoder. ffmpeg exits on the broken pipe; its exit status
// is only reported when it had something to say on stderr.
func (f *FFmpeg) Close() error {
	f.stdout.Close()
	err := f.cmd.Wait()
	if err != nil && f.cmd.Stderr.Len() > 0 {
		return fmt.Errorf("ffmpeg: %w: %s", err, f.cmd.Stderr.String())
	}
	return nil
}
