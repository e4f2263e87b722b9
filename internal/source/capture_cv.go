//go:build cv

package source

import (
	"fmt"

	"github.com/andresmejia3/frontline/internal/types"
	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"
)

// Capture reads a local camera through OpenCV with a one-frame driver
// buffer, so Grab discards whatever the device queued most recently.
type Capture struct {
	cap    *gocv.VideoCapture
	frame  gocv.Mat
	gray   gocv.Mat
	rate   float64
	device int
	n      int
}

// OpenCapture opens camera device. A positive rate overrides the FPS the
// driver reports.
func OpenCapture(device int, rate float64) (Source, error) {
	cap, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("failed to open camera %d: %w", device, err)
	}
	cap.Set(gocv.VideoCaptureBufferSize, 1)
	if !cap.IsOpened() {
		cap.Close()
		return nil, fmt.Errorf("camera %d is not opened", device)
	}

	if rate <= 0 {
		rate = cap.Get(gocv.VideoCaptureFPS)
	}
	if rate <= 0 {
		cap.Close()
		return nil, fmt.Errorf("camera %d reports no frame rate, set one explicitly", device)
	}
	log.Info().Int("device", device).Float64("rate", rate).
		Float64("width", cap.Get(gocv.VideoCaptureFrameWidth)).
		Float64("height", cap.Get(gocv.VideoCaptureFrameHeight)).
		Msg("camera opened")

	return &Capture{cap: cap, frame: gocv.NewMat(), gray: gocv.NewMat(), rate: rate, device: device}, nil
}

func (c *Capture) Grab() bool {
	c.cap.Grab(1)
	c.n++
	return true
}

func (c *Capture) Retrieve() (types.Image, bool) {
	if ok := c.cap.Read(&c.frame); !ok || c.frame.Empty() {
		return types.Image{}, false
	}
	c.n++

	src := c.frame
	if c.frame.Channels() > 1 {
		gocv.CvtColor(c.frame, &c.gray, gocv.ColorBGRToGray)
		src = c.gray
	}
	return types.Image{Width: src.Cols(), Height: src.Rows(), Pix: src.ToBytes()}, true
}

func (c *Capture) Rate() float64 { return c.rate }

func (c *Capture) Label() string {
	return fmt.Sprintf("camera%d/%06d", c.device, c.n-1)
}

func (c *Capture) Close() error {
	c.frame.Close()
	c.gray.Close()
	return c.cap.Close()
}
