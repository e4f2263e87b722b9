//go:build cv

package backend

import (
	"fmt"

	"github.com/andresmejia3/frontline/internal/tuning"
	"github.com/andresmejia3/frontline/internal/types"
	"gocv.io/x/gocv"
)

const (
	orbEdgeThreshold = 31
	orbPatchSize     = 31
	orbWTAK          = 2
)

// orbExtractor runs OpenCV's ORB. The detector is rebuilt whenever the FAST
// threshold cell changes.
type orbExtractor struct {
	cfg  ORBConfig
	orb  gocv.ORB
	fast int
	mask gocv.Mat
}

// NewORB builds the live ORB extractor.
func NewORB(cfg ORBConfig) (Extractor, error) {
	if cfg.Features <= 0 {
		cfg.Features = 1000
	}
	if cfg.ScaleFactor <= 1 {
		cfg.ScaleFactor = 1.2
	}
	if cfg.Levels <= 0 {
		cfg.Levels = 8
	}
	e := &orbExtractor{cfg: cfg, mask: gocv.NewMat(), fast: -1}
	e.rebuild(tuning.DefaultFASTThreshold)
	return e, nil
}

func (e *orbExtractor) rebuild(fast int) {
	if e.fast >= 0 {
		e.orb.Close()
	}
	e.orb = gocv.NewORBWithParams(e.cfg.Features, float32(e.cfg.ScaleFactor), e.cfg.Levels,
		orbEdgeThreshold, 0, orbWTAK, gocv.ORBScoreTypeHarris, orbPatchSize, fast)
	e.fast = fast
}

func (e *orbExtractor) Extract(img types.Image, th tuning.Thresholds) ([]types.Keypoint, types.Descriptors, error) {
	if th.FAST > 0 && th.FAST != e.fast {
		e.rebuild(th.FAST)
	}

	mat, err := gocv.NewMatFromBytes(img.Height, img.Width, gocv.MatTypeCV8U, img.Pix)
	if err != nil {
		return nil, types.Descriptors{}, fmt.Errorf("wrap image: %w", err)
	}
	defer mat.Close()

	kps, desc := e.orb.DetectAndCompute(mat, e.mask)
	defer desc.Close()

	out := make([]types.Keypoint, len(kps))
	for i, kp := range kps {
		out[i] = types.Keypoint{
			X: float32(kp.X), Y: float32(kp.Y),
			Size: float32(kp.Size), Angle: float32(kp.Angle),
			Response: float32(kp.Response), Octave: int32(kp.Octave),
		}
	}
	d := types.Descriptors{Cols: 32, Encoding: types.Uint8}
	if !desc.Empty() {
		d.Rows, d.Cols = desc.Rows(), desc.Cols()
		d.Data = desc.ToBytes()
	}
	return out, d, nil
}

func (e *orbExtractor) Close() error {
	e.mask.Close()
	return e.orb.Close()
}
