package source

import (
	"fmt"

	"github.com/andresmejia3/frontline/internal/types"
)

// Synthetic generates frames in memory: a diagonal gradient with a bright
// square sliding across it, so consecutive frames differ.
type Synthetic struct {
	width, height int
	limit         int // 0 = unbounded
	rate          float64
	n             int // frames produced so far
}

// NewSynthetic returns a generator of limit frames at rate. Non-positive
// sizes default to 64x48.
func NewSynthetic(width, height, limit int, rate float64) *Synthetic {
	if width <= 0 || height <= 0 {
		width, height = 64, 48
	}
	return &Synthetic{width: width, height: height, limit: limit, rate: rate}
}

func (s *Synthetic) exhausted() bool {
	return s.limit > 0 && s.n >= s.limit
}

func (s *Synthetic) Grab() bool {
	if s.exhausted() {
		return false
	}
	s.n++
	return true
}

func (s *Synthetic) Retrieve() (types.Image, bool) {
	if s.exhausted() {
		return types.Image{}, false
	}
	img := s.render(s.n)
	s.n++
	return img, true
}

func (s *Synthetic) render(frame int) types.Image {
	w, h := s.width, s.height
	pix := make([]byte, w*h)
	side := min(w, h) / 4
	ox := (frame * 2) % max(1, w-side)
	oy := h/2 - side/2
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := byte((x + y) % 128)
			if x >= ox && x < ox+side && y >= oy && y < oy+side {
				v = 255
			}
			pix[y*w+x] = v
		}
	}
	return types.Image{Width: w, Height: h, Pix: pix}
}

func (s *Synthetic) Rate() float64 { return s.rate }

func (s *Synthetic) Label() string {
	return fmt.Sprintf("synthetic/%06d", s.n-1)
}

func (s *Synthetic) Close() error { return nil }
