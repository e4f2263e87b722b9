//go:build !cv

package source

import "fmt"

// OpenCapture needs OpenCV; build with -tags cv to enable camera capture.
func OpenCapture(device int, rate float64) (Source, error) {
	return nil, fmt.Errorf("%w: camera %d requires the cv build tag", ErrUnsupported, device)
}
