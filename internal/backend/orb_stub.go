//go:build !cv

package backend

import "fmt"

// NewORB needs OpenCV; build with -tags cv to enable live ORB extraction.
func NewORB(cfg ORBConfig) (Extractor, error) {
	return nil, fmt.Errorf("%w: ORB extractor requires the cv build tag", ErrBackendUnavailable)
}
