package types

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Image is a raw 8-bit single channel pixel buffer in row-major order.
type Image struct {
	Width  int
	Height int
	Pix    []byte
}

// Empty reports whether the image carries no pixels.
func (im Image) Empty() bool {
	return im.Width == 0 || im.Height == 0 || len(im.Pix) == 0
}

// FrameItem represents a single source frame travelling from the sampler to a stage.
type FrameItem struct {
	Index     uint64  // assigned by the producer, never renumbered by queues
	Timestamp float64 // seconds, reconstructed from frames observed at the source
	Label     string  // opaque source label, e.g. the image filename
	Image     Image
}

// Keypoint is one detected feature in image pixel space.
type Keypoint struct {
	X        float32
	Y        float32
	Size     float32
	Angle    float32
	Response float32
	Octave   int32
}

// Encoding is the element type of a descriptor matrix.
type Encoding uint8

const (
	Uint8 Encoding = iota
	Float32
)

// ElemSize returns the width in bytes of one descriptor element.
func (e Encoding) ElemSize() int {
	if e == Float32 {
		return 4
	}
	return 1
}

func (e Encoding) String() string {
	switch e {
	case Uint8:
		return "uint8"
	case Float32:
		return "float32"
	}
	return fmt.Sprintf("encoding(%d)", uint8(e))
}

// Descriptors is a row-major matrix with one row per keypoint.
type Descriptors struct {
	Rows     int
	Cols     int
	Encoding Encoding
	Data     []byte
}

// RowBytes returns the size in bytes of a single row.
func (d Descriptors) RowBytes() int {
	return d.Cols * d.Encoding.ElemSize()
}

// Row returns the raw bytes of row i. The slice aliases Data.
func (d Descriptors) Row(i int) []byte {
	n := d.RowBytes()
	return d.Data[i*n : (i+1)*n]
}

// Empty reports whether the matrix has no rows.
func (d Descriptors) Empty() bool {
	return d.Rows == 0
}

// Float32Row decodes row i of a Float32 matrix.
func (d Descriptors) Float32Row(i int) []float32 {
	row := d.Row(i)
	out := make([]float32, d.Cols)
	for j := range out {
		out[j] = math.Float32frombits(binary.LittleEndian.Uint32(row[j*4:]))
	}
	return out
}

// FeatureResult is a FrameItem with its extracted features attached.
type FeatureResult struct {
	FrameItem
	Keypoints   []Keypoint
	Descriptors Descriptors
	// Lapping is the two-element overlap marker kept for downstream trackers.
	Lapping [2]int
}

// NewResult builds an empty result for the given item, preserving its identity.
func NewResult(item FrameItem) FeatureResult {
	return FeatureResult{FrameItem: item}
}

// Validate checks that keypoints and descriptor rows stay index-aligned.
func (r FeatureResult) Validate() error {
	if r.Descriptors.Rows != len(r.Keypoints) {
		return fmt.Errorf("frame %d: %d keypoints but %d descriptor rows", r.Index, len(r.Keypoints), r.Descriptors.Rows)
	}
	if want := r.Descriptors.Rows * r.Descriptors.RowBytes(); len(r.Descriptors.Data) != want {
		return fmt.Errorf("frame %d: descriptor data is %d bytes, want %d", r.Index, len(r.Descriptors.Data), want)
	}
	return nil
}

// Retain keeps only the keypoints for which keep returns true, removing the
// matching descriptor rows in the same pass. It returns the number removed.
func (r *FeatureResult) Retain(keep func(Keypoint) bool) int {
	rowBytes := r.Descriptors.RowBytes()
	aligned := r.Descriptors.Rows == len(r.Keypoints)
	copyRows := aligned && rowBytes > 0

	kps := r.Keypoints[:0]
	var data []byte
	if copyRows {
		data = make([]byte, 0, len(r.Descriptors.Data))
	}
	for i, kp := range r.Keypoints {
		if !keep(kp) {
			continue
		}
		kps = append(kps, kp)
		if copyRows {
			data = append(data, r.Descriptors.Row(i)...)
		}
	}

	removed := len(r.Keypoints) - len(kps)
	r.Keypoints = kps
	if aligned {
		// Zero-width descriptors still count one row per keypoint.
		r.Descriptors.Rows = len(kps)
		if copyRows {
			r.Descriptors.Data = data
		}
	}
	return removed
}

// ClipToBounds drops keypoints that fall outside the frame's image.
func (r *FeatureResult) ClipToBounds() int {
	w, h := float32(r.Image.Width), float32(r.Image.Height)
	if w == 0 || h == 0 {
		return 0
	}
	return r.Retain(func(kp Keypoint) bool {
		return kp.X >= 0 && kp.Y >= 0 && kp.X < w && kp.Y < h
	})
}

// Clear removes all features, leaving an empty but valid result.
func (r *FeatureResult) Clear() {
	r.Keypoints = nil
	r.Descriptors = Descriptors{Encoding: r.Descriptors.Encoding, Cols: r.Descriptors.Cols}
}
