package source

import (
	"bufio"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/andresmejia3/frontline/internal/types"
)

// SequenceEntry is one frame of an image sequence.
type SequenceEntry struct {
	Path      string
	Timestamp float64 // seconds
}

// Sequence is a directory of still images indexed by a times file, in the
// layout used by EuRoC-style datasets. Each non-comment line of the times
// file holds a nanosecond timestamp, optionally followed by a comma and the
// image file name; without a name the image is "<timestamp>.png".
type Sequence struct {
	entries []SequenceEntry
	rate    float64
	pos     int // next entry to read
}

// OpenSequence reads the times file and resolves image paths under dir.
func OpenSequence(dir, timesFile string) (*Sequence, error) {
	f, err := os.Open(timesFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []SequenceEntry
	sc := bufio.NewScanner(f)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		stamp, name, hasName := strings.Cut(text, ",")
		stamp = strings.TrimSpace(stamp)
		ns, err := strconv.ParseInt(stamp, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: bad timestamp %q", timesFile, line, stamp)
		}
		if !hasName {
			name = stamp + ".png"
		}
		entries = append(entries, SequenceEntry{
			Path:      filepath.Join(dir, strings.TrimSpace(name)),
			Timestamp: float64(ns) / 1e9,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%s: no frames listed", timesFile)
	}
	return &Sequence{entries: entries, rate: estimateRate(entries)}, nil
}

func estimateRate(entries []SequenceEntry) float64 {
	if len(entries) < 2 {
		return 0
	}
	span := entries[len(entries)-1].Timestamp - entries[0].Timestamp
	if span <= 0 {
		return 0
	}
	return float64(len(entries)-1) / span
}

// Len returns the number of listed frames.
func (s *Sequence) Len() int { return len(s.entries) }

// Entries returns the frame index.
func (s *Sequence) Entries() []SequenceEntry { return s.entries }

// Next loads the next frame. It returns ErrExhausted after the last entry; a
// decode error still advances past the offending entry.
func (s *Sequence) Next() (SequenceEntry, types.Image, error) {
	if s.pos >= len(s.entries) {
		return SequenceEntry{}, types.Image{}, ErrExhausted
	}
	e := s.entries[s.pos]
	s.pos++
	img, err := LoadGray(e.Path)
	return e, img, err
}

func (s *Sequence) Grab() bool {
	if s.pos >= len(s.entries) {
		return false
	}
	s.pos++
	return true
}

func (s *Sequence) Retrieve() (types.Image, bool) {
	_, img, err := s.Next()
	return img, err == nil
}

// Rate is estimated from the first and last timestamps.
func (s *Sequence) Rate() float64 { return s.rate }

func (s *Sequence) Label() string {
	if s.pos == 0 {
		return ""
	}
	return s.entries[s.pos-1].Path
}

func (s *Sequence) Close() error { return nil }

// LoadGray decodes a PNG or JPEG file into an 8-bit grayscale image.
func LoadGray(path string) (types.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.Image{}, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return types.Image{}, fmt.Errorf("decode %s: %w", path, err)
	}
	b := src.Bounds()
	gray, ok := src.(*image.Gray)
	if !ok || gray.Stride != b.Dx() {
		gray = image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(gray, gray.Bounds(), src, b.Min, draw.Src)
	}
	return types.Image{Width: b.Dx(), Height: b.Dy(), Pix: gray.Pix}, nil
}
