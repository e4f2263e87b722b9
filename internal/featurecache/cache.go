// Package featurecache reads and writes precomputed features.
//
// Each source frame owns two sibling artifacts addressed by a cache key, the
// frame's base file name without directory or extension:
//
//	<dir>/kpts/<key>.kp     binary keypoint list (tried first)
//	<dir>/kpts/<key>.kpts   text keypoint list
//	<dir>/desc/<key>.desc   descriptor matrix
package featurecache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/frontline/internal/types"
)

var (
	// ErrNotFound is returned when a keypoint or descriptor file is missing.
	ErrNotFound = errors.New("featurecache: features not found")
	// ErrWidthMismatch is returned when descriptors do not match the expected layout.
	ErrWidthMismatch = errors.New("featurecache: descriptor layout mismatch")
)

const (
	keypointsDir   = "kpts"
	descriptorsDir = "desc"
)

// Layout is the descriptor shape a cache is expected to hold.
type Layout struct {
	Cols     int
	Encoding types.Encoding
}

func (l Layout) String() string {
	return fmt.Sprintf("%s x %d", l.Encoding, l.Cols)
}

// Key derives the cache key from a source label. Both slash styles are
// accepted because labels may come from dataset index files.
func Key(label string) string {
	if i := strings.LastIndexAny(label, `/\`); i >= 0 {
		label = label[i+1:]
	}
	if i := strings.LastIndexByte(label, '.'); i > 0 {
		label = label[:i]
	}
	return label
}

// Cache is a feature directory.
type Cache struct {
	Dir string
}

// KeypointPaths returns the candidate keypoint files for key, in lookup order.
func (c Cache) KeypointPaths(key string) []string {
	base := filepath.Join(c.Dir, keypointsDir, key)
	return []string{base + ".kp", base + ".kpts"}
}

// DescriptorPath returns the descriptor file for key.
func (c Cache) DescriptorPath(key string) string {
	return filepath.Join(c.Dir, descriptorsDir, key+".desc")
}

// Load reads the features cached for label and checks them against want.
// A zero want.Cols skips the layout check.
func (c Cache) Load(label string, want Layout) ([]types.Keypoint, types.Descriptors, error) {
	key := Key(label)

	kps, err := c.loadKeypoints(key)
	if err != nil {
		return nil, types.Descriptors{}, err
	}

	descPath := c.DescriptorPath(key)
	f, err := os.Open(descPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, types.Descriptors{}, fmt.Errorf("%w: %s", ErrNotFound, descPath)
		}
		return nil, types.Descriptors{}, err
	}
	defer f.Close()

	desc, err := ReadDescriptors(f)
	if err != nil {
		return nil, types.Descriptors{}, fmt.Errorf("%s: %w", descPath, err)
	}

	if want.Cols > 0 && desc.Rows > 0 && (desc.Cols != want.Cols || desc.Encoding != want.Encoding) {
		return nil, types.Descriptors{}, fmt.Errorf("%w: %s holds %s, expected %s",
			ErrWidthMismatch, descPath, Layout{Cols: desc.Cols, Encoding: desc.Encoding}, want)
	}
	if desc.Rows != len(kps) {
		return nil, types.Descriptors{}, fmt.Errorf("%w: %s has %d rows for %d keypoints",
			ErrCorrupt, descPath, desc.Rows, len(kps))
	}
	return kps, desc, nil
}

func (c Cache) loadKeypoints(key string) ([]types.Keypoint, error) {
	for _, path := range c.KeypointPaths(key) {
		f, err := os.Open(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}

		var kps []types.Keypoint
		if filepath.Ext(path) == ".kp" {
			kps, err = ReadKeypointsBinary(f)
		} else {
			kps, err = ReadKeypointsText(f)
		}
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return kps, nil
	}
	return nil, fmt.Errorf("%w: no .kp or .kpts file for %s", ErrNotFound, key)
}

// Save writes features for label, using the text keypoint format when text is set.
func (c Cache) Save(label string, kps []types.Keypoint, desc types.Descriptors, text bool) error {
	key := Key(label)
	for _, dir := range []string{keypointsDir, descriptorsDir} {
		if err := os.MkdirAll(filepath.Join(c.Dir, dir), 0755); err != nil {
			return err
		}
	}

	paths := c.KeypointPaths(key)
	kpPath, write := paths[0], WriteKeypointsBinary
	if text {
		kpPath, write = paths[1], WriteKeypointsText
	}
	if err := writeFile(kpPath, func(f *os.File) error { return write(f, kps) }); err != nil {
		return err
	}
	return writeFile(c.DescriptorPath(key), func(f *os.File) error { return WriteDescriptors(f, desc) })
}

func writeFile(path string, fn func(*os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
