package backend

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/andresmejia3/frontline/internal/featurecache"
	"github.com/andresmejia3/frontline/internal/tuning"
	"github.com/andresmejia3/frontline/internal/types"
)

// ExtractorType names a detector/descriptor family.
type ExtractorType string

const (
	ORB   ExtractorType = "ORB"
	SIFT  ExtractorType = "SIFT"
	SURF  ExtractorType = "SURF"
	SP    ExtractorType = "SP"
	XFEAT ExtractorType = "XFEAT"
)

var layouts = map[ExtractorType]featurecache.Layout{
	ORB:   {Cols: 32, Encoding: types.Uint8},
	SIFT:  {Cols: 128, Encoding: types.Float32},
	SURF:  {Cols: 64, Encoding: types.Float32},
	SP:    {Cols: 256, Encoding: types.Float32},
	XFEAT: {Cols: 128, Encoding: types.Float32},
}

// ParseExtractorType maps a name to a known type. Unknown names return ORB
// and false. "SUPERPOINT" is accepted for SP.
func ParseExtractorType(s string) (ExtractorType, bool) {
	name := strings.ToUpper(strings.TrimSpace(s))
	if name == "SUPERPOINT" {
		return SP, true
	}
	t := ExtractorType(name)
	if _, ok := layouts[t]; ok {
		return t, true
	}
	return ORB, false
}

// Layout returns the descriptor shape the type produces.
func (t ExtractorType) Layout() featurecache.Layout {
	if l, ok := layouts[t]; ok {
		return l
	}
	return layouts[ORB]
}

// Extractor is a synchronous detector/descriptor. Implementations need not
// be safe for concurrent use.
type Extractor interface {
	Extract(img types.Image, th tuning.Thresholds) ([]types.Keypoint, types.Descriptors, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(img types.Image, th tuning.Thresholds) ([]types.Keypoint, types.Descriptors, error)

func (f ExtractorFunc) Extract(img types.Image, th tuning.Thresholds) ([]types.Keypoint, types.Descriptors, error) {
	return f(img, th)
}

var errEmptyImage = errors.New("empty image")

// LiveProcessor runs an Extractor inside the calling stage worker. The
// extractor handle is serialised with a mutex so several stages may share
// one selection.
type LiveProcessor struct {
	mu     sync.Mutex
	ext    Extractor
	params *tuning.Params
	layout featurecache.Layout
}

// NewLive wraps ext. Thresholds are read from params on every call.
func NewLive(ext Extractor, params *tuning.Params, layout featurecache.Layout) *LiveProcessor {
	return &LiveProcessor{ext: ext, params: params, layout: layout}
}

func (l *LiveProcessor) Process(item types.FrameItem) (types.FeatureResult, error) {
	res := emptyResult(item, l.layout)
	if item.Image.Empty() {
		return res, fmt.Errorf("frame %d: %w", item.Index, errEmptyImage)
	}

	th := l.params.Thresholds()
	l.mu.Lock()
	kps, desc, err := l.ext.Extract(item.Image, th)
	l.mu.Unlock()
	if err != nil {
		return res, fmt.Errorf("frame %d: %w", item.Index, err)
	}

	res.Keypoints, res.Descriptors = kps, desc
	if err := res.Validate(); err != nil {
		return emptyResult(item, l.layout), err
	}
	return res, nil
}

// CacheLoader serves precomputed features from a feature cache.
type CacheLoader struct {
	cache  featurecache.Cache
	layout featurecache.Layout
}

// NewCacheLoader checks that dir exists and returns a loader expecting layout.
func NewCacheLoader(dir string, layout featurecache.Layout) (*CacheLoader, error) {
	if err := checkDir(dir); err != nil {
		return nil, err
	}
	return &CacheLoader{cache: featurecache.Cache{Dir: dir}, layout: layout}, nil
}

func (c *CacheLoader) Process(item types.FrameItem) (types.FeatureResult, error) {
	res := emptyResult(item, c.layout)
	if item.Label == "" {
		return res, fmt.Errorf("frame %d: no source label to derive a cache key from", item.Index)
	}
	kps, desc, err := c.cache.Load(item.Label, c.layout)
	if err != nil {
		return res, fmt.Errorf("frame %d: %w", item.Index, err)
	}
	res.Keypoints, res.Descriptors = kps, desc
	return res, nil
}

// emptyResult is the soft-failure result: identity preserved, no features,
// descriptor shape still advertised.
func emptyResult(item types.FrameItem, layout featurecache.Layout) types.FeatureResult {
	res := types.NewResult(item)
	res.Descriptors = types.Descriptors{Cols: layout.Cols, Encoding: layout.Encoding}
	return res
}
