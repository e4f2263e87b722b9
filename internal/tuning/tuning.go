// Package tuning holds the runtime-tunable scalars shared between the operator
// surface and the pipeline. Every cell is read fresh on each iteration that
// needs it; readers may see a value that is one iteration stale.
package tuning

import (
	"math"
	"sync/atomic"
)

// Float is an atomic float64 cell.
type Float struct {
	bits atomic.Uint64
}

// NewFloat returns a cell initialised to v.
func NewFloat(v float64) *Float {
	f := &Float{}
	f.Store(v)
	return f
}

func (f *Float) Load() float64   { return math.Float64frombits(f.bits.Load()) }
func (f *Float) Store(v float64) { f.bits.Store(math.Float64bits(v)) }

// Int is an atomic int64 cell.
type Int struct {
	v atomic.Int64
}

// NewInt returns a cell initialised to v.
func NewInt(v int64) *Int {
	i := &Int{}
	i.Store(v)
	return i
}

func (i *Int) Load() int64   { return i.v.Load() }
func (i *Int) Store(v int64) { i.v.Store(v) }

// Params groups the cells injected into the sampler, pacer and backends.
type Params struct {
	// TargetRate is the delivery rate in frames per second.
	TargetRate *Float
	// ConfThreshold is the detector confidence threshold (neural detectors).
	ConfThreshold *Float
	// NMSDistance is the non-maximum suppression radius in pixels.
	NMSDistance *Int
	// FASTThreshold is the corner threshold used by classic detectors.
	FASTThreshold *Int
}

// Defaults mirror the values the detectors ship with.
const (
	DefaultTargetRate    = 10
	DefaultConfThreshold = 0.0015
	DefaultNMSDistance   = 2
	DefaultFASTThreshold = 20
)

// NewParams returns a Params with every cell allocated.
func NewParams(targetRate, conf float64, nms, fast int64) *Params {
	return &Params{
		TargetRate:    NewFloat(targetRate),
		ConfThreshold: NewFloat(conf),
		NMSDistance:   NewInt(nms),
		FASTThreshold: NewInt(fast),
	}
}

// DefaultParams returns Params initialised to the package defaults.
func DefaultParams() *Params {
	return NewParams(DefaultTargetRate, DefaultConfThreshold, DefaultNMSDistance, DefaultFASTThreshold)
}

// Thresholds is a per-call view of the detector thresholds. Fields are loaded
// independently; no consistent snapshot across fields is implied.
type Thresholds struct {
	Conf float64
	NMS  int
	FAST int
}

// Thresholds reads the detector cells.
func (p *Params) Thresholds() Thresholds {
	return Thresholds{
		Conf: p.ConfThreshold.Load(),
		NMS:  int(p.NMSDistance.Load()),
		FAST: int(p.FASTThreshold.Load()),
	}
}

// Snapshot is a JSON view of all cells used by the control endpoint.
type Snapshot struct {
	TargetRate    *float64 `json:"target_rate,omitempty"`
	ConfThreshold *float64 `json:"conf_threshold,omitempty"`
	NMSDistance   *int64   `json:"nms_distance,omitempty"`
	FASTThreshold *int64   `json:"fast_threshold,omitempty"`
}

// Snapshot reads every cell.
func (p *Params) Snapshot() Snapshot {
	rate, conf := p.TargetRate.Load(), p.ConfThreshold.Load()
	nms, fast := p.NMSDistance.Load(), p.FASTThreshold.Load()
	return Snapshot{TargetRate: &rate, ConfThreshold: &conf, NMSDistance: &nms, FASTThreshold: &fast}
}

// Apply stores every field present in s. Non-positive target rates are ignored.
func (p *Params) Apply(s Snapshot) {
	if s.TargetRate != nil && *s.TargetRate > 0 {
		p.TargetRate.Store(*s.TargetRate)
	}
	if s.ConfThreshold != nil {
		p.ConfThreshold.Store(*s.ConfThreshold)
	}
	if s.NMSDistance != nil {
		p.NMSDistance.Store(*s.NMSDistance)
	}
	if s.FASTThreshold != nil {
		p.FASTThreshold.Store(*s.FASTThreshold)
	}
}
