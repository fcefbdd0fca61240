// Package rotary implements rotary position embeddings for sequence-first
// attention inputs: plain rotations in the GPT-NeoX (half) and GPT-J
// (interleaved) layouts, with optional length-extrapolating XPos scaling.
// Forward rotation only.
package rotary

import (
	"fmt"
	"math"
)

// Layout selects how feature pairs are formed for rotation.
type Layout int

const (
	// LayoutHalf pairs feature i with i+dim/2, the GPT-NeoX convention.
	LayoutHalf Layout = iota
	// LayoutInterleaved pairs feature 2i with 2i+1, the GPT-J convention.
	LayoutInterleaved
)

// Config describes one embedding. The zero value rotates the full head with
// base 10000 in the half layout and no XPos scaling.
type Config struct {
	// Dim is the number of leading features rotated per head. Zero rotates
	// the whole head; the remaining features always pass through untouched.
	// Must be even.
	Dim int

	// Base is the frequency base theta. Zero selects 10000.
	Base float64

	Layout Layout

	// ScaleBase enables XPos decay when positive: queries are scaled by a
	// per-frequency factor raised to pos/ScaleBase and keys by its inverse,
	// so their product decays with distance.
	ScaleBase float64
}

// Embedding caches cos/sin tables for a Config and applies them. The cache
// grows on demand and is not safe for concurrent use.
type Embedding struct {
	cfg     Config
	invFreq []float64

	cos, sin  []float32 // (cachedLen, half) row-major
	xscale    []float64 // per-frequency XPos base, nil unless enabled
	cachedLen int
	cachedDim int
}

// New validates the configuration and returns an embedding with an empty
// cache.
func New(cfg Config) (*Embedding, error) {
	if cfg.Dim < 0 || cfg.Dim%2 != 0 {
		return nil, fmt.Errorf("rotary: dim %d must be a non-negative even number", cfg.Dim)
	}
	if cfg.Base == 0 {
		cfg.Base = 10_000
	}
	if cfg.Base <= 1 {
		return nil, fmt.Errorf("rotary: base %g must be greater than 1", cfg.Base)
	}
	if cfg.ScaleBase < 0 {
		return nil, fmt.Errorf("rotary: scale base %g must not be negative", cfg.ScaleBase)
	}
	return &Embedding{cfg: cfg}, nil
}

// Apply rotates q and k in place over (B, T, H, headDim) tensors. The first
// rotated position is offset, so a sequence processed in segments produces
// the same rotations as one processed whole. When XPos is enabled the query
// and key scalings are reciprocal; otherwise both sides get the identical
// plain rotation.
func (e *Embedding) Apply(q, k []float32, numSeqs, seqLen, heads, headDim, offset int) error {
	dim := e.cfg.Dim
	if dim == 0 {
		dim = headDim
	}
	if headDim%2 != 0 && dim == headDim {
		return fmt.Errorf("rotary: head dim %d must be even when fully rotated", headDim)
	}
	if dim > headDim {
		return fmt.Errorf("rotary: rotary dim %d exceeds head dim %d", dim, headDim)
	}
	if offset < 0 {
		return fmt.Errorf("rotary: negative position offset %d", offset)
	}
	if want := numSeqs * seqLen * heads * headDim; len(q) != want || len(k) != want {
		return fmt.Errorf("rotary: tensor length %d/%d, want B*T*H*D = %d", len(q), len(k), want)
	}

	e.ensure(dim, offset+seqLen)
	half := dim / 2

	for bi := 0; bi < numSeqs; bi++ {
		for tt := 0; tt < seqLen; tt++ {
			pos := offset + tt
			cosRow := e.cos[pos*half : pos*half+half]
			sinRow := e.sin[pos*half : pos*half+half]
			rowBase := (bi*seqLen + tt) * heads * headDim
			for hi := 0; hi < heads; hi++ {
				base := rowBase + hi*headDim
				if e.xscale == nil {
					e.rotate(q[base:base+dim], cosRow, sinRow, nil)
					e.rotate(k[base:base+dim], cosRow, sinRow, nil)
					continue
				}
				qs, ks := e.xposScales(pos, half)
				e.rotate(q[base:base+dim], cosRow, sinRow, qs)
				e.rotate(k[base:base+dim], cosRow, sinRow, ks)
			}
		}
	}
	return nil
}

// rotate applies one position's rotation to a single head slice. scales is
// nil for the plain path, or a per-frequency multiplier folded into both
// components of each pair.
func (e *Embedding) rotate(x []float32, cosRow, sinRow []float32, scales []float64) {
	half := len(cosRow)
	for i := 0; i < half; i++ {
		c, s := cosRow[i], sinRow[i]
		if scales != nil {
			f := float32(scales[i])
			c *= f
			s *= f
		}
		var i0, i1 int
		if e.cfg.Layout == LayoutInterleaved {
			i0, i1 = 2*i, 2*i+1
		} else {
			i0, i1 = i, i+half
		}
		x0, x1 := x[i0], x[i1]
		x[i0] = x0*c - x1*s
		x[i1] = x0*s + x1*c
	}
}

// xposScales returns the query and key multipliers for one position. The two
// are reciprocal, so q·k products decay by the square of the scale.
func (e *Embedding) xposScales(pos, half int) (qs, ks []float64) {
	p := float64(pos) / e.cfg.ScaleBase
	qs = make([]float64, half)
	ks = make([]float64, half)
	for i := 0; i < half; i++ {
		f := math.Pow(e.xscale[i], p)
		qs[i] = f
		ks[i] = 1 / f
	}
	return qs, ks
}

// ensure grows the cos/sin cache to cover positions [0, n). Rebuilds double
// so steadily growing sequences do not rebuild every call.
func (e *Embedding) ensure(dim, n int) {
	half := dim / 2
	if dim != e.cachedDim {
		// A Config with Dim zero tracks the head dim of the call, which may
		// change between calls; drop the tables when it does.
		e.invFreq = nil
		e.xscale = nil
		e.cachedLen = 0
		e.cachedDim = dim
	}
	if e.invFreq == nil {
		e.invFreq = make([]float64, half)
		for i := 0; i < half; i++ {
			e.invFreq[i] = 1 / math.Pow(e.cfg.Base, float64(2*i)/float64(dim))
		}
		if e.cfg.ScaleBase > 0 {
			e.xscale = make([]float64, half)
			for i := 0; i < half; i++ {
				e.xscale[i] = (float64(2*i) + 0.4*float64(dim)) / (1.4 * float64(dim))
			}
		}
	}
	if n <= e.cachedLen {
		return
	}
	grow := e.cachedLen * 2
	if grow < n {
		grow = n
	}
	e.cos = make([]float32, grow*half)
	e.sin = make([]float32, grow*half)
	for pos := 0; pos < grow; pos++ {
		for i := 0; i < half; i++ {
			angle := float64(pos) * e.invFreq[i]
			e.cos[pos*half+i] = float32(math.Cos(angle))
			e.sin[pos*half+i] = float32(math.Sin(angle))
		}
	}
	e.cachedLen = grow
}
