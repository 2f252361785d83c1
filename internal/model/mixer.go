package model

import (
	"fmt"

	"github.com/samcharles93/strata/internal/tensor"
)

// MixerWeights holds the learned parameters of one mixer layer.
type MixerWeights struct {
	InProj  tensor.Mat // [inProjDim, hidden]
	InBias  []float32
	OutProj tensor.Mat // [hidden, passThrough+intermediate]
	OutBias []float32

	ConvKernel tensor.Mat // [convDim, kernelLen], depthwise taps per channel
	ConvBias   []float32

	DtBias     []float32 // [heads] step-size bias, pre-softplus
	ALog       []float32 // [heads] log of the continuous-time decay magnitude
	D          []float32 // [heads] skip scale
	NormWeight []float32 // [intermediate], gated norm scale
}

// Mixer composes the depthwise convolution, the selective scan and the
// gated normalization behind a linear expansion/contraction pair. It owns
// the per-layer slice of the session cache, keyed by its layer index.
type Mixer struct {
	cfg   *Config
	layer int
	w     MixerWeights
	scan  scanner

	scratch mixerScratch
}

type mixerScratch struct {
	proj    []float32 // [rows, inProjDim]
	convIn  []float32 // [seqLen, convDim], one batch element at a time
	convOut []float32 // [seqLen, convDim]
	xs      []float32 // [rows, intermediate]
	ys      []float32 // [rows, intermediate]
	bs      []float32 // [rows, groups*stateSize]
	cs      []float32 // [rows, groups*stateSize]
	dts     []float32 // [rows, heads]
	state   []float32 // [batch, heads, headDim, stateSize] when no cache
	cat     []float32 // [passThrough+intermediate]
	normed  []float32 // [intermediate]
}

// NewMixer validates the weights against the configuration and builds the
// layer. Shape mismatches here are configuration errors: fatal, never
// recoverable at call time.
func NewMixer(cfg *Config, layer int, w MixerWeights, scan scanner) (*Mixer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if w.InProj.R != cfg.InProjDim() || w.InProj.C != cfg.HiddenSize {
		return nil, fmt.Errorf("mixer %d: in_proj is [%d x %d], want [%d x %d]",
			layer, w.InProj.R, w.InProj.C, cfg.InProjDim(), cfg.HiddenSize)
	}
	if w.OutProj.R != cfg.HiddenSize || w.OutProj.C != cfg.OutProjInDim() {
		return nil, fmt.Errorf("mixer %d: out_proj is [%d x %d], want [%d x %d]",
			layer, w.OutProj.R, w.OutProj.C, cfg.HiddenSize, cfg.OutProjInDim())
	}
	if w.ConvKernel.R != cfg.ConvDim() || w.ConvKernel.C != cfg.ConvKernel {
		return nil, fmt.Errorf("mixer %d: conv kernel is [%d x %d], want [%d x %d]",
			layer, w.ConvKernel.R, w.ConvKernel.C, cfg.ConvDim(), cfg.ConvKernel)
	}
	if len(w.ALog) != cfg.NumHeads || len(w.D) != cfg.NumHeads || len(w.DtBias) != cfg.NumHeads {
		return nil, fmt.Errorf("mixer %d: per-head parameter length mismatch", layer)
	}
	if cfg.RMSNormGated && len(w.NormWeight) != cfg.Intermediate() {
		return nil, fmt.Errorf("mixer %d: norm weight length %d, want %d",
			layer, len(w.NormWeight), cfg.Intermediate())
	}
	if cfg.UseConvBias && len(w.ConvBias) != cfg.ConvDim() {
		return nil, fmt.Errorf("mixer %d: conv bias length %d, want %d",
			layer, len(w.ConvBias), cfg.ConvDim())
	}
	return &Mixer{cfg: cfg, layer: layer, w: w, scan: scan}, nil
}

// Forward maps x [batch, seqLen, hidden] to out of the same shape.
//
// With no cache, or a cache whose offset is zero, the whole sequence is
// processed in one prefill pass and the cache (if present) ends up holding
// the state after the final position. With a cache whose offset is
// positive exactly one new time step is accepted, and the convolution
// buffer and scan state are read and overwritten in place.
func (m *Mixer) Forward(out, x []float32, batch, seqLen int, cache *Cache) error {
	cfg := m.cfg
	hidden := cfg.HiddenSize
	inner := cfg.Intermediate()
	convDim := cfg.ConvDim()
	gn := cfg.NumGroups * cfg.StateSize
	heads := cfg.NumHeads
	pt := cfg.PassThroughDim
	projDim := cfg.InProjDim()
	rows := batch * seqLen

	if batch <= 0 || seqLen <= 0 {
		return fmt.Errorf("mixer %d: empty input (batch=%d seqLen=%d)", m.layer, batch, seqLen)
	}
	if len(x) < rows*hidden || len(out) < rows*hidden {
		return fmt.Errorf("mixer %d: input/output buffer too short", m.layer)
	}
	if cache != nil {
		if err := cache.check(cfg, batch); err != nil {
			return err
		}
	}
	stepPath := cache != nil && cache.SeqlenOffset() > 0
	if stepPath && seqLen != 1 {
		return fmt.Errorf("mixer %d: incremental decoding processes one step per call, got %d", m.layer, seqLen)
	}
	if pt > 0 && seqLen != 1 {
		return fmt.Errorf("mixer %d: pass-through sub-block only supports single-token calls", m.layer)
	}

	m.ensureScratch(batch, seqLen)

	// Split offsets within one projected row:
	// [z0 | x0 | gate | xBC | dt] = [pt | pt | inner | convDim | heads]
	gateOff := 2 * pt
	xbcOff := gateOff + inner
	dtOff := xbcOff + convDim

	for r := 0; r < rows; r++ {
		tensor.MatVecBias(m.scratch.proj[r*projDim:(r+1)*projDim], &m.w.InProj, x[r*hidden:(r+1)*hidden], m.w.InBias)
	}

	// Discretization step sizes.
	for r := 0; r < rows; r++ {
		projRow := m.scratch.proj[r*projDim:]
		dtRow := m.scratch.dts[r*heads:]
		for h := 0; h < heads; h++ {
			v := tensor.Softplus(projRow[dtOff+h] + m.w.DtBias[h])
			dtRow[h] = clampTimeStep(v, cfg.TimeStepMin, cfg.TimeStepMax, cfg.TimeStepFloor)
		}
	}

	// Convolution, one batch element at a time, then split the activated
	// channels into scan input, input gate (B) and output readout (C).
	var convBias []float32
	if cfg.UseConvBias {
		convBias = m.w.ConvBias
	}
	for bi := 0; bi < batch; bi++ {
		for t := 0; t < seqLen; t++ {
			r := bi*seqLen + t
			copy(m.scratch.convIn[t*convDim:(t+1)*convDim], m.scratch.proj[r*projDim+xbcOff:r*projDim+xbcOff+convDim])
		}

		if stepPath {
			convState := cache.ConvState(m.layer)[bi*convDim*cfg.ConvKernel : (bi+1)*convDim*cfg.ConvKernel]
			causalConvStep(m.scratch.convOut, m.scratch.convIn, &m.w.ConvKernel, convBias, convState)
		} else {
			var convState []float32
			if cache != nil {
				convState = cache.ConvState(m.layer)[bi*convDim*cfg.ConvKernel : (bi+1)*convDim*cfg.ConvKernel]
			}
			causalConvPrefill(m.scratch.convOut, m.scratch.convIn, seqLen, &m.w.ConvKernel, convBias, convState)
		}

		for t := 0; t < seqLen; t++ {
			r := bi*seqLen + t
			row := m.scratch.convOut[t*convDim:]
			copy(m.scratch.xs[r*inner:(r+1)*inner], row[:inner])
			copy(m.scratch.bs[r*gn:(r+1)*gn], row[inner:inner+gn])
			copy(m.scratch.cs[r*gn:(r+1)*gn], row[inner+gn:inner+2*gn])
		}
	}

	// Scan state: the layer's cache slot, or zeroed scratch when stateless.
	var state []float32
	if cache != nil {
		state = cache.SSMState(m.layer)
	} else {
		state = m.scratch.state
		clear(state)
	}

	args := &scanArgs{
		batch:   batch,
		seqLen:  seqLen,
		heads:   heads,
		headDim: cfg.HeadDim,
		dState:  cfg.StateSize,
		groups:  cfg.NumGroups,
		x:       m.scratch.xs,
		dt:      m.scratch.dts,
		aLog:    m.w.ALog,
		b:       m.scratch.bs,
		c:       m.scratch.cs,
		d:       m.w.D,
		state:   state,
		out:     m.scratch.ys,
	}
	if seqLen == 1 {
		// Single-step decoding takes the plain loop; chunking buys nothing.
		sequentialScanner{}.scan(args)
	} else {
		m.scan.scan(args)
	}

	// Gated combination and contraction back to the hidden width.
	for r := 0; r < rows; r++ {
		projRow := m.scratch.proj[r*projDim:]
		gate := projRow[gateOff : gateOff+inner]
		y := m.scratch.ys[r*inner : (r+1)*inner]

		if cfg.RMSNormGated {
			tensor.RMSNormGated(m.scratch.normed, y, gate, m.w.NormWeight, cfg.Epsilon, cfg.NormBeforeGate)
		} else {
			for i := range y {
				m.scratch.normed[i] = y[i] * tensor.Silu(gate[i])
			}
		}

		cat := m.scratch.cat[:pt+inner]
		for i := 0; i < pt; i++ {
			cat[i] = tensor.Silu(projRow[i]) * projRow[pt+i]
		}
		copy(cat[pt:], m.scratch.normed[:inner])

		tensor.MatVecBias(out[r*hidden:(r+1)*hidden], &m.w.OutProj, cat, m.w.OutBias)
	}
	return nil
}

func (m *Mixer) ensureScratch(batch, seqLen int) {
	cfg := m.cfg
	rows := batch * seqLen
	s := &m.scratch
	s.proj = growf32(s.proj, rows*cfg.InProjDim())
	s.convIn = growf32(s.convIn, seqLen*cfg.ConvDim())
	s.convOut = growf32(s.convOut, seqLen*cfg.ConvDim())
	s.xs = growf32(s.xs, rows*cfg.Intermediate())
	s.ys = growf32(s.ys, rows*cfg.Intermediate())
	s.bs = growf32(s.bs, rows*cfg.NumGroups*cfg.StateSize)
	s.cs = growf32(s.cs, rows*cfg.NumGroups*cfg.StateSize)
	s.dts = growf32(s.dts, rows*cfg.NumHeads)
	s.state = growf32(s.state, batch*cfg.NumHeads*cfg.HeadDim*cfg.StateSize)
	s.cat = growf32(s.cat, cfg.OutProjInDim())
	s.normed = growf32(s.normed, cfg.Intermediate())
}

func growf32(buf []float32, n int) []float32 {
	if cap(buf) >= n {
		return buf[:n]
	}
	return make([]float32, n)
}

func clampTimeStep(v float32, min, max, floor float64) float32 {
	if floor > 0 && v < float32(floor) {
		v = float32(floor)
	}
	if min > 0 && v < float32(min) {
		v = float32(min)
	}
	if max > 0 && v > float32(max) {
		v = float32(max)
	}
	return v
}
