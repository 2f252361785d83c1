package model

import "github.com/samcharles93/strata/internal/tensor"

// NewToy builds a model with reproducible pseudo-random weights for tests
// and benchmarks. The same seed always yields the same model. Per-head
// parameters are set to values that keep the recurrence well behaved:
// moderate decay, small positive step sizes, unit skip and norm scales.
func NewToy(cfg Config, caps Capabilities, seed int64) (*Model, error) {
	m, err := New(cfg, caps)
	if err != nil {
		return nil, err
	}

	tensor.FillRand(&m.Embeddings, seed+1)
	for i := range m.FinalNorm {
		m.FinalNorm[i] = 1
	}

	for li := range m.Layers {
		lw := &m.Layers[li]
		base := seed + int64(li)*101

		for i := range lw.Norm {
			lw.Norm[i] = 1
		}
		tensor.FillRand(&lw.Mixer.InProj, base+2)
		tensor.FillRand(&lw.Mixer.OutProj, base+3)
		tensor.FillRand(&lw.Mixer.ConvKernel, base+4)
		if lw.Mixer.ConvBias != nil {
			tensor.FillRandSlice(lw.Mixer.ConvBias, base+5)
		}
		if lw.Mixer.InBias != nil {
			tensor.FillRandSlice(lw.Mixer.InBias, base+6)
		}
		if lw.Mixer.OutBias != nil {
			tensor.FillRandSlice(lw.Mixer.OutBias, base+7)
		}

		tensor.FillRandSlice(lw.Mixer.ALog, base+8)
		tensor.FillRandSlice(lw.Mixer.DtBias, base+9)
		for h := range lw.Mixer.DtBias {
			// softplus(-2 + eps) keeps step sizes near 0.1.
			lw.Mixer.DtBias[h] += -2
			lw.Mixer.D[h] = 1
		}
		if lw.Mixer.NormWeight != nil {
			for i := range lw.Mixer.NormWeight {
				lw.Mixer.NormWeight[i] = 1
			}
		}
	}
	return m, nil
}

// ToyConfig returns a small but structurally complete configuration used
// by tests, benchmarks and the --toy CLI path.
func ToyConfig() Config {
	return Config{
		HiddenSize:     64,
		NumLayers:      2,
		VocabSize:      128,
		NumHeads:       4,
		HeadDim:        16,
		StateSize:      16,
		NumGroups:      2,
		ConvKernel:     4,
		ChunkSize:      8,
		Epsilon:        1e-5,
		Activation:     "silu",
		NormBeforeGate: true,
		RMSNormGated:   true,
		UseConvBias:    true,
		MaxSeqLen:      512,
	}
}
