package model

import (
	"fmt"

	"github.com/samcharles93/strata/internal/tensor"
)

// Block wraps a mixer in the standard pre-norm residual pattern:
// x <- x + mixer(rmsnorm(x)).
type Block struct {
	cfg   *Config
	norm  []float32
	mixer *Mixer

	normed []float32
	mixOut []float32
}

// NewBlock builds one residual block from its weights.
func NewBlock(cfg *Config, layer int, normWeight []float32, w MixerWeights, scan scanner) (*Block, error) {
	if len(normWeight) != cfg.HiddenSize {
		return nil, fmt.Errorf("block %d: norm weight length %d, want %d", layer, len(normWeight), cfg.HiddenSize)
	}
	mixer, err := NewMixer(cfg, layer, w, scan)
	if err != nil {
		return nil, err
	}
	return &Block{cfg: cfg, norm: normWeight, mixer: mixer}, nil
}

// Forward updates x [batch, seqLen, hidden] in place.
func (b *Block) Forward(x []float32, batch, seqLen int, cache *Cache) error {
	hidden := b.cfg.HiddenSize
	rows := batch * seqLen
	b.normed = growf32(b.normed, rows*hidden)
	b.mixOut = growf32(b.mixOut, rows*hidden)

	for r := 0; r < rows; r++ {
		tensor.RMSNorm(b.normed[r*hidden:(r+1)*hidden], x[r*hidden:(r+1)*hidden], b.norm, b.cfg.Epsilon)
	}
	if err := b.mixer.Forward(b.mixOut, b.normed, batch, seqLen, cache); err != nil {
		return err
	}
	tensor.Add(x[:rows*hidden], b.mixOut[:rows*hidden])
	return nil
}
