package model

import "fmt"

// Cache holds the recurrent state of a generation session: one convolution
// rolling buffer and one scan state tensor per layer, plus the sequence
// offset. It is created once per session at a fixed batch size and mutated
// in place by every forward call; the engine never reallocates or resizes
// its buffers, which is what bounds decoding memory regardless of how many
// tokens have been processed.
//
// Each layer owns exactly one conv/ssm slot, keyed by layer index. Layers
// never touch another layer's slot, so no locking is needed within a
// forward call.
type Cache struct {
	batch        int
	seqlenOffset int

	convDim    int
	convKernel int
	heads      int
	headDim    int
	stateSize  int

	conv [][]float32 // per layer: [batch, convDim, convKernel]
	ssm  [][]float32 // per layer: [batch, heads, headDim, stateSize]
}

// NewCache allocates zeroed per-layer state for a session of the given
// batch size.
func NewCache(cfg *Config, batch int) (*Cache, error) {
	if batch <= 0 {
		return nil, fmt.Errorf("cache: batch must be positive, got %d", batch)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Cache{
		batch:      batch,
		convDim:    cfg.ConvDim(),
		convKernel: cfg.ConvKernel,
		heads:      cfg.NumHeads,
		headDim:    cfg.HeadDim,
		stateSize:  cfg.StateSize,
		conv:       make([][]float32, cfg.NumLayers),
		ssm:        make([][]float32, cfg.NumLayers),
	}
	for i := range c.conv {
		c.conv[i] = make([]float32, batch*c.convDim*c.convKernel)
		c.ssm[i] = make([]float32, batch*c.heads*c.headDim*c.stateSize)
	}
	return c, nil
}

// Batch returns the batch size the cache was allocated for.
func (c *Cache) Batch() int { return c.batch }

// SeqlenOffset returns how many time steps the session has processed.
func (c *Cache) SeqlenOffset() int { return c.seqlenOffset }

// Advance records that n new time steps were processed. Called once per
// forward call, after all layers have consumed the cache.
func (c *Cache) Advance(n int) {
	if n < 0 {
		panic("cache: negative advance")
	}
	c.seqlenOffset += n
}

// Reset zeroes all state and rewinds the offset, making the cache
// equivalent to a freshly allocated one.
func (c *Cache) Reset() {
	c.seqlenOffset = 0
	for i := range c.conv {
		clear(c.conv[i])
		clear(c.ssm[i])
	}
}

// ConvState returns the convolution rolling buffer owned by the layer,
// laid out [batch, convDim, convKernel]. The caller reads then overwrites
// in place.
func (c *Cache) ConvState(layer int) []float32 { return c.conv[layer] }

// SSMState returns the scan state owned by the layer, laid out
// [batch, heads, headDim, stateSize]. The caller reads then overwrites in
// place.
func (c *Cache) SSMState(layer int) []float32 { return c.ssm[layer] }

// check validates that the cache matches the model geometry and the batch
// size of an incoming call. Mismatches are call-time errors surfaced
// before any partial execution.
func (c *Cache) check(cfg *Config, batch int) error {
	if c.batch != batch {
		return fmt.Errorf("cache: batch mismatch: cache %d, input %d", c.batch, batch)
	}
	if c.convDim != cfg.ConvDim() || c.convKernel != cfg.ConvKernel {
		return fmt.Errorf("cache: conv geometry mismatch")
	}
	if c.heads != cfg.NumHeads || c.headDim != cfg.HeadDim || c.stateSize != cfg.StateSize {
		return fmt.Errorf("cache: state geometry mismatch")
	}
	if len(c.conv) != cfg.NumLayers {
		return fmt.Errorf("cache: layer count mismatch: cache %d, model %d", len(c.conv), cfg.NumLayers)
	}
	return nil
}
