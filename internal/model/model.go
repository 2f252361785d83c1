package model

import (
	"fmt"

	"github.com/samcharles93/strata/internal/tensor"
)

// LayerWeights bundles everything one block owns.
type LayerWeights struct {
	Norm  []float32
	Mixer MixerWeights
}

// Model is a stack of Mamba2 blocks plus the thin collaborator boundary
// around them: token embeddings on the way in, final norm and the (tied)
// output head on the way out. The recurrence core itself only ever sees
// hidden-state tensors.
type Model struct {
	cfg  Config
	caps Capabilities

	Embeddings tensor.Mat // [vocab, hidden]
	Layers     []LayerWeights
	FinalNorm  []float32
	// LMHead projects hidden states to logits; nil means tied to the
	// embedding matrix.
	LMHead *tensor.Mat

	blocks []*Block

	hiddenBuf []float32
	normBuf   []float32
	logits    []float32
}

// New allocates a model with zeroed weights for the given configuration
// and builds its execution pipeline per the capability descriptor.
func New(cfg Config, caps Capabilities) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Model{
		cfg:        cfg,
		caps:       caps,
		Embeddings: tensor.NewMat(cfg.VocabSize, cfg.HiddenSize),
		Layers:     make([]LayerWeights, cfg.NumLayers),
		FinalNorm:  make([]float32, cfg.HiddenSize),
	}
	for i := range m.Layers {
		lw := &m.Layers[i]
		lw.Norm = make([]float32, cfg.HiddenSize)
		lw.Mixer = MixerWeights{
			InProj:     tensor.NewMat(cfg.InProjDim(), cfg.HiddenSize),
			OutProj:    tensor.NewMat(cfg.HiddenSize, cfg.OutProjInDim()),
			ConvKernel: tensor.NewMat(cfg.ConvDim(), cfg.ConvKernel),
			DtBias:     make([]float32, cfg.NumHeads),
			ALog:       make([]float32, cfg.NumHeads),
			D:          make([]float32, cfg.NumHeads),
		}
		if cfg.UseBias {
			lw.Mixer.InBias = make([]float32, cfg.InProjDim())
			lw.Mixer.OutBias = make([]float32, cfg.HiddenSize)
		}
		if cfg.UseConvBias {
			lw.Mixer.ConvBias = make([]float32, cfg.ConvDim())
		}
		if cfg.RMSNormGated {
			lw.Mixer.NormWeight = make([]float32, cfg.Intermediate())
		}
	}
	if err := m.build(); err != nil {
		return nil, err
	}
	return m, nil
}

// build constructs the blocks from the current layer weights. One scan
// strategy instance (and so one worker pool) is shared by all layers.
func (m *Model) build() error {
	scan := newScanner(&m.cfg, m.caps)
	m.blocks = make([]*Block, len(m.Layers))
	for i := range m.Layers {
		b, err := NewBlock(&m.cfg, i, m.Layers[i].Norm, m.Layers[i].Mixer, scan)
		if err != nil {
			return err
		}
		m.blocks[i] = b
	}
	return nil
}

// Config returns the model configuration.
func (m *Model) Config() *Config { return &m.cfg }

// NewCache allocates a decoding session cache for the given batch size.
func (m *Model) NewCache(batch int) (*Cache, error) {
	return NewCache(&m.cfg, batch)
}

// Forward contextualizes x [batch, seqLen, hidden] in place through every
// block. When a cache is supplied its offset advances by seqLen after all
// layers have consumed it, which is what flips subsequent calls onto the
// single-step path.
func (m *Model) Forward(x []float32, batch, seqLen int, cache *Cache) error {
	if batch <= 0 || seqLen <= 0 {
		return fmt.Errorf("model: empty input (batch=%d seqLen=%d)", batch, seqLen)
	}
	if len(x) < batch*seqLen*m.cfg.HiddenSize {
		return fmt.Errorf("model: input buffer too short: %d < %d", len(x), batch*seqLen*m.cfg.HiddenSize)
	}
	for _, b := range m.blocks {
		if err := b.Forward(x, batch, seqLen, cache); err != nil {
			return err
		}
	}
	if cache != nil {
		cache.Advance(seqLen)
	}
	return nil
}

// ForwardTokens embeds a batch-1 token sequence, runs the stack, and
// returns the logits for the final position. The returned slice is owned
// by the model and overwritten on the next call.
func (m *Model) ForwardTokens(ids []int, cache *Cache) ([]float32, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("model: empty token sequence")
	}
	hidden := m.cfg.HiddenSize
	m.hiddenBuf = growf32(m.hiddenBuf, len(ids)*hidden)
	for t, id := range ids {
		if id < 0 || id >= m.cfg.VocabSize {
			return nil, fmt.Errorf("model: token id out of range: %d", id)
		}
		m.Embeddings.RowTo(m.hiddenBuf[t*hidden:(t+1)*hidden], id)
	}
	if err := m.Forward(m.hiddenBuf, 1, len(ids), cache); err != nil {
		return nil, err
	}

	last := m.hiddenBuf[(len(ids)-1)*hidden : len(ids)*hidden]
	m.normBuf = growf32(m.normBuf, hidden)
	tensor.RMSNorm(m.normBuf, last, m.FinalNorm, m.cfg.Epsilon)

	head := m.LMHead
	if head == nil {
		head = &m.Embeddings
	}
	m.logits = growf32(m.logits, head.R)
	tensor.MatVec(m.logits, head, m.normBuf)
	return m.logits, nil
}
