package model

import (
	"encoding/json"
	"fmt"
	"runtime"
)

// Config holds the Mamba2 architecture hyperparameters.
type Config struct {
	HiddenSize int
	NumLayers  int
	VocabSize  int

	NumHeads   int
	HeadDim    int
	StateSize  int
	NumGroups  int
	ConvKernel int
	ChunkSize  int

	Epsilon        float32
	Activation     string
	NormBeforeGate bool
	// RMSNormGated selects the gated RMS normalization after the scan;
	// when false the scan output is only SiLU-gated.
	RMSNormGated bool
	UseConvBias  bool
	UseBias      bool

	// PassThroughDim enables the legacy non-recurrent sub-block: the input
	// projection reserves 2*PassThroughDim extra channels that bypass the
	// scan through a gated identity branch. Only valid for single-token
	// calls; kept for parity with checkpoints that carry the wider
	// projection.
	PassThroughDim int

	// Optional clamping of the discretization step after softplus.
	TimeStepMin   float64
	TimeStepMax   float64
	TimeStepFloor float64

	MaxSeqLen int
}

// Intermediate returns the inner width of the mixer, heads times head dim.
func (c *Config) Intermediate() int { return c.NumHeads * c.HeadDim }

// ConvDim returns the channel count of the depthwise convolution: the
// inner width plus the input-gate and output-readout vectors that ride
// through the same convolution.
func (c *Config) ConvDim() int { return c.Intermediate() + 2*c.NumGroups*c.StateSize }

// HeadsPerGroup returns how many heads share one group's B/C vectors.
func (c *Config) HeadsPerGroup() int { return c.NumHeads / c.NumGroups }

// InProjDim returns the expected output width of the input projection.
func (c *Config) InProjDim() int {
	return 2*c.PassThroughDim + 2*c.Intermediate() + 2*c.NumGroups*c.StateSize + c.NumHeads
}

// OutProjInDim returns the expected input width of the output projection.
func (c *Config) OutProjInDim() int { return c.PassThroughDim + c.Intermediate() }

// Validate checks the configuration invariants. Violations are
// construction-time errors, never recoverable at call time.
func (c *Config) Validate() error {
	if c.HiddenSize <= 0 {
		return fmt.Errorf("config: hidden size must be positive, got %d", c.HiddenSize)
	}
	if c.NumLayers <= 0 {
		return fmt.Errorf("config: layer count must be positive, got %d", c.NumLayers)
	}
	if c.NumHeads <= 0 || c.HeadDim <= 0 || c.StateSize <= 0 {
		return fmt.Errorf("config: heads/head_dim/state_size must be positive, got %d/%d/%d",
			c.NumHeads, c.HeadDim, c.StateSize)
	}
	if c.NumGroups <= 0 {
		return fmt.Errorf("config: group count must be positive, got %d", c.NumGroups)
	}
	if c.NumHeads%c.NumGroups != 0 {
		return fmt.Errorf("config: group count %d does not divide head count %d", c.NumGroups, c.NumHeads)
	}
	if c.ConvKernel < 1 {
		return fmt.Errorf("config: conv kernel must be >= 1, got %d", c.ConvKernel)
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("config: chunk size must be >= 1, got %d", c.ChunkSize)
	}
	if c.PassThroughDim < 0 {
		return fmt.Errorf("config: pass-through dim must be >= 0, got %d", c.PassThroughDim)
	}
	switch c.Activation {
	case "", "silu", "swish":
	default:
		return fmt.Errorf("config: unsupported activation %q", c.Activation)
	}
	return nil
}

// Capabilities describes which execution strategies the recurrence engine
// may use. It is passed in at construction instead of being read from
// process-global flags, so two models in one process can run different
// strategies.
type Capabilities struct {
	// Chunked selects the chunked scan strategy for full-sequence calls;
	// when false every call uses the explicit sequential loop. Both
	// strategies produce equal results within floating-point tolerance,
	// so this is purely a performance choice.
	Chunked bool
	// Workers bounds the lane worker pool; <= 0 means GOMAXPROCS.
	Workers int
}

// DetectCapabilities probes the host and returns the preferred strategy.
func DetectCapabilities() Capabilities {
	return Capabilities{
		Chunked: true,
		Workers: runtime.GOMAXPROCS(0),
	}
}

// hfConfig mirrors the HuggingFace config.json schema for mamba2 models.
// Only the fields consumed by this runtime are declared.
type hfConfig struct {
	ModelType string `json:"model_type"`

	HiddenSize      int     `json:"hidden_size"`
	NumHiddenLayers int     `json:"num_hidden_layers"`
	VocabSize       int     `json:"vocab_size"`
	NumHeads        int     `json:"num_heads"`
	HeadDim         int     `json:"head_dim"`
	StateSize       int     `json:"state_size"`
	NGroups         int     `json:"n_groups"`
	ConvKernel      int     `json:"conv_kernel"`
	ChunkSize       int     `json:"chunk_size"`
	Expand          int     `json:"expand"`
	LayerNormEps    float64 `json:"layer_norm_epsilon"`
	HiddenAct       string  `json:"hidden_act"`
	NormBeforeGate  *bool   `json:"norm_before_gate"`
	RMSNorm         *bool   `json:"rms_norm"`
	UseConvBias     *bool   `json:"use_conv_bias"`
	UseBias         *bool   `json:"use_bias"`
	TimeStepMin     float64 `json:"time_step_min"`
	TimeStepMax     float64 `json:"time_step_max"`
	TimeStepFloor   float64 `json:"time_step_floor"`
	MaxPosition     int     `json:"max_position_embeddings"`
}

// ParseConfigJSON parses a HuggingFace-style config.json for a mamba2
// model into a validated Config.
func ParseConfigJSON(data []byte) (Config, error) {
	var hf hfConfig
	if err := json.Unmarshal(data, &hf); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	if hf.ModelType != "mamba2" {
		return Config{}, fmt.Errorf("config: unsupported model_type %q", hf.ModelType)
	}

	cfg := Config{
		HiddenSize: hf.HiddenSize,
		NumLayers:  hf.NumHiddenLayers,
		VocabSize:  hf.VocabSize,
		NumHeads:   hf.NumHeads,
		HeadDim:    hf.HeadDim,
		StateSize:  hf.StateSize,
		NumGroups:  hf.NGroups,
		ConvKernel: hf.ConvKernel,
		ChunkSize:  hf.ChunkSize,
		Epsilon:    float32(hf.LayerNormEps),
		Activation: hf.HiddenAct,

		NormBeforeGate: boolOr(hf.NormBeforeGate, true),
		RMSNormGated:   boolOr(hf.RMSNorm, true),
		UseConvBias:    boolOr(hf.UseConvBias, true),
		UseBias:        boolOr(hf.UseBias, false),

		TimeStepMin:   hf.TimeStepMin,
		TimeStepMax:   hf.TimeStepMax,
		TimeStepFloor: hf.TimeStepFloor,
		MaxSeqLen:     hf.MaxPosition,
	}
	if cfg.NumGroups == 0 {
		cfg.NumGroups = 1
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 256
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = 1e-5
	}
	if cfg.HeadDim == 0 && hf.Expand > 0 && cfg.NumHeads > 0 {
		cfg.HeadDim = hf.Expand * cfg.HiddenSize / cfg.NumHeads
	}
	if hf.Expand > 0 && cfg.Intermediate() != hf.Expand*cfg.HiddenSize {
		return Config{}, fmt.Errorf("config: heads*head_dim = %d does not match expand*hidden = %d",
			cfg.Intermediate(), hf.Expand*cfg.HiddenSize)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
