package api

// CreateSessionRequest opens a decoding session. All fields are optional.
type CreateSessionRequest struct {
	// Prompt is prefilled into the session immediately when present.
	Prompt []int `json:"prompt,omitempty"`
}

// SessionResponse describes one live session.
type SessionResponse struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
	Tokens    int    `json:"tokens"`
}

// GenerateRequest drives greedy decoding on an existing session.
type GenerateRequest struct {
	Prompt     []int `json:"prompt,omitempty"`
	Steps      int   `json:"steps"`
	StopTokens []int `json:"stop_tokens,omitempty"`
}

// GenerateResponse carries the decoded tokens and throughput stats.
type GenerateResponse struct {
	ID              string  `json:"id"`
	Tokens          []int   `json:"tokens"`
	PromptTokens    int     `json:"prompt_tokens"`
	TokensGenerated int     `json:"tokens_generated"`
	DurationMS      float64 `json:"duration_ms"`
	TPS             float64 `json:"tps"`
}

// FeedRequest extends a session's context without sampling.
type FeedRequest struct {
	Tokens []int `json:"tokens"`
}

// FeedResponse reports the session state after a feed.
type FeedResponse struct {
	ID     string `json:"id"`
	Tokens int    `json:"tokens"`
}

// ModelResponse summarizes the loaded model architecture.
type ModelResponse struct {
	HiddenSize int `json:"hidden_size"`
	NumLayers  int `json:"num_layers"`
	VocabSize  int `json:"vocab_size"`
	NumHeads   int `json:"num_heads"`
	HeadDim    int `json:"head_dim"`
	StateSize  int `json:"state_size"`
	NumGroups  int `json:"n_groups"`
	ConvKernel int `json:"conv_kernel"`
	ChunkSize  int `json:"chunk_size"`
	MaxSeqLen  int `json:"max_seq_len,omitempty"`
}

// DeleteResponse acknowledges a session removal.
type DeleteResponse struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// ResponseError is the error payload shared by all endpoints.
type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
