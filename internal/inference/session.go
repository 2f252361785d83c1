package inference

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/tensor"
)

// Request configures one generation run over an existing session.
type Request struct {
	// Prompt is the token sequence to prefill before decoding.
	Prompt []int
	// Steps bounds how many tokens to generate; <= 0 means no new tokens
	// (prefill only).
	Steps int
	// StopTokens end generation when sampled; the stop token itself is not
	// emitted.
	StopTokens []int
}

// Result carries the generated tokens and run statistics.
type Result struct {
	Tokens []int
	Stats  Stats
}

// StreamFunc receives each generated token as it is sampled.
type StreamFunc func(id int)

// Session is one decoding stream: a model cache plus the token history it
// has absorbed. Not safe for concurrent use.
type Session struct {
	engine *Engine
	cache  *model.Cache
	tokens []int
	logits []float32
}

// Tokens returns the token history the session has processed, prompt and
// generated alike. The slice is owned by the session.
func (s *Session) Tokens() []int { return s.tokens }

// Reset rewinds the session to empty without reallocating the cache.
func (s *Session) Reset() {
	s.cache.Reset()
	s.tokens = s.tokens[:0]
	s.logits = nil
}

// Feed runs the given tokens through the model, extending the session
// state, and returns the logits after the last one. The returned slice is
// owned by the session and overwritten by its next forward pass.
func (s *Session) Feed(ctx context.Context, ids []int) ([]float32, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("inference: empty token sequence")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var err error
	if s.cache.SeqlenOffset() == 0 && len(ids) > 1 {
		// Fresh session: the whole prompt goes through one prefill pass.
		s.logits, err = s.engine.forward(ids, s.cache, s.logits)
		if err != nil {
			return nil, err
		}
	} else {
		for i := range ids {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			s.logits, err = s.engine.forward(ids[i:i+1], s.cache, s.logits)
			if err != nil {
				return nil, err
			}
		}
	}
	s.tokens = append(s.tokens, ids...)
	return s.logits, nil
}

// Generate prefills the request's prompt and then decodes greedily until
// the step limit or a stop token. ctx cancellation is observed between
// steps; the session state reflects everything processed so far when the
// run is cut short.
func (s *Session) Generate(ctx context.Context, req *Request, stream StreamFunc) (*Result, error) {
	if req == nil {
		return nil, fmt.Errorf("inference: request is required")
	}
	res := &Result{}
	start := time.Now()

	if len(req.Prompt) > 0 {
		if _, err := s.Feed(ctx, req.Prompt); err != nil {
			return nil, err
		}
	}
	if s.logits == nil {
		return nil, fmt.Errorf("inference: nothing to decode from, feed a prompt first")
	}
	res.Stats.PromptTokens = len(req.Prompt)

	for i := 0; i < req.Steps; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		next := tensor.Argmax(s.logits)
		if slices.Contains(req.StopTokens, next) {
			break
		}
		res.Tokens = append(res.Tokens, next)
		res.Stats.TokensGenerated++
		if stream != nil {
			stream(next)
		}

		logits, err := s.engine.forward([]int{next}, s.cache, s.logits)
		if err != nil {
			return res, err
		}
		s.tokens = append(s.tokens, next)
		s.logits = logits
	}

	res.Stats.Duration = time.Since(start)
	if secs := res.Stats.Duration.Seconds(); secs > 0 {
		res.Stats.TPS = float64(res.Stats.TokensGenerated) / secs
	}
	s.engine.log.Debug("generation finished",
		"prompt_tokens", res.Stats.PromptTokens,
		"generated", res.Stats.TokensGenerated,
		"tps", res.Stats.TPS)
	return res, nil
}
