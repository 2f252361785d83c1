package inference

import (
	"fmt"
	"sync"
	"time"

	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/model"
)

// Stats summarizes one generation run.
type Stats struct {
	PromptTokens    int
	TokensGenerated int
	Duration        time.Duration
	TPS             float64
}

// Engine wraps a loaded model and hands out decoding sessions. The model
// reuses scratch buffers across forward passes, so the engine serializes
// all passes behind one mutex; sessions from the same engine may run from
// different goroutines, but each session must be driven from one goroutine
// at a time.
type Engine struct {
	mu    sync.Mutex
	model *model.Model
	log   logger.Logger
}

func NewEngine(m *model.Model, log logger.Logger) (*Engine, error) {
	if m == nil {
		return nil, fmt.Errorf("inference: model is required")
	}
	if log == nil {
		log = logger.Default()
	}
	return &Engine{model: m, log: log}, nil
}

// Model returns the underlying model.
func (e *Engine) Model() *model.Model { return e.model }

// forward runs one pass under the engine lock and copies the logits into
// dst. The model's logits buffer is rewritten by every pass, so the copy
// must happen before the lock is released.
func (e *Engine) forward(ids []int, cache *model.Cache, dst []float32) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	logits, err := e.model.ForwardTokens(ids, cache)
	if err != nil {
		return dst, err
	}
	return append(dst[:0], logits...), nil
}

// NewSession allocates a fresh batch-1 decoding session.
func (e *Engine) NewSession() (*Session, error) {
	cache, err := e.model.NewCache(1)
	if err != nil {
		return nil, err
	}
	return &Session{
		engine: e,
		cache:  cache,
	}, nil
}
