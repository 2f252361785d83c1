package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/strata/internal/inference"
	"github.com/samcharles93/strata/internal/logger"
)

// Server exposes the decoding engine over HTTP. One engine, many sessions;
// each session is serialized by its own lock and throttled by its own
// limiter.
type Server struct {
	engine *inference.Engine
	store  *SessionStore
	log    logger.Logger
	clock  func() time.Time
}

func NewServer(engine *inference.Engine, store *SessionStore, log logger.Logger) *Server {
	if store == nil {
		store = NewSessionStore(0, 1)
	}
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		engine: engine,
		store:  store,
		log:    log,
		clock:  time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/model", s.handleModel)
	e.POST("/v1/sessions", s.handleCreateSession)
	e.GET("/v1/sessions/:id", s.handleGetSession)
	e.DELETE("/v1/sessions/:id", s.handleDeleteSession)
	e.POST("/v1/sessions/:id/generate", s.handleGenerate)
	e.POST("/v1/sessions/:id/feed", s.handleFeed)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.store.Len(),
	})
}

func (s *Server) handleModel(c *echo.Context) error {
	cfg := s.engine.Model().Config()
	return writeJSON(c, http.StatusOK, ModelResponse{
		HiddenSize: cfg.HiddenSize,
		NumLayers:  cfg.NumLayers,
		VocabSize:  cfg.VocabSize,
		NumHeads:   cfg.NumHeads,
		HeadDim:    cfg.HeadDim,
		StateSize:  cfg.StateSize,
		NumGroups:  cfg.NumGroups,
		ConvKernel: cfg.ConvKernel,
		ChunkSize:  cfg.ChunkSize,
		MaxSeqLen:  cfg.MaxSeqLen,
	})
}

func (s *Server) handleCreateSession(c *echo.Context) error {
	req, err := decodeJSON[CreateSessionRequest](c.Request().Body)
	if err != nil && !errors.Is(err, io.EOF) {
		return writeBadRequest(c, err.Error())
	}

	session, err := s.engine.NewSession()
	if err != nil {
		return writeServerError(c, err.Error())
	}
	if len(req.Prompt) > 0 {
		if _, err := session.Feed(c.Request().Context(), req.Prompt); err != nil {
			return writeBadRequest(c, err.Error())
		}
	}

	now := s.clock()
	id := s.store.Create(session, now)
	s.log.Info("session created", "id", id, "prompt_tokens", len(req.Prompt))
	return writeJSON(c, http.StatusOK, SessionResponse{
		ID:        id,
		CreatedAt: now.Unix(),
		Tokens:    len(session.Tokens()),
	})
}

func (s *Server) handleGetSession(c *echo.Context) error {
	rec, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "session not found")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return writeJSON(c, http.StatusOK, SessionResponse{
		ID:        c.Param("id"),
		CreatedAt: rec.created.Unix(),
		Tokens:    len(rec.session.Tokens()),
	})
}

func (s *Server) handleDeleteSession(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "session not found")
	}
	s.log.Info("session deleted", "id", id)
	return writeJSON(c, http.StatusOK, DeleteResponse{ID: id, Deleted: true})
}

func (s *Server) handleGenerate(c *echo.Context) error {
	id := c.Param("id")
	rec, ok := s.store.Get(id)
	if !ok {
		return writeNotFound(c, "session not found")
	}
	if !rec.limiter.Allow() {
		return writeRateLimited(c)
	}

	req, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		return writeErr(c, newInvalidRequest(err.Error()))
	}
	if req.Steps < 0 {
		return writeErr(c, newInvalidRequest("steps must be >= 0"))
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	res, err := rec.session.Generate(c.Request().Context(), &inference.Request{
		Prompt:     req.Prompt,
		Steps:      req.Steps,
		StopTokens: req.StopTokens,
	}, nil)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	return writeJSON(c, http.StatusOK, GenerateResponse{
		ID:              id,
		Tokens:          emptyIfNil(res.Tokens),
		PromptTokens:    res.Stats.PromptTokens,
		TokensGenerated: res.Stats.TokensGenerated,
		DurationMS:      float64(res.Stats.Duration) / float64(time.Millisecond),
		TPS:             res.Stats.TPS,
	})
}

func (s *Server) handleFeed(c *echo.Context) error {
	id := c.Param("id")
	rec, ok := s.store.Get(id)
	if !ok {
		return writeNotFound(c, "session not found")
	}
	if !rec.limiter.Allow() {
		return writeRateLimited(c)
	}

	req, err := decodeJSON[FeedRequest](c.Request().Body)
	if err != nil {
		return writeErr(c, newInvalidRequest(err.Error()))
	}
	if len(req.Tokens) == 0 {
		return writeErr(c, newInvalidRequest("tokens must be non-empty"))
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if _, err := rec.session.Feed(c.Request().Context(), req.Tokens); err != nil {
		return writeBadRequest(c, err.Error())
	}
	return writeJSON(c, http.StatusOK, FeedResponse{
		ID:     id,
		Tokens: len(rec.session.Tokens()),
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

func writeJSON(c *echo.Context, status int, v any) error {
	blob, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.JSONBlob(status, blob)
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeErrorResponse(c, http.StatusBadRequest, "invalid_request_error", msg)
}

// writeErr maps classified errors onto status codes; anything not wrapped
// as an invalid request is a server-side failure.
func writeErr(c *echo.Context, err error) error {
	if errors.Is(err, ErrInvalidRequest) {
		return writeBadRequest(c, err.Error())
	}
	return writeServerError(c, err.Error())
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeErrorResponse(c, http.StatusNotFound, "not_found_error", msg)
}

func writeServerError(c *echo.Context, msg string) error {
	return writeErrorResponse(c, http.StatusInternalServerError, "server_error", msg)
}

func writeRateLimited(c *echo.Context) error {
	return writeErrorResponse(c, http.StatusTooManyRequests, "rate_limit_error", "session request rate exceeded")
}

func writeErrorResponse(c *echo.Context, status int, errType, msg string) error {
	return writeJSON(c, status, map[string]any{
		"error": ResponseError{Message: msg, Type: errType},
	})
}

func emptyIfNil(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}
