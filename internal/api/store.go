package api

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/samcharles93/strata/internal/inference"
)

// sessionRecord pairs one decoding session with the bookkeeping the server
// needs: a mutex serializing access (sessions are single-stream) and a
// per-session rate limiter.
type sessionRecord struct {
	mu      sync.Mutex
	session *inference.Session
	created time.Time
	limiter *rate.Limiter
}

// SessionStore tracks live sessions by id.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*sessionRecord

	limit rate.Limit
	burst int
}

// NewSessionStore builds a store whose sessions each allow reqPerSec
// requests per second with the given burst. reqPerSec <= 0 disables
// limiting.
func NewSessionStore(reqPerSec float64, burst int) *SessionStore {
	limit := rate.Inf
	if reqPerSec > 0 {
		limit = rate.Limit(reqPerSec)
	}
	if burst < 1 {
		burst = 1
	}
	return &SessionStore{
		sessions: make(map[string]*sessionRecord),
		limit:    limit,
		burst:    burst,
	}
}

// Create registers a session and returns its id.
func (s *SessionStore) Create(session *inference.Session, now time.Time) string {
	id := "sess_" + uuid.NewString()
	rec := &sessionRecord{
		session: session,
		created: now,
		limiter: rate.NewLimiter(s.limit, s.burst),
	}
	s.mu.Lock()
	s.sessions[id] = rec
	s.mu.Unlock()
	return id
}

// Get returns the record for id, or false when it does not exist.
func (s *SessionStore) Get(id string) (*sessionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	return rec, ok
}

// Delete removes the session and reports whether it existed.
func (s *SessionStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

// Len returns the number of live sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
