package members

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Flow names a verification flow
type Flow string

const (
	FlowFindID       Flow = "find-id"
	FlowFindPassword Flow = "find-password"
)

// Session is a sent verification code awaiting confirmation
type Session struct {
	Flow      Flow
	Subject   string
	SentAt    time.Time
	ExpiresAt time.Time
}

// SessionStore remembers sent codes per (flow, subject). Expired sessions
// stay in the store until confirmed, replaced or evicted, so an expired
// code can be told apart from one that was never sent.
type SessionStore struct {
	cache *lru.Cache[string, *Session]
	now   func() time.Time
	mu    sync.RWMutex
}

// NewSessionStore creates a store holding at most size sessions
func NewSessionStore(size int) (*SessionStore, error) {
	cache, err := lru.New[string, *Session](size)
	if err != nil {
		return nil, err
	}

	return &SessionStore{
		cache: cache,
		now:   time.Now,
	}, nil
}

func sessionKey(flow Flow, subject string) string {
	return string(flow) + "|" + subject
}

// Start records a code sent now and valid for ttl, replacing any earlier one
func (s *SessionStore) Start(flow Flow, subject string, ttl time.Duration) *Session {
	now := s.now()
	session := &Session{
		Flow:      flow,
		Subject:   subject,
		SentAt:    now,
		ExpiresAt: now.Add(ttl),
	}

	s.mu.Lock()
	s.cache.Add(sessionKey(flow, subject), session)
	s.mu.Unlock()

	return session
}

// Get returns the session and whether it has expired
func (s *SessionStore) Get(flow Flow, subject string) (session *Session, expired bool, ok bool) {
	s.mu.RLock()
	session, ok = s.cache.Get(sessionKey(flow, subject))
	s.mu.RUnlock()

	if !ok {
		return nil, false, false
	}
	return session, !s.now().Before(session.ExpiresAt), true
}

// Remaining returns the time left on a session, zero if unknown or expired
func (s *SessionStore) Remaining(flow Flow, subject string) time.Duration {
	session, expired, ok := s.Get(flow, subject)
	if !ok || expired {
		return 0
	}
	return session.ExpiresAt.Sub(s.now())
}

// Remove forgets a session
func (s *SessionStore) Remove(flow Flow, subject string) {
	s.mu.Lock()
	s.cache.Remove(sessionKey(flow, subject))
	s.mu.Unlock()
}

// Len returns the number of stored sessions, expired ones included
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache.Len()
}
