package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// ErrSessionNotFound is returned for an unknown or expired session id.
var ErrSessionNotFound = eris.New("session: not found")

type entry struct {
	draft   Draft
	updated time.Time
}

// Sessions is a process-wide store of onboarding drafts keyed by session id.
type Sessions struct {
	mu    sync.Mutex
	byID  map[string]entry
	ttl   time.Duration
	nowFn func() time.Time
}

// NewSessions creates a store. Drafts idle longer than ttl are dropped on
// access; zero disables expiry.
func NewSessions(ttl time.Duration) *Sessions {
	return &Sessions{byID: make(map[string]entry), ttl: ttl, nowFn: time.Now}
}

// Start opens a new session for userID (0 for a user not yet created).
func (s *Sessions) Start(userID int64) (string, Draft) {
	id := uuid.New().String()
	d := NewDraft(userID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[id] = entry{draft: d, updated: s.nowFn()}
	return id, d
}

// Get returns the current draft for id.
func (s *Sessions) Get(id string) (Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(id)
	if !ok {
		return Draft{}, eris.Wrapf(ErrSessionNotFound, "%s", id)
	}
	return e.draft, nil
}

// Apply answers a step in session id and stores the resulting draft. On an
// invalid answer the stored draft is unchanged.
func (s *Sessions) Apply(id, step, answer string) (Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(id)
	if !ok {
		return Draft{}, eris.Wrapf(ErrSessionNotFound, "%s", id)
	}
	next, err := e.draft.Apply(step, answer)
	if err != nil {
		return e.draft, err
	}
	s.byID[id] = entry{draft: next, updated: s.nowFn()}
	return next, nil
}

// Delete removes a session. Deleting an unknown id is a no-op.
func (s *Sessions) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
}

// lookup must be called with mu held.
func (s *Sessions) lookup(id string) (entry, bool) {
	e, ok := s.byID[id]
	if !ok {
		return entry{}, false
	}
	if s.ttl > 0 && s.nowFn().Sub(e.updated) > s.ttl {
		delete(s.byID, id)
		return entry{}, false
	}
	return e, true
}
