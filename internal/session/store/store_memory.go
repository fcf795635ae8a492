// Package store persists sessions in memory or Redis.
package store

import (
	"context"
	"fmt"
	"sync"

	"signout/internal/session/models"
	id "signout/pkg/domain"
	"signout/pkg/platform/sentinel"
)

// InMemory keeps sessions in maps guarded by a single RWMutex. Returned
// sessions are copies.
type InMemory struct {
	mu       sync.RWMutex
	sessions map[id.SessionID]*models.Session
	byScope  map[models.Scope]map[id.SessionID]struct{}
}

func NewInMemory() *InMemory {
	return &InMemory{
		sessions: make(map[id.SessionID]*models.Session),
		byScope:  make(map[models.Scope]map[id.SessionID]struct{}),
	}
}

func (s *InMemory) Create(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(session)
}

// CreateIfNoneActive inserts session unless its scope already holds an
// active session, in which case it returns sentinel.ErrAlreadyExists.
func (s *InMemory) CreateIfNoneActive(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sid := range s.byScope[session.Scope()] {
		if s.sessions[sid].IsActive() {
			return fmt.Errorf("active session for scope: %w", sentinel.ErrAlreadyExists)
		}
	}
	return s.createLocked(session)
}

func (s *InMemory) createLocked(session *models.Session) error {
	if _, ok := s.sessions[session.ID]; ok {
		return fmt.Errorf("session %s: %w", session.ID, sentinel.ErrAlreadyExists)
	}
	s.sessions[session.ID] = session.Clone()
	scope := session.Scope()
	if s.byScope[scope] == nil {
		s.byScope[scope] = make(map[id.SessionID]struct{})
	}
	s.byScope[scope][session.ID] = struct{}{}
	return nil
}

func (s *InMemory) FindByID(_ context.Context, sessionID id.SessionID) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, sentinel.ErrNotFound)
	}
	return session.Clone(), nil
}

func (s *InMemory) ListByScope(_ context.Context, scope models.Scope) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Session, 0, len(s.byScope[scope]))
	for sid := range s.byScope[scope] {
		out = append(out, s.sessions[sid].Clone())
	}
	return out, nil
}

// Execute runs validate then mutate on the stored session under the write
// lock. A validate error leaves the session untouched.
func (s *InMemory) Execute(_ context.Context, sessionID id.SessionID, validate func(*models.Session) error, mutate func(*models.Session)) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, sentinel.ErrNotFound)
	}
	working := stored.Clone()
	if err := validate(working); err != nil {
		return nil, err
	}
	mutate(working)
	s.sessions[sessionID] = working
	return working.Clone(), nil
}
