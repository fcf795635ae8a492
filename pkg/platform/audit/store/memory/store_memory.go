package memory

import (
	"context"
	"sync"

	id "signout/pkg/domain"
	audit "signout/pkg/platform/audit"
)

type scopeKey struct {
	tenant id.TenantID
	user   id.UserKey
}

type InMemoryStore struct {
	mu     sync.RWMutex
	events map[scopeKey][]audit.Event
	all    []audit.Event
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{events: make(map[scopeKey][]audit.Event)}
}

func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = make(map[scopeKey][]audit.Event)
	s.all = nil
}

func (s *InMemoryStore) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := scopeKey{tenant: event.TenantID, user: event.UserKey}
	s.events[key] = append(s.events[key], event)
	s.all = append(s.all, event)
	return nil
}

func (s *InMemoryStore) ListByUser(_ context.Context, tenantID id.TenantID, userKey id.UserKey) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Event{}, s.events[scopeKey{tenant: tenantID, user: userKey}]...), nil
}

// ListRecent returns the most recent N events in append order.
func (s *InMemoryStore) ListRecent(_ context.Context, limit int) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := len(s.all) - limit
	if start < 0 {
		start = 0
	}
	return append([]audit.Event{}, s.all[start:]...), nil
}
