// Package store persists the notification ledger in memory, Redis or Postgres.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"signout/internal/ledger/models"
	id "signout/pkg/domain"
	"signout/pkg/platform/sentinel"
)

type InMemory struct {
	mu      sync.RWMutex
	entries map[models.Key]*models.Entry
}

func NewInMemory() *InMemory {
	return &InMemory{entries: make(map[models.Key]*models.Entry)}
}

// Record inserts entry unless its key exists, returning sentinel.ErrAlreadyExists.
func (s *InMemory) Record(_ context.Context, entry *models.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entry.Key()
	if _, ok := s.entries[key]; ok {
		return fmt.Errorf("ledger entry %s/%s: %w", key.Direction, key.NotificationID, sentinel.ErrAlreadyExists)
	}
	s.entries[key] = entry.Clone()
	return nil
}

func (s *InMemory) Find(_ context.Context, direction models.Direction, notificationID id.NotificationID) (*models.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[models.Key{Direction: direction, NotificationID: notificationID}]
	if !ok {
		return nil, fmt.Errorf("ledger entry %s/%s: %w", direction, notificationID, sentinel.ErrNotFound)
	}
	return e.Clone(), nil
}

// UpdateStatus sets the status and attempt count of an outbound entry.
func (s *InMemory) UpdateStatus(_ context.Context, notificationID id.NotificationID, status models.Status, attempts int, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[models.Key{Direction: models.DirectionOutbound, NotificationID: notificationID}]
	if !ok {
		return fmt.Errorf("ledger entry %s: %w", notificationID, sentinel.ErrNotFound)
	}
	e.Status = status
	e.Attempts = attempts
	e.UpdatedAt = now
	return nil
}

// ListPending returns outbound pending entries recorded before cutoff, oldest first.
func (s *InMemory) ListPending(_ context.Context, cutoff time.Time, limit int) ([]*models.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Entry
	for _, e := range s.entries {
		if e.Direction == models.DirectionOutbound && e.Status == models.StatusPending && e.RecordedAt.Before(cutoff) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Purge deletes terminal entries recorded before cutoff. Pending entries are kept.
func (s *InMemory) Purge(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.entries {
		if e.Status.IsTerminal() && e.RecordedAt.Before(cutoff) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}
