package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"signout/internal/session/metrics"
	"signout/internal/session/models"
	"signout/internal/session/store"
	id "signout/pkg/domain"
	dErrors "signout/pkg/domain-errors"
	"signout/pkg/platform/audit"
	"signout/pkg/platform/audit/publisher"
	auditmemory "signout/pkg/platform/audit/store/memory"
	"signout/pkg/requestcontext"
)

type RegistrySuite struct {
	suite.Suite
	store    *store.InMemory
	audit    *auditmemory.InMemoryStore
	metrics  *metrics.Metrics
	registry *Registry
	events   []models.SessionInvalidated
	eventsMu sync.Mutex
	ctx      context.Context
	now      time.Time
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}

func (s *RegistrySuite) SetupTest() {
	s.store = store.NewInMemory()
	s.audit = auditmemory.NewInMemoryStore()
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.events = nil
	s.now = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)

	var err error
	s.registry, err = New(s.store,
		WithMetrics(s.metrics),
		WithAuditPublisher(publisher.NewPublisher(s.audit)),
	)
	s.Require().NoError(err)
	s.registry.Subscribe(func(_ context.Context, e models.SessionInvalidated) {
		s.eventsMu.Lock()
		defer s.eventsMu.Unlock()
		s.events = append(s.events, e)
	})
}

func (s *RegistrySuite) eventCount() int {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	return len(s.events)
}

func (s *RegistrySuite) TestCreate() {
	s.Run("creates an active session", func() {
		sid, err := s.registry.Create(s.ctx, "tenant-t", "user-a", WithDevice("Safari on iOS"))
		s.Require().NoError(err)
		s.False(sid.IsNil())

		sess, err := s.registry.Get(s.ctx, sid)
		s.Require().NoError(err)
		s.Equal(models.StateActive, sess.State)
		s.Equal("Safari on iOS", sess.Device)
		s.Equal(s.now, sess.CreatedAt)
		s.Equal(1.0, testutil.ToFloat64(s.metrics.SessionsCreated))
	})

	s.Run("refuses a second active session for the same user", func() {
		_, err := s.registry.Create(s.ctx, "tenant-t", "user-b")
		s.Require().NoError(err)

		_, err = s.registry.Create(s.ctx, "tenant-t", "user-b")
		s.Require().ErrorIs(err, ErrDuplicateSession)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("same user in another tenant is a different scope", func() {
		_, err := s.registry.Create(s.ctx, "tenant-t", "user-c")
		s.Require().NoError(err)
		_, err = s.registry.Create(s.ctx, "tenant-other", "user-c")
		s.Require().NoError(err)
	})

	s.Run("allows multiple sessions when the rule is off", func() {
		r, err := New(store.NewInMemory(), WithSingleSessionPerUser(false))
		s.Require().NoError(err)
		_, err = r.Create(s.ctx, "tenant-t", "user-d")
		s.Require().NoError(err)
		_, err = r.Create(s.ctx, "tenant-t", "user-d")
		s.Require().NoError(err)
	})

	s.Run("requires tenant and user", func() {
		_, err := s.registry.Create(s.ctx, "", "user-e")
		s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
	})
}

func (s *RegistrySuite) TestInvalidateIsIdempotent() {
	sid, err := s.registry.Create(s.ctx, "tenant-t", "user-a")
	s.Require().NoError(err)

	s.Require().NoError(s.registry.Invalidate(s.ctx, sid, models.ReasonLocalSignOut))
	s.Require().NoError(s.registry.Invalidate(s.ctx, sid, models.ReasonExternalNotification))

	active, err := s.registry.IsActive(s.ctx, sid)
	s.Require().NoError(err)
	s.False(active)

	s.Equal(1, s.eventCount(), "exactly one lifecycle event")
	s.Equal(models.ReasonLocalSignOut, s.events[0].Reason)
	s.Equal(s.now, s.events[0].At)

	sess, err := s.registry.Get(s.ctx, sid)
	s.Require().NoError(err)
	s.Equal(models.ReasonLocalSignOut, sess.InvalidationReason)
}

func (s *RegistrySuite) TestInvalidateUnknownSession() {
	err := s.registry.Invalidate(s.ctx, id.NewSessionID(), models.ReasonLocalSignOut)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	active, err := s.registry.IsActive(s.ctx, id.NewSessionID())
	s.Require().NoError(err)
	s.False(active)
}

func (s *RegistrySuite) TestInvalidateAll() {
	r, err := New(s.store, WithSingleSessionPerUser(false))
	s.Require().NoError(err)
	var events atomic.Int32
	r.Subscribe(func(context.Context, models.SessionInvalidated) { events.Add(1) })

	a, err := r.Create(s.ctx, "tenant-t", "user-a")
	s.Require().NoError(err)
	b, err := r.Create(s.ctx, "tenant-t", "user-a")
	s.Require().NoError(err)
	other, err := r.Create(s.ctx, "tenant-t", "user-z")
	s.Require().NoError(err)
	s.Require().NoError(r.Invalidate(s.ctx, b, models.ReasonLocalSignOut))
	events.Store(0)

	ids, err := r.InvalidateAll(s.ctx, "tenant-t", "user-a", models.ReasonExternalNotification)
	s.Require().NoError(err)
	s.Equal([]id.SessionID{a}, ids, "already-invalidated sessions do not count")
	s.Equal(int32(1), events.Load())

	active, err := r.IsActive(s.ctx, other)
	s.Require().NoError(err)
	s.True(active, "other users are untouched")

	ids, err = r.InvalidateAll(s.ctx, "tenant-t", "user-a", models.ReasonExternalNotification)
	s.Require().NoError(err)
	s.Empty(ids)

	ids, err = r.InvalidateAll(s.ctx, "tenant-t", "nobody", models.ReasonLocalSignOut)
	s.Require().NoError(err)
	s.Empty(ids)
}

func (s *RegistrySuite) TestConcurrentInvalidationEmitsOnce() {
	sid, err := s.registry.Create(s.ctx, "tenant-t", "user-a")
	s.Require().NoError(err)

	const goroutines = 16
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = s.registry.Invalidate(s.ctx, sid, models.ReasonLocalSignOut)
				return
			}
			_, _ = s.registry.InvalidateAll(s.ctx, "tenant-t", "user-a", models.ReasonExternalNotification)
		}(i)
	}
	wg.Wait()

	s.Equal(1, s.eventCount())
}

func (s *RegistrySuite) TestAuditTrail() {
	sid, err := s.registry.Create(s.ctx, "tenant-t", "user-a")
	s.Require().NoError(err)
	s.Require().NoError(s.registry.Invalidate(s.ctx, sid, models.ReasonLocalSignOut))

	events, err := s.audit.ListByUser(s.ctx, "tenant-t", "user-a")
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal(string(audit.EventSessionCreated), events[0].Action)
	s.Equal(string(audit.EventSessionInvalidated), events[1].Action)
	s.Equal("local_sign_out", events[1].Reason)
}

type failingStore struct {
	*store.InMemory
}

func (f failingStore) ListByScope(context.Context, models.Scope) ([]*models.Session, error) {
	return nil, errors.New("connection reset")
}

func (s *RegistrySuite) TestInvalidateAllStoreFailure() {
	r, err := New(failingStore{InMemory: store.NewInMemory()})
	s.Require().NoError(err)
	_, err = r.InvalidateAll(s.ctx, "tenant-t", "user-a", models.ReasonLocalSignOut)
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
}
