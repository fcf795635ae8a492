package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"signout/internal/session/models"
	id "signout/pkg/domain"
	"signout/pkg/platform/sentinel"
)

type sessionStore interface {
	Create(ctx context.Context, session *models.Session) error
	CreateIfNoneActive(ctx context.Context, session *models.Session) error
	FindByID(ctx context.Context, sessionID id.SessionID) (*models.Session, error)
	ListByScope(ctx context.Context, scope models.Scope) ([]*models.Session, error)
	Execute(ctx context.Context, sessionID id.SessionID, validate func(*models.Session) error, mutate func(*models.Session)) (*models.Session, error)
}

// StoreSuite runs the same behavioral checks against every implementation.
type StoreSuite struct {
	suite.Suite
	newStore func() sessionStore
	store    sessionStore
	scope    models.Scope
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, &StoreSuite{newStore: func() sessionStore { return NewInMemory() }})
}

func TestRedisStoreSuite(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	suite.Run(t, &StoreSuite{newStore: func() sessionStore {
		mr.FlushAll()
		return NewRedis(client)
	}})
}

func (s *StoreSuite) SetupTest() {
	s.store = s.newStore()
	s.scope = models.NewScope("tenant-t", "user-u@tenant-t")
}

func (s *StoreSuite) newSession() *models.Session {
	return models.NewSession(id.NewSessionID(), s.scope, "Chrome on macOS", time.Now().UTC().Truncate(time.Millisecond))
}

func (s *StoreSuite) TestCreateAndFind() {
	ctx := context.Background()

	s.Run("returns stored session when found", func() {
		sess := s.newSession()
		s.Require().NoError(s.store.Create(ctx, sess))

		found, err := s.store.FindByID(ctx, sess.ID)
		s.Require().NoError(err)
		s.Equal(sess.ID, found.ID)
		s.Equal(sess.TenantID, found.TenantID)
		s.Equal(sess.UserKey, found.UserKey)
		s.Equal(models.StateActive, found.State)
		s.Equal("Chrome on macOS", found.Device)
	})

	s.Run("returns ErrNotFound when session does not exist", func() {
		_, err := s.store.FindByID(ctx, id.NewSessionID())
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("rejects duplicate id", func() {
		sess := s.newSession()
		s.Require().NoError(s.store.Create(ctx, sess))
		s.Require().ErrorIs(s.store.Create(ctx, sess), sentinel.ErrAlreadyExists)
	})
}

func (s *StoreSuite) TestCreateIfNoneActive() {
	ctx := context.Background()

	first := s.newSession()
	s.Require().NoError(s.store.CreateIfNoneActive(ctx, first))

	s.Run("second active session in scope is refused", func() {
		err := s.store.CreateIfNoneActive(ctx, s.newSession())
		s.Require().ErrorIs(err, sentinel.ErrAlreadyExists)
	})

	s.Run("allowed once the existing session is invalidated", func() {
		_, err := s.store.Execute(ctx, first.ID,
			func(sess *models.Session) error { return sess.CanInvalidate() },
			func(sess *models.Session) { sess.ApplyInvalidation(time.Now(), models.ReasonLocalSignOut) },
		)
		s.Require().NoError(err)
		s.Require().NoError(s.store.CreateIfNoneActive(ctx, s.newSession()))
	})

	s.Run("other scopes are unaffected", func() {
		other := models.NewSession(id.NewSessionID(), models.NewScope("tenant-t", "someone-else"), "", time.Now())
		s.Require().NoError(s.store.CreateIfNoneActive(ctx, other))
	})
}

func (s *StoreSuite) TestConcurrentExclusiveCreate() {
	ctx := context.Background()
	const goroutines = 20
	var wg sync.WaitGroup
	var created, refused atomic.Int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.store.CreateIfNoneActive(ctx, s.newSession())
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, sentinel.ErrAlreadyExists), errors.Is(err, redis.TxFailedErr):
				refused.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), created.Load(), "exactly one create should win")
	s.Equal(int32(goroutines-1), refused.Load())
}

func (s *StoreSuite) TestListByScope() {
	ctx := context.Background()
	a, b := s.newSession(), s.newSession()
	s.Require().NoError(s.store.Create(ctx, a))
	s.Require().NoError(s.store.Create(ctx, b))
	s.Require().NoError(s.store.Create(ctx, models.NewSession(id.NewSessionID(), models.NewScope("tenant-x", "user-u@tenant-t"), "", time.Now())))

	sessions, err := s.store.ListByScope(ctx, s.scope)
	s.Require().NoError(err)
	s.Len(sessions, 2)

	empty, err := s.store.ListByScope(ctx, models.NewScope("nobody", "nobody"))
	s.Require().NoError(err)
	s.Empty(empty)
}

func (s *StoreSuite) TestExecute() {
	ctx := context.Background()

	s.Run("mutation is persisted", func() {
		sess := s.newSession()
		s.Require().NoError(s.store.Create(ctx, sess))

		updated, err := s.store.Execute(ctx, sess.ID,
			func(*models.Session) error { return nil },
			func(m *models.Session) { m.ApplyInvalidation(time.Now(), models.ReasonExternalNotification) },
		)
		s.Require().NoError(err)
		s.Equal(models.StateInvalidated, updated.State)

		found, err := s.store.FindByID(ctx, sess.ID)
		s.Require().NoError(err)
		s.Equal(models.StateInvalidated, found.State)
		s.Equal(models.ReasonExternalNotification, found.InvalidationReason)
	})

	s.Run("validation error leaves session unchanged", func() {
		sess := s.newSession()
		s.Require().NoError(s.store.Create(ctx, sess))

		validationErr := errors.New("validation failed")
		_, err := s.store.Execute(ctx, sess.ID,
			func(*models.Session) error { return validationErr },
			func(m *models.Session) { m.ApplyInvalidation(time.Now(), models.ReasonLocalSignOut) },
		)
		s.Require().ErrorIs(err, validationErr)

		found, err := s.store.FindByID(ctx, sess.ID)
		s.Require().NoError(err)
		s.Equal(models.StateActive, found.State)
	})

	s.Run("unknown session", func() {
		_, err := s.store.Execute(ctx, id.NewSessionID(),
			func(*models.Session) error { return nil },
			func(*models.Session) {},
		)
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *StoreSuite) TestReturnedSessionsAreCopies() {
	ctx := context.Background()
	sess := s.newSession()
	s.Require().NoError(s.store.Create(ctx, sess))

	found, err := s.store.FindByID(ctx, sess.ID)
	s.Require().NoError(err)
	found.State = models.StateInvalidated

	again, err := s.store.FindByID(ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal(models.StateActive, again.State)
}
