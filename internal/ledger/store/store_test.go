package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"signout/internal/ledger/models"
	signoutmodels "signout/internal/signout/models"
	id "signout/pkg/domain"
	"signout/pkg/platform/sentinel"
)

type ledgerStore interface {
	Record(ctx context.Context, entry *models.Entry) error
	Find(ctx context.Context, direction models.Direction, notificationID id.NotificationID) (*models.Entry, error)
	UpdateStatus(ctx context.Context, notificationID id.NotificationID, status models.Status, attempts int, now time.Time) error
	ListPending(ctx context.Context, cutoff time.Time, limit int) ([]*models.Entry, error)
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}

type LedgerSuite struct {
	suite.Suite
	newStore func() ledgerStore
	store    ledgerStore
	now      time.Time
}

func TestInMemoryLedgerSuite(t *testing.T) {
	suite.Run(t, &LedgerSuite{newStore: func() ledgerStore { return NewInMemory() }})
}

func TestRedisLedgerSuite(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	suite.Run(t, &LedgerSuite{newStore: func() ledgerStore {
		mr.FlushAll()
		return NewRedis(client)
	}})
}

func (s *LedgerSuite) SetupTest() {
	s.store = s.newStore()
	s.now = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
}

func (s *LedgerSuite) notification() signoutmodels.Notification {
	return signoutmodels.NewNotification("tenant-t", "user-u@tenant-t", "app-a", s.now)
}

func (s *LedgerSuite) TestRecordIsInsertIfAbsent() {
	ctx := context.Background()
	n := s.notification()

	s.Require().NoError(s.store.Record(ctx, models.NewApplied(n, s.now)))
	err := s.store.Record(ctx, models.NewApplied(n, s.now.Add(time.Second)))
	s.Require().ErrorIs(err, sentinel.ErrAlreadyExists)

	s.Run("directions are independent", func() {
		s.Require().NoError(s.store.Record(ctx, models.NewOutbound(n, s.now)))
	})

	s.Run("find returns the first write", func() {
		e, err := s.store.Find(ctx, models.DirectionInbound, n.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusApplied, e.Status)
		s.Equal(s.now, e.RecordedAt.UTC())
		s.Equal(n.ID, e.Notification.ID)
		s.Equal(n.OriginatorAppID, e.Notification.OriginatorAppID)
	})

	s.Run("unknown id", func() {
		_, err := s.store.Find(ctx, models.DirectionInbound, id.NewNotificationID())
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *LedgerSuite) TestUpdateStatus() {
	ctx := context.Background()
	n := s.notification()
	s.Require().NoError(s.store.Record(ctx, models.NewOutbound(n, s.now)))

	s.Require().NoError(s.store.UpdateStatus(ctx, n.ID, models.StatusSent, 2, s.now.Add(time.Minute)))

	e, err := s.store.Find(ctx, models.DirectionOutbound, n.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusSent, e.Status)
	s.Equal(2, e.Attempts)

	err = s.store.UpdateStatus(ctx, id.NewNotificationID(), models.StatusSent, 1, s.now)
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *LedgerSuite) TestListPending() {
	ctx := context.Background()
	old := s.notification()
	fresh := s.notification()
	sent := s.notification()
	s.Require().NoError(s.store.Record(ctx, models.NewOutbound(old, s.now.Add(-10*time.Minute))))
	s.Require().NoError(s.store.Record(ctx, models.NewOutbound(fresh, s.now)))
	s.Require().NoError(s.store.Record(ctx, models.NewOutbound(sent, s.now.Add(-20*time.Minute))))
	s.Require().NoError(s.store.Record(ctx, models.NewApplied(s.notification(), s.now.Add(-30*time.Minute))))
	s.Require().NoError(s.store.UpdateStatus(ctx, sent.ID, models.StatusSent, 1, s.now))

	pending, err := s.store.ListPending(ctx, s.now.Add(-time.Minute), 10)
	s.Require().NoError(err)
	s.Require().Len(pending, 1)
	s.Equal(old.ID, pending[0].Notification.ID)

	all, err := s.store.ListPending(ctx, s.now.Add(time.Minute), 10)
	s.Require().NoError(err)
	s.Len(all, 2)

	limited, err := s.store.ListPending(ctx, s.now.Add(time.Minute), 1)
	s.Require().NoError(err)
	s.Require().Len(limited, 1)
	s.Equal(old.ID, limited[0].Notification.ID, "oldest first")
}

func (s *LedgerSuite) TestPurgeKeepsPendingEntries() {
	ctx := context.Background()
	applied := s.notification()
	pending := s.notification()
	recent := s.notification()
	s.Require().NoError(s.store.Record(ctx, models.NewApplied(applied, s.now.Add(-48*time.Hour))))
	s.Require().NoError(s.store.Record(ctx, models.NewOutbound(pending, s.now.Add(-48*time.Hour))))
	s.Require().NoError(s.store.Record(ctx, models.NewApplied(recent, s.now)))

	n, err := s.store.Purge(ctx, s.now.Add(-24*time.Hour))
	s.Require().NoError(err)
	s.Equal(1, n)

	_, err = s.store.Find(ctx, models.DirectionInbound, applied.ID)
	s.ErrorIs(err, sentinel.ErrNotFound)
	_, err = s.store.Find(ctx, models.DirectionOutbound, pending.ID)
	s.NoError(err, "pending entries survive garbage collection")
	_, err = s.store.Find(ctx, models.DirectionInbound, recent.ID)
	s.NoError(err)
}
