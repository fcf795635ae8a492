//go:build integration

package store_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"signout/internal/ledger/models"
	"signout/internal/ledger/store"
	signoutmodels "signout/internal/signout/models"
	"signout/pkg/platform/sentinel"
	"signout/pkg/testutil/containers"
)

type PostgresIntegrationSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.Postgres
}

func TestPostgresIntegrationSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresIntegrationSuite))
}

func (s *PostgresIntegrationSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
	s.Require().NoError(s.store.Migrate(context.Background()))
}

func (s *PostgresIntegrationSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "signout_ledger"))
}

// TestConcurrentRecordSingleWinner verifies that racing applies of the same
// notification produce exactly one ledger row.
func (s *PostgresIntegrationSuite) TestConcurrentRecordSingleWinner() {
	ctx := context.Background()
	n := signoutmodels.NewNotification("tenant-t", "user-u@tenant-t", "app-a", time.Now())

	const goroutines = 25
	var wg sync.WaitGroup
	var won, lost atomic.Int32
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.store.Record(ctx, models.NewApplied(n, time.Now()))
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, sentinel.ErrAlreadyExists):
				lost.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), won.Load())
	s.Equal(int32(goroutines-1), lost.Load())
}

func (s *PostgresIntegrationSuite) TestLifecycle() {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	n := signoutmodels.NewNotification("tenant-t", "user-u@tenant-t", "app-a", now)

	s.Require().NoError(s.store.Record(ctx, models.NewOutbound(n, now.Add(-time.Hour))))

	pending, err := s.store.ListPending(ctx, now, 10)
	s.Require().NoError(err)
	s.Require().Len(pending, 1)
	s.Equal(n.ID, pending[0].Notification.ID)

	s.Require().NoError(s.store.UpdateStatus(ctx, n.ID, models.StatusSent, 1, now))
	pending, err = s.store.ListPending(ctx, now, 10)
	s.Require().NoError(err)
	s.Empty(pending)

	purged, err := s.store.Purge(ctx, now)
	s.Require().NoError(err)
	s.Equal(1, purged)
}
