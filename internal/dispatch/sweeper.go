package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"signout/internal/dispatch/metrics"
	ledgermodels "signout/internal/ledger/models"
	"signout/internal/signout/models"
)

const sweepBatch = 100

type SweepLedger interface {
	ListPending(ctx context.Context, cutoff time.Time, limit int) ([]*ledgermodels.Entry, error)
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}

type Enqueuer interface {
	Enqueue(n models.Notification)
}

// Sweeper re-enqueues outbound notifications left pending by a crash, a full
// queue or a shutdown, and purges terminal ledger entries past retention.
type Sweeper struct {
	ledger    SweepLedger
	enqueuer  Enqueuer
	grace     time.Duration
	retention time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

type SweeperOption func(*Sweeper)

func WithSweeperLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

func WithSweeperMetrics(m *metrics.Metrics) SweeperOption {
	return func(s *Sweeper) {
		s.metrics = m
	}
}

func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		s.now = now
	}
}

func NewSweeper(ledger SweepLedger, enqueuer Enqueuer, grace, retention time.Duration, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		ledger:    ledger,
		enqueuer:  enqueuer,
		grace:     grace,
		retention: retention,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SweepPending re-enqueues pending outbound entries older than the grace period.
func (s *Sweeper) SweepPending(ctx context.Context) (int, error) {
	entries, err := s.ledger.ListPending(ctx, s.now().Add(-s.grace), sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}
	for _, e := range entries {
		s.enqueuer.Enqueue(e.Notification)
	}
	if len(entries) > 0 {
		s.metrics.AddSwept(len(entries))
		s.logger.InfoContext(ctx, "re-enqueued pending notifications", "count", len(entries))
	}
	return len(entries), nil
}

// CollectGarbage removes terminal entries recorded before the retention period.
// Retention must exceed the skew window so a replay is still recognised.
func (s *Sweeper) CollectGarbage(ctx context.Context) (int, error) {
	n, err := s.ledger.Purge(ctx, s.now().Add(-s.retention))
	if err != nil {
		return 0, fmt.Errorf("purge ledger: %w", err)
	}
	if n > 0 {
		s.metrics.AddPurged(n)
		s.logger.InfoContext(ctx, "purged ledger entries", "count", n)
	}
	return n, nil
}

// Run schedules both jobs and blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, sweepSchedule, gcSchedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(sweepSchedule, s.job(ctx, "sweep", s.SweepPending)); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", sweepSchedule, err)
	}
	if _, err := c.AddFunc(gcSchedule, s.job(ctx, "gc", s.CollectGarbage)); err != nil {
		return fmt.Errorf("schedule gc %q: %w", gcSchedule, err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (s *Sweeper) job(ctx context.Context, name string, fn func(context.Context) (int, error)) func() {
	return func() {
		if _, err := fn(ctx); err != nil {
			s.logger.ErrorContext(ctx, "ledger job failed", "job", name, "error", err)
		}
	}
}
