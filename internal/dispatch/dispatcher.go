// Package dispatch delivers sign-out notifications to peer applications.
// Each recipient is retried independently with exponential backoff and a
// per-peer circuit breaker; the outcome is recorded on the outbound ledger.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"signout/internal/dispatch/metrics"
	ledgermodels "signout/internal/ledger/models"
	"signout/internal/platform/tracing"
	"signout/internal/signout/models"
	id "signout/pkg/domain"
	"signout/pkg/platform/circuit"
)

//go:generate mockgen -source=dispatcher.go -destination=mocks/mocks.go -package=mocks Sender,RecipientResolver

// ErrCircuitOpen is recorded for a recipient whose circuit is open.
var ErrCircuitOpen = errors.New("peer circuit is open")

// Sender delivers a notification to one peer. Wrapping an error in
// backoff.Permanent stops further attempts.
type Sender interface {
	Send(ctx context.Context, recipient models.AppEndpoint, n models.Notification) error
}

type RecipientResolver interface {
	ResolveRecipients(ctx context.Context, tenantID id.TenantID) ([]models.AppEndpoint, error)
}

type Ledger interface {
	UpdateStatus(ctx context.Context, notificationID id.NotificationID, status ledgermodels.Status, attempts int, now time.Time) error
}

type FailureReporter interface {
	ReportFailure(ctx context.Context, f Failure)
}

type Dispatcher struct {
	sender   Sender
	resolver RecipientResolver
	ledger   Ledger
	reporter FailureReporter
	logger   *slog.Logger
	metrics  *metrics.Metrics

	maxAttempts      int
	initialBackoff   time.Duration
	maxBackoff       time.Duration
	attemptTimeout   time.Duration
	workers          int
	breakerThreshold int
	breakerCooldown  time.Duration

	queue      chan models.Notification
	breakersMu sync.Mutex
	breakers   map[id.AppID]*circuit.Breaker
}

type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

func WithFailureReporter(r FailureReporter) Option {
	return func(d *Dispatcher) {
		d.reporter = r
	}
}

// WithMaxAttempts bounds attempts per recipient. Defaults to 3.
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

func WithBackoff(initial, maxInterval time.Duration) Option {
	return func(d *Dispatcher) {
		if initial > 0 {
			d.initialBackoff = initial
		}
		if maxInterval > 0 {
			d.maxBackoff = maxInterval
		}
	}
}

func WithAttemptTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.attemptTimeout = t
		}
	}
}

func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan models.Notification, n)
		}
	}
}

func WithBreaker(threshold int, cooldown time.Duration) Option {
	return func(d *Dispatcher) {
		d.breakerThreshold = threshold
		d.breakerCooldown = cooldown
	}
}

func New(sender Sender, resolver RecipientResolver, ledger Ledger, opts ...Option) (*Dispatcher, error) {
	if sender == nil || resolver == nil || ledger == nil {
		return nil, errors.New("sender, resolver and ledger are required")
	}
	d := &Dispatcher{
		sender:           sender,
		resolver:         resolver,
		ledger:           ledger,
		logger:           slog.Default(),
		maxAttempts:      3,
		initialBackoff:   500 * time.Millisecond,
		maxBackoff:       10 * time.Second,
		attemptTimeout:   5 * time.Second,
		workers:          4,
		breakerThreshold: 5,
		breakerCooldown:  30 * time.Second,
		breakers:         make(map[id.AppID]*circuit.Breaker),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.queue == nil {
		d.queue = make(chan models.Notification, 1024)
	}
	if d.reporter == nil {
		d.reporter = NewLogReporter(d.logger)
	}
	return d, nil
}

// Enqueue hands n to the worker pool without blocking. When the queue is full
// the notification stays pending in the ledger and the sweeper retries it.
func (d *Dispatcher) Enqueue(n models.Notification) {
	select {
	case d.queue <- n:
	default:
		d.metrics.IncrementDropped()
		d.logger.Warn("dispatch queue full, leaving notification pending",
			"notification_id", n.ID.String(),
		)
	}
}

// Run processes queued notifications until ctx is cancelled. The context is
// the service lifetime, never a request's.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for range d.workers {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case n := <-d.queue:
					d.Process(ctx, n)
				}
			}
		})
	}
	return g.Wait()
}

// Process resolves recipients for n, delivers and records the outcome.
func (d *Dispatcher) Process(ctx context.Context, n models.Notification) {
	recipients, err := d.resolver.ResolveRecipients(ctx, n.TenantID)
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to resolve recipients",
			"notification_id", n.ID.String(),
			"tenant_id", n.TenantID,
			"error", err,
		)
		return
	}

	report := d.Dispatch(ctx, n, excludeOriginator(recipients, n.OriginatorAppID))
	if ctx.Err() != nil {
		// Entry stays pending; the sweeper picks it up after restart.
		return
	}

	status := ledgermodels.StatusSent
	if !report.AllDelivered() {
		status = ledgermodels.StatusFailed
	}
	if err := d.ledger.UpdateStatus(ctx, n.ID, status, report.Attempts(), time.Now()); err != nil {
		d.logger.ErrorContext(ctx, "failed to record dispatch outcome",
			"notification_id", n.ID.String(),
			"status", status,
			"error", err,
		)
	}
}

// Dispatch delivers n to every recipient in parallel. It never fails as a
// whole; per-recipient outcomes are in the report.
func (d *Dispatcher) Dispatch(ctx context.Context, n models.Notification, recipients []models.AppEndpoint) Report {
	ctx, span := tracing.Start(ctx, "signout.dispatch",
		attribute.String("notification_id", n.ID.String()),
		attribute.Int("recipients", len(recipients)),
	)
	start := time.Now()

	report := Report{NotificationID: n.ID, Results: make([]RecipientResult, len(recipients))}
	var g errgroup.Group
	for i, r := range recipients {
		g.Go(func() error {
			report.Results[i] = d.deliver(ctx, n, r)
			return nil
		})
	}
	_ = g.Wait()

	d.metrics.ObserveDelivery(time.Since(start))
	var spanErr error
	if !report.AllDelivered() {
		spanErr = fmt.Errorf("%d of %d recipients failed", len(report.Failures()), len(recipients))
	}
	tracing.End(span, spanErr)

	for _, f := range report.Failures() {
		if ctx.Err() != nil {
			break
		}
		d.metrics.IncrementFailure(f.Recipient.AppID.String())
		d.reporter.ReportFailure(ctx, Failure{
			Notification: n,
			Recipient:    f.Recipient,
			Attempts:     f.Attempts,
			Err:          f.Err,
		})
	}
	return report
}

func (d *Dispatcher) deliver(ctx context.Context, n models.Notification, r models.AppEndpoint) RecipientResult {
	result := RecipientResult{Recipient: r}
	peer := r.AppID.String()
	breaker := d.breakerFor(r.AppID)

	if !breaker.Allow() {
		d.metrics.IncrementAttempt(peer, metrics.AttemptRejected)
		result.Err = ErrCircuitOpen
		return result
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.initialBackoff
	b.MaxInterval = d.maxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.maxAttempts-1)), ctx)

	result.Err = backoff.Retry(func() error {
		result.Attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
		defer cancel()

		err := d.sender.Send(attemptCtx, r, n)
		if err == nil {
			d.metrics.IncrementAttempt(peer, metrics.AttemptDelivered)
			if _, change := breaker.RecordSuccess(); change.Closed {
				d.metrics.SetCircuitOpen(peer, false)
				d.logger.InfoContext(ctx, "peer circuit closed", "peer", peer)
			}
			return nil
		}

		d.metrics.IncrementAttempt(peer, metrics.AttemptFailed)
		d.logger.WarnContext(ctx, "notification delivery attempt failed",
			"notification_id", n.ID.String(),
			"peer", peer,
			"attempt", result.Attempts,
			"error", err,
		)
		if _, change := breaker.RecordFailure(); change.Opened {
			d.metrics.SetCircuitOpen(peer, true)
			d.logger.WarnContext(ctx, "peer circuit opened", "peer", peer)
			return backoff.Permanent(err)
		}
		return err
	}, policy)

	result.Delivered = result.Err == nil
	return result
}

func (d *Dispatcher) breakerFor(appID id.AppID) *circuit.Breaker {
	d.breakersMu.Lock()
	defer d.breakersMu.Unlock()
	b, ok := d.breakers[appID]
	if !ok {
		b = circuit.New(appID.String(),
			circuit.WithFailureThreshold(d.breakerThreshold),
			circuit.WithCooldown(d.breakerCooldown),
		)
		d.breakers[appID] = b
	}
	return b
}

func excludeOriginator(recipients []models.AppEndpoint, originator id.AppID) []models.AppEndpoint {
	out := make([]models.AppEndpoint, 0, len(recipients))
	for _, r := range recipients {
		if r.AppID != originator {
			out = append(out, r)
		}
	}
	return out
}
