// Package service holds the sign-out coordinator, which owns both directions
// of a sign-out, and the receiver that guards the inbound trust boundary.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	ledgermodels "signout/internal/ledger/models"
	"signout/internal/platform/tracing"
	sessionmodels "signout/internal/session/models"
	"signout/internal/signout/metrics"
	"signout/internal/signout/models"
	id "signout/pkg/domain"
	dErrors "signout/pkg/domain-errors"
	"signout/pkg/platform/audit"
	"signout/pkg/platform/keylock"
	"signout/pkg/platform/sentinel"
	"signout/pkg/requestcontext"
)

type Registry interface {
	InvalidateAll(ctx context.Context, tenantID id.TenantID, userKey id.UserKey, reason sessionmodels.InvalidationReason) ([]id.SessionID, error)
}

type Ledger interface {
	Record(ctx context.Context, entry *ledgermodels.Entry) error
	Find(ctx context.Context, direction ledgermodels.Direction, notificationID id.NotificationID) (*ledgermodels.Entry, error)
}

// Dispatcher delivers outbound notifications in the background.
type Dispatcher interface {
	Enqueue(n models.Notification)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

type Coordinator struct {
	appID          id.AppID
	registry       Registry
	ledger         Ledger
	dispatcher     Dispatcher
	skewWindow     time.Duration
	locks          *keylock.Map[sessionmodels.Scope]
	logger         *slog.Logger
	metrics        *metrics.Metrics
	auditPublisher AuditPublisher
}

type Option func(*Coordinator)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

func WithAuditPublisher(p AuditPublisher) Option {
	return func(c *Coordinator) {
		c.auditPublisher = p
	}
}

// WithSkewWindow sets how far issuedAt may deviate from now. Defaults to 5m.
func WithSkewWindow(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.skewWindow = d
		}
	}
}

func NewCoordinator(appID id.AppID, registry Registry, ledger Ledger, dispatcher Dispatcher, opts ...Option) (*Coordinator, error) {
	if appID.IsNil() {
		return nil, errors.New("app id is required")
	}
	if registry == nil || ledger == nil || dispatcher == nil {
		return nil, errors.New("registry, ledger and dispatcher are required")
	}
	c := &Coordinator{
		appID:      appID,
		registry:   registry,
		ledger:     ledger,
		dispatcher: dispatcher,
		skewWindow: 5 * time.Minute,
		locks:      keylock.New[sessionmodels.Scope](),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SignOutLocally ends every local session of the user and schedules a
// notification to the rest of the federation. Delivery happens after return.
func (c *Coordinator) SignOutLocally(ctx context.Context, tenantID id.TenantID, userKey id.UserKey) (*models.Descriptor, error) {
	if tenantID.IsNil() || userKey.IsNil() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "tenant and user key are required")
	}
	scope := sessionmodels.NewScope(tenantID, userKey)
	unlock := c.locks.Lock(scope)
	defer unlock()

	now := requestcontext.Now(ctx)
	invalidated, err := c.registry.InvalidateAll(ctx, tenantID, userKey, sessionmodels.ReasonLocalSignOut)
	if err != nil {
		return nil, err
	}

	n := models.NewNotification(tenantID, userKey, c.appID, now)
	if err := c.ledger.Record(ctx, ledgermodels.NewOutbound(n, now)); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record outbound notification")
	}
	c.dispatcher.Enqueue(n)

	c.metrics.IncrementLocalSignOut()
	c.logger.InfoContext(ctx, "local sign-out recorded",
		"notification_id", n.ID.String(),
		"tenant_id", tenantID,
		"user_key", userKey,
		"sessions_invalidated", len(invalidated),
	)
	c.emitAudit(ctx, audit.Event{
		Action:         string(audit.EventSignOutInitiated),
		TenantID:       tenantID,
		UserKey:        userKey,
		NotificationID: n.ID.String(),
		Originator:     c.appID.String(),
	})
	return &models.Descriptor{Notification: n, InvalidatedSessions: invalidated}, nil
}

// ApplyExternal applies a peer's notification at most once. The ledger check,
// the invalidation and the ledger write run inside the scope's exclusive section.
func (c *Coordinator) ApplyExternal(ctx context.Context, n models.Notification) (result models.ApplyResult, err error) {
	ctx, span := tracing.Start(ctx, "signout.apply_external",
		attribute.String("notification_id", n.ID.String()),
		attribute.String("originator", n.OriginatorAppID.String()),
	)
	defer func() { tracing.End(span, err) }()

	unlock := c.locks.Lock(sessionmodels.NewScope(n.TenantID, n.UserKey))
	defer unlock()

	already := models.ApplyResult{Outcome: models.OutcomeAlreadyApplied, NotificationID: n.ID}

	_, err = c.ledger.Find(ctx, ledgermodels.DirectionInbound, n.ID)
	switch {
	case err == nil:
		c.recordDuplicate(ctx, n)
		return already, nil
	case !errors.Is(err, sentinel.ErrNotFound):
		return models.ApplyResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read ledger")
	}

	now := requestcontext.Now(ctx)
	if n.IssuedAt.Before(now.Add(-c.skewWindow)) || n.IssuedAt.After(now.Add(c.skewWindow)) {
		return models.ApplyResult{}, ErrStaleNotification
	}

	invalidated, err := c.registry.InvalidateAll(ctx, n.TenantID, n.UserKey, sessionmodels.ReasonExternalNotification)
	if err != nil {
		return models.ApplyResult{}, err
	}

	if err := c.ledger.Record(ctx, ledgermodels.NewApplied(n, now)); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyExists) {
			// Another instance applied it between our read and write.
			c.recordDuplicate(ctx, n)
			return already, nil
		}
		return models.ApplyResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record applied notification")
	}

	c.metrics.IncrementNotification(metrics.OutcomeApplied)
	c.logger.InfoContext(ctx, "external sign-out applied",
		"notification_id", n.ID.String(),
		"originator", n.OriginatorAppID,
		"tenant_id", n.TenantID,
		"sessions_invalidated", len(invalidated),
	)
	c.emitAudit(ctx, audit.Event{
		Action:         string(audit.EventNotificationApplied),
		TenantID:       n.TenantID,
		UserKey:        n.UserKey,
		NotificationID: n.ID.String(),
		Originator:     n.OriginatorAppID.String(),
	})
	return models.ApplyResult{
		Outcome:             models.OutcomeApplied,
		NotificationID:      n.ID,
		InvalidatedSessions: invalidated,
	}, nil
}

func (c *Coordinator) recordDuplicate(ctx context.Context, n models.Notification) {
	c.metrics.IncrementNotification(metrics.OutcomeAlreadyApplied)
	c.logger.DebugContext(ctx, "notification already applied",
		"notification_id", n.ID.String(),
		"originator", n.OriginatorAppID,
	)
	c.emitAudit(ctx, audit.Event{
		Action:         string(audit.EventNotificationDuplicate),
		TenantID:       n.TenantID,
		UserKey:        n.UserKey,
		NotificationID: n.ID.String(),
		Originator:     n.OriginatorAppID.String(),
	})
}

func (c *Coordinator) emitAudit(ctx context.Context, event audit.Event) {
	if c.auditPublisher == nil {
		return
	}
	event.RequestID = requestcontext.RequestID(ctx)
	if err := c.auditPublisher.Emit(ctx, event); err != nil {
		c.logger.WarnContext(ctx, "failed to emit audit event",
			"action", event.Action,
			"error", err,
		)
	}
}
