package service

import (
	"context"
	"errors"
	"log/slog"

	"signout/internal/signout/metrics"
	"signout/internal/signout/models"
	"signout/internal/signout/notice"
	id "signout/pkg/domain"
	"signout/pkg/platform/audit"
	"signout/pkg/requestcontext"
)

type Applier interface {
	ApplyExternal(ctx context.Context, n models.Notification) (models.ApplyResult, error)
}

type NoticeStore interface {
	Put(ctx context.Context, sessionID id.SessionID, message string) error
	Take(ctx context.Context, sessionID id.SessionID) (string, bool, error)
}

// Receiver accepts notifications from peers, checks who sent them and hands
// trusted ones to the coordinator.
type Receiver struct {
	applier        Applier
	trust          *TrustPolicy
	notices        NoticeStore
	logger         *slog.Logger
	metrics        *metrics.Metrics
	auditPublisher AuditPublisher
}

type ReceiverOption func(*Receiver)

func WithReceiverLogger(logger *slog.Logger) ReceiverOption {
	return func(r *Receiver) {
		r.logger = logger
	}
}

func WithReceiverMetrics(m *metrics.Metrics) ReceiverOption {
	return func(r *Receiver) {
		r.metrics = m
	}
}

func WithReceiverAuditPublisher(p AuditPublisher) ReceiverOption {
	return func(r *Receiver) {
		r.auditPublisher = p
	}
}

func NewReceiver(applier Applier, trust *TrustPolicy, notices NoticeStore, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		applier: applier,
		trust:   trust,
		notices: notices,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Receive validates raw, requires claimedOriginator to be trusted for the
// tenant and to match the notification's originator, then applies it.
func (r *Receiver) Receive(ctx context.Context, raw models.RawNotification, claimedOriginator id.AppID) (models.ApplyResult, error) {
	n, err := raw.Parse()
	if err != nil {
		r.metrics.IncrementNotification(metrics.OutcomeMalformed)
		return models.ApplyResult{}, err
	}

	if claimedOriginator != n.OriginatorAppID || !r.trust.IsTrusted(n.TenantID, claimedOriginator) {
		r.metrics.IncrementNotification(metrics.OutcomeUntrusted)
		r.logger.WarnContext(ctx, "rejected notification from untrusted originator",
			"notification_id", n.ID.String(),
			"claimed_originator", claimedOriginator,
			"originator_app_id", n.OriginatorAppID,
			"tenant_id", n.TenantID,
		)
		r.reject(ctx, n, claimedOriginator, "untrusted_originator")
		return models.ApplyResult{}, ErrUntrustedOriginator
	}

	result, err := r.applier.ApplyExternal(ctx, n)
	if err != nil {
		if errors.Is(err, ErrStaleNotification) {
			r.metrics.IncrementNotification(metrics.OutcomeStale)
			r.logger.WarnContext(ctx, "dropped stale notification",
				"notification_id", n.ID.String(),
				"originator", n.OriginatorAppID,
				"issued_at", n.IssuedAt,
			)
			r.reject(ctx, n, claimedOriginator, "stale")
			return models.ApplyResult{}, err
		}
		r.metrics.IncrementNotification(metrics.OutcomeError)
		return models.ApplyResult{}, err
	}

	if result.Outcome == models.OutcomeApplied {
		for _, sid := range result.InvalidatedSessions {
			if err := r.notices.Put(ctx, sid, notice.SignedOutElsewhere); err != nil {
				r.logger.WarnContext(ctx, "failed to store sign-out notice",
					"session_id", sid.String(),
					"error", err,
				)
			}
		}
	}
	return result, nil
}

// TakeNotice returns the pending notice for the session once.
func (r *Receiver) TakeNotice(ctx context.Context, sessionID id.SessionID) (string, bool) {
	msg, ok, err := r.notices.Take(ctx, sessionID)
	if err != nil {
		r.logger.WarnContext(ctx, "failed to read sign-out notice",
			"session_id", sessionID.String(),
			"error", err,
		)
		return "", false
	}
	if ok {
		r.metrics.IncrementNoticeShown()
	}
	return msg, ok
}

func (r *Receiver) reject(ctx context.Context, n models.Notification, claimed id.AppID, reason string) {
	if r.auditPublisher == nil {
		return
	}
	event := audit.Event{
		Action:         string(audit.EventNotificationRejected),
		TenantID:       n.TenantID,
		UserKey:        n.UserKey,
		NotificationID: n.ID.String(),
		Originator:     claimed.String(),
		Reason:         reason,
		RequestID:      requestcontext.RequestID(ctx),
	}
	if err := r.auditPublisher.Emit(ctx, event); err != nil {
		r.logger.WarnContext(ctx, "failed to emit audit event", "action", event.Action, "error", err)
	}
}
