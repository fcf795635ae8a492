package dispatch

import (
	"context"
	"log/slog"

	"signout/pkg/platform/audit"
	"signout/pkg/requestcontext"
)

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// OperatorReporter surfaces exhausted deliveries through the log and, when
// configured, the security audit stream.
type OperatorReporter struct {
	logger         *slog.Logger
	auditPublisher AuditPublisher
}

func NewLogReporter(logger *slog.Logger) *OperatorReporter {
	return &OperatorReporter{logger: logger}
}

func NewOperatorReporter(logger *slog.Logger, publisher AuditPublisher) *OperatorReporter {
	return &OperatorReporter{logger: logger, auditPublisher: publisher}
}

func (r *OperatorReporter) ReportFailure(ctx context.Context, f Failure) {
	r.logger.ErrorContext(ctx, "notification delivery exhausted",
		"notification_id", f.Notification.ID.String(),
		"tenant_id", f.Notification.TenantID,
		"peer", f.Recipient.AppID,
		"attempts", f.Attempts,
		"error", f.Err,
	)
	if r.auditPublisher == nil {
		return
	}
	reason := ""
	if f.Err != nil {
		reason = f.Err.Error()
	}
	event := audit.Event{
		Action:         string(audit.EventDispatchFailed),
		TenantID:       f.Notification.TenantID,
		UserKey:        f.Notification.UserKey,
		NotificationID: f.Notification.ID.String(),
		Originator:     f.Recipient.AppID.String(),
		Reason:         reason,
		RequestID:      requestcontext.RequestID(ctx),
	}
	if err := r.auditPublisher.Emit(ctx, event); err != nil {
		r.logger.WarnContext(ctx, "failed to emit audit event", "action", event.Action, "error", err)
	}
}
