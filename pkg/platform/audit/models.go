package audit

import (
	"context"
	"time"

	id "signout/pkg/domain"
)

// EventCategory classifies audit events by their primary purpose.
// This enables different retention policies, storage backends, and routing.
type EventCategory string

const (
	// CategorySecurity covers events relevant to security monitoring and forensics:
	// rejected notifications, untrusted originators, exhausted deliveries.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine lifecycle activity that can be sampled.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Category       EventCategory
	Timestamp      time.Time
	TenantID       id.TenantID
	UserKey        id.UserKey
	SessionID      string
	NotificationID string
	// Originator is the application that initiated a sign-out, or the peer a
	// dispatch was addressed to for delivery events.
	Originator string
	Action     string
	Reason     string
	RequestID  string
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByUser(ctx context.Context, tenantID id.TenantID, userKey id.UserKey) ([]Event, error)
}

type AuditEvent string

const (
	EventSessionCreated     AuditEvent = "session_created"
	EventSessionInvalidated AuditEvent = "session_invalidated"

	EventSignOutInitiated      AuditEvent = "signout_initiated"
	EventNotificationApplied   AuditEvent = "signout_notification_applied"
	EventNotificationDuplicate AuditEvent = "signout_notification_duplicate"
	EventNotificationRejected  AuditEvent = "signout_notification_rejected"

	EventDispatchFailed AuditEvent = "signout_dispatch_failed"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventNotificationRejected: CategorySecurity,
	EventDispatchFailed:       CategorySecurity,

	EventSessionCreated:        CategoryOperations,
	EventSessionInvalidated:    CategoryOperations,
	EventSignOutInitiated:      CategoryOperations,
	EventNotificationApplied:   CategoryOperations,
	EventNotificationDuplicate: CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}
