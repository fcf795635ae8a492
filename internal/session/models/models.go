package models

import (
	"fmt"
	"time"

	id "signout/pkg/domain"
	"signout/pkg/platform/sentinel"
)

type State string

const (
	StateActive      State = "active"
	StateInvalidated State = "invalidated"
)

type InvalidationReason string

const (
	ReasonLocalSignOut         InvalidationReason = "local_sign_out"
	ReasonExternalNotification InvalidationReason = "external_notification"
)

func (r InvalidationReason) String() string { return string(r) }

func (r InvalidationReason) IsValid() bool {
	return r == ReasonLocalSignOut || r == ReasonExternalNotification
}

// Scope is the (tenant, user) pair that sign-out operates on.
type Scope struct {
	TenantID id.TenantID
	UserKey  id.UserKey
}

func NewScope(tenantID id.TenantID, userKey id.UserKey) Scope {
	return Scope{TenantID: tenantID, UserKey: userKey}
}

// Key encodes the scope unambiguously for use in storage keys.
func (s Scope) Key() string {
	return fmt.Sprintf("%d:%s:%s", len(s.TenantID), s.TenantID, s.UserKey)
}

// Session is a local, application-scoped session. It moves from Active to
// Invalidated exactly once.
type Session struct {
	ID                 id.SessionID       `json:"id"`
	TenantID           id.TenantID        `json:"tenant_id"`
	UserKey            id.UserKey         `json:"user_key"`
	State              State              `json:"state"`
	Device             string             `json:"device,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	InvalidatedAt      *time.Time         `json:"invalidated_at,omitempty"`
	InvalidationReason InvalidationReason `json:"invalidation_reason,omitempty"`
}

func NewSession(sessionID id.SessionID, scope Scope, device string, now time.Time) *Session {
	return &Session{
		ID:        sessionID,
		TenantID:  scope.TenantID,
		UserKey:   scope.UserKey,
		State:     StateActive,
		Device:    device,
		CreatedAt: now,
	}
}

func (s *Session) Scope() Scope { return NewScope(s.TenantID, s.UserKey) }

func (s *Session) IsActive() bool { return s.State == StateActive }

// CanInvalidate returns sentinel.ErrInvalidState once the session is terminal.
func (s *Session) CanInvalidate() error {
	if s.State != StateActive {
		return fmt.Errorf("session %s is %s: %w", s.ID, s.State, sentinel.ErrInvalidState)
	}
	return nil
}

// ApplyInvalidation performs the one-way transition. Callers check
// CanInvalidate first; a second call leaves the original timestamp and reason.
func (s *Session) ApplyInvalidation(now time.Time, reason InvalidationReason) {
	if s.State != StateActive {
		return
	}
	at := now
	s.State = StateInvalidated
	s.InvalidatedAt = &at
	s.InvalidationReason = reason
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.InvalidatedAt != nil {
		at := *s.InvalidatedAt
		c.InvalidatedAt = &at
	}
	return &c
}

// SessionInvalidated is published once per Active -> Invalidated transition.
type SessionInvalidated struct {
	SessionID id.SessionID
	TenantID  id.TenantID
	UserKey   id.UserKey
	Reason    InvalidationReason
	At        time.Time
}
