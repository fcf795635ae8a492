// Package domain holds the typed identifiers shared across the sign-out subsystem.
// Parsing happens once at trust boundaries; everything past the boundary works with
// the typed values so a tenant can never be passed where a user key is expected.
package domain

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	dErrors "signout/pkg/domain-errors"
)

const maxOpaqueIDLength = 256

// SessionID identifies one authenticated application session.
type SessionID uuid.UUID

// NotificationID is the nonce of a sign-out notification, used for de-duplication.
type NotificationID uuid.UUID

// TenantID identifies the organization that owns users and sessions.
type TenantID string

// UserKey is the stable identity of a principal within a tenant (subject + tenant).
type UserKey string

// AppID identifies an application in the federation.
type AppID string

func NewSessionID() SessionID           { return SessionID(uuid.New()) }
func NewNotificationID() NotificationID { return NotificationID(uuid.New()) }

func (id SessionID) String() string { return uuid.UUID(id).String() }
func (id SessionID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func (id NotificationID) String() string { return uuid.UUID(id).String() }
func (id NotificationID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func (id TenantID) String() string { return string(id) }
func (id TenantID) IsNil() bool    { return id == "" }

func (k UserKey) String() string { return string(k) }
func (k UserKey) IsNil() bool    { return k == "" }

func (a AppID) String() string { return string(a) }
func (a AppID) IsNil() bool    { return a == "" }

// MarshalText lets UUID-backed IDs appear as strings in JSON payloads.
func (id SessionID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *SessionID) UnmarshalText(b []byte) error {
	parsed, err := ParseSessionID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id NotificationID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *NotificationID) UnmarshalText(b []byte) error {
	parsed, err := ParseNotificationID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func ParseSessionID(s string) (SessionID, error) {
	u, err := parseUUID(s, "session ID")
	return SessionID(u), err
}

func ParseNotificationID(s string) (NotificationID, error) {
	u, err := parseUUID(s, "notification ID")
	return NotificationID(u), err
}

func ParseTenantID(s string) (TenantID, error) {
	v, err := parseOpaque(s, "tenant ID")
	return TenantID(v), err
}

func ParseUserKey(s string) (UserKey, error) {
	v, err := parseOpaque(s, "user key")
	return UserKey(v), err
}

func ParseAppID(s string) (AppID, error) {
	v, err := parseOpaque(s, "app ID")
	return AppID(v), err
}

// DeriveUserKey builds the user key from identity claims: subject scoped by tenant.
func DeriveUserKey(subject string, tenantID TenantID) (UserKey, error) {
	if strings.TrimSpace(subject) == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "subject is required")
	}
	if tenantID.IsNil() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "tenant ID is required")
	}
	return ParseUserKey(subject + "@" + tenantID.String())
}

func parseUUID(s, field string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, field+" is required")
	}
	if len(s) > 64 || !utf8.ValidString(s) {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+field)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+field)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, field+" cannot be nil")
	}
	return u, nil
}

// parseOpaque accepts printable identifiers issued by the identity provider or operators.
func parseOpaque(s, field string) (string, error) {
	if strings.TrimSpace(s) == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, field+" is required")
	}
	if len(s) > maxOpaqueIDLength || !utf8.ValidString(s) {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid "+field)
	}
	for _, r := range s {
		if unicode.IsControl(r) || unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return "", dErrors.New(dErrors.CodeInvalidInput, "invalid "+field)
		}
	}
	return s, nil
}
