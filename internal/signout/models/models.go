package models

import (
	"fmt"
	"time"

	id "signout/pkg/domain"
	dErrors "signout/pkg/domain-errors"
)

// Notification announces that a user signed out of the originating
// application. It is immutable once issued.
type Notification struct {
	ID              id.NotificationID `json:"notificationId"`
	TenantID        id.TenantID       `json:"tenantId"`
	UserKey         id.UserKey        `json:"userKey"`
	OriginatorAppID id.AppID          `json:"originatorAppId"`
	IssuedAt        time.Time         `json:"issuedAt"`
}

func NewNotification(tenantID id.TenantID, userKey id.UserKey, originator id.AppID, issuedAt time.Time) Notification {
	return Notification{
		ID:              id.NewNotificationID(),
		TenantID:        tenantID,
		UserKey:         userKey,
		OriginatorAppID: originator,
		IssuedAt:        issuedAt.UTC(),
	}
}

// Validate checks the shape of a notification received from a peer.
func (n Notification) Validate() error {
	switch {
	case n.ID.IsNil():
		return dErrors.New(dErrors.CodeValidation, "notificationId is required")
	case n.TenantID.IsNil():
		return dErrors.New(dErrors.CodeValidation, "tenantId is required")
	case n.UserKey.IsNil():
		return dErrors.New(dErrors.CodeValidation, "userKey is required")
	case n.OriginatorAppID.IsNil():
		return dErrors.New(dErrors.CodeValidation, "originatorAppId is required")
	case n.IssuedAt.IsZero():
		return dErrors.New(dErrors.CodeValidation, "issuedAt is required")
	}
	return nil
}

// RawNotification is the wire form before identifiers are parsed.
type RawNotification struct {
	NotificationID  string    `json:"notificationId"`
	TenantID        string    `json:"tenantId"`
	UserKey         string    `json:"userKey"`
	OriginatorAppID string    `json:"originatorAppId"`
	IssuedAt        time.Time `json:"issuedAt"`
}

// Parse validates every identifier and returns the typed notification.
func (r RawNotification) Parse() (Notification, error) {
	nid, err := id.ParseNotificationID(r.NotificationID)
	if err != nil {
		return Notification{}, err
	}
	tenantID, err := id.ParseTenantID(r.TenantID)
	if err != nil {
		return Notification{}, err
	}
	userKey, err := id.ParseUserKey(r.UserKey)
	if err != nil {
		return Notification{}, err
	}
	originator, err := id.ParseAppID(r.OriginatorAppID)
	if err != nil {
		return Notification{}, err
	}
	n := Notification{
		ID:              nid,
		TenantID:        tenantID,
		UserKey:         userKey,
		OriginatorAppID: originator,
		IssuedAt:        r.IssuedAt.UTC(),
	}
	return n, n.Validate()
}

func (n Notification) Raw() RawNotification {
	return RawNotification{
		NotificationID:  n.ID.String(),
		TenantID:        n.TenantID.String(),
		UserKey:         n.UserKey.String(),
		OriginatorAppID: n.OriginatorAppID.String(),
		IssuedAt:        n.IssuedAt,
	}
}

func (n Notification) String() string {
	return fmt.Sprintf("notification %s from %s", n.ID, n.OriginatorAppID)
}

// Descriptor is returned to the caller of a local sign-out.
type Descriptor struct {
	Notification        Notification
	InvalidatedSessions []id.SessionID
}

// ApplyOutcome distinguishes the first application of a notification from a replay.
type ApplyOutcome string

const (
	OutcomeApplied        ApplyOutcome = "applied"
	OutcomeAlreadyApplied ApplyOutcome = "already_applied"
)

type ApplyResult struct {
	Outcome             ApplyOutcome
	NotificationID      id.NotificationID
	InvalidatedSessions []id.SessionID
}

// AppEndpoint is a federation peer that receives notifications.
type AppEndpoint struct {
	AppID id.AppID
	URL   string
}
