package models

import (
	"time"

	signoutmodels "signout/internal/signout/models"
	id "signout/pkg/domain"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusApplied Status = "applied"
)

// IsTerminal reports whether an entry can be garbage collected.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusApplied
}

// TerminalStatuses lists the statuses eligible for purging.
var TerminalStatuses = []Status{StatusSent, StatusFailed, StatusApplied}

// Key identifies an entry. A notification is recorded at most once per direction.
type Key struct {
	Direction      Direction
	NotificationID id.NotificationID
}

// Entry records a notification this application applied (inbound) or
// originated (outbound). Only Status, Attempts and UpdatedAt change after insert.
type Entry struct {
	Direction    Direction                  `json:"direction"`
	Status       Status                     `json:"status"`
	Attempts     int                        `json:"attempts"`
	Notification signoutmodels.Notification `json:"notification"`
	RecordedAt   time.Time                  `json:"recorded_at"`
	UpdatedAt    time.Time                  `json:"updated_at"`
}

func (e *Entry) Key() Key {
	return Key{Direction: e.Direction, NotificationID: e.Notification.ID}
}

// NewOutbound builds the pending entry written before dispatch.
func NewOutbound(n signoutmodels.Notification, now time.Time) *Entry {
	return &Entry{
		Direction:    DirectionOutbound,
		Status:       StatusPending,
		Notification: n,
		RecordedAt:   now,
		UpdatedAt:    now,
	}
}

// NewApplied builds the inbound entry written after a notification is applied.
func NewApplied(n signoutmodels.Notification, now time.Time) *Entry {
	return &Entry{
		Direction:    DirectionInbound,
		Status:       StatusApplied,
		Notification: n,
		RecordedAt:   now,
		UpdatedAt:    now,
	}
}

func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}
