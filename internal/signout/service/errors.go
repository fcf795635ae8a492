package service

import dErrors "signout/pkg/domain-errors"

var (
	// ErrStaleNotification rejects notifications issued outside the skew window.
	ErrStaleNotification = dErrors.New(dErrors.CodeValidation, "notification is outside the accepted time window")

	// ErrUntrustedOriginator rejects notifications from applications outside
	// the tenant's trust set.
	ErrUntrustedOriginator = dErrors.New(dErrors.CodeForbidden, "notification originator is not trusted")
)
