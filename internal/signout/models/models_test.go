package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "signout/pkg/domain"
	dErrors "signout/pkg/domain-errors"
)

func TestRawNotificationParse(t *testing.T) {
	issued := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	valid := NewNotification("tenant-t", "user-u@tenant-t", "app-a", issued).Raw()

	t.Run("round trips a valid notification", func(t *testing.T) {
		n, err := valid.Parse()
		require.NoError(t, err)
		assert.Equal(t, id.TenantID("tenant-t"), n.TenantID)
		assert.Equal(t, id.AppID("app-a"), n.OriginatorAppID)
		assert.Equal(t, issued, n.IssuedAt)
	})

	cases := map[string]func(r *RawNotification){
		"nil notification id": func(r *RawNotification) { r.NotificationID = "00000000-0000-0000-0000-000000000000" },
		"bad notification id": func(r *RawNotification) { r.NotificationID = "not-a-uuid" },
		"missing tenant":      func(r *RawNotification) { r.TenantID = "" },
		"missing user key":    func(r *RawNotification) { r.UserKey = " " },
		"missing originator":  func(r *RawNotification) { r.OriginatorAppID = "" },
		"missing issued at":   func(r *RawNotification) { r.IssuedAt = time.Time{} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			raw := valid
			mutate(&raw)
			_, err := raw.Parse()
			require.Error(t, err)
			assert.True(t,
				dErrors.HasCode(err, dErrors.CodeValidation) || dErrors.HasCode(err, dErrors.CodeInvalidInput),
				"expected a validation code, got %v", err)
		})
	}
}

func TestNewNotificationNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	n := NewNotification("t", "u", "a", time.Date(2026, 1, 1, 12, 0, 0, 0, loc))
	assert.Equal(t, time.UTC, n.IssuedAt.Location())
	assert.False(t, n.ID.IsNil())
}
