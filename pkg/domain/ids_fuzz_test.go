//go:build go1.18

package domain

import (
	"testing"
	"unicode/utf8"
)

// FuzzParseNotificationID checks that parsing never panics on arbitrary input
// and always returns either a valid ID or an error.
func FuzzParseNotificationID(f *testing.F) {
	f.Add("")
	f.Add("550e8400-e29b-41d4-a716-446655440000")
	f.Add("00000000-0000-0000-0000-000000000000")
	f.Add("not-a-uuid")
	f.Add("'; DROP TABLE ledger;--")
	f.Add(string([]byte{0x00, 0x01, 0x02}))

	f.Fuzz(func(t *testing.T, input string) {
		id, err := ParseNotificationID(input)
		if err == nil {
			roundTrip, err2 := ParseNotificationID(id.String())
			if err2 != nil {
				t.Errorf("valid ID failed round-trip: %v", err2)
			}
			if roundTrip != id {
				t.Error("round-trip changed ID value")
			}
			if id.IsNil() {
				t.Error("nil ID was accepted")
			}
		}
		if !utf8.ValidString(input) && err == nil {
			t.Error("non-UTF8 input was accepted")
		}
	})
}

// FuzzParseTenantID checks that opaque identifiers never carry control characters.
func FuzzParseTenantID(f *testing.F) {
	f.Add("test-tenant-id")
	f.Add("")
	f.Add("tenant\nid")
	f.Add("\x7f")

	f.Fuzz(func(t *testing.T, input string) {
		id, err := ParseTenantID(input)
		if err != nil {
			return
		}
		if string(id) != input {
			t.Error("accepted tenant ID was modified")
		}
		for _, r := range input {
			if r < 0x20 || r == 0x7f {
				t.Errorf("control character accepted: %q", input)
			}
		}
	})
}
