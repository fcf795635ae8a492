package dispatch

import (
	"signout/internal/signout/models"
	id "signout/pkg/domain"
)

// RecipientResult is the delivery outcome for one peer.
type RecipientResult struct {
	Recipient models.AppEndpoint
	Delivered bool
	Attempts  int
	Err       error
}

// Report summarises one dispatch. Recipients are independent; one failure
// does not affect the others.
type Report struct {
	NotificationID id.NotificationID
	Results        []RecipientResult
}

func (r Report) AllDelivered() bool {
	for _, res := range r.Results {
		if !res.Delivered {
			return false
		}
	}
	return true
}

// Attempts is the total across recipients.
func (r Report) Attempts() int {
	n := 0
	for _, res := range r.Results {
		n += res.Attempts
	}
	return n
}

func (r Report) Failures() []RecipientResult {
	var out []RecipientResult
	for _, res := range r.Results {
		if !res.Delivered {
			out = append(out, res)
		}
	}
	return out
}

// Failure is handed to the operator channel once a recipient exhausts its attempts.
type Failure struct {
	Notification models.Notification
	Recipient    models.AppEndpoint
	Attempts     int
	Err          error
}
