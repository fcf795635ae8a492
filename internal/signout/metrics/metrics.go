package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for received notifications.
const (
	OutcomeApplied        = "applied"
	OutcomeAlreadyApplied = "already_applied"
	OutcomeStale          = "stale"
	OutcomeUntrusted      = "untrusted"
	OutcomeMalformed      = "malformed"
	OutcomeError          = "error"
)

type Metrics struct {
	LocalSignOuts prometheus.Counter
	Notifications *prometheus.CounterVec
	NoticesShown  prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LocalSignOuts: f.NewCounter(prometheus.CounterOpts{
			Name: "signout_local_signouts_total",
			Help: "Local sign-outs that produced an outbound notification",
		}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signout_notifications_received_total",
			Help: "Inbound sign-out notifications by outcome",
		}, []string{"outcome"}),
		NoticesShown: f.NewCounter(prometheus.CounterOpts{
			Name: "signout_notices_shown_total",
			Help: "One-shot sign-out notices delivered to users",
		}),
	}
}

func (m *Metrics) IncrementLocalSignOut() {
	if m != nil {
		m.LocalSignOuts.Inc()
	}
}

func (m *Metrics) IncrementNotification(outcome string) {
	if m != nil {
		m.Notifications.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncrementNoticeShown() {
	if m != nil {
		m.NoticesShown.Inc()
	}
}
