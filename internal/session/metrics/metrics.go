package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the session registry.
type Metrics struct {
	SessionsCreated     prometheus.Counter
	SessionsRefused     prometheus.Counter
	SessionsInvalidated *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "signout_sessions_created_total",
			Help: "Sessions created",
		}),
		SessionsRefused: f.NewCounter(prometheus.CounterOpts{
			Name: "signout_sessions_refused_total",
			Help: "Session creations refused because the user already had an active session",
		}),
		SessionsInvalidated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signout_sessions_invalidated_total",
			Help: "Session invalidations by reason",
		}, []string{"reason"}), // reason: "local_sign_out", "external_notification"
	}
}

func (m *Metrics) IncrementCreated() {
	if m != nil {
		m.SessionsCreated.Inc()
	}
}

func (m *Metrics) IncrementRefused() {
	if m != nil {
		m.SessionsRefused.Inc()
	}
}

func (m *Metrics) IncrementInvalidated(reason string) {
	if m != nil {
		m.SessionsInvalidated.WithLabelValues(reason).Inc()
	}
}
