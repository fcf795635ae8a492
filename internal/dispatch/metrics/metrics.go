package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	AttemptDelivered = "delivered"
	AttemptFailed    = "failed"
	AttemptRejected  = "circuit_open"
)

type Metrics struct {
	Attempts        *prometheus.CounterVec
	Failures        *prometheus.CounterVec
	DeliveryLatency prometheus.Histogram
	CircuitOpen     *prometheus.GaugeVec
	Dropped         prometheus.Counter
	Swept           prometheus.Counter
	Purged          prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signout_dispatch_attempts_total",
			Help: "Delivery attempts to peer applications by outcome",
		}, []string{"peer", "outcome"}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signout_dispatch_failures_total",
			Help: "Deliveries that exhausted their attempts",
		}, []string{"peer"}),
		DeliveryLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "signout_dispatch_duration_seconds",
			Help:    "Time to deliver one notification to all recipients",
			Buckets: prometheus.DefBuckets,
		}),
		CircuitOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "signout_dispatch_circuit_open",
			Help: "1 while the circuit to a peer is open",
		}, []string{"peer"}),
		Dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "signout_dispatch_queue_dropped_total",
			Help: "Notifications left pending because the dispatch queue was full",
		}),
		Swept: f.NewCounter(prometheus.CounterOpts{
			Name: "signout_dispatch_swept_total",
			Help: "Pending notifications re-enqueued by the sweeper",
		}),
		Purged: f.NewCounter(prometheus.CounterOpts{
			Name: "signout_ledger_purged_total",
			Help: "Ledger entries removed after the retention period",
		}),
	}
}

func (m *Metrics) IncrementAttempt(peer, outcome string) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(peer, outcome).Inc()
}

func (m *Metrics) IncrementFailure(peer string) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(peer).Inc()
}

func (m *Metrics) ObserveDelivery(d time.Duration) {
	if m == nil {
		return
	}
	m.DeliveryLatency.Observe(d.Seconds())
}

func (m *Metrics) SetCircuitOpen(peer string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.CircuitOpen.WithLabelValues(peer).Set(v)
}

func (m *Metrics) IncrementDropped() {
	if m == nil {
		return
	}
	m.Dropped.Inc()
}

func (m *Metrics) AddSwept(n int) {
	if m == nil {
		return
	}
	m.Swept.Add(float64(n))
}

func (m *Metrics) AddPurged(n int) {
	if m == nil {
		return
	}
	m.Purged.Add(float64(n))
}
