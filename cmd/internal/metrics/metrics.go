// Package metrics defines the Prometheus collectors exported by Tether.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tether"

// Cascade results.
const (
	ResultProcessed = "processed"
	ResultDuplicate = "duplicate"
	ResultFailed    = "failed"
	ResultExhausted = "exhausted"
	ResultInvalid   = "invalid"
)

// Metrics groups every collector. The zero value is not usable; use New or Discard.
type Metrics struct {
	registry *prometheus.Registry

	SessionsCreated     prometheus.Counter
	SessionsRejected    prometheus.Counter
	SessionsInvalidated *prometheus.CounterVec
	SessionsExpired     prometheus.Counter
	IndexWriteRetries   prometheus.Counter

	CascadeEvents    *prometheus.CounterVec
	CascadeExhausted prometheus.Counter
	CascadeSessions  prometheus.Histogram
	CascadeDuration  prometheus.Histogram

	ReconcileSweeps  *prometheus.CounterVec
	ReconcileHealed  prometheus.Counter
	TombstonesActive prometheus.Gauge

	AccountsDeleted prometheus.Counter

	GatewayConnections      prometheus.Gauge
	GatewayInvalidatedClose prometheus.Counter
}

// New builds collectors on a fresh registry that also carries the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return newOn(reg)
}

// Discard builds collectors on a private registry with nothing else registered.
// Used by tests and by components constructed without metrics.
func Discard() *Metrics {
	return newOn(prometheus.NewRegistry())
}

func newOn(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,

		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "created_total",
			Help: "Sessions created and acknowledged to the caller.",
		}),
		SessionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "rejected_account_gone_total",
			Help: "Session creations rejected because the account has a live deletion tombstone.",
		}),
		SessionsInvalidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "invalidated_total",
			Help: "Session state transitions to Invalidated, by reason.",
		}, []string{"reason"}),
		SessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "expired_total",
			Help: "Session state transitions to Expired.",
		}),
		IndexWriteRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "index_write_retries_total",
			Help: "Retried index membership writes during session creation.",
		}),

		CascadeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cascade", Name: "events_total",
			Help: "account.deleted deliveries handled, by result.",
		}, []string{"result"}),
		CascadeExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cascade", Name: "exhausted_total",
			Help: "Deliveries left unacknowledged after exhausting in-handler retries.",
		}),
		CascadeSessions: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "cascade", Name: "sessions_invalidated",
			Help:    "Sessions transitioned per processed account.deleted event.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		}),
		CascadeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "cascade", Name: "duration_seconds",
			Help:    "Time spent handling one account.deleted delivery.",
			Buckets: prometheus.DefBuckets,
		}),

		ReconcileSweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconcile", Name: "sweeps_total",
			Help: "Background reconciliation sweeps, by result.",
		}, []string{"result"}),
		ReconcileHealed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconcile", Name: "sessions_healed_total",
			Help: "Sessions invalidated by the sweep rather than by the cascade.",
		}),
		TombstonesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "reconcile", Name: "tombstones_active",
			Help: "Live deletion tombstones seen by the last sweep.",
		}),

		AccountsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "account", Name: "deleted_total",
			Help: "Accounts transitioned to deleted.",
		}),

		GatewayConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "connections",
			Help: "Open realtime connections.",
		}),
		GatewayInvalidatedClose: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "invalidated_closes_total",
			Help: "Connections closed because their session was invalidated.",
		}),
	}

	reg.MustRegister(
		m.SessionsCreated,
		m.SessionsRejected,
		m.SessionsInvalidated,
		m.SessionsExpired,
		m.IndexWriteRetries,
		m.CascadeEvents,
		m.CascadeExhausted,
		m.CascadeSessions,
		m.CascadeDuration,
		m.ReconcileSweeps,
		m.ReconcileHealed,
		m.TombstonesActive,
		m.AccountsDeleted,
		m.GatewayConnections,
		m.GatewayInvalidatedClose,
	)
	return m
}

// Registry exposes the underlying registry (for tests and extra collectors).
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
