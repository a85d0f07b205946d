// Package metrics defines the prometheus collectors of the collaboration
// engine. Collectors created with a nil registerer are usable but unexported,
// which is what tests and embedded callers get.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "larptable"

type Metrics struct {
	HeartbeatWrites   *prometheus.CounterVec
	HeartbeatFailures prometheus.Counter
	ActiveHeartbeats  prometheus.Gauge
	PresenceEvents    *prometheus.CounterVec
	SubscriberPanics  prometheus.Counter
	OpenSessions      prometheus.Gauge
	LockOperations    *prometheus.CounterVec
	StoreSweeps       *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HeartbeatWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "writes_total",
			Help:      "Presence heartbeat write attempts by result.",
		}, []string{"result"}),
		HeartbeatFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "failures_total",
			Help:      "Heartbeats that exhausted their retries.",
		}),
		ActiveHeartbeats: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "active",
			Help:      "Running heartbeat loops.",
		}),
		PresenceEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "events_total",
			Help:      "Presence events derived from snapshots, by type.",
		}, []string{"type"}),
		SubscriberPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "subscriber_panics_total",
			Help:      "Subscriber handlers that panicked during dispatch.",
		}),
		OpenSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "collab",
			Name:      "open_sessions",
			Help:      "Collaboration sessions attached to a namespace.",
		}),
		LockOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "locks",
			Name:      "operations_total",
			Help:      "Cell lock operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		StoreSweeps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "disconnect_cleanups_total",
			Help:      "Disconnect cleanups applied by the remote store sweeper, by backend.",
		}, []string{"backend"}),
	}
}

// OrNew returns m, or a fresh unregistered set when m is nil.
func OrNew(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return New(nil)
}
