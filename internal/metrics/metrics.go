// Package metrics exposes the server's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	WaitingUsers        prometheus.Gauge
	ActiveRooms         prometheus.Gauge
	MatchAttempts       prometheus.Counter
	MatchesFormed       *prometheus.CounterVec
	RelayForwarded      *prometheus.CounterVec
	RelayRejected       *prometheus.CounterVec
	InvariantViolations prometheus.Counter

	registry *prometheus.Registry
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		WaitingUsers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "studysync_waiting_users",
			Help: "Users currently in the waiting pool.",
		}),
		ActiveRooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "studysync_active_rooms",
			Help: "Rooms currently in the Active state.",
		}),
		MatchAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "studysync_match_attempts_total",
			Help: "Matcher invocations over pool snapshots.",
		}),
		MatchesFormed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "studysync_matches_formed_total",
			Help: "Committed matches by group size.",
		}, []string{"size"}),
		RelayForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "studysync_relay_forwarded_total",
			Help: "Negotiation messages forwarded, by type.",
		}, []string{"type"}),
		RelayRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "studysync_relay_rejected_total",
			Help: "Negotiation messages dropped, by reason.",
		}, []string{"reason"}),
		InvariantViolations: factory.NewCounter(prometheus.CounterOpts{
			Name: "studysync_invariant_violations_total",
			Help: "Internal invariant violations detected and degraded gracefully.",
		}),
		registry: reg,
	}
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
