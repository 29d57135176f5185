// Package metrics provides Prometheus instrumentation for the sync engine. It
// exposes counters for poll outcomes and user actions, gauges for running
// synchronizers and pending messages, and histograms for poll latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PollsTotal counts background polls by synchronizer and result:
	// "ok", "error" (swallowed) or "stale" (discarded by the sequence guard).
	PollsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchsync_polls_total",
		Help: "Total number of background polls",
	}, []string{"poller", "result"})

	// PollLatency records the round-trip time of a poll fetch in seconds.
	PollLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "matchsync_poll_latency_seconds",
		Help:    "Poll fetch latency in seconds",
		Buckets: []float64{.025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"poller"})

	// ActivePollers tracks the number of running pollers.
	ActivePollers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "matchsync_active_pollers",
		Help: "Current number of running pollers",
	}, []string{"poller"})

	// ActionsTotal counts user-initiated actions by action and result
	// ("ok", "rejected" for local validation, "failed" for remote errors).
	ActionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchsync_actions_total",
		Help: "Total number of user actions",
	}, []string{"action", "result"})

	// PendingMessages tracks optimistic messages not yet confirmed by a poll.
	PendingMessages = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matchsync_pending_messages",
		Help: "Current number of unconfirmed optimistic messages",
	})

	// GateTransitions counts access gate changes by the resulting gate.
	GateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchsync_gate_transitions_total",
		Help: "Total number of access gate transitions",
	}, []string{"gate"})

	// TypingSignals counts typing notifications: "sent", "suppressed" or "gated".
	TypingSignals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchsync_typing_signals_total",
		Help: "Total number of typing notifications",
	}, []string{"result"})

	// HostConnections tracks the current number of connected UI hosts.
	HostConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matchsync_host_connections",
		Help: "Current number of connected host bridge clients",
	})
)

func init() {
	prometheus.MustRegister(
		PollsTotal,
		PollLatency,
		ActivePollers,
		ActionsTotal,
		PendingMessages,
		GateTransitions,
		TypingSignals,
		HostConnections,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
