// Package metrics exposes Prometheus instrumentation for the message
// and session pumps, grounded on this pack's own metricscollector
// package: GaugeVec/CounterVec built with prometheus.NewGaugeVec /
// prometheus.NewCounterVec under a fixed namespace, registered once and
// updated by label set.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace is the Prometheus metric namespace this module registers
// under.
const Namespace = "go_sbcore"

var entityLabel = []string{"entity_path"}

var (
	// InFlightDispatches tracks the message pump's current number of
	// in-flight dispatch goroutines, bounded by max_concurrent_calls.
	InFlightDispatches = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "pump",
			Name:      "in_flight_dispatches",
			Help:      "Current number of message-pump dispatch goroutines in flight.",
		},
		entityLabel,
	)
	// ActiveSessions tracks the session pump's current number of
	// actively-processed sessions, bounded by max_concurrent_sessions.
	ActiveSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "session_pump",
			Name:      "active_sessions",
			Help:      "Current number of sessions actively being processed.",
		},
		entityLabel,
	)
	// RenewalsTotal counts per-message and per-session lock renewals,
	// split by outcome.
	RenewalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pump",
			Name:      "renewals_total",
			Help:      "Total lock renewal attempts issued by a pump.",
		},
		[]string{"entity_path", "outcome"},
	)
	// SettlementsTotal counts settlement calls issued by a pump, split
	// by disposition.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pump",
			Name:      "settlements_total",
			Help:      "Total settlement calls issued by a pump, by disposition.",
		},
		[]string{"entity_path", "disposition"},
	)
	// ExceptionsTotal counts faults reported to the diagnostic sink, by
	// action tag.
	ExceptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pump",
			Name:      "exceptions_total",
			Help:      "Total faults reported through the diagnostic sink, by action.",
		},
		[]string{"entity_path", "action"},
	)
)

// MustRegister registers every collector in this package with reg. Call
// once per process; pass prometheus.DefaultRegisterer for the common
// case.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(InFlightDispatches, ActiveSessions, RenewalsTotal, SettlementsTotal, ExceptionsTotal)
}
