// Package metrics defines prometheus metric types for the DLEP core.
//
// When defining new operations or metrics, these are helpful values to track:
//   - things coming into or out of the system: messages, signals, sessions.
//   - the success or error status of any of the above.
//   - protocol liveness events: retransmits, heartbeats, terminations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PeerSessions tracks the number of live peer sessions.
	PeerSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dlep_peer_sessions",
			Help: "Number of live DLEP peer sessions",
		})

	// MessagesSent counts outbound session messages by name.
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlep_messages_sent_total",
			Help: "Outbound session messages",
		},
		[]string{"message"})

	// MessagesReceived counts inbound session messages by name.
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlep_messages_received_total",
			Help: "Inbound session messages",
		},
		[]string{"message"})

	// Retransmits counts retransmissions of messages whose responses
	// were overdue.
	Retransmits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dlep_retransmits_total",
			Help: "Messages retransmitted while waiting for a response",
		})

	// HeartbeatsSent counts outbound heartbeat signals.
	HeartbeatsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dlep_heartbeats_sent_total",
			Help: "Outbound heartbeat messages",
		})

	// Terminations counts session terminations by status name.
	Terminations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlep_terminations_total",
			Help: "Session terminations by status",
		},
		[]string{"status"})

	// DiscoverySignals counts discovery signals by direction.
	DiscoverySignals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlep_discovery_signals_total",
			Help: "Peer discovery signals sent and received",
		},
		[]string{"direction"})

	// DestAdverts counts destination advertisements by direction.
	DestAdverts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlep_dest_adverts_total",
			Help: "Destination advertisements sent and received",
		},
		[]string{"direction"})
)
