package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "barterhub_ws_connections_active",
			Help: "Currently open websocket connections",
		},
	)

	handshakeRejects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "barterhub_ws_handshake_rejects_total",
			Help: "Websocket handshakes refused before upgrade",
		},
		[]string{"reason"}, // "origin", "unauthorized", "subprotocol"
	)

	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "barterhub_ws_events_total",
			Help: "Client events processed by type",
		},
		[]string{"type"},
	)

	messagesPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "barterhub_messages_persisted_total",
			Help: "Messages durably stored by the pipeline",
		},
	)

	broadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "barterhub_broadcasts_total",
			Help: "Room broadcasts by room kind",
		},
		[]string{"kind"}, // "conversation" or "user"
	)

	denialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "barterhub_denials_total",
			Help: "Requests denied without detail by operation",
		},
		[]string{"op"},
	)
)
