package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricNamespace = "peerlink"

var (
	roomsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricNamespace,
		Subsystem: "coordinator",
		Name:      "rooms",
		Help:      "The number of live rooms.",
	})
	membersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricNamespace,
		Subsystem: "coordinator",
		Name:      "members",
		Help:      "The number of connected members.",
	})
	joinsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricNamespace,
		Subsystem: "coordinator",
		Name:      "joins_total",
		Help:      "Room joins by result.",
	}, []string{"result"})
	relayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricNamespace,
		Subsystem: "coordinator",
		Name:      "relayed_total",
		Help:      "Relayed negotiation messages by kind.",
	}, []string{"kind"})
	droppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricNamespace,
		Subsystem: "coordinator",
		Name:      "dropped_total",
		Help:      "Dropped relay messages by kind.",
	}, []string{"kind"})
)
