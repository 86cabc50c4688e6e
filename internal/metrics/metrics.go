// Package metrics exposes the pipeline's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReadingsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arclight_readings_ingested_total",
		Help: "Telemetry readings accepted by the ingest endpoint.",
	})

	ProposalsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arclight_proposals_emitted_total",
		Help: "Capsule proposals emitted by the rule engine.",
	})

	ProposalsDecided = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arclight_proposals_decided_total",
		Help: "Consensus outcomes by result.",
	}, []string{"result"})

	ConsensusPCT = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arclight_consensus_pct",
		Help:    "Agreement score distribution for decided proposals.",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})

	CapsulesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arclight_capsules_created_total",
		Help: "Capsules created, by priority.",
	}, []string{"priority"})

	CapsuleActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arclight_capsule_actions_total",
		Help: "Lifecycle actions applied to capsules.",
	}, []string{"action"})

	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arclight_gateway_clients",
		Help: "Currently connected WebSocket clients.",
	})

	MessagesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arclight_gateway_messages_total",
		Help: "Gateway messages delivered, by channel.",
	}, []string{"channel"})

	SlowConsumerDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arclight_gateway_slow_consumer_drops_total",
		Help: "Connections dropped for failing to keep up with delivery.",
	})

	ResyncsRequired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arclight_gateway_resyncs_total",
		Help: "Reconnects whose gap could not be replayed from the offline queue.",
	})

	PushNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arclight_push_notifications_total",
		Help: "Push escalations attempted, by outcome.",
	}, []string{"outcome"})

	PredictorReliability = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arclight_predictor_reliability",
		Help: "Running reliability score per predictor.",
	}, []string{"predictor"})
)
