// Package metrics holds the prometheus collectors shared by the gateway and the workers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "notifyhub"

var (
	Published = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "published_total",
		Help:      "Send requests handled by the gateway, by type and result.",
	}, []string{"type", "result"})

	Processed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "processed_total",
		Help:      "Messages processed by workers, by type and final status.",
	}, []string{"type", "status"})

	ProcessDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "process_duration_seconds",
		Help:      "Time spent handling one queue message.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"type"})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "breaker_state",
		Help:      "Circuit breaker state per dependency (0 closed, 1 half open, 2 open).",
	}, []string{"dependency"})

	QueueMessages = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_messages",
		Help:      "Ready messages per queue.",
	}, []string{"queue"})

	QueueConsumers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_consumers",
		Help:      "Consumers attached per queue.",
	}, []string{"queue"})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broker_reconnects_total",
		Help:      "Successful broker reconnections.",
	})
)
