package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	OutboxTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incbus_outbox_transitions_total",
			Help: "Outbox row outcomes per relay attempt",
		},
		[]string{"result", "routing_key"}, // published|retry|failed|poison
	)

	PublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incbus_publish_total",
			Help: "Broker publish attempts by result",
		},
		[]string{"result"}, // ok|error|breaker_open
	)

	ConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incbus_consumed_total",
			Help: "Consumer message outcomes",
		},
		[]string{"outcome", "event_type"}, // handled|malformed|unhandled|requeued|dead_lettered
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "incbus_handler_duration_seconds",
			Help:    "Handler latency by event type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event_type"},
	)

	MirrorFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "incbus_mirror_failures_total",
			Help: "Kafka mirror write failures",
		},
	)

	ArchivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "incbus_outbox_archived_total",
			Help: "Outbox rows copied to the archive store",
		},
	)
)

var registerOnce sync.Once

// MustRegister registers every collector once; later calls are no-ops so the
// admin server and workers can share a process.
func MustRegister(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(
			OutboxTransitions,
			PublishTotal,
			ConsumedTotal,
			HandlerDuration,
			MirrorFailures,
			ArchivedTotal,
		)
	})
}
