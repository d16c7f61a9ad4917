package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the dispatcher's instrumentation. One Metrics value
// may be shared by several dispatchers; with a nil registerer the
// metrics exist but are not exported.
type Metrics struct {
	StreamsStarted   prometheus.Counter
	StreamsCompleted prometheus.Counter
	StreamsReset     prometheus.Counter
	StreamsActive    prometheus.Gauge
	ObserverEvents   *prometheus.CounterVec
	DroppedCalls     prometheus.Counter
	MetadataDropped  prometheus.Counter
}

// NewMetrics builds the metric set and registers it with reg. Pass nil
// to keep the metrics unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		StreamsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "streambridge", Subsystem: "dispatcher",
			Name: "streams_started_total",
			Help: "Streams successfully opened against the engine.",
		}),
		StreamsCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "streambridge", Subsystem: "dispatcher",
			Name: "streams_completed_total",
			Help: "Streams that closed normally in both directions.",
		}),
		StreamsReset: f.NewCounter(prometheus.CounterOpts{
			Namespace: "streambridge", Subsystem: "dispatcher",
			Name: "streams_reset_total",
			Help: "Streams torn down by reset, failure or shutdown.",
		}),
		StreamsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "streambridge", Subsystem: "dispatcher",
			Name: "streams_active",
			Help: "Streams currently live in the handle table.",
		}),
		ObserverEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streambridge", Subsystem: "dispatcher",
			Name: "observer_events_total",
			Help: "Events delivered to observers, by event type.",
		}, []string{"event"}),
		DroppedCalls: f.NewCounter(prometheus.CounterOpts{
			Namespace: "streambridge", Subsystem: "dispatcher",
			Name: "dropped_calls_total",
			Help: "Sends and resets dropped because the handle was unknown.",
		}),
		MetadataDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "streambridge", Subsystem: "dispatcher",
			Name: "metadata_dropped_total",
			Help: "Metadata blocks evicted from per-stream histories at the cap.",
		}),
	}
}
