package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the process-wide instrumentation surface. Counters double as
// the source for the connection_stats frame, so everything here must stay
// cheap to read.
type Metrics struct {
	Registry *prometheus.Registry

	counts   shadow
	dispatch dispatchShadow

	SessionsActive     prometheus.Gauge
	SessionsTotal      prometheus.Counter
	SessionsSuperseded prometheus.Counter

	MessagesSent       prometheus.Counter
	DroppedBackpress   prometheus.Counter
	RateLimitDropped   prometheus.Counter
	PermissionFiltered prometheus.Counter
	FilterErrors       prometheus.Counter

	EventsEmitted   *prometheus.CounterVec
	DispatchSeconds *prometheus.HistogramVec
	LaneDepth       *prometheus.GaugeVec

	ReplaysInFlight prometheus.Gauge
	ReplayEvents    prometheus.Counter

	HeartbeatLatency prometheus.Histogram
	WorkerRestarts   prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		dispatch: dispatchShadow{
			millis: make(map[string]float64),
			count:  make(map[string]uint64),
		},

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_sessions_active",
			Help: "Currently registered sessions.",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_sessions_total",
			Help: "Sessions accepted since start.",
		}),
		SessionsSuperseded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_sessions_superseded_total",
			Help: "Sessions evicted by a reconnect of the same identity.",
		}),

		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_messages_sent_total",
			Help: "Frames successfully enqueued to session outbound queues.",
		}),
		DroppedBackpress: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_dropped_by_backpressure_total",
			Help: "Frames dropped because a session outbound queue was full.",
		}),
		RateLimitDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_rate_limit_dropped_total",
			Help: "Envelopes rejected by per-session token buckets.",
		}),
		PermissionFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_permission_filtered_total",
			Help: "Envelopes withheld by the permission filter.",
		}),
		FilterErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_filter_errors_total",
			Help: "Filter stage panics recovered; event skipped for one session.",
		}),

		EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_events_emitted_total",
			Help: "Events accepted by the broadcaster.",
		}, []string{"type", "priority"}),
		DispatchSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fabric_dispatch_seconds",
			Help:    "Per-event dispatch latency by event type.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"type"}),
		LaneDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fabric_lane_depth",
			Help: "Pending events per priority lane.",
		}, []string{"lane"}),

		ReplaysInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_replays_in_flight",
			Help: "Replay jobs currently running.",
		}),
		ReplayEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_replay_events_total",
			Help: "Historical events re-emitted by replay jobs.",
		}),

		HeartbeatLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fabric_heartbeat_latency_seconds",
			Help:    "Ping to pong round trip per session heartbeat.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		WorkerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_dispatcher_restarts_total",
			Help: "Dispatcher workers restarted by the supervisor after a panic.",
		}),
	}

	reg.MustRegister(
		m.SessionsActive, m.SessionsTotal, m.SessionsSuperseded,
		m.MessagesSent, m.DroppedBackpress, m.RateLimitDropped,
		m.PermissionFiltered, m.FilterErrors,
		m.EventsEmitted, m.DispatchSeconds, m.LaneDepth,
		m.ReplaysInFlight, m.ReplayEvents,
		m.HeartbeatLatency, m.WorkerRestarts,
	)
	return m
}
