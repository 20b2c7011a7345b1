package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "liveframe_connections_active",
		Help: "Number of currently registered websocket connections.",
	})
	ComponentsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "liveframe_components_active",
		Help: "Number of live component instances.",
	})
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "liveframe_rooms_active",
		Help: "Number of rooms with at least one member.",
	})
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liveframe_messages_total",
		Help: "Total websocket messages processed by type.",
	}, []string{"type"})
	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liveframe_actions_total",
		Help: "Total component action invocations by outcome.",
	}, []string{"outcome"})
	ActionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "liveframe_action_duration_seconds",
		Help:    "Duration of component action execution.",
		Buckets: prometheus.DefBuckets,
	})
	StateSignatures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liveframe_state_signatures_total",
		Help: "State envelope operations by kind (sign, valid, expired, tampered, replayed, key_rotated).",
	}, []string{"kind"})
	KeyRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liveframe_key_rotations_total",
		Help: "Total signing key rotations.",
	})
	RoomEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liveframe_room_events_total",
		Help: "Total room events emitted.",
	})
	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liveframe_uploads_total",
		Help: "Completed or rejected uploads by outcome.",
	}, []string{"outcome"})
	UploadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liveframe_upload_bytes_total",
		Help: "Total bytes accepted across completed uploads.",
	})
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liveframe_rate_limited_total",
		Help: "Messages rejected by the per-connection token bucket.",
	})
	OfflineQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liveframe_offline_queued_total",
		Help: "Messages queued for offline or unwritable peers.",
	})
	OfflineDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liveframe_offline_dropped_total",
		Help: "Queued messages evicted or rejected under back-pressure.",
	})
	AuthDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liveframe_auth_decisions_total",
		Help: "Authorization decisions by surface and outcome.",
	}, []string{"surface", "outcome"})
	HookRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liveframe_hook_runs_total",
		Help: "Hook dispatcher executions by outcome.",
	}, []string{"outcome"})
)
