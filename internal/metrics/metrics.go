package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FeedState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "giftpulse_feed_state",
			Help: "Current feed connection state (0=disconnected, 1=connecting, 2=online, 3=offline)",
		},
	)

	FeedTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giftpulse_feed_transitions_total",
			Help: "Feed connection state transitions",
		},
		[]string{"from", "to"},
	)

	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giftpulse_events_total",
			Help: "Feed events received by kind",
		},
		[]string{"kind"}, // gift, viewers, member, ended
	)

	StreakTicksDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "giftpulse_streak_ticks_discarded_total",
			Help: "Intermediate streak ticks dropped before reduction",
		},
	)

	ReducedValue = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "giftpulse_reduced_value_total",
			Help: "Diamond value applied to the global counter",
		},
	)

	Observers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "giftpulse_observers",
			Help: "Currently attached observers",
		},
	)

	ObserverMessagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "giftpulse_observer_messages_dropped_total",
			Help: "Queued observer messages superseded before they were written",
		},
	)

	Broadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giftpulse_broadcasts_total",
			Help: "Messages fanned out to observers by type",
		},
		[]string{"type"},
	)

	RecorderJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giftpulse_recorder_jobs_total",
			Help: "Session recorder jobs by operation and result",
		},
		[]string{"op", "result"}, // result: ok, failed, rejected, dropped
	)

	RecorderBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "giftpulse_recorder_breaker_state",
			Help: "Recorder sink circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)
)
