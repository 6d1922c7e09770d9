// Package metrics defines the Prometheus collectors exposed at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoomsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rulewire_rooms_created_total",
		Help: "Total number of rooms created",
	})

	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rulewire_rooms_active",
		Help: "Number of rooms currently held in the registry",
	})

	ParticipantsJoinedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rulewire_participants_joined_total",
		Help: "Total number of participant slots joined",
	})

	SessionsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rulewire_sessions_started_total",
		Help: "Total number of sessions started",
	})

	SessionsEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rulewire_sessions_ended_total",
		Help: "Total number of sessions finished, by outcome",
	}, []string{"outcome"})

	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rulewire_frames_total",
		Help: "Total number of channel frames processed, by direction and kind",
	}, []string{"direction", "kind"})

	ChannelFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rulewire_channel_failures_total",
		Help: "Total number of channels torn down by a fatal error, by reason",
	}, []string{"reason"})
)

// IncSessionEnded records a finished session with the given outcome
// ("ended" or "errored").
func IncSessionEnded(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	SessionsEndedTotal.WithLabelValues(outcome).Inc()
}

// IncFrame records one processed frame. Direction is "sent" or "received",
// kind is the frame type ("msg" or "ack").
func IncFrame(direction, kind string) {
	FramesTotal.WithLabelValues(direction, kind).Inc()
}

// IncChannelFailure records a fatal channel teardown.
func IncChannelFailure(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	ChannelFailuresTotal.WithLabelValues(reason).Inc()
}
