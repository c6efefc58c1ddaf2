package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "estimation_sessions_active",
		Help: "The current number of live estimation sessions.",
	})
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "estimation_sessions_created_total",
		Help: "The total number of estimation sessions created.",
	})
	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "estimation_sessions_closed_total",
		Help: "The total number of sessions closed, by outcome.",
	}, []string{"outcome"})

	// Round metrics
	VotesSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "estimation_votes_submitted_total",
		Help: "The total number of votes submitted (resubmissions included).",
	})
	Reveals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "estimation_reveals_total",
		Help: "The total number of reveal transitions.",
	})
	RoundsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "estimation_rounds_started_total",
		Help: "The total number of re-voting rounds started.",
	})

	// Fan-out metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "estimation_connections_active",
		Help: "The current number of subscribed websocket connections.",
	})
	EventsBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "estimation_events_broadcast_total",
		Help: "The total number of session events fanned out.",
	})
	SlowSubscribersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "estimation_slow_subscribers_dropped_total",
		Help: "The total number of subscribers dropped for not keeping up.",
	})

	// Collaborator metrics
	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "estimation_persist_failures_total",
		Help: "The total number of failed estimate hand-offs to the task service.",
	})
)
