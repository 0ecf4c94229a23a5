package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trivianft_sessions_started_total",
		Help: "Number of sessions started.",
	})

	sessionsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trivianft_sessions_completed_total",
		Help: "Number of sessions completed, by terminal status.",
	}, []string{"status"})
)
