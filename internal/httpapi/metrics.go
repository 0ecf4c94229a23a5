package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BuildInfo is set by the binary with its version labels.
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trivianft_build_info",
		Help: "Build information.",
	}, []string{"version", "commit", "date"})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trivianft_http_requests_total",
		Help: "Number of HTTP requests served.",
	}, []string{"method"})
)
