package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "grotto",
		Subsystem: "bridge",
		Name:      "sessions_active",
		Help:      "Number of open tunnel sessions.",
	})
	metricSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grotto",
		Subsystem: "bridge",
		Name:      "sessions_total",
		Help:      "Sessions that resolved a call, by RPC shape.",
	}, []string{"shape"})
	metricSessionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grotto",
		Subsystem: "bridge",
		Name:      "sessions_rejected_total",
		Help:      "Tunnels refused because the session limit was reached.",
	})
	metricFramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grotto",
		Subsystem: "bridge",
		Name:      "frames_received_total",
		Help:      "Inbound tunnel frames, by kind.",
	}, []string{"kind"})
	metricFramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grotto",
		Subsystem: "bridge",
		Name:      "frames_sent_total",
		Help:      "Outbound tunnel frames, by kind.",
	}, []string{"kind"})
	metricSessionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grotto",
		Subsystem: "bridge",
		Name:      "session_errors_total",
		Help:      "Error frames sent to clients, by error kind.",
	}, []string{"kind"})
	metricCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "grotto",
		Subsystem: "bridge",
		Name:      "call_duration_seconds",
		Help:      "Time from call start to session close, by RPC shape.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"shape"})
)
