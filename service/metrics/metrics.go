package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "careline_messages_submitted_total",
		Help: "Messages accepted and durably appended.",
	})
	MessagesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "careline_messages_rejected_total",
		Help: "Submits rejected, by error code.",
	}, []string{"code"})
	MessagesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "careline_messages_delivered_total",
		Help: "Live delivered frames pushed to sessions.",
	})
	MessagesReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "careline_messages_replayed_total",
		Help: "Messages streamed from backlog on reconnect.",
	})
	SessionsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "careline_sessions_live",
		Help: "Currently registered sessions.",
	})
	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "careline_sessions_closed_total",
		Help: "Session closes, by reason.",
	}, []string{"reason"})
	NotifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "careline_notify_failures_total",
		Help: "Offline notification publishes that failed (logged, not propagated).",
	})
	RelayPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "careline_relay_published_total",
		Help: "Delivered frames relayed to other gateways over NATS.",
	})
)
