package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of active websocket connections",
	})
	FanoutSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_fanout_subscribers",
		Help: "Current number of room subscriptions across all rooms",
	})
	FanoutEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_fanout_events_total",
		Help: "Events fanned out to room subscribers, by event type",
	}, []string{"type"})
	FanoutDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_fanout_dropped_total",
		Help: "Subscribers dropped because their queue was full",
	})
	MessagesPostedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_posted_total",
		Help: "Message post attempts by outcome",
	}, []string{"result"})
	ReactionTogglesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_reaction_toggles_total",
		Help: "Reaction toggles by resulting action",
	}, []string{"action"})
	InvitesRedeemedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_invites_redeemed_total",
		Help: "Invite redemptions by outcome",
	}, []string{"result"})
	ThrottledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_throttled_total",
		Help: "Requests rejected by the per-IP rate limiter, by route",
	}, []string{"route"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections, FanoutSubscribers, FanoutEventsTotal, FanoutDropped,
		MessagesPostedTotal, ReactionTogglesTotal, InvitesRedeemedTotal,
		ThrottledTotal, HttpRequestsTotal, HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
