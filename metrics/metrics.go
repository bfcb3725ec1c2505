// Package metrics exposes the pipeline's Prometheus instruments and mirrors
// the business counters to CloudWatch when that is enabled.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	aws_pkg "github.com/yashrajoria/tourism-payments/pkg/aws"
)

type Recorder struct {
	registry *prometheus.Registry
	cw       *aws_pkg.MetricsClient

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	webhooks        *prometheus.CounterVec
	events          *prometheus.CounterVec
	dispatchLatency prometheus.Histogram
	transitions     *prometheus.CounterVec
	reaped          *prometheus.CounterVec
	tokensSwept     prometheus.Counter
}

// New registers every instrument on a fresh registry. cw may be nil.
func New(cw *aws_pkg.MetricsClient) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		cw:       cw,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_webhooks_total",
			Help: "Webhook deliveries by provider and intake result",
		}, []string{"provider", "result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_events_dispatched_total",
			Help: "Dispatcher attempts by result (processed, failed, parked)",
		}, []string{"result"}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "payments_dispatch_duration_seconds",
			Help:    "Time spent processing one claimed event",
			Buckets: prometheus.DefBuckets,
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_order_transitions_total",
			Help: "Order ledger decisions by source and outcome",
		}, []string{"source", "outcome"}),
		reaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_orders_reaped_total",
			Help: "Orders cancelled by the reaper",
		}, []string{"reason"}),
		tokensSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payments_auth_tokens_swept_total",
			Help: "Expired or revoked auth tokens deleted",
		}),
	}
	r.registry.MustRegister(
		r.httpRequests, r.httpDuration, r.webhooks, r.events,
		r.dispatchLatency, r.transitions, r.reaped, r.tokensSwept,
	)
	return r
}

// Registry is exposed for tests.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func (r *Recorder) Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
}

// Middleware records request counts and latency per matched route.
func (r *Recorder) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		r.httpRequests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		r.httpDuration.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}

func (r *Recorder) WebhookReceived(provider, result string) {
	r.webhooks.WithLabelValues(provider, result).Inc()
	name := aws_pkg.MetricWebhooksReceived
	switch result {
	case "duplicate":
		name = aws_pkg.MetricWebhooksDuplicate
	case "rejected":
		name = aws_pkg.MetricWebhooksRejected
	}
	r.mirror(name, map[string]string{"Provider": provider})
}

func (r *Recorder) EventDispatched(result string, d time.Duration) {
	r.events.WithLabelValues(result).Inc()
	r.dispatchLatency.Observe(d.Seconds())
	switch result {
	case "processed":
		r.mirror(aws_pkg.MetricEventsProcessed, nil)
	case "parked":
		r.mirror(aws_pkg.MetricEventsParked, nil)
	default:
		r.mirror(aws_pkg.MetricEventsFailed, nil)
	}
}

func (r *Recorder) Transition(source, outcome string) {
	r.transitions.WithLabelValues(source, outcome).Inc()
	if outcome == "anomaly" {
		r.mirror(aws_pkg.MetricOrderAnomalies, map[string]string{"Source": source})
		return
	}
	r.mirror(aws_pkg.MetricOrderTransitions, map[string]string{"Source": source, "Outcome": outcome})
}

func (r *Recorder) OrderReaped(reason string) {
	r.reaped.WithLabelValues(reason).Inc()
	r.mirror(aws_pkg.MetricOrdersReaped, map[string]string{"Reason": reason})
}

func (r *Recorder) TokensSwept(n int64) {
	if n <= 0 {
		return
	}
	r.tokensSwept.Add(float64(n))
	if r.cw.IsEnabled() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = r.cw.RecordValue(ctx, aws_pkg.MetricAuthTokensSwept, float64(n), nil)
		}()
	}
}

// mirror pushes a count to CloudWatch off the caller's path.
func (r *Recorder) mirror(name string, dims map[string]string) {
	if !r.cw.IsEnabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.cw.RecordCount(ctx, name, dims)
	}()
}
