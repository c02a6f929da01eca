// Package metrics exposes the prometheus collectors for the compliance engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aegisshield/guarddog/internal/models"
)

const namespace = "guarddog"

// Collector manages Prometheus metrics for the compliance engine. Each
// Collector owns its registry so several can coexist in tests.
type Collector struct {
	registry *prometheus.Registry

	scansTotal           *prometheus.CounterVec
	scanDuration         *prometheus.HistogramVec
	violationsTotal      *prometheus.CounterVec
	suppressedTotal      *prometheus.CounterVec
	alertsTotal          *prometheus.CounterVec
	classificationsTotal *prometheus.CounterVec
	incidentsTotal       *prometheus.CounterVec

	llmDecisionsTotal *prometheus.CounterVec

	callsTrackedTotal *prometheus.CounterVec
	anomaliesTotal    *prometheus.CounterVec

	notificationsTotal   *prometheus.CounterVec
	notificationDuration *prometheus.HistogramVec
	notificationsDropped *prometheus.CounterVec

	tasksExecuted *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec

	complianceScore  prometheus.Gauge
	catalogVersion   prometheus.Gauge
	websocketClients prometheus.Gauge

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewCollector creates and registers every metric
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,

		scansTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Total number of scans by payload kind and outcome",
		}, []string{"kind", "status"}),
		scanDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Time spent scanning, classifying and escalating a payload",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"kind"}),
		violationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "violations_escalated_total",
			Help:      "Violations handed to the escalation engine",
		}, []string{"type", "severity"}),
		suppressedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_suppressed_total",
			Help:      "Violations dropped by the dedup window",
		}, []string{"type"}),
		alertsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Total number of alerts created",
		}, []string{"severity"}),
		classificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifications_total",
			Help:      "Total number of data classifications recorded",
		}, []string{"risk_level"}),
		incidentsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_total",
			Help:      "Total number of incidents opened",
		}, []string{"severity"}),

		llmDecisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_gate_decisions_total",
			Help:      "LLM safety gate decisions by action",
		}, []string{"action"}),

		callsTrackedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_calls_tracked_total",
			Help:      "External API calls tracked by ingestion mode",
		}, []string{"tracked_via"}),
		anomaliesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracker_anomalies_total",
			Help:      "Usage anomalies flagged by the tracker",
		}, []string{"flag"}),

		notificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification delivery attempts by channel and status",
		}, []string{"channel", "kind", "status"}),
		notificationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "notification_duration_seconds",
			Help:      "Time taken to deliver a notification",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		notificationsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped before delivery",
		}, []string{"channel", "reason"}),

		tasksExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_tasks_executed_total",
			Help:      "Scheduled task executions by status",
		}, []string{"task", "status"}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_task_duration_seconds",
			Help:      "Duration of scheduled task executions",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"}),

		complianceScore: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "compliance_score",
			Help:      "Most recently computed compliance score",
		}),
		catalogVersion: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catalog_version",
			Help:      "Version of the active pattern catalog",
		}),
		websocketClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected dashboard clients",
		}),

		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Registry returns the registry backing this collector
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) ViolationEscalated(violationType string, severity models.Severity) {
	c.violationsTotal.WithLabelValues(violationType, string(severity)).Inc()
}

func (c *Collector) AlertCreated(severity models.Severity) {
	c.alertsTotal.WithLabelValues(string(severity)).Inc()
}

func (c *Collector) ClassificationCreated(riskLevel models.RiskLevel) {
	c.classificationsTotal.WithLabelValues(string(riskLevel)).Inc()
}

func (c *Collector) IncidentCreated(severity models.Severity) {
	c.incidentsTotal.WithLabelValues(string(severity)).Inc()
}

func (c *Collector) EscalationSuppressed(violationType string) {
	c.suppressedTotal.WithLabelValues(violationType).Inc()
}

func (c *Collector) NotificationSent(channel, kind string, d time.Duration) {
	c.notificationsTotal.WithLabelValues(channel, kind, "success").Inc()
	c.notificationDuration.WithLabelValues(channel).Observe(d.Seconds())
}

func (c *Collector) NotificationFailed(channel, kind string) {
	c.notificationsTotal.WithLabelValues(channel, kind, "error").Inc()
}

func (c *Collector) NotificationDropped(channel, reason string) {
	c.notificationsDropped.WithLabelValues(channel, reason).Inc()
}

// ScanCompleted records one scan request
func (c *Collector) ScanCompleted(kind string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.scansTotal.WithLabelValues(kind, status).Inc()
	c.scanDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (c *Collector) LLMDecision(action models.Action) {
	c.llmDecisionsTotal.WithLabelValues(string(action)).Inc()
}

func (c *Collector) CallTracked(via models.TrackedVia) {
	c.callsTrackedTotal.WithLabelValues(string(via)).Inc()
}

func (c *Collector) AnomalyFlagged(flag string) {
	c.anomaliesTotal.WithLabelValues(flag).Inc()
}

// TaskExecuted records a scheduler run
func (c *Collector) TaskExecuted(task string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.tasksExecuted.WithLabelValues(task, status).Inc()
	c.taskDuration.WithLabelValues(task).Observe(d.Seconds())
}

func (c *Collector) SetComplianceScore(score int) {
	c.complianceScore.Set(float64(score))
}

func (c *Collector) SetCatalogVersion(v int64) {
	c.catalogVersion.Set(float64(v))
}

func (c *Collector) SetWebsocketClients(n int) {
	c.websocketClients.Set(float64(n))
}

// GinMiddleware records request counts and latency per matched route
func (c *Collector) GinMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()

		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		c.httpRequestsTotal.WithLabelValues(ctx.Request.Method, route, strconv.Itoa(ctx.Writer.Status())).Inc()
		c.httpRequestDuration.WithLabelValues(ctx.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
