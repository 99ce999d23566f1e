package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	domain "github.com/listing-auditor/api/internal/domain"
)

const namespace = "listing_auditor"

// Recorder owns the Prometheus collectors for audits, rules and webhooks.
// Each Recorder has its own registry so tests can build as many as they like.
type Recorder struct {
	registry *prometheus.Registry

	audits        *prometheus.CounterVec
	auditDuration prometheus.Histogram
	rules         *prometheus.CounterVec
	storeWrites   *prometheus.CounterVec
	webhooks      *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// NewRecorder registers the collectors, plus the Go and process collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		audits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audits_total",
			Help:      "Completed audits by whether the product was changed.",
		}, []string{"changed"}),
		auditDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "audit_duration_seconds",
			Help:      "Wall time of one audit including generator and store calls.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		rules: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_outcomes_total",
			Help:      "Rule outcomes by rule, status and failure kind.",
		}, []string{"rule", "status", "failure"}),
		storeWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_writes_total",
			Help:      "Product store writes by operation and result.",
		}, []string{"operation", "result"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Inbound webhook deliveries by result.",
		}, []string{"result"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		}, []string{"method", "route", "status"}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.audits, r.auditDuration, r.rules, r.storeWrites, r.webhooks, r.httpDuration,
	)
	return r
}

// ObserveAudit records a finished audit.
func (r *Recorder) ObserveAudit(report domain.AuditReport) {
	changed := report.UpdateApplied || len(report.TagsAdded) > 0
	r.audits.WithLabelValues(strconv.FormatBool(changed)).Inc()
	r.auditDuration.Observe(report.Duration().Seconds())
	for _, outcome := range report.Outcomes {
		r.rules.WithLabelValues(outcome.Rule, string(outcome.Status), string(outcome.Failure)).Inc()
	}
	if !report.Update.IsEmpty() {
		r.storeWrites.WithLabelValues("update", writeResult(report.UpdateError)).Inc()
	}
	if len(report.Tags) > 0 {
		r.storeWrites.WithLabelValues("tags", writeResult(report.TagError)).Inc()
	}
}

// ObserveWebhook counts one delivery. result is a short label such as
// "accepted", "rejected" or "throttled".
func (r *Recorder) ObserveWebhook(result string) {
	r.webhooks.WithLabelValues(result).Inc()
}

// ObserveRequest records the latency of one HTTP request.
func (r *Recorder) ObserveRequest(method, route string, status int, d time.Duration) {
	r.httpDuration.WithLabelValues(method, route, classifyStatus(status)).Observe(d.Seconds())
}

// Middleware times every request, labelled by its chi route pattern so path
// parameters do not explode the label space.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, req)

		route := "unmatched"
		if rctx := chi.RouteContext(req.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		r.ObserveRequest(req.Method, route, status, time.Since(start))
	})
}

// Handler exposes the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func writeResult(errText string) string {
	if errText == "" {
		return "ok"
	}
	return "error"
}

func classifyStatus(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
