package observer

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"codejudge/internal/judge/verdict"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "judge"

// Prometheus is a MetricsSink backed by a dedicated registry.
type Prometheus struct {
	registry *prometheus.Registry

	admitted    *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	executions  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	infraFails  *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	rateLimited *prometheus.CounterVec
	queueDepth  prometheus.Gauge
	active      prometheus.Gauge
}

func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		admitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admitted_total",
			Help:      "Submissions accepted into the executor.",
		}, []string{"language"}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_total",
			Help:      "Submissions refused because the executor was full.",
		}, []string{"language"}),
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Completed executions by verdict.",
		}, []string{"language", "verdict"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_ms",
			Help:      "Sandbox wall time per execution in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 25000},
		}, []string{"language"}),
		infraFails: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "infrastructure_failures_total",
			Help:      "Executions that failed for sandbox or staging reasons.",
		}, []string{"language"}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Asynchronous result deliveries by outcome.",
		}, []string{"mode", "ok"}),
		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}, []string{"route"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Admitted submissions waiting for a slot.",
		}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Slots currently running a submission.",
		}),
	}
}

// Handler serves the registry in the text exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *Prometheus) ObserveAdmitted(_ context.Context, language string) {
	p.admitted.WithLabelValues(language).Inc()
}

func (p *Prometheus) ObserveRejected(_ context.Context, language string) {
	p.rejected.WithLabelValues(language).Inc()
}

func (p *Prometheus) ObserveLoad(running, queued int) {
	p.active.Set(float64(running))
	p.queueDepth.Set(float64(queued))
}

func (p *Prometheus) ObserveCompleted(_ context.Context, language string, v verdict.Verdict, elapsed time.Duration) {
	p.executions.WithLabelValues(language, string(v)).Inc()
	p.duration.WithLabelValues(language).Observe(float64(elapsed.Milliseconds()))
}

func (p *Prometheus) ObserveInfrastructureFailure(_ context.Context, language string) {
	p.infraFails.WithLabelValues(language).Inc()
}

func (p *Prometheus) ObserveDelivery(_ context.Context, mode string, ok bool) {
	p.deliveries.WithLabelValues(mode, strconv.FormatBool(ok)).Inc()
}

func (p *Prometheus) ObserveRateLimited(_ context.Context, route string) {
	p.rateLimited.WithLabelValues(route).Inc()
}
