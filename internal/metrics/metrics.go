// Package metrics 网关的 Prometheus 指标
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"netgate/pkg/model"
)

// Metrics 请求生命周期指标，实现 loader.Observer
type Metrics struct {
	registry *prometheus.Registry

	RequestsStarted  *prometheus.CounterVec
	RequestsFinished *prometheus.CounterVec
	Decisions        *prometheus.CounterVec
	InterceptorErrs  *prometheus.CounterVec
	LiveRequests     *prometheus.GaugeVec
	ResponseBytes    *prometheus.HistogramVec
	Attempts         *prometheus.HistogramVec
}

// New 使用独立 registry 创建指标
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		RequestsStarted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netgate_requests_started_total",
				Help: "Total number of requests accepted by the gateway",
			},
			[]string{"profile"},
		),
		RequestsFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netgate_requests_finished_total",
				Help: "Total number of requests completed, by result kind",
			},
			[]string{"profile", "result"},
		),
		Decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netgate_decisions_total",
				Help: "Access and interception decisions per attempt",
			},
			[]string{"profile", "decision"},
		),
		InterceptorErrs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netgate_interceptor_errors_total",
				Help: "Interceptor failures that degraded to allow",
			},
			[]string{"profile"},
		),
		LiveRequests: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "netgate_requests_live",
				Help: "Requests that have started but not completed",
			},
			[]string{"profile"},
		),
		ResponseBytes: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "netgate_response_bytes",
				Help:    "Response bytes delivered per request",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"profile"},
		),
		Attempts: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "netgate_request_attempts",
				Help:    "Attempts per request, redirects included",
				Buckets: []float64{1, 2, 3, 5, 10, 20},
			},
			[]string{"profile"},
		),
	}
}

// Observe 实现 loader.Observer
func (m *Metrics) Observe(ev model.Event) {
	p := string(ev.Profile)
	switch ev.Type {
	case model.EventStarted:
		m.RequestsStarted.WithLabelValues(p).Inc()
		m.LiveRequests.WithLabelValues(p).Inc()
	case model.EventDenied, model.EventBlocked, model.EventRedirected, model.EventForwarded, model.EventDegraded:
		m.Decisions.WithLabelValues(p, ev.Type).Inc()
	case model.EventInterceptorError:
		m.InterceptorErrs.WithLabelValues(p).Inc()
	case model.EventCompleted, model.EventFailed, model.EventAborted:
		m.RequestsFinished.WithLabelValues(p, ev.Result).Inc()
		if ev.Attempt > 0 {
			// 未进入过 restart 的请求没有 started 事件
			m.LiveRequests.WithLabelValues(p).Dec()
			m.Attempts.WithLabelValues(p).Observe(float64(ev.Attempt))
		}
		m.ResponseBytes.WithLabelValues(p).Observe(float64(ev.Bytes))
	}
}

// Registry 返回底层 registry
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
