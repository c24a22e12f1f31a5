package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标。每个实例使用独立的注册表。
// 所有 Record 方法允许 nil 接收者，未启用监控时直接忽略。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 业务指标
	SubmissionsTotal   *prometheus.CounterVec
	DeliveriesTotal    *prometheus.CounterVec
	DeliveryDuration   *prometheus.HistogramVec
	ConfirmationsTotal *prometheus.CounterVec

	// 限流与错误
	RateLimitBlocks *prometheus.CounterVec
	PanicsTotal     prometheus.Counter
}

// NewMetrics 创建监控指标
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formrelay_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "formrelay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		SubmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formrelay_submissions_total",
				Help: "Form submissions by processing outcome",
			},
			[]string{"outcome"},
		),
		DeliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formrelay_deliveries_total",
				Help: "Outbound emails by kind and result",
			},
			[]string{"kind", "result"},
		),
		DeliveryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "formrelay_delivery_duration_seconds",
				Help:    "Time spent talking to the SMTP relay",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"kind"},
		),
		ConfirmationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formrelay_confirmations_total",
				Help: "Confirmation link visits by result",
			},
			[]string{"result"},
		),

		RateLimitBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formrelay_rate_limit_blocks_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"limiter"},
		),
		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "formrelay_panics_total",
				Help: "Recovered panics",
			},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordSubmission 记录提交处理结果
func (m *Metrics) RecordSubmission(outcome string) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(outcome).Inc()
}

// RecordDelivery 记录一次投递
func (m *Metrics) RecordDelivery(kind, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(kind, result).Inc()
	if duration > 0 {
		m.DeliveryDuration.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

// RecordConfirmation 记录确认链接访问
func (m *Metrics) RecordConfirmation(result string) {
	if m == nil {
		return
	}
	m.ConfirmationsTotal.WithLabelValues(result).Inc()
}

// RecordRateLimitBlock 记录限流阻止
func (m *Metrics) RecordRateLimitBlock(limiter string) {
	if m == nil {
		return
	}
	m.RateLimitBlocks.WithLabelValues(limiter).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// Registry 返回底层注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
