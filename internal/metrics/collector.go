// Package metrics 提供订单执行引擎的 Prometheus 指标。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"order-engine/internal/order"
	"order-engine/internal/queue"
)

// Collector 持有独立的注册表，避免与全局默认注册表冲突。
type Collector struct {
	namespace string
	registry  *prometheus.Registry

	jobsFinished     *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	quoteLatency     *prometheus.HistogramVec
	quoteErrors      *prometheus.CounterVec
	statusTransition *prometheus.CounterVec
	venueSelected    *prometheus.CounterVec
}

// New 创建指标采集器。
func New(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		namespace: namespace,
		registry:  reg,
		jobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_finished_total",
			Help:      "Job executions by outcome (completed, retried, dead)",
		}, []string{"outcome"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Pipeline execution time per attempt",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 30},
		}, []string{"outcome"}),
		quoteLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "quote_latency_seconds",
			Help:      "Quote round-trip time per venue",
			Buckets:   []float64{0.05, 0.1, 0.2, 0.3, 0.5, 1, 2, 5},
		}, []string{"venue"}),
		quoteErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "quote_errors_total",
			Help:      "Failed quote requests per venue",
		}, []string{"venue"}),
		statusTransition: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "status_transitions_total",
			Help:      "Order status transitions by target status",
		}, []string{"status"}),
		venueSelected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "venue_selected_total",
			Help:      "Routing decisions by selected venue",
		}, []string{"venue"}),
	}
}

// RegisterQueue 以 GaugeFunc 暴露队列各桶的即时计数。
func (c *Collector) RegisterQueue(snapshot func() queue.Metrics) {
	factory := promauto.With(c.registry)
	buckets := map[string]func(queue.Metrics) int{
		"waiting":   func(m queue.Metrics) int { return m.Waiting },
		"active":    func(m queue.Metrics) int { return m.Active },
		"completed": func(m queue.Metrics) int { return m.Completed },
		"failed":    func(m queue.Metrics) int { return m.Failed },
		"delayed":   func(m queue.Metrics) int { return m.Delayed },
	}
	for bucket, pick := range buckets {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   c.namespace,
			Subsystem:   "queue",
			Name:        "jobs",
			Help:        "Jobs currently in each queue bucket",
			ConstLabels: prometheus.Labels{"bucket": bucket},
		}, func() float64 { return float64(pick(snapshot())) })
	}
}

// JobFinished 实现 queue.Observer。
func (c *Collector) JobFinished(outcome queue.Outcome, _ int, elapsed time.Duration) {
	c.jobsFinished.WithLabelValues(string(outcome)).Inc()
	c.jobDuration.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
}

// QuoteObserved 实现 routing.QuoteObserver。
func (c *Collector) QuoteObserved(venue string, elapsed time.Duration, err error) {
	if err != nil {
		c.quoteErrors.WithLabelValues(venue).Inc()
		return
	}
	c.quoteLatency.WithLabelValues(venue).Observe(elapsed.Seconds())
}

// StatusChanged 记录一次状态迁移。
func (c *Collector) StatusChanged(status order.Status) {
	c.statusTransition.WithLabelValues(string(status)).Inc()
}

// VenueSelected 记录一次路由选择。
func (c *Collector) VenueSelected(venue string) {
	c.venueSelected.WithLabelValues(venue).Inc()
}

// Handler 返回 /metrics 处理器。
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry 返回底层注册表。
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
