// Package metrics exposes pool and execution metrics in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gluk-w/fleetexec/internal/sshpool"
)

const namespace = "fleetexec"

// StatsSource returns a snapshot of per-host pool statistics.
type StatsSource func() map[string]sshpool.PoolStats

// Collector owns a private registry with the pool gauges, pool event counter
// and execution metrics.
type Collector struct {
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	poolEvents        *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewCollector creates the collector. Pool gauges are read from stats at
// scrape time, so they never lag behind the pools.
func NewCollector(stats StatsSource) *Collector {
	registry := prometheus.NewRegistry()

	mc := &Collector{
		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Commands executed, by host and outcome",
			},
			[]string{"host", "status"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Time from acquire to release for one command",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"host"},
		),
		poolEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_events_total",
				Help:      "Pool lifecycle events, by host and type",
			},
			[]string{"host", "type"},
		),
		registry: registry,
	}

	registry.MustRegister(
		mc.executionsTotal,
		mc.executionDuration,
		mc.poolEvents,
	)
	if stats != nil {
		registry.MustRegister(&poolCollector{stats: stats})
	}
	return mc
}

// ObserveExec implements executor.Observer.
func (mc *Collector) ObserveExec(host, kind string, elapsed time.Duration) {
	status := kind
	if status == "" {
		status = "ok"
	}
	mc.executionsTotal.WithLabelValues(host, status).Inc()
	mc.executionDuration.WithLabelValues(host).Observe(elapsed.Seconds())
}

// RecordEvent counts a pool event. It has the sshpool.EventListener signature.
func (mc *Collector) RecordEvent(ev sshpool.PoolEvent) {
	mc.poolEvents.WithLabelValues(ev.Host, string(ev.Type)).Inc()
}

// Registry returns the collector's registry.
func (mc *Collector) Registry() *prometheus.Registry {
	return mc.registry
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (mc *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

var (
	idleDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "idle_connections"),
		"Idle connections held by the pool", []string{"host"}, nil)
	onLoanDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "on_loan_connections"),
		"Connections lent out or being opened", []string{"host"}, nil)
	maxDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "max_connections"),
		"Configured connection limit", []string{"host"}, nil)
	waitingDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "waiting_acquires"),
		"Acquire calls blocked on capacity", []string{"host"}, nil)
	openedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "opened_total"),
		"Connections opened", []string{"host"}, nil)
	reusedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "reused_total"),
		"Acquires served by an idle connection", []string{"host"}, nil)
	discardedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "discarded_total"),
		"Connections discarded as dead", []string{"host"}, nil)
	exhaustedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "exhausted_total"),
		"Acquires that timed out waiting for capacity", []string{"host"}, nil)
)

// poolCollector turns a stats snapshot into const metrics on every scrape.
type poolCollector struct {
	stats StatsSource
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{idleDesc, onLoanDesc, maxDesc, waitingDesc, openedDesc, reusedDesc, discardedDesc, exhaustedDesc} {
		ch <- d
	}
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	for host, s := range c.stats() {
		ch <- prometheus.MustNewConstMetric(idleDesc, prometheus.GaugeValue, float64(s.Idle), host)
		ch <- prometheus.MustNewConstMetric(onLoanDesc, prometheus.GaugeValue, float64(s.OnLoan), host)
		ch <- prometheus.MustNewConstMetric(maxDesc, prometheus.GaugeValue, float64(s.Max), host)
		ch <- prometheus.MustNewConstMetric(waitingDesc, prometheus.GaugeValue, float64(s.Waiting), host)
		ch <- prometheus.MustNewConstMetric(openedDesc, prometheus.CounterValue, float64(s.Opened), host)
		ch <- prometheus.MustNewConstMetric(reusedDesc, prometheus.CounterValue, float64(s.Reused), host)
		ch <- prometheus.MustNewConstMetric(discardedDesc, prometheus.CounterValue, float64(s.Discarded), host)
		ch <- prometheus.MustNewConstMetric(exhaustedDesc, prometheus.CounterValue, float64(s.Exhausted), host)
	}
}
