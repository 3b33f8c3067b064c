// Package metrics はゲートウェイのPrometheusメトリクスを定義する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "edgegate"

// Metrics はゲートウェイが公開するメトリクスの集合。
// インスタンスごとに専用のレジストリを持つ。
type Metrics struct {
	registry *prometheus.Registry

	// RequestsTotal は判定結果ごとのリクエスト数。
	RequestsTotal *prometheus.CounterVec
	// UpstreamDuration は上流への転送にかかった時間。
	UpstreamDuration prometheus.Histogram
	// RateLimitEvictions は上限超過で追い出されたバケット数。
	RateLimitEvictions prometheus.Counter
	// StatsDropped はバッファ満杯で捨てた統計イベント数。
	StatsDropped prometheus.Counter
}

// New はメトリクスを生成して登録する。
// identities は現在追跡しているID数を返す関数で、nilなら0を報告する。
func New(identities func() float64) *Metrics {
	if identities == nil {
		identities = func() float64 { return 0 }
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of gateway requests by outcome",
			},
			[]string{"outcome"},
		),
		UpstreamDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_duration_seconds",
				Help:      "Latency of forwarded upstream requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		RateLimitEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_evictions_total",
				Help:      "Total number of rate limit buckets evicted by the identity cap",
			},
		),
		StatsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stats_dropped_total",
				Help:      "Total number of statistics events dropped because the buffer was full",
			},
		),
	}

	m.registry.MustRegister(
		m.RequestsTotal,
		m.UpstreamDuration,
		m.RateLimitEvictions,
		m.StatsDropped,
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rate_limit_identities",
				Help:      "Number of identities currently holding a rate limit bucket",
			},
			identities,
		),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveRequest は判定結果を1件数える。
func (m *Metrics) ObserveRequest(outcome string) {
	m.RequestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveUpstream は上流への転送時間を記録する。
func (m *Metrics) ObserveUpstream(d time.Duration) {
	m.UpstreamDuration.Observe(d.Seconds())
}

// Registry はメトリクスのレジストリを返す。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler は/metrics用のHTTPハンドラを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
