// Package metrics exposes the gateway's prometheus instruments.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics records RPC activity and reaper behaviour.
type GatewayMetrics struct {
	requests        *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	cachedChannels  prometheus.Gauge
	cacheEvictions  prometheus.Counter
	proposalsPurged prometheus.Counter
}

var (
	gatewayOnce sync.Once
	gatewayReg  *GatewayMetrics
)

// Gateway returns the lazily-initialised gateway metrics registry.
func Gateway() *GatewayMetrics {
	gatewayOnce.Do(func() {
		gatewayReg = &GatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bwgateway",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "bwgateway",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			cachedChannels: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "bwgateway",
				Subsystem: "whitelist",
				Name:      "cached_channels",
				Help:      "Channels currently held in the TTL cache.",
			}),
			cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "bwgateway",
				Subsystem: "whitelist",
				Name:      "cache_evictions_total",
				Help:      "Channels evicted by TTL sweeps.",
			}),
			proposalsPurged: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "bwgateway",
				Subsystem: "proposals",
				Name:      "purged_total",
				Help:      "Expired proposals deleted by the reaper.",
			}),
		}
		prometheus.MustRegister(
			gatewayReg.requests,
			gatewayReg.latency,
			gatewayReg.cachedChannels,
			gatewayReg.cacheEvictions,
			gatewayReg.proposalsPurged,
		)
	})
	return gatewayReg
}

// ObserveRequest records one handled RPC call.
func (m *GatewayMetrics) ObserveRequest(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(elapsed.Seconds())
}

// RecordSweep records one TTL sweep result.
func (m *GatewayMetrics) RecordSweep(evicted, remaining int) {
	if m == nil {
		return
	}
	m.cacheEvictions.Add(float64(evicted))
	m.cachedChannels.Set(float64(remaining))
}

// RecordPurge records one proposal purge result.
func (m *GatewayMetrics) RecordPurge(purged int64) {
	if m == nil {
		return
	}
	m.proposalsPurged.Add(float64(purged))
}
