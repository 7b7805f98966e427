// Package metrics collects runtime-cache and batching metrics. It is
// internal and not part of the public module surface.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector aggregates the Prometheus instruments used by the runtime
// cache and the message batcher.
type Collector struct {
	cacheHits    *prometheus.CounterVec
	cacheMisses  *prometheus.CounterVec
	cacheEvicted *prometheus.CounterVec
	cacheSize    prometheus.Gauge
	initDuration prometheus.Histogram

	batchesSent      *prometheus.CounterVec
	batchMessages    *prometheus.CounterVec
	batchRetries     prometheus.Counter
	batchDropped     prometheus.Counter
	compressionSaved prometheus.Counter
}

// NewCollector registers the instruments on reg. A nil registerer falls
// back to the default one.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		cacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runtime_cache_hits_total",
			Help:      "Runtime cache lookups served from the cache",
		}, []string{"protocol"}),
		cacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runtime_cache_misses_total",
			Help:      "Runtime cache lookups that created a runtime",
		}, []string{"protocol"}),
		cacheEvicted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runtime_cache_evictions_total",
			Help:      "Runtimes evicted from the cache",
		}, []string{"reason"}),
		cacheSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runtime_cache_size",
			Help:      "Runtimes currently cached",
		}),
		initDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "runtime_init_duration_seconds",
			Help:      "Runtime creation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		batchesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_sent_total",
			Help:      "Batches sent, by priority and outcome",
		}, []string{"priority", "outcome"}),
		batchMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_messages_total",
			Help:      "Messages sent inside batches, by priority",
		}, []string{"priority"}),
		batchRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_retries_total",
			Help:      "Messages re-enqueued after a failed batch",
		}),
		batchDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_messages_dropped_total",
			Help:      "Messages dropped after exhausting retries",
		}),
		compressionSaved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_compression_saved_bytes_total",
			Help:      "Payload bytes saved by batch compression",
		}),
	}
}

func (c *Collector) CacheHit(protocol string) { c.cacheHits.WithLabelValues(protocol).Inc() }
func (c *Collector) CacheMiss(protocol string) { c.cacheMisses.WithLabelValues(protocol).Inc() }
func (c *Collector) CacheEvicted(reason string) {
	c.cacheEvicted.WithLabelValues(reason).Inc()
}
func (c *Collector) SetCacheSize(n int) { c.cacheSize.Set(float64(n)) }
func (c *Collector) ObserveInit(d time.Duration) {
	c.initDuration.Observe(d.Seconds())
}

func (c *Collector) BatchSent(priority string, ok bool, messages int) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	c.batchesSent.WithLabelValues(priority, outcome).Inc()
	c.batchMessages.WithLabelValues(priority).Add(float64(messages))
}
func (c *Collector) BatchRetried(n int) { c.batchRetries.Add(float64(n)) }
func (c *Collector) BatchDropped(n int) { c.batchDropped.Add(float64(n)) }
func (c *Collector) CompressionSaved(bytes int) {
	if bytes > 0 {
		c.compressionSaved.Add(float64(bytes))
	}
}
