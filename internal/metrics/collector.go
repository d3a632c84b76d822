package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Addr      string            `yaml:"addr"`
	Path      string            `yaml:"path"`
	Namespace string            `yaml:"namespace"`
	Labels    map[string]string `yaml:"labels"`

	// RuntimeCollectors registers the Go runtime and process collectors
	RuntimeCollectors bool `yaml:"runtime_collectors"`
}

// DefaultConfig returns the default metrics configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:           true,
		Addr:              ":9464",
		Path:              "/metrics",
		Namespace:         "sessiond",
		Labels:            make(map[string]string),
		RuntimeCollectors: true,
	}
}

// Collector records queue, cache and session observations on a private
// Prometheus registry. A disabled collector accepts every call and records nothing.
type Collector struct {
	config   *Config
	registry *prometheus.Registry

	queueItems        *prometheus.CounterVec
	queueWait         prometheus.Histogram
	queuePassDuration prometheus.Histogram
	queuePassBatches  prometheus.Histogram
	queueLength       prometheus.Gauge
	queueInFlight     prometheus.Gauge

	cacheLookups          *prometheus.CounterVec
	cacheEvictions        *prometheus.CounterVec
	cachePressurePasses   *prometheus.CounterVec
	cachePressureEvicted  *prometheus.CounterVec
	cachePressureDuration *prometheus.HistogramVec

	sessionTransitions    *prometheus.CounterVec
	sessionCloses         *prometheus.CounterVec
	sessionReconnects     prometheus.Counter
	sessionReconnectDelay prometheus.Histogram
	sessionState          *prometheus.GaugeVec

	mu           sync.Mutex
	currentState string
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if config.Namespace == "" {
		config.Namespace = "sessiond"
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	c := &Collector{
		config:   config,
		registry: prometheus.NewRegistry(),
	}
	c.initMetrics()

	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return c, nil
}

// Enabled reports whether observations are recorded.
func (c *Collector) Enabled() bool {
	return c.registry != nil
}

// Registry returns the underlying registry, or nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if !c.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ObserveItem records one settled queue item.
func (c *Collector) ObserveItem(success bool, wait time.Duration) {
	if !c.Enabled() {
		return
	}
	c.queueItems.WithLabelValues(map[bool]string{true: "success", false: "error"}[success]).Inc()
	c.queueWait.Observe(wait.Seconds())
}

// ObservePass records one scheduler pass.
func (c *Collector) ObservePass(batches, items int, duration time.Duration) {
	if !c.Enabled() {
		return
	}
	c.queuePassDuration.Observe(duration.Seconds())
	c.queuePassBatches.Observe(float64(batches))
}

// SetQueueLength updates the pending item gauge.
func (c *Collector) SetQueueLength(n int) {
	if !c.Enabled() {
		return
	}
	c.queueLength.Set(float64(n))
}

// SetInFlight updates the running handler gauge.
func (c *Collector) SetInFlight(n int) {
	if !c.Enabled() {
		return
	}
	c.queueInFlight.Set(float64(n))
}

// ObserveLookup records a cache hit or miss.
func (c *Collector) ObserveLookup(pool string, hit bool) {
	if !c.Enabled() {
		return
	}
	c.cacheLookups.WithLabelValues(pool, map[bool]string{true: "hit", false: "miss"}[hit]).Inc()
}

// ObserveEviction records entries removed from a pool.
func (c *Collector) ObserveEviction(pool, reason string, count int) {
	if !c.Enabled() || count <= 0 {
		return
	}
	c.cacheEvictions.WithLabelValues(pool, reason).Add(float64(count))
}

// ObservePressurePass records one pressure eviction pass.
func (c *Collector) ObservePressurePass(tier string, evicted int, duration time.Duration) {
	if !c.Enabled() {
		return
	}
	c.cachePressurePasses.WithLabelValues(tier).Inc()
	c.cachePressureEvicted.WithLabelValues(tier).Add(float64(evicted))
	c.cachePressureDuration.WithLabelValues(tier).Observe(duration.Seconds())
}

// ObserveTransition records a session state change.
func (c *Collector) ObserveTransition(from, to string) {
	if !c.Enabled() {
		return
	}
	c.sessionTransitions.WithLabelValues(from, to).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentState != "" {
		c.sessionState.WithLabelValues(c.currentState).Set(0)
	}
	c.sessionState.WithLabelValues(to).Set(1)
	c.currentState = to
}

// ObserveClose records a gateway close and its policy class.
func (c *Collector) ObserveClose(reason, class string) {
	if !c.Enabled() {
		return
	}
	c.sessionCloses.WithLabelValues(reason, class).Inc()
}

// ObserveReconnect records an armed reconnect timer.
func (c *Collector) ObserveReconnect(delay time.Duration, attempt int) {
	if !c.Enabled() {
		return
	}
	c.sessionReconnects.Inc()
	c.sessionReconnectDelay.Observe(delay.Seconds())
}

func (c *Collector) initMetrics() {
	ns := c.config.Namespace
	labels := prometheus.Labels(c.config.Labels)

	c.queueItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   ns,
		Subsystem:   "queue",
		Name:        "items_total",
		Help:        "Total number of settled queue items",
		ConstLabels: labels,
	}, []string{"status"})

	c.queueWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   ns,
		Subsystem:   "queue",
		Name:        "item_latency_seconds",
		Help:        "Time from enqueue to settlement",
		Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		ConstLabels: labels,
	})

	c.queuePassDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   ns,
		Subsystem:   "queue",
		Name:        "pass_duration_seconds",
		Help:        "Duration of scheduler passes",
		Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15),
		ConstLabels: labels,
	})

	c.queuePassBatches = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   ns,
		Subsystem:   "queue",
		Name:        "pass_batches",
		Help:        "Batches run per scheduler pass",
		Buckets:     prometheus.LinearBuckets(1, 1, 10),
		ConstLabels: labels,
	})

	c.queueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   ns,
		Subsystem:   "queue",
		Name:        "length",
		Help:        "Items waiting in the queue",
		ConstLabels: labels,
	})

	c.queueInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   ns,
		Subsystem:   "queue",
		Name:        "in_flight",
		Help:        "Handlers currently running",
		ConstLabels: labels,
	})

	c.cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   ns,
		Subsystem:   "cache",
		Name:        "lookups_total",
		Help:        "Cache lookups by pool and result",
		ConstLabels: labels,
	}, []string{"pool", "result"})

	c.cacheEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   ns,
		Subsystem:   "cache",
		Name:        "evictions_total",
		Help:        "Entries removed from a pool by reason",
		ConstLabels: labels,
	}, []string{"pool", "reason"})

	c.cachePressurePasses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   ns,
		Subsystem:   "cache",
		Name:        "pressure_passes_total",
		Help:        "Pressure eviction passes by tier",
		ConstLabels: labels,
	}, []string{"tier"})

	c.cachePressureEvicted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   ns,
		Subsystem:   "cache",
		Name:        "pressure_evicted_total",
		Help:        "Entries removed by pressure passes",
		ConstLabels: labels,
	}, []string{"tier"})

	c.cachePressureDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   ns,
		Subsystem:   "cache",
		Name:        "pressure_pass_duration_seconds",
		Help:        "Duration of pressure eviction passes",
		Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 15),
		ConstLabels: labels,
	}, []string{"tier"})

	c.sessionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   ns,
		Subsystem:   "session",
		Name:        "transitions_total",
		Help:        "Session state transitions",
		ConstLabels: labels,
	}, []string{"from", "to"})

	c.sessionCloses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   ns,
		Subsystem:   "session",
		Name:        "closes_total",
		Help:        "Gateway closes by reason and class",
		ConstLabels: labels,
	}, []string{"reason", "class"})

	c.sessionReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   ns,
		Subsystem:   "session",
		Name:        "reconnects_scheduled_total",
		Help:        "Reconnect timers armed",
		ConstLabels: labels,
	})

	c.sessionReconnectDelay = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   ns,
		Subsystem:   "session",
		Name:        "reconnect_delay_seconds",
		Help:        "Delay of armed reconnect timers",
		Buckets:     []float64{1, 2, 5, 10, 20, 30, 60, 120},
		ConstLabels: labels,
	})

	c.sessionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   ns,
		Subsystem:   "session",
		Name:        "state",
		Help:        "1 for the current session state",
		ConstLabels: labels,
	}, []string{"state"})
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.queueItems,
		c.queueWait,
		c.queuePassDuration,
		c.queuePassBatches,
		c.queueLength,
		c.queueInFlight,
		c.cacheLookups,
		c.cacheEvictions,
		c.cachePressurePasses,
		c.cachePressureEvicted,
		c.cachePressureDuration,
		c.sessionTransitions,
		c.sessionCloses,
		c.sessionReconnects,
		c.sessionReconnectDelay,
		c.sessionState,
	}
	if c.config.RuntimeCollectors {
		metrics = append(metrics,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: c.config.Namespace}),
		)
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}
