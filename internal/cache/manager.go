package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/objectfs/sessiond/pkg/errors"
	"github.com/objectfs/sessiond/pkg/memmon"
	"github.com/objectfs/sessiond/pkg/utils"
)

// PressureTier classifies memory pressure.
type PressureTier int

const (
	TierNone PressureTier = iota
	TierModerate
	TierHigh
)

// String returns the string representation of the tier
func (t PressureTier) String() string {
	switch t {
	case TierModerate:
		return "moderate"
	case TierHigh:
		return "high"
	default:
		return "none"
	}
}

// EvictionReport describes one pressure eviction pass.
type EvictionReport struct {
	Tier     PressureTier
	Evicted  map[string]int
	Flushed  []string
	Total    int
	Duration time.Duration
	// Skipped is set when another pass was already running.
	Skipped bool
}

// Stats is a snapshot of the whole cache subsystem.
type Stats struct {
	Pools            map[string]PoolStats `json:"pools"`
	Memory           memmon.Reading       `json:"memory"`
	Evicting         bool                 `json:"evicting"`
	EvictionPasses   uint64               `json:"eviction_passes"`
	ForcedGCs        uint64               `json:"forced_gcs"`
	FrequencyEntries int                  `json:"frequency_entries"`
}

// Manager owns the named pools, the access-frequency table and the
// memory-pressure eviction policy.
type Manager struct {
	config  Config
	logger  *utils.StructuredLogger
	clock   clock.Clock
	metrics Metrics
	codec   *codec
	freq    *frequencyTable
	monitor *memmon.MemoryMonitor

	mu    sync.RWMutex
	pools map[string]*pool

	evicting       atomic.Bool
	evictionPasses atomic.Uint64
	started        atomic.Bool
	closed         atomic.Bool
}

// NewManager creates a manager with the configured pools registered.
func NewManager(config Config) (*Manager, error) {
	config = config.withDefaults()

	c, err := newCodec(config.CompressionThreshold)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternalError, "failed to initialize cache codec", err).
			WithComponent("cache")
	}

	m := &Manager{
		config:  config,
		logger:  config.Logger.WithComponent("cache"),
		clock:   config.Clock,
		metrics: config.Metrics,
		codec:   c,
		freq:    newFrequencyTable(config.FrequencyTableSize),
		pools:   make(map[string]*pool),
	}

	m.monitor = memmon.NewMemoryMonitor(memmon.MonitorConfig{
		SampleInterval: config.MonitorInterval,
		MemoryLimit:    config.MemoryLimit,
		Reader:         config.MemoryReader,
		Clock:          config.Clock,
		Logger:         config.Logger,
		OnSample: func(r memmon.Reading) {
			m.HandlePressure(r.Ratio)
		},
	})

	for _, pc := range config.Pools {
		if err := m.RegisterPool(pc); err != nil {
			c.close()
			return nil, err
		}
	}

	return m, nil
}

// Start launches the per-pool sweepers and the memory monitor.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return nil
	}

	m.mu.RLock()
	for _, p := range m.pools {
		m.startSweeper(p)
	}
	poolCount := len(m.pools)
	m.mu.RUnlock()

	if err := m.monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start memory monitor: %w", err)
	}

	m.logger.Info("Cache manager started", map[string]interface{}{
		"pools":            poolCount,
		"monitor_interval": m.config.MonitorInterval.String(),
	})
	return nil
}

// Close stops background work and releases the codec.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := m.monitor.Stop()

	m.mu.RLock()
	for _, p := range m.pools {
		p.stopSweeper()
	}
	m.mu.RUnlock()

	m.codec.close()
	m.logger.Info("Cache manager stopped")
	return err
}

func (m *Manager) startSweeper(p *pool) {
	name := p.config.Name
	p.startSweeper(func(keys []string) {
		m.metrics.ObserveEviction(name, ReasonExpired, len(keys))
		m.logger.Debug("Expired entries swept", map[string]interface{}{
			"pool":  name,
			"count": len(keys),
		})
	})
}

// RegisterPool adds a pool. Registering an existing name fails.
func (m *Manager) RegisterPool(config PoolConfig) error {
	if config.Name == "" {
		return errors.NewError(errors.ErrCodeInvalidConfig, "pool name is required").WithComponent("cache")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pools[config.Name]; exists {
		return errors.NewError(errors.ErrCodeInvalidConfig, "pool already registered").
			WithComponent("cache").
			WithDetail("pool", config.Name)
	}

	p := newPool(config, m.clock)
	m.pools[config.Name] = p
	if m.started.Load() && !m.closed.Load() {
		m.startSweeper(p)
	}
	return nil
}

// Pools returns the registered pool names in eviction-priority order.
func (m *Manager) Pools() []string {
	ordered := m.orderedPools()
	names := make([]string, len(ordered))
	for i, p := range ordered {
		names[i] = p.config.Name
	}
	return names
}

func (m *Manager) pool(name string) (*pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[name]
	return p, ok
}

// Set stores value under key with a TTL derived from the key's access history.
func (m *Manager) Set(poolName, key string, value interface{}) bool {
	p, ok := m.pool(poolName)
	if !ok {
		m.logger.Warn("Set on unknown pool", map[string]interface{}{"pool": poolName})
		return false
	}
	return m.set(p, key, value, m.dynamicTTL(p, key))
}

// SetWithTTL stores value under key with an explicit TTL.
func (m *Manager) SetWithTTL(poolName, key string, value interface{}, ttl time.Duration) bool {
	p, ok := m.pool(poolName)
	if !ok {
		m.logger.Warn("Set on unknown pool", map[string]interface{}{"pool": poolName})
		return false
	}
	if ttl <= 0 {
		ttl = p.config.TTL
	}
	return m.set(p, key, value, ttl)
}

func (m *Manager) set(p *pool, key string, value interface{}, ttl time.Duration) bool {
	raw, env, err := m.codec.encode(value)
	if err != nil {
		m.logger.Warn("Cache value not serializable", map[string]interface{}{
			"pool":  p.config.Name,
			"key":   key,
			"error": err.Error(),
		})
		return false
	}

	if evicted := p.store(key, raw, env, ttl); evicted > 0 {
		m.metrics.ObserveEviction(p.config.Name, ReasonCapacity, evicted)
	}
	return true
}

// dynamicTTL grows the pool TTL with recorded accesses, capped at MaxTTL.
func (m *Manager) dynamicTTL(p *pool, key string) time.Duration {
	accesses := m.freq.count(p.config.Name, key)
	if accesses == 0 || m.config.DynamicTTLStep == 0 {
		return p.config.TTL
	}
	ttl := time.Duration(float64(p.config.TTL) * (1 + float64(accesses)*m.config.DynamicTTLStep))
	if ttl > p.config.MaxTTL {
		ttl = p.config.MaxTTL
	}
	return ttl
}

// Get decodes the value stored under key into dst. A nil dst only checks
// presence while still refreshing recency. It returns false on miss, expiry
// or a value that cannot be decoded into dst.
func (m *Manager) Get(poolName, key string, dst interface{}) bool {
	p, ok := m.pool(poolName)
	if !ok {
		return false
	}

	e, hit := p.lookup(key)
	m.metrics.ObserveLookup(poolName, hit)
	if !hit {
		return false
	}
	m.freq.touch(poolName, key)

	if err := m.codec.decode(e.raw, e.envelope, dst); err != nil {
		m.logger.Warn("Cache value not decodable", map[string]interface{}{
			"pool":  poolName,
			"key":   key,
			"error": err.Error(),
		})
		return false
	}
	return true
}

// Lookup is a typed Get.
func Lookup[T any](m *Manager, pool, key string) (T, bool) {
	var v T
	ok := m.Get(pool, key, &v)
	return v, ok
}

// Has reports whether a live entry exists without refreshing it.
func (m *Manager) Has(poolName, key string) bool {
	p, ok := m.pool(poolName)
	return ok && p.contains(key)
}

// Del removes key and its frequency history.
func (m *Manager) Del(poolName, key string) bool {
	p, ok := m.pool(poolName)
	if !ok {
		return false
	}
	m.freq.forget(poolName, key)
	return p.remove(key)
}

// Clear removes every entry of a pool along with its frequency history.
func (m *Manager) Clear(poolName string) bool {
	p, ok := m.pool(poolName)
	if !ok {
		return false
	}
	keys := p.flush()
	m.freq.forget(poolName, keys...)
	m.metrics.ObserveEviction(poolName, ReasonFlush, len(keys))
	return true
}

// Keys lists a pool's keys, most recently used first.
func (m *Manager) Keys(poolName string) []string {
	p, ok := m.pool(poolName)
	if !ok {
		return nil
	}
	return p.keys()
}

// Len returns the number of entries in a pool.
func (m *Manager) Len(poolName string) int {
	p, ok := m.pool(poolName)
	if !ok {
		return 0
	}
	return p.len()
}

// Prime bulk-loads values into a pool and returns how many were stored.
func (m *Manager) Prime(poolName string, values map[string]interface{}) (int, error) {
	p, ok := m.pool(poolName)
	if !ok {
		return 0, errors.NewError(errors.ErrCodePoolNotFound, "pool not registered").
			WithComponent("cache").
			WithOperation("prime").
			WithDetail("pool", poolName)
	}

	stored := 0
	for key, value := range values {
		if m.set(p, key, value, p.config.TTL) {
			stored++
		}
	}
	m.logger.Debug("Pool primed", map[string]interface{}{"pool": poolName, "stored": stored})
	return stored, nil
}

// Stats returns a snapshot of every pool plus the latest memory reading.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	pools := make(map[string]PoolStats, len(m.pools))
	for name, p := range m.pools {
		pools[name] = p.snapshot()
	}
	m.mu.RUnlock()

	memory := m.monitor.GetStats()
	return Stats{
		Pools:            pools,
		Memory:           memory.Current,
		Evicting:         m.evicting.Load(),
		EvictionPasses:   m.evictionPasses.Load(),
		ForcedGCs:        memory.ForcedGCs,
		FrequencyEntries: m.freq.len(),
	}
}

// Tier classifies a memory usage ratio.
func (m *Manager) Tier(ratio float64) PressureTier {
	switch {
	case ratio >= m.config.HighPressureThreshold:
		return TierHigh
	case ratio >= m.config.ModeratePressureThreshold:
		return TierModerate
	default:
		return TierNone
	}
}

// HandlePressure runs the eviction tier matching ratio, if any.
func (m *Manager) HandlePressure(ratio float64) EvictionReport {
	tier := m.Tier(ratio)
	if tier == TierNone {
		return EvictionReport{Tier: TierNone}
	}
	m.logger.Warn("Memory pressure detected", map[string]interface{}{
		"tier":  tier.String(),
		"ratio": ratio,
	})
	return m.evict(tier)
}

// CheckPressure samples memory now and reacts to it.
func (m *Manager) CheckPressure() (EvictionReport, error) {
	reading, err := m.monitor.Sample()
	if err != nil {
		return EvictionReport{}, err
	}
	return m.HandlePressure(reading.Ratio), nil
}

// EmergencyEvict runs the high-pressure pass regardless of measured memory.
func (m *Manager) EmergencyEvict() EvictionReport {
	m.logger.Warn("Emergency eviction requested")
	return m.evict(TierHigh)
}

// Evicting reports whether a pressure pass is running.
func (m *Manager) Evicting() bool {
	return m.evicting.Load()
}

func (m *Manager) orderedPools() []*pool {
	m.mu.RLock()
	ordered := make([]*pool, 0, len(m.pools))
	for _, p := range m.pools {
		ordered = append(ordered, p)
	}
	m.mu.RUnlock()

	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].config.Priority != ordered[j].config.Priority {
			return ordered[i].config.Priority < ordered[j].config.Priority
		}
		return ordered[i].config.Name < ordered[j].config.Name
	})
	return ordered
}

func (m *Manager) evict(tier PressureTier) EvictionReport {
	if !m.evicting.CompareAndSwap(false, true) {
		m.logger.Debug("Eviction pass already running", map[string]interface{}{"tier": tier.String()})
		return EvictionReport{Tier: tier, Skipped: true}
	}
	defer m.evicting.Store(false)

	start := m.clock.Now()
	report := EvictionReport{Tier: tier, Evicted: make(map[string]int)}
	ordered := m.orderedPools()

	record := func(p *pool, keys []string) {
		if len(keys) == 0 {
			return
		}
		name := p.config.Name
		m.freq.forget(name, keys...)
		report.Evicted[name] += len(keys)
		report.Total += len(keys)
		m.metrics.ObserveEviction(name, ReasonPressure, len(keys))
	}

	switch tier {
	case TierHigh:
		var remaining []*pool
		for _, p := range ordered {
			if p.config.FlushOnHighPressure {
				record(p, p.evictAll())
				report.Flushed = append(report.Flushed, p.config.Name)
				m.collect()
			} else {
				remaining = append(remaining, p)
			}
		}
		for _, p := range remaining {
			record(p, p.evictFraction(m.config.HighEvictFraction))
			m.collect()
		}
	case TierModerate:
		for _, p := range ordered {
			record(p, p.evictFraction(m.config.ModerateEvictFraction))
		}
	}

	report.Duration = m.clock.Now().Sub(start)
	m.evictionPasses.Add(1)
	m.metrics.ObservePressurePass(tier.String(), report.Total, report.Duration)

	m.logger.Info("Eviction pass complete", map[string]interface{}{
		"tier":     tier.String(),
		"evicted":  report.Total,
		"flushed":  report.Flushed,
		"pools":    report.Evicted,
		"duration": report.Duration.String(),
	})
	return report
}

func (m *Manager) collect() {
	if m.config.ForceGC {
		m.monitor.ForceGC()
	}
}
