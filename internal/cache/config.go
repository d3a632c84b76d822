package cache

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/objectfs/sessiond/pkg/memmon"
	"github.com/objectfs/sessiond/pkg/utils"
)

// Well-known pool names.
const (
	PoolMedia     = "media"
	PoolTransient = "transient"
	PoolMessages  = "messages"
	PoolUsers     = "users"
	PoolGroups    = "groups"
)

// PoolConfig is the policy for one named pool.
type PoolConfig struct {
	Name string `yaml:"name"`

	// TTL is the static default lifetime of an entry
	TTL time.Duration `yaml:"ttl"`

	// MaxTTL caps the dynamic TTL; zero means 4×TTL
	MaxTTL time.Duration `yaml:"max_ttl"`

	// SweepInterval is how often expired entries are removed
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// MaxKeys is the entry ceiling enforced by LRU eviction
	MaxKeys int `yaml:"max_keys"`

	// FlushOnHighPressure drops the whole pool first under high memory pressure
	FlushOnHighPressure bool `yaml:"flush_on_high_pressure"`

	// Priority orders eviction; lower values are evicted first
	Priority int `yaml:"priority"`
}

func (pc PoolConfig) withDefaults() PoolConfig {
	if pc.TTL <= 0 {
		pc.TTL = 5 * time.Minute
	}
	if pc.MaxTTL <= 0 {
		pc.MaxTTL = 4 * pc.TTL
	}
	if pc.MaxTTL < pc.TTL {
		pc.MaxTTL = pc.TTL
	}
	if pc.SweepInterval <= 0 {
		pc.SweepInterval = time.Minute
	}
	return pc
}

// DefaultPools returns the pool set used when none is configured.
func DefaultPools() []PoolConfig {
	return []PoolConfig{
		{Name: PoolMedia, TTL: 2 * time.Minute, MaxKeys: 200, SweepInterval: 15 * time.Second, FlushOnHighPressure: true, Priority: 0},
		{Name: PoolTransient, TTL: time.Minute, MaxKeys: 1000, SweepInterval: 15 * time.Second, FlushOnHighPressure: true, Priority: 1},
		{Name: PoolMessages, TTL: 5 * time.Minute, MaxKeys: 5000, SweepInterval: time.Minute, Priority: 2},
		{Name: PoolUsers, TTL: 30 * time.Minute, MaxKeys: 5000, SweepInterval: 5 * time.Minute, Priority: 3},
		{Name: PoolGroups, TTL: time.Hour, MaxKeys: 1000, SweepInterval: 5 * time.Minute, Priority: 4},
	}
}

// Config configures a Manager.
type Config struct {
	Pools []PoolConfig

	// CompressionThreshold is the serialized size above which values are compressed
	CompressionThreshold int

	// DynamicTTLStep is the TTL growth per recorded access
	DynamicTTLStep float64

	// FrequencyTableSize bounds the access-frequency table before it is aged
	FrequencyTableSize int

	HighPressureThreshold     float64
	ModeratePressureThreshold float64
	HighEvictFraction         float64
	ModerateEvictFraction     float64

	// ForceGC requests a collection after each pool during a high-pressure pass
	ForceGC bool

	// MonitorInterval is the memory sampling period
	MonitorInterval time.Duration

	// MemoryLimit is the pressure-ratio denominator; zero uses system memory
	MemoryLimit uint64

	MemoryReader memmon.Reader
	Clock        clock.Clock
	Logger       *utils.StructuredLogger
	Metrics      Metrics
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		Pools:                     DefaultPools(),
		CompressionThreshold:      1024,
		DynamicTTLStep:            0.1,
		FrequencyTableSize:        1 << 16,
		HighPressureThreshold:     0.85,
		ModeratePressureThreshold: 0.70,
		HighEvictFraction:         0.5,
		ModerateEvictFraction:     0.2,
		ForceGC:                   true,
		MonitorInterval:           30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CompressionThreshold <= 0 {
		c.CompressionThreshold = d.CompressionThreshold
	}
	if c.DynamicTTLStep < 0 {
		c.DynamicTTLStep = 0
	}
	if c.FrequencyTableSize <= 0 {
		c.FrequencyTableSize = d.FrequencyTableSize
	}
	if c.HighPressureThreshold <= 0 {
		c.HighPressureThreshold = d.HighPressureThreshold
	}
	if c.ModeratePressureThreshold <= 0 {
		c.ModeratePressureThreshold = d.ModeratePressureThreshold
	}
	if c.HighEvictFraction <= 0 {
		c.HighEvictFraction = d.HighEvictFraction
	}
	if c.ModerateEvictFraction <= 0 {
		c.ModerateEvictFraction = d.ModerateEvictFraction
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = d.MonitorInterval
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = utils.NewNopLogger()
	}
	if c.Metrics == nil {
		c.Metrics = nopMetrics{}
	}
	return c
}

// Metrics receives cache observations.
type Metrics interface {
	ObserveLookup(pool string, hit bool)
	ObserveEviction(pool, reason string, count int)
	ObservePressurePass(tier string, evicted int, duration time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) ObserveLookup(string, bool)                     {}
func (nopMetrics) ObserveEviction(string, string, int)            {}
func (nopMetrics) ObservePressurePass(string, int, time.Duration) {}
