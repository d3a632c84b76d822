package cache

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/sessiond/pkg/errors"
	"github.com/objectfs/sessiond/pkg/memmon"
)

type fixedReader struct {
	mu    sync.Mutex
	ratio float64
}

func (r *fixedReader) Read() (memmon.Reading, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return memmon.Reading{Timestamp: time.Now(), RSS: uint64(r.ratio * 1000), Limit: 1000, Ratio: r.ratio}, nil
}

type recordingMetrics struct {
	mu        sync.Mutex
	hits      int
	misses    int
	evictions map[string]int
	passes    []string
}

func (r *recordingMetrics) ObserveLookup(_ string, hit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hit {
		r.hits++
	} else {
		r.misses++
	}
}

func (r *recordingMetrics) ObserveEviction(_ string, reason string, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evictions == nil {
		r.evictions = make(map[string]int)
	}
	r.evictions[reason] += count
}

func (r *recordingMetrics) ObservePressurePass(tier string, _ int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.passes = append(r.passes, tier)
}

type profile struct {
	Name   string         `json:"name"`
	Tags   []string       `json:"tags"`
	Score  float64        `json:"score"`
	Counts map[string]int `json:"counts"`
}

func newTestManager(t *testing.T, pools ...PoolConfig) (*Manager, *clock.Mock, *fixedReader) {
	t.Helper()
	mock := clock.NewMock()
	reader := &fixedReader{ratio: 0.1}
	config := DefaultConfig()
	config.Clock = mock
	config.MemoryReader = reader
	config.ForceGC = false
	if len(pools) > 0 {
		config.Pools = pools
	}
	m, err := NewManager(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, mock, reader
}

func fill(t *testing.T, m *Manager, pool string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.True(t, m.Set(pool, strings.Repeat("k", i+1), i))
	}
}

func TestNewManager_DefaultPools(t *testing.T) {
	m, _, _ := newTestManager(t)
	assert.Equal(t, []string{PoolMedia, PoolTransient, PoolMessages, PoolUsers, PoolGroups}, m.Pools())

	err := m.RegisterPool(PoolConfig{Name: PoolUsers})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfig))
	assert.Error(t, m.RegisterPool(PoolConfig{}))

	require.NoError(t, m.RegisterPool(PoolConfig{Name: "economy", TTL: time.Minute, MaxKeys: 10, Priority: 5}))
	assert.Contains(t, m.Pools(), "economy")
}

func TestManager_RoundTrip(t *testing.T) {
	m, _, _ := newTestManager(t)

	small := profile{Name: "ana", Tags: []string{"admin"}, Score: 4.5, Counts: map[string]int{"wins": 3}}
	require.True(t, m.Set(PoolUsers, "small", small))

	var gotSmall profile
	require.True(t, m.Get(PoolUsers, "small", &gotSmall))
	assert.Equal(t, small, gotSmall)

	large := profile{Name: strings.Repeat("long name ", 300), Tags: []string{"a", "b"}, Counts: map[string]int{"x": 1}}
	require.True(t, m.Set(PoolUsers, "large", large))

	stats := m.Stats().Pools[PoolUsers]
	assert.Equal(t, 1, stats.Compressed, "large value should be stored compressed")
	assert.Less(t, stats.StoredBytes, int64(len(large.Name)))

	gotLarge, ok := Lookup[profile](m, PoolUsers, "large")
	require.True(t, ok)
	assert.Equal(t, large, gotLarge)
}

func TestManager_SetFailures(t *testing.T) {
	m, _, _ := newTestManager(t)

	assert.False(t, m.Set(PoolUsers, "chan", make(chan int)))
	assert.False(t, m.Set("nope", "k", 1))
	assert.False(t, m.SetWithTTL("nope", "k", 1, time.Second))
	assert.False(t, m.Has(PoolUsers, "chan"))

	var dst int
	assert.False(t, m.Get("nope", "k", &dst))
	assert.Nil(t, m.Keys("nope"))
	assert.Zero(t, m.Len("nope"))
	assert.False(t, m.Del("nope", "k"))
	assert.False(t, m.Clear("nope"))
}

func TestManager_GetDecodeMismatch(t *testing.T) {
	m, _, _ := newTestManager(t)
	require.True(t, m.Set(PoolUsers, "k", "text"))

	var n int
	assert.False(t, m.Get(PoolUsers, "k", &n))
	assert.True(t, m.Get(PoolUsers, "k", nil))
}

func TestManager_TTLExpiry(t *testing.T) {
	m, mock, _ := newTestManager(t, PoolConfig{Name: "p", TTL: time.Minute, SweepInterval: 10 * time.Second, MaxKeys: 10})

	require.True(t, m.SetWithTTL("p", "k", "v", 30*time.Second))
	assert.True(t, m.Has("p", "k"))

	mock.Add(30*time.Second + 10*time.Second + time.Millisecond)
	assert.False(t, m.Has("p", "k"))

	var v string
	assert.False(t, m.Get("p", "k", &v))
	assert.Zero(t, m.Len("p"), "expired entry is dropped on Get")
	assert.Equal(t, uint64(1), m.Stats().Pools["p"].Expirations)
}

func TestManager_SweepRemovesExpired(t *testing.T) {
	m, mock, _ := newTestManager(t, PoolConfig{Name: "p", TTL: time.Minute, SweepInterval: 10 * time.Second, MaxKeys: 10})
	require.NoError(t, m.Start(context.Background()))

	fill(t, m, "p", 3)
	require.True(t, m.SetWithTTL("p", "long", 1, time.Hour))

	assert.Eventually(t, func() bool {
		mock.Add(10 * time.Second)
		return m.Len("p") == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, m.Has("p", "long"))
}

func TestManager_LRUEvictionUnderCeiling(t *testing.T) {
	m, mock, _ := newTestManager(t, PoolConfig{Name: "p", TTL: time.Hour, MaxKeys: 3})

	for _, key := range []string{"a", "b", "c"} {
		require.True(t, m.Set("p", key, key))
		mock.Add(time.Second)
	}
	require.True(t, m.Get("p", "a", nil))
	mock.Add(time.Second)

	require.True(t, m.Set("p", "d", "d"))

	assert.Equal(t, 3, m.Len("p"))
	assert.False(t, m.Has("p", "b"), "b had the oldest access")
	assert.ElementsMatch(t, []string{"a", "c", "d"}, m.Keys("p"))
	assert.Equal(t, []string{"d", "a", "c"}, m.Keys("p"))
	assert.Equal(t, uint64(1), m.Stats().Pools["p"].Evictions)

	// Replacing an existing key never evicts.
	require.True(t, m.Set("p", "c", "c2"))
	assert.Equal(t, uint64(1), m.Stats().Pools["p"].Evictions)
}

func TestManager_DynamicTTL(t *testing.T) {
	m, _, _ := newTestManager(t, PoolConfig{Name: "p", TTL: time.Minute, MaxTTL: 2 * time.Minute, MaxKeys: 10})
	p, _ := m.pool("p")
	ttlOf := func(key string) time.Duration {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.entries[key].ttl
	}

	require.True(t, m.Set("p", "k", 1))
	assert.Equal(t, time.Minute, ttlOf("k"), "no history uses the static TTL")

	for i := 0; i < 5; i++ {
		require.True(t, m.Get("p", "k", nil))
	}
	require.True(t, m.Set("p", "k", 2))
	assert.Equal(t, 90*time.Second, ttlOf("k"))

	for i := 0; i < 20; i++ {
		require.True(t, m.Get("p", "k", nil))
	}
	require.True(t, m.Set("p", "k", 3))
	assert.Equal(t, 2*time.Minute, ttlOf("k"), "dynamic TTL is capped")

	require.True(t, m.SetWithTTL("p", "k", 4, 5*time.Second))
	assert.Equal(t, 5*time.Second, ttlOf("k"))

	require.True(t, m.Del("p", "k"))
	assert.Zero(t, m.freq.count("p", "k"), "Del drops access history")
	require.True(t, m.Set("p", "k", 5))
	assert.Equal(t, time.Minute, ttlOf("k"))
}

func TestManager_ClearDropsHistory(t *testing.T) {
	m, _, _ := newTestManager(t)
	fill(t, m, PoolMessages, 4)
	require.True(t, m.Get(PoolMessages, "k", nil))

	assert.True(t, m.Clear(PoolMessages))
	assert.True(t, m.Clear(PoolMessages))
	assert.Zero(t, m.Len(PoolMessages))
	assert.Zero(t, m.freq.count(PoolMessages, "k"))
	assert.Zero(t, m.Stats().Pools[PoolMessages].Evictions, "clearing is not eviction")
}

func pressurePools() []PoolConfig {
	return []PoolConfig{
		{Name: PoolMedia, TTL: time.Hour, MaxKeys: 100, FlushOnHighPressure: true, Priority: 0},
		{Name: PoolMessages, TTL: time.Hour, MaxKeys: 100, Priority: 2},
		{Name: PoolUsers, TTL: time.Hour, MaxKeys: 100, Priority: 3},
	}
}

func TestManager_EmergencyEvict(t *testing.T) {
	m, _, _ := newTestManager(t, pressurePools()...)
	metrics := &recordingMetrics{}
	m.metrics = metrics

	for _, name := range []string{PoolMedia, PoolMessages, PoolUsers} {
		fill(t, m, name, 10)
	}

	report := m.EmergencyEvict()
	assert.False(t, report.Skipped)
	assert.Equal(t, TierHigh, report.Tier)
	assert.Equal(t, []string{PoolMedia}, report.Flushed)
	assert.Equal(t, map[string]int{PoolMedia: 10, PoolMessages: 5, PoolUsers: 5}, report.Evicted)
	assert.Equal(t, 20, report.Total)

	assert.Zero(t, m.Len(PoolMedia))
	assert.Equal(t, 5, m.Len(PoolMessages))
	assert.Equal(t, 5, m.Len(PoolUsers))
	assert.Equal(t, uint64(1), m.Stats().EvictionPasses)
	assert.Equal(t, []string{"high"}, metrics.passes)
	assert.Equal(t, 20, metrics.evictions[ReasonPressure])
	assert.Equal(t, uint64(10), m.Stats().Pools[PoolMedia].Evictions)
	assert.Equal(t, uint64(5), m.Stats().Pools[PoolMessages].Evictions)
}

func TestManager_PartialEvictionKeepsRecent(t *testing.T) {
	m, mock, _ := newTestManager(t, pressurePools()...)
	for i := 0; i < 10; i++ {
		require.True(t, m.Set(PoolUsers, strings.Repeat("u", i+1), i))
		mock.Add(time.Second)
	}
	m.EmergencyEvict()

	for i := 5; i < 10; i++ {
		assert.True(t, m.Has(PoolUsers, strings.Repeat("u", i+1)), "recent key %d survives", i)
	}
}

func TestManager_HandlePressureTiers(t *testing.T) {
	m, _, _ := newTestManager(t, pressurePools()...)
	for _, name := range []string{PoolMedia, PoolMessages, PoolUsers} {
		fill(t, m, name, 10)
	}

	report := m.HandlePressure(0.5)
	assert.Equal(t, TierNone, report.Tier)
	assert.Equal(t, 10, m.Len(PoolMedia))

	report = m.HandlePressure(0.75)
	assert.Equal(t, TierModerate, report.Tier)
	assert.Empty(t, report.Flushed)
	for _, name := range []string{PoolMedia, PoolMessages, PoolUsers} {
		assert.Equal(t, 8, m.Len(name), name)
	}

	report = m.HandlePressure(0.9)
	assert.Equal(t, TierHigh, report.Tier)
	assert.Zero(t, m.Len(PoolMedia))
	assert.Equal(t, 4, m.Len(PoolMessages))
}

func TestManager_HighPressureForcesGC(t *testing.T) {
	mock := clock.NewMock()
	config := DefaultConfig()
	config.Clock = mock
	config.MemoryReader = &fixedReader{ratio: 0.1}
	config.Pools = pressurePools()
	config.ForceGC = true
	m, err := NewManager(config)
	require.NoError(t, err)
	defer m.Close()

	fill(t, m, PoolMedia, 4)
	fill(t, m, PoolMessages, 4)

	m.HandlePressure(0.75)
	assert.Zero(t, m.Stats().ForcedGCs)

	m.HandlePressure(0.9)
	assert.Equal(t, uint64(len(pressurePools())), m.Stats().ForcedGCs)
}

func TestManager_EvictionReentrancy(t *testing.T) {
	m, _, _ := newTestManager(t, pressurePools()...)
	fill(t, m, PoolMedia, 3)

	m.evicting.Store(true)
	report := m.EmergencyEvict()
	assert.True(t, report.Skipped)
	assert.Equal(t, 3, m.Len(PoolMedia))
	assert.True(t, m.Stats().Evicting)

	m.evicting.Store(false)
	assert.False(t, m.EmergencyEvict().Skipped)
	assert.False(t, m.Evicting())
}

func TestManager_MonitorDrivesEviction(t *testing.T) {
	m, mock, reader := newTestManager(t, pressurePools()...)
	fill(t, m, PoolMedia, 5)

	reader.mu.Lock()
	reader.ratio = 0.95
	reader.mu.Unlock()

	require.NoError(t, m.Start(context.Background()))
	assert.Eventually(t, func() bool {
		mock.Add(m.config.MonitorInterval)
		return m.Len(PoolMedia) == 0
	}, time.Second, 5*time.Millisecond)

	assert.InDelta(t, 0.95, m.Stats().Memory.Ratio, 1e-9)
}

func TestManager_CheckPressure(t *testing.T) {
	m, _, reader := newTestManager(t, pressurePools()...)
	fill(t, m, PoolUsers, 10)

	reader.ratio = 0.72
	report, err := m.CheckPressure()
	require.NoError(t, err)
	assert.Equal(t, TierModerate, report.Tier)
	assert.Equal(t, 8, m.Len(PoolUsers))
}

func TestManager_Prime(t *testing.T) {
	m, _, _ := newTestManager(t)

	n, err := m.Prime(PoolGroups, map[string]interface{}{
		"g1": map[string]string{"subject": "family"},
		"g2": map[string]string{"subject": "work"},
		"g3": make(chan int),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, m.Len(PoolGroups))

	_, err = m.Prime("missing", nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodePoolNotFound))
}

func TestManager_StatsCounters(t *testing.T) {
	m, _, _ := newTestManager(t)
	require.True(t, m.Set(PoolMessages, "a", 1))
	require.True(t, m.Get(PoolMessages, "a", nil))
	require.False(t, m.Get(PoolMessages, "b", nil))

	stats := m.Stats()
	ps := stats.Pools[PoolMessages]
	assert.Equal(t, 1, ps.Keys)
	assert.Equal(t, uint64(1), ps.Hits)
	assert.Equal(t, uint64(1), ps.Misses)
	assert.InDelta(t, 0.5, ps.HitRate, 1e-9)
	assert.Equal(t, 5000, ps.MaxKeys)
	assert.Equal(t, 1, stats.FrequencyEntries)
	assert.Len(t, stats.Pools, 5)
}

func TestManager_ConcurrentAccess(t *testing.T) {
	m, _, _ := newTestManager(t, PoolConfig{Name: "p", TTL: time.Hour, MaxKeys: 50})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := strings.Repeat("x", (g*200+i)%80+1)
				m.Set("p", key, i)
				m.Get("p", key, nil)
				if i%50 == 0 {
					m.HandlePressure(0.75)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, m.Len("p"), 50)
}

func TestManager_CloseIdempotent(t *testing.T) {
	m, _, _ := newTestManager(t)
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}
