package cache

import (
	"container/list"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Eviction reasons reported to Metrics.
const (
	ReasonExpired  = "expired"
	ReasonCapacity = "capacity"
	ReasonPressure = "pressure"
	ReasonFlush    = "flush"
)

// entry is one cached value. It is owned by exactly one pool.
type entry struct {
	key          string
	raw          []byte
	envelope     *Envelope
	insertedAt   time.Time
	lastAccessAt time.Time
	accessCount  int64
	ttl          time.Duration
	element      *list.Element
}

func (e *entry) size() int {
	if e.envelope != nil {
		return e.envelope.CompressedSize
	}
	return len(e.raw)
}

// PoolStats is a snapshot of one pool's counters.
type PoolStats struct {
	Name        string  `json:"name"`
	Keys        int     `json:"keys"`
	MaxKeys     int     `json:"max_keys"`
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	Sets        uint64  `json:"sets"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	Compressed  int     `json:"compressed"`
	StoredBytes int64   `json:"stored_bytes"`
}

// pool is a named LRU with TTL expiry. The list front is the most recently accessed entry.
type pool struct {
	config PoolConfig
	clock  clock.Clock

	mu        sync.Mutex
	entries   map[string]*entry
	evictList *list.List
	stats     PoolStats

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

func newPool(config PoolConfig, clk clock.Clock) *pool {
	config = config.withDefaults()
	return &pool{
		config:    config,
		clock:     clk,
		entries:   make(map[string]*entry),
		evictList: list.New(),
		stats:     PoolStats{Name: config.Name, MaxKeys: config.MaxKeys},
	}
}

func (p *pool) expired(e *entry, now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.insertedAt) > e.ttl
}

// lookup returns the live entry for key, refreshing its recency.
func (p *pool) lookup(key string) (*entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok {
		p.stats.Misses++
		return nil, false
	}

	now := p.clock.Now()
	if p.expired(e, now) {
		p.removeLocked(e)
		p.stats.Expirations++
		p.stats.Misses++
		return nil, false
	}

	e.lastAccessAt = now
	e.accessCount++
	p.evictList.MoveToFront(e.element)
	p.stats.Hits++

	snapshot := *e
	return &snapshot, true
}

// contains reports presence without touching recency.
func (p *pool) contains(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	return ok && !p.expired(e, p.clock.Now())
}

// store inserts or replaces key and returns how many entries the ceiling evicted.
func (p *pool) store(key string, raw []byte, env *Envelope, ttl time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	p.stats.Sets++

	if e, ok := p.entries[key]; ok {
		e.raw = raw
		e.envelope = env
		e.insertedAt = now
		e.lastAccessAt = now
		e.accessCount++
		e.ttl = ttl
		p.evictList.MoveToFront(e.element)
		return 0
	}

	evicted := 0
	if p.config.MaxKeys > 0 {
		for len(p.entries) >= p.config.MaxKeys && p.evictList.Len() > 0 {
			p.evictOldestLocked()
			evicted++
		}
	}

	e := &entry{
		key:          key,
		raw:          raw,
		envelope:     env,
		insertedAt:   now,
		lastAccessAt: now,
		accessCount:  1,
		ttl:          ttl,
	}
	e.element = p.evictList.PushFront(e)
	p.entries[key] = e
	return evicted
}

func (p *pool) remove(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok {
		return false
	}
	p.removeLocked(e)
	return true
}

// flush drops every entry and returns the removed keys.
func (p *pool) flush() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := make([]string, 0, len(p.entries))
	for key := range p.entries {
		keys = append(keys, key)
	}
	p.entries = make(map[string]*entry)
	p.evictList.Init()
	return keys
}

// evictAll flushes the pool and counts the removals as evictions.
func (p *pool) evictAll() []string {
	keys := p.flush()
	p.mu.Lock()
	p.stats.Evictions += uint64(len(keys))
	p.mu.Unlock()
	return keys
}

// evictFraction drops the least recently used fraction of entries.
func (p *pool) evictFraction(fraction float64) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := int(math.Ceil(float64(len(p.entries)) * fraction))
	keys := make([]string, 0, n)
	for i := 0; i < n && p.evictList.Len() > 0; i++ {
		keys = append(keys, p.evictOldestLocked())
	}
	return keys
}

// sweep removes expired entries and returns their keys.
func (p *pool) sweep() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	var expired []string
	for key, e := range p.entries {
		if p.expired(e, now) {
			p.removeLocked(e)
			expired = append(expired, key)
		}
	}
	p.stats.Expirations += uint64(len(expired))
	return expired
}

func (p *pool) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := make([]string, 0, len(p.entries))
	for e := p.evictList.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*entry).key)
	}
	return keys
}

func (p *pool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *pool) snapshot() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := p.stats
	stats.Keys = len(p.entries)
	for _, e := range p.entries {
		if e.envelope != nil {
			stats.Compressed++
		}
		stats.StoredBytes += int64(e.size())
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

func (p *pool) evictOldestLocked() string {
	back := p.evictList.Back()
	e := back.Value.(*entry)
	p.removeLocked(e)
	p.stats.Evictions++
	return e.key
}

func (p *pool) removeLocked(e *entry) {
	if e.element != nil {
		p.evictList.Remove(e.element)
	}
	delete(p.entries, e.key)
}

// startSweeper runs sweep every SweepInterval until stopSweeper is called.
func (p *pool) startSweeper(onExpired func(keys []string)) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	stopCh := p.stopCh
	p.mu.Unlock()

	ticker := p.clock.Ticker(p.config.SweepInterval)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				if keys := p.sweep(); len(keys) > 0 && onExpired != nil {
					onExpired(keys)
				}
			}
		}
	}()
}

func (p *pool) stopSweeper() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
}
