package cache

import (
	"sync"

	"github.com/zeebo/xxh3"
)

// frequencyTable counts accesses per pool/key pair. It outlives entries so a
// key that keeps coming back earns a longer TTL. When full, all counts are
// halved and zeroed slots dropped.
type frequencyTable struct {
	mu     sync.Mutex
	counts map[uint64]uint32
	limit  int
}

func newFrequencyTable(limit int) *frequencyTable {
	return &frequencyTable{counts: make(map[uint64]uint32), limit: limit}
}

func frequencyKey(pool, key string) uint64 {
	return xxh3.HashString(pool + "\x00" + key)
}

func (f *frequencyTable) touch(pool, key string) {
	k := frequencyKey(pool, key)

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.counts[k]; !ok && len(f.counts) >= f.limit {
		f.ageLocked()
	}
	if f.counts[k] < ^uint32(0) {
		f.counts[k]++
	}
}

func (f *frequencyTable) count(pool, key string) uint32 {
	k := frequencyKey(pool, key)

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[k]
}

func (f *frequencyTable) forget(pool string, keys ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		delete(f.counts, frequencyKey(pool, key))
	}
}

func (f *frequencyTable) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.counts)
}

func (f *frequencyTable) ageLocked() {
	for k, c := range f.counts {
		if c /= 2; c == 0 {
			delete(f.counts, k)
		} else {
			f.counts[k] = c
		}
	}
}
