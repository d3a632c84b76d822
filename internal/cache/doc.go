/*
Package cache provides named, memory-aware cache pools for session handlers.

Each pool has its own TTL, sweep interval and key ceiling. Pools are
independent: a key in one pool never aliases a key in another.

# Storage

Values are serialized to JSON when set and decoded into a caller-supplied
destination when read:

	mgr.Set(cache.PoolUsers, jid, profile)

	var profile Profile
	if mgr.Get(cache.PoolUsers, jid, &profile) {
		...
	}

	profile, ok := cache.Lookup[Profile](mgr, cache.PoolUsers, jid)

Serialized values larger than the compression threshold (1 KiB by default) are
stored as a zstd Envelope. Compression is transparent to readers and is skipped
when it would not shrink the payload.

# TTL

Set without an explicit TTL derives one from the key's access history:

	ttl = min(TTL × (1 + accesses × DynamicTTLStep), MaxTTL)

Access history is kept in a table keyed by an xxh3 hash of pool and key. It
survives expiry, so keys that keep coming back live longer, and is dropped on
Del, Clear and eviction.

Expired entries are removed by a per-pool sweeper and lazily on Get.

# Eviction

A pool at its MaxKeys ceiling evicts its least recently used entry on insert.

A background memmon.MemoryMonitor samples process memory. Above
HighPressureThreshold the manager flushes every pool marked
FlushOnHighPressure, then drops HighEvictFraction of the least recently used
entries from the remaining pools in Priority order, optionally running a GC
after each pool. Above ModeratePressureThreshold it drops
ModerateEvictFraction from every pool without flushing. Only one pass runs at
a time; a pass requested while another is running is skipped.

EmergencyEvict runs the high-pressure pass regardless of measured memory. The
session controller calls it when a connection attempt fails with a
resource-exhaustion error.
*/
package cache
