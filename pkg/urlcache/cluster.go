// Package urlcache provides the shared cache cluster, its typed keyspaces,
// and the split read/write client pair used by all services.
//
// Design Notes:
//   - One keyspace per key class so each carries its own TTL: lookup entries
//     (1h), click buffers (300s), and the three lock classes (3s/2s/10s).
//   - Reads of the lookup keyspace go through ReadClient (replica when the
//     cluster has one); every mutation, counter, lock, and stream operation
//     goes through WriteClient (master). Master discovery and failover are
//     handled by the cache runtime; the REDIS_SENTINEL_* deployment options
//     configure that layer, not this package.
//   - A shared circuit breaker trips open after 5 consecutive failures,
//     stays open for 60s, and closes on the first success. All operations
//     are bounded by a 5s timeout.
//   - The fallback click stream is a list keyspace of JSON-encoded events;
//     a destructive pop acknowledges the entry.
package urlcache

import (
	"time"

	"encore.dev/storage/cache"

	"encore.app/pkg/models"
)

// Cluster is the primary cache cluster shared by the shortener, allocator,
// ingestion, and warming services.
var Cluster = cache.NewCluster("url-cache", cache.ClusterConfig{
	EvictionPolicy: cache.AllKeysLRU,
})

// FallbackCluster is the secondary cluster the allocator tries before
// falling through to the relational sequence.
var FallbackCluster = cache.NewCluster("allocator-fallback", cache.ClusterConfig{
	EvictionPolicy: cache.NoEviction,
})

// urls holds cached URL payloads under url/<short_code>, TTL 1 hour.
var urls = cache.NewStructKeyspace[string, models.CachedURLPayload](Cluster, cache.KeyspaceConfig{
	KeyPattern:    "url/:key",
	DefaultExpiry: cache.ExpireIn(time.Hour),
})

// clickBuffers holds per-code click counters, TTL 300s. The expiry re-arms
// on each increment, so an active buffer never expires mid-burst.
var clickBuffers = cache.NewIntKeyspace[string](Cluster, cache.KeyspaceConfig{
	KeyPattern:    "click_buffer/:key",
	DefaultExpiry: cache.ExpireIn(300 * time.Second),
})

// urlLocks are the single-flight lookup locks, TTL 3s.
var urlLocks = cache.NewStringKeyspace[string](Cluster, cache.KeyspaceConfig{
	KeyPattern:    "lock/url/:key",
	DefaultExpiry: cache.ExpireIn(3 * time.Second),
})

// flushLocks guard on-demand click-buffer flushes, TTL 2s.
var flushLocks = cache.NewStringKeyspace[string](Cluster, cache.KeyspaceConfig{
	KeyPattern:    "lock/click_flush/:key",
	DefaultExpiry: cache.ExpireIn(2 * time.Second),
})

// allocLocks serialize global counter updates, TTL 10s.
var allocLocks = cache.NewStringKeyspace[string](Cluster, cache.KeyspaceConfig{
	KeyPattern:    "lock/id_allocation/:key",
	DefaultExpiry: cache.ExpireIn(10 * time.Second),
})

// counters holds the global ID counter. No expiry.
var counters = cache.NewIntKeyspace[string](Cluster, cache.KeyspaceConfig{
	KeyPattern: "global_id/:key",
})

// fallbackCounters mirrors the counter on the secondary cluster. Allocation
// there is a plain atomic increment-by-size, no lock required.
var fallbackCounters = cache.NewIntKeyspace[string](FallbackCluster, cache.KeyspaceConfig{
	KeyPattern: "global_id/:key",
})

// auditRecords is the in-cache allocation audit map:
// "<start>-<end>" -> "<unix>:<size>". No expiry.
var auditRecords = cache.NewStringKeyspace[string](Cluster, cache.KeyspaceConfig{
	KeyPattern: "id_allocation_records/:key",
})

// AggKey identifies one per-consumer ingestion spill counter.
type AggKey struct {
	Consumer string
	Code     string
}

// aggCounters is the crash-resilient ingestion spill buffer, one counter per
// (consumer, short code). No expiry; deleted after each flush.
var aggCounters = cache.NewIntKeyspace[AggKey](Cluster, cache.KeyspaceConfig{
	KeyPattern: "ingestion_agg/:Consumer/:Code",
})

// streams holds the fallback click streams, keyed by stream name. Entries
// are JSON-encoded ClickEvents appended on the right, drained from the left.
var streams = cache.NewListKeyspace[string, string](Cluster, cache.KeyspaceConfig{
	KeyPattern: "stream/:key",
})

const (
	counterKey   = "counter"
	allocLockKey = "lock"
	probeKey     = "healthz"
)
