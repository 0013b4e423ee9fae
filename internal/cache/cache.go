// Package cache implements the namespaced TTL cache (spec §4.1, component
// C1) used for ESI/zkb lookup memoization and per-system metadata. The
// in-memory backend is lock-striped the way the teacher's in-memory
// CacheManager protects its map with a single RWMutex, generalized here to
// shards so writers across namespaces don't contend on one lock.
package cache

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"wanderer-kills/pkg/database"
)

const shardCount = 32

// Cache namespace names (spec §4.1).
const (
	NamespaceCharacterInfo       = "character_info"
	NamespaceCorporationInfo     = "corporation_info"
	NamespaceAllianceInfo        = "alliance_info"
	NamespaceShipType            = "ship_type"
	NamespaceGroup               = "group"
	NamespaceSystemFetchTS       = "system_fetch_timestamp"
	NamespaceSystemActive        = "system_active"
	NamespaceKillmail            = "killmail"
	NamespaceCharacterExtraction = "character_extraction"
)

// Cache is the namespaced TTL key/value store described in spec §4.1.
// Missing keys are not errors; Get reports found=false.
type Cache interface {
	Put(ctx context.Context, namespace, key string, value any)
	Get(ctx context.Context, namespace, key string) (value any, found bool)
	Delete(ctx context.Context, namespace, key string)
	Exists(ctx context.Context, namespace, key string) bool
	Size(namespace string) int
}

type entry struct {
	value     any
	expiresAt time.Time
}

type shard struct {
	mu   sync.RWMutex
	data map[string]entry
}

// Memory is the default, always-available Cache backend.
type Memory struct {
	shards     [shardCount]*shard
	ttls       map[string]time.Duration
	defaultTTL time.Duration
}

// NewMemory builds an in-memory Cache. ttls maps namespace -> TTL; a
// namespace absent from ttls uses defaultTTL (spec default: 24h for ESI
// lookups, shorter for extractions — callers pass the per-namespace map
// built from config.GetCacheTTL).
func NewMemory(ttls map[string]time.Duration, defaultTTL time.Duration) *Memory {
	m := &Memory{ttls: ttls, defaultTTL: defaultTTL}
	for i := range m.shards {
		m.shards[i] = &shard{data: make(map[string]entry)}
	}
	return m
}

func shardFor(shards *[shardCount]*shard, namespace, key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(namespace))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key))
	return shards[h.Sum32()%shardCount]
}

func (m *Memory) ttlFor(namespace string) time.Duration {
	if ttl, ok := m.ttls[namespace]; ok {
		return ttl
	}
	return m.defaultTTL
}

func nsKey(namespace, key string) string { return namespace + "\x00" + key }

func (m *Memory) Put(_ context.Context, namespace, key string, value any) {
	s := shardFor(&m.shards, namespace, key)
	s.mu.Lock()
	s.data[nsKey(namespace, key)] = entry{value: value, expiresAt: time.Now().Add(m.ttlFor(namespace))}
	s.mu.Unlock()
}

func (m *Memory) Get(_ context.Context, namespace, key string) (any, bool) {
	s := shardFor(&m.shards, namespace, key)
	s.mu.RLock()
	e, ok := s.data[nsKey(namespace, key)]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.data, nsKey(namespace, key))
		s.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

func (m *Memory) Delete(_ context.Context, namespace, key string) {
	s := shardFor(&m.shards, namespace, key)
	s.mu.Lock()
	delete(s.data, nsKey(namespace, key))
	s.mu.Unlock()
}

func (m *Memory) Exists(ctx context.Context, namespace, key string) bool {
	_, found := m.Get(ctx, namespace, key)
	return found
}

// Size returns the number of live (non-expired not guaranteed, lazily
// evicted on read) entries across all shards for namespace.
func (m *Memory) Size(namespace string) int {
	count := 0
	prefix := namespace + "\x00"
	for _, s := range m.shards {
		s.mu.RLock()
		for k := range s.data {
			if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
				count++
			}
		}
		s.mu.RUnlock()
	}
	return count
}

// Redis is an optional Cache backend backed by the shared Redis client
// (grounded on pkg/database.Redis's SetJSON/GetJSON helpers), selected via
// CACHE_BACKEND=redis. Size is not supported efficiently on Redis (would
// require a SCAN) and returns -1.
type Redis struct {
	client *database.Redis
	ttls   map[string]time.Duration
	defaultTTL time.Duration
}

func NewRedis(client *database.Redis, ttls map[string]time.Duration, defaultTTL time.Duration) *Redis {
	return &Redis{client: client, ttls: ttls, defaultTTL: defaultTTL}
}

func (r *Redis) ttlFor(namespace string) time.Duration {
	if ttl, ok := r.ttls[namespace]; ok {
		return ttl
	}
	return r.defaultTTL
}

func (r *Redis) Put(ctx context.Context, namespace, key string, value any) {
	_ = r.client.SetJSON(ctx, nsKey(namespace, key), value, r.ttlFor(namespace))
}

func (r *Redis) Get(ctx context.Context, namespace, key string) (any, bool) {
	var v any
	if err := r.client.GetJSON(ctx, nsKey(namespace, key), &v); err != nil {
		return nil, false
	}
	return v, true
}

func (r *Redis) Delete(ctx context.Context, namespace, key string) {
	_ = r.client.Delete(ctx, nsKey(namespace, key))
}

func (r *Redis) Exists(ctx context.Context, namespace, key string) bool {
	n, err := r.client.Exists(ctx, nsKey(namespace, key))
	return err == nil && n > 0
}

func (r *Redis) Size(string) int { return -1 }

// GetTyped fetches a cached value and decodes it as T. The Memory backend
// hands back the exact value Put stored, so a type assertion alone would
// suffice there, but the Redis backend round-trips every value through
// GetJSON(ctx, key, &v) with v any, which decodes a struct as
// map[string]interface{}, not T. GetTyped re-marshals/unmarshals through
// JSON whenever the stored value isn't already a T, so callers get the same
// typed result regardless of backend instead of risking a panicking type
// assertion on a cache hit.
func GetTyped[T any](ctx context.Context, c Cache, namespace, key string) (T, bool) {
	var zero T
	v, found := c.Get(ctx, namespace, key)
	if !found {
		return zero, false
	}
	if typed, ok := v.(T); ok {
		return typed, true
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return zero, false
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, false
	}
	return out, true
}
