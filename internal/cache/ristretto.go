package cache

import (
	"encoding/json"
	"time"

	"github.com/dgraph-io/ristretto"

	"permstate/internal/models"
)

// MemoryCache holds the last observed state per permission name
type MemoryCache interface {
	Get(name string) (models.Snapshot, bool)
	Set(name string, snapshot models.Snapshot, ttl time.Duration)
	Delete(name string)
	GetMultiple(names []string) map[string]models.Snapshot
	Size() int
	Clear()
	Metrics() CacheMetrics
}

// CacheMetrics provides cache performance metrics
type CacheMetrics struct {
	Hits        uint64
	Misses      uint64
	KeysAdded   uint64
	KeysEvicted uint64
	CostAdded   uint64
	CostEvicted uint64
}

// RistrettoConfig holds Ristretto cache configuration
type RistrettoConfig struct {
	MaxCost     int64 // Maximum cost of cache (bytes)
	NumCounters int64 // Number of counters for TinyLFU admission policy
	BufferItems int64 // Buffer size for async operations
	Metrics     bool  // Enable metrics collection
}

// ristrettoCache implements MemoryCache using Ristretto
type ristrettoCache struct {
	cache  *ristretto.Cache
	config RistrettoConfig
}

// NewRistrettoCache creates a new Ristretto-based snapshot cache
func NewRistrettoCache(config RistrettoConfig) (MemoryCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		MaxCost:     config.MaxCost,
		NumCounters: config.NumCounters,
		BufferItems: config.BufferItems,
		Metrics:     config.Metrics,
	})
	if err != nil {
		return nil, err
	}

	return &ristrettoCache{
		cache:  cache,
		config: config,
	}, nil
}

// NewMemoryCache sizes a cache for roughly maxItems snapshots
func NewMemoryCache(maxItems int) (MemoryCache, error) {
	return NewRistrettoCache(RistrettoConfig{
		MaxCost:     int64(maxItems) * 150,
		NumCounters: int64(maxItems) * 10,
		BufferItems: 64,
		Metrics:     true,
	})
}

// Get retrieves a snapshot, treating expired or foreign values as a miss
func (c *ristrettoCache) Get(name string) (models.Snapshot, bool) {
	value, found := c.cache.Get(name)
	if !found {
		return models.Snapshot{}, false
	}

	snapshot, ok := value.(models.Snapshot)
	if !ok {
		c.cache.Del(name)
		return models.Snapshot{}, false
	}

	if snapshot.IsExpired() {
		c.cache.Del(name)
		return models.Snapshot{}, false
	}

	return snapshot, true
}

// Set stores a snapshot. A positive ttl overrides the snapshot's own TTL.
func (c *ristrettoCache) Set(name string, snapshot models.Snapshot, ttl time.Duration) {
	if ttl > 0 {
		snapshot.TTL = ttl
	}
	c.cache.Set(name, snapshot, c.estimateCost(snapshot))

	// Ristretto admits asynchronously; callers read their own writes
	c.cache.Wait()
}

// Delete removes a snapshot
func (c *ristrettoCache) Delete(name string) {
	c.cache.Del(name)
	c.cache.Wait()
}

// GetMultiple retrieves the snapshots that are present
func (c *ristrettoCache) GetMultiple(names []string) map[string]models.Snapshot {
	result := make(map[string]models.Snapshot)
	for _, name := range names {
		if snapshot, found := c.Get(name); found {
			result[name] = snapshot
		}
	}
	return result
}

// Size returns the approximate number of items in the cache.
// Without metrics Ristretto cannot report it and 0 is returned.
func (c *ristrettoCache) Size() int {
	if !c.config.Metrics {
		return 0
	}
	m := c.cache.Metrics
	return int(m.KeysAdded() - m.KeysEvicted())
}

// Clear removes all items from the cache
func (c *ristrettoCache) Clear() {
	c.cache.Clear()
}

// Metrics returns cache performance metrics
func (c *ristrettoCache) Metrics() CacheMetrics {
	if !c.config.Metrics {
		return CacheMetrics{}
	}

	m := c.cache.Metrics
	return CacheMetrics{
		Hits:        m.Hits(),
		Misses:      m.Misses(),
		KeysAdded:   m.KeysAdded(),
		KeysEvicted: m.KeysEvicted(),
		CostAdded:   m.CostAdded(),
		CostEvicted: m.CostEvicted(),
	}
}

// estimateCost estimates the memory cost of a snapshot
func (c *ristrettoCache) estimateCost(snapshot models.Snapshot) int64 {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return 150
	}
	return int64(len(data) + 64)
}
