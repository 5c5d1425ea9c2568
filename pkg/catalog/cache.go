// Package catalog maintains the in-memory kit and product snapshots used by
// the fingerprint engine. Snapshots are replaced wholesale under a monotone
// snapshot-timestamp gate; readers never see a partially populated map.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/packhouse-labs/fulfillment-core/pkg/model"
)

// Store is the persistence surface the cache reads from.
type Store interface {
	KitSnapshotTimestamp(ctx context.Context) (time.Time, error)
	LoadKitSnapshot(ctx context.Context) (map[string][]model.KitComponent, time.Time, error)
	GetProducts(ctx context.Context, skus []string) (map[string]model.CatalogProduct, error)
}

const (
	redisSnapshotKey = "catalog:kit_snapshot"
	redisSnapshotTTL = 24 * time.Hour
)

// Stats reports cache health for the ops surface.
type Stats struct {
	KitCount          int       `json:"kit_count"`
	SnapshotTimestamp time.Time `json:"snapshot_timestamp"`
	Refreshes         int64     `json:"refreshes"`
	SharedCacheHits   int64     `json:"shared_cache_hits"`
	LastRefreshAt     time.Time `json:"last_refresh_at"`
}

type kitSnapshot struct {
	Kits      map[string][]model.KitComponent `json:"kits"`
	Timestamp time.Time                       `json:"timestamp"`
}

// Cache is the shared kit/catalog cache. Product lookups pass through to
// the hourly-mirrored table; kit mappings are held as an immutable snapshot.
type Cache struct {
	store  Store
	shared *redis.Client // nil disables write-through
	logger *slog.Logger

	mu       sync.RWMutex
	snapshot *kitSnapshot

	statsMu         sync.Mutex
	refreshes       int64
	sharedCacheHits int64
	lastRefreshAt   time.Time
}

// New creates a cache. The Redis client may be nil in tests.
func New(store Store, shared *redis.Client, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:  store,
		shared: shared,
		logger: logger.With("component", "catalog_cache"),
	}
}

// EnsureFresh refreshes the kit snapshot when the upstream view has a newer
// snapshot timestamp. Stale reads are acceptable: on fetch failure the
// previous snapshot stays in place and the error is returned for logging.
func (c *Cache) EnsureFresh(ctx context.Context) error {
	upstream, err := c.store.KitSnapshotTimestamp(ctx)
	if err != nil {
		return fmt.Errorf("check kit snapshot timestamp: %w", err)
	}

	c.mu.RLock()
	current := c.snapshot
	c.mu.RUnlock()
	if current != nil && !upstream.After(current.Timestamp) {
		return nil
	}

	// A sibling process may have refreshed already; prefer its snapshot.
	if snap := c.fromSharedCache(ctx, upstream); snap != nil {
		c.install(snap)
		c.statsMu.Lock()
		c.sharedCacheHits++
		c.statsMu.Unlock()
		return nil
	}

	kits, ts, err := c.store.LoadKitSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load kit snapshot: %w", err)
	}
	snap := &kitSnapshot{Kits: kits, Timestamp: ts}
	c.install(snap)
	c.writeThrough(ctx, snap)
	c.logger.Info("kit snapshot refreshed", "kits", len(kits), "snapshot_ts", ts)
	return nil
}

func (c *Cache) install(snap *kitSnapshot) {
	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()
	c.statsMu.Lock()
	c.refreshes++
	c.lastRefreshAt = time.Now()
	c.statsMu.Unlock()
}

func (c *Cache) fromSharedCache(ctx context.Context, want time.Time) *kitSnapshot {
	if c.shared == nil {
		return nil
	}
	data, err := c.shared.Get(ctx, redisSnapshotKey).Bytes()
	if err != nil {
		return nil // miss or unavailable, fall through to the database
	}
	var snap kitSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		c.logger.Warn("corrupt shared kit snapshot, ignoring", "error", err)
		return nil
	}
	if snap.Timestamp.Before(want) {
		return nil
	}
	return &snap
}

func (c *Cache) writeThrough(ctx context.Context, snap *kitSnapshot) {
	if c.shared == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := c.shared.Set(ctx, redisSnapshotKey, data, redisSnapshotTTL).Err(); err != nil {
		c.logger.Warn("kit snapshot write-through failed", "error", err)
	}
}

// IsKit reports whether sku has kit component mappings.
func (c *Cache) IsKit(sku string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshot == nil {
		return false
	}
	_, ok := c.snapshot.Kits[sku]
	return ok
}

// Components returns the ordered component list for a kit SKU. The second
// return is false when sku is not a known kit.
func (c *Cache) Components(sku string) ([]model.KitComponent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshot == nil {
		return nil, false
	}
	comps, ok := c.snapshot.Kits[sku]
	return comps, ok
}

// Preload refreshes the snapshot and warms product rows for the given SKUs
// in one batch. Used before hydration so per-line lookups stay in memory.
func (c *Cache) Preload(ctx context.Context, skus []string) (map[string]model.CatalogProduct, error) {
	if err := c.EnsureFresh(ctx); err != nil {
		c.logger.Warn("kit snapshot refresh failed, serving previous snapshot", "error", err)
	}
	return c.store.GetProducts(ctx, skus)
}

// GetProducts batch-loads catalog rows.
func (c *Cache) GetProducts(ctx context.Context, skus []string) (map[string]model.CatalogProduct, error) {
	return c.store.GetProducts(ctx, skus)
}

// Stats returns cache counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	snap := c.snapshot
	c.mu.RUnlock()
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	st := Stats{
		Refreshes:       c.refreshes,
		SharedCacheHits: c.sharedCacheHits,
		LastRefreshAt:   c.lastRefreshAt,
	}
	if snap != nil {
		st.KitCount = len(snap.Kits)
		st.SnapshotTimestamp = snap.Timestamp
	}
	return st
}
