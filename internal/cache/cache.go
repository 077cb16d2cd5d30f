// Package cache is the Redis warm layer over the authoritative store. It
// holds JSON-encoded proxy records under four key families: one string per
// record, one list per source, one list per priority band, and one list with
// everything. Plaintext credentials only; encryption happens at dispatch.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/EPguitars/proxycare/internal/model"
)

const (
	keyAll          = "proxies:all"
	keyProxyPrefix  = "proxy:"
	keySourcePrefix = "proxies:source:"
	keyBandPrefix   = "proxies:priority:"

	// Priorities above this are clamped into the top band.
	maxPriority = 100
)

func keyProxy(id int64) string        { return fmt.Sprintf("%s%d", keyProxyPrefix, id) }
func keySource(sourceID int64) string { return fmt.Sprintf("%s%d", keySourcePrefix, sourceID) }
func keyBand(band int) string         { return fmt.Sprintf("%s%d", keyBandPrefix, band) }

// PriorityBand maps a priority to its band bucket (34 -> 30, 90 -> 90).
func PriorityBand(priority int) int {
	if priority < 0 {
		return 0
	}
	return priority / 10 * 10
}

// Cache wraps one Redis client.
type Cache struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects to Redis. An unreachable Redis is logged, not fatal: the
// broker starts anyway and every cache miss falls through to the store.
func New(ctx context.Context, addr, password string, db int, logger *zap.Logger) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable, starting degraded", zap.String("addr", addr), zap.Error(err))
	}
	return &Cache{rdb: rdb, logger: logger}
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

func marshal(rec model.ProxyRecord) (string, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("cache: marshal proxy %d: %w", rec.ID, err)
	}
	return string(b), nil
}

// LoadAll replaces the whole cache with the given records: the all-list, the
// per-id strings, the per-source lists, and the priority bands, in one
// pipeline.
func (c *Cache) LoadAll(ctx context.Context, recs []model.ProxyRecord) error {
	if err := c.Clear(ctx); err != nil {
		return err
	}
	pipe := c.rdb.Pipeline()
	pipe.Del(ctx, keyAll)
	for _, rec := range recs {
		data, err := marshal(rec)
		if err != nil {
			return err
		}
		pipe.RPush(ctx, keyAll, data)
		pipe.Set(ctx, keyProxy(rec.ID), data, 0)
		if rec.SourceID != 0 {
			pipe.RPush(ctx, keySource(rec.SourceID), data)
		}
		if rec.Priority > 0 {
			pipe.RPush(ctx, keyBand(PriorityBand(rec.Priority)), data)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: load all: %w", err)
	}
	c.logger.Info("cache loaded", zap.Int("proxies", len(recs)))
	return nil
}

// ReplaceSource rewrites one source's list and the per-id strings for its
// records. A positive ttl expires the source list, so refill write-throughs
// age out instead of serving stale credentials forever.
func (c *Cache) ReplaceSource(ctx context.Context, sourceID int64, recs []model.ProxyRecord, ttl time.Duration) error {
	pipe := c.rdb.Pipeline()
	pipe.Del(ctx, keySource(sourceID))
	for _, rec := range recs {
		data, err := marshal(rec)
		if err != nil {
			return err
		}
		pipe.RPush(ctx, keySource(sourceID), data)
		pipe.Set(ctx, keyProxy(rec.ID), data, 0)
	}
	if ttl > 0 && len(recs) > 0 {
		pipe.Expire(ctx, keySource(sourceID), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: replace source %d: %w", sourceID, err)
	}
	return nil
}

func (c *Cache) readList(ctx context.Context, key string) ([]model.ProxyRecord, error) {
	items, err := c.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: lrange %s: %w", key, err)
	}
	out := make([]model.ProxyRecord, 0, len(items))
	for _, item := range items {
		var rec model.ProxyRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			// A corrupt entry is skipped rather than poisoning the whole read.
			c.logger.Warn("skipping corrupt cache entry",
				zap.String("key", key), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// GetAll returns every cached record.
func (c *Cache) GetAll(ctx context.Context) ([]model.ProxyRecord, error) {
	return c.readList(ctx, keyAll)
}

// GetByID returns one record, or ok=false when it is not cached.
func (c *Cache) GetByID(ctx context.Context, id int64) (model.ProxyRecord, bool, error) {
	data, err := c.rdb.Get(ctx, keyProxy(id)).Result()
	if err == redis.Nil {
		return model.ProxyRecord{}, false, nil
	}
	if err != nil {
		return model.ProxyRecord{}, false, fmt.Errorf("cache: get proxy %d: %w", id, err)
	}
	var rec model.ProxyRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return model.ProxyRecord{}, false, fmt.Errorf("cache: decode proxy %d: %w", id, err)
	}
	return rec, true, nil
}

// GetBySource returns the cached records for one source.
func (c *Cache) GetBySource(ctx context.Context, sourceID int64) ([]model.ProxyRecord, error) {
	return c.readList(ctx, keySource(sourceID))
}

// GetHighPriority returns cached records with priority >= min, walking the
// band lists from min's band up.
func (c *Cache) GetHighPriority(ctx context.Context, min int) ([]model.ProxyRecord, error) {
	var out []model.ProxyRecord
	for band := PriorityBand(min); band <= maxPriority; band += 10 {
		recs, err := c.readList(ctx, keyBand(band))
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if rec.Priority >= min {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

// UpdateRecord rewrites one record's per-id string and its entry in the
// source list.
func (c *Cache) UpdateRecord(ctx context.Context, rec model.ProxyRecord) error {
	data, err := marshal(rec)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, keyProxy(rec.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("cache: update proxy %d: %w", rec.ID, err)
	}
	if rec.SourceID == 0 {
		return nil
	}
	current, err := c.GetBySource(ctx, rec.SourceID)
	if err != nil {
		return err
	}
	for i := range current {
		if current[i].ID == rec.ID {
			current[i] = rec
		}
	}
	return c.ReplaceSource(ctx, rec.SourceID, current, 0)
}

// Delete removes one record from the per-id strings and its source list.
func (c *Cache) Delete(ctx context.Context, id, sourceID int64) error {
	if err := c.rdb.Del(ctx, keyProxy(id)).Err(); err != nil {
		return fmt.Errorf("cache: delete proxy %d: %w", id, err)
	}
	if sourceID == 0 {
		return nil
	}
	current, err := c.GetBySource(ctx, sourceID)
	if err != nil {
		return err
	}
	kept := current[:0]
	for _, rec := range current {
		if rec.ID != id {
			kept = append(kept, rec)
		}
	}
	return c.ReplaceSource(ctx, sourceID, kept, 0)
}

// Clear removes every proxy key via SCAN, never KEYS.
func (c *Cache) Clear(ctx context.Context) error {
	for _, pattern := range []string{keyProxyPrefix + "*", "proxies:*"} {
		iter := c.rdb.Scan(ctx, 0, pattern, 500).Iterator()
		var batch []string
		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
			if len(batch) >= 500 {
				if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
					return fmt.Errorf("cache: clear: %w", err)
				}
				batch = batch[:0]
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("cache: scan %s: %w", pattern, err)
		}
		if len(batch) > 0 {
			if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("cache: clear: %w", err)
			}
		}
	}
	return nil
}
