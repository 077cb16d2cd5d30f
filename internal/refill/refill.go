// Package refill tops up an empty source pool on demand. Exactly one refill
// runs per source at a time; a session that loses the race just reports
// waiting and retries on its next loop. Cache candidates are tried before the
// store, and everything handed to a pool is marked taken first so a restart
// cannot double-lease.
package refill

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/EPguitars/proxycare/internal/model"
)

// Pools is the pool surface the coordinator pushes into.
type Pools interface {
	Push(source string, rec model.ProxyRecord) bool
	Replace(source string, recs []model.ProxyRecord) int
}

// Index registers records so later proxy_taken lookups can resolve them.
type Index interface {
	Put(rec model.ProxyRecord)
}

// Warm is the cache surface: read candidates, write batches through.
type Warm interface {
	GetBySource(ctx context.Context, sourceID int64) ([]model.ProxyRecord, error)
	ReplaceSource(ctx context.Context, sourceID int64, recs []model.ProxyRecord, ttl time.Duration) error
}

// Store is the authoritative surface: transactional check-out plus marking
// cache-sourced candidates taken, and full reads for preload.
type Store interface {
	CheckOutBatch(ctx context.Context, sourceID int64, limit int) ([]model.ProxyRecord, error)
	MarkTaken(ctx context.Context, ids []int64) error
	FetchBySource(ctx context.Context, sourceID int64) ([]model.ProxyRecord, error)
}

// Coordinator serializes refills per source.
type Coordinator struct {
	pools     Pools
	index     Index
	warm      Warm
	store     Store
	logger    *zap.Logger
	batchSize int
	cacheTTL  time.Duration

	locks *xsync.Map[string, *atomic.Bool]
}

// New builds a coordinator. batchSize bounds one refill's intake; cacheTTL
// expires write-through batches.
func New(pools Pools, index Index, warm Warm, store Store, batchSize int, cacheTTL time.Duration, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		pools:     pools,
		index:     index,
		warm:      warm,
		store:     store,
		logger:    logger,
		batchSize: batchSize,
		cacheTTL:  cacheTTL,
		locks:     xsync.NewMap[string, *atomic.Bool](),
	}
}

// TryRefill attempts one refill for the source and reports whether any
// record was added. Returns false immediately when another refill for the
// same source is in flight.
func (c *Coordinator) TryRefill(ctx context.Context, sourceKey string) bool {
	sourceID, err := strconv.ParseInt(sourceKey, 10, 64)
	if err != nil {
		c.logger.Warn("refill skipped, non-numeric source", zap.String("source", sourceKey))
		return false
	}

	lock, _ := c.locks.LoadOrCompute(sourceKey, func() (*atomic.Bool, bool) {
		return &atomic.Bool{}, false
	})
	if !lock.CompareAndSwap(false, true) {
		return false
	}
	defer lock.Store(false)

	if added := c.fromCache(ctx, sourceKey, sourceID); added > 0 {
		c.logger.Debug("refilled from cache",
			zap.String("source", sourceKey), zap.Int("added", added))
		return true
	}
	added := c.fromStore(ctx, sourceKey, sourceID)
	if added > 0 {
		c.logger.Debug("refilled from store",
			zap.String("source", sourceKey), zap.Int("added", added))
	}
	return added > 0
}

// Preload replaces a source's cache entries and pool contents with the full
// record set from the store. Subscription start uses this so a fresh client
// sees the whole source, matching the manual refresh endpoint. Returns the
// number of records now pooled.
func (c *Coordinator) Preload(ctx context.Context, sourceKey string) (int, error) {
	sourceID, err := strconv.ParseInt(sourceKey, 10, 64)
	if err != nil {
		return 0, err
	}
	recs, err := c.store.FetchBySource(ctx, sourceID)
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}
	if err := c.warm.ReplaceSource(ctx, sourceID, recs, 0); err != nil {
		c.logger.Warn("cache writeback failed", zap.String("source", sourceKey), zap.Error(err))
	}
	for _, rec := range recs {
		c.index.Put(rec)
	}
	return c.pools.Replace(sourceKey, recs), nil
}

// fromCache takes up to batchSize untaken candidates from the warm cache.
// They are marked taken in the store before entering the pool; if that
// fails, nothing is handed out.
func (c *Coordinator) fromCache(ctx context.Context, sourceKey string, sourceID int64) int {
	recs, err := c.warm.GetBySource(ctx, sourceID)
	if err != nil {
		// Cache trouble is never fatal; the store path still works.
		c.logger.Warn("cache read failed", zap.String("source", sourceKey), zap.Error(err))
		return 0
	}

	var take []model.ProxyRecord
	for _, rec := range recs {
		if rec.Blocked {
			continue
		}
		take = append(take, rec)
		if len(take) == c.batchSize {
			break
		}
	}
	if len(take) == 0 {
		return 0
	}

	ids := make([]int64, len(take))
	taken := make(map[int64]struct{}, len(take))
	for i, rec := range take {
		ids[i] = rec.ID
		taken[rec.ID] = struct{}{}
	}
	if err := c.store.MarkTaken(ctx, ids); err != nil {
		c.logger.Warn("mark taken failed", zap.String("source", sourceKey), zap.Error(err))
		return 0
	}

	for i := range recs {
		if _, ok := taken[recs[i].ID]; ok {
			recs[i].Blocked = true
		}
	}
	if err := c.warm.ReplaceSource(ctx, sourceID, recs, 0); err != nil {
		c.logger.Warn("cache writeback failed", zap.String("source", sourceKey), zap.Error(err))
	}

	added := 0
	for _, rec := range take {
		rec.Blocked = true
		c.index.Put(rec)
		if c.pools.Push(sourceKey, rec) {
			added++
		}
	}
	return added
}

// fromStore checks a batch out of the store (fetch + mark taken in one
// transaction) and writes it through to the cache with the refill TTL.
func (c *Coordinator) fromStore(ctx context.Context, sourceKey string, sourceID int64) int {
	recs, err := c.store.CheckOutBatch(ctx, sourceID, c.batchSize)
	if err != nil {
		c.logger.Warn("store check-out failed", zap.String("source", sourceKey), zap.Error(err))
		return 0
	}
	if len(recs) == 0 {
		return 0
	}

	for i := range recs {
		recs[i].Blocked = true
	}
	if err := c.warm.ReplaceSource(ctx, sourceID, recs, c.cacheTTL); err != nil {
		c.logger.Warn("cache writeback failed", zap.String("source", sourceKey), zap.Error(err))
	}

	added := 0
	for _, rec := range recs {
		c.index.Put(rec)
		if c.pools.Push(sourceKey, rec) {
			added++
		}
	}
	return added
}
