package refill

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/EPguitars/proxycare/internal/model"
)

// BulkStore reads the full proxy table.
type BulkStore interface {
	FetchAll(ctx context.Context) ([]model.ProxyRecord, error)
}

// BulkWarm replaces the whole cache.
type BulkWarm interface {
	LoadAll(ctx context.Context, recs []model.ProxyRecord) error
}

// Bootstrap rebuilds the warm cache and every pool from the store. It runs
// once at startup and again on the manual refresh endpoint.
type Bootstrap struct {
	pools  Pools
	index  Index
	warm   BulkWarm
	store  BulkStore
	logger *zap.Logger
}

// NewBootstrap wires a full-reload helper.
func NewBootstrap(pools Pools, index Index, warm BulkWarm, store BulkStore, logger *zap.Logger) *Bootstrap {
	return &Bootstrap{pools: pools, index: index, warm: warm, store: store, logger: logger}
}

// RefreshAll reloads cache and pools and returns the number of source pools.
// In-flight leases are not tracked across a refresh; a cooling record that
// was re-added here is deduplicated when its return timer fires.
func (b *Bootstrap) RefreshAll(ctx context.Context) (int, error) {
	recs, err := b.store.FetchAll(ctx)
	if err != nil {
		return 0, err
	}
	if err := b.warm.LoadAll(ctx, recs); err != nil {
		// The pools can still be rebuilt; Redis catches up on the next pass.
		b.logger.Warn("cache reload failed", zap.Error(err))
	}

	bySource := make(map[string][]model.ProxyRecord)
	for _, rec := range recs {
		key := strconv.FormatInt(rec.SourceID, 10)
		bySource[key] = append(bySource[key], rec)
	}
	for key, group := range bySource {
		b.pools.Replace(key, group)
		for _, rec := range group {
			b.index.Put(rec)
		}
	}

	b.logger.Info("pools reloaded",
		zap.Int("sources", len(bySource)),
		zap.Int("proxies", len(recs)))
	return len(bySource), nil
}
