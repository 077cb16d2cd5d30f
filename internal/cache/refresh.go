package cache

import (
	"context"
	"time"

	"github.com/EPguitars/proxycare/internal/model"
)

// Loader is the slice of the store the cache refreshers need.
type Loader interface {
	FetchAll(ctx context.Context) ([]model.ProxyRecord, error)
	FetchBySource(ctx context.Context, sourceID int64) ([]model.ProxyRecord, error)
}

// LoadAllFromStore pulls every record from the store and replaces the cache
// with it. Returns the number of records loaded.
func (c *Cache) LoadAllFromStore(ctx context.Context, loader Loader) (int, error) {
	recs, err := loader.FetchAll(ctx)
	if err != nil {
		return 0, err
	}
	if err := c.LoadAll(ctx, recs); err != nil {
		return 0, err
	}
	return len(recs), nil
}

// RefreshSourceFromStore rewrites one source's cache entries from the store.
func (c *Cache) RefreshSourceFromStore(ctx context.Context, loader Loader, sourceID int64, ttl time.Duration) (int, error) {
	recs, err := loader.FetchBySource(ctx, sourceID)
	if err != nil {
		return 0, err
	}
	if err := c.ReplaceSource(ctx, sourceID, recs, ttl); err != nil {
		return 0, err
	}
	return len(recs), nil
}
