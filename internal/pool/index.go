package pool

import (
	"fmt"
	"strconv"

	"github.com/maypok86/otter"

	"github.com/EPguitars/proxycare/internal/model"
)

// RecordIndex resolves a proxy id to its record regardless of where the
// record currently lives (pool, lease, or cool-down). proxy_taken broadcasts
// need the source of an id that was popped moments ago, so a pool scan alone
// is not enough.
type RecordIndex struct {
	cache otter.Cache[int64, model.ProxyRecord]
}

// NewRecordIndex creates an index sized for capacity records.
func NewRecordIndex(capacity int) (*RecordIndex, error) {
	cache, err := otter.MustBuilder[int64, model.ProxyRecord](capacity).Build()
	if err != nil {
		return nil, fmt.Errorf("record index: %w", err)
	}
	return &RecordIndex{cache: cache}, nil
}

// Put registers or refreshes a record.
func (i *RecordIndex) Put(rec model.ProxyRecord) {
	i.cache.Set(rec.ID, rec)
}

// PutAll registers a batch of records.
func (i *RecordIndex) PutAll(recs []model.ProxyRecord) {
	for _, rec := range recs {
		i.cache.Set(rec.ID, rec)
	}
}

// Get returns the indexed record for an id.
func (i *RecordIndex) Get(proxyID int64) (model.ProxyRecord, bool) {
	return i.cache.Get(proxyID)
}

// SourceOf returns the source id (string form) a proxy belongs to.
func (i *RecordIndex) SourceOf(proxyID int64) (string, bool) {
	rec, ok := i.cache.Get(proxyID)
	if !ok {
		return "", false
	}
	return strconv.FormatInt(rec.SourceID, 10), true
}

// Delete removes an id from the index.
func (i *RecordIndex) Delete(proxyID int64) {
	i.cache.Delete(proxyID)
}

// Close releases the underlying cache resources.
func (i *RecordIndex) Close() {
	i.cache.Close()
}
