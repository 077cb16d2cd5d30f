// Package pool holds the per-source in-memory FIFOs of available proxy
// records. A record is in at most one pool at a time; leasing removes it
// via Pop and the cool-down scheduler puts it back via Push.
package pool

import (
	"sync"

	"github.com/gammazero/deque"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/EPguitars/proxycare/internal/model"
)

// Manager owns one FIFO per source id. Pools are created on first use and
// each has its own mutex; there is no global lock.
type Manager struct {
	pools *xsync.Map[string, *sourcePool]
}

type sourcePool struct {
	mu   sync.Mutex
	fifo deque.Deque[model.ProxyRecord]
	ids  map[int64]struct{}
}

// NewManager creates an empty pool manager.
func NewManager() *Manager {
	return &Manager{pools: xsync.NewMap[string, *sourcePool]()}
}

func (m *Manager) get(sourceID string) *sourcePool {
	p, _ := m.pools.LoadOrCompute(sourceID, func() (*sourcePool, bool) {
		return &sourcePool{ids: make(map[int64]struct{})}, false
	})
	return p
}

// Pop removes and returns the head of the source's pool.
func (m *Manager) Pop(sourceID string) (model.ProxyRecord, bool) {
	p, ok := m.pools.Load(sourceID)
	if !ok {
		return model.ProxyRecord{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fifo.Len() == 0 {
		return model.ProxyRecord{}, false
	}
	rec := p.fifo.PopFront()
	delete(p.ids, rec.ID)
	return rec, true
}

// Push appends a record to the tail of the source's pool. Returns false when
// a record with the same id is already pooled; duplicates are never stored.
func (m *Manager) Push(sourceID string, rec model.ProxyRecord) bool {
	p := m.get(sourceID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.ids[rec.ID]; dup {
		return false
	}
	p.fifo.PushBack(rec)
	p.ids[rec.ID] = struct{}{}
	return true
}

// PushFront restores a record to the head of its pool. Used when a dispatch
// fails after the pop so the record keeps its place in line.
func (m *Manager) PushFront(sourceID string, rec model.ProxyRecord) bool {
	p := m.get(sourceID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.ids[rec.ID]; dup {
		return false
	}
	p.fifo.PushFront(rec)
	p.ids[rec.ID] = struct{}{}
	return true
}

// Len returns the number of records pooled for a source.
func (m *Manager) Len(sourceID string) int {
	p, ok := m.pools.Load(sourceID)
	if !ok {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fifo.Len()
}

// Snapshot returns a copy of the source's pool in FIFO order.
func (m *Manager) Snapshot(sourceID string) []model.ProxyRecord {
	p, ok := m.pools.Load(sourceID)
	if !ok {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.ProxyRecord, 0, p.fifo.Len())
	for i := 0; i < p.fifo.Len(); i++ {
		out = append(out, p.fifo.At(i))
	}
	return out
}

// Replace swaps the source's pool contents for recs, preserving order and
// dropping duplicate ids. Used by startup load and manual refresh.
func (m *Manager) Replace(sourceID string, recs []model.ProxyRecord) int {
	p := m.get(sourceID)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fifo.Clear()
	p.ids = make(map[int64]struct{}, len(recs))
	for _, rec := range recs {
		if _, dup := p.ids[rec.ID]; dup {
			continue
		}
		p.fifo.PushBack(rec)
		p.ids[rec.ID] = struct{}{}
	}
	return p.fifo.Len()
}

// Sizes returns the pool size per source id.
func (m *Manager) Sizes() map[string]int {
	out := make(map[string]int)
	m.pools.Range(func(sourceID string, p *sourcePool) bool {
		p.mu.Lock()
		out[sourceID] = p.fifo.Len()
		p.mu.Unlock()
		return true
	})
	return out
}

// SourceOf scans the pools for a record id and returns its source. The scan
// only sees currently pooled records; leased and cooling records are resolved
// through the RecordIndex instead.
func (m *Manager) SourceOf(proxyID int64) (string, bool) {
	var found string
	ok := false
	m.pools.Range(func(sourceID string, p *sourcePool) bool {
		p.mu.Lock()
		_, has := p.ids[proxyID]
		p.mu.Unlock()
		if has {
			found, ok = sourceID, true
			return false
		}
		return true
	})
	return found, ok
}
