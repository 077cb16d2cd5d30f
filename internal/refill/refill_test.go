package refill

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/EPguitars/proxycare/internal/model"
)

type fakePools struct {
	mu     sync.Mutex
	pushed []model.ProxyRecord
}

func (f *fakePools) Push(source string, rec model.ProxyRecord) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, rec)
	return true
}

func (f *fakePools) Replace(source string, recs []model.ProxyRecord) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append([]model.ProxyRecord(nil), recs...)
	return len(recs)
}

func (f *fakePools) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushed)
}

type fakeIndex struct {
	mu  sync.Mutex
	ids []int64
}

func (f *fakeIndex) Put(rec model.ProxyRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, rec.ID)
}

type fakeWarm struct {
	mu       sync.Mutex
	recs     []model.ProxyRecord
	readErr  error
	replaced []model.ProxyRecord
	ttl      time.Duration
	gate     chan struct{} // when set, GetBySource blocks until closed
}

func (f *fakeWarm) GetBySource(ctx context.Context, sourceID int64) ([]model.ProxyRecord, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recs, f.readErr
}

func (f *fakeWarm) ReplaceSource(ctx context.Context, sourceID int64, recs []model.ProxyRecord, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaced = recs
	f.ttl = ttl
	return nil
}

type fakeStore struct {
	mu          sync.Mutex
	batch       []model.ProxyRecord
	all         []model.ProxyRecord
	checkouts   int
	marked      []int64
	markErr     error
	checkoutErr error
}

func (f *fakeStore) FetchBySource(ctx context.Context, sourceID int64) ([]model.ProxyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.all, nil
}

func (f *fakeStore) CheckOutBatch(ctx context.Context, sourceID int64, limit int) ([]model.ProxyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkouts++
	if f.checkoutErr != nil {
		return nil, f.checkoutErr
	}
	if limit < len(f.batch) {
		return f.batch[:limit], nil
	}
	return f.batch, nil
}

func (f *fakeStore) MarkTaken(ctx context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, ids...)
	return nil
}

func recordsN(n int, blocked bool) []model.ProxyRecord {
	out := make([]model.ProxyRecord, n)
	for i := range out {
		out[i] = model.ProxyRecord{ID: int64(i + 1), Proxy: "h:p", SourceID: 1, Blocked: blocked}
	}
	return out
}

func TestTryRefill_CacheFirst(t *testing.T) {
	pools := &fakePools{}
	warm := &fakeWarm{recs: recordsN(3, false)}
	st := &fakeStore{}
	c := New(pools, &fakeIndex{}, warm, st, 10, 6*time.Minute, zap.NewNop())

	if !c.TryRefill(context.Background(), "1") {
		t.Fatal("TryRefill = false, want true")
	}
	if pools.count() != 3 {
		t.Errorf("pushed = %d, want 3", pools.count())
	}
	if len(st.marked) != 3 {
		t.Errorf("marked = %v, want 3 ids", st.marked)
	}
	if st.checkouts != 0 {
		t.Errorf("store check-outs = %d, want 0 when cache serves", st.checkouts)
	}
	// Writeback flags the taken records.
	for _, rec := range warm.replaced {
		if !rec.Blocked {
			t.Errorf("record %d written back untaken", rec.ID)
		}
	}
}

func TestTryRefill_FallsThroughToStore(t *testing.T) {
	pools := &fakePools{}
	warm := &fakeWarm{recs: recordsN(4, true)} // cache has only taken records
	st := &fakeStore{batch: recordsN(2, false)}
	c := New(pools, &fakeIndex{}, warm, st, 10, 6*time.Minute, zap.NewNop())

	if !c.TryRefill(context.Background(), "1") {
		t.Fatal("TryRefill = false, want true")
	}
	if pools.count() != 2 {
		t.Errorf("pushed = %d, want 2", pools.count())
	}
	if warm.ttl != 6*time.Minute {
		t.Errorf("writeback ttl = %v, want 6m", warm.ttl)
	}
}

func TestTryRefill_BatchSizeBound(t *testing.T) {
	pools := &fakePools{}
	warm := &fakeWarm{recs: recordsN(25, false)}
	c := New(pools, &fakeIndex{}, warm, &fakeStore{}, 10, 0, zap.NewNop())

	c.TryRefill(context.Background(), "1")
	if pools.count() != 10 {
		t.Errorf("pushed = %d, want batch size 10", pools.count())
	}
}

func TestTryRefill_MarkTakenFailureHandsOutNothing(t *testing.T) {
	pools := &fakePools{}
	warm := &fakeWarm{recs: recordsN(3, false)}
	st := &fakeStore{markErr: errors.New("db down"), checkoutErr: errors.New("db down")}
	c := New(pools, &fakeIndex{}, warm, st, 10, 0, zap.NewNop())

	if c.TryRefill(context.Background(), "1") {
		t.Fatal("TryRefill = true, want false when store is down")
	}
	if pools.count() != 0 {
		t.Errorf("pushed = %d, want 0", pools.count())
	}
}

func TestTryRefill_NonNumericSource(t *testing.T) {
	c := New(&fakePools{}, &fakeIndex{}, &fakeWarm{}, &fakeStore{}, 10, 0, zap.NewNop())
	if c.TryRefill(context.Background(), "not-a-number") {
		t.Fatal("TryRefill = true for non-numeric source")
	}
}

func TestPreload_ReplacesPoolAndCache(t *testing.T) {
	pools := &fakePools{}
	warm := &fakeWarm{}
	st := &fakeStore{all: recordsN(5, false)}
	c := New(pools, &fakeIndex{}, warm, st, 10, 0, zap.NewNop())

	n, err := c.Preload(context.Background(), "1")
	if err != nil {
		t.Fatalf("Preload: %v", err)
	}
	if n != 5 {
		t.Errorf("preloaded = %d, want 5", n)
	}
	if len(warm.replaced) != 5 {
		t.Errorf("cache replaced with %d records, want 5", len(warm.replaced))
	}
}

func TestPreload_EmptySource(t *testing.T) {
	c := New(&fakePools{}, &fakeIndex{}, &fakeWarm{}, &fakeStore{}, 10, 0, zap.NewNop())
	n, err := c.Preload(context.Background(), "9")
	if err != nil || n != 0 {
		t.Fatalf("Preload empty = %d, %v; want 0, nil", n, err)
	}
}

func TestTryRefill_SerializedPerSource(t *testing.T) {
	gate := make(chan struct{})
	warm := &fakeWarm{recs: recordsN(1, false), gate: gate}
	c := New(&fakePools{}, &fakeIndex{}, warm, &fakeStore{}, 10, 0, zap.NewNop())

	started := make(chan struct{})
	done := make(chan bool)
	go func() {
		close(started)
		done <- c.TryRefill(context.Background(), "1")
	}()

	<-started
	// Give the goroutine time to take the lock and block on the gate.
	time.Sleep(20 * time.Millisecond)
	if c.TryRefill(context.Background(), "1") {
		t.Error("second refill ran while first held the source lock")
	}

	close(gate)
	if !<-done {
		t.Error("first refill failed")
	}
}
