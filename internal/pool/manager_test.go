package pool

import (
	"sync"
	"testing"

	"github.com/EPguitars/proxycare/internal/model"
)

func rec(id int64) model.ProxyRecord {
	return model.ProxyRecord{ID: id, Proxy: "h:p", SourceID: 1, UsageInterval: 30}
}

func TestManager_FIFOOrder(t *testing.T) {
	m := NewManager()
	for _, id := range []int64{1, 2, 3} {
		if !m.Push("1", rec(id)) {
			t.Fatalf("Push(%d) rejected", id)
		}
	}

	for _, want := range []int64{1, 2, 3} {
		got, ok := m.Pop("1")
		if !ok {
			t.Fatalf("Pop returned empty, want id %d", want)
		}
		if got.ID != want {
			t.Errorf("Pop = %d, want %d", got.ID, want)
		}
	}

	if _, ok := m.Pop("1"); ok {
		t.Error("Pop on drained pool should return false")
	}
}

func TestManager_PopUnknownSource(t *testing.T) {
	m := NewManager()
	if _, ok := m.Pop("404"); ok {
		t.Error("Pop on unknown source should return false")
	}
	if m.Len("404") != 0 {
		t.Error("Len on unknown source should be 0")
	}
}

func TestManager_DuplicateFiltered(t *testing.T) {
	m := NewManager()
	if !m.Push("1", rec(7)) {
		t.Fatal("first Push rejected")
	}
	if m.Push("1", rec(7)) {
		t.Error("duplicate Push accepted")
	}
	if m.Len("1") != 1 {
		t.Errorf("Len = %d, want 1", m.Len("1"))
	}
}

func TestManager_PushFront(t *testing.T) {
	m := NewManager()
	m.Push("1", rec(1))
	m.Push("1", rec(2))

	popped, _ := m.Pop("1")
	// Dispatch failed; restore at the head so the record keeps its turn.
	m.PushFront("1", popped)

	got, _ := m.Pop("1")
	if got.ID != 1 {
		t.Errorf("Pop after PushFront = %d, want 1", got.ID)
	}
}

func TestManager_Replace(t *testing.T) {
	m := NewManager()
	m.Push("1", rec(1))

	n := m.Replace("1", []model.ProxyRecord{rec(5), rec(6), rec(5)})
	if n != 2 {
		t.Errorf("Replace = %d, want 2 (duplicate dropped)", n)
	}

	snap := m.Snapshot("1")
	if len(snap) != 2 || snap[0].ID != 5 || snap[1].ID != 6 {
		t.Errorf("Snapshot = %+v", snap)
	}
}

func TestManager_Sizes(t *testing.T) {
	m := NewManager()
	m.Push("1", rec(1))
	m.Push("1", rec(2))
	m.Push("2", rec(3))

	sizes := m.Sizes()
	if sizes["1"] != 2 || sizes["2"] != 1 {
		t.Errorf("Sizes = %v", sizes)
	}
}

func TestManager_SourceOf(t *testing.T) {
	m := NewManager()
	m.Push("3", rec(42))

	src, ok := m.SourceOf(42)
	if !ok || src != "3" {
		t.Errorf("SourceOf(42) = %q, %v", src, ok)
	}
	if _, ok := m.SourceOf(999); ok {
		t.Error("SourceOf for unknown id should be false")
	}
}

// Concurrent pops must hand each record to exactly one caller.
func TestManager_ConcurrentPopExclusive(t *testing.T) {
	m := NewManager()
	const n = 200
	for i := int64(0); i < n; i++ {
		m.Push("1", rec(i))
	}

	var mu sync.Mutex
	seen := make(map[int64]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				r, ok := m.Pop("1")
				if !ok {
					return
				}
				mu.Lock()
				seen[r.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("popped %d distinct ids, want %d", len(seen), n)
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("id %d popped %d times", id, count)
		}
	}
}

func TestRecordIndex(t *testing.T) {
	idx, err := NewRecordIndex(128)
	if err != nil {
		t.Fatalf("NewRecordIndex: %v", err)
	}
	defer idx.Close()

	idx.Put(model.ProxyRecord{ID: 9, SourceID: 2})

	src, ok := idx.SourceOf(9)
	if !ok || src != "2" {
		t.Errorf("SourceOf(9) = %q, %v", src, ok)
	}

	idx.Delete(9)
	if _, ok := idx.Get(9); ok {
		t.Error("Get after Delete should miss")
	}
}
