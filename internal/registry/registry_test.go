package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"
)

type fakeSession struct {
	id   string
	mu   sync.Mutex
	got  []any
	fail bool
}

func (f *fakeSession) ID() string { return f.id }

func (f *fakeSession) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("send on closed connection")
	}
	f.got = append(f.got, v)
	return nil
}

func (f *fakeSession) received() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func TestSubscriptionKey_Sorted(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{[]string{"1"}, "1"},
		{[]string{"3", "1", "2"}, "1,2,3"},
		{[]string{"10", "2"}, "10,2"}, // lexicographic, ids are opaque strings
	}
	for _, tt := range tests {
		if got := SubscriptionKey(tt.in); got != tt.want {
			t.Errorf("SubscriptionKey(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRegistry_AttachDetach(t *testing.T) {
	r := New(zap.NewNop())
	a := &fakeSession{id: "a"}

	r.Attach("1", a)
	if r.Count("1") != 1 {
		t.Fatalf("Count = %d, want 1", r.Count("1"))
	}

	r.Detach("1", a)
	if r.Count("1") != 0 {
		t.Fatalf("Count after detach = %d, want 0", r.Count("1"))
	}

	// Detaching twice is harmless.
	r.Detach("1", a)
}

func TestRegistry_Broadcast(t *testing.T) {
	r := New(zap.NewNop())
	a := &fakeSession{id: "a"}
	b := &fakeSession{id: "b"}
	r.Attach("1", a)
	r.Attach("1", b)

	r.Broadcast("1", map[string]string{"action": "pool_updated"})

	if a.received() != 1 || b.received() != 1 {
		t.Errorf("received a=%d b=%d, want 1 each", a.received(), b.received())
	}
}

func TestRegistry_PeersForSource(t *testing.T) {
	r := New(zap.NewNop())
	single := &fakeSession{id: "single"}
	multi := &fakeSession{id: "multi"}
	other := &fakeSession{id: "other"}
	sender := &fakeSession{id: "sender"}

	r.Attach("1", single)
	r.Attach("1,2", multi)
	r.Attach("3", other)
	r.Attach("1", sender)

	peers := r.PeersForSource("1", "sender")

	ids := map[string]string{}
	for _, p := range peers {
		ids[p.Session.ID()] = p.Key
	}
	if len(ids) != 2 {
		t.Fatalf("peers = %v, want single and multi", ids)
	}
	if ids["single"] != "1" {
		t.Errorf("single's key = %q, want 1", ids["single"])
	}
	if ids["multi"] != "1,2" {
		t.Errorf("multi's key = %q, want 1,2", ids["multi"])
	}
	if _, has := ids["sender"]; has {
		t.Error("sender must be excluded from its own broadcast")
	}
	if _, has := ids["other"]; has {
		t.Error("session on unrelated source must not receive the notice")
	}
}

func TestRegistry_SendFailureDetaches(t *testing.T) {
	r := New(zap.NewNop())
	broken := &fakeSession{id: "broken", fail: true}
	healthy := &fakeSession{id: "healthy"}
	r.Attach("1", broken)
	r.Attach("1", healthy)

	r.Broadcast("1", "ping")

	if r.Count("1") != 1 {
		t.Errorf("Count = %d, want 1 after failed send detaches", r.Count("1"))
	}
	if healthy.received() != 1 {
		t.Errorf("healthy received %d, want 1", healthy.received())
	}
}

func TestRegistry_ConcurrentAttachDetach(t *testing.T) {
	r := New(zap.NewNop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s := &fakeSession{id: fmt.Sprintf("s-%d", n)}
			r.Attach("1,2", s)
			r.Broadcast("1,2", "tick")
			r.Detach("1,2", s)
		}(i)
	}
	wg.Wait()
}
