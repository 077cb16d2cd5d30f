package unblock

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type countingStore struct {
	calls     atomic.Int64
	olderThan time.Duration
}

func (c *countingStore) UnblockStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	c.olderThan = olderThan
	c.calls.Add(1)
	return 2, nil
}

func TestJob_RunsOnSchedule(t *testing.T) {
	st := &countingStore{}
	j := New(st, 5*time.Minute, 100*time.Millisecond, zap.NewNop())
	if err := j.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer j.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if st.calls.Load() >= 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if st.calls.Load() < 2 {
		t.Fatalf("sweep ran %d times, want at least 2", st.calls.Load())
	}
	if st.olderThan != 5*time.Minute {
		t.Errorf("olderThan = %v, want 5m", st.olderThan)
	}
}

func TestJob_StopIsIdempotent(t *testing.T) {
	j := New(&countingStore{}, time.Minute, time.Minute, zap.NewNop())
	j.Stop() // never started
	if err := j.Start(); err != nil {
		t.Fatal(err)
	}
	j.Stop()
}
