// Package lease returns leased proxy records to their pools after each
// record's cool-down. Pending returns live in a min-heap keyed by due time
// and a single worker drains it; each scheduled return pushes exactly once.
package lease

import (
	"container/heap"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/EPguitars/proxycare/internal/model"
	"github.com/EPguitars/proxycare/internal/pool"
)

type pendingReturn struct {
	rec      model.ProxyRecord
	sourceID string
	due      time.Time
}

type returnHeap []pendingReturn

func (h returnHeap) Len() int           { return len(h) }
func (h returnHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h returnHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *returnHeap) Push(x any)        { *h = append(*h, x.(pendingReturn)) }
func (h *returnHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Scheduler owns the pending-return queue. Construct with NewScheduler,
// call Start once, and Stop on shutdown; Stop drops pending returns (records
// are re-fetched from the store after a restart).
type Scheduler struct {
	pools  *pool.Manager
	logger *zap.Logger

	mu      sync.Mutex
	pending returnHeap
	wake    chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler returning records into pools.
func NewScheduler(pools *pool.Manager, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		pools:  pools,
		logger: logger,
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// ScheduleReturn arranges for rec to be pushed back onto sourceID's pool
// after interval. Safe to call from any goroutine.
func (s *Scheduler) ScheduleReturn(rec model.ProxyRecord, sourceID string, interval time.Duration) {
	if interval < 0 {
		interval = 0
	}
	s.mu.Lock()
	heap.Push(&s.pending, pendingReturn{rec: rec, sourceID: sourceID, due: time.Now().Add(interval)})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of returns not yet fired.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

// Start launches the drain worker.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()
}

// Stop halts the worker and discards pending returns.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	s.mu.Lock()
	dropped := s.pending.Len()
	s.pending = nil
	s.mu.Unlock()
	if dropped > 0 {
		s.logger.Info("dropped pending cool-down returns on shutdown", zap.Int("count", dropped))
	}
}

func (s *Scheduler) run() {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C // drain initial fire

	for {
		s.fireDue()

		wait, ok := s.nextDelay()
		if !ok {
			// Nothing pending; sleep until a new return is scheduled.
			select {
			case <-s.stopCh:
				return
			case <-s.wake:
			}
			continue
		}

		timer.Reset(wait)
		select {
		case <-s.stopCh:
			return
		case <-s.wake:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
		}
	}
}

// fireDue pushes every return whose due time has passed.
func (s *Scheduler) fireDue() {
	now := time.Now()
	for {
		s.mu.Lock()
		if s.pending.Len() == 0 || s.pending[0].due.After(now) {
			s.mu.Unlock()
			return
		}
		item := heap.Pop(&s.pending).(pendingReturn)
		s.mu.Unlock()

		if !s.pools.Push(item.sourceID, item.rec) {
			// The id resurfaced via refresh while cooling; the pooled copy wins.
			s.logger.Warn("cool-down return skipped, id already pooled",
				zap.Int64("proxy_id", item.rec.ID),
				zap.String("source_id", item.sourceID))
		}
	}
}

func (s *Scheduler) nextDelay() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending.Len() == 0 {
		return 0, false
	}
	d := time.Until(s.pending[0].due)
	if d < 0 {
		d = 0
	}
	return d, true
}
