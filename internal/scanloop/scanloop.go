// Package scanloop runs background refreshers at a jittered cadence. The
// cache refresher uses it to re-read source lists from the store; jitter
// keeps several broker instances from hitting Postgres and Redis in
// lockstep.
package scanloop

import (
	"math/rand/v2"
	"time"
)

const (
	// DefaultRefreshInterval and DefaultJitterRange define the cache
	// refresher cadence: interval + random([0, jitter)).
	DefaultRefreshInterval = 5 * time.Minute
	DefaultJitterRange     = 30 * time.Second
)

// Run executes fn at a jittered interval until stopCh is closed. The first
// run happens after one full interval, not immediately; startup does its own
// initial load.
func Run(stopCh <-chan struct{}, interval, jitterRange time.Duration, fn func()) {
	if interval <= 0 {
		interval = time.Second
	}
	if jitterRange < 0 {
		jitterRange = 0
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C // drain initial fire

	for {
		wait := interval
		if jitterRange > 0 {
			wait += time.Duration(rand.Int64N(int64(jitterRange)))
		}

		timer.Reset(wait)
		select {
		case <-stopCh:
			return
		case <-timer.C:
		}
		fn()
	}
}
