// Package unblock runs the periodic store-side sweep that clears the taken
// flag on stale proxy rows. Leases whose clients vanished (crash, dropped
// connection before the cool-down return) would otherwise stay blocked
// forever; the sweep puts them back into circulation.
package unblock

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const sweepTimeout = 30 * time.Second

// Store is the store surface the sweep needs.
type Store interface {
	UnblockStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Job owns the cron schedule for the sweep.
type Job struct {
	store     Store
	olderThan time.Duration
	every     time.Duration
	logger    *zap.Logger
	cron      *cron.Cron
}

// New builds a sweep that runs every `every` and unblocks rows untouched for
// longer than olderThan.
func New(store Store, olderThan, every time.Duration, logger *zap.Logger) *Job {
	return &Job{
		store:     store,
		olderThan: olderThan,
		every:     every,
		logger:    logger,
	}
}

// Start schedules the sweep. The first run happens after one full interval.
func (j *Job) Start() error {
	j.cron = cron.New()
	if _, err := j.cron.AddFunc(fmt.Sprintf("@every %s", j.every), j.runOnce); err != nil {
		return fmt.Errorf("unblock: schedule: %w", err)
	}
	j.cron.Start()
	j.logger.Info("unblock sweep scheduled",
		zap.Duration("every", j.every),
		zap.Duration("older_than", j.olderThan))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Job) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
}

func (j *Job) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	n, err := j.store.UnblockStale(ctx, j.olderThan)
	if err != nil {
		j.logger.Warn("unblock sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		j.logger.Info("unblocked stale proxies", zap.Int64("count", n))
	}
}
