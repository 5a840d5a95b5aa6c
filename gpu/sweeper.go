package gpu

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper is the last line of defense against leaked reservations: any id
// still locked with no activity for longer than the timeout is released
// through the manager's normal release path.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	timeout  time.Duration
	log      *zap.SugaredLogger

	now func() time.Time
}

func NewSweeper(manager *Manager, interval, timeout time.Duration, log *zap.SugaredLogger) *Sweeper {
	return &Sweeper{
		manager:  manager,
		interval: interval,
		timeout:  timeout,
		log:      log,
		now:      time.Now,
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep force-releases every stuck lock it finds. Safe to run concurrently
// with acquire/release traffic; a lock refreshed inside the window is left
// alone.
func (s *Sweeper) Sweep(ctx context.Context) {
	statuses, err := s.manager.Statuses(ctx)
	if err != nil {
		s.log.Warnw("sweep scan failed", "error", err)
		return
	}

	cutoff := s.now().Add(-s.timeout)
	var stuck []string
	for _, status := range statuses {
		if status.Locked && status.LastActivity.Before(cutoff) {
			stuck = append(stuck, status.GpuID)
		}
	}
	if len(stuck) == 0 {
		return
	}

	s.log.Warnw("releasing stuck gpus", "gpus", stuck)
	if err := s.manager.Release(ctx, stuck); err != nil {
		s.log.Errorw("releasing stuck gpus", "gpus", stuck, "error", err)
	}
}
