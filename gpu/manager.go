package gpu

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aimaestro/gpuproxy/models"
)

// Manager mediates every lock and unlock of GPU ids. The mutex is the one
// critical section in the system: the check-all/lock-all sequence for a
// candidate must never interleave with another caller's acquire or release
// of overlapping ids. Nothing holds the mutex across a suspension point.
type Manager struct {
	store Store
	log   *zap.SugaredLogger

	mu sync.Mutex

	freedMu sync.Mutex
	freed   chan struct{}

	now func() time.Time
}

func NewManager(store Store, log *zap.SugaredLogger) *Manager {
	return &Manager{
		store: store,
		log:   log,
		freed: make(chan struct{}),
		now:   time.Now,
	}
}

// TryAcquireAll atomically locks every id in gpuIDs iff all of them are
// currently unlocked. On any busy id it leaves the store untouched and
// returns false. Store failures surface as ErrBackendUnavailable.
func (m *Manager) TryAcquireAll(ctx context.Context, gpuIDs []string, model string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range gpuIDs {
		status, err := m.store.Status(ctx, id)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		if status != nil && status.Locked {
			return false, nil
		}
	}

	now := m.now()
	statuses := make([]models.GpuStatus, 0, len(gpuIDs))
	for _, id := range gpuIDs {
		statuses = append(statuses, models.GpuStatus{
			GpuID:        id,
			Model:        model,
			Locked:       true,
			LastActivity: now,
		})
	}
	if err := m.store.SetStatuses(ctx, statuses); err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	m.log.Debugw("locked gpus", "gpus", gpuIDs, "model", model)
	return true, nil
}

// Release marks every id unlocked and wakes all waiters. It is idempotent:
// releasing an already-unlocked id leaves it unlocked and still notifies,
// which is what lets the sweeper share this path with normal traffic.
func (m *Manager) Release(ctx context.Context, gpuIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	statuses := make([]models.GpuStatus, 0, len(gpuIDs))
	for _, id := range gpuIDs {
		statuses = append(statuses, models.GpuStatus{
			GpuID:        id,
			Locked:       false,
			LastActivity: now,
		})
	}
	if err := m.store.SetStatuses(ctx, statuses); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	if payload, err := json.Marshal(gpuIDs); err == nil {
		if err := m.store.Publish(ctx, string(payload)); err != nil {
			m.log.Warnw("publishing gpu release", "error", err)
		}
	}

	m.log.Debugw("unlocked gpus", "gpus", gpuIDs)
	m.NotifyFreed()
	return nil
}

// RefreshActivity bumps lastActivity without touching lock state, keeping
// long-running reservations out of the sweeper's reach. Ids with no record
// are skipped.
func (m *Manager) RefreshActivity(ctx context.Context, gpuIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var statuses []models.GpuStatus
	for _, id := range gpuIDs {
		status, err := m.store.Status(ctx, id)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		if status == nil {
			continue
		}
		status.LastActivity = now
		statuses = append(statuses, *status)
	}
	if len(statuses) == 0 {
		return nil
	}
	if err := m.store.SetStatuses(ctx, statuses); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Statuses reports every known lock record, for the sweeper and healthz.
func (m *Manager) Statuses(ctx context.Context) ([]models.GpuStatus, error) {
	statuses, err := m.store.AllStatuses(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return statuses, nil
}

func (m *Manager) Healthy(ctx context.Context) bool {
	return m.store.Ping(ctx) == nil
}

// Freed returns a channel closed on the next release. Waiters must grab it
// BEFORE their acquire attempt so a release between the failed attempt and
// the wait cannot be lost, then rescan every candidate after waking.
func (m *Manager) Freed() <-chan struct{} {
	m.freedMu.Lock()
	defer m.freedMu.Unlock()
	return m.freed
}

// NotifyFreed wakes all current waiters. Fire-and-forget broadcast: no
// buffering, nothing delivered to channels obtained after this call.
func (m *Manager) NotifyFreed() {
	m.freedMu.Lock()
	defer m.freedMu.Unlock()
	close(m.freed)
	m.freed = make(chan struct{})
}
