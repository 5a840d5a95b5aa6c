package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aimaestro/gpuproxy/config"
	"github.com/aimaestro/gpuproxy/gpu"
	"github.com/aimaestro/gpuproxy/models"
)

// releaseTimeout bounds the store write when a reservation is torn down.
// Release runs on a detached context so a dead caller can't leak GPUs.
const releaseTimeout = 5 * time.Second

// Reservation is a live claim over the GPU ids of one assignment. It is
// disposed exactly once: Release is safe to call from any exit path and
// subsequent calls are no-ops.
type Reservation struct {
	Assignment models.Assignment
	GpuIDs     []string

	locks *gpu.Manager
	log   *zap.SugaredLogger
	once  sync.Once
}

// Release unlocks the held ids and wakes waiters. Runs detached from the
// request's context: cancellation is exactly when release matters most.
func (r *Reservation) Release() {
	r.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := r.locks.Release(ctx, r.GpuIDs); err != nil {
			// The sweeper reclaims these once lastActivity ages out.
			r.log.Errorw("releasing reservation", "gpus", r.GpuIDs, "error", err)
		}
	})
}

// Resolver maps a model key to its ordered candidate assignments.
// *AssignmentStore is the production implementation.
type Resolver interface {
	Resolve(ctx context.Context, modelName string) ([]models.Assignment, error)
}

// Scheduler resolves a model key to candidates and drives the lock manager
// to bind one of them, blocking or queueing when everything is busy.
type Scheduler struct {
	assignments Resolver
	locks       *gpu.Manager
	strategy    config.Strategy
	queues      *queueSet
	enqueued    chan struct{}
	log         *zap.SugaredLogger
}

func NewScheduler(assignments Resolver, locks *gpu.Manager, strategy config.Strategy, log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		assignments: assignments,
		locks:       locks,
		strategy:    strategy,
		queues:      newQueueSet(),
		enqueued:    make(chan struct{}, 1),
		log:         log,
	}
}

// Acquire binds a GPU-backed assignment for modelName, waiting or queueing
// per the configured strategy until ctx is cancelled. The caller must pair
// a successful Acquire with a deferred Release.
func (s *Scheduler) Acquire(ctx context.Context, modelName string) (*Reservation, error) {
	if s.strategy == config.StrategyQueue {
		return s.acquireQueued(ctx, modelName)
	}
	return s.acquireWait(ctx, modelName)
}

// AcquireOnce is the single-attempt path used by the reservation channel
// and the management reserve endpoint: no waiting, busy is just reported.
func (s *Scheduler) AcquireOnce(ctx context.Context, modelName string) (*Reservation, error) {
	candidates, err := s.assignments.Resolve(ctx, modelName)
	if err != nil {
		return nil, err
	}
	return s.tryCandidates(ctx, modelName, candidates)
}

// QueueDepth reports how many requests are parked across all model queues.
func (s *Scheduler) QueueDepth() int {
	return s.queues.depth()
}

func (s *Scheduler) acquireWait(ctx context.Context, modelName string) (*Reservation, error) {
	candidates, err := s.assignments.Resolve(ctx, modelName)
	if err != nil {
		return nil, err
	}

	for {
		// Snapshot the freed channel before trying, so a release landing
		// between a failed attempt and the wait below still wakes us.
		freed := s.locks.Freed()

		res, err := s.tryCandidates(ctx, modelName, candidates)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrAllBusy) {
			return nil, err
		}

		select {
		case <-freed:
			// Any GPU may have freed, not just ours: rescan everything.
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Scheduler) acquireQueued(ctx context.Context, modelName string) (*Reservation, error) {
	candidates, err := s.assignments.Resolve(ctx, modelName)
	if err != nil {
		return nil, err
	}

	q := s.queues.forModel(modelName)

	// A direct attempt is only allowed while nothing is parked for this
	// model; otherwise a newcomer could take a freshly freed gpu ahead of
	// earlier arrivals still waiting in the queue.
	if q.depth() == 0 {
		res, err := s.tryCandidates(ctx, modelName, candidates)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrAllBusy) {
			return nil, err
		}
	}

	item := newQueueItem(ctx, modelName)
	q.enqueue(item)
	s.kickDrain()
	s.log.Debugw("request queued", "model", modelName)

	select {
	case result := <-item.done:
		return result.reservation, result.err
	case <-ctx.Done():
		// If resolution raced the cancellation, give the reservation back
		// rather than leak it.
		if result := item.cancel(); result != nil && result.reservation != nil {
			result.reservation.Release()
		}
		return nil, ctx.Err()
	}
}

// tryCandidates walks candidates in weight order and locks the first fully
// free GPU set.
func (s *Scheduler) tryCandidates(ctx context.Context, modelName string, candidates []models.Assignment) (*Reservation, error) {
	for _, candidate := range candidates {
		ids := candidate.GpuIDList()
		if len(ids) == 0 {
			continue
		}
		ok, err := s.locks.TryAcquireAll(ctx, ids, modelName)
		if err != nil {
			return nil, err
		}
		if ok {
			s.log.Debugw("bound assignment", "model", modelName, "assignment", candidate.Name, "gpus", ids)
			return &Reservation{
				Assignment: candidate,
				GpuIDs:     ids,
				locks:      s.locks,
				log:        s.log,
			}, nil
		}
	}
	return nil, ErrAllBusy
}

// Run is the queue-strategy drain loop: woken by every freed notification
// and every enqueue, it re-attempts the head of each model queue, popping
// on success so arrival order is preserved. Returns when ctx is cancelled.
// Harmless to run under the wait strategy (queues just stay empty).
func (s *Scheduler) Run(ctx context.Context) {
	for {
		freed := s.locks.Freed()
		s.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-freed:
		case <-s.enqueued:
		}
	}
}

// kickDrain nudges the drain loop after an enqueue. An item parked just
// after a release would otherwise wait for the next release even though a
// gpu already sits free.
func (s *Scheduler) kickDrain() {
	select {
	case s.enqueued <- struct{}{}:
	default:
	}
}

func (s *Scheduler) drain(ctx context.Context) {
	for _, modelName := range s.queues.models() {
		q := s.queues.forModel(modelName)
		for {
			item := q.head()
			if item == nil {
				break
			}

			candidates, err := s.assignments.Resolve(ctx, modelName)
			if err != nil {
				q.pop()
				item.resolve(nil, err)
				continue
			}

			res, err := s.tryCandidates(ctx, modelName, candidates)
			if errors.Is(err, ErrAllBusy) {
				// Head keeps its place; next release retries it.
				break
			}
			q.pop()
			if !item.resolve(res, err) && res != nil {
				// Caller cancelled between the head check and the bind.
				res.Release()
			}
		}
	}
}
