package services

import (
	"context"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// queueResult is the single resolution of a queued request's handle.
type queueResult struct {
	reservation *Reservation
	err         error
}

type queueItem struct {
	modelName string
	ctx       context.Context
	done      chan queueResult // buffered; written at most once

	mu        sync.Mutex
	cancelled bool
}

func newQueueItem(ctx context.Context, modelName string) *queueItem {
	return &queueItem{
		modelName: modelName,
		ctx:       ctx,
		done:      make(chan queueResult, 1),
	}
}

// resolve hands the result to the waiting caller. Returns false if the
// caller cancelled first, in which case the drain loop must release any
// reservation it was about to deliver.
func (i *queueItem) resolve(res *Reservation, err error) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cancelled {
		return false
	}
	i.done <- queueResult{reservation: res, err: err}
	return true
}

// cancel marks the item dead and returns a result that raced in before
// the cancellation, if any, so the caller can dispose of it.
func (i *queueItem) cancel() *queueResult {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.cancelled = true
	select {
	case result := <-i.done:
		return &result
	default:
		return nil
	}
}

// modelQueue is a strict FIFO of deferred requests for one model key.
type modelQueue struct {
	mu    sync.Mutex
	items []*queueItem
}

func (q *modelQueue) enqueue(item *queueItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
}

// head returns the first still-live item, discarding cancelled ones.
func (q *modelQueue) head() *queueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) > 0 {
		item := q.items[0]
		if item.ctx.Err() == nil {
			return item
		}
		q.items = q.items[1:]
	}
	return nil
}

func (q *modelQueue) pop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 {
		q.items = q.items[1:]
	}
}

func (q *modelQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// queueSet holds one FIFO per model key.
type queueSet struct {
	queues cmap.ConcurrentMap[string, *modelQueue]
}

func newQueueSet() *queueSet {
	return &queueSet{queues: cmap.New[*modelQueue]()}
}

func (s *queueSet) forModel(modelName string) *modelQueue {
	q, _ := s.queues.Get(modelName)
	if q == nil {
		q = &modelQueue{}
		if !s.queues.SetIfAbsent(modelName, q) {
			q, _ = s.queues.Get(modelName)
		}
	}
	return q
}

func (s *queueSet) models() []string {
	return s.queues.Keys()
}

func (s *queueSet) depth() int {
	total := 0
	for q := range s.queues.IterBuffered() {
		total += q.Val.depth()
	}
	return total
}
