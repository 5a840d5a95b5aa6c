package gpu

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/aimaestro/gpuproxy/models"
)

const (
	// LockKeyPrefix prefixes every per-GPU record in the store.
	LockKeyPrefix = "gpu-lock:"
	// FreedChannel carries a best-effort payload on every release so other
	// proxy instances (and external listeners) can react.
	FreedChannel = "gpu-now-free-channel"
)

// Store is the shared key-value backend holding per-GPU lock records.
// It is the single source of truth for lock state; no component keeps a
// private copy that could diverge from it.
type Store interface {
	Status(ctx context.Context, gpuID string) (*models.GpuStatus, error)
	SetStatuses(ctx context.Context, statuses []models.GpuStatus) error
	// AllStatuses returns every record currently in the store; the sweeper
	// uses it to find abandoned locks.
	AllStatuses(ctx context.Context) ([]models.GpuStatus, error)
	Publish(ctx context.Context, payload string) error
	Ping(ctx context.Context) error
}

// RedisStore keeps lock records as JSON values under gpu-lock:<id> and
// publishes release payloads on the freed channel.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Status(ctx context.Context, gpuID string) (*models.GpuStatus, error) {
	val, err := s.client.Get(ctx, LockKeyPrefix+gpuID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading gpu status")
	}
	var status models.GpuStatus
	if err := json.Unmarshal([]byte(val), &status); err != nil {
		return nil, errors.Wrapf(err, "decoding gpu status for %s", gpuID)
	}
	return &status, nil
}

func (s *RedisStore) SetStatuses(ctx context.Context, statuses []models.GpuStatus) error {
	pipe := s.client.TxPipeline()
	for _, status := range statuses {
		data, err := json.Marshal(status)
		if err != nil {
			return errors.Wrapf(err, "encoding gpu status for %s", status.GpuID)
		}
		pipe.Set(ctx, LockKeyPrefix+status.GpuID, data, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "writing gpu statuses")
	}
	return nil
}

func (s *RedisStore) AllStatuses(ctx context.Context) ([]models.GpuStatus, error) {
	var statuses []models.GpuStatus
	iter := s.client.Scan(ctx, 0, LockKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		val, err := s.client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading gpu status")
		}
		var status models.GpuStatus
		if err := json.Unmarshal([]byte(val), &status); err != nil {
			return nil, errors.Wrapf(err, "decoding gpu status at %s", iter.Val())
		}
		statuses = append(statuses, status)
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "scanning gpu statuses")
	}
	return statuses, nil
}

func (s *RedisStore) Publish(ctx context.Context, payload string) error {
	return s.client.Publish(ctx, FreedChannel, payload).Err()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// MemoryStore is an in-process Store for tests and single-instance
// deployments that run without Redis.
type MemoryStore struct {
	mu       sync.RWMutex
	statuses map[string]models.GpuStatus
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{statuses: make(map[string]models.GpuStatus)}
}

func (s *MemoryStore) Status(_ context.Context, gpuID string) (*models.GpuStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.statuses[gpuID]
	if !ok {
		return nil, nil
	}
	return &status, nil
}

func (s *MemoryStore) SetStatuses(_ context.Context, statuses []models.GpuStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, status := range statuses {
		s.statuses[status.GpuID] = status
	}
	return nil
}

func (s *MemoryStore) AllStatuses(_ context.Context) ([]models.GpuStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	statuses := make([]models.GpuStatus, 0, len(s.statuses))
	for _, status := range s.statuses {
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func (s *MemoryStore) Publish(context.Context, string) error { return nil }

func (s *MemoryStore) Ping(context.Context) error { return nil }
