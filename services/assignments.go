package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/aimaestro/gpuproxy/models"
)

// Querier is the slice of *sql.DB the assignment store needs.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	PingContext(ctx context.Context) error
}

// AssignmentStore resolves model keys to candidate backend instances,
// cache-aside over the assignment database. Assignments are read-only from
// the scheduler's point of view; only TTL expiry or an explicit cache bust
// invalidates them.
type AssignmentStore struct {
	db    Querier
	cache Cache
	ttl   time.Duration
	log   *zap.SugaredLogger

	containers *ttlcache.Cache[models.OutputType, []models.ContainerInfo]
}

func NewAssignmentStore(db Querier, cache Cache, ttl, containerTTL time.Duration, log *zap.SugaredLogger) *AssignmentStore {
	containers := ttlcache.New(
		ttlcache.WithTTL[models.OutputType, []models.ContainerInfo](containerTTL),
	)
	go containers.Start()

	return &AssignmentStore{
		db:         db,
		cache:      cache,
		ttl:        ttl,
		log:        log,
		containers: containers,
	}
}

const assignmentQuery = `
	SELECT
		a.name,
		c.ip_addr,
		a.port,
		GROUP_CONCAT(DISTINCT g.id) AS gpu_ids,
		AVG(g.weight) AS avg_gpu_weight
	FROM
		assignments a
		JOIN assignment_gpus ag ON a.id = ag.assignment_id
		JOIN gpus g ON ag.gpu_id = g.id
		JOIN computers c ON g.computer_id = c.id
	WHERE
		a.model_name = ?
	GROUP BY
		a.id, a.name, a.port, c.ip_addr
	ORDER BY
		avg_gpu_weight DESC, a.name ASC;
`

func cacheKey(modelName string) string {
	return fmt.Sprintf("model:%s:assignments", modelName)
}

// Resolve returns the candidates for a model, highest weight first with a
// deterministic name tie-break. ErrAssignmentNotFound when no rows exist.
// Empty results are never written back to the cache, so a populated cache
// entry can't be shadowed by a transiently empty read.
func (s *AssignmentStore) Resolve(ctx context.Context, modelName string) ([]models.Assignment, error) {
	key := cacheKey(modelName)

	if cached, ok, err := s.cache.Get(ctx, key); err != nil {
		s.log.Warnw("assignment cache read failed", "model", modelName, "error", err)
	} else if ok {
		var assignments []models.Assignment
		if err := json.Unmarshal([]byte(cached), &assignments); err == nil && len(assignments) > 0 {
			return assignments, nil
		}
		// A corrupt entry acts as a miss and gets overwritten below.
		s.log.Warnw("dropping undecodable assignment cache entry", "model", modelName)
	}

	rows, err := s.db.QueryContext(ctx, assignmentQuery, modelName)
	if err != nil {
		return nil, errors.Wrapf(err, "querying assignments for %s", modelName)
	}
	defer rows.Close()

	var assignments []models.Assignment
	for rows.Next() {
		var a models.Assignment
		if err := rows.Scan(&a.Name, &a.Host, &a.Port, &a.GpuIds, &a.Weight); err != nil {
			return nil, errors.Wrap(err, "scanning assignment row")
		}
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating assignment rows")
	}

	if len(assignments) == 0 {
		return nil, ErrAssignmentNotFound
	}

	if data, err := json.Marshal(assignments); err == nil {
		if err := s.cache.Set(ctx, key, string(data), s.ttl); err != nil {
			s.log.Warnw("assignment cache write failed", "model", modelName, "error", err)
		}
	}

	return assignments, nil
}

const containerQuery = `
	SELECT
		a.model_name,
		c.ip_addr,
		a.port
	FROM
		assignments a
		JOIN assignment_gpus ag ON a.id = ag.assignment_id
		JOIN gpus g ON g.id = ag.gpu_id
		JOIN computers c ON g.computer_id = c.id
	WHERE
		a.model_name IN (SELECT name FROM %s)
	GROUP BY
		a.id, a.model_name, a.port, c.ip_addr;
`

// Containers lists backend instances for an output category, for paths
// that can run against any instance and take no GPU reservation.
func (s *AssignmentStore) Containers(ctx context.Context, output models.OutputType) ([]models.ContainerInfo, error) {
	if item := s.containers.Get(output); item != nil {
		return item.Value(), nil
	}

	// output is a validated enum, so interpolating its table name is safe.
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(containerQuery, output.Table()))
	if err != nil {
		return nil, errors.Wrapf(err, "querying %s containers", output)
	}
	defer rows.Close()

	var infos []models.ContainerInfo
	for rows.Next() {
		var info models.ContainerInfo
		if err := rows.Scan(&info.ModelName, &info.Host, &info.Port); err != nil {
			return nil, errors.Wrap(err, "scanning container row")
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating container rows")
	}

	if len(infos) > 0 {
		s.containers.Set(output, infos, ttlcache.DefaultTTL)
	}
	return infos, nil
}

// ClearCache busts every cached assignment row and the container cache.
func (s *AssignmentStore) ClearCache(ctx context.Context) (int, error) {
	s.containers.DeleteAll()
	return s.cache.DeletePattern(ctx, "model:*:assignments")
}

func (s *AssignmentStore) Healthy(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}
