package services

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeAssignmentDriver is a minimal database/sql driver that replays a
// fixed result set and counts queries, so cache behavior is observable
// without a MySQL instance.
type fakeAssignmentDriver struct {
	cols    []string
	rows    [][]driver.Value
	queries int64
}

func (d *fakeAssignmentDriver) Open(string) (driver.Conn, error) { return &fakeConn{d: d}, nil }

type fakeConn struct{ d *fakeAssignmentDriver }

func (c *fakeConn) Prepare(string) (driver.Stmt, error) { return &fakeStmt{d: c.d}, nil }
func (c *fakeConn) Close() error                        { return nil }
func (c *fakeConn) Begin() (driver.Tx, error)           { return nil, errTxUnsupported }
func (c *fakeConn) Ping(context.Context) error          { return nil }

var errTxUnsupported = fmt.Errorf("transactions not supported")

type fakeStmt struct{ d *fakeAssignmentDriver }

func (s *fakeStmt) Close() error  { return nil }
func (s *fakeStmt) NumInput() int { return -1 }
func (s *fakeStmt) Exec([]driver.Value) (driver.Result, error) {
	return nil, errTxUnsupported
}
func (s *fakeStmt) Query([]driver.Value) (driver.Rows, error) {
	atomic.AddInt64(&s.d.queries, 1)
	return &fakeRows{d: s.d}, nil
}

type fakeRows struct {
	d *fakeAssignmentDriver
	i int
}

func (r *fakeRows) Columns() []string { return r.d.cols }
func (r *fakeRows) Close() error      { return nil }
func (r *fakeRows) Next(dest []driver.Value) error {
	if r.i >= len(r.d.rows) {
		return io.EOF
	}
	copy(dest, r.d.rows[r.i])
	r.i++
	return nil
}

var driverSeq int64

func openFakeDB(t *testing.T, d *fakeAssignmentDriver) *sql.DB {
	t.Helper()
	name := fmt.Sprintf("fake-assignments-%d", atomic.AddInt64(&driverSeq, 1))
	sql.Register(name, d)
	conn, err := sql.Open(name, "")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

var assignmentCols = []string{"name", "ip_addr", "port", "gpu_ids", "avg_gpu_weight"}

func TestResolveCachesNonEmptyResults(t *testing.T) {
	ctx := context.Background()
	d := &fakeAssignmentDriver{
		cols: assignmentCols,
		rows: [][]driver.Value{
			{"m1-a", "10.0.0.1", int64(9000), "0,1", 2.5},
			{"m1-b", "10.0.0.2", int64(9000), "2", 1.0},
		},
	}
	store := NewAssignmentStore(openFakeDB(t, d), NewMapCache(), time.Hour, time.Minute, zap.NewNop().Sugar())

	assignments, err := store.Resolve(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, assignments, 2)
	assert.Equal(t, "m1-a", assignments[0].Name)
	assert.Equal(t, []string{"0", "1"}, assignments[0].GpuIDList())
	assert.Equal(t, int64(1), atomic.LoadInt64(&d.queries))

	// Second resolve is served from cache.
	again, err := store.Resolve(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, assignments, again)
	assert.Equal(t, int64(1), atomic.LoadInt64(&d.queries))
}

func TestResolveUnknownModelNotCached(t *testing.T) {
	// Scenario: no assignment rows at all. Each resolve must hit the store
	// again, since an empty result is never written to the cache.
	ctx := context.Background()
	d := &fakeAssignmentDriver{cols: assignmentCols}
	store := NewAssignmentStore(openFakeDB(t, d), NewMapCache(), time.Hour, time.Minute, zap.NewNop().Sugar())

	_, err := store.Resolve(ctx, "m2")
	require.ErrorIs(t, err, ErrAssignmentNotFound)
	_, err = store.Resolve(ctx, "m2")
	require.ErrorIs(t, err, ErrAssignmentNotFound)

	assert.Equal(t, int64(2), atomic.LoadInt64(&d.queries))
}

func TestClearCacheForcesStoreRead(t *testing.T) {
	ctx := context.Background()
	d := &fakeAssignmentDriver{
		cols: assignmentCols,
		rows: [][]driver.Value{{"m1-a", "10.0.0.1", int64(9000), "0", 1.0}},
	}
	store := NewAssignmentStore(openFakeDB(t, d), NewMapCache(), time.Hour, time.Minute, zap.NewNop().Sugar())

	_, err := store.Resolve(ctx, "m1")
	require.NoError(t, err)

	removed, err := store.ClearCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.Resolve(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&d.queries))
}

func TestContainersCachedPerCategory(t *testing.T) {
	ctx := context.Background()
	d := &fakeAssignmentDriver{
		cols: []string{"model_name", "ip_addr", "port"},
		rows: [][]driver.Value{{"llama3", "10.0.0.1", int64(11434)}},
	}
	store := NewAssignmentStore(openFakeDB(t, d), NewMapCache(), time.Hour, time.Minute, zap.NewNop().Sugar())

	infos, err := store.Containers(ctx, "text")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "10.0.0.1:11434", infos[0].Addr())

	_, err = store.Containers(ctx, "text")
	require.NoError(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&d.queries))
}
