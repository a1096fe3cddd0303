package service

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"querybridge/internal/cache"
	"querybridge/internal/core"
	"querybridge/internal/data"
	"querybridge/internal/logger"
	"querybridge/internal/security"
	"querybridge/internal/store"
)

// countingStore counts reads and can delay or fail them.
type countingStore struct {
	core.Store
	reads atomic.Int32
	delay time.Duration
	fail  func(n int32) error
}

func (s *countingStore) Query(ctx context.Context, sqlText string, args ...interface{}) (*core.ResultSet, error) {
	n := s.reads.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, core.ClassifyStoreError("query", ctx.Err())
		}
	}
	if s.fail != nil {
		if err := s.fail(n); err != nil {
			return nil, err
		}
	}
	return s.Store.Query(ctx, sqlText, args...)
}

type fixture struct {
	svc     *QueryService
	store   *countingStore
	db      *sql.DB
	queries *data.QueryRepo
	perms   *data.PermissionRepo
	audit   *data.AuditRepo
	results *data.ResultRepo
}

var (
	alice = core.Identity{ID: 1, Username: "alice", Groups: []string{"analysts"}}
	bob   = core.Identity{ID: 2, Username: "bob", Groups: []string{"sales"}}
)

const activeCustomers = "SELECT id, name, status FROM customers WHERE status = {status} ORDER BY id"

func newFixture(t *testing.T, m cache.Manager, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()

	catalog, err := data.InitDB(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { catalog.Close() })

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`CREATE TABLE customers (id INTEGER PRIMARY KEY, name TEXT NOT NULL, status TEXT NOT NULL)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO customers (name, status) VALUES
		('ada', 'active'), ('bea', 'inactive'), ('cid', 'active'), ('dov', 'inactive'), ('eli', 'active')`)
	require.NoError(t, err)

	f := &fixture{
		store:   &countingStore{Store: store.New(db, "sqlite", nil)},
		db:      db,
		queries: data.NewQueryRepo(catalog),
		perms:   data.NewPermissionRepo(catalog),
		audit:   data.NewAuditRepo(catalog),
		results: data.NewResultRepo(catalog),
	}
	sanitizer := security.NewSanitizer()
	log := zap.NewNop()
	f.svc = NewQueryService(ExecutorDeps{
		Queries:   f.queries,
		Results:   f.results,
		Store:     f.store,
		Validator: security.NewValidator(f.perms, security.MembershipChecker{}, sanitizer),
		Sanitizer: sanitizer,
		Cache:     cache.NewLoader(m, log),
		Recorder:  logger.NewRecorder(log, f.audit, 1),
		Log:       log,
	}, opts)
	return f
}

// addQuery stores q and grants it to the analysts group.
func (f *fixture) addQuery(t *testing.T, q *core.Query) int64 {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.queries.Create(ctx, q))
	require.NoError(t, f.perms.Upsert(ctx, &core.QueryExecutionPermission{QueryID: q.ID, AllowedGroups: []string{"analysts"}}))
	return q.ID
}

func (f *fixture) addActiveCustomers(t *testing.T) int64 {
	return f.addQuery(t, &core.Query{
		Name:       "active_customers",
		SQLText:    activeCustomers,
		Parameters: []core.QueryParameter{{Name: "status", DataType: core.TypeString}},
	})
}

func (f *fixture) logs(t *testing.T, queryID int64) []core.QueryLog {
	t.Helper()
	logs, err := f.audit.GetByQueryID(context.Background(), queryID, 100)
	require.NoError(t, err)
	return logs
}

func TestExecuteQuery_SecondCallServedFromCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, cache.NewMemoryCache(), Options{})
	id := f.addActiveCustomers(t)
	require.Equal(t, int64(1), id)
	params := map[string]interface{}{"status": "active"}

	first, err := f.svc.ExecuteQuery(ctx, alice, 1, params)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, 3, first.RowCount)
	assert.Equal(t, []string{"id", "name", "status"}, first.Columns)
	assert.Equal(t, int32(1), f.store.reads.Load())

	second, err := f.svc.ExecuteQuery(ctx, alice, 1, params)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Rows, second.Rows)
	assert.Equal(t, int32(1), f.store.reads.Load(), "cached call must not reach the store")

	logs := f.logs(t, 1)
	require.Len(t, logs, 2)
	for _, l := range logs {
		assert.True(t, l.Success)
		assert.Equal(t, "alice", l.ExecutedBy)
	}

	st, ok := f.svc.Executor().monitor.Stats(1)
	require.True(t, ok)
	assert.Equal(t, int64(2), st.Executions)
}

func TestExecuteQuery_Denied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, Options{})
	id := f.addActiveCustomers(t)

	_, err := f.svc.ExecuteQuery(ctx, bob, id, map[string]interface{}{"status": "active"})
	assert.ErrorIs(t, err, core.ErrPermission)
	assert.Zero(t, f.store.reads.Load())

	logs := f.logs(t, id)
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Success)
	assert.Contains(t, logs[0].ErrorMessage, "bob")

	// no permission record at all
	q := &core.Query{Name: "unguarded", SQLText: "SELECT id FROM customers"}
	require.NoError(t, f.queries.Create(ctx, q))
	_, err = f.svc.ExecuteQuery(ctx, alice, q.ID, nil)
	assert.ErrorIs(t, err, core.ErrPermission)
}

func TestExecuteQuery_Failures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, Options{})
	id := f.addActiveCustomers(t)

	tests := []struct {
		name   string
		id     int64
		params interface{}
		want   error
	}{
		{"unknown query", 999, nil, core.ErrNotFound},
		{"missing parameter", id, map[string]interface{}{}, core.ErrValidation},
		{"unknown parameter", id, map[string]interface{}{"status": "active", "region": "eu"}, core.ErrValidation},
		{"injection marker", id, map[string]interface{}{"status": "x'; DROP TABLE customers; --"}, core.ErrSecurity},
		{"not a mapping", id, []string{"active"}, core.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.svc.ExecuteQuery(ctx, alice, tt.id, tt.params)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Zero(t, f.store.reads.Load())
	assert.Len(t, f.logs(t, 999), 1, "a missing query is still audited")
}

func TestExecuteQuery_SortAndPageInMemory(t *testing.T) {
	f := newFixture(t, cache.NewMemoryCache(), Options{})
	id := f.addActiveCustomers(t)

	res, err := f.svc.ExecuteQuery(context.Background(), alice, id, map[string]interface{}{
		"status": "active", "_sort": "name", "_order": "desc", "_page": 2, "_limit": 2,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Page)
	assert.Equal(t, 3, res.Page.Total)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "ada", res.Rows[0]["name"])
}

func TestExecuteQuery_PaginationVariable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, Options{})
	id := f.addQuery(t, &core.Query{Name: "all_customers", SQLText: "SELECT id FROM customers ORDER BY id {pagination::2}"})

	res, err := f.svc.ExecuteQuery(ctx, alice, id, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.RowCount)
	assert.Nil(t, res.Page)

	res, err = f.svc.ExecuteQuery(ctx, alice, id, map[string]interface{}{"_page": 3})
	require.NoError(t, err)
	require.Equal(t, 1, res.RowCount)
	assert.Equal(t, int64(5), res.Rows[0]["id"])
	assert.Contains(t, f.logs(t, id)[0].ExecutedQueryText, "LIMIT 2 OFFSET 4")
}

func TestExecuteQuery_PersistsSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, Options{Executor: ExecutorOptions{PersistResults: true}})
	id := f.addActiveCustomers(t)

	_, err := f.svc.ExecuteQuery(ctx, alice, id, map[string]interface{}{"status": "inactive"})
	require.NoError(t, err)

	snap, err := f.results.GetLatest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.RowCount)
	assert.Contains(t, snap.ResultData, "bea")
}

func TestExecuteQuery_AsyncTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, Options{Executor: ExecutorOptions{AsyncTimeout: 50 * time.Millisecond}})
	f.store.delay = time.Second
	id := f.addQuery(t, &core.Query{
		Name:       "slow_customers",
		SQLText:    activeCustomers,
		Parameters: []core.QueryParameter{{Name: "status", DataType: core.TypeString}},
		Async:      true,
	})

	start := time.Now()
	_, err := f.svc.ExecuteQuery(ctx, alice, id, map[string]interface{}{"status": "active"})
	assert.ErrorIs(t, err, core.ErrTimeout)
	assert.Less(t, time.Since(start), 900*time.Millisecond)

	require.Eventually(t, func() bool {
		logs, err := f.audit.GetByQueryID(ctx, id, 10)
		return err == nil && len(logs) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, f.logs(t, id)[0].Success)
}

func TestExecuteAsyncQuery(t *testing.T) {
	f := newFixture(t, nil, Options{})
	id := f.addActiveCustomers(t)

	res, err := f.svc.ExecuteAsyncQuery(context.Background(), alice, id, map[string]interface{}{"status": "active"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.RowCount)
	assert.Len(t, f.logs(t, id), 1)
}

func TestExecuteRawSQL(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, Options{})

	res, err := f.svc.ExecuteRawSQL(ctx, bob, "SELECT name FROM customers WHERE status = ? ORDER BY name", "inactive")
	require.NoError(t, err)
	assert.Equal(t, 2, res.RowCount)
	assert.Equal(t, "bea", res.Rows[0]["name"])

	tests := []struct {
		name string
		sql  string
		want error
	}{
		{"empty", "   ", core.ErrValidation},
		{"inline literal", "SELECT * FROM customers WHERE status = 'active'", core.ErrSecurity},
		{"stacked statement", "SELECT 1; DELETE FROM customers", core.ErrSecurity},
		{"comment", "SELECT * FROM customers -- all", core.ErrSecurity},
		{"union", "SELECT id FROM customers UNION SELECT name FROM customers", core.ErrSecurity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.ExecuteRawSQL(ctx, bob, tt.sql)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, int32(1), f.store.reads.Load())
}

func TestExecuteRawSQL_GroupGate(t *testing.T) {
	f := newFixture(t, nil, Options{Executor: ExecutorOptions{RawSQLGroups: []string{"analysts"}}})

	_, err := f.svc.ExecuteRawSQL(context.Background(), bob, "SELECT id FROM customers")
	assert.ErrorIs(t, err, core.ErrPermission)

	res, err := f.svc.ExecuteRawSQL(context.Background(), alice, "SELECT id FROM customers")
	require.NoError(t, err)
	assert.Equal(t, 5, res.RowCount)
}

func TestExecuteParameterizedQuery_LazyCursor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, Options{})
	id := f.addActiveCustomers(t)

	cur, err := f.svc.ExecuteParameterizedQuery(ctx, alice, id, map[string]interface{}{"status": "active"})
	require.NoError(t, err)
	assert.Empty(t, f.logs(t, id), "an open cursor is audited when closed")
	n := 0
	for cur.Next() {
		n++
	}
	require.NoError(t, cur.Err())
	require.NoError(t, cur.Close())
	require.NoError(t, cur.Close())
	assert.Equal(t, 3, n)
	assert.Zero(t, f.store.reads.Load(), "cursor bypasses materialized reads")

	logs := f.logs(t, id)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Success)

	_, err = f.svc.ExecuteParameterizedQuery(ctx, bob, id, map[string]interface{}{"status": "active"})
	assert.ErrorIs(t, err, core.ErrPermission)
	assert.Len(t, f.logs(t, id), 2)
}

func TestExecuteParameterizedQuery_BindsEscapedValues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, Options{})
	id := f.addActiveCustomers(t)
	_, err := f.db.Exec(`INSERT INTO customers (name, status) VALUES ('fox', 'a&b'), ('gil', 'a&amp;b')`)
	require.NoError(t, err)
	params := map[string]interface{}{"status": "a&b"}

	res, err := f.svc.ExecuteQuery(ctx, alice, id, params)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "fox", res.Rows[0]["name"])

	cur, err := f.svc.ExecuteParameterizedQuery(ctx, alice, id, params)
	require.NoError(t, err)
	rs, err := store.Drain(cur)
	require.NoError(t, err)
	require.Len(t, rs.Rows, 1)
	assert.Equal(t, "gil", rs.Rows[0]["name"])
}

func TestRecommendIndexingStrategy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, Options{})

	rec, err := f.svc.RecommendIndexingStrategy(ctx, "customers", "SELECT * FROM customers WHERE status = ?")
	require.NoError(t, err)
	assert.True(t, rec.FullScan)
	assert.Equal(t, []string{"status"}, rec.Columns)
	assert.Equal(t, []string{"CREATE INDEX idx_customers_status ON customers (status)"}, rec.Statements)

	_, err = f.svc.RecommendIndexingStrategy(ctx, "customers", "SELECT * FROM customers; DROP TABLE customers")
	assert.ErrorIs(t, err, core.ErrSecurity)
}

func TestInvalidateQueryCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, cache.NewMemoryCache(), Options{})
	id := f.addActiveCustomers(t)
	active := map[string]interface{}{"status": "active"}

	for _, status := range []string{"active", "inactive"} {
		_, err := f.svc.ExecuteQuery(ctx, alice, id, map[string]interface{}{"status": status})
		require.NoError(t, err)
	}
	n, err := f.svc.InvalidateQueryCache(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	res, err := f.svc.ExecuteQuery(ctx, alice, id, active)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, int32(3), f.store.reads.Load())

	st, err := f.svc.CacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, cache.BackendMemory, st.Backend)
	assert.Equal(t, int64(1), st.Keys)
}

func TestCacheStats_NoBackend(t *testing.T) {
	f := newFixture(t, nil, Options{})
	st, err := f.svc.CacheStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cache.BackendNone, st.Backend)
	require.NoError(t, f.svc.ClearCache(context.Background()))
}

func TestExecuteQuery_StoreFailureClassified(t *testing.T) {
	f := newFixture(t, nil, Options{})
	id := f.addActiveCustomers(t)
	f.store.fail = func(int32) error {
		return core.ClassifyStoreError("query", errors.New("database is locked"))
	}

	_, err := f.svc.ExecuteQuery(context.Background(), alice, id, map[string]interface{}{"status": "active"})
	assert.ErrorIs(t, err, core.ErrTransientStore)
	assert.True(t, core.IsRetryable(err))

	st, ok := f.svc.Executor().monitor.Stats(id)
	require.True(t, ok)
	assert.Equal(t, int64(1), st.Failures)
}
