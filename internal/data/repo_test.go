package data

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querybridge/internal/core"
)

func newTestDB(t *testing.T) (*QueryRepo, *PermissionRepo, *AuditRepo, *ResultRepo) {
	t.Helper()
	db, err := InitDB(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewQueryRepo(db), NewPermissionRepo(db), NewAuditRepo(db), NewResultRepo(db)
}

func sampleQuery() *core.Query {
	return &core.Query{
		Name:     "active_users",
		Category: "reports",
		SQLText:  "SELECT id FROM users WHERE status = {status}",
		Parameters: []core.QueryParameter{
			{Name: "status", DataType: core.TypeString},
			{Name: "limit", DataType: core.TypeInteger, DefaultValue: float64(10)},
		},
		CacheSeconds: 60,
	}
}

func TestMigrationVersion(t *testing.T) {
	db, err := InitDB(context.Background(), ":memory:")
	require.NoError(t, err)
	defer db.Close()

	v, err := MigrationVersion(db)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	// running again is a no-op
	require.NoError(t, Migrate(db))
}

func TestQueryRepo_CRUD(t *testing.T) {
	ctx := context.Background()
	queries, _, _, _ := newTestDB(t)

	q := sampleQuery()
	require.NoError(t, queries.Create(ctx, q))
	require.NotZero(t, q.ID)

	got, err := queries.GetByID(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, q.Name, got.Name)
	assert.Equal(t, q.Parameters, got.Parameters)
	assert.Equal(t, 60, got.CacheSeconds)
	assert.False(t, got.Async)

	got.Async = true
	got.Description = "users by status"
	require.NoError(t, queries.Update(ctx, got))

	byName, err := queries.GetByName(ctx, "active_users")
	require.NoError(t, err)
	assert.Equal(t, q.ID, byName.ID)
	assert.True(t, byName.Async)
	assert.Equal(t, "users by status", byName.Description)

	all, err := queries.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, queries.Delete(ctx, q.ID))
	_, err = queries.GetByID(ctx, q.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)

	err = queries.Update(ctx, &core.Query{ID: 999, Name: "x", SQLText: "SELECT 1"})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestPermissionRepo(t *testing.T) {
	ctx := context.Background()
	queries, perms, _, _ := newTestDB(t)
	q := sampleQuery()
	require.NoError(t, queries.Create(ctx, q))

	none, err := perms.GetByQueryID(ctx, q.ID)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, perms.Upsert(ctx, &core.QueryExecutionPermission{QueryID: q.ID, AllowedGroups: []string{"analysts"}}))
	require.NoError(t, perms.Upsert(ctx, &core.QueryExecutionPermission{QueryID: q.ID, AllowedUsers: []string{"carol"}}))

	p, err := perms.GetByQueryID(ctx, q.ID)
	require.NoError(t, err)
	assert.Empty(t, p.AllowedGroups, "upsert replaces the record")
	assert.Equal(t, []string{"carol"}, p.AllowedUsers)

	// cascades with the query
	require.NoError(t, queries.Delete(ctx, q.ID))
	p, err = perms.GetByQueryID(ctx, q.ID)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestAuditRepo(t *testing.T) {
	ctx := context.Background()
	_, _, audit, _ := newTestDB(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, audit.Create(ctx, &core.QueryLog{QueryID: 1, ExecutedBy: "alice", ExecutedAt: base, Success: true}))
	require.NoError(t, audit.CreateBatch(ctx, []core.QueryLog{
		{QueryID: 1, ExecutedBy: "bob", ExecutedAt: base.Add(time.Minute), ErrorMessage: "denied"},
		{QueryID: 2, ExecutedBy: "carol", ExecutedAt: base.Add(2 * time.Minute), Success: true, DurationMs: 12},
	}))

	recent, err := audit.GetRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "carol", recent[0].ExecutedBy)
	assert.Equal(t, int64(12), recent[0].DurationMs)
	assert.True(t, recent[0].ExecutedAt.Equal(base.Add(2*time.Minute)))

	byQuery, err := audit.GetByQueryID(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, byQuery, 2)
	assert.Equal(t, "bob", byQuery[0].ExecutedBy)
	assert.False(t, byQuery[0].Success)
	assert.Equal(t, "denied", byQuery[0].ErrorMessage)
}

func TestResultRepo(t *testing.T) {
	ctx := context.Background()
	_, _, _, results := newTestDB(t)
	old := time.Now().Add(-48 * time.Hour)

	_, err := results.GetLatest(ctx, 1)
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, results.Save(ctx, &core.QueryResult{QueryID: 1, ResultData: `[]`, ExecutedAt: old}))
	require.NoError(t, results.Save(ctx, &core.QueryResult{QueryID: 1, ResultData: `[{"id":1}]`, RowCount: 1}))

	latest, err := results.GetLatest(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, latest.RowCount)
	assert.JSONEq(t, `[{"id":1}]`, latest.ResultData)

	n, err := results.DeleteOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
