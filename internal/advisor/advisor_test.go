package advisor

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"querybridge/internal/core"
	"querybridge/internal/store"
)

type planStub struct {
	plan []string
	err  error
}

func (p planStub) Dialect() string { return "postgres" }
func (p planStub) Explain(context.Context, string) ([]string, error) {
	return p.plan, p.err
}

func TestRecommend_PostgresSeqScan(t *testing.T) {
	plan := []string{
		"Seq Scan on orders  (cost=0.00..35.50 rows=10 width=16)",
		"  Filter: (customer_id = 5)",
	}
	a := New(zap.NewNop())
	rec, err := a.Recommend(context.Background(), planStub{plan: plan}, "orders", "SELECT * FROM orders WHERE customer_id = 5")
	require.NoError(t, err)
	assert.True(t, rec.FullScan)
	assert.Contains(t, rec.Columns, "customer_id")
	assert.Equal(t, []string{"CREATE INDEX idx_orders_customer_id ON orders (customer_id)"}, rec.Statements)
}

func TestAnalyze_ColumnOrder(t *testing.T) {
	sqlText := `SELECT o.id, c.name FROM orders o
		JOIN customers c ON c.id = o.customer_id
		WHERE o.status = {status} AND o.total > 100 AND c.region = 'eu'
		ORDER BY o.created_at DESC`
	plan := []string{
		"Hash Join  (cost=1.00..50.00 rows=5 width=40)",
		"  Hash Cond: (o.customer_id = c.id)",
		"  ->  Seq Scan on orders o  (cost=0.00..35.50 rows=10 width=16)",
		"        Filter: ((status)::text = 'open'::text)",
		"  ->  Index Scan using customers_pkey on customers c",
	}
	rec := Analyze("orders", sqlText, plan)
	assert.True(t, rec.FullScan)
	assert.Equal(t, []string{"status", "total", "customer_id", "created_at"}, rec.Columns)
}

func TestAnalyze_NoFullScan(t *testing.T) {
	plan := []string{"Index Scan using orders_customer_idx on orders  (cost=0.29..8.30 rows=1 width=16)"}
	rec := Analyze("orders", "SELECT * FROM orders WHERE customer_id = 5", plan)
	assert.False(t, rec.FullScan)
	assert.Empty(t, rec.Columns)
}

func TestAnalyze_DialectIndicators(t *testing.T) {
	tests := []struct {
		name string
		plan string
	}{
		{"sqlite", "SCAN orders"},
		{"sqlite legacy", "SCAN TABLE orders"},
		{"mysql", "id: 1 select_type: SIMPLE table: orders type: ALL rows: 1000"},
		{"sqlserver", "|--Table Scan(OBJECT:([shop].[dbo].[orders]))"},
		{"oracle", "TABLE ACCESS FULL ORDERS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := Analyze("orders", "SELECT * FROM orders WHERE customer_id = ? ORDER BY placed_at", []string{tt.plan})
			assert.True(t, rec.FullScan)
			assert.Equal(t, []string{"customer_id", "placed_at"}, rec.Columns)
		})
	}

	other := Analyze("orders", "SELECT * FROM orders_archive", []string{"SCAN orders_archive"})
	assert.False(t, other.FullScan, "a scan of another table is not a match")
}

func TestRecommend_InvalidTable(t *testing.T) {
	_, err := New(nil).Recommend(context.Background(), planStub{}, "orders; drop", "SELECT 1")
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestRecommend_ExplainError(t *testing.T) {
	boom := errors.New("boom")
	_, err := New(nil).Recommend(context.Background(), planStub{err: boom}, "orders", "SELECT 1")
	assert.ErrorIs(t, err, boom)
}

func TestRecommend_SQLite(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()
	_, err = db.Exec(`CREATE TABLE orders (id INTEGER PRIMARY KEY, customer_id INTEGER, total REAL)`)
	require.NoError(t, err)

	rec, err := New(nil).Recommend(context.Background(), store.New(db, "sqlite", nil), "orders",
		"SELECT * FROM orders WHERE customer_id = 5")
	require.NoError(t, err)
	assert.True(t, rec.FullScan)
	assert.Equal(t, []string{"customer_id"}, rec.Columns)

	_, err = db.Exec(`CREATE INDEX idx_orders_customer_id ON orders (customer_id)`)
	require.NoError(t, err)
	rec, err = New(nil).Recommend(context.Background(), store.New(db, "sqlite", nil), "orders",
		"SELECT * FROM orders WHERE customer_id = 5")
	require.NoError(t, err)
	assert.False(t, rec.FullScan)
}
