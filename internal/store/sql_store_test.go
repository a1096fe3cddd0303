package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"querybridge/internal/core"
)

func newMockStore(t *testing.T, dialect string) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, dialect, nil), mock
}

func TestSQLStore_Query(t *testing.T) {
	s, mock := newMockStore(t, "postgres")
	mock.ExpectQuery("SELECT id, name FROM users WHERE status = $1").
		WithArgs("active").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow(int64(1), []byte("alice")).
			AddRow(int64(2), "bob"))

	rs, err := s.Query(context.Background(), "SELECT id, name FROM users WHERE status = $1", "active")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, rs.Columns)
	require.Len(t, rs.Rows, 2)
	assert.Equal(t, "alice", rs.Rows[0]["name"], "byte values become strings")
	assert.Equal(t, int64(2), rs.Rows[1]["id"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_QueryErrorClassified(t *testing.T) {
	s, mock := newMockStore(t, "mysql")
	mock.ExpectQuery("SELECT 1").WillReturnError(driver.ErrBadConn)
	mock.ExpectQuery("SELECT 2").WillReturnError(errors.New("syntax error near SELECT"))

	_, err := s.Query(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, core.ErrTransientStore)

	_, err = s.Query(context.Background(), "SELECT 2")
	assert.Equal(t, core.KindInternal, core.KindOf(err))
}

func TestSQLStore_CursorIsLazy(t *testing.T) {
	s, mock := newMockStore(t, "postgres")
	mock.ExpectQuery("SELECT id FROM t").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1).AddRow(2).AddRow(3))

	cur, err := s.Cursor(context.Background(), "SELECT id FROM t")
	require.NoError(t, err)

	require.True(t, cur.Next())
	row, err := cur.Row()
	require.NoError(t, err)
	assert.EqualValues(t, 1, row["id"])
	require.NoError(t, cur.Close())
	assert.NoError(t, cur.Err())
}

func TestDrain(t *testing.T) {
	s, mock := newMockStore(t, "postgres")
	mock.ExpectQuery("SELECT id FROM t").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1).AddRow(2))

	cur, err := s.Cursor(context.Background(), "SELECT id FROM t")
	require.NoError(t, err)
	rs, err := Drain(cur)
	require.NoError(t, err)
	assert.Len(t, rs.Rows, 2)
}

func TestSQLStore_WithinTx(t *testing.T) {
	s, mock := newMockStore(t, "postgres")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO t VALUES ($1)").WithArgs(1).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	err := s.WithinTx(context.Background(), func(tx core.Execer) error {
		_, err := tx.ExecContext(context.Background(), "INSERT INTO t VALUES ($1)", 1)
		return err
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectRollback()
	err = s.WithinTx(context.Background(), func(core.Execer) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ExplainUnsupported(t *testing.T) {
	s, _ := newMockStore(t, "odbc")
	_, err := s.Explain(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestSQLStore_ExplainMySQL(t *testing.T) {
	s, mock := newMockStore(t, "mysql")
	mock.ExpectQuery("EXPLAIN SELECT * FROM orders WHERE customer_id = 5").
		WillReturnRows(sqlmock.NewRows([]string{"id", "table", "type", "key"}).
			AddRow(1, "orders", "ALL", nil))

	lines, err := s.Explain(context.Background(), "SELECT * FROM orders WHERE customer_id = 5")
	require.NoError(t, err)
	assert.Equal(t, []string{"id: 1 table: orders type: ALL"}, lines)
}

func TestSQLStore_ExplainSQLite(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`CREATE TABLE orders (id INTEGER PRIMARY KEY, customer_id INTEGER, total REAL)`)
	require.NoError(t, err)

	s := New(db, "sqlite", nil)
	lines, err := s.Explain(context.Background(), "SELECT * FROM orders WHERE customer_id = 5")
	require.NoError(t, err)
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], "SCAN orders")

	n, err := s.Exec(context.Background(), "INSERT INTO orders (customer_id, total) VALUES (?, ?)", 5, 9.5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
