// Package store implements core.Store over database/sql.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"querybridge/internal/core"
)

// SQLStore runs statements against one target database.
type SQLStore struct {
	db      *sql.DB
	dialect string
	log     *zap.Logger
}

type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to the target database and verifies it answers.
func Open(ctx context.Context, driver, dsn string, opts Options, log *zap.Logger) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection (%s): %w", driver, err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, core.ClassifyStoreError("ping", fmt.Errorf("failed to ping database: %w", err))
	}
	return New(db, driver, log), nil
}

// New wraps an already opened handle. dialect is the driver name.
func New(db *sql.DB, dialect string, log *zap.Logger) *SQLStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &SQLStore{db: db, dialect: dialect, log: log.Named("store")}
}

func (s *SQLStore) DB() *sql.DB     { return s.db }
func (s *SQLStore) Dialect() string { return s.dialect }
func (s *SQLStore) Close() error    { return s.db.Close() }

func (s *SQLStore) Ping(ctx context.Context) error {
	return core.ClassifyStoreError("ping", s.db.PingContext(ctx))
}

func (s *SQLStore) Query(ctx context.Context, sqlText string, args ...interface{}) (*core.ResultSet, error) {
	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, core.ClassifyStoreError("query", fmt.Errorf("execution error: %w", err))
	}
	defer rows.Close()

	rs, err := ScanAll(rows)
	if err != nil {
		return nil, core.ClassifyStoreError("query", err)
	}
	return rs, nil
}

// Cursor starts the statement and returns rows one at a time.
func (s *SQLStore) Cursor(ctx context.Context, sqlText string, args ...interface{}) (core.Cursor, error) {
	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, core.ClassifyStoreError("cursor", fmt.Errorf("execution error: %w", err))
	}
	return &RowCursor{rows: rows}, nil
}

func (s *SQLStore) Exec(ctx context.Context, sqlText string, args ...interface{}) (int64, error) {
	res, err := s.db.ExecContext(ctx, sqlText, args...)
	if err != nil {
		return 0, core.ClassifyStoreError("exec", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		// some drivers cannot report affected rows
		return 0, nil
	}
	return n, nil
}

// Explain returns the plan for sqlText, one line per plan row.
func (s *SQLStore) Explain(ctx context.Context, sqlText string) ([]string, error) {
	prefix, ok := explainPrefix(s.dialect)
	if !ok {
		return nil, core.NewValidationError("explain is not supported for %s", s.dialect)
	}
	rows, err := s.db.QueryContext(ctx, prefix+" "+sqlText)
	if err != nil {
		return nil, core.ClassifyStoreError("explain", err)
	}
	defer rows.Close()

	rs, err := ScanAll(rows)
	if err != nil {
		return nil, core.ClassifyStoreError("explain", err)
	}
	return planLines(rs), nil
}

func explainPrefix(dialect string) (string, bool) {
	switch dialect {
	case "sqlite", "sqlite3":
		return "EXPLAIN QUERY PLAN", true
	case "postgres", "pgx", "mysql":
		return "EXPLAIN", true
	}
	return "", false
}

// planLines flattens plan rows. Single-column plans keep their text; wider
// ones are rendered as "col: value" pairs in column order.
func planLines(rs *core.ResultSet) []string {
	lines := make([]string, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		if detail, ok := row["detail"]; ok {
			lines = append(lines, fmt.Sprint(detail))
			continue
		}
		if len(rs.Columns) == 1 {
			lines = append(lines, fmt.Sprint(row[rs.Columns[0]]))
			continue
		}
		parts := make([]string, 0, len(rs.Columns))
		for _, col := range rs.Columns {
			if v := row[col]; v != nil {
				parts = append(parts, fmt.Sprintf("%s: %v", col, v))
			}
		}
		lines = append(lines, strings.Join(parts, " "))
	}
	return lines
}

// WithinTx commits when fn returns nil and rolls back otherwise.
func (s *SQLStore) WithinTx(ctx context.Context, fn func(tx core.Execer) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.ClassifyStoreError("begin", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.log.Warn("rollback failed", zap.Error(rbErr))
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return core.ClassifyStoreError("commit", err)
	}
	return nil
}

// ScanAll materializes rows. []byte values become strings.
func ScanAll(rows *sql.Rows) (*core.ResultSet, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := &core.ResultSet{Columns: columns, Rows: []map[string]interface{}{}}
	for rows.Next() {
		row, err := scanRow(rows, columns)
		if err != nil {
			return nil, err
		}
		out.Rows = append(out.Rows, row)
	}
	return out, rows.Err()
}

func scanRow(rows *sql.Rows, columns []string) (map[string]interface{}, error) {
	values := make([]interface{}, len(columns))
	ptrs := make([]interface{}, len(columns))
	for i := range columns {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	row := make(map[string]interface{}, len(columns))
	for i, col := range columns {
		if b, ok := values[i].([]byte); ok {
			row[col] = string(b)
		} else {
			row[col] = values[i]
		}
	}
	return row, nil
}
