package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"querybridge/internal/core"
)

const queryColumns = `id, name, description, category, sql_text, parameters, async, timeout_seconds, cache_seconds, created_at, updated_at`

type QueryRepo struct {
	db *sql.DB
}

func NewQueryRepo(db *sql.DB) *QueryRepo {
	return &QueryRepo{db: db}
}

func (r *QueryRepo) Create(ctx context.Context, q *core.Query) error {
	params, err := encodeParameters(q.Parameters)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `INSERT INTO queries (name, description, category, sql_text, parameters, async, timeout_seconds, cache_seconds, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.Name, q.Description, q.Category, q.SQLText, params, q.Async, q.TimeoutSeconds, q.CacheSeconds, now, now)
	if err != nil {
		return core.ClassifyStoreError("create query", err)
	}
	id, _ := res.LastInsertId()
	q.ID = id
	q.CreatedAt, q.UpdatedAt = now, now
	return nil
}

func (r *QueryRepo) GetByID(ctx context.Context, id int64) (*core.Query, error) {
	q, err := scanQuery(r.db.QueryRowContext(ctx, `SELECT `+queryColumns+` FROM queries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewNotFoundError("query %d not found", id)
	}
	if err != nil {
		return nil, core.ClassifyStoreError("get query", err)
	}
	return q, nil
}

func (r *QueryRepo) GetByName(ctx context.Context, name string) (*core.Query, error) {
	q, err := scanQuery(r.db.QueryRowContext(ctx, `SELECT `+queryColumns+` FROM queries WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewNotFoundError("query %q not found", name)
	}
	if err != nil {
		return nil, core.ClassifyStoreError("get query", err)
	}
	return q, nil
}

func (r *QueryRepo) GetAll(ctx context.Context) ([]core.Query, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+queryColumns+` FROM queries ORDER BY id`)
	if err != nil {
		return nil, core.ClassifyStoreError("list queries", err)
	}
	defer rows.Close()

	var queries []core.Query
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, core.ClassifyStoreError("list queries", err)
		}
		queries = append(queries, *q)
	}
	return queries, rows.Err()
}

// Update rewrites every mutable field. The id never changes.
func (r *QueryRepo) Update(ctx context.Context, q *core.Query) error {
	params, err := encodeParameters(q.Parameters)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `UPDATE queries SET name=?, description=?, category=?, sql_text=?, parameters=?, async=?, timeout_seconds=?, cache_seconds=?, updated_at=? WHERE id=?`,
		q.Name, q.Description, q.Category, q.SQLText, params, q.Async, q.TimeoutSeconds, q.CacheSeconds, now, q.ID)
	if err != nil {
		return core.ClassifyStoreError("update query", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NewNotFoundError("query %d not found", q.ID)
	}
	q.UpdatedAt = now
	return nil
}

func (r *QueryRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM queries WHERE id=?`, id)
	return core.ClassifyStoreError("delete query", err)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQuery(s rowScanner) (*core.Query, error) {
	var q core.Query
	var params string
	if err := s.Scan(&q.ID, &q.Name, &q.Description, &q.Category, &q.SQLText, &params, &q.Async, &q.TimeoutSeconds, &q.CacheSeconds, &q.CreatedAt, &q.UpdatedAt); err != nil {
		return nil, err
	}
	if params != "" {
		if err := json.Unmarshal([]byte(params), &q.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters of query %d: %w", q.ID, err)
		}
	}
	return &q, nil
}

func encodeParameters(params []core.QueryParameter) (string, error) {
	if params == nil {
		return "[]", nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "", core.NewValidationError("invalid parameter declarations: %v", err)
	}
	return string(b), nil
}
