package data

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"querybridge/internal/core"
)

type ResultRepo struct {
	db *sql.DB
}

func NewResultRepo(db *sql.DB) *ResultRepo {
	return &ResultRepo{db: db}
}

func (r *ResultRepo) Save(ctx context.Context, res *core.QueryResult) error {
	if res.ExecutedAt.IsZero() {
		res.ExecutedAt = time.Now()
	}
	out, err := r.db.ExecContext(ctx, `INSERT INTO query_results (query_id, result_data, executed_at, row_count) VALUES (?, ?, ?, ?)`,
		res.QueryID, res.ResultData, res.ExecutedAt.UTC(), res.RowCount)
	if err != nil {
		return core.ClassifyStoreError("save result", err)
	}
	id, _ := out.LastInsertId()
	res.ID = id
	return nil
}

func (r *ResultRepo) GetLatest(ctx context.Context, queryID int64) (*core.QueryResult, error) {
	var res core.QueryResult
	err := r.db.QueryRowContext(ctx, `SELECT id, query_id, result_data, executed_at, row_count FROM query_results WHERE query_id = ? ORDER BY executed_at DESC, id DESC LIMIT 1`, queryID).
		Scan(&res.ID, &res.QueryID, &res.ResultData, &res.ExecutedAt, &res.RowCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewNotFoundError("no stored result for query %d", queryID)
	}
	if err != nil {
		return nil, core.ClassifyStoreError("get result", err)
	}
	res.ExecutedAt = res.ExecutedAt.Local()
	return &res, nil
}

// DeleteOlderThan prunes snapshots executed before cutoff.
func (r *ResultRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM query_results WHERE executed_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, core.ClassifyStoreError("prune results", err)
	}
	return res.RowsAffected()
}
