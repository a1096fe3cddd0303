package data

import (
	"context"
	"database/sql"
	"time"

	"querybridge/internal/core"
)

const insertLog = `INSERT INTO query_logs (query_id, executed_by, executed_at, duration_ms, executed_query_text, client_ip, success, error_message) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

// AuditRepo only ever inserts; logs are not updated or deleted.
type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

func (r *AuditRepo) Create(ctx context.Context, l *core.QueryLog) error {
	if l.ExecutedAt.IsZero() {
		l.ExecutedAt = time.Now()
	}
	res, err := r.db.ExecContext(ctx, insertLog,
		l.QueryID, l.ExecutedBy, l.ExecutedAt.UTC(), l.DurationMs, l.ExecutedQueryText, l.ClientIP, l.Success, l.ErrorMessage)
	if err != nil {
		return core.ClassifyStoreError("create query log", err)
	}
	id, _ := res.LastInsertId()
	l.ID = id
	return nil
}

// CreateBatch inserts logs in one transaction; either all rows land or none.
func (r *AuditRepo) CreateBatch(ctx context.Context, logs []core.QueryLog) (err error) {
	if len(logs) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return core.ClassifyStoreError("create query logs", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, insertLog)
	if err != nil {
		return core.ClassifyStoreError("create query logs", err)
	}
	defer stmt.Close()

	for i := range logs {
		l := &logs[i]
		if l.ExecutedAt.IsZero() {
			l.ExecutedAt = time.Now()
		}
		if _, err = stmt.ExecContext(ctx, l.QueryID, l.ExecutedBy, l.ExecutedAt.UTC(), l.DurationMs, l.ExecutedQueryText, l.ClientIP, l.Success, l.ErrorMessage); err != nil {
			return core.ClassifyStoreError("create query logs", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return core.ClassifyStoreError("create query logs", err)
	}
	return nil
}

func (r *AuditRepo) GetRecent(ctx context.Context, limit int) ([]core.QueryLog, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, query_id, executed_by, executed_at, duration_ms, executed_query_text, client_ip, success, error_message FROM query_logs ORDER BY executed_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, core.ClassifyStoreError("list query logs", err)
	}
	return scanLogs(rows)
}

func (r *AuditRepo) GetByQueryID(ctx context.Context, queryID int64, limit int) ([]core.QueryLog, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, query_id, executed_by, executed_at, duration_ms, executed_query_text, client_ip, success, error_message FROM query_logs WHERE query_id = ? ORDER BY executed_at DESC, id DESC LIMIT ?`, queryID, limit)
	if err != nil {
		return nil, core.ClassifyStoreError("list query logs", err)
	}
	return scanLogs(rows)
}

func scanLogs(rows *sql.Rows) ([]core.QueryLog, error) {
	defer rows.Close()

	var logs []core.QueryLog
	for rows.Next() {
		var l core.QueryLog
		if err := rows.Scan(&l.ID, &l.QueryID, &l.ExecutedBy, &l.ExecutedAt, &l.DurationMs, &l.ExecutedQueryText, &l.ClientIP, &l.Success, &l.ErrorMessage); err != nil {
			return nil, core.ClassifyStoreError("scan query log", err)
		}
		l.ExecutedAt = l.ExecutedAt.Local()
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
