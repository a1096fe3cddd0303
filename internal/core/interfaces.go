package core

import (
	"context"
	"database/sql"
)

// QueryRepository defines storage operations for saved queries
type QueryRepository interface {
	Create(ctx context.Context, query *Query) error
	GetAll(ctx context.Context) ([]Query, error)
	GetByID(ctx context.Context, id int64) (*Query, error)
	GetByName(ctx context.Context, name string) (*Query, error)
	Update(ctx context.Context, query *Query) error
	Delete(ctx context.Context, id int64) error
}

// PermissionRepository defines storage operations for execution permissions
type PermissionRepository interface {
	Upsert(ctx context.Context, perm *QueryExecutionPermission) error
	GetByQueryID(ctx context.Context, queryID int64) (*QueryExecutionPermission, error)
	Delete(ctx context.Context, queryID int64) error
}

// AuditRepository defines storage operations for query logs. Rows are never updated.
type AuditRepository interface {
	Create(ctx context.Context, log *QueryLog) error
	CreateBatch(ctx context.Context, logs []QueryLog) error
	GetRecent(ctx context.Context, limit int) ([]QueryLog, error)
	GetByQueryID(ctx context.Context, queryID int64, limit int) ([]QueryLog, error)
}

// ResultRepository stores optional result snapshots
type ResultRepository interface {
	Save(ctx context.Context, result *QueryResult) error
	GetLatest(ctx context.Context, queryID int64) (*QueryResult, error)
}

// PermissionChecker is the identity boundary supplied by the enclosing application.
type PermissionChecker interface {
	HasPermission(user Identity, allowedGroups, allowedUsers []string) bool
}

// Execer runs statements inside a transaction scope. *sql.Tx satisfies it.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// ResultSet is a materialized query result.
type ResultSet struct {
	Columns []string                 `json:"columns"`
	Rows    []map[string]interface{} `json:"rows"`
}

// Cursor is a lazy result: nothing is read from the store until Next is called.
type Cursor interface {
	Columns() ([]string, error)
	Next() bool
	Row() (map[string]interface{}, error)
	Err() error
	Close() error
}

// Store is the relational data store boundary.
type Store interface {
	Dialect() string
	Query(ctx context.Context, sqlText string, args ...interface{}) (*ResultSet, error)
	Cursor(ctx context.Context, sqlText string, args ...interface{}) (Cursor, error)
	Exec(ctx context.Context, sqlText string, args ...interface{}) (int64, error)
	Explain(ctx context.Context, sqlText string) ([]string, error)
	WithinTx(ctx context.Context, fn func(tx Execer) error) error
}
