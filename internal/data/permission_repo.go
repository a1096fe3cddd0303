package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"querybridge/internal/core"
)

type PermissionRepo struct {
	db *sql.DB
}

func NewPermissionRepo(db *sql.DB) *PermissionRepo {
	return &PermissionRepo{db: db}
}

// Upsert replaces the permission record of p.QueryID.
func (r *PermissionRepo) Upsert(ctx context.Context, p *core.QueryExecutionPermission) error {
	groups, err := encodeNames(p.AllowedGroups)
	if err != nil {
		return err
	}
	users, err := encodeNames(p.AllowedUsers)
	if err != nil {
		return err
	}
	err = r.db.QueryRowContext(ctx, `INSERT INTO query_permissions (query_id, allowed_groups, allowed_users) VALUES (?, ?, ?)
		ON CONFLICT(query_id) DO UPDATE SET allowed_groups=excluded.allowed_groups, allowed_users=excluded.allowed_users
		RETURNING id`, p.QueryID, groups, users).Scan(&p.ID)
	return core.ClassifyStoreError("upsert permission", err)
}

// GetByQueryID returns nil, nil when the query has no permission record.
func (r *PermissionRepo) GetByQueryID(ctx context.Context, queryID int64) (*core.QueryExecutionPermission, error) {
	var p core.QueryExecutionPermission
	var groups, users string
	err := r.db.QueryRowContext(ctx, `SELECT id, query_id, allowed_groups, allowed_users FROM query_permissions WHERE query_id = ?`, queryID).
		Scan(&p.ID, &p.QueryID, &groups, &users)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, core.ClassifyStoreError("get permission", err)
	}
	if err := json.Unmarshal([]byte(groups), &p.AllowedGroups); err != nil {
		return nil, fmt.Errorf("decode allowed groups of query %d: %w", queryID, err)
	}
	if err := json.Unmarshal([]byte(users), &p.AllowedUsers); err != nil {
		return nil, fmt.Errorf("decode allowed users of query %d: %w", queryID, err)
	}
	return &p, nil
}

func (r *PermissionRepo) Delete(ctx context.Context, queryID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM query_permissions WHERE query_id = ?`, queryID)
	return core.ClassifyStoreError("delete permission", err)
}

func encodeNames(names []string) (string, error) {
	if names == nil {
		names = []string{}
	}
	b, err := json.Marshal(names)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
