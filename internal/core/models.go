package core

import (
	"time"
)

// Parameter data types accepted by QueryParameter.DataType
const (
	TypeInteger = "integer"
	TypeString  = "string"
	TypeBoolean = "boolean"
)

type Query struct {
	ID             int64            `json:"id"`
	Name           string           `json:"name"`
	Description    string           `json:"description"`
	Category       string           `json:"category"`
	SQLText        string           `json:"sql_text"`
	Parameters     []QueryParameter `json:"parameters"`
	Async          bool             `json:"async"`
	TimeoutSeconds int              `json:"timeout_seconds"` // 0 = configured default
	CacheSeconds   int              `json:"cache_seconds"`   // 0 = configured default, <0 = never cache
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Cacheable reports whether results of q may be stored in the cache.
func (q *Query) Cacheable() bool {
	return q.CacheSeconds >= 0
}

type QueryParameter struct {
	Name         string      `json:"name"`
	Description  string      `json:"description"`
	DataType     string      `json:"data_type"`
	DefaultValue interface{} `json:"default_value,omitempty"`
}

// Required reports whether the caller must supply a value.
func (p QueryParameter) Required() bool {
	return p.DefaultValue == nil
}

type QueryExecutionPermission struct {
	ID            int64    `json:"id"`
	QueryID       int64    `json:"query_id"`
	AllowedGroups []string `json:"allowed_groups"`
	AllowedUsers  []string `json:"allowed_users"`
}

// QueryLog is an append-only audit row, one per execution attempt.
type QueryLog struct {
	ID                int64     `json:"id"`
	QueryID           int64     `json:"query_id"`
	ExecutedBy        string    `json:"executed_by"`
	ExecutedAt        time.Time `json:"executed_at"`
	DurationMs        int64     `json:"duration_ms"`
	ExecutedQueryText string    `json:"executed_query_text"`
	ClientIP          string    `json:"client_ip"`
	Success           bool      `json:"success"`
	ErrorMessage      string    `json:"error_message"`
}

type QueryResult struct {
	ID         int64     `json:"id"`
	QueryID    int64     `json:"query_id"`
	ResultData string    `json:"result_data"` // JSON
	ExecutedAt time.Time `json:"executed_at"`
	RowCount   int       `json:"row_count"`
}

// Identity is the caller as seen by the enclosing application.
type Identity struct {
	ID       int64    `json:"id"`
	Username string   `json:"username"`
	Groups   []string `json:"groups"`
}
