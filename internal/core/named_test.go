package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNamed(t *testing.T) {
	sqlText := "SELECT * FROM orders WHERE status = {status} AND customer_id = {customer_id} {pagination}"

	tests := []struct {
		dialect string
		want    string
	}{
		{"sqlite", "SELECT * FROM orders WHERE status = ? AND customer_id = ? {pagination}"},
		{"postgres", "SELECT * FROM orders WHERE status = $1 AND customer_id = $2 {pagination}"},
		{"sqlserver", "SELECT * FROM orders WHERE status = @p1 AND customer_id = @p2 {pagination}"},
	}
	for _, tt := range tests {
		t.Run(tt.dialect, func(t *testing.T) {
			st := ParseNamed(sqlText, tt.dialect)
			assert.Equal(t, tt.want, st.SQL)
			assert.Equal(t, []string{"status", "customer_id"}, st.Names)
		})
	}

	st := ParseNamed("SELECT {pagination::5}", "sqlite")
	assert.Equal(t, "SELECT {pagination::5}", st.SQL)
	assert.Empty(t, st.Names)
}

func TestNamedStatement_Bind(t *testing.T) {
	st := NamedStatement{SQL: "? ? ?", Names: []string{"a", "b", "a"}}

	args, err := st.Bind(map[string]interface{}{"a": 1, "b": "x"})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{1, "x", 1}, args)

	_, err = st.Bind(map[string]interface{}{})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Contains(t, err.Error(), "missing parameters: a, b")
}

func TestQueryCacheKey(t *testing.T) {
	k1, err := QueryCacheKey(1, map[string]interface{}{"status": "active", "limit": 10})
	require.NoError(t, err)
	k2, err := QueryCacheKey(1, map[string]interface{}{"limit": 10, "status": "active"})
	require.NoError(t, err)
	k3, err := QueryCacheKey(1, map[string]interface{}{"status": "closed", "limit": 10})
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Contains(t, k1, QueryCachePrefix(1))
}
