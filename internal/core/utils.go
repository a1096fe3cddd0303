package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// QueryCachePrefix is shared by every cache entry of one query, so all of them
// can be dropped with a single prefix invalidation.
func QueryCachePrefix(queryID int64) string {
	return fmt.Sprintf("query:%d:", queryID)
}

// QueryCacheKey builds the cache key for a query and its bound parameters.
// encoding/json sorts map keys, so equal maps give equal keys.
func QueryCacheKey(queryID int64, params map[string]interface{}) (string, error) {
	if len(params) == 0 {
		return QueryCachePrefix(queryID) + "-", nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode cache key params: %w", err)
	}
	sum := sha256.Sum256(b)
	return QueryCachePrefix(queryID) + hex.EncodeToString(sum[:16]), nil
}
