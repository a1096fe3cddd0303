// Package pagination slices result sets by page number or by cursor position.
package pagination

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"querybridge/internal/core"
)

// DefaultPageSize is used when a caller asks for pagination without a size.
const DefaultPageSize = 50

// Variable matches {pagination}, {pagination:P:L} and {pagination::L} in SQL
// text. Group 1 is the inline page and group 2 the inline limit.
var Variable = regexp.MustCompile(`(?i)\{\s*pagination(?::\s*(\d*)\s*:\s*(\d*)\s*)?\}`)

// Page describes the slice bounds chosen for a request.
type Page struct {
	Number     int  `json:"page"`
	Size       int  `json:"page_size"`
	Total      int  `json:"total"`
	TotalPages int  `json:"total_pages"`
	Start      int  `json:"-"`
	End        int  `json:"-"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

// Offset computes slice bounds for page of size over total items.
// Page numbers start at 1; anything outside [1, last] is clamped.
func Offset(total, page, size int) (Page, error) {
	if size <= 0 {
		return Page{}, core.NewValidationError("page size must be positive, got %d", size)
	}
	if total < 0 {
		total = 0
	}

	totalPages := (total + size - 1) / size
	if totalPages == 0 {
		totalPages = 1
	}
	if page < 1 {
		page = 1
	}
	if page > totalPages {
		page = totalPages
	}

	start := (page - 1) * size
	end := start + size
	if end > total {
		end = total
	}
	if start > end {
		start = end
	}

	return Page{
		Number:     page,
		Size:       size,
		Total:      total,
		TotalPages: totalPages,
		Start:      start,
		End:        end,
		HasNext:    page < totalPages,
		HasPrev:    page > 1,
	}, nil
}

// Paginate returns the items of one page and its bounds.
func Paginate[T any](items []T, page, size int) ([]T, Page, error) {
	p, err := Offset(len(items), page, size)
	if err != nil {
		return nil, Page{}, err
	}
	return items[p.Start:p.End], p, nil
}

// Cursor slices at page*size without counting pages; page is zero-based.
// Reaching the offset costs O(offset) on a stream and no total is reported.
func Cursor[T any](items []T, page, size int) ([]T, error) {
	if size <= 0 {
		return nil, core.NewValidationError("page size must be positive, got %d", size)
	}
	if page < 0 {
		page = 0
	}
	start := page * size
	if start >= len(items) {
		return []T{}, nil
	}
	end := start + size
	if end > len(items) {
		end = len(items)
	}
	return items[start:end], nil
}

// NormalizeOrder validates a sort order, returning "asc" or "desc".
func NormalizeOrder(order string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(order)) {
	case "", "asc", "ascending":
		return "asc", nil
	case "desc", "descending":
		return "desc", nil
	default:
		return "", core.NewValidationError("unknown sort order %q", order)
	}
}

// Sort orders rows by one field. A missing field sorts as the smallest value.
func Sort(rows []map[string]interface{}, field, order string) error {
	dir, err := NormalizeOrder(order)
	if err != nil {
		return err
	}
	if field == "" {
		return core.NewValidationError("sort field is required")
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if dir == "desc" {
			return less(rows[j][field], rows[i][field])
		}
		return less(rows[i][field], rows[j][field])
	})
	return nil
}

func less(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b != nil
	}
	switch av := a.(type) {
	case int64:
		if bv, ok := toFloat(b); ok {
			return float64(av) < bv
		}
	case float64:
		if bv, ok := toFloat(b); ok {
			return av < bv
		}
	case int:
		if bv, ok := toFloat(b); ok {
			return float64(av) < bv
		}
	case string:
		if bv, ok := b.(string); ok {
			return av < bv
		}
	case bool:
		if bv, ok := b.(bool); ok {
			return !av && bv
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Before(bv)
		}
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// Clause renders the LIMIT/OFFSET form each driver understands for a 1-based page.
func Clause(dialect string, page, limit int) string {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 1
	}
	offset := (page - 1) * limit

	switch dialect {
	case "mysql":
		return fmt.Sprintf("LIMIT %d, %d", offset, limit)
	case "sqlserver", "mssql":
		return fmt.Sprintf("OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", offset, limit)
	case "odbc":
		// SQL Anywhere / Sybase syntax
		return fmt.Sprintf("TOP %d START AT %d", limit, offset+1)
	default:
		return fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)
	}
}
