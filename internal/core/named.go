package core

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// namedParam matches {name}. {pagination...} is a system variable and is
// left in place for the executor to expand.
var namedParam = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// NamedStatement is a statement rewritten to driver placeholders. Names holds
// the parameter behind each placeholder, so a name used twice appears twice.
type NamedStatement struct {
	SQL   string
	Names []string
}

// ParseNamed rewrites every {name} in sqlText to the placeholder style of
// dialect: $n for postgres, @pn for sqlserver and ? otherwise.
func ParseNamed(sqlText, dialect string) NamedStatement {
	var names []string
	out := namedParam.ReplaceAllStringFunc(sqlText, func(m string) string {
		name := m[1 : len(m)-1]
		if strings.EqualFold(name, "pagination") {
			return m
		}
		names = append(names, name)
		return Placeholder(dialect, len(names))
	})
	return NamedStatement{SQL: out, Names: names}
}

// Placeholder returns the n-th (1-based) bind placeholder for dialect.
func Placeholder(dialect string, n int) string {
	switch dialect {
	case "postgres", "pgx":
		return fmt.Sprintf("$%d", n)
	case "sqlserver", "mssql":
		return fmt.Sprintf("@p%d", n)
	default:
		return "?"
	}
}

// Bind orders values to match the placeholders. All missing names are
// reported in one ValidationError.
func (s NamedStatement) Bind(values map[string]interface{}) ([]interface{}, error) {
	args := make([]interface{}, len(s.Names))
	var missing []string
	seen := make(map[string]bool)
	for i, name := range s.Names {
		v, ok := values[name]
		if !ok {
			if !seen[name] {
				missing = append(missing, name)
				seen[name] = true
			}
			continue
		}
		args[i] = v
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, NewValidationError("missing parameters: %s", strings.Join(missing, ", "))
	}
	return args, nil
}
