package security

import (
	"context"
	"encoding/json"
	"math"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"querybridge/internal/core"
	"querybridge/internal/pagination"
)

// System keys carry pagination and sort options next to query parameters.
const (
	KeyPage  = "_page"
	KeyLimit = "_limit"
	KeySort  = "_sort"
	KeyOrder = "_order"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Validator struct {
	perms     core.PermissionRepository
	checker   core.PermissionChecker
	sanitizer *Sanitizer
}

func NewValidator(perms core.PermissionRepository, checker core.PermissionChecker, sanitizer *Sanitizer) *Validator {
	return &Validator{
		perms:     perms,
		checker:   checker,
		sanitizer: sanitizer,
	}
}

// ValidateQueryParams checks raw against the declared parameters and returns the
// bound values with defaults filled in. Integers are normalized to int64.
func (v *Validator) ValidateQueryParams(raw interface{}, declared []core.QueryParameter) (map[string]interface{}, error) {
	params, err := asMapping(raw)
	if err != nil {
		return nil, err
	}

	bound := make(map[string]interface{}, len(declared))
	known := make(map[string]bool, len(declared))
	var missing []string

	for _, p := range declared {
		known[p.Name] = true
		val, ok := params[p.Name]
		if !ok || val == nil {
			if p.Required() {
				missing = append(missing, p.Name)
				continue
			}
			val = p.DefaultValue
		}
		coerced, err := coerce(p, val)
		if err != nil {
			return nil, err
		}
		if s, ok := coerced.(string); ok {
			if m, found := v.sanitizer.Detect(s); found {
				return nil, core.NewSecurityError("parameter %q contains disallowed input (%s)", p.Name, m)
			}
		}
		bound[p.Name] = coerced
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, core.NewValidationError("missing required parameters: %s", strings.Join(missing, ", "))
	}

	for name, val := range params {
		if known[name] {
			continue
		}
		switch name {
		case KeyPage, KeyLimit:
			n, err := coerce(core.QueryParameter{Name: name, DataType: core.TypeInteger}, val)
			if err != nil {
				return nil, err
			}
			if n.(int64) < 1 {
				return nil, core.NewValidationError("%s must be a positive integer, got %d", name, n)
			}
			bound[name] = n
		case KeySort:
			s, ok := val.(string)
			if !ok || !identifier.MatchString(s) {
				return nil, core.NewValidationError("%s must be a column name", KeySort)
			}
			bound[name] = s
		case KeyOrder:
			s, ok := val.(string)
			if !ok {
				return nil, core.NewValidationError("%s must be a string", KeyOrder)
			}
			order, err := pagination.NormalizeOrder(s)
			if err != nil {
				return nil, err
			}
			bound[name] = order
		default:
			return nil, core.NewValidationError("unknown parameter %q", name)
		}
	}

	return bound, nil
}

// ValidatePermission fails unless a permission record exists for query and grants user.
// A query without a record is denied.
func (v *Validator) ValidatePermission(ctx context.Context, user core.Identity, query *core.Query) error {
	perm, err := v.perms.GetByQueryID(ctx, query.ID)
	if err != nil {
		return core.ClassifyStoreError("load permission", err)
	}
	if perm == nil {
		return core.NewPermissionError("query %d has no execution permission record", query.ID)
	}
	if !v.checker.HasPermission(user, perm.AllowedGroups, perm.AllowedUsers) {
		return core.NewPermissionError("user %q may not execute query %d", user.Username, query.ID)
	}
	return nil
}

func asMapping(raw interface{}) (map[string]interface{}, error) {
	switch m := raw.(type) {
	case nil:
		return map[string]interface{}{}, nil
	case map[string]interface{}:
		return m, nil
	case map[string]string:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			out[k] = val
		}
		return out, nil
	default:
		return nil, core.NewValidationError("parameters must be a mapping, got %T", raw)
	}
}

func coerce(p core.QueryParameter, val interface{}) (interface{}, error) {
	switch p.DataType {
	case core.TypeInteger:
		if n, ok := toInt64(val); ok {
			return n, nil
		}
		return nil, core.NewValidationError("parameter %q must be an integer, got %T", p.Name, val)
	case core.TypeString:
		if s, ok := val.(string); ok {
			return s, nil
		}
		return nil, core.NewValidationError("parameter %q must be a string, got %T", p.Name, val)
	case core.TypeBoolean:
		if b, ok := val.(bool); ok {
			return b, nil
		}
		return nil, core.NewValidationError("parameter %q must be a boolean, got %T", p.Name, val)
	default:
		return nil, core.NewValidationError("parameter %q has unsupported data type %q", p.Name, p.DataType)
	}
}

func toInt64(val interface{}) (int64, bool) {
	switch n := val.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	case bool, string, nil:
		return 0, false
	}
	rv := reflect.ValueOf(val)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return 0, false
		}
		return int64(u), true
	}
	return 0, false
}

func floatToInt(f float64) (int64, bool) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}
