package model

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// Present is the single presence predicate used by every merge path.
// nil, nil pointers, the empty string, a null decimal and empty slices or
// maps are absent; anything else is present, including zero amounts.
func Present(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case *string:
		return t != nil && *t != ""
	case *int:
		return t != nil
	case decimal.NullDecimal:
		return t.Valid
	case *decimal.Decimal:
		return t != nil
	case []string:
		return len(t) > 0
	case []Person:
		return len(t) > 0
	case []CanonicalPerson:
		return len(t) > 0
	case *Address:
		return t != nil && !t.Empty()
	case Address:
		return !t.Empty()
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// Stringify coerces a field value to its string form. Absent values become
// the empty string.
func Stringify(v any) string {
	if !Present(v) {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case *string:
		return *t
	case *int:
		return strconv.Itoa(*t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case decimal.Decimal:
		return t.String()
	case *decimal.Decimal:
		return t.String()
	case decimal.NullDecimal:
		return t.Decimal.String()
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
