package expr

import (
	"fmt"
	"strings"
)

// Compare compares two values using the specified operator.
// Returns an error for unknown operators and for numeric operators applied
// to values that are not numbers.
func Compare(left, right any, op string) (bool, error) {
	switch op {
	case "==":
		return compareEquals(left, right), nil
	case "!=":
		return !compareEquals(left, right), nil
	case "contains":
		return strings.Contains(fmt.Sprintf("%v", left), fmt.Sprintf("%v", right)), nil
	case "<", ">", "<=", ">=":
		return compareOrdered(left, right, op)
	default:
		return false, fmt.Errorf("unknown operator: %s", op)
	}
}

// compareEquals compares numerically when both sides are numbers and by
// string form otherwise, so 10 equals 10.0 but "a" never equals 0.
func compareEquals(left, right any) bool {
	l, lok := ToDecimal(left)
	r, rok := ToDecimal(right)
	if lok && rok {
		return l.Equal(r)
	}
	return fmt.Sprintf("%v", left) == fmt.Sprintf("%v", right)
}

func compareOrdered(left, right any, op string) (bool, error) {
	l, ok := ToDecimal(left)
	if !ok {
		return false, fmt.Errorf("%w: %v", ErrNotNumeric, left)
	}
	r, ok := ToDecimal(right)
	if !ok {
		return false, fmt.Errorf("%w: %v", ErrNotNumeric, right)
	}
	c := l.Cmp(r)
	switch op {
	case "<":
		return c < 0, nil
	case ">":
		return c > 0, nil
	case "<=":
		return c <= 0, nil
	default:
		return c >= 0, nil
	}
}
