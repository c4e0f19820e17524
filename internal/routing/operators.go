package routing

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Operator is the comparison applied by a routing condition. The set
// is closed: adding a variant means extending Evaluate and the tests,
// there is no runtime registration.
type Operator string

const (
	OpEquals         Operator = "equals"
	OpNotEquals      Operator = "not_equals"
	OpContains       Operator = "contains"
	OpNotContains    Operator = "not_contains"
	OpStartsWith     Operator = "startswith"
	OpEndsWith       Operator = "endswith"
	OpIn             Operator = "in"
	OpNotIn          Operator = "not_in"
	OpGreaterThan    Operator = "gt"
	OpGreaterOrEqual Operator = "gte"
	OpLessThan       Operator = "lt"
	OpLessOrEqual    Operator = "lte"
	OpIsEmpty        Operator = "is_empty"
	OpIsNotEmpty     Operator = "is_not_empty"
	OpRegex          Operator = "regex"
)

// All lists the operators in presentation order (the admin API exposes
// this for rule builders).
func All() []Operator {
	return []Operator{
		OpEquals, OpNotEquals, OpContains, OpNotContains,
		OpStartsWith, OpEndsWith, OpIn, OpNotIn,
		OpGreaterThan, OpGreaterOrEqual, OpLessThan, OpLessOrEqual,
		OpIsEmpty, OpIsNotEmpty, OpRegex,
	}
}

func (op Operator) Valid() bool {
	for _, known := range All() {
		if op == known {
			return true
		}
	}
	return false
}

// NeedsValue reports whether the operator compares against a
// configured value (the emptiness checks do not).
func (op Operator) NeedsValue() bool {
	return op != OpIsEmpty && op != OpIsNotEmpty
}

// Evaluate applies the operator to a rendered field value. Pure: no
// logging, no state. Non-numeric operands make the numeric operators
// false rather than an error; a malformed regex or an unknown operator
// is an error the caller is expected to log and treat as false.
//
// Case folding: text operators lower both operands when the condition
// is case-insensitive; regex keeps its pattern intact and gets the
// (?i) flag instead, so character classes keep their meaning.
func (op Operator) Evaluate(field, compare string, caseSensitive bool) (bool, error) {
	switch op {
	case OpIsEmpty:
		return strings.TrimSpace(field) == "", nil
	case OpIsNotEmpty:
		return strings.TrimSpace(field) != "", nil

	case OpGreaterThan, OpGreaterOrEqual, OpLessThan, OpLessOrEqual:
		f, errF := strconv.ParseFloat(strings.TrimSpace(field), 64)
		c, errC := strconv.ParseFloat(strings.TrimSpace(compare), 64)
		if errF != nil || errC != nil {
			return false, nil
		}
		switch op {
		case OpGreaterThan:
			return f > c, nil
		case OpGreaterOrEqual:
			return f >= c, nil
		case OpLessThan:
			return f < c, nil
		default:
			return f <= c, nil
		}

	case OpRegex:
		pattern := compare
		if !caseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid regex %q: %w", compare, err)
		}
		return re.MatchString(field), nil
	}

	if !caseSensitive {
		field = strings.ToLower(field)
		compare = strings.ToLower(compare)
	}

	switch op {
	case OpEquals:
		return field == compare, nil
	case OpNotEquals:
		return field != compare, nil
	case OpContains:
		return strings.Contains(field, compare), nil
	case OpNotContains:
		return !strings.Contains(field, compare), nil
	case OpStartsWith:
		return strings.HasPrefix(field, compare), nil
	case OpEndsWith:
		return strings.HasSuffix(field, compare), nil
	case OpIn:
		return inList(field, compare), nil
	case OpNotIn:
		return !inList(field, compare), nil
	}

	return false, fmt.Errorf("unknown operator %q", op)
}

// inList matches the field against a comma-separated list, ignoring
// whitespace around items.
func inList(field, csv string) bool {
	for _, item := range strings.Split(csv, ",") {
		if strings.TrimSpace(item) == field {
			return true
		}
	}
	return false
}
