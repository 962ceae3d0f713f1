// Package query implements the document-oriented query dialect: parsing
// a predicate object into a structured form per field, and evaluating
// that structured form in-memory, including the absent-field policy.
package query

import (
	"fmt"
	"time"

	"github.com/goshops-com/stormidb/stormerr"
)

// Op is the operator sum type. The in-memory evaluator (Evaluate) and the
// tag-filter generator (package planner) are both total pattern matches
// over this type.
type Op int

const (
	EQ Op = iota
	GT
	GTE
	LT
	LTE
	IN
	NIN
	BETWEEN
)

func (o Op) String() string {
	switch o {
	case EQ:
		return "$eq"
	case GT:
		return "$gt"
	case GTE:
		return "$gte"
	case LT:
		return "$lt"
	case LTE:
		return "$lte"
	case IN:
		return "$in"
	case NIN:
		return "$nin"
	case BETWEEN:
		return "$between"
	default:
		return "$unknown"
	}
}

// Condition is a single {op, value} clause on a field.
type Condition struct {
	Op    Op
	Value interface{}
}

// Predicate maps field name to the ordered list of conditions that must
// all hold for that field. A scalar or single-operator clause in the
// external dialect collapses to a one-element slice.
type Predicate map[string][]Condition

var opNames = map[string]Op{
	"$eq":      EQ,
	"$gt":      GT,
	"$gte":     GTE,
	"$lt":      LT,
	"$lte":     LTE,
	"$in":      IN,
	"$nin":     NIN,
	"$between": BETWEEN,
}

// Parse normalizes an external predicate object (map of field name to
// either a scalar or a nested operator-clause object) into a Predicate.
//
// A scalar value collapses to {EQ, value}. A nested object such as
// {"$gte": 18, "$lt": 30} yields an ordered, stable (by the fixed
// operator precedence below) list of conditions, all of which must hold.
func Parse(raw map[string]interface{}) (Predicate, error) {
	pred := make(Predicate, len(raw))
	for field, v := range raw {
		clauseMap, isObject := asOperatorObject(v)
		if !isObject {
			pred[field] = []Condition{{Op: EQ, Value: v}}
			continue
		}
		conds, err := parseClauseMap(field, clauseMap)
		if err != nil {
			return nil, err
		}
		pred[field] = conds
	}
	return pred, nil
}

// asOperatorObject reports whether v is a non-empty map, which is treated
// as an operator clause object rather than a literal map value compared
// for equality (the dialect has no map-valued fields). It does not check
// the keys; parseClauseMap rejects any key that is not a recognized
// operator.
func asOperatorObject(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	if !ok || len(m) == 0 {
		return nil, false
	}
	return m, true
}

// clauseOrder fixes a stable iteration order over operator clause maps so
// that Parse is deterministic regardless of Go's randomized map
// iteration order.
var clauseOrder = []string{"$eq", "$gt", "$gte", "$lt", "$lte", "$in", "$nin", "$between"}

func parseClauseMap(field string, clauses map[string]interface{}) ([]Condition, error) {
	var conds []Condition
	for _, name := range clauseOrder {
		v, present := clauses[name]
		if !present {
			continue
		}
		op, known := opNames[name]
		if !known {
			return nil, fmt.Errorf("query: field %q: %w: unknown operator %q", field, stormerr.ErrValidation, name)
		}
		if op == BETWEEN {
			if err := validateBetween(v); err != nil {
				return nil, fmt.Errorf("query: field %q: %w", field, err)
			}
		}
		conds = append(conds, Condition{Op: op, Value: v})
	}
	if len(conds) != len(clauses) {
		return nil, fmt.Errorf("query: field %q: %w: unrecognized operator in clause", field, stormerr.ErrValidation)
	}
	return conds, nil
}

func validateBetween(v interface{}) error {
	pair, ok := v.([]interface{})
	if !ok || len(pair) != 2 {
		return fmt.Errorf("%w: $between requires a two-element array", stormerr.ErrValidation)
	}
	return nil
}

// Evaluate reports whether a document (a JSON-shaped map) satisfies the
// predicate: every field's condition list must hold (conjunction across
// fields and across the conditions within one field).
func Evaluate(pred Predicate, doc map[string]interface{}) bool {
	for field, conds := range pred {
		val, present := doc[field]
		for _, c := range conds {
			if !evalCondition(present, val, c) {
				return false
			}
		}
	}
	return true
}

func evalCondition(present bool, val interface{}, c Condition) bool {
	if !present || val == nil {
		// Absent field: every operator returns false, including NIN —
		// missing fields satisfy neither a positive nor a negative
		// membership test.
		return false
	}
	switch c.Op {
	case EQ:
		return compareEqual(val, c.Value)
	case GT:
		cmp, ok := compareOrdered(val, c.Value)
		return ok && cmp > 0
	case GTE:
		cmp, ok := compareOrdered(val, c.Value)
		return ok && cmp >= 0
	case LT:
		cmp, ok := compareOrdered(val, c.Value)
		return ok && cmp < 0
	case LTE:
		cmp, ok := compareOrdered(val, c.Value)
		return ok && cmp <= 0
	case IN:
		return membership(val, c.Value)
	case NIN:
		return !membership(val, c.Value)
	case BETWEEN:
		pair, ok := c.Value.([]interface{})
		if !ok || len(pair) != 2 {
			return false
		}
		lowCmp, lowOK := compareOrdered(val, pair[0])
		highCmp, highOK := compareOrdered(val, pair[1])
		return lowOK && highOK && lowCmp >= 0 && highCmp <= 0
	default:
		return false
	}
}

func membership(val, set interface{}) bool {
	items, ok := set.([]interface{})
	if !ok {
		return false
	}
	for _, item := range items {
		if compareEqual(val, item) {
			return true
		}
	}
	return false
}

// compareEqual implements EQ's ISO-date-normalization rule: if both sides
// parse as ISO-8601 UTC timestamps, compare as epoch milliseconds;
// otherwise compare as plain values.
func compareEqual(a, b interface{}) bool {
	if ta, ok := asTime(a); ok {
		if tb, ok := asTime(b); ok {
			return ta.UnixMilli() == tb.UnixMilli()
		}
	}
	na, aIsNum := asFloat(a)
	nb, bIsNum := asFloat(b)
	if aIsNum && bIsNum {
		return na == nb
	}
	return a == b
}

// compareOrdered returns (-1|0|1, true) when a and b are of comparable
// types (both numeric, both timestamps, or both strings); mixed types
// return ok=false so the calling predicate evaluates to false rather than
// erroring.
func compareOrdered(a, b interface{}) (int, bool) {
	if ta, ok := asTime(a); ok {
		if tb, ok := asTime(b); ok {
			return compareInt64(ta.UnixNano(), tb.UnixNano()), true
		}
		return 0, false
	}
	if na, ok := asFloat(a); ok {
		if nb, ok := asFloat(b); ok {
			switch {
			case na < nb:
				return -1, true
			case na > nb:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			switch {
			case sa < sb:
				return -1, true
			case sa > sb:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	return 0, false
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func asFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	default:
		return 0, false
	}
}

func asTime(v interface{}) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		if t, err := time.Parse(time.RFC3339Nano, x); err == nil {
			return t, true
		}
		if t, err := time.Parse(time.RFC3339, x); err == nil {
			return t, true
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}
