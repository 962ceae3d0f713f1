package query

import "sort"

// Builder is a fluent convenience wrapper over Predicate construction. It
// compiles down to exactly the structured predicate Parse would produce,
// plus the pagination/ordering options find takes — it adds no execution
// semantics of its own.
type Builder struct {
	pred    Predicate
	limit   int
	offset  int
	orderBy string
	desc    bool
}

// NewBuilder starts an empty query that matches every document.
func NewBuilder() *Builder {
	return &Builder{pred: make(Predicate)}
}

// Where adds a condition on field. Multiple calls for the same field
// accumulate (matching Parse's multi-operator-clause semantics); multiple
// calls for different fields combine with AND, matching Predicate's
// field-conjunction semantics.
func (b *Builder) Where(field string, op Op, value interface{}) *Builder {
	b.pred[field] = append(b.pred[field], Condition{Op: op, Value: value})
	return b
}

// Eq is shorthand for Where(field, EQ, value).
func (b *Builder) Eq(field string, value interface{}) *Builder {
	return b.Where(field, EQ, value)
}

// Between is shorthand for Where(field, BETWEEN, [low, high]).
func (b *Builder) Between(field string, low, high interface{}) *Builder {
	return b.Where(field, BETWEEN, []interface{}{low, high})
}

// Limit sets the maximum number of results to return.
func (b *Builder) Limit(n int) *Builder {
	b.limit = n
	return b
}

// Offset sets the number of leading results to skip.
func (b *Builder) Offset(n int) *Builder {
	b.offset = n
	return b
}

// OrderBy sorts the in-memory page by field (ascending, or descending if
// desc is true). This only reorders the page already selected by
// limit/offset's containing find call — it does not change which
// documents are returned, since the store gives no ordering guarantee
// beyond its own listing order.
func (b *Builder) OrderBy(field string, desc bool) *Builder {
	b.orderBy = field
	b.desc = desc
	return b
}

// Predicate returns the structured predicate built so far.
func (b *Builder) Predicate() Predicate {
	return b.pred
}

// Limit/Offset accessors for callers (e.g. planner.Find) that need the
// pagination options alongside the predicate.
func (b *Builder) LimitValue() int  { return b.limit }
func (b *Builder) OffsetValue() int { return b.offset }

// ApplyOrder sorts docs in place by the field set via OrderBy, using the
// same string/number/time-aware comparison Evaluate uses for ordered
// operators. A nil OrderBy is a no-op, leaving the store's listing order
// untouched.
func (b *Builder) ApplyOrder(docs []map[string]interface{}) {
	if b.orderBy == "" {
		return
	}
	field := b.orderBy
	sort.SliceStable(docs, func(i, j int) bool {
		vi, iok := docs[i][field]
		vj, jok := docs[j][field]
		if !iok || !jok {
			return false
		}
		cmp, ok := compareOrdered(vi, vj)
		if !ok {
			return false
		}
		if b.desc {
			return cmp > 0
		}
		return cmp < 0
	})
}
