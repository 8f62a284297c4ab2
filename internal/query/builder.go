// Package query turns declarative constraint sets into store queries.
package query

import "loops/api/internal/store"

// DocumentID filters or orders by document id instead of a field.
const DocumentID = store.DocumentID

type Where struct {
	Field string
	Op    store.Operator
	Value FilterValue
}

type OrderBy struct {
	Field     string
	Direction store.Direction
}

// Constraints is an optional filter/sort/limit set for one collection. A nil
// *Constraints selects the whole collection.
type Constraints struct {
	Where   []Where
	OrderBy []OrderBy
	LimitTo int
}

func New() *Constraints {
	return &Constraints{}
}

func (c *Constraints) Filter(field string, op store.Operator, value FilterValue) *Constraints {
	c.Where = append(c.Where, Where{Field: field, Op: op, Value: value})
	return c
}

func (c *Constraints) Order(field string, direction store.Direction) *Constraints {
	c.OrderBy = append(c.OrderBy, OrderBy{Field: field, Direction: direction})
	return c
}

func (c *Constraints) Limit(n int) *Constraints {
	c.LimitTo = n
	return c
}

// Equal reports whether c and other select the same query.
func (c *Constraints) Equal(other *Constraints) bool {
	if c == nil || other == nil {
		return c.empty() && other.empty()
	}
	if len(c.Where) != len(other.Where) || len(c.OrderBy) != len(other.OrderBy) || c.LimitTo != other.LimitTo {
		return false
	}
	for i, w := range c.Where {
		o := other.Where[i]
		if w.Field != o.Field || w.Op != o.Op || !w.Value.equal(o.Value) {
			return false
		}
	}
	for i, ob := range c.OrderBy {
		if ob != other.OrderBy[i] {
			return false
		}
	}
	return true
}

func (c *Constraints) empty() bool {
	return c == nil || (len(c.Where) == 0 && len(c.OrderBy) == 0 && c.LimitTo == 0)
}

// Build returns the store query for collection under c, or nil when viewerID
// is empty. Null values drop their clause, as does an empty id list on a
// membership operator, which the store would reject. Orders and limit are
// kept in caller order; no implicit order is added.
func Build(viewerID, collection string, c *Constraints) *store.Query {
	if viewerID == "" {
		return nil
	}
	q := store.Query{Collection: collection}
	if c == nil {
		return &q
	}
	for _, w := range c.Where {
		if skip(w) {
			continue
		}
		q.Filters = append(q.Filters, store.Filter{Field: w.Field, Op: w.Op, Value: w.Value.native()})
	}
	for _, o := range c.OrderBy {
		direction := o.Direction
		if direction == "" {
			direction = store.Asc
		}
		q.Orders = append(q.Orders, store.Order{Field: o.Field, Direction: direction})
	}
	if c.LimitTo > 0 {
		q.Limit = c.LimitTo
	}
	return &q
}

func skip(w Where) bool {
	switch w.Value.Kind() {
	case KindNull:
		return true
	case KindIDList:
		switch w.Op {
		case store.OpIn, store.OpNotIn, store.OpArrayContainsAny:
			return len(w.Value.ids) == 0
		}
		return false
	case KindStr, KindNum, KindBool, KindTime:
		return false
	default:
		return true
	}
}
