package store

import (
	"cmp"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Validate rejects queries the store cannot serve. Membership operators need
// a non-empty list.
func Validate(q Query) error {
	if q.Collection == "" {
		return fmt.Errorf("%w: missing collection", ErrInvalidQuery)
	}
	for _, f := range q.Filters {
		if f.Field == "" {
			return fmt.Errorf("%w: filter without field", ErrInvalidQuery)
		}
		switch f.Op {
		case OpIn, OpNotIn, OpArrayContainsAny:
			list, ok := canonical(f.Value).([]any)
			if !ok {
				return fmt.Errorf("%w: %s on %q needs a list", ErrInvalidQuery, f.Op, f.Field)
			}
			if len(list) == 0 {
				return fmt.Errorf("%w: %s on %q with an empty list", ErrInvalidQuery, f.Op, f.Field)
			}
		case OpEqual, OpNotEqual, OpLess, OpLessEqual, OpGreater, OpGreaterEqual, OpArrayContains:
		default:
			return fmt.Errorf("%w: unknown operator %q", ErrInvalidQuery, f.Op)
		}
	}
	for _, o := range q.Orders {
		if o.Direction != Asc && o.Direction != Desc && o.Direction != "" {
			return fmt.Errorf("%w: unknown direction %q", ErrInvalidQuery, o.Direction)
		}
	}
	if q.Limit < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidQuery)
	}
	return nil
}

// Evaluate filters, orders and limits docs. Documents are ordered by id when
// no order is given; ties are broken by id.
func Evaluate(docs []Document, q Query) []Document {
	out := make([]Document, 0, len(docs))
	for _, doc := range docs {
		if Matches(doc, q) {
			out = append(out, doc)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		for _, o := range q.Orders {
			a, _ := FieldValue(out[i], o.Field)
			b, _ := FieldValue(out[j], o.Field)
			c := orderValues(a, b)
			if c == 0 {
				continue
			}
			if o.Direction == Desc {
				return c > 0
			}
			return c < 0
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// Matches reports whether doc satisfies every filter of q and carries every
// field q orders by.
func Matches(doc Document, q Query) bool {
	for _, f := range q.Filters {
		if !matchFilter(doc, f) {
			return false
		}
	}
	for _, o := range q.Orders {
		if _, ok := FieldValue(doc, o.Field); !ok {
			return false
		}
	}
	return true
}

// FieldValue resolves a dotted field path, or the document id for DocumentID.
func FieldValue(doc Document, field string) (any, bool) {
	if field == DocumentID {
		return doc.ID, true
	}
	var current any = doc.Data
	for _, part := range splitPath(field) {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func matchFilter(doc Document, f Filter) bool {
	value, ok := FieldValue(doc, f.Field)
	target := canonical(f.Value)
	switch f.Op {
	case OpEqual:
		return ok && valuesEqual(value, target)
	case OpNotEqual:
		return ok && value != nil && !valuesEqual(value, target)
	case OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
		if !ok {
			return false
		}
		c, comparable := compareValues(value, target)
		if !comparable {
			return false
		}
		switch f.Op {
		case OpLess:
			return c < 0
		case OpLessEqual:
			return c <= 0
		case OpGreater:
			return c > 0
		default:
			return c >= 0
		}
	case OpIn:
		return ok && containsValue(asSlice(target), value)
	case OpNotIn:
		return ok && value != nil && !containsValue(asSlice(target), value)
	case OpArrayContains:
		return ok && containsValue(asSlice(value), target)
	case OpArrayContainsAny:
		if !ok {
			return false
		}
		values := asSlice(value)
		for _, candidate := range asSlice(target) {
			if containsValue(values, candidate) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func toFloat(value any) (float64, bool) {
	switch v := canonical(value).(type) {
	case float64:
		return v, true
	default:
		return 0, false
	}
}

// compareValues compares two values of the same kind.
func compareValues(a, b any) (int, bool) {
	a, b = canonical(a), canonical(b)
	switch x := a.(type) {
	case float64:
		y, ok := b.(float64)
		if !ok {
			return 0, false
		}
		return cmp.Compare(x, y), true
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		default:
			return 1, true
		}
	case Timestamp:
		y, ok := b.(Timestamp)
		if !ok {
			return 0, false
		}
		if c := cmp.Compare(x.Seconds, y.Seconds); c != 0 {
			return c, true
		}
		return cmp.Compare(x.Nanos, y.Nanos), true
	default:
		return 0, false
	}
}

func valuesEqual(a, b any) bool {
	if c, ok := compareValues(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(canonical(a), canonical(b))
}

// orderValues orders values across kinds: null, bool, number, timestamp,
// string, then everything else.
func orderValues(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	if c, ok := compareValues(a, b); ok {
		return c
	}
	return 0
}

func typeRank(value any) int {
	switch canonical(value).(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case Timestamp:
		return 3
	case string:
		return 4
	default:
		return 5
	}
}
