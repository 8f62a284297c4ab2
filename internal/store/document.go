package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Timestamp is the store-native point in time attached to documents and
// written by ServerTimestamp. Consumers should convert it with Time or let
// Normalize do it for a whole document.
type Timestamp struct {
	Seconds int64 `json:"_seconds"`
	Nanos   int32 `json:"_nanoseconds"`
}

func TimestampOf(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}

func (t Timestamp) Time() time.Time {
	return time.Unix(t.Seconds, int64(t.Nanos)).UTC()
}

func (t Timestamp) IsZero() bool {
	return t.Seconds == 0 && t.Nanos == 0
}

// Document is one record of a collection as the store hands it out.
type Document struct {
	ID         string
	Data       map[string]any
	CreateTime Timestamp
	UpdateTime Timestamp
	Version    int64
}

// Snapshot is the full result set of a query at one point in time.
type Snapshot struct {
	Docs      []Document
	ReadTime  Timestamp
	FromCache bool
}

// Event is one push on a live subscription. Exactly one of Snapshot and Err
// is set; an Err event is terminal and the channel is closed after it.
type Event struct {
	Snapshot *Snapshot
	Err      error
}

type Operator string

const (
	OpEqual            Operator = "=="
	OpNotEqual         Operator = "!="
	OpLess             Operator = "<"
	OpLessEqual        Operator = "<="
	OpGreater          Operator = ">"
	OpGreaterEqual     Operator = ">="
	OpIn               Operator = "in"
	OpNotIn            Operator = "not-in"
	OpArrayContains    Operator = "array-contains"
	OpArrayContainsAny Operator = "array-contains-any"
)

// DocumentID is the pseudo field that matches and orders by document id.
const DocumentID = "__name__"

type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

type Filter struct {
	Field string   `json:"field"`
	Op    Operator `json:"op"`
	Value any      `json:"value"`
}

type Order struct {
	Field     string    `json:"field"`
	Direction Direction `json:"direction"`
}

// Query is the store-native query object. Build it with the query package.
type Query struct {
	Collection string   `json:"collection"`
	Filters    []Filter `json:"filters,omitempty"`
	Orders     []Order  `json:"orders,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

// Key returns a canonical representation of q. Two queries with the same key
// select the same documents in the same order.
func (q Query) Key() string {
	var b strings.Builder
	b.WriteString(q.Collection)
	for _, f := range q.Filters {
		value, _ := json.Marshal(f.Value)
		fmt.Fprintf(&b, "|w:%s %s %s", f.Field, f.Op, value)
	}
	for _, o := range q.Orders {
		fmt.Fprintf(&b, "|o:%s %s", o.Field, o.Direction)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, "|l:%d", q.Limit)
	}
	return b.String()
}

// Collection returns an unfiltered query over name.
func Collection(name string) Query {
	return Query{Collection: name}
}

// Where returns a copy of q with one more filter.
func (q Query) Where(field string, op Operator, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Op: op, Value: value})
	return q
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
