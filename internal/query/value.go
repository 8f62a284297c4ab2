package query

import (
	"fmt"
	"time"
)

type Kind int

const (
	KindNull Kind = iota
	KindStr
	KindNum
	KindBool
	KindTime
	KindIDList
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindStr:
		return "string"
	case KindNum:
		return "number"
	case KindBool:
		return "bool"
	case KindTime:
		return "timestamp"
	case KindIDList:
		return "id-list"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// FilterValue is the right-hand side of a where clause. The zero value is
// Null.
type FilterValue struct {
	kind Kind
	str  string
	num  float64
	b    bool
	at   time.Time
	ids  []string
}

func Null() FilterValue { return FilterValue{} }

func Str(s string) FilterValue { return FilterValue{kind: KindStr, str: s} }

func Num(n float64) FilterValue { return FilterValue{kind: KindNum, num: n} }

func Int(n int) FilterValue { return Num(float64(n)) }

func Bool(b bool) FilterValue { return FilterValue{kind: KindBool, b: b} }

func Time(t time.Time) FilterValue { return FilterValue{kind: KindTime, at: t} }

func IDList(ids ...string) FilterValue {
	return FilterValue{kind: KindIDList, ids: append([]string{}, ids...)}
}

// OptionalStr is Null for the empty string, for filters that only apply when
// a value is selected.
func OptionalStr(s string) FilterValue {
	if s == "" {
		return Null()
	}
	return Str(s)
}

func (v FilterValue) Kind() Kind { return v.kind }

func (v FilterValue) IsNull() bool { return v.kind == KindNull }

// native converts v into the value the store compares against.
func (v FilterValue) native() any {
	switch v.kind {
	case KindStr:
		return v.str
	case KindNum:
		return v.num
	case KindBool:
		return v.b
	case KindTime:
		return v.at
	case KindIDList:
		return append([]string{}, v.ids...)
	default:
		return nil
	}
}

func (v FilterValue) equal(other FilterValue) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindStr:
		return v.str == other.str
	case KindNum:
		return v.num == other.num
	case KindBool:
		return v.b == other.b
	case KindTime:
		return v.at.Equal(other.at)
	case KindIDList:
		if len(v.ids) != len(other.ids) {
			return false
		}
		for i := range v.ids {
			if v.ids[i] != other.ids[i] {
				return false
			}
		}
		return true
	default:
		return true
	}
}
