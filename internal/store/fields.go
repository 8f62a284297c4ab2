package store

import (
	"fmt"
	"strings"
	"time"
)

type increment struct{ by float64 }

type serverTimestamp struct{}

type arrayUnion struct{ values []any }

type arrayRemove struct{ values []any }

type deleteField struct{}

// Field transforms are resolved at commit time against the committed value,
// so concurrent transactions never overwrite each other's increments.
var (
	ServerTimestamp = serverTimestamp{}
	DeleteField     = deleteField{}
)

func Increment(n int64) any { return increment{by: float64(n)} }

func ArrayUnion(values ...any) any { return arrayUnion{values: canonicalSlice(values)} }

func ArrayRemove(values ...any) any { return arrayRemove{values: canonicalSlice(values)} }

type writeKind int

const (
	writeCreate writeKind = iota
	writeSet
	writeUpdate
	writeDelete
)

type write struct {
	kind       writeKind
	collection string
	id         string
	data       map[string]any
}

func (w write) key() docKey {
	return docKey{collection: w.collection, id: w.id}
}

type docKey struct {
	collection string
	id         string
}

// applyWrite computes the document contents after w. A nil result with a nil
// error means the document no longer exists.
func applyWrite(current map[string]any, exists bool, w write, now Timestamp) (map[string]any, error) {
	switch w.kind {
	case writeCreate:
		if exists {
			return nil, fmt.Errorf("create %s/%s: %w", w.collection, w.id, ErrAlreadyExists)
		}
		return resolveMap(w.data, nil, now), nil
	case writeSet:
		return resolveMap(w.data, nil, now), nil
	case writeUpdate:
		if !exists {
			return nil, fmt.Errorf("update %s/%s: %w", w.collection, w.id, ErrNotFound)
		}
		out := deepCopyMap(current)
		for _, path := range sortedKeys(w.data) {
			setPath(out, path, w.data[path], now)
		}
		return out, nil
	case writeDelete:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown write kind %d", w.kind)
	}
}

// FieldPath joins segments into a field path for Update and Filter. A segment
// holding a dot, backtick or backslash is quoted in backticks so it addresses
// a single map key.
func FieldPath(segments ...string) string {
	quoted := make([]string, len(segments))
	for i, seg := range segments {
		if seg != "" && !strings.ContainsAny(seg, ".`\\") {
			quoted[i] = seg
			continue
		}
		escaped := strings.NewReplacer("\\", "\\\\", "`", "\\`").Replace(seg)
		quoted[i] = "`" + escaped + "`"
	}
	return strings.Join(quoted, ".")
}

// splitPath is the inverse of FieldPath. Unquoted paths split on every dot.
func splitPath(path string) []string {
	if !strings.ContainsRune(path, '`') {
		return strings.Split(path, ".")
	}
	var parts []string
	var b strings.Builder
	quoted, escaped := false, false
	for _, r := range path {
		switch {
		case escaped:
			b.WriteRune(r)
			escaped = false
		case quoted && r == '\\':
			escaped = true
		case r == '`':
			quoted = !quoted
		case r == '.' && !quoted:
			parts = append(parts, b.String())
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	return append(parts, b.String())
}

func setPath(m map[string]any, path string, value any, now Timestamp) {
	parts := splitPath(path)
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			if _, isDelete := value.(deleteField); isDelete {
				return
			}
			next = map[string]any{}
			m[part] = next
		}
		m = next
	}
	last := parts[len(parts)-1]
	if _, isDelete := value.(deleteField); isDelete {
		delete(m, last)
		return
	}
	m[last] = resolveValue(value, m[last], now)
}

func resolveMap(data map[string]any, current map[string]any, now Timestamp) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if _, isDelete := v.(deleteField); isDelete {
			continue
		}
		var cur any
		if current != nil {
			cur = current[k]
		}
		out[k] = resolveValue(v, cur, now)
	}
	return out
}

func resolveValue(value, current any, now Timestamp) any {
	switch v := value.(type) {
	case increment:
		if n, ok := toFloat(current); ok {
			return n + v.by
		}
		return v.by
	case serverTimestamp:
		return now
	case arrayUnion:
		out := append([]any(nil), asSlice(current)...)
		for _, candidate := range v.values {
			if !containsValue(out, candidate) {
				out = append(out, candidate)
			}
		}
		return out
	case arrayRemove:
		out := make([]any, 0)
		for _, existing := range asSlice(current) {
			if !containsValue(v.values, existing) {
				out = append(out, existing)
			}
		}
		return out
	case map[string]any:
		cur, _ := current.(map[string]any)
		return resolveMap(v, cur, now)
	default:
		return canonical(value)
	}
}

// canonical converts Go values into the small set of types the store keeps:
// string, float64, bool, Timestamp, []any, map[string]any and nil.
func canonical(value any) any {
	switch v := value.(type) {
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case uint:
		return float64(v)
	case float32:
		return float64(v)
	case time.Time:
		return TimestampOf(v)
	case *time.Time:
		if v == nil {
			return nil
		}
		return TimestampOf(*v)
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case []any:
		return canonicalSlice(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = canonical(item)
		}
		return out
	default:
		return value
	}
}

func canonicalSlice(values []any) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = canonical(v)
	}
	return out
}

func asSlice(value any) []any {
	switch v := value.(type) {
	case []any:
		return v
	case []string:
		return canonical(v).([]any)
	default:
		return nil
	}
}

func containsValue(values []any, candidate any) bool {
	for _, v := range values {
		if valuesEqual(v, candidate) {
			return true
		}
	}
	return false
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return deepCopyMap(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

func copyDocument(doc Document) Document {
	doc.Data = deepCopyMap(doc.Data)
	return doc
}
