package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// MarshalData encodes document data for persistence. Timestamps keep their
// {_seconds, _nanoseconds} shape so UnmarshalData can restore them.
func MarshalData(data map[string]any) ([]byte, error) {
	if data == nil {
		data = map[string]any{}
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal document data: %w", err)
	}
	return encoded, nil
}

func UnmarshalData(raw []byte) (map[string]any, error) {
	var data map[string]any
	decoder := json.NewDecoder(bytes.NewReader(raw))
	if err := decoder.Decode(&data); err != nil {
		return nil, fmt.Errorf("unmarshal document data: %w", err)
	}
	if data == nil {
		data = map[string]any{}
	}
	return reviveTimestamps(data).(map[string]any), nil
}

func reviveTimestamps(value any) any {
	switch v := value.(type) {
	case map[string]any:
		if len(v) == 2 {
			seconds, okSeconds := v["_seconds"].(float64)
			nanos, okNanos := v["_nanoseconds"].(float64)
			if okSeconds && okNanos {
				return Timestamp{Seconds: int64(seconds), Nanos: int32(nanos)}
			}
		}
		for k, item := range v {
			v[k] = reviveTimestamps(item)
		}
		return v
	case []any:
		for i, item := range v {
			v[i] = reviveTimestamps(item)
		}
		return v
	default:
		return value
	}
}

// Normalize returns a copy of value with every store Timestamp replaced by a
// time.Time, so consumers never see the store's timestamp type.
func Normalize(value any) any {
	switch v := value.(type) {
	case Timestamp:
		return v.Time()
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Normalize(item)
		}
		return out
	default:
		return value
	}
}

// Decode normalizes doc and decodes it into out, which must be a pointer to
// a struct with json tags. The document id is exposed as "id"; missing
// createdAt/updatedAt fall back to the store metadata.
func Decode(doc Document, out any) error {
	data := Normalize(doc.Data).(map[string]any)
	if data == nil {
		data = map[string]any{}
	}
	data["id"] = doc.ID
	if _, ok := data["createdAt"]; !ok && !doc.CreateTime.IsZero() {
		data["createdAt"] = doc.CreateTime.Time()
	}
	if _, ok := data["updatedAt"]; !ok && !doc.UpdateTime.IsZero() {
		data["updatedAt"] = doc.UpdateTime.Time()
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", doc.ID, err)
	}
	if err := json.Unmarshal(encoded, out); err != nil {
		return fmt.Errorf("decode %s: %w", doc.ID, err)
	}
	return nil
}

// DecodeAll decodes every document of docs into a slice of T.
func DecodeAll[T any](docs []Document) ([]T, error) {
	items := make([]T, 0, len(docs))
	for _, doc := range docs {
		var item T
		if err := Decode(doc, &item); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func nowTimestamp(clock func() time.Time) Timestamp {
	if clock == nil {
		return TimestampOf(time.Now())
	}
	return TimestampOf(clock())
}
