// Defines the Record value type and the collection blob encoding.

package docstore

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

const (
	// FieldID is the collection-local numeric identifier, as a decimal string.
	FieldID = "id"
	// FieldUID is the globally unique identifier.
	FieldUID = "uid"
)

// Record is one document of a collection.
//
// Values are restricted to the JSON value set: nil, bool, float64, string,
// []any and map[string]any. Records handed to the store are normalized to
// that set, so integers come back as float64.
type Record map[string]any

// ID returns the record's "id" field rendered as a string.
func (r Record) ID() string {
	return keyString(r[FieldID])
}

// UID returns the record's "uid" field.
func (r Record) UID() string {
	return keyString(r[FieldUID])
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

// matchesKey is true when key equals the record's id or uid, id first.
func (r Record) matchesKey(key string) bool {
	if id := r.ID(); id != "" && id == key {
		return true
	}
	uid := r.UID()
	return uid != "" && uid == key
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case Record:
		return map[string]any(t.Clone())
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}

func keyString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

// idNumber parses an id field. Non-numeric or absent ids count as 0.
func idNumber(v any) int64 {
	switch t := v.(type) {
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil || n < 0 {
			return 0
		}
		return n
	case float64:
		// float64(math.MaxInt64) rounds up to 2^63, which is out of range.
		if t <= 0 || t != math.Trunc(t) || t >= float64(math.MaxInt64) {
			return 0
		}
		return int64(t)
	default:
		return 0
	}
}

// normalizeRecord converts r to the JSON value set by round-tripping it
// through encoding/json. The result shares no memory with r.
func normalizeRecord(r Record) (Record, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("record is not JSON encodable: %w", err)
	}
	var out Record
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = Record{}
	}
	return out, nil
}

// normalizeValue converts v to the JSON value set.
func normalizeValue(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// decodeCollection parses a collection blob.
func decodeCollection(data []byte) ([]Record, error) {
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("corrupt collection: %w", err)
	}
	out := records[:0]
	for _, r := range records {
		// A null element carries nothing.
		if r != nil {
			out = append(out, r)
		}
	}
	if out == nil {
		out = []Record{}
	}
	return out, nil
}

// encodeCollection renders records as an indented JSON array.
func encodeCollection(records []Record) ([]byte, error) {
	if records == nil {
		records = []Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode collection: %w", err)
	}
	return append(data, '\n'), nil
}
