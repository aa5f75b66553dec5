package docstore

import (
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"
)

func TestIDNumber(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   any
		want int64
	}{
		{"12", 12},
		{"0", 0},
		{"-3", 0},
		{"abc", 0},
		{"", 0},
		{nil, 0},
		{7.0, 7},
		{7.5, 0},
		{true, 0},
		{"9223372036854775807", math.MaxInt64},
		{"9223372036854775808", 0},
		{float64(1 << 62), 1 << 62},
		{float64(1 << 63), 0},
	}
	for _, tc := range tests {
		if got := idNumber(tc.in); got != tc.want {
			t.Errorf("idNumber(%#v) = %d, want %d", tc.in, got, tc.want)
		}
	}
	if got := maxID(nil); got != 0 {
		t.Errorf("maxID(nil) = %d", got)
	}
	if got := maxID([]Record{{"id": "9"}, {"id": "10"}, {"id": "2"}, {"id": 12.0}}); got != 12 {
		t.Errorf("maxID = %d, want 12", got)
	}
	if n, err := nextID(41); n != 42 || err != nil {
		t.Errorf("nextID(41) = %d, %v", n, err)
	}
	if _, err := nextID(math.MaxInt64); !errors.Is(err, ErrIDSpaceExhausted) {
		t.Errorf("nextID(MaxInt64) = %v, want ErrIDSpaceExhausted", err)
	}
}

func TestNewUID(t *testing.T) {
	t.Parallel()
	seen := map[string]bool{}
	for range 1000 {
		u := newUID()
		if seen[u] {
			t.Fatalf("duplicate uid %q", u)
		}
		if idNumber(u) != 0 {
			t.Fatalf("uid %q parses as an id", u)
		}
		seen[u] = true
	}
}

func TestRecordKeys(t *testing.T) {
	t.Parallel()
	r := Record{"id": 3.0, "uid": "u-1"}
	if r.ID() != "3" || r.UID() != "u-1" {
		t.Errorf("ID() = %q, UID() = %q", r.ID(), r.UID())
	}
	if !r.matchesKey("3") || !r.matchesKey("u-1") || r.matchesKey("") || r.matchesKey("4") {
		t.Error("matchesKey")
	}
	if (Record{}).matchesKey("") {
		t.Error("empty key must not match records without identifiers")
	}
}

func TestRecordClone(t *testing.T) {
	t.Parallel()
	r := Record{"a": map[string]any{"b": []any{1.0}}}
	c := r.Clone()
	c["a"].(map[string]any)["b"].([]any)[0] = 2.0
	if r["a"].(map[string]any)["b"].([]any)[0] != 1.0 {
		t.Error("Clone is shallow")
	}
	if Record(nil).Clone() != nil {
		t.Error("nil clone")
	}
}

func TestCollectionEncoding(t *testing.T) {
	t.Parallel()
	data, err := encodeCollection(nil)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != "[]" {
		t.Errorf("empty collection = %q", data)
	}
	in := []Record{{"id": "1", "n": 1.0}}
	if data, err = encodeCollection(in); err != nil {
		t.Fatal(err)
	}
	out, err := decodeCollection(data)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("got %v", out)
	}
	if _, err := decodeCollection([]byte("{")); err == nil {
		t.Error("expected error")
	}
	if out, err := decodeCollection([]byte("null")); err != nil || out == nil || len(out) != 0 {
		t.Errorf("null = %v, %v", out, err)
	}
}
