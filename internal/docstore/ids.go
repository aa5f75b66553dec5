package docstore

import (
	"math"

	"github.com/google/uuid"
)

// maxID returns the largest parsable id of records, 0 if none.
func maxID(records []Record) int64 {
	var m int64
	for _, r := range records {
		if n := idNumber(r[FieldID]); n > m {
			m = n
		}
	}
	return m
}

// nextID returns the id following prev.
func nextID(prev int64) (int64, error) {
	if prev >= math.MaxInt64 {
		return 0, ErrIDSpaceExhausted
	}
	return prev + 1, nil
}

// newUID mints a random (version 4) UUID. It never parses as an id.
func newUID() string {
	return uuid.NewString()
}
