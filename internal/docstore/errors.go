package docstore

import (
	"errors"
	"fmt"

	"github.com/maruel/gitdocs/internal/blobstore"
)

var (
	// ErrConflict is returned by mutations when the collection changed
	// between the read and the write.
	ErrConflict = blobstore.ErrConflict
	// ErrInvalidCollection is returned for collection names that cannot be
	// mapped to a blob path.
	ErrInvalidCollection = errors.New("invalid collection name")
	// ErrIDSpaceExhausted is returned by inserts when the largest id of the
	// collection is already the maximum int64.
	ErrIDSpaceExhausted = errors.New("id space exhausted")
)

// Validation failure reasons.
const (
	ReasonRequired = "required"
	ReasonType     = "type"
)

// ValidationError reports a record that does not satisfy its collection schema.
type ValidationError struct {
	Collection string
	Field      string
	Reason     string    // ReasonRequired or ReasonType.
	Want       FieldType // Set for ReasonType.
	Got        FieldType // Set for ReasonType.
}

func (e *ValidationError) Error() string {
	if e.Reason == ReasonType {
		return fmt.Sprintf("%s: field %q must be %s, got %s", e.Collection, e.Field, e.Want, e.Got)
	}
	return fmt.Sprintf("%s: missing required field %q", e.Collection, e.Field)
}
