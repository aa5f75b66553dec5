// Package blobstore defines the contract of a version-controlled blob store.
//
// A blob is addressed by a slash separated path and carries a [Version], an
// opaque token identifying its exact bytes. Writes may be conditioned on the
// version observed by a previous read so that concurrent writers detect each
// other instead of silently overwriting.
package blobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
)

var (
	// ErrNotFound is returned by Read and List when the path does not exist.
	ErrNotFound = errors.New("blob not found")
	// ErrConflict is returned by Write when the expected version does not
	// match the current version of the path.
	ErrConflict = errors.New("blob version conflict")
)

// Version identifies the content of a blob at the time it was read.
//
// The zero value means "no version": a Write with it only succeeds when the
// path does not exist yet.
type Version string

// IsZero returns true if v carries no version.
func (v Version) IsZero() bool {
	return v == ""
}

// Blob is the result of a successful Read.
type Blob struct {
	Content []byte
	Version Version
}

// Entry is one item of a directory listing.
type Entry struct {
	Name   string `json:"name"`
	IsFile bool   `json:"is_file"`
}

// Store is a version-controlled blob store.
type Store interface {
	// Read returns the content and version of the blob at path.
	//
	// Returns ErrNotFound if the path does not exist.
	Read(ctx context.Context, path string) (*Blob, error)
	// Write stores content at path and returns the new version.
	//
	// If expected does not match the current version of the path, ErrConflict
	// is returned and nothing is written. A zero expected version creates the
	// path and fails with ErrConflict if it already exists.
	Write(ctx context.Context, path string, content []byte, message string, expected Version) (Version, error)
	// List returns the entries directly under dir.
	List(ctx context.Context, dir string) ([]Entry, error)
}

// TransportError reports a failure of the backing store that is neither a
// missing path nor a version conflict.
type TransportError struct {
	Op         string
	Path       string
	StatusCode int // 0 when not applicable.
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Op, e.Path, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HashContent returns the version of content as git computes blob hashes.
//
// All implementations use it so that versions are comparable across backends.
func HashContent(content []byte) Version {
	return Version(plumbing.ComputeHash(plumbing.BlobObject, content).String())
}
