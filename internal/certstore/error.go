package certstore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports a configured certificate file that does not exist.
	ErrNotFound = errors.New("file not found")

	// ErrNoMaterial is returned by TLS handshakes when no certificate was
	// resolved.
	ErrNoMaterial = errors.New("no TLS material resolved")
)

// Error represents a failure while resolving TLS material.
type Error struct {
	Op   string // The operation that failed (e.g., "read pfx", "read key")
	Path string // File involved, if any
	Err  error  // The underlying error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("certificate %s failed for %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("certificate %s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newReadError(op, path string, err error) error {
	return &Error{Op: op, Path: path, Err: err}
}
