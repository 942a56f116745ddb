// Package storage defines the failure kinds shared by every persistence
// backend. Backends wrap driver errors with ErrNotPersisted so callers can
// map them to a user-visible failure without knowing which database is in use.
package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotPersisted means the backing store was unreachable or rejected a
	// read or write. It is never retried by the core.
	ErrNotPersisted = errors.New("not persisted")

	// ErrNotFound means a requested conversation or entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict means a create lost a race against a concurrent create of
	// the same unique record (for example the same participant pair).
	ErrConflict = errors.New("conflict")
)

// NotPersisted wraps err with ErrNotPersisted unless it already carries one
// of the storage kinds. A nil err returns nil.
func NotPersisted(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotPersisted) || errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrNotPersisted, err)
}
