package authz

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates an unresolved permission, template, role or organisation.
	ErrNotFound = errors.New("authz: not found")
	// ErrConflict indicates a uniqueness violation on insert.
	ErrConflict = errors.New("authz: conflict")
	// ErrImmutable indicates an attempt to alter a system template outside the repair path.
	ErrImmutable = errors.New("authz: resource is immutable")
	// ErrInvalidState indicates a multi-step mutation that was rolled back.
	ErrInvalidState = errors.New("authz: invalid state")
	// ErrInvalidInput indicates rejected input.
	ErrInvalidInput = errors.New("authz: invalid input")
)

func notFound(kind string, ref any) error {
	return fmt.Errorf("%w: %s %v", ErrNotFound, kind, ref)
}

func immutable(kind string, id int64) error {
	return fmt.Errorf("%w: %s %d is a system resource", ErrImmutable, kind, id)
}

// rolledBack wraps a transactional failure so callers see one failure with the cause preserved.
func rolledBack(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInvalidState) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrInvalidState, op, err)
}
