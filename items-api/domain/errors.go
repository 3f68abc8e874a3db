package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the item an operation targets does not exist.
	ErrNotFound = errors.New("item not found")

	// ErrReferenceNotFound matches any ReferenceNotFoundError.
	ErrReferenceNotFound = errors.New("referenced item not found")

	// ErrStorageUnavailable wraps failures of the backing store.
	ErrStorageUnavailable = errors.New("storage unavailable")

	ErrInvalidItem      = errors.New("invalid item")
	ErrInvalidPlacement = errors.New("invalid placement")
	ErrParentCycle      = errors.New("parent would create a cycle")
)

// ReferenceNotFoundError reports a previousId, nextId or parentId that does
// not resolve to an existing item.
type ReferenceNotFoundError struct {
	Field string
	ID    string
}

func (e *ReferenceNotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Field, e.ID)
}

func (e *ReferenceNotFoundError) Is(target error) bool {
	return target == ErrReferenceNotFound
}

// Unavailable wraps a backend failure so callers can classify it with
// errors.Is(err, ErrStorageUnavailable) while keeping the cause reachable.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrNotFound) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
