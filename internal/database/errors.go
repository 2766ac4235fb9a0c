package database

import (
	"errors"
	"fmt"
)

// ErrDuplicate is returned when an insert or update violates a uniqueness
// constraint.
var ErrDuplicate = errors.New("duplicate key")

func duplicateError(err error) error {
	return fmt.Errorf("%w: %v", ErrDuplicate, err)
}
