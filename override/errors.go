package override

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("override not found")
	ErrInvalidOverride = errors.New("invalid override")
	ErrExpiresInPast   = errors.New("override expires in the past")
)

func NewInvalidOverrideError(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidOverride, reason)
}

func NewStoreError(op string, err error) error {
	return fmt.Errorf("override store %s failed: %w", op, err)
}
