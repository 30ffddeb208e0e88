package policy

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("policy not found")
	ErrInvalidPolicy = errors.New("invalid policy")
	ErrStoreClosed   = errors.New("policy store closed")
)

func NewInvalidPolicyError(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidPolicy, reason)
}

func NewStoreError(op string, err error) error {
	return fmt.Errorf("policy store %s failed: %w", op, err)
}

func NewDecodeError(tenantID string, err error) error {
	return fmt.Errorf("failed to decode policy document for tenant '%s': %w", tenantID, err)
}

func NewSubscribeError(err error) error {
	return fmt.Errorf("failed to subscribe to policy changes: %w", err)
}
