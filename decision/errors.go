package decision

import (
	"errors"
	"fmt"
)

var ErrPolicyNotFound = errors.New("tenant policy not found")

func NewPolicyNotFoundError(tenantID string) error {
	return fmt.Errorf("%w: tenant '%s'", ErrPolicyNotFound, tenantID)
}
