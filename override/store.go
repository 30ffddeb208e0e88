package override

import (
	"context"

	"github.com/google/uuid"
)

// Store is the override persistence adapter. Active resolves the single
// highest-precedence override for an identity, or nil when none applies.
// Delete returns the removed override so callers can invalidate caches by
// shape.
type Store interface {
	Active(ctx context.Context, tenantID, userID, endpoint string) (*Override, error)
	HasActive(ctx context.Context, tenantID string) (bool, error)
	Create(ctx context.Context, o *Override) error
	Delete(ctx context.Context, id uuid.UUID) (*Override, error)
	DeleteExpired(ctx context.Context) (int64, error)
	Close() error
}
