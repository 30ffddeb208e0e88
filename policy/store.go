package policy

import "context"

// ChangeKind labels a policy change event.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
	ChangeGlobal ChangeKind = "global"
)

// ChangeEvent is one policy mutation observed through the store's change
// stream. TenantID is empty for global policy changes.
type ChangeEvent struct {
	TenantID string
	Kind     ChangeKind
}

// Store is the policy persistence adapter.
//
// Subscribe returns a channel of change events; the channel closes when ctx
// is cancelled or the stream fails terminally. When Subscribe fails, callers
// fall back to TTL-only consistency.
type Store interface {
	Tenant(ctx context.Context, id string) (*TenantPolicy, error)
	Global(ctx context.Context) (*GlobalPolicy, error)
	UpsertTenant(ctx context.Context, p *TenantPolicy) error
	UpsertGlobal(ctx context.Context, p *GlobalPolicy) error
	DeleteTenant(ctx context.Context, id string) error
	TenantIDs(ctx context.Context) ([]string, error)
	Subscribe(ctx context.Context) (<-chan ChangeEvent, error)
	Close() error
}
