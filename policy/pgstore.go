package policy

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const policyChannel = "flowgate_policy"

// PGConfig configures the Postgres policy store.
type PGConfig struct {
	ConnString string
	MaxConns   int32
	MinConns   int32
}

// PGStore keeps one JSONB document per tenant plus a singleton global row,
// and raises change events through LISTEN/NOTIFY.
type PGStore struct {
	pool       *pgxpool.Pool
	connString string
	logger     *zap.Logger
}

func NewPGStore(ctx context.Context, config PGConfig, logger *zap.Logger) (*PGStore, error) {
	if config.MaxConns == 0 {
		config.MaxConns = 10
	}
	if config.MinConns == 0 {
		config.MinConns = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnString)
	if err != nil {
		return nil, NewStoreError("config parse", err)
	}
	poolConfig.MaxConns = config.MaxConns
	poolConfig.MinConns = config.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, NewStoreError("pool create", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, NewStoreError("ping", err)
	}
	if err := createPolicySchema(ctx, pool); err != nil {
		pool.Close()
		return nil, NewStoreError("schema create", err)
	}

	return &PGStore{
		pool:       pool,
		connString: config.ConnString,
		logger:     logger,
	}, nil
}

func createPolicySchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tenant_policies (
			tenant_id  TEXT PRIMARY KEY,
			doc        JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS global_policy (
			singleton  BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (singleton),
			doc        JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE OR REPLACE FUNCTION flowgate_policy_notify() RETURNS trigger AS $$
		DECLARE
			payload TEXT;
		BEGIN
			IF TG_TABLE_NAME = 'global_policy' THEN
				payload := json_build_object('kind', 'global')::text;
			ELSIF TG_OP = 'DELETE' THEN
				payload := json_build_object('kind', 'delete', 'tenant_id', OLD.tenant_id)::text;
			ELSIF TG_OP = 'INSERT' THEN
				payload := json_build_object('kind', 'insert', 'tenant_id', NEW.tenant_id)::text;
			ELSE
				payload := json_build_object('kind', 'update', 'tenant_id', NEW.tenant_id)::text;
			END IF;
			PERFORM pg_notify('flowgate_policy', payload);
			RETURN COALESCE(NEW, OLD);
		END;
		$$ LANGUAGE plpgsql;

		DROP TRIGGER IF EXISTS tenant_policies_notify ON tenant_policies;
		CREATE TRIGGER tenant_policies_notify
			AFTER INSERT OR UPDATE OR DELETE ON tenant_policies
			FOR EACH ROW EXECUTE FUNCTION flowgate_policy_notify();

		DROP TRIGGER IF EXISTS global_policy_notify ON global_policy;
		CREATE TRIGGER global_policy_notify
			AFTER INSERT OR UPDATE OR DELETE ON global_policy
			FOR EACH ROW EXECUTE FUNCTION flowgate_policy_notify();
	`)
	return err
}

func (s *PGStore) Tenant(ctx context.Context, id string) (*TenantPolicy, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `
		SELECT doc FROM tenant_policies WHERE tenant_id = $1
	`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, NewStoreError("tenant get", err)
	}

	var p TenantPolicy
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, NewDecodeError(id, err)
	}
	p.TenantID = id
	p.Normalize()
	return &p, nil
}

func (s *PGStore) Global(ctx context.Context) (*GlobalPolicy, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM global_policy`).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, NewStoreError("global get", err)
	}

	var p GlobalPolicy
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, NewDecodeError("global", err)
	}
	p.Normalize()
	return &p, nil
}

func (s *PGStore) UpsertTenant(ctx context.Context, p *TenantPolicy) error {
	p.Normalize()
	if err := p.Validate(); err != nil {
		return err
	}
	doc, err := json.Marshal(p)
	if err != nil {
		return NewStoreError("tenant encode", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tenant_policies (tenant_id, doc, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (tenant_id) DO UPDATE SET
			doc = EXCLUDED.doc,
			updated_at = EXCLUDED.updated_at
	`, p.TenantID, doc)
	if err != nil {
		return NewStoreError("tenant upsert", err)
	}
	return nil
}

func (s *PGStore) UpsertGlobal(ctx context.Context, p *GlobalPolicy) error {
	p.Normalize()
	if err := p.Validate(); err != nil {
		return err
	}
	doc, err := json.Marshal(p)
	if err != nil {
		return NewStoreError("global encode", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO global_policy (singleton, doc, updated_at)
		VALUES (TRUE, $1, now())
		ON CONFLICT (singleton) DO UPDATE SET
			doc = EXCLUDED.doc,
			updated_at = EXCLUDED.updated_at
	`, doc)
	if err != nil {
		return NewStoreError("global upsert", err)
	}
	return nil
}

func (s *PGStore) DeleteTenant(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tenant_policies WHERE tenant_id = $1`, id)
	if err != nil {
		return NewStoreError("tenant delete", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) TenantIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT tenant_id FROM tenant_policies ORDER BY tenant_id`)
	if err != nil {
		return nil, NewStoreError("tenant list", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, NewStoreError("tenant list scan", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStoreError("tenant list", err)
	}
	return ids, nil
}

// Subscribe opens a dedicated listening connection and streams decoded
// change events until ctx ends. Connection drops reconnect with backoff.
func (s *PGStore) Subscribe(ctx context.Context) (<-chan ChangeEvent, error) {
	conn, err := s.listen(ctx)
	if err != nil {
		return nil, NewSubscribeError(err)
	}

	events := make(chan ChangeEvent, 64)
	go s.listenLoop(ctx, conn, events)
	return events, nil
}

func (s *PGStore) listen(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, s.connString)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+policyChannel); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}
	return conn, nil
}

func (s *PGStore) listenLoop(ctx context.Context, conn *pgx.Conn, events chan<- ChangeEvent) {
	defer close(events)
	defer func() {
		if conn != nil {
			_ = conn.Close(context.Background())
		}
	}()

	backoff := time.Second
	for {
		if conn == nil {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			c, err := s.listen(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("policy change listener reconnect failed",
					zap.Error(err), zap.Duration("backoff", backoff))
				continue
			}
			conn = c
			backoff = time.Second
		}

		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("policy change listener lost connection", zap.Error(err))
			_ = conn.Close(context.Background())
			conn = nil
			continue
		}

		ev, ok := parseChangePayload(n.Payload)
		if !ok {
			s.logger.Warn("ignoring malformed policy change payload", zap.String("payload", n.Payload))
			continue
		}
		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func parseChangePayload(payload string) (ChangeEvent, bool) {
	var raw struct {
		TenantID string `json:"tenant_id"`
		Kind     string `json:"kind"`
	}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return ChangeEvent{}, false
	}
	switch ChangeKind(raw.Kind) {
	case ChangeInsert, ChangeUpdate, ChangeDelete:
		if raw.TenantID == "" {
			return ChangeEvent{}, false
		}
		return ChangeEvent{TenantID: raw.TenantID, Kind: ChangeKind(raw.Kind)}, true
	case ChangeGlobal:
		return ChangeEvent{Kind: ChangeGlobal}, true
	default:
		return ChangeEvent{}, false
	}
}

// Ping verifies pool connectivity, for health probing.
func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PGStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
