package override

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const DefaultReapInterval = 60 * time.Second

// PGConfig configures the Postgres override store.
type PGConfig struct {
	ConnString   string
	MaxConns     int32
	MinConns     int32
	ReapInterval time.Duration
}

// PGStore keeps overrides in a relational table. Reads filter on expires_at
// so expired rows are invisible immediately; a background reaper deletes
// them, standing in for store-native TTL indexes.
type PGStore struct {
	pool   *pgxpool.Pool
	reap   time.Duration
	logger *zap.Logger

	cancel  context.CancelFunc
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
}

func NewPGStore(ctx context.Context, config PGConfig, logger *zap.Logger) (*PGStore, error) {
	if config.MaxConns == 0 {
		config.MaxConns = 10
	}
	if config.MinConns == 0 {
		config.MinConns = 2
	}
	if config.ReapInterval <= 0 {
		config.ReapInterval = DefaultReapInterval
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
	if err := createOverrideSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, NewStoreError("schema create", err)
	}

	return &PGStore{
		pool:   pool,
		reap:   config.ReapInterval,
		logger: logger,
		stopCh: make(chan struct{}),
	}, nil
}

func createOverrideSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS overrides (
			id                 UUID PRIMARY KEY,
			tenant_id          TEXT NOT NULL,
			user_id            TEXT,
			endpoint           TEXT,
			override_type      TEXT NOT NULL,
			penalty_multiplier DOUBLE PRECISION,
			custom_rate        INTEGER,
			custom_burst       INTEGER,
			reason             TEXT NOT NULL DEFAULT '',
			source             TEXT NOT NULL,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at         TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS overrides_tenant_expiry_idx
			ON overrides (tenant_id, expires_at);
		CREATE INDEX IF NOT EXISTS overrides_expiry_idx
			ON overrides (expires_at);
	`)
	return err
}

const overrideColumns = `id, tenant_id, COALESCE(user_id, ''), COALESCE(endpoint, ''),
	override_type, COALESCE(penalty_multiplier, 0), COALESCE(custom_rate, 0),
	COALESCE(custom_burst, 0), reason, source, created_at, expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOverride(row rowScanner) (*Override, error) {
	var o Override
	var otype, osrc string
	err := row.Scan(&o.ID, &o.TenantID, &o.UserID, &o.Endpoint, &otype,
		&o.Multiplier, &o.CustomRate, &o.CustomBurst, &o.Reason, &osrc,
		&o.CreatedAt, &o.ExpiresAt)
	if err != nil {
		return nil, err
	}
	o.Type = Type(otype)
	o.Source = Source(osrc)
	return &o, nil
}

// Active returns the highest-precedence override matching the identity, or
// nil when none applies. One query fetches all four shapes; ranking happens
// in memory.
func (s *PGStore) Active(ctx context.Context, tenantID, userID, endpoint string) (*Override, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+overrideColumns+`
		FROM overrides
		WHERE tenant_id = $1 AND expires_at > now()
		  AND ((user_id = $2 AND endpoint = $3)
		    OR (user_id = $2 AND endpoint IS NULL)
		    OR (user_id IS NULL AND endpoint = $3)
		    OR (user_id IS NULL AND endpoint IS NULL))
	`, tenantID, userID, endpoint)
	if err != nil {
		return nil, NewStoreError("active query", err)
	}
	defer rows.Close()

	var matches []*Override
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, NewStoreError("active scan", err)
		}
		matches = append(matches, o)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStoreError("active rows", err)
	}
	return pickActive(matches), nil
}

// pickActive ranks candidates: highest specificity wins, newest breaks ties.
func pickActive(matches []*Override) *Override {
	var best *Override
	for _, o := range matches {
		switch {
		case best == nil:
			best = o
		case o.Specificity() > best.Specificity():
			best = o
		case o.Specificity() == best.Specificity() && o.CreatedAt.After(best.CreatedAt):
			best = o
		}
	}
	return best
}

// HasActive reports whether any unexpired override exists for the tenant,
// regardless of shape. The abuse detector uses this to avoid stacking
// penalties.
func (s *PGStore) HasActive(ctx context.Context, tenantID string) (bool, error) {
	var active bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM overrides WHERE tenant_id = $1 AND expires_at > now()
		)
	`, tenantID).Scan(&active)
	if err != nil {
		return false, NewStoreError("has active", err)
	}
	return active, nil
}

// Create validates and inserts an override, filling ID and CreatedAt when
// unset. ExpiresAt must lie in the future.
func (s *PGStore) Create(ctx context.Context, o *Override) error {
	if err := o.Validate(); err != nil {
		return err
	}
	now := time.Now()
	if !o.ExpiresAt.After(now) {
		return ErrExpiresInPast
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO overrides (id, tenant_id, user_id, endpoint, override_type,
			penalty_multiplier, custom_rate, custom_burst, reason, source,
			created_at, expires_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12)
	`, o.ID, o.TenantID, o.UserID, o.Endpoint, string(o.Type),
		o.Multiplier, o.CustomRate, o.CustomBurst, o.Reason, string(o.Source),
		o.CreatedAt, o.ExpiresAt)
	if err != nil {
		return NewStoreError("create", err)
	}
	return nil
}

// Delete removes an override by id and returns the removed row.
func (s *PGStore) Delete(ctx context.Context, id uuid.UUID) (*Override, error) {
	row := s.pool.QueryRow(ctx, `
		DELETE FROM overrides WHERE id = $1
		RETURNING `+overrideColumns+`
	`, id)
	o, err := scanOverride(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, NewStoreError("delete", err)
	}
	return o, nil
}

// DeleteExpired removes rows past their expiry and reports how many went.
func (s *PGStore) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM overrides WHERE expires_at <= now()`)
	if err != nil {
		return 0, NewStoreError("delete expired", err)
	}
	return tag.RowsAffected(), nil
}

// Start launches the expiry reaper. Reads already exclude expired rows; the
// reaper only keeps the table from accumulating them.
func (s *PGStore) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.reapLoop(ctx)
}

// Stop cancels the reaper and waits for it to exit.
func (s *PGStore) Stop() {
	if !s.started.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	close(s.stopCh)
	s.wg.Wait()
}

func (s *PGStore) reapLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.reap)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := s.DeleteExpired(ctx)
			if err != nil {
				s.logger.Warn("override reap failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Debug("reaped expired overrides", zap.Int64("count", n))
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Ping verifies pool connectivity, for health probing.
func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PGStore) Close() error {
	s.Stop()
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
