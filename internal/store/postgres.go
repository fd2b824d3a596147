// Package store persists bots, pool slots, wait queues, and events in
// PostgreSQL. It is the single source of truth for bot and slot state; all
// contended transitions go through row locks (FOR UPDATE SKIP LOCKED) or
// advisory transaction locks so parallel workers never double-acquire.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a pgx connection pool with the control plane's queries.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &Store{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bots (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			meeting_platform TEXT NOT NULL,
			meeting_url TEXT NOT NULL,
			meeting_id TEXT NOT NULL DEFAULT '',
			meeting_password TEXT NOT NULL DEFAULT '',
			tenant_id TEXT NOT NULL DEFAULT '',
			organizer_id TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL,
			avatar_url TEXT NOT NULL DEFAULT '',
			recording_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			chat_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			start_time TIMESTAMPTZ,
			end_time TIMESTAMPTZ,
			timezone TEXT NOT NULL DEFAULT '',
			heartbeat_interval_ms BIGINT NOT NULL DEFAULT 10000,
			automatic_leave JSONB NOT NULL DEFAULT '{}'::jsonb,
			webhook_url TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'READY_TO_DEPLOY',
			last_heartbeat_at TIMESTAMPTZ,
			log_level TEXT NOT NULL DEFAULT 'INFO',
			deployment_platform TEXT NOT NULL DEFAULT '',
			platform_identifier TEXT NOT NULL DEFAULT '',
			deployment_error TEXT NOT NULL DEFAULT '',
			recording_url TEXT NOT NULL DEFAULT '',
			speaker_timeline JSONB,
			screenshots JSONB NOT NULL DEFAULT '[]'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bots_user ON bots(user_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_bots_status ON bots(status)`,
		`CREATE INDEX IF NOT EXISTS idx_bots_platform_status ON bots(deployment_platform, status)`,
		`CREATE INDEX IF NOT EXISTS idx_bots_scheduled ON bots(start_time) WHERE status = 'READY_TO_DEPLOY'`,
		`CREATE TABLE IF NOT EXISTS pool_slots (
			id BIGSERIAL PRIMARY KEY,
			slot_name TEXT NOT NULL UNIQUE,
			meeting_platform TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'IDLE',
			assigned_bot_id BIGINT REFERENCES bots(id),
			application_uuid TEXT NOT NULL UNIQUE,
			error_message TEXT NOT NULL DEFAULT '',
			recovery_attempts INTEGER NOT NULL DEFAULT 0,
			last_used_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pool_slots_status ON pool_slots(status, last_used_at ASC NULLS FIRST)`,
		`CREATE INDEX IF NOT EXISTS idx_pool_slots_bot ON pool_slots(assigned_bot_id) WHERE assigned_bot_id IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS pool_queue (
			id BIGSERIAL PRIMARY KEY,
			bot_id BIGINT NOT NULL UNIQUE REFERENCES bots(id) ON DELETE CASCADE,
			priority INTEGER NOT NULL DEFAULT 100,
			queued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			timeout_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pool_queue_order ON pool_queue(priority ASC, queued_at ASC)`,
		`CREATE TABLE IF NOT EXISTS global_queue (
			id BIGSERIAL PRIMARY KEY,
			bot_id BIGINT NOT NULL UNIQUE REFERENCES bots(id) ON DELETE CASCADE,
			priority INTEGER NOT NULL DEFAULT 100,
			status TEXT NOT NULL DEFAULT 'WAITING',
			queued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			timeout_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_global_queue_order ON global_queue(status, priority ASC, queued_at ASC)`,
		`CREATE TABLE IF NOT EXISTS bot_events (
			id BIGSERIAL PRIMARY KEY,
			bot_id BIGINT NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			event_time TIMESTAMPTZ NOT NULL,
			payload JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bot_events_bot ON bot_events(bot_id, event_time DESC)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
