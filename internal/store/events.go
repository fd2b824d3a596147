package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/meeboter/meeboter/internal/domain"
)

// InsertEvents bulk-inserts a batch of bot events.
func (s *Store) InsertEvents(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(`
			INSERT INTO bot_events (bot_id, kind, event_time, payload)
			VALUES ($1, $2, $3, $4)`,
			e.BotID, e.Kind, e.EventTime, e.Payload)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert events: %w", err)
		}
	}
	return nil
}

// ListEvents returns a bot's events, newest first.
func (s *Store) ListEvents(ctx context.Context, botID int64, limit, offset int) ([]*domain.Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, bot_id, kind, event_time, payload FROM bot_events
		WHERE bot_id = $1 ORDER BY event_time DESC LIMIT $2 OFFSET $3`,
		botID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list events for bot %d: %w", botID, err)
	}
	defer rows.Close()

	var out []*domain.Event
	for rows.Next() {
		e := &domain.Event{}
		if err := rows.Scan(&e.ID, &e.BotID, &e.Kind, &e.EventTime, &e.Payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
