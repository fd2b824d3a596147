package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Global queue entry statuses.
const (
	QueueWaiting    = "WAITING"
	QueueProcessing = "PROCESSING"
	QueueExpired    = "EXPIRED"
)

// GlobalQueueEntry is a bot waiting because every platform is at capacity.
type GlobalQueueEntry struct {
	ID        int64     `json:"id"`
	BotID     int64     `json:"bot_id"`
	Priority  int       `json:"priority"`
	Status    string    `json:"status"`
	QueuedAt  time.Time `json:"queued_at"`
	TimeoutAt time.Time `json:"timeout_at"`
}

// EnqueueGlobal inserts a bot into the global wait queue. Re-insertion is
// idempotent: an existing row keeps its place and the current position is
// returned.
func (s *Store) EnqueueGlobal(ctx context.Context, botID int64, priority int, timeoutAt time.Time) (int, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO global_queue (bot_id, priority, status, timeout_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (bot_id) DO NOTHING`,
		botID, priority, QueueWaiting, timeoutAt)
	if err != nil {
		return 0, fmt.Errorf("enqueue bot %d on global queue: %w", botID, err)
	}
	return s.GlobalQueuePosition(ctx, botID)
}

// GlobalQueuePosition returns the bot's 1-based position among WAITING
// entries, or 0 when the bot is not queued.
func (s *Store) GlobalQueuePosition(ctx context.Context, botID int64) (int, error) {
	var pos int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM global_queue q, global_queue me
		WHERE me.bot_id = $1 AND q.status = $2
		  AND (q.priority, q.queued_at, q.id) <= (me.priority, me.queued_at, me.id)`,
		botID, QueueWaiting).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("global queue position for bot %d: %w", botID, err)
	}
	return pos, nil
}

// ExpireGlobalQueue transitions WAITING entries past their deadline to
// EXPIRED and returns their bot ids.
func (s *Store) ExpireGlobalQueue(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE global_queue SET status=$1
		WHERE status=$2 AND timeout_at <= NOW()
		RETURNING bot_id`,
		QueueExpired, QueueWaiting)
	if err != nil {
		return nil, fmt.Errorf("expire global queue: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired global entry: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimGlobalHead atomically moves the head WAITING entry to PROCESSING so
// concurrent pumps exclude each other. Returns nil when the queue is empty.
func (s *Store) ClaimGlobalHead(ctx context.Context) (*GlobalQueueEntry, error) {
	e := &GlobalQueueEntry{}
	err := s.pool.QueryRow(ctx, `
		UPDATE global_queue SET status=$1
		WHERE id = (
			SELECT id FROM global_queue
			WHERE status=$2
			ORDER BY priority ASC, queued_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, bot_id, priority, status, queued_at, timeout_at`,
		QueueProcessing, QueueWaiting).
		Scan(&e.ID, &e.BotID, &e.Priority, &e.Status, &e.QueuedAt, &e.TimeoutAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim global queue head: %w", err)
	}
	return e, nil
}

// DeleteGlobalEntry removes a queue row after placement or expiry handling.
func (s *Store) DeleteGlobalEntry(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM global_queue WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete global queue entry %d: %w", id, err)
	}
	return nil
}

// RemoveGlobalEntryByBot removes a bot's queue row, if any.
func (s *Store) RemoveGlobalEntryByBot(ctx context.Context, botID int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM global_queue WHERE bot_id=$1`, botID); err != nil {
		return fmt.Errorf("remove global queue entry for bot %d: %w", botID, err)
	}
	return nil
}

// RequeueGlobalEntry reverts a PROCESSING entry to WAITING after a failed
// placement attempt.
func (s *Store) RequeueGlobalEntry(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE global_queue SET status=$2 WHERE id=$1 AND status=$3`,
		id, QueueWaiting, QueueProcessing); err != nil {
		return fmt.Errorf("requeue global queue entry %d: %w", id, err)
	}
	return nil
}

// ListGlobalQueue returns all queue rows in placement order.
func (s *Store) ListGlobalQueue(ctx context.Context) ([]*GlobalQueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, bot_id, priority, status, queued_at, timeout_at FROM global_queue
		ORDER BY priority ASC, queued_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list global queue: %w", err)
	}
	defer rows.Close()

	var out []*GlobalQueueEntry
	for rows.Next() {
		e := &GlobalQueueEntry{}
		if err := rows.Scan(&e.ID, &e.BotID, &e.Priority, &e.Status, &e.QueuedAt, &e.TimeoutAt); err != nil {
			return nil, fmt.Errorf("scan global queue entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GlobalQueueStats reports WAITING entry count, oldest entry, and mean wait.
func (s *Store) GlobalQueueStats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{}
	var meanMS *float64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), MIN(queued_at),
			AVG(EXTRACT(EPOCH FROM (NOW() - queued_at)) * 1000)
		FROM global_queue WHERE status=$1`, QueueWaiting).
		Scan(&stats.Length, &stats.OldestQueuedAt, &meanMS)
	if err != nil {
		return nil, fmt.Errorf("global queue stats: %w", err)
	}
	if meanMS != nil {
		stats.MeanWaitMS = int64(*meanMS)
	}
	return stats, nil
}
