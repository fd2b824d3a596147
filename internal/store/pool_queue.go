package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// PoolQueueEntry is a bot waiting specifically for a pool slot.
type PoolQueueEntry struct {
	ID        int64     `json:"id"`
	BotID     int64     `json:"bot_id"`
	Priority  int       `json:"priority"`
	QueuedAt  time.Time `json:"queued_at"`
	TimeoutAt time.Time `json:"timeout_at"`
}

// AddPoolQueueEntry enqueues a bot for a pool slot. Re-insertion is
// idempotent; the returned position is 1-based within (priority, queued_at)
// order.
func (s *Store) AddPoolQueueEntry(ctx context.Context, botID int64, priority int, timeoutAt time.Time) (int, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pool_queue (bot_id, priority, timeout_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (bot_id) DO NOTHING`,
		botID, priority, timeoutAt)
	if err != nil {
		return 0, fmt.Errorf("enqueue bot %d on pool queue: %w", botID, err)
	}
	return s.PoolQueuePosition(ctx, botID)
}

// PoolQueuePosition returns the bot's 1-based queue position, or 0 when the
// bot is not queued.
func (s *Store) PoolQueuePosition(ctx context.Context, botID int64) (int, error) {
	var pos int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM pool_queue q, pool_queue me
		WHERE me.bot_id = $1
		  AND (q.priority, q.queued_at, q.id) <= (me.priority, me.queued_at, me.id)`,
		botID).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("pool queue position for bot %d: %w", botID, err)
	}
	return pos, nil
}

// PoolQueueHead returns the next non-expired entry, or nil when the queue is
// empty.
func (s *Store) PoolQueueHead(ctx context.Context) (*PoolQueueEntry, error) {
	e := &PoolQueueEntry{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, bot_id, priority, queued_at, timeout_at FROM pool_queue
		WHERE timeout_at > NOW()
		ORDER BY priority ASC, queued_at ASC LIMIT 1`).
		Scan(&e.ID, &e.BotID, &e.Priority, &e.QueuedAt, &e.TimeoutAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pool queue head: %w", err)
	}
	return e, nil
}

// RemovePoolQueueEntry deletes a bot's pool queue row, if any.
func (s *Store) RemovePoolQueueEntry(ctx context.Context, botID int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM pool_queue WHERE bot_id=$1`, botID); err != nil {
		return fmt.Errorf("remove pool queue entry for bot %d: %w", botID, err)
	}
	return nil
}

// ExpirePoolQueue deletes entries past their deadline and returns the bot
// ids so the caller can surface the timeout on the bot rows.
func (s *Store) ExpirePoolQueue(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`DELETE FROM pool_queue WHERE timeout_at <= NOW() RETURNING bot_id`)
	if err != nil {
		return nil, fmt.Errorf("expire pool queue: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired pool entry: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// QueueStats summarizes a wait queue for the infra surface.
type QueueStats struct {
	Length         int        `json:"length"`
	OldestQueuedAt *time.Time `json:"oldest_queued_at,omitempty"`
	MeanWaitMS     int64      `json:"mean_wait_ms"`
}

// PoolQueueStats reports queue length, oldest entry, and mean wait.
func (s *Store) PoolQueueStats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{}
	var meanMS *float64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), MIN(queued_at),
			AVG(EXTRACT(EPOCH FROM (NOW() - queued_at)) * 1000)
		FROM pool_queue`).
		Scan(&stats.Length, &stats.OldestQueuedAt, &meanMS)
	if err != nil {
		return nil, fmt.Errorf("pool queue stats: %w", err)
	}
	if meanMS != nil {
		stats.MeanWaitMS = int64(*meanMS)
	}
	return stats, nil
}
