package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SlotStatus is the pool slot state machine.
type SlotStatus string

const (
	SlotIdle      SlotStatus = "IDLE"
	SlotDeploying SlotStatus = "DEPLOYING"
	SlotHealthy   SlotStatus = "HEALTHY"
	SlotError     SlotStatus = "ERROR"
)

// MaxSlotRecoveryAttempts bounds recovery retries before a slot is deleted.
const MaxSlotRecoveryAttempts = 3

// PoolSlot is a pre-provisioned container on the pool backend, reusable
// across bot sessions.
type PoolSlot struct {
	ID               int64      `json:"id"`
	SlotName         string     `json:"slot_name"`
	MeetingPlatform  string     `json:"meeting_platform"`
	Status           SlotStatus `json:"status"`
	AssignedBotID    *int64     `json:"assigned_bot_id,omitempty"`
	ApplicationUUID  string     `json:"application_uuid"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	RecoveryAttempts int        `json:"recovery_attempts"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// PendingApplicationUUID reports whether the slot still carries its insert
// placeholder instead of a real backend identifier.
func (p *PoolSlot) PendingApplicationUUID() bool {
	return strings.HasPrefix(p.ApplicationUUID, "pending-")
}

const slotColumns = `id, slot_name, meeting_platform, status, assigned_bot_id,
	application_uuid, error_message, recovery_attempts, last_used_at, created_at, updated_at`

func scanSlot(row rowScanner) (*PoolSlot, error) {
	p := &PoolSlot{}
	err := row.Scan(&p.ID, &p.SlotName, &p.MeetingPlatform, &p.Status, &p.AssignedBotID,
		&p.ApplicationUUID, &p.ErrorMessage, &p.RecoveryAttempts, &p.LastUsedAt,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// AcquireIdleSlot atomically claims the least-recently-used idle slot for the
// bot, moving it to DEPLOYING. Row-lock skipping guarantees parallel
// acquirers get disjoint slots. Returns nil when no idle slot exists.
func (s *Store) AcquireIdleSlot(ctx context.Context, platform string, botID int64) (*PoolSlot, error) {
	slot, err := scanSlot(s.pool.QueryRow(ctx, `
		UPDATE pool_slots SET
			status = $1,
			assigned_bot_id = $2,
			error_message = '',
			last_used_at = NOW(),
			updated_at = NOW()
		WHERE id = (
			SELECT id FROM pool_slots
			WHERE status = $3 AND meeting_platform = $4
			ORDER BY last_used_at ASC NULLS FIRST
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+slotColumns,
		SlotDeploying, botID, SlotIdle, platform))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("acquire idle slot: %w", err)
	}
	return slot, nil
}

// CountSlots returns the total number of pool slots across platforms.
func (s *Store) CountSlots(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM pool_slots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count slots: %w", err)
	}
	return n, nil
}

// ReserveNewSlot inserts a DEPLOYING reservation row with a placeholder
// application uuid and the smallest free slot name for the platform. The
// platform-scoped advisory lock serializes name allocation; it is released
// at commit, before the caller's slow backend create call runs.
func (s *Store) ReserveNewSlot(ctx context.Context, platform string, botID int64) (*PoolSlot, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin slot reservation: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := acquireSlotNameLock(ctx, tx, platform); err != nil {
		return nil, err
	}

	prefix := fmt.Sprintf("pool-%s-", platform)
	rows, err := tx.Query(ctx,
		`SELECT slot_name FROM pool_slots WHERE slot_name LIKE $1`, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("list slot names: %w", err)
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan slot name: %w", err)
		}
		names = append(names, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list slot names: %w", err)
	}

	slotName := nextSlotName(platform, names)
	placeholder := "pending-" + uuid.New().String()

	slot, err := scanSlot(tx.QueryRow(ctx, `
		INSERT INTO pool_slots (slot_name, meeting_platform, status, assigned_bot_id, application_uuid, last_used_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING `+slotColumns,
		slotName, platform, SlotDeploying, botID, placeholder))
	if err != nil {
		return nil, fmt.Errorf("insert slot reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit slot reservation: %w", err)
	}
	return slot, nil
}

// nextSlotName finds the smallest free pool-<platform>-NNN name.
func nextSlotName(platform string, existing []string) string {
	prefix := fmt.Sprintf("pool-%s-", platform)
	used := make([]int, 0, len(existing))
	for _, name := range existing {
		suffix := strings.TrimPrefix(name, prefix)
		if suffix == name {
			continue
		}
		if n, err := strconv.Atoi(suffix); err == nil && n > 0 {
			used = append(used, n)
		}
	}
	sort.Ints(used)

	next := 1
	for _, n := range used {
		if n == next {
			next++
		} else if n > next {
			break
		}
	}
	return fmt.Sprintf("%s%03d", prefix, next)
}

// SetSlotApplicationUUID replaces the placeholder uuid with the real backend
// identifier once the container application exists.
func (s *Store) SetSlotApplicationUUID(ctx context.Context, slotID int64, appUUID string) error {
	ct, err := s.pool.Exec(ctx,
		`UPDATE pool_slots SET application_uuid=$2, updated_at=NOW() WHERE id=$1`,
		slotID, appUUID)
	if err != nil {
		return fmt.Errorf("set application uuid for slot %d: %w", slotID, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrSlotNotFound, slotID)
	}
	return nil
}

// DeleteSlot removes a slot row.
func (s *Store) DeleteSlot(ctx context.Context, slotID int64) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM pool_slots WHERE id=$1`, slotID)
	if err != nil {
		return fmt.Errorf("delete slot %d: %w", slotID, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrSlotNotFound, slotID)
	}
	return nil
}

// MarkSlotHealthy records that the background deploy observed the container
// running.
func (s *Store) MarkSlotHealthy(ctx context.Context, slotID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE pool_slots SET status=$2, error_message='', updated_at=NOW()
		WHERE id=$1`, slotID, SlotHealthy)
	if err != nil {
		return fmt.Errorf("mark slot %d healthy: %w", slotID, err)
	}
	return nil
}

// MarkSlotError moves a slot to ERROR with a message for the recovery loop.
func (s *Store) MarkSlotError(ctx context.Context, slotID int64, msg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE pool_slots SET status=$2, error_message=$3, updated_at=NOW()
		WHERE id=$1`, slotID, SlotError, msg)
	if err != nil {
		return fmt.Errorf("mark slot %d error: %w", slotID, err)
	}
	return nil
}

// ReleaseSlot returns a slot to the idle set, clearing the assignment and
// recovery counter. The historical application uuid stays on the row for
// debugging.
func (s *Store) ReleaseSlot(ctx context.Context, slotID int64) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE pool_slots SET status=$2, assigned_bot_id=NULL, error_message='',
			recovery_attempts=0, last_used_at=NOW(), updated_at=NOW()
		WHERE id=$1`, slotID, SlotIdle)
	if err != nil {
		return fmt.Errorf("release slot %d: %w", slotID, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrSlotNotFound, slotID)
	}
	return nil
}

// IncrementSlotRecoveryAttempts bumps the recovery counter and returns the
// new value.
func (s *Store) IncrementSlotRecoveryAttempts(ctx context.Context, slotID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		UPDATE pool_slots SET recovery_attempts = recovery_attempts + 1, updated_at=NOW()
		WHERE id=$1 RETURNING recovery_attempts`, slotID).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %d", ErrSlotNotFound, slotID)
	}
	if err != nil {
		return 0, fmt.Errorf("increment recovery attempts for slot %d: %w", slotID, err)
	}
	return n, nil
}

// GetSlot loads a slot by id.
func (s *Store) GetSlot(ctx context.Context, slotID int64) (*PoolSlot, error) {
	slot, err := scanSlot(s.pool.QueryRow(ctx,
		`SELECT `+slotColumns+` FROM pool_slots WHERE id=$1`, slotID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrSlotNotFound, slotID)
	}
	if err != nil {
		return nil, fmt.Errorf("get slot %d: %w", slotID, err)
	}
	return slot, nil
}

// GetSlotByBot finds the slot currently assigned to a bot.
func (s *Store) GetSlotByBot(ctx context.Context, botID int64) (*PoolSlot, error) {
	slot, err := scanSlot(s.pool.QueryRow(ctx,
		`SELECT `+slotColumns+` FROM pool_slots WHERE assigned_bot_id=$1`, botID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: assigned to bot %d", ErrSlotNotFound, botID)
	}
	if err != nil {
		return nil, fmt.Errorf("get slot for bot %d: %w", botID, err)
	}
	return slot, nil
}

// GetSlotByApplicationUUID is the authoritative lookup used by the pool-slot
// config endpoint: the container presents the uuid it reads from its
// environment.
func (s *Store) GetSlotByApplicationUUID(ctx context.Context, appUUID string) (*PoolSlot, error) {
	slot, err := scanSlot(s.pool.QueryRow(ctx,
		`SELECT `+slotColumns+` FROM pool_slots WHERE application_uuid=$1`, appUUID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: application %s", ErrSlotNotFound, appUUID)
	}
	if err != nil {
		return nil, fmt.Errorf("get slot by application %s: %w", appUUID, err)
	}
	return slot, nil
}

// ListSlots returns all pool slots, newest names last.
func (s *Store) ListSlots(ctx context.Context) ([]*PoolSlot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+slotColumns+` FROM pool_slots ORDER BY slot_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	defer rows.Close()

	var out []*PoolSlot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		out = append(out, slot)
	}
	return out, rows.Err()
}

// ListRecoverableSlots finds slots the recovery loop should inspect: ERROR
// slots and DEPLOYING slots stuck longer than deployingStale.
func (s *Store) ListRecoverableSlots(ctx context.Context, deployingStale time.Duration) ([]*PoolSlot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+slotColumns+` FROM pool_slots
		WHERE status = $1
		   OR (status = $2 AND last_used_at < NOW() - $3::interval)
		ORDER BY updated_at ASC`,
		SlotError, SlotDeploying, deployingStale.String())
	if err != nil {
		return nil, fmt.Errorf("list recoverable slots: %w", err)
	}
	defer rows.Close()

	var out []*PoolSlot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recoverable slot: %w", err)
		}
		out = append(out, slot)
	}
	return out, rows.Err()
}

// PoolStats summarizes slot states for the infra surface.
type PoolStats struct {
	Idle      int `json:"idle"`
	Deploying int `json:"deploying"`
	Healthy   int `json:"healthy"`
	Error     int `json:"error"`
	Total     int `json:"total"`
	MaxSize   int `json:"max_size"`
}

// SlotStats counts slots by status. MaxSize is filled in by the caller.
func (s *Store) SlotStats(ctx context.Context) (*PoolStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM pool_slots GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("slot stats: %w", err)
	}
	defer rows.Close()

	stats := &PoolStats{}
	for rows.Next() {
		var status SlotStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan slot stats: %w", err)
		}
		switch status {
		case SlotIdle:
			stats.Idle = n
		case SlotDeploying:
			stats.Deploying = n
		case SlotHealthy:
			stats.Healthy = n
		case SlotError:
			stats.Error = n
		}
		stats.Total += n
	}
	return stats, rows.Err()
}

// AssignedBotHeartbeat returns the last heartbeat of the bot assigned to a
// slot, or nil when unassigned.
func (s *Store) AssignedBotHeartbeat(ctx context.Context, slot *PoolSlot) (*time.Time, error) {
	if slot.AssignedBotID == nil {
		return nil, nil
	}
	var hb *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT last_heartbeat_at FROM bots WHERE id=$1`, *slot.AssignedBotID).Scan(&hb)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrBotNotFound, *slot.AssignedBotID)
	}
	if err != nil {
		return nil, fmt.Errorf("assigned bot heartbeat: %w", err)
	}
	return hb, nil
}
