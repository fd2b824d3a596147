package store

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
)

// slotNameLockSpace namespaces the per-platform advisory keys so they cannot
// collide with other advisory users of the same database.
const slotNameLockSpace int64 = 0x6d65655f736c6f74 // "mee_slot"

// slotNameLockKey derives a deterministic advisory key for a meeting
// platform. Transaction-scoped: the lock releases at commit/rollback.
func slotNameLockKey(platform string) int64 {
	h := fnv.New32a()
	h.Write([]byte(platform))
	return slotNameLockSpace ^ int64(h.Sum32())
}

func acquireSlotNameLock(ctx context.Context, tx pgx.Tx, platform string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, slotNameLockKey(platform)); err != nil {
		return fmt.Errorf("acquire slot name lock for %s: %w", platform, err)
	}
	return nil
}
