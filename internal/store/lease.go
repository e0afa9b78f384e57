package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sentryguard/internal/domain"
)

// LeaseStore is the monitor_locks table repository backing the
// reconciler's singleton lease.
type LeaseStore struct {
	s *Store
}

func NewLeaseStore(s *Store) *LeaseStore {
	return &LeaseStore{s: s}
}

// GCExpired deletes any lease row whose expires_at has passed.
func (r *LeaseStore) GCExpired(ctx context.Context, now time.Time) error {
	_, err := r.s.db.ExecContext(ctx, `DELETE FROM monitor_locks WHERE lock_type = ? AND expires_at < ?`,
		domain.MonitorLockType, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: gc expired lease: %w", err)
	}
	return nil
}

// TryAcquire upserts the lease row with ignore-duplicates semantics:
// if a live lease already exists for lock_type it is left untouched
// (INSERT OR IGNORE), so the caller must read the row back to learn
// who actually holds it.
func (r *LeaseStore) TryAcquire(ctx context.Context, instanceID string, acquiredAt, expiresAt time.Time) error {
	return r.s.withSerializableTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO monitor_locks (lock_type, instance_id, acquired_at, expires_at)
			VALUES (?, ?, ?, ?)`,
			domain.MonitorLockType, instanceID, acquiredAt.UnixMilli(), expiresAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("store: try acquire lease: %w", err)
		}
		return nil
	})
}

// Read returns the current lease row, or nil if none exists.
func (r *LeaseStore) Read(ctx context.Context) (*domain.MonitorLease, error) {
	row := r.s.db.QueryRowContext(ctx, `SELECT lock_type, instance_id, acquired_at, expires_at FROM monitor_locks WHERE lock_type = ?`, domain.MonitorLockType)
	var lease domain.MonitorLease
	var acquiredMs, expiresMs int64
	err := row.Scan(&lease.LockType, &lease.InstanceID, &acquiredMs, &expiresMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read lease: %w", err)
	}
	lease.AcquiredAt = time.UnixMilli(acquiredMs)
	lease.ExpiresAt = time.UnixMilli(expiresMs)
	return &lease, nil
}

// Release deletes the lease row iff it is still held by instanceID —
// an instance never clears a lease another instance has since claimed
// after this one's TTL lapsed.
func (r *LeaseStore) Release(ctx context.Context, instanceID string) error {
	_, err := r.s.db.ExecContext(ctx, `DELETE FROM monitor_locks WHERE lock_type = ? AND instance_id = ?`,
		domain.MonitorLockType, instanceID)
	if err != nil {
		return fmt.Errorf("store: release lease: %w", err)
	}
	return nil
}
