package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sentryguard/internal/domain"
)

// BannedSymbolStore is the banned_symbols table repository
// (opener.BannedSymbolRepository).
type BannedSymbolStore struct {
	s *Store
}

func NewBannedSymbolStore(s *Store) *BannedSymbolStore {
	return &BannedSymbolStore{s: s}
}

func (r *BannedSymbolStore) IsBanned(ctx context.Context, userID, symbol string) (bool, error) {
	var reason string
	err := r.s.db.QueryRowContext(ctx, `SELECT reason FROM banned_symbols WHERE user_id = ? AND symbol = ?`, userID, symbol).Scan(&reason)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: check banned symbol: %w", err)
	}
	return true, nil
}

// ListBanned returns every symbol banned for a user, newest first —
// the surface the admin control plane reviews before lifting a ban.
func (r *BannedSymbolStore) ListBanned(ctx context.Context, userID string) ([]domain.BannedSymbol, error) {
	rows, err := r.s.db.QueryContext(ctx, `
		SELECT user_id, symbol, reason, banned_at FROM banned_symbols
		WHERE user_id = ? ORDER BY banned_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list banned symbols for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []domain.BannedSymbol
	for rows.Next() {
		var b domain.BannedSymbol
		var bannedAtMs int64
		if err := rows.Scan(&b.UserID, &b.Symbol, &b.Reason, &bannedAtMs); err != nil {
			return nil, err
		}
		b.BannedAt = time.UnixMilli(bannedAtMs)
		out = append(out, b)
	}
	return out, rows.Err()
}

// Unban removes a symbol ban, letting the Opener place brackets for it again.
func (r *BannedSymbolStore) Unban(ctx context.Context, userID, symbol string) error {
	_, err := r.s.db.ExecContext(ctx, `DELETE FROM banned_symbols WHERE user_id = ? AND symbol = ?`, userID, symbol)
	if err != nil {
		return fmt.Errorf("store: unban %s/%s: %w", userID, symbol, err)
	}
	return nil
}

func (r *BannedSymbolStore) Ban(ctx context.Context, ban domain.BannedSymbol) error {
	if ban.BannedAt.IsZero() {
		ban.BannedAt = time.Now()
	}
	_, err := r.s.db.ExecContext(ctx, `
		INSERT INTO banned_symbols (user_id, symbol, reason, banned_at) VALUES (?,?,?,?)
		ON CONFLICT (user_id, symbol) DO UPDATE SET reason = excluded.reason, banned_at = excluded.banned_at`,
		ban.UserID, ban.Symbol, ban.Reason, ban.BannedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: ban symbol: %w", err)
	}
	return nil
}
