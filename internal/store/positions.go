package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sentryguard/internal/domain"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// ErrDuplicatePosition is returned by CreatePosition when the
// (user, symbol, side, status=open) uniqueness constraint rejects the
// insert — the "lost race" case in the concurrent-recovery taxonomy.
var ErrDuplicatePosition = errors.New("store: open position already exists for user/symbol/side")

// PositionStore is the positions table repository. It satisfies every
// position-shaped repository interface other packages declare locally
// (opener.PositionRepository, dispatcher.PositionProvider, and the
// reconciler's wider surface) because Go interfaces are structural.
type PositionStore struct {
	s *Store
}

func NewPositionStore(s *Store) *PositionStore {
	return &PositionStore{s: s}
}

// SavePosition inserts a brand-new open position (opener.PositionRepository).
func (r *PositionStore) SavePosition(ctx context.Context, p *domain.Position) error {
	return r.CreatePosition(ctx, p)
}

// CreatePosition inserts p and reports ErrDuplicatePosition if an open
// position already exists for (user, symbol, side).
func (r *PositionStore) CreatePosition(ctx context.Context, p *domain.Position) error {
	metaJSON, err := json.Marshal(toMetaRow(p.Metadata))
	if err != nil {
		return fmt.Errorf("store: marshal position metadata: %w", err)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.LastCheckAt.IsZero() {
		p.LastCheckAt = p.CreatedAt
	}

	return r.s.withSerializableTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO positions (
				user_id, symbol, side, entry_price, quantity, leverage,
				sl_price, sl_order_id,
				tp1_price, tp1_quantity, tp1_order_id, tp1_filled,
				tp2_price, tp2_quantity, tp2_order_id, tp2_filled,
				tp3_price, tp3_quantity, tp3_order_id, tp3_filled,
				status, close_reason, close_price, realized_pnl,
				current_price, unrealized_pnl, last_check_at, check_errors, last_error,
				created_at, closed_at, alert_id, metadata
			) VALUES (?,?,?,?,?,?, ?,?, ?,?,?,?, ?,?,?,?, ?,?,?,?, ?,?,?,?, ?,?,?,?,?, ?,?,?,?)`,
			p.UserID, p.Symbol, string(p.Side), p.EntryPrice.String(), p.Quantity.String(), p.Leverage,
			p.SLPrice.String(), p.SLOrderID,
			p.TP1Price.String(), p.TP1Quantity.String(), p.TP1OrderID, boolInt(p.TP1Filled),
			p.TP2Price.String(), p.TP2Quantity.String(), p.TP2OrderID, boolInt(p.TP2Filled),
			p.TP3Price.String(), p.TP3Quantity.String(), p.TP3OrderID, boolInt(p.TP3Filled),
			string(p.Status), string(p.CloseReason), p.ClosePrice.String(), p.RealizedPnL.String(),
			p.CurrentPrice.String(), p.UnrealizedPnL.String(), p.LastCheckAt.UnixMilli(), p.CheckErrors, p.LastError,
			p.CreatedAt.UnixMilli(), nullableUnixMilli(p.ClosedAt), nullableInt64(p.AlertID), string(metaJSON),
		)
		if err != nil {
			var sqliteErr sqlite3.Error
			if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
				return ErrDuplicatePosition
			}
			return fmt.Errorf("store: insert position: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("store: read inserted position id: %w", err)
		}
		p.ID = id
		return nil
	})
}

// OpenPosition implements dispatcher.PositionProvider.
func (r *PositionStore) OpenPosition(ctx context.Context, userID, symbol string, side domain.Side) (*domain.Position, error) {
	row := r.s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions
		WHERE user_id = ? AND symbol = ? AND side = ? AND status = 'open'`, userID, symbol, string(side))
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetOpenPositionByUserSymbolSide is the exact match the reconciler's
// three-way join keys off of; it is identical to OpenPosition but
// named to read naturally from reconciler call sites.
func (r *PositionStore) GetOpenPositionByUserSymbolSide(ctx context.Context, userID, symbol string, side domain.Side) (*domain.Position, error) {
	return r.OpenPosition(ctx, userID, symbol, side)
}

// ListOpenPositions returns every open Position for userID.
func (r *PositionStore) ListOpenPositions(ctx context.Context, userID string) ([]*domain.Position, error) {
	rows, err := r.s.db.QueryContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE user_id = ? AND status = 'open'`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list open positions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPosition loads one position by id.
func (r *PositionStore) GetPosition(ctx context.Context, id int64) (*domain.Position, error) {
	row := r.s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	return scanPosition(row)
}

// UpdatePosition persists every mutable field of p. The reconciler
// never issues two concurrent UpdatePosition calls for the same id
// because resync is sequential per position within one instance, and
// the monitor lease rules out a second instance running at all.
func (r *PositionStore) UpdatePosition(ctx context.Context, p *domain.Position) error {
	metaJSON, err := json.Marshal(toMetaRow(p.Metadata))
	if err != nil {
		return fmt.Errorf("store: marshal position metadata: %w", err)
	}
	return r.s.withSerializableTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE positions SET
				entry_price=?, quantity=?, leverage=?,
				sl_price=?, sl_order_id=?,
				tp1_price=?, tp1_quantity=?, tp1_order_id=?, tp1_filled=?,
				tp2_price=?, tp2_quantity=?, tp2_order_id=?, tp2_filled=?,
				tp3_price=?, tp3_quantity=?, tp3_order_id=?, tp3_filled=?,
				status=?, close_reason=?, close_price=?, realized_pnl=?,
				current_price=?, unrealized_pnl=?, last_check_at=?, check_errors=?, last_error=?,
				closed_at=?, metadata=?
			WHERE id = ?`,
			p.EntryPrice.String(), p.Quantity.String(), p.Leverage,
			p.SLPrice.String(), p.SLOrderID,
			p.TP1Price.String(), p.TP1Quantity.String(), p.TP1OrderID, boolInt(p.TP1Filled),
			p.TP2Price.String(), p.TP2Quantity.String(), p.TP2OrderID, boolInt(p.TP2Filled),
			p.TP3Price.String(), p.TP3Quantity.String(), p.TP3OrderID, boolInt(p.TP3Filled),
			string(p.Status), string(p.CloseReason), p.ClosePrice.String(), p.RealizedPnL.String(),
			p.CurrentPrice.String(), p.UnrealizedPnL.String(), p.LastCheckAt.UnixMilli(), p.CheckErrors, p.LastError,
			nullableUnixMilli(p.ClosedAt), string(metaJSON),
			p.ID,
		)
		if err != nil {
			return fmt.Errorf("store: update position %d: %w", p.ID, err)
		}
		return nil
	})
}

// FinalizePosition closes p idempotently: it only writes status=closed
// when the row is still open, so calling it twice on an already-closed
// position is a no-op.
func (r *PositionStore) FinalizePosition(ctx context.Context, id int64, reason domain.CloseReason, closePrice, realizedPnL decimal.Decimal, closedAt time.Time) error {
	return r.s.withSerializableTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE positions SET status='closed', close_reason=?, close_price=?, realized_pnl=?, closed_at=?
			WHERE id = ? AND status = 'open'`,
			string(reason), closePrice.String(), realizedPnL.String(), closedAt.UnixMilli(), id,
		)
		if err != nil {
			return fmt.Errorf("store: finalize position %d: %w", id, err)
		}
		return nil
	})
}

// CountOpenPositions is the risk gate's max_open_positions check.
func (r *PositionStore) CountOpenPositions(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM positions WHERE user_id = ? AND status = 'open'`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count open positions: %w", err)
	}
	return n, nil
}

// DailyRealizedPnL sums realized_pnl for every position closed at or
// after sinceUTC (the start of the current UTC calendar day, by
// convention), the risk gate's daily_loss_limit/daily_loss_percent input.
func (r *PositionStore) DailyRealizedPnL(ctx context.Context, userID string, sinceUTC time.Time) (decimal.Decimal, error) {
	rows, err := r.s.db.QueryContext(ctx, `SELECT realized_pnl FROM positions
		WHERE user_id = ? AND status = 'closed' AND closed_at >= ?`, userID, sinceUTC.UnixMilli())
	if err != nil {
		return decimal.Zero, fmt.Errorf("store: daily realized pnl: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var pnl string
		if err := rows.Scan(&pnl); err != nil {
			return decimal.Zero, err
		}
		total = total.Add(mustDecimal(pnl))
	}
	return total, rows.Err()
}

const positionColumns = `id, user_id, symbol, side, entry_price, quantity, leverage,
	sl_price, sl_order_id,
	tp1_price, tp1_quantity, tp1_order_id, tp1_filled,
	tp2_price, tp2_quantity, tp2_order_id, tp2_filled,
	tp3_price, tp3_quantity, tp3_order_id, tp3_filled,
	status, close_reason, close_price, realized_pnl,
	current_price, unrealized_pnl, last_check_at, check_errors, last_error,
	created_at, closed_at, alert_id, metadata`

type scanner interface {
	Scan(dest ...any) error
}

func scanPosition(row scanner) (*domain.Position, error) {
	var p domain.Position
	var side, status, closeReason string
	var entryPrice, quantity, slPrice, tp1Price, tp1Qty, tp2Price, tp2Qty, tp3Price, tp3Qty string
	var closePrice, realizedPnL, currentPrice, unrealizedPnL string
	var lastCheckAtMs, createdAtMs int64
	var closedAtMs, alertID sql.NullInt64
	var metaJSON string

	err := row.Scan(
		&p.ID, &p.UserID, &p.Symbol, &side, &entryPrice, &quantity, &p.Leverage,
		&slPrice, &p.SLOrderID,
		&tp1Price, &tp1Qty, &p.TP1OrderID, &p.TP1Filled,
		&tp2Price, &tp2Qty, &p.TP2OrderID, &p.TP2Filled,
		&tp3Price, &tp3Qty, &p.TP3OrderID, &p.TP3Filled,
		&status, &closeReason, &closePrice, &realizedPnL,
		&currentPrice, &unrealizedPnL, &lastCheckAtMs, &p.CheckErrors, &p.LastError,
		&createdAtMs, &closedAtMs, &alertID, &metaJSON,
	)
	if err != nil {
		return nil, err
	}

	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	p.CloseReason = domain.CloseReason(closeReason)
	p.EntryPrice = mustDecimal(entryPrice)
	p.Quantity = mustDecimal(quantity)
	p.SLPrice = mustDecimal(slPrice)
	p.TP1Price, p.TP1Quantity = mustDecimal(tp1Price), mustDecimal(tp1Qty)
	p.TP2Price, p.TP2Quantity = mustDecimal(tp2Price), mustDecimal(tp2Qty)
	p.TP3Price, p.TP3Quantity = mustDecimal(tp3Price), mustDecimal(tp3Qty)
	p.ClosePrice = mustDecimal(closePrice)
	p.RealizedPnL = mustDecimal(realizedPnL)
	p.CurrentPrice = mustDecimal(currentPrice)
	p.UnrealizedPnL = mustDecimal(unrealizedPnL)
	p.LastCheckAt = time.UnixMilli(lastCheckAtMs)
	p.CreatedAt = time.UnixMilli(createdAtMs)
	if closedAtMs.Valid {
		t := time.UnixMilli(closedAtMs.Int64)
		p.ClosedAt = &t
	}
	if alertID.Valid {
		p.AlertID = &alertID.Int64
	}

	var metaRow metadataRow
	if err := json.Unmarshal([]byte(metaJSON), &metaRow); err != nil {
		return nil, fmt.Errorf("store: unmarshal position metadata: %w", err)
	}
	p.Metadata = fromMetaRow(metaRow)

	return &p, nil
}

// metadataRow is PositionMetadata's JSON-at-rest shape; decimal.Decimal
// marshals itself to a quoted JSON string via shopspring/decimal's
// MarshalJSON, so no manual .String() conversion is needed here the way
// the flat columns above require (SQLite has no native decimal type, but
// JSON round-trips decimal.Decimal exactly via its MarshalJSON/UnmarshalJSON).
type metadataRow struct {
	SettingsSnapshot domain.PricingSnapshot `json:"settings_snapshot"`
	ResyncCount      int                    `json:"resync_count"`
	LastResyncAt     *time.Time             `json:"last_resync_at,omitempty"`
	Recovered        bool                   `json:"recovered"`
}

func toMetaRow(m domain.PositionMetadata) metadataRow {
	return metadataRow{
		SettingsSnapshot: m.SettingsSnapshot,
		ResyncCount:      m.ResyncCount,
		LastResyncAt:     m.LastResyncAt,
		Recovered:        m.Recovered,
	}
}

func fromMetaRow(m metadataRow) domain.PositionMetadata {
	return domain.PositionMetadata{
		SettingsSnapshot: m.SettingsSnapshot,
		ResyncCount:      m.ResyncCount,
		LastResyncAt:     m.LastResyncAt,
		Recovered:        m.Recovered,
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableUnixMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
