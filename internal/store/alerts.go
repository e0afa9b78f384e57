package store

import (
	"context"
	"fmt"
	"time"

	"sentryguard/internal/domain"
)

// AlertStore is the alerts table repository (dispatcher.AlertRepository).
type AlertStore struct {
	s *Store
}

func NewAlertStore(s *Store) *AlertStore {
	return &AlertStore{s: s}
}

func (r *AlertStore) InsertAlert(ctx context.Context, alert *domain.Alert) error {
	if alert.WebhookReceivedAt.IsZero() {
		alert.WebhookReceivedAt = time.Now()
	}
	res, err := r.s.db.ExecContext(ctx, `
		INSERT INTO alerts (
			user_id, symbol, side, entry_price, sl, tp1, tp2, tp3, main_tp, atr,
			leverage, strength, tier, mode, indicator_version, session, raw_payload,
			tv_ts, webhook_received_at, exchange_executed_at, status, error_message, is_test
		) VALUES (?,?,?,?,?,?,?,?,?,?, ?,?,?,?,?,?,?, ?,?,?,?,?,?)`,
		alert.UserID, alert.Symbol, string(alert.Side), alert.EntryPrice.String(), alert.SL.String(),
		alert.TP1.String(), alert.TP2.String(), alert.TP3.String(), alert.MainTP.String(), alert.ATR.String(),
		alert.Leverage, alert.Strength.String(), alert.Tier, alert.Mode, alert.IndicatorVersion, alert.Session, string(alert.RawPayload),
		alert.TVTimestamp.UnixMilli(), alert.WebhookReceivedAt.UnixMilli(), nullableUnixMilli(alert.ExchangeExecutedAt),
		string(alert.Status), alert.ErrorMessage, boolInt(alert.IsTest),
	)
	if err != nil {
		return fmt.Errorf("store: insert alert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("store: read inserted alert id: %w", err)
	}
	alert.ID = id
	return nil
}

func (r *AlertStore) UpdateAlertStatus(ctx context.Context, alertID int64, status domain.AlertStatus, errMsg string) error {
	_, err := r.s.db.ExecContext(ctx, `UPDATE alerts SET status = ?, error_message = ? WHERE id = ?`, string(status), errMsg, alertID)
	if err != nil {
		return fmt.Errorf("store: update alert %d status: %w", alertID, err)
	}
	return nil
}

// MarkExecuted stamps exchange_executed_at alongside the executed
// status transition. No latency value is computed or stored here; only
// the raw timestamps (tv_ts, webhook_received_at, exchange_executed_at)
// are kept.
func (r *AlertStore) MarkExecuted(ctx context.Context, alertID int64, executedAt time.Time) error {
	_, err := r.s.db.ExecContext(ctx, `UPDATE alerts SET status = ?, exchange_executed_at = ? WHERE id = ?`,
		string(domain.AlertStatusExecuted), executedAt.UnixMilli(), alertID)
	if err != nil {
		return fmt.Errorf("store: mark alert %d executed: %w", alertID, err)
	}
	return nil
}
