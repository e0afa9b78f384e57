package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"sentryguard/internal/domain"
)

// MonitoringLogStore is the monitoring_logs table repository — the
// reconciler's audit stream.
type MonitoringLogStore struct {
	s *Store
}

func NewMonitoringLogStore(s *Store) *MonitoringLogStore {
	return &MonitoringLogStore{s: s}
}

// Insert writes one audit entry. CreatedAt is stamped if zero.
func (r *MonitoringLogStore) Insert(ctx context.Context, log domain.MonitoringLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	issues, err := json.Marshal(log.Issues)
	if err != nil {
		return fmt.Errorf("store: marshal log issues: %w", err)
	}
	expected, err := json.Marshal(log.ExpectedData)
	if err != nil {
		return fmt.Errorf("store: marshal log expected_data: %w", err)
	}
	actual, err := json.Marshal(log.ActualData)
	if err != nil {
		return fmt.Errorf("store: marshal log actual_data: %w", err)
	}
	actions, err := json.Marshal(log.ActionsTaken)
	if err != nil {
		return fmt.Errorf("store: marshal log actions_taken: %w", err)
	}

	_, err = r.s.db.ExecContext(ctx, `
		INSERT INTO monitoring_logs (user_id, symbol, position_id, check_type, status, issues, expected_data, actual_data, actions_taken, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		log.UserID, log.Symbol, nullableInt64(log.PositionID), string(log.CheckType), string(log.Status),
		string(issues), string(expected), string(actual), string(actions), log.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: insert monitoring log: %w", err)
	}
	return nil
}
