// Package reconciler is the periodic, singleton-leased loop that makes
// the database consistent with the exchange for every user and every
// open position: lease-protected, per-user iteration over a three-way
// match against live exchange state. The DB-backed lease, not a
// process-local mutex, is what keeps concurrent deployments from
// double-acting on the same position.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"sentryguard/internal/core"
	"sentryguard/internal/domain"
	"sentryguard/internal/gateway"
	apperrors "sentryguard/pkg/errors"
	"sentryguard/pkg/retry"
	"sentryguard/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GatewayFactory resolves the exchange Gateway for one user, backed by
// credential decryption.
type GatewayFactory interface {
	ForUser(ctx context.Context, userID string) (gateway.Gateway, error)
}

// PositionRepository is the position-shaped surface the reconciler
// needs; internal/store.PositionStore satisfies it structurally.
type PositionRepository interface {
	ListOpenPositions(ctx context.Context, userID string) ([]*domain.Position, error)
	GetPosition(ctx context.Context, id int64) (*domain.Position, error)
	CreatePosition(ctx context.Context, p *domain.Position) error
	UpdatePosition(ctx context.Context, p *domain.Position) error
	FinalizePosition(ctx context.Context, id int64, reason domain.CloseReason, closePrice, realizedPnL decimal.Decimal, closedAt time.Time) error
}

// LeaseRepository is the monitor_locks table surface.
type LeaseRepository interface {
	GCExpired(ctx context.Context, now time.Time) error
	TryAcquire(ctx context.Context, instanceID string, acquiredAt, expiresAt time.Time) error
	Read(ctx context.Context) (*domain.MonitorLease, error)
	Release(ctx context.Context, instanceID string) error
}

// LogRepository is the monitoring_logs table surface.
type LogRepository interface {
	Insert(ctx context.Context, log domain.MonitoringLog) error
}

// BannedSymbolRepository records symbols whose bracket could not be
// repaired even after a resync attempt fails.
type BannedSymbolRepository interface {
	Ban(ctx context.Context, ban domain.BannedSymbol) error
}

// UserDirectory lists users with active credentials.
type UserDirectory interface {
	ActiveUserIDs(ctx context.Context) ([]string, error)
}

// PolicyResolver is consulted by Orphan Recovery, which has no
// settings snapshot to fall back on and must price against current policy.
type PolicyResolver interface {
	Resolve(ctx context.Context, userID string, symbol string) (domain.UserPolicy, error)
}

const (
	leaseTTL       = 120 * time.Second
	resyncCooldown = 5 * time.Minute
	// maxResyncCount is the threshold past which a resync attempt is
	// still made but logged at LogStatusManualReview.
	maxResyncCount = 3
	// priceTolerance and sizeTolerance are the selective-resync-check
	// fractional tolerances.
	priceTolerance       = 0.005
	sizeTolerance        = 0.05
	partialCloseFraction = 0.99
	partialCloseTPTol    = 0.10
	breakevenTolerance   = 0.0001
	closeReasonTolerance = 0.005
)

// RunResult is one reconciliation tick's top-level outcome.
type RunResult struct {
	Skipped bool
	Reason  string
}

// Reconciler runs the lease-guarded reconciliation cycle.
type Reconciler struct {
	leases    LeaseRepository
	positions PositionRepository
	logs      LogRepository
	bans      BannedSymbolRepository
	users     UserDirectory
	policies  PolicyResolver
	gateways  GatewayFactory
	logger    core.ILogger
}

func New(leases LeaseRepository, positions PositionRepository, logs LogRepository, bans BannedSymbolRepository, users UserDirectory, policies PolicyResolver, gateways GatewayFactory, logger core.ILogger) *Reconciler {
	return &Reconciler{
		leases:    leases,
		positions: positions,
		logs:      logs,
		bans:      bans,
		users:     users,
		policies:  policies,
		gateways:  gateways,
		logger:    logger.WithField("component", "reconciler"),
	}
}

// RunOnce executes exactly one reconciliation tick: acquire the lease,
// walk every active user, release the lease. Call it from an external
// scheduler every few seconds.
func (r *Reconciler) RunOnce(ctx context.Context) (RunResult, error) {
	cycleStart := time.Now()
	defer func() {
		telemetry.GetGlobalMetrics().RecordReconcileCycle(ctx, time.Since(cycleStart).Seconds())
	}()

	now := time.Now()
	if err := r.leases.GCExpired(ctx, now); err != nil {
		return RunResult{}, fmt.Errorf("reconciler: gc expired leases: %w", err)
	}

	instanceID := uuid.NewString()
	if err := r.leases.TryAcquire(ctx, instanceID, now, now.Add(leaseTTL)); err != nil {
		return RunResult{}, fmt.Errorf("reconciler: try acquire lease: %w", err)
	}

	lease, err := r.leases.Read(ctx)
	if err != nil {
		return RunResult{}, fmt.Errorf("reconciler: read lease: %w", err)
	}
	if lease == nil || lease.InstanceID != instanceID {
		return RunResult{Skipped: true, Reason: "Another instance holds the lock"}, nil
	}

	defer func() {
		release := context.WithoutCancel(ctx)
		if err := r.leases.Release(release, instanceID); err != nil {
			r.logger.Error("failed to release reconciliation lease", "error", err)
		}
	}()

	userIDs, err := r.users.ActiveUserIDs(ctx)
	if err != nil {
		return RunResult{}, fmt.Errorf("reconciler: list active users: %w", err)
	}

	for _, userID := range userIDs {
		select {
		case <-ctx.Done():
			return RunResult{}, ctx.Err()
		default:
		}
		r.reconcileUser(ctx, userID)
	}

	return RunResult{}, nil
}

func (r *Reconciler) reconcileUser(ctx context.Context, userID string) {
	logger := r.logger.WithField("user_id", userID)

	gw, err := r.gateways.ForUser(ctx, userID)
	if err != nil {
		logger.Error("skipping user: gateway unavailable", "error", err)
		return
	}

	exchangePositions, res := gw.GetPositions(ctx)
	if !res.OK {
		// Never close DB positions based on a failed API response.
		logger.Error("skipping user: get_positions failed", "error", res.Message)
		if res.ErrorKind == apperrors.ErrorKindAuth {
			// The cached client's key was rotated or deactivated; drop
			// it so the next cycle rebuilds from a fresh decrypt.
			if inv, ok := r.gateways.(interface{ Invalidate(userID string) }); ok {
				inv.Invalidate(userID)
			}
		}
		return
	}

	dbPositions, err := r.positions.ListOpenPositions(ctx, userID)
	if err != nil {
		logger.Error("skipping user: list open positions failed", "error", err)
		return
	}

	matched, exchangeOnly, dbOnly := matchPositions(dbPositions, exchangePositions)

	metrics := telemetry.GetGlobalMetrics()
	for _, m := range matched {
		if err := r.fullVerification(ctx, userID, gw, m.db, m.exchange); err != nil {
			logger.Warn("full verification error", "symbol", m.db.Symbol, "error", err)
		}
		metrics.SetPositionSize(m.db.Symbol, m.db.Quantity.InexactFloat64())
		metrics.SetUnrealizedPnL(m.db.Symbol, m.db.UnrealizedPnL.InexactFloat64())
	}
	metrics.SetActiveOrders(userID, int64(len(matched)))

	for _, exPos := range exchangeOnly {
		if err := r.recoverOrphan(ctx, userID, gw, exPos); err != nil {
			logger.Warn("orphan recovery error", "symbol", exPos.Symbol, "error", err)
		}
	}

	for _, dbPos := range dbOnly {
		if err := r.reverifyAbsence(ctx, userID, gw, dbPos); err != nil {
			logger.Warn("absence re-verification error", "symbol", dbPos.Symbol, "error", err)
		}
	}

	if err := r.cleanupOrphanOrders(ctx, userID, gw, dbPositions); err != nil {
		logger.Warn("orphan order cleanup error", "error", err)
	}
}

func (r *Reconciler) logEvent(ctx context.Context, userID, symbol string, positionID *int64, checkType domain.CheckType, status domain.LogStatus, issues []string, actions []string) {
	if err := r.logs.Insert(ctx, domain.MonitoringLog{
		UserID:       userID,
		Symbol:       symbol,
		PositionID:   positionID,
		CheckType:    checkType,
		Status:       status,
		Issues:       issues,
		ActionsTaken: actions,
	}); err != nil {
		r.logger.Error("failed to write monitoring log", "user_id", userID, "symbol", symbol, "error", err)
	}
}

// isTransientResult classifies a Gateway Result using the same
// sentinel taxonomy the rest of the engine uses for retry decisions.
func isTransientResult(res gateway.Result) bool {
	if res.OK {
		return false
	}
	switch res.ErrorKind {
	case apperrors.ErrorKindTransient, apperrors.ErrorKindTimeout:
		return true
	default:
		return false
	}
}

// getPositionWithRetry is the first leg of absence confirmation: up to 3
// attempts, ~1s apart, before the caller falls back to get_positions
// and fill history.
func getPositionWithRetry(ctx context.Context, gw gateway.Gateway, symbol string) (*domain.ExchangePosition, gateway.Result) {
	var pos *domain.ExchangePosition
	var res gateway.Result
	_ = retry.Do(ctx, retry.ReconcileReadPolicy, func(err error) bool {
		return err != nil
	}, func() error {
		pos, res = gw.GetPosition(ctx, symbol)
		if !res.OK && isTransientResult(res) {
			return fmt.Errorf("transient get_position: %s", res.Message)
		}
		return nil
	})
	return pos, res
}

func decimalAbs(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return d.Neg()
	}
	return d
}

func withinTolerance(a, b decimal.Decimal, tolerance float64) bool {
	if a.IsZero() && b.IsZero() {
		return true
	}
	ref := a
	if ref.IsZero() {
		ref = b
	}
	diff := decimalAbs(a.Sub(b))
	return diff.LessThanOrEqual(decimalAbs(ref).Mul(decimal.NewFromFloat(tolerance)))
}
