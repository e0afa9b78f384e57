// Package emergency implements the on-demand per-user shutdown: it
// disables the bot, cancels every bracket order, flat-closes every
// open position at market, and records realized PnL.
package emergency

import (
	"context"
	"fmt"
	"time"

	"sentryguard/internal/core"
	"sentryguard/internal/closer"
	"sentryguard/internal/domain"
	"sentryguard/internal/gateway"
	"sentryguard/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// UserRepository is the subset of the user store the shutdown needs.
type UserRepository interface {
	SetUserActive(ctx context.Context, userID string, active bool) error
}

// PositionRepository is the subset of the position store the shutdown needs.
type PositionRepository interface {
	ListOpenPositions(ctx context.Context, userID string) ([]*domain.Position, error)
	FinalizePosition(ctx context.Context, id int64, reason domain.CloseReason, closePrice, realizedPnL decimal.Decimal, closedAt time.Time) error
}

// GatewayFactory resolves the exchange Gateway for one user.
type GatewayFactory interface {
	ForUser(ctx context.Context, userID string) (gateway.Gateway, error)
}

// LogRepository records the audit trail for each shutdown attempt.
type LogRepository interface {
	Insert(ctx context.Context, log domain.MonitoringLog) error
}

// SymbolResult is one position's outcome within a shutdown report.
type SymbolResult struct {
	Symbol string
	OK     bool
	Error  string
}

// Report is returned from Shutdown: per-symbol success/failure counts
// plus the individual results for the caller to surface.
type Report struct {
	UserID    string
	Succeeded int
	Failed    int
	Results   []SymbolResult
}

// Controller executes the per-user emergency shutdown.
type Controller struct {
	users     UserRepository
	positions PositionRepository
	gateways  GatewayFactory
	logs      LogRepository
	logger    core.ILogger
}

func New(users UserRepository, positions PositionRepository, gateways GatewayFactory, logs LogRepository, logger core.ILogger) *Controller {
	return &Controller{
		users:     users,
		positions: positions,
		gateways:  gateways,
		logs:      logs,
		logger:    logger.WithField("component", "emergency"),
	}
}

// Shutdown is idempotent across retries on the same user within one
// cycle: positions already finalized by a prior attempt are no longer
// returned by ListOpenPositions, so re-invoking only touches what is
// still open.
func (c *Controller) Shutdown(ctx context.Context, userID string) (Report, error) {
	report := Report{UserID: userID}

	if err := c.users.SetUserActive(ctx, userID, false); err != nil {
		return report, fmt.Errorf("emergency: disable user %s: %w", userID, err)
	}

	positions, err := c.positions.ListOpenPositions(ctx, userID)
	if err != nil {
		return report, fmt.Errorf("emergency: list open positions for %s: %w", userID, err)
	}
	if len(positions) == 0 {
		return report, nil
	}

	gw, err := c.gateways.ForUser(ctx, userID)
	if err != nil {
		for _, p := range positions {
			report.Failed++
			report.Results = append(report.Results, SymbolResult{Symbol: p.Symbol, OK: false, Error: err.Error()})
		}
		return report, nil
	}

	for _, p := range positions {
		res := c.closeOne(ctx, userID, gw, p)
		report.Results = append(report.Results, res)
		if res.OK {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}

	return report, nil
}

func (c *Controller) closeOne(ctx context.Context, userID string, gw gateway.Gateway, p *domain.Position) SymbolResult {
	holdSide := domain.HoldSideLong
	if p.Side == domain.SideSell {
		holdSide = domain.HoldSideShort
	}

	c.cancelBrackets(ctx, gw, p)

	ok, _ := closer.ExecuteVerifiedClose(ctx, gw, p.Symbol, holdSide, closer.MarketSideForClose(p.Side))
	time.Sleep(500 * time.Millisecond)

	closePrice := c.resolveClosePrice(ctx, gw, p)
	realizedPnL := realizedPnLFor(p, closePrice)
	closedAt := time.Now()

	if err := c.positions.FinalizePosition(ctx, p.ID, domain.CloseReasonEmergencyShutdown, closePrice, realizedPnL, closedAt); err != nil {
		c.logEvent(ctx, userID, p, domain.LogStatusError, []string{err.Error()})
		return SymbolResult{Symbol: p.Symbol, OK: false, Error: err.Error()}
	}

	telemetry.GetGlobalMetrics().AddRealizedPnL(ctx, p.Symbol, realizedPnL.InexactFloat64())

	actions := []string{fmt.Sprintf("emergency close, price=%s pnl=%s", closePrice, realizedPnL)}
	if !ok {
		actions = append(actions, "exchange did not confirm the expected quantity drop; finalized from best-effort read")
	}
	c.logEvent(ctx, userID, p, domain.LogStatusRepaired, actions)
	return SymbolResult{Symbol: p.Symbol, OK: true}
}

func (c *Controller) cancelBrackets(ctx context.Context, gw gateway.Gateway, p *domain.Position) {
	if p.SLOrderID != "" {
		gw.CancelPlan(ctx, p.Symbol, p.SLOrderID, domain.PlanTypeSL)
	}
	for _, oid := range []string{p.TP1OrderID, p.TP2OrderID, p.TP3OrderID} {
		if oid != "" {
			gw.CancelPlan(ctx, p.Symbol, oid, domain.PlanTypeTP)
		}
	}
	// Orders we lost track of (e.g. recovered-orphan brackets whose id
	// was never persisted) are swept by symbol too.
	for _, o := range listLive(ctx, gw, p.Symbol, domain.PlanTypeSL) {
		gw.CancelPlan(ctx, p.Symbol, o.OrderID, domain.PlanTypeSL)
	}
	for _, o := range listLive(ctx, gw, p.Symbol, domain.PlanTypeTP) {
		gw.CancelPlan(ctx, p.Symbol, o.OrderID, domain.PlanTypeTP)
	}
}

func listLive(ctx context.Context, gw gateway.Gateway, symbol string, planType domain.PlanType) []domain.ExchangeOrder {
	orders, res := gw.ListPlanOrders(ctx, symbol, planType)
	if !res.OK {
		return nil
	}
	return orders
}

// resolveClosePrice prefers fills recorded since the position opened,
// falling back to the current ticker — the same ladder the
// reconciler's finalization uses for an engine-driven close.
func (c *Controller) resolveClosePrice(ctx context.Context, gw gateway.Gateway, p *domain.Position) decimal.Decimal {
	from := p.CreatedAt.UnixMilli()
	to := time.Now().UnixMilli()
	if fills, res := gw.GetFillHistory(ctx, p.Symbol, from, to, 200); res.OK {
		var notional, size decimal.Decimal
		for _, f := range fills {
			if f.TradeSide != domain.TradeSideClose {
				continue
			}
			notional = notional.Add(f.Price.Mul(f.Size))
			size = size.Add(f.Size)
		}
		if !size.IsZero() {
			return notional.Div(size)
		}
	}
	if ticker, res := gw.GetTicker(ctx, p.Symbol); res.OK {
		return ticker.Last
	}
	return p.CurrentPrice
}

func realizedPnLFor(p *domain.Position, closePrice decimal.Decimal) decimal.Decimal {
	delta := closePrice.Sub(p.EntryPrice)
	if p.Side == domain.SideSell {
		delta = delta.Neg()
	}
	return delta.Mul(p.Quantity)
}

func (c *Controller) logEvent(ctx context.Context, userID string, p *domain.Position, status domain.LogStatus, actions []string) {
	if c.logs == nil {
		return
	}
	pid := p.ID
	_ = c.logs.Insert(ctx, domain.MonitoringLog{
		UserID:       userID,
		Symbol:       p.Symbol,
		PositionID:   &pid,
		CheckType:    domain.CheckTypeEmergencyClose,
		Status:       status,
		ActionsTaken: actions,
		CreatedAt:    time.Now(),
	})
}
