package reconciler

import (
	"context"
	"fmt"
	"time"

	"sentryguard/internal/domain"
	"sentryguard/internal/gateway"
	"sentryguard/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// finalizePosition defers while live close-side orders remain and the
// exchange still reports (or cannot confirm) a non-zero quantity, and
// while the quantity is at or above the symbol's minimum lot; otherwise
// it cancels any remaining close-side orders and closes the position out.
func (r *Reconciler) finalizePosition(ctx context.Context, userID string, gw gateway.Gateway, dbPos *domain.Position) error {
	slOrders, _ := gw.ListPlanOrders(ctx, dbPos.Symbol, domain.PlanTypeSL)
	tpOrders, _ := gw.ListPlanOrders(ctx, dbPos.Symbol, domain.PlanTypeTP)

	if liveCount(slOrders)+liveCount(tpOrders) > 0 {
		exPos, res := gw.GetPosition(ctx, dbPos.Symbol)
		if !res.OK || (exPos != nil && !exPos.TotalSize.IsZero()) {
			r.logEvent(ctx, userID, dbPos.Symbol, &dbPos.ID, domain.CheckTypeDeviations, domain.LogStatusDeferred,
				[]string{"position appears absent but live close-side orders remain"}, nil)
			return nil
		}
	}

	minQty := dbPos.Metadata.SettingsSnapshot.MinQty
	if exPos, res := gw.GetPosition(ctx, dbPos.Symbol); res.OK && exPos != nil && exPos.TotalSize.GreaterThanOrEqual(minQty) && !minQty.IsZero() {
		r.logEvent(ctx, userID, dbPos.Symbol, &dbPos.ID, domain.CheckTypeDeviations, domain.LogStatusDeferred,
			[]string{"position quantity still at or above minimum lot"}, nil)
		return nil
	}

	closePrice, reason := r.resolveCloseOutcome(ctx, gw, dbPos)
	return r.closeOutAndPersist(ctx, userID, gw, dbPos, reason, closePrice, slOrders, tpOrders)
}

// finalizeClosedBeforeResync handles the pre-resync-safety discovery
// that a position has gone to zero quantity between the drift check
// and the resync attempt: the live-order pre-check is skipped since
// the trigger is itself a confirmed zero-quantity read.
func (r *Reconciler) finalizeClosedBeforeResync(ctx context.Context, userID string, gw gateway.Gateway, dbPos *domain.Position) error {
	slOrders, _ := gw.ListPlanOrders(ctx, dbPos.Symbol, domain.PlanTypeSL)
	tpOrders, _ := gw.ListPlanOrders(ctx, dbPos.Symbol, domain.PlanTypeTP)
	closePrice, _ := r.resolveClosePrice(ctx, gw, dbPos)
	return r.closeOutAndPersist(ctx, userID, gw, dbPos, domain.CloseReasonClosedBeforeResync, closePrice, slOrders, tpOrders)
}

// resolveClosePrice is the single-value form of resolveCloseOutcome
// used by callers that already know the close reason.
func (r *Reconciler) resolveClosePrice(ctx context.Context, gw gateway.Gateway, dbPos *domain.Position) (decimal.Decimal, error) {
	price, _ := r.resolveCloseOutcome(ctx, gw, dbPos)
	return price, nil
}

// resolveCloseOutcome determines the close price (volume-weighted over
// recent fills, falling back to the current ticker) and the close
// reason (the highest TP that actually filled, else a comparison of
// close price against the recorded SL/TP levels).
func (r *Reconciler) resolveCloseOutcome(ctx context.Context, gw gateway.Gateway, dbPos *domain.Position) (decimal.Decimal, domain.CloseReason) {
	from := dbPos.CreatedAt.UnixMilli()
	to := time.Now().UnixMilli()
	var closePrice decimal.Decimal
	if fills, res := gw.GetFillHistory(ctx, dbPos.Symbol, from, to, 200); res.OK && len(fills) > 0 {
		closePrice = volumeWeightedClosePrice(fills)
	}
	if closePrice.IsZero() {
		if ticker, res := gw.GetTicker(ctx, dbPos.Symbol); res.OK {
			closePrice = ticker.Last
		}
	}
	if closePrice.IsZero() {
		closePrice = dbPos.CurrentPrice
	}

	if level := dbPos.HighestFilledTP(); level > 0 {
		return closePrice, tpCloseReason(level)
	}
	return closePrice, priceBasedCloseReason(dbPos, closePrice)
}

// priceBasedCloseReason is step (b) of Finalization's close_reason
// determination: compare the close price against SL/TP3/TP2/TP1 in
// that order, each within closeReasonTolerance, before falling back to
// a plain profit/loss verdict.
func priceBasedCloseReason(dbPos *domain.Position, closePrice decimal.Decimal) domain.CloseReason {
	if !dbPos.SLPrice.IsZero() && withinTolerance(closePrice, dbPos.SLPrice, closeReasonTolerance) {
		return domain.CloseReasonSLHit
	}
	for level := 3; level >= 1; level-- {
		tpPrice := dbPos.TPPrice(level)
		if tpPrice.IsZero() {
			continue
		}
		if withinTolerance(closePrice, tpPrice, closeReasonTolerance) {
			return tpCloseReason(level)
		}
	}
	if isProfitable(dbPos, closePrice) {
		return domain.CloseReasonManualProfit
	}
	return domain.CloseReasonManualLoss
}

func tpCloseReason(level int) domain.CloseReason {
	switch level {
	case 1:
		return domain.CloseReasonTP1
	case 2:
		return domain.CloseReasonTP2
	default:
		return domain.CloseReasonTP3
	}
}

func isProfitable(dbPos *domain.Position, closePrice decimal.Decimal) bool {
	if dbPos.Side == domain.SideSell {
		return closePrice.LessThan(dbPos.EntryPrice)
	}
	return closePrice.GreaterThan(dbPos.EntryPrice)
}

func computeRealizedPnL(dbPos *domain.Position, closePrice decimal.Decimal) decimal.Decimal {
	delta := closePrice.Sub(dbPos.EntryPrice)
	if dbPos.Side == domain.SideSell {
		delta = delta.Neg()
	}
	return delta.Mul(dbPos.Quantity)
}

// closeOutAndPersist cancels whatever close-side orders remain,
// persists the terminal state, and writes the audit log entry.
func (r *Reconciler) closeOutAndPersist(ctx context.Context, userID string, gw gateway.Gateway, dbPos *domain.Position, reason domain.CloseReason, closePrice decimal.Decimal, slOrders, tpOrders []domain.ExchangeOrder) error {
	cancelRemaining(ctx, gw, dbPos, slOrders, tpOrders)

	realizedPnL := computeRealizedPnL(dbPos, closePrice)
	closedAt := time.Now()
	if err := r.positions.FinalizePosition(ctx, dbPos.ID, reason, closePrice, realizedPnL, closedAt); err != nil {
		return fmt.Errorf("finalize position %d: %w", dbPos.ID, err)
	}

	dbPos.Status = domain.PositionStatusClosed
	dbPos.CloseReason = reason
	dbPos.ClosePrice = closePrice
	dbPos.RealizedPnL = realizedPnL
	dbPos.ClosedAt = &closedAt

	telemetry.GetGlobalMetrics().AddRealizedPnL(ctx, dbPos.Symbol, realizedPnL.InexactFloat64())

	r.logEvent(ctx, userID, dbPos.Symbol, &dbPos.ID, domain.CheckTypeFullVerification, domain.LogStatusRepaired,
		nil, []string{fmt.Sprintf("position finalized: reason=%s close_price=%s pnl=%s", reason, closePrice, realizedPnL)})
	return nil
}

func cancelRemaining(ctx context.Context, gw gateway.Gateway, dbPos *domain.Position, slOrders, tpOrders []domain.ExchangeOrder) {
	for _, o := range slOrders {
		if o.Status == domain.OrderStatusLive {
			gw.CancelPlan(ctx, dbPos.Symbol, o.OrderID, domain.PlanTypeSL)
		}
	}
	for _, o := range tpOrders {
		if o.Status == domain.OrderStatusLive {
			gw.CancelPlan(ctx, dbPos.Symbol, o.OrderID, domain.PlanTypeTP)
		}
	}
}

func liveCount(orders []domain.ExchangeOrder) int {
	return len(liveOrders(orders))
}

// volumeWeightedClosePrice averages close-side fills by size.
func volumeWeightedClosePrice(fills []domain.Fill) decimal.Decimal {
	var notional, size decimal.Decimal
	for _, f := range fills {
		if f.TradeSide != domain.TradeSideClose {
			continue
		}
		notional = notional.Add(f.Price.Mul(f.Size))
		size = size.Add(f.Size)
	}
	if size.IsZero() {
		return decimal.Zero
	}
	return notional.Div(size)
}
