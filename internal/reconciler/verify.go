package reconciler

import (
	"context"
	"fmt"
	"time"

	"sentryguard/internal/closer"
	"sentryguard/internal/domain"
	"sentryguard/internal/gateway"
	"sentryguard/internal/pricing"
	"sentryguard/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// fullVerification walks one matched position end to end: re-fetch,
// partial-close detection, drift check, safety gates, then selective
// resync if anything diverged.
func (r *Reconciler) fullVerification(ctx context.Context, userID string, gw gateway.Gateway, dbPos *domain.Position, _ domain.ExchangePosition) error {
	// a. direct, retried re-fetch supersedes the bulk get_positions read
	// used for matching; it is the authoritative single-position source
	// of truth for the rest of this verification.
	exPos, res := getPositionWithRetry(ctx, gw, dbPos.Symbol)
	if !res.OK || exPos == nil || exPos.TotalSize.IsZero() {
		confirmed, err := r.confirmAbsence(ctx, gw, dbPos)
		if err != nil {
			dbPos.CheckErrors++
			dbPos.LastError = fmt.Sprintf("full verification: absence confirmation failed: %v", err)
			return r.positions.UpdatePosition(ctx, dbPos)
		}
		if confirmed {
			return r.finalizePosition(ctx, userID, gw, dbPos)
		}
		dbPos.CheckErrors++
		dbPos.LastError = "full verification: position missing on direct fetch but not confirmed absent by fallback checks"
		return r.positions.UpdatePosition(ctx, dbPos)
	}

	// b.
	ticker, tres := gw.GetTicker(ctx, dbPos.Symbol)
	if !tres.OK {
		dbPos.CheckErrors++
		dbPos.LastError = fmt.Sprintf("full verification: get_ticker failed: %s", tres.Message)
		return r.positions.UpdatePosition(ctx, dbPos)
	}

	// c.
	slOrders, _ := gw.ListPlanOrders(ctx, dbPos.Symbol, domain.PlanTypeSL)
	tpOrders, _ := gw.ListPlanOrders(ctx, dbPos.Symbol, domain.PlanTypeTP)
	if dbPos.UnfilledTPCount() > 0 && len(tpOrders) == 0 {
		time.Sleep(500 * time.Millisecond)
		tpOrders, _ = gw.ListPlanOrders(ctx, dbPos.Symbol, domain.PlanTypeTP)
	}

	// d.
	holdSide := holdSideFor(dbPos.Side)
	r.detectPartialClose(ctx, gw, holdSide, dbPos, exPos.TotalSize)

	// e.
	expected, err := r.expectedTargets(dbPos)
	if err != nil {
		dbPos.CheckErrors++
		dbPos.LastError = fmt.Sprintf("full verification: compute expected targets: %v", err)
		return r.positions.UpdatePosition(ctx, dbPos)
	}

	// f.
	drift := checkDrift(dbPos, expected, slOrders, tpOrders)
	if !drift.needsResync() {
		return r.positions.UpdatePosition(ctx, dbPos)
	}
	telemetry.GetGlobalMetrics().IncDriftDetected(ctx, dbPos.Symbol)

	// g.
	drift, safe, err := r.preResyncSafety(ctx, userID, gw, dbPos, drift)
	if err != nil {
		return err
	}
	if !safe {
		return r.positions.UpdatePosition(ctx, dbPos)
	}

	// h.
	if !resyncAllowed(dbPos) {
		return r.positions.UpdatePosition(ctx, dbPos)
	}

	// i.
	telemetry.GetGlobalMetrics().IncResyncAttempt(ctx, dbPos.Symbol)
	return r.executeResync(ctx, userID, gw, dbPos, expected, drift, ticker.Last)
}

// confirmAbsence implements step a's fallback: a position only counts
// as gone once the bulk get_positions list agrees and fill-history
// lookups succeed (even if they turn up nothing informative).
func (r *Reconciler) confirmAbsence(ctx context.Context, gw gateway.Gateway, dbPos *domain.Position) (bool, error) {
	holdSide := holdSideFor(dbPos.Side)

	positions, res := gw.GetPositions(ctx)
	if !res.OK {
		return false, fmt.Errorf("get_positions fallback: %s", res.Message)
	}
	for _, p := range positions {
		if domain.NormalizeSymbol(p.Symbol) == domain.NormalizeSymbol(dbPos.Symbol) && p.HoldSide == holdSide && !p.TotalSize.IsZero() {
			return false, nil
		}
	}

	from := time.Now().Add(-5 * time.Minute).UnixMilli()
	to := time.Now().UnixMilli()
	if _, fres := gw.GetFillHistory(ctx, dbPos.Symbol, from, to, 50); !fres.OK {
		return false, fmt.Errorf("fill history fallback: %s", fres.Message)
	}

	return true, nil
}

// detectPartialClose implements step d: a quantity drop below 99% of
// the recorded size is attributed to whichever configured TP's size
// matches the delta within 10%, and triggers a breakeven SL rewrite
// when that TP is the configured breakeven trigger.
func (r *Reconciler) detectPartialClose(ctx context.Context, gw gateway.Gateway, holdSide domain.HoldSide, dbPos *domain.Position, exchangeQty decimal.Decimal) {
	threshold := dbPos.Quantity.Mul(decimal.NewFromFloat(partialCloseFraction))
	if !exchangeQty.LessThan(threshold) {
		return
	}

	delta := dbPos.Quantity.Sub(exchangeQty)
	level := matchPartialCloseTPLevel(dbPos, delta)
	if level > 0 {
		markTPFilled(dbPos, level)
		telemetry.GetGlobalMetrics().IncOrderFilled(ctx, dbPos.Symbol, "tp")
	}
	dbPos.Quantity = exchangeQty

	snap := dbPos.Metadata.SettingsSnapshot
	if snap.SLToBreakeven && level > 0 && level == snap.BreakevenTriggerTP {
		r.rewriteSLToBreakeven(ctx, gw, holdSide, dbPos)
	}
}

func matchPartialCloseTPLevel(dbPos *domain.Position, delta decimal.Decimal) int {
	for level := 1; level <= 3; level++ {
		if dbPos.TPFilled(level) || dbPos.TPPrice(level).IsZero() {
			continue
		}
		if withinTolerance(positionTPQuantity(dbPos, level), delta, partialCloseTPTol) {
			return level
		}
	}
	return 0
}

func markTPFilled(p *domain.Position, level int) {
	switch level {
	case 1:
		p.TP1Filled = true
	case 2:
		p.TP2Filled = true
	case 3:
		p.TP3Filled = true
	}
}

func positionTPQuantity(p *domain.Position, level int) decimal.Decimal {
	switch level {
	case 1:
		return p.TP1Quantity
	case 2:
		return p.TP2Quantity
	case 3:
		return p.TP3Quantity
	default:
		return decimal.Zero
	}
}

func filledTPSizes(p *domain.Position) [3]decimal.Decimal {
	var out [3]decimal.Decimal
	for level := 1; level <= 3; level++ {
		if p.TPFilled(level) {
			out[level-1] = positionTPQuantity(p, level)
		}
	}
	return out
}

// rewriteSLToBreakeven cancels the live SL and places a new one at the
// breakeven price the pricing engine computes, never regressing a more protective SL
// already in place (pricing.Compute enforces the never-regress rule
// given CurrentSL).
func (r *Reconciler) rewriteSLToBreakeven(ctx context.Context, gw gateway.Gateway, holdSide domain.HoldSide, dbPos *domain.Position) {
	targets, err := pricing.Compute(pricing.Request{
		Side:              dbPos.Side,
		Entry:             dbPos.EntryPrice,
		Quantity:          dbPos.Quantity,
		Snapshot:          dbPos.Metadata.SettingsSnapshot,
		EffectiveLeverage: dbPos.Leverage,
		FilledTPSizes:     filledTPSizes(dbPos),
		BreakevenActive:   true,
		CurrentSL:         dbPos.SLPrice,
	})
	if err != nil || targets.SLPrice.Equal(dbPos.SLPrice) {
		return
	}
	if dbPos.SLOrderID != "" {
		gw.CancelPlan(ctx, dbPos.Symbol, dbPos.SLOrderID, domain.PlanTypeSL)
	}
	orderID, res := gw.PlaceBracket(ctx, dbPos.Symbol, domain.PlanTypeSL, holdSide, targets.SLPrice, dbPos.Quantity, decimal.Zero)
	if res.OK {
		dbPos.SLPrice = targets.SLPrice
		dbPos.SLOrderID = orderID
	}
}

// reverifyAbsence handles the "In DB only" case of the three-way
// match: a position the bulk get_positions call no longer lists is
// only closed out after an independent, direct get_position call also
// confirms absence.
func (r *Reconciler) reverifyAbsence(ctx context.Context, userID string, gw gateway.Gateway, dbPos *domain.Position) error {
	exPos, res := gw.GetPosition(ctx, dbPos.Symbol)
	if !res.OK {
		dbPos.CheckErrors++
		return r.positions.UpdatePosition(ctx, dbPos)
	}
	if exPos != nil && !exPos.TotalSize.IsZero() {
		r.logEvent(ctx, userID, dbPos.Symbol, &dbPos.ID, domain.CheckTypeDeviations, domain.LogStatusDeferred,
			[]string{"position present on direct get_position despite absence from get_positions"}, nil)
		return nil
	}
	return r.finalizePosition(ctx, userID, gw, dbPos)
}

// closeAtMarket drives the shared verified-close procedure and, on
// success, finalizes the position with reason.
func (r *Reconciler) closeAtMarket(ctx context.Context, userID string, gw gateway.Gateway, dbPos *domain.Position, reason domain.CloseReason) error {
	holdSide := holdSideFor(dbPos.Side)
	marketSide := closer.MarketSideForClose(dbPos.Side)
	ok, _ := closer.ExecuteVerifiedClose(ctx, gw, dbPos.Symbol, holdSide, marketSide)
	if !ok {
		dbPos.CheckErrors++
		dbPos.LastError = "executed verified close did not confirm a quantity drop"
		return r.positions.UpdatePosition(ctx, dbPos)
	}

	slOrders, _ := gw.ListPlanOrders(ctx, dbPos.Symbol, domain.PlanTypeSL)
	tpOrders, _ := gw.ListPlanOrders(ctx, dbPos.Symbol, domain.PlanTypeTP)
	closePrice, _ := r.resolveClosePrice(ctx, gw, dbPos)
	return r.closeOutAndPersist(ctx, userID, gw, dbPos, reason, closePrice, slOrders, tpOrders)
}
