package reconciler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"sentryguard/internal/domain"
	"sentryguard/internal/gateway"
	"sentryguard/internal/pricing"

	"github.com/shopspring/decimal"
)

// driftResult is the outcome of the selective-resync
// check: which legs, if any, failed their tolerance comparison.
type driftResult struct {
	slDrift bool
	tpDrift [3]bool
}

func (d driftResult) needsResync() bool {
	if d.slDrift {
		return true
	}
	for _, v := range d.tpDrift {
		if v {
			return true
		}
	}
	return false
}

// expectedTargets recomputes SL/TP targets from the position's
// own settings snapshot and current (possibly partial-close-reduced)
// quantity, rounded to exchange precision inside Compute so the
// comparison in checkDrift never false-positives on rounding noise.
func (r *Reconciler) expectedTargets(dbPos *domain.Position) (pricing.Targets, error) {
	return pricing.Compute(pricing.Request{
		Side:              dbPos.Side,
		Entry:             dbPos.EntryPrice,
		Quantity:          dbPos.Quantity,
		Snapshot:          dbPos.Metadata.SettingsSnapshot,
		EffectiveLeverage: dbPos.Leverage,
		FilledTPSizes:     filledTPSizes(dbPos),
		BreakevenActive:   dbPos.TPFilled(dbPos.Metadata.SettingsSnapshot.BreakevenTriggerTP),
		CurrentSL:         dbPos.SLPrice,
	})
}

// checkDrift is step f. If every order_id the DB recorded is still
// live on the exchange, resync is skipped outright regardless of any
// price/size tolerance nits (the order book is the ground truth, not
// our recomputation).
func checkDrift(dbPos *domain.Position, expected pricing.Targets, slOrders, tpOrders []domain.ExchangeOrder) driftResult {
	if allOrderIDsLive(dbPos, slOrders, tpOrders) {
		return driftResult{}
	}

	var d driftResult

	if len(liveOrders(slOrders)) != 1 {
		d.slDrift = true
	} else {
		live := liveOrders(slOrders)[0]
		tol := priceTolerance
		snap := dbPos.Metadata.SettingsSnapshot
		if snap.SLToBreakeven && dbPos.TPFilled(snap.BreakevenTriggerTP) {
			tol = breakevenTolerance
		}
		if !withinTolerance(live.TriggerPrice, expected.SLPrice, tol) {
			d.slDrift = true
		}
	}

	liveTP := liveOrders(tpOrders)
	if len(liveTP) != expected.TPLevels {
		for i := 0; i < 3; i++ {
			if !expected.TPPrice[i].IsZero() {
				d.tpDrift[i] = true
			}
		}
		return d
	}
	for level := 1; level <= 3; level++ {
		if expected.TPPrice[level-1].IsZero() {
			continue
		}
		order, found := findOrder(tpOrders, dbPos.TPOrderID(level))
		if !found {
			d.tpDrift[level-1] = true
			continue
		}
		if !withinTolerance(order.TriggerPrice, expected.TPPrice[level-1], priceTolerance) ||
			!withinTolerance(order.Size, expected.TPSize[level-1], sizeTolerance) {
			d.tpDrift[level-1] = true
		}
	}
	return d
}

func allOrderIDsLive(dbPos *domain.Position, slOrders, tpOrders []domain.ExchangeOrder) bool {
	if dbPos.SLOrderID == "" {
		return false
	}
	if _, ok := findOrder(slOrders, dbPos.SLOrderID); !ok {
		return false
	}
	for level := 1; level <= 3; level++ {
		if dbPos.TPPrice(level).IsZero() || dbPos.TPFilled(level) {
			continue
		}
		id := dbPos.TPOrderID(level)
		if id == "" {
			return false
		}
		if _, ok := findOrder(tpOrders, id); !ok {
			return false
		}
	}
	return true
}

func findOrder(orders []domain.ExchangeOrder, orderID string) (domain.ExchangeOrder, bool) {
	if orderID == "" {
		return domain.ExchangeOrder{}, false
	}
	for _, o := range orders {
		if o.OrderID == orderID && o.Status == domain.OrderStatusLive {
			return o, true
		}
	}
	return domain.ExchangeOrder{}, false
}

func liveOrders(orders []domain.ExchangeOrder) []domain.ExchangeOrder {
	out := make([]domain.ExchangeOrder, 0, len(orders))
	for _, o := range orders {
		if o.Status == domain.OrderStatusLive {
			out = append(out, o)
		}
	}
	return out
}

// preResyncSafety is step g: cross-check fill history for legs the
// drift check flagged as entirely missing (an execution we simply
// hadn't recorded yet), re-fetch live quantity to catch the
// closed-before-resync case, and corroborate against a fresh order
// read in case the original listing was stale.
func (r *Reconciler) preResyncSafety(ctx context.Context, userID string, gw gateway.Gateway, dbPos *domain.Position, drift driftResult) (driftResult, bool, error) {
	exPos, res := gw.GetPosition(ctx, dbPos.Symbol)
	if res.OK && (exPos == nil || exPos.TotalSize.IsZero()) {
		return drift, false, r.finalizeClosedBeforeResync(ctx, userID, gw, dbPos)
	}

	from := dbPos.CreatedAt.UnixMilli()
	to := time.Now().UnixMilli()
	if fills, fres := gw.GetFillHistory(ctx, dbPos.Symbol, from, to, 200); fres.OK {
		for level := 1; level <= 3; level++ {
			if !drift.tpDrift[level-1] || dbPos.TPFilled(level) || dbPos.TPPrice(level).IsZero() {
				continue
			}
			if fillMatchesTP(fills, dbPos.TPOrderID(level), positionTPQuantity(dbPos, level)) {
				markTPFilled(dbPos, level)
				drift.tpDrift[level-1] = false
			}
		}
	}

	slOrders, _ := gw.ListPlanOrders(ctx, dbPos.Symbol, domain.PlanTypeSL)
	tpOrders, _ := gw.ListPlanOrders(ctx, dbPos.Symbol, domain.PlanTypeTP)
	if drift.slDrift {
		if _, ok := findOrder(slOrders, dbPos.SLOrderID); ok {
			drift.slDrift = false
		}
	}
	for level := 1; level <= 3; level++ {
		if !drift.tpDrift[level-1] {
			continue
		}
		if _, ok := findOrder(tpOrders, dbPos.TPOrderID(level)); ok {
			drift.tpDrift[level-1] = false
		}
	}

	return drift, drift.needsResync(), nil
}

func fillMatchesTP(fills []domain.Fill, orderID string, size decimal.Decimal) bool {
	for _, f := range fills {
		if f.TradeSide != domain.TradeSideClose {
			continue
		}
		if orderID != "" && f.OrderID == orderID {
			return true
		}
		if !size.IsZero() && withinTolerance(f.Size, size, partialCloseTPTol) {
			return true
		}
	}
	return false
}

// resyncAllowed is step h's cooldown gate; the "resync_count >= 3"
// branch still allows one more attempt, it just logs at manual-review
// severity, so that check lives in persistResync rather than here.
func resyncAllowed(dbPos *domain.Position) bool {
	if dbPos.Metadata.LastResyncAt != nil && time.Since(*dbPos.Metadata.LastResyncAt) < resyncCooldown {
		return false
	}
	return true
}

// executeResync is step i: cancel and repair each drifted leg.
func (r *Reconciler) executeResync(ctx context.Context, userID string, gw gateway.Gateway, dbPos *domain.Position, expected pricing.Targets, drift driftResult, markPrice decimal.Decimal) error {
	holdSide := holdSideFor(dbPos.Side)
	var actions []string

	if drift.slDrift {
		if err := r.resyncSL(ctx, userID, gw, holdSide, dbPos, expected, markPrice); err != nil {
			actions = append(actions, "sl resync failed: "+err.Error())
		} else if dbPos.Status == domain.PositionStatusClosed {
			return nil // sl_hit_delayed already finalized and logged the whole position.
		} else {
			actions = append(actions, "sl resynced")
		}
	}

	var batchOps []gateway.BatchOp
	for level := 1; level <= 3; level++ {
		if !drift.tpDrift[level-1] {
			continue
		}
		expPrice := expected.TPPrice[level-1]
		if expPrice.IsZero() {
			continue
		}
		if oldID := dbPos.TPOrderID(level); oldID != "" {
			gw.CancelPlan(ctx, dbPos.Symbol, oldID, domain.PlanTypeTP)
		}
		if tpCrossed(dbPos.Side, markPrice, expPrice) {
			size := positionTPQuantity(dbPos, level)
			if size.IsZero() {
				size = expected.TPSize[level-1]
			}
			marketSide := closeMarketSide(dbPos.Side)
			if _, res := gw.PlaceMarket(ctx, dbPos.Symbol, marketSide, size, true); res.OK {
				markTPFilled(dbPos, level)
				actions = append(actions, fmt.Sprintf("tp%d closed at market, price had already crossed", level))
			} else {
				actions = append(actions, fmt.Sprintf("tp%d market close failed: %s", level, res.Message))
			}
			continue
		}
		batchOps = append(batchOps, gateway.BatchOp{
			ID: fmt.Sprintf("TP%d", level), Kind: gateway.BatchOpPlaceBracket, Symbol: dbPos.Symbol,
			PlanType: domain.PlanTypeTP, HoldSide: holdSide, TriggerPrice: expPrice, Size: expected.TPSize[level-1],
		})
	}

	if len(batchOps) > 0 {
		for _, res := range gw.Batch(ctx, batchOps) {
			level := tpLevelFromBatchID(res.ID)
			if level == 0 {
				continue
			}
			if res.Result.OK {
				applyResyncedTP(dbPos, level, expected, res.OrderID)
				actions = append(actions, fmt.Sprintf("tp%d replaced", level))
			} else {
				actions = append(actions, fmt.Sprintf("tp%d resync failed: %s", level, res.Result.Message))
			}
		}
	}

	return r.persistResync(ctx, userID, dbPos, actions)
}

// resyncSL cancels the stale SL and either replaces it or, if price
// already passed the new SL level, closes the whole position with
// reason sl_hit_delayed instead of placing an unreachable trigger.
func (r *Reconciler) resyncSL(ctx context.Context, userID string, gw gateway.Gateway, holdSide domain.HoldSide, dbPos *domain.Position, expected pricing.Targets, markPrice decimal.Decimal) error {
	if dbPos.SLOrderID != "" {
		gw.CancelPlan(ctx, dbPos.Symbol, dbPos.SLOrderID, domain.PlanTypeSL)
	}
	if slCrossed(dbPos.Side, markPrice, expected.SLPrice) {
		return r.closeAtMarket(ctx, userID, gw, dbPos, domain.CloseReasonSLHitDelayed)
	}
	orderID, res := gw.PlaceBracket(ctx, dbPos.Symbol, domain.PlanTypeSL, holdSide, expected.SLPrice, dbPos.Quantity, decimal.Zero)
	if !res.OK {
		return fmt.Errorf("place_bracket sl: %s", res.Message)
	}
	dbPos.SLPrice = expected.SLPrice
	dbPos.SLOrderID = orderID
	return nil
}

func tpCrossed(side domain.Side, markPrice, tpPrice decimal.Decimal) bool {
	if side == domain.SideSell {
		return markPrice.LessThanOrEqual(tpPrice)
	}
	return markPrice.GreaterThanOrEqual(tpPrice)
}

func slCrossed(side domain.Side, markPrice, slPrice decimal.Decimal) bool {
	if side == domain.SideSell {
		return markPrice.GreaterThanOrEqual(slPrice)
	}
	return markPrice.LessThanOrEqual(slPrice)
}

func closeMarketSide(side domain.Side) domain.MarketSide {
	if side == domain.SideSell {
		return domain.MarketSideCloseShort
	}
	return domain.MarketSideCloseLong
}

func applyResyncedTP(p *domain.Position, level int, t pricing.Targets, orderID string) {
	switch level {
	case 1:
		p.TP1Price, p.TP1Quantity, p.TP1OrderID = t.TPPrice[0], t.TPSize[0], orderID
	case 2:
		p.TP2Price, p.TP2Quantity, p.TP2OrderID = t.TPPrice[1], t.TPSize[1], orderID
	case 3:
		p.TP3Price, p.TP3Quantity, p.TP3OrderID = t.TPPrice[2], t.TPSize[2], orderID
	}
}

func tpLevelFromBatchID(id string) int {
	if len(id) != 3 || id[:2] != "TP" {
		return 0
	}
	level, err := strconv.Atoi(id[2:])
	if err != nil {
		return 0
	}
	return level
}

// persistResync writes the repaired position and bumps the resync
// bookkeeping fields; resync_count reaching the manual-review
// threshold still lets this attempt through, it only escalates the
// audit-log severity.
func (r *Reconciler) persistResync(ctx context.Context, userID string, dbPos *domain.Position, actions []string) error {
	now := time.Now()
	dbPos.Metadata.LastResyncAt = &now
	dbPos.Metadata.ResyncCount++
	if err := r.positions.UpdatePosition(ctx, dbPos); err != nil {
		return fmt.Errorf("persist resync for position %d: %w", dbPos.ID, err)
	}

	status := domain.LogStatusRepaired
	if dbPos.Metadata.ResyncCount >= maxResyncCount {
		status = domain.LogStatusManualReview
	}
	r.logEvent(ctx, userID, dbPos.Symbol, &dbPos.ID, domain.CheckTypeSelectiveResync, status, nil, actions)
	return nil
}
