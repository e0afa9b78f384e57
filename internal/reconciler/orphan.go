package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sentryguard/internal/domain"
	"sentryguard/internal/gateway"
	"sentryguard/internal/pricing"
	"sentryguard/internal/store"
)

// recoverOrphan handles the "Exchange only" case of the three-way
// match: a position the exchange reports but the database has never
// seen, most likely opened by hand or by a process that crashed
// before it could persist. There is no settings snapshot to fall back
// on, so it prices fresh off current policy.
func (r *Reconciler) recoverOrphan(ctx context.Context, userID string, gw gateway.Gateway, exPos domain.ExchangePosition) error {
	symbol := exPos.Symbol
	side := sideForHold(exPos.HoldSide)

	policy, err := r.policies.Resolve(ctx, userID, symbol)
	if err != nil {
		return fmt.Errorf("orphan recovery: resolve policy: %w", err)
	}

	meta, res := gw.GetContractMeta(ctx, symbol)
	if !res.OK {
		return fmt.Errorf("orphan recovery: get_contract_meta: %s", res.Message)
	}

	entry := exPos.AverageEntry
	if entry.IsZero() {
		ticker, tres := gw.GetTicker(ctx, symbol)
		if !tres.OK {
			return fmt.Errorf("orphan recovery: get_ticker fallback: %s", tres.Message)
		}
		entry = ticker.Last
	}

	snapshot := policy.ToPricingSnapshot(meta)
	targets, err := pricing.Compute(pricing.Request{
		Side:              side,
		Entry:             entry,
		Quantity:          exPos.TotalSize,
		Snapshot:          snapshot,
		EffectiveLeverage: exPos.Leverage,
	})
	if err != nil {
		return fmt.Errorf("orphan recovery: compute targets: %w", err)
	}

	slOrders, _ := gw.ListPlanOrders(ctx, symbol, domain.PlanTypeSL)
	tpOrders, _ := gw.ListPlanOrders(ctx, symbol, domain.PlanTypeTP)
	alreadyLive := len(liveOrders(slOrders)) > 0 || len(liveOrders(tpOrders)) > 0

	position := &domain.Position{
		UserID:      userID,
		Symbol:      symbol,
		Side:        side,
		EntryPrice:  entry,
		Quantity:    exPos.TotalSize,
		Leverage:    exPos.Leverage,
		Status:      domain.PositionStatusOpen,
		CreatedAt:   time.Now(),
		LastCheckAt: time.Now(),
		Metadata:    domain.PositionMetadata{SettingsSnapshot: snapshot, Recovered: true},
	}

	var actions []string
	if alreadyLive {
		applyLiveOrderIDs(position, slOrders, tpOrders)
		actions = append(actions, "bracket already live on exchange, adopted existing order ids")
	} else {
		if err := r.placeRecoveryBracket(ctx, gw, symbol, exPos.HoldSide, targets, position); err != nil {
			actions = append(actions, fmt.Sprintf("bracket placement failed: %v", err))
		} else {
			actions = append(actions, "bracket placed for recovered position")
		}
	}

	if err := r.positions.CreatePosition(ctx, position); err != nil {
		if errors.Is(err, store.ErrDuplicatePosition) {
			// Another reconciler pass (or a concurrent opener) won the
			// race to persist this position first; nothing left to do.
			return nil
		}
		return fmt.Errorf("orphan recovery: persist recovered position: %w", err)
	}

	r.logEvent(ctx, userID, symbol, &position.ID, domain.CheckTypeOrphanRecovered, domain.LogStatusRepaired, nil, actions)
	return nil
}

func sideForHold(holdSide domain.HoldSide) domain.Side {
	if holdSide == domain.HoldSideShort {
		return domain.SideSell
	}
	return domain.SideBuy
}

func (r *Reconciler) placeRecoveryBracket(ctx context.Context, gw gateway.Gateway, symbol string, holdSide domain.HoldSide, targets pricing.Targets, position *domain.Position) error {
	ops := recoveryBracketOps(symbol, holdSide, targets)
	results := gw.Batch(ctx, ops)

	var firstErr error
	for _, res := range results {
		if !res.Result.OK {
			if firstErr == nil {
				firstErr = fmt.Errorf("leg %s: %s", res.ID, res.Result.Message)
			}
			continue
		}
		recoveryApplyOrderID(position, res.ID, res.OrderID, targets)
	}
	return firstErr
}

func recoveryBracketOps(symbol string, holdSide domain.HoldSide, t pricing.Targets) []gateway.BatchOp {
	ops := []gateway.BatchOp{
		{ID: "SL", Kind: gateway.BatchOpPlaceBracket, Symbol: symbol, PlanType: domain.PlanTypeSL, HoldSide: holdSide, TriggerPrice: t.SLPrice},
	}
	for i := 0; i < t.TPLevels && i < 3; i++ {
		if t.TPPrice[i].IsZero() {
			continue
		}
		ops = append(ops, gateway.BatchOp{
			ID: fmt.Sprintf("TP%d", i+1), Kind: gateway.BatchOpPlaceBracket, Symbol: symbol,
			PlanType: domain.PlanTypeTP, HoldSide: holdSide, TriggerPrice: t.TPPrice[i], Size: t.TPSize[i],
		})
	}
	return ops
}

func recoveryApplyOrderID(p *domain.Position, legID string, orderID string, t pricing.Targets) {
	switch legID {
	case "SL":
		p.SLPrice, p.SLOrderID = t.SLPrice, orderID
	case "TP1":
		p.TP1Price, p.TP1Quantity, p.TP1OrderID = t.TPPrice[0], t.TPSize[0], orderID
	case "TP2":
		p.TP2Price, p.TP2Quantity, p.TP2OrderID = t.TPPrice[1], t.TPSize[1], orderID
	case "TP3":
		p.TP3Price, p.TP3Quantity, p.TP3OrderID = t.TPPrice[2], t.TPSize[2], orderID
	}
}

func applyLiveOrderIDs(p *domain.Position, slOrders, tpOrders []domain.ExchangeOrder) {
	if live := liveOrders(slOrders); len(live) > 0 {
		p.SLPrice, p.SLOrderID = live[0].TriggerPrice, live[0].OrderID
	}
	for i, o := range liveOrders(tpOrders) {
		if i >= 3 {
			break
		}
		switch i {
		case 0:
			p.TP1Price, p.TP1Quantity, p.TP1OrderID = o.TriggerPrice, o.Size, o.OrderID
		case 1:
			p.TP2Price, p.TP2Quantity, p.TP2OrderID = o.TriggerPrice, o.Size, o.OrderID
		case 2:
			p.TP3Price, p.TP3Quantity, p.TP3OrderID = o.TriggerPrice, o.Size, o.OrderID
		}
	}
}

// cleanupOrphanOrders cancels any live plan order on a symbol touched
// this cycle whose order_id isn't referenced by any still-open
// position for that user — leftovers from a just-finalized position
// or a bracket leg the exchange never reported back cleanly.
func (r *Reconciler) cleanupOrphanOrders(ctx context.Context, userID string, gw gateway.Gateway, dbPositions []*domain.Position) error {
	refreshed, err := r.positions.ListOpenPositions(ctx, userID)
	if err != nil {
		return fmt.Errorf("orphan order cleanup: list open positions: %w", err)
	}

	liveRef := make(map[string]bool)
	for _, p := range refreshed {
		for _, id := range []string{p.SLOrderID, p.TP1OrderID, p.TP2OrderID, p.TP3OrderID} {
			if id != "" {
				liveRef[id] = true
			}
		}
	}

	symbols := touchedSymbols(dbPositions)
	for _, symbol := range symbols {
		slOrders, _ := gw.ListPlanOrders(ctx, symbol, domain.PlanTypeSL)
		tpOrders, _ := gw.ListPlanOrders(ctx, symbol, domain.PlanTypeTP)
		for _, o := range liveOrders(slOrders) {
			if !liveRef[o.OrderID] {
				gw.CancelPlan(ctx, symbol, o.OrderID, domain.PlanTypeSL)
			}
		}
		for _, o := range liveOrders(tpOrders) {
			if !liveRef[o.OrderID] {
				gw.CancelPlan(ctx, symbol, o.OrderID, domain.PlanTypeTP)
			}
		}
	}
	return nil
}

func touchedSymbols(dbPositions []*domain.Position) []string {
	seen := make(map[string]bool, len(dbPositions))
	var out []string
	for _, p := range dbPositions {
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			out = append(out, p.Symbol)
		}
	}
	return out
}
