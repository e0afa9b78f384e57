// Package opener opens positions: given a filtered alert and a resolved policy,
// it opens one exchange position end to end — contract metadata,
// leverage, sizing, entry, and bracket placement — and persists the
// result with the settings snapshot reconciliation relies on later.
// Each side effect can be wrapped in a DBOS durable step, so a crash
// mid-open resumes instead of double-placing orders; DBOS wiring is
// optional and the Opener runs the same steps directly when none is
// configured.
package opener

import (
	"context"
	"fmt"
	"time"

	"sentryguard/internal/core"
	"sentryguard/internal/domain"
	"sentryguard/internal/gateway"
	"sentryguard/internal/pricing"
	apperrors "sentryguard/pkg/errors"
	"sentryguard/pkg/telemetry"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/shopspring/decimal"
)

// GatewayFactory resolves the exchange Gateway to use for one user,
// backed by credential decryption behind the scenes.
type GatewayFactory interface {
	ForUser(ctx context.Context, userID string) (gateway.Gateway, error)
}

// PositionRepository persists the opened Position.
type PositionRepository interface {
	SavePosition(ctx context.Context, p *domain.Position) error
}

// BannedSymbolRepository records symbols an opener has given up on
// repairing, per user.
type BannedSymbolRepository interface {
	IsBanned(ctx context.Context, userID, symbol string) (bool, error)
	Ban(ctx context.Context, ban domain.BannedSymbol) error
}

const maxBracketRetries = 2

// Opener places entries and their protective brackets.
type Opener struct {
	gateways  GatewayFactory
	positions PositionRepository
	bans      BannedSymbolRepository
	logger    core.ILogger

	dbosCtx dbos.DBOSContext
}

func New(gateways GatewayFactory, positions PositionRepository, bans BannedSymbolRepository, logger core.ILogger) *Opener {
	return &Opener{
		gateways:  gateways,
		positions: positions,
		bans:      bans,
		logger:    logger.WithField("component", "opener"),
	}
}

// SetDBOS wires a durable workflow context; when unset, Open executes
// its steps directly against ctx instead of through RunAsStep.
func (o *Opener) SetDBOS(ctx dbos.DBOSContext) {
	o.dbosCtx = ctx
}

// Open implements dispatcher.Opener.
func (o *Opener) Open(ctx context.Context, userID string, alert domain.Alert, policy domain.UserPolicy) error {
	if banned, err := o.bans.IsBanned(ctx, userID, alert.Symbol); err == nil && banned {
		return fmt.Errorf("%w: symbol %s banned for user %s", apperrors.ErrInvalidSymbol, alert.Symbol, userID)
	}

	if o.dbosCtx != nil {
		_, err := o.dbosCtx.RunWorkflow(o.dbosCtx, func(wfCtx dbos.DBOSContext, input any) (any, error) {
			in := input.(openInput)
			return nil, o.run(wfCtx, in.UserID, in.Alert, in.Policy)
		}, openInput{UserID: userID, Alert: alert, Policy: policy})
		return err
	}

	return o.run(ctx, userID, alert, policy)
}

type openInput struct {
	UserID string
	Alert  domain.Alert
	Policy domain.UserPolicy
}

func (o *Opener) runStep(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	if dbosCtx, ok := ctx.(dbos.DBOSContext); ok {
		return dbosCtx.RunAsStep(dbosCtx, fn)
	}
	return fn(ctx)
}

func (o *Opener) run(ctx context.Context, userID string, alert domain.Alert, policy domain.UserPolicy) error {
	gw, err := o.gateways.ForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("opener: resolve gateway for %s: %w", userID, err)
	}

	metaAny, err := o.runStep(ctx, func(ctx context.Context) (any, error) {
		meta, res := gw.GetContractMeta(ctx, alert.Symbol)
		if !res.OK {
			return nil, fmt.Errorf("get_contract_meta: %s", res.Message)
		}
		return meta, nil
	})
	if err != nil {
		return err
	}
	meta := metaAny.(domain.ContractMeta)

	holdSide := domain.HoldSideLong
	if alert.Side == domain.SideSell {
		holdSide = domain.HoldSideShort
	}

	leverage := policy.DefaultLeverage
	if policy.UseAlertLeverage && alert.Leverage > 0 {
		leverage = alert.Leverage
	}
	if override, ok := policy.CategorySettings[domain.CategoryForSymbol(alert.Symbol)]; ok && override.Enabled && override.MaxLeverage > 0 && override.MaxLeverage < leverage {
		leverage = override.MaxLeverage
	}

	_, err = o.runStep(ctx, func(ctx context.Context) (any, error) {
		if res := gw.SetLeverage(ctx, alert.Symbol, domain.HoldSideLong, leverage); !res.OK {
			return nil, fmt.Errorf("set_leverage long: %s", res.Message)
		}
		if res := gw.SetLeverage(ctx, alert.Symbol, domain.HoldSideShort, leverage); !res.OK {
			return nil, fmt.Errorf("set_leverage short: %s", res.Message)
		}
		return nil, nil
	})
	if err != nil {
		return err
	}

	size, err := computeSize(ctx, gw, policy, alert.EntryPrice, leverage)
	if err != nil {
		return err
	}
	size = roundQuantity(size, meta.VolumePlaces)
	if size.LessThan(meta.MinQty) {
		return fmt.Errorf("%w: computed size %s below min_qty %s", apperrors.ErrInvalidOrderParameter, size, meta.MinQty)
	}

	snapshot := policy.ToPricingSnapshot(meta)
	targets, err := pricing.Compute(pricing.Request{
		Side:              alert.Side,
		Entry:             alert.EntryPrice,
		Quantity:          size,
		ATR:               alert.ATR,
		Snapshot:          snapshot,
		EffectiveLeverage: leverage,
	})
	if err != nil {
		return fmt.Errorf("opener: compute targets: %w", err)
	}

	marketSide := domain.MarketSideOpenLong
	if alert.Side == domain.SideSell {
		marketSide = domain.MarketSideOpenShort
	}

	orderIDAny, err := o.runStep(ctx, func(ctx context.Context) (any, error) {
		orderID, res := gw.PlaceMarket(ctx, alert.Symbol, marketSide, size, false)
		if !res.OK {
			return nil, fmt.Errorf("place_market entry: %s", res.Message)
		}
		return orderID, nil
	})
	if err != nil {
		return err
	}
	_ = orderIDAny
	executedAt := time.Now()

	m := telemetry.GetGlobalMetrics()
	m.IncOrderPlaced(ctx, alert.Symbol, "entry")
	m.AddVolume(ctx, alert.Symbol, alert.EntryPrice.Mul(size).InexactFloat64())
	if !alert.TVTimestamp.IsZero() {
		m.RecordTickToTrade(ctx, alert.Symbol, float64(executedAt.Sub(alert.TVTimestamp).Milliseconds()))
	}

	position := &domain.Position{
		UserID:      userID,
		Symbol:      alert.Symbol,
		Side:        alert.Side,
		EntryPrice:  alert.EntryPrice,
		Quantity:    size,
		Leverage:    leverage,
		Status:      domain.PositionStatusOpen,
		CreatedAt:   executedAt,
		LastCheckAt: executedAt,
		Metadata:    domain.PositionMetadata{SettingsSnapshot: snapshot},
	}
	alert.ExchangeExecutedAt = &executedAt

	if err := o.placeBracketWithRetry(ctx, gw, alert.Symbol, holdSide, targets, position, userID); err != nil {
		return err
	}

	_, err = o.runStep(ctx, func(ctx context.Context) (any, error) {
		return nil, o.positions.SavePosition(ctx, position)
	})
	return err
}

func (o *Opener) placeBracketWithRetry(ctx context.Context, gw gateway.Gateway, symbol string, holdSide domain.HoldSide, targets pricing.Targets, position *domain.Position, userID string) error {
	var lastErr error
	for attempt := 0; attempt <= maxBracketRetries; attempt++ {
		ops := bracketOps(symbol, holdSide, targets)
		resultsAny, err := o.runStep(ctx, func(ctx context.Context) (any, error) {
			return gw.Batch(ctx, ops), nil
		})
		if err != nil {
			lastErr = err
			continue
		}
		results := resultsAny.([]gateway.BatchResult)

		slFailed := false
		allOK := true
		for _, r := range results {
			if !r.Result.OK {
				allOK = false
				if r.ID == "SL" {
					slFailed = true
				}
				lastErr = fmt.Errorf("bracket leg %s failed: %s", r.ID, r.Result.Message)
				continue
			}
			applyOrderID(position, r.ID, r.OrderID, targets)
			kind := "tp"
			if r.ID == "SL" {
				kind = "sl"
			}
			telemetry.GetGlobalMetrics().IncOrderPlaced(ctx, symbol, kind)
		}
		if allOK {
			return nil
		}
		if attempt == maxBracketRetries {
			if slFailed {
				_, _ = gw.FlashClose(ctx, symbol, holdSide, decimal.Zero)
				_ = o.bans.Ban(ctx, domain.BannedSymbol{
					UserID: userID, Symbol: symbol, Reason: "sl_bracket_placement_failed", BannedAt: time.Now(),
				})
				return fmt.Errorf("opener: sl bracket failed after retries, position emergency-closed: %w", lastErr)
			}
		}
	}
	return lastErr
}

func bracketOps(symbol string, holdSide domain.HoldSide, t pricing.Targets) []gateway.BatchOp {
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

func applyOrderID(p *domain.Position, legID string, orderID string, t pricing.Targets) {
	switch legID {
	case "SL":
		p.SLPrice = t.SLPrice
		p.SLOrderID = orderID
	case "TP1":
		p.TP1Price, p.TP1Quantity, p.TP1OrderID = t.TPPrice[0], t.TPSize[0], orderID
	case "TP2":
		p.TP2Price, p.TP2Quantity, p.TP2OrderID = t.TPPrice[1], t.TPSize[1], orderID
	case "TP3":
		p.TP3Price, p.TP3Quantity, p.TP3OrderID = t.TPPrice[2], t.TPSize[2], orderID
	}
}

func computeSize(ctx context.Context, gw gateway.Gateway, p domain.UserPolicy, entryPrice decimal.Decimal, leverage int) (decimal.Decimal, error) {
	switch p.PositionSizingType {
	case domain.SizingFixedUSDT:
		return p.PositionSizeValue.Div(entryPrice), nil
	case domain.SizingPercent:
		account, res := gw.GetAccount(ctx)
		if !res.OK {
			return decimal.Zero, fmt.Errorf("get_account: %s", res.Message)
		}
		notional := account.AvailableBalance.Mul(p.PositionSizeValue).Div(decimal.NewFromInt(100)).Mul(decimal.NewFromInt(int64(leverage)))
		return notional.Div(entryPrice), nil
	case domain.SizingScalping:
		// Size is derived from the same SL-distance formula the Pricing
		// Engine's scalping override uses, so that placing the
		// resulting SL at that distance actually realizes max_loss_per_trade
		// at entryPrice*size, not an unrelated margin*leverage notional.
		if p.MaxMarginPerTrade.IsZero() {
			return decimal.Zero, fmt.Errorf("%w: max_margin_per_trade is zero", apperrors.ErrInvalidOrderParameter)
		}
		ratio := p.MaxLossPerTrade.Div(p.MaxMarginPerTrade.Mul(decimal.NewFromInt(int64(leverage))))
		ratio = clampRatio(ratio, p.SLPercentMin.Div(decimal.NewFromInt(100)), p.SLPercentMax.Div(decimal.NewFromInt(100)))
		distance := entryPrice.Mul(ratio)
		if distance.IsZero() {
			return decimal.Zero, fmt.Errorf("%w: scalping sl distance resolved to zero", apperrors.ErrInvalidOrderParameter)
		}
		return p.MaxLossPerTrade.Div(distance), nil
	default:
		return decimal.Zero, fmt.Errorf("%w: unknown position_sizing_type %q", apperrors.ErrInvalidOrderParameter, p.PositionSizingType)
	}
}

func roundQuantity(q decimal.Decimal, volumePlaces int32) decimal.Decimal {
	return q.Truncate(volumePlaces)
}

func clampRatio(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
