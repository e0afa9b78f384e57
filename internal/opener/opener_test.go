package opener

import (
	"context"
	"fmt"
	"testing"

	"sentryguard/internal/core"
	"sentryguard/internal/domain"
	"sentryguard/internal/gateway"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Debug(msg string, f ...interface{})               {}
func (nopLogger) Info(msg string, f ...interface{})                {}
func (nopLogger) Warn(msg string, f ...interface{})                {}
func (nopLogger) Error(msg string, f ...interface{})               {}
func (nopLogger) Fatal(msg string, f ...interface{})               {}
func (nopLogger) WithField(k string, v interface{}) core.ILogger   { return nopLogger{} }
func (nopLogger) WithFields(f map[string]interface{}) core.ILogger { return nopLogger{} }

// fakeGateway records what the opener placed; bracket legs whose ID is
// listed in failLegs fail every Batch attempt.
type fakeGateway struct {
	meta domain.ContractMeta

	leverageCalls []domain.HoldSide
	marketOrders  []string
	batchCalls    [][]gateway.BatchOp
	flashClosed   bool
	failLegs      map[string]bool

	nextOrderID int
}

func (g *fakeGateway) GetAccount(ctx context.Context) (domain.Account, gateway.Result) {
	return domain.Account{AvailableBalance: decimal.NewFromInt(1000)}, gateway.Result{OK: true}
}

func (g *fakeGateway) GetPositions(ctx context.Context) ([]domain.ExchangePosition, gateway.Result) {
	return nil, gateway.Result{OK: true}
}

func (g *fakeGateway) GetPosition(ctx context.Context, symbol string) (*domain.ExchangePosition, gateway.Result) {
	return nil, gateway.Result{OK: true}
}

func (g *fakeGateway) GetTicker(ctx context.Context, symbol string) (domain.Ticker, gateway.Result) {
	return domain.Ticker{Symbol: symbol, Last: decimal.NewFromInt(100)}, gateway.Result{OK: true}
}

func (g *fakeGateway) GetContractMeta(ctx context.Context, symbol string) (domain.ContractMeta, gateway.Result) {
	return g.meta, gateway.Result{OK: true}
}

func (g *fakeGateway) PlaceMarket(ctx context.Context, symbol string, side domain.MarketSide, size decimal.Decimal, reduceOnly bool) (string, gateway.Result) {
	g.marketOrders = append(g.marketOrders, fmt.Sprintf("%s:%s:%s", symbol, side, size))
	return g.orderID(), gateway.Result{OK: true}
}

func (g *fakeGateway) PlaceBracket(ctx context.Context, symbol string, planType domain.PlanType, holdSide domain.HoldSide, triggerPrice, size, executePrice decimal.Decimal) (string, gateway.Result) {
	return g.orderID(), gateway.Result{OK: true}
}

func (g *fakeGateway) CancelPlan(ctx context.Context, symbol, orderID string, planType domain.PlanType) gateway.Result {
	return gateway.Result{OK: true}
}

func (g *fakeGateway) ModifyPlan(ctx context.Context, orderID string, triggerPrice decimal.Decimal) gateway.Result {
	return gateway.Result{OK: true}
}

func (g *fakeGateway) FlashClose(ctx context.Context, symbol string, holdSide domain.HoldSide, size decimal.Decimal) (bool, gateway.Result) {
	g.flashClosed = true
	return true, gateway.Result{OK: true}
}

func (g *fakeGateway) ListPlanOrders(ctx context.Context, symbol string, planType domain.PlanType) ([]domain.ExchangeOrder, gateway.Result) {
	return nil, gateway.Result{OK: true}
}

func (g *fakeGateway) GetFillHistory(ctx context.Context, symbol string, from, to int64, limit int) ([]domain.Fill, gateway.Result) {
	return nil, gateway.Result{OK: true}
}

func (g *fakeGateway) GetPositionHistory(ctx context.Context, symbol string, from, to int64, cursor string) ([]domain.ExchangePosition, string, gateway.Result) {
	return nil, "", gateway.Result{OK: true}
}

func (g *fakeGateway) SetLeverage(ctx context.Context, symbol string, holdSide domain.HoldSide, leverage int) gateway.Result {
	g.leverageCalls = append(g.leverageCalls, holdSide)
	return gateway.Result{OK: true}
}

func (g *fakeGateway) Batch(ctx context.Context, ops []gateway.BatchOp) []gateway.BatchResult {
	g.batchCalls = append(g.batchCalls, ops)
	out := make([]gateway.BatchResult, 0, len(ops))
	for _, op := range ops {
		if g.failLegs[op.ID] {
			out = append(out, gateway.BatchResult{ID: op.ID, Result: gateway.Result{Message: "rejected"}})
			continue
		}
		out = append(out, gateway.BatchResult{ID: op.ID, OrderID: g.orderID(), Result: gateway.Result{OK: true}})
	}
	return out
}

func (g *fakeGateway) orderID() string {
	g.nextOrderID++
	return fmt.Sprintf("ord-%d", g.nextOrderID)
}

type fakeGatewayFactory struct{ gw *fakeGateway }

func (f *fakeGatewayFactory) ForUser(ctx context.Context, userID string) (gateway.Gateway, error) {
	return f.gw, nil
}

type fakePositionRepo struct{ saved []*domain.Position }

func (f *fakePositionRepo) SavePosition(ctx context.Context, p *domain.Position) error {
	p.ID = int64(len(f.saved) + 1)
	f.saved = append(f.saved, p)
	return nil
}

type fakeBanRepo struct{ bans []domain.BannedSymbol }

func (f *fakeBanRepo) IsBanned(ctx context.Context, userID, symbol string) (bool, error) {
	for _, b := range f.bans {
		if b.UserID == userID && b.Symbol == symbol {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeBanRepo) Ban(ctx context.Context, ban domain.BannedSymbol) error {
	f.bans = append(f.bans, ban)
	return nil
}

func riskRewardPolicy() domain.UserPolicy {
	return domain.UserPolicy{
		BotActive:          true,
		PositionSizingType: domain.SizingFixedUSDT,
		PositionSizeValue:  decimal.NewFromInt(100),
		SLMethod:           domain.SLMethodPercentEntry,
		SimpleSLPercent:    decimal.NewFromInt(2),
		CalculatorType:     domain.CalculatorRiskReward,
		TP1RRRatio:         decimal.NewFromFloat(1.5),
		TP2RRRatio:         decimal.NewFromFloat(2.5),
		TPLevels:           2,
		TP1ClosePercent:    decimal.NewFromInt(60),
		TP2ClosePercent:    decimal.NewFromInt(40),
		DefaultLeverage:    10,
	}
}

func buyAlert() domain.Alert {
	return domain.Alert{
		Symbol:     "BTCUSDT",
		Side:       domain.SideBuy,
		EntryPrice: decimal.NewFromInt(100),
		SL:         decimal.NewFromInt(98),
		ATR:        decimal.NewFromInt(1),
		Leverage:   10,
	}
}

func TestOpen_PlacesEntryAndBracket(t *testing.T) {
	gw := &fakeGateway{meta: domain.ContractMeta{Symbol: "BTCUSDT", PricePlaces: 2, VolumePlaces: 1, MinQty: decimal.NewFromFloat(0.1)}}
	repo := &fakePositionRepo{}
	bans := &fakeBanRepo{}
	o := New(&fakeGatewayFactory{gw: gw}, repo, bans, nopLogger{})

	err := o.Open(context.Background(), "u1", buyAlert(), riskRewardPolicy())
	require.NoError(t, err)

	// Leverage set on both hold sides, one market entry, one bracket batch.
	assert.ElementsMatch(t, []domain.HoldSide{domain.HoldSideLong, domain.HoldSideShort}, gw.leverageCalls)
	require.Len(t, gw.marketOrders, 1)
	assert.Equal(t, "BTCUSDT:open_long:1", gw.marketOrders[0])
	require.Len(t, gw.batchCalls, 1)
	require.Len(t, gw.batchCalls[0], 3) // SL + TP1 + TP2

	require.Len(t, repo.saved, 1)
	p := repo.saved[0]
	assert.True(t, p.SLPrice.Equal(decimal.NewFromInt(98)), "sl got %s", p.SLPrice)
	assert.True(t, p.TP1Price.Equal(decimal.NewFromInt(103)), "tp1 got %s", p.TP1Price)
	assert.True(t, p.TP2Price.Equal(decimal.NewFromInt(105)), "tp2 got %s", p.TP2Price)
	assert.True(t, p.TP1Quantity.Equal(decimal.NewFromFloat(0.6)), "tp1 size got %s", p.TP1Quantity)
	assert.True(t, p.TP2Quantity.Equal(decimal.NewFromFloat(0.4)), "tp2 size got %s", p.TP2Quantity)
	assert.NotEmpty(t, p.SLOrderID)
	assert.NotEmpty(t, p.TP1OrderID)
	assert.NotEmpty(t, p.TP2OrderID)

	// The open-time snapshot drives every later recompute.
	snap := p.Metadata.SettingsSnapshot
	assert.Equal(t, domain.CalculatorRiskReward, snap.CalculatorType)
	assert.Equal(t, 2, snap.TPLevels)
	assert.True(t, snap.MinQty.Equal(decimal.NewFromFloat(0.1)))
}

func TestOpen_SLFailureEmergencyClosesAndBans(t *testing.T) {
	gw := &fakeGateway{
		meta:     domain.ContractMeta{Symbol: "BTCUSDT", PricePlaces: 2, VolumePlaces: 1, MinQty: decimal.NewFromFloat(0.1)},
		failLegs: map[string]bool{"SL": true},
	}
	repo := &fakePositionRepo{}
	bans := &fakeBanRepo{}
	o := New(&fakeGatewayFactory{gw: gw}, repo, bans, nopLogger{})

	err := o.Open(context.Background(), "u1", buyAlert(), riskRewardPolicy())
	require.Error(t, err)

	assert.True(t, gw.flashClosed, "a position whose SL cannot be placed must not be left naked")
	require.Len(t, bans.bans, 1)
	assert.Equal(t, "BTCUSDT", bans.bans[0].Symbol)
	assert.Len(t, gw.batchCalls, 3, "initial attempt plus two retries")
	assert.Empty(t, repo.saved)
}

func TestOpen_BannedSymbolRejected(t *testing.T) {
	gw := &fakeGateway{meta: domain.ContractMeta{Symbol: "BTCUSDT", PricePlaces: 2, VolumePlaces: 1, MinQty: decimal.NewFromFloat(0.1)}}
	bans := &fakeBanRepo{bans: []domain.BannedSymbol{{UserID: "u1", Symbol: "BTCUSDT"}}}
	o := New(&fakeGatewayFactory{gw: gw}, &fakePositionRepo{}, bans, nopLogger{})

	err := o.Open(context.Background(), "u1", buyAlert(), riskRewardPolicy())
	require.Error(t, err)
	assert.Empty(t, gw.marketOrders)
}
