package reconciler

import (
	"context"
	"testing"
	"time"

	"sentryguard/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func basePolicy() domain.UserPolicy {
	return domain.UserPolicy{
		SLMethod:           domain.SLMethodPercentEntry,
		SimpleSLPercent:    decimal.NewFromInt(2),
		PositionSizingType: domain.SizingFixedUSDT,

		CalculatorType:   domain.CalculatorSimplePercent,
		SimpleTPPercent:  decimal.NewFromInt(2),
		SimpleTP2Percent: decimal.NewFromInt(4),
		SimpleTP3Percent: decimal.NewFromInt(6),

		TPLevels:        3,
		TP1ClosePercent: decimal.NewFromInt(50),
		TP2ClosePercent: decimal.NewFromInt(30),
		TP3ClosePercent: decimal.NewFromInt(20),

		DefaultLeverage: 5,
	}
}

func baseMeta() domain.ContractMeta {
	return domain.ContractMeta{
		Symbol:       "BTCUSDT",
		PricePlaces:  2,
		VolumePlaces: 3,
		MinQty:       decimal.NewFromFloat(0.001),
	}
}

func TestMatchPositions_ThreeWaySplit(t *testing.T) {
	dbBoth := &domain.Position{Symbol: "BTCUSDT", Side: domain.SideBuy}
	dbOnly := &domain.Position{Symbol: "ETHUSDT", Side: domain.SideBuy}

	exBoth := domain.ExchangePosition{Symbol: "BTCUSDT", HoldSide: domain.HoldSideLong}
	exOnly := domain.ExchangePosition{Symbol: "SOLUSDT", HoldSide: domain.HoldSideLong}

	matched, exchangeOnly, dbOnlyResult := matchPositions([]*domain.Position{dbBoth, dbOnly}, []domain.ExchangePosition{exBoth, exOnly})

	require.Len(t, matched, 1)
	assert.Equal(t, "BTCUSDT", matched[0].db.Symbol)
	require.Len(t, exchangeOnly, 1)
	assert.Equal(t, "SOLUSDT", exchangeOnly[0].Symbol)
	require.Len(t, dbOnlyResult, 1)
	assert.Equal(t, "ETHUSDT", dbOnlyResult[0].Symbol)
}

func TestRunOnce_SkipsWhenLeaseHeldByAnotherInstance(t *testing.T) {
	now := time.Now()
	leases := &fakeLeaseRepo{lease: &domain.MonitorLease{
		LockType:   domain.MonitorLockType,
		InstanceID: "other-instance",
		AcquiredAt: now,
		ExpiresAt:  now.Add(time.Minute),
	}}

	r := New(leases, newFakePositionRepo(), &fakeLogRepo{}, &fakeBanRepo{},
		&fakeUserDirectory{}, &fakePolicyResolver{}, &fakeGatewayFactory{}, &mockLogger{})

	result, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Contains(t, result.Reason, "Another instance")
}

func TestRunOnce_OrphanRecovery_CreatesPosition(t *testing.T) {
	gw := newFakeGateway()
	gw.position = &domain.ExchangePosition{
		Symbol: "BTCUSDT", HoldSide: domain.HoldSideLong,
		TotalSize: decimal.NewFromInt(1), AverageEntry: decimal.NewFromInt(100), Leverage: 5,
	}
	gw.meta["BTCUSDT"] = baseMeta()

	positions := newFakePositionRepo()
	r := New(&fakeLeaseRepo{}, positions, &fakeLogRepo{}, &fakeBanRepo{},
		&fakeUserDirectory{userIDs: []string{"user1"}},
		&fakePolicyResolver{policy: basePolicy()},
		&fakeGatewayFactory{gw: gw}, &mockLogger{})

	result, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Skipped)

	open, err := positions.ListOpenPositions(context.Background(), "user1")
	require.NoError(t, err)
	require.Len(t, open, 1)

	p := open[0]
	assert.Equal(t, "BTCUSDT", p.Symbol)
	assert.True(t, p.Metadata.Recovered)
	assert.NotEmpty(t, p.SLOrderID)
	assert.NotEmpty(t, p.TP1OrderID)
}

func TestFullVerification_PartialCloseTriggersBreakevenRewrite(t *testing.T) {
	snapshot := domain.PricingSnapshot{
		SLMethod:        domain.SLMethodPercentEntry,
		SimpleSLPercent: decimal.NewFromInt(2),

		CalculatorType:  domain.CalculatorSimplePercent,
		SimpleTPPercent: [3]decimal.Decimal{decimal.NewFromInt(2)},

		TPLevels:       1,
		TPClosePercent: [3]decimal.Decimal{decimal.NewFromInt(100)},

		SLToBreakeven:      true,
		BreakevenTriggerTP: 1,

		PricePlaces:  2,
		VolumePlaces: 3,
		MinQty:       decimal.NewFromFloat(0.001),
		Leverage:     5,
	}

	dbPos := &domain.Position{
		ID: 1, UserID: "user1", Symbol: "BTCUSDT", Side: domain.SideBuy,
		EntryPrice: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1), Leverage: 5,
		SLPrice: decimal.NewFromInt(98), SLOrderID: "sl-1",
		TP1Price: decimal.NewFromInt(102), TP1Quantity: decimal.NewFromFloat(0.6), TP1OrderID: "tp1-1",
		Status:    domain.PositionStatusOpen,
		CreatedAt: time.Now().Add(-time.Hour),
		Metadata:  domain.PositionMetadata{SettingsSnapshot: snapshot},
	}

	positions := newFakePositionRepo()
	positions.nextID = 1
	positions.positions[1] = dbPos

	gw := newFakeGateway()
	gw.position = &domain.ExchangePosition{
		Symbol: "BTCUSDT", HoldSide: domain.HoldSideLong,
		TotalSize: decimal.NewFromFloat(0.4), AverageEntry: decimal.NewFromInt(100), Leverage: 5,
	}
	gw.ticker["BTCUSDT"] = domain.Ticker{Symbol: "BTCUSDT", Last: decimal.NewFromInt(101)}
	gw.orders = []domain.ExchangeOrder{
		{OrderID: "sl-1", Symbol: "BTCUSDT", PlanType: domain.PlanTypeSL, TriggerPrice: decimal.NewFromInt(98),
			Size: decimal.NewFromInt(1), TradeSide: domain.TradeSideClose, HoldSide: domain.HoldSideLong, Status: domain.OrderStatusLive},
		{OrderID: "tp1-1", Symbol: "BTCUSDT", PlanType: domain.PlanTypeTP, TriggerPrice: decimal.NewFromInt(102),
			Size: decimal.NewFromFloat(0.6), TradeSide: domain.TradeSideClose, HoldSide: domain.HoldSideLong, Status: domain.OrderStatusLive},
	}

	r := New(&fakeLeaseRepo{}, positions, &fakeLogRepo{}, &fakeBanRepo{},
		&fakeUserDirectory{}, &fakePolicyResolver{}, &fakeGatewayFactory{}, &mockLogger{})

	err := r.fullVerification(context.Background(), "user1", gw, dbPos, domain.ExchangePosition{})
	require.NoError(t, err)

	assert.True(t, dbPos.TP1Filled)
	assert.True(t, dbPos.Quantity.Equal(decimal.NewFromFloat(0.4)))
	assert.NotEqual(t, "sl-1", dbPos.SLOrderID)
	assert.True(t, dbPos.SLPrice.Equal(decimal.NewFromFloat(100.01)), "breakeven sl got %s", dbPos.SLPrice)
	assert.Equal(t, domain.PositionStatusOpen, dbPos.Status)
	assert.Contains(t, gw.cancelled, "sl-1")
}

func TestFullVerification_StaleSLCross_ClosesWithSLHitDelayed(t *testing.T) {
	snapshot := domain.PricingSnapshot{
		SLMethod:        domain.SLMethodPercentEntry,
		SimpleSLPercent: decimal.NewFromInt(2),

		CalculatorType:  domain.CalculatorSimplePercent,
		SimpleTPPercent: [3]decimal.Decimal{decimal.NewFromInt(2)},

		TPLevels:       1,
		TPClosePercent: [3]decimal.Decimal{decimal.NewFromInt(100)},

		PricePlaces:  2,
		VolumePlaces: 3,
		MinQty:       decimal.NewFromFloat(0.001),
		Leverage:     5,
	}

	dbPos := &domain.Position{
		ID: 1, UserID: "user1", Symbol: "BTCUSDT", Side: domain.SideBuy,
		EntryPrice: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1), Leverage: 5,
		SLPrice: decimal.NewFromInt(98), SLOrderID: "stale-sl",
		TP1Price: decimal.NewFromInt(102), TP1Quantity: decimal.NewFromInt(1), TP1OrderID: "tp1-1",
		Status:    domain.PositionStatusOpen,
		CreatedAt: time.Now().Add(-time.Hour),
		Metadata:  domain.PositionMetadata{SettingsSnapshot: snapshot},
	}

	positions := newFakePositionRepo()
	positions.nextID = 1
	positions.positions[1] = dbPos

	gw := newFakeGateway()
	gw.position = &domain.ExchangePosition{
		Symbol: "BTCUSDT", HoldSide: domain.HoldSideLong,
		TotalSize: decimal.NewFromInt(1), AverageEntry: decimal.NewFromInt(100), Leverage: 5,
	}
	// price already crossed the stale SL's expected level before the
	// reconciler could even notice the bracket had gone missing.
	gw.ticker["BTCUSDT"] = domain.Ticker{Symbol: "BTCUSDT", Last: decimal.NewFromInt(90)}
	gw.orders = []domain.ExchangeOrder{
		{OrderID: "tp1-1", Symbol: "BTCUSDT", PlanType: domain.PlanTypeTP, TriggerPrice: decimal.NewFromInt(102),
			Size: decimal.NewFromInt(1), TradeSide: domain.TradeSideClose, HoldSide: domain.HoldSideLong, Status: domain.OrderStatusLive},
	}

	r := New(&fakeLeaseRepo{}, positions, &fakeLogRepo{}, &fakeBanRepo{},
		&fakeUserDirectory{}, &fakePolicyResolver{}, &fakeGatewayFactory{}, &mockLogger{})

	err := r.fullVerification(context.Background(), "user1", gw, dbPos, domain.ExchangePosition{})
	require.NoError(t, err)

	assert.Equal(t, domain.PositionStatusClosed, dbPos.Status)
	assert.Equal(t, domain.CloseReasonSLHitDelayed, dbPos.CloseReason)
	assert.True(t, dbPos.ClosePrice.Equal(decimal.NewFromInt(90)), "close price got %s", dbPos.ClosePrice)
	assert.True(t, dbPos.RealizedPnL.Equal(decimal.NewFromInt(-10)), "realized pnl got %s", dbPos.RealizedPnL)

	stored, err := positions.GetPosition(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, stored.Status)
}

func TestResyncAllowed_CooldownBoundary(t *testing.T) {
	p := &domain.Position{}
	assert.True(t, resyncAllowed(p), "no prior resync must always be allowed")

	justInside := time.Now().Add(-(4*time.Minute + 59*time.Second))
	p.Metadata.LastResyncAt = &justInside
	assert.False(t, resyncAllowed(p))

	justOutside := time.Now().Add(-(5*time.Minute + 1*time.Second))
	p.Metadata.LastResyncAt = &justOutside
	assert.True(t, resyncAllowed(p))
}
