package pricing

import (
	"testing"

	"sentryguard/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseSnapshot() domain.PricingSnapshot {
	return domain.PricingSnapshot{
		SLMethod:           domain.SLMethodPercentEntry,
		SimpleSLPercent:    decimal.NewFromInt(2),
		PositionSizingType: domain.SizingFixedUSDT,

		CalculatorType:  domain.CalculatorSimplePercent,
		SimpleTPPercent: [3]decimal.Decimal{decimal.NewFromInt(2), decimal.NewFromInt(4), decimal.NewFromInt(6)},

		TPLevels:       3,
		TPClosePercent: [3]decimal.Decimal{decimal.NewFromInt(50), decimal.NewFromInt(30), decimal.NewFromInt(20)},

		PricePlaces:  2,
		VolumePlaces: 3,
		MinQty:       decimal.NewFromFloat(0.001),
	}
}

func TestCompute_PercentEntrySLAndSimpleTP_Long(t *testing.T) {
	req := Request{
		Side:              domain.SideBuy,
		Entry:             decimal.NewFromInt(100),
		Quantity:          decimal.NewFromInt(1),
		Snapshot:          baseSnapshot(),
		EffectiveLeverage: 5,
	}
	targets, err := Compute(req)
	require.NoError(t, err)

	assert.True(t, targets.SLPrice.Equal(decimal.NewFromInt(98)), "sl got %s", targets.SLPrice)
	assert.True(t, targets.TPPrice[0].Equal(decimal.NewFromInt(102)))
	assert.True(t, targets.TPPrice[1].Equal(decimal.NewFromInt(104)))
	assert.True(t, targets.TPPrice[2].Equal(decimal.NewFromInt(106)))
}

func TestCompute_PercentEntrySL_Short(t *testing.T) {
	req := Request{
		Side:              domain.SideSell,
		Entry:             decimal.NewFromInt(100),
		Quantity:          decimal.NewFromInt(1),
		Snapshot:          baseSnapshot(),
		EffectiveLeverage: 5,
	}
	targets, err := Compute(req)
	require.NoError(t, err)
	assert.True(t, targets.SLPrice.Equal(decimal.NewFromInt(102)))
	assert.True(t, targets.TPPrice[0].Equal(decimal.NewFromInt(98)))
}

func TestCompute_TPSizesSumToQuantity(t *testing.T) {
	req := Request{
		Side:              domain.SideBuy,
		Entry:             decimal.NewFromInt(100),
		Quantity:          decimal.NewFromInt(1),
		Snapshot:          baseSnapshot(),
		EffectiveLeverage: 5,
	}
	targets, err := Compute(req)
	require.NoError(t, err)

	sum := targets.TPSize[0].Add(targets.TPSize[1]).Add(targets.TPSize[2])
	assert.True(t, sum.Equal(decimal.NewFromInt(1)), "sum got %s", sum)
}

func TestCompute_CollapsesBelowMinQty(t *testing.T) {
	snap := baseSnapshot()
	snap.MinQty = decimal.NewFromFloat(0.5)
	req := Request{
		Side:              domain.SideBuy,
		Entry:             decimal.NewFromInt(100),
		Quantity:          decimal.NewFromFloat(1),
		Snapshot:          snap,
		EffectiveLeverage: 5,
	}
	targets, err := Compute(req)
	require.NoError(t, err)

	assert.LessOrEqual(t, targets.TPLevels, 2)
	for _, sz := range targets.TPSize {
		if sz.IsZero() {
			continue
		}
		assert.True(t, sz.GreaterThanOrEqual(snap.MinQty) || targets.TPLevels == 1, "size %s below min_qty", sz)
	}
}

func TestCompute_FilledTPExcludedFromRedistribution(t *testing.T) {
	req := Request{
		Side:     domain.SideBuy,
		Entry:    decimal.NewFromInt(100),
		Quantity: decimal.NewFromInt(1),
		Snapshot: baseSnapshot(),
		FilledTPSizes: [3]decimal.Decimal{decimal.NewFromFloat(0.5), decimal.Zero, decimal.Zero},
		EffectiveLeverage: 5,
	}
	targets, err := Compute(req)
	require.NoError(t, err)

	assert.True(t, targets.TPSize[0].IsZero())
	sum := targets.TPSize[1].Add(targets.TPSize[2])
	assert.True(t, sum.Equal(decimal.NewFromFloat(0.5)), "sum got %s", sum)
}

func TestCompute_BreakevenNeverRegresses(t *testing.T) {
	snap := baseSnapshot()
	snap.SLToBreakeven = true
	snap.BreakevenTriggerTP = 1

	req := Request{
		Side:            domain.SideBuy,
		Entry:           decimal.NewFromInt(100),
		Quantity:        decimal.NewFromInt(1),
		Snapshot:        snap,
		BreakevenActive: true,
		CurrentSL:       decimal.NewFromInt(99), // already safer than breakeven
		EffectiveLeverage: 5,
	}
	targets, err := Compute(req)
	require.NoError(t, err)
	assert.True(t, targets.SLPrice.Equal(decimal.NewFromInt(99)))
}

func TestCompute_RiskReward(t *testing.T) {
	snap := baseSnapshot()
	snap.CalculatorType = domain.CalculatorRiskReward
	snap.RRRatio = [3]decimal.Decimal{decimal.NewFromInt(1), decimal.NewFromInt(2), decimal.NewFromInt(3)}

	req := Request{
		Side:              domain.SideBuy,
		Entry:             decimal.NewFromInt(100),
		Quantity:          decimal.NewFromInt(1),
		Snapshot:          snap,
		EffectiveLeverage: 5,
	}
	targets, err := Compute(req)
	require.NoError(t, err)

	// risk = |entry - sl| = 2; tp1 = entry + risk*1 = 102
	assert.True(t, targets.TPPrice[0].Equal(decimal.NewFromInt(102)))
	assert.True(t, targets.TPPrice[1].Equal(decimal.NewFromInt(104)))
	assert.True(t, targets.TPPrice[2].Equal(decimal.NewFromInt(106)))
}
