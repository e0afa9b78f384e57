// Package pricing computes stop-loss and take-profit targets for a
// position. Compute is pure and deterministic given its inputs; it
// never calls the network or touches the clock.
package pricing

import (
	"fmt"

	"sentryguard/internal/domain"
	"sentryguard/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// breakeven buffer constants, expressed as fractions of entry price.
var (
	breakevenBufferFlat     = decimal.NewFromFloat(0.0001) // 0.01%
	breakevenBufferFeeAware = decimal.NewFromFloat(0.0012) // 0.12% round-trip taker fee
)

// Request is everything Compute needs to produce a full set of
// targets for one position (new open or a reconciliation recompute).
type Request struct {
	Side     domain.Side
	Entry    decimal.Decimal
	Quantity decimal.Decimal
	ATR      decimal.Decimal
	Snapshot domain.PricingSnapshot

	// EffectiveLeverage is the leverage actually placed with the
	// exchange; it can differ from Snapshot.Leverage after a category
	// cap is re-applied, so it is passed separately.
	EffectiveLeverage int

	// FilledTPSizes holds, per 1-based level, the quantity already
	// executed at that level; a filled level contributes 0 to the
	// redistribution (its TPSize is zero), though Compute still returns
	// a TPPrice for it.
	FilledTPSizes [3]decimal.Decimal

	// BreakevenActive is true once the configured breakeven trigger TP
	// has filled; when true and Snapshot.SLToBreakeven, the SL target
	// is replaced by the breakeven price unless that would regress the
	// SL to a less safe level.
	BreakevenActive bool
	// CurrentSL is the live SL price, used only to enforce the
	// never-regress rule on breakeven override.
	CurrentSL decimal.Decimal
}

// Targets is the full computed output: one SL and up to three TPs
// with their sizes, all rounded and ready to place.
type Targets struct {
	SLPrice decimal.Decimal

	TPPrice [3]decimal.Decimal
	TPSize  [3]decimal.Decimal
	// TPLevels is the number of effective levels after smart
	// redistribution collapsed any levels below min_qty.
	TPLevels int
}

// Compute produces SL/TP targets for req.
func Compute(req Request) (Targets, error) {
	if req.Entry.IsZero() {
		return Targets{}, fmt.Errorf("pricing: entry price is zero")
	}

	snap := req.Snapshot
	t := Targets{}

	sl, err := computeSL(req)
	if err != nil {
		return Targets{}, err
	}
	t.SLPrice = tradingutils.RoundPrice(sl, int(snap.PricePlaces))

	tpPrices, err := computeTPPrices(req)
	if err != nil {
		return Targets{}, err
	}
	for i := 0; i < 3; i++ {
		if tpPrices[i].IsZero() {
			continue
		}
		t.TPPrice[i] = tradingutils.RoundPrice(tpPrices[i], int(snap.PricePlaces))
	}

	sizes, levels := redistributeTPSizes(req.Quantity, req.FilledTPSizes, snap.TPClosePercent, snap.TPLevels, snap.MinQty, snap.VolumePlaces)
	t.TPSize = sizes
	t.TPLevels = levels

	return t, nil
}

func sign(side domain.Side) int64 {
	if side == domain.SideSell {
		return -1
	}
	return 1
}

func computeSL(req Request) (decimal.Decimal, error) {
	snap := req.Snapshot
	s := sign(req.Side)

	var distance decimal.Decimal
	switch snap.SLMethod {
	case domain.SLMethodPercentEntry:
		distance = req.Entry.Mul(snap.SimpleSLPercent).Div(decimal.NewFromInt(100))
	case domain.SLMethodPercentMargin:
		margin := req.Quantity.Mul(req.Entry).Div(decimal.NewFromInt(int64(maxInt(req.EffectiveLeverage, 1))))
		distance = margin.Mul(snap.RRSLPercentMargin).Div(decimal.NewFromInt(100)).Div(req.Quantity)
	case domain.SLMethodATRBased:
		distance = req.ATR.Mul(snap.ATRSLMultiplier)
	case domain.SLMethodFixedUSDT:
		distance = snap.ScalpingMaxLoss.Div(req.Quantity)
	default:
		return decimal.Zero, fmt.Errorf("pricing: unknown sl_method %q", snap.SLMethod)
	}

	if snap.PositionSizingType == domain.SizingScalping {
		effLev := decimal.NewFromInt(int64(maxInt(req.EffectiveLeverage, 1)))
		ratio := snap.ScalpingMaxLoss.Div(snap.ScalpingMaxMargin.Mul(effLev))
		ratio = clamp(ratio, snap.SLPercentMin.Div(decimal.NewFromInt(100)), snap.SLPercentMax.Div(decimal.NewFromInt(100)))
		distance = req.Entry.Mul(ratio)
	}

	slPrice := req.Entry.Sub(distance.Mul(decimal.NewFromInt(s)))

	if snap.SLToBreakeven && req.BreakevenActive {
		buffer := breakevenBufferFlat
		if snap.FeeAwareBreakeven {
			buffer = breakevenBufferFeeAware
		}
		breakeven := req.Entry.Add(req.Entry.Mul(buffer).Mul(decimal.NewFromInt(s)))
		if isSaferSL(req.Side, breakeven, slPrice) {
			slPrice = breakeven
		}
		if !req.CurrentSL.IsZero() && !isSaferSL(req.Side, slPrice, req.CurrentSL) {
			slPrice = req.CurrentSL
		}
	}

	return slPrice, nil
}

// isSaferSL reports whether candidate is at least as protective as
// reference for the given side (higher for longs, lower for shorts).
func isSaferSL(side domain.Side, candidate, reference decimal.Decimal) bool {
	if side == domain.SideSell {
		return candidate.LessThanOrEqual(reference)
	}
	return candidate.GreaterThanOrEqual(reference)
}

func computeTPPrices(req Request) ([3]decimal.Decimal, error) {
	snap := req.Snapshot
	s := decimal.NewFromInt(sign(req.Side))
	var out [3]decimal.Decimal

	for i := 0; i < 3; i++ {
		if i >= snap.TPLevels {
			continue
		}
		switch snap.CalculatorType {
		case domain.CalculatorSimplePercent:
			pct := snap.SimpleTPPercent[i].Div(decimal.NewFromInt(100))
			out[i] = req.Entry.Add(req.Entry.Mul(pct).Mul(s))
		case domain.CalculatorRiskReward:
			sl, err := computeSL(req)
			if err != nil {
				return out, err
			}
			riskDistance := req.Entry.Sub(sl).Abs()
			out[i] = req.Entry.Add(riskDistance.Mul(snap.RRRatio[i]).Mul(s))
		case domain.CalculatorATRBased:
			out[i] = req.Entry.Add(req.ATR.Mul(snap.ATRTPMultiplier[i]).Mul(s))
		default:
			return out, fmt.Errorf("pricing: unknown calculator_type %q", snap.CalculatorType)
		}
	}
	return out, nil
}

// redistributeTPSizes implements the smart-redistribution collapse,
// applied strictly in this order:
//  1. raw proportional 3-way split by configured close percentages;
//  2. if any slice of a 3-way split is below min_qty, TP3's share folds
//     equally into TP1 and TP2 (effective levels = 2);
//  3. if the resulting 2-way split still has an undersized slice, that
//     slice is forced to exactly min_qty and the remainder goes to the
//     other leg;
//  4. if even that is infeasible (the other leg would itself end up
//     below min_qty), collapse to a single TP carrying the whole size.
// A level already filled contributes 0 and is excluded from the split
// entirely; a position with only two (or one) unfilled levels left
// enters this same ladder starting from whichever step its remaining
// level count matches.
func redistributeTPSizes(quantity decimal.Decimal, filled [3]decimal.Decimal, closePercent [3]decimal.Decimal, configuredLevels int, minQty decimal.Decimal, volumePlaces int32) ([3]decimal.Decimal, int) {
	var out [3]decimal.Decimal

	remaining := quantity
	for i := 0; i < 3; i++ {
		remaining = remaining.Sub(filled[i])
	}
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}

	levels := configuredLevels
	if levels > 3 {
		levels = 3
	}
	if levels < 1 {
		levels = 1
	}

	unfilled := make([]int, 0, 3)
	for i := 0; i < levels; i++ {
		if filled[i].IsZero() {
			unfilled = append(unfilled, i)
		}
	}
	if len(unfilled) == 0 {
		return out, levels
	}

	round := func(d decimal.Decimal) decimal.Decimal { return tradingutils.RoundQuantity(d, int(volumePlaces)) }

	sizes := proportionalSplit(remaining, unfilled, closePercent, round)

	// Step 2: a full 3-way split folds TP3 (the highest unfilled level)
	// equally into the remaining two, regardless of which slice (if
	// any) was the one below min_qty — it is always TP3's share that
	// folds, not whichever slice is smallest.
	if len(unfilled) == 3 && anyBelow(sizes, minQty) {
		unfilled, sizes = foldLastEqually(unfilled, sizes, remaining, round)
	}

	// Step 3/4: a 2-way split with an undersized slice is forced to
	// exactly min_qty, remainder to the other leg; if that remainder
	// would itself be undersized, collapse to one TP carrying it all.
	if len(unfilled) == 2 && anyBelow(sizes, minQty) {
		lo, hi := 0, 1
		if sizes[lo].GreaterThan(sizes[hi]) {
			lo, hi = hi, lo
		}
		remainder := round(remaining.Sub(minQty))
		if remainder.GreaterThanOrEqual(minQty) {
			sizes[lo] = minQty
			sizes[hi] = remainder
		} else {
			unfilled = []int{unfilled[hi]}
			sizes = []decimal.Decimal{round(remaining)}
		}
	}

	if len(sizes) == 1 {
		sizes[0] = round(remaining)
	}

	for i, level := range unfilled {
		out[level] = sizes[i]
	}

	return out, len(unfilled)
}

// proportionalSplit allocates remaining across the unfilled levels by
// their configured close-percent weights (equal weights if every
// configured percent is zero), rounding every slice but the last and
// assigning the last whatever keeps the sum exact.
func proportionalSplit(remaining decimal.Decimal, unfilled []int, closePercent [3]decimal.Decimal, round func(decimal.Decimal) decimal.Decimal) []decimal.Decimal {
	weights := make([]decimal.Decimal, len(unfilled))
	weightSum := decimal.Zero
	for idx, level := range unfilled {
		weights[idx] = closePercent[level]
		weightSum = weightSum.Add(weights[idx])
	}
	if weightSum.IsZero() {
		for idx := range weights {
			weights[idx] = decimal.NewFromInt(1)
		}
		weightSum = decimal.NewFromInt(int64(len(weights)))
	}

	sizes := make([]decimal.Decimal, len(unfilled))
	allocated := decimal.Zero
	for idx := range unfilled {
		if idx == len(unfilled)-1 {
			sizes[idx] = round(remaining.Sub(allocated))
			continue
		}
		share := round(remaining.Mul(weights[idx]).Div(weightSum))
		sizes[idx] = share
		allocated = allocated.Add(share)
	}
	return sizes
}

func anyBelow(sizes []decimal.Decimal, minQty decimal.Decimal) bool {
	for _, sz := range sizes {
		if sz.LessThan(minQty) {
			return true
		}
	}
	return false
}

// foldLastEqually drops the highest-indexed (outermost) level and
// splits its share evenly between the two that remain.
func foldLastEqually(unfilled []int, sizes []decimal.Decimal, remaining decimal.Decimal, round func(decimal.Decimal) decimal.Decimal) ([]int, []decimal.Decimal) {
	dropped := sizes[len(sizes)-1]
	unfilled = unfilled[:len(unfilled)-1]
	sizes = sizes[:len(sizes)-1]

	share0 := round(dropped.Div(decimal.NewFromInt(2)))
	sizes[0] = sizes[0].Add(share0)
	sizes[1] = round(remaining.Sub(sizes[0]))
	return unfilled, sizes
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
