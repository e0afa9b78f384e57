package domain

import "github.com/shopspring/decimal"

// PositionSizingType selects how the opener computes the entry size.
type PositionSizingType string

const (
	SizingFixedUSDT PositionSizingType = "fixed_usdt"
	SizingPercent   PositionSizingType = "percent"
	SizingScalping  PositionSizingType = "scalping_mode"
)

// SLMethod selects the stop-loss pricing branch.
type SLMethod string

const (
	SLMethodPercentMargin SLMethod = "percent_margin"
	SLMethodPercentEntry  SLMethod = "percent_entry"
	SLMethodFixedUSDT     SLMethod = "fixed_usdt"
	SLMethodATRBased      SLMethod = "atr_based"
)

// CalculatorType selects the take-profit pricing branch.
type CalculatorType string

const (
	CalculatorSimplePercent CalculatorType = "simple_percent"
	CalculatorRiskReward    CalculatorType = "risk_reward"
	CalculatorATRBased      CalculatorType = "atr_based"
)

// TPStrategy is the staged take-profit behavior.
type TPStrategy string

const (
	TPStrategyPartialClose  TPStrategy = "partial_close"
	TPStrategyMainTPOnly    TPStrategy = "main_tp_only"
	TPStrategyTrailingStop  TPStrategy = "trailing_stop"
)

// SymbolCategory groups symbols for the category override layer.
type SymbolCategory string

const (
	CategoryBTCETH   SymbolCategory = "BTC_ETH"
	CategoryMajor    SymbolCategory = "MAJOR"
	CategoryAltcoin  SymbolCategory = "ALTCOIN"
)

// DuplicateAlertHandling governs same-cycle duplicate (user, symbol)
// signals.
type DuplicateAlertHandling string

const (
	DuplicateAlertIgnore  DuplicateAlertHandling = "ignore"
	DuplicateAlertReplace DuplicateAlertHandling = "replace"
	DuplicateAlertAllow   DuplicateAlertHandling = "allow"
)

// TimeRange is a wall-clock window in the user's timezone; ranges that
// cross midnight (End < Start) are permitted.
type TimeRange struct {
	Start string // "HH:MM"
	End   string // "HH:MM"
}

// CategoryOverride narrows leverage (never widens it) for symbols in
// one of the three SymbolCategory buckets, when Enabled.
type CategoryOverride struct {
	Enabled     bool
	MaxLeverage int
}

// UserPolicy is the effective, resolved configuration consumed by the
// pricing engine, dispatcher, opener, and reconciler: the flat merge
// of defaults, user record, admin-copy fields, and symbol-category
// override. Downstream code never sees which layer a field came from.
type UserPolicy struct {
	BotActive bool

	PositionSizingType PositionSizingType
	PositionSizeValue  decimal.Decimal

	MaxMarginPerTrade decimal.Decimal
	MaxLossPerTrade   decimal.Decimal
	SLPercentMin      decimal.Decimal
	SLPercentMax      decimal.Decimal

	CalculatorType CalculatorType
	SLMethod       SLMethod

	SimpleSLPercent  decimal.Decimal
	SimpleTPPercent  decimal.Decimal
	SimpleTP2Percent decimal.Decimal
	SimpleTP3Percent decimal.Decimal

	RRRatio           decimal.Decimal
	RRSLPercentMargin decimal.Decimal
	TP1RRRatio        decimal.Decimal
	TP2RRRatio        decimal.Decimal
	TP3RRRatio        decimal.Decimal

	ATRSLMultiplier  decimal.Decimal
	ATRTPMultiplier  decimal.Decimal
	ATRTP2Multiplier decimal.Decimal
	ATRTP3Multiplier decimal.Decimal

	TPStrategy       TPStrategy
	TPLevels         int
	TP1ClosePercent  decimal.Decimal
	TP2ClosePercent  decimal.Decimal
	TP3ClosePercent  decimal.Decimal

	SLToBreakeven      bool
	BreakevenTriggerTP int

	TrailingStop            bool
	TrailingStopTriggerTP   int
	TrailingStopDistance    decimal.Decimal

	MaxOpenPositions int
	DailyLossLimit   decimal.Decimal
	DailyLossPercent decimal.Decimal
	LossLimitType    string

	DefaultLeverage        int
	UseAlertLeverage       bool
	UseMaxLeverageGlobal   bool
	SymbolLeverageOverrides map[string]int

	FilterByTier              bool
	AllowedTiers               []string
	ExcludedTiers              []string
	AlertStrengthThreshold     decimal.Decimal
	MinSignalStrengthEnabled   bool
	MinSignalStrengthThreshold decimal.Decimal

	DuplicateAlertHandling        DuplicateAlertHandling
	RequireProfitForSameDirection bool
	PnLThresholdPercent           decimal.Decimal

	TakerFeeRate             decimal.Decimal
	IncludeFeesInCalculations bool
	MinProfitableTPPercent    decimal.Decimal
	FeeAwareBreakeven         bool

	IndicatorVersionFilter  []string
	SessionFilteringEnabled bool
	AllowedSessions         []string
	ExcludedSessions        []string
	TimeFilteringEnabled    bool
	ActiveTimeRanges        []TimeRange
	UserTimezone            string

	CategorySettings map[SymbolCategory]CategoryOverride
}

// ToPricingSnapshot extracts the pricing-relevant fields frozen onto a
// Position at open time.
func (p UserPolicy) ToPricingSnapshot(meta ContractMeta) PricingSnapshot {
	return PricingSnapshot{
		SLMethod:           p.SLMethod,
		SimpleSLPercent:    p.SimpleSLPercent,
		RRSLPercentMargin:  p.RRSLPercentMargin,
		ATRSLMultiplier:    p.ATRSLMultiplier,
		ScalpingMaxMargin:  p.MaxMarginPerTrade,
		ScalpingMaxLoss:    p.MaxLossPerTrade,
		SLPercentMin:       p.SLPercentMin,
		SLPercentMax:       p.SLPercentMax,
		PositionSizingType: p.PositionSizingType,

		CalculatorType: p.CalculatorType,
		SimpleTPPercent: [3]decimal.Decimal{p.SimpleTPPercent, p.SimpleTP2Percent, p.SimpleTP3Percent},
		RRRatio:         [3]decimal.Decimal{p.TP1RRRatio, p.TP2RRRatio, p.TP3RRRatio},
		ATRTPMultiplier: [3]decimal.Decimal{p.ATRTPMultiplier, p.ATRTP2Multiplier, p.ATRTP3Multiplier},

		TPLevels:       p.TPLevels,
		TPClosePercent: [3]decimal.Decimal{p.TP1ClosePercent, p.TP2ClosePercent, p.TP3ClosePercent},

		SLToBreakeven:      p.SLToBreakeven,
		BreakevenTriggerTP: p.BreakevenTriggerTP,
		FeeAwareBreakeven:  p.FeeAwareBreakeven,
		TakerFeeRate:       p.TakerFeeRate,

		PricePlaces:  meta.PricePlaces,
		VolumePlaces: meta.VolumePlaces,
		MinQty:       meta.MinQty,

		Leverage: p.DefaultLeverage,
	}
}

// CategoryForSymbol computes the SymbolCategory from symbol identity.
func CategoryForSymbol(symbol string) SymbolCategory {
	switch {
	case hasBase(symbol, "BTC") || hasBase(symbol, "ETH"):
		return CategoryBTCETH
	case hasBase(symbol, "BNB") || hasBase(symbol, "SOL") || hasBase(symbol, "XRP") ||
		hasBase(symbol, "ADA") || hasBase(symbol, "DOGE") || hasBase(symbol, "TRX") ||
		hasBase(symbol, "AVAX") || hasBase(symbol, "LINK") || hasBase(symbol, "DOT"):
		return CategoryMajor
	default:
		return CategoryAltcoin
	}
}

func hasBase(symbol, base string) bool {
	return len(symbol) >= len(base) && symbol[:len(base)] == base
}
