// Package policy assembles the effective per-user trading
// configuration by layering hard-coded defaults, the user's own
// settings row, the admin's settings row (for fields the user has
// opted to mirror), and a per-symbol-category leverage override.
// The layering order and the "category override only narrows
// leverage" rule follow the reference config package's own
// Validate()/field-aggregation style (internal/config/config.go).
package policy

import (
	"context"
	"fmt"

	"sentryguard/internal/domain"

	"github.com/shopspring/decimal"
)

// GroupMode selects, per field group, whether a user mirrors the
// admin's settings ("copy_admin") or keeps its own ("custom").
type GroupMode string

const (
	ModeCustom     GroupMode = "custom"
	ModeCopyAdmin  GroupMode = "copy_admin"
)

// GroupModes is the user's per-group mirroring selection. Three field
// groups can be mirrored independently: money (sizing/risk
// limits), sl_tp (stop-loss/take-profit method and parameters), and
// tier (signal filtering).
type GroupModes struct {
	Money GroupMode
	SLTP  GroupMode
	Tier  GroupMode
}

// UserRecord is one user's stored settings row plus its group modes.
type UserRecord struct {
	Settings domain.UserPolicy
	Modes    GroupModes
}

// Repository loads the raw rows the Resolver layers together.
type Repository interface {
	GetUserSettings(ctx context.Context, userID string) (UserRecord, error)
	GetAdminSettings(ctx context.Context) (domain.UserPolicy, error)
}

// Resolver assembles effective policies; it has no state of its own
// beyond its Repository.
type Resolver struct {
	repo Repository
}

func New(repo Repository) *Resolver {
	return &Resolver{repo: repo}
}

// Defaults returns the hard-coded baseline every user's settings are
// layered onto: a cautious default leverage, three-level partial-close
// TPs, no session/time/tier filtering.
func Defaults() domain.UserPolicy {
	return domain.UserPolicy{
		BotActive: true,

		PositionSizingType: domain.SizingFixedUSDT,
		PositionSizeValue:  decimal.NewFromInt(100),

		MaxMarginPerTrade: decimal.NewFromInt(100),
		MaxLossPerTrade:   decimal.NewFromInt(20),
		SLPercentMin:      decimal.NewFromFloat(0.5),
		SLPercentMax:      decimal.NewFromInt(10),

		CalculatorType: domain.CalculatorSimplePercent,
		SLMethod:       domain.SLMethodPercentEntry,

		SimpleSLPercent:  decimal.NewFromInt(2),
		SimpleTPPercent:  decimal.NewFromInt(2),
		SimpleTP2Percent: decimal.NewFromInt(4),
		SimpleTP3Percent: decimal.NewFromInt(6),

		RRRatio:           decimal.NewFromInt(2),
		RRSLPercentMargin: decimal.NewFromInt(2),
		TP1RRRatio:        decimal.NewFromInt(1),
		TP2RRRatio:        decimal.NewFromInt(2),
		TP3RRRatio:        decimal.NewFromInt(3),

		ATRSLMultiplier:  decimal.NewFromFloat(1.5),
		ATRTPMultiplier:  decimal.NewFromFloat(1.5),
		ATRTP2Multiplier: decimal.NewFromInt(3),
		ATRTP3Multiplier: decimal.NewFromFloat(4.5),

		TPStrategy:      domain.TPStrategyPartialClose,
		TPLevels:        3,
		TP1ClosePercent: decimal.NewFromInt(50),
		TP2ClosePercent: decimal.NewFromInt(30),
		TP3ClosePercent: decimal.NewFromInt(20),

		SLToBreakeven:      true,
		BreakevenTriggerTP: 1,

		MaxOpenPositions: 5,
		DailyLossLimit:   decimal.NewFromInt(200),
		DailyLossPercent: decimal.NewFromInt(10),
		LossLimitType:    "usdt",

		DefaultLeverage:         5,
		UseAlertLeverage:        false,
		UseMaxLeverageGlobal:    false,
		SymbolLeverageOverrides: map[string]int{},

		FilterByTier:               false,
		MinSignalStrengthEnabled:   false,
		MinSignalStrengthThreshold: decimal.Zero,

		DuplicateAlertHandling: domain.DuplicateAlertIgnore,

		TakerFeeRate:              decimal.NewFromFloat(0.0006),
		IncludeFeesInCalculations: false,

		SessionFilteringEnabled: false,
		TimeFilteringEnabled:    false,
		UserTimezone:            "UTC",

		CategorySettings: map[domain.SymbolCategory]domain.CategoryOverride{},
	}
}

// Resolve builds the effective UserPolicy for userID and symbol.
func (r *Resolver) Resolve(ctx context.Context, userID string, symbol string) (domain.UserPolicy, error) {
	record, err := r.repo.GetUserSettings(ctx, userID)
	if err != nil {
		return domain.UserPolicy{}, fmt.Errorf("policy: load user settings for %s: %w", userID, err)
	}

	effective := overlayAll(Defaults(), record.Settings)

	if record.Modes.Money == ModeCopyAdmin || record.Modes.SLTP == ModeCopyAdmin || record.Modes.Tier == ModeCopyAdmin {
		admin, err := r.repo.GetAdminSettings(ctx)
		if err != nil {
			return domain.UserPolicy{}, fmt.Errorf("policy: load admin settings: %w", err)
		}
		if record.Modes.Money == ModeCopyAdmin {
			overlayMoney(&effective, admin)
		}
		if record.Modes.SLTP == ModeCopyAdmin {
			overlaySLTP(&effective, admin)
		}
		if record.Modes.Tier == ModeCopyAdmin {
			overlayTier(&effective, admin)
		}
	}

	applyCategoryOverride(&effective, symbol)

	return effective, nil
}

// overlayAll merges every field of user onto base, treating user as
// authoritative everywhere the group-mode overlay below does not
// later replace a group wholesale from admin settings.
func overlayAll(base, user domain.UserPolicy) domain.UserPolicy {
	out := base
	out.BotActive = user.BotActive
	overlayMoney(&out, user)
	overlaySLTP(&out, user)
	overlayTier(&out, user)

	out.DuplicateAlertHandling = user.DuplicateAlertHandling
	out.RequireProfitForSameDirection = user.RequireProfitForSameDirection
	out.PnLThresholdPercent = user.PnLThresholdPercent

	out.TakerFeeRate = user.TakerFeeRate
	out.IncludeFeesInCalculations = user.IncludeFeesInCalculations
	out.MinProfitableTPPercent = user.MinProfitableTPPercent
	out.FeeAwareBreakeven = user.FeeAwareBreakeven

	out.DefaultLeverage = user.DefaultLeverage
	out.UseAlertLeverage = user.UseAlertLeverage
	out.UseMaxLeverageGlobal = user.UseMaxLeverageGlobal
	if user.SymbolLeverageOverrides != nil {
		out.SymbolLeverageOverrides = user.SymbolLeverageOverrides
	}
	if user.CategorySettings != nil {
		out.CategorySettings = user.CategorySettings
	}

	out.IndicatorVersionFilter = user.IndicatorVersionFilter
	out.SessionFilteringEnabled = user.SessionFilteringEnabled
	out.AllowedSessions = user.AllowedSessions
	out.ExcludedSessions = user.ExcludedSessions
	out.TimeFilteringEnabled = user.TimeFilteringEnabled
	out.ActiveTimeRanges = user.ActiveTimeRanges
	out.UserTimezone = user.UserTimezone

	return out
}

// overlayMoney replaces the "money" field group (sizing and risk
// limits) on dst with src's values.
func overlayMoney(dst *domain.UserPolicy, src domain.UserPolicy) {
	dst.PositionSizingType = src.PositionSizingType
	dst.PositionSizeValue = src.PositionSizeValue
	dst.MaxMarginPerTrade = src.MaxMarginPerTrade
	dst.MaxLossPerTrade = src.MaxLossPerTrade
	dst.SLPercentMin = src.SLPercentMin
	dst.SLPercentMax = src.SLPercentMax
	dst.MaxOpenPositions = src.MaxOpenPositions
	dst.DailyLossLimit = src.DailyLossLimit
	dst.DailyLossPercent = src.DailyLossPercent
	dst.LossLimitType = src.LossLimitType
}

// overlaySLTP replaces the "sl_tp" field group (stop-loss/take-profit
// method selection and parameters) on dst with src's values.
func overlaySLTP(dst *domain.UserPolicy, src domain.UserPolicy) {
	dst.CalculatorType = src.CalculatorType
	dst.SLMethod = src.SLMethod
	dst.SimpleSLPercent = src.SimpleSLPercent
	dst.SimpleTPPercent = src.SimpleTPPercent
	dst.SimpleTP2Percent = src.SimpleTP2Percent
	dst.SimpleTP3Percent = src.SimpleTP3Percent
	dst.RRRatio = src.RRRatio
	dst.RRSLPercentMargin = src.RRSLPercentMargin
	dst.TP1RRRatio = src.TP1RRRatio
	dst.TP2RRRatio = src.TP2RRRatio
	dst.TP3RRRatio = src.TP3RRRatio
	dst.ATRSLMultiplier = src.ATRSLMultiplier
	dst.ATRTPMultiplier = src.ATRTPMultiplier
	dst.ATRTP2Multiplier = src.ATRTP2Multiplier
	dst.ATRTP3Multiplier = src.ATRTP3Multiplier
	dst.TPStrategy = src.TPStrategy
	dst.TPLevels = src.TPLevels
	dst.TP1ClosePercent = src.TP1ClosePercent
	dst.TP2ClosePercent = src.TP2ClosePercent
	dst.TP3ClosePercent = src.TP3ClosePercent
	dst.SLToBreakeven = src.SLToBreakeven
	dst.BreakevenTriggerTP = src.BreakevenTriggerTP
	dst.TrailingStop = src.TrailingStop
	dst.TrailingStopTriggerTP = src.TrailingStopTriggerTP
	dst.TrailingStopDistance = src.TrailingStopDistance
}

// overlayTier replaces the "tier" field group (signal filtering) on
// dst with src's values.
func overlayTier(dst *domain.UserPolicy, src domain.UserPolicy) {
	dst.FilterByTier = src.FilterByTier
	dst.AllowedTiers = src.AllowedTiers
	dst.ExcludedTiers = src.ExcludedTiers
	dst.AlertStrengthThreshold = src.AlertStrengthThreshold
	dst.MinSignalStrengthEnabled = src.MinSignalStrengthEnabled
	dst.MinSignalStrengthThreshold = src.MinSignalStrengthThreshold
}

// applyCategoryOverride narrows (never widens) the resolved leverage
// for symbol's category, when an override is enabled for it. This is
// a hard ceiling regardless of use_max_leverage_global: the field is
// read but never allowed to lift the category cap back up.
func applyCategoryOverride(p *domain.UserPolicy, symbol string) {
	category := domain.CategoryForSymbol(symbol)
	override, ok := p.CategorySettings[category]
	if !ok || !override.Enabled {
		return
	}
	if override.MaxLeverage > 0 && override.MaxLeverage < p.DefaultLeverage {
		p.DefaultLeverage = override.MaxLeverage
	}
	if lev, exists := p.SymbolLeverageOverrides[symbol]; exists && override.MaxLeverage > 0 && lev > override.MaxLeverage {
		p.SymbolLeverageOverrides[symbol] = override.MaxLeverage
	}
}
