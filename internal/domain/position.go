package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is terminal once it reaches Closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// CloseReason records why a Position was finalized.
type CloseReason string

const (
	CloseReasonSLHit            CloseReason = "sl_hit"
	CloseReasonSLHitDelayed     CloseReason = "sl_hit_delayed"
	CloseReasonTP1              CloseReason = "tp1_hit"
	CloseReasonTP2              CloseReason = "tp2_hit"
	CloseReasonTP3              CloseReason = "tp3_hit"
	CloseReasonManualProfit     CloseReason = "manual_profit"
	CloseReasonManualLoss       CloseReason = "manual_loss"
	CloseReasonEmergencyShutdown CloseReason = "emergency_shutdown"
	CloseReasonClosedBeforeResync CloseReason = "closed_before_resync"
)

// PricingSnapshot is the subset of UserPolicy that is pricing-relevant,
// frozen onto a Position at open time. It is the source of truth for
// every later reconciliation recompute; live policy is consulted only
// for orphan recovery and newly opened positions.
type PricingSnapshot struct {
	SLMethod             SLMethod
	SimpleSLPercent      decimal.Decimal
	RRSLPercentMargin    decimal.Decimal
	ATRSLMultiplier      decimal.Decimal
	ScalpingMaxMargin    decimal.Decimal
	ScalpingMaxLoss      decimal.Decimal
	SLPercentMin         decimal.Decimal
	SLPercentMax         decimal.Decimal
	PositionSizingType   PositionSizingType

	CalculatorType CalculatorType
	SimpleTPPercent [3]decimal.Decimal
	RRRatio         [3]decimal.Decimal
	ATRTPMultiplier [3]decimal.Decimal

	TPLevels         int
	TPClosePercent   [3]decimal.Decimal

	SLToBreakeven      bool
	BreakevenTriggerTP int
	FeeAwareBreakeven  bool
	TakerFeeRate       decimal.Decimal

	PricePlaces  int32
	VolumePlaces int32
	MinQty       decimal.Decimal

	Leverage int
}

// PositionMetadata carries reconciliation bookkeeping that is not part
// of the pricing snapshot proper.
type PositionMetadata struct {
	SettingsSnapshot PricingSnapshot
	ResyncCount      int
	LastResyncAt     *time.Time
	Recovered        bool
}

// Position is one exchange position instance tracked end to end.
type Position struct {
	ID     int64
	UserID string
	Symbol string
	Side   Side

	EntryPrice decimal.Decimal
	Quantity   decimal.Decimal
	Leverage   int

	SLPrice   decimal.Decimal
	SLOrderID string

	TP1Price    decimal.Decimal
	TP1Quantity decimal.Decimal
	TP1OrderID  string
	TP1Filled   bool

	TP2Price    decimal.Decimal
	TP2Quantity decimal.Decimal
	TP2OrderID  string
	TP2Filled   bool

	TP3Price    decimal.Decimal
	TP3Quantity decimal.Decimal
	TP3OrderID  string
	TP3Filled   bool

	Status      PositionStatus
	CloseReason CloseReason
	ClosePrice  decimal.Decimal
	RealizedPnL decimal.Decimal

	CurrentPrice  decimal.Decimal
	UnrealizedPnL decimal.Decimal

	LastCheckAt time.Time
	CheckErrors int
	LastError   string

	CreatedAt time.Time
	ClosedAt  *time.Time
	AlertID   *int64

	Metadata PositionMetadata
}

// UnfilledTPCount returns how many of TP1..TP3 are configured (price
// non-zero) and not yet filled.
func (p *Position) UnfilledTPCount() int {
	n := 0
	if !p.TP1Price.IsZero() && !p.TP1Filled {
		n++
	}
	if !p.TP2Price.IsZero() && !p.TP2Filled {
		n++
	}
	if !p.TP3Price.IsZero() && !p.TP3Filled {
		n++
	}
	return n
}

// HighestFilledTP returns the highest-numbered TP level that has been
// filled, or 0 if none.
func (p *Position) HighestFilledTP() int {
	switch {
	case p.TP3Filled:
		return 3
	case p.TP2Filled:
		return 2
	case p.TP1Filled:
		return 1
	default:
		return 0
	}
}

// TPPrice and TPQuantity index into the three TP legs by 1-based level.
func (p *Position) TPPrice(level int) decimal.Decimal {
	switch level {
	case 1:
		return p.TP1Price
	case 2:
		return p.TP2Price
	case 3:
		return p.TP3Price
	default:
		return decimal.Zero
	}
}

func (p *Position) TPFilled(level int) bool {
	switch level {
	case 1:
		return p.TP1Filled
	case 2:
		return p.TP2Filled
	case 3:
		return p.TP3Filled
	default:
		return false
	}
}

func (p *Position) TPOrderID(level int) string {
	switch level {
	case 1:
		return p.TP1OrderID
	case 2:
		return p.TP2OrderID
	case 3:
		return p.TP3OrderID
	default:
		return ""
	}
}
