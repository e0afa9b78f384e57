package domain

import "github.com/shopspring/decimal"

// HoldSide is the exchange's notion of which side of a hedge-mode
// position a plan order protects.
type HoldSide string

const (
	HoldSideLong  HoldSide = "long"
	HoldSideShort HoldSide = "short"
)

// TradeSide distinguishes entry orders from reduce-only close orders.
type TradeSide string

const (
	TradeSideOpen  TradeSide = "open"
	TradeSideClose TradeSide = "close"
)

// MarketSide is the verb set for Gateway.PlaceMarket.
type MarketSide string

const (
	MarketSideOpenLong   MarketSide = "open_long"
	MarketSideOpenShort  MarketSide = "open_short"
	MarketSideCloseLong  MarketSide = "close_long"
	MarketSideCloseShort MarketSide = "close_short"
)

// PlanType is the conditional-order family recognized by the gateway.
// pos_loss/pos_profit/profit_loss/normal_plan are the exchange's own
// vocabulary; the engine-facing PlanType enum collapses these to
// the two roles the engine cares about: SL and TP.
type PlanType string

const (
	PlanTypeSL PlanType = "SL"
	PlanTypeTP PlanType = "TP"
)

// OrderStatus as observed on a listed plan order.
type OrderStatus string

const (
	OrderStatusLive      OrderStatus = "live"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusFilled    OrderStatus = "filled"
)

// ContractMeta is the symbol's precision and minimum-lot metadata.
type ContractMeta struct {
	Symbol       string
	PricePlaces  int32
	VolumePlaces int32
	MinQty       decimal.Decimal
}

// ExchangeOrder is a plan order as observed via list_plan_orders.
type ExchangeOrder struct {
	OrderID      string
	Symbol       string
	PlanType     PlanType
	TriggerPrice decimal.Decimal
	Size         decimal.Decimal
	TradeSide    TradeSide
	HoldSide     HoldSide
	Status       OrderStatus
}

// ExchangePosition is a live position as observed via get_positions.
type ExchangePosition struct {
	Symbol        string
	HoldSide      HoldSide
	TotalSize     decimal.Decimal
	AverageEntry  decimal.Decimal
	Leverage      int
}

// Fill is one execution record from get_fill_history.
type Fill struct {
	OrderID   string
	Symbol    string
	TradeSide TradeSide
	HoldSide  HoldSide
	Price     decimal.Decimal
	Size      decimal.Decimal
	Timestamp int64 // ms since epoch
}

// Ticker is the current mark/last price for a symbol.
type Ticker struct {
	Symbol string
	Last   decimal.Decimal
}

// Account is the subset of get_account the engine reads (available
// balance, used for percent-of-balance sizing).
type Account struct {
	AvailableBalance decimal.Decimal
}
