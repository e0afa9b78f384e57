// Package gateway defines the stable, exchange-agnostic verb set
// exposed to the rest of the engine, independent of the underlying
// HTTP shape. Signing and time-sync are the concern of a concrete
// implementation (see gateway/bitget) alone; no verb here retries —
// retry policy belongs to callers (pkg/retry).
package gateway

import (
	"context"

	"sentryguard/internal/domain"
	apperrors "sentryguard/pkg/errors"

	"github.com/shopspring/decimal"
)

// Result wraps every Gateway call's outcome:
// {ok, value | error_kind, message}. Value is still returned through
// the method's own return type; Result is what callers use to branch
// without inspecting raw HTTP status or exchange business codes.
type Result struct {
	OK        bool
	ErrorKind apperrors.ErrorKind
	Message   string
}

// ResultFor builds a Result from an error using the shared classifier.
func ResultFor(err error) Result {
	if err == nil {
		return Result{OK: true}
	}
	return Result{OK: false, ErrorKind: apperrors.ClassifyErrorKind(err), Message: err.Error()}
}

// BatchOp is one operation submitted to Gateway.Batch, keyed by a
// caller-supplied id so results can be matched back up.
type BatchOp struct {
	ID   string
	Kind BatchOpKind
	// PlaceBracket fields (Kind == BatchOpPlaceBracket)
	Symbol       string
	PlanType     domain.PlanType
	HoldSide     domain.HoldSide
	TriggerPrice decimal.Decimal
	Size         decimal.Decimal
	ExecutePrice decimal.Decimal // zero means market
	// PlaceMarket fields (Kind == BatchOpPlaceMarket)
	MarketSide domain.MarketSide
	ReduceOnly bool
}

// BatchOpKind discriminates BatchOp's variant.
type BatchOpKind string

const (
	BatchOpPlaceBracket BatchOpKind = "place_bracket"
	BatchOpPlaceMarket  BatchOpKind = "place_market"
)

// BatchResult is one entry of Gateway.Batch's response, keyed by the
// BatchOp's caller-supplied ID.
type BatchResult struct {
	ID      string
	OrderID string
	Result  Result
}

// Gateway is the typed, idempotent wrapper over the exchange's REST
// operations used by the engine. Every implementation MUST NOT retry
// internally; it may carry a circuit breaker and request tracing at
// the transport layer (see pkg/http.Client), but retry policy is
// always the caller's.
type Gateway interface {
	GetAccount(ctx context.Context) (domain.Account, Result)
	GetPositions(ctx context.Context) ([]domain.ExchangePosition, Result)
	GetPosition(ctx context.Context, symbol string) (*domain.ExchangePosition, Result)
	GetTicker(ctx context.Context, symbol string) (domain.Ticker, Result)
	GetContractMeta(ctx context.Context, symbol string) (domain.ContractMeta, Result)

	PlaceMarket(ctx context.Context, symbol string, side domain.MarketSide, size decimal.Decimal, reduceOnly bool) (orderID string, result Result)
	PlaceBracket(ctx context.Context, symbol string, planType domain.PlanType, holdSide domain.HoldSide, triggerPrice decimal.Decimal, size decimal.Decimal, executePrice decimal.Decimal) (orderID string, result Result)
	CancelPlan(ctx context.Context, symbol string, orderID string, planType domain.PlanType) Result
	ModifyPlan(ctx context.Context, orderID string, triggerPrice decimal.Decimal) Result

	// FlashClose reports wasExecuted true iff the exchange confirmed a
	// reduction; size zero means "close the whole position".
	FlashClose(ctx context.Context, symbol string, holdSide domain.HoldSide, size decimal.Decimal) (wasExecuted bool, result Result)

	ListPlanOrders(ctx context.Context, symbol string, planType domain.PlanType) ([]domain.ExchangeOrder, Result)
	GetFillHistory(ctx context.Context, symbol string, from, to int64, limit int) ([]domain.Fill, Result)
	GetPositionHistory(ctx context.Context, symbol string, from, to int64, cursor string) ([]domain.ExchangePosition, string, Result)

	SetLeverage(ctx context.Context, symbol string, holdSide domain.HoldSide, leverage int) Result

	// Batch executes ops sequentially and returns per-op results keyed
	// by the caller-supplied id; it exists to reduce round trips for
	// open-time and resync-time bracket setup, not to provide
	// atomicity across ops.
	Batch(ctx context.Context, ops []BatchOp) []BatchResult
}
