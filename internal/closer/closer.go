// Package closer implements the "executed verified close" procedure
// shared by every closure the engine itself initiates — a
// selective-resync leg turning into an immediate market close, an SL
// bracket-placement failure's emergency close, and the emergency
// controller's per-user shutdown — so the fallback ladder and the
// success criterion live in one place instead of three.
package closer

import (
	"context"
	"time"

	"sentryguard/internal/domain"
	"sentryguard/internal/gateway"

	"github.com/shopspring/decimal"
)

// minDropFraction is the verified-close success bar: a
// close only counts once the post-call quantity has dropped by at
// least this fraction of the pre-call snapshot.
const minDropFraction = 0.01

// ExecuteVerifiedClose snapshots the live quantity, then attempts to
// flatten the position: up to 3 direct attempts (this Gateway
// collapses "close_position" and "flash_close" into one FlashClose
// verb), re-reading quantity after each; then one more explicit
// flash_close; then a last-resort reduce-only market order for
// whatever quantity remains. It reports ok=true only once the
// observed quantity has dropped by at least 1% from the snapshot.
func ExecuteVerifiedClose(ctx context.Context, gw gateway.Gateway, symbol string, holdSide domain.HoldSide, closeSide domain.MarketSide) (ok bool, remaining decimal.Decimal) {
	before, res := gw.GetPosition(ctx, symbol)
	if !res.OK {
		return false, decimal.Zero
	}
	if before == nil || before.TotalSize.IsZero() {
		return true, decimal.Zero
	}
	startQty := before.TotalSize

	for attempt := 0; attempt < 3; attempt++ {
		gw.FlashClose(ctx, symbol, holdSide, decimal.Zero)
		after, ares := gw.GetPosition(ctx, symbol)
		if ares.OK && closedEnough(startQty, after) {
			return true, currentQty(after)
		}
	}

	wasExecuted, _ := gw.FlashClose(ctx, symbol, holdSide, decimal.Zero)
	after, ares := gw.GetPosition(ctx, symbol)
	if wasExecuted && ares.OK && closedEnough(startQty, after) {
		return true, currentQty(after)
	}

	remainingQty := startQty
	if ares.OK {
		remainingQty = currentQty(after)
	}
	if !remainingQty.IsZero() {
		gw.PlaceMarket(ctx, symbol, closeSide, remainingQty, true)
	}
	time.Sleep(200 * time.Millisecond)
	after, ares = gw.GetPosition(ctx, symbol)
	return ares.OK && closedEnough(startQty, after), currentQty(after)
}

func currentQty(p *domain.ExchangePosition) decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	return p.TotalSize
}

func closedEnough(start decimal.Decimal, after *domain.ExchangePosition) bool {
	if start.IsZero() {
		return true
	}
	afterQty := currentQty(after)
	drop := start.Sub(afterQty).Div(start)
	return drop.GreaterThanOrEqual(decimal.NewFromFloat(minDropFraction))
}

// MarketSideForClose maps a position's entry side to the reduce-only
// market verb that closes it.
func MarketSideForClose(side domain.Side) domain.MarketSide {
	if side == domain.SideSell {
		return domain.MarketSideCloseShort
	}
	return domain.MarketSideCloseLong
}
