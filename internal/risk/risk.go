// Package risk is the Dispatcher's pre-trade gate: it rejects a
// signal before it ever reaches the Opener when the user's own
// configured exposure limits are already exhausted. Two limits are
// enforced: open-position count and daily realized loss.
package risk

import (
	"context"
	"time"

	"sentryguard/internal/core"
	"sentryguard/internal/domain"
	"sentryguard/internal/gateway"
	"sentryguard/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// PositionRepository is the position-count/PnL surface the gate needs.
type PositionRepository interface {
	CountOpenPositions(ctx context.Context, userID string) (int, error)
	DailyRealizedPnL(ctx context.Context, userID string, sinceUTC time.Time) (decimal.Decimal, error)
}

// GatewayFactory resolves the exchange Gateway for one user, needed
// only for the percent-of-balance form of the daily loss limit.
type GatewayFactory interface {
	ForUser(ctx context.Context, userID string) (gateway.Gateway, error)
}

// Checker is the pre-trade risk gate.
type Checker struct {
	positions PositionRepository
	gateways  GatewayFactory
	logger    core.ILogger
}

func New(positions PositionRepository, gateways GatewayFactory, logger core.ILogger) *Checker {
	return &Checker{positions: positions, gateways: gateways, logger: logger.WithField("component", "risk")}
}

// Check reports whether userID may open a new position under p,
// returning a short machine-readable reason when it may not.
func (c *Checker) Check(ctx context.Context, userID string, p domain.UserPolicy) (reason string, ok bool) {
	if p.MaxOpenPositions > 0 {
		open, err := c.positions.CountOpenPositions(ctx, userID)
		if err != nil {
			c.logger.Warn("risk gate: count open positions failed, allowing signal through", "user_id", userID, "error", err)
		} else if open >= p.MaxOpenPositions {
			telemetry.GetGlobalMetrics().SetRiskTriggered(userID, true)
			return "max_open_positions_reached", false
		}
	}

	if reason, blocked := c.checkDailyLoss(ctx, userID, p); blocked {
		telemetry.GetGlobalMetrics().SetRiskTriggered(userID, true)
		return reason, false
	}

	telemetry.GetGlobalMetrics().SetRiskTriggered(userID, false)
	return "", true
}

func (c *Checker) checkDailyLoss(ctx context.Context, userID string, p domain.UserPolicy) (string, bool) {
	if p.DailyLossLimit.IsZero() && p.DailyLossPercent.IsZero() {
		return "", false
	}

	since := startOfUTCDay(time.Now())
	pnl, err := c.positions.DailyRealizedPnL(ctx, userID, since)
	if err != nil {
		c.logger.Warn("risk gate: daily pnl lookup failed, allowing signal through", "user_id", userID, "error", err)
		return "", false
	}
	if !pnl.IsNegative() {
		return "", false
	}

	loss := pnl.Neg()

	switch p.LossLimitType {
	case "percent":
		if p.DailyLossPercent.IsZero() {
			return "", false
		}
		gw, err := c.gateways.ForUser(ctx, userID)
		if err != nil {
			c.logger.Warn("risk gate: gateway unavailable for percent loss check, allowing signal through", "user_id", userID, "error", err)
			return "", false
		}
		account, res := gw.GetAccount(ctx)
		if !res.OK {
			c.logger.Warn("risk gate: get_account failed for percent loss check, allowing signal through", "user_id", userID, "error", res.Message)
			return "", false
		}
		limit := account.AvailableBalance.Mul(p.DailyLossPercent).Div(decimal.NewFromInt(100))
		if !limit.IsPositive() {
			return "", false
		}
		if loss.GreaterThanOrEqual(limit) {
			return "daily_loss_limit_reached", true
		}
	default: // "usdt" and anything unrecognized default to the flat limit.
		if p.DailyLossLimit.IsZero() {
			return "", false
		}
		if loss.GreaterThanOrEqual(p.DailyLossLimit) {
			return "daily_loss_limit_reached", true
		}
	}

	return "", false
}

func startOfUTCDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
