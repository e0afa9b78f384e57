// Package domain holds the plain Go record types shared by every
// component of the signal-to-position engine: alerts, positions, the
// resolved per-user policy, and the shapes the exchange gateway observes.
package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the directional leg of a signal or a position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// AlertStatus tracks a single signal's outcome end to end.
type AlertStatus string

const (
	AlertStatusPending  AlertStatus = "pending"
	AlertStatusIgnored  AlertStatus = "ignored"
	AlertStatusExecuted AlertStatus = "executed"
	AlertStatusError    AlertStatus = "error"
)

// Alert is a single external signal snapshot persisted for one user.
// It is immutable after insert except Status, ErrorMessage and
// ExchangeExecutedAt.
type Alert struct {
	ID     int64
	UserID string
	Symbol string
	Side   Side

	EntryPrice decimal.Decimal
	SL         decimal.Decimal
	TP1        decimal.Decimal
	TP2        decimal.Decimal
	TP3        decimal.Decimal
	MainTP     decimal.Decimal
	ATR        decimal.Decimal
	Leverage   int
	Strength   decimal.Decimal
	Tier       string
	Mode       string

	IndicatorVersion string
	Session          string
	RawPayload       json.RawMessage

	TVTimestamp       time.Time
	WebhookReceivedAt time.Time
	ExchangeExecutedAt *time.Time

	Status       AlertStatus
	ErrorMessage string
	IsTest       bool
}

// WebhookLatency is the time from signal generation to our ingress.
func (a *Alert) WebhookLatency() time.Duration {
	return a.WebhookReceivedAt.Sub(a.TVTimestamp)
}

// ExecutionLatency is the time from ingress to exchange placement.
// Zero until ExchangeExecutedAt is set.
func (a *Alert) ExecutionLatency() time.Duration {
	if a.ExchangeExecutedAt == nil {
		return 0
	}
	return a.ExchangeExecutedAt.Sub(a.WebhookReceivedAt)
}

// TotalLatency is the sum of webhook and execution latency.
func (a *Alert) TotalLatency() time.Duration {
	return a.WebhookLatency() + a.ExecutionLatency()
}

// NormalizeSymbol strips an "EXCHANGE:" prefix and a trailing ".P"
// perpetual-futures suffix from an inbound symbol string.
func NormalizeSymbol(symbol string) string {
	if idx := indexByte(symbol, ':'); idx >= 0 {
		symbol = symbol[idx+1:]
	}
	const perpSuffix = ".P"
	if len(symbol) > len(perpSuffix) && symbol[len(symbol)-len(perpSuffix):] == perpSuffix {
		symbol = symbol[:len(symbol)-len(perpSuffix)]
	}
	return symbol
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
