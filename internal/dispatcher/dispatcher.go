// Package dispatcher takes one normalized alert payload,
// fans it out to every active user, applies each user's filters, and
// hands surviving signals to the Position Opener. Concurrency is
// bounded with the alitto/pond-backed worker pool in pkg/concurrency.
package dispatcher

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"sentryguard/internal/core"
	"sentryguard/internal/domain"
	"sentryguard/pkg/concurrency"
	"sentryguard/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// AlertRepository persists Alert rows and updates their outcome.
type AlertRepository interface {
	InsertAlert(ctx context.Context, alert *domain.Alert) error
	UpdateAlertStatus(ctx context.Context, alertID int64, status domain.AlertStatus, errMsg string) error
	MarkExecuted(ctx context.Context, alertID int64, executedAt time.Time) error
}

// UserDirectory lists the users currently eligible to receive signals.
type UserDirectory interface {
	ActiveUserIDs(ctx context.Context) ([]string, error)
}

// PositionProvider is the subset of position lookups the duplicate
// and require-profit-for-same-direction filters need.
type PositionProvider interface {
	OpenPosition(ctx context.Context, userID, symbol string, side domain.Side) (*domain.Position, error)
}

// Opener is the position opener's entry point, as seen from the Dispatcher.
type Opener interface {
	Open(ctx context.Context, userID string, alert domain.Alert, userPolicy domain.UserPolicy) error
}

// Resolver is the subset of the policy resolver the Dispatcher needs.
type Resolver interface {
	Resolve(ctx context.Context, userID string, symbol string) (domain.UserPolicy, error)
}

// RiskGate is the pre-trade exposure check: max_open_positions and the
// daily loss limit. It is the last, most expensive filter, run only
// once every cheaper check has already passed.
type RiskGate interface {
	Check(ctx context.Context, userID string, p domain.UserPolicy) (reason string, ok bool)
}

// Summary is the per-dispatch-cycle outcome counters.
type Summary struct {
	Executed int
	Ignored  int
	Error    int
}

// Dispatcher fans one signal out across the active user set.
type Dispatcher struct {
	alerts    AlertRepository
	users     UserDirectory
	positions PositionProvider
	resolver  Resolver
	opener    Opener
	risk      RiskGate
	logger    core.ILogger
	pool      *concurrency.WorkerPool
}

func New(alerts AlertRepository, users UserDirectory, positions PositionProvider, resolver Resolver, opener Opener, risk RiskGate, maxConcurrentUsers int, logger core.ILogger) *Dispatcher {
	if maxConcurrentUsers <= 0 {
		maxConcurrentUsers = 10
	}
	l := logger.WithField("component", "dispatcher")
	return &Dispatcher{
		alerts:    alerts,
		users:     users,
		positions: positions,
		resolver:  resolver,
		opener:    opener,
		risk:      risk,
		logger:    l,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "dispatcher",
			MaxWorkers:  maxConcurrentUsers,
			MaxCapacity: 200,
		}, l),
	}
}

// IncomingAlert is the raw fields carried by the inbound webhook
// payload, before normalization and per-user fan-out.
type IncomingAlert struct {
	Symbol           string
	Side             domain.Side
	EntryPrice       decimal.Decimal
	SL               decimal.Decimal
	TP1, TP2, TP3    decimal.Decimal
	MainTP           decimal.Decimal
	ATR              decimal.Decimal
	Leverage         int
	Strength         decimal.Decimal
	Tier             string
	Mode             string
	IndicatorVersion string
	Session          string
	TVTimestamp      time.Time
	RawPayload       []byte
	IsTest           bool
}

// Dispatch normalizes the payload and fans it out across every active
// user, sequentially within a user but with up to maxConcurrentUsers
// (10 by default) users in flight.
func (d *Dispatcher) Dispatch(ctx context.Context, in IncomingAlert) (Summary, error) {
	symbol := domain.NormalizeSymbol(in.Symbol)
	receivedAt := time.Now()
	cycleID := fmt.Sprintf("%s-%d", symbol, receivedAt.UnixNano())

	userIDs, err := d.users.ActiveUserIDs(ctx)
	if err != nil {
		return Summary{}, err
	}

	metrics := telemetry.GetGlobalMetrics()
	var remaining int64 = int64(len(userIDs))
	metrics.SetDispatchQueueDepth(cycleID, remaining)
	defer metrics.SetDispatchQueueDepth(cycleID, 0)

	var mu sync.Mutex
	summary := Summary{}
	var wg sync.WaitGroup

	for _, userID := range userIDs {
		userID := userID
		wg.Add(1)
		d.pool.Submit(func() {
			defer wg.Done()
			outcome := d.processOneUser(ctx, userID, symbol, in, receivedAt)
			mu.Lock()
			switch outcome {
			case domain.AlertStatusExecuted:
				summary.Executed++
			case domain.AlertStatusIgnored:
				summary.Ignored++
			default:
				summary.Error++
			}
			remaining--
			metrics.SetDispatchQueueDepth(cycleID, remaining)
			mu.Unlock()
		})
	}
	wg.Wait()

	return summary, nil
}

func (d *Dispatcher) processOneUser(ctx context.Context, userID, symbol string, in IncomingAlert, receivedAt time.Time) domain.AlertStatus {
	alert := &domain.Alert{
		UserID:             userID,
		Symbol:             symbol,
		Side:               in.Side,
		EntryPrice:         in.EntryPrice,
		SL:                 in.SL,
		TP1:                in.TP1,
		TP2:                in.TP2,
		TP3:                in.TP3,
		MainTP:             in.MainTP,
		ATR:                in.ATR,
		Leverage:           in.Leverage,
		Strength:           in.Strength,
		Tier:               in.Tier,
		Mode:               in.Mode,
		IndicatorVersion:   in.IndicatorVersion,
		Session:            in.Session,
		RawPayload:         in.RawPayload,
		TVTimestamp:        in.TVTimestamp,
		WebhookReceivedAt:  receivedAt,
		Status:             domain.AlertStatusPending,
		IsTest:             in.IsTest,
	}

	if err := d.alerts.InsertAlert(ctx, alert); err != nil {
		d.logger.Error("failed to persist alert", "user_id", userID, "error", err)
		return domain.AlertStatusError
	}

	userPolicy, err := d.resolver.Resolve(ctx, userID, symbol)
	if err != nil {
		d.markIgnored(ctx, alert, "policy_resolve_failed")
		return domain.AlertStatusError
	}

	if !userPolicy.BotActive {
		d.markIgnored(ctx, alert, "bot_disabled")
		return domain.AlertStatusIgnored
	}

	if reason, ok := d.applyFilters(ctx, userID, alert, userPolicy); !ok {
		d.markIgnored(ctx, alert, reason)
		return domain.AlertStatusIgnored
	}

	if err := d.opener.Open(ctx, userID, *alert, userPolicy); err != nil {
		d.alerts.UpdateAlertStatus(ctx, alert.ID, domain.AlertStatusError, err.Error())
		return domain.AlertStatusError
	}

	if err := d.alerts.MarkExecuted(ctx, alert.ID, time.Now()); err != nil {
		d.logger.Error("failed to stamp alert execution", "user_id", userID, "alert_id", alert.ID, "error", err)
	}
	return domain.AlertStatusExecuted
}

func (d *Dispatcher) markIgnored(ctx context.Context, alert *domain.Alert, reason string) {
	d.alerts.UpdateAlertStatus(ctx, alert.ID, domain.AlertStatusIgnored, reason)
}

// applyFilters runs the filter chain in order, short-circuiting
// on the first rejection.
func (d *Dispatcher) applyFilters(ctx context.Context, userID string, alert *domain.Alert, p domain.UserPolicy) (reason string, ok bool) {
	if len(p.IndicatorVersionFilter) > 0 && !contains(p.IndicatorVersionFilter, alert.IndicatorVersion) {
		return "indicator_version_filtered", false
	}

	if p.FilterByTier {
		if contains(p.ExcludedTiers, alert.Tier) {
			return "tier_excluded", false
		}
		if len(p.AllowedTiers) > 0 && !contains(p.AllowedTiers, alert.Tier) {
			return "tier_not_allowed", false
		}
	}

	if p.MinSignalStrengthEnabled && alert.Strength.LessThan(p.MinSignalStrengthThreshold) {
		return "strength_below_threshold", false
	}

	if p.SessionFilteringEnabled {
		session := alert.Session
		if session == "" {
			session = ComputeSession(time.Now().UTC())
		}
		if contains(p.ExcludedSessions, session) {
			return "session_excluded", false
		}
		if len(p.AllowedSessions) > 0 && !contains(p.AllowedSessions, session) {
			return "session_not_allowed", false
		}
	}

	if p.TimeFilteringEnabled {
		if !withinActiveTimeRange(time.Now(), p.UserTimezone, p.ActiveTimeRanges) {
			return "outside_active_time_range", false
		}
	}

	if reason, dup := d.checkDuplicate(ctx, userID, alert, p); dup {
		return reason, false
	}

	if d.risk != nil {
		if reason, ok := d.risk.Check(ctx, userID, p); !ok {
			return reason, false
		}
	}

	return "", true
}

// checkDuplicate applies the decided duplicate-alert open question
// whenever the user already holds an open position on the same
// symbol and side: under "allow" or "replace" the signal proceeds;
// under "ignore" (and any unset value) it is rejected as
// duplicate_alert, unless require_profit_for_same_direction is set
// and the existing position's profit exceeds the threshold.
func (d *Dispatcher) checkDuplicate(ctx context.Context, userID string, alert *domain.Alert, p domain.UserPolicy) (string, bool) {
	existing, err := d.positions.OpenPosition(ctx, userID, alert.Symbol, alert.Side)
	if err != nil || existing == nil {
		return "", false
	}

	switch p.DuplicateAlertHandling {
	case domain.DuplicateAlertAllow:
		return "", false
	case domain.DuplicateAlertReplace:
		return "", false
	case domain.DuplicateAlertIgnore:
		fallthrough
	default:
		if p.RequireProfitForSameDirection {
			pnlPercent := profitPercent(existing)
			if pnlPercent.GreaterThan(p.PnLThresholdPercent) {
				return "", false
			}
		}
		return "duplicate_alert", true
	}
}

func profitPercent(p *domain.Position) decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	diff := p.CurrentPrice.Sub(p.EntryPrice)
	if p.Side == domain.SideSell {
		diff = diff.Neg()
	}
	return diff.Div(p.EntryPrice).Mul(decimal.NewFromInt(100))
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

// ComputeSession derives the trading session from the UTC hour when
// the alert payload did not supply one. Session windows overlap
// (Sydney 21-06, Asia 00-09, London 07-16, NY 12-21); an overlapping
// hour resolves to London, then NY, then Asia, then Sydney.
func ComputeSession(utc time.Time) string {
	h := utc.Hour()
	switch {
	case h >= 7 && h < 16:
		return "London"
	case h >= 12 && h < 21:
		return "NY"
	case h >= 0 && h < 9:
		return "Asia"
	case h >= 21 || h < 6:
		return "Sydney"
	default:
		return "Off-Hours"
	}
}

// withinActiveTimeRange reports whether now, converted to tz, falls
// within one of ranges. Ranges with End < Start are treated as
// spanning midnight.
func withinActiveTimeRange(now time.Time, tz string, ranges []domain.TimeRange) bool {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	minutesNow := local.Hour()*60 + local.Minute()

	for _, r := range ranges {
		start, sok := parseHHMM(r.Start)
		end, eok := parseHHMM(r.End)
		if !sok || !eok {
			continue
		}
		if start <= end {
			if minutesNow >= start && minutesNow <= end {
				return true
			}
		} else {
			if minutesNow >= start || minutesNow <= end {
				return true
			}
		}
	}
	return len(ranges) == 0
}

func parseHHMM(s string) (int, bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, false
	}
	return h*60 + m, true
}
