package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricPnLRealizedTotal   = "sentryguard_pnl_realized_total"
	MetricPnLUnrealized      = "sentryguard_pnl_unrealized"
	MetricOrdersActive       = "sentryguard_orders_active"
	MetricOrdersPlacedTotal  = "sentryguard_orders_placed_total"
	MetricOrdersFilledTotal  = "sentryguard_orders_filled_total"
	MetricVolumeTotal        = "sentryguard_volume_total"
	MetricPositionSize       = "sentryguard_position_size"
	MetricLatencyExchange    = "sentryguard_latency_exchange_ms"
	MetricLatencyTickToTrade = "sentryguard_latency_tick_to_trade_ms"
	MetricRiskTriggered      = "sentryguard_risk_triggered"
	MetricCircuitBreakerOpen = "sentryguard_circuit_breaker_open"
	MetricReconcileCycleSecs = "sentryguard_reconcile_cycle_duration_seconds"
	MetricDriftDetectedTotal = "sentryguard_drift_detected_total"
	MetricResyncAttemptsTotal = "sentryguard_resync_attempts_total"
	MetricDispatchQueueDepth = "sentryguard_dispatch_queue_depth"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	PnLRealizedTotal   metric.Float64Counter
	PnLUnrealized      metric.Float64ObservableGauge
	OrdersActive       metric.Int64ObservableGauge
	OrdersPlacedTotal  metric.Int64Counter
	OrdersFilledTotal  metric.Int64Counter
	VolumeTotal        metric.Float64Counter
	PositionSize       metric.Float64ObservableGauge
	LatencyExchange    metric.Float64Histogram
	LatencyTickToTrade metric.Float64Histogram
	RiskTriggered      metric.Int64ObservableGauge
	CircuitBreakerOpen metric.Int64ObservableGauge
	ReconcileCycleSecs metric.Float64Histogram
	DriftDetectedTotal metric.Int64Counter
	ResyncAttemptsTotal metric.Int64Counter
	DispatchQueueDepth metric.Int64ObservableGauge

	// State for observable gauges
	mu               sync.RWMutex
	unrealizedPnLMap map[string]float64
	activeOrdersMap  map[string]int64
	positionSizeMap  map[string]float64
	riskTriggeredMap map[string]int64
	cbOpenMap        map[string]int64
	dispatchQueueMap map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			unrealizedPnLMap: make(map[string]float64),
			activeOrdersMap:  make(map[string]int64),
			positionSizeMap:  make(map[string]float64),
			riskTriggeredMap: make(map[string]int64),
			cbOpenMap:        make(map[string]int64),
			dispatchQueueMap: make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized profit/loss"))
	if err != nil {
		return err
	}

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders placed"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders filled"))
	if err != nil {
		return err
	}

	m.VolumeTotal, err = meter.Float64Counter(MetricVolumeTotal, metric.WithDescription("Total traded notional in quote currency"))
	if err != nil {
		return err
	}

	m.LatencyExchange, err = meter.Float64Histogram(MetricLatencyExchange, metric.WithDescription("Latency of exchange API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.LatencyTickToTrade, err = meter.Float64Histogram(MetricLatencyTickToTrade, metric.WithDescription("Time from price update to order action"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.PnLUnrealized, err = meter.Float64ObservableGauge(MetricPnLUnrealized, metric.WithDescription("Current unrealized PnL"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.unrealizedPnLMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.OrdersActive, err = meter.Int64ObservableGauge(MetricOrdersActive, metric.WithDescription("Number of currently open orders"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.activeOrdersMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionSize, err = meter.Float64ObservableGauge(MetricPositionSize, metric.WithDescription("Current position size"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.positionSizeMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.RiskTriggered, err = meter.Int64ObservableGauge(MetricRiskTriggered, metric.WithDescription("Risk monitor triggered state (1=triggered, 0=normal)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.riskTriggeredMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen, metric.WithDescription("Circuit breaker open state (1=open, 0=closed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.cbOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.ReconcileCycleSecs, err = meter.Float64Histogram(MetricReconcileCycleSecs, metric.WithDescription("Duration of one reconciliation cycle across all users"), metric.WithUnit("s"))
	if err != nil {
		return err
	}

	m.DriftDetectedTotal, err = meter.Int64Counter(MetricDriftDetectedTotal, metric.WithDescription("Total number of positions found drifted from their expected SL/TP brackets"))
	if err != nil {
		return err
	}

	m.ResyncAttemptsTotal, err = meter.Int64Counter(MetricResyncAttemptsTotal, metric.WithDescription("Total number of selective-resync attempts"))
	if err != nil {
		return err
	}

	m.DispatchQueueDepth, err = meter.Int64ObservableGauge(MetricDispatchQueueDepth, metric.WithDescription("Number of users awaiting dispatcher fan-out in the current alert cycle"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for alertID, val := range m.dispatchQueueMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("alert", alertID)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetRiskTriggered(symbol string, triggered bool) {
	val := int64(0)
	if triggered {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.riskTriggeredMap[symbol] = val
}

func (m *MetricsHolder) SetCircuitBreakerOpen(symbol string, open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cbOpenMap[symbol] = val
}

func (m *MetricsHolder) SetUnrealizedPnL(symbol string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedPnLMap[symbol] = value
}

func (m *MetricsHolder) SetActiveOrders(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeOrdersMap[symbol] = count
}

func (m *MetricsHolder) SetPositionSize(symbol string, size float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionSizeMap[symbol] = size
}

// AddRealizedPnL accumulates realized profit/loss from a finalized or
// emergency-closed position.
func (m *MetricsHolder) AddRealizedPnL(ctx context.Context, symbol string, value float64) {
	if m.PnLRealizedTotal == nil {
		return
	}
	m.PnLRealizedTotal.Add(ctx, value, metric.WithAttributes(attribute.String("symbol", symbol)))
}

// IncOrderPlaced counts one order handed to the exchange; kind is one
// of entry, sl, tp.
func (m *MetricsHolder) IncOrderPlaced(ctx context.Context, symbol, kind string) {
	if m.OrdersPlacedTotal == nil {
		return
	}
	m.OrdersPlacedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol), attribute.String("kind", kind)))
}

// IncOrderFilled counts one fill the engine observed; its only caller
// is the reconciler's partial-close detection (kind "tp").
func (m *MetricsHolder) IncOrderFilled(ctx context.Context, symbol, kind string) {
	if m.OrdersFilledTotal == nil {
		return
	}
	m.OrdersFilledTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol), attribute.String("kind", kind)))
}

// AddVolume accumulates traded notional in quote currency.
func (m *MetricsHolder) AddVolume(ctx context.Context, symbol string, notional float64) {
	if m.VolumeTotal == nil {
		return
	}
	m.VolumeTotal.Add(ctx, notional, metric.WithAttributes(attribute.String("symbol", symbol)))
}

// RecordExchangeLatency records one exchange HTTP round trip.
func (m *MetricsHolder) RecordExchangeLatency(ctx context.Context, host string, ms float64) {
	if m.LatencyExchange == nil {
		return
	}
	m.LatencyExchange.Record(ctx, ms, metric.WithAttributes(attribute.String("host", host)))
}

// RecordTickToTrade records the end-to-end latency from the signal's
// own timestamp to the entry order's acceptance on the exchange.
func (m *MetricsHolder) RecordTickToTrade(ctx context.Context, symbol string, ms float64) {
	if m.LatencyTickToTrade == nil {
		return
	}
	m.LatencyTickToTrade.Record(ctx, ms, metric.WithAttributes(attribute.String("symbol", symbol)))
}

// RecordReconcileCycle records one completed reconciliation tick's wall
// time, regardless of whether it ran to completion or was skipped
// because another instance held the lease.
func (m *MetricsHolder) RecordReconcileCycle(ctx context.Context, seconds float64) {
	if m.ReconcileCycleSecs == nil {
		return
	}
	m.ReconcileCycleSecs.Record(ctx, seconds)
}

// IncDriftDetected counts one position found drifted from its expected
// brackets during the selective-resync check.
func (m *MetricsHolder) IncDriftDetected(ctx context.Context, symbol string) {
	if m.DriftDetectedTotal == nil {
		return
	}
	m.DriftDetectedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

// IncResyncAttempt counts one selective-resync execution, win or lose.
func (m *MetricsHolder) IncResyncAttempt(ctx context.Context, symbol string) {
	if m.ResyncAttemptsTotal == nil {
		return
	}
	m.ResyncAttemptsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

// SetDispatchQueueDepth records how many users are still queued behind
// the dispatcher's worker pool for the given alert's fan-out.
func (m *MetricsHolder) SetDispatchQueueDepth(alertID string, depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if depth <= 0 {
		delete(m.dispatchQueueMap, alertID)
		return
	}
	m.dispatchQueueMap[alertID] = depth
}

func (m *MetricsHolder) GetUnrealizedPnL() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.unrealizedPnLMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetActiveOrders() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.activeOrdersMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetPositionSize() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.positionSizeMap {
		res[k] = v
	}
	return res
}
