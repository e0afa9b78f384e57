package reconciler

import (
	"context"
	"fmt"
	"time"

	"sentryguard/internal/core"
	"sentryguard/internal/domain"
	"sentryguard/internal/gateway"

	"github.com/shopspring/decimal"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

// fakeLeaseRepo models the monitor_locks single-row table: TryAcquire
// only replaces the row when it is absent or expired. The real store's
// TryAcquire is an INSERT OR IGNORE that never replaces an existing row;
// there an expired row is cleared by GCExpired's
// "DELETE ... WHERE expires_at < ?", which RunOnce calls first.
type fakeLeaseRepo struct {
	lease *domain.MonitorLease
}

func (f *fakeLeaseRepo) GCExpired(ctx context.Context, now time.Time) error {
	if f.lease != nil && now.After(f.lease.ExpiresAt) {
		f.lease = nil
	}
	return nil
}

func (f *fakeLeaseRepo) TryAcquire(ctx context.Context, instanceID string, acquiredAt, expiresAt time.Time) error {
	if f.lease == nil || acquiredAt.After(f.lease.ExpiresAt) {
		f.lease = &domain.MonitorLease{
			LockType:   domain.MonitorLockType,
			InstanceID: instanceID,
			AcquiredAt: acquiredAt,
			ExpiresAt:  expiresAt,
		}
	}
	return nil
}

func (f *fakeLeaseRepo) Read(ctx context.Context) (*domain.MonitorLease, error) {
	if f.lease == nil {
		return nil, nil
	}
	cp := *f.lease
	return &cp, nil
}

func (f *fakeLeaseRepo) Release(ctx context.Context, instanceID string) error {
	if f.lease != nil && f.lease.InstanceID == instanceID {
		f.lease = nil
	}
	return nil
}

// fakePositionRepo is an in-memory stand-in for internal/store's
// position table, keyed by auto-incrementing id.
type fakePositionRepo struct {
	nextID    int64
	positions map[int64]*domain.Position
}

func newFakePositionRepo() *fakePositionRepo {
	return &fakePositionRepo{positions: make(map[int64]*domain.Position)}
}

func (f *fakePositionRepo) ListOpenPositions(ctx context.Context, userID string) ([]*domain.Position, error) {
	var out []*domain.Position
	for _, p := range f.positions {
		if p.UserID == userID && p.Status == domain.PositionStatusOpen {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePositionRepo) GetPosition(ctx context.Context, id int64) (*domain.Position, error) {
	p, ok := f.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %d not found", id)
	}
	return p, nil
}

func (f *fakePositionRepo) CreatePosition(ctx context.Context, p *domain.Position) error {
	f.nextID++
	p.ID = f.nextID
	f.positions[p.ID] = p
	return nil
}

func (f *fakePositionRepo) UpdatePosition(ctx context.Context, p *domain.Position) error {
	f.positions[p.ID] = p
	return nil
}

func (f *fakePositionRepo) FinalizePosition(ctx context.Context, id int64, reason domain.CloseReason, closePrice, realizedPnL decimal.Decimal, closedAt time.Time) error {
	p, ok := f.positions[id]
	if !ok {
		return fmt.Errorf("position %d not found", id)
	}
	p.Status = domain.PositionStatusClosed
	p.CloseReason = reason
	p.ClosePrice = closePrice
	p.RealizedPnL = realizedPnL
	p.ClosedAt = &closedAt
	return nil
}

type fakeLogRepo struct {
	entries []domain.MonitoringLog
}

func (f *fakeLogRepo) Insert(ctx context.Context, log domain.MonitoringLog) error {
	f.entries = append(f.entries, log)
	return nil
}

type fakeBanRepo struct {
	bans []domain.BannedSymbol
}

func (f *fakeBanRepo) Ban(ctx context.Context, ban domain.BannedSymbol) error {
	f.bans = append(f.bans, ban)
	return nil
}

type fakeUserDirectory struct {
	userIDs []string
}

func (f *fakeUserDirectory) ActiveUserIDs(ctx context.Context) ([]string, error) {
	return f.userIDs, nil
}

type fakePolicyResolver struct {
	policy domain.UserPolicy
}

func (f *fakePolicyResolver) Resolve(ctx context.Context, userID, symbol string) (domain.UserPolicy, error) {
	return f.policy, nil
}

type fakeGatewayFactory struct {
	gw  gateway.Gateway
	err error
}

func (f *fakeGatewayFactory) ForUser(ctx context.Context, userID string) (gateway.Gateway, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.gw, nil
}

// fakeGateway is a stateful, in-memory Gateway: plan orders placed via
// PlaceBracket/Batch land in the same book ListPlanOrders reads back,
// CancelPlan mutates that same book, and FlashClose and reduce-only
// PlaceMarket shrink or clear the tracked position, so a test can drive
// a multi-step reconciliation the way the exchange actually would.
type fakeGateway struct {
	account domain.Account

	// position is the single-symbol exchange truth this fake tracks;
	// every test in this package only ever has one open position.
	position *domain.ExchangePosition
	ticker   map[string]domain.Ticker
	meta     map[string]domain.ContractMeta
	fills    []domain.Fill

	orders      []domain.ExchangeOrder
	nextOrderID int

	cancelled []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{ticker: map[string]domain.Ticker{}, meta: map[string]domain.ContractMeta{}}
}

func (g *fakeGateway) GetAccount(ctx context.Context) (domain.Account, gateway.Result) {
	return g.account, gateway.Result{OK: true}
}

func (g *fakeGateway) GetPositions(ctx context.Context) ([]domain.ExchangePosition, gateway.Result) {
	if g.position == nil {
		return nil, gateway.Result{OK: true}
	}
	return []domain.ExchangePosition{*g.position}, gateway.Result{OK: true}
}

func (g *fakeGateway) GetPosition(ctx context.Context, symbol string) (*domain.ExchangePosition, gateway.Result) {
	if g.position == nil || domain.NormalizeSymbol(g.position.Symbol) != domain.NormalizeSymbol(symbol) {
		return nil, gateway.Result{OK: true}
	}
	cp := *g.position
	return &cp, gateway.Result{OK: true}
}

func (g *fakeGateway) GetTicker(ctx context.Context, symbol string) (domain.Ticker, gateway.Result) {
	return g.ticker[symbol], gateway.Result{OK: true}
}

func (g *fakeGateway) GetContractMeta(ctx context.Context, symbol string) (domain.ContractMeta, gateway.Result) {
	return g.meta[symbol], gateway.Result{OK: true}
}

func (g *fakeGateway) newOrderID() string {
	g.nextOrderID++
	return fmt.Sprintf("ord-%d", g.nextOrderID)
}

func (g *fakeGateway) PlaceMarket(ctx context.Context, symbol string, side domain.MarketSide, size decimal.Decimal, reduceOnly bool) (string, gateway.Result) {
	if g.position != nil && reduceOnly {
		g.position.TotalSize = g.position.TotalSize.Sub(size)
		if !g.position.TotalSize.IsPositive() {
			g.position = nil
		}
	}
	return g.newOrderID(), gateway.Result{OK: true}
}

func (g *fakeGateway) PlaceBracket(ctx context.Context, symbol string, planType domain.PlanType, holdSide domain.HoldSide, triggerPrice, size, executePrice decimal.Decimal) (string, gateway.Result) {
	id := g.newOrderID()
	g.orders = append(g.orders, domain.ExchangeOrder{
		OrderID: id, Symbol: symbol, PlanType: planType, TriggerPrice: triggerPrice,
		Size: size, TradeSide: domain.TradeSideClose, HoldSide: holdSide, Status: domain.OrderStatusLive,
	})
	return id, gateway.Result{OK: true}
}

func (g *fakeGateway) CancelPlan(ctx context.Context, symbol, orderID string, planType domain.PlanType) gateway.Result {
	for i := range g.orders {
		if g.orders[i].OrderID == orderID {
			g.orders[i].Status = domain.OrderStatusCancelled
		}
	}
	g.cancelled = append(g.cancelled, orderID)
	return gateway.Result{OK: true}
}

func (g *fakeGateway) ModifyPlan(ctx context.Context, orderID string, triggerPrice decimal.Decimal) gateway.Result {
	for i := range g.orders {
		if g.orders[i].OrderID == orderID {
			g.orders[i].TriggerPrice = triggerPrice
		}
	}
	return gateway.Result{OK: true}
}

func (g *fakeGateway) FlashClose(ctx context.Context, symbol string, holdSide domain.HoldSide, size decimal.Decimal) (bool, gateway.Result) {
	if g.position == nil {
		return false, gateway.Result{OK: true}
	}
	g.position = nil
	return true, gateway.Result{OK: true}
}

func (g *fakeGateway) ListPlanOrders(ctx context.Context, symbol string, planType domain.PlanType) ([]domain.ExchangeOrder, gateway.Result) {
	var out []domain.ExchangeOrder
	for _, o := range g.orders {
		if domain.NormalizeSymbol(o.Symbol) == domain.NormalizeSymbol(symbol) && o.PlanType == planType {
			out = append(out, o)
		}
	}
	return out, gateway.Result{OK: true}
}

func (g *fakeGateway) GetFillHistory(ctx context.Context, symbol string, from, to int64, limit int) ([]domain.Fill, gateway.Result) {
	var out []domain.Fill
	for _, f := range g.fills {
		if domain.NormalizeSymbol(f.Symbol) == domain.NormalizeSymbol(symbol) {
			out = append(out, f)
		}
	}
	return out, gateway.Result{OK: true}
}

func (g *fakeGateway) GetPositionHistory(ctx context.Context, symbol string, from, to int64, cursor string) ([]domain.ExchangePosition, string, gateway.Result) {
	return nil, "", gateway.Result{OK: true}
}

func (g *fakeGateway) SetLeverage(ctx context.Context, symbol string, holdSide domain.HoldSide, leverage int) gateway.Result {
	return gateway.Result{OK: true}
}

func (g *fakeGateway) Batch(ctx context.Context, ops []gateway.BatchOp) []gateway.BatchResult {
	results := make([]gateway.BatchResult, 0, len(ops))
	for _, op := range ops {
		switch op.Kind {
		case gateway.BatchOpPlaceBracket:
			id, res := g.PlaceBracket(ctx, op.Symbol, op.PlanType, op.HoldSide, op.TriggerPrice, op.Size, op.ExecutePrice)
			results = append(results, gateway.BatchResult{ID: op.ID, OrderID: id, Result: res})
		case gateway.BatchOpPlaceMarket:
			id, res := g.PlaceMarket(ctx, op.Symbol, op.MarketSide, op.Size, op.ReduceOnly)
			results = append(results, gateway.BatchResult{ID: op.ID, OrderID: id, Result: res})
		}
	}
	return results
}

var _ gateway.Gateway = (*fakeGateway)(nil)
