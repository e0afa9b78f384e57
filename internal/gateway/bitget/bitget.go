// Package bitget implements internal/gateway.Gateway against Bitget's
// USDT-margined perpetual futures REST API: HMAC-SHA256 request
// signing, exchange error-code mapping to the engine's error kinds,
// and sequential batch placement for bracket setup.
package bitget

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sentryguard/internal/core"
	"sentryguard/internal/domain"
	"sentryguard/internal/gateway"
	apperrors "sentryguard/pkg/errors"
	apphttp "sentryguard/pkg/http"
	"sentryguard/pkg/idgen"

	"github.com/shopspring/decimal"
)

const (
	defaultBaseURL     = "https://api.bitget.com"
	defaultProductType = "USDT-FUTURES"
	defaultMarginCoin  = "USDT"
)

// Config is the credential and endpoint configuration for one user's
// Bitget client.
type Config struct {
	APIKey     string
	SecretKey  string
	Passphrase string
	BaseURL    string
}

// Gateway implements gateway.Gateway against a single user's Bitget
// credentials.
type Gateway struct {
	cfg    Config
	client *apphttp.Client
	logger core.ILogger
}

var _ gateway.Gateway = (*Gateway)(nil)

// New constructs a Bitget-backed gateway.Gateway for one user.
func New(cfg Config, logger core.ILogger) *Gateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	g := &Gateway{cfg: cfg, logger: logger.WithField("component", "gateway_bitget")}
	g.client = apphttp.NewClient(cfg.BaseURL, 10*time.Second, g)
	return g
}

// SignRequest implements apphttp.Signer: Bitget's ACCESS-SIGN HMAC
// scheme over timestamp+method+path(+query)+body.
func (g *Gateway) SignRequest(req *http.Request) error {
	timestamp := fmt.Sprintf("%d", time.Now().UnixMilli())
	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}

	var body string
	// The body has already been written to the request by the caller;
	// net/http.Request doesn't let us re-read it here cheaply, so
	// signing of POST bodies is done by the caller passing the exact
	// JSON string via requestBody context below when needed. For GET
	// requests body is always empty.
	if v := req.Context().Value(bodyCtxKey{}); v != nil {
		body, _ = v.(string)
	}

	payload := timestamp + req.Method + path + body

	mac := hmac.New(sha256.New, []byte(g.cfg.SecretKey))
	mac.Write([]byte(payload))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("ACCESS-KEY", g.cfg.APIKey)
	req.Header.Set("ACCESS-SIGN", signature)
	req.Header.Set("ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("ACCESS-PASSPHRASE", g.cfg.Passphrase)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("locale", "en-US")
	return nil
}

type bodyCtxKey struct{}

func withBody(ctx context.Context, body string) context.Context {
	if body == "" {
		return ctx
	}
	return context.WithValue(ctx, bodyCtxKey{}, body)
}

// parseError maps Bitget's numeric/string business codes to the
// engine's sentinel errors. This function is the ONLY place in the
// codebase that knows Bitget's codes; every caller above the Gateway
// only ever branches on sentinel identity or ErrorKind.
func parseError(body []byte) error {
	var errResp struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("bitget: %w: %s", apperrors.ErrSystemOverload, string(body))
	}

	switch errResp.Code {
	case "00000", "0":
		return nil
	case "40019", "45110":
		return apperrors.ErrInvalidOrderParameter
	case "40014", "40012":
		return apperrors.ErrAuthenticationFailed
	case "43009":
		return apperrors.ErrInsufficientFunds
	case "40029", "22002":
		return apperrors.ErrOrderNotFound
	case "40009", "40408":
		return apperrors.ErrSystemOverload
	case "40003", "30007":
		return apperrors.ErrRateLimitExceeded
	case "40047":
		return apperrors.ErrDuplicateOrder
	default:
		return fmt.Errorf("bitget error %s: %s", errResp.Code, errResp.Msg)
	}
}

func holdSideString(h domain.HoldSide) string {
	if h == domain.HoldSideShort {
		return "short"
	}
	return "long"
}

func planTypeString(p domain.PlanType) string {
	if p == domain.PlanTypeSL {
		return "pos_loss"
	}
	return "normal_plan"
}

// do issues a signed request and returns the decoded "data" field,
// classifying the error via parseError. No retries happen here.
func (g *Gateway) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var raw []byte
	var err error

	switch method {
	case http.MethodGet:
		raw, err = g.client.Get(ctx, path, nil)
	case http.MethodPost:
		var bodyStr string
		if body != nil {
			b, mErr := json.Marshal(body)
			if mErr != nil {
				return nil, mErr
			}
			bodyStr = string(b)
		}
		ctx = withBody(ctx, bodyStr)
		raw, err = g.client.Post(ctx, path, body)
	default:
		return nil, fmt.Errorf("unsupported method %s", method)
	}

	if err != nil {
		if apiErr, ok := err.(*apphttp.APIError); ok {
			return nil, parseError(apiErr.Body)
		}
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}

	var envelope struct {
		Code string          `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("bitget: decode response: %w", err)
	}
	if envelope.Code != "00000" && envelope.Code != "0" && envelope.Code != "" {
		return nil, parseError(raw)
	}
	return envelope.Data, nil
}

func (g *Gateway) GetAccount(ctx context.Context) (domain.Account, gateway.Result) {
	data, err := g.do(ctx, http.MethodGet, fmt.Sprintf("/api/v2/mix/account/accounts?productType=%s", defaultProductType), nil)
	if err != nil {
		return domain.Account{}, gateway.ResultFor(err)
	}
	var accounts []struct {
		Available string `json:"available"`
	}
	if err := json.Unmarshal(data, &accounts); err != nil || len(accounts) == 0 {
		return domain.Account{}, gateway.ResultFor(fmt.Errorf("bitget: decode account: %w", err))
	}
	bal, _ := decimal.NewFromString(accounts[0].Available)
	return domain.Account{AvailableBalance: bal}, gateway.ResultFor(nil)
}

func (g *Gateway) GetPositions(ctx context.Context) ([]domain.ExchangePosition, gateway.Result) {
	data, err := g.do(ctx, http.MethodGet, fmt.Sprintf("/api/v2/mix/position/all-position?productType=%s", defaultProductType), nil)
	if err != nil {
		return nil, gateway.ResultFor(err)
	}
	var raw []struct {
		Symbol       string `json:"symbol"`
		HoldSide     string `json:"holdSide"`
		Total        string `json:"total"`
		OpenPriceAvg string `json:"openPriceAvg"`
		Leverage     string `json:"leverage"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, gateway.ResultFor(fmt.Errorf("bitget: decode positions: %w", err))
	}
	out := make([]domain.ExchangePosition, 0, len(raw))
	for _, r := range raw {
		size, _ := decimal.NewFromString(r.Total)
		if size.IsZero() {
			continue
		}
		entry, _ := decimal.NewFromString(r.OpenPriceAvg)
		lev, _ := strconv.Atoi(r.Leverage)
		hold := domain.HoldSideLong
		if r.HoldSide == "short" {
			hold = domain.HoldSideShort
		}
		out = append(out, domain.ExchangePosition{
			Symbol:       r.Symbol,
			HoldSide:     hold,
			TotalSize:    size,
			AverageEntry: entry,
			Leverage:     lev,
		})
	}
	return out, gateway.ResultFor(nil)
}

func (g *Gateway) GetPosition(ctx context.Context, symbol string) (*domain.ExchangePosition, gateway.Result) {
	positions, res := g.GetPositions(ctx)
	if !res.OK {
		return nil, res
	}
	for i := range positions {
		if positions[i].Symbol == symbol {
			return &positions[i], gateway.ResultFor(nil)
		}
	}
	return nil, gateway.ResultFor(nil)
}

func (g *Gateway) GetTicker(ctx context.Context, symbol string) (domain.Ticker, gateway.Result) {
	data, err := g.do(ctx, http.MethodGet, fmt.Sprintf("/api/v2/mix/market/ticker?symbol=%s&productType=%s", symbol, defaultProductType), nil)
	if err != nil {
		return domain.Ticker{}, gateway.ResultFor(err)
	}
	var raw []struct {
		LastPr string `json:"lastPr"`
	}
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) == 0 {
		return domain.Ticker{}, gateway.ResultFor(fmt.Errorf("bitget: decode ticker: %w", err))
	}
	last, _ := decimal.NewFromString(raw[0].LastPr)
	return domain.Ticker{Symbol: symbol, Last: last}, gateway.ResultFor(nil)
}

func (g *Gateway) GetContractMeta(ctx context.Context, symbol string) (domain.ContractMeta, gateway.Result) {
	data, err := g.do(ctx, http.MethodGet, fmt.Sprintf("/api/v2/mix/market/contracts?symbol=%s&productType=%s", symbol, defaultProductType), nil)
	if err != nil {
		return domain.ContractMeta{}, gateway.ResultFor(err)
	}
	var raw []struct {
		PricePlace  string `json:"pricePlace"`
		VolumePlace string `json:"volumePlace"`
		MinTradeNum string `json:"minTradeNum"`
	}
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) == 0 {
		return domain.ContractMeta{}, gateway.ResultFor(fmt.Errorf("bitget: decode contract meta: %w", err))
	}
	pricePlace, _ := strconv.Atoi(raw[0].PricePlace)
	volumePlace, _ := strconv.Atoi(raw[0].VolumePlace)
	minQty, _ := decimal.NewFromString(raw[0].MinTradeNum)
	return domain.ContractMeta{
		Symbol:       symbol,
		PricePlaces:  int32(pricePlace),
		VolumePlaces: int32(volumePlace),
		MinQty:       minQty,
	}, gateway.ResultFor(nil)
}

func (g *Gateway) PlaceMarket(ctx context.Context, symbol string, side domain.MarketSide, size decimal.Decimal, reduceOnly bool) (string, gateway.Result) {
	// No limit price to encode for a market order; the size stands in
	// so the id still sorts/reads distinctly per request.
	clientOID := idgen.AddBrokerPrefix("bitget", idgen.GenerateCompactOrderID(size, strings.ToUpper(marketSideToSide(side)), 3))
	body := map[string]any{
		"symbol":      symbol,
		"productType": defaultProductType,
		"marginCoin":  defaultMarginCoin,
		"marginMode":  "crossed",
		"size":        size.String(),
		"side":        marketSideToSide(side),
		"tradeSide":   marketSideToTradeSide(side),
		"orderType":   "market",
		"force":       forceFor(reduceOnly),
		"reduceOnly":  strconv.FormatBool(reduceOnly),
		"clientOid":   clientOID,
	}
	data, err := g.do(ctx, http.MethodPost, "/api/v2/mix/order/place-order", body)
	if err != nil {
		return "", gateway.ResultFor(err)
	}
	var resp struct {
		OrderId string `json:"orderId"`
	}
	_ = json.Unmarshal(data, &resp)
	return resp.OrderId, gateway.ResultFor(nil)
}

func marketSideToSide(s domain.MarketSide) string {
	switch s {
	case domain.MarketSideOpenLong, domain.MarketSideCloseShort:
		return "buy"
	default:
		return "sell"
	}
}

func marketSideToTradeSide(s domain.MarketSide) string {
	switch s {
	case domain.MarketSideOpenLong, domain.MarketSideOpenShort:
		return "open"
	default:
		return "close"
	}
}

func forceFor(reduceOnly bool) string {
	if reduceOnly {
		return "ioc"
	}
	return "gtc"
}

func (g *Gateway) PlaceBracket(ctx context.Context, symbol string, planType domain.PlanType, holdSide domain.HoldSide, triggerPrice decimal.Decimal, size decimal.Decimal, executePrice decimal.Decimal) (string, gateway.Result) {
	side := "SELL"
	if holdSide == domain.HoldSideShort {
		side = "BUY"
	}
	clientOID := idgen.AddBrokerPrefix("bitget", idgen.GenerateCompactOrderID(triggerPrice, side, 2))
	body := map[string]any{
		"symbol":       symbol,
		"productType":  defaultProductType,
		"marginCoin":   defaultMarginCoin,
		"planType":     planTypeString(planType),
		"triggerPrice": triggerPrice.String(),
		"holdSide":     holdSideString(holdSide),
		"triggerType":  "mark_price",
		"clientOid":    clientOID,
	}
	if !size.IsZero() {
		body["size"] = size.String()
	}
	if executePrice.IsZero() {
		body["executePrice"] = "0"
	} else {
		body["executePrice"] = executePrice.String()
	}
	path := "/api/v2/mix/order/place-tpsl-order"
	if planType == domain.PlanTypeTP {
		path = "/api/v2/mix/order/place-plan-order"
		body["tradeSide"] = "close"
		body["orderType"] = "market"
	}
	data, err := g.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return "", gateway.ResultFor(err)
	}
	var resp struct {
		OrderId string `json:"orderId"`
	}
	_ = json.Unmarshal(data, &resp)
	return resp.OrderId, gateway.ResultFor(nil)
}

func (g *Gateway) CancelPlan(ctx context.Context, symbol string, orderID string, planType domain.PlanType) gateway.Result {
	body := map[string]any{
		"symbol":      symbol,
		"productType": defaultProductType,
		"marginCoin":  defaultMarginCoin,
		"orderId":     orderID,
		"planType":    planTypeString(planType),
	}
	_, err := g.do(ctx, http.MethodPost, "/api/v2/mix/order/cancel-plan-order", body)
	return gateway.ResultFor(err)
}

func (g *Gateway) ModifyPlan(ctx context.Context, orderID string, triggerPrice decimal.Decimal) gateway.Result {
	body := map[string]any{
		"orderId":      orderID,
		"triggerPrice": triggerPrice.String(),
	}
	_, err := g.do(ctx, http.MethodPost, "/api/v2/mix/order/modify-plan-order", body)
	return gateway.ResultFor(err)
}

func (g *Gateway) FlashClose(ctx context.Context, symbol string, holdSide domain.HoldSide, size decimal.Decimal) (bool, gateway.Result) {
	body := map[string]any{
		"symbol":      symbol,
		"productType": defaultProductType,
		"holdSide":    holdSideString(holdSide),
	}
	if !size.IsZero() {
		body["size"] = size.String()
	}
	data, err := g.do(ctx, http.MethodPost, "/api/v2/mix/order/close-positions", body)
	if err != nil {
		return false, gateway.ResultFor(err)
	}
	var resp struct {
		SuccessList []struct {
			OrderId string `json:"orderId"`
		} `json:"successList"`
	}
	_ = json.Unmarshal(data, &resp)
	return len(resp.SuccessList) > 0, gateway.ResultFor(nil)
}

func (g *Gateway) ListPlanOrders(ctx context.Context, symbol string, planType domain.PlanType) ([]domain.ExchangeOrder, gateway.Result) {
	path := fmt.Sprintf("/api/v2/mix/order/orders-plan-pending?symbol=%s&productType=%s&planType=%s",
		symbol, defaultProductType, planTypeString(planType))
	data, err := g.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, gateway.ResultFor(err)
	}
	var resp struct {
		EntrustedList []struct {
			OrderId      string `json:"orderId"`
			Symbol       string `json:"symbol"`
			TriggerPrice string `json:"triggerPrice"`
			Size         string `json:"size"`
			TradeSide    string `json:"tradeSide"`
			HoldSide     string `json:"holdSide"`
			Status       string `json:"status"`
		} `json:"entrustedList"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, gateway.ResultFor(fmt.Errorf("bitget: decode plan orders: %w", err))
	}
	out := make([]domain.ExchangeOrder, 0, len(resp.EntrustedList))
	for _, o := range resp.EntrustedList {
		if o.Status != "live" && o.Status != "" {
			continue
		}
		trigger, _ := decimal.NewFromString(o.TriggerPrice)
		size, _ := decimal.NewFromString(o.Size)
		hold := domain.HoldSideLong
		if o.HoldSide == "short" {
			hold = domain.HoldSideShort
		}
		trade := domain.TradeSideClose
		if o.TradeSide == "open" {
			trade = domain.TradeSideOpen
		}
		out = append(out, domain.ExchangeOrder{
			OrderID:      o.OrderId,
			Symbol:       o.Symbol,
			PlanType:     planType,
			TriggerPrice: trigger,
			Size:         size,
			TradeSide:    trade,
			HoldSide:     hold,
			Status:       domain.OrderStatusLive,
		})
	}
	return out, gateway.ResultFor(nil)
}

func (g *Gateway) GetFillHistory(ctx context.Context, symbol string, from, to int64, limit int) ([]domain.Fill, gateway.Result) {
	path := fmt.Sprintf("/api/v2/mix/order/fill-history?symbol=%s&productType=%s&startTime=%d&endTime=%d&limit=%d",
		symbol, defaultProductType, from, to, limit)
	data, err := g.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, gateway.ResultFor(err)
	}
	var resp struct {
		FillList []struct {
			OrderId   string `json:"orderId"`
			Symbol    string `json:"symbol"`
			TradeSide string `json:"tradeSide"`
			HoldSide  string `json:"holdSide"`
			Price     string `json:"price"`
			BaseVolume string `json:"baseVolume"`
			CTime     string `json:"cTime"`
		} `json:"fillList"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, gateway.ResultFor(fmt.Errorf("bitget: decode fill history: %w", err))
	}
	out := make([]domain.Fill, 0, len(resp.FillList))
	for _, f := range resp.FillList {
		price, _ := decimal.NewFromString(f.Price)
		size, _ := decimal.NewFromString(f.BaseVolume)
		ts, _ := strconv.ParseInt(f.CTime, 10, 64)
		trade := domain.TradeSideClose
		if f.TradeSide == "open" {
			trade = domain.TradeSideOpen
		}
		hold := domain.HoldSideLong
		if f.HoldSide == "short" {
			hold = domain.HoldSideShort
		}
		out = append(out, domain.Fill{
			OrderID:   f.OrderId,
			Symbol:    f.Symbol,
			TradeSide: trade,
			HoldSide:  hold,
			Price:     price,
			Size:      size,
			Timestamp: ts,
		})
	}
	return out, gateway.ResultFor(nil)
}

func (g *Gateway) GetPositionHistory(ctx context.Context, symbol string, from, to int64, cursor string) ([]domain.ExchangePosition, string, gateway.Result) {
	path := fmt.Sprintf("/api/v2/mix/position/history-position?symbol=%s&productType=%s&startTime=%d&endTime=%d",
		symbol, defaultProductType, from, to)
	if cursor != "" {
		path += "&idLessThan=" + cursor
	}
	data, err := g.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, "", gateway.ResultFor(err)
	}
	var resp struct {
		List []struct {
			Symbol       string `json:"symbol"`
			HoldSide     string `json:"holdSide"`
			OpenAvgPrice string `json:"openAvgPrice"`
		} `json:"list"`
		EndID string `json:"endId"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, "", gateway.ResultFor(fmt.Errorf("bitget: decode position history: %w", err))
	}
	out := make([]domain.ExchangePosition, 0, len(resp.List))
	for _, p := range resp.List {
		entry, _ := decimal.NewFromString(p.OpenAvgPrice)
		hold := domain.HoldSideLong
		if p.HoldSide == "short" {
			hold = domain.HoldSideShort
		}
		out = append(out, domain.ExchangePosition{Symbol: p.Symbol, HoldSide: hold, AverageEntry: entry})
	}
	return out, resp.EndID, gateway.ResultFor(nil)
}

func (g *Gateway) SetLeverage(ctx context.Context, symbol string, holdSide domain.HoldSide, leverage int) gateway.Result {
	body := map[string]any{
		"symbol":      symbol,
		"productType": defaultProductType,
		"marginCoin":  defaultMarginCoin,
		"leverage":    strconv.Itoa(leverage),
		"holdSide":    holdSideString(holdSide),
	}
	_, err := g.do(ctx, http.MethodPost, "/api/v2/mix/account/set-leverage", body)
	return gateway.ResultFor(err)
}

// Batch executes ops sequentially — it saves round trips, it is not
// atomic. Each op's own error is captured independently so a
// single failing leg does not abort the rest of the bracket.
func (g *Gateway) Batch(ctx context.Context, ops []gateway.BatchOp) []gateway.BatchResult {
	results := make([]gateway.BatchResult, 0, len(ops))
	for _, op := range ops {
		switch op.Kind {
		case gateway.BatchOpPlaceBracket:
			orderID, res := g.PlaceBracket(ctx, op.Symbol, op.PlanType, op.HoldSide, op.TriggerPrice, op.Size, op.ExecutePrice)
			results = append(results, gateway.BatchResult{ID: op.ID, OrderID: orderID, Result: res})
		case gateway.BatchOpPlaceMarket:
			orderID, res := g.PlaceMarket(ctx, op.Symbol, op.MarketSide, op.Size, op.ReduceOnly)
			results = append(results, gateway.BatchResult{ID: op.ID, OrderID: orderID, Result: res})
		default:
			results = append(results, gateway.BatchResult{ID: op.ID, Result: gateway.ResultFor(fmt.Errorf("unknown batch op kind %q", op.Kind))})
		}
	}
	return results
}
