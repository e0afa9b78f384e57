// Package ingress is the webhook's HTTP binding: it accepts the
// external signal's freeform JSON body, validates and normalizes it
// into a dispatcher.IncomingAlert, and reports the per-cycle outcome.
// Plain net/http mux, no framework — this module's only inbound HTTP
// surface besides health and admin.
package ingress

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"sentryguard/internal/core"
	"sentryguard/internal/dispatcher"
	"sentryguard/internal/domain"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// IncomingAlert and Summary are aliases of internal/dispatcher's types,
// so this package's exported surface reads naturally without forcing
// every caller to import dispatcher just to name them.
type IncomingAlert = dispatcher.IncomingAlert
type Summary = dispatcher.Summary

// Dispatcher is the fan-out entry point as seen from the HTTP binding.
type Dispatcher interface {
	Dispatch(ctx context.Context, in IncomingAlert) (Summary, error)
}

// payload is the raw shape of the webhook body, deliberately permissive:
// every numeric/string field the indicator is known to send, plus nested
// objects for fields the indicator may only sometimes send. Unknown
// fields are preserved in the untouched raw body for audit.
type payload struct {
	Ping bool `json:"ping"`

	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	EntryPrice  json.RawMessage `json:"entryPrice"`
	Price       json.RawMessage `json:"price"`
	SL          json.RawMessage `json:"sl"`
	TP1         json.RawMessage `json:"tp1"`
	TP2         json.RawMessage `json:"tp2"`
	TP3         json.RawMessage `json:"tp3"`
	MainTP      json.RawMessage `json:"mainTp"`
	MainTPSnake json.RawMessage `json:"main_tp"`
	ATR         json.RawMessage `json:"atr"`
	Leverage    json.RawMessage `json:"leverage"`
	Strength    json.RawMessage `json:"strength"`
	Tier        string          `json:"tier"`
	Mode        string          `json:"mode"`
	Version     string          `json:"version"`
	VersionAlt  string          `json:"_indicator_version"`
	TVTimestamp json.RawMessage `json:"tv_ts"`
	IsTest      bool            `json:"is_test"`

	Timing struct {
		Session string `json:"session"`
	} `json:"timing"`
}

// Handler serves POST /webhook. Each source IP gets its own token
// bucket so one flooding origin cannot starve the endpoint for the
// signal source; authorization itself is the edge runtime's concern.
type Handler struct {
	dispatcher Dispatcher
	logger     core.ILogger

	ipLimiters sync.Map // map[string]*rate.Limiter
	rateLimit  rate.Limit
	rateBurst  int
}

func New(dispatcher Dispatcher, logger core.ILogger) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		logger:     logger.WithField("component", "ingress"),
		rateLimit:  rate.Limit(10),
		rateBurst:  20,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/webhook", h.handleWebhook)
}

// getRemoteIP extracts the client IP address. RemoteAddr rather than
// X-Forwarded-For: the latter is spoofable and this server does not
// sit behind a trusted proxy by default.
func getRemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// getIPLimiter returns or creates a rate limiter for the given IP.
func (h *Handler) getIPLimiter(ip string) *rate.Limiter {
	if val, ok := h.ipLimiters.Load(ip); ok {
		return val.(*rate.Limiter)
	}
	// LoadOrStore handles the race when multiple requests arrive
	// simultaneously from a fresh IP.
	actual, _ := h.ipLimiters.LoadOrStore(ip, rate.NewLimiter(h.rateLimit, h.rateBurst))
	return actual.(*rate.Limiter)
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.getIPLimiter(getRemoteIP(r)).Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if p.Ping {
		writeJSON(w, http.StatusOK, map[string]bool{"pong": true})
		return
	}

	in, err := toIncomingAlert(p, raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	summary, err := h.dispatcher.Dispatch(r.Context(), in)
	if err != nil {
		h.logger.Error("dispatch failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "dispatch failed"})
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func toIncomingAlert(p payload, raw []byte) (IncomingAlert, error) {
	side := domain.SideBuy
	if strings.EqualFold(p.Side, "SELL") {
		side = domain.SideSell
	}

	entry := firstDecimal(p.EntryPrice, p.Price)
	mainTP := firstDecimal(p.MainTP, p.MainTPSnake)
	version := p.Version
	if version == "" {
		version = p.VersionAlt
	}

	var tvTS time.Time
	if ms, ok := parseInt64(p.TVTimestamp); ok {
		tvTS = time.UnixMilli(ms)
	} else {
		tvTS = time.Now()
	}

	return IncomingAlert{
		Symbol:           p.Symbol,
		Side:             side,
		EntryPrice:       entry,
		SL:               decodeDecimal(p.SL),
		TP1:              decodeDecimal(p.TP1),
		TP2:              decodeDecimal(p.TP2),
		TP3:              decodeDecimal(p.TP3),
		MainTP:           mainTP,
		ATR:              decodeDecimal(p.ATR),
		Leverage:         decodeInt(p.Leverage),
		Strength:         decodeDecimal(p.Strength),
		Tier:             p.Tier,
		Mode:             p.Mode,
		IndicatorVersion: version,
		Session:          p.Timing.Session,
		TVTimestamp:      tvTS,
		RawPayload:       raw,
		IsTest:           p.IsTest,
	}, nil
}

func firstDecimal(candidates ...json.RawMessage) decimal.Decimal {
	for _, c := range candidates {
		if d, ok := tryDecodeDecimal(c); ok {
			return d
		}
	}
	return decimal.Zero
}

func decodeDecimal(raw json.RawMessage) decimal.Decimal {
	d, _ := tryDecodeDecimal(raw)
	return d
}

func tryDecodeDecimal(raw json.RawMessage) (decimal.Decimal, bool) {
	if len(raw) == 0 {
		return decimal.Zero, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		d, err := decimal.NewFromString(s)
		return d, err == nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return decimal.NewFromFloat(f), true
	}
	return decimal.Zero, false
}

func decodeInt(raw json.RawMessage) int {
	if v, ok := parseInt64(raw); ok {
		return int(v)
	}
	return 0
}

func parseInt64(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		v, err := strconv.ParseInt(s, 10, 64)
		return v, err == nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int64(f), true
	}
	return 0, false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

