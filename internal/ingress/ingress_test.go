package ingress

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"sentryguard/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Debug(msg string, f ...interface{})               {}
func (nopLogger) Info(msg string, f ...interface{})                {}
func (nopLogger) Warn(msg string, f ...interface{})                {}
func (nopLogger) Error(msg string, f ...interface{})               {}
func (nopLogger) Fatal(msg string, f ...interface{})               {}
func (nopLogger) WithField(k string, v interface{}) core.ILogger   { return nopLogger{} }
func (nopLogger) WithFields(f map[string]interface{}) core.ILogger { return nopLogger{} }

type fakeDispatcher struct {
	calls   int
	last    IncomingAlert
	summary Summary
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, in IncomingAlert) (Summary, error) {
	f.calls++
	f.last = in
	return f.summary, nil
}

func post(h *Handler, body, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	mux := http.NewServeMux()
	h.Register(mux)
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandleWebhook_Ping(t *testing.T) {
	d := &fakeDispatcher{}
	h := New(d, nopLogger{})

	rec := post(h, `{"ping":true}`, "10.0.0.1:1234")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"pong":true}`, rec.Body.String())
	assert.Zero(t, d.calls)
}

func TestHandleWebhook_NormalizesAndDispatches(t *testing.T) {
	d := &fakeDispatcher{}
	h := New(d, nopLogger{})

	body := `{"symbol":"BINANCE:BTCUSDT.P","side":"SELL","price":"100.5","sl":102,"tp1":"99","leverage":10,"tv_ts":1700000000000}`
	rec := post(h, body, "10.0.0.1:1234")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, d.calls)
	// Prefix/suffix stripping happens in the dispatcher; the handler
	// passes the symbol through untouched alongside the raw body.
	assert.Equal(t, "BINANCE:BTCUSDT.P", d.last.Symbol)
	assert.Equal(t, "100.5", d.last.EntryPrice.String())
	assert.Equal(t, "102", d.last.SL.String())
	assert.Equal(t, 10, d.last.Leverage)
	assert.JSONEq(t, body, string(d.last.RawPayload))
}

func TestHandleWebhook_PerIPRateLimit(t *testing.T) {
	d := &fakeDispatcher{}
	h := New(d, nopLogger{})

	var limited bool
	for i := 0; i < 50; i++ {
		if post(h, `{"ping":true}`, "10.0.0.2:1234").Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	assert.True(t, limited, "a flooding IP must eventually see 429")

	// A different source IP still has a full bucket.
	assert.Equal(t, http.StatusOK, post(h, `{"ping":true}`, "10.0.0.3:1234").Code)
}

func TestHandleWebhook_RejectsGet(t *testing.T) {
	h := New(&fakeDispatcher{}, nopLogger{})
	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	req.RemoteAddr = "10.0.0.4:1234"
	rec := httptest.NewRecorder()
	mux := http.NewServeMux()
	h.Register(mux)
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
