package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradeexec/internal/domain"
	"github.com/alanyoungcy/tradeexec/internal/monitor"
	"github.com/alanyoungcy/tradeexec/internal/server/handler"
)

type fakeEngine struct {
	positions map[string]domain.Position
	trades    []domain.Trade
	enterErr  error
	submitErr error
	lastStop  float64
	lastOpts  domain.ListOpts
	resets    int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{positions: map[string]domain.Position{
		"AAPL": {ID: "p1", Symbol: "AAPL", Side: domain.SideLong, Quantity: 10, State: domain.PositionOpen},
	}}
}

func (f *fakeEngine) GetPositions() []domain.Position {
	var out []domain.Position
	for _, p := range f.positions {
		out = append(out, p)
	}
	return out
}

func (f *fakeEngine) GetPosition(symbol string) (domain.Position, bool) {
	p, ok := f.positions[symbol]
	return p, ok
}

func (f *fakeEngine) ExitPosition(_ context.Context, symbol string, reason domain.ExitReason, _ float64) (domain.ExitResult, error) {
	p, ok := f.positions[symbol]
	if !ok {
		return domain.ExitResult{}, fmt.Errorf("engine: exit %s: %w", symbol, domain.ErrNoPosition)
	}
	delete(f.positions, symbol)
	p.State = domain.PositionClosed
	return domain.ExitResult{Success: true, Position: &p, Trade: &domain.Trade{Symbol: symbol, ExitReason: reason}}, nil
}

func (f *fakeEngine) ModifyStop(_ context.Context, symbol string, stop float64) (domain.Position, error) {
	p, ok := f.positions[symbol]
	if !ok {
		return domain.Position{}, domain.ErrNoPosition
	}
	f.lastStop = stop
	p.StopLoss = stop
	return p, nil
}

func (f *fakeEngine) ModifyTarget(_ context.Context, symbol string, target float64) (domain.Position, error) {
	p, ok := f.positions[symbol]
	if !ok {
		return domain.Position{}, domain.ErrNoPosition
	}
	p.Target = target
	return p, nil
}

func (f *fakeEngine) EnterPosition(_ context.Context, sig domain.Signal) (domain.EntryResult, error) {
	if f.enterErr != nil {
		v := domain.Validation{Violations: []domain.Violation{{Code: domain.ViolationBreakerTripped, Severity: domain.SeverityHard, Message: "breaker tripped"}}}
		return domain.EntryResult{Validation: v, Message: "breaker tripped"}, f.enterErr
	}
	p := domain.Position{ID: "p2", Symbol: sig.Symbol, State: domain.PositionOpen}
	return domain.EntryResult{Accepted: true, Position: &p, Validation: domain.Validation{Approved: true, Quantity: 5}}, nil
}

func (f *fakeEngine) SubmitSignal(_ context.Context, sig domain.Signal) (string, error) {
	if f.submitErr != nil {
		return "sig-1", f.submitErr
	}
	return "sig-1", nil
}

func (f *fakeEngine) GetTrades(_ context.Context, opts domain.ListOpts) ([]domain.Trade, error) {
	f.lastOpts = opts
	return f.trades, nil
}

func (f *fakeEngine) Mode() string        { return "simulated" }
func (f *fakeEngine) Running() bool       { return true }
func (f *fakeEngine) PendingSignals() int { return 2 }
func (f *fakeEngine) GetStats() domain.Stats {
	return domain.Stats{Mode: "simulated", TradesToday: 3}
}
func (f *fakeEngine) Breaker() domain.BreakerStatus { return domain.BreakerStatus{} }
func (f *fakeEngine) ResetBreaker(context.Context) error {
	f.resets++
	return nil
}
func (f *fakeEngine) SchedulerStatus() []monitor.TaskStatus {
	return []monitor.TaskStatus{{Name: "exit_check", Interval: time.Second, Runs: 4}}
}

type denyLimiter struct{ allow bool }

func (d denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return d.allow, nil
}

func newTestServer(t *testing.T, eng *fakeEngine, cfg Config, limiter domain.RateLimiter) http.Handler {
	t.Helper()
	logger := slog.Default()
	h := Handlers{
		Health:    handler.NewHealthHandler(eng.Running, nil, logger),
		Positions: handler.NewPositionHandler(eng, logger),
		Signals:   handler.NewSignalHandler(eng, logger),
		Trades:    handler.NewTradeHandler(eng, logger),
		Status:    handler.NewStatusHandler(eng, "test", logger),
	}
	return NewServer(cfg, h, nil, limiter, logger).Handler()
}

func do(h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		r.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestAuth(t *testing.T) {
	h := newTestServer(t, newFakeEngine(), Config{APIKey: "secret"}, nil)

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/health", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/api/positions", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/api/positions", "", "X-API-Key", "wrong").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/positions", "", "Authorization", "Bearer secret").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/positions?token=secret", "").Code)
}

func TestPositionsEndpoints(t *testing.T) {
	eng := newFakeEngine()
	h := newTestServer(t, eng, Config{}, nil)

	w := do(h, http.MethodGet, "/api/positions", "")
	require.Equal(t, http.StatusOK, w.Code)
	positions := decode(t, w)["positions"].([]any)
	require.Len(t, positions, 1)
	assert.Equal(t, "AAPL", positions[0].(map[string]any)["symbol"])

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/positions/aapl", "").Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/api/positions/MSFT", "").Code)

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPut, "/api/positions/AAPL/stop", `{"price":"x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPut, "/api/positions/AAPL/stop", `{}`).Code)
	w = do(h, http.MethodPut, "/api/positions/AAPL/stop", `{"price":95.5}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 95.5, eng.lastStop)
	assert.Equal(t, 95.5, decode(t, w)["stop_loss"])

	w = do(h, http.MethodPost, "/api/positions/AAPL/exit", `{"reason":"MANUAL"}`)
	require.Equal(t, http.StatusOK, w.Code)
	trade := decode(t, w)["trade"].(map[string]any)
	assert.Equal(t, "MANUAL", trade["exit_reason"])

	w = do(h, http.MethodPost, "/api/positions/AAPL/exit", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEntryAndSignalEndpoints(t *testing.T) {
	eng := newFakeEngine()
	h := newTestServer(t, eng, Config{}, nil)

	body := `{"symbol":"msft","direction":"long_entry","entry_price":100,"stop_loss":98,"target":104,"allocation_pct":10,"strategy_id":"s1"}`
	w := do(h, http.MethodPost, "/api/entries", body)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, true, decode(t, w)["accepted"])

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/api/entries", `{"symbol":"MSFT","direction":"exit"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/api/entries", `{"symbol":"MSFT","bogus":1}`).Code)

	eng.enterErr = fmt.Errorf("engine: enter MSFT: %w: breaker tripped", domain.ErrCircuitBreakerActive)
	w = do(h, http.MethodPost, "/api/entries", body)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	result := decode(t, w)["result"].(map[string]any)
	violations := result["validation"].(map[string]any)["violations"].([]any)
	assert.Equal(t, domain.ViolationBreakerTripped, violations[0].(map[string]any)["code"])

	w = do(h, http.MethodPost, "/api/signals", body)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "sig-1", decode(t, w)["signal_id"])

	eng.submitErr = fmt.Errorf("engine: submit signal sig-1: %w", domain.ErrDuplicateSignal)
	assert.Equal(t, http.StatusConflict, do(h, http.MethodPost, "/api/signals", body).Code)
}

func TestTradesAndStatus(t *testing.T) {
	eng := newFakeEngine()
	eng.trades = []domain.Trade{{ID: "t1", Symbol: "AAPL"}}
	h := newTestServer(t, eng, Config{}, nil)

	w := do(h, http.MethodGet, "/api/trades?since=2026-03-02T00:00:00Z&limit=1000&offset=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["trades"], 1)
	assert.Equal(t, 500, eng.lastOpts.Limit)
	assert.Equal(t, 5, eng.lastOpts.Offset)
	require.NotNil(t, eng.lastOpts.Since)
	assert.Nil(t, eng.lastOpts.Until)

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/api/trades?until=yesterday", "").Code)

	w = do(h, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	st := decode(t, w)
	assert.Equal(t, "simulated", st["mode"])
	assert.Equal(t, float64(2), st["pending_signals"])
	assert.Len(t, st["tasks"], 1)

	w = do(h, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), decode(t, w)["trades_today"])

	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/api/breaker/reset", "").Code)
	assert.Equal(t, 1, eng.resets)
}

func TestRateLimitAndCORS(t *testing.T) {
	h := newTestServer(t, newFakeEngine(), Config{RateLimit: 1, RateWindow: time.Second, CORSOrigins: []string{"http://localhost:3000"}}, denyLimiter{})

	w := do(h, http.MethodGet, "/api/positions", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = do(h, http.MethodOptions, "/api/positions", "", "Origin", "http://localhost:3000")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))

	h = newTestServer(t, newFakeEngine(), Config{RateLimit: 1, RateWindow: time.Second}, denyLimiter{allow: true})
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/positions", "").Code)
}
