package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

type captureSender struct {
	name   string
	err    error
	titles []string
	bodies []string
}

func (c *captureSender) Send(_ context.Context, title, message string) error {
	c.titles = append(c.titles, title)
	c.bodies = append(c.bodies, message)
	return c.err
}

func (c *captureSender) Name() string { return c.name }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifierFiltersByKind(t *testing.T) {
	s := &captureSender{name: "capture"}
	n := NewNotifier([]Sender{s}, []string{"position_closed", " circuit_breaker_triggered "}, "", discardLogger())

	ctx := context.Background()
	n.HandleEvent(ctx, domain.Event{Kind: domain.EventPositionEntryPlaced, Symbol: "AAPL"})
	n.HandleEvent(ctx, domain.Event{Kind: domain.EventPositionClosed, Symbol: "AAPL", PnL: decimal.NewFromInt(-120)})
	n.HandleEvent(ctx, domain.Event{Kind: domain.EventCircuitBreakerTriggered, Reason: "daily loss limit"})

	require.Len(t, s.titles, 2)
	assert.Equal(t, "Closed AAPL", s.titles[0])
	assert.Contains(t, s.bodies[0], "pnl -120.00")
	assert.Equal(t, "Circuit breaker tripped", s.titles[1])
	assert.Contains(t, s.bodies[1], "reason: daily loss limit")
}

func TestNotifierEmptyFilterForwardsAll(t *testing.T) {
	s := &captureSender{name: "capture"}
	n := NewNotifier([]Sender{s}, nil, "paper-1", discardLogger())

	for _, k := range domain.EventKinds {
		n.HandleEvent(context.Background(), domain.Event{Kind: k, Symbol: "MSFT"})
	}
	require.Len(t, s.titles, len(domain.EventKinds))
	assert.Equal(t, "[paper-1] Entry  MSFT", s.titles[0])
}

func TestNotifierSendContinuesPastFailure(t *testing.T) {
	bad := &captureSender{name: "bad", err: errors.New("down")}
	good := &captureSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, "", discardLogger())

	err := n.Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: down")
	assert.Len(t, good.titles, 1)
}

func TestTelegramSenderPostsMessage(t *testing.T) {
	var got map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "42", WithTelegramBaseURL(srv.URL+"/"))
	require.NoError(t, s.Send(context.Background(), "Closed AAPL", "pnl 10.00"))

	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Closed AAPL*\npnl 10.00", got["text"])
}

func TestDiscordSenderReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord: unexpected status 429")
}

func TestFormatIncludesTimestamp(t *testing.T) {
	at := time.Date(2026, 3, 2, 15, 4, 5, 0, time.UTC)
	_, body := Format(domain.Event{Kind: domain.EventOrderRejected, Symbol: "TSLA", OrderID: "o-1", At: at})
	assert.Equal(t, "order o-1\n2026-03-02 15:04:05 UTC", body)
}
