package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

// newTestClient connects to the server named by TRADEEXEC_TEST_REDIS_ADDR and
// skips the test when it is unset.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TRADEEXEC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TRADEEXEC_TEST_REDIS_ADDR not set")
	}
	c, err := New(context.Background(), ClientConfig{Addr: addr, DB: 15, StreamMax: 100})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPriceCacheRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	pc := NewPriceCache(c, time.Minute)
	sym := "T" + uuid.NewString()[:8]

	_, _, err := pc.GetPrice(ctx, sym)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	ts := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	require.NoError(t, pc.SetPrice(ctx, sym, 101.25, ts))
	price, got, err := pc.GetPrice(ctx, sym)
	require.NoError(t, err)
	assert.Equal(t, 101.25, price)
	assert.True(t, ts.Equal(got))

	prices, err := pc.GetPrices(ctx, []string{sym, sym + "-missing"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{sym: 101.25}, prices)
}

func TestLockIsExclusiveAndRefreshable(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	lm := NewLockManager(c)
	key := "test:" + uuid.NewString()

	l, err := lm.Acquire(ctx, key, time.Second)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, key, time.Second)
	assert.True(t, errors.Is(err, domain.ErrLockHeld))

	require.NoError(t, l.Refresh(ctx, 2*time.Second))
	l.Release()
	l.Release()
	assert.Error(t, l.Refresh(ctx, time.Second))

	again, err := lm.Acquire(ctx, key, time.Second)
	require.NoError(t, err)
	again.Release()
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	rl := NewRateLimiter(c)
	key := "test:" + uuid.NewString()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, key, 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, key, 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSignalBusStream(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	bus := NewSignalBus(c)
	stream := "test:events:" + uuid.NewString()

	require.NoError(t, bus.StreamAppend(ctx, stream, []byte(`{"event":"position_closed"}`)))
	msgs, err := bus.StreamRead(ctx, stream, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"event":"position_closed"}`, string(msgs[0].Payload))

	sub, err := bus.Subscribe(ctx, "test:signals:"+uuid.NewString())
	require.NoError(t, err)
	assert.NotNil(t, sub)
}
