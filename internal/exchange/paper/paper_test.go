package paper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader/internal/core"
	"autotrader/internal/mock"
	apperrors "autotrader/pkg/errors"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(Options{
		FeeRate:          0.006,
		StartingUSD:      decimal.NewFromInt(1000),
		Seed:             42,
		TickInterval:     5 * time.Millisecond,
		StartingPriceUSD: map[string]float64{"BTC-USD": 50000},
	}, mock.NewLogger())
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

func TestEngine_BuyAdjustsBalances(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	id, err := e.SubmitMarketOrder(ctx, &core.MarketOrderRequest{
		Pair: "BTC-USD", Side: core.SideBuy,
		QuoteSizeUSD: decimal.NewFromInt(100), IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	balances, err := e.ListBalances(ctx)
	require.NoError(t, err)
	// 1000 - 100 notional - 0.60 fee
	assert.True(t, balances["USD"].Available.Equal(decimal.RequireFromString("899.4")),
		"got USD %s", balances["USD"].Available)
	assert.True(t, balances["BTC"].Available.IsPositive())

	state, err := e.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.ExchangeOrderFilled, state.Status)
	require.Len(t, state.Fills, 1)
	assert.True(t, state.Fills[0].CommissionUSD.Equal(decimal.RequireFromString("0.6")))
}

func TestEngine_SellRoundTrip(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	_, err := e.SubmitMarketOrder(ctx, &core.MarketOrderRequest{
		Pair: "BTC-USD", Side: core.SideBuy,
		QuoteSizeUSD: decimal.NewFromInt(100), IdempotencyKey: "buy",
	})
	require.NoError(t, err)

	balances, _ := e.ListBalances(ctx)
	held := balances["BTC"].Available

	_, err = e.SubmitMarketOrder(ctx, &core.MarketOrderRequest{
		Pair: "BTC-USD", Side: core.SideSell,
		BaseSize: held, IdempotencyKey: "sell",
	})
	require.NoError(t, err)

	balances, _ = e.ListBalances(ctx)
	assert.True(t, balances["BTC"].Available.IsZero())
	// Two fee charges; never more than the start.
	assert.True(t, balances["USD"].Available.LessThan(decimal.NewFromInt(1000)))
	assert.True(t, balances["USD"].Available.GreaterThan(decimal.NewFromInt(990)))
}

func TestEngine_InsufficientFunds(t *testing.T) {
	e := newEngine(t)

	_, err := e.SubmitMarketOrder(context.Background(), &core.MarketOrderRequest{
		Pair: "BTC-USD", Side: core.SideBuy,
		QuoteSizeUSD: decimal.NewFromInt(5000), IdempotencyKey: "big",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
}

func TestEngine_IdempotentSubmit(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	req := &core.MarketOrderRequest{
		Pair: "BTC-USD", Side: core.SideBuy,
		QuoteSizeUSD: decimal.NewFromInt(50), IdempotencyKey: "same",
	}
	id1, err := e.SubmitMarketOrder(ctx, req)
	require.NoError(t, err)
	id2, err := e.SubmitMarketOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	balances, _ := e.ListBalances(ctx)
	assert.True(t, balances["USD"].Available.Equal(decimal.RequireFromString("949.7")),
		"duplicate submit must not double-charge, got %s", balances["USD"].Available)
}

func TestEngine_CandlesEndAtLivePrice(t *testing.T) {
	e := newEngine(t)

	candles, err := e.GetCandles(context.Background(), "BTC-USD", "60", 50)
	require.NoError(t, err)
	require.Len(t, candles, 50)
	assert.InDelta(t, 50000, candles[49].Close, 1)
	for i := 1; i < len(candles); i++ {
		assert.True(t, candles[i].Ts.After(candles[i-1].Ts), "candles must be oldest first")
	}
}

func TestEngine_FeedEmitsSubscribedPairs(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.Subscribe("BTC-USD"))

	var mu sync.Mutex
	var got []core.Ticker
	require.NoError(t, e.Start(context.Background(), func(tk core.Ticker) {
		mu.Lock()
		got = append(got, tk)
		mu.Unlock()
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, e.Healthy())

	mu.Lock()
	first := got[0]
	mu.Unlock()
	assert.Equal(t, "BTC-USD", first.Pair)
	assert.True(t, first.Price.IsPositive())

	require.NoError(t, e.Stop())
	assert.False(t, e.Healthy())
}

func TestEngine_GetProductSplitsPair(t *testing.T) {
	e := newEngine(t)
	p, err := e.GetProduct(context.Background(), "ETH-USD")
	require.NoError(t, err)
	assert.Equal(t, "ETH", p.BaseCurrency)
	assert.Equal(t, "USD", p.QuoteCurrency)

	_, err = e.GetProduct(context.Background(), "nodash")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.Classify(err))
}
