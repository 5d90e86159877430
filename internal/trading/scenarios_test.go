package trading_test

// End-to-end coverage of the full trade path: evaluator -> executor ->
// exchange -> reconciler -> fill store -> P&L, against the scriptable
// mock exchange.

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader/internal/account"
	"autotrader/internal/bot"
	"autotrader/internal/core"
	"autotrader/internal/market"
	"autotrader/internal/mock"
	"autotrader/internal/storage"
	"autotrader/internal/trading"
)

var scenarioBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func at(secs int) time.Time { return scenarioBase.Add(time.Duration(secs) * time.Second) }

func tickAt(secs int) core.Ticker {
	return core.Ticker{Pair: "BTC-USD", Price: decimal.NewFromInt(50000), Ts: at(secs)}
}

func candlesFrom(closes []float64) []core.Candle {
	out := make([]core.Candle, len(closes))
	for i, c := range closes {
		out[i] = core.Candle{
			Ts:    scenarioBase.Add(time.Duration(i-len(closes)) * time.Minute),
			Open:  c, High: c, Low: c, Close: c, Volume: 1,
		}
	}
	return out
}

var (
	fallingMarket = []float64{100, 99, 98, 97, 96, 95}
	risingMarket  = []float64{95, 96, 97, 98, 99, 100}
)

type eventLog struct {
	mu     sync.Mutex
	events []core.TradeEvent
}

func (l *eventLog) sink(ev core.TradeEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) ofType(t core.TradeEventType) []core.TradeEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []core.TradeEvent
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type scenario struct {
	ex     *mock.Exchange
	store  *storage.MemoryStore
	exec   *trading.Executor
	rec    *trading.Reconciler
	eval   *bot.Evaluator
	bot    *core.Bot
	events *eventLog
}

func newScenario(t *testing.T, mutate func(*core.Bot)) *scenario {
	t.Helper()

	ex := mock.NewExchange()
	ex.SetBalance("USD", decimal.NewFromInt(1000), decimal.Zero)
	ex.SetBalance("BTC", decimal.NewFromInt(1), decimal.Zero)
	ex.FillPrice = decimal.NewFromInt(50000)
	ex.FeeRate = decimal.RequireFromString("0.005")
	ex.SetCandles("BTC-USD", candlesFrom(fallingMarket))

	store := storage.NewMemoryStore()
	events := &eventLog{}
	accounts := account.NewCache(ex, mock.NewLogger(), time.Minute, 5*time.Minute)
	exec := trading.NewExecutor(ex, store, accounts, mock.NewLogger(), 0.005, events.sink)
	rec := trading.NewReconciler(ex, store, accounts, mock.NewLogger(), trading.ReconcilerConfig{
		Interval:      time.Hour,
		Grace:         0,
		WarnAfter:     10 * time.Minute,
		CriticalAfter: 30 * time.Minute,
	}, events.sink)

	b := &core.Bot{
		Name: "btc-e2e", Pair: "BTC-USD", Status: core.BotRunning,
		Signals: []core.SignalConfig{
			{Kind: core.IndicatorRSI, Weight: 1, Enabled: true, Period: 3, BuyThreshold: 30, SellThreshold: 70},
		},
		PositionSizeUSD:     decimal.NewFromInt(10),
		ConfirmationMinutes: 1,
		CooldownMinutes:     15,
	}
	if mutate != nil {
		mutate(b)
	}
	require.NoError(t, store.CreateBot(context.Background(), b))

	eval := bot.NewEvaluator(b, bot.Deps{
		Accounts:       accounts,
		Candles:        market.NewCandleCache(ex, 0, 300),
		Store:          store,
		Submit:         exec.Execute,
		Logger:         mock.NewLogger(),
		MinUSDPrecheck: decimal.NewFromInt(5),
		QuoteCurrency:  "USD",
		BaseCurrency:   "BTC",
	})

	return &scenario{ex: ex, store: store, exec: exec, rec: rec, eval: eval, bot: b, events: events}
}

// runToIntent drives the confirmation window from t=0 to the emit at t=60.
func (s *scenario) runToIntent(t *testing.T, ctx context.Context) {
	t.Helper()
	snap := s.eval.EvaluateTick(ctx, tickAt(0))
	require.True(t, snap.Confirming, "confirmation should start at t=0")
	require.Equal(t, core.ActionBuy, snap.NextAction)

	s.eval.EvaluateTick(ctx, tickAt(60))
}

func TestScenario_CleanBuy(t *testing.T) {
	s := newScenario(t, nil)
	ctx := context.Background()

	s.runToIntent(t, ctx)

	// The order is submitted and a pending record exists immediately.
	pending, err := s.store.PendingTradeForBot(ctx, s.bot.ID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, core.SideBuy, pending.Side)
	assert.True(t, pending.SubmittedNotionalUSD.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, 1, s.ex.SubmitCalls)

	// Reconciliation observes the fill and completes the record.
	s.rec.Sweep(ctx)

	tr, err := s.store.GetTrade(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TradeCompleted, tr.Status)
	require.NotNil(t, tr.FilledAt)

	fills, err := s.store.FillsByPair(ctx, "BTC-USD")
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.True(t, fills[0].BaseQty.Equal(decimal.RequireFromString("0.0002")),
		"got base qty %s", fills[0].BaseQty)
	assert.True(t, fills[0].Price.Equal(decimal.NewFromInt(50000)))
	assert.True(t, fills[0].CommissionUSD.Equal(decimal.RequireFromString("0.05")))

	report := trading.ComputePnL("BTC-USD", fills, decimal.NewFromInt(50000))
	assert.True(t, report.RealizedUSD.Equal(decimal.RequireFromString("-0.05")),
		"realized should be the commission, got %s", report.RealizedUSD)
	assert.True(t, report.UnrealizedUSD.IsZero(),
		"price unchanged, got unrealized %s", report.UnrealizedUSD)
}

func TestScenario_SuppressedDuplicate(t *testing.T) {
	s := newScenario(t, nil)
	s.ex.HoldOrdersOpen = true
	ctx := context.Background()

	s.runToIntent(t, ctx)
	require.Equal(t, 1, s.ex.SubmitCalls)

	// The order is still open; another actionable tick must not submit.
	snap := s.eval.EvaluateTick(ctx, tickAt(65))
	assert.Equal(t, core.BlockPendingOrder, snap.BlockReason)
	assert.Equal(t, core.ActionHold, snap.NextAction)
	assert.Equal(t, 1, s.ex.SubmitCalls)
}

func TestScenario_Cooldown(t *testing.T) {
	s := newScenario(t, nil)
	s.ex.HoldOrdersOpen = true
	ctx := context.Background()

	s.runToIntent(t, ctx)
	pending, err := s.store.PendingTradeForBot(ctx, s.bot.ID)
	require.NoError(t, err)
	require.NotNil(t, pending)

	// The fill lands at t=60; cooldown is measured from fill time.
	s.ex.AddFill(pending.ExchangeOrderID, core.Fill{
		FillID: "cd-1", ExchangeOrderID: pending.ExchangeOrderID,
		Pair: "BTC-USD", Side: core.SideBuy,
		BaseQty:       decimal.RequireFromString("0.0002"),
		QuoteValueUSD: decimal.NewFromInt(10),
		Price:         decimal.NewFromInt(50000),
		CommissionUSD: decimal.RequireFromString("0.05"),
		ExecutedAt:    at(60),
	})
	require.NoError(t, s.ex.ResolveOrder(pending.ExchangeOrderID, core.ExchangeOrderFilled, nil))
	s.rec.Sweep(ctx)

	snap := s.eval.EvaluateTick(ctx, tickAt(65))
	assert.Equal(t, core.BlockCoolingDown, snap.BlockReason)
	assert.Equal(t, core.ActionHold, snap.NextAction)

	// One second past the 15 minute cooldown a fresh confirmation starts.
	snap = s.eval.EvaluateTick(ctx, tickAt(60+15*60+1))
	assert.Equal(t, core.BlockConfirming, snap.BlockReason)
	assert.True(t, snap.Confirming)
	assert.Equal(t, 1, s.ex.SubmitCalls, "no order before the new window ripens")
}

func TestScenario_OpposingReversal(t *testing.T) {
	s := newScenario(t, nil)
	ctx := context.Background()

	snap := s.eval.EvaluateTick(ctx, tickAt(0))
	require.Equal(t, core.ActionBuy, snap.NextAction)
	require.True(t, snap.Confirming)

	// The market flips at t=30: the BUY window dies, a SELL window starts
	// with deadline t=90.
	s.ex.SetCandles("BTC-USD", candlesFrom(risingMarket))
	snap = s.eval.EvaluateTick(ctx, tickAt(30))
	assert.Equal(t, core.ActionSell, snap.NextAction)
	assert.True(t, snap.Confirming)

	// Nothing emits at the original BUY deadline.
	snap = s.eval.EvaluateTick(ctx, tickAt(60))
	assert.True(t, snap.Confirming)
	assert.Equal(t, 0, s.ex.SubmitCalls)

	// The SELL ripens at t=90.
	s.eval.EvaluateTick(ctx, tickAt(90))
	require.Equal(t, 1, s.ex.SubmitCalls)
	pending, err := s.store.PendingTradeForBot(ctx, s.bot.ID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, core.SideSell, pending.Side)
}

func TestScenario_StuckOrder(t *testing.T) {
	s := newScenario(t, nil)
	s.ex.HoldOrdersOpen = true
	ctx := context.Background()

	// A live order submitted 31 minutes ago that never resolved.
	orderID, err := s.ex.SubmitMarketOrder(ctx, &core.MarketOrderRequest{
		Pair: "BTC-USD", Side: core.SideBuy,
		QuoteSizeUSD: decimal.NewFromInt(10), IdempotencyKey: "stuck",
	})
	require.NoError(t, err)
	tr := &core.TradeRecord{
		BotID: s.bot.ID, Pair: "BTC-USD", Side: core.SideBuy,
		SubmittedNotionalUSD: decimal.NewFromInt(10),
		SubmittedAt:          time.Now().Add(-31 * time.Minute),
		ExchangeOrderID:      orderID,
		Status:               core.TradePending,
	}
	require.NoError(t, s.store.CreateTrade(ctx, tr))

	// First pass with a wide critical threshold: warning only.
	early := trading.NewReconciler(s.ex, s.store, account.NewCache(s.ex, mock.NewLogger(), time.Minute, 5*time.Minute),
		mock.NewLogger(), trading.ReconcilerConfig{
			Interval: time.Hour, Grace: 0,
			WarnAfter: 10 * time.Minute, CriticalAfter: time.Hour,
		}, nil)
	early.Sweep(ctx)

	got, err := s.store.GetTrade(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StuckWarning, got.Flag)
	assert.Equal(t, core.TradePending, got.Status, "stuck orders are never auto-failed")

	// The bot stays blocked the entire time.
	snap := s.eval.EvaluateTick(ctx, tickAt(0))
	assert.Equal(t, core.BlockPendingOrder, snap.BlockReason)

	// Past the critical threshold the flag ratchets up.
	s.rec.Sweep(ctx)
	got, err = s.store.GetTrade(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StuckCritical, got.Flag)
	assert.Equal(t, core.TradePending, got.Status)
}

func TestScenario_DuplicateFills(t *testing.T) {
	s := newScenario(t, nil)
	ctx := context.Background()

	s.runToIntent(t, ctx)
	s.rec.Sweep(ctx)

	fills, err := s.store.FillsByPair(ctx, "BTC-USD")
	require.NoError(t, err)
	require.Len(t, fills, 1)
	before := trading.ComputePnL("BTC-USD", fills, decimal.NewFromInt(50000))

	// Replaying the exchange's fill list, as a later sweep or a crash
	// recovery would, must not create a second row.
	replay := *fills[0]
	inserted, err := s.store.UpsertFill(ctx, &replay)
	require.NoError(t, err)
	assert.False(t, inserted)

	s.rec.Sweep(ctx)

	fills, err = s.store.FillsByPair(ctx, "BTC-USD")
	require.NoError(t, err)
	require.Len(t, fills, 1)
	after := trading.ComputePnL("BTC-USD", fills, decimal.NewFromInt(50000))
	assert.True(t, before.RealizedUSD.Equal(after.RealizedUSD))
	assert.True(t, before.UnrealizedUSD.Equal(after.UnrealizedUSD))
	assert.Equal(t, 1, len(s.events.ofType(core.TradeCompletedEvent)))
}

// Property: replaying any fill sequence leaves the store unchanged.
func TestScenario_FillIngestionIdempotent(t *testing.T) {
	s := newScenario(t, nil)
	ctx := context.Background()

	seq := []core.Fill{
		{FillID: "r-1", ExchangeOrderID: "o-1", Pair: "BTC-USD", Side: core.SideBuy,
			BaseQty: decimal.NewFromInt(1), QuoteValueUSD: decimal.NewFromInt(100),
			Price: decimal.NewFromInt(100), ExecutedAt: at(0)},
		{FillID: "r-2", ExchangeOrderID: "o-1", Pair: "BTC-USD", Side: core.SideBuy,
			BaseQty: decimal.NewFromInt(1), QuoteValueUSD: decimal.NewFromInt(110),
			Price: decimal.NewFromInt(110), ExecutedAt: at(1)},
	}
	for round := 0; round < 3; round++ {
		for i := range seq {
			f := seq[i]
			_, err := s.store.UpsertFill(ctx, &f)
			require.NoError(t, err, fmt.Sprintf("round %d fill %s", round, f.FillID))
		}
	}

	fills, err := s.store.FillsByPair(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.Len(t, fills, 2)
}
