package bot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader/internal/account"
	"autotrader/internal/core"
	"autotrader/internal/market"
	"autotrader/internal/mock"
	"autotrader/internal/storage"
	apperrors "autotrader/pkg/errors"
)

var (
	fallingCloses = []float64{104, 103, 102, 101, 100}
	risingCloses  = []float64{100, 101, 102, 103, 104}
	flatCloses    = []float64{100, 100, 100, 100, 100}
)

type intentRecorder struct {
	mu      sync.Mutex
	intents []*core.OrderIntent
	reason  core.BlockReason
	err     error
}

func (r *intentRecorder) sink(ctx context.Context, intent *core.OrderIntent) (core.BlockReason, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return core.BlockNone, r.err
	}
	r.intents = append(r.intents, intent)
	return r.reason, nil
}

func (r *intentRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.intents)
}

type fixture struct {
	evaluator *Evaluator
	exchange  *mock.Exchange
	store     *storage.MemoryStore
	intents   *intentRecorder
	bot       *core.Bot
}

func setCloses(ex *mock.Exchange, closes []float64) {
	candles := make([]core.Candle, len(closes))
	ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		candles[i] = core.Candle{Ts: ts.Add(time.Duration(i) * time.Minute), Open: c, High: c, Low: c, Close: c, Volume: 1}
	}
	ex.SetCandles("BTC-USD", candles)
}

func newFixture(t *testing.T, mutate func(*core.Bot)) *fixture {
	t.Helper()

	ex := mock.NewExchange()
	ex.SetBalance("USD", decimal.NewFromInt(1000), decimal.Zero)
	ex.SetBalance("BTC", decimal.NewFromInt(1), decimal.Zero)
	setCloses(ex, fallingCloses)

	store := storage.NewMemoryStore()
	b := &core.Bot{
		Name: "btc-bot", Pair: "BTC-USD", Status: core.BotRunning,
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

	intents := &intentRecorder{}
	deps := Deps{
		Accounts:       account.NewCache(ex, mock.NewLogger(), time.Minute, 5*time.Minute),
		Candles:        market.NewCandleCache(ex, 0, 300),
		Store:          store,
		Submit:         intents.sink,
		Logger:         mock.NewLogger(),
		MinUSDPrecheck: decimal.NewFromInt(5),
		QuoteCurrency:  "USD",
		BaseCurrency:   "BTC",
	}

	return &fixture{
		evaluator: NewEvaluator(b, deps),
		exchange:  ex,
		store:     store,
		intents:   intents,
		bot:       b,
	}
}

func at(secs int) core.Ticker {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return core.Ticker{Pair: "BTC-USD", Price: decimal.NewFromInt(50000), Ts: base.Add(time.Duration(secs) * time.Second)}
}

func TestEvaluator_ConfirmationRipensIntoIntent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	snap := f.evaluator.EvaluateTick(ctx, at(0))
	assert.True(t, snap.Confirming)
	assert.Equal(t, core.BlockConfirming, snap.BlockReason)
	assert.Equal(t, core.ActionBuy, snap.NextAction)
	assert.Zero(t, f.intents.count())
	assert.Negative(t, snap.Score)

	snap = f.evaluator.EvaluateTick(ctx, at(30))
	assert.True(t, snap.Confirming)
	assert.InDelta(t, 0.5, snap.ConfirmPct, 1e-9)
	assert.Zero(t, f.intents.count())

	snap = f.evaluator.EvaluateTick(ctx, at(60))
	assert.False(t, snap.Confirming)
	require.Equal(t, 1, f.intents.count())
	intent := f.intents.intents[0]
	assert.Equal(t, core.SideBuy, intent.Side)
	assert.True(t, intent.NotionalUSD.Equal(decimal.NewFromInt(10)))
	assert.True(t, intent.ReferencePrice.Equal(decimal.NewFromInt(50000)))
}

func TestEvaluator_HoldCancelsConfirmation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.evaluator.EvaluateTick(ctx, at(0))

	// Market goes quiet before the deadline.
	setCloses(f.exchange, flatCloses)
	snap := f.evaluator.EvaluateTick(ctx, at(30))
	assert.False(t, snap.Confirming)
	assert.Equal(t, core.ActionHold, snap.NextAction)

	// Signal returns: the window restarts from scratch.
	setCloses(f.exchange, fallingCloses)
	snap = f.evaluator.EvaluateTick(ctx, at(40))
	assert.True(t, snap.Confirming)

	f.evaluator.EvaluateTick(ctx, at(60))
	assert.Zero(t, f.intents.count(), "intent emitted before the restarted window ripened")

	f.evaluator.EvaluateTick(ctx, at(100))
	assert.Equal(t, 1, f.intents.count())
}

func TestEvaluator_OpposingIntentRestartsConfirmation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.evaluator.EvaluateTick(ctx, at(0)) // BUY confirmation, deadline t=60

	setCloses(f.exchange, risingCloses) // SELL signal
	snap := f.evaluator.EvaluateTick(ctx, at(30))
	assert.True(t, snap.Confirming)
	assert.Equal(t, core.ActionSell, snap.NextAction)
	assert.Zero(t, f.intents.count())

	// The old BUY deadline passing means nothing now.
	f.evaluator.EvaluateTick(ctx, at(60))
	assert.Zero(t, f.intents.count())

	f.evaluator.EvaluateTick(ctx, at(90))
	require.Equal(t, 1, f.intents.count())
	assert.Equal(t, core.SideSell, f.intents.intents[0].Side)
}

func TestEvaluator_CooldownBlocksNewIntent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	completed := at(0).Ts.Add(-5 * time.Minute)
	tr := &core.TradeRecord{
		BotID: f.bot.ID, Pair: "BTC-USD", Side: core.SideBuy,
		SubmittedNotionalUSD: decimal.NewFromInt(10),
		SubmittedAt:          completed.Add(-time.Minute),
		ExchangeOrderID:      "ord-done", Status: core.TradePending,
	}
	require.NoError(t, f.store.CreateTrade(ctx, tr))
	require.NoError(t, f.store.TransitionTrade(ctx, tr.ID, core.TradePending, core.TradeCompleted, &completed, ""))

	snap := f.evaluator.EvaluateTick(ctx, at(0))
	assert.Equal(t, core.BlockCoolingDown, snap.BlockReason)
	assert.False(t, snap.Confirming)
	assert.Equal(t, core.ActionHold, snap.NextAction)

	// One second past the cooldown a fresh confirmation starts.
	afterCooldown := int((10*time.Minute + time.Second) / time.Second)
	snap = f.evaluator.EvaluateTick(ctx, at(afterCooldown))
	assert.True(t, snap.Confirming)
	assert.Equal(t, core.BlockConfirming, snap.BlockReason)
}

func TestEvaluator_PendingOrderSuppresses(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.store.CreateTrade(ctx, &core.TradeRecord{
		BotID: f.bot.ID, Pair: "BTC-USD", Side: core.SideBuy,
		SubmittedNotionalUSD: decimal.NewFromInt(10),
		SubmittedAt:          time.Now(),
		ExchangeOrderID:      "ord-pending", Status: core.TradePending,
	}))

	snap := f.evaluator.EvaluateTick(ctx, at(0))
	assert.Equal(t, core.BlockPendingOrder, snap.BlockReason)
	assert.False(t, snap.Confirming)
	assert.Zero(t, f.intents.count())
}

func TestEvaluator_LowBalanceSkip(t *testing.T) {
	f := newFixture(t, func(b *core.Bot) { b.SkipOnLowBalance = true })
	f.exchange.SetBalance("USD", decimal.NewFromInt(2), decimal.Zero)
	f.exchange.SetBalance("BTC", decimal.RequireFromString("0.00000001"), decimal.Zero)
	// Indicator work must be skipped entirely: a candle fetch would fail.
	f.exchange.CandlesErr = context.DeadlineExceeded

	snap := f.evaluator.EvaluateTick(context.Background(), at(0))
	assert.True(t, snap.OptimizeSkip)
	assert.Equal(t, core.BlockInsufficientBalance, snap.BlockReason)
	assert.Empty(t, snap.LastError)
}

func TestEvaluator_PrecheckBoundaryExactlyAtThresholdPasses(t *testing.T) {
	f := newFixture(t, func(b *core.Bot) { b.SkipOnLowBalance = true })
	// Exactly $5 of USD: BUY capability holds, no skip.
	f.exchange.SetBalance("USD", decimal.NewFromInt(5), decimal.Zero)
	f.exchange.SetBalance("BTC", decimal.Zero, decimal.Zero)

	snap := f.evaluator.EvaluateTick(context.Background(), at(0))
	assert.False(t, snap.OptimizeSkip)
	assert.True(t, snap.Confirming)
}

func TestEvaluator_NoSignalOnShortHistory(t *testing.T) {
	f := newFixture(t, nil)
	setCloses(f.exchange, []float64{100, 101, 102}) // rsi needs period+1 = 4

	snap := f.evaluator.EvaluateTick(context.Background(), at(0))
	assert.Equal(t, core.BlockNoSignal, snap.BlockReason)
	assert.Zero(t, snap.Score)
	assert.Equal(t, core.TempFrozen, snap.Temperature)
	assert.Equal(t, core.ActionHold, snap.NextAction)
}

func TestEvaluator_PriceStepGate(t *testing.T) {
	f := newFixture(t, func(b *core.Bot) {
		b.MinPriceStepPct = 1.0
		b.CooldownMinutes = 0
	})
	ctx := context.Background()

	// A completed trade filled at 50000, outside any cooldown.
	completed := at(0).Ts.Add(-time.Hour)
	tr := &core.TradeRecord{
		BotID: f.bot.ID, Pair: "BTC-USD", Side: core.SideBuy,
		SubmittedNotionalUSD: decimal.NewFromInt(10),
		SubmittedAt:          completed.Add(-time.Minute),
		ExchangeOrderID:      "ord-ref", Status: core.TradePending,
	}
	require.NoError(t, f.store.CreateTrade(ctx, tr))
	require.NoError(t, f.store.TransitionTrade(ctx, tr.ID, core.TradePending, core.TradeCompleted, &completed, ""))
	_, err := f.store.UpsertFill(ctx, &core.Fill{
		FillID: "fill-ref", ExchangeOrderID: "ord-ref", Pair: "BTC-USD", Side: core.SideBuy,
		BaseQty: decimal.RequireFromString("0.0002"), QuoteValueUSD: decimal.NewFromInt(10),
		Price: decimal.NewFromInt(50000), ExecutedAt: completed,
	})
	require.NoError(t, err)

	// Price down only 0.5%: BUY stays gated.
	tick := at(0)
	tick.Price = decimal.NewFromInt(49750)
	snap := f.evaluator.EvaluateTick(ctx, tick)
	assert.Equal(t, core.BlockAwaitingPriceStep, snap.BlockReason)
	assert.False(t, snap.Confirming)

	// Down a full 1%: the gate opens and confirmation starts.
	tick = at(10)
	tick.Price = decimal.NewFromInt(49500)
	snap = f.evaluator.EvaluateTick(ctx, tick)
	assert.True(t, snap.Confirming)
}

func TestEvaluator_AuthFailureDegrades(t *testing.T) {
	f := newFixture(t, func(b *core.Bot) { b.SkipOnLowBalance = true })
	f.exchange.BalancesErr = apperrors.WithKind(apperrors.KindAuth, apperrors.ErrAuthenticationFailed)

	snap := f.evaluator.EvaluateTick(context.Background(), at(0))
	assert.Equal(t, core.BlockAuthDegraded, snap.BlockReason)
	assert.NotEmpty(t, snap.LastError)
	assert.Zero(t, f.intents.count())
}

func TestEvaluator_ConfigSwapBetweenTicks(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.evaluator.EvaluateTick(ctx, at(0))

	updated := *f.bot
	updated.ConfirmationMinutes = 5
	f.evaluator.UpdateConfig(&updated)

	// The active window keeps its original deadline; it was started under
	// the old config.
	f.evaluator.EvaluateTick(ctx, at(60))
	assert.Equal(t, 1, f.intents.count())

	// A new window started after the swap uses the new length.
	setCloses(f.exchange, flatCloses)
	f.evaluator.EvaluateTick(ctx, at(70))
	setCloses(f.exchange, fallingCloses)
	f.evaluator.EvaluateTick(ctx, at(80))
	f.evaluator.EvaluateTick(ctx, at(80+60))
	assert.Equal(t, 1, f.intents.count(), "old window length applied after config swap")
	f.evaluator.EvaluateTick(ctx, at(80+300))
	assert.Equal(t, 2, f.intents.count())
}

func TestEvaluator_ZeroConfirmationEmitsImmediately(t *testing.T) {
	f := newFixture(t, func(b *core.Bot) { b.ConfirmationMinutes = 0 })

	snap := f.evaluator.EvaluateTick(context.Background(), at(0))
	assert.False(t, snap.Confirming)
	assert.Equal(t, 1, f.intents.count())
	assert.Equal(t, core.ActionBuy, snap.NextAction)
}

func TestEvaluator_SnapshotPublished(t *testing.T) {
	f := newFixture(t, nil)

	f.evaluator.EvaluateTick(context.Background(), at(0))
	snap := f.evaluator.Snapshot()
	assert.Equal(t, "btc-bot", snap.Name)
	assert.Equal(t, core.BotRunning, snap.Status)
	assert.True(t, snap.Confirming)
	assert.NotZero(t, snap.EvaluatedAt)
}
