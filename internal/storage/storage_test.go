package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/core"
)

// Both implementations run the same conformance suite.
func storesUnderTest(t *testing.T) map[string]core.Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]core.Store{
		"sqlite": sqlite,
		"memory": NewMemoryStore(),
	}
}

func testBot(pair string) *core.Bot {
	return &core.Bot{
		Name:   "bot-" + pair,
		Pair:   pair,
		Status: core.BotStopped,
		Signals: []core.SignalConfig{
			{Kind: core.IndicatorRSI, Weight: 1.0, Enabled: true, Period: 14, BuyThreshold: 30, SellThreshold: 70},
		},
		PositionSizeUSD:     decimal.NewFromInt(100),
		ConfirmationMinutes: 1,
		CooldownMinutes:     15,
		SkipOnLowBalance:    true,
		MinPriceStepPct:     0.5,
	}
}

func testTrade(botID int64, pair string) *core.TradeRecord {
	return &core.TradeRecord{
		BotID:                botID,
		Pair:                 pair,
		Side:                 core.SideBuy,
		SubmittedNotionalUSD: decimal.NewFromInt(100),
		SubmittedAt:          time.Now().UTC().Truncate(time.Millisecond),
		ExchangeOrderID:      "",
		Status:               core.TradePending,
		OriginScore:          0.71,
	}
}

func TestStore_BotLifecycle(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			bot := testBot("BTC-USD")
			if err := store.CreateBot(ctx, bot); err != nil {
				t.Fatalf("CreateBot: %v", err)
			}
			if bot.ID == 0 {
				t.Fatal("CreateBot did not assign an id")
			}

			got, err := store.GetBot(ctx, bot.ID)
			if err != nil {
				t.Fatalf("GetBot: %v", err)
			}
			if got.Pair != "BTC-USD" || got.Status != core.BotStopped {
				t.Fatalf("unexpected bot: %+v", got)
			}
			if len(got.Signals) != 1 || got.Signals[0].Kind != core.IndicatorRSI {
				t.Fatalf("signals not round-tripped: %+v", got.Signals)
			}
			if !got.PositionSizeUSD.Equal(decimal.NewFromInt(100)) {
				t.Fatalf("position size = %s", got.PositionSizeUSD)
			}

			if err := store.SetBotStatus(ctx, bot.ID, core.BotRunning); err != nil {
				t.Fatalf("SetBotStatus: %v", err)
			}
			got, err = store.GetBot(ctx, bot.ID)
			if err != nil {
				t.Fatalf("GetBot after status change: %v", err)
			}
			if got.Status != core.BotRunning {
				t.Fatalf("status = %s, want RUNNING", got.Status)
			}

			// Config update must not clobber lifecycle status.
			got.CooldownMinutes = 30
			if err := store.UpdateBotConfig(ctx, got); err != nil {
				t.Fatalf("UpdateBotConfig: %v", err)
			}
			got, err = store.GetBot(ctx, bot.ID)
			if err != nil {
				t.Fatalf("GetBot after config update: %v", err)
			}
			if got.CooldownMinutes != 30 {
				t.Fatalf("cooldown = %v, want 30", got.CooldownMinutes)
			}
			if got.Status != core.BotRunning {
				t.Fatalf("config update changed status to %s", got.Status)
			}
		})
	}
}

func TestStore_GetBotNotFound(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.GetBot(context.Background(), 9999)
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStore_ListBotsOrdered(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, pair := range []string{"BTC-USD", "ETH-USD", "SOL-USD"} {
				if err := store.CreateBot(ctx, testBot(pair)); err != nil {
					t.Fatalf("CreateBot %s: %v", pair, err)
				}
			}
			bots, err := store.ListBots(ctx)
			if err != nil {
				t.Fatalf("ListBots: %v", err)
			}
			if len(bots) != 3 {
				t.Fatalf("got %d bots, want 3", len(bots))
			}
			for i := 1; i < len(bots); i++ {
				if bots[i].ID <= bots[i-1].ID {
					t.Fatalf("bots not ordered by id: %d then %d", bots[i-1].ID, bots[i].ID)
				}
			}
		})
	}
}

func TestStore_TransitionTradeCAS(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			bot := testBot("BTC-USD")
			if err := store.CreateBot(ctx, bot); err != nil {
				t.Fatalf("CreateBot: %v", err)
			}
			tr := testTrade(bot.ID, bot.Pair)
			if err := store.CreateTrade(ctx, tr); err != nil {
				t.Fatalf("CreateTrade: %v", err)
			}

			filledAt := time.Now().UTC().Truncate(time.Millisecond)
			if err := store.TransitionTrade(ctx, tr.ID, core.TradePending, core.TradeCompleted, &filledAt, ""); err != nil {
				t.Fatalf("pending->completed: %v", err)
			}

			got, err := store.GetTrade(ctx, tr.ID)
			if err != nil {
				t.Fatalf("GetTrade: %v", err)
			}
			if got.Status != core.TradeCompleted {
				t.Fatalf("status = %s, want completed", got.Status)
			}
			if got.FilledAt == nil || !got.FilledAt.Equal(filledAt) {
				t.Fatalf("filledAt = %v, want %v", got.FilledAt, filledAt)
			}

			// A second writer racing the same transition must lose.
			err = store.TransitionTrade(ctx, tr.ID, core.TradePending, core.TradeFailed, nil, "late")
			if !errors.Is(err, ErrTerminalTransition) {
				t.Fatalf("err = %v, want ErrTerminalTransition", err)
			}

			// Completed records stay completed.
			got, err = store.GetTrade(ctx, tr.ID)
			if err != nil {
				t.Fatalf("GetTrade after race: %v", err)
			}
			if got.Status != core.TradeCompleted {
				t.Fatalf("terminal record mutated to %s", got.Status)
			}
		})
	}
}

func TestStore_TransitionTradeStale(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			bot := testBot("BTC-USD")
			if err := store.CreateBot(ctx, bot); err != nil {
				t.Fatalf("CreateBot: %v", err)
			}
			tr := testTrade(bot.ID, bot.Pair)
			if err := store.CreateTrade(ctx, tr); err != nil {
				t.Fatalf("CreateTrade: %v", err)
			}

			// Wrong precondition against a non-terminal record.
			err := store.TransitionTrade(ctx, tr.ID, core.TradeCompleted, core.TradeFailed, nil, "")
			if !errors.Is(err, ErrStaleTransition) {
				t.Fatalf("err = %v, want ErrStaleTransition", err)
			}
		})
	}
}

func TestStore_TransitionTradeFailedKeepsReason(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			bot := testBot("ETH-USD")
			if err := store.CreateBot(ctx, bot); err != nil {
				t.Fatalf("CreateBot: %v", err)
			}
			tr := testTrade(bot.ID, bot.Pair)
			if err := store.CreateTrade(ctx, tr); err != nil {
				t.Fatalf("CreateTrade: %v", err)
			}

			if err := store.TransitionTrade(ctx, tr.ID, core.TradePending, core.TradeFailed, nil, "insufficient funds"); err != nil {
				t.Fatalf("pending->failed: %v", err)
			}
			got, err := store.GetTrade(ctx, tr.ID)
			if err != nil {
				t.Fatalf("GetTrade: %v", err)
			}
			if got.Status != core.TradeFailed || got.FailureReason != "insufficient funds" {
				t.Fatalf("got status=%s reason=%q", got.Status, got.FailureReason)
			}
			if got.FilledAt != nil {
				t.Fatalf("failed trade has filledAt %v", got.FilledAt)
			}
		})
	}
}

func TestStore_PendingQueries(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			bot := testBot("BTC-USD")
			other := testBot("ETH-USD")
			if err := store.CreateBot(ctx, bot); err != nil {
				t.Fatalf("CreateBot: %v", err)
			}
			if err := store.CreateBot(ctx, other); err != nil {
				t.Fatalf("CreateBot: %v", err)
			}

			none, err := store.PendingTradeForBot(ctx, bot.ID)
			if err != nil {
				t.Fatalf("PendingTradeForBot: %v", err)
			}
			if none != nil {
				t.Fatalf("expected no pending trade, got %+v", none)
			}

			tr := testTrade(bot.ID, bot.Pair)
			if err := store.CreateTrade(ctx, tr); err != nil {
				t.Fatalf("CreateTrade: %v", err)
			}
			trOther := testTrade(other.ID, other.Pair)
			if err := store.CreateTrade(ctx, trOther); err != nil {
				t.Fatalf("CreateTrade: %v", err)
			}

			pending, err := store.PendingTrades(ctx)
			if err != nil {
				t.Fatalf("PendingTrades: %v", err)
			}
			if len(pending) != 2 {
				t.Fatalf("got %d pending, want 2", len(pending))
			}

			mine, err := store.PendingTradeForBot(ctx, bot.ID)
			if err != nil {
				t.Fatalf("PendingTradeForBot: %v", err)
			}
			if mine == nil || mine.ID != tr.ID {
				t.Fatalf("got %+v, want trade %d", mine, tr.ID)
			}

			if err := store.TransitionTrade(ctx, tr.ID, core.TradePending, core.TradeFailed, nil, "rejected"); err != nil {
				t.Fatalf("TransitionTrade: %v", err)
			}
			mine, err = store.PendingTradeForBot(ctx, bot.ID)
			if err != nil {
				t.Fatalf("PendingTradeForBot after fail: %v", err)
			}
			if mine != nil {
				t.Fatalf("failed trade still reported pending: %+v", mine)
			}
		})
	}
}

func TestStore_LastCompletedTrade(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			bot := testBot("BTC-USD")
			if err := store.CreateBot(ctx, bot); err != nil {
				t.Fatalf("CreateBot: %v", err)
			}

			last, err := store.LastCompletedTrade(ctx, bot.ID)
			if err != nil {
				t.Fatalf("LastCompletedTrade: %v", err)
			}
			if last != nil {
				t.Fatalf("expected nil with no history, got %+v", last)
			}

			base := time.Now().UTC().Truncate(time.Millisecond).Add(-time.Hour)
			var ids []int64
			for i := 0; i < 3; i++ {
				tr := testTrade(bot.ID, bot.Pair)
				if err := store.CreateTrade(ctx, tr); err != nil {
					t.Fatalf("CreateTrade: %v", err)
				}
				filled := base.Add(time.Duration(i) * time.Minute)
				if err := store.TransitionTrade(ctx, tr.ID, core.TradePending, core.TradeCompleted, &filled, ""); err != nil {
					t.Fatalf("TransitionTrade: %v", err)
				}
				ids = append(ids, tr.ID)
			}

			last, err = store.LastCompletedTrade(ctx, bot.ID)
			if err != nil {
				t.Fatalf("LastCompletedTrade: %v", err)
			}
			if last == nil || last.ID != ids[2] {
				t.Fatalf("got %+v, want trade %d", last, ids[2])
			}
		})
	}
}

func TestStore_LastCompletedTradeRequiresFillTime(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// A completed row written without a fill time must never be
			// served as the cooldown reference.
			broken := testTrade(7, "BTC-USD")
			broken.Status = core.TradeCompleted
			if err := store.CreateTrade(ctx, broken); err != nil {
				t.Fatalf("CreateTrade: %v", err)
			}

			last, err := store.LastCompletedTrade(ctx, 7)
			if err != nil {
				t.Fatalf("LastCompletedTrade: %v", err)
			}
			if last != nil {
				t.Fatalf("expected nil for a completed trade without fill time, got %+v", last)
			}

			good := testTrade(7, "BTC-USD")
			if err := store.CreateTrade(ctx, good); err != nil {
				t.Fatalf("CreateTrade: %v", err)
			}
			filled := time.Now().UTC().Truncate(time.Millisecond)
			if err := store.TransitionTrade(ctx, good.ID, core.TradePending, core.TradeCompleted, &filled, ""); err != nil {
				t.Fatalf("TransitionTrade: %v", err)
			}

			last, err = store.LastCompletedTrade(ctx, 7)
			if err != nil {
				t.Fatalf("LastCompletedTrade: %v", err)
			}
			if last == nil || last.ID != good.ID {
				t.Fatalf("got %+v, want trade %d", last, good.ID)
			}
		})
	}
}

func TestStore_FlagTrade(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			bot := testBot("BTC-USD")
			if err := store.CreateBot(ctx, bot); err != nil {
				t.Fatalf("CreateBot: %v", err)
			}
			tr := testTrade(bot.ID, bot.Pair)
			if err := store.CreateTrade(ctx, tr); err != nil {
				t.Fatalf("CreateTrade: %v", err)
			}

			if err := store.FlagTrade(ctx, tr.ID, core.StuckWarning); err != nil {
				t.Fatalf("FlagTrade: %v", err)
			}
			got, err := store.GetTrade(ctx, tr.ID)
			if err != nil {
				t.Fatalf("GetTrade: %v", err)
			}
			if got.Flag != core.StuckWarning {
				t.Fatalf("flag = %q, want warning", got.Flag)
			}

			if err := store.FlagTrade(ctx, tr.ID, core.StuckCritical); err != nil {
				t.Fatalf("FlagTrade critical: %v", err)
			}
			got, err = store.GetTrade(ctx, tr.ID)
			if err != nil {
				t.Fatalf("GetTrade: %v", err)
			}
			if got.Flag != core.StuckCritical {
				t.Fatalf("flag = %q, want critical", got.Flag)
			}
		})
	}
}

func TestStore_UpsertFillDedup(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			fill := &core.Fill{
				FillID:          "fill-1",
				ExchangeOrderID: "ord-1",
				Pair:            "BTC-USD",
				Side:            core.SideBuy,
				BaseQty:         decimal.RequireFromString("0.0025"),
				QuoteValueUSD:   decimal.RequireFromString("100.00"),
				Price:           decimal.RequireFromString("40000"),
				CommissionUSD:   decimal.RequireFromString("0.25"),
				ExecutedAt:      time.Now().UTC().Truncate(time.Millisecond),
			}

			inserted, err := store.UpsertFill(ctx, fill)
			if err != nil {
				t.Fatalf("UpsertFill: %v", err)
			}
			if !inserted {
				t.Fatal("first insert reported as duplicate")
			}

			// Same fill id replayed by a reconciliation sweep.
			inserted, err = store.UpsertFill(ctx, fill)
			if err != nil {
				t.Fatalf("UpsertFill replay: %v", err)
			}
			if inserted {
				t.Fatal("duplicate fill id inserted twice")
			}

			fills, err := store.FillsByPair(ctx, "BTC-USD")
			if err != nil {
				t.Fatalf("FillsByPair: %v", err)
			}
			if len(fills) != 1 {
				t.Fatalf("got %d fills, want 1", len(fills))
			}
			if !fills[0].BaseQty.Equal(decimal.RequireFromString("0.0025")) {
				t.Fatalf("base qty = %s", fills[0].BaseQty)
			}
		})
	}
}

func TestStore_FillOrdering(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC().Truncate(time.Millisecond)

			// Inserted out of execution order; reads must come back sorted.
			for _, f := range []struct {
				id  string
				off time.Duration
			}{
				{"f-c", 2 * time.Minute},
				{"f-a", 0},
				{"f-b", time.Minute},
			} {
				_, err := store.UpsertFill(ctx, &core.Fill{
					FillID:          f.id,
					ExchangeOrderID: "ord-1",
					Pair:            "BTC-USD",
					Side:            core.SideBuy,
					BaseQty:         decimal.NewFromInt(1),
					QuoteValueUSD:   decimal.NewFromInt(100),
					Price:           decimal.NewFromInt(100),
					ExecutedAt:      base.Add(f.off),
				})
				if err != nil {
					t.Fatalf("UpsertFill %s: %v", f.id, err)
				}
			}

			fills, err := store.FillsByPair(ctx, "BTC-USD")
			if err != nil {
				t.Fatalf("FillsByPair: %v", err)
			}
			want := []string{"f-a", "f-b", "f-c"}
			if len(fills) != len(want) {
				t.Fatalf("got %d fills, want %d", len(fills), len(want))
			}
			for i, id := range want {
				if fills[i].FillID != id {
					t.Fatalf("fills[%d] = %s, want %s", i, fills[i].FillID, id)
				}
			}

			byOrder, err := store.FillsByOrder(ctx, "ord-1")
			if err != nil {
				t.Fatalf("FillsByOrder: %v", err)
			}
			if len(byOrder) != 3 {
				t.Fatalf("got %d fills by order, want 3", len(byOrder))
			}
		})
	}
}
