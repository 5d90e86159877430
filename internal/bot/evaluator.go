// Package bot runs the per-bot evaluation state machine and the supervisor
// that owns bot worker lifecycles.
package bot

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"autotrader/internal/account"
	"autotrader/internal/core"
	"autotrader/internal/indicator"
	"autotrader/internal/market"
	apperrors "autotrader/pkg/errors"
	"autotrader/pkg/telemetry"
)

// actionThreshold is the minimum |score| that produces a non-HOLD intent.
const actionThreshold = 0.05

// IntentSink accepts a confirmed intent and reports why it was blocked, if
// that is known at hand-off. A sink may queue the exchange round trip; an
// order it places surfaces through the next tick's pending-order gate.
type IntentSink func(ctx context.Context, intent *core.OrderIntent) (core.BlockReason, error)

// Deps are the collaborators one evaluator needs.
type Deps struct {
	Accounts *account.Cache
	Candles  *market.CandleCache
	Store    core.Store
	Submit   IntentSink
	Logger   core.ILogger

	MinUSDPrecheck decimal.Decimal
	QuoteCurrency  string
	BaseCurrency   string
}

// Evaluator is the state machine for one RUNNING bot. It owns its mutable
// state exclusively; ticks are handled strictly one at a time.
type Evaluator struct {
	deps   Deps
	logger core.ILogger

	configMu sync.RWMutex
	bot      *core.Bot

	confirmation *core.Confirmation

	// price of the last completed trade, keyed by trade id to avoid
	// re-reading fills every tick
	lastTradeID    int64
	lastTradePrice decimal.Decimal

	snapMu   sync.RWMutex
	snapshot core.BotSnapshot
}

func NewEvaluator(bot *core.Bot, deps Deps) *Evaluator {
	cp := *bot
	return &Evaluator{
		deps:   deps,
		logger: deps.Logger.WithFields(map[string]interface{}{"component": "bot_evaluator", "bot_id": bot.ID, "pair": bot.Pair}),
		bot:    &cp,
		snapshot: core.BotSnapshot{
			BotID: bot.ID, Name: bot.Name, Pair: bot.Pair, Status: core.BotRunning,
			NextAction: core.ActionHold,
		},
	}
}

// UpdateConfig swaps in a new configuration. The running copy is replaced,
// never mutated; the next tick sees the new values.
func (e *Evaluator) UpdateConfig(bot *core.Bot) {
	cp := *bot
	e.configMu.Lock()
	e.bot = &cp
	e.configMu.Unlock()
}

func (e *Evaluator) config() *core.Bot {
	e.configMu.RLock()
	defer e.configMu.RUnlock()
	return e.bot
}

// Snapshot returns the last published observable state.
func (e *Evaluator) Snapshot() core.BotSnapshot {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return e.snapshot
}

// Run consumes the subscription queue until the context is cancelled or the
// queue is closed. When the stream goes quiet, the latest known price is
// re-evaluated at the fallback interval so cooldowns and confirmations
// still make progress.
func (e *Evaluator) Run(ctx context.Context, sub *market.Subscription, router *market.Router, fallbackPoll time.Duration) {
	poll := time.NewTicker(fallbackPoll)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			e.drain(sub)
			return
		case tick, ok := <-sub.C():
			if !ok {
				return
			}
			e.EvaluateTick(ctx, tick)
		case <-poll.C:
			last, ok := router.Latest(e.config().Pair)
			if !ok {
				continue
			}
			// Re-evaluate the standing price with a fresh timestamp so
			// time-based gates advance without new ticks.
			last.Ts = time.Now()
			e.EvaluateTick(ctx, last)
		}
	}
}

func (e *Evaluator) drain(sub *market.Subscription) {
	for {
		select {
		case <-sub.C():
		default:
			return
		}
	}
}

// EvaluateTick runs one full evaluation cycle. The tick timestamp is the
// cycle's clock: cooldown and confirmation arithmetic use it, which keeps
// replayed streams deterministic.
func (e *Evaluator) EvaluateTick(ctx context.Context, tick core.Ticker) core.BotSnapshot {
	bot := e.config()
	now := tick.Ts

	snap := core.BotSnapshot{
		BotID: bot.ID, Name: bot.Name, Pair: bot.Pair, Status: core.BotRunning,
		NextAction: core.ActionHold, EvaluatedAt: now,
	}

	metrics := telemetry.GetGlobalMetrics()
	metrics.EvaluationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("pair", bot.Pair)))

	defer func() {
		metrics.SetBotScore(bot.Name, snap.Score)
		e.snapMu.Lock()
		e.snapshot = snap
		e.snapMu.Unlock()
	}()

	// Low-balance pre-check: when the account can neither buy nor sell a
	// meaningful amount, skip the indicator work entirely.
	if bot.SkipOnLowBalance {
		skip, reason, errMsg := e.lowBalanceSkip(ctx, tick.Price)
		if errMsg != "" {
			snap.LastError = errMsg
			snap.BlockReason = reason
			e.cancelConfirmation()
			return snap
		}
		if skip {
			snap.OptimizeSkip = true
			snap.BlockReason = core.BlockInsufficientBalance
			e.cancelConfirmation()
			return snap
		}
	}

	candles, err := e.deps.Candles.Get(ctx, bot.Pair)
	if err != nil {
		e.logger.Warn("candle fetch failed", "error", err.Error())
		snap.LastError = err.Error()
		snap.BlockReason = core.BlockNoSignal
		e.cancelConfirmation()
		return snap
	}

	result := indicator.Evaluate(candles, bot.Signals)
	snap.Score = result.Score
	snap.Temperature = indicator.TemperatureFor(result.Score)

	intent := core.ActionHold
	if result.NoSignal {
		snap.BlockReason = core.BlockNoSignal
	} else if result.Score <= -actionThreshold {
		intent = core.ActionBuy
	} else if result.Score >= actionThreshold {
		intent = core.ActionSell
	}

	if intent != core.ActionHold {
		intent = e.applyGates(ctx, bot, intent, tick, now, &snap)
	}

	e.advanceConfirmation(ctx, bot, intent, tick, now, &snap)
	return snap
}

// applyGates runs the pending-order, cooldown and price-step checks. A
// gated intent degrades to HOLD with the blocking reason recorded.
func (e *Evaluator) applyGates(ctx context.Context, bot *core.Bot, intent core.Action, tick core.Ticker, now time.Time, snap *core.BotSnapshot) core.Action {
	pending, err := e.deps.Store.PendingTradeForBot(ctx, bot.ID)
	if err != nil {
		e.logger.Error("pending trade lookup failed", "error", err.Error())
		snap.LastError = err.Error()
		return core.ActionHold
	}
	if pending != nil {
		snap.BlockReason = core.BlockPendingOrder
		return core.ActionHold
	}

	last, err := e.deps.Store.LastCompletedTrade(ctx, bot.ID)
	if err != nil {
		e.logger.Error("trade history lookup failed", "error", err.Error())
		snap.LastError = err.Error()
		return core.ActionHold
	}
	if last == nil {
		return intent
	}

	cooldown := time.Duration(bot.CooldownMinutes * float64(time.Minute))
	if cooldown > 0 && last.FilledAt != nil && now.Sub(*last.FilledAt) < cooldown {
		snap.BlockReason = core.BlockCoolingDown
		return core.ActionHold
	}

	if bot.MinPriceStepPct > 0 {
		refPrice := e.completedTradePrice(ctx, last)
		if !refPrice.IsZero() && !priceStepSatisfied(intent, tick.Price, refPrice, bot.MinPriceStepPct) {
			snap.BlockReason = core.BlockAwaitingPriceStep
			return core.ActionHold
		}
	}

	return intent
}

// advanceConfirmation is the confirmation window state machine. HOLD
// cancels; a matching action ripens at the deadline; an opposing action
// restarts the window.
func (e *Evaluator) advanceConfirmation(ctx context.Context, bot *core.Bot, intent core.Action, tick core.Ticker, now time.Time, snap *core.BotSnapshot) {
	if intent == core.ActionHold {
		e.cancelConfirmation()
		return
	}

	snap.NextAction = intent

	c := e.confirmation
	switch {
	case c == nil || intent.Opposes(c.Action):
		window := time.Duration(bot.ConfirmationMinutes * float64(time.Minute))
		e.confirmation = &core.Confirmation{
			Action:        intent,
			StartedAt:     now,
			Deadline:      now.Add(window),
			ScoreAtStart:  snap.Score,
			ActionAtStart: intent,
		}
		if c != nil {
			e.logger.Info("confirmation reversed",
				"was", string(c.Action), "now", string(intent))
		}
		c = e.confirmation
		// A zero-minute window ripens on the same tick.
		if now.Before(c.Deadline) {
			snap.Confirming = true
			snap.ConfirmPct = c.Progress(now)
			snap.BlockReason = core.BlockConfirming
			return
		}
		fallthrough
	default:
		if now.Before(c.Deadline) {
			snap.Confirming = true
			snap.ConfirmPct = c.Progress(now)
			snap.BlockReason = core.BlockConfirming
			return
		}
	}

	// Deadline reached with the action still standing: emit.
	e.confirmation = nil
	e.emitIntent(ctx, bot, intent, tick, snap)
}

func (e *Evaluator) emitIntent(ctx context.Context, bot *core.Bot, action core.Action, tick core.Ticker, snap *core.BotSnapshot) {
	intent := &core.OrderIntent{
		BotID:          bot.ID,
		Pair:           bot.Pair,
		Side:           action.Side(),
		NotionalUSD:    bot.PositionSizeUSD,
		ReferencePrice: tick.Price,
		OriginScore:    snap.Score,
		At:             tick.Ts,
	}

	metrics := telemetry.GetGlobalMetrics()
	metrics.IntentsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pair", bot.Pair), attribute.String("side", string(intent.Side))))

	reason, err := e.deps.Submit(ctx, intent)
	if err != nil {
		e.logger.Error("intent submission failed", "error", err.Error())
		snap.LastError = err.Error()
		if apperrors.Classify(err) == apperrors.KindAuth {
			snap.BlockReason = core.BlockAuthDegraded
		}
		return
	}
	snap.BlockReason = reason
	e.logger.Info("intent emitted",
		"side", string(intent.Side),
		"notional_usd", intent.NotionalUSD.String(),
		"score", snap.Score,
		"blocked", string(reason))
}

func (e *Evaluator) cancelConfirmation() {
	if e.confirmation != nil {
		e.logger.Debug("confirmation cancelled", "action", string(e.confirmation.Action))
		e.confirmation = nil
	}
}

// lowBalanceSkip reports whether both sides of the book are out of reach.
func (e *Evaluator) lowBalanceSkip(ctx context.Context, price decimal.Decimal) (skip bool, reason core.BlockReason, errMsg string) {
	balances, err := e.deps.Accounts.Balances(ctx)
	if err != nil {
		if apperrors.Classify(err) == apperrors.KindAuth {
			return false, core.BlockAuthDegraded, err.Error()
		}
		return false, core.BlockNoSignal, err.Error()
	}

	usd := balances[e.deps.QuoteCurrency].Available
	canBuy := usd.GreaterThanOrEqual(e.deps.MinUSDPrecheck)

	baseValue := balances[e.deps.BaseCurrency].Available.Mul(price)
	canSell := baseValue.GreaterThanOrEqual(e.deps.MinUSDPrecheck)

	return !canBuy && !canSell, core.BlockNone, ""
}

// completedTradePrice resolves the fill price of the last completed trade,
// cached per trade id.
func (e *Evaluator) completedTradePrice(ctx context.Context, tr *core.TradeRecord) decimal.Decimal {
	if tr.ID == e.lastTradeID && !e.lastTradePrice.IsZero() {
		return e.lastTradePrice
	}
	fills, err := e.deps.Store.FillsByOrder(ctx, tr.ExchangeOrderID)
	if err != nil || len(fills) == 0 {
		return decimal.Decimal{}
	}
	e.lastTradeID = tr.ID
	e.lastTradePrice = fills[len(fills)-1].Price
	return e.lastTradePrice
}

// priceStepSatisfied checks that the price moved at least stepPct in the
// intent's favorable direction since the last completed trade: down for a
// BUY, up for a SELL.
func priceStepSatisfied(intent core.Action, current, reference decimal.Decimal, stepPct float64) bool {
	if reference.IsZero() {
		return true
	}
	movePct := current.Sub(reference).Div(reference).Mul(decimal.NewFromInt(100))
	step := decimal.NewFromFloat(stepPct)
	if intent == core.ActionBuy {
		return movePct.LessThanOrEqual(step.Neg())
	}
	return movePct.GreaterThanOrEqual(step)
}
