package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"autotrader/internal/account"
	"autotrader/internal/core"
	"autotrader/pkg/concurrency"
	apperrors "autotrader/pkg/errors"
	"autotrader/pkg/telemetry"
)

// submitDeadline bounds a queued submit task. The HTTP client enforces its
// own per-call timeout; this caps the whole Execute pass.
const submitDeadline = time.Minute

// EventSink receives trade lifecycle events from the executor and the
// reconciler.
type EventSink func(core.TradeEvent)

// Executor turns an OrderIntent into an exchange order and a pending
// TradeRecord. It is the only component that submits orders.
type Executor struct {
	exchange core.ExchangeClient
	store    core.Store
	accounts *account.Cache
	logger   core.ILogger
	events   EventSink

	feeRate decimal.Decimal
}

func NewExecutor(exchange core.ExchangeClient, store core.Store, accounts *account.Cache, logger core.ILogger, feeRate float64, events EventSink) *Executor {
	if events == nil {
		events = func(core.TradeEvent) {}
	}
	return &Executor{
		exchange: exchange,
		store:    store,
		accounts: accounts,
		logger:   logger.WithField("component", "trade_executor"),
		events:   events,
		feeRate:  decimal.NewFromFloat(feeRate),
	}
}

// Execute processes one intent. A nil error means the intent was handled,
// not that an order was placed; suppressed and rejected intents are normal
// outcomes and reported through events and the returned block reason.
func (e *Executor) Execute(ctx context.Context, intent *core.OrderIntent) (core.BlockReason, error) {
	log := e.logger.WithFields(map[string]interface{}{
		"bot_id": intent.BotID,
		"pair":   intent.Pair,
		"side":   string(intent.Side),
	})

	// A still-pending order for this bot suppresses everything.
	pending, err := e.store.PendingTradeForBot(ctx, intent.BotID)
	if err != nil {
		return core.BlockNone, fmt.Errorf("pending-order check: %w", err)
	}
	if pending != nil {
		log.Info("intent suppressed by outstanding order", "trade_id", pending.ID)
		return core.BlockPendingOrder, nil
	}

	product, err := e.exchange.GetProduct(ctx, intent.Pair)
	if err != nil {
		return core.BlockNone, fmt.Errorf("product lookup: %w", err)
	}

	ok, reason, err := e.checkBalance(ctx, intent, product)
	if err != nil {
		return core.BlockNone, err
	}
	if !ok {
		log.Warn("insufficient balance for intent", "notional_usd", intent.NotionalUSD.String())
		e.events(core.TradeEvent{
			Type:   core.TradeFailedEvent,
			BotID:  intent.BotID,
			Pair:   intent.Pair,
			Side:   intent.Side,
			Reason: reason,
			At:     time.Now(),
		})
		return core.BlockInsufficientBalance, nil
	}

	metrics := telemetry.GetGlobalMetrics()
	attrs := metric.WithAttributes(attribute.String("pair", intent.Pair), attribute.String("side", string(intent.Side)))

	req, err := buildOrderRequest(intent, product)
	if err != nil {
		// Sizing rejections never reach the exchange but are recorded the
		// same as an exchange-side validation failure.
		tr := recordFromIntent(intent, "")
		tr.Status = core.TradeFailed
		tr.FailureReason = err.Error()
		if cerr := e.store.CreateTrade(ctx, tr); cerr != nil {
			log.Error("failed to persist rejected trade", "error", cerr.Error())
		}
		metrics.OrdersFailedTotal.Add(ctx, 1, attrs)
		e.events(core.TradeEvent{
			Type: core.TradeFailedEvent, BotID: intent.BotID, TradeID: tr.ID,
			Pair: intent.Pair, Side: intent.Side, Reason: err.Error(), At: time.Now(),
		})
		return core.BlockNone, nil
	}

	orderID, err := e.exchange.SubmitMarketOrder(ctx, req)
	if err != nil {
		kind := apperrors.Classify(err)
		switch kind {
		case apperrors.KindValidation:
			// The order never reached the book; record the rejection.
			tr := recordFromIntent(intent, "")
			tr.Status = core.TradeFailed
			tr.FailureReason = err.Error()
			if cerr := e.store.CreateTrade(ctx, tr); cerr != nil {
				log.Error("failed to persist rejected trade", "error", cerr.Error())
			}
			metrics.OrdersFailedTotal.Add(ctx, 1, attrs)
			e.events(core.TradeEvent{
				Type: core.TradeFailedEvent, BotID: intent.BotID, TradeID: tr.ID,
				Pair: intent.Pair, Side: intent.Side, Reason: err.Error(), At: time.Now(),
			})
			return core.BlockNone, nil
		default:
			// Transient, rate-limited and auth failures leave no record; the
			// next tick re-evaluates the market organically.
			log.Warn("order submit failed", "kind", kind.String(), "error", err.Error())
			e.events(core.TradeEvent{
				Type: core.TradeTransientError, BotID: intent.BotID,
				Pair: intent.Pair, Side: intent.Side, Reason: err.Error(), At: time.Now(),
			})
			return core.BlockNone, nil
		}
	}

	tr := recordFromIntent(intent, orderID)
	if err := e.store.CreateTrade(ctx, tr); err != nil {
		// The order is live but we lost the record; the reconciler cannot
		// adopt it without an id, so this is loud.
		log.Error("order placed but trade record not persisted",
			"exchange_order_id", orderID, "error", err.Error())
		return core.BlockNone, fmt.Errorf("persist trade record: %w", err)
	}

	e.accounts.Invalidate()
	metrics.OrdersPlacedTotal.Add(ctx, 1, attrs)
	log.Info("order placed", "trade_id", tr.ID, "exchange_order_id", orderID)
	e.events(core.TradeEvent{
		Type: core.TradePlaced, BotID: intent.BotID, TradeID: tr.ID,
		Pair: intent.Pair, Side: intent.Side, ExchangeOrderID: orderID, At: time.Now(),
	})
	return core.BlockNone, nil
}

// AsyncSink wraps Execute so the exchange round trip runs on the pool and
// the caller returns as soon as the task is queued. The outstanding-order
// check stays inline, so callers still see a pending order immediately;
// Execute re-checks before submitting, which covers the window between
// queueing and running.
func (e *Executor) AsyncSink(pool *concurrency.WorkerPool) func(ctx context.Context, intent *core.OrderIntent) (core.BlockReason, error) {
	return func(ctx context.Context, intent *core.OrderIntent) (core.BlockReason, error) {
		pending, err := e.store.PendingTradeForBot(ctx, intent.BotID)
		if err != nil {
			return core.BlockNone, fmt.Errorf("pending-order check: %w", err)
		}
		if pending != nil {
			e.logger.Info("intent suppressed by outstanding order",
				"bot_id", intent.BotID, "trade_id", pending.ID)
			return core.BlockPendingOrder, nil
		}

		// The task outlives the tick that emitted it; detach from the
		// caller's context but keep a deadline.
		if err := pool.Submit(func() {
			taskCtx, cancel := context.WithTimeout(context.Background(), submitDeadline)
			defer cancel()
			if _, err := e.Execute(taskCtx, intent); err != nil {
				e.logger.Error("queued order submit failed",
					"bot_id", intent.BotID, "pair", intent.Pair, "error", err.Error())
			}
		}); err != nil {
			return core.BlockNone, fmt.Errorf("queue order submit: %w", err)
		}
		return core.BlockNone, nil
	}
}

func (e *Executor) checkBalance(ctx context.Context, intent *core.OrderIntent, product *core.ProductInfo) (bool, string, error) {
	balances, err := e.accounts.Balances(ctx)
	if err != nil {
		return false, "", fmt.Errorf("balance check: %w", err)
	}

	if intent.Side == core.SideBuy {
		need := intent.NotionalUSD.Add(intent.NotionalUSD.Mul(e.feeRate))
		have := balances[product.QuoteCurrency].Available
		if have.LessThan(need) {
			return false, fmt.Sprintf("insufficient %s: have %s, need %s",
				product.QuoteCurrency, have.String(), need.String()), nil
		}
		return true, "", nil
	}

	need := intent.NotionalUSD.Div(intent.ReferencePrice)
	have := balances[product.BaseCurrency].Available
	if have.LessThan(need) {
		return false, fmt.Sprintf("insufficient %s: have %s, need %s",
			product.BaseCurrency, have.String(), need.String()), nil
	}
	return true, "", nil
}

// buildOrderRequest sizes the order and rounds down to the exchange's
// increments. BUY orders are quote-denominated, SELL base-denominated.
func buildOrderRequest(intent *core.OrderIntent, product *core.ProductInfo) (*core.MarketOrderRequest, error) {
	req := &core.MarketOrderRequest{
		Pair:           intent.Pair,
		Side:           intent.Side,
		IdempotencyKey: uuid.NewString(),
	}

	if intent.Side == core.SideBuy {
		size := roundToStep(intent.NotionalUSD, product.QuoteStep)
		if size.LessThan(product.MinNotional) {
			return nil, fmt.Errorf("%w: notional %s below minimum %s",
				apperrors.ErrInvalidOrderParameter, size.String(), product.MinNotional.String())
		}
		req.QuoteSizeUSD = size
		return req, nil
	}

	if intent.ReferencePrice.IsZero() {
		return nil, fmt.Errorf("%w: sell intent without reference price", apperrors.ErrInvalidOrderParameter)
	}
	size := roundToStep(intent.NotionalUSD.Div(intent.ReferencePrice), product.BaseStep)
	if !size.IsPositive() {
		return nil, fmt.Errorf("%w: sell size rounds to zero", apperrors.ErrInvalidOrderParameter)
	}
	req.BaseSize = size
	return req, nil
}

// roundToStep floors a value to a multiple of step.
func roundToStep(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

func recordFromIntent(intent *core.OrderIntent, exchangeOrderID string) *core.TradeRecord {
	return &core.TradeRecord{
		BotID:                intent.BotID,
		Pair:                 intent.Pair,
		Side:                 intent.Side,
		SubmittedNotionalUSD: intent.NotionalUSD,
		SubmittedAt:          time.Now(),
		ExchangeOrderID:      exchangeOrderID,
		Status:               core.TradePending,
		OriginScore:          intent.OriginScore,
	}
}
