package trading

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"autotrader/internal/account"
	"autotrader/internal/core"
	"autotrader/internal/storage"
	apperrors "autotrader/pkg/errors"
	"autotrader/pkg/retry"
	"autotrader/pkg/telemetry"
)

// ReconcilerConfig are the sweep timings.
type ReconcilerConfig struct {
	Interval      time.Duration
	Grace         time.Duration
	WarnAfter     time.Duration
	CriticalAfter time.Duration
}

// Reconciler closes the gap between local trade records and the exchange.
// The exchange is the oracle: pending records are resolved only by what the
// order lookup reports, never by local guesswork.
type Reconciler struct {
	exchange core.ExchangeClient
	store    core.Store
	accounts *account.Cache
	logger   core.ILogger
	events   EventSink
	cfg      ReconcilerConfig

	trigger chan struct{}

	// pairs whose stuck gauge was reported non-zero on the previous sweep,
	// so a pair whose last flagged order resolves gets cleared exactly once
	reported map[string]struct{}
}

func NewReconciler(exchange core.ExchangeClient, store core.Store, accounts *account.Cache, logger core.ILogger, cfg ReconcilerConfig, events EventSink) *Reconciler {
	if events == nil {
		events = func(core.TradeEvent) {}
	}
	return &Reconciler{
		exchange: exchange,
		store:    store,
		accounts: accounts,
		logger:   logger.WithField("component", "reconciler"),
		events:   events,
		cfg:      cfg,
		trigger:  make(chan struct{}, 1),
		reported: make(map[string]struct{}),
	}
}

// Trigger expedites the next sweep. Safe from any goroutine; coalesces.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run sweeps until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-r.trigger:
		}
		r.Sweep(ctx)
	}
}

// Sweep resolves every pending trade past the grace window. Individual
// failures are logged and retried on the next pass.
func (r *Reconciler) Sweep(ctx context.Context) {
	metrics := telemetry.GetGlobalMetrics()
	metrics.ReconcileSweeps.Add(ctx, 1)

	pending, err := r.store.PendingTrades(ctx)
	if err != nil {
		r.logger.Error("pending trade scan failed", "error", err.Error())
		return
	}

	stuckByPair := make(map[string]int64)
	now := time.Now()
	for _, tr := range pending {
		age := now.Sub(tr.SubmittedAt)
		if age < r.cfg.Grace {
			continue
		}
		if !r.resolve(ctx, tr) {
			r.escalate(ctx, tr, age)
			if tr.Flag != core.StuckNone {
				stuckByPair[tr.Pair]++
			}
		}
	}

	// The gauge is recomputed from the full pending set each sweep; pairs
	// that dropped to zero flagged orders are cleared here, not per
	// resolution, so one resolving trade cannot mask another still stuck.
	for pair := range r.reported {
		if _, still := stuckByPair[pair]; !still {
			metrics.SetStuckOrders(pair, 0)
			delete(r.reported, pair)
		}
	}
	for pair, count := range stuckByPair {
		metrics.SetStuckOrders(pair, count)
		r.reported[pair] = struct{}{}
	}
}

// resolve queries the exchange for one pending trade and applies the
// outcome. Returns true when the record reached a terminal status.
func (r *Reconciler) resolve(ctx context.Context, tr *core.TradeRecord) bool {
	log := r.logger.WithFields(map[string]interface{}{
		"trade_id":          tr.ID,
		"exchange_order_id": tr.ExchangeOrderID,
		"pair":              tr.Pair,
	})

	var state *core.OrderState
	err := retry.Do(ctx, retry.DefaultPolicy, apperrors.IsTransient, func() error {
		var lookupErr error
		state, lookupErr = r.exchange.GetOrder(ctx, tr.ExchangeOrderID)
		return lookupErr
	})
	if err != nil {
		log.Warn("order lookup failed", "error", err.Error())
		return false
	}
	if !state.Status.Terminal() {
		return false
	}

	// Fills first: the fill log must be complete before the record flips,
	// and fill ids make the replay idempotent.
	var filledAt *time.Time
	var fillPrice decimal.Decimal
	for i := range state.Fills {
		fill := state.Fills[i]
		inserted, err := r.store.UpsertFill(ctx, &fill)
		if err != nil {
			log.Error("fill upsert failed", "fill_id", fill.FillID, "error", err.Error())
			return false
		}
		if inserted {
			log.Debug("fill recorded", "fill_id", fill.FillID, "price", fill.Price.String())
		}
		if filledAt == nil || fill.ExecutedAt.After(*filledAt) {
			t := fill.ExecutedAt
			filledAt = &t
			fillPrice = fill.Price
		}
	}

	metrics := telemetry.GetGlobalMetrics()
	attrs := metric.WithAttributes(attribute.String("pair", tr.Pair), attribute.String("side", string(tr.Side)))

	var to core.TradeStatus
	var reason string
	var eventType core.TradeEventType
	if state.Status == core.ExchangeOrderFilled {
		to = core.TradeCompleted
		eventType = core.TradeCompletedEvent
		if filledAt == nil {
			t := time.Now()
			filledAt = &t
		}
	} else {
		to = core.TradeFailed
		reason = "exchange reported " + string(state.Status)
		eventType = core.TradeFailedEvent
		filledAt = nil
	}

	if err := r.store.TransitionTrade(ctx, tr.ID, core.TradePending, to, filledAt, reason); err != nil {
		if errors.Is(err, storage.ErrStaleTransition) || errors.Is(err, storage.ErrTerminalTransition) {
			// Another sweep got there first.
			return true
		}
		log.Error("trade transition failed", "error", err.Error())
		return false
	}

	if to == core.TradeCompleted {
		metrics.OrdersFilledTotal.Add(ctx, 1, attrs)
		log.Info("order completed", "fills", len(state.Fills))
	} else {
		metrics.OrdersFailedTotal.Add(ctx, 1, attrs)
		log.Warn("order failed on exchange", "reason", reason)
	}

	r.accounts.Invalidate()

	event := core.TradeEvent{
		Type:            eventType,
		BotID:           tr.BotID,
		TradeID:         tr.ID,
		Pair:            tr.Pair,
		Side:            tr.Side,
		ExchangeOrderID: tr.ExchangeOrderID,
		Reason:          reason,
		At:              time.Now(),
	}
	if !fillPrice.IsZero() {
		event.FillPrice = fillPrice
	}
	r.events(event)
	return true
}

// escalate flags long-pending records. Flags only ratchet upward; a stuck
// order is surfaced, never auto-failed, because the fill may still arrive.
func (r *Reconciler) escalate(ctx context.Context, tr *core.TradeRecord, age time.Duration) {
	var want core.StuckFlag
	switch {
	case age >= r.cfg.CriticalAfter:
		want = core.StuckCritical
	case age >= r.cfg.WarnAfter:
		want = core.StuckWarning
	default:
		return
	}
	if tr.Flag == want || tr.Flag == core.StuckCritical {
		return
	}
	if err := r.store.FlagTrade(ctx, tr.ID, want); err != nil {
		r.logger.Error("flagging stuck trade failed", "trade_id", tr.ID, "error", err.Error())
		return
	}
	tr.Flag = want
	r.logger.Warn("pending order stuck",
		"trade_id", tr.ID,
		"exchange_order_id", tr.ExchangeOrderID,
		"age_seconds", age.Seconds(),
		"flag", string(want))
}
