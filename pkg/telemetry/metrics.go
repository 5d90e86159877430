package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metric names
const (
	MetricTicksRoutedTotal    = "autotrader_ticks_routed_total"
	MetricTicksDroppedTotal   = "autotrader_ticks_dropped_total"
	MetricEvaluationsTotal    = "autotrader_evaluations_total"
	MetricIntentsTotal        = "autotrader_intents_total"
	MetricOrdersPlacedTotal   = "autotrader_orders_placed_total"
	MetricOrdersFilledTotal   = "autotrader_orders_filled_total"
	MetricOrdersFailedTotal   = "autotrader_orders_failed_total"
	MetricReconcileSweeps     = "autotrader_reconcile_sweeps_total"
	MetricStuckOrders         = "autotrader_stuck_orders"
	MetricBalanceCacheHits    = "autotrader_balance_cache_hits_total"
	MetricBalanceCacheMisses  = "autotrader_balance_cache_misses_total"
	MetricPnLRealizedTotal    = "autotrader_pnl_realized_usd"
	MetricPnLUnrealized       = "autotrader_pnl_unrealized_usd"
	MetricBotScore            = "autotrader_bot_score"
	MetricLatencyExchange     = "autotrader_latency_exchange_ms"
	MetricLatencyTickToIntent = "autotrader_latency_tick_to_intent_ms"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	TicksRoutedTotal    metric.Int64Counter
	TicksDroppedTotal   metric.Int64Counter
	EvaluationsTotal    metric.Int64Counter
	IntentsTotal        metric.Int64Counter
	OrdersPlacedTotal   metric.Int64Counter
	OrdersFilledTotal   metric.Int64Counter
	OrdersFailedTotal   metric.Int64Counter
	ReconcileSweeps     metric.Int64Counter
	BalanceCacheHits    metric.Int64Counter
	BalanceCacheMisses  metric.Int64Counter
	LatencyExchange     metric.Float64Histogram
	LatencyTickToIntent metric.Float64Histogram

	StuckOrders   metric.Int64ObservableGauge
	PnLRealized   metric.Float64ObservableGauge
	PnLUnrealized metric.Float64ObservableGauge
	BotScore      metric.Float64ObservableGauge

	// State for observable gauges
	mu            sync.RWMutex
	stuckMap      map[string]int64
	realizedMap   map[string]float64
	unrealizedMap map[string]float64
	scoreMap      map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			stuckMap:      make(map[string]int64),
			realizedMap:   make(map[string]float64),
			unrealizedMap: make(map[string]float64),
			scoreMap:      make(map[string]float64),
		}
		// Noop instruments until telemetry setup swaps in the real meter.
		_ = globalMetrics.InitMetrics(noop.NewMeterProvider().Meter("autotrader"))
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.TicksRoutedTotal, err = meter.Int64Counter(MetricTicksRoutedTotal,
		metric.WithDescription("Ticker updates dispatched to bot workers")); err != nil {
		return err
	}
	if m.TicksDroppedTotal, err = meter.Int64Counter(MetricTicksDroppedTotal,
		metric.WithDescription("Ticker updates dropped from full subscriber queues")); err != nil {
		return err
	}
	if m.EvaluationsTotal, err = meter.Int64Counter(MetricEvaluationsTotal,
		metric.WithDescription("Bot evaluation cycles run")); err != nil {
		return err
	}
	if m.IntentsTotal, err = meter.Int64Counter(MetricIntentsTotal,
		metric.WithDescription("Order intents emitted after confirmation")); err != nil {
		return err
	}
	if m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal,
		metric.WithDescription("Market orders accepted by the exchange")); err != nil {
		return err
	}
	if m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal,
		metric.WithDescription("Trade records transitioned to completed")); err != nil {
		return err
	}
	if m.OrdersFailedTotal, err = meter.Int64Counter(MetricOrdersFailedTotal,
		metric.WithDescription("Trade records transitioned to failed")); err != nil {
		return err
	}
	if m.ReconcileSweeps, err = meter.Int64Counter(MetricReconcileSweeps,
		metric.WithDescription("Reconciliation sweeps executed")); err != nil {
		return err
	}
	if m.BalanceCacheHits, err = meter.Int64Counter(MetricBalanceCacheHits,
		metric.WithDescription("Balance reads served from cache")); err != nil {
		return err
	}
	if m.BalanceCacheMisses, err = meter.Int64Counter(MetricBalanceCacheMisses,
		metric.WithDescription("Balance reads requiring an upstream refresh")); err != nil {
		return err
	}
	if m.LatencyExchange, err = meter.Float64Histogram(MetricLatencyExchange,
		metric.WithDescription("Latency of exchange API calls"), metric.WithUnit("ms")); err != nil {
		return err
	}
	if m.LatencyTickToIntent, err = meter.Float64Histogram(MetricLatencyTickToIntent,
		metric.WithDescription("Time from routed tick to emitted intent"), metric.WithUnit("ms")); err != nil {
		return err
	}

	if m.StuckOrders, err = meter.Int64ObservableGauge(MetricStuckOrders,
		metric.WithDescription("Pending orders currently flagged warning or critical"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for pair, val := range m.stuckMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("pair", pair)))
			}
			return nil
		})); err != nil {
		return err
	}
	if m.PnLRealized, err = meter.Float64ObservableGauge(MetricPnLRealizedTotal,
		metric.WithDescription("FIFO realized P&L per pair"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for pair, val := range m.realizedMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("pair", pair)))
			}
			return nil
		})); err != nil {
		return err
	}
	if m.PnLUnrealized, err = meter.Float64ObservableGauge(MetricPnLUnrealized,
		metric.WithDescription("Unrealized P&L per pair at the latest price"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for pair, val := range m.unrealizedMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("pair", pair)))
			}
			return nil
		})); err != nil {
		return err
	}
	if m.BotScore, err = meter.Float64ObservableGauge(MetricBotScore,
		metric.WithDescription("Latest combined signal score per bot"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for bot, val := range m.scoreMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("bot", bot)))
			}
			return nil
		})); err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetStuckOrders(pair string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stuckMap[pair] = count
}

// StuckOrdersFor returns the currently reported count for a pair.
func (m *MetricsHolder) StuckOrdersFor(pair string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stuckMap[pair]
}

func (m *MetricsHolder) SetRealizedPnL(pair string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.realizedMap[pair] = value
}

func (m *MetricsHolder) SetUnrealizedPnL(pair string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedMap[pair] = value
}

func (m *MetricsHolder) SetBotScore(bot string, score float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scoreMap[bot] = score
}
