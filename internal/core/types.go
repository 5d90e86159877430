package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Action is the outcome of one evaluation cycle.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Side converts a non-HOLD action to its order side.
func (a Action) Side() OrderSide {
	if a == ActionSell {
		return SideSell
	}
	return SideBuy
}

// Opposes reports whether two non-HOLD actions point in opposite directions.
func (a Action) Opposes(b Action) bool {
	return (a == ActionBuy && b == ActionSell) || (a == ActionSell && b == ActionBuy)
}

// BotStatus is the lifecycle state of a bot. Only RUNNING bots consume ticks.
type BotStatus string

const (
	BotStopped BotStatus = "STOPPED"
	BotRunning BotStatus = "RUNNING"
)

// TradeStatus is the local order lifecycle. Terminal states never mutate back.
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeCompleted TradeStatus = "completed"
	TradeFailed    TradeStatus = "failed"
)

// Terminal reports whether the status is final.
func (s TradeStatus) Terminal() bool {
	return s == TradeCompleted || s == TradeFailed
}

// StuckFlag escalates pending orders that do not resolve.
type StuckFlag string

const (
	StuckNone     StuckFlag = ""
	StuckWarning  StuckFlag = "warning"
	StuckCritical StuckFlag = "critical"
)

// Temperature is a coarse display bucket over |score|.
type Temperature string

const (
	TempHot    Temperature = "HOT"
	TempWarm   Temperature = "WARM"
	TempCool   Temperature = "COOL"
	TempFrozen Temperature = "FROZEN"
)

// BlockReason explains why a bot is currently holding.
type BlockReason string

const (
	BlockNone                BlockReason = ""
	BlockNoSignal            BlockReason = "no_signal"
	BlockConfirming          BlockReason = "confirming"
	BlockCoolingDown         BlockReason = "cooling_down"
	BlockPendingOrder        BlockReason = "pending_order"
	BlockInsufficientBalance BlockReason = "insufficient_balance"
	BlockAwaitingPriceStep   BlockReason = "awaiting_price_step"
	BlockAuthDegraded        BlockReason = "auth_degraded"
)

// Ticker is a single price observation from the streaming feed.
type Ticker struct {
	Pair  string
	Price decimal.Decimal
	Ts    time.Time
}

// Candle is a time-bucketed OHLCV record at a fixed interval.
// Float math is deliberate: candles only feed the indicator kernels.
type Candle struct {
	Ts     time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Balance is a per-currency account snapshot.
type Balance struct {
	Available decimal.Decimal
	Held      decimal.Decimal
}

// IndicatorKind identifies a signal source.
type IndicatorKind string

const (
	IndicatorRSI     IndicatorKind = "rsi"
	IndicatorMACross IndicatorKind = "ma_cross"
	IndicatorMACD    IndicatorKind = "macd"
)

// SignalConfig is one enabled indicator with parameters and weight.
// The sum of enabled weights across a bot must equal 1.0.
type SignalConfig struct {
	Kind    IndicatorKind `yaml:"kind" json:"kind"`
	Weight  float64       `yaml:"weight" json:"weight"`
	Enabled bool          `yaml:"enabled" json:"enabled"`

	// RSI
	Period        int     `yaml:"period,omitempty" json:"period,omitempty"`
	BuyThreshold  float64 `yaml:"buy_threshold,omitempty" json:"buy_threshold,omitempty"`
	SellThreshold float64 `yaml:"sell_threshold,omitempty" json:"sell_threshold,omitempty"`

	// MA crossover / MACD
	Fast   int `yaml:"fast,omitempty" json:"fast,omitempty"`
	Slow   int `yaml:"slow,omitempty" json:"slow,omitempty"`
	Signal int `yaml:"signal,omitempty" json:"signal,omitempty"`
}

// Bot is the persisted configuration of one trading agent, bound to one pair.
type Bot struct {
	ID     int64
	Name   string
	Pair   string
	Status BotStatus

	Signals []SignalConfig

	PositionSizeUSD     decimal.Decimal
	ConfirmationMinutes float64
	CooldownMinutes     float64
	SkipOnLowBalance    bool
	MinPriceStepPct     float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// OrderIntent is the in-process request a bot emits after a confirmed signal.
type OrderIntent struct {
	BotID          int64
	Pair           string
	Side           OrderSide
	NotionalUSD    decimal.Decimal
	ReferencePrice decimal.Decimal
	OriginScore    float64
	At             time.Time
}

// TradeRecord is the locally tracked order, from pending to terminal.
type TradeRecord struct {
	ID                   int64
	BotID                int64
	Pair                 string
	Side                 OrderSide
	SubmittedNotionalUSD decimal.Decimal
	SubmittedAt          time.Time
	ExchangeOrderID      string
	Status               TradeStatus
	FilledAt             *time.Time
	OriginScore          float64
	FailureReason        string
	Flag                 StuckFlag
}

// Fill is an exchange-confirmed execution, the authoritative unit for P&L.
// FillID is the idempotency key; fills are append-only.
type Fill struct {
	FillID          string
	ExchangeOrderID string
	Pair            string
	Side            OrderSide
	BaseQty         decimal.Decimal
	QuoteValueUSD   decimal.Decimal
	Price           decimal.Decimal
	CommissionUSD   decimal.Decimal
	ExecutedAt      time.Time
}

// ExchangeOrderStatus is the exchange's view of an order.
type ExchangeOrderStatus string

const (
	ExchangeOrderOpen      ExchangeOrderStatus = "open"
	ExchangeOrderFilled    ExchangeOrderStatus = "filled"
	ExchangeOrderCancelled ExchangeOrderStatus = "cancelled"
	ExchangeOrderFailed    ExchangeOrderStatus = "failed"
)

// Terminal reports whether the exchange status is final.
func (s ExchangeOrderStatus) Terminal() bool {
	return s == ExchangeOrderFilled || s == ExchangeOrderCancelled || s == ExchangeOrderFailed
}

// OrderState is the result of an order lookup: status plus all known fills.
type OrderState struct {
	ExchangeOrderID string
	Status          ExchangeOrderStatus
	Fills           []Fill
}

// MarketOrderRequest is the submit payload for a market order.
// BUY orders are quote-denominated, SELL orders base-denominated.
type MarketOrderRequest struct {
	Pair           string
	Side           OrderSide
	QuoteSizeUSD   decimal.Decimal
	BaseSize       decimal.Decimal
	IdempotencyKey string
}

// ProductInfo carries the exchange increments an order must honor.
type ProductInfo struct {
	Pair          string
	BaseCurrency  string
	QuoteCurrency string
	BaseStep      decimal.Decimal
	QuoteStep     decimal.Decimal
	MinNotional   decimal.Decimal
}

// Confirmation is the time window a non-HOLD intent must survive before
// becoming an order. At most one is active per bot.
type Confirmation struct {
	Action        Action
	StartedAt     time.Time
	Deadline      time.Time
	ScoreAtStart  float64
	ActionAtStart Action
}

// Progress returns the confirmation completion in [0, 1] at the given time.
func (c *Confirmation) Progress(now time.Time) float64 {
	total := c.Deadline.Sub(c.StartedAt)
	if total <= 0 {
		return 1
	}
	p := float64(now.Sub(c.StartedAt)) / float64(total)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// BotSnapshot is the observable per-bot state published after each cycle.
type BotSnapshot struct {
	BotID        int64       `json:"bot_id"`
	Name         string      `json:"name"`
	Pair         string      `json:"pair"`
	Status       BotStatus   `json:"status"`
	Score        float64     `json:"score"`
	Temperature  Temperature `json:"temperature"`
	NextAction   Action      `json:"next_action"`
	BlockReason  BlockReason `json:"blocking_reason,omitempty"`
	Confirming   bool        `json:"confirming"`
	ConfirmPct   float64     `json:"confirmation_progress,omitempty"`
	LastError    string      `json:"last_error,omitempty"`
	OptimizeSkip bool        `json:"optimization_skipped,omitempty"`
	EvaluatedAt  time.Time   `json:"evaluated_at"`
}

// TradeEventType classifies trade progress events.
type TradeEventType string

const (
	TradePlaced         TradeEventType = "placed"
	TradeCompletedEvent TradeEventType = "completed"
	TradeFailedEvent    TradeEventType = "failed"
	TradeTransientError TradeEventType = "transient_error"
)

// TradeEvent is emitted by the executor and the reconciler as an order
// moves through its lifecycle.
type TradeEvent struct {
	Type            TradeEventType
	BotID           int64
	TradeID         int64
	Pair            string
	Side            OrderSide
	ExchangeOrderID string
	FillPrice       decimal.Decimal
	Reason          string
	At              time.Time
}
