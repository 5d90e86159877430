// Package core defines the domain types and interfaces for the trading controller
package core

import (
	"context"
	"time"
)

// ExchangeClient is the outbound bridge to the exchange REST API.
// Implementations categorize failures via pkg/errors kinds.
type ExchangeClient interface {
	Name() string
	CheckHealth(ctx context.Context) error

	ListBalances(ctx context.Context) (map[string]Balance, error)
	GetCandles(ctx context.Context, pair, interval string, limit int) ([]Candle, error)
	GetProduct(ctx context.Context, pair string) (*ProductInfo, error)

	SubmitMarketOrder(ctx context.Context, req *MarketOrderRequest) (string, error)
	GetOrder(ctx context.Context, exchangeOrderID string) (*OrderState, error)
}

// MarketFeed is the inbound streaming price source. Delivery is per-pair FIFO;
// on reconnect the latest ticker may be redelivered, so consumers drop
// non-monotone timestamps.
type MarketFeed interface {
	Start(ctx context.Context, onTick func(Ticker)) error
	Subscribe(pairs ...string) error
	Unsubscribe(pairs ...string) error
	Healthy() bool
	Stop() error
}

// Store is the persistence boundary: bots, trade records and fills.
// It is a linearizable single-writer store at record granularity.
type Store interface {
	CreateBot(ctx context.Context, bot *Bot) error
	GetBot(ctx context.Context, id int64) (*Bot, error)
	ListBots(ctx context.Context) ([]*Bot, error)
	UpdateBotConfig(ctx context.Context, bot *Bot) error
	SetBotStatus(ctx context.Context, id int64, status BotStatus) error

	CreateTrade(ctx context.Context, tr *TradeRecord) error
	// TransitionTrade is a compare-and-set on the current status. Moving a
	// terminal record is an invariant violation and must be rejected.
	TransitionTrade(ctx context.Context, id int64, from, to TradeStatus, filledAt *time.Time, reason string) error
	FlagTrade(ctx context.Context, id int64, flag StuckFlag) error
	GetTrade(ctx context.Context, id int64) (*TradeRecord, error)
	PendingTrades(ctx context.Context) ([]*TradeRecord, error)
	PendingTradeForBot(ctx context.Context, botID int64) (*TradeRecord, error)
	TradesByBot(ctx context.Context, botID int64) ([]*TradeRecord, error)
	LastCompletedTrade(ctx context.Context, botID int64) (*TradeRecord, error)

	// UpsertFill appends a fill if its fill id is new; duplicate ids are a
	// no-op. Returns whether a row was inserted.
	UpsertFill(ctx context.Context, fill *Fill) (bool, error)
	FillsByPair(ctx context.Context, pair string) ([]*Fill, error)
	FillsByOrder(ctx context.Context, exchangeOrderID string) ([]*Fill, error)

	Close() error
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IHealthMonitor defines the interface for health monitoring
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}
