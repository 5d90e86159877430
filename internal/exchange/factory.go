// Package exchange selects the configured exchange driver.
package exchange

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/config"
	"autotrader/internal/core"
	"autotrader/internal/exchange/coinbase"
	"autotrader/internal/exchange/paper"
	"autotrader/pkg/ratelimit"
)

// New builds the REST client and the streaming feed for the configured
// driver. The paper driver serves both roles from one engine.
func New(cfg *config.Config, limiter *ratelimit.Limiter, logger core.ILogger) (core.ExchangeClient, core.MarketFeed, error) {
	switch strings.ToLower(cfg.Exchange.Driver) {
	case "coinbase":
		client := coinbase.NewClient(
			cfg.Exchange.BaseURL,
			cfg.Exchange.APIKey.Reveal(),
			cfg.Exchange.APISecret.Reveal(),
			time.Duration(cfg.Exchange.TimeoutSecond)*time.Second,
			limiter,
			logger,
		)
		feed := coinbase.NewFeed(cfg.Exchange.WSURL, logger)
		return client, feed, nil
	case "paper":
		engine := paper.New(paper.Options{
			FeeRate:     cfg.Exchange.FeeRate,
			StartingUSD: decimal.NewFromInt(10000),
		}, logger)
		return engine, engine, nil
	default:
		return nil, nil, fmt.Errorf("unsupported exchange driver: %s", cfg.Exchange.Driver)
	}
}
