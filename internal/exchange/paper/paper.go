// Package paper provides a credential-free exchange driver. Prices follow
// a seeded random walk and market orders fill instantly at the current
// simulated price, so the daemon's full trade path runs without touching
// a real exchange.
package paper

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"autotrader/internal/core"
	apperrors "autotrader/pkg/errors"
)

const (
	tickInterval  = time.Second
	walkStepPct   = 0.0005
	defaultSeedPx = 50000
)

// Options tune the simulation. Zero values fall back to sane defaults.
type Options struct {
	FeeRate          float64
	StartingUSD      decimal.Decimal
	Seed             int64
	TickInterval     time.Duration
	StartingPriceUSD map[string]float64
}

type order struct {
	state core.OrderState
}

// Engine implements both core.ExchangeClient and core.MarketFeed.
type Engine struct {
	logger  core.ILogger
	feeRate decimal.Decimal
	tick    time.Duration
	rng     *rand.Rand

	mu       sync.Mutex
	balances map[string]decimal.Decimal
	prices   map[string]float64
	seeds    map[string]float64
	pairs    map[string]struct{}
	orders   map[string]*order
	byIdem   map[string]string

	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Options, logger core.ILogger) *Engine {
	usd := opts.StartingUSD
	if usd.IsZero() {
		usd = decimal.NewFromInt(10000)
	}
	tick := opts.TickInterval
	if tick <= 0 {
		tick = tickInterval
	}
	seeds := make(map[string]float64, len(opts.StartingPriceUSD))
	for pair, px := range opts.StartingPriceUSD {
		seeds[pair] = px
	}
	return &Engine{
		logger:   logger.WithField("component", "paper_exchange"),
		feeRate:  decimal.NewFromFloat(opts.FeeRate),
		tick:     tick,
		rng:      rand.New(rand.NewSource(opts.Seed)),
		balances: map[string]decimal.Decimal{"USD": usd},
		prices:   make(map[string]float64),
		seeds:    seeds,
		pairs:    make(map[string]struct{}),
		orders:   make(map[string]*order),
		byIdem:   make(map[string]string),
	}
}

func (e *Engine) Name() string { return "paper" }

func (e *Engine) CheckHealth(ctx context.Context) error { return nil }

func (e *Engine) ListBalances(ctx context.Context) (map[string]core.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]core.Balance, len(e.balances))
	for cur, avail := range e.balances {
		out[cur] = core.Balance{Available: avail, Held: decimal.Zero}
	}
	return out, nil
}

// GetCandles synthesizes a walk ending at the current price so indicator
// warm-up works immediately after boot.
func (e *Engine) GetCandles(ctx context.Context, pair, interval string, limit int) ([]core.Candle, error) {
	e.mu.Lock()
	px := e.priceLocked(pair)
	step := make([]float64, limit)
	for i := range step {
		step[i] = e.rng.NormFloat64()
	}
	e.mu.Unlock()

	secs := int64(60)
	if v, err := parseSeconds(interval); err == nil {
		secs = v
	}

	out := make([]core.Candle, limit)
	now := time.Now().Truncate(time.Duration(secs) * time.Second)
	// Walk backwards from the live price so the last close matches it.
	closes := make([]float64, limit)
	closes[limit-1] = px
	for i := limit - 2; i >= 0; i-- {
		closes[i] = closes[i+1] / (1 + step[i]*walkStepPct)
	}
	for i := range out {
		c := closes[i]
		spread := math.Abs(step[i]) * walkStepPct * c
		out[i] = core.Candle{
			Ts:     now.Add(-time.Duration(int64(limit-1-i)*secs) * time.Second),
			Open:   c - spread/2,
			High:   c + spread,
			Low:    c - spread,
			Close:  c,
			Volume: 1 + math.Abs(step[i]),
		}
	}
	return out, nil
}

func (e *Engine) GetProduct(ctx context.Context, pair string) (*core.ProductInfo, error) {
	base, quote, err := splitPair(pair)
	if err != nil {
		return nil, err
	}
	return &core.ProductInfo{
		Pair:          pair,
		BaseCurrency:  base,
		QuoteCurrency: quote,
		BaseStep:      decimal.RequireFromString("0.00000001"),
		QuoteStep:     decimal.RequireFromString("0.01"),
		MinNotional:   decimal.NewFromInt(1),
	}, nil
}

func (e *Engine) SubmitMarketOrder(ctx context.Context, req *core.MarketOrderRequest) (string, error) {
	base, quote, err := splitPair(req.Pair)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if id, ok := e.byIdem[req.IdempotencyKey]; ok {
		return id, nil
	}

	price := decimal.NewFromFloat(e.priceLocked(req.Pair))
	var baseQty, quoteValue decimal.Decimal
	if req.Side == core.SideBuy {
		quoteValue = req.QuoteSizeUSD
		baseQty = quoteValue.Div(price)
	} else {
		baseQty = req.BaseSize
		quoteValue = baseQty.Mul(price)
	}
	if !baseQty.IsPositive() {
		return "", apperrors.WithKind(apperrors.KindValidation,
			fmt.Errorf("%w: zero size", apperrors.ErrInvalidOrderParameter))
	}
	commission := quoteValue.Mul(e.feeRate)

	if req.Side == core.SideBuy {
		need := quoteValue.Add(commission)
		if e.balances[quote].LessThan(need) {
			return "", apperrors.WithKind(apperrors.KindValidation, apperrors.ErrInsufficientFunds)
		}
		e.balances[quote] = e.balances[quote].Sub(need)
		e.balances[base] = e.balances[base].Add(baseQty)
	} else {
		if e.balances[base].LessThan(baseQty) {
			return "", apperrors.WithKind(apperrors.KindValidation, apperrors.ErrInsufficientFunds)
		}
		e.balances[base] = e.balances[base].Sub(baseQty)
		e.balances[quote] = e.balances[quote].Add(quoteValue.Sub(commission))
	}

	orderID := uuid.NewString()
	e.byIdem[req.IdempotencyKey] = orderID
	e.orders[orderID] = &order{state: core.OrderState{
		ExchangeOrderID: orderID,
		Status:          core.ExchangeOrderFilled,
		Fills: []core.Fill{{
			FillID:          uuid.NewString(),
			ExchangeOrderID: orderID,
			Pair:            req.Pair,
			Side:            req.Side,
			BaseQty:         baseQty,
			QuoteValueUSD:   quoteValue,
			Price:           price,
			CommissionUSD:   commission,
			ExecutedAt:      time.Now(),
		}},
	}}
	return orderID, nil
}

func (e *Engine) GetOrder(ctx context.Context, exchangeOrderID string) (*core.OrderState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[exchangeOrderID]
	if !ok {
		return nil, apperrors.WithKind(apperrors.KindValidation, apperrors.ErrOrderNotFound)
	}
	state := o.state
	state.Fills = append([]core.Fill(nil), o.state.Fills...)
	return &state, nil
}

// MarketFeed

func (e *Engine) Start(ctx context.Context, onTick func(core.Ticker)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(runCtx, onTick)
	return nil
}

func (e *Engine) Stop() error {
	e.mu.Lock()
	cancel := e.cancel
	done := e.done
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (e *Engine) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancel != nil
}

func (e *Engine) Subscribe(pairs ...string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range pairs {
		e.pairs[p] = struct{}{}
	}
	return nil
}

func (e *Engine) Unsubscribe(pairs ...string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range pairs {
		delete(e.pairs, p)
	}
	return nil
}

func (e *Engine) run(ctx context.Context, onTick func(core.Ticker)) {
	defer close(e.done)
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.mu.Lock()
			ticks := make([]core.Ticker, 0, len(e.pairs))
			for pair := range e.pairs {
				px := e.priceLocked(pair) * (1 + e.rng.NormFloat64()*walkStepPct)
				e.prices[pair] = px
				ticks = append(ticks, core.Ticker{
					Pair:  pair,
					Price: decimal.NewFromFloat(px),
					Ts:    now,
				})
			}
			e.mu.Unlock()
			for _, t := range ticks {
				onTick(t)
			}
		}
	}
}

func (e *Engine) priceLocked(pair string) float64 {
	if px, ok := e.prices[pair]; ok {
		return px
	}
	px := float64(defaultSeedPx)
	if seed, ok := e.seeds[pair]; ok && seed > 0 {
		px = seed
	}
	e.prices[pair] = px
	return px
}

func splitPair(pair string) (base, quote string, err error) {
	for i := 0; i < len(pair); i++ {
		if pair[i] == '-' {
			if i == 0 || i == len(pair)-1 {
				break
			}
			return pair[:i], pair[i+1:], nil
		}
	}
	return "", "", apperrors.WithKind(apperrors.KindValidation,
		fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, pair))
}

func parseSeconds(interval string) (int64, error) {
	v, err := strconv.ParseInt(interval, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("bad interval %q", interval)
	}
	return v, nil
}
