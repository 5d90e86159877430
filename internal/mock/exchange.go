// Package mock provides scriptable test doubles for the exchange boundary.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/core"
)

// Exchange implements core.ExchangeClient against in-memory state. Tests
// script balances, candles and order outcomes, and can inject errors per
// endpoint.
type Exchange struct {
	mu sync.RWMutex

	balances map[string]core.Balance
	candles  map[string][]core.Candle
	products map[string]*core.ProductInfo
	orders   map[string]*core.OrderState
	byIdem   map[string]string

	orderSeq int64
	fillSeq  int64

	// When set, submitted orders stay open until ResolveOrder is called.
	HoldOrdersOpen bool
	// FillPrice prices synthetic fills for auto-filled orders.
	FillPrice decimal.Decimal
	// FeeRate applies a commission to synthetic fills.
	FeeRate decimal.Decimal

	BalancesErr error
	CandlesErr  error
	SubmitErr   error
	GetOrderErr error
	HealthErr   error

	SubmitCalls   int
	BalancesCalls int
}

func NewExchange() *Exchange {
	return &Exchange{
		balances:  make(map[string]core.Balance),
		candles:   make(map[string][]core.Candle),
		products:  make(map[string]*core.ProductInfo),
		orders:    make(map[string]*core.OrderState),
		byIdem:    make(map[string]string),
		FillPrice: decimal.NewFromInt(100),
		FeeRate:   decimal.RequireFromString("0.0025"),
	}
}

func (e *Exchange) Name() string { return "mock" }

func (e *Exchange) CheckHealth(ctx context.Context) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.HealthErr
}

func (e *Exchange) SetBalance(currency string, available, held decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances[currency] = core.Balance{Available: available, Held: held}
}

func (e *Exchange) SetCandles(pair string, candles []core.Candle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candles[pair] = candles
}

func (e *Exchange) SetProduct(info *core.ProductInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.products[info.Pair] = info
}

func (e *Exchange) ListBalances(ctx context.Context) (map[string]core.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.BalancesCalls++
	if e.BalancesErr != nil {
		return nil, e.BalancesErr
	}
	out := make(map[string]core.Balance, len(e.balances))
	for k, v := range e.balances {
		out[k] = v
	}
	return out, nil
}

func (e *Exchange) GetCandles(ctx context.Context, pair, interval string, limit int) ([]core.Candle, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.CandlesErr != nil {
		return nil, e.CandlesErr
	}
	candles := e.candles[pair]
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	out := make([]core.Candle, len(candles))
	copy(out, candles)
	return out, nil
}

func (e *Exchange) GetProduct(ctx context.Context, pair string) (*core.ProductInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if info, ok := e.products[pair]; ok {
		cp := *info
		return &cp, nil
	}
	// Default increments keep most tests free of product setup.
	return &core.ProductInfo{
		Pair:          pair,
		BaseCurrency:  baseCurrency(pair),
		QuoteCurrency: "USD",
		BaseStep:      decimal.RequireFromString("0.00000001"),
		QuoteStep:     decimal.RequireFromString("0.01"),
		MinNotional:   decimal.NewFromInt(1),
	}, nil
}

func (e *Exchange) SubmitMarketOrder(ctx context.Context, req *core.MarketOrderRequest) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.SubmitCalls++
	if e.SubmitErr != nil {
		return "", e.SubmitErr
	}

	// Replayed idempotency keys return the original order.
	if req.IdempotencyKey != "" {
		if id, ok := e.byIdem[req.IdempotencyKey]; ok {
			return id, nil
		}
	}

	e.orderSeq++
	id := fmt.Sprintf("mock-ord-%d", e.orderSeq)
	state := &core.OrderState{ExchangeOrderID: id, Status: core.ExchangeOrderOpen}
	if !e.HoldOrdersOpen {
		state.Status = core.ExchangeOrderFilled
		state.Fills = []core.Fill{e.syntheticFill(id, req)}
	}
	e.orders[id] = state
	if req.IdempotencyKey != "" {
		e.byIdem[req.IdempotencyKey] = id
	}
	return id, nil
}

func (e *Exchange) GetOrder(ctx context.Context, exchangeOrderID string) (*core.OrderState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.GetOrderErr != nil {
		return nil, e.GetOrderErr
	}
	state, ok := e.orders[exchangeOrderID]
	if !ok {
		return nil, fmt.Errorf("mock: order %s not found", exchangeOrderID)
	}
	cp := *state
	cp.Fills = append([]core.Fill(nil), state.Fills...)
	return &cp, nil
}

// ResolveOrder moves a held-open order to a terminal status. Filled orders
// get one synthetic fill at FillPrice unless fills were scripted already.
func (e *Exchange) ResolveOrder(exchangeOrderID string, status core.ExchangeOrderStatus, req *core.MarketOrderRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.orders[exchangeOrderID]
	if !ok {
		return fmt.Errorf("mock: order %s not found", exchangeOrderID)
	}
	state.Status = status
	if status == core.ExchangeOrderFilled && len(state.Fills) == 0 && req != nil {
		state.Fills = []core.Fill{e.syntheticFill(exchangeOrderID, req)}
	}
	return nil
}

// AddFill appends a scripted fill to an order.
func (e *Exchange) AddFill(exchangeOrderID string, fill core.Fill) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state, ok := e.orders[exchangeOrderID]; ok {
		state.Fills = append(state.Fills, fill)
	}
}

func (e *Exchange) syntheticFill(orderID string, req *core.MarketOrderRequest) core.Fill {
	e.fillSeq++
	price := e.FillPrice
	var base, quote decimal.Decimal
	if req.Side == core.SideBuy {
		quote = req.QuoteSizeUSD
		base = quote.Div(price)
	} else {
		base = req.BaseSize
		quote = base.Mul(price)
	}
	return core.Fill{
		FillID:          fmt.Sprintf("mock-fill-%d", e.fillSeq),
		ExchangeOrderID: orderID,
		Pair:            req.Pair,
		Side:            req.Side,
		BaseQty:         base,
		QuoteValueUSD:   quote,
		Price:           price,
		CommissionUSD:   quote.Mul(e.FeeRate),
		ExecutedAt:      time.Now().UTC(),
	}
}

func baseCurrency(pair string) string {
	for i := 0; i < len(pair); i++ {
		if pair[i] == '-' {
			return pair[:i]
		}
	}
	return pair
}
