package coinbase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"autotrader/internal/core"
	apperrors "autotrader/pkg/errors"
	apphttp "autotrader/pkg/http"
	"autotrader/pkg/ratelimit"
	"autotrader/pkg/telemetry"
)

const (
	DefaultBaseURL = "https://api.coinbase.com"
	DefaultWSURL   = "wss://advanced-trade-ws.coinbase.com"

	apiPrefix = "/api/v3/brokerage"
)

// Client is the REST half of the Coinbase adapter. Every call takes a
// token from the shared limiter first; 429 responses drain the bucket.
type Client struct {
	http    *apphttp.Client
	limiter *ratelimit.Limiter
	logger  core.ILogger
}

func NewClient(baseURL, apiKey, apiSecret string, timeout time.Duration, limiter *ratelimit.Limiter, logger core.ILogger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		http:    apphttp.NewClient(baseURL, timeout, newSigner(apiKey, apiSecret)),
		limiter: limiter,
		logger:  logger.WithField("component", "coinbase_client"),
	}
}

func (c *Client) Name() string { return "coinbase" }

func (c *Client) CheckHealth(ctx context.Context) error {
	_, err := c.get(ctx, apiPrefix+"/time", nil)
	return err
}

type accountsResponse struct {
	Accounts []struct {
		Currency         string `json:"currency"`
		AvailableBalance struct {
			Value string `json:"value"`
		} `json:"available_balance"`
		Hold struct {
			Value string `json:"value"`
		} `json:"hold"`
	} `json:"accounts"`
	HasNext bool   `json:"has_next"`
	Cursor  string `json:"cursor"`
}

func (c *Client) ListBalances(ctx context.Context) (map[string]core.Balance, error) {
	out := make(map[string]core.Balance)
	cursor := ""
	for {
		params := map[string]string{"limit": "250"}
		if cursor != "" {
			params["cursor"] = cursor
		}
		body, err := c.get(ctx, apiPrefix+"/accounts", params)
		if err != nil {
			return nil, err
		}

		var resp accountsResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("decode accounts response: %w", err)
		}
		for _, acct := range resp.Accounts {
			available, err := decimal.NewFromString(acct.AvailableBalance.Value)
			if err != nil {
				return nil, fmt.Errorf("account %s: bad available balance %q", acct.Currency, acct.AvailableBalance.Value)
			}
			held, err := decimal.NewFromString(acct.Hold.Value)
			if err != nil {
				return nil, fmt.Errorf("account %s: bad hold %q", acct.Currency, acct.Hold.Value)
			}
			out[acct.Currency] = core.Balance{Available: available, Held: held}
		}
		if !resp.HasNext || resp.Cursor == "" {
			return out, nil
		}
		cursor = resp.Cursor
	}
}

type candlesResponse struct {
	Candles []struct {
		Start  string `json:"start"`
		Low    string `json:"low"`
		High   string `json:"high"`
		Open   string `json:"open"`
		Close  string `json:"close"`
		Volume string `json:"volume"`
	} `json:"candles"`
}

func (c *Client) GetCandles(ctx context.Context, pair, interval string, limit int) ([]core.Candle, error) {
	granularity, seconds := granularityFor(interval)
	end := time.Now()
	start := end.Add(-time.Duration(limit) * time.Duration(seconds) * time.Second)

	body, err := c.get(ctx, apiPrefix+"/products/"+pair+"/candles", map[string]string{
		"granularity": granularity,
		"start":       strconv.FormatInt(start.Unix(), 10),
		"end":         strconv.FormatInt(end.Unix(), 10),
	})
	if err != nil {
		return nil, err
	}

	var resp candlesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode candles response: %w", err)
	}

	// Coinbase returns newest-first; the engine wants oldest-first.
	out := make([]core.Candle, 0, len(resp.Candles))
	for i := len(resp.Candles) - 1; i >= 0; i-- {
		raw := resp.Candles[i]
		ts, err := strconv.ParseInt(raw.Start, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad candle start %q", raw.Start)
		}
		candle := core.Candle{Ts: time.Unix(ts, 0).UTC()}
		for _, f := range []struct {
			dst *float64
			src string
		}{
			{&candle.Open, raw.Open},
			{&candle.High, raw.High},
			{&candle.Low, raw.Low},
			{&candle.Close, raw.Close},
			{&candle.Volume, raw.Volume},
		} {
			v, err := strconv.ParseFloat(f.src, 64)
			if err != nil {
				return nil, fmt.Errorf("bad candle field %q", f.src)
			}
			*f.dst = v
		}
		out = append(out, candle)
	}
	return out, nil
}

type productResponse struct {
	ProductID       string `json:"product_id"`
	BaseCurrencyID  string `json:"base_currency_id"`
	QuoteCurrencyID string `json:"quote_currency_id"`
	BaseIncrement   string `json:"base_increment"`
	QuoteIncrement  string `json:"quote_increment"`
	QuoteMinSize    string `json:"quote_min_size"`
}

func (c *Client) GetProduct(ctx context.Context, pair string) (*core.ProductInfo, error) {
	body, err := c.get(ctx, apiPrefix+"/products/"+pair, nil)
	if err != nil {
		return nil, err
	}

	var resp productResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode product response: %w", err)
	}

	baseStep, err := decimal.NewFromString(resp.BaseIncrement)
	if err != nil {
		return nil, fmt.Errorf("product %s: bad base increment %q", pair, resp.BaseIncrement)
	}
	quoteStep, err := decimal.NewFromString(resp.QuoteIncrement)
	if err != nil {
		return nil, fmt.Errorf("product %s: bad quote increment %q", pair, resp.QuoteIncrement)
	}
	minNotional, err := decimal.NewFromString(resp.QuoteMinSize)
	if err != nil {
		return nil, fmt.Errorf("product %s: bad quote min size %q", pair, resp.QuoteMinSize)
	}

	return &core.ProductInfo{
		Pair:          resp.ProductID,
		BaseCurrency:  resp.BaseCurrencyID,
		QuoteCurrency: resp.QuoteCurrencyID,
		BaseStep:      baseStep,
		QuoteStep:     quoteStep,
		MinNotional:   minNotional,
	}, nil
}

type orderRequest struct {
	ClientOrderID      string `json:"client_order_id"`
	ProductID          string `json:"product_id"`
	Side               string `json:"side"`
	OrderConfiguration struct {
		MarketMarketIOC struct {
			QuoteSize string `json:"quote_size,omitempty"`
			BaseSize  string `json:"base_size,omitempty"`
		} `json:"market_market_ioc"`
	} `json:"order_configuration"`
}

type orderResponse struct {
	Success         bool `json:"success"`
	SuccessResponse struct {
		OrderID string `json:"order_id"`
	} `json:"success_response"`
	ErrorResponse struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	} `json:"error_response"`
}

func (c *Client) SubmitMarketOrder(ctx context.Context, req *core.MarketOrderRequest) (string, error) {
	payload := orderRequest{
		ClientOrderID: req.IdempotencyKey,
		ProductID:     req.Pair,
		Side:          string(req.Side),
	}
	if req.Side == core.SideBuy {
		payload.OrderConfiguration.MarketMarketIOC.QuoteSize = req.QuoteSizeUSD.String()
	} else {
		payload.OrderConfiguration.MarketMarketIOC.BaseSize = req.BaseSize.String()
	}

	start := time.Now()
	body, err := c.post(ctx, apiPrefix+"/orders", payload)
	telemetry.GetGlobalMetrics().LatencyExchange.Record(ctx,
		float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("op", "submit_order")))
	if err != nil {
		return "", err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode order response: %w", err)
	}
	if !resp.Success {
		// A rejected order is a validation failure with the exchange's
		// message attached.
		msg := resp.ErrorResponse.Message
		if msg == "" {
			msg = resp.ErrorResponse.Error
		}
		return "", apperrors.WithKind(apperrors.KindValidation,
			fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, msg))
	}
	return resp.SuccessResponse.OrderID, nil
}

type orderStatusResponse struct {
	Order struct {
		OrderID string `json:"order_id"`
		Status  string `json:"status"`
	} `json:"order"`
}

type fillsResponse struct {
	Fills []struct {
		TradeID     string `json:"trade_id"`
		OrderID     string `json:"order_id"`
		ProductID   string `json:"product_id"`
		Side        string `json:"side"`
		Size        string `json:"size"`
		Price       string `json:"price"`
		Commission  string `json:"commission"`
		TradeTime   string `json:"trade_time"`
		SizeInQuote bool   `json:"size_in_quote"`
	} `json:"fills"`
}

func (c *Client) GetOrder(ctx context.Context, exchangeOrderID string) (*core.OrderState, error) {
	body, err := c.get(ctx, apiPrefix+"/orders/historical/"+exchangeOrderID, nil)
	if err != nil {
		return nil, err
	}
	var statusResp orderStatusResponse
	if err := json.Unmarshal(body, &statusResp); err != nil {
		return nil, fmt.Errorf("decode order status: %w", err)
	}

	state := &core.OrderState{
		ExchangeOrderID: exchangeOrderID,
		Status:          mapOrderStatus(statusResp.Order.Status),
	}
	if !state.Status.Terminal() {
		return state, nil
	}

	body, err = c.get(ctx, apiPrefix+"/orders/historical/fills", map[string]string{
		"order_id": exchangeOrderID,
	})
	if err != nil {
		return nil, err
	}
	var fr fillsResponse
	if err := json.Unmarshal(body, &fr); err != nil {
		return nil, fmt.Errorf("decode fills: %w", err)
	}

	for _, raw := range fr.Fills {
		fill, err := parseFill(raw.TradeID, raw.OrderID, raw.ProductID, raw.Side,
			raw.Size, raw.Price, raw.Commission, raw.TradeTime, raw.SizeInQuote)
		if err != nil {
			return nil, err
		}
		state.Fills = append(state.Fills, *fill)
	}
	return state, nil
}

func parseFill(tradeID, orderID, productID, side, size, price, commission, tradeTime string, sizeInQuote bool) (*core.Fill, error) {
	sizeDec, err := decimal.NewFromString(size)
	if err != nil {
		return nil, fmt.Errorf("fill %s: bad size %q", tradeID, size)
	}
	priceDec, err := decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("fill %s: bad price %q", tradeID, price)
	}
	commissionDec, err := decimal.NewFromString(commission)
	if err != nil {
		return nil, fmt.Errorf("fill %s: bad commission %q", tradeID, commission)
	}
	executedAt, err := time.Parse(time.RFC3339, tradeTime)
	if err != nil {
		return nil, fmt.Errorf("fill %s: bad trade time %q", tradeID, tradeTime)
	}

	var baseQty, quoteValue decimal.Decimal
	if sizeInQuote {
		quoteValue = sizeDec
		baseQty = sizeDec.Div(priceDec)
	} else {
		baseQty = sizeDec
		quoteValue = sizeDec.Mul(priceDec)
	}

	return &core.Fill{
		FillID:          tradeID,
		ExchangeOrderID: orderID,
		Pair:            productID,
		Side:            core.OrderSide(side),
		BaseQty:         baseQty,
		QuoteValueUSD:   quoteValue,
		Price:           priceDec,
		CommissionUSD:   commissionDec,
		ExecutedAt:      executedAt,
	}, nil
}

func mapOrderStatus(status string) core.ExchangeOrderStatus {
	switch status {
	case "FILLED":
		return core.ExchangeOrderFilled
	case "CANCELLED", "EXPIRED":
		return core.ExchangeOrderCancelled
	case "FAILED":
		return core.ExchangeOrderFailed
	default:
		return core.ExchangeOrderOpen
	}
}

func (c *Client) get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body, err := c.http.Get(ctx, path, params)
	return body, c.classify(err)
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body, err := c.http.Post(ctx, path, payload)
	return body, c.classify(err)
}

// classify maps transport failures onto the error taxonomy. A 429 also
// drains the shared token bucket so queued callers wait out the penalty.
func (c *Client) classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *apphttp.APIError
	if !errors.As(err, &apiErr) {
		return apperrors.WithKind(apperrors.KindTransient, err)
	}
	switch {
	case apiErr.StatusCode == 429:
		c.limiter.Drain()
		c.logger.Warn("rate limited, draining token bucket")
		return apperrors.WithKind(apperrors.KindRateLimited, err)
	case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
		return apperrors.WithKind(apperrors.KindAuth, err)
	case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
		return apperrors.WithKind(apperrors.KindValidation, err)
	default:
		return apperrors.WithKind(apperrors.KindTransient, err)
	}
}

func granularityFor(interval string) (string, int64) {
	switch interval {
	case "60":
		return "ONE_MINUTE", 60
	case "300":
		return "FIVE_MINUTE", 300
	case "900":
		return "FIFTEEN_MINUTE", 900
	case "1800":
		return "THIRTY_MINUTE", 1800
	case "3600":
		return "ONE_HOUR", 3600
	case "21600":
		return "SIX_HOUR", 21600
	case "86400":
		return "ONE_DAY", 86400
	default:
		return "ONE_MINUTE", 60
	}
}
