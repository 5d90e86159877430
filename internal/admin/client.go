package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"autotrader/internal/core"
	"autotrader/internal/trading"
)

// Client talks to a running daemon's admin listener. Used by the
// non-daemon CLI subcommands.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(addr string) *Client {
	return &Client{
		baseURL: "http://" + addr,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) ListBots(ctx context.Context) ([]core.BotSnapshot, error) {
	var out []core.BotSnapshot
	return out, c.do(ctx, http.MethodGet, "/v1/bots", &out)
}

func (c *Client) StartBot(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/bots/%d/start", id), nil)
}

func (c *Client) StopBot(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/bots/%d/stop", id), nil)
}

func (c *Client) Reconcile(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/reconcile", nil)
}

func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.do(ctx, http.MethodGet, "/v1/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PnL(ctx context.Context, pair string) (*trading.PnLReport, error) {
	var out trading.PnLReport
	if err := c.do(ctx, http.MethodGet, "/v1/pnl/"+pair, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	// 503 health responses carry a real payload; every other error stops here.
	if resp.StatusCode >= 400 && !(out != nil && resp.StatusCode == http.StatusServiceUnavailable) {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("daemon: %s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
