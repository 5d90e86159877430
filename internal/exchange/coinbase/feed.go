package coinbase

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/core"
	"autotrader/pkg/websocket"
)

// Feed streams ticker updates from the Advanced Trade websocket. The
// underlying client reconnects on its own; onConnected replays the
// current subscription set so a restart picks up every pair again.
type Feed struct {
	url    string
	logger core.ILogger

	mu     sync.Mutex
	ws     *websocket.Client
	pairs  map[string]struct{}
	onTick func(core.Ticker)
}

func NewFeed(url string, logger core.ILogger) *Feed {
	if url == "" {
		url = DefaultWSURL
	}
	return &Feed{
		url:    url,
		logger: logger.WithField("component", "coinbase_feed"),
		pairs:  make(map[string]struct{}),
	}
}

func (f *Feed) Start(ctx context.Context, onTick func(core.Ticker)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ws != nil {
		return nil
	}

	f.onTick = onTick
	f.ws = websocket.NewClient(f.url, f.handleMessage, f.logger)
	f.ws.SetOnConnected(f.resubscribe)
	f.ws.Start()
	return nil
}

func (f *Feed) Stop() error {
	f.mu.Lock()
	ws := f.ws
	f.ws = nil
	f.mu.Unlock()

	if ws != nil {
		ws.Stop()
	}
	return nil
}

func (f *Feed) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ws != nil && f.ws.IsConnected()
}

type subscribeMessage struct {
	Type       string   `json:"type"`
	Channel    string   `json:"channel"`
	ProductIDs []string `json:"product_ids"`
}

func (f *Feed) Subscribe(pairs ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fresh := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if _, ok := f.pairs[p]; ok {
			continue
		}
		f.pairs[p] = struct{}{}
		fresh = append(fresh, p)
	}
	if len(fresh) == 0 || f.ws == nil || !f.ws.IsConnected() {
		// Not connected yet; resubscribe delivers the set on connect.
		return nil
	}
	return f.ws.Send(subscribeMessage{Type: "subscribe", Channel: "ticker", ProductIDs: fresh})
}

func (f *Feed) Unsubscribe(pairs ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	stale := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if _, ok := f.pairs[p]; !ok {
			continue
		}
		delete(f.pairs, p)
		stale = append(stale, p)
	}
	if len(stale) == 0 || f.ws == nil || !f.ws.IsConnected() {
		return nil
	}
	return f.ws.Send(subscribeMessage{Type: "unsubscribe", Channel: "ticker", ProductIDs: stale})
}

func (f *Feed) resubscribe() {
	f.mu.Lock()
	all := make([]string, 0, len(f.pairs))
	for p := range f.pairs {
		all = append(all, p)
	}
	ws := f.ws
	f.mu.Unlock()

	if len(all) == 0 || ws == nil {
		return
	}
	if err := ws.Send(subscribeMessage{Type: "subscribe", Channel: "ticker", ProductIDs: all}); err != nil {
		f.logger.Error("resubscribe failed", "error", err.Error())
	}
}

type tickerMessage struct {
	Channel   string `json:"channel"`
	Timestamp string `json:"timestamp"`
	Events    []struct {
		Type    string `json:"type"`
		Tickers []struct {
			ProductID string `json:"product_id"`
			Price     string `json:"price"`
		} `json:"tickers"`
	} `json:"events"`
}

func (f *Feed) handleMessage(message []byte) {
	var msg tickerMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		f.logger.Debug("unparseable websocket message", "error", err.Error())
		return
	}
	if msg.Channel != "ticker" {
		return
	}

	ts, err := time.Parse(time.RFC3339, msg.Timestamp)
	if err != nil {
		ts = time.Now()
	}

	f.mu.Lock()
	onTick := f.onTick
	f.mu.Unlock()
	if onTick == nil {
		return
	}

	for _, ev := range msg.Events {
		for _, tk := range ev.Tickers {
			price, err := decimal.NewFromString(tk.Price)
			if err != nil {
				f.logger.Warn("bad ticker price", "pair", tk.ProductID, "price", tk.Price)
				continue
			}
			onTick(core.Ticker{Pair: tk.ProductID, Price: price, Ts: ts})
		}
	}
}
