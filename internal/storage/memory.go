package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"autotrader/internal/core"
)

// MemoryStore implements core.Store in memory. Used by tests and dry runs.
type MemoryStore struct {
	mu sync.RWMutex

	bots      map[int64]*core.Bot
	trades    map[int64]*core.TradeRecord
	fills     map[string]*core.Fill
	fillOrder []string

	nextBotID   int64
	nextTradeID int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bots:        make(map[int64]*core.Bot),
		trades:      make(map[int64]*core.TradeRecord),
		fills:       make(map[string]*core.Fill),
		nextBotID:   1,
		nextTradeID: 1,
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateBot(ctx context.Context, bot *core.Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bot.ID = s.nextBotID
	s.nextBotID++
	now := time.Now()
	if bot.CreatedAt.IsZero() {
		bot.CreatedAt = now
	}
	bot.UpdatedAt = now
	if bot.Status == "" {
		bot.Status = core.BotStopped
	}

	cp := *bot
	s.bots[bot.ID] = &cp
	return nil
}

func (s *MemoryStore) GetBot(ctx context.Context, id int64) (*core.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bot, ok := s.bots[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *bot
	return &cp, nil
}

func (s *MemoryStore) ListBots(ctx context.Context) ([]*core.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*core.Bot, 0, len(s.bots))
	for _, bot := range s.bots {
		cp := *bot
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateBotConfig(ctx context.Context, bot *core.Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.bots[bot.ID]
	if !ok {
		return ErrNotFound
	}
	bot.Status = cur.Status
	bot.CreatedAt = cur.CreatedAt
	bot.UpdatedAt = time.Now()
	cp := *bot
	s.bots[bot.ID] = &cp
	return nil
}

func (s *MemoryStore) SetBotStatus(ctx context.Context, id int64, status core.BotStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bot, ok := s.bots[id]
	if !ok {
		return ErrNotFound
	}
	bot.Status = status
	bot.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) CreateTrade(ctx context.Context, tr *core.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr.ID = s.nextTradeID
	s.nextTradeID++
	if tr.SubmittedAt.IsZero() {
		tr.SubmittedAt = time.Now()
	}
	if tr.Status == "" {
		tr.Status = core.TradePending
	}

	cp := *tr
	s.trades[tr.ID] = &cp
	return nil
}

func (s *MemoryStore) TransitionTrade(ctx context.Context, id int64, from, to core.TradeStatus, filledAt *time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.trades[id]
	if !ok {
		return ErrNotFound
	}
	if tr.Status != from {
		if tr.Status.Terminal() {
			return fmt.Errorf("trade %d is %s: %w", id, tr.Status, ErrTerminalTransition)
		}
		return fmt.Errorf("trade %d is %s, expected %s: %w", id, tr.Status, from, ErrStaleTransition)
	}

	tr.Status = to
	tr.FailureReason = reason
	if filledAt != nil {
		t := *filledAt
		tr.FilledAt = &t
	}
	return nil
}

func (s *MemoryStore) FlagTrade(ctx context.Context, id int64, flag core.StuckFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.trades[id]
	if !ok {
		return ErrNotFound
	}
	tr.Flag = flag
	return nil
}

func (s *MemoryStore) GetTrade(ctx context.Context, id int64) (*core.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tr, ok := s.trades[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tr
	return &cp, nil
}

func (s *MemoryStore) PendingTrades(ctx context.Context) ([]*core.TradeRecord, error) {
	return s.selectTrades(func(tr *core.TradeRecord) bool {
		return tr.Status == core.TradePending
	}), nil
}

func (s *MemoryStore) PendingTradeForBot(ctx context.Context, botID int64) (*core.TradeRecord, error) {
	pending := s.selectTrades(func(tr *core.TradeRecord) bool {
		return tr.BotID == botID && tr.Status == core.TradePending
	})
	if len(pending) == 0 {
		return nil, nil
	}
	return pending[0], nil
}

func (s *MemoryStore) TradesByBot(ctx context.Context, botID int64) ([]*core.TradeRecord, error) {
	return s.selectTrades(func(tr *core.TradeRecord) bool {
		return tr.BotID == botID
	}), nil
}

func (s *MemoryStore) LastCompletedTrade(ctx context.Context, botID int64) (*core.TradeRecord, error) {
	completed := s.selectTrades(func(tr *core.TradeRecord) bool {
		return tr.BotID == botID && tr.Status == core.TradeCompleted && tr.FilledAt != nil
	})
	if len(completed) == 0 {
		return nil, nil
	}
	last := completed[0]
	for _, tr := range completed[1:] {
		if tr.FilledAt.After(*last.FilledAt) {
			last = tr
		}
	}
	return last, nil
}

func (s *MemoryStore) selectTrades(keep func(*core.TradeRecord) bool) []*core.TradeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.TradeRecord
	for _, tr := range s.trades {
		if keep(tr) {
			cp := *tr
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

func (s *MemoryStore) UpsertFill(ctx context.Context, fill *core.Fill) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.fills[fill.FillID]; exists {
		return false, nil
	}
	cp := *fill
	s.fills[fill.FillID] = &cp
	s.fillOrder = append(s.fillOrder, fill.FillID)
	return true, nil
}

func (s *MemoryStore) FillsByPair(ctx context.Context, pair string) ([]*core.Fill, error) {
	return s.selectFills(func(f *core.Fill) bool { return f.Pair == pair }), nil
}

func (s *MemoryStore) FillsByOrder(ctx context.Context, exchangeOrderID string) ([]*core.Fill, error) {
	return s.selectFills(func(f *core.Fill) bool { return f.ExchangeOrderID == exchangeOrderID }), nil
}

func (s *MemoryStore) selectFills(keep func(*core.Fill) bool) []*core.Fill {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.Fill
	for _, id := range s.fillOrder {
		f := s.fills[id]
		if keep(f) {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ExecutedAt.Equal(out[j].ExecutedAt) {
			return out[i].FillID < out[j].FillID
		}
		return out[i].ExecutedAt.Before(out[j].ExecutedAt)
	})
	return out
}
