package bot

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"autotrader/internal/core"
	"autotrader/internal/indicator"
	"autotrader/internal/market"
	"autotrader/pkg/concurrency"
)

// SupervisorDeps are the shared collaborators handed to every worker.
type SupervisorDeps struct {
	Store    core.Store
	Exchange core.ExchangeClient
	Feed     core.MarketFeed
	Router   *market.Router
	Pool     *concurrency.WorkerPool
	Logger   core.ILogger

	EvaluatorDeps Deps
	FallbackPoll  time.Duration
}

type worker struct {
	bot       *core.Bot
	evaluator *Evaluator
	sub       *market.Subscription
	cancel    context.CancelFunc
	done      chan struct{}
}

// Supervisor owns the RUNNING set: it starts and stops bot workers, wires
// their subscriptions, and exposes their observable snapshots.
type Supervisor struct {
	deps   SupervisorDeps
	logger core.ILogger

	mu      sync.Mutex
	workers map[int64]*worker
}

func NewSupervisor(deps SupervisorDeps) *Supervisor {
	return &Supervisor{
		deps:    deps,
		logger:  deps.Logger.WithField("component", "bot_supervisor"),
		workers: make(map[int64]*worker),
	}
}

// ResumeRunning restarts workers for every bot persisted as RUNNING. Called
// once at boot so a restart does not silently park the fleet.
func (s *Supervisor) ResumeRunning(ctx context.Context) error {
	bots, err := s.deps.Store.ListBots(ctx)
	if err != nil {
		return fmt.Errorf("list bots: %w", err)
	}
	for _, b := range bots {
		if b.Status != core.BotRunning {
			continue
		}
		if err := s.StartBot(ctx, b.ID); err != nil {
			s.logger.Error("failed to resume bot", "bot_id", b.ID, "error", err.Error())
		}
	}
	return nil
}

// StartBot validates the bot's configuration and launches its worker. A bot
// with invalid signals cannot become RUNNING.
func (s *Supervisor) StartBot(ctx context.Context, id int64) error {
	bot, err := s.deps.Store.GetBot(ctx, id)
	if err != nil {
		return fmt.Errorf("load bot %d: %w", id, err)
	}
	if err := indicator.ValidateSignals(bot.Signals); err != nil {
		return fmt.Errorf("bot %d configuration: %w", id, err)
	}
	if !bot.PositionSizeUSD.IsPositive() {
		return fmt.Errorf("bot %d configuration: position size must be positive", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.workers[id]; running {
		return nil
	}

	product, err := s.deps.Exchange.GetProduct(ctx, bot.Pair)
	if err != nil {
		return fmt.Errorf("product lookup for %s: %w", bot.Pair, err)
	}

	if err := s.deps.Store.SetBotStatus(ctx, id, core.BotRunning); err != nil {
		return fmt.Errorf("mark bot running: %w", err)
	}

	evalDeps := s.deps.EvaluatorDeps
	evalDeps.QuoteCurrency = product.QuoteCurrency
	evalDeps.BaseCurrency = product.BaseCurrency
	evaluator := NewEvaluator(bot, evalDeps)

	if !s.pairInUseLocked(bot.Pair, id) {
		if err := s.deps.Feed.Subscribe(bot.Pair); err != nil {
			s.logger.Warn("feed subscribe failed, relying on fallback poll",
				"pair", bot.Pair, "error", err.Error())
		}
	}
	sub := s.deps.Router.Subscribe(bot.Pair)

	workerCtx, cancel := context.WithCancel(context.Background())
	w := &worker{bot: bot, evaluator: evaluator, sub: sub, cancel: cancel, done: make(chan struct{})}
	s.workers[id] = w

	if err := s.deps.Pool.Submit(func() {
		defer close(w.done)
		evaluator.Run(workerCtx, sub, s.deps.Router, s.deps.FallbackPoll)
	}); err != nil {
		cancel()
		delete(s.workers, id)
		s.deps.Router.Unsubscribe(sub)
		return fmt.Errorf("start worker: %w", err)
	}

	s.logger.Info("bot started", "bot_id", id, "pair", bot.Pair)
	return nil
}

// StopBot cancels the worker and unsubscribes. Pending orders are not
// cancelled; the reconciler owns them until terminal.
func (s *Supervisor) StopBot(ctx context.Context, id int64) error {
	s.mu.Lock()
	w, running := s.workers[id]
	if running {
		delete(s.workers, id)
	}
	pairStillUsed := running && s.pairInUseLocked(w.bot.Pair, id)
	s.mu.Unlock()

	if running {
		w.cancel()
		<-w.done
		s.deps.Router.Unsubscribe(w.sub)
		if !pairStillUsed {
			if err := s.deps.Feed.Unsubscribe(w.bot.Pair); err != nil {
				s.logger.Warn("feed unsubscribe failed", "pair", w.bot.Pair, "error", err.Error())
			}
		}
	}

	if err := s.deps.Store.SetBotStatus(ctx, id, core.BotStopped); err != nil {
		return fmt.Errorf("mark bot stopped: %w", err)
	}
	s.logger.Info("bot stopped", "bot_id", id)
	return nil
}

// StopAll shuts every worker down. Used on daemon shutdown; bot statuses
// in the store are left as-is so a restart resumes them.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	workers := make([]*worker, 0, len(s.workers))
	for id, w := range s.workers {
		workers = append(workers, w)
		delete(s.workers, id)
	}
	s.mu.Unlock()

	for _, w := range workers {
		w.cancel()
		<-w.done
		s.deps.Router.Unsubscribe(w.sub)
	}
}

// ApplyConfig pushes an updated configuration to a running worker. Stopped
// bots pick the change up from the store on their next start.
func (s *Supervisor) ApplyConfig(bot *core.Bot) {
	s.mu.Lock()
	w, ok := s.workers[bot.ID]
	if ok {
		w.bot = bot
		w.evaluator.UpdateConfig(bot)
	}
	s.mu.Unlock()
}

// Snapshots returns the observable state of every bot, running or not.
func (s *Supervisor) Snapshots(ctx context.Context) ([]core.BotSnapshot, error) {
	bots, err := s.deps.Store.ListBots(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	running := make(map[int64]*worker, len(s.workers))
	for id, w := range s.workers {
		running[id] = w
	}
	s.mu.Unlock()

	out := make([]core.BotSnapshot, 0, len(bots))
	for _, b := range bots {
		if w, ok := running[b.ID]; ok {
			out = append(out, w.evaluator.Snapshot())
			continue
		}
		out = append(out, core.BotSnapshot{
			BotID: b.ID, Name: b.Name, Pair: b.Pair, Status: core.BotStopped,
			NextAction: core.ActionHold,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BotID < out[j].BotID })
	return out, nil
}

// Running reports whether a worker is active for the bot.
func (s *Supervisor) Running(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workers[id]
	return ok
}

func (s *Supervisor) pairInUseLocked(pair string, exceptID int64) bool {
	for id, w := range s.workers {
		if id != exceptID && w.bot.Pair == pair {
			return true
		}
	}
	return false
}
