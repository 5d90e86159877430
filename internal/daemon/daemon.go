// Package daemon is the composition root: it wires config, storage, the
// exchange adapter, the market router, the trade path and the servers,
// then runs them under one errgroup until a signal arrives.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"autotrader/internal/account"
	"autotrader/internal/admin"
	"autotrader/internal/bot"
	"autotrader/internal/config"
	"autotrader/internal/core"
	"autotrader/internal/exchange"
	"autotrader/internal/infrastructure/health"
	"autotrader/internal/infrastructure/metrics"
	"autotrader/internal/market"
	"autotrader/internal/storage"
	"autotrader/internal/trading"
	"autotrader/pkg/concurrency"
	"autotrader/pkg/logging"
	"autotrader/pkg/ratelimit"
	"autotrader/pkg/telemetry"
)

// Daemon holds every long-lived component of a running controller.
type Daemon struct {
	cfgPath string
	cfg     *config.Config
	logger  core.ILogger

	telemetry  *telemetry.Telemetry
	store      core.Store
	limiter    *ratelimit.Limiter
	client     core.ExchangeClient
	feed       core.MarketFeed
	accounts   *account.Cache
	router     *market.Router
	pool       *concurrency.WorkerPool
	submitPool *concurrency.WorkerPool

	executor   *trading.Executor
	reconciler *trading.Reconciler
	supervisor *bot.Supervisor
	healthMgr  *health.Manager

	adminSrv   *admin.Server
	metricsSrv *metrics.Server
}

// New bootstraps all components from the config file. Nothing is running
// yet; Run starts the goroutines.
func New(cfgPath string) (*Daemon, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.Setup("autotrader")
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	zl, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	logger := core.ILogger(zl)

	store, err := storage.NewSQLiteStore(cfg.System.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	limiter := ratelimit.New(cfg.RateLimit.RefillPerSec, cfg.RateLimit.Burst)
	client, feed, err := exchange.New(cfg, limiter, logger)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfgPath:   cfgPath,
		cfg:       cfg,
		logger:    logger,
		telemetry: tel,
		store:     store,
		limiter:   limiter,
		client:    client,
		feed:      feed,
	}
	d.wire()
	return d, nil
}

func (d *Daemon) wire() {
	cfg := d.cfg

	d.accounts = account.NewCache(d.client, d.logger,
		time.Duration(cfg.Accounts.CacheTTLSeconds)*time.Second,
		time.Duration(cfg.Accounts.HardStaleSeconds)*time.Second)

	d.router = market.NewRouter(d.logger, cfg.Bot.QueueCapacity)
	d.pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "bot-workers",
		MaxWorkers:  32,
		MaxCapacity: 128,
	}, d.logger)
	// Submits run off the bot workers' pool so a slow exchange round trip
	// never stalls tick handling. A full queue fails fast; the next tick
	// re-emits if the signal still stands.
	d.submitPool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "trade-submit",
		MaxWorkers:  8,
		MaxCapacity: 32,
		NonBlocking: true,
	}, d.logger)

	d.executor = trading.NewExecutor(d.client, d.store, d.accounts, d.logger,
		cfg.Exchange.FeeRate, d.onTradeEvent)
	d.reconciler = trading.NewReconciler(d.client, d.store, d.accounts, d.logger,
		trading.ReconcilerConfig{
			Interval:      time.Duration(cfg.Reconciler.IntervalSeconds) * time.Second,
			Grace:         time.Duration(cfg.Reconciler.GraceSeconds) * time.Second,
			WarnAfter:     time.Duration(cfg.Reconciler.WarningMinutes) * time.Minute,
			CriticalAfter: time.Duration(cfg.Reconciler.CriticalMinutes) * time.Minute,
		}, d.onTradeEvent)

	candles := market.NewCandleCache(d.client,
		time.Duration(cfg.Bot.CandleIntervalSeconds)*time.Second,
		cfg.Bot.CandleHistory)

	d.supervisor = bot.NewSupervisor(bot.SupervisorDeps{
		Store:    d.store,
		Exchange: d.client,
		Feed:     d.feed,
		Router:   d.router,
		Pool:     d.pool,
		Logger:   d.logger,
		EvaluatorDeps: bot.Deps{
			Accounts:       d.accounts,
			Candles:        candles,
			Store:          d.store,
			Submit:         d.executor.AsyncSink(d.submitPool),
			Logger:         d.logger,
			MinUSDPrecheck: decimal.NewFromFloat(cfg.Orders.MinUSDPrecheck),
		},
		FallbackPoll: time.Duration(cfg.Bot.FallbackPollSeconds) * time.Second,
	})

	d.healthMgr = health.NewManager(d.logger)
	d.healthMgr.Register("feed", func() error {
		if !d.feed.Healthy() {
			return fmt.Errorf("feed disconnected")
		}
		return nil
	})
	d.healthMgr.Register("store", func() error {
		_, err := d.store.PendingTrades(context.Background())
		return err
	})
	d.healthMgr.Register("exchange", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return d.client.CheckHealth(ctx)
	})

	d.adminSrv = admin.NewServer(cfg.Admin.ListenAddr, admin.Deps{
		Supervisor: d.supervisor,
		Reconciler: d.reconciler,
		Health:     d.healthMgr,
		Store:      d.store,
		Router:     d.router,
		Logger:     d.logger,
	})
	if cfg.Telemetry.EnableMetrics {
		d.metricsSrv = metrics.NewServer(cfg.Telemetry.MetricsPort, d.logger)
	}
}

// onTradeEvent reacts to executor and reconciler lifecycle events: a fresh
// placement expedites the next sweep, a terminal order refreshes the P&L
// gauges for its pair.
func (d *Daemon) onTradeEvent(ev core.TradeEvent) {
	switch ev.Type {
	case core.TradePlaced:
		d.reconciler.Trigger()
	case core.TradeCompletedEvent:
		d.refreshPnL(ev.Pair)
	}
}

func (d *Daemon) refreshPnL(pair string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fills, err := d.store.FillsByPair(ctx, pair)
	if err != nil {
		d.logger.Warn("pnl refresh failed", "pair", pair, "error", err.Error())
		return
	}
	price, ok := d.router.LatestPrice(pair)
	if !ok && len(fills) > 0 {
		price = fills[len(fills)-1].Price
	}
	report := trading.ComputePnL(pair, fills, price)
	m := telemetry.GetGlobalMetrics()
	m.SetRealizedPnL(pair, report.RealizedUSD.InexactFloat64())
	m.SetUnrealizedPnL(pair, report.UnrealizedUSD.InexactFloat64())
}

// Run starts everything and blocks until a termination signal or a fatal
// component error. SIGHUP reloads the config without a restart.
func (d *Daemon) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d.logger.Info("starting autotrader daemon",
		"driver", d.client.Name(), "db", d.cfg.System.DatabasePath)

	if err := d.feed.Start(ctx, d.router.Dispatch); err != nil {
		return fmt.Errorf("start feed: %w", err)
	}
	if err := d.adminSrv.Start(); err != nil {
		return fmt.Errorf("start admin server: %w", err)
	}
	if d.metricsSrv != nil {
		d.metricsSrv.Start()
	}
	if err := d.supervisor.ResumeRunning(ctx); err != nil {
		d.logger.Error("resume failed", "error", err.Error())
	}

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.reconciler.Run(runCtx) })
	g.Go(func() error { return d.watchHUP(runCtx) })

	err := g.Wait()
	d.shutdown()
	if err != nil && err != context.Canceled {
		return err
	}
	d.logger.Info("daemon stopped")
	return nil
}

// watchHUP re-reads the config on SIGHUP. Only settings that are safe to
// swap live are applied: the rate limiter and the bot defaults used by
// running evaluators on their next tick.
func (d *Daemon) watchHUP(ctx context.Context) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-hup:
			cfg, err := config.LoadConfig(d.cfgPath)
			if err != nil {
				d.logger.Error("config reload rejected", "error", err.Error())
				continue
			}
			d.limiter.Update(cfg.RateLimit.RefillPerSec, cfg.RateLimit.Burst)
			d.cfg = cfg

			bots, err := d.store.ListBots(ctx)
			if err != nil {
				d.logger.Error("config reload: list bots", "error", err.Error())
				continue
			}
			for _, b := range bots {
				d.supervisor.ApplyConfig(b)
			}
			d.logger.Info("configuration reloaded")
		}
	}
}

func (d *Daemon) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d.supervisor.StopAll()
	d.submitPool.Stop()
	d.pool.Stop()
	_ = d.feed.Stop()
	_ = d.adminSrv.Stop(shutdownCtx)
	if d.metricsSrv != nil {
		_ = d.metricsSrv.Stop(shutdownCtx)
	}
	if err := d.store.Close(); err != nil {
		d.logger.Error("store close failed", "error", err.Error())
	}
	_ = d.telemetry.Shutdown(shutdownCtx)
}
