// Package app assembles the terminal core from a config: the order book store,
// the dispatcher with the default verbs, the market feed, the trading client
// and the optional journal, broadcaster and subscription state.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hakimelghazi/termtrader/db"
	"github.com/hakimelghazi/termtrader/internal/book"
	"github.com/hakimelghazi/termtrader/internal/broadcast"
	"github.com/hakimelghazi/termtrader/internal/commands"
	"github.com/hakimelghazi/termtrader/internal/config"
	"github.com/hakimelghazi/termtrader/internal/engine"
	"github.com/hakimelghazi/termtrader/internal/metrics"
	"github.com/hakimelghazi/termtrader/internal/quickbuy"
	"github.com/hakimelghazi/termtrader/internal/state"
	"github.com/hakimelghazi/termtrader/internal/trading"
	"github.com/hakimelghazi/termtrader/pricefeed"
)

// feed is what both market data transports provide.
type feed interface {
	pricefeed.Control
	Subscribed(id string) bool
	Stop()
}

type App struct {
	cfg    *config.Config
	logger *zap.Logger

	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics
	Books      *book.Store
	Dispatcher *engine.Dispatcher
	Trading    trading.Client
	QuickBuy   *quickbuy.Manager

	adapter   *pricefeed.Adapter
	feed      feed
	ws        *pricefeed.WSWorker
	nats      *pricefeed.NATSSource
	snapshots pricefeed.SnapshotSource

	state     *state.Store
	pool      *pgxpool.Pool
	publisher *broadcast.Publisher

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds every component cfg enables. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.New(a.Registry, metrics.DefaultNamespace)

	a.Books = book.NewStore(
		book.WithLogger(logger.Named("book")),
		book.WithMetrics(a.Metrics),
	)

	a.Dispatcher = engine.NewDispatcher(engine.Config{
		QueueCapacity:  cfg.Dispatcher.QueueCapacity,
		CommandTimeout: cfg.Dispatcher.CommandTimeout,
		Logger:         logger.Named("dispatcher"),
		Metrics:        a.Metrics,
	})

	switch cfg.Trading.Mode {
	case config.TradingREST:
		a.Trading = trading.Instrument(
			trading.NewRESTClient(cfg.Trading.BaseURL, cfg.Trading.Timeout, logger.Named("trading")), a.Metrics)
	default:
		a.Trading = trading.Instrument(
			trading.NewPaperClient(a.Books, cfg.Trading.StartingCash, logger.Named("paper")), a.Metrics)
	}

	qb, err := quickbuy.New(a.Trading, a.Books, quickbuy.Settings{
		AmountPercent: cfg.QuickBuy.AmountPercent,
		AutoSell:      cfg.QuickBuy.AutoSell,
		AutoSellAfter: cfg.QuickBuy.AutoSellAfter,
	}, quickbuy.WithLogger(logger.Named("quickbuy")))
	if err != nil {
		return nil, err
	}
	a.QuickBuy = qb

	if err := a.buildFeed(); err != nil {
		return nil, err
	}

	if cfg.State.Dir != "" {
		st, err := state.Open(cfg.State.Dir)
		if err != nil {
			return nil, err
		}
		a.state = st
	}

	if cfg.Database.Journal {
		if err := a.buildJournal(ctx); err != nil {
			a.closeResources()
			return nil, err
		}
	}

	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := broadcast.New(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger.Named("broadcast"))
		if err != nil {
			a.closeResources()
			return nil, err
		}
		a.publisher = pub
		a.Dispatcher.Subscribe(pub.Publish)
	}

	deps := commands.Deps{
		Books:         a.Books,
		Trading:       a.Trading,
		QuickBuy:      a.QuickBuy,
		DefaultTokens: cfg.Feed.Instruments,
		Logger:        logger.Named("commands"),
	}
	if a.feed != nil {
		deps.Feed = a.feed
	}
	if a.state != nil {
		deps.Subscriptions = a.state
	}
	if err := commands.Register(a.Dispatcher, deps); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) buildFeed() error {
	cfg := a.cfg.Feed
	if cfg.Mode == config.FeedNone {
		return nil
	}

	// The exchange websocket speaks the market channel format; NATS carries
	// already normalized messages.
	var dec pricefeed.Decoder = pricefeed.PolymarketDecoder{}
	if cfg.Mode == config.FeedNATS {
		dec = pricefeed.GenericDecoder{}
	}

	// Late frames for dropped tokens must not recreate their books.
	a.adapter = pricefeed.NewAdapter(cfg.Mode, a.Books, dec,
		pricefeed.WithAdapterLogger(a.logger.Named("feed")),
		pricefeed.WithAdapterMetrics(a.Metrics),
		pricefeed.WithFilter(func(id string) bool { return a.feed.Subscribed(id) }),
	)

	switch cfg.Mode {
	case config.FeedWebSocket:
		a.ws = pricefeed.NewWSWorker(cfg.WSURL, a.adapter, a.logger.Named("ws"))
		a.feed = a.ws
	case config.FeedNATS:
		a.nats = pricefeed.NewNATSSource(cfg.NATSURL, cfg.NATSSubject, a.adapter, a.logger.Named("nats"))
		a.feed = a.nats
	default:
		return fmt.Errorf("unknown feed mode %q", cfg.Mode)
	}

	if cfg.RestURL != "" && cfg.ResyncInterval > 0 {
		a.snapshots = pricefeed.NewRESTBookSource(cfg.RestURL)
	}
	return nil
}

func (a *App) buildJournal(ctx context.Context) error {
	pool, err := db.NewPool(ctx, a.cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	a.pool = pool
	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	j := db.NewJournal(pool, a.logger.Named("journal"))
	a.Dispatcher.Subscribe(j.Record)
	return nil
}

// Session is the session every command starts with: the market tokens from
// the config, if any.
func (a *App) Session() map[string]any {
	s := map[string]any{}
	if t := a.cfg.Session.YesToken; t != "" {
		s[commands.SessionYesToken] = t
	}
	if t := a.cfg.Session.NoToken; t != "" {
		s[commands.SessionNoToken] = t
	}
	return s
}

// Start launches the dispatcher and the feed and restores the persisted
// subscriptions. Cancelling ctx does not drain the queue; call Stop for that.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := a.Dispatcher.Start(runCtx); err != nil {
		cancel()
		return err
	}
	a.cancel = cancel
	a.started = true

	if a.feed == nil {
		return nil
	}
	a.restoreSubscriptions()

	switch {
	case a.ws != nil:
		a.ws.Start(runCtx)
	case a.nats != nil:
		if err := a.nats.Start(runCtx); err != nil {
			// The terminal still works without market data.
			a.logger.Error("market feed unavailable", zap.Error(err))
		}
	}

	if a.snapshots != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			pricefeed.StartResync(runCtx, a.snapshots, a.adapter, a.feed.Subscriptions,
				a.cfg.Feed.ResyncInterval, a.logger.Named("resync"))
		}()
	}
	return nil
}

func (a *App) restoreSubscriptions() {
	if a.state == nil {
		return
	}
	ids, err := a.state.Subscriptions()
	if err != nil {
		a.logger.Warn("could not read saved subscriptions", zap.Error(err))
		return
	}
	if len(ids) == 0 {
		return
	}
	if err := a.feed.Subscribe(ids...); err != nil {
		a.logger.Warn("could not restore subscriptions", zap.Error(err))
		return
	}
	a.logger.Info("restored subscriptions", zap.Int("count", len(ids)))
}

// Stop drains the dispatcher, drops pending auto-sells, then shuts the feed
// down and releases every external resource.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	started := a.started
	a.started = false
	a.mu.Unlock()

	var errs []error
	if err := a.Dispatcher.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher: %w", err))
	}
	a.QuickBuy.Close()
	if started {
		a.cancel()
		if a.feed != nil {
			a.feed.Stop()
		}
		a.wg.Wait()
	}
	errs = append(errs, a.closeResources())
	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	var errs []error
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
		a.publisher = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	if a.state != nil {
		errs = append(errs, a.state.Close())
		a.state = nil
	}
	return errors.Join(errs...)
}

// Run starts the app, runs every service until one returns or ctx ends, then
// stops everything. A service returning nil also ends the run.
func (a *App) Run(ctx context.Context, services ...func(context.Context) error) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range services {
		svc := svc
		g.Go(func() error {
			defer cancel()
			return svc(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	runErr := g.Wait()
	cancel()

	stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	return errors.Join(runErr, a.Stop(stopCtx))
}
