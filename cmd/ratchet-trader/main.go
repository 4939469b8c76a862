// ratchet-trader runs the intraday engines against live Alpaca minute bars.
//
// Usage:
//
//	go build -o bin/ratchet-trader ./cmd/ratchet-trader/
//	bin/ratchet-trader [-config config/ratchet.yaml] [-symbols AAPL,MSFT]
//	bin/ratchet-trader -probe localhost:9090
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"ratchet/internal/broker"
	"ratchet/internal/config"
	"ratchet/internal/engine"
	"ratchet/internal/feed"
	"ratchet/internal/live"
	"ratchet/internal/metrics"
	"ratchet/internal/store"
	"ratchet/internal/strategy"
	"ratchet/internal/strategy/builtins"
	"ratchet/internal/util"
)

func main() {
	cfgFlag := flag.String("config", "", "config file (default $RATCHET_CONFIG or config/ratchet.yaml)")
	symbolsFlag := flag.String("symbols", "", "comma-separated symbols, overrides trading.symbols")
	probe := flag.String("probe", "", "check the health of a running trader at host:port and exit")
	flag.Parse()

	if *probe != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		status, err := live.Probe(ctx, *probe)
		if err != nil {
			log.Fatalf("probe: %v", err)
		}
		fmt.Println(status)
		if status != "SERVING" {
			os.Exit(1)
		}
		return
	}

	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.Load(config.Path(*cfgFlag))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *symbolsFlag != "" {
		cfg.Trading.Symbols = config.SplitSymbols(*symbolsFlag)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("trader stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if !cfg.Alpaca.HasCredentials() {
		return fmt.Errorf("alpaca credentials are required for the live feed")
	}
	if len(cfg.Trading.Symbols) == 0 {
		return fmt.Errorf("no symbols configured")
	}
	lc, err := cfg.Lifecycle(cfg.Trading.Strategy)
	if err != nil {
		return err
	}

	cal, err := cfg.Calendar()
	if err != nil {
		return fmt.Errorf("building calendar: %w", err)
	}
	alpacaBroker := broker.NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL)
	now := time.Now()
	if n, err := alpacaBroker.LoadSessions(cal, now.AddDate(0, 0, -7), now.AddDate(0, 0, 30)); err != nil {
		logger.Warn("exchange calendar unavailable, assuming regular weekdays", "error", err)
	} else {
		logger.Info("exchange calendar loaded", "sessions", n)
	}

	// -- Storage --
	var decisions engine.DecisionSink
	var trades engine.TradeSink
	var execOpts []broker.ExecutorOption
	if cfg.Storage.SQLitePath != "" {
		journal, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return fmt.Errorf("opening journal: %w", err)
		}
		defer journal.Close()
		decisions, trades = journal, journal
		execOpts = append(execOpts, broker.WithJournal(journal))
	}
	bars := store.NewParquetStore(cfg.Storage.DataDir)

	// -- Metrics --
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// -- Execution --
	var b broker.Broker = alpacaBroker
	if cfg.Trading.PaperMode {
		b = broker.NewSimulatorBroker(cfg.Trading.Capital)
	}
	logger.Info("broker selected", "broker", b.Name(), "paper_mode", cfg.Trading.PaperMode)
	exec := broker.NewExecutor(b, append(execOpts, broker.WithLogger(logger))...)

	// -- Engines --
	model := live.NewModel(decisions, trades, logger)
	gate := engine.NewRiskGate(cfg.RiskLimits())
	registry := strategy.NewRegistry()
	builtins.Register(registry)

	engines := make([]*engine.Engine, 0, len(cfg.Trading.Symbols))
	for _, sym := range cfg.Trading.Symbols {
		eval, err := registry.New(cfg.Trading.Strategy, cfg.Params(cfg.Trading.Strategy), cal)
		if err != nil {
			return fmt.Errorf("strategy for %s: %w", sym, err)
		}
		eng, err := engine.New(sym, engine.Config{
			Strategy:  cfg.Trading.Strategy,
			Lifecycle: lc,
			Budget:    cfg.Budget(),
		}, engine.Deps{
			Gate:      gate,
			Evaluator: eval,
			Clock:     cal,
			Executor:  exec,
			Decisions: model,
			Trades:    model,
			Metrics:   m,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("engine for %s: %w", sym, err)
		}
		engines = append(engines, eng)
	}

	f := feed.NewAlpacaFeed(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL, cfg.Alpaca.Feed,
		feed.WithRateLimit(cfg.Alpaca.RateLimitPerMin),
		feed.WithBarStore(bars),
		feed.WithATRPeriod(cfg.Trading.ATRPeriod),
	)

	srv := live.NewServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, model, reg, logger)
	runner, err := live.NewRunner(live.Config{
		PollInterval: cfg.Trading.PollInterval,
		DrainTimeout: cfg.Trading.DrainTimeout,
	}, live.Deps{
		Feed:    f,
		Engines: engines,
		Gate:    gate,
		Clock:   cal,
		Model:   model,
		Server:  srv,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	logger.Info("ratchet-trader starting",
		"strategy", cfg.Trading.Strategy,
		"symbols", cfg.Trading.Symbols,
		"paper_mode", cfg.Trading.PaperMode,
	)

	return serveWhileRunning(ctx, srv.Serve, runner.Run)
}

// serveWhileRunning runs serve and run together. The runner drains when ctx
// is cancelled or serve fails; the server keeps answering until the runner
// returns.
func serveWhileRunning(ctx context.Context, serve, run func(context.Context) error) error {
	srvCtx, stopServer := context.WithCancel(context.Background())
	defer stopServer()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(srvCtx) })
	g.Go(func() error {
		defer stopServer()
		return run(gctx)
	})
	return g.Wait()
}
