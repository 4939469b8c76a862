// ratchet-backtest replays stored minute bars through the engines and prints
// a performance summary.
//
// Usage:
//
//	go build -o bin/ratchet-backtest ./cmd/ratchet-backtest/
//	bin/ratchet-backtest [-config config/ratchet.yaml] [-start 2024-06-03] [-end 2024-06-07] [-workers 4]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"ratchet/internal/backtest"
	"ratchet/internal/config"
	"ratchet/internal/store"
	"ratchet/internal/strategy"
	"ratchet/internal/strategy/builtins"
	"ratchet/internal/util"
)

func main() {
	cfgFlag := flag.String("config", "", "config file (default $RATCHET_CONFIG or config/ratchet.yaml)")
	strategyFlag := flag.String("strategy", "", "strategy name, overrides trading.strategy")
	symbolsFlag := flag.String("symbols", "", "comma-separated symbols (default: trading.symbols, else every stored symbol)")
	start := flag.String("start", "", "first day YYYY-MM-DD, overrides backtest.start")
	end := flag.String("end", "", "last day YYYY-MM-DD, overrides backtest.end")
	workers := flag.Int("workers", 0, "parallel symbols, overrides backtest.workers")
	journal := flag.Bool("journal", false, "record decisions and trades in the SQLite journal")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(config.Path(*cfgFlag))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *strategyFlag != "" {
		cfg.Trading.Strategy = *strategyFlag
	}
	if *symbolsFlag != "" {
		cfg.Trading.Symbols = config.SplitSymbols(*symbolsFlag)
	}
	if *start != "" {
		cfg.Backtest.Start = *start
	}
	if *end != "" {
		cfg.Backtest.End = *end
	}
	if *workers > 0 {
		cfg.Backtest.Workers = *workers
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	lc, err := cfg.Lifecycle(cfg.Trading.Strategy)
	if err != nil {
		log.Fatalf("%v", err)
	}
	cal, err := cfg.Calendar()
	if err != nil {
		log.Fatalf("building calendar: %v", err)
	}
	from, to, err := cfg.Backtest.Range(cal.Location())
	if err != nil {
		log.Fatalf("%v", err)
	}

	bars := store.NewParquetStore(cfg.Storage.DataDir)
	symbols := cfg.Trading.Symbols
	if len(symbols) == 0 {
		if symbols, err = bars.ListSymbols(ctx); err != nil {
			log.Fatalf("listing stored symbols: %v", err)
		}
	}

	registry := strategy.NewRegistry()
	builtins.Register(registry)

	deps := backtest.Deps{
		Bars:     bars,
		Registry: registry,
		Clock:    cal,
		Logger:   logger,
	}
	if *journal && cfg.Storage.SQLitePath != "" {
		j, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			log.Fatalf("opening journal: %v", err)
		}
		defer j.Close()
		deps.Decisions, deps.Trades = j, j
	}

	var export string
	if cfg.Backtest.ExportDir != "" {
		export = filepath.Join(cfg.Backtest.ExportDir,
			fmt.Sprintf("%s_%s_%s.parquet", cfg.Trading.Strategy, cfg.Backtest.Start, cfg.Backtest.End))
	}

	res, err := backtest.Run(ctx, backtest.Config{
		Strategy:     cfg.Trading.Strategy,
		Params:       cfg.Params(cfg.Trading.Strategy),
		Lifecycle:    lc,
		Symbols:      symbols,
		Start:        from,
		End:          to,
		Capital:      cfg.Trading.Capital,
		RiskFraction: cfg.Trading.RiskFraction,
		MaxNotional:  cfg.Trading.MaxNotional,
		Limits:       cfg.RiskLimits(),
		ATRPeriod:    cfg.Trading.ATRPeriod,
		Slippage:     cfg.Backtest.Slippage,
		Workers:      cfg.Backtest.Workers,
		ExportPath:   export,
	}, deps)
	if err != nil {
		log.Fatalf("backtest: %v", err)
	}
	if err := res.WriteSummary(os.Stdout); err != nil {
		log.Fatalf("writing summary: %v", err)
	}
}
