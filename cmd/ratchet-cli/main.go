package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"ratchet/internal/config"
	"ratchet/internal/domain"
	"ratchet/internal/live"
	"ratchet/internal/store"
	"ratchet/pkg/ratchet"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: ratchet-cli <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version     Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  health      gRPC health of a running trader\n")
	fmt.Fprintf(os.Stderr, "  status      Positions and risk state of a running trader\n")
	fmt.Fprintf(os.Stderr, "  watch       Stream decisions and trades from a running trader\n")
	fmt.Fprintf(os.Stderr, "  symbols     List symbols with stored minute bars\n")
	fmt.Fprintf(os.Stderr, "  decisions   List journaled entry decisions\n")
	fmt.Fprintf(os.Stderr, "  trades      List journaled trades\n")
	fmt.Fprintf(os.Stderr, "  report      Summarise an exported backtest trades file\n")
	fmt.Fprintf(os.Stderr, "\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	_ = godotenv.Load()

	cmd, args := os.Args[1], os.Args[2:]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	cfgFlag := fs.String("config", "", "config file (default $RATCHET_CONFIG or config/ratchet.yaml)")
	addr := fs.String("addr", "", "trader address (default from config)")
	symbol := fs.String("symbol", "", "filter by symbol")
	outcome := fs.String("outcome", "", "filter decisions by outcome")
	days := fs.Int("days", 1, "look back this many days")
	limit := fs.Int("limit", 100, "max rows")
	fs.Parse(args)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	loadConfig := func() *config.Config {
		cfg, err := config.Load(config.Path(*cfgFlag))
		if err != nil {
			fatalf("failed to load config: %v", err)
		}
		return cfg
	}
	openJournal := func() *store.SQLiteStore {
		cfg := loadConfig()
		if cfg.Storage.SQLitePath == "" {
			fatalf("storage.sqlite_path is not configured")
		}
		j, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			fatalf("opening journal: %v", err)
		}
		return j
	}
	since := time.Now().AddDate(0, 0, -*days)

	switch cmd {
	case "version":
		fmt.Printf("ratchet-cli %s\n", version)

	case "health":
		target := *addr
		if target == "" {
			target = loadConfig().Server.GRPCAddr
		}
		pctx, pcancel := context.WithTimeout(ctx, 5*time.Second)
		defer pcancel()
		status, err := live.Probe(pctx, target)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Println(status)

	case "status":
		snap, err := ratchet.NewClient(httpBase(*addr, loadConfig)).Status(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("day %s  pnl %.2f  trades %d  open %d\n",
			snap.Day, snap.Risk.DailyPnL, snap.Risk.DailyTradeCount, snap.Risk.OpenPositionCount)
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SYMBOL\tQTY\tENTRY\tSTOP\tREMAINING\tTRAILING\tPENDING")
		for _, p := range snap.Positions {
			fmt.Fprintf(w, "%s\t%d\t%.2f\t%.2f\t%.2f\t%v\t%d\n",
				p.Symbol, p.Quantity, p.EntryPrice, p.CurrentStop, p.Remaining, p.Trailing, p.Pending)
		}
		w.Flush()

	case "watch":
		err := ratchet.NewClient(httpBase(*addr, loadConfig)).Events(ctx, func(evt live.Event) error {
			switch {
			case evt.Decision != nil:
				d := evt.Decision
				fmt.Printf("%s  %-6s %-13s %s\n", d.Time.Format(time.TimeOnly), d.Symbol, d.Outcome, d.Reason)
			case evt.Trade != nil:
				tr := evt.Trade
				fmt.Printf("%s  %-6s closed %-13s pnl %.2f  R %.2f\n", tr.ExitTime().Format(time.TimeOnly), tr.Symbol, tr.ExitReason, tr.PnL, tr.RMultiple)
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			fatalf("%v", err)
		}

	case "symbols":
		syms, err := store.NewParquetStore(loadConfig().Storage.DataDir).ListSymbols(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		for _, s := range syms {
			fmt.Println(s)
		}

	case "decisions":
		j := openJournal()
		defer j.Close()
		recs, err := j.ListDecisions(ctx, store.DecisionFilter{
			Symbol:  *symbol,
			Outcome: domain.DecisionOutcome(*outcome),
			Since:   since,
			Limit:   *limit,
		})
		if err != nil {
			fatalf("%v", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tSYMBOL\tOUTCOME\tPRICE\tQTY\tREASON")
		for _, d := range recs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%d\t%s\n", d.Time.Format(time.DateTime), d.Symbol, d.Outcome, d.Price, d.Qty, d.Reason)
		}
		w.Flush()

	case "trades":
		j := openJournal()
		defer j.Close()
		recs, err := j.ListTrades(ctx, *symbol, since, time.Now())
		if err != nil {
			fatalf("%v", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "EXIT\tSYMBOL\tQTY\tENTRY\tEXIT PX\tPNL\tR\tREASON")
		for _, tr := range recs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%.2f\t%.2f\t%.2f\t%.2f\t%s\n",
				tr.ExitTime().Format(time.DateTime), tr.Symbol, tr.Quantity, tr.EntryPrice, tr.AvgExitPrice(), tr.PnL, tr.RMultiple, tr.ExitReason)
		}
		w.Flush()

	case "report":
		if fs.NArg() != 1 {
			fatalf("usage: ratchet-cli report <trades.parquet>")
		}
		rows, err := store.ReadTradeRows(fs.Arg(0))
		if err != nil {
			fatalf("%v", err)
		}
		printReport(rows)

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func httpBase(addr string, loadConfig func() *config.Config) string {
	if addr == "" {
		addr = loadConfig().Server.HTTPAddr
	}
	if addr != "" && addr[0] == ':' {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func printReport(rows []store.TradeRow) {
	var pnl, r, wins float64
	byReason := make(map[string]int)
	for _, row := range rows {
		pnl += row.PnL
		r += row.RMultiple
		if row.PnL > 0 {
			wins++
		}
		byReason[row.ExitReason]++
	}
	fmt.Printf("trades    %d\n", len(rows))
	if len(rows) == 0 {
		return
	}
	fmt.Printf("pnl       %.2f\n", pnl)
	fmt.Printf("win rate  %.1f%%\n", 100*wins/float64(len(rows)))
	fmt.Printf("avg R     %.2f\n", r/float64(len(rows)))
	for reason, n := range byReason {
		fmt.Printf("  %-14s %d\n", reason, n)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
