package feed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"ratchet/internal/domain"
	"ratchet/internal/store"
	"ratchet/internal/util"
)

// Compile-time interface checks.
var _ Feed = (*AlpacaFeed)(nil)
var _ barSource = (*marketdata.Client)(nil)

// barSource is the part of the market-data client the feed uses.
type barSource interface {
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
}

// AlpacaFeed polls 1-minute bars from the Alpaca market-data API. The first
// call for a symbol fetches a warm-up window to seed the ATR and returns only
// the latest completed bar; later calls return every bar completed since.
type AlpacaFeed struct {
	client   barSource
	feed     string
	limiter  *util.RateLimiter
	atr      *Enricher
	store    store.BarStore
	lookback time.Duration
	now      func() time.Time
	log      *slog.Logger

	mu   sync.Mutex
	last map[string]time.Time
}

// AlpacaOption configures an AlpacaFeed.
type AlpacaOption func(*AlpacaFeed)

// WithRateLimit caps market-data requests per minute across all symbols.
func WithRateLimit(perMinute int) AlpacaOption {
	return func(f *AlpacaFeed) { f.limiter = util.NewRateLimiter(perMinute) }
}

// WithBarStore persists every polled bar.
func WithBarStore(s store.BarStore) AlpacaOption {
	return func(f *AlpacaFeed) { f.store = s }
}

// WithATRPeriod sets the ATR period.
func WithATRPeriod(period int) AlpacaOption {
	return func(f *AlpacaFeed) { f.atr = NewEnricher(period) }
}

// WithLookback sets the warm-up window fetched on the first poll.
func WithLookback(d time.Duration) AlpacaOption {
	return func(f *AlpacaFeed) { f.lookback = d }
}

// NewAlpacaFeed creates a feed over the given credentials. dataURL may be
// empty for the default endpoint; feedName is "iex" or "sip".
func NewAlpacaFeed(apiKey, apiSecret, dataURL, feedName string, opts ...AlpacaOption) *AlpacaFeed {
	copts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		copts.BaseURL = dataURL
	}
	return newAlpacaFeed(marketdata.NewClient(copts), feedName, opts...)
}

func newAlpacaFeed(client barSource, feedName string, opts ...AlpacaOption) *AlpacaFeed {
	if feedName == "" {
		feedName = "iex"
	}
	f := &AlpacaFeed{
		client:   client,
		feed:     feedName,
		atr:      NewEnricher(DefaultATRPeriod),
		lookback: 2 * time.Hour,
		now:      time.Now,
		log:      slog.Default().With("feed", "alpaca"),
		last:     make(map[string]time.Time),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Next returns the bars of symbol completed since the previous call.
func (f *AlpacaFeed) Next(ctx context.Context, symbol string) ([]domain.Bar, error) {
	symbol = strings.ToUpper(symbol)
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	now := f.now().UTC()
	f.mu.Lock()
	last, seen := f.last[symbol]
	f.mu.Unlock()

	start := now.Add(-f.lookback)
	if seen {
		start = last.Add(time.Minute)
	}

	raw, err := f.client.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneMin,
		Start:     start,
		End:       now,
		Feed:      marketdata.Feed(f.feed),
	})
	if err != nil {
		return nil, fmt.Errorf("get bars %s: %w", symbol, err)
	}

	bars := make([]domain.Bar, 0, len(raw))
	for _, ab := range raw {
		// The current minute is still forming.
		if ab.Timestamp.Add(time.Minute).After(now) {
			continue
		}
		if seen && !ab.Timestamp.After(last) {
			continue
		}
		bars = append(bars, domain.Bar{
			Symbol:     symbol,
			Timestamp:  ab.Timestamp.UTC(),
			Open:       ab.Open,
			High:       ab.High,
			Low:        ab.Low,
			Close:      ab.Close,
			Volume:     int64(ab.Volume),
			TradeCount: int64(ab.TradeCount),
			VWAP:       ab.VWAP,
		})
	}
	if len(bars) == 0 {
		return nil, nil
	}

	f.atr.Enrich(bars)

	f.mu.Lock()
	f.last[symbol] = bars[len(bars)-1].Timestamp
	f.mu.Unlock()

	if f.store != nil {
		if err := f.store.WriteBars(ctx, bars); err != nil {
			f.log.Warn("persisting bars failed", "symbol", symbol, "error", err)
		}
	}

	if !seen {
		f.log.Info("feed warmed up", "symbol", symbol, "bars", len(bars), "atr", bars[len(bars)-1].ATR)
		return bars[len(bars)-1:], nil
	}
	return bars, nil
}
