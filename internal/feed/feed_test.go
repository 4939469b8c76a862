package feed

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"ratchet/internal/domain"
	"ratchet/internal/store"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestATRWarmupAndWilder(t *testing.T) {
	a := NewATR(3)
	bars := []domain.Bar{
		{High: 11, Low: 10, Close: 10.5}, // TR 1
		{High: 12, Low: 11, Close: 11.5}, // TR max(1, 1.5, 0.5) = 1.5
		{High: 11, Low: 9.5, Close: 10},  // TR max(1.5, 0.5, 2) = 2
		{High: 10.5, Low: 10, Close: 10}, // TR 0.5
	}
	want := []float64{0, 0, 1.5, (1.5*2 + 0.5) / 3}
	for i, b := range bars {
		if got := a.Update(b); !approx(got, want[i]) {
			t.Errorf("bar %d: ATR = %v, want %v", i, got, want[i])
		}
	}
	if !approx(a.Value(), want[3]) {
		t.Errorf("Value() = %v, want %v", a.Value(), want[3])
	}
}

func TestNewATRDefaultPeriod(t *testing.T) {
	if got := NewATR(0).Period; got != DefaultATRPeriod {
		t.Errorf("Period = %d, want %d", got, DefaultATRPeriod)
	}
}

func TestEnricherPerSymbol(t *testing.T) {
	e := NewEnricher(2)
	bars := []domain.Bar{
		{Symbol: "AAPL", High: 2, Low: 1, Close: 1.5},
		{Symbol: "MSFT", High: 5, Low: 1, Close: 3},
		{Symbol: "aapl", High: 3, Low: 2, Close: 2.5},
	}
	e.Enrich(bars)
	if bars[0].ATR != 0 || bars[1].ATR != 0 {
		t.Errorf("warm-up ATRs = %v/%v, want 0/0", bars[0].ATR, bars[1].ATR)
	}
	// TRs 1 and max(1, 1.5, 0.5) = 1.5.
	if !approx(bars[2].ATR, 1.25) {
		t.Errorf("AAPL ATR = %v, want 1.25", bars[2].ATR)
	}
}

// fakeSource serves canned bars and records requests.
type fakeSource struct {
	bars []marketdata.Bar
	reqs []marketdata.GetBarsRequest
	err  error
}

func (s *fakeSource) GetBars(_ string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error) {
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return nil, s.err
	}
	var out []marketdata.Bar
	for _, b := range s.bars {
		if !b.Timestamp.Before(req.Start) && !b.Timestamp.After(req.End) {
			out = append(out, b)
		}
	}
	return out, nil
}

type memBars struct{ written []domain.Bar }

func (m *memBars) WriteBars(_ context.Context, bars []domain.Bar) error {
	m.written = append(m.written, bars...)
	return nil
}

func (m *memBars) ReadBars(_ context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	var out []domain.Bar
	for _, b := range m.written {
		if b.Symbol == symbol && !b.Timestamp.Before(start) && !b.Timestamp.After(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memBars) ListSymbols(context.Context) ([]string, error) { return nil, nil }

var _ store.BarStore = (*memBars)(nil)

func minute(base time.Time, i int, close float64) marketdata.Bar {
	return marketdata.Bar{
		Timestamp: base.Add(time.Duration(i) * time.Minute),
		Open:      close,
		High:      close + 0.5,
		Low:       close - 0.5,
		Close:     close,
		Volume:    100,
	}
}

func TestAlpacaFeedPolling(t *testing.T) {
	base := time.Date(2024, 6, 3, 13, 30, 0, 0, time.UTC)
	src := &fakeSource{}
	for i := 0; i < 5; i++ {
		src.bars = append(src.bars, minute(base, i, 100+float64(i)))
	}
	mem := &memBars{}
	f := newAlpacaFeed(src, "sip", WithBarStore(mem), WithATRPeriod(2), WithLookback(time.Hour))

	// 13:34:30: the 13:34 bar is still forming.
	f.now = func() time.Time { return base.Add(4*time.Minute + 30*time.Second) }
	ctx := context.Background()

	bars, err := f.Next(ctx, "aapl")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(bars) != 1 || !bars[0].Timestamp.Equal(base.Add(3*time.Minute)) {
		t.Fatalf("first poll = %+v, want only the 13:33 bar", bars)
	}
	if bars[0].Symbol != "AAPL" || bars[0].ATR == 0 {
		t.Errorf("bar = %+v, want AAPL with a warmed ATR", bars[0])
	}
	if len(mem.written) != 4 {
		t.Errorf("persisted %d bars, want 4", len(mem.written))
	}
	if src.reqs[0].Feed != "sip" || src.reqs[0].TimeFrame != marketdata.OneMin {
		t.Errorf("request = %+v", src.reqs[0])
	}

	f.now = func() time.Time { return base.Add(6 * time.Minute) }
	src.bars = append(src.bars, minute(base, 5, 105))
	bars, err = f.Next(ctx, "AAPL")
	if err != nil {
		t.Fatalf("second Next: %v", err)
	}
	if len(bars) != 2 || bars[0].Close != 104 || bars[1].Close != 105 {
		t.Errorf("second poll = %+v, want the 13:34 and 13:35 bars", bars)
	}
	if !src.reqs[1].Start.Equal(base.Add(4 * time.Minute)) {
		t.Errorf("second request start = %v, want 13:34", src.reqs[1].Start)
	}

	bars, err = f.Next(ctx, "AAPL")
	if err != nil || len(bars) != 0 {
		t.Errorf("third poll = %v, %v; want nothing new", bars, err)
	}
}

func TestAlpacaFeedError(t *testing.T) {
	boom := errors.New("boom")
	f := newAlpacaFeed(&fakeSource{err: boom}, "")
	if _, err := f.Next(context.Background(), "AAPL"); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped boom", err)
	}
	if f.feed != "iex" {
		t.Errorf("default feed = %q, want iex", f.feed)
	}
}

func TestReplay(t *testing.T) {
	base := time.Date(2024, 6, 3, 13, 30, 0, 0, time.UTC)
	mem := &memBars{}
	for i := 0; i < 4; i++ {
		mem.written = append(mem.written, domain.Bar{
			Symbol: "AAPL", Timestamp: base.Add(time.Duration(i) * time.Minute),
			High: 11, Low: 10, Close: 10.5,
		})
	}
	r := NewReplay(mem, base, base.Add(time.Hour), 2)
	ctx := context.Background()

	bars, err := r.Next(ctx, "aapl")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(bars) != 4 {
		t.Fatalf("bars = %d, want 4", len(bars))
	}
	if bars[0].ATR != 0 || !approx(bars[1].ATR, 1) || !approx(bars[3].ATR, 1) {
		t.Errorf("ATRs = %v %v %v", bars[0].ATR, bars[1].ATR, bars[3].ATR)
	}

	again, err := r.Next(ctx, "AAPL")
	if err != nil || len(again) != 0 {
		t.Errorf("second Next = %v, %v; want nothing", again, err)
	}
}
