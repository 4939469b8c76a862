package util

import (
	"context"
	"errors"
	"testing"
	"time"

	"ratchet/internal/domain"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, func() error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryPermanentStops(t *testing.T) {
	sentinel := errors.New("order rejected")
	attempts := 0

	err := RetryBackoff(context.Background(), Backoff{Attempts: 5}, func() error {
		attempts++
		return Permanent(sentinel)
	})

	if !errors.Is(err, sentinel) {
		t.Fatalf("RetryBackoff error = %v, want %v", err, sentinel)
	}
	if IsPermanent(err) {
		t.Error("RetryBackoff should unwrap the permanent marker")
	}
	if attempts != 1 {
		t.Errorf("RetryBackoff called fn %d times, want 1", attempts)
	}
}

func TestRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, 3, time.Hour, func() error { return errors.New("fail") })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retry error = %v, want context.Canceled", err)
	}
}

func TestRateLimiterUnlimited(t *testing.T) {
	rl := NewRateLimiter(0)
	for i := 0; i < 100; i++ {
		if err := rl.Wait(context.Background()); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
}

func TestRateLimiterBurst(t *testing.T) {
	rl := NewBurstRateLimiter(60, 3)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		if err := rl.Wait(ctx); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	if err := rl.Wait(short); err == nil {
		t.Error("Wait should block once the burst is spent")
	}
}

func newUSCalendar(t *testing.T, opts ...CalendarOption) *TradingCalendar {
	t.Helper()
	cal, err := NewTradingCalendar(domain.MarketUS, opts...)
	if err != nil {
		t.Fatalf("NewTradingCalendar: %v", err)
	}
	return cal
}

func TestTradingCalendarSessionClosing(t *testing.T) {
	cal := newUSCalendar(t)
	et := cal.Location()

	// Monday 2024-06-03.
	tests := []struct {
		name  string
		at    time.Time
		want  bool
		mins  int
		isOpn bool
	}{
		{"premarket", time.Date(2024, 6, 3, 9, 0, 0, 0, et), false, 0, false},
		{"open", time.Date(2024, 6, 3, 9, 30, 0, 0, et), false, 0, true},
		{"midday", time.Date(2024, 6, 3, 12, 0, 0, 0, et), false, 150, true},
		{"before cutoff", time.Date(2024, 6, 3, 15, 54, 0, 0, et), false, 384, true},
		{"cutoff", time.Date(2024, 6, 3, 15, 55, 0, 0, et), true, 385, true},
		{"after close", time.Date(2024, 6, 3, 16, 30, 0, 0, et), true, 420, false},
		{"saturday", time.Date(2024, 6, 8, 12, 0, 0, 0, et), false, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cal.IsSessionClosing(tt.at); got != tt.want {
				t.Errorf("IsSessionClosing = %v, want %v", got, tt.want)
			}
			if got := cal.MinutesSinceOpen(tt.at); got != tt.mins {
				t.Errorf("MinutesSinceOpen = %d, want %d", got, tt.mins)
			}
			if got := cal.IsMarketOpen(tt.at); got != tt.isOpn {
				t.Errorf("IsMarketOpen = %v, want %v", got, tt.isOpn)
			}
		})
	}
}

func TestTradingCalendarUTCInput(t *testing.T) {
	cal := newUSCalendar(t)
	// 19:55 UTC is 15:55 EDT.
	at := time.Date(2024, 6, 3, 19, 55, 0, 0, time.UTC)
	if !cal.IsSessionClosing(at) {
		t.Error("IsSessionClosing should convert UTC to exchange time")
	}
	if got := cal.SessionDay(at); got != "2024-06-03" {
		t.Errorf("SessionDay = %q, want 2024-06-03", got)
	}
}

func TestTradingCalendarOptions(t *testing.T) {
	cal := newUSCalendar(t, WithHours("10:00", "15:00"), WithCloseBuffer(15*time.Minute))
	et := cal.Location()
	if !cal.IsSessionClosing(time.Date(2024, 6, 3, 14, 45, 0, 0, et)) {
		t.Error("cutoff should be 14:45 with a 15:00 close and 15m buffer")
	}
	if got := cal.MinutesSinceOpen(time.Date(2024, 6, 3, 10, 30, 0, 0, et)); got != 30 {
		t.Errorf("MinutesSinceOpen = %d, want 30", got)
	}

	if _, err := NewTradingCalendar(domain.MarketUS, WithHours("16:00", "09:30")); err == nil {
		t.Error("expected error for close before open")
	}
	if _, err := NewTradingCalendar(domain.MarketUS, WithLocation("Not/AZone")); err == nil {
		t.Error("expected error for unknown location")
	}
}

func TestTradingCalendarLoadedSessions(t *testing.T) {
	cal := newUSCalendar(t)
	et := cal.Location()

	// 2024-07-03 early close at 13:00, 2024-07-04 holiday.
	from := time.Date(2024, 7, 1, 0, 0, 0, 0, et)
	to := time.Date(2024, 7, 5, 0, 0, 0, 0, et)
	var sessions []Session
	for _, d := range []struct{ day, open, close string }{
		{"2024-07-01", "09:30", "16:00"},
		{"2024-07-02", "09:30", "16:00"},
		{"2024-07-03", "09:30", "13:00"},
		{"2024-07-05", "09:30", "16:00"},
	} {
		day, _ := time.ParseInLocation("2006-01-02", d.day, et)
		s, err := cal.SessionAt(day, d.open, d.close)
		if err != nil {
			t.Fatalf("SessionAt: %v", err)
		}
		sessions = append(sessions, s)
	}
	cal.SetSessions(from, to, sessions)

	if !cal.IsSessionClosing(time.Date(2024, 7, 3, 12, 55, 0, 0, et)) {
		t.Error("early close day should force flat at 12:55")
	}
	if cal.IsMarketOpen(time.Date(2024, 7, 4, 11, 0, 0, 0, et)) {
		t.Error("holiday should not be open")
	}
	next := cal.NextOpen(time.Date(2024, 7, 3, 14, 0, 0, 0, et))
	want := time.Date(2024, 7, 5, 9, 30, 0, 0, et)
	if !next.Equal(want) {
		t.Errorf("NextOpen = %v, want %v", next, want)
	}
	close := cal.NextClose(time.Date(2024, 7, 3, 10, 0, 0, 0, et))
	if !close.Equal(time.Date(2024, 7, 3, 13, 0, 0, 0, et)) {
		t.Errorf("NextClose = %v, want 13:00 on 2024-07-03", close)
	}
}
