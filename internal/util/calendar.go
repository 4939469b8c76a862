package util

import (
	"fmt"
	"sync"
	"time"
	_ "time/tzdata" // Exchange time zones without relying on the host zoneinfo.

	"ratchet/internal/domain"
)

const dayLayout = "2006-01-02"

// Session is one trading day's regular-hours window.
type Session struct {
	Open  time.Time
	Close time.Time
}

// CalendarOption customises a TradingCalendar.
type CalendarOption func(*TradingCalendar) error

// WithHours overrides the regular session hours, given as "15:04" in the
// calendar's time zone.
func WithHours(open, close string) CalendarOption {
	return func(tc *TradingCalendar) error {
		o, err := parseClock(open)
		if err != nil {
			return fmt.Errorf("parsing open %q: %w", open, err)
		}
		c, err := parseClock(close)
		if err != nil {
			return fmt.Errorf("parsing close %q: %w", close, err)
		}
		if c <= o {
			return fmt.Errorf("close %s is not after open %s", close, open)
		}
		tc.openMin, tc.closeMin = o, c
		return nil
	}
}

// WithLocation sets the exchange time zone by IANA name.
func WithLocation(name string) CalendarOption {
	return func(tc *TradingCalendar) error {
		loc, err := time.LoadLocation(name)
		if err != nil {
			return fmt.Errorf("loading location %q: %w", name, err)
		}
		tc.loc = loc
		return nil
	}
}

// WithCloseBuffer sets how long before the close intraday positions are
// forced flat.
func WithCloseBuffer(d time.Duration) CalendarOption {
	return func(tc *TradingCalendar) error {
		if d < 0 {
			return fmt.Errorf("negative close buffer %s", d)
		}
		tc.closeBuffer = d
		return nil
	}
}

// TradingCalendar provides market-hours awareness for a specific market. It
// is the engine's session clock: bars are judged against the session they
// fall in, and the session-closing cutoff sits closeBuffer before the close.
//
// Without loaded sessions every weekday is a regular session. Sessions loaded
// from the broker calendar (SetSessions) take precedence inside their range,
// which covers holidays and early closes.
type TradingCalendar struct {
	market      domain.Market
	loc         *time.Location
	openMin     int
	closeMin    int
	closeBuffer time.Duration

	mu       sync.RWMutex
	sessions map[string]Session
	from, to string
}

// NewTradingCalendar creates a TradingCalendar for the given market. US
// defaults: America/New_York, 09:30-16:00, 5 minute close buffer.
func NewTradingCalendar(market domain.Market, opts ...CalendarOption) (*TradingCalendar, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("loading ET timezone: %w", err)
	}
	tc := &TradingCalendar{
		market:      market,
		loc:         loc,
		openMin:     9*60 + 30,
		closeMin:    16 * 60,
		closeBuffer: 5 * time.Minute,
	}
	for _, opt := range opts {
		if err := opt(tc); err != nil {
			return nil, err
		}
	}
	return tc, nil
}

// Location returns the exchange time zone.
func (tc *TradingCalendar) Location() *time.Location { return tc.loc }

// SetSessions replaces the explicit sessions for days in [from, to]. Days in
// that range without a session are treated as holidays.
func (tc *TradingCalendar) SetSessions(from, to time.Time, sessions []Session) {
	m := make(map[string]Session, len(sessions))
	for _, s := range sessions {
		m[s.Open.In(tc.loc).Format(dayLayout)] = s
	}
	tc.mu.Lock()
	tc.sessions = m
	tc.from = from.In(tc.loc).Format(dayLayout)
	tc.to = to.In(tc.loc).Format(dayLayout)
	tc.mu.Unlock()
}

// SessionAt builds a session for the given day from "15:04" open/close
// strings in the calendar's zone.
func (tc *TradingCalendar) SessionAt(day time.Time, open, close string) (Session, error) {
	o, err := parseClock(open)
	if err != nil {
		return Session{}, err
	}
	c, err := parseClock(close)
	if err != nil {
		return Session{}, err
	}
	d := day.In(tc.loc)
	return Session{Open: tc.at(d, o), Close: tc.at(d, c)}, nil
}

// Session returns the session for the trading day containing t.
func (tc *TradingCalendar) Session(t time.Time) (Session, bool) {
	local := t.In(tc.loc)
	key := local.Format(dayLayout)

	tc.mu.RLock()
	if tc.sessions != nil && key >= tc.from && key <= tc.to {
		s, ok := tc.sessions[key]
		tc.mu.RUnlock()
		return s, ok
	}
	tc.mu.RUnlock()

	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return Session{}, false
	}
	return Session{Open: tc.at(local, tc.openMin), Close: tc.at(local, tc.closeMin)}, true
}

// SessionDay returns the exchange-local date key (YYYY-MM-DD) for t. Daily
// risk counters roll over when it changes.
func (tc *TradingCalendar) SessionDay(t time.Time) string {
	return t.In(tc.loc).Format(dayLayout)
}

// MinutesSinceOpen returns whole minutes elapsed since the session open, or
// zero before the open and on non-trading days.
func (tc *TradingCalendar) MinutesSinceOpen(t time.Time) int {
	s, ok := tc.Session(t)
	if !ok || t.Before(s.Open) {
		return 0
	}
	return int(t.Sub(s.Open) / time.Minute)
}

// IsSessionClosing reports whether t is at or past the forced-flat cutoff of
// its session.
func (tc *TradingCalendar) IsSessionClosing(t time.Time) bool {
	s, ok := tc.Session(t)
	if !ok {
		return false
	}
	return !t.Before(s.Close.Add(-tc.closeBuffer))
}

// IsMarketOpen returns whether the market is open at time t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	s, ok := tc.Session(t)
	return ok && !t.Before(s.Open) && t.Before(s.Close)
}

// NextOpen returns the next market open time at or after t.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	for i := 0; i < 15; i++ {
		s, ok := tc.Session(t.AddDate(0, 0, i))
		if ok && !s.Open.Before(t) {
			return s.Open
		}
	}
	return time.Time{}
}

// NextClose returns the next market close time at or after t.
func (tc *TradingCalendar) NextClose(t time.Time) time.Time {
	for i := 0; i < 15; i++ {
		s, ok := tc.Session(t.AddDate(0, 0, i))
		if ok && !s.Close.Before(t) {
			return s.Close
		}
	}
	return time.Time{}
}

func (tc *TradingCalendar) at(day time.Time, minutes int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), minutes/60, minutes%60, 0, 0, tc.loc)
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
