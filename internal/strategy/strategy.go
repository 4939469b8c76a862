// Package strategy defines the SignalEvaluator interface for entry detection
// and provides a Registry for constructing evaluators by name. Exits are not a
// strategy concern: every strategy shares the engine's exit ladder and differs
// only in its entry rule and lifecycle parameters.
package strategy

import (
	"fmt"
	"sort"
	"time"

	"ratchet/internal/domain"
)

// Budget is the sizing input for one entry.
type Budget struct {
	Capital      float64
	RiskFraction float64
	MaxNotional  float64
}

// IsZero reports whether no budget field is set.
func (b Budget) IsZero() bool {
	return b == Budget{}
}

// EntryPlan is an evaluator's request to open a long position at the bar
// close. Tiers and Budget are optional overrides of the engine defaults.
type EntryPlan struct {
	Stop   float64
	Tiers  []domain.Tier
	Budget Budget
	Reason string
}

// SignalEvaluator decides whether to enter on a bar. It is called on every
// bar while flat; history holds prior bars of the symbol, oldest first, and
// ends with bar. Implementations keep per-symbol state and are driven by a
// single goroutine.
type SignalEvaluator interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// Evaluate returns a plan, or nil when there is no entry signal.
	Evaluate(bar domain.Bar, history []domain.Bar) *EntryPlan
}

// Clock is the part of the session calendar entry rules need.
type Clock interface {
	IsMarketOpen(t time.Time) bool
	MinutesSinceOpen(t time.Time) int
	SessionDay(t time.Time) string
}

// Params are numeric strategy parameters from configuration.
type Params map[string]float64

// Get returns the parameter or def when unset.
func (p Params) Get(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// Factory builds a fresh evaluator for one symbol.
type Factory func(params Params, clock Clock) (SignalEvaluator, error)

// Registry holds a named collection of evaluator factories for lookup and
// enumeration.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Get retrieves a factory by name. The second return value indicates whether
// the strategy was found.
func (r *Registry) Get(name string) (Factory, bool) {
	f, ok := r.factories[name]
	return f, ok
}

// New builds an evaluator for the named strategy.
func (r *Registry) New(name string, params Params, clock Clock) (SignalEvaluator, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
	return f(params, clock)
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
