package engine

import (
	"fmt"
	"time"

	"ratchet/internal/domain"
)

const fractionEpsilon = 1e-9

// LifecycleConfig parameterises the exit ladder for one strategy family.
//
// BreakevenTriggerR <= 0 disables the breakeven migration and, with it, the
// trailing stop. TargetR > 0 replaces the trailing runner with a fixed full
// exit; the two are mutually exclusive.
type LifecycleConfig struct {
	Tiers             []domain.Tier
	BreakevenTriggerR float64
	BreakevenOffsetR  float64
	TrailATRMult      float64
	MaxHold           time.Duration
	TargetR           float64
}

// RunnerFraction is the share of the position left after every tier fires.
func (c LifecycleConfig) RunnerFraction() float64 {
	rest := 1.0
	for _, t := range c.Tiers {
		rest -= t.Fraction
	}
	if rest < fractionEpsilon {
		return 0
	}
	return rest
}

// Validate checks the ladder invariants once, at construction.
func (c LifecycleConfig) Validate() error {
	var sum float64
	for i, t := range c.Tiers {
		if t.TriggerR <= 0 {
			return fmt.Errorf("%w: tier %d trigger_r %.4f must be positive", ErrInvalidConfig, i, t.TriggerR)
		}
		if t.Fraction <= 0 || t.Fraction > 1 {
			return fmt.Errorf("%w: tier %d fraction %.4f outside (0, 1]", ErrInvalidConfig, i, t.Fraction)
		}
		if i > 0 && t.TriggerR <= c.Tiers[i-1].TriggerR {
			return fmt.Errorf("%w: tier %d trigger_r %.4f not above tier %d", ErrInvalidConfig, i, t.TriggerR, i-1)
		}
		sum += t.Fraction
	}
	if sum > 1+fractionEpsilon {
		return fmt.Errorf("%w: tier fractions sum to %.6f", ErrInvalidConfig, sum)
	}
	if c.BreakevenTriggerR > 0 && len(c.Tiers) > 0 && c.BreakevenTriggerR < c.Tiers[0].TriggerR {
		return fmt.Errorf("%w: breakeven trigger %.4f below first tier %.4f",
			ErrInvalidConfig, c.BreakevenTriggerR, c.Tiers[0].TriggerR)
	}
	if c.TrailATRMult < 0 {
		return fmt.Errorf("%w: negative trail multiple", ErrInvalidConfig)
	}
	if c.MaxHold < 0 {
		return fmt.Errorf("%w: negative max hold", ErrInvalidConfig)
	}
	if c.TargetR < 0 {
		return fmt.Errorf("%w: negative target", ErrInvalidConfig)
	}
	if c.TargetR > 0 {
		if c.TrailATRMult > 0 {
			return fmt.Errorf("%w: target_r and trailing stop are mutually exclusive", ErrInvalidConfig)
		}
		if n := len(c.Tiers); n > 0 && c.TargetR <= c.Tiers[n-1].TriggerR {
			return fmt.Errorf("%w: target %.4f not above last tier %.4f", ErrInvalidConfig, c.TargetR, c.Tiers[n-1].TriggerR)
		}
	}
	return nil
}

// WithTiers returns a copy of c using tiers, or c itself when tiers is empty.
func (c LifecycleConfig) WithTiers(tiers []domain.Tier) LifecycleConfig {
	if len(tiers) == 0 {
		return c
	}
	c.Tiers = append([]domain.Tier(nil), tiers...)
	return c
}
