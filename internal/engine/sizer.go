package engine

import (
	"fmt"
	"math"
)

// Size converts a risk budget into a share quantity: capital*riskFraction
// divided by the per-share risk, floored, then capped so the notional stays
// within maxNotional. maxNotional <= 0 leaves the quantity uncapped.
func Size(entryPrice, stopPrice, capital, riskFraction, maxNotional float64) (int64, error) {
	risk := entryPrice - stopPrice
	if risk <= 0 || math.IsNaN(risk) {
		return 0, fmt.Errorf("%w: entry %.4f stop %.4f", ErrNonPositiveRisk, entryPrice, stopPrice)
	}

	qty := math.Floor((capital * riskFraction) / risk)
	if maxNotional > 0 && qty*entryPrice > maxNotional {
		qty = math.Floor(maxNotional / entryPrice)
	}
	if qty < 1 || math.IsNaN(qty) || math.IsInf(qty, 0) {
		return 0, fmt.Errorf("%w: entry %.4f risk %.4f budget %.2f", ErrZeroQuantity, entryPrice, risk, capital*riskFraction)
	}
	return int64(qty), nil
}
