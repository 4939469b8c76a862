package engine

import "errors"

// Sizing errors.
var (
	ErrNonPositiveRisk = errors.New("entry price is not above stop price")
	ErrZeroQuantity    = errors.New("budget buys zero shares")
)

// Lifecycle errors.
var (
	ErrInvalidStopDistance = errors.New("invalid stop distance")
	// ErrCalledOnClosedPosition is raised by panic: feeding a closed
	// lifecycle is a programming fault, not a market condition.
	ErrCalledOnClosedPosition = errors.New("on bar called on closed position")
	ErrUnknownExit            = errors.New("no pending exit with that sequence")
	ErrInvalidConfig          = errors.New("invalid lifecycle config")
	ErrDrainIncomplete        = errors.New("position still open after liquidation")
)
