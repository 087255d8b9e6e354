package tp_sl

import (
	"github.com/shopspring/decimal"
)

// TrailState is the part of a long leg the trailing stop reads and ratchets.
type TrailState struct {
	CurrentStop  decimal.Decimal
	HighestClose decimal.Decimal
}

// ComputeNextStopLoss applies the ATR chandelier stop to a long leg.
//
// - highest: max(highest close, close)
// - candidate: highest - multiple × ATR
// - update: SL = max(SL, candidate)
//
// Neither the highest close nor the stop ever moves down. A non-positive ATR
// or multiple only advances the highest close.
func ComputeNextStopLoss(
	st TrailState,
	closePrice decimal.Decimal,
	atr decimal.Decimal,
	multiple decimal.Decimal,
) (next TrailState, moved bool) {
	next = st
	if closePrice.GreaterThan(next.HighestClose) {
		next.HighestClose = closePrice
	}
	if !atr.IsPositive() || !multiple.IsPositive() {
		return next, false
	}

	candidate := next.HighestClose.Sub(atr.Mul(multiple))
	if candidate.GreaterThan(next.CurrentStop) {
		next.CurrentStop = candidate
		return next, true
	}
	return next, false
}

// TrailFloat is ComputeNextStopLoss for float64 callers. Inputs are converted
// to decimal so repeated ratchets do not accumulate binary rounding.
func TrailFloat(currentStop, highestClose, closePrice, atr, multiple float64) (stop, highest float64, moved bool) {
	next, moved := ComputeNextStopLoss(
		TrailState{
			CurrentStop:  decimal.NewFromFloat(currentStop),
			HighestClose: decimal.NewFromFloat(highestClose),
		},
		decimal.NewFromFloat(closePrice),
		decimal.NewFromFloat(atr),
		decimal.NewFromFloat(multiple),
	)
	return next.CurrentStop.InexactFloat64(), next.HighestClose.InexactFloat64(), moved
}
