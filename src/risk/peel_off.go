package risk

import (
	"math"

	"github.com/sirupsen/logrus"
)

const (
	PeelWithinLimits      = "within_limits"
	PeelRiskExceeded      = "risk_exceeded"
	PeelVolExceeded       = "vol_exceeded"
	PeelRiskAndVol        = "risk_and_vol_exceeded"
	PeelInvalidEquity     = "invalid_equity"
	PeelUnknownInstrument = "unknown_instrument"
)

// CalculatePeelOff returns how many lots to remove so that an open position's
// risk and volatility come back under the ongoing limits of its instrument.
// Each dimension is solved independently with a ceiling and the larger wins,
// capped at currentLots.
func (s *Sizer) CalculatePeelOff(instrument string, positionRisk, positionVol, equity float64, currentLots int) (int, string) {
	inst, ok := s.instruments.Lookup(instrument)
	if !ok {
		return 0, PeelUnknownInstrument
	}
	if equity <= 0 {
		return 0, PeelInvalidEquity
	}
	if currentLots <= 0 {
		return 0, PeelWithinLimits
	}

	riskPct := positionRisk / equity * 100
	volPct := positionVol / equity * 100

	riskPeel := peelFor(positionRisk, equity*inst.OngoingRiskPercent/100, currentLots)
	volPeel := peelFor(positionVol, equity*inst.OngoingVolPercent/100, currentLots)

	riskOver := riskPct > inst.OngoingRiskPercent
	volOver := volPct > inst.OngoingVolPercent

	reason := PeelWithinLimits
	switch {
	case riskOver && volOver:
		reason = PeelRiskAndVol
	case riskOver:
		reason = PeelRiskExceeded
	case volOver:
		reason = PeelVolExceeded
	default:
		return 0, reason
	}

	lots := riskPeel
	if volPeel > lots {
		lots = volPeel
	}
	if lots > currentLots {
		lots = currentLots
	}

	s.logger.WithFields(logrus.Fields{
		"instrument":   instrument,
		"risk_pct":     riskPct,
		"vol_pct":      volPct,
		"ongoing_risk": inst.OngoingRiskPercent,
		"ongoing_vol":  inst.OngoingVolPercent,
		"risk_peel":    riskPeel,
		"vol_peel":     volPeel,
		"current_lots": currentLots,
		"peel_lots":    lots,
	}).Info("peel off required")

	return lots, reason
}

// peelFor is ceil((amount - limit) / perLot) when amount exceeds limit.
func peelFor(amount, limit float64, currentLots int) int {
	if amount <= limit || amount <= 0 {
		return 0
	}
	perLot := amount / float64(currentLots)
	return int(math.Ceil((amount - limit) / perLot))
}
