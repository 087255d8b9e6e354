package risk

import (
	"math"

	"github.com/sirupsen/logrus"

	"tradingcore/src/config"
	"tradingcore/src/model"
)

// PyramidDisciplineRatio is the geometric shrink factor between pyramid layers.
const PyramidDisciplineRatio = 0.5

// PyramidRiskBudgetShare is the share of profit beyond base risk a pyramid may put at risk.
const PyramidRiskBudgetShare = 0.5

// Sizer computes lot counts with the Tom Basso method: the minimum of
// independent constraints, floored.
type Sizer struct {
	instruments config.InstrumentTable
	logger      *logrus.Entry
}

func NewSizer(instruments config.InstrumentTable, logger *logrus.Entry) *Sizer {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Sizer{instruments: instruments, logger: logger.WithField("component", "sizer")}
}

// SizeBaseEntry sizes a first layer.
//
// Lot-R = (equity × risk%) / (risk_per_point × point_value) × ER
// Lot-V = (equity × vol%) / (ATR × point_value), reported only
// Lot-M = available_margin / margin_per_lot
// final = floor(min(Lot-R, Lot-M))
//
// Lot-V stays out of the minimum because the upstream signal generator sizes
// base entries on risk and margin alone.
func (s *Sizer) SizeBaseEntry(sig model.Signal, equity, availableMargin float64) model.SizingConstraints {
	out := model.SizingConstraints{Kind: model.SignalBaseEntry}

	inst, ok := s.instruments.Lookup(sig.Instrument)
	if !ok {
		out.Limiter = model.LimiterInvalidRisk
		s.logger.WithField("instrument", sig.Instrument).Warn("base entry sizing for unknown instrument")
		return out
	}

	riskPerPoint := sig.RiskPerPoint()
	if riskPerPoint <= 0 || equity <= 0 {
		out.Limiter = model.LimiterInvalidRisk
		s.logger.WithFields(logrus.Fields{
			"instrument":     sig.Instrument,
			"price":          sig.Price,
			"stop":           sig.Stop,
			"risk_per_point": riskPerPoint,
			"equity":         equity,
		}).Warn("base entry sizing rejected: invalid risk")
		return out
	}

	riskAmount := equity * inst.InitialRiskPercent / 100
	out.LotR = riskAmount / (riskPerPoint * inst.PointValue) * sig.ER

	atr := sig.ATR
	if atr <= 0 {
		atr = inst.DefaultATR
	}
	if atr > 0 {
		out.LotV = equity * inst.InitialVolPercent / 100 / (atr * inst.PointValue)
	}

	out.LotM = marginLots(availableMargin, inst.MarginPerLot)

	out.Limiter = model.LimiterRisk
	bound := out.LotR
	if out.LotM < bound {
		out.Limiter = model.LimiterMargin
		bound = out.LotM
	}
	out.FinalLots = floorLots(bound)

	s.logger.WithFields(logrus.Fields{
		"instrument":       sig.Instrument,
		"equity":           equity,
		"risk_pct":         inst.InitialRiskPercent,
		"risk_per_point":   riskPerPoint,
		"point_value":      inst.PointValue,
		"er":               sig.ER,
		"atr":              atr,
		"available_margin": availableMargin,
		"margin_per_lot":   inst.MarginPerLot,
		"lot_r":            out.LotR,
		"lot_v":            out.LotV,
		"lot_m":            out.LotM,
		"final_lots":       out.FinalLots,
		"limiter":          out.Limiter,
	}).Debug("base entry sized")

	return out
}

// SizePyramid sizes an additional layer.
//
// A margin     = floor(available_margin / margin_per_lot)
// B discipline = floor(base_lots × 0.5^(pyramid_count+1))
// C budget     = floor((profit_beyond_base_risk × 0.5) / (risk_per_point × point_value))
// final = min(A, B, C)
func (s *Sizer) SizePyramid(
	sig model.Signal,
	equity float64,
	availableMargin float64,
	basePositionLots int,
	profitBeyondBaseRisk float64,
	pyramidCount int,
) model.SizingConstraints {
	out := model.SizingConstraints{Kind: model.SignalPyramid}

	inst, ok := s.instruments.Lookup(sig.Instrument)
	if !ok {
		out.Limiter = model.LimiterInvalidRisk
		s.logger.WithField("instrument", sig.Instrument).Warn("pyramid sizing for unknown instrument")
		return out
	}

	riskPerPoint := sig.RiskPerPoint()
	if riskPerPoint <= 0 {
		out.Limiter = model.LimiterInvalidRisk
		s.logger.WithFields(logrus.Fields{
			"instrument": sig.Instrument,
			"price":      sig.Price,
			"stop":       sig.Stop,
		}).Warn("pyramid sizing rejected: invalid risk")
		return out
	}
	if pyramidCount < 0 {
		pyramidCount = 0
	}

	out.LotM = math.Floor(marginLots(availableMargin, inst.MarginPerLot))
	out.LotDiscipline = math.Floor(float64(basePositionLots) * math.Pow(PyramidDisciplineRatio, float64(pyramidCount+1)))
	out.LotRiskBudget = math.Floor(profitBeyondBaseRisk * PyramidRiskBudgetShare / (riskPerPoint * inst.PointValue))

	out.Limiter = model.LimiterMargin
	bound := out.LotM
	if out.LotDiscipline < bound {
		out.Limiter = model.LimiterDiscipline
		bound = out.LotDiscipline
	}
	if out.LotRiskBudget < bound {
		out.Limiter = model.LimiterRiskBudget
		bound = out.LotRiskBudget
	}
	out.FinalLots = floorLots(bound)

	s.logger.WithFields(logrus.Fields{
		"instrument":              sig.Instrument,
		"equity":                  equity,
		"available_margin":        availableMargin,
		"base_lots":               basePositionLots,
		"profit_beyond_base_risk": profitBeyondBaseRisk,
		"pyramid_count":           pyramidCount,
		"risk_per_point":          riskPerPoint,
		"lot_margin":              out.LotM,
		"lot_discipline":          out.LotDiscipline,
		"lot_risk_budget":         out.LotRiskBudget,
		"final_lots":              out.FinalLots,
		"limiter":                 out.Limiter,
	}).Debug("pyramid sized")

	return out
}

func marginLots(availableMargin, marginPerLot float64) float64 {
	if availableMargin <= 0 || marginPerLot <= 0 {
		return 0
	}
	return availableMargin / marginPerLot
}

// floorLots floors and clamps to zero. NaN maps to zero.
func floorLots(v float64) int {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if math.IsInf(v, 1) {
		return math.MaxInt32
	}
	return int(math.Floor(v))
}
