package validator

import (
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"tradingcore/src/config"
	"tradingcore/src/model"
)

// Validator admits or rejects signals in two stages. ValidateConditions runs
// before sizing with the signal's own price; ValidateExecution runs right
// before the order with the broker's quote.
//
// Safe for concurrent use: it holds no mutable state.
type Validator struct {
	cfg         config.ValidationConfig
	instruments config.InstrumentTable
	now         func() time.Time
	logger      *logrus.Entry
}

// New builds a Validator. A nil clock means time.Now.
func New(cfg config.ValidationConfig, instruments config.InstrumentTable, now func() time.Time, logger *logrus.Entry) *Validator {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Validator{
		cfg:         cfg,
		instruments: instruments,
		now:         now,
		logger:      logger.WithField("component", "validator"),
	}
}

// ValidateConditions checks signal age, completeness and, for pyramids, the
// 1R gate and instrument P&L. It never fails with an error: rejections come
// back as a result with Passed=false and a reason code.
func (v *Validator) ValidateConditions(sig model.Signal, state model.PortfolioState) model.ConditionResult {
	if err := sig.Validate(); err != nil {
		return v.rejectCondition(sig, model.ConditionResult{}, "invalid_signal_"+err.Error())
	}
	inst, ok := v.instruments.Lookup(sig.Instrument)
	if !ok {
		return v.rejectCondition(sig, model.ConditionResult{}, "invalid_signal_unknown_instrument")
	}

	severity, age, reason := v.ageTier(sig.Timestamp)
	res := model.ConditionResult{Severity: severity, Age: age.Seconds()}
	if severity == model.SeverityRejected {
		return v.rejectCondition(sig, res, reason)
	}
	if severity == model.SeverityWarning || severity == model.SeverityElevated {
		res.Warnings = append(res.Warnings, fmt.Sprintf("signal_age_%.1fs_%s", age.Seconds(), severity))
	}

	if sig.Kind == model.SignalPyramid {
		reason, gate := v.checkPyramid(sig, inst, state)
		res.Gate = gate
		if reason != "" {
			return v.rejectCondition(sig, res, reason)
		}
	}

	res.Passed = true
	return res
}

func (v *Validator) checkPyramid(sig model.Signal, inst config.Instrument, state model.PortfolioState) (string, *model.PyramidGate) {
	base, ok := state.BasePositionFor(sig.Instrument)
	if !ok {
		return "no_base_position_found", nil
	}

	gate := &model.PyramidGate{
		OneR: base.EntryPrice - base.InitialStop,
		Move: sig.Price - base.EntryPrice,
	}
	if gate.OneR <= 0 {
		return "invalid_base_risk", gate
	}
	gate.RMultiple = gate.Move / gate.OneR
	if gate.Move <= gate.OneR {
		return fmt.Sprintf("1r_gate_not_passed_move_%.2f_1R_%.2f_ratio_%.2fR", gate.Move, gate.OneR, gate.RMultiple), gate
	}

	for _, p := range state.OpenPositionsFor(sig.Instrument) {
		gate.InstrumentPnL += (sig.Price - p.EntryPrice) * float64(p.Lots) * inst.PointValue
		if !p.IsBasePosition {
			gate.PyramidCount++
		}
	}
	if gate.InstrumentPnL < 0 {
		return fmt.Sprintf("negative_instrument_pnl_%.2f", gate.InstrumentPnL), gate
	}
	if gate.PyramidCount >= inst.PyramidLimit() {
		return fmt.Sprintf("max_pyramids_reached_%d", gate.PyramidCount), gate
	}
	return "", gate
}

// ValidateExecution checks the broker quote against the signal.
//
// EXIT accepts any price at or above the signal price and any price below it
// by at most ExitMaxDivergence percent (the boundary itself is accepted).
// Entries reject on absolute divergence above the per-kind threshold (halved
// for ELEVATED signals and for signals that have aged beyond it), on a risk increase above the per-kind ceiling, and
// on a broker price at or below the stop.
func (v *Validator) ValidateExecution(sig model.Signal, brokerPrice float64, kind model.SignalKind) model.ExecutionResult {
	res := model.ExecutionResult{
		Severity:       model.SeverityNormal,
		SignalPrice:    sig.Price,
		ExecutionPrice: brokerPrice,
	}
	if sig.Price <= 0 || brokerPrice <= 0 || math.IsNaN(brokerPrice) {
		return v.rejectExecution(sig, res, "invalid_execution_price")
	}
	res.Divergence = (brokerPrice - sig.Price) / sig.Price

	if kind == model.SignalExit {
		return v.validateExit(sig, res)
	}
	if !kind.IsEntry() {
		return v.rejectExecution(sig, res, fmt.Sprintf("unknown_kind_%s", kind))
	}

	// A signal that aged past ELEVATED since the condition stage keeps the
	// tightened threshold.
	severity, _, _ := v.ageTier(sig.Timestamp)
	tightened := severity == model.SeverityElevated || severity == model.SeverityRejected
	if tightened {
		res.Severity = model.SeverityElevated
	}

	res.Direction = model.DirectionUnfavorable
	if brokerPrice <= sig.Price {
		res.Direction = model.DirectionFavorable
	}

	maxDivergence := v.cfg.BaseEntryMaxDivergence
	maxRiskIncrease := v.cfg.BaseEntryMaxRiskIncrease
	if kind == model.SignalPyramid {
		maxDivergence = v.cfg.PyramidMaxDivergence
		maxRiskIncrease = v.cfg.PyramidMaxRiskIncrease
	}
	if tightened {
		maxDivergence /= 2
	}
	if math.Abs(brokerPrice-sig.Price) > sig.Price*maxDivergence/100 {
		return v.rejectExecution(sig, res, fmt.Sprintf("divergence_%.2fpct_exceeds_%.2fpct", math.Abs(res.Divergence)*100, maxDivergence))
	}

	originalRisk := sig.Price - sig.Stop
	executionRisk := brokerPrice - sig.Stop
	if originalRisk > 0 {
		res.RiskIncrease = (executionRisk - originalRisk) / originalRisk
		if res.RiskIncrease*100 > maxRiskIncrease {
			return v.rejectExecution(sig, res, fmt.Sprintf("risk_increase_%.1fpct_exceeds_%.1fpct", res.RiskIncrease*100, maxRiskIncrease))
		}
	}

	if brokerPrice <= sig.Stop {
		return v.rejectExecution(sig, res, fmt.Sprintf("execution_price_%.2f_at_or_below_stop_%.2f", brokerPrice, sig.Stop))
	}

	res.Passed = true
	return res
}

func (v *Validator) validateExit(sig model.Signal, res model.ExecutionResult) model.ExecutionResult {
	if res.ExecutionPrice >= sig.Price {
		res.Direction = model.DirectionFavorable
		res.Passed = true
		return res
	}

	res.Direction = model.DirectionUnfavorable
	if sig.Price-res.ExecutionPrice <= sig.Price*v.cfg.ExitMaxDivergence/100 {
		res.Passed = true
		return res
	}
	return v.rejectExecution(sig, res, fmt.Sprintf("exit_divergence_%.2fpct_exceeds_%.2fpct", math.Abs(res.Divergence)*100, v.cfg.ExitMaxDivergence))
}

// AdjustSizeForExecution shrinks lots in proportion to a risk increase caused
// by the broker price, never below one lot. A lower risk keeps the size.
func (v *Validator) AdjustSizeForExecution(sig model.Signal, brokerPrice float64, originalLots int) int {
	if originalLots <= 0 {
		return originalLots
	}
	originalRisk := sig.Price - sig.Stop
	executionRisk := brokerPrice - sig.Stop
	if executionRisk <= 0 || originalRisk <= 0 || executionRisk <= originalRisk {
		return originalLots
	}

	adjusted := int(math.Floor(float64(originalLots) * originalRisk / executionRisk))
	if adjusted < 1 {
		adjusted = 1
	}
	if adjusted != originalLots {
		v.logger.WithFields(logrus.Fields{
			"instrument":     sig.Instrument,
			"original_lots":  originalLots,
			"adjusted_lots":  adjusted,
			"original_risk":  originalRisk,
			"execution_risk": executionRisk,
		}).Info("lots reduced for execution risk")
	}
	return adjusted
}

// ageTier buckets the signal age. Disabled validation always reports NORMAL.
func (v *Validator) ageTier(ts time.Time) (model.Severity, time.Duration, string) {
	age := v.now().Sub(ts)
	if !v.cfg.AgeValidationEnabled {
		return model.SeverityNormal, age, ""
	}
	if age < -v.cfg.MaxClockSkew {
		return model.SeverityRejected, age, "signal_timestamp_in_future"
	}
	if age < 0 {
		age = 0
	}

	switch {
	case age < v.cfg.AgeWarning:
		return model.SeverityNormal, age, ""
	case age < v.cfg.AgeElevated:
		return model.SeverityWarning, age, ""
	case age < v.cfg.AgeReject:
		return model.SeverityElevated, age, ""
	default:
		return model.SeverityRejected, age, fmt.Sprintf("signal_stale_age_%.1fs_max_%.0fs", age.Seconds(), v.cfg.AgeReject.Seconds())
	}
}

func (v *Validator) rejectCondition(sig model.Signal, res model.ConditionResult, reason string) model.ConditionResult {
	res.Passed = false
	res.Reason = reason
	res.Severity = model.SeverityRejected
	v.logger.WithFields(logrus.Fields{
		"stage":      "conditions",
		"instrument": sig.Instrument,
		"kind":       sig.Kind,
		"position":   sig.Position,
		"reason":     reason,
	}).Warn("signal rejected")
	return res
}

func (v *Validator) rejectExecution(sig model.Signal, res model.ExecutionResult, reason string) model.ExecutionResult {
	res.Passed = false
	res.Reason = reason
	res.Severity = model.SeverityRejected
	v.logger.WithFields(logrus.Fields{
		"stage":           "execution",
		"instrument":      sig.Instrument,
		"kind":            sig.Kind,
		"signal_price":    res.SignalPrice,
		"execution_price": res.ExecutionPrice,
		"divergence":      res.Divergence,
		"risk_increase":   res.RiskIncrease,
		"reason":          reason,
	}).Warn("signal rejected")
	return res
}
