package model

type Severity string

const (
	SeverityNormal   Severity = "NORMAL"
	SeverityWarning  Severity = "WARNING"
	SeverityElevated Severity = "ELEVATED"
	SeverityRejected Severity = "REJECTED"
)

const (
	DirectionFavorable   = "favorable"
	DirectionUnfavorable = "unfavorable"
)

// ConditionResult is the pre-trade validation outcome, computed with the signal's own price.
type ConditionResult struct {
	Passed   bool         `json:"passed"`
	Severity Severity     `json:"severity"`
	Age      float64      `json:"age_seconds"`
	Reason   string       `json:"reason,omitempty"`
	Gate     *PyramidGate `json:"pyramid_gate,omitempty"`
	Warnings []string     `json:"warnings,omitempty"`
}

// PyramidGate holds the numbers measured by the 1R and instrument P&L checks.
type PyramidGate struct {
	Move          float64 `json:"move"`
	OneR          float64 `json:"one_r"`
	RMultiple     float64 `json:"r_multiple"`
	InstrumentPnL float64 `json:"instrument_pnl"`
	PyramidCount  int     `json:"pyramid_count"`
}

// ExecutionResult is the at-execution validation outcome, computed with the broker price.
type ExecutionResult struct {
	Passed         bool     `json:"passed"`
	Severity       Severity `json:"severity"`
	SignalPrice    float64  `json:"signal_price"`
	ExecutionPrice float64  `json:"execution_price"`
	Divergence     float64  `json:"divergence"`    // signed fraction, (broker - signal) / signal
	RiskIncrease   float64  `json:"risk_increase"` // fraction, entries only
	Direction      string   `json:"direction,omitempty"`
	Reason         string   `json:"reason,omitempty"`
}
