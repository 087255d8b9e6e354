package model

// Limiter names the constraint that bound a sizing result.
type Limiter string

const (
	LimiterRisk        Limiter = "risk"
	LimiterVolatility  Limiter = "volatility"
	LimiterMargin      Limiter = "margin"
	LimiterDiscipline  Limiter = "discipline"
	LimiterRiskBudget  Limiter = "risk_budget"
	LimiterInvalidRisk Limiter = "invalid_risk"
)

// SizingConstraints is the outcome of one sizing call.
// Base entries fill LotR, LotV, LotM; pyramids fill LotM, LotDiscipline, LotRiskBudget.
type SizingConstraints struct {
	Kind SignalKind `json:"kind"`

	LotR          float64 `json:"lot_r"`
	LotV          float64 `json:"lot_v"`
	LotM          float64 `json:"lot_m"`
	LotDiscipline float64 `json:"lot_discipline"`
	LotRiskBudget float64 `json:"lot_risk_budget"`

	FinalLots int     `json:"final_lots"`
	Limiter   Limiter `json:"limiter"`
}
