package model

import "time"

type EquityMode string

const (
	EquityClosed  EquityMode = "closed"
	EquityOpen    EquityMode = "open"
	EquityBlended EquityMode = "blended"
)

func (m EquityMode) Valid() bool {
	switch m {
	case EquityClosed, EquityOpen, EquityBlended:
		return true
	default:
		return false
	}
}

// InstrumentExposure is the per-instrument slice of a PortfolioState.
type InstrumentExposure struct {
	Instrument    string  `json:"instrument"`
	OpenLegs      int     `json:"open_legs"`
	Lots          int     `json:"lots"`
	RiskAmount    float64 `json:"risk_amount"`
	RiskPercent   float64 `json:"risk_percent"`
	VolAmount     float64 `json:"vol_amount"`
	VolPercent    float64 `json:"vol_percent"`
	MarginUsed    float64 `json:"margin_used"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// PortfolioState is a derived point-in-time snapshot. Never the source of truth.
type PortfolioState struct {
	AsOf time.Time `json:"as_of"`

	ClosedEquity  float64    `json:"closed_equity"`
	OpenEquity    float64    `json:"open_equity"`
	BlendedEquity float64    `json:"blended_equity"`
	EquityHigh    float64    `json:"equity_high"`
	EquityMode    EquityMode `json:"equity_mode"`

	TotalRiskAmount  float64 `json:"total_risk_amount"`
	TotalRiskPercent float64 `json:"total_risk_percent"`
	TotalVolAmount   float64 `json:"total_vol_amount"`
	TotalVolPercent  float64 `json:"total_vol_percent"`

	MarginUsed        float64 `json:"margin_used"`
	MarginAvailable   float64 `json:"margin_available"`
	MarginUtilization float64 `json:"margin_utilization_percent"`

	TotalUnrealizedPnL float64 `json:"total_unrealized_pnl"`

	Instruments map[string]InstrumentExposure `json:"instruments"`
	Positions   map[string]Position           `json:"positions"`
}

// Equity returns the reading selected by EquityMode.
func (s PortfolioState) Equity() float64 {
	switch s.EquityMode {
	case EquityOpen:
		return s.OpenEquity
	case EquityBlended:
		return s.BlendedEquity
	default:
		return s.ClosedEquity
	}
}

// OpenPositionsFor returns copies of the open legs of one instrument.
func (s PortfolioState) OpenPositionsFor(instrument string) []Position {
	out := make([]Position, 0)
	for _, p := range s.Positions {
		if p.Instrument == instrument && p.IsOpen() {
			out = append(out, p)
		}
	}
	return out
}

// BasePositionFor returns the open base leg of an instrument, if any.
func (s PortfolioState) BasePositionFor(instrument string) (Position, bool) {
	for _, p := range s.Positions {
		if p.Instrument == instrument && p.IsOpen() && p.IsBasePosition {
			return p, true
		}
	}
	return Position{}, false
}

// PortfolioFinancials is the persisted singleton row holding closed equity,
// the high-watermark and the last recomputed aggregates.
type PortfolioFinancials struct {
	ID                uint    `gorm:"primaryKey" json:"id"`
	ClosedEquity      float64 `gorm:"not null" json:"closed_equity"`
	EquityHigh        float64 `gorm:"not null" json:"equity_high"`
	TotalRiskAmount   float64 `json:"total_risk_amount"`
	TotalRiskPercent  float64 `json:"total_risk_percent"`
	TotalVolAmount    float64 `json:"total_vol_amount"`
	TotalVolPercent   float64 `json:"total_vol_percent"`
	MarginUsed        float64 `json:"margin_used"`
	OpenPositionCount int     `json:"open_position_count"`
	Version           int64   `gorm:"not null;default:1" json:"version"`

	UpdatedAt time.Time `json:"updated_at"`
}

// PortfolioFinancialsID is the primary key of the singleton row.
const PortfolioFinancialsID = 1

func (PortfolioFinancials) TableName() string {
	return "portfolio_state"
}

// PyramidBookkeeping tracks pyramid chain state for one instrument.
type PyramidBookkeeping struct {
	Instrument       string  `gorm:"primaryKey;size:50" json:"instrument"`
	LastPyramidPrice float64 `json:"last_pyramid_price"`
	BasePositionID   string  `gorm:"size:100" json:"base_position_id"`
	PyramidCount     int     `json:"pyramid_count"`
	Version          int64   `gorm:"not null;default:1" json:"version"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (PyramidBookkeeping) TableName() string {
	return "pyramiding_state"
}
