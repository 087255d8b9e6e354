package portfolio

import (
	"math"
	"time"

	"tradingcore/src/config"
	"tradingcore/src/model"
)

// positionExposure: risk = max(0, entry - current stop), volatility = ATR
// (or the instrument default) and margin = margin per lot, each scaled by lots
// and, for risk and volatility, point value.
func positionExposure(p model.Position, inst config.Instrument) (risk, vol, margin float64) {
	lots := float64(p.Lots)
	risk = math.Max(0, p.EntryPrice-p.CurrentStop) * lots * inst.PointValue

	atr := p.ATR
	if atr <= 0 {
		atr = inst.DefaultATR
	}
	vol = atr * lots * inst.PointValue
	margin = lots * inst.MarginPerLot
	return risk, vol, margin
}

func (m *Manager) computeLocked(asOf time.Time) model.PortfolioState {
	st := model.PortfolioState{
		AsOf:        asOf,
		EquityMode:  m.cfg.EquityMode,
		EquityHigh:  m.equityHigh.InexactFloat64(),
		Instruments: make(map[string]model.InstrumentExposure),
		Positions:   make(map[string]model.Position, len(m.positions)),
	}

	for id, p := range m.positions {
		st.Positions[id] = clonePosition(p)
		st.TotalUnrealizedPnL += p.UnrealizedPnL

		inst, ok := m.instruments.Lookup(p.Instrument)
		if !ok {
			m.logger.WithField("position_id", id).Warn("position on unknown instrument left out of aggregates")
			continue
		}
		risk, vol, margin := positionExposure(p, inst)

		exp := st.Instruments[p.Instrument]
		exp.Instrument = p.Instrument
		exp.OpenLegs++
		exp.Lots += p.Lots
		exp.RiskAmount += risk
		exp.VolAmount += vol
		exp.MarginUsed += margin
		exp.UnrealizedPnL += p.UnrealizedPnL
		st.Instruments[p.Instrument] = exp

		st.TotalRiskAmount += risk
		st.TotalVolAmount += vol
		st.MarginUsed += margin
	}

	st.ClosedEquity = m.closedEquity.InexactFloat64()
	st.OpenEquity = st.ClosedEquity + st.TotalUnrealizedPnL
	st.BlendedEquity = st.ClosedEquity + m.cfg.BlendFraction*st.TotalUnrealizedPnL

	equity := st.Equity()
	if equity > 0 {
		st.TotalRiskPercent = st.TotalRiskAmount / equity * 100
		st.TotalVolPercent = st.TotalVolAmount / equity * 100
		st.MarginUtilization = st.MarginUsed / equity * 100
		for name, exp := range st.Instruments {
			exp.RiskPercent = exp.RiskAmount / equity * 100
			exp.VolPercent = exp.VolAmount / equity * 100
			st.Instruments[name] = exp
		}
	}
	st.MarginAvailable = math.Max(0, equity-st.MarginUsed)

	return st
}
