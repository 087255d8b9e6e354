package portfolio

import (
	"github.com/shopspring/decimal"

	"tradingcore/src/model"
)

// Snapshot is a reconstructed portfolio ready to replace the manager's state.
type Snapshot struct {
	Positions         []model.Position
	ClosedEquity      float64
	EquityHigh        float64
	FinancialsVersion int64
	Pyramids          []model.PyramidBookkeeping
}

// Restore replaces the open set, the equity pair and the pyramid bookkeeping
// in one step. Closed history of this process is kept.
func (m *Manager) Restore(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.positions = make(map[string]model.Position, len(s.Positions))
	for _, p := range s.Positions {
		m.positions[p.PositionID] = clonePosition(p)
	}
	m.pyramids = make(map[string]model.PyramidBookkeeping, len(s.Pyramids))
	for _, b := range s.Pyramids {
		m.pyramids[b.Instrument] = b
	}

	m.closedEquity = decimal.NewFromFloat(s.ClosedEquity)
	m.equityHigh = decimal.NewFromFloat(s.EquityHigh)
	if m.equityHigh.LessThan(m.closedEquity) {
		m.equityHigh = m.closedEquity
	}
	m.financialsVersion = s.FinancialsVersion
	m.persistedClosed = m.closedEquity

	m.logger.WithFields(map[string]interface{}{
		"positions":     len(m.positions),
		"pyramids":      len(m.pyramids),
		"closed_equity": s.ClosedEquity,
		"equity_high":   m.equityHigh.InexactFloat64(),
	}).Info("portfolio restored")
}
