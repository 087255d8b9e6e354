package portfolio

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tradingcore/src/model"
)

// savePositionLocked writes an open leg. On a version conflict the fresh
// record is read back and the write is retried on top of its version. A leg
// that another writer closed is not reopened, but a new leg may take over the
// row of an earlier closed leg with the same slot.
func (m *Manager) savePositionLocked(ctx context.Context, id string) error {
	if m.store == nil {
		return nil
	}
	p := m.positions[id]
	isNew := p.Version == 0

	for attempt := 1; ; attempt++ {
		saved, err := m.store.SavePosition(ctx, p)
		if err == nil {
			p.Version = saved.Version
			m.positions[id] = p
			return nil
		}
		if !errors.Is(err, model.ErrVersionConflict) || attempt >= maxSaveAttempts {
			return fmt.Errorf("save position %s: %w", id, err)
		}

		fresh, gerr := m.store.GetPosition(ctx, id)
		if gerr != nil {
			return fmt.Errorf("reload position %s after conflict: %w", id, gerr)
		}
		if !fresh.IsOpen() && !isNew {
			return fmt.Errorf("save position %s: closed by another writer: %w", id, model.ErrVersionConflict)
		}
		m.logger.WithFields(logrus.Fields{
			"position_id":   id,
			"stale_version": p.Version,
			"fresh_version": fresh.Version,
			"attempt":       attempt,
		}).Warn("position version conflict, retrying")
		p.Version = fresh.Version
	}
}

// saveClosedLocked writes a leg that already left the open set.
func (m *Manager) saveClosedLocked(ctx context.Context, p model.Position) error {
	if m.store == nil {
		return nil
	}
	for attempt := 1; ; attempt++ {
		saved, err := m.store.SavePosition(ctx, p)
		if err == nil {
			m.history[len(m.history)-1].Version = saved.Version
			return nil
		}
		if !errors.Is(err, model.ErrVersionConflict) || attempt >= maxSaveAttempts {
			return fmt.Errorf("save closed position %s: %w", p.PositionID, err)
		}
		fresh, gerr := m.store.GetPosition(ctx, p.PositionID)
		if gerr != nil {
			return fmt.Errorf("reload position %s after conflict: %w", p.PositionID, gerr)
		}
		if !fresh.IsOpen() {
			m.logger.WithField("position_id", p.PositionID).Warn("position already closed in store")
			return nil
		}
		p.Version = fresh.Version
	}
}

func (m *Manager) saveBookkeepingLocked(ctx context.Context, instrument string) error {
	if m.store == nil {
		return nil
	}
	book := m.pyramids[instrument]

	for attempt := 1; ; attempt++ {
		saved, err := m.store.SavePyramidBookkeeping(ctx, book)
		if err == nil {
			book.Version = saved.Version
			m.pyramids[instrument] = book
			return nil
		}
		if !errors.Is(err, model.ErrVersionConflict) || attempt >= maxSaveAttempts {
			return fmt.Errorf("save pyramid bookkeeping %s: %w", instrument, err)
		}

		all, gerr := m.store.GetPyramidBookkeeping(ctx)
		if gerr != nil {
			return fmt.Errorf("reload pyramid bookkeeping %s after conflict: %w", instrument, gerr)
		}
		for _, fresh := range all {
			if fresh.Instrument == instrument {
				book.Version = fresh.Version
			}
		}
	}
}

// persistSnapshotLocked stores closed equity, the watermark and the
// recomputed aggregates on the singleton financials row. When another writer
// won the race, the P&L closed here since the last sync is applied on top of
// the fresh closed equity and the watermark never drops below either side.
func (m *Manager) persistSnapshotLocked(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	for attempt := 1; ; attempt++ {
		fin := m.financialsLocked()
		saved, err := m.store.SavePortfolioFinancials(ctx, fin)
		if err == nil {
			m.financialsVersion = saved.Version
			m.persistedClosed = m.closedEquity
			return nil
		}
		if !errors.Is(err, model.ErrVersionConflict) || attempt >= maxSaveAttempts {
			return fmt.Errorf("save portfolio financials: %w", err)
		}

		fresh, gerr := m.store.GetPortfolioFinancials(ctx)
		if gerr != nil {
			return fmt.Errorf("reload portfolio financials after conflict: %w", gerr)
		}
		m.logger.WithFields(logrus.Fields{
			"stale_version": fin.Version,
			"fresh_version": fresh.Version,
			"fresh_closed":  fresh.ClosedEquity,
			"fresh_high":    fresh.EquityHigh,
			"attempt":       attempt,
		}).Warn("portfolio financials version conflict, retrying")
		m.mergeFinancialsLocked(fresh)
	}
}

// mergeFinancialsLocked rebases the in-memory equity pair onto a record
// written by another instance.
func (m *Manager) mergeFinancialsLocked(fresh model.PortfolioFinancials) {
	delta := m.closedEquity.Sub(m.persistedClosed)
	freshClosed := decimal.NewFromFloat(fresh.ClosedEquity)

	m.closedEquity = freshClosed.Add(delta)
	m.persistedClosed = freshClosed
	m.equityHigh = decimal.Max(m.equityHigh, decimal.NewFromFloat(fresh.EquityHigh), m.closedEquity)
	m.financialsVersion = fresh.Version
}

func (m *Manager) financialsLocked() model.PortfolioFinancials {
	st := m.computeLocked(m.now())
	return model.PortfolioFinancials{
		ID:                model.PortfolioFinancialsID,
		ClosedEquity:      st.ClosedEquity,
		EquityHigh:        st.EquityHigh,
		TotalRiskAmount:   st.TotalRiskAmount,
		TotalRiskPercent:  st.TotalRiskPercent,
		TotalVolAmount:    st.TotalVolAmount,
		TotalVolPercent:   st.TotalVolPercent,
		MarginUsed:        st.MarginUsed,
		OpenPositionCount: len(st.Positions),
		Version:           m.financialsVersion,
	}
}
