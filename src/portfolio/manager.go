package portfolio

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tradingcore/src/config"
	"tradingcore/src/model"
	"tradingcore/src/tp_sl"
)

var (
	ErrInvalidPosition   = errors.New("invalid position")
	ErrDuplicatePosition = errors.New("position already open")
	ErrBaseExists        = errors.New("instrument already has an open base position")
	ErrNoBasePosition    = errors.New("pyramid without an open base position")
	ErrUnknownPosition   = errors.New("unknown position")
)

// maxSaveAttempts bounds version-conflict retries for one write.
const maxSaveAttempts = 3

// Manager is the single owner of the position set. Snapshots are recomputed
// on every call and handed out as copies.
type Manager struct {
	mu sync.RWMutex

	cfg         config.PortfolioConfig
	instruments config.InstrumentTable
	store       Store
	trades      TradeRecorder
	logger      *logrus.Entry
	now         func() time.Time

	positions map[string]model.Position // open legs by id
	history   []model.Position          // closed legs, oldest first
	pyramids  map[string]model.PyramidBookkeeping

	closedEquity      decimal.Decimal
	equityHigh        decimal.Decimal
	financialsVersion int64

	// closed equity as last read from or written to the store
	persistedClosed decimal.Decimal
}

// NewManager starts from the configured initial capital. store and trades
// may be nil, in which case nothing is persisted or forwarded.
func NewManager(cfg config.PortfolioConfig, instruments config.InstrumentTable, store Store, trades TradeRecorder, logger *logrus.Entry) *Manager {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	capital := decimal.NewFromFloat(cfg.InitialCapital)
	return &Manager{
		cfg:          cfg,
		instruments:  instruments,
		store:        store,
		trades:       trades,
		logger:       logger.WithField("component", "portfolio"),
		now:          time.Now,
		positions:    make(map[string]model.Position),
		pyramids:     make(map[string]model.PyramidBookkeeping),
		closedEquity:    capital,
		equityHigh:      capital,
		persistedClosed: capital,
	}
}

// GetCurrentState recomputes the portfolio snapshot.
func (m *Manager) GetCurrentState(asOf time.Time) model.PortfolioState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.computeLocked(asOf)
}

// AddPosition opens a leg and persists it together with the pyramid
// bookkeeping and the refreshed snapshot. The leg stays in memory even when
// persistence fails; the error is returned for the caller to escalate.
func (m *Manager) AddPosition(ctx context.Context, p model.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instruments.Lookup(p.Instrument)
	if !ok {
		return fmt.Errorf("%w: unknown instrument %q", ErrInvalidPosition, p.Instrument)
	}
	if p.PositionID == "" || p.Lots <= 0 || p.EntryPrice <= 0 {
		return fmt.Errorf("%w: id=%q lots=%d entry=%v", ErrInvalidPosition, p.PositionID, p.Lots, p.EntryPrice)
	}
	if _, exists := m.positions[p.PositionID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePosition, p.PositionID)
	}
	base, hasBase := m.basePositionLocked(p.Instrument)
	if p.IsBasePosition && hasBase {
		return fmt.Errorf("%w: %s holds %s", ErrBaseExists, p.Instrument, base.PositionID)
	}
	if !p.IsBasePosition && !hasBase {
		return fmt.Errorf("%w: %s", ErrNoBasePosition, p.PositionID)
	}

	p.Status = model.PositionStatusOpen
	p.ExitPrice = nil
	p.ExitTimestamp = nil
	if p.CurrentStop < p.InitialStop || p.CurrentStop == 0 {
		p.CurrentStop = p.InitialStop
	}
	if p.HighestClose < p.EntryPrice {
		p.HighestClose = p.EntryPrice
	}
	if p.Quantity == 0 {
		p.Quantity = p.Lots * inst.LotSize
	}
	if p.EntryTimestamp.IsZero() {
		p.EntryTimestamp = m.now()
	}
	m.positions[p.PositionID] = p

	book := m.pyramids[p.Instrument]
	book.Instrument = p.Instrument
	if p.IsBasePosition {
		book.BasePositionID = p.PositionID
		book.PyramidCount = 0
		book.LastPyramidPrice = 0
	} else {
		book.PyramidCount++
		book.LastPyramidPrice = p.EntryPrice
	}
	m.pyramids[p.Instrument] = book

	m.logger.WithFields(logrus.Fields{
		"position_id": p.PositionID,
		"instrument":  p.Instrument,
		"lots":        p.Lots,
		"entry_price": p.EntryPrice,
		"stop":        p.CurrentStop,
		"is_base":     p.IsBasePosition,
	}).Info("position opened")

	var errs []error
	if err := m.savePositionLocked(ctx, p.PositionID); err != nil {
		errs = append(errs, err)
	}
	if err := m.saveBookkeepingLocked(ctx, p.Instrument); err != nil {
		errs = append(errs, err)
	}
	if err := m.persistSnapshotLocked(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ClosePosition closes an open leg and returns its realized P&L. An unknown
// id is logged and yields 0.
func (m *Manager) ClosePosition(ctx context.Context, id string, exitPrice float64, exitTime time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[id]
	if !ok {
		m.logger.WithField("position_id", id).Error("close requested for unknown position")
		return 0
	}
	inst, _ := m.instruments.Lookup(p.Instrument)

	pnl := decimal.NewFromFloat(exitPrice).
		Sub(decimal.NewFromFloat(p.EntryPrice)).
		Mul(decimal.NewFromInt(int64(p.Lots))).
		Mul(decimal.NewFromFloat(inst.PointValue))

	p.RealizedPnL = pnl.InexactFloat64()
	p.UnrealizedPnL = 0
	p.Status = model.PositionStatusClosed
	p.ExitPrice = &exitPrice
	p.ExitTimestamp = &exitTime

	delete(m.positions, id)
	m.history = append(m.history, p)

	m.closedEquity = m.closedEquity.Add(pnl)
	if m.closedEquity.GreaterThan(m.equityHigh) {
		m.equityHigh = m.closedEquity
	}

	m.logger.WithFields(logrus.Fields{
		"position_id":   id,
		"instrument":    p.Instrument,
		"lots":          p.Lots,
		"entry_price":   p.EntryPrice,
		"exit_price":    exitPrice,
		"realized_pnl":  p.RealizedPnL,
		"closed_equity": m.closedEquity.InexactFloat64(),
	}).Info("position closed")

	if err := m.saveClosedLocked(ctx, p); err != nil {
		m.logger.WithError(err).WithField("position_id", id).Error("persist closed position failed")
	}
	if len(m.openLegsLocked(p.Instrument)) == 0 {
		if book, ok := m.pyramids[p.Instrument]; ok {
			book.BasePositionID = ""
			book.PyramidCount = 0
			book.LastPyramidPrice = 0
			m.pyramids[p.Instrument] = book
			if err := m.saveBookkeepingLocked(ctx, p.Instrument); err != nil {
				m.logger.WithError(err).WithField("instrument", p.Instrument).Error("reset pyramid bookkeeping failed")
			}
		}
	}
	if err := m.persistSnapshotLocked(ctx); err != nil {
		m.logger.WithError(err).Error("persist portfolio snapshot failed")
	}

	if m.trades != nil {
		trade := model.ClosedTrade{
			PositionID:  p.PositionID,
			Instrument:  p.Instrument,
			Direction:   model.DirectionLong,
			Lots:        p.Lots,
			Quantity:    p.Quantity,
			EntryPrice:  p.EntryPrice,
			ExitPrice:   exitPrice,
			RealizedPnL: p.RealizedPnL,
			OpenedAt:    p.EntryTimestamp,
			ClosedAt:    exitTime,
			IsBase:      p.IsBasePosition,
		}
		if err := m.trades.RecordClosedTrade(ctx, trade); err != nil {
			m.logger.WithError(err).WithField("position_id", id).Error("record closed trade failed")
		}
	}

	return p.RealizedPnL
}

// UpdateMarket marks an open leg to the given close and ratchets its
// trailing stop.
func (m *Manager) UpdateMarket(ctx context.Context, id string, closePrice float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPosition, id)
	}
	if closePrice <= 0 {
		return fmt.Errorf("%w: close %v for %s", ErrInvalidPosition, closePrice, id)
	}
	inst, _ := m.instruments.Lookup(p.Instrument)

	p.UnrealizedPnL = decimal.NewFromFloat(closePrice).
		Sub(decimal.NewFromFloat(p.EntryPrice)).
		Mul(decimal.NewFromInt(int64(p.Lots))).
		Mul(decimal.NewFromFloat(inst.PointValue)).
		InexactFloat64()

	atr := p.ATR
	if atr <= 0 {
		atr = inst.DefaultATR
	}
	stop, highest, moved := tp_sl.TrailFloat(p.CurrentStop, p.HighestClose, closePrice, atr, inst.TrailingATRMultiple)
	if moved {
		m.logger.WithFields(logrus.Fields{
			"position_id": id,
			"from":        p.CurrentStop,
			"to":          stop,
		}).Info("trailing stop raised")
	}
	p.CurrentStop = stop
	p.HighestClose = highest
	m.positions[id] = p

	return m.savePositionLocked(ctx, id)
}

// CheckPortfolioGate allows a trade only if current plus proposed risk and
// volatility percentages stay within the configured ceilings. Proposed
// values are amounts; they are converted with the selected equity.
func (m *Manager) CheckPortfolioGate(proposedRisk, proposedVol float64) (bool, string) {
	st := m.GetCurrentState(m.now())
	equity := st.Equity()
	if equity <= 0 {
		return false, "invalid_equity"
	}

	riskAfter := st.TotalRiskPercent + proposedRisk/equity*100
	if riskAfter > m.cfg.MaxRiskPercent {
		return false, fmt.Sprintf("portfolio_risk_%.2fpct_exceeds_%.2fpct", riskAfter, m.cfg.MaxRiskPercent)
	}
	volAfter := st.TotalVolPercent + proposedVol/equity*100
	if volAfter > m.cfg.MaxVolPercent {
		return false, fmt.Sprintf("portfolio_vol_%.2fpct_exceeds_%.2fpct", volAfter, m.cfg.MaxVolPercent)
	}
	return true, ""
}

// PersistSnapshot writes the recomputed aggregate over whatever is stored.
func (m *Manager) PersistSnapshot(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistSnapshotLocked(ctx)
}

// Position returns a copy of an open leg.
func (m *Manager) Position(id string) (model.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	if !ok {
		return model.Position{}, false
	}
	return clonePosition(p), true
}

// OpenPositions returns copies of the open legs ordered by id.
func (m *Manager) OpenPositions() []model.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, clonePosition(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out
}

// OpenPositionsFor returns copies of one instrument's open legs ordered by id.
func (m *Manager) OpenPositionsFor(instrument string) []model.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	legs := m.openLegsLocked(instrument)
	out := make([]model.Position, 0, len(legs))
	for _, p := range legs {
		out = append(out, clonePosition(p))
	}
	return out
}

// ClosedPositions returns copies of the legs closed in this process.
func (m *Manager) ClosedPositions() []model.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Position, 0, len(m.history))
	for _, p := range m.history {
		out = append(out, clonePosition(p))
	}
	return out
}

// BasePosition returns the open base leg of an instrument.
func (m *Manager) BasePosition(instrument string) (model.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.basePositionLocked(instrument)
	if !ok {
		return model.Position{}, false
	}
	return clonePosition(p), true
}

// Pyramid returns the pyramid bookkeeping of an instrument.
func (m *Manager) Pyramid(instrument string) (model.PyramidBookkeeping, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.pyramids[instrument]
	return b, ok
}

// Equity returns closed equity and the high-watermark.
func (m *Manager) Equity() (closed, high float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closedEquity.InexactFloat64(), m.equityHigh.InexactFloat64()
}

// PyramidContext gathers the inputs the sizer needs for a new pyramid layer
// at price: base lots, profit beyond the base risk and the layer count.
func (m *Manager) PyramidContext(instrument string, price float64) (baseLots int, profitBeyondBaseRisk float64, pyramidCount int, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	base, ok := m.basePositionLocked(instrument)
	if !ok {
		return 0, 0, 0, false
	}
	inst, _ := m.instruments.Lookup(instrument)

	var pnl float64
	for _, p := range m.openLegsLocked(instrument) {
		pnl += (price - p.EntryPrice) * float64(p.Lots) * inst.PointValue
		if !p.IsBasePosition {
			pyramidCount++
		}
	}
	baseRisk := (base.EntryPrice - base.InitialStop) * float64(base.Lots) * inst.PointValue
	return base.Lots, pnl - baseRisk, pyramidCount, true
}

// Exposure returns the risk, volatility and margin amounts of one leg.
func (m *Manager) Exposure(p model.Position) (risk, vol, margin float64) {
	inst, ok := m.instruments.Lookup(p.Instrument)
	if !ok {
		return 0, 0, 0
	}
	return positionExposure(p, inst)
}

func (m *Manager) basePositionLocked(instrument string) (model.Position, bool) {
	for _, p := range m.positions {
		if p.Instrument == instrument && p.IsBasePosition {
			return p, true
		}
	}
	return model.Position{}, false
}

func (m *Manager) openLegsLocked(instrument string) []model.Position {
	out := make([]model.Position, 0)
	for _, p := range m.positions {
		if p.Instrument == instrument {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out
}

func clonePosition(p model.Position) model.Position {
	if p.Metadata != nil {
		md := *p.Metadata
		md.SyntheticLegs = append([]model.SyntheticLeg(nil), p.Metadata.SyntheticLegs...)
		if md.RolledAt != nil {
			at := *md.RolledAt
			md.RolledAt = &at
		}
		p.Metadata = &md
	}
	if p.ExitPrice != nil {
		v := *p.ExitPrice
		p.ExitPrice = &v
	}
	if p.ExitTimestamp != nil {
		v := *p.ExitTimestamp
		p.ExitTimestamp = &v
	}
	return p
}
