package portfolio

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradingcore/src/config"
	"tradingcore/src/model"
)

var t0 = time.Date(2025, 3, 4, 9, 30, 0, 0, time.UTC)

type memStore struct {
	mu sync.Mutex

	positions map[string]model.Position
	fin       *model.PortfolioFinancials
	books     map[string]model.PyramidBookkeeping

	// positionConflicts makes the next n SavePosition calls lose the race
	// against a simulated second writer.
	positionConflicts int
	saveErr           error
}

func newMemStore() *memStore {
	return &memStore{
		positions: map[string]model.Position{},
		books:     map[string]model.PyramidBookkeeping{},
	}
}

func (s *memStore) SavePosition(_ context.Context, p model.Position) (model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return model.Position{}, s.saveErr
	}
	cur, exists := s.positions[p.PositionID]
	if s.positionConflicts > 0 {
		s.positionConflicts--
		if !exists {
			cur = p
		}
		cur.Version++
		s.positions[p.PositionID] = cur
		return model.Position{}, model.ErrVersionConflict
	}
	if exists && cur.Version != p.Version {
		return model.Position{}, model.ErrVersionConflict
	}
	p.Version++
	s.positions[p.PositionID] = p
	return p, nil
}

func (s *memStore) GetPosition(_ context.Context, id string) (model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return model.Position{}, model.ErrNotFound
	}
	return p, nil
}

func (s *memStore) GetAllOpenPositions(_ context.Context) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Position
	for _, p := range s.positions {
		if p.IsOpen() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) SavePortfolioFinancials(_ context.Context, f model.PortfolioFinancials) (model.PortfolioFinancials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fin != nil && s.fin.Version != f.Version {
		return model.PortfolioFinancials{}, model.ErrVersionConflict
	}
	f.Version++
	s.fin = &f
	return f, nil
}

func (s *memStore) GetPortfolioFinancials(_ context.Context) (model.PortfolioFinancials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fin == nil {
		return model.PortfolioFinancials{}, model.ErrNotFound
	}
	return *s.fin, nil
}

func (s *memStore) SavePyramidBookkeeping(_ context.Context, b model.PyramidBookkeeping) (model.PyramidBookkeeping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.books[b.Instrument]; ok && cur.Version != b.Version {
		return model.PyramidBookkeeping{}, model.ErrVersionConflict
	}
	b.Version++
	s.books[b.Instrument] = b
	return b, nil
}

func (s *memStore) GetPyramidBookkeeping(_ context.Context) ([]model.PyramidBookkeeping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PyramidBookkeeping
	for _, b := range s.books {
		out = append(out, b)
	}
	return out, nil
}

type tradeSink struct {
	mu     sync.Mutex
	trades []model.ClosedTrade
}

func (s *tradeSink) RecordClosedTrade(_ context.Context, trade model.ClosedTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, trade)
	return nil
}

func newTestManager(t *testing.T, mode model.EquityMode) (*Manager, *memStore, *tradeSink, *logrustest.Hook) {
	t.Helper()
	cfg := config.Default()
	cfg.Portfolio.EquityMode = mode
	logger, hook := logrustest.NewNullLogger()
	store := newMemStore()
	sink := &tradeSink{}
	m := NewManager(cfg.Portfolio, cfg.Instruments.Table(), store, sink, logrus.NewEntry(logger))
	m.now = func() time.Time { return t0 }
	return m, store, sink, hook
}

func bnLeg(slot string, entry, stop float64, lots int, base bool) model.Position {
	return model.Position{
		PositionID:     model.PositionIDFor(config.BankNifty, slot),
		Instrument:     config.BankNifty,
		EntryTimestamp: t0,
		EntryPrice:     entry,
		InitialStop:    stop,
		Lots:           lots,
		ATR:            350,
		IsBasePosition: base,
	}
}

func TestGetCurrentState_Aggregates(t *testing.T) {
	m, _, _, _ := newTestManager(t, model.EquityBlended)
	ctx := context.Background()

	require.NoError(t, m.AddPosition(ctx, bnLeg("Long_1", 52000, 51650, 2, true)))

	st := m.GetCurrentState(t0)
	assert.Equal(t, 5_000_000.0, st.Equity())
	assert.InDelta(t, 24_500, st.TotalRiskAmount, 1e-6)
	assert.InDelta(t, 0.49, st.TotalRiskPercent, 1e-9)
	assert.InDelta(t, 24_500, st.TotalVolAmount, 1e-6)
	assert.InDelta(t, 540_000, st.MarginUsed, 1e-6)
	assert.InDelta(t, 4_460_000, st.MarginAvailable, 1e-6)
	assert.InDelta(t, 10.8, st.MarginUtilization, 1e-9)
	assert.Equal(t, 1, st.Instruments[config.BankNifty].OpenLegs)
	assert.Equal(t, 2, st.Instruments[config.BankNifty].Lots)

	require.NoError(t, m.UpdateMarket(ctx, "BANK_NIFTY_Long_1", 53000))

	st = m.GetCurrentState(t0)
	assert.InDelta(t, 70_000, st.TotalUnrealizedPnL, 1e-6)
	assert.InDelta(t, 5_070_000, st.OpenEquity, 1e-6)
	assert.InDelta(t, 5_035_000, st.BlendedEquity, 1e-6)
	assert.Equal(t, 0.0, st.TotalRiskAmount, "stop trailed above entry")

	p, ok := m.Position("BANK_NIFTY_Long_1")
	require.True(t, ok)
	assert.Equal(t, 52300.0, p.CurrentStop)
	assert.Equal(t, 53000.0, p.HighestClose)
}

func TestGetCurrentState_EquityModes(t *testing.T) {
	for _, mode := range []model.EquityMode{model.EquityClosed, model.EquityOpen, model.EquityBlended} {
		t.Run(string(mode), func(t *testing.T) {
			m, _, _, _ := newTestManager(t, mode)
			ctx := context.Background()
			require.NoError(t, m.AddPosition(ctx, bnLeg("Long_1", 52000, 51000, 4, true)))
			require.NoError(t, m.UpdateMarket(ctx, "BANK_NIFTY_Long_1", 51500)) // -70,000 unrealized

			st := m.GetCurrentState(t0)
			want := map[model.EquityMode]float64{
				model.EquityClosed:  5_000_000,
				model.EquityOpen:    4_930_000,
				model.EquityBlended: 4_965_000,
			}[mode]
			assert.InDelta(t, want, st.Equity(), 1e-6)
			assert.InDelta(t, st.TotalRiskAmount/want*100, st.TotalRiskPercent, 1e-9)
		})
	}
}

func TestAddPosition_Rejections(t *testing.T) {
	m, _, _, _ := newTestManager(t, model.EquityClosed)
	ctx := context.Background()

	err := m.AddPosition(ctx, bnLeg("Long_2", 52000, 51650, 1, false))
	assert.ErrorIs(t, err, ErrNoBasePosition)

	err = m.AddPosition(ctx, bnLeg("Long_1", 52000, 51650, 0, true))
	assert.ErrorIs(t, err, ErrInvalidPosition)

	unknown := bnLeg("Long_1", 100, 90, 1, true)
	unknown.Instrument = "CRUDE"
	assert.ErrorIs(t, m.AddPosition(ctx, unknown), ErrInvalidPosition)

	require.NoError(t, m.AddPosition(ctx, bnLeg("Long_1", 52000, 51650, 1, true)))
	assert.ErrorIs(t, m.AddPosition(ctx, bnLeg("Long_1", 52100, 51650, 1, true)), ErrDuplicatePosition)
	assert.ErrorIs(t, m.AddPosition(ctx, bnLeg("Long_9", 52100, 51650, 1, true)), ErrBaseExists)

	assert.Len(t, m.OpenPositions(), 1)
}

func TestAddPosition_PersistsAndTracksPyramids(t *testing.T) {
	m, store, _, _ := newTestManager(t, model.EquityClosed)
	ctx := context.Background()

	require.NoError(t, m.AddPosition(ctx, bnLeg("Long_1", 52000, 51650, 10, true)))
	require.NoError(t, m.AddPosition(ctx, bnLeg("Long_2", 52800, 52400, 5, false)))

	book, ok := m.Pyramid(config.BankNifty)
	require.True(t, ok)
	assert.Equal(t, "BANK_NIFTY_Long_1", book.BasePositionID)
	assert.Equal(t, 1, book.PyramidCount)
	assert.Equal(t, 52800.0, book.LastPyramidPrice)

	stored, err := store.GetPosition(ctx, "BANK_NIFTY_Long_2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, 5*35, stored.Quantity)
	assert.Equal(t, model.PositionStatusOpen, stored.Status)

	fin, err := store.GetPortfolioFinancials(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, fin.OpenPositionCount)
	assert.Equal(t, int64(2), fin.Version)

	baseLots, profitBeyond, count, ok := m.PyramidContext(config.BankNifty, 53000)
	require.True(t, ok)
	assert.Equal(t, 10, baseLots)
	assert.Equal(t, 1, count)
	// (1000×10 + 200×5)×35 - 350×10×35
	assert.InDelta(t, 385_000-122_500, profitBeyond, 1e-6)
}

func TestClosePosition(t *testing.T) {
	m, store, sink, hook := newTestManager(t, model.EquityClosed)
	ctx := context.Background()

	require.NoError(t, m.AddPosition(ctx, bnLeg("Long_1", 52000, 51650, 2, true)))

	pnl := m.ClosePosition(ctx, "BANK_NIFTY_Long_1", 53000, t0.Add(time.Hour))
	assert.InDelta(t, 70_000, pnl, 1e-9)

	closed, high := m.Equity()
	assert.InDelta(t, 5_070_000, closed, 1e-6)
	assert.InDelta(t, 5_070_000, high, 1e-6)
	assert.Empty(t, m.OpenPositions())
	require.Len(t, m.ClosedPositions(), 1)
	assert.Equal(t, model.PositionStatusClosed, m.ClosedPositions()[0].Status)

	require.Len(t, sink.trades, 1)
	assert.Equal(t, model.DirectionLong, sink.trades[0].Direction)
	assert.InDelta(t, 70_000, sink.trades[0].RealizedPnL, 1e-9)

	stored, err := store.GetPosition(ctx, "BANK_NIFTY_Long_1")
	require.NoError(t, err)
	assert.Equal(t, model.PositionStatusClosed, stored.Status)
	require.NotNil(t, stored.ExitPrice)
	assert.Equal(t, 53000.0, *stored.ExitPrice)

	book, _ := m.Pyramid(config.BankNifty)
	assert.Empty(t, book.BasePositionID)

	// same slot opens again after the close
	require.NoError(t, m.AddPosition(ctx, bnLeg("Long_1", 53500, 53000, 1, true)))

	hook.Reset()
	assert.Equal(t, 0.0, m.ClosePosition(ctx, "BANK_NIFTY_Long_7", 1, t0))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestClosePosition_WatermarkMonotonic(t *testing.T) {
	m, _, _, _ := newTestManager(t, model.EquityClosed)
	ctx := context.Background()
	rnd := rand.New(rand.NewSource(3))

	_, prevHigh := m.Equity()
	for i := 0; i < 200; i++ {
		require.NoError(t, m.AddPosition(ctx, bnLeg("Long_1", 50000, 49000, 1+rnd.Intn(5), true)))
		exit := 48000 + rnd.Float64()*4000
		m.ClosePosition(ctx, "BANK_NIFTY_Long_1", exit, t0)

		closed, high := m.Equity()
		require.GreaterOrEqual(t, high, prevHigh)
		require.GreaterOrEqual(t, high, closed)
		prevHigh = high
	}
}

func TestUpdateMarket_StopNeverLowers(t *testing.T) {
	m, _, _, _ := newTestManager(t, model.EquityClosed)
	ctx := context.Background()
	rnd := rand.New(rand.NewSource(5))

	require.NoError(t, m.AddPosition(ctx, bnLeg("Long_1", 50000, 49300, 3, true)))
	prev := 49300.0
	for i := 0; i < 300; i++ {
		require.NoError(t, m.UpdateMarket(ctx, "BANK_NIFTY_Long_1", 47000+rnd.Float64()*8000))
		p, _ := m.Position("BANK_NIFTY_Long_1")
		require.GreaterOrEqual(t, p.CurrentStop, prev)
		prev = p.CurrentStop
	}

	assert.ErrorIs(t, m.UpdateMarket(ctx, "BANK_NIFTY_Long_5", 50000), ErrUnknownPosition)
}

func TestCheckPortfolioGate_Symmetry(t *testing.T) {
	m, _, _, _ := newTestManager(t, model.EquityBlended)
	ctx := context.Background()
	require.NoError(t, m.AddPosition(ctx, bnLeg("Long_1", 52000, 51000, 20, true))) // 700,000 risk = 14%

	st := m.GetCurrentState(t0)
	equity := st.Equity()
	rnd := rand.New(rand.NewSource(9))

	for i := 0; i < 2000; i++ {
		risk := rnd.Float64() * 100_000
		allowed, reason := m.CheckPortfolioGate(risk, 0)
		want := st.TotalRiskPercent+risk/equity*100 <= 15
		require.Equal(t, want, allowed, "risk=%v reason=%s", risk, reason)

		vol := rnd.Float64() * 10_000
		allowed, reason = m.CheckPortfolioGate(0, vol)
		want = st.TotalVolPercent+vol/equity*100 <= 5
		require.Equal(t, want, allowed, "vol=%v reason=%s", vol, reason)
	}

	ok, reason := m.CheckPortfolioGate(60_000, 0)
	assert.False(t, ok)
	assert.Contains(t, reason, "portfolio_risk_")
}

func TestPersistence_RetriesVersionConflict(t *testing.T) {
	m, store, _, hook := newTestManager(t, model.EquityClosed)
	ctx := context.Background()
	require.NoError(t, m.AddPosition(ctx, bnLeg("Long_1", 52000, 51650, 2, true)))

	store.positionConflicts = 1
	require.NoError(t, m.UpdateMarket(ctx, "BANK_NIFTY_Long_1", 52500))

	stored, err := store.GetPosition(ctx, "BANK_NIFTY_Long_1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.Version)
	assert.InDelta(t, 500*2*35.0, stored.UnrealizedPnL, 1e-9)

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Message == "position version conflict, retrying" {
			warned = true
		}
	}
	assert.True(t, warned)

	store.positionConflicts = maxSaveAttempts
	err = m.UpdateMarket(ctx, "BANK_NIFTY_Long_1", 52600)
	assert.ErrorIs(t, err, model.ErrVersionConflict)
}

func TestPersistence_FinancialsConflictKeepsOtherWriter(t *testing.T) {
	tests := []struct {
		name        string
		otherClosed float64
		otherHigh   float64
		wantClosed  float64
		wantHigh    float64
	}{
		{name: "other writer gained", otherClosed: 6_000_000, otherHigh: 6_000_000, wantClosed: 6_007_000, wantHigh: 6_007_000},
		{name: "other writer lost from a higher peak", otherClosed: 4_900_000, otherHigh: 6_000_000, wantClosed: 4_907_000, wantHigh: 6_000_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, store, _, _ := newTestManager(t, model.EquityClosed)
			ctx := context.Background()
			require.NoError(t, m.AddPosition(ctx, bnLeg("Long_1", 52000, 51650, 2, true)))

			// another instance writes the row after our last sync
			other, err := store.GetPortfolioFinancials(ctx)
			require.NoError(t, err)
			other.ClosedEquity = tt.otherClosed
			other.EquityHigh = tt.otherHigh
			_, err = store.SavePortfolioFinancials(ctx, other)
			require.NoError(t, err)

			// (52100-52000)*2*35
			pnl := m.ClosePosition(ctx, "BANK_NIFTY_Long_1", 52100, t0)
			assert.InDelta(t, 7000, pnl, 1e-9)

			stored, err := store.GetPortfolioFinancials(ctx)
			require.NoError(t, err)
			assert.InDelta(t, tt.wantClosed, stored.ClosedEquity, 1e-6)
			assert.InDelta(t, tt.wantHigh, stored.EquityHigh, 1e-6)
			assert.GreaterOrEqual(t, stored.EquityHigh, tt.otherHigh)

			closed, high := m.Equity()
			assert.InDelta(t, tt.wantClosed, closed, 1e-6)
			assert.InDelta(t, tt.wantHigh, high, 1e-6)
		})
	}
}

func TestAddPosition_PersistFailureKeepsLeg(t *testing.T) {
	m, store, _, _ := newTestManager(t, model.EquityClosed)
	store.saveErr = errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")

	err := m.AddPosition(context.Background(), bnLeg("Long_1", 52000, 51650, 2, true))
	require.Error(t, err)
	_, ok := m.Position("BANK_NIFTY_Long_1")
	assert.True(t, ok)
}

func TestRestore(t *testing.T) {
	m, _, _, _ := newTestManager(t, model.EquityClosed)

	base := bnLeg("Long_1", 52000, 51650, 2, true)
	base.Status = model.PositionStatusOpen
	base.CurrentStop = 51650
	base.Version = 4

	m.Restore(Snapshot{
		Positions:         []model.Position{base},
		ClosedEquity:      5_100_000,
		EquityHigh:        5_200_000,
		FinancialsVersion: 9,
		Pyramids:          []model.PyramidBookkeeping{{Instrument: config.BankNifty, BasePositionID: base.PositionID, Version: 2}},
	})

	st := m.GetCurrentState(t0)
	assert.Equal(t, 5_100_000.0, st.ClosedEquity)
	assert.Equal(t, 5_200_000.0, st.EquityHigh)
	assert.Len(t, st.Positions, 1)
	got, ok := m.BasePosition(config.BankNifty)
	require.True(t, ok)
	assert.Equal(t, int64(4), got.Version)
}

func TestManager_ConcurrentAccess(t *testing.T) {
	m, _, _, _ := newTestManager(t, model.EquityBlended)
	ctx := context.Background()
	require.NoError(t, m.AddPosition(ctx, bnLeg("Long_1", 52000, 51650, 2, true)))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if i%2 == 0 {
					_ = m.UpdateMarket(ctx, "BANK_NIFTY_Long_1", 52000+float64(j))
				} else {
					st := m.GetCurrentState(t0)
					_ = st.Equity()
					m.CheckPortfolioGate(1000, 1000)
				}
			}
		}(i)
	}
	wg.Wait()

	p, ok := m.Position("BANK_NIFTY_Long_1")
	require.True(t, ok)
	assert.GreaterOrEqual(t, p.CurrentStop, 51650.0)
}
