package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tradingcore/src/config"
	"tradingcore/src/database"
	"tradingcore/src/model"
	"tradingcore/src/portfolio"
	"tradingcore/src/repository"
)

var t0 = time.Date(2025, 3, 4, 9, 30, 0, 0, time.UTC)

type fakeSource struct {
	mu sync.Mutex

	positions []model.Position
	fin       *model.PortfolioFinancials
	books     []model.PyramidBookkeeping

	// errs are returned by successive GetAllOpenPositions calls, nil entries succeed.
	errs  []error
	block bool
	calls int
}

func (s *fakeSource) GetAllOpenPositions(ctx context.Context) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.block {
		s.mu.Unlock()
		<-ctx.Done()
		s.mu.Lock()
		return nil, ctx.Err()
	}
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return append([]model.Position(nil), s.positions...), nil
}

func (s *fakeSource) GetPortfolioFinancials(context.Context) (model.PortfolioFinancials, error) {
	if s.fin == nil {
		return model.PortfolioFinancials{}, model.ErrNotFound
	}
	return *s.fin, nil
}

func (s *fakeSource) GetPyramidBookkeeping(context.Context) ([]model.PyramidBookkeeping, error) {
	return append([]model.PyramidBookkeeping(nil), s.books...), nil
}

type phaseLog struct{ statuses []string }

func (p *phaseLog) ReportPhase(_ context.Context, status string) error {
	p.statuses = append(p.statuses, status)
	return nil
}

type failureLog struct{ codes []string }

func (f *failureLog) RecordFailure(_ context.Context, module, method, code string, _ error, _ map[string]interface{}) error {
	f.codes = append(f.codes, module+"."+method+":"+code)
	return nil
}

type quoteFunc func(ctx context.Context, instrument string) (float64, error)

func (f quoteFunc) GetQuote(ctx context.Context, instrument string) (float64, error) {
	return f(ctx, instrument)
}

type harness struct {
	rec      *Manager
	pm       *portfolio.Manager
	phases   *phaseLog
	failures *failureLog
	sleeps   []time.Duration
	hook     *logrustest.Hook
}

func newHarness(t *testing.T, src Source, store portfolio.Store, opts ...Option) *harness {
	t.Helper()
	cfg := config.Default()
	log, hook := logrustest.NewNullLogger()
	entry := logrus.NewEntry(log)

	h := &harness{phases: &phaseLog{}, failures: &failureLog{}, hook: hook}
	h.pm = portfolio.NewManager(cfg.Portfolio, cfg.Instruments.Table(), store, nil, entry)

	all := []Option{
		WithPhaseReporter(h.phases),
		WithFailureRecorder(h.failures),
		WithSleep(func(_ context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return nil
		}),
	}
	h.rec = New(cfg.Recovery, cfg.Instruments.Table(), cfg.Portfolio.InitialCapital, src, h.pm, entry, append(all, opts...)...)
	return h
}

func leg(instrument, slot string, entry, stop float64, lots int, base bool) model.Position {
	return model.Position{
		PositionID:     model.PositionIDFor(instrument, slot),
		Instrument:     instrument,
		EntryTimestamp: t0,
		EntryPrice:     entry,
		Lots:           lots,
		Quantity:       lots * 30,
		InitialStop:    stop,
		CurrentStop:    stop,
		HighestClose:   entry,
		ATR:            350,
		Status:         model.PositionStatusOpen,
		IsBasePosition: base,
		Version:        1,
	}
}

func bankNiftyBook() *fakeSource {
	return &fakeSource{
		positions: []model.Position{
			leg(config.BankNifty, "Long_1", 52000, 51650, 2, true),
			leg(config.BankNifty, "Long_2", 52800, 52450, 1, false),
		},
		fin: &model.PortfolioFinancials{ID: 1, ClosedEquity: 5_100_000, EquityHigh: 5_200_000, Version: 7},
		books: []model.PyramidBookkeeping{{
			Instrument:       config.BankNifty,
			LastPyramidPrice: 52800,
			BasePositionID:   "BANK_NIFTY_Long_1",
			PyramidCount:     1,
			Version:          2,
		}},
	}
}

func TestLoad_RestoresPortfolio(t *testing.T) {
	h := newHarness(t, bankNiftyBook(), nil)

	summary, err := h.rec.Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Positions)
	assert.Equal(t, 1, summary.Pyramids)
	assert.Equal(t, 1, summary.Attempts)
	assert.Empty(t, summary.OrphanedPyramids)
	assert.Equal(t, PhaseActive, h.rec.Phase())
	assert.True(t, h.rec.Ready())
	assert.Equal(t, StatusActive, h.rec.Status())
	assert.Equal(t, []string{StatusRecovering, StatusActive}, h.phases.statuses)
	assert.Empty(t, h.failures.codes)
	assert.Empty(t, h.sleeps)

	closed, high := h.pm.Equity()
	assert.InDelta(t, 5_100_000, closed, 1e-6)
	assert.InDelta(t, 5_200_000, high, 1e-6)

	book, ok := h.pm.Pyramid(config.BankNifty)
	require.True(t, ok)
	assert.Equal(t, "BANK_NIFTY_Long_1", book.BasePositionID)
	assert.Equal(t, 52800.0, book.LastPyramidPrice)

	st := h.pm.GetCurrentState(t0)
	assert.Len(t, st.Positions, 2)
	// (52000-51650)*2*35 + (52800-52450)*1*35
	assert.InDelta(t, 36750, st.TotalRiskAmount, 1e-6)
}

func TestLoad_MissingFinancialsUsesInitialCapital(t *testing.T) {
	src := bankNiftyBook()
	src.fin = nil
	h := newHarness(t, src, nil)

	summary, err := h.rec.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5_000_000.0, summary.ClosedEquity)
	assert.Equal(t, 5_000_000.0, summary.EquityHigh)
}

func TestLoad_ValidationFailure(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *model.Position)
	}{
		{name: "zero lots", mutate: func(p *model.Position) { p.Lots = 0 }},
		{name: "zero entry price", mutate: func(p *model.Position) { p.EntryPrice = 0 }},
		{name: "unknown instrument", mutate: func(p *model.Position) { p.Instrument = "CRUDE" }},
		{name: "missing initial stop", mutate: func(p *model.Position) { p.InitialStop = 0 }},
		{name: "second base leg", mutate: func(p *model.Position) { p.IsBasePosition = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := bankNiftyBook()
			tt.mutate(&src.positions[1])
			h := newHarness(t, src, nil)

			summary, err := h.rec.Load(context.Background())
			require.Error(t, err)
			assert.Nil(t, summary)
			assert.True(t, errors.Is(err, ErrValidationFailed))
			assert.False(t, errors.Is(err, ErrDBUnavailable))

			var rerr *Error
			require.True(t, errors.As(err, &rerr))
			assert.Equal(t, CodeValidationFailed, rerr.Code)

			assert.Equal(t, PhaseCrashed, h.rec.Phase())
			assert.False(t, h.rec.Ready())
			assert.Equal(t, StatusCrashed, h.rec.Status())
			assert.Equal(t, []string{StatusRecovering, StatusCrashed}, h.phases.statuses)
			assert.Equal(t, []string{"recovery.Load:VALIDATION_FAILED"}, h.failures.codes)
			assert.Empty(t, h.pm.OpenPositions(), "portfolio must stay untouched")
		})
	}
}

func TestLoad_TransientErrorsExhaustRetries(t *testing.T) {
	down := errors.New("dial tcp 10.0.0.5:5432: connect: connection refused")
	src := bankNiftyBook()
	src.errs = []error{down, down, down}
	h := newHarness(t, src, nil)

	_, err := h.rec.Load(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDBUnavailable))
	assert.True(t, errors.Is(err, down))
	assert.Equal(t, 3, src.calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sleeps)
	assert.Equal(t, []string{"recovery.Load:DB_UNAVAILABLE"}, h.failures.codes)
	assert.Equal(t, PhaseCrashed, h.rec.Phase())
}

func TestLoad_TransientErrorThenSuccess(t *testing.T) {
	src := bankNiftyBook()
	src.errs = []error{errors.New("connection reset by peer"), nil}
	h := newHarness(t, src, nil)

	summary, err := h.rec.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Attempts)
	assert.Equal(t, []time.Duration{time.Second}, h.sleeps)
	assert.True(t, h.rec.Ready())
}

func TestLoad_CorruptRecordIsNotRetried(t *testing.T) {
	src := bankNiftyBook()
	src.errs = []error{fmt.Errorf("position BANK_NIFTY_Long_1: %w", model.ErrCorruptRecord)}
	h := newHarness(t, src, nil)

	_, err := h.rec.Load(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDataCorrupt))
	assert.True(t, errors.Is(err, model.ErrCorruptRecord))
	assert.Equal(t, 1, src.calls)
	assert.Empty(t, h.sleeps)
}

func TestLoad_FetchTimeoutCountsAsTransient(t *testing.T) {
	src := bankNiftyBook()
	src.block = true
	h := newHarness(t, src, nil)
	h.rec.cfg.FetchTimeout = 5 * time.Millisecond

	_, err := h.rec.Load(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDBUnavailable))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 3, src.calls)
}

func TestLoad_CancelledContextStopsRetrying(t *testing.T) {
	src := bankNiftyBook()
	src.errs = []error{errors.New("connection refused")}
	h := newHarness(t, src, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.rec.Load(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDBUnavailable))
	assert.Equal(t, 1, src.calls)
}

func TestLoad_PanicDuringReconstructionIsCorrupt(t *testing.T) {
	boom := quoteFunc(func(context.Context, string) (float64, error) {
		var m map[string]float64
		m["x"] = 1
		return 0, nil
	})
	h := newHarness(t, bankNiftyBook(), nil, WithQuoteSource(boom))

	_, err := h.rec.Load(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDataCorrupt))
	assert.Contains(t, err.Error(), "reconstruction panicked")
	assert.Empty(t, h.pm.OpenPositions())
}

func TestLoad_OrphanedPyramidIsTolerated(t *testing.T) {
	src := bankNiftyBook()
	src.positions = []model.Position{leg(config.GoldMini, "Long_1", 72000, 71500, 3, true)}
	h := newHarness(t, src, nil)

	summary, err := h.rec.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{config.BankNifty}, summary.OrphanedPyramids)

	book, ok := h.pm.Pyramid(config.BankNifty)
	require.True(t, ok)
	assert.Empty(t, book.BasePositionID)
	assert.Equal(t, 52800.0, book.LastPyramidPrice)

	var warned bool
	for _, e := range h.hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "pyramid bookkeeping references a missing base position" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestLoad_RefreshesUnrealizedFromQuotes(t *testing.T) {
	quotes := quoteFunc(func(_ context.Context, instrument string) (float64, error) {
		if instrument == config.BankNifty {
			return 53000, nil
		}
		return 0, errors.New("no quote")
	})
	src := bankNiftyBook()
	gold := leg(config.GoldMini, "Long_1", 72000, 71500, 3, true)
	gold.UnrealizedPnL = 1234
	src.positions = append(src.positions, gold)
	h := newHarness(t, src, nil, WithQuoteSource(quotes))

	summary, err := h.rec.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.QuotesRefreshed)

	base, ok := h.pm.Position("BANK_NIFTY_Long_1")
	require.True(t, ok)
	assert.InDelta(t, 70000, base.UnrealizedPnL, 1e-6)

	pyr, ok := h.pm.Position("BANK_NIFTY_Long_2")
	require.True(t, ok)
	assert.InDelta(t, 7000, pyr.UnrealizedPnL, 1e-6)

	g, ok := h.pm.Position("GOLD_MINI_Long_1")
	require.True(t, ok)
	assert.Equal(t, 1234.0, g.UnrealizedPnL)
}

func newSQLiteStore(t *testing.T) *repository.PortfolioStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db, 5_000_000))
	return repository.NewPortfolioStore(db)
}

func TestLoad_IdempotentAgainstDurableStore(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	for _, p := range bankNiftyBook().positions {
		p.Version = 0
		_, err := store.SavePosition(ctx, p)
		require.NoError(t, err)
	}
	_, err := store.SavePyramidBookkeeping(ctx, model.PyramidBookkeeping{
		Instrument:       config.BankNifty,
		LastPyramidPrice: 52800,
		BasePositionID:   "BANK_NIFTY_Long_1",
		PyramidCount:     1,
	})
	require.NoError(t, err)

	first := newHarness(t, store, store)
	_, err = first.rec.Load(ctx)
	require.NoError(t, err)

	second := newHarness(t, store, store)
	_, err = second.rec.Load(ctx)
	require.NoError(t, err)

	assert.Equal(t, first.pm.OpenPositions(), second.pm.OpenPositions())
	assert.Equal(t, first.pm.GetCurrentState(t0), second.pm.GetCurrentState(t0))

	fin, err := store.GetPortfolioFinancials(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), fin.Version, "each recovery rewrites the aggregate row")
	assert.Equal(t, 2, fin.OpenPositionCount)
	assert.InDelta(t, 36750, fin.TotalRiskAmount, 1e-6)
}
