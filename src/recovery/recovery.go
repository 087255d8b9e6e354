package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tradingcore/src/config"
	"tradingcore/src/model"
	"tradingcore/src/portfolio"
)

// Phase of the recovery state machine.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseFetching       Phase = "fetching"
	PhaseReconstructing Phase = "reconstructing"
	PhaseValidating     Phase = "validating"
	PhaseActive         Phase = "active"
	PhaseCrashed        Phase = "crashed"
)

// Statuses published to the coordination port.
const (
	StatusRecovering = "recovering"
	StatusActive     = "active"
	StatusCrashed    = "crashed"
)

// Source is the read side of the durable store.
type Source interface {
	GetAllOpenPositions(ctx context.Context) ([]model.Position, error)
	GetPortfolioFinancials(ctx context.Context) (model.PortfolioFinancials, error)
	GetPyramidBookkeeping(ctx context.Context) ([]model.PyramidBookkeeping, error)
}

// QuoteSource refreshes unrealized P&L. Optional.
type QuoteSource interface {
	GetQuote(ctx context.Context, instrument string) (float64, error)
}

// PhaseReporter publishes the instance status to an HA registry. Optional.
type PhaseReporter interface {
	ReportPhase(ctx context.Context, status string) error
}

// FailureRecorder persists coded failures for operators. Optional.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, module, method, code string, cause error, extra map[string]interface{}) error
}

// Summary describes a successful recovery.
type Summary struct {
	Positions        int           `json:"positions"`
	Pyramids         int           `json:"pyramids"`
	ClosedEquity     float64       `json:"closed_equity"`
	EquityHigh       float64       `json:"equity_high"`
	Attempts         int           `json:"attempts"`
	QuotesRefreshed  int           `json:"quotes_refreshed"`
	OrphanedPyramids []string      `json:"orphaned_pyramids,omitempty"`
	Duration         time.Duration `json:"duration"`
}

type Option func(*Manager)

func WithQuoteSource(q QuoteSource) Option         { return func(m *Manager) { m.quotes = q } }
func WithPhaseReporter(r PhaseReporter) Option     { return func(m *Manager) { m.reporter = r } }
func WithFailureRecorder(f FailureRecorder) Option { return func(m *Manager) { m.failures = f } }

// WithSleep replaces the backoff wait, mostly for tests.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(m *Manager) { m.sleep = sleep }
}

// Manager rebuilds the portfolio from the durable store and proves it
// consistent before the engine may trade.
type Manager struct {
	cfg            config.RecoveryConfig
	instruments    config.InstrumentTable
	initialCapital float64

	source    Source
	portfolio *portfolio.Manager
	quotes    QuoteSource
	reporter  PhaseReporter
	failures  FailureRecorder
	sleep     func(context.Context, time.Duration) error
	logger    *logrus.Entry

	loadMu sync.Mutex
	mu     sync.RWMutex
	phase  Phase
}

func New(
	cfg config.RecoveryConfig,
	instruments config.InstrumentTable,
	initialCapital float64,
	source Source,
	pm *portfolio.Manager,
	logger *logrus.Entry,
	opts ...Option,
) *Manager {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	m := &Manager{
		cfg:            cfg,
		instruments:    instruments,
		initialCapital: initialCapital,
		source:         source,
		portfolio:      pm,
		sleep:          sleepCtx,
		logger:         logger.WithField("component", "recovery"),
		phase:          PhaseIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Phase returns the current state machine phase.
func (m *Manager) Phase() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

// Ready reports whether the last recovery activated the instance.
func (m *Manager) Ready() bool {
	return m.Phase() == PhaseActive
}

// Status maps the phase onto the status published to the registry.
func (m *Manager) Status() string {
	switch m.Phase() {
	case PhaseActive:
		return StatusActive
	case PhaseCrashed:
		return StatusCrashed
	default:
		return StatusRecovering
	}
}

type fetched struct {
	positions  []model.Position
	financials *model.PortfolioFinancials
	pyramids   []model.PyramidBookkeeping
}

// Load runs fetching, reconstructing and validating, then commits the
// result to the portfolio manager. On failure the portfolio is left as it
// was and the returned *Error carries DB_UNAVAILABLE, DATA_CORRUPT or
// VALIDATION_FAILED.
func (m *Manager) Load(ctx context.Context) (*Summary, error) {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	started := time.Now()
	m.report(ctx, StatusRecovering)

	m.setPhase(PhaseFetching)
	data, attempts, rerr := m.fetch(ctx)
	if rerr != nil {
		return nil, m.crash(ctx, rerr, attempts)
	}

	m.setPhase(PhaseReconstructing)
	snap, summary, rerr := m.reconstructSafe(ctx, data)
	if rerr != nil {
		return nil, m.crash(ctx, rerr, attempts)
	}
	summary.Attempts = attempts

	m.setPhase(PhaseValidating)
	if err := m.validate(snap); err != nil {
		return nil, m.crash(ctx, fail(CodeValidationFailed, err), attempts)
	}

	m.portfolio.Restore(snap)
	if err := m.portfolio.PersistSnapshot(ctx); err != nil {
		m.logger.WithError(err).Warn("recomputed snapshot not persisted, next write will retry")
	}

	summary.Duration = time.Since(started)
	m.setPhase(PhaseActive)
	m.report(ctx, StatusActive)

	m.logger.WithFields(logrus.Fields{
		"positions":     summary.Positions,
		"pyramids":      summary.Pyramids,
		"closed_equity": summary.ClosedEquity,
		"equity_high":   summary.EquityHigh,
		"attempts":      summary.Attempts,
		"duration":      summary.Duration.String(),
	}).Info("recovery complete")

	return summary, nil
}

// fetch retries transient failures with backoff between attempts. Corrupt
// records fail at once.
func (m *Manager) fetch(ctx context.Context) (fetched, int, *Error) {
	attempts := m.cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		data, err := m.fetchOnce(ctx)
		if err == nil {
			return data, attempt, nil
		}
		if errors.Is(err, model.ErrCorruptRecord) {
			return fetched{}, attempt, fail(CodeDataCorrupt, err)
		}
		last = err

		m.logger.WithFields(logrus.Fields{
			"attempt":      attempt,
			"max_attempts": attempts,
		}).WithError(err).Warn("recovery fetch failed")

		if ctx.Err() != nil {
			return fetched{}, attempt, fail(CodeDBUnavailable, fmt.Errorf("fetch cancelled: %w", ctx.Err()))
		}
		if attempt < attempts {
			if err := m.sleep(ctx, m.cfg.BackoffFor(attempt-1)); err != nil {
				return fetched{}, attempt, fail(CodeDBUnavailable, fmt.Errorf("backoff interrupted: %w", err))
			}
		}
	}
	return fetched{}, attempts, fail(CodeDBUnavailable, fmt.Errorf("giving up after %d attempts: %w", attempts, last))
}

func (m *Manager) fetchOnce(ctx context.Context) (fetched, error) {
	if m.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.FetchTimeout)
		defer cancel()
	}

	var out fetched
	positions, err := m.source.GetAllOpenPositions(ctx)
	if err != nil {
		return fetched{}, fmt.Errorf("open positions: %w", err)
	}
	out.positions = positions

	fin, err := m.source.GetPortfolioFinancials(ctx)
	switch {
	case err == nil:
		out.financials = &fin
	case errors.Is(err, model.ErrNotFound):
		m.logger.Warn("no portfolio financials stored, using initial capital")
	default:
		return fetched{}, fmt.Errorf("portfolio financials: %w", err)
	}

	pyramids, err := m.source.GetPyramidBookkeeping(ctx)
	if err != nil {
		return fetched{}, fmt.Errorf("pyramid bookkeeping: %w", err)
	}
	out.pyramids = pyramids
	return out, nil
}

// reconstructSafe turns a panic during reconstruction into DATA_CORRUPT.
func (m *Manager) reconstructSafe(ctx context.Context, data fetched) (snap portfolio.Snapshot, summary *Summary, rerr *Error) {
	defer func() {
		if r := recover(); r != nil {
			rerr = fail(CodeDataCorrupt, fmt.Errorf("reconstruction panicked: %v", r))
		}
	}()
	snap, summary = m.reconstruct(ctx, data)
	return snap, summary, nil
}

func (m *Manager) reconstruct(ctx context.Context, data fetched) (portfolio.Snapshot, *Summary) {
	summary := &Summary{}
	snap := portfolio.Snapshot{
		ClosedEquity: m.initialCapital,
		EquityHigh:   m.initialCapital,
	}
	if data.financials != nil {
		snap.ClosedEquity = data.financials.ClosedEquity
		snap.EquityHigh = data.financials.EquityHigh
		snap.FinancialsVersion = data.financials.Version
	}
	if snap.EquityHigh < snap.ClosedEquity {
		snap.EquityHigh = snap.ClosedEquity
	}

	ids := make(map[string]struct{}, len(data.positions))
	snap.Positions = make([]model.Position, 0, len(data.positions))
	for _, p := range data.positions {
		snap.Positions = append(snap.Positions, p)
		ids[p.PositionID] = struct{}{}
	}
	sort.Slice(snap.Positions, func(i, j int) bool { return snap.Positions[i].PositionID < snap.Positions[j].PositionID })

	for _, b := range data.pyramids {
		if b.BasePositionID != "" {
			if _, ok := ids[b.BasePositionID]; !ok {
				m.logger.WithFields(logrus.Fields{
					"instrument":       b.Instrument,
					"base_position_id": b.BasePositionID,
				}).Warn("pyramid bookkeeping references a missing base position")
				summary.OrphanedPyramids = append(summary.OrphanedPyramids, b.Instrument)
				b.BasePositionID = ""
			}
		}
		snap.Pyramids = append(snap.Pyramids, b)
	}

	if m.quotes != nil {
		summary.QuotesRefreshed = m.refreshUnrealized(ctx, snap.Positions)
	}

	summary.Positions = len(snap.Positions)
	summary.Pyramids = len(snap.Pyramids)
	summary.ClosedEquity = snap.ClosedEquity
	summary.EquityHigh = snap.EquityHigh
	return snap, summary
}

// refreshUnrealized marks legs to a live quote. A failed quote keeps the
// persisted P&L of that instrument.
func (m *Manager) refreshUnrealized(ctx context.Context, positions []model.Position) int {
	quotes := make(map[string]float64)
	failed := make(map[string]bool)
	refreshed := 0

	for i := range positions {
		p := &positions[i]
		inst, ok := m.instruments.Lookup(p.Instrument)
		if !ok || failed[p.Instrument] {
			continue
		}
		price, ok := quotes[p.Instrument]
		if !ok {
			q, err := m.quotes.GetQuote(ctx, p.Instrument)
			if err != nil || q <= 0 {
				failed[p.Instrument] = true
				m.logger.WithField("instrument", p.Instrument).WithError(err).
					Warn("quote unavailable, keeping persisted unrealized P&L")
				continue
			}
			quotes[p.Instrument] = q
			price = q
		}
		p.UnrealizedPnL = (price - p.EntryPrice) * float64(p.Lots) * inst.PointValue
		refreshed++
	}
	return refreshed
}

func (m *Manager) validate(snap portfolio.Snapshot) error {
	var errs []error
	bases := make(map[string]string)

	for _, p := range snap.Positions {
		if p.Lots <= 0 {
			errs = append(errs, fmt.Errorf("position %s has lots=%d", p.PositionID, p.Lots))
		}
		if p.EntryPrice <= 0 {
			errs = append(errs, fmt.Errorf("position %s has entry_price=%v", p.PositionID, p.EntryPrice))
		}
		if !m.instruments.Known(p.Instrument) {
			errs = append(errs, fmt.Errorf("position %s has unknown instrument %q", p.PositionID, p.Instrument))
		}
		if p.InitialStop <= 0 {
			errs = append(errs, fmt.Errorf("position %s has no initial stop", p.PositionID))
		}
		if p.IsBasePosition {
			if other, dup := bases[p.Instrument]; dup {
				errs = append(errs, fmt.Errorf("instrument %s has two base positions %s and %s", p.Instrument, other, p.PositionID))
			}
			bases[p.Instrument] = p.PositionID
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) crash(ctx context.Context, rerr *Error, attempts int) error {
	m.setPhase(PhaseCrashed)
	m.report(ctx, StatusCrashed)

	m.logger.WithFields(logrus.Fields{
		"code":     rerr.Code,
		"attempts": attempts,
	}).WithError(rerr.Err).Error("recovery failed, instance stays inactive")

	if m.failures != nil {
		extra := map[string]interface{}{"attempts": attempts}
		if err := m.failures.RecordFailure(context.WithoutCancel(ctx), "recovery", "Load", string(rerr.Code), rerr.Err, extra); err != nil {
			m.logger.WithError(err).Warn("recovery failure not recorded")
		}
	}
	return rerr
}

func (m *Manager) setPhase(p Phase) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
	m.logger.WithField("phase", p).Debug("recovery phase")
}

func (m *Manager) report(ctx context.Context, status string) {
	if m.reporter == nil {
		return
	}
	if err := m.reporter.ReportPhase(context.WithoutCancel(ctx), status); err != nil {
		m.logger.WithError(err).WithField("status", status).Warn("phase report failed")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
