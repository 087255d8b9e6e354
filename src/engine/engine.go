package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tradingcore/src/config"
	"tradingcore/src/connectors"
	"tradingcore/src/externalmodel"
	"tradingcore/src/metrics"
	"tradingcore/src/model"
	"tradingcore/src/portfolio"
	"tradingcore/src/recovery"
	"tradingcore/src/risk"
	"tradingcore/src/validator"
)

const (
	StatusExecuted = "executed"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
)

const (
	StageRecovery   = "recovery"
	StageMapping    = "mapping"
	StageConditions = "conditions"
	StageQuote      = "quote"
	StageExecution  = "execution"
	StageSizing     = "sizing"
	StageGate       = "portfolio_gate"
	StageOrder      = "order"
	StagePortfolio  = "portfolio"
)

// Outcome is the result of one signal run through the pipeline.
type Outcome struct {
	Status      string                   `json:"status"`
	Stage       string                   `json:"stage"`
	Reason      string                   `json:"reason,omitempty"`
	Lots        int                      `json:"lots"`
	FillPrice   float64                  `json:"fill_price,omitempty"`
	RealizedPnL float64                  `json:"realized_pnl,omitempty"`
	PositionIDs []string                 `json:"position_ids,omitempty"`
	Warnings    []string                 `json:"warnings,omitempty"`
	Sizing      *model.SizingConstraints `json:"sizing,omitempty"`
}

// Broker quotes prices and fills orders.
type Broker interface {
	GetQuote(ctx context.Context, instrument string) (float64, error)
	PlaceOrder(ctx context.Context, req connectors.OrderRequest) (connectors.OrderResult, error)
}

// SignalSource is the incremental signal feed.
type SignalSource interface {
	LatestID(ctx context.Context) (uint, error)
	FindAfterID(ctx context.Context, lastID uint, limit int) ([]externalmodel.TradeSignal, error)
}

type SignalLogger interface {
	Create(ctx context.Context, entry *model.SignalLog) error
}

// Readiness is satisfied by the recovery manager.
type Readiness interface {
	Ready() bool
}

// Reloader rebuilds the portfolio from the durable store. Satisfied by the
// recovery manager.
type Reloader interface {
	Load(ctx context.Context) (*recovery.Summary, error)
}

// Leader is satisfied by the coordination registry.
type Leader interface {
	AcquireLeadership(ctx context.Context) (bool, error)
}

// FailureRecorder persists coded failures for operators.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, module, method, code string, cause error, extra map[string]interface{}) error
}

// Deps wires the engine. Reloader, Signals, Logs, Leader, Failures and
// Metrics are optional.
type Deps struct {
	Config      config.EngineConfig
	Instruments config.InstrumentTable
	Validator   *validator.Validator
	Sizer       *risk.Sizer
	Portfolio   *portfolio.Manager
	Recovery    Readiness
	Reloader    Reloader
	Broker      Broker
	Signals     SignalSource
	Logs        SignalLogger
	Leader      Leader
	Failures    FailureRecorder
	Metrics     *metrics.Metrics
	Logger      *logrus.Entry
}

// Engine runs signals through validation, sizing, the portfolio gate and the
// broker, and keeps open positions marked to market.
type Engine struct {
	cfg         config.EngineConfig
	instruments config.InstrumentTable
	validator   *validator.Validator
	sizer       *risk.Sizer
	portfolio   *portfolio.Manager
	recovery    Readiness
	reloader    Reloader
	broker      Broker
	signals     SignalSource
	logs        SignalLogger
	leader      Leader
	failures    FailureRecorder
	metrics     *metrics.Metrics
	logger      *logrus.Entry
	instanceID  string
	now         func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(d Deps) *Engine {
	logger := d.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	id := d.Config.InstanceID
	if id == "" {
		id = uuid.NewString()
	}
	if d.Config.Workers <= 0 {
		d.Config.Workers = 1
	}
	return &Engine{
		cfg:         d.Config,
		instruments: d.Instruments,
		validator:   d.Validator,
		sizer:       d.Sizer,
		portfolio:   d.Portfolio,
		recovery:    d.Recovery,
		reloader:    d.Reloader,
		broker:      d.Broker,
		signals:     d.Signals,
		logs:        d.Logs,
		leader:      d.Leader,
		failures:    d.Failures,
		metrics:     d.Metrics,
		logger:      logger.WithFields(logrus.Fields{"component": "engine", "instance_id": id}),
		instanceID:  id,
		now:         time.Now,
		locks:       make(map[string]*sync.Mutex),
	}
}

func (e *Engine) InstanceID() string { return e.instanceID }

// lockInstrument serializes signals of one instrument.
func (e *Engine) lockInstrument(instrument string) func() {
	e.locksMu.Lock()
	mu, ok := e.locks[instrument]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[instrument] = mu
	}
	e.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}
