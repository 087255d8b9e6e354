package executors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"tradingcore/src/breaker"
	"tradingcore/src/config"
	"tradingcore/src/connectors"
	"tradingcore/src/coordination"
	"tradingcore/src/database"
	"tradingcore/src/engine"
	"tradingcore/src/metrics"
	"tradingcore/src/portfolio"
	"tradingcore/src/recovery"
	"tradingcore/src/repository"
	"tradingcore/src/risk"
	"tradingcore/src/server"
	"tradingcore/src/validator"
)

// CodeOK labels a successful recovery in metrics.
const CodeOK = "OK"

// Executor owns every long-lived component of one trading core instance.
type Executor struct {
	cfg    config.Config
	logger *logrus.Entry

	mainDB    *gorm.DB
	signalsDB *gorm.DB
	redis     *redis.Client

	Metrics   *metrics.Metrics
	Portfolio *portfolio.Manager
	Recovery  *recovery.Manager
	Engine    *engine.Engine

	registry   *coordination.Registry
	stream     *connectors.QuoteStream
	trades     *repository.TradeHistoryRepository
	signalLogs *repository.SignalLogRepository
}

// streamingBroker quotes from the websocket cache and orders over REST.
type streamingBroker struct {
	*connectors.BrokerClient
	quotes *connectors.StreamingQuotes
}

func (b streamingBroker) GetQuote(ctx context.Context, instrument string) (float64, error) {
	return b.quotes.GetQuote(ctx, instrument)
}

// New opens the databases and wires the components. Nothing runs until
// Recover or Run is called.
func New(cfg config.Config, logger *logrus.Entry) (*Executor, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Engine.InstanceID == "" {
		cfg.Engine.InstanceID = uuid.NewString()
	}
	logger = logger.WithField("instance_id", cfg.Engine.InstanceID)

	mainDB, err := database.InitMainDB(cfg.Database, cfg.Portfolio.InitialCapital, logger)
	if err != nil {
		return nil, err
	}
	x := &Executor{
		cfg:        cfg,
		logger:     logger,
		mainDB:     mainDB,
		Metrics:    metrics.New(),
		trades:     repository.NewTradeHistoryRepository(mainDB),
		signalLogs: repository.NewSignalLogRepository(mainDB),
	}

	signalsDB, err := database.InitReadOnlyDB(cfg.Database, logger)
	if err != nil {
		_ = x.Close()
		return nil, err
	}
	x.signalsDB = signalsDB

	table := cfg.Instruments.Table()
	store := repository.NewPortfolioStore(mainDB)
	exceptions := repository.NewExceptionRepository(mainDB)

	x.Portfolio = portfolio.NewManager(cfg.Portfolio, table, store, x.trades, logger)

	br := breaker.New(cfg.Breaker, logger, breaker.WithStateListener(x.Metrics.BreakerChanged))
	client := connectors.NewBrokerClient(cfg.Broker, br, logger)
	var broker engine.Broker = client
	if cfg.Broker.WSURL != "" {
		instruments := make([]string, 0, len(table))
		for name := range table {
			instruments = append(instruments, name)
		}
		x.stream = connectors.NewQuoteStream(cfg.Broker.WSURL, instruments, logger)
		broker = streamingBroker{
			BrokerClient: client,
			quotes:       connectors.NewStreamingQuotes(x.stream, client, cfg.Broker.QuoteMaxAge),
		}
	}

	opts := []recovery.Option{
		recovery.WithQuoteSource(broker),
		recovery.WithFailureRecorder(exceptions),
	}
	deps := engine.Deps{
		Config:      cfg.Engine,
		Instruments: table,
		Validator:   validator.New(cfg.Validation, table, time.Now, logger),
		Sizer:       risk.NewSizer(table, logger),
		Portfolio:   x.Portfolio,
		Broker:      broker,
		Signals:     repository.NewTradeSignalRepository(signalsDB),
		Logs:        x.signalLogs,
		Failures:    exceptions,
		Metrics:     x.Metrics,
		Logger:      logger,
	}

	if cfg.Redis.Addr != "" {
		x.redis, err = coordination.Dial(cfg.Redis)
		if err != nil {
			_ = x.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		x.registry = coordination.NewRegistry(x.redis, cfg.Redis, cfg.Engine.InstanceID, logger)
		opts = append(opts, recovery.WithPhaseReporter(x.registry))
		deps.Leader = x.registry
	}

	x.Recovery = recovery.New(cfg.Recovery, table, cfg.Portfolio.InitialCapital, store, x.Portfolio, logger, opts...)
	deps.Recovery = x.Recovery
	deps.Reloader = x.Recovery
	x.Engine = engine.New(deps)

	return x, nil
}

// Recover runs crash recovery once and records its outcome.
func (x *Executor) Recover(ctx context.Context) (*recovery.Summary, error) {
	started := time.Now()
	summary, err := x.Recovery.Load(ctx)
	x.Metrics.ObserveRecovery(time.Since(started), RecoveryCode(err))
	if err != nil {
		return nil, err
	}
	x.Metrics.ObservePortfolio(x.Portfolio.GetCurrentState(time.Now().UTC()))
	return summary, nil
}

// Router is the HTTP surface of this instance.
func (x *Executor) Router() http.Handler {
	return server.NewRouter(server.Deps{
		Portfolio: x.Portfolio,
		Recovery:  x.Recovery,
		Trades:    x.trades,
		Signals:   x.signalLogs,
		Metrics:   x.Metrics.Handler(),
	})
}

// Run serves HTTP, recovers and then runs the engine until ctx is done. A
// failed recovery stops the whole instance.
func (x *Executor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return server.Serve(gctx, x.cfg.Server.Port, x.Router()) })
	if x.registry != nil {
		g.Go(func() error { return x.registry.Heartbeat(gctx, x.Recovery.Status) })
	}
	if x.stream != nil {
		g.Go(func() error { return x.stream.Run(gctx) })
	}

	g.Go(func() error {
		if _, err := x.Recover(gctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		return x.Engine.Run(gctx)
	})

	return g.Wait()
}

// Close releases leadership and the connections.
func (x *Executor) Close() error {
	var errs []error
	if x.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, x.registry.ReleaseLeadership(ctx))
		cancel()
	}
	if x.redis != nil {
		errs = append(errs, x.redis.Close())
	}
	for _, db := range []*gorm.DB{x.mainDB, x.signalsDB} {
		if db == nil {
			continue
		}
		if sqlDB, err := db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}

// RecoveryCode is the metrics label for a recovery result.
func RecoveryCode(err error) string {
	if err == nil {
		return CodeOK
	}
	var rerr *recovery.Error
	if errors.As(err, &rerr) {
		return string(rerr.Code)
	}
	return "UNKNOWN"
}
