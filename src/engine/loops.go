package engine

import (
	"context"
	"hash/fnv"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tradingcore/src/mapper"
	"tradingcore/src/model"
)

const pollBatch = 100

// Advisory asks an operator to peel lots off an instrument that grew past
// its ongoing risk or volatility limit.
type Advisory struct {
	Instrument string `json:"instrument"`
	Lots       int    `json:"lots"`
	Reason     string `json:"reason"`
}

// Run polls for signals, fans them out to workers sharded by instrument and
// reconciles open positions until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	shards := make([]chan model.Signal, e.cfg.Workers)
	for i := range shards {
		shards[i] = make(chan model.Signal, pollBatch)
	}

	if e.signals != nil {
		g.Go(func() error {
			defer func() {
				for _, ch := range shards {
					close(ch)
				}
			}()
			return e.poll(ctx, shards)
		})
	} else {
		for _, ch := range shards {
			close(ch)
		}
	}

	for i, ch := range shards {
		g.Go(func() error {
			log := e.logger.WithField("worker", i)
			for sig := range ch {
				if ctx.Err() != nil {
					log.WithField("instrument", sig.Instrument).Warn("dropping queued signal on shutdown")
					continue
				}
				e.ProcessSignal(ctx, sig)
			}
			return nil
		})
	}

	if e.cfg.ReconcilePeriod > 0 {
		g.Go(func() error { return e.reconcileLoop(ctx) })
	}

	e.logger.WithField("workers", e.cfg.Workers).Info("engine started")
	err := g.Wait()
	e.logger.Info("engine stopped")
	return err
}

// pollState is the poller's position in the signal feed.
type pollState struct {
	lastID  uint
	started bool
	// standby is set once another instance may have held the feed
	standby bool
}

func (e *Engine) poll(ctx context.Context, shards []chan model.Signal) error {
	period := e.cfg.PollPeriod
	if period <= 0 {
		period = 2 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var st pollState
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		e.pollTick(ctx, &st, shards)
	}
}

// pollTick runs one poll cycle. Gaining leadership after a standby period
// reloads the portfolio and restarts from the newest signal id, so signals
// the previous leader handled are never replayed.
func (e *Engine) pollTick(ctx context.Context, st *pollState, shards []chan model.Signal) {
	if !e.isLeader(ctx) {
		if st.started {
			e.logger.WithField("last_id", st.lastID).Warn("leadership lost, signal polling paused")
		}
		st.started = false
		st.standby = true
		return
	}

	if !st.started {
		if st.standby && e.reloader != nil {
			if _, err := e.reloader.Load(ctx); err != nil {
				e.logger.WithError(err).Error("portfolio reload after leadership change failed")
				return
			}
		}
		id, err := e.signals.LatestID(ctx)
		if err != nil {
			e.logger.WithError(err).Warn("latest signal id unavailable, retrying")
			return
		}
		st.lastID, st.started, st.standby = id, true, false
		e.logger.WithField("last_id", st.lastID).Info("signal polling started")
		return
	}

	next, err := e.PollOnce(ctx, st.lastID, shards)
	if err != nil {
		e.logger.WithError(err).WithField("last_id", st.lastID).Warn("signal poll failed")
		return
	}
	st.lastID = next
}

// PollOnce fetches the signals after lastID, dispatches the valid ones and
// returns the new high-water id.
func (e *Engine) PollOnce(ctx context.Context, lastID uint, shards []chan model.Signal) (uint, error) {
	rows, err := e.signals.FindAfterID(ctx, lastID, pollBatch)
	if err != nil {
		return lastID, err
	}
	for _, row := range rows {
		lastID = row.ID

		sig, err := mapper.MapTradeSignal(row)
		if err != nil {
			e.logger.WithError(err).WithField("signal_id", row.ID).Warn("unusable trade signal")
			bad := model.Signal{Instrument: row.Instrument, Kind: model.SignalKind(row.SignalType), Position: row.Position, Price: row.Price}
			e.metrics.ObserveRejection(StageMapping)
			e.writeLog(ctx, bad, rejected(StageMapping, err.Error()))
			continue
		}

		select {
		case shards[shardFor(sig.Instrument, len(shards))] <- sig:
		case <-ctx.Done():
			return lastID, nil
		}
	}
	return lastID, nil
}

func (e *Engine) isLeader(ctx context.Context) bool {
	if e.leader == nil {
		return true
	}
	ok, err := e.leader.AcquireLeadership(ctx)
	if err != nil {
		e.logger.WithError(err).Warn("leadership check failed")
		return false
	}
	return ok
}

func shardFor(instrument string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(instrument))
	return int(h.Sum32() % uint32(n))
}

func (e *Engine) reconcileLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.ReconcilePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if e.recovery != nil && !e.recovery.Ready() {
				continue
			}
			e.Reconcile(ctx)
		}
	}
}

// Reconcile marks every open leg to the broker quote, ratchets trailing stops
// and returns peel-off advisories for instruments over their ongoing limits.
func (e *Engine) Reconcile(ctx context.Context) []Advisory {
	byInstrument := make(map[string][]model.Position)
	for _, p := range e.portfolio.OpenPositions() {
		byInstrument[p.Instrument] = append(byInstrument[p.Instrument], p)
	}
	instruments := make([]string, 0, len(byInstrument))
	for name := range byInstrument {
		instruments = append(instruments, name)
	}
	sort.Strings(instruments)

	for _, name := range instruments {
		quote, err := e.broker.GetQuote(ctx, name)
		if err != nil {
			e.logger.WithError(err).WithField("instrument", name).Warn("reconcile quote unavailable")
			continue
		}
		unlock := e.lockInstrument(name)
		for _, p := range byInstrument[name] {
			if err := e.portfolio.UpdateMarket(ctx, p.PositionID, quote); err != nil {
				e.logger.WithError(err).WithField("position_id", p.PositionID).Warn("mark to market failed")
			}
		}
		unlock()
	}

	state := e.portfolio.GetCurrentState(e.now())
	e.metrics.ObservePortfolio(state)

	var advisories []Advisory
	for _, name := range instruments {
		exp, ok := state.Instruments[name]
		if !ok {
			continue
		}
		lots, reason := e.sizer.CalculatePeelOff(name, exp.RiskAmount, exp.VolAmount, state.Equity(), exp.Lots)
		if lots <= 0 {
			continue
		}
		advisories = append(advisories, Advisory{Instrument: name, Lots: lots, Reason: reason})
		e.logger.WithFields(logrus.Fields{
			"instrument": name,
			"lots":       lots,
			"reason":     reason,
		}).Warn("peel-off advised")
	}
	return advisories
}
