package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tradingcore/src/breaker"
	"tradingcore/src/connectors"
	"tradingcore/src/model"
)

// ProcessSignal runs one signal end to end. Rejections and failures come back
// in the Outcome; every outcome is written to the signal log.
func (e *Engine) ProcessSignal(ctx context.Context, sig model.Signal) Outcome {
	started := e.now()
	out := e.process(ctx, sig)

	fields := logrus.Fields{
		"instrument": sig.Instrument,
		"kind":       sig.Kind,
		"position":   sig.Position,
		"status":     out.Status,
		"stage":      out.Stage,
		"lots":       out.Lots,
		"elapsed":    e.now().Sub(started).String(),
	}
	switch out.Status {
	case StatusExecuted:
		e.logger.WithFields(fields).Info("signal executed")
	case StatusRejected:
		e.logger.WithFields(fields).WithField("reason", out.Reason).Warn("signal rejected")
	default:
		e.logger.WithFields(fields).WithField("reason", out.Reason).Error("signal failed")
	}

	e.metrics.ObserveSignal(sig.Kind, out.Status)
	if out.Status != StatusExecuted {
		e.metrics.ObserveRejection(out.Stage)
	}
	e.writeLog(ctx, sig, out)
	return out
}

func (e *Engine) process(ctx context.Context, sig model.Signal) Outcome {
	if e.recovery != nil && !e.recovery.Ready() {
		return rejected(StageRecovery, "recovery_not_active")
	}

	unlock := e.lockInstrument(sig.Instrument)
	defer unlock()

	state := e.portfolio.GetCurrentState(e.now())
	cond := e.validator.ValidateConditions(sig, state)
	if !cond.Passed {
		return rejected(StageConditions, cond.Reason)
	}
	if reason := e.checkSlot(sig); reason != "" {
		return rejected(StageConditions, reason)
	}

	quote, err := e.broker.GetQuote(ctx, sig.Instrument)
	if err != nil {
		return failed(StageQuote, brokerReason("quote_unavailable", err))
	}

	exec := e.validator.ValidateExecution(sig, quote, sig.Kind)
	if !exec.Passed {
		return rejected(StageExecution, exec.Reason)
	}

	var out Outcome
	if sig.Kind == model.SignalExit {
		out = e.exit(ctx, sig, quote)
	} else {
		out = e.enter(ctx, sig, quote, state)
	}
	out.Warnings = append(cond.Warnings, out.Warnings...)
	return out
}

// checkSlot rejects entries into an occupied slot and exits from an empty one.
func (e *Engine) checkSlot(sig model.Signal) string {
	switch sig.Kind {
	case model.SignalBaseEntry:
		if _, ok := e.portfolio.BasePosition(sig.Instrument); ok {
			return "base_position_exists"
		}
		if _, ok := e.portfolio.Position(sig.PositionID()); ok {
			return "duplicate_position"
		}
	case model.SignalPyramid:
		if _, ok := e.portfolio.Position(sig.PositionID()); ok {
			return "duplicate_position"
		}
	case model.SignalExit:
		if len(e.exitTargets(sig)) == 0 {
			return "no_open_position"
		}
	}
	return ""
}

func (e *Engine) exitTargets(sig model.Signal) []model.Position {
	if strings.EqualFold(sig.Position, model.ExitAllSlots) {
		return e.portfolio.OpenPositionsFor(sig.Instrument)
	}
	if p, ok := e.portfolio.Position(sig.PositionID()); ok {
		return []model.Position{p}
	}
	return nil
}

func (e *Engine) enter(ctx context.Context, sig model.Signal, quote float64, state model.PortfolioState) Outcome {
	equity := state.Equity()

	var sz model.SizingConstraints
	if sig.Kind == model.SignalBaseEntry {
		sz = e.sizer.SizeBaseEntry(sig, equity, state.MarginAvailable)
	} else {
		baseLots, profit, count, ok := e.portfolio.PyramidContext(sig.Instrument, sig.Price)
		if !ok {
			return rejected(StageConditions, "no_base_position_found")
		}
		sz = e.sizer.SizePyramid(sig, equity, state.MarginAvailable, baseLots, profit, count)
	}
	if sz.FinalLots <= 0 {
		out := rejected(StageSizing, fmt.Sprintf("zero_lots_%s", sz.Limiter))
		out.Sizing = &sz
		return out
	}

	lots := e.validator.AdjustSizeForExecution(sig, quote, sz.FinalLots)

	proposed := model.Position{
		Instrument:  sig.Instrument,
		EntryPrice:  quote,
		CurrentStop: sig.Stop,
		Lots:        lots,
		ATR:         sig.ATR,
	}
	risk, vol, _ := e.portfolio.Exposure(proposed)
	if ok, reason := e.portfolio.CheckPortfolioGate(risk, vol); !ok {
		out := rejected(StageGate, reason)
		out.Sizing = &sz
		return out
	}

	fill, filledLots, out, ok := e.order(ctx, sig, connectors.SideBuy, lots, quote)
	if !ok {
		out.Sizing = &sz
		return out
	}

	pos := model.Position{
		PositionID:     sig.PositionID(),
		Instrument:     sig.Instrument,
		EntryTimestamp: e.now(),
		EntryPrice:     fill,
		Lots:           filledLots,
		InitialStop:    sig.Stop,
		ATR:            sig.ATR,
		IsBasePosition: sig.Kind == model.SignalBaseEntry,
	}

	out = Outcome{
		Status:      StatusExecuted,
		Stage:       StagePortfolio,
		Lots:        filledLots,
		FillPrice:   fill,
		PositionIDs: []string{pos.PositionID},
		Sizing:      &sz,
	}
	if err := e.portfolio.AddPosition(ctx, pos); err != nil {
		extra := map[string]interface{}{
			"position_id": pos.PositionID,
			"lots":        filledLots,
			"fill_price":  fill,
		}
		if _, kept := e.portfolio.Position(pos.PositionID); kept {
			// filled and tracked in memory, the durable write will be retried
			e.recordFailure(ctx, "AddPosition", codePersistFailed, err, extra)
			out.Warnings = append(out.Warnings, "persist_failed: "+err.Error())
			return out
		}
		e.logger.WithFields(extra).WithError(err).Error("filled order could not be recorded")
		e.recordFailure(ctx, "AddPosition", codePositionNotRecorded, err, extra)
		return failed(StagePortfolio, "position_not_recorded: "+err.Error())
	}

	e.metrics.ObservePortfolio(e.portfolio.GetCurrentState(e.now()))
	return out
}

func (e *Engine) exit(ctx context.Context, sig model.Signal, quote float64) Outcome {
	targets := e.exitTargets(sig)
	lots := 0
	for _, p := range targets {
		lots += p.Lots
	}

	fill, filledLots, out, ok := e.order(ctx, sig, connectors.SideSell, lots, quote)
	if !ok {
		return out
	}

	// A partial fill closes only the legs it fully covers, the rest stay open.
	out = Outcome{Status: StatusExecuted, Stage: StagePortfolio, Lots: filledLots, FillPrice: fill}
	remaining := filledLots
	for _, p := range targets {
		if p.Lots > remaining {
			continue
		}
		remaining -= p.Lots
		out.RealizedPnL += e.portfolio.ClosePosition(ctx, p.PositionID, fill, e.now())
		out.PositionIDs = append(out.PositionIDs, p.PositionID)
	}
	if filledLots < lots {
		reason := fmt.Sprintf("partial_exit_fill_%d_of_%d", filledLots, lots)
		extra := map[string]interface{}{
			"instrument":  sig.Instrument,
			"filled_lots": filledLots,
			"lots":        lots,
			"unmatched":   remaining,
			"closed":      out.PositionIDs,
		}
		e.logger.WithFields(extra).Warn("exit order partially filled")
		if remaining > 0 {
			e.recordFailure(ctx, "ExitPosition", codePartialExit, errors.New(reason), extra)
		}
		if len(out.PositionIDs) == 0 {
			return failed(StagePortfolio, reason)
		}
		out.Warnings = append(out.Warnings, reason)
	}

	e.metrics.ObservePortfolio(e.portfolio.GetCurrentState(e.now()))
	return out
}

// order places a market order, or fills at the quote in dry-run mode.
func (e *Engine) order(ctx context.Context, sig model.Signal, side string, lots int, quote float64) (float64, int, Outcome, bool) {
	if e.cfg.DryRun {
		return quote, lots, Outcome{}, true
	}

	inst, _ := e.instruments.Lookup(sig.Instrument)
	octx := ctx
	if e.cfg.OrderTimeout > 0 {
		var cancel context.CancelFunc
		octx, cancel = context.WithTimeout(ctx, e.cfg.OrderTimeout)
		defer cancel()
	}

	started := time.Now()
	res, err := e.broker.PlaceOrder(octx, connectors.OrderRequest{
		Instrument:     sig.Instrument,
		Side:           side,
		Lots:           lots,
		Quantity:       lots * inst.LotSize,
		ReferencePrice: quote,
		Reason:         string(sig.Kind) + ":" + sig.Position,
	})
	e.metrics.ObserveOrder(time.Since(started))

	switch {
	case errors.Is(err, connectors.ErrOrderRejected):
		return 0, 0, rejected(StageOrder, "broker_rejected: "+res.Message), false
	case err != nil:
		return 0, 0, failed(StageOrder, brokerReason("order_failed", err)), false
	case res.Status != connectors.OrderFilled:
		return 0, 0, failed(StageOrder, fmt.Sprintf("order_not_filled_%s", strings.ToLower(res.Status))), false
	}

	fill := res.FillPrice
	if fill <= 0 {
		fill = quote
	}
	filled := res.FilledLots
	if filled <= 0 || filled > lots {
		filled = lots
	}
	return fill, filled, Outcome{}, true
}

func (e *Engine) writeLog(ctx context.Context, sig model.Signal, out Outcome) {
	if e.logs == nil {
		return
	}
	entry := &model.SignalLog{
		InstanceID:   e.instanceID,
		Instrument:   sig.Instrument,
		Kind:         string(sig.Kind),
		PositionSlot: sig.Position,
		SignalPrice:  sig.Price,
		SignalTime:   sig.Timestamp,
		Status:       out.Status,
		Stage:        out.Stage,
		Reason:       truncate(out.Reason, 255),
		Lots:         out.Lots,
		FillPrice:    out.FillPrice,
	}
	if err := e.logs.Create(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.WithError(err).Warn("signal log not written")
	}
}

const (
	codePersistFailed       = "PERSIST_FAILED"
	codePositionNotRecorded = "POSITION_NOT_RECORDED"
	codePartialExit         = "PARTIAL_EXIT_FILL"
)

func (e *Engine) recordFailure(ctx context.Context, method, code string, cause error, extra map[string]interface{}) {
	if e.failures == nil {
		return
	}
	if err := e.failures.RecordFailure(context.WithoutCancel(ctx), "engine", method, code, cause, extra); err != nil {
		e.logger.WithError(err).WithField("code", code).Warn("failure not recorded")
	}
}

func rejected(stage, reason string) Outcome {
	return Outcome{Status: StatusRejected, Stage: stage, Reason: reason}
}

func failed(stage, reason string) Outcome {
	return Outcome{Status: StatusFailed, Stage: stage, Reason: reason}
}

func brokerReason(prefix string, err error) string {
	if errors.Is(err, breaker.ErrOpen) {
		return "broker_unavailable_circuit_open"
	}
	return prefix + ": " + err.Error()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
