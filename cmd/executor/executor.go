package executor

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"tradingcore/src/config"
	"tradingcore/src/executors"
)

// Executor runs the trading core from the command line.
type Executor struct {
	Log *logrus.Entry
}

// Start recovers the portfolio and runs the engine and the HTTP server until
// SIGINT or SIGTERM.
func (t *Executor) Start() error {
	cfg, err := config.Load()
	if err != nil {
		t.Log.WithError(err).Error("Failed to load config")
		return err
	}
	executors.SetupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	x, err := executors.New(cfg, t.Log)
	if err != nil {
		t.Log.WithError(err).Error("Failed to wire trading core")
		return err
	}
	defer func() {
		if err := x.Close(); err != nil {
			t.Log.WithError(err).Warn("Close failed")
		}
	}()

	t.Log.WithField("instance_id", x.Engine.InstanceID()).Info("Starting trading core")
	if err := x.Run(ctx); err != nil {
		t.Log.WithError(err).Error("Trading core stopped with error")
		return err
	}
	return nil
}

// Recover runs crash recovery once against the durable store and reports
// the result. It never trades.
func (t *Executor) Recover() error {
	cfg, err := config.Load()
	if err != nil {
		t.Log.WithError(err).Error("Failed to load config")
		return err
	}
	executors.SetupLogger(cfg.LogLevel, cfg.LogFormat)

	x, err := executors.New(cfg, t.Log)
	if err != nil {
		t.Log.WithError(err).Error("Failed to wire trading core")
		return err
	}
	defer x.Close()

	summary, err := x.Recover(context.Background())
	if err != nil {
		t.Log.WithError(err).WithField("code", executors.RecoveryCode(err)).Error("Recovery failed")
		return err
	}
	t.Log.WithFields(logrus.Fields{
		"positions":         summary.Positions,
		"pyramids":          summary.Pyramids,
		"closed_equity":     summary.ClosedEquity,
		"equity_high":       summary.EquityHigh,
		"orphaned_pyramids": summary.OrphanedPyramids,
	}).Info("Recovery succeeded")
	return nil
}
