package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	logger "github.com/sirupsen/logrus"

	"tradingcore/src/config"
	"tradingcore/src/executors"
)

var APP_NAME = os.Getenv("APP_NAME")

func main() {
	cfg := config.GetConfig()
	executors.SetupLogger(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg); err != nil {
		logger.WithError(err).Error("Trading core stopped")
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	defer handlePanic()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	x, err := executors.New(cfg, logger.WithField("app", APP_NAME))
	if err != nil {
		return err
	}
	defer func() {
		if err := x.Close(); err != nil {
			logger.WithError(err).Warn("Close failed")
		}
	}()

	return x.Run(ctx)
}

func handlePanic() {
	if r := recover(); r != nil {
		logger.WithError(fmt.Errorf("%+v", r)).Error(fmt.Sprintf("Application %s panic", APP_NAME))
		//nolint
		time.Sleep(time.Second * 5)
	}
}
