package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"tradingcore/cmd/executor"
)

var Version string

func main() {
	app := cli.NewApp()
	app.Name = "tradingcore"
	app.Usage = "The trading core command line interface"
	app.Version = Version

	app.Commands = []cli.Command{
		engineCMD,
		recoverCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	engineCMD = cli.Command{
		Name:        "engine",
		Usage:       "run the trading engine",
		Action:      engineAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Recover the portfolio, then poll signals and serve HTTP until interrupted`,
	}
	recoverCMD = cli.Command{
		Name:        "recover",
		Usage:       "run crash recovery once",
		Action:      recoverAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Rebuild the portfolio from the durable store and exit non-zero on failure`,
	}
)

func engineAction(_ *cli.Context) error {
	logrus.Info("Starting engine CMD")

	e := &executor.Executor{Log: logrus.WithField("cmd", "engine")}
	if err := e.Start(); err != nil {
		logrus.WithError(err).Error("Starting cmd")
		return err
	}
	return nil
}

func recoverAction(_ *cli.Context) error {
	logrus.Info("Starting recover CMD")

	e := &executor.Executor{Log: logrus.WithField("cmd", "recover")}
	if err := e.Recover(); err != nil {
		return cli.NewExitError(err.Error(), 2)
	}
	return nil
}
