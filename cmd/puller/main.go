package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tendermint/blockpuller/cmd/puller/commands"
	"github.com/tendermint/blockpuller/config"
	"github.com/tendermint/blockpuller/libs/cli"
	"github.com/tendermint/blockpuller/libs/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conf := config.DefaultConfig()
	logger, err := log.NewDefaultLogger(conf.LogFormat, conf.LogLevel)
	if err != nil {
		panic(err)
	}

	rcmd := commands.RootCommand(conf, logger)
	rcmd.AddCommand(
		commands.MakeInitCommand(conf, logger),
		commands.MakeSimulateCommand(conf, logger),
		commands.VersionCmd,
	)

	if err := cli.RunWithTrace(ctx, rcmd); err != nil {
		os.Exit(1)
	}
}
