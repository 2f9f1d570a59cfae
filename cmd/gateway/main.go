// Copyright 2024 The serverless-gateway Authors
// This file is part of serverless-gateway.
//
// serverless-gateway is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// serverless-gateway is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with serverless-gateway. If not, see <http://www.gnu.org/licenses/>.

// gateway is the serverless relay agent: it watches request chains for
// placed jobs, relays them onto the common chain when elected, and relays
// computed responses back.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/brawncode/serverless-gateway/gateway"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
		Value: "config.toml",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log.file",
		Usage: "Write logs to a rotating file in addition to stderr",
	}
	apiAddrFlag = &cli.StringFlag{
		Name:  "api.addr",
		Usage: "Operator API listen address (overrides config file)",
	}
	slashResponsesFlag = &cli.BoolFlag{
		Name:  "slash-responses",
		Usage: "Issue slash entries on the response relay path (reported as unsupported, no transaction is sent)",
	}
)

var app = &cli.App{
	Name:   "gateway",
	Usage:  "serverless gateway relay agent",
	Action: run,
	Flags: []cli.Flag{
		configFileFlag,
		verbosityFlag,
		logFileFlag,
		apiAddrFlag,
		slashResponsesFlag,
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	setupLogging(ctx)

	cfg, err := loadConfig(ctx.String(configFileFlag.Name))
	if err != nil {
		return err
	}
	if ctx.IsSet(apiAddrFlag.Name) {
		cfg.APIListenAddr = ctx.String(apiAddrFlag.Name)
	}
	if ctx.IsSet(slashResponsesFlag.Name) {
		cfg.SlashResponses = ctx.Bool(slashResponsesFlag.Name)
	}

	agent, err := gateway.New(cfg)
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := agent.Run(runCtx); err != nil && runCtx.Err() == nil {
		return err
	}
	log.Info("Gateway agent stopped")
	return nil
}

func setupLogging(ctx *cli.Context) {
	output := io.Writer(os.Stderr)
	if file := ctx.String(logFileFlag.Name); file != "" {
		output = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100,
			MaxBackups: 10,
			Compress:   true,
		})
	}
	handler := log.NewTerminalHandlerWithLevel(output, log.FromLegacyLevel(ctx.Int(verbosityFlag.Name)), false)
	log.SetDefault(log.NewLogger(handler))
}
