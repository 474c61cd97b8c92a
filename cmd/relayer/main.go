package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aurora-is-near/eth-connector/pkg/config"
	"github.com/aurora-is-near/eth-connector/pkg/relayer"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

var (
	optionConfig = &cli.StringFlag{
		Name:     "config",
		Usage:    "path to relayer config file",
		Required: false, // Can also set config via env var
		EnvVars:  []string{"ETH_CONNECTOR_RELAYER_CONFIG"},
	}
)

func main() {
	app := &cli.App{
		Name:  "eth-connector-relayer",
		Usage: "Relays ETH deposits to NEAR and resumes unfinished bridge transfers",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Start eth connector relayer",
				Flags: []cli.Flag{
					optionConfig,
				},
				Action: func(c *cli.Context) error {
					return start(c)
				},
			},
		}}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(app.Writer, "exited with error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging(logLevel string) {
	lvl, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse log level")
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func start(c *cli.Context) error {
	cfg := config.LoadFromEnv()

	configFilePath := c.String(optionConfig.Name)
	if configFilePath == "" {
		log.Info().Msg("env var config will be used")
	} else {
		log.Info().Str("config_file", configFilePath).Msg(
			"overriding env var config with file")
		if err := config.LoadFile(&cfg, configFilePath); err != nil {
			log.Fatal().Err(err).Msg("failed to load config provided as file")
		}
	}

	if err := config.Check(&cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	setupLogging(cfg.LogLevel)

	r, err := relayer.NewRelayer(&relayer.Options{Config: cfg})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start relayer")
	}

	interruptSigChan := make(chan os.Signal, 1)
	signal.Notify(interruptSigChan, os.Interrupt, syscall.SIGTERM)

	// Block until interrupt signal OR context's Done channel is closed.
	select {
	case <-interruptSigChan:
	case <-c.Done():
	}
	fmt.Fprintf(c.App.Writer, "shutting down...\n")

	closedAllSuccessfully := make(chan struct{})
	go func() {
		defer close(closedAllSuccessfully)

		err := r.TryCloseAll()
		if err != nil {
			log.Error().Err(err).Msg("failed to close all routines and db connection")
		}
	}()
	select {
	case <-closedAllSuccessfully:
	case <-time.After(15 * time.Second):
		log.Error().Msg("failed to close all in time")
	}

	return nil
}
