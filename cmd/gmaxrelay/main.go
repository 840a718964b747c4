package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/gmax-telemetry/relay/internal/config"
	"github.com/gmax-telemetry/relay/internal/log"
	"github.com/gmax-telemetry/relay/internal/relay"
)

var Version = "dev"

func main() {
	app := &cli.App{
		Name:    "gmaxrelay",
		Usage:   "Receive race telemetry datagrams over UDP, persist each one to a per-session log and forward it to a queue",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML configuration file",
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "override the configured UDP listen address",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override the configured log level",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	conf := config.New()
	if path := c.String("config"); path != "" {
		var err error
		if conf, err = config.Read(path); err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	if addr := c.String("listen"); addr != "" {
		conf.ListenAddr = addr
	}
	if level := c.String("log-level"); level != "" {
		conf.LogLevel = level
	}

	logger, err := log.New(conf.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	r, err := relay.New(conf, logger)
	if err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The operator can also type "t" on stdin to stop, matching the
	// venue-side tooling this relay is driven by.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if scanner.Text() == "t" {
				logger.Info("Terminate requested on stdin")
				r.Stop()
				return
			}
		}
	}()

	return r.Run(ctx)
}
