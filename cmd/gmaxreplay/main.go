package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/gmax-telemetry/relay/internal/replay"
)

var Version = "dev"

func main() {
	app := &cli.App{
		Name:    "gmaxreplay",
		Usage:   "Re-send a recorded session log over UDP with the original packet spacing",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "file",
				Aliases:  []string{"f"},
				Usage:    "session log to replay",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "target",
				Aliases: []string{"t"},
				Usage:   "UDP address to send datagrams to",
				Value:   "127.0.0.1:4629",
			},
			&cli.Float64Flag{
				Name:    "speed",
				Aliases: []string{"s"},
				Usage:   "playback speed factor, 2 halves the original spacing",
				Value:   1,
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
	records, err := replay.LoadSession(c.String("file"))
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("session log %v contains no records", c.String("file"))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fmt.Printf("Replaying %v records to %v at %vx speed\n", len(records), c.String("target"), c.Float64("speed"))
	return replay.Replay(ctx, nil, c.String("target"), records, c.Float64("speed"))
}
