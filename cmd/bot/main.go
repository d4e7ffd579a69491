package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/urfave/cli/v3"

	"relaybot/internal/app"
	"relaybot/internal/config"
)

var flagConfig = cli.StringFlag{
	Name:       "config",
	Aliases:    []string{"c"},
	Value:      "./config.yaml",
	Usage:      "config file (.json, .yaml or .toml)",
	Persistent: true,
}

var cmd = cli.Command{
	Name:  "relaybot",
	Usage: "Chat bot runtime with commands and cron schedules",
	Flags: []cli.Flag{
		&flagConfig,
		&cli.DurationFlag{
			Name:  "stop-timeout",
			Usage: "Upper bound for graceful shutdown",
			Value: 15 * time.Second,
		},
	},
	Commands: []*cli.Command{
		{
			Name:   "check",
			Usage:  "Validate the config file and exit",
			Action: cliCheck,
		},
	},
	Action: cliRun,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func cliRun(ctx context.Context, cmd *cli.Command) error {
	a, err := app.New(cmd.String("config"))
	if err != nil {
		return err
	}

	stopApp := func() error {
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
		sctx, cancel := context.WithTimeout(context.Background(), cmd.Duration("stop-timeout"))
		defer cancel()
		return a.Stop(sctx)
	}

	if err := a.Start(ctx); err != nil {
		return errors.Join(err, stopApp())
	}
	// Not running under systemd is not an error.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	runErr := a.Err()
	return errors.Join(runErr, stopApp())
}

func cliCheck(ctx context.Context, cmd *cli.Command) error {
	path := cmd.String("config")
	cfg, err := config.NewConfigManager(path).Load()
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	fmt.Printf("%s: ok (mention prefix %q, %d feature entries)\n", path, cfg.MentionPrefix(), len(cfg.Features))
	return nil
}
