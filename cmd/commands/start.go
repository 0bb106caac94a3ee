package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/carapace-run/carapace/internal/config"
	"github.com/carapace-run/carapace/internal/supervisor"
)

// NewStartCommand returns the start subcommand: loads config, wires a real
// Supervisor, and blocks on SIGINT/SIGTERM.
func NewStartCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "Start the supervisor and block until interrupted",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			sup, err := supervisor.New(cfg)
			if err != nil {
				return fmt.Errorf("wire supervisor: %w", err)
			}

			runCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := sup.Start(runCtx); err != nil {
				return fmt.Errorf("start supervisor: %w", err)
			}
			slog.Info("carapace: running", "pid", os.Getpid())

			<-runCtx.Done()
			slog.Info("carapace: shutting down")
			sup.Stop(context.Background())
			return nil
		},
	}
}
