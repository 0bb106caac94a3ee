package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/carapace-run/carapace/internal/config"
	"github.com/carapace-run/carapace/internal/heartbeat"
	"github.com/carapace-run/carapace/internal/supervisor"
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show supervisor liveness",
		Action: func(_ context.Context, _ *cli.Command) error {
			status, hb, err := supervisor.Heartbeat(config.CarapaceHome())
			if err != nil {
				return fmt.Errorf("check heartbeat: %w", err)
			}

			switch status {
			case heartbeat.StatusAlive:
				fmt.Printf("supervisor: ALIVE (pid %d, uptime %s)\n", hb.PID, hb.Uptime)
			case heartbeat.StatusStale:
				fmt.Printf("supervisor: STALE (pid %d, last heartbeat %s ago)\n",
					hb.PID, time.Since(hb.Timestamp).Truncate(time.Second))
			case heartbeat.StatusDead:
				fmt.Println("supervisor: NOT RUNNING")
			}

			return nil
		},
	}
}
