package commands

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/carapace-run/carapace/internal/config"
	"github.com/carapace-run/carapace/internal/heartbeat"
	"github.com/carapace-run/carapace/internal/supervisor"
)

// NewStopCommand returns the stop subcommand: reads the heartbeat file's
// PID and sends it SIGTERM, mirroring the graceful-shutdown path "start"
// installs via signal.NotifyContext.
func NewStopCommand() *cli.Command {
	return &cli.Command{
		Name:  "stop",
		Usage: "Stop a running supervisor",
		Action: func(_ context.Context, _ *cli.Command) error {
			home := config.CarapaceHome()
			status, hb, err := supervisor.Heartbeat(home)
			if err != nil {
				return fmt.Errorf("check heartbeat: %w", err)
			}
			if status != heartbeat.StatusAlive {
				fmt.Println("carapace is not running")
				return nil
			}

			if err := syscall.Kill(hb.PID, syscall.SIGTERM); err != nil {
				return fmt.Errorf("signal pid %d: %w", hb.PID, err)
			}
			fmt.Printf("sent SIGTERM to pid %d\n", hb.PID)

			for i := 0; i < 20; i++ {
				time.Sleep(250 * time.Millisecond)
				if st, _, err := supervisor.Heartbeat(home); err == nil && st != heartbeat.StatusAlive {
					fmt.Println("stopped")
					return nil
				}
			}
			fmt.Println("still shutting down; check status")
			return nil
		},
	}
}
