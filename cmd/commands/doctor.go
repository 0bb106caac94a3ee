package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/carapace-run/carapace/internal/config"
	"github.com/carapace-run/carapace/internal/doctor"
)

// NewDoctorCommand returns the doctor subcommand.
func NewDoctorCommand() *cli.Command {
	return &cli.Command{
		Name:  "doctor",
		Usage: "Check the local environment for common problems",
		Action: func(ctx context.Context, _ *cli.Command) error {
			home := config.CarapaceHome()
			results := doctor.Run(ctx, doctor.Config{
				PluginsDir:     filepath.Join(home, "plugins"),
				CredentialsDir: filepath.Join(home, "credentials"),
			})

			failed := false
			for _, r := range results {
				symbol := "✓"
				switch r.Severity {
				case doctor.Warn:
					symbol = "!"
				case doctor.Fail:
					symbol = "✗"
					failed = true
				}
				fmt.Printf("%s %s: %s\n", symbol, r.Name, r.Detail)
				if r.Fix != "" {
					fmt.Printf("    fix: %s\n", r.Fix)
				}
			}

			if failed {
				return fmt.Errorf("one or more checks failed")
			}
			return nil
		},
	}
}
