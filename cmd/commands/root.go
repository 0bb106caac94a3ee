// Package commands implements the carapace CLI's subcommands: start,
// stop, status, doctor, and auth. Each subcommand is a standalone
// *cli.Command constructor, composed by NewRootCommand.
package commands

import (
	"github.com/urfave/cli/v3"

	"github.com/carapace-run/carapace/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand(version, commit string) *cli.Command {
	return &cli.Command{
		Name:    "carapace",
		Usage:   "Local supervisor for sandboxed agent sessions",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			NewStartCommand(),
			NewStopCommand(),
			NewStatusCommand(),
			NewDoctorCommand(),
			NewAuthCommand(),
		},
	}
}
