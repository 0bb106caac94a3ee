// Command carapace is the local supervisor's CLI entry point: it loads
// .env bootstrap variables and delegates to the commands package.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/carapace-run/carapace/cmd/commands"
	"github.com/carapace-run/carapace/internal/config"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := config.LoadDotenv(config.DotenvPath()); err != nil {
		slog.Warn("failed to load .env", "error", err)
	}

	cmd := commands.NewRootCommand(version, commit)
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}
