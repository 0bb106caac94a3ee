package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/carapace-run/carapace/internal/config"
	"github.com/carapace-run/carapace/internal/credentials"
)

// NewAuthCommand returns the auth subcommand, covering identity
// generation and per-plugin credential storage.
func NewAuthCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Manage the supervisor's credential store",
		Commands: []*cli.Command{
			newAuthInitCommand(),
			newAuthSetCommand(),
		},
	}
}

func newAuthInitCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Generate the age identity used to encrypt stored credentials",
		Action: func(_ context.Context, _ *cli.Command) error {
			identityPath := filepath.Join(config.CarapaceHome(), "identity.age")

			if err := credentials.GenerateIdentity(identityPath); err != nil {
				return fmt.Errorf("generate identity: %w", err)
			}

			id, err := credentials.LoadIdentity(identityPath)
			if err != nil {
				return fmt.Errorf("load generated identity: %w", err)
			}

			fmt.Printf("identity: %s\n", identityPath)
			fmt.Printf("public key: %s\n", id.Recipient().String())
			return nil
		},
	}
}

func newAuthSetCommand() *cli.Command {
	return &cli.Command{
		Name:      "set",
		Usage:     "Store a credential for a plugin",
		ArgsUsage: "<plugin-name> <key>",
		Action: func(_ context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 2 {
				return fmt.Errorf("usage: carapace auth set <plugin-name> <key>")
			}
			pluginName := cmd.Args().Get(0)
			key := cmd.Args().Get(1)

			identityPath := filepath.Join(config.CarapaceHome(), "identity.age")
			id, err := credentials.LoadIdentity(identityPath)
			if err != nil {
				return fmt.Errorf("load identity (run `carapace auth init` first): %w", err)
			}

			fmt.Print("value: ")
			var value string
			if _, err := fmt.Scanln(&value); err != nil {
				return fmt.Errorf("read value: %w", err)
			}

			blob, err := credentials.Encrypt(value, id.Recipient())
			if err != nil {
				return fmt.Errorf("encrypt: %w", err)
			}

			dir := filepath.Join(config.CarapaceHome(), "credentials", "plugins", pluginName)
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return fmt.Errorf("create credential dir: %w", err)
			}

			target := filepath.Join(dir, key)
			if err := os.WriteFile(target, []byte(blob), 0o600); err != nil {
				return fmt.Errorf("write credential: %w", err)
			}

			fmt.Printf("stored %s for plugin %q\n", key, pluginName)
			return nil
		},
	}
}
