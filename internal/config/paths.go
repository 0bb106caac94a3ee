package config

import (
	"os"
	"path/filepath"
)

// CarapaceHome returns the root directory for Carapace's on-disk state
// (config, plugins, credentials, audit log, pid/heartbeat file). It uses
// $CARAPACE_HOME if set, otherwise defaults to ~/.carapace.
func CarapaceHome() string {
	if v := os.Getenv("CARAPACE_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".carapace")
	}
	return filepath.Join(home, ".carapace")
}

// ConfigPath returns the path to the Carapace config file.
func ConfigPath() string {
	return filepath.Join(CarapaceHome(), "config.jsonc")
}

// DotenvPath returns the path to the Carapace .env file.
func DotenvPath() string {
	return filepath.Join(CarapaceHome(), ".env")
}
