package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"time"

	"github.com/tailscale/hujson"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, strips comments/trailing commas via
// hujson.Standardize, expands ${{ .Env.VAR }} templates, unmarshals it
// into Config, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := expandEnvTemplates(string(data))

	standardized, err := hujson.Standardize([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("standardize config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// applyDefaults fills in zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18420
	}

	if cfg.Runtime.Environment == "" {
		if v := os.Getenv("CARAPACE_RUNTIME"); v != "" {
			cfg.Runtime.Environment = v
		} else {
			cfg.Runtime.Environment = "local"
		}
	}
	if len(cfg.Runtime.PreferredRuntimes) == 0 {
		cfg.Runtime.PreferredRuntimes = []string{"docker", "podman", "apple-containers", "exec"}
	}
	if cfg.Runtime.WorkDirRoot == "" {
		cfg.Runtime.WorkDirRoot = filepath.Join(CarapaceHome(), "workdirs")
	}
	if cfg.Runtime.StartTimeout == 0 {
		cfg.Runtime.StartTimeout = Duration(30 * time.Second)
	}

	if cfg.Sessions.MaxPerGroup == 0 {
		cfg.Sessions.MaxPerGroup = 3
	}

	if cfg.Plugins.Dir == "" {
		cfg.Plugins.Dir = filepath.Join(CarapaceHome(), "plugins")
	}

	if cfg.Credentials.Dir == "" {
		cfg.Credentials.Dir = filepath.Join(CarapaceHome(), "credentials")
	}
	if cfg.Credentials.IdentityPath == "" {
		cfg.Credentials.IdentityPath = filepath.Join(CarapaceHome(), "identity.age")
	}

	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}
	if cfg.Events.LogLevel == "" {
		cfg.Events.LogLevel = "info"
	}

	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 60
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 10
	}

	if cfg.Router.HandlerTimeout == 0 {
		cfg.Router.HandlerTimeout = Duration(30 * time.Second)
	}
	if cfg.Router.Workers == 0 {
		cfg.Router.Workers = 4 * runtime.NumCPU()
	}

	if cfg.Limits.MaxRawBytes == 0 {
		cfg.Limits.MaxRawBytes = 1 << 20
	}
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits.MaxPayloadBytes = 512 << 10
	}
	if cfg.Limits.MaxFieldBytes == 0 {
		cfg.Limits.MaxFieldBytes = 100 << 10
	}
	if cfg.Limits.MaxJSONDepth == 0 {
		cfg.Limits.MaxJSONDepth = 64
	}

	if cfg.Confirmation.TTL == 0 {
		cfg.Confirmation.TTL = Duration(60 * time.Second)
	}

	if cfg.Audit.Dir == "" {
		cfg.Audit.Dir = filepath.Join(CarapaceHome(), "audit")
	}
}
