package pluginhost

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"

	"github.com/carapace-run/carapace/internal/protocol"
)

// ValidateManifest applies the fixed structural checks every plugin
// manifest (built-in or peer) must pass before any of its tools are
// registered: a version, at least one tool or channel, a name and valid
// risk level per tool, and a valid session policy.
func ValidateManifest(m protocol.PluginManifest) error {
	if m.Version == "" {
		return fmt.Errorf("manifest: version is required")
	}
	if len(m.Provides.Tools) == 0 && len(m.Provides.Channels) == 0 {
		return fmt.Errorf("manifest: must provide at least one tool or channel")
	}
	for i, t := range m.Provides.Tools {
		if t.Name == "" {
			return fmt.Errorf("manifest: tool at index %d must have a name", i)
		}
		switch t.RiskLevel {
		case protocol.RiskLow, protocol.RiskMedium, protocol.RiskHigh:
		default:
			return fmt.Errorf("manifest: tool %q has invalid risk_level %q", t.Name, t.RiskLevel)
		}
	}
	switch m.Session {
	case "", protocol.PolicyFresh, protocol.PolicyResume, protocol.PolicyExplicit:
	default:
		return fmt.Errorf("manifest: invalid session policy %q", m.Session)
	}
	return nil
}

// LoadManifestFile reads a JSONC (JSON-with-comments) manifest file,
// strips comments via hujson.Standardize, and validates it.
func LoadManifestFile(path string) (protocol.PluginManifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return protocol.PluginManifest{}, fmt.Errorf("read manifest %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return protocol.PluginManifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	var m protocol.PluginManifest
	if err := json.Unmarshal(standardized, &m); err != nil {
		return protocol.PluginManifest{}, fmt.Errorf("decode manifest %s: %w", path, err)
	}

	if err := ValidateManifest(m); err != nil {
		return protocol.PluginManifest{}, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}
