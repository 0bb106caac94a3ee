package doctor

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRun_MissingDirs(t *testing.T) {
	dir := t.TempDir()
	results := Run(t.Context(), Config{
		PluginsDir:     filepath.Join(dir, "plugins"),
		CredentialsDir: filepath.Join(dir, "credentials"),
	})

	if len(results) != 3 {
		t.Fatalf("expected 3 checks, got %d", len(results))
	}

	byName := map[string]CheckResult{}
	for _, r := range results {
		byName[r.Name] = r
	}

	if r := byName["credentials directory"]; r.Severity != Warn {
		t.Errorf("expected warn for missing credentials dir, got %s", r.Severity)
	}
	if r := byName["plugins directory"]; r.Severity != Warn {
		t.Errorf("expected warn for missing plugins dir, got %s", r.Severity)
	}
}

func TestRun_ExistingDirs(t *testing.T) {
	dir := t.TempDir()
	creds := filepath.Join(dir, "credentials")
	plugins := filepath.Join(dir, "plugins")

	if err := os.MkdirAll(creds, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(plugins, 0o755); err != nil {
		t.Fatal(err)
	}

	results := Run(t.Context(), Config{PluginsDir: plugins, CredentialsDir: creds})

	byName := map[string]CheckResult{}
	for _, r := range results {
		byName[r.Name] = r
	}

	if r := byName["credentials directory"]; r.Severity != Pass {
		t.Errorf("expected pass for 0700 credentials dir, got %s (%s)", r.Severity, r.Detail)
	}
	if r := byName["plugins directory"]; r.Severity != Pass {
		t.Errorf("expected pass for existing plugins dir, got %s", r.Severity)
	}
}
