// Package doctor implements read-only environment checks: container
// runtime availability, credentials directory permissions, and plugin
// directory readability. Each check reports a plain value rather than an
// error — these are operator-facing diagnostics, not client-facing tool
// failures.
package doctor

import (
	"context"
	"fmt"
	"os"

	"github.com/carapace-run/carapace/internal/container"
)

// Severity is a check's outcome.
type Severity string

const (
	Pass Severity = "pass"
	Warn Severity = "warn"
	Fail Severity = "fail"
)

// CheckResult is one doctor check's outcome.
type CheckResult struct {
	Name     string
	Severity Severity
	Detail   string
	Fix      string // human-readable remediation, empty when Severity is Pass
}

// Config is the set of paths doctor checks against.
type Config struct {
	PluginsDir     string
	CredentialsDir string
}

// Run executes every check and returns their results in a fixed order.
func Run(ctx context.Context, cfg Config) []CheckResult {
	return []CheckResult{
		checkContainerRuntime(ctx),
		checkCredentialsDir(cfg.CredentialsDir),
		checkPluginsDir(cfg.PluginsDir),
	}
}

func checkContainerRuntime(ctx context.Context) CheckResult {
	candidates := []container.Runtime{}
	if rt, err := container.NewDockerRuntime(); err == nil {
		candidates = append(candidates, rt)
	}
	candidates = append(candidates, container.NewPodmanRuntime(), container.NewAppleContainerRuntime())

	for _, rt := range candidates {
		if rt.Available(ctx) {
			return CheckResult{
				Name:     "container runtime",
				Severity: Pass,
				Detail:   fmt.Sprintf("%s is available", rt.Name()),
			}
		}
	}
	return CheckResult{
		Name:     "container runtime",
		Severity: Warn,
		Detail:   "no docker, podman, or apple-containers runtime found",
		Fix:      "install Docker Desktop or Podman, or rely on the bare exec fallback runtime",
	}
}

func checkCredentialsDir(dir string) CheckResult {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return CheckResult{
				Name:     "credentials directory",
				Severity: Warn,
				Detail:   fmt.Sprintf("%s does not exist yet", dir),
				Fix:      "run `carapace auth init` to create it",
			}
		}
		return CheckResult{Name: "credentials directory", Severity: Fail, Detail: err.Error()}
	}
	if info.Mode().Perm()&0o077 != 0 {
		return CheckResult{
			Name:     "credentials directory",
			Severity: Warn,
			Detail:   fmt.Sprintf("%s is readable by group/other (mode %s)", dir, info.Mode().Perm()),
			Fix:      fmt.Sprintf("chmod 700 %s", dir),
		}
	}
	return CheckResult{Name: "credentials directory", Severity: Pass, Detail: dir}
}

func checkPluginsDir(dir string) CheckResult {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return CheckResult{
				Name:     "plugins directory",
				Severity: Warn,
				Detail:   fmt.Sprintf("%s does not exist", dir),
				Fix:      fmt.Sprintf("mkdir -p %s", dir),
			}
		}
		return CheckResult{Name: "plugins directory", Severity: Fail, Detail: err.Error()}
	}
	return CheckResult{
		Name:     "plugins directory",
		Severity: Pass,
		Detail:   fmt.Sprintf("%s (%d entries)", dir, len(entries)),
	}
}
