// Package intrinsics implements the three tools that are always
// registered and never overridable by a plugin: list_tools,
// get_session_info, and get_diagnostics. Each is a struct-free handler,
// registered through the same BuiltinPlugin shape any compiled-in plugin
// uses.
package intrinsics

import (
	"context"
	"time"

	"github.com/carapace-run/carapace/internal/pluginhost"
	"github.com/carapace-run/carapace/internal/protocol"
)

// Catalog is the read-only surface list_tools needs.
type Catalog interface {
	Declarations() []protocol.ToolDeclaration
}

// SessionInfo is the read-only surface get_session_info needs, implemented
// by internal/session.Manager.
type SessionInfo interface {
	Describe(sessionID string) (state string, startedAt time.Time, failure *protocol.FailureCategory, err error)
}

// Diagnostics is the read-only surface get_diagnostics needs.
type Diagnostics interface {
	Dropped() int64
	ActiveSessions() int
}

// Plugin builds the always-registered intrinsic BuiltinPlugin. Its manifest
// carries RiskLow for all three tools — none of them mutate state.
func Plugin(catalog Catalog, sessions SessionInfo, diag Diagnostics) pluginhost.BuiltinPlugin {
	manifest := protocol.PluginManifest{
		Version:     "1.0.0",
		Description: "always-registered core introspection tools",
	}
	manifest.Provides.Tools = []protocol.ToolDeclaration{
		{
			Name:        "list_tools",
			Description: "list every tool currently registered with the core",
			RiskLevel:   protocol.RiskLow,
			ArgumentsSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Name:        "get_session_info",
			Description: "describe the calling session's lifecycle state",
			RiskLevel:   protocol.RiskLow,
			ArgumentsSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"session_id": map[string]any{"type": "string"},
				},
				"required": []any{"session_id"},
			},
		},
		{
			Name:        "get_diagnostics",
			Description: "report bus and session-pool health counters",
			RiskLevel:   protocol.RiskLow,
			ArgumentsSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
	}

	return pluginhost.BuiltinPlugin{
		Name:     "intrinsics",
		Manifest: manifest,
		Handlers: map[string]pluginhost.Handler{
			"list_tools":       listToolsHandler(catalog),
			"get_session_info": getSessionInfoHandler(sessions),
			"get_diagnostics":  getDiagnosticsHandler(diag),
		},
	}
}

func listToolsHandler(catalog Catalog) pluginhost.Handler {
	return func(_ context.Context, _ protocol.ToolInvocationContext, _ map[string]any, _ pluginhost.CoreServices) (any, error) {
		decls := catalog.Declarations()
		out := make([]map[string]any, 0, len(decls))
		for _, d := range decls {
			out = append(out, map[string]any{
				"name":        d.Name,
				"description": d.Description,
				"risk_level":  d.RiskLevel,
			})
		}
		return map[string]any{"tools": out}, nil
	}
}

func getSessionInfoHandler(sessions SessionInfo) pluginhost.Handler {
	return func(_ context.Context, ic protocol.ToolInvocationContext, args map[string]any, _ pluginhost.CoreServices) (any, error) {
		sessionID, _ := args["session_id"].(string)
		if sessionID == "" {
			sessionID = ic.SessionID
		}
		state, startedAt, failure, err := sessions.Describe(sessionID)
		if err != nil {
			return nil, err
		}
		result := map[string]any{
			"session_id": sessionID,
			"state":      state,
			"started_at": startedAt,
		}
		if failure != nil {
			result["failure_category"] = *failure
		}
		return result, nil
	}
}

func getDiagnosticsHandler(diag Diagnostics) pluginhost.Handler {
	return func(_ context.Context, _ protocol.ToolInvocationContext, _ map[string]any, _ pluginhost.CoreServices) (any, error) {
		return map[string]any{
			"bus_dropped":     diag.Dropped(),
			"active_sessions": diag.ActiveSessions(),
		}, nil
	}
}
