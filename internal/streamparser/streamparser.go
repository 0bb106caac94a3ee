// Package streamparser reads a container's stdout as line-delimited JSON
// and republishes each line as a response.* bus event, carrying a
// strictly increasing per-session seq.
package streamparser

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/carapace-run/carapace/internal/bus"
	"github.com/carapace-run/carapace/internal/protocol"
)

// maxLineBytes bounds a single stdout line the scanner will accept.
const maxLineBytes = 4 << 20

// ClaudeSessions is the narrow slice of *claudesession.Store the parser
// needs: recording the claude session id seen in a "system" or "result"
// frame.
type ClaudeSessions interface {
	Save(ctx context.Context, group, claudeSessionID string) error
}

// frame is the subset of a container's line-delimited JSON shape the
// parser needs to classify; unrecognized fields are ignored.
type frame struct {
	Type    string `json:"type"`
	Model   string `json:"model"`
	Session string `json:"session_id"`
	Content []struct {
		Type  string `json:"type"`
		Text  string `json:"text"`
		Name  string `json:"name"`
		Input map[string]any `json:"input"`
	} `json:"content"`
	ToolName   string `json:"tool_name"`
	Success    bool   `json:"success"`
	DurationMs int64  `json:"duration_ms"`
	ExitCode   int    `json:"exit_code"`
}

// Parser reads one session's container stdout and republishes response.*
// events; a line that is not JSON or has an unrecognized type becomes
// response.error with reason "malformed". Stderr is not read.
type Parser struct {
	bus     *bus.Bus
	claude  ClaudeSessions
	group   string
	session string
	seq     int64
}

// New creates a Parser for one session's stdout stream.
func New(b *bus.Bus, claude ClaudeSessions, group, sessionID string) *Parser {
	return &Parser{bus: b, claude: claude, group: group, session: sessionID}
}

// Run reads r line-by-line until EOF or ctx is done, classifying each
// line and never returning an error for a malformed line — only for a
// fatal read error on the underlying reader itself.
func (p *Parser) Run(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		p.handleLine(ctx, line)
	}
	return scanner.Err()
}

func (p *Parser) handleLine(ctx context.Context, line []byte) {
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		p.emit("response.error", map[string]any{"reason": "malformed"})
		return
	}

	switch f.Type {
	case "system":
		p.emit("response.system", map[string]any{
			"claudeSessionId": f.Session,
			"model":           f.Model,
		})
		p.saveClaudeSession(ctx, f.Session)

	case "assistant":
		for _, c := range f.Content {
			switch c.Type {
			case "text":
				p.emit("response.chunk", map[string]any{"text": c.Text})
			case "tool_use":
				p.emit("response.tool_call", map[string]any{
					"toolName":  c.Name,
					"toolInput": c.Input,
				})
			}
		}

	case "tool_result":
		// Metadata only — never the result content.
		p.emit("response.tool_result", map[string]any{
			"toolName":   f.ToolName,
			"success":    f.Success,
			"durationMs": f.DurationMs,
		})

	case "result":
		p.emit("response.end", map[string]any{
			"claudeSessionId": f.Session,
			"exitCode":        f.ExitCode,
		})
		p.saveClaudeSession(ctx, f.Session)

	default:
		p.emit("response.error", map[string]any{"reason": "malformed"})
	}
}

func (p *Parser) saveClaudeSession(ctx context.Context, claudeSessionID string) {
	if p.claude == nil || claudeSessionID == "" {
		return
	}
	_ = p.claude.Save(ctx, p.group, claudeSessionID)
}

// emit publishes topic with payload plus a strictly increasing seq,
// tagging the event with this parser's session and group.
func (p *Parser) emit(topic string, payload map[string]any) {
	if p.bus == nil {
		return
	}
	p.seq++
	payload["seq"] = p.seq

	p.bus.Publish(protocol.EventEnvelope{
		ID:        uuid.NewString(),
		Version:   1,
		Type:      protocol.TypeEvent,
		Topic:     topic,
		Source:    p.session,
		Timestamp: time.Now(),
		Group:     p.group,
		Payload:   payload,
	})
}
