// Package audit implements an append-only audit log: one JSONL file per
// group, written by a single writer and readable by queries scoped to
// that group.
package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/carapace-run/carapace/internal/protocol"
)

// Log appends protocol.AuditEntry records to one JSONL file per group
// under dir.
type Log struct {
	mu  sync.Mutex
	dir string
}

// New returns a Log writing under dir, creating it if necessary.
func New(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Log{dir: dir}, nil
}

func (l *Log) pathFor(group string) string {
	if group == "" {
		group = "_global"
	}
	return filepath.Join(l.dir, group+".jsonl")
}

// Append writes entry to its group's log file. Failures are the caller's
// to handle; per spec §7 they must never propagate out of the router as a
// user-visible error — the router logs and continues.
func (l *Log) Append(entry protocol.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.pathFor(entry.Group), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

// Query returns every entry recorded for group, in append order, strictly
// scoped to that group.
func (l *Log) Query(group string) ([]protocol.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.pathFor(group))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []protocol.AuditEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e protocol.AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}
