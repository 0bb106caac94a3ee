// Package scheduler implements a cron/interval/event producer that
// publishes task.triggered onto the bus, driving the dispatcher's
// task-triggered spawn path. Entries support cron and interval tickers,
// a cooldown between firings, max-runs auto-disable, and reload from a
// persisted store.
package scheduler

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventTrigger describes an event-based trigger for a schedule entry: fire
// when a bus event matching Event (and, if set, every Filter key/value in
// its payload) is observed.
type EventTrigger struct {
	Event  string            `json:"event"`
	Filter map[string]string `json:"filter,omitempty"`
}

// TaskTemplate is the task.triggered payload a schedule entry publishes on
// each firing; a non-empty Prompt becomes CARAPACE_TASK_PROMPT in the
// spawned session's environment.
type TaskTemplate struct {
	Group  string `json:"group"`
	Prompt string `json:"prompt"`
	Image  string `json:"image,omitempty"`
}

// ScheduleEntry is a persistent cron-, interval-, or event-triggered
// task.triggered producer.
type ScheduleEntry struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	CronSpec    string        `json:"cron_spec,omitempty"`
	IntervalSec int           `json:"interval_sec,omitempty"`
	OnEvent     *EventTrigger `json:"on_event,omitempty"`
	Task        TaskTemplate  `json:"task"`
	CooldownSec int           `json:"cooldown_sec"`
	MaxRuns     int           `json:"max_runs,omitempty"`
	RunCount    int           `json:"run_count"`
	Enabled     bool          `json:"enabled"`
	CreatedAt   time.Time     `json:"created_at"`
	LastRunAt   *time.Time    `json:"last_run_at,omitempty"`
}

// GenerateScheduleID creates a unique schedule identifier with "sched_" prefix.
func GenerateScheduleID() string {
	u := uuid.New().String()
	return "sched_" + strings.ReplaceAll(u[:8], "-", "")
}
