package scheduler

import (
	"github.com/carapace-run/carapace/internal/protocol"
)

// sourceName tags every task.triggered envelope the scheduler publishes,
// so MatchEvent can reject its own output and prevent trigger loops.
const sourceName = "scheduler"

// MatchEvent returns true if env matches trigger. Events the scheduler
// itself published are always rejected to prevent infinite loops.
func MatchEvent(env protocol.EventEnvelope, trigger *EventTrigger) bool {
	if trigger == nil {
		return false
	}
	if env.Source == sourceName {
		return false
	}
	if env.Topic != trigger.Event {
		return false
	}
	for key, expected := range trigger.Filter {
		val, ok := env.Payload[key]
		if !ok {
			return false
		}
		strVal, ok := val.(string)
		if !ok || strVal != expected {
			return false
		}
	}
	return true
}
