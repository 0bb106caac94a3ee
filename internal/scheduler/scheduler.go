package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carapace-run/carapace/internal/bus"
	"github.com/carapace-run/carapace/internal/protocol"
)

// DefaultCooldown is the minimum interval between two triggers of the same entry.
const DefaultCooldown = 60 * time.Second

// Config holds dependencies for the scheduler.
type Config struct {
	Bus   *bus.Bus
	Store *ScheduleStore // nil-safe: entries added at runtime are not persisted without a store
}

// runtimeEntry is the in-memory representation of one schedule entry.
type runtimeEntry struct {
	id          string
	title       string
	description string
	cron        *CronExpr
	intervalSec int
	onEvent     *EventTrigger
	task        TaskTemplate
	cooldown    time.Duration
	maxRuns     int
	runCount    int
	enabled     bool
	lastRun     time.Time
}

// Scheduler manages cron-based, interval-based, and event-triggered
// task.triggered producers.
type Scheduler struct {
	bus   *bus.Bus
	store *ScheduleStore

	mu      sync.Mutex
	entries map[string]*runtimeEntry

	done        chan struct{}
	unsubscribe func()
}

// New creates a new Scheduler.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		bus:     cfg.Bus,
		store:   cfg.Store,
		entries: make(map[string]*runtimeEntry),
		done:    make(chan struct{}),
	}
}

// Start loads persisted entries and begins the cron/interval tickers and
// event subscription.
func (s *Scheduler) Start() {
	s.loadPersistedEntries()

	slog.Info("scheduler started", "entries", len(s.entries))

	if s.bus != nil {
		s.unsubscribe = s.bus.Subscribe("", s.handleEvent)
	}
	go s.cronLoop()
	go s.intervalLoop()
}

// Stop halts the scheduler.
func (s *Scheduler) Stop() {
	close(s.done)
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	slog.Info("scheduler stopped")
}

// AddEntry registers a schedule entry at runtime, persisting it if a store
// is configured.
func (s *Scheduler) AddEntry(se *ScheduleEntry) error {
	if se.CronSpec == "" && se.IntervalSec == 0 && se.OnEvent == nil {
		return fmt.Errorf("schedule entry must have cron, interval, or on_event trigger")
	}
	if se.IntervalSec > 0 && se.IntervalSec < 5 {
		return fmt.Errorf("interval must be at least 5 seconds")
	}

	if se.ID == "" {
		se.ID = GenerateScheduleID()
	}

	re := &runtimeEntry{
		id:          se.ID,
		title:       se.Title,
		description: se.Description,
		intervalSec: se.IntervalSec,
		onEvent:     se.OnEvent,
		task:        se.Task,
		cooldown:    time.Duration(se.CooldownSec) * time.Second,
		maxRuns:     se.MaxRuns,
		runCount:    se.RunCount,
		enabled:     se.Enabled,
	}

	if se.CronSpec != "" {
		expr, err := ParseCron(se.CronSpec)
		if err != nil {
			return err
		}
		re.cron = expr
	}

	if re.cooldown == 0 {
		re.cooldown = DefaultCooldown
	}

	if s.store != nil {
		if err := s.store.Create(se); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.entries[se.ID] = re
	s.mu.Unlock()

	slog.Info("scheduler: added entry", "id", se.ID, "title", se.Title)
	return nil
}

// RemoveEntry removes a schedule entry by ID.
func (s *Scheduler) RemoveEntry(id string) error {
	s.mu.Lock()
	_, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("schedule entry not found: %s", id)
	}
	delete(s.entries, id)
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.Delete(id); err != nil {
			slog.Warn("scheduler: failed to delete persisted entry", "id", id, "error", err)
		}
	}

	slog.Info("scheduler: removed entry", "id", id)
	return nil
}

// GetEntry returns a schedule entry by ID.
func (s *Scheduler) GetEntry(id string) (*ScheduleEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	re, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return runtimeToScheduleEntry(re), true
}

// ListEntries returns all schedule entries as ScheduleEntry structs.
func (s *Scheduler) ListEntries() []*ScheduleEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*ScheduleEntry, 0, len(s.entries))
	for _, re := range s.entries {
		result = append(result, runtimeToScheduleEntry(re))
	}
	return result
}

func runtimeToScheduleEntry(re *runtimeEntry) *ScheduleEntry {
	se := &ScheduleEntry{
		ID:          re.id,
		Title:       re.title,
		Description: re.description,
		IntervalSec: re.intervalSec,
		OnEvent:     re.onEvent,
		Task:        re.task,
		CooldownSec: int(re.cooldown / time.Second),
		MaxRuns:     re.maxRuns,
		RunCount:    re.runCount,
		Enabled:     re.enabled,
	}
	if re.cron != nil {
		se.CronSpec = re.cron.String()
	}
	if !re.lastRun.IsZero() {
		t := re.lastRun
		se.LastRunAt = &t
	}
	return se
}

// loadPersistedEntries loads entries from the store (if available).
func (s *Scheduler) loadPersistedEntries() {
	if s.store == nil {
		return
	}

	entries, err := s.store.List()
	if err != nil {
		slog.Warn("scheduler: failed to load persisted entries", "error", err)
		return
	}

	for _, se := range entries {
		if !se.Enabled {
			continue
		}

		re := &runtimeEntry{
			id:          se.ID,
			title:       se.Title,
			description: se.Description,
			intervalSec: se.IntervalSec,
			onEvent:     se.OnEvent,
			task:        se.Task,
			cooldown:    time.Duration(se.CooldownSec) * time.Second,
			maxRuns:     se.MaxRuns,
			runCount:    se.RunCount,
			enabled:     true,
		}

		if se.CronSpec != "" {
			expr, err := ParseCron(se.CronSpec)
			if err != nil {
				slog.Warn("scheduler: invalid cron in persisted entry", "id", se.ID, "error", err)
				continue
			}
			re.cron = expr
		}

		if re.cooldown == 0 {
			re.cooldown = DefaultCooldown
		}

		s.entries[se.ID] = re
		slog.Info("scheduler: loaded persisted entry", "id", se.ID, "title", se.Title)
	}
}

func (s *Scheduler) cronLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.checkCron(now)
		}
	}
}

func (s *Scheduler) intervalLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.checkIntervals(now)
		}
	}
}

func (s *Scheduler) checkCron(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.entries {
		if entry.cron == nil || !entry.enabled {
			continue
		}
		if !entry.cron.Matches(now) {
			continue
		}
		if now.Sub(entry.lastRun) < entry.cooldown {
			continue
		}
		s.triggerEntry(entry, "cron")
	}
}

func (s *Scheduler) checkIntervals(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.entries {
		if entry.intervalSec <= 0 || !entry.enabled {
			continue
		}
		interval := time.Duration(entry.intervalSec) * time.Second
		if now.Sub(entry.lastRun) < interval {
			continue
		}
		s.triggerEntry(entry, "interval")
	}
}

func (s *Scheduler) handleEvent(env protocol.EventEnvelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, entry := range s.entries {
		if entry.onEvent == nil || !entry.enabled {
			continue
		}
		if !MatchEvent(env, entry.onEvent) {
			continue
		}
		if now.Sub(entry.lastRun) < entry.cooldown {
			continue
		}
		s.triggerEntry(entry, "event:"+env.Topic)
	}
}

// triggerEntry publishes task.triggered for the given entry. Caller must
// hold s.mu.
func (s *Scheduler) triggerEntry(re *runtimeEntry, trigger string) {
	re.lastRun = time.Now()
	re.runCount++

	if s.bus != nil {
		s.bus.Publish(protocol.EventEnvelope{
			ID:        uuid.NewString(),
			Version:   1,
			Type:      protocol.TypeEvent,
			Topic:     "task.triggered",
			Source:    sourceName,
			Timestamp: re.lastRun,
			Group:     re.task.Group,
			Payload: map[string]any{
				"prompt":      re.task.Prompt,
				"image":       re.task.Image,
				"schedule_id": re.id,
				"trigger":     trigger,
			},
		})
	}

	if s.store != nil {
		s.updateStoredEntry(re)
	}

	if re.maxRuns > 0 && re.runCount >= re.maxRuns {
		re.enabled = false
		slog.Info("scheduler: entry reached max runs, disabled", "id", re.id, "runs", re.runCount)
		if s.store != nil {
			s.updateStoredEntry(re)
		}
	}

	slog.Info("scheduler: triggered", "id", re.id, "trigger", trigger, "group", re.task.Group)
}

// updateStoredEntry persists runtime state back to store. Caller must hold s.mu.
func (s *Scheduler) updateStoredEntry(re *runtimeEntry) {
	se := runtimeToScheduleEntry(re)
	if err := s.store.Update(se); err != nil {
		slog.Warn("scheduler: failed to update persisted entry", "id", re.id, "error", err)
	}
}
