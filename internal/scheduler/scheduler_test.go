package scheduler

import (
	"testing"
	"time"

	"github.com/carapace-run/carapace/internal/bus"
	"github.com/carapace-run/carapace/internal/protocol"
)

func TestScheduler_EventTrigger(t *testing.T) {
	b := bus.New(64)
	defer b.Close()

	s := New(Config{Bus: b})
	s.Start()
	defer s.Stop()

	if err := s.AddEntry(&ScheduleEntry{
		Title:   "on-complete",
		OnEvent: &EventTrigger{Event: "plugin.completed"},
		Enabled: true,
		Task:    TaskTemplate{Group: "g1", Prompt: "follow up"},
	}); err != nil {
		t.Fatalf("add entry: %v", err)
	}

	triggerCh, unsub := b.SubscribeChan(t.Context(), "task.triggered")
	defer unsub()

	b.Publish(protocol.EventEnvelope{
		Topic:     "plugin.completed",
		Source:    "plugin",
		Timestamp: time.Now(),
		Payload:   map[string]any{},
	})

	select {
	case e := <-triggerCh:
		if e.Payload["prompt"] != "follow up" {
			t.Fatalf("unexpected payload: %+v", e.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for task.triggered")
	}
}

func TestScheduler_CooldownPreventsDoubleTrigger(t *testing.T) {
	b := bus.New(64)
	defer b.Close()

	s := New(Config{Bus: b})
	s.Start()
	defer s.Stop()

	if err := s.AddEntry(&ScheduleEntry{
		Title:       "cooldown-test",
		OnEvent:     &EventTrigger{Event: "plugin.completed"},
		CooldownSec: 60,
		Enabled:     true,
		Task:        TaskTemplate{Group: "g1", Prompt: "x"},
	}); err != nil {
		t.Fatalf("add entry: %v", err)
	}

	triggerCh, unsub := b.SubscribeChan(t.Context(), "task.triggered")
	defer unsub()

	b.Publish(protocol.EventEnvelope{Topic: "plugin.completed", Source: "plugin", Timestamp: time.Now(), Payload: map[string]any{}})

	select {
	case <-triggerCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first trigger")
	}

	b.Publish(protocol.EventEnvelope{Topic: "plugin.completed", Source: "plugin", Timestamp: time.Now(), Payload: map[string]any{}})

	select {
	case <-triggerCh:
		t.Fatal("expected cooldown to prevent second trigger")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestScheduler_AddEntry_IntervalValidation(t *testing.T) {
	b := bus.New(64)
	defer b.Close()

	store := NewScheduleStore(t.TempDir())
	s := New(Config{Bus: b, Store: store})
	s.Start()
	defer s.Stop()

	triggerCh, unsub := b.SubscribeChan(t.Context(), "task.triggered")
	defer unsub()

	entry := &ScheduleEntry{
		Title:       "git check",
		Description: "check git status periodically",
		IntervalSec: 1, // too short
		Enabled:     true,
		Task:        TaskTemplate{Group: "g1", Prompt: "git status"},
	}

	if err := s.AddEntry(entry); err == nil {
		t.Fatal("expected error for interval < 5s")
	}

	entry.IntervalSec = 5
	entry.CooldownSec = 1
	if err := s.AddEntry(entry); err != nil {
		t.Fatalf("add entry: %v", err)
	}
	if entry.ID == "" {
		t.Fatal("expected ID to be generated")
	}

	entries := s.ListEntries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	persisted, err := store.List()
	if err != nil {
		t.Fatalf("store list: %v", err)
	}
	if len(persisted) != 1 {
		t.Fatalf("expected 1 persisted entry, got %d", len(persisted))
	}

	select {
	case e := <-triggerCh:
		if e.Payload["schedule_id"] != entry.ID {
			t.Fatalf("expected schedule_id %q, got %+v", entry.ID, e.Payload)
		}
		if e.Payload["trigger"] != "interval" {
			t.Fatalf("expected trigger interval, got %+v", e.Payload)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for interval trigger")
	}
}

func TestScheduler_RemoveEntry(t *testing.T) {
	b := bus.New(64)
	defer b.Close()

	store := NewScheduleStore(t.TempDir())
	s := New(Config{Bus: b, Store: store})
	s.Start()
	defer s.Stop()

	entry := &ScheduleEntry{
		Title:       "to remove",
		Description: "will be removed",
		IntervalSec: 60,
		Enabled:     true,
		Task:        TaskTemplate{Group: "g1", Prompt: "noop"},
	}

	if err := s.AddEntry(entry); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := s.RemoveEntry(entry.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	if len(s.ListEntries()) != 0 {
		t.Fatal("expected 0 entries after remove")
	}

	persisted, _ := store.List()
	if len(persisted) != 0 {
		t.Fatal("expected 0 persisted entries after remove")
	}

	if err := s.RemoveEntry("sched_nonexistent"); err == nil {
		t.Fatal("expected error for non-existent entry")
	}
}

func TestScheduler_MaxRuns(t *testing.T) {
	b := bus.New(64)
	defer b.Close()

	store := NewScheduleStore(t.TempDir())
	s := New(Config{Bus: b, Store: store})
	s.Start()
	defer s.Stop()

	triggerCh, unsub := b.SubscribeChan(t.Context(), "task.triggered")
	defer unsub()

	entry := &ScheduleEntry{
		Title:       "max-2",
		Description: "stops after 2 runs",
		IntervalSec: 5,
		CooldownSec: 1,
		MaxRuns:     2,
		Enabled:     true,
		Task:        TaskTemplate{Group: "g1", Prompt: "limited"},
	}

	if err := s.AddEntry(entry); err != nil {
		t.Fatalf("add: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-triggerCh:
		case <-time.After(15 * time.Second):
			t.Fatalf("timeout waiting for trigger %d", i+1)
		}
	}

	select {
	case <-triggerCh:
		t.Fatal("expected entry to be disabled after max runs")
	case <-time.After(8 * time.Second):
	}

	se, ok := s.GetEntry(entry.ID)
	if !ok {
		t.Fatal("entry not found")
	}
	if se.Enabled {
		t.Fatal("expected entry to be disabled")
	}
	if se.RunCount != 2 {
		t.Fatalf("expected run count 2, got %d", se.RunCount)
	}
}

func TestScheduler_LoadPersistedEntries(t *testing.T) {
	b := bus.New(64)
	defer b.Close()

	storeDir := t.TempDir()
	store := NewScheduleStore(storeDir)

	entry := &ScheduleEntry{
		ID:          "sched_pre1",
		Title:       "pre-existing",
		Description: "loaded from disk",
		IntervalSec: 60,
		CooldownSec: 60,
		Enabled:     true,
		Task:        TaskTemplate{Group: "g1", Prompt: "persisted"},
	}
	if err := store.Create(entry); err != nil {
		t.Fatalf("pre-persist: %v", err)
	}

	s := New(Config{Bus: b, Store: store})
	s.Start()
	defer s.Stop()

	entries := s.ListEntries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry loaded from store, got %d", len(entries))
	}
	if entries[0].ID != "sched_pre1" {
		t.Fatalf("expected pre-existing entry, got %q", entries[0].ID)
	}
}

func TestScheduler_NoStore(t *testing.T) {
	b := bus.New(64)
	defer b.Close()

	s := New(Config{Bus: b})
	s.Start()
	defer s.Stop()

	if len(s.ListEntries()) != 0 {
		t.Fatal("expected 0 entries with no store")
	}
}
