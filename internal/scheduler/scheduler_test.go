package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/dohr-michael/taskrelay/internal/events"
)

type countingTrigger struct {
	polls atomic.Int64
}

func (c *countingTrigger) PollNow() { c.polls.Add(1) }

func TestAddEntryValidation(t *testing.T) {
	s := New(events.NewBus(10))

	if err := s.AddEntry(Entry{SourceName: "sheet", Trigger: &countingTrigger{}}); err == nil {
		t.Error("entry without cron or push trigger should be rejected")
	}
	if err := s.AddEntry(Entry{SourceName: "sheet", CronSpec: "* * * * *"}); err == nil {
		t.Error("entry without a poll trigger should be rejected")
	}
	if err := s.AddEntry(Entry{SourceName: "sheet", Trigger: &countingTrigger{}, CronSpec: "bogus"}); err == nil {
		t.Error("entry with a bad cron spec should be rejected")
	}
	if err := s.AddEntry(Entry{SourceName: "sheet", Trigger: &countingTrigger{}, OnPush: true}); err != nil {
		t.Errorf("valid push entry rejected: %v", err)
	}
}

func TestPushEventTriggersPoll(t *testing.T) {
	bus := events.NewBus(10)
	defer bus.Close()

	trigger := &countingTrigger{}
	s := New(bus)
	if err := s.AddEntry(Entry{SourceName: "sheet", Trigger: trigger, OnPush: true}); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	s.Start()
	defer s.Stop()

	bus.Publish(events.NewTypedEvent(events.SourceGateway, "sheet", events.SourcePushPayload{Origin: "test"}))
	time.Sleep(200 * time.Millisecond)

	if got := trigger.polls.Load(); got != 1 {
		t.Errorf("expected 1 poll, got %d", got)
	}
}

func TestPushIgnoresOtherSources(t *testing.T) {
	bus := events.NewBus(10)
	defer bus.Close()

	trigger := &countingTrigger{}
	s := New(bus)
	if err := s.AddEntry(Entry{SourceName: "sheet", Trigger: trigger, OnPush: true}); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	s.Start()
	defer s.Stop()

	bus.Publish(events.NewTypedEvent(events.SourceGateway, "grid", events.SourcePushPayload{}))
	time.Sleep(200 * time.Millisecond)

	if got := trigger.polls.Load(); got != 0 {
		t.Errorf("push for another source triggered %d polls", got)
	}
}

func TestPushCooldownCollapsesBursts(t *testing.T) {
	bus := events.NewBus(10)
	defer bus.Close()

	trigger := &countingTrigger{}
	s := New(bus)
	if err := s.AddEntry(Entry{SourceName: "sheet", Trigger: trigger, OnPush: true, Cooldown: time.Hour}); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	s.Start()
	defer s.Stop()

	for range 5 {
		bus.Publish(events.NewTypedEvent(events.SourceGateway, "sheet", events.SourcePushPayload{}))
	}
	time.Sleep(300 * time.Millisecond)

	if got := trigger.polls.Load(); got != 1 {
		t.Errorf("burst of 5 pushes triggered %d polls, want 1", got)
	}
}

func TestCheckCronMatchesMinute(t *testing.T) {
	trigger := &countingTrigger{}
	s := New(events.NewBus(10))
	if err := s.AddEntry(Entry{SourceName: "sheet", Trigger: trigger, CronSpec: "30 14 * * *", Cooldown: time.Second}); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	s.checkCron(time.Date(2026, 6, 15, 14, 30, 10, 0, time.UTC))
	if got := trigger.polls.Load(); got != 1 {
		t.Fatalf("expected 1 poll at 14:30, got %d", got)
	}

	s.checkCron(time.Date(2026, 6, 15, 14, 31, 0, 0, time.UTC))
	if got := trigger.polls.Load(); got != 1 {
		t.Errorf("poll fired outside the scheduled minute")
	}
}
