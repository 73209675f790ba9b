// Package scheduler drives poll cadence beyond the pollers' own base
// interval: cron-scheduled extra polls and immediate polls on push events
// from source webhooks.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dohr-michael/taskrelay/internal/events"
)

// DefaultCooldown is the minimum gap between two triggers of one entry.
// Push storms from a chatty webhook collapse into a single poll per window.
const DefaultCooldown = 10 * time.Second

// PollTrigger requests an immediate poll cycle. *poller.Poller implements it.
type PollTrigger interface {
	PollNow()
}

// Entry schedules extra polls for one source.
type Entry struct {
	SourceName string
	Trigger    PollTrigger
	CronSpec   string // optional, 5-field
	OnPush     bool   // poll immediately on a source.push event
	Cooldown   time.Duration
}

type runtimeEntry struct {
	sourceName string
	trigger    PollTrigger
	cron       *CronExpr
	onPush     bool
	cooldown   time.Duration
	lastRun    time.Time
}

type Scheduler struct {
	bus *events.Bus

	mu      sync.Mutex
	entries []*runtimeEntry

	done        chan struct{}
	unsubscribe func()
}

func New(bus *events.Bus) *Scheduler {
	return &Scheduler{
		bus:  bus,
		done: make(chan struct{}),
	}
}

// AddEntry registers a source's extra-poll triggers.
func (s *Scheduler) AddEntry(e Entry) error {
	if e.Trigger == nil {
		return fmt.Errorf("entry %s: trigger is required", e.SourceName)
	}
	if e.CronSpec == "" && !e.OnPush {
		return fmt.Errorf("entry %s: needs a cron spec or on-push trigger", e.SourceName)
	}

	re := &runtimeEntry{
		sourceName: e.SourceName,
		trigger:    e.Trigger,
		onPush:     e.OnPush,
		cooldown:   e.Cooldown,
	}
	if e.CronSpec != "" {
		expr, err := ParseCron(e.CronSpec)
		if err != nil {
			return fmt.Errorf("entry %s: %w", e.SourceName, err)
		}
		re.cron = expr
	}
	if re.cooldown <= 0 {
		re.cooldown = DefaultCooldown
	}

	s.mu.Lock()
	s.entries = append(s.entries, re)
	s.mu.Unlock()

	slog.Info("scheduler: registered entry",
		"source", e.SourceName, "cron", e.CronSpec, "on_push", e.OnPush)
	return nil
}

// Start begins the cron loop and the push event subscription.
func (s *Scheduler) Start() {
	s.unsubscribe = s.bus.Subscribe(s.handlePush, events.EventSourcePush)
	go s.cronLoop()

	s.mu.Lock()
	n := len(s.entries)
	s.mu.Unlock()
	slog.Info("scheduler started", "entries", n)
}

func (s *Scheduler) Stop() {
	close(s.done)
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	slog.Info("scheduler stopped")
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

func (s *Scheduler) checkCron(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.entries {
		if entry.cron == nil || !entry.cron.Matches(now) {
			continue
		}
		if now.Sub(entry.lastRun) < entry.cooldown {
			continue
		}
		s.trigger(entry, "cron")
	}
}

// handlePush matches a source.push event to entries by source name.
func (s *Scheduler) handlePush(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, entry := range s.entries {
		if !entry.onPush || entry.sourceName != e.SourceName {
			continue
		}
		if now.Sub(entry.lastRun) < entry.cooldown {
			slog.Debug("scheduler: push inside cooldown, skipped", "source", entry.sourceName)
			continue
		}
		s.trigger(entry, "push")
	}
}

// trigger fires an entry. Caller must hold s.mu.
func (s *Scheduler) trigger(entry *runtimeEntry, cause string) {
	entry.lastRun = time.Now()
	entry.trigger.PollNow()
	slog.Info("scheduler: poll triggered", "source", entry.sourceName, "cause", cause)
}
