// Package poller periodically fetches a task source, diffs the result
// against the last committed snapshot and publishes field-level change
// events on the bus.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dohr-michael/taskrelay/internal/events"
	"github.com/dohr-michael/taskrelay/internal/snapshot"
	"github.com/dohr-michael/taskrelay/internal/source"
)

const DefaultInterval = 30 * time.Second

type Config struct {
	Source   source.Source
	Bus      *events.Bus
	Store    snapshot.Store
	Interval time.Duration
	Logger   *slog.Logger
}

type Poller struct {
	src      source.Source
	bus      *events.Bus
	store    snapshot.Store
	interval time.Duration
	logger   *slog.Logger

	pollNow chan struct{}

	mu    sync.RWMutex
	rows  map[string]source.Row
	cycle uint64
}

func New(cfg Config) *Poller {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		src:      cfg.Source,
		bus:      cfg.Bus,
		store:    cfg.Store,
		interval: interval,
		logger:   logger.With("source", cfg.Source.Name()),
		pollNow:  make(chan struct{}, 1),
		rows:     make(map[string]source.Row),
	}
}

// Run polls the source until ctx is cancelled. The first cycle runs
// immediately; later cycles run on the interval or when PollNow fires.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.restore(ctx); err != nil {
		p.logger.Warn("snapshot restore failed, starting empty", "error", err)
	}

	if err := p.RunOnce(ctx); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-p.pollNow:
			ticker.Reset(p.interval)
		}
		if err := p.RunOnce(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// PollNow requests an immediate poll cycle. It never blocks; a request
// made while one is already queued is coalesced.
func (p *Poller) PollNow() {
	select {
	case p.pollNow <- struct{}{}:
	default:
	}
}

// Snapshot returns a copy of the last committed snapshot.
func (p *Poller) Snapshot() map[string]source.Row {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]source.Row, len(p.rows))
	for id, row := range p.rows {
		out[id] = row
	}
	return out
}

func (p *Poller) restore(ctx context.Context) error {
	rows, err := p.store.Load(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.rows = rows
	p.mu.Unlock()
	return nil
}

// RunOnce executes a single fetch-diff-commit cycle. A fetch failure leaves
// the previous snapshot in place so the next successful cycle diffs against
// the last known good state.
func (p *Poller) RunOnce(ctx context.Context) error {
	p.mu.Lock()
	p.cycle++
	cycle := p.cycle
	p.mu.Unlock()

	started := time.Now()

	table, err := p.src.Fetch(ctx)
	if err != nil {
		p.logger.Error("poll failed", "cycle", cycle, "error", err)
		p.publish(events.PollFailedPayload{
			Cycle: cycle,
			Error: err.Error(),
		})
		return fmt.Errorf("fetch %s: %w", p.src.Name(), err)
	}

	for _, q := range table.Quarantined {
		p.logger.Warn("row quarantined", "task", q.ID, "status", q.RawStatus, "reason", q.Reason)
		p.publish(events.TaskQuarantinedPayload{
			TaskID:    q.ID,
			RawStatus: q.RawStatus,
			Reason:    q.Reason,
		})
	}

	p.mu.RLock()
	prev := p.rows
	p.mu.RUnlock()

	observedAt := time.Now()
	changes := Diff(prev, table.Rows, observedAt)

	byID := make(map[string]source.Row, len(table.Rows))
	for _, row := range table.Rows {
		byID[row.ID] = row
	}

	// Disappeared ids are dropped from the snapshot without a change event.
	for id := range prev {
		if _, ok := byID[id]; !ok {
			p.logger.Debug("task disappeared from source", "task", id)
		}
	}

	for _, ch := range changes {
		row := byID[ch.TaskID]
		p.logger.Info("task changed",
			"task", ch.TaskID, "field", string(ch.Field), "old", ch.Old, "new", ch.New)
		p.publish(events.TaskChangedPayload{
			TaskID:     ch.TaskID,
			Field:      string(ch.Field),
			Old:        ch.Old,
			New:        ch.New,
			Assignee:   row.Assignee,
			Status:     string(row.Status),
			Version:    row.Version,
			ObservedAt: ch.ObservedAt,
		})
	}

	next := byID
	if err := p.store.Save(ctx, next); err != nil {
		p.logger.Error("snapshot save failed", "cycle", cycle, "error", err)
	}

	p.mu.Lock()
	p.rows = next
	p.mu.Unlock()

	p.publish(events.PollCompletedPayload{
		Cycle:       cycle,
		Rows:        len(table.Rows),
		Changes:     len(changes),
		Quarantined: len(table.Quarantined),
		Duration:    time.Since(started),
	})
	return nil
}

func (p *Poller) publish(payload events.EventPayload) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.NewTypedEvent(events.SourcePoller, p.src.Name(), payload))
}
