// Package worker claims actionable tasks assigned to it, runs the routed
// action, and reports the outcome back to the task source.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dohr-michael/taskrelay/internal/events"
	"github.com/dohr-michael/taskrelay/internal/source"
)

const (
	DefaultConcurrency = 4
	DefaultTimeout     = 5 * time.Minute
)

type Config struct {
	// Assignee is the name this worker answers to in the task sheet.
	Assignee string
	Source   source.Source
	Bus      *events.Bus
	Routes   []Route
	// Snapshot exposes the poller's last committed snapshot. When set, the
	// worker sweeps it for actionable rows on every poll.completed event, so
	// a task whose change event was missed (restart, dropped buffer, worker
	// down) is picked up again on the next cycle.
	Snapshot    func() map[string]source.Row
	Concurrency int
	Timeout     time.Duration
	Logger      *slog.Logger
}

type Worker struct {
	assignee string
	src      source.Source
	bus      *events.Bus
	routes   []Route
	snapshot func() map[string]source.Row
	timeout  time.Duration
	logger   *slog.Logger

	sem chan struct{}

	mu       sync.Mutex
	inflight map[string]bool
}

func New(cfg Config) (*Worker, error) {
	if cfg.Assignee == "" {
		return nil, errors.New("worker assignee is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("worker source is required")
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		assignee: cfg.Assignee,
		src:      cfg.Source,
		bus:      cfg.Bus,
		routes:   cfg.Routes,
		snapshot: cfg.Snapshot,
		timeout:  timeout,
		logger:   logger.With("worker", cfg.Assignee),
		sem:      make(chan struct{}, concurrency),
		inflight: make(map[string]bool),
	}, nil
}

// Run consumes task change events until ctx is cancelled. Each poll.completed
// event additionally sweeps the snapshot, so an actionable row whose change
// event never reached this worker is re-observed on the next cycle instead of
// sitting orphaned.
func (w *Worker) Run(ctx context.Context) error {
	ch, unsubscribe := w.bus.SubscribeChan(64, events.EventTaskChanged, events.EventPollCompleted)
	defer unsubscribe()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if e.SourceName != w.src.Name() {
				continue
			}

			switch e.Type {
			case events.EventPollCompleted:
				w.sweep(ctx, &wg)
			case events.EventTaskChanged:
				payload, ok := events.ExtractPayload[events.TaskChangedPayload](e)
				if !ok {
					continue
				}
				w.dispatch(ctx, &wg, payload)
			}
		}
	}
}

// sweep re-examines the last committed snapshot for actionable rows assigned
// to this worker. Rows already inflight or no longer actionable fall out in
// dispatch.
func (w *Worker) sweep(ctx context.Context, wg *sync.WaitGroup) {
	if w.snapshot == nil {
		return
	}
	for _, row := range w.snapshot() {
		w.dispatch(ctx, wg, events.TaskChangedPayload{
			TaskID:     row.ID,
			Assignee:   row.Assignee,
			Status:     string(row.Status),
			Version:    row.Version,
			ObservedAt: time.Now(),
		})
	}
}

func (w *Worker) dispatch(ctx context.Context, wg *sync.WaitGroup, payload events.TaskChangedPayload) {
	if !w.wants(payload) {
		return
	}
	route, ok := w.route(payload.TaskID)
	if !ok {
		w.logger.Debug("no route for task", "task", payload.TaskID)
		return
	}
	if !w.markInflight(payload.TaskID) {
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer w.clearInflight(payload.TaskID)

		select {
		case w.sem <- struct{}{}:
			defer func() { <-w.sem }()
		case <-ctx.Done():
			return
		}
		w.handle(ctx, payload, route)
	}()
}

// wants reports whether a change event describes a task this worker should
// pick up: assigned to it and in an actionable status.
func (w *Worker) wants(p events.TaskChangedPayload) bool {
	if p.Assignee != w.assignee {
		return false
	}
	status, err := source.ParseStatus(p.Status)
	if err != nil {
		return false
	}
	return status.Actionable()
}

func (w *Worker) route(taskID string) (Route, bool) {
	for _, r := range w.routes {
		if r.Matches(taskID) {
			return r, true
		}
	}
	return Route{}, false
}

func (w *Worker) markInflight(taskID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inflight[taskID] {
		return false
	}
	w.inflight[taskID] = true
	return true
}

func (w *Worker) clearInflight(taskID string) {
	w.mu.Lock()
	delete(w.inflight, taskID)
	w.mu.Unlock()
}

func (w *Worker) handle(ctx context.Context, p events.TaskChangedPayload, route Route) {
	logger := w.logger.With("task", p.TaskID, "action", route.Action.Name())

	task, err := w.claim(ctx, p)
	if err != nil {
		if errors.Is(err, source.ErrVersionConflict) {
			logger.Info("claim lost, another worker got there first")
			return
		}
		if errors.Is(err, errNotActionable) {
			logger.Debug("task no longer actionable, skipping")
			return
		}
		logger.Error("claim failed", "error", err)
		return
	}
	logger.Info("task claimed")
	w.publish(events.TaskClaimedPayload{
		TaskID:   task.ID,
		Assignee: w.assignee,
		Action:   route.Action.Name(),
	})

	started := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, w.timeout)
	output, err := route.Action.Run(runCtx, task)
	cancel()

	if err != nil {
		logger.Error("task failed", "error", err, "duration", time.Since(started))
		w.report(ctx, task, source.StatusBlocked, "blocked: "+err.Error())
		w.publish(events.TaskBlockedPayload{
			TaskID:   task.ID,
			Assignee: w.assignee,
			Error:    err.Error(),
		})
		return
	}

	logger.Info("task completed", "duration", time.Since(started))
	note := "done"
	if output != "" {
		note = output
	}
	w.report(ctx, task, source.StatusComplete, note)
	w.publish(events.TaskCompletedPayload{
		TaskID:   task.ID,
		Assignee: w.assignee,
		Output:   output,
		Duration: time.Since(started),
	})
}

var errNotActionable = errors.New("task is not actionable")

// claim moves the task to InProgress. Sources with row versioning get a
// compare-and-swap claim; the rest fall back to read-check-write, which
// leaves a small window where two workers can both claim the same row.
func (w *Worker) claim(ctx context.Context, p events.TaskChangedPayload) (source.Row, error) {
	if p.Version != "" {
		task, err := w.src.Claim(ctx, p.TaskID, p.Version, w.assignee)
		if err == nil || !errors.Is(err, source.ErrNoVersioning) {
			return task, err
		}
	}

	task, err := w.refetch(ctx, p.TaskID)
	if err != nil {
		if errors.Is(err, source.ErrRowNotFound) {
			return source.Row{}, errNotActionable
		}
		return source.Row{}, err
	}
	if task.Assignee != w.assignee || !source.CanTransition(task.Status, source.StatusInProgress) {
		return source.Row{}, errNotActionable
	}

	task.Status = source.StatusInProgress
	if err := w.src.Update(ctx, task); err != nil {
		return source.Row{}, fmt.Errorf("mark in progress: %w", err)
	}
	return task, nil
}

func (w *Worker) refetch(ctx context.Context, taskID string) (source.Row, error) {
	table, err := w.src.Fetch(ctx)
	if err != nil {
		return source.Row{}, fmt.Errorf("refetch before claim: %w", err)
	}
	for _, row := range table.Rows {
		if row.ID == taskID {
			return row, nil
		}
	}
	return source.Row{}, source.ErrRowNotFound
}

// report writes the terminal status and note back to the source. The write
// uses a fresh short timeout so a finished task still gets reported during
// shutdown.
func (w *Worker) report(ctx context.Context, task source.Row, status source.Status, note string) {
	if !source.CanTransition(task.Status, status) {
		w.logger.Error("refusing illegal status transition",
			"task", task.ID, "from", string(task.Status), "to", string(status))
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	task.Status = status
	task.Notes = appendNote(task.Notes, note)
	if err := w.src.Update(ctx, task); err != nil {
		w.logger.Error("report failed", "task", task.ID, "status", string(status), "error", err)
	}
}

func appendNote(existing, note string) string {
	note = strings.TrimSpace(note)
	if existing == "" {
		return note
	}
	return existing + "\n" + note
}

func (w *Worker) publish(payload events.EventPayload) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(events.NewTypedEvent(events.SourceWorker, w.src.Name(), payload))
}
