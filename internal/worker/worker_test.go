package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dohr-michael/taskrelay/internal/events"
	"github.com/dohr-michael/taskrelay/internal/source"
)

// memSource is an in-memory task source. With versioning enabled it
// implements compare-and-swap claims the way the grid API backend does.
type memSource struct {
	mu         sync.Mutex
	rows       map[string]source.Row
	versioning bool
	updates    []source.Row
	fetchErr   error

	// fetchGate, when set, holds every Fetch until all expected fetchers
	// have arrived, widening the read-check-write window deterministically.
	fetchGate *sync.WaitGroup
}

func newMemSource(versioning bool, rows ...source.Row) *memSource {
	m := &memSource{rows: make(map[string]source.Row), versioning: versioning}
	for _, r := range rows {
		m.rows[r.ID] = r
	}
	return m
}

func (m *memSource) Name() string { return "mem" }

func (m *memSource) Fetch(ctx context.Context) (source.Table, error) {
	if m.fetchGate != nil {
		m.fetchGate.Done()
		m.fetchGate.Wait()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return source.Table{}, m.fetchErr
	}
	t := source.Table{}
	for _, r := range m.rows {
		t.Rows = append(t.Rows, r)
	}
	return t, nil
}

func (m *memSource) Update(ctx context.Context, row source.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[row.ID] = row
	m.updates = append(m.updates, row)
	return nil
}

func (m *memSource) Claim(ctx context.Context, id, version, assignee string) (source.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.versioning || version == "" {
		return source.Row{}, source.ErrNoVersioning
	}
	row, ok := m.rows[id]
	if !ok {
		return source.Row{}, source.ErrRowNotFound
	}
	if row.Version != version {
		return source.Row{}, source.ErrVersionConflict
	}
	row.Status = source.StatusInProgress
	row.Assignee = assignee
	row.Version = version + "'"
	m.rows[id] = row
	m.updates = append(m.updates, row)
	return row, nil
}

func (m *memSource) updateLog() []source.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]source.Row, len(m.updates))
	copy(out, m.updates)
	return out
}

// echoAction records invocations and optionally fails.
type echoAction struct {
	mu    sync.Mutex
	runs  []string
	fail  error
	block chan struct{}
}

func (a *echoAction) Name() string { return "echo" }

func (a *echoAction) Run(ctx context.Context, task source.Row) (string, error) {
	if a.block != nil {
		<-a.block
	}
	a.mu.Lock()
	a.runs = append(a.runs, task.ID)
	a.mu.Unlock()
	if a.fail != nil {
		return "", a.fail
	}
	return "handled " + task.ID, nil
}

func (a *echoAction) runCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.runs)
}

func startWorker(t *testing.T, bus *events.Bus, src source.Source, action Action) {
	t.Helper()
	w, err := New(Config{
		Assignee: "WorkerA",
		Source:   src,
		Bus:      bus,
		Routes:   []Route{{Match: "**", Action: action}},
		Timeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)
	time.Sleep(50 * time.Millisecond) // let the subscription land
}

func changed(taskID, assignee string, status source.Status, version string) events.Event {
	return events.NewTypedEvent(events.SourcePoller, "mem", events.TaskChangedPayload{
		TaskID:     taskID,
		Field:      string(source.FieldStatus),
		New:        string(status),
		Assignee:   assignee,
		Status:     string(status),
		Version:    version,
		ObservedAt: time.Now(),
	})
}

func TestWorkerClaimsAndCompletes(t *testing.T) {
	bus := events.NewBus(100)
	defer bus.Close()

	src := newMemSource(false, source.Row{ID: "CT-1", Status: source.StatusPending, Assignee: "WorkerA"})
	action := &echoAction{}
	startWorker(t, bus, src, action)

	var mu sync.Mutex
	var lifecycle []events.EventType
	bus.Subscribe(func(e events.Event) {
		mu.Lock()
		lifecycle = append(lifecycle, e.Type)
		mu.Unlock()
	}, events.EventTaskClaimed, events.EventTaskCompleted)

	bus.Publish(changed("CT-1", "WorkerA", source.StatusPending, ""))
	time.Sleep(300 * time.Millisecond)

	if action.runCount() != 1 {
		t.Fatalf("action ran %d times, want 1", action.runCount())
	}

	updates := src.updateLog()
	if len(updates) != 2 {
		t.Fatalf("expected InProgress then Complete updates, got %d: %+v", len(updates), updates)
	}
	if updates[0].Status != source.StatusInProgress {
		t.Errorf("first update status: got %s", updates[0].Status)
	}
	if updates[1].Status != source.StatusComplete {
		t.Errorf("second update status: got %s", updates[1].Status)
	}
	if updates[1].Notes != "handled CT-1" {
		t.Errorf("completion note: got %q", updates[1].Notes)
	}

	mu.Lock()
	defer mu.Unlock()
	seen := map[events.EventType]bool{}
	for _, et := range lifecycle {
		seen[et] = true
	}
	if !seen[events.EventTaskClaimed] || !seen[events.EventTaskCompleted] {
		t.Errorf("lifecycle events: got %v", lifecycle)
	}
}

func TestWorkerReportsBlockedOnFailure(t *testing.T) {
	bus := events.NewBus(100)
	defer bus.Close()

	src := newMemSource(false, source.Row{ID: "CT-2", Status: source.StatusPending, Assignee: "WorkerA"})
	action := &echoAction{fail: errors.New("downstream is down")}
	startWorker(t, bus, src, action)

	var mu sync.Mutex
	var blocked []events.Event
	bus.Subscribe(func(e events.Event) {
		mu.Lock()
		blocked = append(blocked, e)
		mu.Unlock()
	}, events.EventTaskBlocked)

	bus.Publish(changed("CT-2", "WorkerA", source.StatusPending, ""))
	time.Sleep(300 * time.Millisecond)

	updates := src.updateLog()
	last := updates[len(updates)-1]
	if last.Status != source.StatusBlocked {
		t.Errorf("final status: got %s, want Blocked", last.Status)
	}
	if last.Notes == "" {
		t.Error("blocked task should carry an error note")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(blocked) != 1 {
		t.Fatalf("expected 1 task.blocked event, got %d", len(blocked))
	}
	payload, _ := events.ExtractPayload[events.TaskBlockedPayload](blocked[0])
	if payload.Error != "downstream is down" {
		t.Errorf("blocked payload: %+v", payload)
	}
}

func TestWorkerIgnoresOtherAssignees(t *testing.T) {
	bus := events.NewBus(100)
	defer bus.Close()

	src := newMemSource(false, source.Row{ID: "CT-3", Status: source.StatusPending, Assignee: "WorkerB"})
	action := &echoAction{}
	startWorker(t, bus, src, action)

	bus.Publish(changed("CT-3", "WorkerB", source.StatusPending, ""))
	bus.Publish(changed("CT-3", "WorkerA", source.StatusComplete, "")) // terminal, not actionable
	time.Sleep(200 * time.Millisecond)

	if action.runCount() != 0 {
		t.Errorf("action ran %d times, want 0", action.runCount())
	}
}

func TestWorkerVersionedClaimLosesRace(t *testing.T) {
	bus := events.NewBus(100)
	defer bus.Close()

	// current version is v2; the event carries a stale v1 token
	src := newMemSource(true, source.Row{ID: "CT-4", Status: source.StatusPending, Assignee: "WorkerA", Version: "v2"})
	action := &echoAction{}
	startWorker(t, bus, src, action)

	bus.Publish(changed("CT-4", "WorkerA", source.StatusPending, "v1"))
	time.Sleep(200 * time.Millisecond)

	if action.runCount() != 0 {
		t.Errorf("stale claim still ran the action %d times", action.runCount())
	}
	if len(src.updateLog()) != 0 {
		t.Errorf("stale claim wrote updates: %+v", src.updateLog())
	}
}

func TestWorkerVersionedClaimWins(t *testing.T) {
	bus := events.NewBus(100)
	defer bus.Close()

	src := newMemSource(true, source.Row{ID: "CT-5", Status: source.StatusPending, Assignee: "WorkerA", Version: "v7"})
	action := &echoAction{}
	startWorker(t, bus, src, action)

	bus.Publish(changed("CT-5", "WorkerA", source.StatusPending, "v7"))
	time.Sleep(300 * time.Millisecond)

	if action.runCount() != 1 {
		t.Fatalf("action ran %d times, want 1", action.runCount())
	}
	updates := src.updateLog()
	if updates[0].Status != source.StatusInProgress || updates[0].Version == "v7" {
		t.Errorf("claim should bump the version: %+v", updates[0])
	}
}

func TestWorkerDeduplicatesInflight(t *testing.T) {
	bus := events.NewBus(100)
	defer bus.Close()

	src := newMemSource(false, source.Row{ID: "CT-6", Status: source.StatusPending, Assignee: "WorkerA"})
	action := &echoAction{block: make(chan struct{})}
	startWorker(t, bus, src, action)

	bus.Publish(changed("CT-6", "WorkerA", source.StatusPending, ""))
	bus.Publish(changed("CT-6", "WorkerA", source.StatusPending, ""))
	time.Sleep(200 * time.Millisecond)
	close(action.block)
	time.Sleep(200 * time.Millisecond)

	if n := action.runCount(); n != 1 {
		t.Errorf("duplicate events ran the action %d times, want 1", n)
	}
}

func TestWorkerSweepsSnapshotOnPoll(t *testing.T) {
	bus := events.NewBus(100)
	defer bus.Close()

	// After a restart an identical refetch diffs to zero change events; the
	// still-Pending assigned row must be picked up from the snapshot sweep.
	row := source.Row{ID: "CT-9", Status: source.StatusPending, Assignee: "WorkerA"}
	src := newMemSource(false, row)
	action := &echoAction{}

	w, err := New(Config{
		Assignee: "WorkerA",
		Source:   src,
		Bus:      bus,
		Routes:   []Route{{Match: "**", Action: action}},
		Snapshot: func() map[string]source.Row { return map[string]source.Row{row.ID: row} },
		Timeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	bus.Publish(events.NewTypedEvent(events.SourcePoller, "mem", events.PollCompletedPayload{Cycle: 1, Rows: 1}))
	time.Sleep(300 * time.Millisecond)

	if action.runCount() != 1 {
		t.Fatalf("sweep ran the action %d times, want 1", action.runCount())
	}
	updates := src.updateLog()
	if len(updates) == 0 || updates[len(updates)-1].Status != source.StatusComplete {
		t.Errorf("swept task not completed: %+v", updates)
	}
}

func TestUnversionedClaimRaceIsPossible(t *testing.T) {
	bus := events.NewBus(100)
	defer bus.Close()

	// Without row versioning the claim is read-check-write: two workers
	// observing the same Pending row inside the window both claim it. The
	// race is accepted for such sources, so this asserts it is possible,
	// not that it is prevented.
	src := newMemSource(false, source.Row{ID: "CT-10", Status: source.StatusPending, Assignee: "WorkerA"})
	var gate sync.WaitGroup
	gate.Add(2)
	src.fetchGate = &gate

	action := &echoAction{}
	startWorker(t, bus, src, action)
	startWorker(t, bus, src, action) // second independent instance, same assignee

	bus.Publish(changed("CT-10", "WorkerA", source.StatusPending, ""))
	time.Sleep(500 * time.Millisecond)

	if n := action.runCount(); n != 2 {
		t.Fatalf("expected both workers to claim inside the window, action ran %d times", n)
	}
	inProgress := 0
	for _, u := range src.updateLog() {
		if u.Status == source.StatusInProgress {
			inProgress++
		}
	}
	if inProgress != 2 {
		t.Errorf("expected 2 InProgress claim writes, got %d", inProgress)
	}
}

func TestReportRefusesIllegalTransition(t *testing.T) {
	bus := events.NewBus(100)
	defer bus.Close()

	src := newMemSource(false)
	w, err := New(Config{Assignee: "WorkerA", Source: src, Bus: bus})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Complete is terminal; no report may rewrite it.
	w.report(context.Background(), source.Row{ID: "CT-11", Status: source.StatusComplete},
		source.StatusBlocked, "late failure")

	if n := len(src.updateLog()); n != 0 {
		t.Errorf("terminal row was rewritten: %d updates", n)
	}
}

func TestWorkerSkipsWhenNoLongerActionable(t *testing.T) {
	bus := events.NewBus(100)
	defer bus.Close()

	// unversioned source: the refetch sees the row already InProgress,
	// so the read-check-write fallback declines the claim
	src := newMemSource(false, source.Row{ID: "CT-7", Status: source.StatusInProgress, Assignee: "WorkerA"})
	action := &echoAction{}
	startWorker(t, bus, src, action)

	bus.Publish(changed("CT-7", "WorkerA", source.StatusPending, ""))
	time.Sleep(200 * time.Millisecond)

	if action.runCount() != 0 {
		t.Errorf("action ran on a task someone else already claimed")
	}
}
