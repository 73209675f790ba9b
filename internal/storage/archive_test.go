package storage

import (
	"strings"
	"testing"
	"time"

	"github.com/dohr-michael/taskrelay/internal/events"
)

func TestArchivePutGetList(t *testing.T) {
	a := NewArchive(t.TempDir(), nil)

	first := ArchiveEntry{
		TaskID: "CT-1", Source: "sheet", Assignee: "WorkerA",
		Outcome: "completed", Duration: 3 * time.Second,
		ArchivedAt: time.Now().Add(-time.Hour),
	}
	second := ArchiveEntry{
		TaskID: "CT-2", Source: "sheet", Assignee: "WorkerA",
		Outcome: "blocked", Error: "timeout",
		ArchivedAt: time.Now(),
	}
	if err := a.Put(first, "deployed build 42"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := a.Put(second, ""); err != nil {
		t.Fatalf("Put: %v", err)
	}

	entry, notes, err := a.Get("CT-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.Outcome != "completed" || entry.Assignee != "WorkerA" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if !strings.Contains(notes, "deployed build 42") {
		t.Errorf("notes missing output: %q", notes)
	}

	entries, err := a.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].TaskID != "CT-2" {
		t.Errorf("list not sorted most recent first: %+v", entries)
	}
}

func TestArchiveGetMissing(t *testing.T) {
	a := NewArchive(t.TempDir(), nil)
	if _, _, err := a.Get("NOPE"); err == nil {
		t.Fatal("expected error for missing task")
	}
}

func TestArchiveRecordsBusEvents(t *testing.T) {
	bus := events.NewBus(100)
	defer bus.Close()

	a := NewArchive(t.TempDir(), bus)
	defer a.Close()

	bus.Publish(events.NewTypedEvent(events.SourceWorker, "sheet", events.TaskCompletedPayload{
		TaskID: "CT-7", Assignee: "WorkerA", Output: "all green", Duration: time.Second,
	}))
	bus.Publish(events.NewTypedEvent(events.SourceWorker, "sheet", events.TaskBlockedPayload{
		TaskID: "CT-8", Assignee: "WorkerA", Error: "no credentials",
	}))
	time.Sleep(300 * time.Millisecond)

	entry, notes, err := a.Get("CT-7")
	if err != nil {
		t.Fatalf("Get completed: %v", err)
	}
	if entry.Outcome != "completed" || entry.Source != "sheet" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if !strings.Contains(notes, "all green") {
		t.Errorf("notes: %q", notes)
	}

	entry, _, err = a.Get("CT-8")
	if err != nil {
		t.Fatalf("Get blocked: %v", err)
	}
	if entry.Outcome != "blocked" || entry.Error != "no credentials" {
		t.Errorf("unexpected entry: %+v", entry)
	}
}
