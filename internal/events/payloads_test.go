package events

import (
	"testing"
	"time"
)

func TestTypedEvent_TaskChanged(t *testing.T) {
	payload := TaskChangedPayload{
		TaskID:     "CT-100",
		Field:      "Status",
		Old:        "Pending",
		New:        "InProgress",
		Assignee:   "WorkerA",
		ObservedAt: time.Now(),
	}
	evt := NewTypedEvent(SourcePoller, "sheet", payload)

	if evt.Type != EventTaskChanged {
		t.Fatalf("expected type %q, got %q", EventTaskChanged, evt.Type)
	}
	got, ok := ExtractPayload[TaskChangedPayload](evt)
	if !ok {
		t.Fatal("ExtractPayload returned false")
	}
	if got.TaskID != "CT-100" || got.Old != "Pending" || got.New != "InProgress" {
		t.Fatalf("payload round-trip mismatch: %+v", got)
	}
}

func TestTypedEvent_TaskBlocked(t *testing.T) {
	evt := NewTypedEvent(SourceWorker, "grid", TaskBlockedPayload{
		TaskID:   "CT-101",
		Assignee: "WorkerA",
		Error:    "action timed out",
	})

	if evt.Type != EventTaskBlocked {
		t.Fatalf("expected type %q, got %q", EventTaskBlocked, evt.Type)
	}
	got, ok := ExtractPayload[TaskBlockedPayload](evt)
	if !ok {
		t.Fatal("ExtractPayload returned false")
	}
	if got.Error != "action timed out" {
		t.Fatalf("expected error text, got %q", got.Error)
	}
}

func TestTypedEvent_PollCompleted(t *testing.T) {
	evt := NewTypedEvent(SourcePoller, "sheet", PollCompletedPayload{
		Cycle:   7,
		Rows:    12,
		Changes: 3,
	})

	got, ok := ExtractPayload[PollCompletedPayload](evt)
	if !ok {
		t.Fatal("ExtractPayload returned false")
	}
	if got.Cycle != 7 || got.Rows != 12 || got.Changes != 3 {
		t.Fatalf("payload round-trip mismatch: %+v", got)
	}
}
