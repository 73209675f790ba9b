package poller

import (
	"testing"
	"time"

	"github.com/dohr-michael/taskrelay/internal/source"
)

func TestDiffNewRowFromEmpty(t *testing.T) {
	now := time.Now()
	next := []source.Row{
		{ID: "T-1", Description: "ship it", Status: source.StatusPending, Assignee: "bot"},
	}

	changes := Diff(map[string]source.Row{}, next, now)

	if len(changes) != 3 {
		t.Fatalf("expected 3 changes (status, assignee, description), got %d: %+v", len(changes), changes)
	}
	if changes[0].Field != source.FieldStatus || changes[0].Old != "" || changes[0].New != string(source.StatusPending) {
		t.Errorf("unexpected status change: %+v", changes[0])
	}
	if changes[1].Field != source.FieldAssignee || changes[1].New != "bot" {
		t.Errorf("unexpected assignee change: %+v", changes[1])
	}
	if changes[2].Field != source.FieldDescription || changes[2].New != "ship it" {
		t.Errorf("unexpected description change: %+v", changes[2])
	}
	for _, c := range changes {
		if c.TaskID != "T-1" {
			t.Errorf("change has wrong task id: %+v", c)
		}
		if !c.ObservedAt.Equal(now) {
			t.Errorf("change has wrong observed_at: %+v", c)
		}
	}
}

func TestDiffFieldTransition(t *testing.T) {
	prev := map[string]source.Row{
		"T-1": {ID: "T-1", Status: source.StatusNotStarted, Assignee: "bot", Description: "ship it"},
	}
	next := []source.Row{
		{ID: "T-1", Status: source.StatusPending, Assignee: "bot", Description: "ship it"},
	}

	changes := Diff(prev, next, time.Now())

	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d: %+v", len(changes), changes)
	}
	c := changes[0]
	if c.Field != source.FieldStatus || c.Old != string(source.StatusNotStarted) || c.New != string(source.StatusPending) {
		t.Errorf("unexpected change: %+v", c)
	}
}

func TestDiffIdenticalIsEmpty(t *testing.T) {
	row := source.Row{ID: "T-1", Status: source.StatusInProgress, Assignee: "bot", Description: "x", Notes: "n"}
	prev := map[string]source.Row{"T-1": row}

	changes := Diff(prev, []source.Row{row}, time.Now())

	if len(changes) != 0 {
		t.Fatalf("identical table produced changes: %+v", changes)
	}
}

func TestDiffIgnoresMissingRows(t *testing.T) {
	prev := map[string]source.Row{
		"T-1": {ID: "T-1", Status: source.StatusPending},
		"T-2": {ID: "T-2", Status: source.StatusComplete},
	}
	next := []source.Row{
		{ID: "T-1", Status: source.StatusPending},
	}

	changes := Diff(prev, next, time.Now())

	if len(changes) != 0 {
		t.Fatalf("missing row produced changes: %+v", changes)
	}
}

func TestDiffKeepsTableRowOrder(t *testing.T) {
	prev := map[string]source.Row{
		"T-1": {ID: "T-1", Status: source.StatusPending},
		"T-2": {ID: "T-2", Status: source.StatusPending},
	}
	next := []source.Row{
		{ID: "T-2", Status: source.StatusInProgress},
		{ID: "T-1", Status: source.StatusComplete},
	}

	changes := Diff(prev, next, time.Now())

	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changes))
	}
	if changes[0].TaskID != "T-2" || changes[1].TaskID != "T-1" {
		t.Errorf("changes not in table order: %+v", changes)
	}
}
