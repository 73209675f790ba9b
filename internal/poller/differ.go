package poller

import (
	"time"

	"github.com/dohr-michael/taskrelay/internal/source"
)

// Diff compares the newly fetched table against the previous snapshot and
// returns one change event per changed field, in table row order. A row new
// to the snapshot diffs against the empty row; a snapshot id missing from
// the table produces nothing (deletion is not tracked).
func Diff(prev map[string]source.Row, next []source.Row, observedAt time.Time) []source.ChangeEvent {
	var changes []source.ChangeEvent

	for _, row := range next {
		old := prev[row.ID] // zero Row when the id is new

		for _, f := range fieldDiffs(old, row) {
			f.TaskID = row.ID
			f.ObservedAt = observedAt
			changes = append(changes, f)
		}
	}

	return changes
}

// fieldDiffs returns the per-field transitions between two observations of
// the same row, in a fixed field order (status first: it is what consumers
// act on).
func fieldDiffs(old, now source.Row) []source.ChangeEvent {
	var out []source.ChangeEvent

	if old.Status != now.Status {
		out = append(out, source.ChangeEvent{
			Field: source.FieldStatus,
			Old:   string(old.Status),
			New:   string(now.Status),
		})
	}
	if old.Assignee != now.Assignee {
		out = append(out, source.ChangeEvent{
			Field: source.FieldAssignee,
			Old:   old.Assignee,
			New:   now.Assignee,
		})
	}
	if old.Description != now.Description {
		out = append(out, source.ChangeEvent{
			Field: source.FieldDescription,
			Old:   old.Description,
			New:   now.Description,
		})
	}
	if old.Notes != now.Notes {
		out = append(out, source.ChangeEvent{
			Field: source.FieldNotes,
			Old:   old.Notes,
			New:   now.Notes,
		})
	}

	return out
}
