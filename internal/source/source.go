// Package source defines the task table boundary: rows, statuses, change
// events, and the Source interface implemented by concrete backends.
package source

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRowNotFound is returned when a task id does not exist in the source.
	ErrRowNotFound = errors.New("task row not found")

	// ErrVersionConflict is returned by Claim when the row changed between
	// fetch and claim (compare-and-swap miss).
	ErrVersionConflict = errors.New("row version conflict")

	// ErrNoVersioning is returned by Claim on backends that expose no row
	// version token. Callers fall back to plain Update, accepting the race.
	ErrNoVersioning = errors.New("source does not support versioned claims")
)

// Row is one unit of work as observed in the external table.
type Row struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	Assignee    string    `json:"assignee"`
	Notes       string    `json:"notes"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// Version is an opaque per-row token (sheet revision, HTTP ETag).
	// Empty on backends without versioning.
	Version string `json:"version,omitempty"`
}

// Field names reported in change events.
const (
	FieldStatus      = "Status"
	FieldAssignee    = "Assignee"
	FieldDescription = "Description"
	FieldNotes       = "Notes"
)

// ChangeEvent describes one field transition between two observations of a row.
type ChangeEvent struct {
	TaskID     string    `json:"task_id"`
	Field      string    `json:"field"`
	Old        string    `json:"old"`
	New        string    `json:"new"`
	ObservedAt time.Time `json:"observed_at"`
}

// QuarantinedRow is a row whose status cell failed validation at the boundary.
// Quarantined rows are excluded from the table and never reach the differ.
type QuarantinedRow struct {
	ID        string `json:"id"`
	RawStatus string `json:"raw_status"`
	Reason    string `json:"reason"`
}

// Table is the result of one full fetch: valid rows in table order plus any
// rows rejected by the status validator.
type Table struct {
	Rows        []Row
	Quarantined []QuarantinedRow
}

// Source is the read/write boundary to the external task table. The table is
// externally owned: rows are created by humans or other integrations, the
// poller only reads, and workers write status transitions back.
type Source interface {
	// Name identifies the source in logs, events, and API paths.
	Name() string

	// Fetch returns the full current table in row order. Rows with
	// unparseable status cells are quarantined, not returned as rows.
	Fetch(ctx context.Context) (Table, error)

	// Update writes status, notes, and assignee of the given row back,
	// matched by row ID. Last write wins.
	Update(ctx context.Context, row Row) error

	// Claim atomically transitions a row to InProgress for the given
	// assignee, guarded by the version token observed at fetch time.
	// Returns ErrVersionConflict if the row changed in between and
	// ErrNoVersioning if the backend cannot check versions.
	Claim(ctx context.Context, id, version, assignee string) (Row, error)
}
