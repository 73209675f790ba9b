package source

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a task row.
type Status string

const (
	StatusNotStarted Status = "NotStarted"
	StatusPending    Status = "Pending"
	StatusInProgress Status = "InProgress"
	StatusComplete   Status = "Complete"
	StatusBlocked    Status = "Blocked"
)

// statusAliases maps the free-form spellings seen in shared spreadsheets to
// canonical statuses. Lookup is case-insensitive after stripping spaces,
// underscores, and dashes.
var statusAliases = map[string]Status{
	"notstarted": StatusNotStarted,
	"new":        StatusNotStarted,
	"todo":       StatusNotStarted,
	"pending":    StatusPending,
	"start":      StatusPending,
	"ready":      StatusPending,
	"inprogress": StatusInProgress,
	"inwork":     StatusInProgress,
	"doing":      StatusInProgress,
	"complete":   StatusComplete,
	"completed":  StatusComplete,
	"done":       StatusComplete,
	"blocked":    StatusBlocked,
	"stuck":      StatusBlocked,
}

// ParseStatus validates a raw status cell. Unrecognized values are an error;
// the poller quarantines such rows instead of propagating them.
func ParseStatus(raw string) (Status, error) {
	key := strings.ToLower(raw)
	for _, cut := range []string{" ", "_", "-"} {
		key = strings.ReplaceAll(key, cut, "")
	}
	if s, ok := statusAliases[key]; ok {
		return s, nil
	}
	return "", fmt.Errorf("unrecognized status %q", raw)
}

// Actionable reports whether a row in this status is waiting to be picked up
// by a worker.
func (s Status) Actionable() bool {
	return s == StatusNotStarted || s == StatusPending
}

// Terminal reports whether no further automatic transition leaves this status.
// Blocked is terminal from the worker's perspective; a human may reset it.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusBlocked
}

// CanTransition reports whether from → to follows the allowed partial order:
// {NotStarted, Pending} → InProgress → {Complete, Blocked}, with Blocked
// reachable from any non-terminal state.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	switch to {
	case StatusInProgress:
		return from.Actionable()
	case StatusComplete:
		return from == StatusInProgress
	case StatusBlocked:
		return !from.Terminal()
	case StatusPending:
		// Manual reset of a blocked or stale row.
		return from == StatusBlocked || from == StatusNotStarted
	}
	return false
}
