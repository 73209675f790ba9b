package worker

import (
	"context"
	"unicode/utf8"

	"github.com/dohr-michael/taskrelay/internal/source"
)

// Action performs the work behind a claimed task and returns a short
// human-readable output for the task notes.
type Action interface {
	Name() string
	Run(ctx context.Context, task source.Row) (string, error)
}

const maxOutputNote = 1000

// truncateOutput keeps action output small enough to write back into a
// notes cell. The cut lands on a rune boundary so the note stays valid UTF-8.
func truncateOutput(s string) string {
	if len(s) <= maxOutputNote {
		return s
	}
	cut := maxOutputNote
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "… (truncated)"
}
