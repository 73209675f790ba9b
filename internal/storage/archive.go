package storage

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dohr-michael/taskrelay/internal/events"
	"github.com/dohr-michael/taskrelay/internal/storage/dirstore"
)

// ArchiveEntry is the meta.json record of one finished task.
type ArchiveEntry struct {
	TaskID     string        `json:"task_id"`
	Source     string        `json:"source"`
	Assignee   string        `json:"assignee"`
	Outcome    string        `json:"outcome"` // "completed" or "blocked"
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	ArchivedAt time.Time     `json:"archived_at"`
}

// Archive records finished tasks, one directory per task with meta.json and
// a notes.md holding the action output.
type Archive struct {
	store       *dirstore.DirStore
	bus         *events.Bus
	unsubscribe func()
}

// NewArchive creates an Archive rooted at dir, subscribed to worker
// completion events.
func NewArchive(dir string, bus *events.Bus) *Archive {
	a := &Archive{
		store: dirstore.NewDirStore(dir, "task"),
		bus:   bus,
	}
	if bus != nil {
		a.unsubscribe = bus.Subscribe(a.handleEvent,
			events.EventTaskCompleted, events.EventTaskBlocked)
	}
	return a
}

// Close unsubscribes the archive from the event bus.
func (a *Archive) Close() {
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
}

func (a *Archive) handleEvent(e events.Event) {
	switch e.Type {
	case events.EventTaskCompleted:
		p, ok := events.ExtractPayload[events.TaskCompletedPayload](e)
		if !ok {
			return
		}
		entry := ArchiveEntry{
			TaskID:     p.TaskID,
			Source:     e.SourceName,
			Assignee:   p.Assignee,
			Outcome:    "completed",
			Duration:   p.Duration,
			ArchivedAt: time.Now(),
		}
		if err := a.Put(entry, p.Output); err != nil {
			slog.Warn("archive write failed", "task", p.TaskID, "error", err)
		}

	case events.EventTaskBlocked:
		p, ok := events.ExtractPayload[events.TaskBlockedPayload](e)
		if !ok {
			return
		}
		entry := ArchiveEntry{
			TaskID:     p.TaskID,
			Source:     e.SourceName,
			Assignee:   p.Assignee,
			Outcome:    "blocked",
			Error:      p.Error,
			ArchivedAt: time.Now(),
		}
		if err := a.Put(entry, ""); err != nil {
			slog.Warn("archive write failed", "task", p.TaskID, "error", err)
		}
	}
}

// Put writes an archive entry. Re-archiving the same task id overwrites the
// previous record.
func (a *Archive) Put(entry ArchiveEntry, notes string) error {
	a.store.Lock()
	defer a.store.Unlock()

	if err := a.store.EnsureDir(entry.TaskID); err != nil {
		return err
	}
	if err := a.store.WriteMeta(entry.TaskID, entry); err != nil {
		return err
	}
	if notes != "" {
		header := fmt.Sprintf("# %s\n\n", entry.TaskID)
		if err := a.store.WriteFileAtomic(entry.TaskID, "notes.md", []byte(header+notes+"\n")); err != nil {
			return err
		}
	}
	return nil
}

// Get returns one archive entry and its notes.
func (a *Archive) Get(taskID string) (ArchiveEntry, string, error) {
	a.store.RLock()
	defer a.store.RUnlock()

	var entry ArchiveEntry
	if err := a.store.ReadMeta(taskID, &entry); err != nil {
		return ArchiveEntry{}, "", err
	}
	notes, err := a.store.ReadFileContent(taskID, "notes.md")
	if err != nil {
		return ArchiveEntry{}, "", err
	}
	return entry, string(notes), nil
}

// List returns all archive entries, most recent first.
func (a *Archive) List() ([]ArchiveEntry, error) {
	a.store.RLock()
	defer a.store.RUnlock()

	ids, err := a.store.ListDirs()
	if err != nil {
		return nil, err
	}

	entries := make([]ArchiveEntry, 0, len(ids))
	for _, id := range ids {
		var entry ArchiveEntry
		if err := a.store.ReadMeta(id, &entry); err != nil {
			continue // skip unreadable entries
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ArchivedAt.After(entries[j].ArchivedAt)
	})
	return entries, nil
}
