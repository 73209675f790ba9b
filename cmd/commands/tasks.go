package commands

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/taskrelay/internal/config"
	"github.com/dohr-michael/taskrelay/internal/snapshot"
	"github.com/dohr-michael/taskrelay/internal/source"
	"github.com/dohr-michael/taskrelay/internal/storage"
)

// NewTasksCommand returns the tasks subcommand.
func NewTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Inspect polled tasks and archived runs",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List tasks from the last poll of each source",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "source",
						Usage: "Only show tasks from this source",
					},
				},
				Action: runTasksList,
			},
			{
				Name:      "show",
				Usage:     "Show task details",
				ArgsUsage: "<task_id>",
				Action:    runTasksShow,
			},
			{
				Name:   "archive",
				Usage:  "List archived task runs",
				Action: runTasksArchive,
			},
		},
		DefaultCommand: "list",
	}
}

type snapshotTask struct {
	sourceName string
	row        source.Row
}

// loadSnapshots reads the persisted snapshot of every configured source.
// Sources with a memory snapshot driver have nothing on disk to read.
func loadSnapshots(ctx context.Context, cfg *config.Config, sourceFilter string) ([]snapshotTask, error) {
	if cfg.Snapshot.Driver == "memory" {
		return nil, fmt.Errorf("snapshot driver is %q: tasks are only visible while the daemon runs (use the gateway API)", cfg.Snapshot.Driver)
	}

	var tasks []snapshotTask
	for name := range cfg.Sources {
		if sourceFilter != "" && name != sourceFilter {
			continue
		}
		store, err := snapshot.NewSQLiteStore(cfg.Snapshot.Path, name)
		if err != nil {
			return nil, fmt.Errorf("open snapshot for %s: %w", name, err)
		}
		rows, err := store.Load(ctx)
		store.Close()
		if err != nil {
			return nil, fmt.Errorf("load snapshot for %s: %w", name, err)
		}
		for _, row := range rows {
			tasks = append(tasks, snapshotTask{sourceName: name, row: row})
		}
	}

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].sourceName != tasks[j].sourceName {
			return tasks[i].sourceName < tasks[j].sourceName
		}
		return tasks[i].row.ID < tasks[j].row.ID
	})
	return tasks, nil
}

func runTasksList(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tasks, err := loadSnapshots(ctx, cfg, cmd.String("source"))
	if err != nil {
		return err
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tID\tSTATUS\tASSIGNEE\tDESCRIPTION")
	for _, t := range tasks {
		assignee := t.row.Assignee
		if assignee == "" {
			assignee = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.sourceName,
			t.row.ID,
			t.row.Status,
			assignee,
			t.row.Description,
		)
	}
	return w.Flush()
}

func runTasksShow(ctx context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: taskrelay tasks show <task_id>")
	}

	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tasks, err := loadSnapshots(ctx, cfg, "")
	if err != nil {
		return err
	}

	for _, t := range tasks {
		if t.row.ID != taskID {
			continue
		}
		fmt.Printf("ID:          %s\n", t.row.ID)
		fmt.Printf("Source:      %s\n", t.sourceName)
		fmt.Printf("Status:      %s\n", t.row.Status)
		if t.row.Assignee != "" {
			fmt.Printf("Assignee:    %s\n", t.row.Assignee)
		}
		if !t.row.CreatedAt.IsZero() {
			fmt.Printf("Created:     %s\n", t.row.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		if !t.row.UpdatedAt.IsZero() {
			fmt.Printf("Updated:     %s\n", t.row.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		if t.row.Description != "" {
			fmt.Printf("\nDescription:\n%s\n", t.row.Description)
		}
		if t.row.Notes != "" {
			fmt.Printf("\nNotes:\n%s\n", t.row.Notes)
		}
		printArchived(cfg, taskID)
		return nil
	}

	// Not in any live snapshot; the archive may still have it.
	archive := storage.NewArchive(cfg.Storage.ArchiveDir, nil)
	entry, notes, err := archive.Get(taskID)
	if err != nil {
		return fmt.Errorf("task %s not found", taskID)
	}
	printArchiveEntry(entry, notes)
	return nil
}

func printArchived(cfg *config.Config, taskID string) {
	archive := storage.NewArchive(cfg.Storage.ArchiveDir, nil)
	entry, notes, err := archive.Get(taskID)
	if err != nil {
		return
	}
	fmt.Println()
	printArchiveEntry(entry, notes)
}

func printArchiveEntry(entry storage.ArchiveEntry, notes string) {
	fmt.Printf("Archived:    %s\n", entry.ArchivedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Outcome:     %s\n", entry.Outcome)
	if entry.Assignee != "" {
		fmt.Printf("Handled by:  %s\n", entry.Assignee)
	}
	if entry.Duration > 0 {
		fmt.Printf("Duration:    %s\n", entry.Duration)
	}
	if entry.Error != "" {
		fmt.Printf("Error:       %s\n", entry.Error)
	}
	if notes != "" {
		fmt.Printf("\nRun notes:\n%s\n", notes)
	}
}

func runTasksArchive(_ context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	archive := storage.NewArchive(cfg.Storage.ArchiveDir, nil)
	entries, err := archive.List()
	if err != nil {
		return fmt.Errorf("list archive: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("No archived tasks.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSOURCE\tOUTCOME\tASSIGNEE\tARCHIVED")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.TaskID,
			e.Source,
			e.Outcome,
			e.Assignee,
			e.ArchivedAt.Format("2006-01-02 15:04"),
		)
	}
	return w.Flush()
}
