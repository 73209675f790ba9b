package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/dohr-michael/taskrelay/internal/source"
)

// CommandAction runs a shell script with the task exposed through TASK_*
// environment variables. The script is interpreted in-process, no /bin/sh
// required.
type CommandAction struct {
	script string
	file   *syntax.File
	dir    string
	env    map[string]string
}

func NewCommandAction(script, dir string, env map[string]string) (*CommandAction, error) {
	file, err := syntax.NewParser().Parse(strings.NewReader(script), "action")
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", script, err)
	}
	return &CommandAction{script: script, file: file, dir: dir, env: env}, nil
}

func (a *CommandAction) Name() string { return "command" }

func (a *CommandAction) Run(ctx context.Context, task source.Row) (string, error) {
	env := append(os.Environ(),
		"TASK_ID="+task.ID,
		"TASK_DESCRIPTION="+task.Description,
		"TASK_STATUS="+string(task.Status),
		"TASK_ASSIGNEE="+task.Assignee,
		"TASK_NOTES="+task.Notes,
	)
	for k, v := range a.env {
		env = append(env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	opts := []interp.RunnerOption{
		interp.Env(expand.ListEnviron(env...)),
		interp.StdIO(nil, &stdout, &stderr),
	}
	if a.dir != "" {
		opts = append(opts, interp.Dir(a.dir))
	}

	runner, err := interp.New(opts...)
	if err != nil {
		return "", fmt.Errorf("init shell runner: %w", err)
	}

	if err := runner.Run(ctx, a.file); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg != "" {
			return "", fmt.Errorf("command %q: %w: %s", a.script, err, truncateOutput(msg))
		}
		return "", fmt.Errorf("command %q: %w", a.script, err)
	}
	return truncateOutput(strings.TrimSpace(stdout.String())), nil
}
