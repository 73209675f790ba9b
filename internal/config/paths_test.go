package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTaskrelayPath_Default(t *testing.T) {
	t.Setenv("TASKRELAY_PATH", "")

	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatal(err)
	}

	got := TaskrelayPath()
	want := filepath.Join(home, ".taskrelay")
	if got != want {
		t.Errorf("TaskrelayPath() = %q, want %q", got, want)
	}
}

func TestTaskrelayPath_EnvOverride(t *testing.T) {
	t.Setenv("TASKRELAY_PATH", "/tmp/custom-taskrelay")

	got := TaskrelayPath()
	want := "/tmp/custom-taskrelay"
	if got != want {
		t.Errorf("TaskrelayPath() = %q, want %q", got, want)
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv("TASKRELAY_PATH", "/tmp/test-taskrelay")

	got := ConfigPath()
	want := "/tmp/test-taskrelay/config.jsonc"
	if got != want {
		t.Errorf("ConfigPath() = %q, want %q", got, want)
	}
}

func TestDotenvPath(t *testing.T) {
	t.Setenv("TASKRELAY_PATH", "/tmp/test-taskrelay")

	got := DotenvPath()
	want := "/tmp/test-taskrelay/.env"
	if got != want {
		t.Errorf("DotenvPath() = %q, want %q", got, want)
	}
}

func TestHeartbeatPath(t *testing.T) {
	t.Setenv("TASKRELAY_PATH", "/tmp/test-taskrelay")

	got := HeartbeatPath()
	want := "/tmp/test-taskrelay/heartbeat.json"
	if got != want {
		t.Errorf("HeartbeatPath() = %q, want %q", got, want)
	}
}
