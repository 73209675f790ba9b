package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.jsonc")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadJSONCWithComments(t *testing.T) {
	path := writeConfig(t, `{
  // main spreadsheet
  "sources": {
    "sheet": {
      "driver": "sheets",
      "spreadsheet_id": "1abc",
      "credentials_file": "/etc/taskrelay/sa.json",
      "interval": "2m",
    },
  },
  "gateway": { "port": 9000 },
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	src, ok := cfg.Sources["sheet"]
	if !ok {
		t.Fatal("sheet source missing")
	}
	if src.Driver != "sheets" || src.SpreadsheetID != "1abc" {
		t.Errorf("unexpected source: %+v", src)
	}
	if src.Interval.Duration() != 2*time.Minute {
		t.Errorf("interval: got %v", src.Interval.Duration())
	}
	if cfg.Gateway.Port != 9000 {
		t.Errorf("port: got %d", cfg.Gateway.Port)
	}
}

func TestLoadExpandsEnvTemplates(t *testing.T) {
	t.Setenv("GRID_TOKEN", "tok-123")
	path := writeConfig(t, `{
  "sources": {
    "grid": {
      "driver": "gridapi",
      "base_url": "https://grid.example.com",
      "token": "${{ .Env.GRID_TOKEN }}"
    }
  }
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sources["grid"].Token != "tok-123" {
		t.Errorf("token: got %q", cfg.Sources["grid"].Token)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("TASKRELAY_PATH", t.TempDir())
	path := writeConfig(t, `{
  "sources": {
    "grid": { "driver": "gridapi", "base_url": "https://grid.example.com" }
  }
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Host != "127.0.0.1" || cfg.Gateway.Port != 18520 {
		t.Errorf("gateway defaults: %+v", cfg.Gateway)
	}
	if cfg.Events.BufferSize != 1024 {
		t.Errorf("buffer size default: %d", cfg.Events.BufferSize)
	}
	if cfg.Sources["grid"].Interval.Duration() != 30*time.Second {
		t.Errorf("interval default: %v", cfg.Sources["grid"].Interval.Duration())
	}
	if cfg.Snapshot.Driver != "sqlite" || cfg.Snapshot.Path == "" {
		t.Errorf("snapshot defaults: %+v", cfg.Snapshot)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing driver", `{"sources": {"x": {}}}`},
		{"unknown driver", `{"sources": {"x": {"driver": "csv"}}}`},
		{"sheets without id", `{"sources": {"x": {"driver": "sheets"}}}`},
		{"sheets without credentials", `{"sources": {"x": {"driver": "sheets", "spreadsheet_id": "1abc"}}}`},
		{"gridapi without url", `{"sources": {"x": {"driver": "gridapi"}}}`},
		{"worker without assignee", `{"workers": [{"routes_file": "r.yaml"}]}`},
		{"worker without routes", `{"workers": [{"assignee": "WorkerA"}]}`},
	}
	for _, tc := range cases {
		path := writeConfig(t, tc.content)
		if _, err := Load(path); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestLoadExpandsHomePaths(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	path := writeConfig(t, `{
  "sources": {
    "sheet": {
      "driver": "sheets",
      "spreadsheet_id": "1abc",
      "credentials_file": "~/.taskrelay/sa.json"
    }
  },
  "workers": [{"assignee": "WorkerA", "routes_file": "~/routes.yaml"}]
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Sources["sheet"].CredentialsFile; got != filepath.Join(home, ".taskrelay/sa.json") {
		t.Errorf("credentials_file: got %q", got)
	}
	if got := cfg.Workers[0].RoutesFile; got != filepath.Join(home, "routes.yaml") {
		t.Errorf("routes_file: got %q", got)
	}
}

func TestLoadInvalidSyntax(t *testing.T) {
	path := writeConfig(t, `{ not json`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid JSONC")
	}
}
