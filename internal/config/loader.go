package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tailscale/hujson"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, expands ${{ .Env.VAR }} templates,
// unmarshals it into Config, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variable templates before stripping comments,
	// since templates live inside strings
	expanded := expandEnvTemplates(string(data))

	standardized, err := hujson.Standardize([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("standardize config %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	expandPaths(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

// expandPaths resolves leading ~/ in configured file paths, since nothing
// downstream goes through a shell.
func expandPaths(cfg *Config) {
	for name, src := range cfg.Sources {
		src.CredentialsFile = expandHome(src.CredentialsFile)
		src.TokenFile = expandHome(src.TokenFile)
		cfg.Sources[name] = src
	}
	for i, w := range cfg.Workers {
		cfg.Workers[i].RoutesFile = expandHome(w.RoutesFile)
	}
	cfg.Snapshot.Path = expandHome(cfg.Snapshot.Path)
	cfg.Storage.EventLogDir = expandHome(cfg.Storage.EventLogDir)
	cfg.Storage.ArchiveDir = expandHome(cfg.Storage.ArchiveDir)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	return filepath.Join(home, p[2:])
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

func validate(cfg *Config) error {
	for name, src := range cfg.Sources {
		switch src.Driver {
		case "sheets":
			if src.SpreadsheetID == "" {
				return fmt.Errorf("source %s: sheets driver needs spreadsheet_id", name)
			}
			if src.CredentialsFile == "" && src.TokenFile == "" {
				return fmt.Errorf("source %s: sheets driver needs credentials_file or token_file", name)
			}
		case "gridapi":
			if src.BaseURL == "" {
				return fmt.Errorf("source %s: gridapi driver needs base_url", name)
			}
		case "":
			return fmt.Errorf("source %s: driver is required", name)
		default:
			return fmt.Errorf("source %s: unknown driver %q", name, src.Driver)
		}
	}
	for i, w := range cfg.Workers {
		if w.Assignee == "" {
			return fmt.Errorf("worker %d: assignee is required", i)
		}
		if w.RoutesFile == "" {
			return fmt.Errorf("worker %s: routes_file is required", w.Assignee)
		}
	}
	return nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18520
	}
	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}
	for name, src := range cfg.Sources {
		if src.Interval <= 0 {
			src.Interval = Duration(30 * time.Second)
			cfg.Sources[name] = src
		}
	}
	if cfg.Snapshot.Driver == "" {
		cfg.Snapshot.Driver = "sqlite"
	}
	if cfg.Snapshot.Path == "" {
		cfg.Snapshot.Path = filepath.Join(TaskrelayPath(), "snapshot.db")
	}
	if cfg.Storage.EventLogDir == "" {
		cfg.Storage.EventLogDir = filepath.Join(TaskrelayPath(), "events")
	}
	if cfg.Storage.ArchiveDir == "" {
		cfg.Storage.ArchiveDir = filepath.Join(TaskrelayPath(), "archive")
	}
}
