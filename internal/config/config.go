package config

import "time"

// Config is the root configuration for taskrelay.
type Config struct {
	Gateway  GatewayConfig           `json:"gateway"`
	Events   EventsConfig            `json:"events"`
	Sources  map[string]SourceConfig `json:"sources"`
	Workers  []WorkerConfig          `json:"workers"`
	Notifier NotifierConfig          `json:"notifier"`
	Snapshot SnapshotConfig          `json:"snapshot"`
	Storage  StorageConfig           `json:"storage"`
}

// GatewayConfig holds the gateway server settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int `json:"buffer_size"`
}

// SourceConfig configures a single task source.
type SourceConfig struct {
	Driver string `json:"driver"` // "sheets", "gridapi"

	// sheets driver
	SpreadsheetID   string `json:"spreadsheet_id,omitempty"`
	SheetName       string `json:"sheet_name,omitempty"`
	CredentialsFile string `json:"credentials_file,omitempty"` // service account JSON
	TokenFile       string `json:"token_file,omitempty"`       // stored oauth2 token JSON

	// gridapi driver
	BaseURL string `json:"base_url,omitempty"`
	Token   string `json:"token,omitempty"` // direct or ${{ .Env.VAR }} template

	Interval Duration `json:"interval,omitempty"` // poll interval, default 30s
	Cron     string   `json:"cron,omitempty"`     // optional extra-poll schedule
	// HookSecret guards POST /api/hooks/{name}. Empty disables the hook.
	HookSecret string `json:"hook_secret,omitempty"`
}

// WorkerConfig configures one worker identity.
type WorkerConfig struct {
	Assignee    string   `json:"assignee"`
	RoutesFile  string   `json:"routes_file"`
	Sources     []string `json:"sources,omitempty"` // empty = all sources
	Concurrency int      `json:"concurrency,omitempty"`
	Timeout     Duration `json:"timeout,omitempty"`
}

// NotifierConfig configures chat notification delivery.
type NotifierConfig struct {
	Channels []ChannelConfig `json:"channels,omitempty"`
	Timeout  Duration        `json:"timeout,omitempty"`
	// NotifyFields limits task.changed notifications; default is status only.
	NotifyFields []string `json:"notify_fields,omitempty"`
}

// ChannelConfig is one webhook destination.
type ChannelConfig struct {
	Name string `json:"name"`
	URL  string `json:"url"` // direct or ${{ .Env.VAR }} template
}

// SnapshotConfig selects snapshot persistence.
type SnapshotConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "memory"
	Path   string `json:"path,omitempty"`
}

// StorageConfig holds on-disk event log and archive locations.
type StorageConfig struct {
	EventLogDir string `json:"event_log_dir,omitempty"`
	ArchiveDir  string `json:"archive_dir,omitempty"`
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
