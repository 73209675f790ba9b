package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"filippo.io/age"
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/taskrelay/internal/config"
	"github.com/dohr-michael/taskrelay/internal/events"
	"github.com/dohr-michael/taskrelay/internal/gateway"
	"github.com/dohr-michael/taskrelay/internal/heartbeat"
	"github.com/dohr-michael/taskrelay/internal/notifier"
	"github.com/dohr-michael/taskrelay/internal/poller"
	"github.com/dohr-michael/taskrelay/internal/scheduler"
	"github.com/dohr-michael/taskrelay/internal/secrets"
	"github.com/dohr-michael/taskrelay/internal/snapshot"
	"github.com/dohr-michael/taskrelay/internal/source"
	"github.com/dohr-michael/taskrelay/internal/source/gridapi"
	"github.com/dohr-michael/taskrelay/internal/source/sheets"
	"github.com/dohr-michael/taskrelay/internal/storage"
	"github.com/dohr-michael/taskrelay/internal/worker"
)

// NewRunCommand returns the run subcommand (the daemon).
func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Start the taskrelay daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Gateway host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Gateway port to listen on",
			},
		},
		Action: runDaemon,
	}
}

func runDaemon(ctx context.Context, cmd *cli.Command) error {
	if cmd.Bool("debug") {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(cfg.Sources) == 0 {
		return fmt.Errorf("no task sources configured")
	}

	// CLI flags override config
	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = cmd.Int("port")
	}

	// age key is optional until an ENC[age:...] value shows up
	var identity *age.X25519Identity
	if id, err := secrets.LoadIdentity(secrets.KeyPath()); err == nil {
		identity = id
	}
	if err := resolveSecrets(cfg, identity); err != nil {
		return err
	}

	bus := events.NewBus(cfg.Events.BufferSize)
	defer bus.Close()

	// On-disk event log and finished-task archive
	eventLog := storage.NewEventLogger(cfg.Storage.EventLogDir, bus)
	defer eventLog.Close()
	archive := storage.NewArchive(cfg.Storage.ArchiveDir, bus)
	defer archive.Close()

	// Sources and their pollers
	sources := make(map[string]source.Source, len(cfg.Sources))
	pollers := make(map[string]*poller.Poller, len(cfg.Sources))
	var sourceNames []string
	for name, sc := range cfg.Sources {
		src, err := buildSource(ctx, name, sc)
		if err != nil {
			return fmt.Errorf("source %s: %w", name, err)
		}

		store, err := buildSnapshotStore(cfg.Snapshot, name)
		if err != nil {
			return fmt.Errorf("snapshot store for %s: %w", name, err)
		}
		defer store.Close()

		pollers[name] = poller.New(poller.Config{
			Source:   src,
			Bus:      bus,
			Store:    store,
			Interval: sc.Interval.Duration(),
		})
		sources[name] = src
		sourceNames = append(sourceNames, name)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup

	for name, p := range pollers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Run(runCtx); err != nil && runCtx.Err() == nil {
				slog.Error("poller stopped", "source", name, "error", err)
			}
		}()
	}

	// Scheduler: cron extra polls and webhook-push polls
	sched := scheduler.New(bus)
	for name, sc := range cfg.Sources {
		if sc.Cron == "" && sc.HookSecret == "" {
			continue
		}
		entry := scheduler.Entry{
			SourceName: name,
			Trigger:    pollers[name],
			CronSpec:   sc.Cron,
			OnPush:     sc.HookSecret != "",
		}
		if err := sched.AddEntry(entry); err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	}
	sched.Start()
	defer sched.Stop()

	// Workers
	for _, wc := range cfg.Workers {
		routes, err := worker.LoadRoutes(wc.RoutesFile)
		if err != nil {
			return fmt.Errorf("worker %s: %w", wc.Assignee, err)
		}
		for name, src := range sources {
			if !workerHandlesSource(wc, name) {
				continue
			}
			w, err := worker.New(worker.Config{
				Assignee:    wc.Assignee,
				Source:      src,
				Bus:         bus,
				Routes:      routes,
				Snapshot:    pollers[name].Snapshot,
				Concurrency: wc.Concurrency,
				Timeout:     wc.Timeout.Duration(),
			})
			if err != nil {
				return fmt.Errorf("worker %s on %s: %w", wc.Assignee, name, err)
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.Run(runCtx)
			}()
		}
	}

	// Notifier
	if len(cfg.Notifier.Channels) > 0 {
		channels := make([]notifier.Channel, 0, len(cfg.Notifier.Channels))
		for _, ch := range cfg.Notifier.Channels {
			channels = append(channels, notifier.Channel{Name: ch.Name, URL: ch.URL})
		}
		n := notifier.New(notifier.Config{
			Channels:     channels,
			Bus:          bus,
			Timeout:      cfg.Notifier.Timeout.Duration(),
			NotifyFields: cfg.Notifier.NotifyFields,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.Run(runCtx)
		}()
	}

	// Heartbeat for `taskrelay status`
	hb := heartbeat.NewWriter(config.HeartbeatPath(), sourceNames)
	hb.Start()
	defer hb.Stop()

	// Gateway
	endpoints := make(map[string]gateway.SourceEndpoint, len(pollers))
	for name, p := range pollers {
		endpoints[name] = gateway.SourceEndpoint{
			Reader:     p,
			HookSecret: cfg.Sources[name].HookSecret,
		}
	}
	server := gateway.NewServer(bus, endpoints, cfg.Gateway.Host, cfg.Gateway.Port)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	slog.Info("taskrelay running", "sources", len(sources), "workers", len(cfg.Workers))

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
		cancel()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		err := server.Shutdown(shutdownCtx)
		wg.Wait()
		return err
	case err := <-errCh:
		cancel()
		wg.Wait()
		return err
	}
}

func buildSource(ctx context.Context, name string, sc config.SourceConfig) (source.Source, error) {
	switch sc.Driver {
	case "sheets":
		return sheets.New(ctx, name, sheets.Config{
			SpreadsheetID:   sc.SpreadsheetID,
			SheetName:       sc.SheetName,
			CredentialsFile: sc.CredentialsFile,
			TokenFile:       sc.TokenFile,
		})
	case "gridapi":
		return gridapi.New(name, sc.BaseURL, sc.Token), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", sc.Driver)
	}
}

func buildSnapshotStore(sc config.SnapshotConfig, sourceName string) (snapshot.Store, error) {
	if sc.Driver == "memory" {
		return snapshot.NewMemoryStore(), nil
	}
	return snapshot.NewSQLiteStore(sc.Path, sourceName)
}

func workerHandlesSource(wc config.WorkerConfig, sourceName string) bool {
	if len(wc.Sources) == 0 {
		return true
	}
	for _, s := range wc.Sources {
		if s == sourceName {
			return true
		}
	}
	return false
}

// resolveSecrets decrypts ENC[age:...] values in the loaded config.
func resolveSecrets(cfg *config.Config, identity *age.X25519Identity) error {
	for name, sc := range cfg.Sources {
		token, err := secrets.Resolve(sc.Token, identity)
		if err != nil {
			return fmt.Errorf("source %s token: %w", name, err)
		}
		sc.Token = token

		hookSecret, err := secrets.Resolve(sc.HookSecret, identity)
		if err != nil {
			return fmt.Errorf("source %s hook secret: %w", name, err)
		}
		sc.HookSecret = hookSecret
		cfg.Sources[name] = sc
	}
	for i, ch := range cfg.Notifier.Channels {
		url, err := secrets.Resolve(ch.URL, identity)
		if err != nil {
			return fmt.Errorf("channel %s url: %w", ch.Name, err)
		}
		cfg.Notifier.Channels[i].URL = url
	}
	return nil
}
