// Package notifier turns task lifecycle events into short chat messages
// and posts them to webhook channels. Delivery is at-most-once: a failed
// post is logged and dropped, it never blocks or retries.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dohr-michael/taskrelay/internal/events"
)

const DefaultTimeout = 10 * time.Second

// Channel is one webhook destination. The payload is Discord-compatible
// (a JSON object with a "content" field), which Slack-style relays accept
// as well.
type Channel struct {
	Name string
	URL  string
}

type Config struct {
	Channels []Channel
	Bus      *events.Bus
	Timeout  time.Duration
	Logger   *slog.Logger

	// NotifyFields limits task.changed notifications to the listed fields.
	// Empty means status changes only.
	NotifyFields []string
}

type Notifier struct {
	channels []Channel
	bus      *events.Bus
	client   *http.Client
	logger   *slog.Logger
	fields   map[string]bool
}

func New(cfg Config) *Notifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fields := map[string]bool{"status": true}
	if len(cfg.NotifyFields) > 0 {
		fields = make(map[string]bool, len(cfg.NotifyFields))
		for _, f := range cfg.NotifyFields {
			fields[strings.ToLower(f)] = true
		}
	}
	return &Notifier{
		channels: cfg.Channels,
		bus:      cfg.Bus,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
		fields:   fields,
	}
}

// Run consumes bus events until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	ch, unsubscribe := n.bus.SubscribeChan(64,
		events.EventTaskChanged,
		events.EventTaskQuarantined,
		events.EventTaskCompleted,
		events.EventTaskBlocked,
	)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			n.Handle(ctx, e)
		}
	}
}

// Handle formats a single event and delivers it to every channel.
func (n *Notifier) Handle(ctx context.Context, e events.Event) {
	taskID, msg, ok := Format(e)
	if !ok {
		return
	}
	if e.Type == events.EventTaskChanged {
		payload, ok := events.ExtractPayload[events.TaskChangedPayload](e)
		if !ok || !n.fields[strings.ToLower(payload.Field)] {
			return
		}
	}

	for _, channel := range n.channels {
		if err := n.post(ctx, channel, msg); err != nil {
			n.logger.Warn("notification dropped", "channel", channel.Name, "task", taskID, "error", err)
			n.publish(events.NotifyFailedPayload{TaskID: taskID, Channel: channel.Name, Error: err.Error()})
			continue
		}
		n.logger.Debug("notification sent", "channel", channel.Name, "task", taskID)
		n.publish(events.NotifySentPayload{TaskID: taskID, Channel: channel.Name})
	}
}

// Format renders an event as a one-line chat message. The bool is false for
// events the notifier has no rendering for.
func Format(e events.Event) (taskID, msg string, ok bool) {
	switch e.Type {
	case events.EventTaskChanged:
		p, ok := events.ExtractPayload[events.TaskChangedPayload](e)
		if !ok {
			return "", "", false
		}
		old := p.Old
		if old == "" {
			old = "(new)"
		}
		msg := fmt.Sprintf("**%s** %s: %s → %s", p.TaskID, p.Field, old, p.New)
		if p.Assignee != "" {
			msg += " · " + p.Assignee
		}
		return p.TaskID, msg, true

	case events.EventTaskQuarantined:
		p, ok := events.ExtractPayload[events.TaskQuarantinedPayload](e)
		if !ok {
			return "", "", false
		}
		return p.TaskID, fmt.Sprintf("⚠️ **%s** quarantined: %s (%q)", p.TaskID, p.Reason, p.RawStatus), true

	case events.EventTaskCompleted:
		p, ok := events.ExtractPayload[events.TaskCompletedPayload](e)
		if !ok {
			return "", "", false
		}
		return p.TaskID, fmt.Sprintf("✅ **%s** completed by %s (%s)", p.TaskID, p.Assignee, p.Duration.Round(time.Millisecond)), true

	case events.EventTaskBlocked:
		p, ok := events.ExtractPayload[events.TaskBlockedPayload](e)
		if !ok {
			return "", "", false
		}
		return p.TaskID, fmt.Sprintf("🛑 **%s** blocked: %s", p.TaskID, p.Error), true
	}
	return "", "", false
}

type chatMessage struct {
	Content string `json:"content"`
}

func (n *Notifier) post(ctx context.Context, channel Channel, msg string) error {
	body, err := json.Marshal(chatMessage{Content: msg})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, channel.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) publish(payload events.EventPayload) {
	if n.bus == nil {
		return
	}
	n.bus.Publish(events.NewTypedEvent(events.SourceNotifier, "", payload))
}
