package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dohr-michael/taskrelay/internal/source"
)

// WebhookAction delivers the task as a JSON POST and treats any 2xx reply
// as success. The response body becomes the task output note.
type WebhookAction struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhookAction(url, secret string) *WebhookAction {
	return &WebhookAction{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *WebhookAction) Name() string { return "webhook" }

type webhookRequest struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Assignee    string `json:"assignee"`
	Notes       string `json:"notes,omitempty"`
}

func (a *WebhookAction) Run(ctx context.Context, task source.Row) (string, error) {
	body, err := json.Marshal(webhookRequest{
		TaskID:      task.ID,
		Description: task.Description,
		Status:      string(task.Status),
		Assignee:    task.Assignee,
		Notes:       task.Notes,
	})
	if err != nil {
		return "", fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.secret != "" {
		req.Header.Set("X-Taskrelay-Secret", a.secret)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("webhook %s: %w", a.url, err)
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("webhook %s: status %d: %s", a.url, resp.StatusCode, strings.TrimSpace(string(out)))
	}
	return truncateOutput(strings.TrimSpace(string(out))), nil
}
