package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/dohr-michael/taskrelay/internal/source"
)

func TestWebhookActionPostsTask(t *testing.T) {
	var got webhookRequest
	var secret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret = r.Header.Get("X-Taskrelay-Secret")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Write([]byte("queued"))
	}))
	defer srv.Close()

	a := NewWebhookAction(srv.URL, "s3cret")
	out, err := a.Run(context.Background(), source.Row{
		ID: "CT-086", Description: "deploy", Status: source.StatusInProgress, Assignee: "WorkerA",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "queued" {
		t.Errorf("output: got %q", out)
	}
	if got.TaskID != "CT-086" || got.Status != "InProgress" {
		t.Errorf("unexpected request: %+v", got)
	}
	if secret != "s3cret" {
		t.Errorf("secret header: got %q", secret)
	}
}

func TestWebhookActionNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	a := NewWebhookAction(srv.URL, "")
	if _, err := a.Run(context.Background(), source.Row{ID: "CT-1"}); err == nil {
		t.Fatal("expected error for 502 response")
	}
}

func TestCommandActionOutput(t *testing.T) {
	a, err := NewCommandAction(`echo "working on $TASK_ID for $TASK_ASSIGNEE"`, "", nil)
	if err != nil {
		t.Fatalf("NewCommandAction: %v", err)
	}
	out, err := a.Run(context.Background(), source.Row{ID: "CT-086", Assignee: "WorkerA"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "working on CT-086 for WorkerA" {
		t.Errorf("output: got %q", out)
	}
}

func TestCommandActionFailure(t *testing.T) {
	a, err := NewCommandAction(`echo "disk full" >&2; exit 3`, "", nil)
	if err != nil {
		t.Fatalf("NewCommandAction: %v", err)
	}
	_, err = a.Run(context.Background(), source.Row{ID: "CT-086"})
	if err == nil {
		t.Fatal("expected error from exit 3")
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("error should carry stderr, got: %v", err)
	}
}

func TestTruncateOutputKeepsValidUTF8(t *testing.T) {
	// "é" is 2 bytes; the leading "x" puts the byte budget mid-rune
	long := "x" + strings.Repeat("é", maxOutputNote)

	got := truncateOutput(long)
	if !utf8.ValidString(got) {
		t.Error("truncated output is not valid UTF-8")
	}
	if !strings.HasSuffix(got, "… (truncated)") {
		t.Errorf("missing truncation marker: %q", got[len(got)-20:])
	}
	if short := "plain"; truncateOutput(short) != short {
		t.Error("short output should pass through unchanged")
	}
}

func TestCommandActionExtraEnv(t *testing.T) {
	a, err := NewCommandAction(`echo "$REGION"`, "", map[string]string{"REGION": "eu-west-1"})
	if err != nil {
		t.Fatalf("NewCommandAction: %v", err)
	}
	out, err := a.Run(context.Background(), source.Row{ID: "CT-1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "eu-west-1" {
		t.Errorf("output: got %q", out)
	}
}
