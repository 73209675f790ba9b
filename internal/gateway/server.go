// Package gateway exposes the daemon's state over HTTP: task listings from
// the snapshots, event history, push webhook receivers, and a WebSocket
// stream of bus events.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dohr-michael/taskrelay/internal/events"
	"github.com/dohr-michael/taskrelay/internal/gateway/ws"
	"github.com/dohr-michael/taskrelay/internal/source"
)

// TaskReader exposes a poller's last committed snapshot.
type TaskReader interface {
	Snapshot() map[string]source.Row
	PollNow()
}

// SourceEndpoint is one polled source registered with the gateway.
type SourceEndpoint struct {
	Reader TaskReader
	// HookSecret guards POST /api/hooks/{source}. Empty disables the hook.
	HookSecret string
}

// Server is the taskrelay gateway HTTP server.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	bus        *events.Bus
	sources    map[string]SourceEndpoint
	host       string
	port       int
}

// NewServer creates a new gateway server.
func NewServer(bus *events.Bus, sources map[string]SourceEndpoint, host string, port int) *Server {
	s := &Server{
		bus:     bus,
		sources: sources,
		host:    host,
		port:    port,
	}
	s.hub = ws.NewHub(bus, s)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ws", s.hub.ServeWS)
	r.Get("/api/events", s.handleEvents)
	r.Get("/api/tasks", s.handleTasks)
	r.Get("/api/tasks/{id}", s.handleTask)
	r.Get("/api/snapshot", s.handleSnapshot)
	r.Post("/api/hooks/{source}", s.handleHook)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: r,
	}

	return s
}

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("taskrelay gateway listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

// Tasks implements ws.Backend.
func (s *Server) Tasks(sourceName string) ([]source.Row, bool) {
	ep, ok := s.sources[sourceName]
	if !ok {
		return nil, false
	}
	return sortedRows(ep.Reader.Snapshot()), true
}

// PollNow implements ws.Backend.
func (s *Server) PollNow(sourceName string) bool {
	ep, ok := s.sources[sourceName]
	if !ok {
		return false
	}
	ep.Reader.PollNow()
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limitStr := r.URL.Query().Get("limit")
	limit := 50
	if limitStr != "" {
		fmt.Sscanf(limitStr, "%d", &limit)
	}

	history := s.bus.History(limit)

	w.Header().Set("Content-Type", "application/json")

	type eventJSON struct {
		ID        string             `json:"id"`
		Type      string             `json:"type"`
		Timestamp string             `json:"timestamp"`
		Source    events.EventSource `json:"source"`
		TaskSrc   string             `json:"task_source,omitempty"`
		Payload   map[string]any     `json:"payload"`
	}

	result := make([]eventJSON, len(history))
	for i, e := range history {
		result[i] = eventJSON{
			ID:        e.ID,
			Type:      string(e.Type),
			Timestamp: e.Timestamp.Format(time.RFC3339Nano),
			Source:    e.Source,
			TaskSrc:   e.SourceName,
			Payload:   e.Payload,
		}
	}

	json.NewEncoder(w).Encode(result)
}

type taskJSON struct {
	Source string `json:"source"`
	source.Row
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("source")

	var result []taskJSON
	for name, ep := range s.sources {
		if filter != "" && name != filter {
			continue
		}
		for _, row := range sortedRows(ep.Reader.Snapshot()) {
			result = append(result, taskJSON{Source: name, Row: row})
		}
	}
	if filter != "" && result == nil {
		if _, ok := s.sources[filter]; !ok {
			http.Error(w, "unknown source: "+filter, http.StatusNotFound)
			return
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Source != result[j].Source {
			return result[i].Source < result[j].Source
		}
		return result[i].ID < result[j].ID
	})

	w.Header().Set("Content-Type", "application/json")
	if result == nil {
		result = []taskJSON{}
	}
	json.NewEncoder(w).Encode(result)
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for name, ep := range s.sources {
		if row, ok := ep.Reader.Snapshot()[id]; ok {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(taskJSON{Source: name, Row: row})
			return
		}
	}
	http.Error(w, "task not found: "+id, http.StatusNotFound)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	result := make(map[string]map[string]source.Row, len(s.sources))
	for name, ep := range s.sources {
		result[name] = ep.Reader.Snapshot()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// handleHook accepts a push notification from a source's change webhook and
// asks the scheduler for an immediate poll. The body is ignored: whatever
// the sender says changed, the next poll fetches the whole table anyway.
func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "source")
	ep, ok := s.sources[name]
	if !ok {
		http.Error(w, "unknown source: "+name, http.StatusNotFound)
		return
	}

	// A source without a configured secret has no hook.
	if ep.HookSecret == "" {
		http.Error(w, "hook not enabled for source: "+name, http.StatusNotFound)
		return
	}
	got := r.Header.Get("X-Taskrelay-Secret")
	if subtle.ConstantTimeCompare([]byte(got), []byte(ep.HookSecret)) != 1 {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	s.bus.Publish(events.NewTypedEvent(events.SourceGateway, name, events.SourcePushPayload{
		Origin: r.RemoteAddr,
	}))

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

func sortedRows(m map[string]source.Row) []source.Row {
	rows := make([]source.Row, 0, len(m))
	for _, row := range m {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows
}
