// Package sheets implements a Source over a Google Sheets tab. The first row
// is a header; columns are mapped by name so the sheet can be reordered
// without config changes.
package sheets

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/dohr-michael/taskrelay/internal/source"
)

// Config holds the sheet coordinates and credentials. Exactly one of
// CredentialsFile and TokenFile must be set.
type Config struct {
	SpreadsheetID   string
	SheetName       string // tab name, default "Tasks"
	CredentialsFile string // service account JSON
	TokenFile       string // pre-authorized oauth2.Token JSON
}

// Client reads and writes task rows in one spreadsheet tab.
type Client struct {
	name string
	srv  *sheets.Service
	cfg  Config

	mu      sync.Mutex
	rowNums map[string]int // task id → 1-based sheet row, from the last fetch
	cols    map[string]int // header name → 0-based column, from the last fetch
}

// New creates a Sheets client authenticated with a service account or a
// stored user token.
func New(ctx context.Context, name string, cfg Config) (*Client, error) {
	opts := []option.ClientOption{option.WithScopes(sheets.SpreadsheetsScope)}
	switch {
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	case cfg.TokenFile != "":
		ts, err := tokenSourceFromFile(cfg.TokenFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, option.WithTokenSource(ts))
	default:
		return nil, fmt.Errorf("sheets source %s: credentials_file or token_file is required", name)
	}

	srv, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return NewWithService(name, srv, cfg), nil
}

// tokenSourceFromFile loads an oauth2.Token saved by a prior authorization
// flow (access_token + refresh_token JSON).
func tokenSourceFromFile(path string) (oauth2.TokenSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	tok := &oauth2.Token{}
	if err := json.Unmarshal(data, tok); err != nil {
		return nil, fmt.Errorf("parse token file %s: %w", path, err)
	}
	return oauth2.StaticTokenSource(tok), nil
}

// NewWithService creates a Sheets client around an existing service.
func NewWithService(name string, srv *sheets.Service, cfg Config) *Client {
	if cfg.SheetName == "" {
		cfg.SheetName = "Tasks"
	}
	return &Client{
		name:    name,
		srv:     srv,
		cfg:     cfg,
		rowNums: make(map[string]int),
	}
}

// Name returns the configured source name.
func (c *Client) Name() string { return c.name }

// Expected header names, matched case-insensitively.
const (
	colID          = "id"
	colDescription = "description"
	colStatus      = "status"
	colAssignee    = "assignee"
	colCreated     = "created"
	colUpdated     = "updated"
	colNotes       = "notes"
)

// Fetch reads the whole tab and converts it into rows, remembering each
// task's sheet row number for later write-back.
func (c *Client) Fetch(ctx context.Context) (source.Table, error) {
	readRange := c.cfg.SheetName + "!A1:Z"
	resp, err := c.srv.Spreadsheets.Values.Get(c.cfg.SpreadsheetID, readRange).Context(ctx).Do()
	if err != nil {
		return source.Table{}, fmt.Errorf("read sheet: %w", err)
	}
	if len(resp.Values) == 0 {
		return source.Table{}, fmt.Errorf("sheet %s is empty", c.cfg.SheetName)
	}

	cols := mapHeader(resp.Values[0])
	if _, ok := cols[colID]; !ok {
		return source.Table{}, fmt.Errorf("sheet %s has no %q header", c.cfg.SheetName, colID)
	}

	var table source.Table
	rowNums := make(map[string]int, len(resp.Values)-1)

	for i, raw := range resp.Values[1:] {
		sheetRow := i + 2 // 1-based, after the header
		id := cell(raw, cols, colID)
		if id == "" {
			continue // blank or partial row
		}
		rowNums[id] = sheetRow

		status, err := source.ParseStatus(cell(raw, cols, colStatus))
		if err != nil {
			table.Quarantined = append(table.Quarantined, source.QuarantinedRow{
				ID:        id,
				RawStatus: cell(raw, cols, colStatus),
				Reason:    err.Error(),
			})
			continue
		}

		row := source.Row{
			ID:          id,
			Description: cell(raw, cols, colDescription),
			Status:      status,
			Assignee:    cell(raw, cols, colAssignee),
			Notes:       cell(raw, cols, colNotes),
			CreatedAt:   parseSheetTime(cell(raw, cols, colCreated)),
			UpdatedAt:   parseSheetTime(cell(raw, cols, colUpdated)),
		}
		table.Rows = append(table.Rows, row)
	}

	c.mu.Lock()
	c.rowNums = rowNums
	c.cols = cols
	c.mu.Unlock()

	return table, nil
}

// Update writes status, assignee, notes, and the updated timestamp back to
// the row's cells. The sheet row is located via the last fetch.
func (c *Client) Update(ctx context.Context, row source.Row) error {
	c.mu.Lock()
	sheetRow, ok := c.rowNums[row.ID]
	cols := c.cols
	c.mu.Unlock()

	if !ok {
		return source.ErrRowNotFound
	}

	writes := map[string]string{
		colStatus:   string(row.Status),
		colAssignee: row.Assignee,
		colNotes:    row.Notes,
		colUpdated:  time.Now().UTC().Format(time.RFC3339),
	}
	for name, value := range writes {
		idx, ok := cols[name]
		if !ok {
			continue // sheet without this column, skip silently
		}
		rng := fmt.Sprintf("%s!%s%d", c.cfg.SheetName, colLetter(idx), sheetRow)
		vr := &sheets.ValueRange{Values: [][]any{{value}}}
		_, err := c.srv.Spreadsheets.Values.Update(c.cfg.SpreadsheetID, rng, vr).
			ValueInputOption("RAW").Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("write %s of %s: %w", name, row.ID, err)
		}
	}
	return nil
}

// Claim always reports ErrNoVersioning: the Sheets values API exposes no
// per-row revision, so callers fall back to read-check-write. Two workers
// observing the same Pending row in the same window can both claim it; the
// last write wins.
func (c *Client) Claim(ctx context.Context, id, version, assignee string) (source.Row, error) {
	return source.Row{}, source.ErrNoVersioning
}

func mapHeader(header []any) map[string]int {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(fmt.Sprint(h)))
		// "created_at" / "created at" normalize to "created"
		name = strings.TrimSuffix(strings.ReplaceAll(name, "_", " "), " at")
		if name != "" {
			cols[name] = i
		}
	}
	return cols
}

func cell(row []any, cols map[string]int, name string) string {
	idx, ok := cols[name]
	if !ok || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(row[idx]))
}

// parseSheetTime accepts the timestamp formats humans and integrations leave
// in shared sheets. Unparseable values come back zero.
func parseSheetTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	slog.Debug("sheets: unparseable timestamp", "value", s)
	return time.Time{}
}

// colLetter converts a 0-based column index to its A1 letter ("A", "B", ... "AA").
func colLetter(idx int) string {
	letters := ""
	for idx >= 0 {
		letters = string(rune('A'+idx%26)) + letters
		idx = idx/26 - 1
	}
	return letters
}
