// Package gridapi implements a Source over a generic REST row store
// (one JSON document per table, per-row version tokens for optimistic
// concurrency).
package gridapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dohr-michael/taskrelay/internal/source"
)

const defaultTimeout = 10 * time.Second

// Client talks to a grid API endpoint exposing /rows and /rows/{id}.
type Client struct {
	name       string
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a grid API client. The token is sent as a bearer token.
func New(name, baseURL, token string) *Client {
	return &Client{
		name:       name,
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// Name returns the configured source name.
func (c *Client) Name() string { return c.name }

// wireRow is the row representation on the wire.
type wireRow struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Assignee    string `json:"assignee"`
	Notes       string `json:"notes"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	Version     string `json:"version"`
}

type listResponse struct {
	Data []wireRow `json:"data"`
}

type errorResponse struct {
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Fetch retrieves the full table in row order.
func (c *Client) Fetch(ctx context.Context) (source.Table, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/rows", nil)
	if err != nil {
		return source.Table{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return source.Table{}, fmt.Errorf("fetch rows: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return source.Table{}, c.apiError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return source.Table{}, fmt.Errorf("read response: %w", err)
	}

	var list listResponse
	if err := json.Unmarshal(body, &list); err != nil {
		return source.Table{}, fmt.Errorf("parse rows: %w", err)
	}

	var table source.Table
	for _, wr := range list.Data {
		row, err := fromWire(wr)
		if err != nil {
			table.Quarantined = append(table.Quarantined, source.QuarantinedRow{
				ID:        wr.ID,
				RawStatus: wr.Status,
				Reason:    err.Error(),
			})
			continue
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}

// Update rewrites status, notes, and assignee of a row. Last write wins.
func (c *Client) Update(ctx context.Context, row source.Row) error {
	_, err := c.put(ctx, row, "")
	return err
}

// Claim transitions a row to InProgress guarded by its version token.
// The server compares If-Match against the stored version and answers
// 412 on mismatch.
func (c *Client) Claim(ctx context.Context, id, version, assignee string) (source.Row, error) {
	if version == "" {
		return source.Row{}, source.ErrNoVersioning
	}
	row := source.Row{
		ID:       id,
		Status:   source.StatusInProgress,
		Assignee: assignee,
	}
	return c.put(ctx, row, version)
}

func (c *Client) put(ctx context.Context, row source.Row, ifMatch string) (source.Row, error) {
	payload, err := json.Marshal(toWire(row))
	if err != nil {
		return source.Row{}, fmt.Errorf("marshal row: %w", err)
	}

	url := c.baseURL + "/rows/" + row.ID
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return source.Row{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	if ifMatch != "" {
		req.Header.Set("If-Match", ifMatch)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return source.Row{}, fmt.Errorf("update row %s: %w", row.ID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return source.Row{}, source.ErrRowNotFound
	case http.StatusPreconditionFailed, http.StatusConflict:
		return source.Row{}, source.ErrVersionConflict
	default:
		return source.Row{}, c.apiError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return source.Row{}, fmt.Errorf("read response: %w", err)
	}
	var wr wireRow
	if err := json.Unmarshal(body, &wr); err != nil {
		return source.Row{}, fmt.Errorf("parse row: %w", err)
	}
	return fromWire(wr)
}

func (c *Client) apiError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("grid api status %d", resp.StatusCode)
	}
	var apiErr errorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && len(apiErr.Errors) > 0 {
		return fmt.Errorf("grid api: %s", apiErr.Errors[0].Message)
	}
	return fmt.Errorf("grid api status %d", resp.StatusCode)
}

func fromWire(wr wireRow) (source.Row, error) {
	status, err := source.ParseStatus(wr.Status)
	if err != nil {
		return source.Row{}, err
	}
	row := source.Row{
		ID:          wr.ID,
		Description: wr.Description,
		Status:      status,
		Assignee:    wr.Assignee,
		Notes:       wr.Notes,
		Version:     wr.Version,
	}
	// Timestamps are informational; a missing or malformed value is kept zero.
	if t, err := time.Parse(time.RFC3339, wr.CreatedAt); err == nil {
		row.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, wr.UpdatedAt); err == nil {
		row.UpdatedAt = t
	}
	return row, nil
}

func toWire(row source.Row) wireRow {
	wr := wireRow{
		ID:          row.ID,
		Description: row.Description,
		Status:      string(row.Status),
		Assignee:    row.Assignee,
		Notes:       row.Notes,
		Version:     row.Version,
	}
	if !row.CreatedAt.IsZero() {
		wr.CreatedAt = row.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !row.UpdatedAt.IsZero() {
		wr.UpdatedAt = row.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return wr
}
