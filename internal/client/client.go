// Package client provides an HTTP client for the tubemp3 server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"tubemp3/internal/models"
)

// Client talks to the tubemp3 job API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new client.
// If baseURL is empty, uses TUBEMP3_SERVER_URL or defaults to localhost:8080.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("TUBEMP3_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	timeout := 30 * time.Second
	if t := os.Getenv("TUBEMP3_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error: %d %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Stats is the per-state job count.
type Stats struct {
	States  map[string]int64 `json:"states"`
	Running int              `json:"running"`
}

// DeleteMode selects what a delete removes.
type DeleteMode string

const (
	DeleteRecord DeleteMode = ""
	DeleteFile   DeleteMode = "file"
	DeleteAll    DeleteMode = "all"
	DeleteForce  DeleteMode = "force"
)

// Event is one message from the job stream.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Jobs decodes an init event.
func (e Event) Jobs() ([]models.Detail, error) {
	var jobs []models.Detail
	err := json.Unmarshal(e.Data, &jobs)
	return jobs, err
}

// Job decodes a job event.
func (e Event) Job() (models.Detail, error) {
	var job models.Detail
	err := json.Unmarshal(e.Data, &job)
	return job, err
}

// RemovedID decodes a removed event.
func (e Event) RemovedID() (string, error) {
	var removed struct {
		ID string `json:"id"`
	}
	err := json.Unmarshal(e.Data, &removed)
	return removed.ID, err
}

// Submit creates a job and optionally starts it at once.
func (c *Client) Submit(ctx context.Context, videoURL string, start bool) (string, error) {
	path := "/jobs"
	if start {
		path += "?start=1"
	}
	var resp struct {
		JobID string `json:"jobId"`
	}
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"url": videoURL}, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// List returns all jobs, most recent first.
func (c *Client) List(ctx context.Context) ([]models.Summary, error) {
	var jobs []models.Summary
	err := c.do(ctx, http.MethodGet, "/jobs", nil, &jobs)
	return jobs, err
}

// Get returns one job.
func (c *Client) Get(ctx context.Context, id string) (models.Detail, error) {
	var job models.Detail
	err := c.do(ctx, http.MethodGet, jobPath(id, "progress"), nil, &job)
	return job, err
}

// Stats returns the stored job counts.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := c.do(ctx, http.MethodGet, "/jobs/stats", nil, &stats)
	return stats, err
}

// Start admits a queued job.
func (c *Client) Start(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, jobPath(id, "start"), nil, nil)
}

// Cancel cancels a job.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, jobPath(id, "cancel"), nil, nil)
}

// Delete removes a job record, its file, or both.
func (c *Client) Delete(ctx context.Context, id string, mode DeleteMode) error {
	return c.do(ctx, http.MethodDelete, jobPath(id, string(mode)), nil, nil)
}

// Separate starts stem separation for a finished job.
func (c *Client) Separate(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, jobPath(id, "separate"), nil, nil)
}

// Stems returns the separation state of a job.
func (c *Client) Stems(ctx context.Context, id string) (models.Separation, error) {
	var sep models.Separation
	err := c.do(ctx, http.MethodGet, jobPath(id, "stems"), nil, &sep)
	return sep, err
}

// Download streams the MP3 of a finished job into w and returns the
// server-supplied file name.
func (c *Client) Download(ctx context.Context, id string, w io.Writer) (string, error) {
	return c.fetch(ctx, jobPath(id, "file"), w)
}

// DownloadStem streams one stem into w and returns its file name.
func (c *Client) DownloadStem(ctx context.Context, id, name string, w io.Writer) (string, error) {
	return c.fetch(ctx, jobPath(id, "stems/"+url.PathEscape(name)), w)
}

// Watch streams job events until ctx is done or the server closes the
// stream. Returning an error from fn stops watching.
func (c *Client) Watch(ctx context.Context, fn func(Event) error) error {
	wsURL := c.baseURL + "/jobs/stream"
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket connect: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func jobPath(id, action string) string {
	p := "/jobs/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return apiError(resp.StatusCode, data)
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func (c *Client) fetch(ctx context.Context, path string, w io.Writer) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	// No overall timeout for file bodies.
	httpClient := *c.httpClient
	httpClient.Timeout = 0
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return "", apiError(resp.StatusCode, data)
	}

	name := ""
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		name = params["filename"]
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return name, nil
}

func apiError(status int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &APIError{Status: status, Message: msg}
}
