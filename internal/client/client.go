// Package client is a typed HTTP client for the broker API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mediabroker/internal/broker"
)

// APIError is a non-2xx answer from the broker.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("broker: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("broker: %d %s", e.Status, e.Message)
}

// Client talks to one broker.
type Client struct {
	base string
	http *http.Client
}

// New returns a Client for baseURL, e.g. "http://localhost:8080". A nil
// httpClient uses http.DefaultClient.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// SessionID accepts either a full identity or its counter and returns the
// identity.
func SessionID(s string) string {
	if strings.HasPrefix(s, broker.SessionPrefix) {
		return s
	}
	return broker.SessionPath(strings.TrimPrefix(s, "/"))
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		apiErr.Message = body.Error
	}
	return apiErr
}

// CreateSession creates an attended or unattended session. timeout only
// applies to unattended sessions; zero selects the broker default.
func (c *Client) CreateSession(ctx context.Context, attended bool, timeout time.Duration) (broker.Created, error) {
	var created broker.Created
	err := c.do(ctx, http.MethodPost, "/mediabroker/sessions", map[string]any{
		"attended":        attended,
		"timeout_seconds": timeout.Seconds(),
	}, &created)
	return created, err
}

// CreateUnattendedSession creates a session removed after timeout.
func (c *Client) CreateUnattendedSession(ctx context.Context, timeout time.Duration) (broker.Created, error) {
	var created broker.Created
	err := c.do(ctx, http.MethodPost, "/mediabroker/sessions/unattended", map[string]any{
		"timeout_seconds": timeout.Seconds(),
	}, &created)
	return created, err
}

// ScheduleRecording schedules a recording in a new unattended session.
func (c *Client) ScheduleRecording(ctx context.Context, req broker.RecordingRequest) (broker.Created, error) {
	var created broker.Created
	err := c.do(ctx, http.MethodPost, "/mediabroker/recordings", map[string]any{
		"start_delay_seconds": req.StartDelay.Seconds(),
		"duration_seconds":    req.Duration.Seconds(),
		"uri":                 req.URI,
		"destination":         req.Destination,
	}, &created)
	return created, err
}

// Sessions lists sessions in creation order.
func (c *Client) Sessions(ctx context.Context) ([]broker.Info, error) {
	var infos []broker.Info
	err := c.do(ctx, http.MethodGet, "/mediabroker/sessions", nil, &infos)
	return infos, err
}

// Session returns the broker's description of one session.
func (c *Client) Session(ctx context.Context, id string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, SessionID(id), nil, &out)
	return out, err
}

// RemoveSession deletes a session.
func (c *Client) RemoveSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, SessionID(id), nil, nil)
}

// Get reads a session property such as "volume" or "tracks/audio" into out.
func (c *Client) Get(ctx context.Context, id, property string, out any) error {
	return c.do(ctx, http.MethodGet, SessionID(id)+"/"+property, nil, out)
}

// Set writes a session property.
func (c *Client) Set(ctx context.Context, id, property string, body any) error {
	return c.do(ctx, http.MethodPut, SessionID(id)+"/"+property, body, nil)
}

// Action invokes a session action such as "play" or "record/start". body may
// be nil.
func (c *Client) Action(ctx context.Context, id, action string, body any) error {
	if body == nil {
		body = struct{}{}
	}
	return c.do(ctx, http.MethodPost, SessionID(id)+"/"+action, body, nil)
}

// Reply answers a heartbeat request.
func (c *Client) Reply(ctx context.Context, id string) error {
	return c.Action(ctx, id, "reply", nil)
}

// StreamEvent is one Server-Sent Event.
type StreamEvent struct {
	Name string
	Data json.RawMessage
}

// SessionEvents streams the events of session id until ctx ends, the stream
// closes or fn returns an error.
func (c *Client) SessionEvents(ctx context.Context, id string, fn func(StreamEvent) error) error {
	return c.stream(ctx, SessionID(id)+"/events", fn)
}

// RegistryEvents streams session-created and session-removed notifications.
func (c *Client) RegistryEvents(ctx context.Context, fn func(StreamEvent) error) error {
	return c.stream(ctx, "/mediabroker/events", fn)
}

func (c *Client) stream(ctx context.Context, path string, fn func(StreamEvent) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var ev StreamEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if ev.Name != "" || ev.Data != nil {
				if err := fn(ev); err != nil {
					return err
				}
			}
			ev = StreamEvent{}
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "event:"):
			ev.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			ev.Data = append(ev.Data, strings.TrimSpace(strings.TrimPrefix(line, "data:"))...)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

// Endpoint validates a broker base URL.
func Endpoint(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("server address: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("server address %q must be an http(s) URL", raw)
	}
	return strings.TrimRight(u.String(), "/"), nil
}
