// Package apiclient talks to the console's request/response collaborator API
// for shell sessions and tabs.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pkt.systems/fleetconsole/internal/logx"
	"pkt.systems/fleetconsole/schema"
	"pkt.systems/pslog"
)

const maxResponseBytes = 4 << 20

// Config configures a Client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     pslog.Logger
}

// Client is a JSON HTTP client for the collaborator API.
type Client struct {
	baseURL string
	http    *http.Client
	log     pslog.Logger
}

// CreateSessionRequest asks the API to spawn a shell session.
type CreateSessionRequest struct {
	ProjectID schema.ProjectID `json:"project_id,omitempty"`
	Cwd       string           `json:"cwd"`
	Cols      int              `json:"cols,omitempty"`
	Rows      int              `json:"rows,omitempty"`
}

// CreateTabRequest asks the API to create or return a tab for a root path.
type CreateTabRequest struct {
	TabID    schema.TabID `json:"tab_id,omitempty"`
	RootPath string       `json:"root_path"`
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// New constructs a client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("api base url is required")
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("invalid api base url %q", cfg.BaseURL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = schema.DefaultAPITimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: base,
		http:    httpClient,
		log:     logx.Or(cfg.Logger).With("api", base),
	}, nil
}

// CreateSession spawns a shell session.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (schema.ShellSession, error) {
	var out schema.ShellSession
	err := c.do(ctx, "create session", http.MethodPost, "/api/sessions", req, &out)
	return out, err
}

// GetSession fetches a shell session.
func (c *Client) GetSession(ctx context.Context, id schema.SessionID) (schema.ShellSession, error) {
	var out schema.ShellSession
	err := c.do(ctx, "get session", http.MethodGet, "/api/sessions/"+url.PathEscape(string(id)), nil, &out)
	return out, err
}

// DestroySession terminates a shell session.
func (c *Client) DestroySession(ctx context.Context, id schema.SessionID) error {
	return c.do(ctx, "destroy session", http.MethodDelete, "/api/sessions/"+url.PathEscape(string(id)), nil, nil)
}

// ResizeSession resizes a shell session's terminal.
func (c *Client) ResizeSession(ctx context.Context, id schema.SessionID, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return &Error{Kind: KindInvalid, Op: "resize session", Message: "cols and rows must be positive"}
	}
	path := "/api/sessions/" + url.PathEscape(string(id)) + "/resize"
	return c.do(ctx, "resize session", http.MethodPost, path, resizeRequest{Cols: cols, Rows: rows}, nil)
}

// CreateTab creates or returns the tab for a root path.
func (c *Client) CreateTab(ctx context.Context, req CreateTabRequest) (schema.TabSnapshot, error) {
	var out schema.TabSnapshot
	err := c.do(ctx, "create tab", http.MethodPost, "/api/tabs", req, &out)
	return out, err
}

// ListTabs lists all tabs.
func (c *Client) ListTabs(ctx context.Context) ([]schema.TabSnapshot, error) {
	var out struct {
		Tabs []schema.TabSnapshot `json:"tabs"`
	}
	if err := c.do(ctx, "list tabs", http.MethodGet, "/api/tabs", nil, &out); err != nil {
		return nil, err
	}
	return out.Tabs, nil
}

// GetTab fetches one tab.
func (c *Client) GetTab(ctx context.Context, id schema.TabID) (schema.TabSnapshot, error) {
	var out schema.TabSnapshot
	err := c.do(ctx, "get tab", http.MethodGet, "/api/tabs/"+url.PathEscape(string(id)), nil, &out)
	return out, err
}

// DeleteTab deletes one tab.
func (c *Client) DeleteTab(ctx context.Context, id schema.TabID) error {
	return c.do(ctx, "delete tab", http.MethodDelete, "/api/tabs/"+url.PathEscape(string(id)), nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return &Error{Kind: KindInvalid, Op: op, Err: err}
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &Error{Kind: KindInvalid, Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.log.Trace("api request", "op", op, "method", method, "path", path)
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("api request failed", "op", op, "err", err)
		return &Error{Kind: KindUnavailable, Op: op, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &Error{Kind: KindUnavailable, Op: op, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{Kind: kindForStatus(resp.StatusCode), Op: op, Status: resp.StatusCode}
		var eb errorBody
		if json.Unmarshal(data, &eb) == nil {
			apiErr.Message = strings.TrimSpace(eb.Error)
			if apiErr.Message == "" {
				apiErr.Message = strings.TrimSpace(eb.Message)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		c.log.Debug("api request rejected", "op", op, "status", resp.StatusCode, "kind", apiErr.Kind)
		return apiErr
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Kind: KindUnknown, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
