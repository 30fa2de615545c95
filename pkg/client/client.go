// Package client provides HTTP client functionality to communicate with a
// running studykit server. It speaks the JSON API exposed by internal/server
// and redeclares the wire types so importers do not depend on internal
// packages.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to one studykit server.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080",
		Timeout: 10 * time.Second,
	}
}

// New creates a new studykit API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// Target selects what a tool operates on. Both fields empty means the
// project; study set requires subject.
type Target struct {
	Subject string `json:"subject"`
	Study   string `json:"study"`
}

func (t Target) query() url.Values {
	v := url.Values{}
	if t.Subject != "" {
		v.Set("subject", t.Subject)
	}
	if t.Study != "" {
		v.Set("study", t.Study)
	}
	return v
}

// Descriptor is the status of one tool for one target.
type Descriptor struct {
	Name     string   `json:"name"`
	Status   string   `json:"status"`
	Message  string   `json:"message"`
	Commands []string `json:"commands"`
	PID      int      `json:"pid,omitempty"`
}

// Process is one ledger record. ReturnCode, EndTime and Duration are nil
// while the process is still running.
type Process struct {
	PID        int        `json:"pid"`
	ToolName   string     `json:"tool_name"`
	Command    string     `json:"command"`
	Target     Target     `json:"target"`
	StartTime  time.Time  `json:"start_time"`
	Running    bool       `json:"running"`
	ReturnCode *int       `json:"return_code,omitempty"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	Duration   *float64   `json:"duration,omitempty"`
	Stdout     string     `json:"stdout,omitempty"`
	Stderr     string     `json:"stderr,omitempty"`
}

// IsReachable checks if the server is running and reachable.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("server unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Subjects lists subject names.
func (c *Client) Subjects(ctx context.Context) ([]string, error) {
	var out []string
	err := c.get(ctx, "/subjects", nil, &out)
	return out, err
}

// Studies lists study names for one subject.
func (c *Client) Studies(ctx context.Context, subject string) ([]string, error) {
	var out []string
	err := c.get(ctx, "/subjects/"+url.PathEscape(subject)+"/studies", nil, &out)
	return out, err
}

// Tools returns the status descriptors of every tool applicable to tgt.
func (c *Client) Tools(ctx context.Context, tgt Target) ([]Descriptor, error) {
	var out []Descriptor
	err := c.get(ctx, "/tools", tgt.query(), &out)
	return out, err
}

// Dispatch invokes command ("run" or "undo") on the named tool and returns
// the refreshed descriptor.
func (c *Client) Dispatch(ctx context.Context, name, command string, tgt Target) (Descriptor, error) {
	var out Descriptor
	path := "/tools/" + url.PathEscape(name) + "/" + url.PathEscape(command)
	err := c.do(ctx, http.MethodPost, path, tgt.query(), &out)
	return out, err
}

// Processes lists the ledger records of one half ("running" or "completed").
func (c *Client) Processes(ctx context.Context, which string) ([]Process, error) {
	var out []Process
	err := c.get(ctx, "/processes", url.Values{"which": {which}}, &out)
	return out, err
}

// Process fetches one record with its captured output.
func (c *Client) Process(ctx context.Context, pid int) (Process, error) {
	var out Process
	err := c.get(ctx, "/processes/"+strconv.Itoa(pid), nil, &out)
	return out, err
}

// ClearLogs wipes one ledger half.
func (c *Client) ClearLogs(ctx context.Context, which string) error {
	return c.do(ctx, http.MethodPost, "/processes/clear", url.Values{"which": {which}}, nil)
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, q, out)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "url", u, "error", err)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.apiError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) apiError(resp *http.Response) error {
	var er struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error == "" {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	c.logger.Debug("API request failed", "status", resp.StatusCode, "error", er.Error)
	return fmt.Errorf("API error: %s", er.Error)
}
