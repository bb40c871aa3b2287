// Package client talks to a bgtask server over HTTP. A Client is a
// task.Source, so handles built from it behave exactly like local ones.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bgtask/api"
	"bgtask/task"
	"bgtask/tools"

	"github.com/sirupsen/logrus"
)

// knownErrors are the sentinels an APIError can match by message.
var knownErrors = []error{
	task.ErrNotFound,
	task.ErrQueueFull,
	task.ErrRegistryClosed,
	task.ErrTimeout,
	tools.ErrUnknownTool,
	tools.ErrTaskUnsupported,
	tools.ErrInvalidArguments,
	tools.ErrInvalidMode,
}

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Is matches the engine and dispatch sentinels named in the server message.
func (e *APIError) Is(target error) bool {
	for _, known := range knownErrors {
		if target == known {
			return strings.Contains(e.Message, known.Error())
		}
	}
	return false
}

type Client struct {
	baseURL     string
	http        *http.Client
	token       string
	logger      logrus.FieldLogger
	pollOpts    []task.PollerOption
	waitTimeout time.Duration
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sends a bearer token with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.logger = l }
}

func WithPollerOptions(opts ...task.PollerOption) Option {
	return func(c *Client) { c.pollOpts = append(c.pollOpts, opts...) }
}

func WithWaitTimeout(d time.Duration) Option {
	return func(c *Client) { c.waitTimeout = d }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		http:        &http.Client{Timeout: 30 * time.Second},
		logger:      logrus.StandardLogger(),
		waitTimeout: task.DefaultWaitTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do sends a request and decodes the response into out when the status is
// one of ok. Any other status becomes an *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out any, ok ...int) (int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	for _, code := range ok {
		if resp.StatusCode != code {
			continue
		}
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return resp.StatusCode, fmt.Errorf("decode response: %w", err)
			}
		}
		return resp.StatusCode, nil
	}

	var apiErr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &apiErr) != nil || apiErr.Error == "" {
		apiErr.Error = strings.TrimSpace(string(data))
	}
	return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
}

// Get fetches the current record of a task.
func (c *Client) Get(ctx context.Context, id string) (task.Record, error) {
	var rec task.Record
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id), nil, &rec, http.StatusOK); err != nil {
		return task.Record{}, err
	}
	return rec, nil
}

// Cancel requests cancellation. Cancelling a finished task succeeds.
func (c *Client) Cancel(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(id)+"/cancel", nil, nil, http.StatusOK)
	return err
}

// List returns every live task on the server.
func (c *Client) List(ctx context.Context) ([]task.Record, error) {
	var recs []task.Record
	_, err := c.do(ctx, http.MethodGet, "/api/v1/tasks", nil, &recs, http.StatusOK)
	return recs, err
}

// Tools returns the server's tool catalogue.
func (c *Client) Tools(ctx context.Context) ([]tools.Tool, error) {
	var list []tools.Tool
	_, err := c.do(ctx, http.MethodGet, "/api/v1/tools", nil, &list, http.StatusOK)
	return list, err
}

// Handle builds a handle for an id obtained from anywhere, such as another
// client or a log line.
func (c *Client) Handle(id string) *task.Handle {
	return task.NewHandle(id, c,
		task.WithPoller(task.NewPoller(c, c.pollOpts...)),
		task.WithWaitTimeout(c.waitTimeout),
	)
}

func (c *Client) submit(ctx context.Context, req api.CallRequest) (*task.Handle, error) {
	var resp api.SubmitResponse
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/tasks", req, &resp, http.StatusAccepted); err != nil {
		return nil, err
	}
	c.logger.WithFields(logrus.Fields{"task_id": resp.TaskID, "tool": req.Tool}).Debug("Task submitted")
	return c.Handle(resp.TaskID), nil
}

// Submit starts a tool as a background task on the server.
func (c *Client) Submit(ctx context.Context, name string, args map[string]any) (*task.Handle, error) {
	return c.submit(ctx, api.CallRequest{Tool: name, Arguments: args})
}

// SubmitCommand starts a task from a command string like `slow_calculation n=5`.
func (c *Client) SubmitCommand(ctx context.Context, command string) (*task.Handle, error) {
	return c.submit(ctx, api.CallRequest{Command: command})
}

// Call runs a tool synchronously on the server and returns its result.
func (c *Client) Call(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	var resp api.CallResponse
	req := api.CallRequest{Tool: name, Arguments: args, Mode: string(tools.ModeSynchronous)}
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/call", req, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// FetchResult reads the result endpoint once, optionally letting the server
// wait up to wait for completion. The error follows the same taxonomy as
// task.Record.Outcome.
func (c *Client) FetchResult(ctx context.Context, id string, wait time.Duration) (json.RawMessage, error) {
	path := "/api/v1/tasks/" + url.PathEscape(id) + "/result"
	if wait > 0 {
		path += "?wait=" + url.QueryEscape(wait.String())
	}

	var resp api.ResultResponse
	status, err := c.do(ctx, http.MethodGet, path, nil, &resp,
		http.StatusOK, http.StatusAccepted, http.StatusConflict, http.StatusUnprocessableEntity)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return resp.Result, nil
	case http.StatusAccepted:
		return nil, fmt.Errorf("%w: task %s is %s", task.ErrNotReady, id, resp.Status)
	case http.StatusConflict:
		return nil, fmt.Errorf("%w: %s", task.ErrCancelled, id)
	}
	failure := task.Failure{Kind: task.FailureError, Message: resp.Error}
	if resp.Failure != nil {
		failure = *resp.Failure
	}
	return nil, &task.TaskError{ID: id, Failure: failure}
}

// Ping checks that the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.do(ctx, http.MethodGet, "/health", nil, nil, http.StatusOK); err != nil {
		return fmt.Errorf("server %s unreachable: %w", c.baseURL, err)
	}
	return nil
}
