// Package agenttask creates tasks on the agent platform and kicks off
// their initial chat exchange.
package agenttask

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/laplacelab/lapgw/internal/observability"
	"github.com/laplacelab/lapgw/internal/util"
)

const (
	createTaskPath = "/task/create"
	chatStreamPath = "/chat/stream"

	defaultTaskTimeout  = 20 * time.Second
	defaultTaskPriority = 10
)

// Task is the platform's view of a created task.
type Task struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Client talks to the agent platform's task and chat endpoints using
// a previously exchanged access token.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     observability.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates an agent-platform task client.
func NewClient(endpoint string, opts ...ClientOption) (*Client, error) {
	if endpoint == "" {
		return nil, &util.ConfigError{Field: "agentPlatform.endpoint", Message: "endpoint is required"}
	}

	c := &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Timeout: defaultTaskTimeout},
		logger:     observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// taskEnvelope is the platform task API response wrapper. A zero code
// marks business success.
type taskEnvelope struct {
	Code    int             `json:"code"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// CreateTask creates a task bound to the given agent.
func (c *Client) CreateTask(ctx context.Context, accessToken, agentID, taskName string) (*Task, error) {
	requirements, err := json.Marshal(map[string]string{"usingAgentId": agentID})
	if err != nil {
		return nil, util.WrapError(err, "failed to encode agent requirements")
	}

	payload := map[string]interface{}{
		"name":               taskName,
		"type":               0,
		"priority":           defaultTaskPriority,
		"agent_requirements": string(requirements),
		"init_data":          "",
	}

	body, err := c.post(ctx, createTaskPath, accessToken, payload)
	if err != nil {
		return nil, err
	}

	var envelope taskEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &util.UpstreamError{Upstream: "agent-platform", Message: "malformed task create response", Cause: err}
	}
	if envelope.Code != 0 || len(envelope.Data) == 0 {
		return nil, &util.UpstreamError{
			Upstream: "agent-platform",
			Message:  fmt.Sprintf("task create rejected: %s", envelope.Message),
		}
	}

	var created Task
	if err := json.Unmarshal(envelope.Data, &created); err != nil {
		return nil, &util.UpstreamError{Upstream: "agent-platform", Message: "malformed task payload", Cause: err}
	}
	if created.ID == "" {
		return nil, &util.UpstreamError{Upstream: "agent-platform", Message: "task create returned no task id"}
	}
	return &created, nil
}

// chatMessage mirrors the platform chat payload shape.
type chatMessage struct {
	Role    string        `json:"role"`
	Content []chatContent `json:"content"`
}

type chatContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// KickoffChat sends the initial chat message for a task. It is meant
// to run from a background task; failures are returned for the
// supervisor to log, never surfaced to a caller.
func (c *Client) KickoffChat(ctx context.Context, accessToken, taskID, agentID, message string) error {
	payload := map[string]interface{}{
		"taskId":  taskID,
		"agentId": agentID,
		"messages": []chatMessage{
			{Role: "user", Content: []chatContent{{Type: "text", Text: message}}},
		},
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return util.WrapError(err, "failed to encode chat payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+chatStreamPath, bytes.NewReader(encoded))
	if err != nil {
		return &util.UpstreamError{Upstream: "agent-platform", Message: "failed to build chat request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &util.UpstreamError{Upstream: "agent-platform", Message: "chat kickoff request failed", Cause: err}
	}
	// The streamed content is not needed; close as soon as the
	// status line arrives.
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &util.UpstreamError{
			Upstream: "agent-platform",
			Message:  fmt.Sprintf("chat kickoff returned status %d", resp.StatusCode),
		}
	}
	return nil
}

func (c *Client) post(ctx context.Context, path, accessToken string, payload interface{}) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, util.WrapError(err, "failed to encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, &util.UpstreamError{Upstream: "agent-platform", Message: "failed to build request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &util.UpstreamError{Upstream: "agent-platform", Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &util.UpstreamError{Upstream: "agent-platform", Message: "failed to read response", Cause: err}
	}
	if resp.StatusCode >= 400 {
		var envelope taskEnvelope
		if json.Unmarshal(body, &envelope) == nil && envelope.Message != "" {
			return nil, &util.UpstreamError{
				Upstream: "agent-platform",
				Message:  envelope.Message,
			}
		}
		return nil, &util.UpstreamError{
			Upstream: "agent-platform",
			Message:  fmt.Sprintf("request returned status %d", resp.StatusCode),
		}
	}
	return body, nil
}
