// Package client is an HTTP client for the flotilla server API. The CLI
// and external worker nodes both sit on top of it.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flotilla-ai/flotilla/pkg/fleet"
	"github.com/flotilla-ai/flotilla/pkg/history"
	"github.com/flotilla-ai/flotilla/pkg/llm"
	"github.com/flotilla-ai/flotilla/pkg/orchestrator"
	"github.com/flotilla-ai/flotilla/pkg/quota"
)

// DefaultTimeout bounds unary calls. Streaming calls are bounded only by
// their context; an overall client timeout would sever a healthy feed.
const DefaultTimeout = 120 * time.Second

// Client talks to one flotilla server.
type Client struct {
	baseURL string
	http    *http.Client
	stream  *http.Client
}

// New returns a client for the server at baseURL.
func New(baseURL string) *Client {
	return NewWithTimeout(baseURL, DefaultTimeout)
}

// NewWithTimeout returns a client with a custom unary-call timeout.
func NewWithTimeout(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		stream:  &http.Client{},
	}
}

// APIError is a structured failure returned by the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Message, e.Status)
}

// ChatRequest is the /v1/chat payload.
type ChatRequest struct {
	ConversationID string        `json:"conversation_id,omitempty"`
	Messages       []llm.Message `json:"messages"`
	Model          string        `json:"model,omitempty"`
	Provider       string        `json:"provider,omitempty"`
	Stream         bool          `json:"stream,omitempty"`
	AgentID        string        `json:"agent_id,omitempty"`
	UserID         string        `json:"user_id,omitempty"`
}

// Stream event types for ChatStream.
const (
	StreamChunk     = "chunk"
	StreamCompleted = "completed"
	StreamError     = "error"
)

// StreamEvent is one frame of a streaming chat response.
type StreamEvent struct {
	Type     string
	Text     string                 // set for chunk frames
	Response *orchestrator.Response // set for the completed frame
	Err      error                  // set for the error frame
}

// TaskEvent is one assignment delivered over a node's task feed.
type TaskEvent struct {
	TaskID     string            `json:"task_id"`
	NodeID     string            `json:"node_id"`
	ToolName   string            `json:"tool_name"`
	ToolArgs   map[string]any    `json:"tool_args"`
	Capability string            `json:"capability"`
	TimeoutMs  int64             `json:"timeout_ms"`
	Metadata   map[string]string `json:"metadata"`
}

// CheckpointReceipt describes a checkpoint created through the API.
type CheckpointReceipt struct {
	ID           string `json:"id"`
	MessageCount int    `json:"message_count"`
	TokenCount   int    `json:"token_count"`
	Reason       string `json:"reason"`
}

// RollbackResult reports the conversation state after a rollback.
type RollbackResult struct {
	ConversationID string `json:"conversation_id"`
	MessageCount   int    `json:"message_count"`
	TokenCount     int    `json:"token_count"`
}

// Health pings the server.
func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/healthz", nil, nil)
}

// Chat sends a unary chat request and returns the full response.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*orchestrator.Response, error) {
	req.Stream = false
	var resp orchestrator.Response
	if err := c.doJSON(ctx, http.MethodPost, "/v1/chat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ChatStream sends a streaming chat request. Frames arrive on the returned
// channel until a completed or error frame, the server closes the stream,
// or ctx is cancelled; the channel is closed afterwards.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	req.Stream = true
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/v1/chat", req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	out := make(chan StreamEvent, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		deliver := func(ev StreamEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		readSSE(resp.Body, func(event, data string) bool {
			switch event {
			case StreamChunk:
				var chunk struct {
					Text string `json:"text"`
				}
				if json.Unmarshal([]byte(data), &chunk) == nil {
					return deliver(StreamEvent{Type: StreamChunk, Text: chunk.Text})
				}
			case StreamCompleted:
				var final orchestrator.Response
				if json.Unmarshal([]byte(data), &final) == nil {
					deliver(StreamEvent{Type: StreamCompleted, Response: &final})
				}
				return false
			case StreamError:
				var fail struct {
					Message string `json:"message"`
				}
				if json.Unmarshal([]byte(data), &fail) == nil {
					deliver(StreamEvent{Type: StreamError, Err: errors.New(fail.Message)})
				}
				return false
			}
			return true
		})
	}()
	return out, nil
}

// TaskFeed subscribes to task assignments for a node. The feed stays open
// until ctx is cancelled or the server drops the connection; the channel
// is closed afterwards.
func (c *Client) TaskFeed(ctx context.Context, nodeID string) (<-chan TaskEvent, error) {
	httpReq, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/nodes/%s/tasks", nodeID), nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	out := make(chan TaskEvent, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		readSSE(resp.Body, func(event, data string) bool {
			if event != "task" {
				return true
			}
			var task TaskEvent
			if json.Unmarshal([]byte(data), &task) != nil {
				return true
			}
			select {
			case out <- task:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return out, nil
}

// ListNodes returns all registered nodes.
func (c *Client) ListNodes(ctx context.Context) ([]*fleet.Node, error) {
	var resp struct {
		Nodes []*fleet.Node `json:"nodes"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/nodes/", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

// RegisterNode registers or re-registers a node.
func (c *Client) RegisterNode(ctx context.Context, info fleet.RegisterInfo) (*fleet.Node, error) {
	var node fleet.Node
	if err := c.doJSON(ctx, http.MethodPost, "/v1/nodes/register", info, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// UnregisterNode removes a node from the fleet.
func (c *Client) UnregisterNode(ctx context.Context, nodeID string) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/v1/nodes/%s", nodeID), nil, nil)
}

// Heartbeat reports liveness for a node. connectionID, when non-empty,
// lets the server detect a node reconnecting under a new transport.
func (c *Client) Heartbeat(ctx context.Context, nodeID string, payload fleet.HeartbeatPayload, connectionID string) error {
	req, err := c.newRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/nodes/%s/heartbeat", nodeID), payload)
	if err != nil {
		return err
	}
	if connectionID != "" {
		req.Header.Set("X-Connection-ID", connectionID)
	}
	return c.send(req, nil)
}

// PostTaskResult reports the outcome of an assigned task.
func (c *Client) PostTaskResult(ctx context.Context, nodeID string, result fleet.TaskResult) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/nodes/%s/results", nodeID), result, nil)
}

// QuotaUsage returns a node's current admission counters.
func (c *Client) QuotaUsage(ctx context.Context, nodeID string) (*quota.Usage, error) {
	var usage quota.Usage
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/nodes/%s/quota", nodeID), nil, &usage); err != nil {
		return nil, err
	}
	return &usage, nil
}

// Messages reads stored conversation history. limit and offset of zero
// return the whole conversation.
func (c *Client) Messages(ctx context.Context, conversationID string, limit, offset int) ([]history.Entry, error) {
	path := fmt.Sprintf("/v1/conversations/%s/messages?limit=%d&offset=%d", conversationID, limit, offset)
	var resp struct {
		Messages []history.Entry `json:"messages"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Archive ends a conversation and deletes its stored history.
func (c *Client) Archive(ctx context.Context, conversationID string) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/v1/conversations/%s", conversationID), nil, nil)
}

// ListCheckpoints returns a conversation's checkpoints, newest first.
func (c *Client) ListCheckpoints(ctx context.Context, conversationID string) ([]history.Checkpoint, error) {
	var resp struct {
		Checkpoints []history.Checkpoint `json:"checkpoints"`
	}
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/conversations/%s/checkpoints/", conversationID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Checkpoints, nil
}

// CreateCheckpoint snapshots a conversation's current messages.
func (c *Client) CreateCheckpoint(ctx context.Context, conversationID, reason string) (*CheckpointReceipt, error) {
	body := map[string]string{"reason": reason}
	var receipt CheckpointReceipt
	if err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/conversations/%s/checkpoints/", conversationID), body, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// Rollback restores a conversation to a checkpoint.
func (c *Client) Rollback(ctx context.Context, conversationID, checkpointID string) (*RollbackResult, error) {
	path := fmt.Sprintf("/v1/conversations/%s/checkpoints/%s/rollback", conversationID, checkpointID)
	var result RollbackResult
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelRequest cancels an in-flight request by its tracker ID.
func (c *Client) CancelRequest(ctx context.Context, requestID string) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/requests/%s/cancel", requestID), nil, nil)
}

func (c *Client) newRequest(ctx context.Context, method, path string, in any) (*http.Request, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	req, err := c.newRequest(ctx, method, path, in)
	if err != nil {
		return err
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var parsed struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Code != "" {
		return &APIError{Status: resp.StatusCode, Code: parsed.Error.Code, Message: parsed.Error.Message}
	}
	return &APIError{Status: resp.StatusCode, Code: "http_error", Message: strings.TrimSpace(string(body))}
}

// readSSE parses server-sent events off r and hands each complete frame to
// fn; fn returning false stops the read. A bufio.Reader rather than a
// Scanner, because completed frames can exceed the Scanner's buffer cap.
func readSSE(r io.Reader, fn func(event, data string) bool) {
	reader := bufio.NewReader(r)
	var event, data string

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}

		text := strings.TrimRight(string(line), "\r\n")
		switch {
		case strings.HasPrefix(text, "event: "):
			event = strings.TrimPrefix(text, "event: ")
		case strings.HasPrefix(text, "data: "):
			data = strings.TrimPrefix(text, "data: ")
		case text == "" && event != "":
			if !fn(event, data) {
				return
			}
			event, data = "", ""
		}
	}
}
