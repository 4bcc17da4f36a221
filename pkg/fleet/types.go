// Package fleet manages the worker node table, task dispatch, and the LLM
// proxy through which nodes reach model backends.
package fleet

import (
	"time"

	"github.com/flotilla-ai/flotilla/pkg/llm"
)

// NodeType classifies a node.
type NodeType string

const (
	NodeTypeWorker    NodeType = "worker"
	NodeTypeCompanion NodeType = "companion"
	NodeTypeCustom    NodeType = "custom"
	NodeTypeHub       NodeType = "hub"
)

// NodeStatus is the node lifecycle state.
type NodeStatus string

const (
	NodeStatusUnknown NodeStatus = "unknown"
	NodeStatusOnline  NodeStatus = "online"
	NodeStatusBusy    NodeStatus = "busy"
	NodeStatusOffline NodeStatus = "offline"
)

// NodeStats accumulates per-node task accounting.
type NodeStats struct {
	Total         int64      `json:"total"`
	Completed     int64      `json:"completed"`
	Failed        int64      `json:"failed"`
	Active        int        `json:"active"`
	AvgResponseMs float64    `json:"avg_response_ms"`
	LastTaskAt    *time.Time `json:"last_task_at,omitempty"`
}

// Node is one fleet member. Hub nodes carry a deduplicated persona set;
// every other type binds at most one persona.
type Node struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Type               NodeType   `json:"type"`
	Status             NodeStatus `json:"status"`
	Capabilities       []string   `json:"capabilities,omitempty"`
	Tools              []string   `json:"tools,omitempty"`
	MaxConcurrentTasks int        `json:"max_concurrent_tasks"`
	RegisteredAt       time.Time  `json:"registered_at"`
	LastHeartbeat      time.Time  `json:"last_heartbeat"`
	LastSeen           time.Time  `json:"last_seen"`
	Stats              NodeStats  `json:"stats"`
	ConnectionID       string     `json:"connection_id,omitempty"`
	Personas           []string   `json:"personas,omitempty"`
}

// Clone returns a deep copy safe to hand to callers.
func (n *Node) Clone() *Node {
	cp := *n
	cp.Capabilities = append([]string(nil), n.Capabilities...)
	cp.Tools = append([]string(nil), n.Tools...)
	cp.Personas = append([]string(nil), n.Personas...)
	if n.Stats.LastTaskAt != nil {
		t := *n.Stats.LastTaskAt
		cp.Stats.LastTaskAt = &t
	}
	return &cp
}

// HasCapability reports whether the node declares a capability.
func (n *Node) HasCapability(capability string) bool {
	for _, c := range n.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// RegisterInfo is the registration payload.
type RegisterInfo struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Type               NodeType   `json:"type"`
	Status             NodeStatus `json:"status,omitempty"`
	Capabilities       []string   `json:"capabilities,omitempty"`
	Tools              []string   `json:"tools,omitempty"`
	MaxConcurrentTasks int        `json:"max_concurrent_tasks,omitempty"`
	ConnectionID       string     `json:"connection_id,omitempty"`
	Personas           []string   `json:"personas,omitempty"`
}

// HeartbeatPayload carries optional status and stat updates.
type HeartbeatPayload struct {
	Status        NodeStatus `json:"status,omitempty"`
	ActiveTasks   *int       `json:"active_tasks,omitempty"`
	AvgResponseMs *float64   `json:"avg_response_ms,omitempty"`
}

// Task is one unit of dispatchable work. Tasks live only in memory.
type Task struct {
	TaskID     string            `json:"task_id,omitempty"`
	ToolName   string            `json:"tool_name"`
	ToolArgs   map[string]any    `json:"tool_args,omitempty"`
	Capability string            `json:"capability,omitempty"`
	Timeout    time.Duration     `json:"timeout,omitempty"`
	Priority   int               `json:"priority,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Delegation is a follow-up task requested by a completed task's result.
type Delegation struct {
	ToolName   string            `json:"toolName"`
	Capability string            `json:"capability,omitempty"`
	Args       map[string]any    `json:"args,omitempty"`
	Timeout    time.Duration     `json:"timeout,omitempty"`
	TaskID     string            `json:"taskId,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// TaskResult is what a node reports back for an assigned task.
type TaskResult struct {
	TaskID      string         `json:"task_id"`
	Success     bool           `json:"success"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Delegations []Delegation   `json:"delegations,omitempty"`
}

// ErrorCode is a stable failure identifier surfaced to callers.
type ErrorCode string

const (
	ErrCodeNodeNotFound        ErrorCode = "node_not_found"
	ErrCodeInvalidPayload      ErrorCode = "invalid_payload"
	ErrCodeLLMUnavailable      ErrorCode = "llm_unavailable"
	ErrCodeRateLimitExceeded   ErrorCode = "rate_limit_exceeded"
	ErrCodeQuotaExceeded       ErrorCode = "quota_exceeded"
	ErrCodeStreamLimitExceeded ErrorCode = "stream_limit_exceeded"
	ErrCodeLLMRequestFailed    ErrorCode = "llm_request_failed"
	ErrCodeNoAvailableNode     ErrorCode = "no_available_node"
)

// ErrorInfo pairs a stable code with a human-readable message.
type ErrorInfo struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return string(e.Code) + ": " + e.Message
}

// StreamObserver receives streaming proxy output.
type StreamObserver interface {
	OnChunk(text string)
	OnError(err error)
	OnComplete(content string)
}

// ProxyRequest is one LLM call routed through the fleet.
type ProxyRequest struct {
	RequestID      string
	NodeID         string
	Messages       []llm.Message
	Model          string
	Provider       string
	Options        llm.ChatOptions
	StreamObserver StreamObserver
}

// ProxyResult is the outcome of a proxied LLM call.
type ProxyResult struct {
	Success bool       `json:"success"`
	Content string     `json:"content,omitempty"`
	Usage   *llm.Usage `json:"usage,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}
