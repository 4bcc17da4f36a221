// Package llm defines the message model shared across the runtime and the
// provider abstraction used to reach model backends.
package llm

import (
	"fmt"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// ContentPartType tags a content part.
type ContentPartType string

const (
	ContentPartTypeText     ContentPartType = "text"
	ContentPartTypeImageRef ContentPartType = "image_ref"
)

// ContentPart is one element of a structured message body.
type ContentPart struct {
	Type ContentPartType `json:"type"`
	Text string          `json:"text,omitempty"`
	// Ref is the image reference (URL or content id) for image_ref parts.
	Ref string `json:"ref,omitempty"`
}

// Message is one conversation turn. Content carries plain text; Parts, when
// non-empty, carries the ordered structured body instead. Messages are
// immutable once stored; edits are new messages.
type Message struct {
	Role    Role          `json:"role"`
	Content string        `json:"content,omitempty"`
	Parts   []ContentPart `json:"parts,omitempty"`
	// Name marks special assistant messages, e.g. "summary" for messages
	// that condense prior turns.
	Name string `json:"name,omitempty"`
}

// Text returns the message body as a single string. Structured parts are
// flattened with image references inlined as <img>REF</img>, which is also
// the persisted form.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	for i, p := range m.Parts {
		if i > 0 {
			b.WriteString("\n")
		}
		switch p.Type {
		case ContentPartTypeImageRef:
			fmt.Fprintf(&b, "<img>%s</img>", p.Ref)
		default:
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// IsSummary reports whether this is an assistant summary message.
func (m Message) IsSummary() bool {
	return m.Role == RoleAssistant && m.Name == "summary"
}

// Usage is the token accounting reported by a provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatOptions tune a single chat call.
type ChatOptions struct {
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Stream      bool    `json:"stream,omitempty"`
}

// ChatRequest is a provider-agnostic chat call.
type ChatRequest struct {
	Messages []Message
	Options  ChatOptions
}

// Response is the result of a unary chat call.
type Response struct {
	Content      string
	FinishReason string
	Usage        *Usage
}

// StreamChunk is one frame of a streaming response. Done is set exactly once,
// on the terminal frame; Err, when non-nil, terminates the stream.
type StreamChunk struct {
	Text  string
	Done  bool
	Usage *Usage
	Err   error
}
