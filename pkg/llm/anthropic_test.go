package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func anthropicTestProvider(t *testing.T, serverURL string) *AnthropicProvider {
	t.Helper()
	p, err := NewAnthropicProvider(ProviderConfig{
		BaseURL: serverURL,
		APIKey:  "test-key",
		Model:   "claude-sonnet-4-20250514",
	})
	if err != nil {
		t.Fatalf("provider build failed: %v", err)
	}
	return p
}

func TestNewAnthropicProviderRequiresKey(t *testing.T) {
	if _, err := NewAnthropicProvider(ProviderConfig{}); err == nil {
		t.Fatal("expected an error without an api key")
	}
}

func TestAnthropicChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicVersion {
			t.Errorf("anthropic-version = %q", got)
		}

		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req.System != "Be brief." {
			t.Errorf("system = %q", req.System)
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Errorf("messages = %+v", req.Messages)
		}
		if req.MaxTokens == 0 {
			t.Error("max_tokens missing from request")
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(anthropicResponse{
			Content: []anthropicContent{
				{Type: "text", Text: "Hello"},
				{Type: "text", Text: " there!"},
			},
			StopReason: "end_turn",
			Usage:      anthropicUsage{InputTokens: 12, OutputTokens: 3},
		})
	}))
	defer server.Close()

	p := anthropicTestProvider(t, server.URL)
	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{
			{Role: RoleSystem, Content: "Be brief."},
			{Role: RoleUser, Content: "Hello"},
		},
	})
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	if resp.Content != "Hello there!" || resp.FinishReason != "end_turn" {
		t.Errorf("response = %+v", resp)
	}
	if resp.Usage == nil || resp.Usage.PromptTokens != 12 ||
		resp.Usage.CompletionTokens != 3 || resp.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestAnthropicChatSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(anthropicResponse{
			Error: &anthropicError{Type: "invalid_request_error", Message: "model unknown"},
		})
	}))
	defer server.Close()

	p := anthropicTestProvider(t, server.URL)
	_, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err == nil || !strings.Contains(err.Error(), "model unknown") {
		t.Fatalf("err = %v", err)
	}
}

func TestAnthropicChatStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("expected a streaming request")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range []string{
			`{"type": "message_start", "message": {"usage": {"input_tokens": 7}}}`,
			`{"type": "content_block_delta", "delta": {"type": "text_delta", "text": "Hel"}}`,
			`{"type": "content_block_delta", "delta": {"type": "text_delta", "text": "lo"}}`,
			`{"type": "message_delta", "usage": {"output_tokens": 2}}`,
			`{"type": "message_stop"}`,
		} {
			_, _ = w.Write([]byte("data: " + frame + "\n\n"))
		}
	}))
	defer server.Close()

	p := anthropicTestProvider(t, server.URL)
	ch, err := p.ChatStream(context.Background(), ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("stream setup failed: %v", err)
	}

	var text strings.Builder
	var last StreamChunk
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("stream error: %v", chunk.Err)
		}
		text.WriteString(chunk.Text)
		last = chunk
	}
	if text.String() != "Hello" {
		t.Errorf("streamed text = %q", text.String())
	}
	if !last.Done || last.Usage == nil {
		t.Fatalf("terminal chunk = %+v", last)
	}
	if last.Usage.PromptTokens != 7 || last.Usage.CompletionTokens != 2 || last.Usage.TotalTokens != 9 {
		t.Errorf("usage = %+v", last.Usage)
	}
}

func TestAnthropicChatStreamSurfacesErrorEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(`data: {"type": "error", "error": {"type": "overloaded_error", "message": "try later"}}` + "\n\n"))
	}))
	defer server.Close()

	p := anthropicTestProvider(t, server.URL)
	ch, err := p.ChatStream(context.Background(), ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("stream setup failed: %v", err)
	}

	var streamErr error
	for chunk := range ch {
		if chunk.Err != nil {
			streamErr = chunk.Err
		}
	}
	if streamErr == nil || !strings.Contains(streamErr.Error(), "try later") {
		t.Fatalf("stream err = %v", streamErr)
	}
}
