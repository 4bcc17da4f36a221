package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

const anthropicVersion = "2023-06-01"

// AnthropicProvider talks to the Anthropic messages API. System messages
// move into the top-level system field; streaming arrives as typed SSE
// events (message_start, content_block_delta, message_delta, message_stop).
type AnthropicProvider struct {
	config     ProviderConfig
	httpClient *http.Client
}

// NewAnthropicProvider creates a provider from config.
func NewAnthropicProvider(cfg ProviderConfig) (*AnthropicProvider, error) {
	cfg.Type = TypeAnthropic
	cfg.SetDefaults()
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	return &AnthropicProvider{
		config: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
	}, nil
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	System      string             `json:"system,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
	Error      *anthropicError    `json:"error,omitempty"`
}

// anthropicStreamEvent is one SSE data frame; Type selects which of the
// optional fields is populated.
type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *anthropicError `json:"error,omitempty"`
}

// buildRequest splits system messages out of the turn list: the API takes
// them as a single top-level field.
func (p *AnthropicProvider) buildRequest(req ChatRequest, stream bool) anthropicRequest {
	out := anthropicRequest{
		Model:       req.Options.Model,
		Temperature: req.Options.Temperature,
		MaxTokens:   req.Options.MaxTokens,
		Stream:      stream,
	}
	if out.Model == "" {
		out.Model = p.config.Model
	}
	if out.Temperature == 0 {
		out.Temperature = p.config.Temperature
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = p.config.MaxTokens
	}

	var system []string
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			system = append(system, m.Text())
			continue
		}
		out.Messages = append(out.Messages, anthropicMessage{
			Role:    string(m.Role),
			Content: m.Text(),
		})
	}
	out.System = strings.Join(system, "\n\n")
	return out
}

func (p *AnthropicProvider) post(ctx context.Context, body anthropicRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.BaseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.config.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &httpStatusError{status: resp.StatusCode, body: string(raw)}
	}
	return resp, nil
}

// Chat performs a unary call with retries on 429/5xx.
func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*Response, error) {
	body := p.buildRequest(req, false)

	var parsed anthropicResponse
	err := retry.Do(
		func() error {
			resp, err := p.post(ctx, body)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(p.config.MaxRetries)),
		retry.RetryIf(retryable),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxJitter(500*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}

	if parsed.Error != nil {
		return nil, fmt.Errorf("anthropic api error: %s: %s", parsed.Error.Type, parsed.Error.Message)
	}

	var text strings.Builder
	for _, c := range parsed.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	return &Response{
		Content:      text.String(),
		FinishReason: parsed.StopReason,
		Usage: &Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
	}, nil
}

// ChatStream performs a streaming call. The returned channel is closed after
// the terminal chunk; cancelling ctx aborts the stream.
func (p *AnthropicProvider) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	body := p.buildRequest(req, true)

	resp, err := p.post(ctx, body)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		usage := &Usage{}
		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadBytes('\n')
			if len(line) > 0 {
				line = bytes.TrimSpace(line)
				if bytes.HasPrefix(line, []byte("data: ")) {
					data := bytes.TrimPrefix(line, []byte("data: "))
					var event anthropicStreamEvent
					if jerr := json.Unmarshal(data, &event); jerr == nil {
						switch event.Type {
						case "message_start":
							if event.Message != nil {
								usage.PromptTokens = event.Message.Usage.InputTokens
							}
						case "content_block_delta":
							if event.Delta != nil && event.Delta.Text != "" {
								select {
								case out <- StreamChunk{Text: event.Delta.Text}:
								case <-ctx.Done():
									out <- StreamChunk{Err: ctx.Err()}
									return
								}
							}
						case "message_delta":
							if event.Usage != nil {
								usage.CompletionTokens = event.Usage.OutputTokens
							}
						case "message_stop":
							usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
							out <- StreamChunk{Done: true, Usage: usage}
							return
						case "error":
							if event.Error != nil {
								out <- StreamChunk{Err: fmt.Errorf("anthropic api error: %s: %s",
									event.Error.Type, event.Error.Message)}
								return
							}
						}
					}
				}
			}
			if err != nil {
				if err == io.EOF {
					// Stream ended without message_stop.
					usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
					out <- StreamChunk{Done: true, Usage: usage}
					return
				}
				if ctx.Err() != nil {
					out <- StreamChunk{Err: ctx.Err()}
					return
				}
				out <- StreamChunk{Err: fmt.Errorf("stream read failed: %w", err)}
				return
			}
		}
	}()

	return out, nil
}

// ModelName returns the configured default model.
func (p *AnthropicProvider) ModelName() string {
	return p.config.Model
}

// Close releases idle connections.
func (p *AnthropicProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}
