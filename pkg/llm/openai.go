package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
)

// OpenAIProvider talks to any openai-compatible chat completion endpoint.
type OpenAIProvider struct {
	config     ProviderConfig
	httpClient *http.Client
}

// NewOpenAIProvider creates a provider from config.
func NewOpenAIProvider(cfg ProviderConfig) (*OpenAIProvider, error) {
	cfg.Type = TypeOpenAI
	cfg.SetDefaults()
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	return &OpenAIProvider{
		config: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
	}, nil
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openAIChoice struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	FinishReason string `json:"finish_reason"`
}

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// httpStatusError carries the status code so retry policy can inspect it.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("llm request failed with status %d: %s", e.status, e.body)
}

// retryable reports whether the error warrants a retry: 429 and 5xx do,
// other 4xx never do.
func retryable(err error) bool {
	if se, ok := err.(*httpStatusError); ok {
		return se.status == http.StatusTooManyRequests || se.status >= 500
	}
	// Network-level errors are treated as transient.
	return true
}

func (p *OpenAIProvider) buildRequest(req ChatRequest, stream bool) openAIRequest {
	out := openAIRequest{
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
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, openAIMessage{
			Role:    string(m.Role),
			Content: m.Text(),
			Name:    m.Name,
		})
	}
	return out
}

func (p *OpenAIProvider) post(ctx context.Context, body openAIRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)

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

// Chat performs a unary chat completion with retries on 429/5xx.
func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*Response, error) {
	body := p.buildRequest(req, false)

	var parsed openAIResponse
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

	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("llm response contained no choices")
	}
	return &Response{
		Content:      parsed.Choices[0].Message.Content,
		FinishReason: parsed.Choices[0].FinishReason,
		Usage:        parsed.Usage,
	}, nil
}

// ChatStream performs a streaming chat completion. The returned channel is
// closed after the terminal chunk; cancelling ctx aborts the stream.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	body := p.buildRequest(req, true)

	resp, err := p.post(ctx, body)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		var usage *Usage
		finished := false
		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadBytes('\n')
			if len(line) > 0 {
				line = bytes.TrimSpace(line)
				if bytes.HasPrefix(line, []byte("data: ")) {
					data := bytes.TrimPrefix(line, []byte("data: "))
					if bytes.Equal(data, []byte("[DONE]")) {
						finished = true
						break
					}
					var chunk openAIResponse
					if jerr := json.Unmarshal(data, &chunk); jerr == nil {
						if chunk.Usage != nil {
							usage = chunk.Usage
						}
						if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
							select {
							case out <- StreamChunk{Text: chunk.Choices[0].Delta.Content}:
							case <-ctx.Done():
								out <- StreamChunk{Err: ctx.Err()}
								return
							}
						}
					}
				}
			}
			if err != nil {
				if err == io.EOF {
					finished = true
					break
				}
				if ctx.Err() != nil {
					out <- StreamChunk{Err: ctx.Err()}
					return
				}
				out <- StreamChunk{Err: fmt.Errorf("stream read failed: %w", err)}
				return
			}
		}
		if finished {
			out <- StreamChunk{Done: true, Usage: usage}
		}
	}()

	return out, nil
}

// ModelName returns the configured default model.
func (p *OpenAIProvider) ModelName() string {
	return p.config.Model
}

// Close releases idle connections.
func (p *OpenAIProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}
