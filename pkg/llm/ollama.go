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

// OllamaProvider talks to a local Ollama server's /api/chat endpoint.
// Streaming responses arrive as newline-delimited JSON objects rather than
// SSE frames.
type OllamaProvider struct {
	config     ProviderConfig
	httpClient *http.Client
}

// NewOllamaProvider creates a provider from config. No API key is needed.
func NewOllamaProvider(cfg ProviderConfig) (*OllamaProvider, error) {
	cfg.Type = TypeOllama
	cfg.SetDefaults()
	return &OllamaProvider{
		config: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
	}, nil
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

// ollamaResponse is both the unary body and one NDJSON stream frame; the
// frame with done=true carries the eval counts.
type ollamaResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

func (p *OllamaProvider) buildRequest(req ChatRequest, stream bool) ollamaRequest {
	out := ollamaRequest{
		Model:  req.Options.Model,
		Stream: stream,
	}
	if out.Model == "" {
		out.Model = p.config.Model
	}

	temperature := req.Options.Temperature
	if temperature == 0 {
		temperature = p.config.Temperature
	}
	maxTokens := req.Options.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.config.MaxTokens
	}
	if temperature > 0 || maxTokens > 0 {
		out.Options = &ollamaOptions{Temperature: temperature, NumPredict: maxTokens}
	}

	for _, m := range req.Messages {
		out.Messages = append(out.Messages, ollamaMessage{
			Role:    string(m.Role),
			Content: m.Text(),
		})
	}
	return out
}

func (p *OllamaProvider) post(ctx context.Context, body ollamaRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.BaseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

func ollamaUsage(r ollamaResponse) *Usage {
	return &Usage{
		PromptTokens:     r.PromptEvalCount,
		CompletionTokens: r.EvalCount,
		TotalTokens:      r.PromptEvalCount + r.EvalCount,
	}
}

// Chat performs a unary chat call with retries on 429/5xx.
func (p *OllamaProvider) Chat(ctx context.Context, req ChatRequest) (*Response, error) {
	body := p.buildRequest(req, false)

	var parsed ollamaResponse
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

	if parsed.Error != "" {
		return nil, fmt.Errorf("ollama api error: %s", parsed.Error)
	}
	return &Response{
		Content:      parsed.Message.Content,
		FinishReason: parsed.DoneReason,
		Usage:        ollamaUsage(parsed),
	}, nil
}

// ChatStream performs a streaming chat call. The returned channel is closed
// after the terminal chunk; cancelling ctx aborts the stream.
func (p *OllamaProvider) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	body := p.buildRequest(req, true)

	resp, err := p.post(ctx, body)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadBytes('\n')
			if len(line) > 0 {
				line = bytes.TrimSpace(line)
				if len(line) > 0 {
					var frame ollamaResponse
					if jerr := json.Unmarshal(line, &frame); jerr == nil {
						if frame.Error != "" {
							out <- StreamChunk{Err: fmt.Errorf("ollama api error: %s", frame.Error)}
							return
						}
						if frame.Message.Content != "" {
							select {
							case out <- StreamChunk{Text: frame.Message.Content}:
							case <-ctx.Done():
								out <- StreamChunk{Err: ctx.Err()}
								return
							}
						}
						if frame.Done {
							out <- StreamChunk{Done: true, Usage: ollamaUsage(frame)}
							return
						}
					}
				}
			}
			if err != nil {
				if err == io.EOF {
					// Stream ended without a done frame.
					out <- StreamChunk{Done: true}
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
func (p *OllamaProvider) ModelName() string {
	return p.config.Model
}

// Close releases idle connections.
func (p *OllamaProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}
