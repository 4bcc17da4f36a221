package fleet

import (
	"context"
	"fmt"
	"strings"

	"github.com/flotilla-ai/flotilla/pkg/eventbus"
	"github.com/flotilla-ai/flotilla/pkg/llm"
	"github.com/flotilla-ai/flotilla/pkg/quota"
	"github.com/flotilla-ai/flotilla/pkg/tokens"
)

// quotaErrorCode maps a quota denial to the fleet error surface.
func quotaErrorCode(code quota.Code) ErrorCode {
	switch code {
	case quota.CodeRequestsPerMinuteExceeded:
		return ErrCodeRateLimitExceeded
	case quota.CodeTokenQuotaExceeded:
		return ErrCodeQuotaExceeded
	case quota.CodeStreamConcurrencyExceeded:
		return ErrCodeStreamLimitExceeded
	default:
		return ErrCodeRateLimitExceeded
	}
}

// HandleLLMRequest proxies one LLM call for a node, enforcing quota and
// publishing the proxy event sequence.
func (m *Manager) HandleLLMRequest(ctx context.Context, req ProxyRequest) ProxyResult {
	if m.GetNode(req.NodeID) == nil {
		return failure(ErrCodeNodeNotFound, fmt.Sprintf("node %s is not registered", req.NodeID))
	}
	if len(req.Messages) == 0 {
		return failure(ErrCodeInvalidPayload, "messages cannot be empty")
	}

	var provider llm.Provider
	if m.providers != nil {
		provider, _ = m.providers.Get(req.Provider)
	}
	if provider == nil {
		return failure(ErrCodeLLMUnavailable, "no LLM provider is configured")
	}

	opts := req.Options
	if req.Model != "" {
		opts.Model = req.Model
	}
	isStream := opts.Stream

	decision := m.quota.Consume(req.NodeID, quota.ConsumeOptions{Stream: isStream})
	if !decision.Allowed {
		m.bus.Publish(eventbus.EventLLMProxyRateLimited, map[string]any{
			"request_id": req.RequestID,
			"node_id":    req.NodeID,
			"code":       string(decision.Code),
			"message":    decision.Message,
		})
		err := &ErrorInfo{Code: quotaErrorCode(decision.Code), Message: decision.Message}
		if req.StreamObserver != nil {
			req.StreamObserver.OnError(err)
		}
		return ProxyResult{Success: false, Error: err}
	}

	m.bus.Publish(eventbus.EventLLMProxyStarted, map[string]any{
		"request_id": req.RequestID,
		"node_id":    req.NodeID,
		"model":      opts.Model,
		"stream":     isStream,
	})

	chatReq := llm.ChatRequest{Messages: req.Messages, Options: opts}
	if isStream {
		return m.proxyStream(ctx, provider, req, chatReq)
	}
	return m.proxyUnary(ctx, provider, req, chatReq)
}

func (m *Manager) proxyUnary(ctx context.Context, provider llm.Provider, req ProxyRequest, chatReq llm.ChatRequest) ProxyResult {
	var used int64
	defer func() {
		m.quota.Complete(req.NodeID, quota.CompleteOptions{Tokens: used})
	}()

	resp, err := provider.Chat(ctx, chatReq)
	if err != nil {
		m.logger.Error("llm request failed", "request_id", req.RequestID, "node_id", req.NodeID, "error", err)
		return failure(ErrCodeLLMRequestFailed, err.Error())
	}

	usage := resp.Usage
	if usage == nil || usage.TotalTokens == 0 {
		usage = &llm.Usage{TotalTokens: estimateContentTokens(resp.Content)}
	}
	used = int64(usage.TotalTokens)

	m.bus.Publish(eventbus.EventLLMProxyCompleted, map[string]any{
		"request_id": req.RequestID,
		"node_id":    req.NodeID,
		"success":    true,
		"tokens":     usage.TotalTokens,
	})
	return ProxyResult{Success: true, Content: resp.Content, Usage: usage}
}

func (m *Manager) proxyStream(ctx context.Context, provider llm.Provider, req ProxyRequest, chatReq llm.ChatRequest) ProxyResult {
	sctx, cancel := context.WithCancel(ctx)

	m.streamsMu.Lock()
	m.streams[req.RequestID] = cancel
	m.streamsMu.Unlock()

	var aggregated strings.Builder
	success := false

	defer func() {
		m.streamsMu.Lock()
		delete(m.streams, req.RequestID)
		m.streamsMu.Unlock()
		cancel()

		m.quota.Complete(req.NodeID, quota.CompleteOptions{
			Stream: true,
			Tokens: int64(estimateContentTokens(aggregated.String())),
		})
		m.bus.Publish(eventbus.EventLLMProxyStreamCompleted, map[string]any{
			"request_id": req.RequestID,
			"node_id":    req.NodeID,
			"success":    success,
		})
		m.bus.Publish(eventbus.EventLLMProxyCompleted, map[string]any{
			"request_id": req.RequestID,
			"node_id":    req.NodeID,
			"success":    success,
		})
	}()

	chunks, err := provider.ChatStream(sctx, chatReq)
	if err != nil {
		m.logger.Error("llm stream failed to open", "request_id", req.RequestID, "error", err)
		if req.StreamObserver != nil {
			req.StreamObserver.OnError(err)
		}
		return failure(ErrCodeLLMRequestFailed, err.Error())
	}

	for chunk := range chunks {
		if chunk.Err != nil {
			m.logger.Error("llm stream errored", "request_id", req.RequestID, "error", chunk.Err)
			if req.StreamObserver != nil {
				req.StreamObserver.OnError(chunk.Err)
			}
			return failure(ErrCodeLLMRequestFailed, chunk.Err.Error())
		}
		if chunk.Text != "" {
			aggregated.WriteString(chunk.Text)
			m.bus.Publish(eventbus.EventLLMProxyStreamChunk, map[string]any{
				"request_id": req.RequestID,
				"node_id":    req.NodeID,
				"text":       chunk.Text,
			})
			if req.StreamObserver != nil {
				req.StreamObserver.OnChunk(chunk.Text)
			}
		}
		if chunk.Done {
			break
		}
	}

	if sctx.Err() != nil {
		// Cancelled mid-stream; completion events still fire with
		// success=false from the deferred block.
		if req.StreamObserver != nil {
			req.StreamObserver.OnError(sctx.Err())
		}
		return failure(ErrCodeLLMRequestFailed, "stream cancelled")
	}

	success = true
	content := aggregated.String()
	// Terminal frame: published before the deferred stream_completed event.
	m.bus.Publish(eventbus.EventLLMProxyStreamChunk, map[string]any{
		"request_id": req.RequestID,
		"node_id":    req.NodeID,
		"done":       true,
	})
	if req.StreamObserver != nil {
		req.StreamObserver.OnComplete(content)
	}
	return ProxyResult{Success: true, Content: content}
}

// CancelStream aborts an in-flight streaming request. Unknown ids are a
// no-op.
func (m *Manager) CancelStream(requestID string) {
	m.streamsMu.Lock()
	cancel, ok := m.streams[requestID]
	m.streamsMu.Unlock()
	if ok {
		cancel()
		m.logger.Info("stream cancelled", "request_id", requestID)
	}
}

// ActiveStreamCount returns the number of in-flight streams.
func (m *Manager) ActiveStreamCount() int {
	m.streamsMu.Lock()
	defer m.streamsMu.Unlock()
	return len(m.streams)
}

func failure(code ErrorCode, message string) ProxyResult {
	return ProxyResult{Success: false, Error: &ErrorInfo{Code: code, Message: message}}
}

// estimateContentTokens sizes completion content when the backend omits
// usage.
func estimateContentTokens(content string) int {
	n := tokens.EstimateText(content)
	if n < 1 {
		n = 1
	}
	return n
}
