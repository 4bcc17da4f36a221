package fleet

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/flotilla-ai/flotilla/pkg/eventbus"
	"github.com/flotilla-ai/flotilla/pkg/llm"
	"github.com/flotilla-ai/flotilla/pkg/quota"
)

type fakeProvider struct {
	content string
	usage   *llm.Usage
	chunks  []string
	err     error
}

func (f *fakeProvider) Chat(_ context.Context, _ llm.ChatRequest) (*llm.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Content: f.content, FinishReason: "stop", Usage: f.usage}, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, _ llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		for _, text := range f.chunks {
			select {
			case out <- llm.StreamChunk{Text: text}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- llm.StreamChunk{Done: true}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func (f *fakeProvider) ModelName() string { return "fake-model" }
func (f *fakeProvider) Close() error      { return nil }

type recordingObserver struct {
	mu       sync.Mutex
	chunks   []string
	errs     []error
	complete string
}

func (o *recordingObserver) OnChunk(text string) {
	o.mu.Lock()
	o.chunks = append(o.chunks, text)
	o.mu.Unlock()
}

func (o *recordingObserver) OnError(err error) {
	o.mu.Lock()
	o.errs = append(o.errs, err)
	o.mu.Unlock()
}

func (o *recordingObserver) OnComplete(content string) {
	o.mu.Lock()
	o.complete = content
	o.mu.Unlock()
}

func newProxyManager(t *testing.T, provider llm.Provider, qcfg quota.Config) (*Manager, *eventbus.Bus) {
	t.Helper()
	qc, err := quota.NewController(qcfg)
	if err != nil {
		t.Fatal(err)
	}
	bus := eventbus.New()
	registry := llm.NewRegistry()
	if provider != nil {
		if err := registry.Register("fake", provider); err != nil {
			t.Fatal(err)
		}
	}
	m, err := NewManager(Config{}, qc, bus, registry, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Close)
	m.Register(RegisterInfo{ID: "n1"})
	return m, bus
}

func TestProxyUnary(t *testing.T) {
	provider := &fakeProvider{content: "4", usage: &llm.Usage{PromptTokens: 8, CompletionTokens: 1, TotalTokens: 9}}
	m, bus := newProxyManager(t, provider, quota.Config{})

	completed := bus.Subscribe(eventbus.EventLLMProxyCompleted)
	defer completed.Close()

	res := m.HandleLLMRequest(context.Background(), ProxyRequest{
		RequestID: "r1",
		NodeID:    "n1",
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "2+2?"}},
	})
	if !res.Success || res.Content != "4" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Usage == nil || res.Usage.TotalTokens != 9 {
		t.Errorf("usage should pass through: %+v", res.Usage)
	}

	collectEvents(t, completed, 1)

	// Tokens were settled into the node's quota bucket.
	if got := m.quota.Usage("n1").TokensToday; got != 9 {
		t.Errorf("expected 9 tokens settled, got %d", got)
	}
}

func TestProxyUnaryEstimatesMissingUsage(t *testing.T) {
	provider := &fakeProvider{content: "twelve chars"}
	m, _ := newProxyManager(t, provider, quota.Config{})

	res := m.HandleLLMRequest(context.Background(), ProxyRequest{
		RequestID: "r1",
		NodeID:    "n1",
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if !res.Success {
		t.Fatalf("unexpected failure: %+v", res.Error)
	}
	if res.Usage == nil || res.Usage.TotalTokens != 3 {
		t.Errorf("expected estimated usage ceil(12/4)=3, got %+v", res.Usage)
	}
}

func TestProxyValidation(t *testing.T) {
	m, _ := newProxyManager(t, &fakeProvider{}, quota.Config{})

	res := m.HandleLLMRequest(context.Background(), ProxyRequest{RequestID: "r1", NodeID: "ghost",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	if res.Success || res.Error.Code != ErrCodeNodeNotFound {
		t.Errorf("expected node_not_found, got %+v", res)
	}

	res = m.HandleLLMRequest(context.Background(), ProxyRequest{RequestID: "r2", NodeID: "n1"})
	if res.Success || res.Error.Code != ErrCodeInvalidPayload {
		t.Errorf("expected invalid_payload, got %+v", res)
	}
}

func TestProxyNoProvider(t *testing.T) {
	m, _ := newProxyManager(t, nil, quota.Config{})

	res := m.HandleLLMRequest(context.Background(), ProxyRequest{
		RequestID: "r1",
		NodeID:    "n1",
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "x"}},
	})
	if res.Success || res.Error.Code != ErrCodeLLMUnavailable {
		t.Errorf("expected llm_unavailable, got %+v", res)
	}
}

func TestProxyQuotaBreach(t *testing.T) {
	provider := &fakeProvider{content: "ok"}
	m, bus := newProxyManager(t, provider, quota.Config{RequestsPerMinute: 2})

	limited := bus.Subscribe(eventbus.EventLLMProxyRateLimited)
	defer limited.Close()

	req := ProxyRequest{
		NodeID:   "n1",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}},
	}
	for i := 0; i < 2; i++ {
		req.RequestID = fmt.Sprintf("r%d", i)
		if res := m.HandleLLMRequest(context.Background(), req); !res.Success {
			t.Fatalf("request %d should pass: %+v", i, res.Error)
		}
	}

	req.RequestID = "r3"
	res := m.HandleLLMRequest(context.Background(), req)
	if res.Success {
		t.Fatal("third request should be rejected")
	}
	if res.Error.Code != ErrCodeRateLimitExceeded {
		t.Errorf("expected rate_limit_exceeded, got %s", res.Error.Code)
	}
	collectEvents(t, limited, 1)
}

func TestQuotaErrorCodeMapping(t *testing.T) {
	tests := []struct {
		in   quota.Code
		want ErrorCode
	}{
		{quota.CodeRequestsPerMinuteExceeded, ErrCodeRateLimitExceeded},
		{quota.CodeTokenQuotaExceeded, ErrCodeQuotaExceeded},
		{quota.CodeStreamConcurrencyExceeded, ErrCodeStreamLimitExceeded},
	}
	for _, tt := range tests {
		if got := quotaErrorCode(tt.in); got != tt.want {
			t.Errorf("quotaErrorCode(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestProxyStream(t *testing.T) {
	provider := &fakeProvider{chunks: []string{"Hel", "lo ", "there"}}
	m, bus := newProxyManager(t, provider, quota.Config{})

	chunkSub := bus.Subscribe(eventbus.EventLLMProxyStreamChunk)
	defer chunkSub.Close()
	streamDone := bus.Subscribe(eventbus.EventLLMProxyStreamCompleted)
	defer streamDone.Close()
	completed := bus.Subscribe(eventbus.EventLLMProxyCompleted)
	defer completed.Close()

	obs := &recordingObserver{}
	res := m.HandleLLMRequest(context.Background(), ProxyRequest{
		RequestID:      "r1",
		NodeID:         "n1",
		Messages:       []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		Options:        llm.ChatOptions{Stream: true},
		StreamObserver: obs,
	})
	if !res.Success || res.Content != "Hello there" {
		t.Fatalf("unexpected stream result: %+v", res)
	}

	// Three text frames plus the terminal done frame.
	chunks := collectEvents(t, chunkSub, 4)
	if chunks[3].Payload["done"] != true {
		t.Errorf("expected terminal done frame, got %+v", chunks[3].Payload)
	}
	done := collectEvents(t, streamDone, 1)
	if done[0].Payload["success"] != true {
		t.Errorf("expected successful stream completion, got %+v", done[0].Payload)
	}
	collectEvents(t, completed, 1)

	if obs.complete != "Hello there" {
		t.Errorf("observer should receive the aggregate, got %q", obs.complete)
	}
	if len(obs.chunks) != 3 {
		t.Errorf("observer should receive each chunk, got %v", obs.chunks)
	}

	// Stream settled: table empty, stream counter released, tokens booked.
	if m.ActiveStreamCount() != 0 {
		t.Errorf("stream table should be empty, got %d", m.ActiveStreamCount())
	}
	u := m.quota.Usage("n1")
	if u.ActiveStreams != 0 {
		t.Errorf("stream slot must be released, got %d", u.ActiveStreams)
	}
	if u.TokensToday == 0 {
		t.Error("stream tokens should be estimated and settled")
	}
}

func TestProxyStreamError(t *testing.T) {
	provider := &fakeProvider{err: fmt.Errorf("backend down")}
	m, bus := newProxyManager(t, provider, quota.Config{})

	streamDone := bus.Subscribe(eventbus.EventLLMProxyStreamCompleted)
	defer streamDone.Close()

	obs := &recordingObserver{}
	res := m.HandleLLMRequest(context.Background(), ProxyRequest{
		RequestID:      "r1",
		NodeID:         "n1",
		Messages:       []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		Options:        llm.ChatOptions{Stream: true},
		StreamObserver: obs,
	})
	if res.Success || res.Error.Code != ErrCodeLLMRequestFailed {
		t.Fatalf("expected llm_request_failed, got %+v", res)
	}
	if len(obs.errs) != 1 {
		t.Errorf("observer should see the error, got %v", obs.errs)
	}

	// Completion events still fire with success=false.
	done := collectEvents(t, streamDone, 1)
	if done[0].Payload["success"] != false {
		t.Errorf("expected success=false, got %+v", done[0].Payload)
	}
	if m.quota.Usage("n1").ActiveStreams != 0 {
		t.Error("quota must be completed on the error path")
	}
}

func TestCancelStream(t *testing.T) {
	// An unbounded chunk source; only cancellation ends it.
	m, bus := newProxyManager(t, &endlessProvider{}, quota.Config{})

	streamDone := bus.Subscribe(eventbus.EventLLMProxyStreamCompleted)
	defer streamDone.Close()

	resCh := make(chan ProxyResult, 1)
	go func() {
		resCh <- m.HandleLLMRequest(context.Background(), ProxyRequest{
			RequestID: "r1",
			NodeID:    "n1",
			Messages:  []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
			Options:   llm.ChatOptions{Stream: true},
		})
	}()

	waitForStreams(t, m, 1)
	m.CancelStream("r1")

	res := <-resCh
	if res.Success {
		t.Fatal("cancelled stream must not succeed")
	}

	done := collectEvents(t, streamDone, 1)
	if done[0].Payload["success"] != false {
		t.Errorf("cancellation must publish success=false, got %+v", done[0].Payload)
	}
	if m.quota.Usage("n1").ActiveStreams != 0 {
		t.Error("quota must be completed after cancellation")
	}
}

// endlessProvider streams until its context is cancelled.
type endlessProvider struct{}

func (p *endlessProvider) Chat(_ context.Context, _ llm.ChatRequest) (*llm.Response, error) {
	return &llm.Response{Content: "ok"}, nil
}

func (p *endlessProvider) ChatStream(ctx context.Context, _ llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		for {
			select {
			case out <- llm.StreamChunk{Text: "tick "}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (p *endlessProvider) ModelName() string { return "endless" }
func (p *endlessProvider) Close() error      { return nil }

func waitForStreams(t *testing.T, m *Manager, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.ActiveStreamCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("stream count never reached %d", want)
}
