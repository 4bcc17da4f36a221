package orchestrator

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/flotilla-ai/flotilla/pkg/contextmgr"
	"github.com/flotilla-ai/flotilla/pkg/ethics"
	"github.com/flotilla-ai/flotilla/pkg/eventbus"
	"github.com/flotilla-ai/flotilla/pkg/fleet"
	"github.com/flotilla-ai/flotilla/pkg/history"
	"github.com/flotilla-ai/flotilla/pkg/llm"
	"github.com/flotilla-ai/flotilla/pkg/quota"
	"github.com/flotilla-ai/flotilla/pkg/request"
	"github.com/flotilla-ai/flotilla/pkg/session"
	"github.com/flotilla-ai/flotilla/pkg/strategy"
)

type scriptedProvider struct {
	content string
	usage   *llm.Usage
	chunks  []string
}

func (p *scriptedProvider) Chat(_ context.Context, _ llm.ChatRequest) (*llm.Response, error) {
	return &llm.Response{Content: p.content, FinishReason: "stop", Usage: p.usage}, nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, _ llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		for _, text := range p.chunks {
			select {
			case out <- llm.StreamChunk{Text: text}:
			case <-ctx.Done():
				return
			}
		}
		out <- llm.StreamChunk{Done: true}
	}()
	return out, nil
}

func (p *scriptedProvider) ModelName() string { return "scripted" }
func (p *scriptedProvider) Close() error      { return nil }

type sinkObserver struct {
	mu       sync.Mutex
	chunks   []string
	complete string
}

func (o *sinkObserver) OnChunk(text string) {
	o.mu.Lock()
	o.chunks = append(o.chunks, text)
	o.mu.Unlock()
}
func (o *sinkObserver) OnError(error) {}
func (o *sinkObserver) OnComplete(content string) {
	o.mu.Lock()
	o.complete = content
	o.mu.Unlock()
}

type pipeline struct {
	orch     *Orchestrator
	store    *history.Store
	sessions *session.Registry
	bus      *eventbus.Bus
}

func newPipeline(t *testing.T, provider llm.Provider, reviewer ethics.Reviewer) *pipeline {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := history.NewStoreWithDB(db, "sqlite")
	if err != nil {
		t.Fatal(err)
	}
	sessions, err := session.NewRegistry(store, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	contexts, err := contextmgr.NewManager(contextmgr.Config{}, store, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	qc, err := quota.NewController(quota.Config{})
	if err != nil {
		t.Fatal(err)
	}
	bus := eventbus.New()
	registry := llm.NewRegistry()
	if provider != nil {
		if err := registry.Register("scripted", provider); err != nil {
			t.Fatal(err)
		}
	}
	fm, err := fleet.NewManager(fleet.Config{}, qc, bus, registry, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(fm.Close)
	if _, err := fm.Register(fleet.RegisterInfo{ID: "n1", Capabilities: []string{"chat"}}); err != nil {
		t.Fatal(err)
	}

	tracker := request.NewTracker(0, nil)
	t.Cleanup(tracker.Close)

	orch, err := New(Config{}, reviewer, sessions, store, contexts, nil,
		strategy.NewSingleRound(fm), fm, bus, tracker, nil)
	if err != nil {
		t.Fatal(err)
	}
	return &pipeline{orch: orch, store: store, sessions: sessions, bus: bus}
}

func TestBasicChat(t *testing.T) {
	p := newPipeline(t, &scriptedProvider{content: "4", usage: &llm.Usage{TotalTokens: 9}}, nil)

	resp, err := p.orch.Chat(context.Background(), []llm.Message{
		{Role: llm.RoleUser, Content: "2+2?"},
	}, Options{ConversationID: "c1"})
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	if resp.Content != "4" || resp.Iterations != 1 {
		t.Errorf("unexpected response: %+v", resp)
	}

	if got := p.sessions.GetSessionID("c1"); got != "c1" {
		t.Errorf("expected session c1, got %q", got)
	}

	count, err := p.store.Count(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("expected user + assistant stored, got %d", count)
	}
	entries, _ := p.store.Read(context.Background(), "c1", 0, 0)
	if entries[0].Role != llm.RoleUser || entries[1].Role != llm.RoleAssistant {
		t.Errorf("unexpected roles: %+v", entries)
	}
	if entries[1].Content != "4" {
		t.Errorf("unexpected assistant content: %q", entries[1].Content)
	}
}

func TestChatWithoutConversationDoesNotPersist(t *testing.T) {
	p := newPipeline(t, &scriptedProvider{content: "hi"}, nil)

	resp, err := p.orch.Chat(context.Background(), []llm.Message{
		{Role: llm.RoleUser, Content: "hello"},
	}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hi" {
		t.Errorf("unexpected content: %q", resp.Content)
	}
	if p.sessions.SessionCount() != 0 {
		t.Error("no session should be created without a conversation id")
	}
}

func TestEthicsDenial(t *testing.T) {
	reviewer := &ethics.KeywordReviewer{
		Blocked:     []string{"forbidden"},
		Suggestions: []string{"rephrase the request"},
	}
	p := newPipeline(t, &scriptedProvider{content: "should not run"}, reviewer)

	rejected := p.bus.Subscribe(eventbus.EventUserRequestRejected)
	defer rejected.Close()

	resp, err := p.orch.Chat(context.Background(), []llm.Message{
		{Role: llm.RoleUser, Content: "do the forbidden thing"},
	}, Options{ConversationID: "c1"})
	if err != nil {
		t.Fatalf("denial must be a graceful result: %v", err)
	}
	if !resp.BlockedByEthics {
		t.Fatal("expected blocked response")
	}
	if resp.EthicsReview == nil || len(resp.EthicsReview.Suggestions) == 0 {
		t.Errorf("expected review with suggestions: %+v", resp.EthicsReview)
	}

	select {
	case <-rejected.C:
	case <-time.After(2 * time.Second):
		t.Fatal("expected USER_REQUEST_REJECTED event")
	}

	// Nothing reached the store.
	count, _ := p.store.Count(context.Background(), "c1")
	if count != 0 {
		t.Errorf("blocked request must not persist, got %d", count)
	}
}

func TestThinkingExtractedAndEmbedded(t *testing.T) {
	p := newPipeline(t, &scriptedProvider{
		content: "<thinking>compute 2+2</thinking> The answer is 4.",
	}, nil)

	resp, err := p.orch.Chat(context.Background(), []llm.Message{
		{Role: llm.RoleUser, Content: "2+2?"},
	}, Options{ConversationID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Thinking != "compute 2+2" {
		t.Errorf("unexpected thinking: %q", resp.Thinking)
	}
	if resp.Content != "The answer is 4." {
		t.Errorf("thinking must be stripped from content: %q", resp.Content)
	}

	// The stored assistant message embeds the reasoning.
	entries, _ := p.store.Read(context.Background(), "c1", 0, 0)
	want := "<thinking>compute 2+2</thinking> The answer is 4."
	if entries[1].Content != want {
		t.Errorf("stored content = %q, want %q", entries[1].Content, want)
	}
}

func TestStreamingChat(t *testing.T) {
	p := newPipeline(t, &scriptedProvider{chunks: []string{"The answer ", "is 4."}}, nil)

	obs := &sinkObserver{}
	resp, err := p.orch.ChatStream(context.Background(), []llm.Message{
		{Role: llm.RoleUser, Content: "2+2?"},
	}, Options{ConversationID: "c1"}, obs)
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if resp.Content != "The answer is 4." {
		t.Errorf("unexpected aggregate: %q", resp.Content)
	}
	if len(obs.chunks) != 2 {
		t.Errorf("observer should see each chunk, got %v", obs.chunks)
	}

	// The aggregated assistant message is saved like the unary path.
	count, _ := p.store.Count(context.Background(), "c1")
	if count != 2 {
		t.Errorf("expected saved turn, got %d messages", count)
	}
}

func TestSessionMetadataBump(t *testing.T) {
	p := newPipeline(t, &scriptedProvider{content: "ok", usage: &llm.Usage{TotalTokens: 25}}, nil)

	if _, err := p.orch.Chat(context.Background(), []llm.Message{
		{Role: llm.RoleUser, Content: "hello"},
	}, Options{ConversationID: "c1"}); err != nil {
		t.Fatal(err)
	}

	md := p.sessions.Metadata("c1")
	if md == nil || md.TotalTokens != 25 || md.MessageCount != 1 {
		t.Errorf("unexpected metadata: %+v", md)
	}
}

func TestFirstTurnSavesAllUserMessages(t *testing.T) {
	p := newPipeline(t, &scriptedProvider{content: "ok"}, nil)

	_, err := p.orch.Chat(context.Background(), []llm.Message{
		{Role: llm.RoleSystem, Content: "be brief"},
		{Role: llm.RoleUser, Content: "context part one"},
		{Role: llm.RoleUser, Content: "actual question"},
	}, Options{ConversationID: "c1"})
	if err != nil {
		t.Fatal(err)
	}

	entries, _ := p.store.Read(context.Background(), "c1", 0, 0)
	// Two user messages + assistant; the system message is not history.
	if len(entries) != 3 {
		t.Fatalf("expected 3 stored messages, got %d", len(entries))
	}
	if entries[0].Content != "context part one" || entries[1].Content != "actual question" {
		t.Errorf("unexpected stored user turns: %+v", entries)
	}
}

func TestNoNodeAvailable(t *testing.T) {
	p := newPipeline(t, &scriptedProvider{content: "ok"}, nil)

	// All nodes offline: dispatch must fail with a fleet error.
	for _, n := range []string{"n1"} {
		if err := p.orch.fleet.Heartbeat(n, fleet.HeartbeatPayload{Status: fleet.NodeStatusOffline}, ""); err != nil {
			t.Fatal(err)
		}
	}

	_, err := p.orch.Chat(context.Background(), []llm.Message{
		{Role: llm.RoleUser, Content: "hello"},
	}, Options{})
	if fe, ok := err.(*fleet.ErrorInfo); !ok || fe.Code != fleet.ErrCodeNoAvailableNode {
		t.Errorf("expected no_available_node, got %v", err)
	}
}
