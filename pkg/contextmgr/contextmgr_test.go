package contextmgr

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/flotilla-ai/flotilla/pkg/history"
	"github.com/flotilla-ai/flotilla/pkg/llm"
	"github.com/flotilla-ai/flotilla/pkg/tokens"
)

type stubSummarizer struct {
	content string
	err     error
	calls   int
	lastReq llm.ChatRequest
}

func (s *stubSummarizer) Chat(_ context.Context, req llm.ChatRequest) (*llm.Response, error) {
	s.calls++
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Content: s.content}, nil
}

// fixedCounter reports a constant cost for any text.
type fixedCounter struct{ cost int }

func (c fixedCounter) Count(string) int { return c.cost }

func newTestManager(t *testing.T, cfg Config, sum Summarizer) (*Manager, *history.Store) {
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
	m, err := NewManager(cfg, store, sum, nil)
	if err != nil {
		t.Fatal(err)
	}
	return m, store
}

// conversation builds n alternating user/assistant messages of roughly
// tokensEach tokens apiece.
func conversation(n, tokensEach int) []llm.Message {
	out := make([]llm.Message, n)
	body := strings.Repeat("word ", tokensEach)
	for i := range out {
		role := llm.RoleUser
		if i%2 == 1 {
			role = llm.RoleAssistant
		}
		out[i] = llm.Message{Role: role, Content: fmt.Sprintf("turn %d: %s", i, body)}
	}
	return out
}

func TestManageEmptyMessages(t *testing.T) {
	m, _ := newTestManager(t, Config{}, nil)
	r, err := m.Manage(context.Background(), "s1", nil, ManageOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if r.Managed || r.Action.Type != ActionNone {
		t.Errorf("expected no-op for empty messages, got %+v", r)
	}
}

func TestManageBelowThresholdIsNoop(t *testing.T) {
	m, _ := newTestManager(t, Config{}, nil)
	msgs := conversation(4, 10)

	r, err := m.Manage(context.Background(), "s1", msgs, ManageOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if r.Managed {
		t.Error("expected managed=false below threshold")
	}
	if len(r.EffectiveMessages) != 4 {
		t.Errorf("no-op must return the input unchanged, got %d messages", len(r.EffectiveMessages))
	}
	if r.TokenCount != tokens.EstimateMessages(msgs, "") {
		t.Errorf("token count mismatch: %d", r.TokenCount)
	}
}

func TestTruncateStrategy(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxMessages: 5}, nil)
	msgs := conversation(8, 10)

	r, err := m.Manage(context.Background(), "s1", msgs, ManageOptions{Force: true, Strategy: StrategyTruncate})
	if err != nil {
		t.Fatal(err)
	}
	if !r.Managed || r.Action.Type != ActionTruncate {
		t.Fatalf("expected truncate action, got %+v", r.Action)
	}
	if len(r.EffectiveMessages) != 5 {
		t.Fatalf("expected 5 kept messages, got %d", len(r.EffectiveMessages))
	}
	if r.EffectiveMessages[0].Content != msgs[3].Content {
		t.Error("truncate must keep the most recent messages in order")
	}
	if len(r.Action.AffectedMessageIDs) != 3 || r.Action.AffectedMessageIDs[0] != 1 {
		t.Errorf("expected positional indices 1..3 removed, got %v", r.Action.AffectedMessageIDs)
	}
}

func TestPruneStrategyKeepsSystemFirstAndRecent(t *testing.T) {
	m, _ := newTestManager(t, Config{}, nil)

	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: "first"},
		{Role: llm.RoleSystem, Content: "sys early"},
	}
	for i := 0; i < 10; i++ {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf("mid %d", i)})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: "sys late"})

	r, err := m.Manage(context.Background(), "s1", msgs, ManageOptions{Force: true, Strategy: StrategyPrune})
	if err != nil {
		t.Fatal(err)
	}
	if r.Action.Type != ActionPrune {
		t.Fatalf("expected prune, got %s", r.Action.Type)
	}

	var contents []string
	for _, msg := range r.EffectiveMessages {
		contents = append(contents, msg.Content)
	}
	joined := strings.Join(contents, "|")
	for _, want := range []string{"first", "sys early", "sys late", "mid 9", "mid 5"} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected %q to survive pruning, kept: %s", want, joined)
		}
	}
	if strings.Contains(joined, "mid 0") {
		t.Errorf("expected old non-system messages pruned, kept: %s", joined)
	}
	// Original order is preserved.
	if contents[0] != "first" || contents[1] != "sys early" {
		t.Errorf("order not preserved: %v", contents)
	}
}

func TestCompactWithLLMSummary(t *testing.T) {
	sum := &stubSummarizer{content: "they discussed deployment plans"}
	m, _ := newTestManager(t, Config{MaxTokens: 1000}, sum)
	msgs := append([]llm.Message{{Role: llm.RoleSystem, Content: "be helpful"}}, conversation(30, 50)...)

	r, err := m.Manage(context.Background(), "s1", msgs, ManageOptions{Force: true, Strategy: StrategyCompact})
	if err != nil {
		t.Fatal(err)
	}
	if r.Action.Type != ActionCompact {
		t.Fatalf("expected compact, got %s", r.Action.Type)
	}
	if sum.calls != 1 {
		t.Errorf("expected one summarizer call, got %d", sum.calls)
	}

	last := r.EffectiveMessages[len(r.EffectiveMessages)-1]
	if !last.IsSummary() {
		t.Fatalf("expected trailing summary message, got %+v", last)
	}
	if !strings.Contains(last.Content, "deployment plans") {
		t.Errorf("summary content missing: %q", last.Content)
	}
	if r.EffectiveMessages[0].Role != llm.RoleSystem {
		t.Error("system messages must survive compaction")
	}
	if r.Action.TokensAfter >= r.Action.TokensBefore {
		t.Errorf("compaction must reduce tokens: before=%d after=%d", r.Action.TokensBefore, r.Action.TokensAfter)
	}
}

func TestCompactFallbackOnLLMFailure(t *testing.T) {
	sum := &stubSummarizer{err: fmt.Errorf("model unreachable")}
	m, _ := newTestManager(t, Config{MaxTokens: 1000}, sum)
	msgs := conversation(30, 50)

	r, err := m.Manage(context.Background(), "s1", msgs, ManageOptions{Force: true, Strategy: StrategyCompact})
	if err != nil {
		t.Fatal(err)
	}

	last := r.EffectiveMessages[len(r.EffectiveMessages)-1]
	if !last.IsSummary() {
		t.Fatalf("fallback must still produce a summary message, got %+v", last)
	}
	if !strings.Contains(last.Content, "15 user / 15 assistant messages") {
		t.Errorf("expected local stub summary, got %q", last.Content)
	}
	// Fallback keeps the last 10 non-system turns plus the summary.
	if len(r.EffectiveMessages) != 11 {
		t.Errorf("expected 11 messages in fallback output, got %d", len(r.EffectiveMessages))
	}
}

func TestCompactHonorsMessageCap(t *testing.T) {
	sum := &stubSummarizer{content: "recap"}
	m, _ := newTestManager(t, Config{MaxTokens: 8000, MaxMessages: 50}, sum)
	// 200 short turns all fit the token budget but not the message cap.
	msgs := conversation(200, 2)

	r, err := m.Manage(context.Background(), "s1", msgs, ManageOptions{Force: true, Strategy: StrategyCompact})
	if err != nil {
		t.Fatal(err)
	}
	if len(r.EffectiveMessages) > 50 {
		t.Fatalf("compact must honor the message cap: got %d messages", len(r.EffectiveMessages))
	}
	last := r.EffectiveMessages[len(r.EffectiveMessages)-1]
	if !last.IsSummary() {
		t.Errorf("expected trailing summary message, got %+v", last)
	}
	// The dropped turns are recorded as affected, oldest first.
	if len(r.Action.AffectedMessageIDs) != 200-(50-1) {
		t.Errorf("expected %d affected ids, got %d", 200-49, len(r.Action.AffectedMessageIDs))
	}
	if r.Action.AffectedMessageIDs[0] != 1 {
		t.Errorf("affected ids must start at the oldest turn, got %v", r.Action.AffectedMessageIDs[:3])
	}
}

func TestSummarizerTranscriptBounded(t *testing.T) {
	sum := &stubSummarizer{content: "recap"}
	m, _ := newTestManager(t, Config{MaxTokens: 1000}, sum)
	// Each line costs well over the input budget, so only the newest turn
	// survives the transcript trim.
	m.counter = fixedCounter{cost: summarizerInputBudget}
	msgs := conversation(30, 50)

	if _, err := m.Manage(context.Background(), "s1", msgs, ManageOptions{Force: true, Strategy: StrategyCompact}); err != nil {
		t.Fatal(err)
	}
	if sum.calls != 1 {
		t.Fatalf("expected one summarizer call, got %d", sum.calls)
	}
	transcript := sum.lastReq.Messages[len(sum.lastReq.Messages)-1].Content
	if !strings.Contains(transcript, "turn 29") {
		t.Errorf("transcript must keep the newest turn, got %q", transcript)
	}
	if strings.Contains(transcript, "turn 28") {
		t.Errorf("transcript must drop turns beyond the budget, got %d bytes", len(transcript))
	}
}

func TestHybridSelectsByPressure(t *testing.T) {
	tests := []struct {
		name   string
		turns  int
		each   int
		expect ActionType
	}{
		{"high pressure compacts", 100, 95, ActionCompact},
		{"medium pressure prunes", 20, 270, ActionPrune},
		{"low pressure truncates", 60, 10, ActionTruncate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sum := &stubSummarizer{content: "summary"}
			m, _ := newTestManager(t, Config{MaxTokens: 8000, MaxMessages: 50}, sum)
			msgs := conversation(tt.turns, tt.each)

			r, err := m.Manage(context.Background(), "s1", msgs, ManageOptions{Force: true})
			if err != nil {
				t.Fatal(err)
			}
			if r.Action.Type != tt.expect {
				u := float64(tokens.EstimateMessages(msgs, "")) / 8000
				t.Errorf("u=%.2f: expected %s, got %s", u, tt.expect, r.Action.Type)
			}
		})
	}
}

func TestManageResultInvariants(t *testing.T) {
	sum := &stubSummarizer{content: "summary"}
	m, _ := newTestManager(t, Config{MaxTokens: 8000, MaxMessages: 50}, sum)
	msgs := conversation(100, 95)

	r, err := m.Manage(context.Background(), "s1", msgs, ManageOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !r.Managed {
		t.Fatal("expected the oversized history to be managed")
	}
	if got := tokens.EstimateMessages(r.EffectiveMessages, ""); got != r.TokenCount {
		t.Errorf("token count must match estimator: %d vs %d", r.TokenCount, got)
	}
	if r.TokenCount > r.Action.TokensBefore {
		t.Errorf("managed context cannot grow: %d > %d", r.TokenCount, r.Action.TokensBefore)
	}
	if r.TokenCount > 8000 {
		t.Errorf("managed context exceeds max tokens: %d", r.TokenCount)
	}
	if len(r.EffectiveMessages) >= 100 {
		t.Errorf("expected fewer messages after compaction, got %d", len(r.EffectiveMessages))
	}
}

func TestForceCompact(t *testing.T) {
	sum := &stubSummarizer{content: "short recap"}
	m, _ := newTestManager(t, Config{}, sum)
	msgs := conversation(6, 10)

	r, err := m.ForceCompact(context.Background(), "s1", msgs)
	if err != nil {
		t.Fatal(err)
	}
	if r.Action.Type != ActionCompact {
		t.Errorf("expected compact despite low pressure, got %s", r.Action.Type)
	}
}

func TestEffectiveContextPersisted(t *testing.T) {
	m, store := newTestManager(t, Config{MaxMessages: 3}, nil)
	msgs := conversation(6, 10)

	if _, err := m.Manage(context.Background(), "s1", msgs, ManageOptions{Force: true, Strategy: StrategyTruncate}); err != nil {
		t.Fatal(err)
	}

	ec, err := store.GetEffectiveContext(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if ec == nil {
		t.Fatal("expected a persisted effective context")
	}
	if ec.MessageCount != 3 || len(ec.Messages) != 3 {
		t.Errorf("unexpected persisted context: %+v", ec)
	}
	if len(ec.LastAction) == 0 {
		t.Error("expected last action recorded")
	}

	cached, err := m.GetEffectiveContext(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if cached == nil || cached.MessageCount != 3 {
		t.Errorf("unexpected cached context: %+v", cached)
	}
}

func TestRollbackToCheckpoint(t *testing.T) {
	m, store := newTestManager(t, Config{}, nil)
	ctx := context.Background()

	snapshot := conversation(5, 10)
	if err := store.Append(ctx, "c3", snapshot); err != nil {
		t.Fatal(err)
	}
	cpID, err := store.CreateCheckpoint(ctx, "c3", snapshot, tokens.EstimateMessages(snapshot, ""), "manual")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Append(ctx, "c3", conversation(5, 10)); err != nil {
		t.Fatal(err)
	}

	r, err := m.RollbackToCheckpoint(ctx, "c3", cpID)
	if err != nil {
		t.Fatal(err)
	}
	if r.Action.Type != ActionRestore {
		t.Errorf("expected restore action, got %s", r.Action.Type)
	}
	if r.MessageCount != 5 {
		t.Errorf("expected 5 restored messages, got %d", r.MessageCount)
	}

	count, _ := store.Count(ctx, "c3")
	if count != 5 {
		t.Errorf("expected history count 5 after rollback, got %d", count)
	}
	ec, _ := store.GetEffectiveContext(ctx, "c3")
	if ec == nil || ec.MessageCount != 5 {
		t.Errorf("effective context must equal the snapshot: %+v", ec)
	}
}

func TestAutoCheckpoint(t *testing.T) {
	m, store := newTestManager(t, Config{MaxMessages: 3, AutoCheckpoint: true, CheckpointInterval: 6, MaxCheckpoints: 2}, nil)
	msgs := conversation(6, 10)

	_, err := m.Manage(context.Background(), "s1", msgs, ManageOptions{Force: true, Strategy: StrategyTruncate, CreateCheckpoint: true})
	if err != nil {
		t.Fatal(err)
	}

	cps, err := store.ListCheckpoints(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(cps) != 1 {
		t.Fatalf("expected one auto checkpoint, got %d", len(cps))
	}
	if cps[0].Reason != "auto before truncate" {
		t.Errorf("unexpected reason: %q", cps[0].Reason)
	}
	if cps[0].MessageCount != 6 {
		t.Errorf("checkpoint must snapshot the pre-action history, got %d messages", cps[0].MessageCount)
	}
}
