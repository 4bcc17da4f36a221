package strategy

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/flotilla-ai/flotilla/pkg/fleet"
	"github.com/flotilla-ai/flotilla/pkg/llm"
	"github.com/flotilla-ai/flotilla/pkg/scratchpad"
)

// fakeFleet scripts proxy responses round by round and records every
// request and dispatched task.
type fakeFleet struct {
	mu        sync.Mutex
	responses []fleet.ProxyResult
	requests  []fleet.ProxyRequest
	tasks     []fleet.Task
	taskOut   map[string]map[string]any
	taskErr   map[string]error
	nodes     []*fleet.Node
}

func (f *fakeFleet) HandleLLMRequest(_ context.Context, req fleet.ProxyRequest) fleet.ProxyResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.requests) > len(f.responses) {
		return fleet.ProxyResult{Success: true, Content: "unscripted round"}
	}
	return f.responses[len(f.requests)-1]
}

func (f *fakeFleet) AssignTask(_ context.Context, task fleet.Task) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	if err := f.taskErr[task.ToolName]; err != nil {
		return nil, err
	}
	if out, ok := f.taskOut[task.ToolName]; ok {
		return out, nil
	}
	return map[string]any{"ok": true}, nil
}

func (f *fakeFleet) ListNodes() []*fleet.Node {
	return f.nodes
}

type captureObserver struct {
	mu        sync.Mutex
	chunks    []string
	completed []string
}

func (o *captureObserver) OnChunk(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.chunks = append(o.chunks, text)
}

func (o *captureObserver) OnError(error) {}

func (o *captureObserver) OnComplete(content string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed = append(o.completed, content)
}

func searchNode() *fleet.Node {
	return &fleet.Node{
		ID:           "n1",
		Type:         fleet.NodeTypeWorker,
		Status:       fleet.NodeStatusOnline,
		Capabilities: []string{"search"},
	}
}

const delegateSearch = "I need data first.\n\n```delegate\n{\"tool\": \"search\", \"capability\": \"search\", \"args\": {\"q\": \"go\"}}\n```\n"

func TestDelegatingAnswersDirectly(t *testing.T) {
	ff := &fakeFleet{
		responses: []fleet.ProxyResult{
			{Success: true, Content: "Four.", Usage: &llm.Usage{PromptTokens: 8, CompletionTokens: 1, TotalTokens: 9}},
		},
	}
	s := NewDelegating(Config{}, ff, nil, nil)

	res, err := s.Execute(context.Background(), Input{
		RequestID: "r1",
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "2+2?"}},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Content != "Four." || res.Iterations != 1 {
		t.Fatalf("got %q after %d iterations", res.Content, res.Iterations)
	}
	if len(ff.tasks) != 0 {
		t.Fatalf("dispatched %d tasks, want 0", len(ff.tasks))
	}
	// No capable node online: no guide message is appended.
	if got := len(ff.requests[0].Messages); got != 1 {
		t.Fatalf("round 1 carried %d messages, want 1", got)
	}
}

func TestDelegatingDispatchesAndSynthesizes(t *testing.T) {
	ff := &fakeFleet{
		responses: []fleet.ProxyResult{
			{Success: true, Content: delegateSearch, Usage: &llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
			{Success: true, Content: "The answer is 42.", Usage: &llm.Usage{PromptTokens: 20, CompletionTokens: 7, TotalTokens: 27}},
		},
		taskOut: map[string]map[string]any{"search": {"hits": float64(3)}},
		nodes:   []*fleet.Node{searchNode()},
	}
	s := NewDelegating(Config{}, ff, nil, nil)

	res, err := s.Execute(context.Background(), Input{
		RequestID: "r1",
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "what is the answer?"}},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Content != "The answer is 42." {
		t.Fatalf("Content = %q", res.Content)
	}
	if res.Iterations != 2 {
		t.Fatalf("Iterations = %d, want 2", res.Iterations)
	}
	if res.Usage == nil || res.Usage.PromptTokens != 30 || res.Usage.CompletionTokens != 12 || res.Usage.TotalTokens != 42 {
		t.Fatalf("Usage = %+v, want summed rounds", res.Usage)
	}
	if len(res.RawThinking) != 1 || res.RawThinking[0] != "I need data first." {
		t.Fatalf("RawThinking = %v", res.RawThinking)
	}

	if len(ff.tasks) != 1 {
		t.Fatalf("dispatched %d tasks, want 1", len(ff.tasks))
	}
	task := ff.tasks[0]
	if task.ToolName != "search" || task.Capability != "search" {
		t.Fatalf("task = %+v", task)
	}
	if task.ToolArgs["q"] != "go" {
		t.Fatalf("task args = %v", task.ToolArgs)
	}
	if task.Metadata["request_id"] != "r1" || task.Metadata["round"] != "1" {
		t.Fatalf("task metadata = %v", task.Metadata)
	}

	// Round 1: user question + capability guide.
	first := ff.requests[0].Messages
	if len(first) != 2 || first[1].Role != llm.RoleSystem {
		t.Fatalf("round 1 messages: %+v", first)
	}
	if !strings.Contains(first[1].Content, "search") {
		t.Fatalf("guide does not name the capability: %q", first[1].Content)
	}

	// Round 2 appends the assistant turn and the observation.
	second := ff.requests[1].Messages
	if len(second) != 4 {
		t.Fatalf("round 2 carried %d messages, want 4", len(second))
	}
	if second[2].Role != llm.RoleAssistant || second[2].Content != delegateSearch {
		t.Fatalf("assistant echo = %+v", second[2])
	}
	obs := second[3]
	if obs.Role != llm.RoleUser || obs.Name != "delegation" {
		t.Fatalf("observation message = %+v", obs)
	}
	if !strings.Contains(obs.Content, `<tool_output tool="search">`) || !strings.Contains(obs.Content, `"hits":3`) {
		t.Fatalf("observation content = %q", obs.Content)
	}
}

func TestDelegatingTaskFailureBecomesObservation(t *testing.T) {
	ff := &fakeFleet{
		responses: []fleet.ProxyResult{
			{Success: true, Content: delegateSearch},
			{Success: true, Content: "Could not retrieve data."},
		},
		taskErr: map[string]error{"search": errors.New("no_available_node: no node can accept tasks")},
		nodes:   []*fleet.Node{searchNode()},
	}
	s := NewDelegating(Config{}, ff, nil, nil)

	res, err := s.Execute(context.Background(), Input{
		RequestID: "r1",
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "question"}},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Content != "Could not retrieve data." {
		t.Fatalf("Content = %q", res.Content)
	}

	obs := ff.requests[1].Messages[3].Content
	if !strings.Contains(obs, `<tool_output status="error">search: no_available_node`) {
		t.Fatalf("observation = %q", obs)
	}
}

func TestDelegatingBudgetExhausted(t *testing.T) {
	ff := &fakeFleet{
		responses: []fleet.ProxyResult{
			{Success: true, Content: delegateSearch},
			{Success: true, Content: "Still digging.\n\n```delegate\n{\"tool\": \"search\"}\n```"},
		},
		nodes: []*fleet.Node{searchNode()},
	}
	s := NewDelegating(Config{MaxIterations: 2}, ff, nil, nil)

	res, err := s.Execute(context.Background(), Input{
		RequestID: "r1",
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "question"}},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Iterations != 2 {
		t.Fatalf("Iterations = %d, want 2", res.Iterations)
	}
	// The exhausted round's directives are stripped, not dispatched.
	if res.Content != "Still digging." {
		t.Fatalf("Content = %q", res.Content)
	}
	if len(ff.tasks) != 1 {
		t.Fatalf("dispatched %d tasks, want 1 (round 1 only)", len(ff.tasks))
	}
}

func TestDelegatingMalformedBlockFedBack(t *testing.T) {
	ff := &fakeFleet{
		responses: []fleet.ProxyResult{
			{Success: true, Content: "Trying.\n\n```delegate\nnot json at all\n```"},
			{Success: true, Content: "Recovered."},
		},
		nodes: []*fleet.Node{searchNode()},
	}
	s := NewDelegating(Config{}, ff, nil, nil)

	res, err := s.Execute(context.Background(), Input{
		RequestID: "r1",
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "question"}},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Content != "Recovered." {
		t.Fatalf("Content = %q", res.Content)
	}
	if len(ff.tasks) != 0 {
		t.Fatalf("malformed block dispatched %d tasks", len(ff.tasks))
	}
	obs := ff.requests[1].Messages[3].Content
	if !strings.Contains(obs, "not valid JSON") {
		t.Fatalf("observation = %q", obs)
	}
}

func TestDelegatingJournalsToScratchpad(t *testing.T) {
	ff := &fakeFleet{
		responses: []fleet.ProxyResult{
			{Success: true, Content: delegateSearch},
			{Success: true, Content: "Done."},
		},
		nodes: []*fleet.Node{searchNode()},
	}
	pad := scratchpad.New(scratchpad.Config{})
	s := NewDelegating(Config{}, ff, pad, nil)

	_, err := s.Execute(context.Background(), Input{
		RequestID: "r1",
		SessionID: "s1",
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "question"}},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	journal, ok := pad.Read("s1", "delegation")
	if !ok {
		t.Fatal("no delegation journal written")
	}
	if !strings.Contains(journal, "round 1: search [search] ok") {
		t.Fatalf("journal = %q", journal)
	}
}

func TestDelegatingStreamsProgressAndFinal(t *testing.T) {
	ff := &fakeFleet{
		responses: []fleet.ProxyResult{
			{Success: true, Content: delegateSearch},
			{Success: true, Content: "Streamed answer."},
		},
		nodes: []*fleet.Node{searchNode()},
	}
	s := NewDelegating(Config{ShowProgress: true}, ff, nil, nil)
	obs := &captureObserver{}

	res, err := s.ExecuteStream(context.Background(), Input{
		RequestID: "r1",
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "question"}},
	}, obs)
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}
	if res.Content != "Streamed answer." {
		t.Fatalf("Content = %q", res.Content)
	}
	if len(obs.chunks) != 2 {
		t.Fatalf("chunks = %v", obs.chunks)
	}
	if !strings.Contains(obs.chunks[0], "round 1: delegating search") {
		t.Fatalf("progress note = %q", obs.chunks[0])
	}
	if obs.chunks[1] != "Streamed answer." {
		t.Fatalf("final chunk = %q", obs.chunks[1])
	}
	if len(obs.completed) != 1 || obs.completed[0] != "Streamed answer." {
		t.Fatalf("completed = %v", obs.completed)
	}
}

func TestParseDirectives(t *testing.T) {
	content := "Plan:\n\n```delegate\n{\"tool\": \"a\"}\n```\n\nand then\n\n```delegate\n{\"tool\": \"b\", \"args\": {\"n\": 1}}\n```\n\ndone."
	clean, directives, malformed := parseDirectives(content)

	if len(malformed) != 0 {
		t.Fatalf("malformed = %v", malformed)
	}
	if len(directives) != 2 || directives[0].Tool != "a" || directives[1].Tool != "b" {
		t.Fatalf("directives = %+v", directives)
	}
	if directives[1].Args["n"] != float64(1) {
		t.Fatalf("args = %v", directives[1].Args)
	}
	if strings.Contains(clean, "delegate") || !strings.Contains(clean, "Plan:") || !strings.Contains(clean, "done.") {
		t.Fatalf("clean = %q", clean)
	}

	clean, directives, malformed = parseDirectives("plain text, no blocks")
	if clean != "plain text, no blocks" || directives != nil || malformed != nil {
		t.Fatalf("plain parse = %q, %v, %v", clean, directives, malformed)
	}
}
