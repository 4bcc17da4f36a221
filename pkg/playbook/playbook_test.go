package playbook

import (
	"context"
	"testing"

	"github.com/flotilla-ai/flotilla/pkg/llm"
)

func TestNoOpNeverMatches(t *testing.T) {
	m, err := NoOp{}.Match(context.Background(), []llm.Message{
		{Role: llm.RoleUser, Content: "hello"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Errorf("NoOp matched: %+v", m)
	}
}

func TestStaticMatchesAllTriggers(t *testing.T) {
	s := &Static{Entries: []Entry{
		{
			Name:      "deploy",
			Triggers:  []string{"deploy", "production"},
			Variables: map[string]string{"env": "prod"},
		},
		{
			Name:     "greeting",
			Triggers: []string{"hello"},
		},
	}}

	// All triggers present, case-insensitive.
	m, err := s.Match(context.Background(), []llm.Message{
		{Role: llm.RoleUser, Content: "please DEPLOY this to Production"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.Name != "deploy" {
		t.Fatalf("Match = %+v, want deploy", m)
	}
	if m.Variables["env"] != "prod" {
		t.Errorf("variables not carried through: %v", m.Variables)
	}

	// One trigger missing: the entry must not match, but a later entry can.
	m, err = s.Match(context.Background(), []llm.Message{
		{Role: llm.RoleUser, Content: "hello, deploy later please"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.Name != "greeting" {
		t.Fatalf("Match = %+v, want greeting", m)
	}
}

func TestStaticFirstHitWins(t *testing.T) {
	s := &Static{Entries: []Entry{
		{Name: "first", Triggers: []string{"status"}},
		{Name: "second", Triggers: []string{"status"}},
	}}

	m, err := s.Match(context.Background(), []llm.Message{
		{Role: llm.RoleUser, Content: "what is the status?"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.Name != "first" {
		t.Fatalf("Match = %+v, want first", m)
	}
}

func TestStaticUsesLatestUserMessage(t *testing.T) {
	s := &Static{Entries: []Entry{
		{Name: "greeting", Triggers: []string{"hello"}},
	}}

	m, err := s.Match(context.Background(), []llm.Message{
		{Role: llm.RoleUser, Content: "hello there"},
		{Role: llm.RoleAssistant, Content: "hi"},
		{Role: llm.RoleUser, Content: "now something unrelated"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Errorf("older turns must not match: %+v", m)
	}
}

func TestStaticNoUserMessage(t *testing.T) {
	s := &Static{Entries: []Entry{
		{Name: "greeting", Triggers: []string{"hello"}},
	}}

	m, err := s.Match(context.Background(), []llm.Message{
		{Role: llm.RoleSystem, Content: "hello from the system prompt"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Errorf("system-only input must not match: %+v", m)
	}
}

func TestStaticEntryWithoutTriggers(t *testing.T) {
	s := &Static{Entries: []Entry{{Name: "catchall"}}}

	m, err := s.Match(context.Background(), []llm.Message{
		{Role: llm.RoleUser, Content: "anything"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Errorf("an entry without triggers must never match: %+v", m)
	}
}
