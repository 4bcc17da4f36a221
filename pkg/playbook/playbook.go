// Package playbook matches incoming requests against predefined response
// templates, yielding variables for prompt interpolation.
package playbook

import (
	"context"
	"strings"

	"github.com/flotilla-ai/flotilla/pkg/llm"
)

// Match is a successful playbook hit.
type Match struct {
	Name      string            `json:"name"`
	Variables map[string]string `json:"variables,omitempty"`
}

// Matcher looks up a playbook for a request. A nil result means no match.
type Matcher interface {
	Match(ctx context.Context, messages []llm.Message) (*Match, error)
}

// NoOp never matches.
type NoOp struct{}

func (NoOp) Match(_ context.Context, _ []llm.Message) (*Match, error) {
	return nil, nil
}

// Entry is one playbook rule: when every trigger phrase appears in the
// latest user message, the entry matches.
type Entry struct {
	Name      string
	Triggers  []string
	Variables map[string]string
}

// Static matches against a fixed rule list, first hit wins.
type Static struct {
	Entries []Entry
}

func (s *Static) Match(_ context.Context, messages []llm.Message) (*Match, error) {
	var latest string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			latest = strings.ToLower(messages[i].Text())
			break
		}
	}
	if latest == "" {
		return nil, nil
	}

	for _, e := range s.Entries {
		hit := len(e.Triggers) > 0
		for _, trigger := range e.Triggers {
			if !strings.Contains(latest, strings.ToLower(trigger)) {
				hit = false
				break
			}
		}
		if hit {
			return &Match{Name: e.Name, Variables: e.Variables}, nil
		}
	}
	return nil, nil
}
