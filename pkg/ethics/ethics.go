// Package ethics gates user requests before they reach any model.
package ethics

import (
	"context"
	"strings"

	"github.com/flotilla-ai/flotilla/pkg/llm"
)

// Review is the outcome of an ethics check.
type Review struct {
	Allowed     bool     `json:"allowed"`
	Reason      string   `json:"reason,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Layer       string   `json:"layer,omitempty"`
}

// Reviewer inspects an incoming request.
type Reviewer interface {
	Review(ctx context.Context, messages []llm.Message) (*Review, error)
}

// AllowAll approves everything. The default when no reviewer is configured.
type AllowAll struct{}

func (AllowAll) Review(_ context.Context, _ []llm.Message) (*Review, error) {
	return &Review{Allowed: true}, nil
}

// KeywordReviewer denies requests whose latest user message contains any of
// the configured phrases. Matching is case-insensitive.
type KeywordReviewer struct {
	Blocked     []string
	Suggestions []string
}

func (r *KeywordReviewer) Review(_ context.Context, messages []llm.Message) (*Review, error) {
	var latest string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			latest = strings.ToLower(messages[i].Text())
			break
		}
	}
	for _, phrase := range r.Blocked {
		if phrase != "" && strings.Contains(latest, strings.ToLower(phrase)) {
			return &Review{
				Allowed:     false,
				Reason:      "request contains disallowed content: " + phrase,
				Suggestions: r.Suggestions,
				Layer:       "keyword",
			}, nil
		}
	}
	return &Review{Allowed: true, Layer: "keyword"}, nil
}
