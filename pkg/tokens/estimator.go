// Package tokens provides token estimation for budget decisions.
//
// The estimator is deterministic and allocation-free (beyond returned
// slices): every budget decision in the runtime goes through it, so two
// components looking at the same messages always agree on the count. An
// optional tiktoken-backed Counter is available where accuracy matters more
// than determinism across models.
package tokens

import "github.com/flotilla-ai/flotilla/pkg/llm"

// MessageOverhead is the fixed per-message token overhead added on top of
// content estimates.
const MessageOverhead = 4

// EstimateText returns ⌈len(s)/4⌉, and 0 for the empty string.
func EstimateText(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}

// EstimateMessage returns the estimate for a single message: the sum over
// content parts (image references estimated over the reference string) plus
// the fixed per-message overhead.
func EstimateMessage(m llm.Message) int {
	total := MessageOverhead
	if len(m.Parts) == 0 {
		return total + EstimateText(m.Content)
	}
	for _, p := range m.Parts {
		switch p.Type {
		case llm.ContentPartTypeImageRef:
			total += EstimateText(p.Ref)
		default:
			total += EstimateText(p.Text)
		}
	}
	return total
}

// EstimateMessages sums estimates over messages. An optional system prompt
// adds its own text estimate.
func EstimateMessages(messages []llm.Message, systemPrompt string) int {
	total := 0
	for _, m := range messages {
		total += EstimateMessage(m)
	}
	if systemPrompt != "" {
		total += EstimateText(systemPrompt)
	}
	return total
}

// FitRecent walks messages from newest to oldest and keeps a message only if
// the running total stays within budget. The kept messages are returned in
// their original order; the second return value lists the indices of omitted
// messages, ascending.
func FitRecent(messages []llm.Message, budget int) ([]llm.Message, []int) {
	if len(messages) == 0 {
		return nil, nil
	}

	keep := make([]bool, len(messages))
	total := 0
	for i := len(messages) - 1; i >= 0; i-- {
		cost := EstimateMessage(messages[i])
		if total+cost > budget {
			continue
		}
		total += cost
		keep[i] = true
	}

	kept := make([]llm.Message, 0, len(messages))
	var omitted []int
	for i, m := range messages {
		if keep[i] {
			kept = append(kept, m)
		} else {
			omitted = append(omitted, i)
		}
	}
	return kept, omitted
}
