package orchestrator

import (
	"regexp"
	"strings"
)

var (
	thinkingRe   = regexp.MustCompile(`(?s)^\s*<thinking>(.*?)</thinking>\s*`)
	toolErrorRe  = regexp.MustCompile(`(?s)<tool_output status="error">.*?</tool_output>`)
	feedbackRe   = regexp.MustCompile(`(?mi)^\[SYSTEM_FEEDBACK\].*(?:error|failed).*$`)
	mcpErrorRe   = regexp.MustCompile(`(?mi)^.*MCP error -?\d+.*$`)
	stackFrameRe = regexp.MustCompile(`(?m)^(?:goroutine \d+ \[.*\]:|\s+at .*\(.*:\d+\)|.*\.go:\d+ \+0x[0-9a-f]+)\s*$`)
	blankRunsRe  = regexp.MustCompile(`\n{3,}`)
)

// SplitThinking separates a leading <thinking> block from the response
// body. Content without a block returns an empty thinking string.
func SplitThinking(content string) (thinking, rest string) {
	m := thinkingRe.FindStringSubmatchIndex(content)
	if m == nil {
		return "", content
	}
	thinking = strings.TrimSpace(content[m[2]:m[3]])
	rest = content[m[1]:]
	return thinking, rest
}

// JoinThinking re-embeds reasoning ahead of the response body. Joining the
// output of SplitThinking is the identity on well-formed content.
func JoinThinking(thinking, content string) string {
	if thinking == "" {
		return content
	}
	return "<thinking>" + thinking + "</thinking> " + content
}

// CleanErrorMarkers strips transient failure artifacts from assistant
// content before it is persisted: errored tool output blocks, system
// feedback error lines, MCP protocol errors, and stack trace frames.
func CleanErrorMarkers(content string) string {
	out := toolErrorRe.ReplaceAllString(content, "")
	out = feedbackRe.ReplaceAllString(out, "")
	out = mcpErrorRe.ReplaceAllString(out, "")
	out = stackFrameRe.ReplaceAllString(out, "")
	out = blankRunsRe.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}
