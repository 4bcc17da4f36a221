package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/flotilla-ai/flotilla/pkg/fleet"
	"github.com/flotilla-ai/flotilla/pkg/llm"
	"github.com/flotilla-ai/flotilla/pkg/scratchpad"
)

// directive is one delegation request parsed from model output.
type directive struct {
	Tool       string         `json:"tool"`
	Capability string         `json:"capability,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
}

var (
	delegateRe  = regexp.MustCompile("(?s)```delegate\\s*\\n(.*?)```")
	blankRunsRe = regexp.MustCompile(`\n{3,}`)
)

// journalLayer is the scratchpad layer delegation outcomes are written to.
const journalLayer = "delegation"

// Delegating answers in rounds. Each round is one proxied unary LLM call;
// rounds whose content carries fenced delegate blocks dispatch them as
// fleet tasks and feed the results back as observations. A round without
// directives is final, and exhausting the round budget returns the last
// content with the directives stripped.
type Delegating struct {
	config Config
	fleet  Dispatcher
	pad    *scratchpad.Pad
	logger *slog.Logger
}

// NewDelegating creates the delegating strategy. pad may be nil; the
// delegation journal is then skipped.
func NewDelegating(cfg Config, dispatcher Dispatcher, pad *scratchpad.Pad, logger *slog.Logger) *Delegating {
	cfg.SetDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Delegating{
		config: cfg,
		fleet:  dispatcher,
		pad:    pad,
		logger: logger.With("component", "strategy", "strategy", NameDelegating),
	}
}

func (s *Delegating) Name() string { return NameDelegating }

func (s *Delegating) Execute(ctx context.Context, in Input) (*Result, error) {
	return s.run(ctx, in, nil)
}

// ExecuteStream runs the same loop; round progress notes (when enabled)
// and the final content flow through obs, while the terminal event stays
// with the caller.
func (s *Delegating) ExecuteStream(ctx context.Context, in Input, obs fleet.StreamObserver) (*Result, error) {
	return s.run(ctx, in, obs)
}

func (s *Delegating) run(ctx context.Context, in Input, obs fleet.StreamObserver) (*Result, error) {
	msgs := make([]llm.Message, 0, len(in.Messages)+1)
	msgs = append(msgs, in.Messages...)
	if guide := s.delegationGuide(); guide != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: guide})
	}

	opts := in.Options
	opts.Stream = false

	result := &Result{}
	for round := 1; round <= s.config.MaxIterations; round++ {
		res := s.fleet.HandleLLMRequest(ctx, fleet.ProxyRequest{
			RequestID: in.RequestID,
			NodeID:    in.NodeID,
			Messages:  msgs,
			Model:     in.Model,
			Provider:  in.Provider,
			Options:   opts,
		})
		if !res.Success {
			return nil, res.Error
		}
		result.Iterations = round
		addUsage(result, res.Usage)

		clean, directives, malformed := parseDirectives(res.Content)

		final := len(directives) == 0 && len(malformed) == 0
		if !final && round == s.config.MaxIterations {
			s.logger.Warn("delegation round budget exhausted",
				"request_id", in.RequestID, "rounds", round)
			final = true
		}
		if final {
			result.Content = clean
			if obs != nil {
				if clean != "" {
					obs.OnChunk(clean)
				}
				obs.OnComplete(clean)
			}
			return result, nil
		}

		if clean != "" {
			result.RawThinking = append(result.RawThinking, clean)
		}
		if obs != nil && s.config.ShowProgress {
			obs.OnChunk(progressNote(round, directives))
		}

		observations, err := s.dispatchRound(ctx, in, round, directives, malformed)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs,
			llm.Message{Role: llm.RoleAssistant, Content: res.Content},
			llm.Message{Role: llm.RoleUser, Name: journalLayer, Content: observations},
		)
	}

	return nil, fmt.Errorf("delegation loop ended without a final round")
}

// dispatchRound runs the round's directives as fleet tasks in parallel and
// joins their observations in directive order. Task failures become error
// observations; only context cancellation aborts the round.
func (s *Delegating) dispatchRound(ctx context.Context, in Input, round int, directives []directive, malformed []string) (string, error) {
	outputs := make([]string, len(directives), len(directives)+len(malformed))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range directives {
		g.Go(func() error {
			outputs[i] = s.observe(gctx, in, round, d)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	for _, m := range malformed {
		outputs = append(outputs, `<tool_output status="error">`+m+`</tool_output>`)
	}
	return strings.Join(outputs, "\n"), nil
}

// observe dispatches one directive and renders the outcome as an
// observation the next round can read.
func (s *Delegating) observe(ctx context.Context, in Input, round int, d directive) string {
	out, err := s.fleet.AssignTask(ctx, fleet.Task{
		ToolName:   d.Tool,
		ToolArgs:   d.Args,
		Capability: d.Capability,
		Timeout:    s.config.TaskTimeout,
		Metadata: map[string]string{
			"request_id": in.RequestID,
			"round":      strconv.Itoa(round),
		},
	})
	s.journal(in.SessionID, round, d, err)
	if err != nil {
		return `<tool_output status="error">` + d.Tool + ": " + err.Error() + `</tool_output>`
	}
	payload, merr := json.Marshal(out)
	if merr != nil {
		payload = []byte("{}")
	}
	return fmt.Sprintf("<tool_output tool=%q>%s</tool_output>", d.Tool, payload)
}

func (s *Delegating) journal(sessionID string, round int, d directive, err error) {
	if s.pad == nil || sessionID == "" {
		return
	}
	line := fmt.Sprintf("round %d: %s", round, d.Tool)
	if d.Capability != "" {
		line += " [" + d.Capability + "]"
	}
	if err != nil {
		line += " failed: " + err.Error()
	} else {
		line += " ok"
	}
	s.pad.Append(sessionID, journalLayer, line)
}

// delegationGuide describes the directive format and what the fleet can
// currently do. Empty when no reachable node declares a capability, so a
// bare deployment degrades to single-round behavior.
func (s *Delegating) delegationGuide() string {
	caps := make(map[string]struct{})
	for _, n := range s.fleet.ListNodes() {
		if n.Status != fleet.NodeStatusOnline && n.Status != fleet.NodeStatusBusy {
			continue
		}
		for _, c := range n.Capabilities {
			caps[c] = struct{}{}
		}
	}
	if len(caps) == 0 {
		return ""
	}
	names := make([]string, 0, len(caps))
	for c := range caps {
		names = append(names, c)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("You can delegate subtasks to worker nodes. Emit one fenced block per subtask:\n\n")
	b.WriteString("```delegate\n{\"tool\": \"<tool name>\", \"capability\": \"<required capability>\", \"args\": {}}\n```\n\n")
	b.WriteString("Online capabilities: " + strings.Join(names, ", ") + ".\n")
	b.WriteString("Each result returns as a <tool_output> message. Answer directly when no delegation is needed.")
	return b.String()
}

// parseDirectives splits model output into the surrounding text and the
// delegate directives it carries. Blocks that are not valid directives are
// reported separately so the next round can correct them.
func parseDirectives(content string) (clean string, directives []directive, malformed []string) {
	matches := delegateRe.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return strings.TrimSpace(content), nil, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(content[last:m[0]])
		last = m[1]

		raw := strings.TrimSpace(content[m[2]:m[3]])
		var d directive
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			malformed = append(malformed, fmt.Sprintf("delegate block is not valid JSON: %v", err))
			continue
		}
		if d.Tool == "" {
			malformed = append(malformed, `delegate block is missing "tool"`)
			continue
		}
		directives = append(directives, d)
	}
	b.WriteString(content[last:])

	clean = strings.TrimSpace(blankRunsRe.ReplaceAllString(b.String(), "\n\n"))
	return clean, directives, malformed
}

func progressNote(round int, directives []directive) string {
	tools := make([]string, len(directives))
	for i, d := range directives {
		tools[i] = d.Tool
	}
	return fmt.Sprintf("[round %d: delegating %s]\n", round, strings.Join(tools, ", "))
}

func addUsage(r *Result, u *llm.Usage) {
	if u == nil {
		return
	}
	if r.Usage == nil {
		r.Usage = &llm.Usage{}
	}
	r.Usage.PromptTokens += u.PromptTokens
	r.Usage.CompletionTokens += u.CompletionTokens
	r.Usage.TotalTokens += u.TotalTokens
}
