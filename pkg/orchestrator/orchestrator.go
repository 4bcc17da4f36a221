// Package orchestrator runs the chat pipeline: ethics gate, session
// resolution, context shaping, playbook lookup, strategy execution, and the
// history save.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"

	"github.com/flotilla-ai/flotilla/pkg/contextmgr"
	"github.com/flotilla-ai/flotilla/pkg/ethics"
	"github.com/flotilla-ai/flotilla/pkg/eventbus"
	"github.com/flotilla-ai/flotilla/pkg/fleet"
	"github.com/flotilla-ai/flotilla/pkg/history"
	"github.com/flotilla-ai/flotilla/pkg/llm"
	"github.com/flotilla-ai/flotilla/pkg/playbook"
	"github.com/flotilla-ai/flotilla/pkg/request"
	"github.com/flotilla-ai/flotilla/pkg/session"
	"github.com/flotilla-ai/flotilla/pkg/strategy"
)

// Options tune one chat call.
type Options struct {
	ConversationID string
	SessionID      string
	AgentID        string
	UserID         string
	Stream         bool
	Model          string
	Provider       string
	RequestID      string
}

// Response is the user-visible result of a chat call.
type Response struct {
	Content      string            `json:"content"`
	Iterations   int               `json:"iterations"`
	FinishReason string            `json:"finish_reason,omitempty"`
	Usage        *llm.Usage        `json:"usage,omitempty"`
	RawThinking  []string          `json:"raw_thinking_process,omitempty"`
	Thinking     string            `json:"thinking,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	BlockedByEthics bool           `json:"blocked_by_ethics,omitempty"`
	EthicsReview    *ethics.Review `json:"ethics_review,omitempty"`
	EthicsLayer     string         `json:"ethics_layer,omitempty"`
}

// Config holds orchestrator settings.
type Config struct {
	// HistoryLimit bounds how many stored messages feed the context shaper.
	HistoryLimit int `yaml:"history_limit" json:"history_limit" mapstructure:"history_limit"`
}

// SetDefaults applies defaults for missing fields.
func (c *Config) SetDefaults() {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 200
	}
}

const saveRetries = 3

// Orchestrator wires the chat pipeline together.
type Orchestrator struct {
	config   Config
	reviewer ethics.Reviewer
	sessions *session.Registry
	store    *history.Store
	contexts *contextmgr.Manager
	matcher  playbook.Matcher
	strat    strategy.Strategy
	fleet    *fleet.Manager
	bus      *eventbus.Bus
	tracker  *request.Tracker
	logger   *slog.Logger
}

// New creates an orchestrator. reviewer and matcher may be nil; the
// allow-all reviewer and no-op matcher are used.
func New(cfg Config, reviewer ethics.Reviewer, sessions *session.Registry, store *history.Store, contexts *contextmgr.Manager, matcher playbook.Matcher, strat strategy.Strategy, fleetMgr *fleet.Manager, bus *eventbus.Bus, tracker *request.Tracker, logger *slog.Logger) (*Orchestrator, error) {
	cfg.SetDefaults()
	if sessions == nil || store == nil || contexts == nil || strat == nil || fleetMgr == nil || bus == nil {
		return nil, fmt.Errorf("sessions, store, contexts, strategy, fleet, and bus are required")
	}
	if reviewer == nil {
		reviewer = ethics.AllowAll{}
	}
	if matcher == nil {
		matcher = playbook.NoOp{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		config:   cfg,
		reviewer: reviewer,
		sessions: sessions,
		store:    store,
		contexts: contexts,
		matcher:  matcher,
		strat:    strat,
		fleet:    fleetMgr,
		bus:      bus,
		tracker:  tracker,
		logger:   logger.With("component", "orchestrator"),
	}, nil
}

// Chat runs the unary pipeline.
func (o *Orchestrator) Chat(ctx context.Context, messages []llm.Message, opts Options) (*Response, error) {
	return o.run(ctx, messages, opts, nil)
}

// ChatStream runs the streaming pipeline. Chunks flow to obs as the model
// produces them; the returned response carries the aggregate.
func (o *Orchestrator) ChatStream(ctx context.Context, messages []llm.Message, opts Options, obs fleet.StreamObserver) (*Response, error) {
	opts.Stream = true
	return o.run(ctx, messages, opts, obs)
}

func (o *Orchestrator) run(ctx context.Context, messages []llm.Message, opts Options, obs fleet.StreamObserver) (*Response, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("messages cannot be empty")
	}

	requestID := opts.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if o.tracker != nil {
		o.tracker.Register(requestID, cancel, map[string]string{"conversation_id": opts.ConversationID})
		defer o.tracker.Unregister(requestID)
	}

	// Ethics gate. Denial is a graceful result, not an error.
	review, err := o.reviewer.Review(rctx, messages)
	if err != nil {
		o.logger.Warn("ethics review failed open", "request_id", requestID, "error", err)
		review = &ethics.Review{Allowed: true}
	}
	if !review.Allowed {
		o.bus.Publish(eventbus.EventUserRequestRejected, map[string]any{
			"request_id": requestID,
			"reason":     review.Reason,
		})
		return &Response{
			BlockedByEthics: true,
			EthicsReview:    review,
			EthicsLayer:     review.Layer,
			Content:         review.Reason,
		}, nil
	}

	sessionID := opts.SessionID
	if opts.ConversationID != "" {
		sessionID = o.sessions.GetOrCreate(opts.AgentID, opts.UserID, opts.ConversationID)
	}

	modelInput, err := o.shapeInput(rctx, sessionID, opts.ConversationID, messages)
	if err != nil {
		return nil, err
	}

	metadata := map[string]string{}
	if match, err := o.matcher.Match(rctx, messages); err == nil && match != nil {
		metadata["playbook"] = match.Name
		for k, v := range match.Variables {
			metadata["playbook_"+k] = v
		}
	}

	nodeID, err := o.fleet.SelectNode("")
	if err != nil {
		return nil, err
	}

	in := strategy.Input{
		RequestID: requestID,
		SessionID: sessionID,
		NodeID:    nodeID,
		Messages:  modelInput,
		Model:     opts.Model,
		Provider:  opts.Provider,
	}

	var result *strategy.Result
	if opts.Stream {
		result, err = o.strat.ExecuteStream(rctx, in, obs)
	} else {
		result, err = o.strat.Execute(rctx, in)
	}
	if err != nil {
		return nil, err
	}
	if rctx.Err() != nil {
		// Aborted mid-flight: skip the save.
		return nil, rctx.Err()
	}

	thinking, content := SplitThinking(result.Content)

	if opts.ConversationID != "" {
		o.saveTurn(opts.ConversationID, messages, content, thinking)
	}
	if sessionID != "" && result.Usage != nil {
		o.sessions.UpdateMetadata(sessionID, *result.Usage)
	}

	resp := &Response{
		Content:      content,
		Iterations:   result.Iterations,
		FinishReason: "stop",
		Usage:        result.Usage,
		RawThinking:  result.RawThinking,
		Thinking:     thinking,
	}
	if len(metadata) > 0 {
		resp.Metadata = metadata
	}
	return resp, nil
}

// shapeInput loads stored history, shapes it through the context manager,
// and appends the incoming messages.
func (o *Orchestrator) shapeInput(ctx context.Context, sessionID, conversationID string, messages []llm.Message) ([]llm.Message, error) {
	if conversationID == "" {
		return messages, nil
	}

	entries, err := o.store.Read(ctx, conversationID, o.config.HistoryLimit, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	base := make([]llm.Message, len(entries))
	for i, e := range entries {
		base[i] = e.Message()
	}

	result, err := o.contexts.Manage(ctx, sessionID, base, contextmgr.ManageOptions{CreateCheckpoint: true})
	if err != nil {
		// Shaping failure degrades to the raw history.
		o.logger.Warn("context shaping failed", "session_id", sessionID, "error", err)
	} else if result.Managed {
		base = result.EffectiveMessages
	}

	return append(base, messages...), nil
}

// saveTurn persists the user message(s) and the assistant reply. Failure is
// logged, never surfaced: the user already has their response.
func (o *Orchestrator) saveTurn(conversationID string, messages []llm.Message, content, thinking string) {
	toSave := userMessagesToSave(conversationID, messages, o.store)

	assistant := llm.Message{Role: llm.RoleAssistant, Content: CleanErrorMarkers(JoinThinking(thinking, content))}
	toSave = append(toSave, assistant)

	err := retry.Do(
		func() error {
			sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer scancel()
			return o.store.Append(sctx, conversationID, toSave)
		},
		retry.Attempts(saveRetries),
		retry.Delay(100*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxJitter(100*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		o.logger.Error("history save failed", "conversation_id", conversationID, "error", err)
	}
}

// userMessagesToSave picks which incoming messages to persist: on the first
// turn every user message, afterwards only the latest.
func userMessagesToSave(conversationID string, messages []llm.Message, store *history.Store) []llm.Message {
	cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	count, err := store.Count(cctx, conversationID)
	firstTurn := err == nil && count == 0

	var out []llm.Message
	if firstTurn {
		for _, m := range messages {
			if m.Role == llm.RoleUser {
				out = append(out, m)
			}
		}
		return out
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			out = append(out, messages[i])
			break
		}
	}
	return out
}
