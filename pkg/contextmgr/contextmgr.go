// Package contextmgr maintains a bounded effective context over the
// append-only conversation history. It applies a compression strategy when
// the history grows past the management threshold and persists the result
// so the shaped context survives restarts.
package contextmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/flotilla-ai/flotilla/pkg/history"
	"github.com/flotilla-ai/flotilla/pkg/llm"
	"github.com/flotilla-ai/flotilla/pkg/tokens"
)

// StrategyName selects a compression strategy.
type StrategyName string

const (
	StrategyTruncate StrategyName = "truncate"
	StrategyPrune    StrategyName = "prune"
	StrategyCompact  StrategyName = "compact"
	StrategyHybrid   StrategyName = "hybrid"
)

// Valid reports whether the name is a known strategy.
func (s StrategyName) Valid() bool {
	switch s {
	case StrategyTruncate, StrategyPrune, StrategyCompact, StrategyHybrid:
		return true
	}
	return false
}

// ActionType classifies what a manage call did.
type ActionType string

const (
	ActionNone     ActionType = "none"
	ActionTruncate ActionType = "truncate"
	ActionPrune    ActionType = "prune"
	ActionCompact  ActionType = "compact"
	ActionRestore  ActionType = "restore"
)

// Action records one context-management operation.
type Action struct {
	Type ActionType `json:"type"`
	// AffectedMessageIDs are 1-based positional indices of removed or
	// compressed input messages.
	AffectedMessageIDs []int     `json:"affected_message_ids,omitempty"`
	Summary            string    `json:"summary,omitempty"`
	TokensBefore       int       `json:"tokens_before"`
	TokensAfter        int       `json:"tokens_after"`
	Timestamp          time.Time `json:"timestamp"`
	Reason             string    `json:"reason,omitempty"`
}

// Result is the outcome of a manage call.
type Result struct {
	Managed           bool
	Action            Action
	EffectiveMessages []llm.Message
	TokenCount        int
	MessageCount      int
}

// ManageOptions tune a single manage call.
type ManageOptions struct {
	// Force applies the strategy even below the management threshold.
	Force bool
	// Strategy overrides the configured strategy when set.
	Strategy StrategyName
	Reason   string
	// CreateCheckpoint requests an auto checkpoint when the interval hits.
	CreateCheckpoint bool
}

// Config holds the context-management settings.
type Config struct {
	MaxTokens           int          `yaml:"max_tokens" json:"max_tokens" mapstructure:"max_tokens"`
	MaxMessages         int          `yaml:"max_messages" json:"max_messages" mapstructure:"max_messages"`
	ManagementThreshold int          `yaml:"management_threshold" json:"management_threshold" mapstructure:"management_threshold"`
	CompressionStrategy StrategyName `yaml:"compression_strategy" json:"compression_strategy" mapstructure:"compression_strategy"`
	AutoCheckpoint      bool         `yaml:"auto_checkpoint" json:"auto_checkpoint" mapstructure:"auto_checkpoint"`
	CheckpointInterval  int          `yaml:"checkpoint_interval" json:"checkpoint_interval" mapstructure:"checkpoint_interval"`
	MaxCheckpoints      int          `yaml:"max_checkpoints" json:"max_checkpoints" mapstructure:"max_checkpoints"`
	CompressionTimeout  time.Duration `yaml:"compression_timeout" json:"compression_timeout" mapstructure:"compression_timeout"`
	CompressionModel    string       `yaml:"compression_model" json:"compression_model" mapstructure:"compression_model"`
}

// SetDefaults applies defaults for missing fields.
func (c *Config) SetDefaults() {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 8000
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = 50
	}
	if c.ManagementThreshold <= 0 {
		// Tracks the token ceiling so a custom MaxTokens still yields a
		// valid config: 6000 under the 8000 default.
		c.ManagementThreshold = c.MaxTokens * 3 / 4
	}
	if c.CompressionStrategy == "" {
		c.CompressionStrategy = StrategyHybrid
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 10
	}
	if c.MaxCheckpoints <= 0 {
		c.MaxCheckpoints = 20
	}
	if c.CompressionTimeout <= 0 {
		c.CompressionTimeout = 30 * time.Second
	}
}

// Validate checks the config.
func (c *Config) Validate() error {
	if !c.CompressionStrategy.Valid() {
		return fmt.Errorf("unknown compression strategy: %s", c.CompressionStrategy)
	}
	if c.ManagementThreshold > c.MaxTokens {
		return fmt.Errorf("management_threshold (%d) cannot exceed max_tokens (%d)", c.ManagementThreshold, c.MaxTokens)
	}
	return nil
}

// Summarizer produces conversation summaries. *llm.OpenAIProvider satisfies
// it; tests substitute a stub.
type Summarizer interface {
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.Response, error)
}

// TextCounter measures text in model tokens. *tokens.Counter satisfies it.
type TextCounter interface {
	Count(text string) int
}

const (
	summaryMarker      = "[Conversation summary] "
	effectiveCacheSize = 2000
	effectiveCacheTTL  = 5 * time.Minute

	// summarizerInputBudget caps the transcript handed to the compression
	// model so an oversized conversation cannot blow its window.
	summarizerInputBudget = 12000
)

// strategyInput is what a strategy function receives.
type strategyInput struct {
	messages []llm.Message
	tokens   int
	cfg      Config
	reason   string
}

// strategyFunc applies one compression strategy.
type strategyFunc func(ctx context.Context, m *Manager, in strategyInput) (Action, []llm.Message)

// Manager shapes effective contexts for sessions.
type Manager struct {
	config     Config
	store      *history.Store
	summarizer Summarizer
	counter    TextCounter
	logger     *slog.Logger
	cache      *lru.LRU[string, *history.EffectiveContext]
}

// NewManager creates a context manager. summarizer may be nil, in which case
// compact always uses the local fallback summary.
func NewManager(cfg Config, store *history.Store, summarizer Summarizer, logger *slog.Logger) (*Manager, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid context config: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("history store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "contextmgr")

	var counter TextCounter
	if cfg.CompressionModel != "" {
		c, err := tokens.NewCounter(cfg.CompressionModel)
		if err != nil {
			logger.Warn("tokenizer unavailable for compression model, using estimator",
				"model", cfg.CompressionModel, "error", err)
		} else {
			counter = c
		}
	}

	return &Manager{
		config:     cfg,
		store:      store,
		summarizer: summarizer,
		counter:    counter,
		logger:     logger,
		cache:      lru.NewLRU[string, *history.EffectiveContext](effectiveCacheSize, nil, effectiveCacheTTL),
	}, nil
}

// Config returns the active configuration.
func (m *Manager) Config() Config {
	return m.config
}

func (m *Manager) strategy(name StrategyName) strategyFunc {
	switch name {
	case StrategyTruncate:
		return truncateStrategy
	case StrategyPrune:
		return pruneStrategy
	case StrategyCompact:
		return compactStrategy
	default:
		return hybridStrategy
	}
}

// Manage shapes the messages for a session. Below the management threshold
// (and message cap) it is a no-op unless forced.
func (m *Manager) Manage(ctx context.Context, sessionID string, messages []llm.Message, opts ManageOptions) (*Result, error) {
	if len(messages) == 0 {
		return &Result{Managed: false, Action: Action{Type: ActionNone, Timestamp: time.Now()}}, nil
	}

	total := tokens.EstimateMessages(messages, "")
	if !opts.Force && total <= m.config.ManagementThreshold && len(messages) <= m.config.MaxMessages {
		return &Result{
			Managed:           false,
			Action:            Action{Type: ActionNone, TokensBefore: total, TokensAfter: total, Timestamp: time.Now()},
			EffectiveMessages: messages,
			TokenCount:        total,
			MessageCount:      len(messages),
		}, nil
	}

	name := m.config.CompressionStrategy
	if opts.Strategy != "" {
		if !opts.Strategy.Valid() {
			return nil, fmt.Errorf("unknown strategy override: %s", opts.Strategy)
		}
		name = opts.Strategy
	}

	action, managed := m.strategy(name)(ctx, m, strategyInput{
		messages: messages,
		tokens:   total,
		cfg:      m.config,
		reason:   opts.Reason,
	})

	if m.config.AutoCheckpoint && opts.CreateCheckpoint && len(messages)%m.config.CheckpointInterval == 0 {
		reason := fmt.Sprintf("auto before %s", action.Type)
		if _, err := m.store.CreateCheckpoint(ctx, sessionID, messages, total, reason); err != nil {
			m.logger.Warn("auto checkpoint failed", "session_id", sessionID, "error", err)
		} else if _, err := m.store.PruneCheckpoints(ctx, sessionID, m.config.MaxCheckpoints); err != nil {
			m.logger.Warn("checkpoint pruning failed", "session_id", sessionID, "error", err)
		}
	}

	result := &Result{
		Managed:           true,
		Action:            action,
		EffectiveMessages: managed,
		TokenCount:        tokens.EstimateMessages(managed, ""),
		MessageCount:      len(managed),
	}

	if err := m.persist(ctx, sessionID, result); err != nil {
		// The shaped context is still valid for this request; only its
		// durability is degraded.
		m.logger.Warn("failed to persist effective context", "session_id", sessionID, "error", err)
	}
	return result, nil
}

// ForceCompact applies the compact strategy regardless of thresholds.
func (m *Manager) ForceCompact(ctx context.Context, sessionID string, messages []llm.Message) (*Result, error) {
	return m.Manage(ctx, sessionID, messages, ManageOptions{
		Force:    true,
		Strategy: StrategyCompact,
		Reason:   "forced compaction",
	})
}

// RollbackToCheckpoint replaces the session's history and effective context
// with a checkpoint snapshot.
func (m *Manager) RollbackToCheckpoint(ctx context.Context, sessionID, checkpointID string) (*Result, error) {
	restored, err := m.store.RollbackToCheckpoint(ctx, sessionID, checkpointID)
	if err != nil {
		return nil, err
	}

	total := tokens.EstimateMessages(restored.Messages, "")
	result := &Result{
		Managed: true,
		Action: Action{
			Type:         ActionRestore,
			TokensBefore: total,
			TokensAfter:  total,
			Timestamp:    time.Now(),
			Reason:       fmt.Sprintf("rollback to checkpoint %s", checkpointID),
		},
		EffectiveMessages: restored.Messages,
		TokenCount:        total,
		MessageCount:      len(restored.Messages),
	}
	if err := m.persist(ctx, sessionID, result); err != nil {
		return nil, fmt.Errorf("failed to persist restored context: %w", err)
	}
	return result, nil
}

// GetEffectiveContext returns the persisted effective context for a session,
// consulting the in-memory cache first.
func (m *Manager) GetEffectiveContext(ctx context.Context, sessionID string) (*history.EffectiveContext, error) {
	if ec, ok := m.cache.Get(sessionID); ok {
		return ec, nil
	}
	ec, err := m.store.GetEffectiveContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if ec != nil {
		m.cache.Add(sessionID, ec)
	}
	return ec, nil
}

func (m *Manager) persist(ctx context.Context, sessionID string, r *Result) error {
	lastAction, err := json.Marshal(r.Action)
	if err != nil {
		return fmt.Errorf("failed to marshal action: %w", err)
	}

	ids := make([]int64, len(r.Action.AffectedMessageIDs))
	for i, id := range r.Action.AffectedMessageIDs {
		ids[i] = int64(id)
	}

	ec := &history.EffectiveContext{
		SessionID:            sessionID,
		ConversationID:       sessionID,
		Messages:             r.EffectiveMessages,
		TokenCount:           r.TokenCount,
		MessageCount:         r.MessageCount,
		CompressionSummary:   r.Action.Summary,
		CompressedMessageIDs: ids,
		LastAction:           lastAction,
	}
	if err := m.store.SaveEffectiveContext(ctx, ec); err != nil {
		return err
	}
	m.cache.Add(sessionID, ec)
	return nil
}

// truncateStrategy keeps the most recent maxMessages messages.
func truncateStrategy(_ context.Context, _ *Manager, in strategyInput) (Action, []llm.Message) {
	keep := in.cfg.MaxMessages
	if keep > len(in.messages) {
		keep = len(in.messages)
	}
	removed := len(in.messages) - keep

	affected := make([]int, removed)
	for i := range affected {
		affected[i] = i + 1
	}

	managed := in.messages[removed:]
	return Action{
		Type:               ActionTruncate,
		AffectedMessageIDs: affected,
		TokensBefore:       in.tokens,
		TokensAfter:        tokens.EstimateMessages(managed, ""),
		Timestamp:          time.Now(),
		Reason:             in.reason,
	}, managed
}

// pruneStrategy keeps every system message, the first message, and the last
// five non-system messages, preserving original order.
func pruneStrategy(_ context.Context, _ *Manager, in strategyInput) (Action, []llm.Message) {
	const recentNonSystem = 5

	keep := make([]bool, len(in.messages))
	keep[0] = true
	for i, msg := range in.messages {
		if msg.Role == llm.RoleSystem {
			keep[i] = true
		}
	}
	kept := 0
	for i := len(in.messages) - 1; i >= 0 && kept < recentNonSystem; i-- {
		if in.messages[i].Role != llm.RoleSystem {
			if !keep[i] {
				keep[i] = true
			}
			kept++
		}
	}

	var managed []llm.Message
	var affected []int
	for i, k := range keep {
		if k {
			managed = append(managed, in.messages[i])
		} else {
			affected = append(affected, i+1)
		}
	}

	return Action{
		Type:               ActionPrune,
		AffectedMessageIDs: affected,
		TokensBefore:       in.tokens,
		TokensAfter:        tokens.EstimateMessages(managed, ""),
		Timestamp:          time.Now(),
		Reason:             in.reason,
	}, managed
}

// compactStrategy replaces older turns with a summary. An LLM-generated
// summary is attempted first; on failure a local stub summarizes counts and
// topics.
func compactStrategy(ctx context.Context, m *Manager, in strategyInput) (Action, []llm.Message) {
	var system, nonSystem []llm.Message
	var nonSystemPos []int
	for i, msg := range in.messages {
		if msg.Role == llm.RoleSystem {
			system = append(system, msg)
		} else {
			nonSystem = append(nonSystem, msg)
			nonSystemPos = append(nonSystemPos, i)
		}
	}

	summary, llmOK := m.summarize(ctx, nonSystem)

	var recent []llm.Message
	var omitted []int
	if llmOK {
		budget := in.cfg.MaxTokens * 7 / 10
		recent, omitted = tokens.FitRecent(nonSystem, budget)
	} else {
		// Fallback: the last 10 non-system turns.
		const fallbackRecent = 10
		start := len(nonSystem) - fallbackRecent
		if start < 0 {
			start = 0
		}
		recent = nonSystem[start:]
		for i := 0; i < start; i++ {
			omitted = append(omitted, i)
		}
	}
	recentPos := keptIndices(len(nonSystem), omitted)

	// FitRecent bounds tokens only: many short turns can overflow the
	// message cap. One output slot is reserved for the summary.
	maxRecent := in.cfg.MaxMessages - len(system) - 1
	if maxRecent < 0 {
		maxRecent = 0
	}
	if len(recent) > maxRecent {
		drop := len(recent) - maxRecent
		omitted = append(omitted, recentPos[:drop]...)
		recent, recentPos = recent[drop:], recentPos[drop:]
	}

	summaryMsg := llm.Message{
		Role:    llm.RoleAssistant,
		Name:    "summary",
		Content: summaryMarker + summary,
	}
	assemble := func() []llm.Message {
		out := make([]llm.Message, 0, len(system)+len(recent)+1)
		out = append(out, system...)
		out = append(out, recent...)
		return append(out, summaryMsg)
	}

	managed := assemble()
	// The summary itself can push past the token budget; shed the oldest
	// recent turns until the whole context fits.
	for tokens.EstimateMessages(managed, "") > in.cfg.MaxTokens && len(recent) > 0 {
		omitted = append(omitted, recentPos[0])
		recent, recentPos = recent[1:], recentPos[1:]
		managed = assemble()
	}

	sort.Ints(omitted)
	affected := make([]int, 0, len(omitted))
	for _, j := range omitted {
		affected = append(affected, nonSystemPos[j]+1)
	}

	after := tokens.EstimateMessages(managed, "")
	ratio := 0.0
	if in.tokens > 0 {
		ratio = float64(after) / float64(in.tokens)
	}

	return Action{
		Type:               ActionCompact,
		AffectedMessageIDs: affected,
		Summary:            summaryMsg.Content,
		TokensBefore:       in.tokens,
		TokensAfter:        after,
		Timestamp:          time.Now(),
		Reason:             fmt.Sprintf("%scompression ratio %.2f", reasonPrefix(in.reason), ratio),
	}, managed
}

// keptIndices returns the indices 0..n-1 not present in omitted, ascending.
func keptIndices(n int, omitted []int) []int {
	skip := make(map[int]struct{}, len(omitted))
	for _, i := range omitted {
		skip[i] = struct{}{}
	}
	kept := make([]int, 0, n-len(omitted))
	for i := 0; i < n; i++ {
		if _, ok := skip[i]; !ok {
			kept = append(kept, i)
		}
	}
	return kept
}

func reasonPrefix(reason string) string {
	if reason == "" {
		return ""
	}
	return reason + "; "
}

// hybridStrategy picks a strategy from token pressure.
func hybridStrategy(ctx context.Context, m *Manager, in strategyInput) (Action, []llm.Message) {
	u := float64(in.tokens) / float64(in.cfg.MaxTokens)
	switch {
	case u > 0.9:
		return compactStrategy(ctx, m, in)
	case u > 0.7:
		return pruneStrategy(ctx, m, in)
	default:
		return truncateStrategy(ctx, m, in)
	}
}

// summarize attempts an LLM summary and reports whether it succeeded. On any
// failure the local stub summary is returned with ok=false.
func (m *Manager) summarize(ctx context.Context, messages []llm.Message) (string, bool) {
	if m.summarizer != nil {
		cctx, cancel := context.WithTimeout(ctx, m.config.CompressionTimeout)
		defer cancel()

		resp, err := m.summarizer.Chat(cctx, llm.ChatRequest{
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: "Summarize the following conversation concisely, preserving key facts, decisions, and open tasks."},
				{Role: llm.RoleUser, Content: m.transcript(messages)},
			},
			Options: llm.ChatOptions{Model: m.config.CompressionModel},
		})
		if err == nil && resp != nil && strings.TrimSpace(resp.Content) != "" {
			return strings.TrimSpace(resp.Content), true
		}
		if err != nil {
			m.logger.Warn("llm summary failed, using local fallback", "error", err)
		}
	}
	return stubSummary(messages), false
}

// transcript renders the turns for the summarizer, keeping the newest that
// fit its input budget. The budget is measured with the compression model's
// own tokenizer when one could be loaded, the estimator otherwise.
func (m *Manager) transcript(messages []llm.Message) string {
	lines := make([]string, len(messages))
	for i, msg := range messages {
		lines[i] = fmt.Sprintf("%s: %s", msg.Role, msg.Text())
	}

	start, budget := len(lines), summarizerInputBudget
	for i := len(lines) - 1; i >= 0; i-- {
		cost := m.countText(lines[i]) + 1
		if cost > budget {
			break
		}
		budget -= cost
		start = i
	}
	if start == len(lines) && len(lines) > 0 {
		// A single oversized turn still goes through; the model clips it.
		start = len(lines) - 1
	}
	return strings.Join(lines[start:], "\n")
}

func (m *Manager) countText(s string) int {
	if m.counter != nil {
		return m.counter.Count(s)
	}
	return tokens.EstimateText(s)
}

// stubSummary builds a deterministic local summary of the conversation.
func stubSummary(messages []llm.Message) string {
	var users, assistants int
	var topics []string
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleUser:
			users++
			if len(topics) < 3 {
				topics = append(topics, firstWords(msg.Text(), 6))
			}
		case llm.RoleAssistant:
			assistants++
		}
	}
	s := fmt.Sprintf("%d user / %d assistant messages", users, assistants)
	if len(topics) > 0 {
		s += "; topics: " + strings.Join(topics, "; ")
	}
	return s
}

func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}
