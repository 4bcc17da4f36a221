// Package runtime assembles the full system from configuration: storage,
// event bus, quota, fleet, sessions, context management, and the chat
// orchestrator.
package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flotilla-ai/flotilla/pkg/config"
	"github.com/flotilla-ai/flotilla/pkg/contextmgr"
	"github.com/flotilla-ai/flotilla/pkg/ethics"
	"github.com/flotilla-ai/flotilla/pkg/eventbus"
	"github.com/flotilla-ai/flotilla/pkg/fleet"
	"github.com/flotilla-ai/flotilla/pkg/history"
	"github.com/flotilla-ai/flotilla/pkg/llm"
	"github.com/flotilla-ai/flotilla/pkg/lock"
	"github.com/flotilla-ai/flotilla/pkg/observability"
	"github.com/flotilla-ai/flotilla/pkg/orchestrator"
	"github.com/flotilla-ai/flotilla/pkg/playbook"
	"github.com/flotilla-ai/flotilla/pkg/quota"
	"github.com/flotilla-ai/flotilla/pkg/request"
	"github.com/flotilla-ai/flotilla/pkg/scratchpad"
	"github.com/flotilla-ai/flotilla/pkg/session"
	"github.com/flotilla-ai/flotilla/pkg/store"
	"github.com/flotilla-ai/flotilla/pkg/strategy"
)

// Runtime owns every long-lived component. Construct with New, start
// background work with Start, and always Shutdown.
type Runtime struct {
	Config *config.Config
	Logger *slog.Logger

	Store         *history.Store
	Bus           *eventbus.Bus
	Quota         *quota.Controller
	Locks         *lock.Manager
	Providers     *llm.Registry
	Fleet         *fleet.Manager
	Sessions      *session.Registry
	Contexts      *contextmgr.Manager
	Scratchpad    *scratchpad.Pad
	Tracker       *request.Tracker
	Orchestrator  *orchestrator.Orchestrator
	Observability *observability.Manager
}

// New builds the runtime from config. Components are wired in dependency
// order; any failure tears down what was already built.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Runtime{Config: cfg, Logger: logger}

	obs := observability.NewManager(cfg.Observability)
	if err := obs.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize observability: %w", err)
	}
	r.Observability = obs

	hs, err := history.NewStore(cfg.History)
	if err != nil {
		r.close()
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}
	r.Store = hs

	r.Bus = eventbus.New()

	var usageStore quota.UsageStore
	if cfg.Quota.Persistence != nil {
		usageStore, err = quota.NewSQLUsageStore(*cfg.Quota.Persistence)
		if err != nil {
			r.close()
			return nil, fmt.Errorf("failed to open quota usage store: %w", err)
		}
	}
	qc, err := quota.NewControllerWithStore(cfg.Quota, usageStore, logger)
	if err != nil {
		if usageStore != nil {
			_ = usageStore.Close()
		}
		r.close()
		return nil, fmt.Errorf("failed to create quota controller: %w", err)
	}
	r.Quota = qc

	locks, err := lock.NewManager(cfg.Lock, logger)
	if err != nil {
		r.close()
		return nil, fmt.Errorf("failed to create lock manager: %w", err)
	}
	r.Locks = locks

	providers := llm.NewRegistry()
	for name, pc := range cfg.LLMs {
		p, err := llm.NewProvider(*pc)
		if err != nil {
			r.close()
			return nil, fmt.Errorf("failed to create llm provider %q: %w", name, err)
		}
		if err := providers.Register(name, p); err != nil {
			r.close()
			return nil, err
		}
	}
	r.Providers = providers

	var nodesFile *store.JSONFile
	if cfg.Fleet.NodesFile != "" {
		nodesFile, err = store.NewJSONFile(cfg.Fleet.NodesFile)
		if err != nil {
			r.close()
			return nil, fmt.Errorf("failed to open nodes file: %w", err)
		}
	}

	fm, err := fleet.NewManager(cfg.Fleet, qc, r.Bus, providers, nodesFile, locks, logger)
	if err != nil {
		r.close()
		return nil, fmt.Errorf("failed to create fleet manager: %w", err)
	}
	r.Fleet = fm

	r.Scratchpad = scratchpad.New(cfg.Scratchpad)

	sessions, err := session.NewRegistry(hs, r.Scratchpad, logger)
	if err != nil {
		r.close()
		return nil, err
	}
	r.Sessions = sessions

	// The default provider doubles as the context summarizer; without one
	// the manager falls back to stub summaries.
	var summarizer contextmgr.Summarizer
	if p, ok := providers.Default(); ok {
		summarizer = p
	}
	contexts, err := contextmgr.NewManager(cfg.Context, hs, summarizer, logger)
	if err != nil {
		r.close()
		return nil, err
	}
	r.Contexts = contexts

	r.Tracker = request.NewTracker(0, logger)

	var reviewer ethics.Reviewer
	if len(cfg.Ethics.BlockedPhrases) > 0 {
		reviewer = &ethics.KeywordReviewer{
			Blocked:     cfg.Ethics.BlockedPhrases,
			Suggestions: cfg.Ethics.Suggestions,
		}
	}
	var matcher playbook.Matcher
	if len(cfg.Playbooks) > 0 {
		matcher = &playbook.Static{Entries: cfg.Playbooks}
	}

	var strat strategy.Strategy
	switch cfg.Strategy.Name {
	case strategy.NameDelegating:
		strat = strategy.NewDelegating(cfg.Strategy, fm, r.Scratchpad, logger)
	default:
		strat = strategy.NewSingleRound(fm)
	}

	orch, err := orchestrator.New(cfg.Orchestrator, reviewer, sessions, hs, contexts,
		matcher, strat, fm, r.Bus, r.Tracker, logger)
	if err != nil {
		r.close()
		return nil, err
	}
	r.Orchestrator = orch

	return r, nil
}

// Start kicks off background work: the fleet heartbeat monitor.
func (r *Runtime) Start() {
	r.Fleet.StartMonitor()
}

// ApplyConfig applies a reloaded configuration to running components.
// Only hot-swappable settings take effect; everything else needs a restart.
func (r *Runtime) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	if err := r.Quota.UpdateConfig(cfg.Quota); err != nil {
		r.Logger.Error("failed to apply quota config", "error", err)
	} else {
		r.Logger.Info("quota config applied",
			"requests_per_minute", cfg.Quota.RequestsPerMinute,
			"tokens_per_day", cfg.Quota.TokensPerDay,
			"concurrent_streams", cfg.Quota.ConcurrentStreams)
	}
}

// Shutdown stops background work and releases every resource.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.close()
	if r.Observability != nil {
		return r.Observability.Shutdown(ctx)
	}
	return nil
}

func (r *Runtime) close() {
	if r.Tracker != nil {
		r.Tracker.Close()
	}
	if r.Fleet != nil {
		r.Fleet.Close()
	}
	if r.Providers != nil {
		if err := r.Providers.Close(); err != nil {
			r.Logger.Warn("failed to close llm providers", "error", err)
		}
	}
	if r.Locks != nil {
		if err := r.Locks.Close(); err != nil {
			r.Logger.Warn("failed to close lock manager", "error", err)
		}
	}
	if r.Quota != nil {
		if err := r.Quota.Close(); err != nil {
			r.Logger.Warn("failed to close quota usage store", "error", err)
		}
	}
	if r.Store != nil {
		if err := r.Store.Close(); err != nil {
			r.Logger.Warn("failed to close history store", "error", err)
		}
	}
}
