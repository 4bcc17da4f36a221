// Package strategy decides how a shaped context is turned into a model
// response. The single-round strategy issues one proxied LLM call; the
// delegating strategy iterates, dispatching fleet tasks between calls.
package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/flotilla-ai/flotilla/pkg/fleet"
	"github.com/flotilla-ai/flotilla/pkg/llm"
)

// Strategy names accepted in configuration.
const (
	NameSingleRound = "single_round"
	NameDelegating  = "delegating"
)

// Config selects and tunes the response strategy.
type Config struct {
	// Name is one of single_round, delegating.
	Name string `yaml:"name" json:"name" mapstructure:"name"`

	// MaxIterations bounds delegating rounds per request.
	MaxIterations int `yaml:"max_iterations" json:"max_iterations" mapstructure:"max_iterations"`

	// TaskTimeout bounds one delegated task; zero uses the fleet default.
	TaskTimeout time.Duration `yaml:"task_timeout" json:"task_timeout" mapstructure:"task_timeout"`

	// ShowProgress streams per-round delegation notes to the observer.
	ShowProgress bool `yaml:"show_progress" json:"show_progress" mapstructure:"show_progress"`
}

// SetDefaults applies defaults for missing fields.
func (c *Config) SetDefaults() {
	if c.Name == "" {
		c.Name = NameSingleRound
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 5
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Name {
	case "", NameSingleRound, NameDelegating:
	default:
		return fmt.Errorf("unknown strategy: %s", c.Name)
	}
	return nil
}

// Input is everything a strategy needs for one request.
type Input struct {
	RequestID string
	SessionID string
	NodeID    string
	Messages  []llm.Message
	Model     string
	Provider  string
	Options   llm.ChatOptions
}

// Result is a strategy's response.
type Result struct {
	Content     string
	Usage       *llm.Usage
	RawThinking []string
	Iterations  int
}

// Strategy produces a response from a shaped context.
type Strategy interface {
	Name() string
	Execute(ctx context.Context, in Input) (*Result, error)
	ExecuteStream(ctx context.Context, in Input, obs fleet.StreamObserver) (*Result, error)
}

// Proxy is the slice of the fleet manager strategies dispatch through.
type Proxy interface {
	HandleLLMRequest(ctx context.Context, req fleet.ProxyRequest) fleet.ProxyResult
}

// Dispatcher widens Proxy with what delegation needs: task dispatch and
// the node table.
type Dispatcher interface {
	Proxy
	AssignTask(ctx context.Context, task fleet.Task) (map[string]any, error)
	ListNodes() []*fleet.Node
}

// SingleRound answers with exactly one LLM call.
type SingleRound struct {
	proxy Proxy
}

// NewSingleRound creates the single-round strategy.
func NewSingleRound(proxy Proxy) *SingleRound {
	return &SingleRound{proxy: proxy}
}

func (s *SingleRound) Name() string { return "single_round" }

func (s *SingleRound) Execute(ctx context.Context, in Input) (*Result, error) {
	opts := in.Options
	opts.Stream = false

	res := s.proxy.HandleLLMRequest(ctx, fleet.ProxyRequest{
		RequestID: in.RequestID,
		NodeID:    in.NodeID,
		Messages:  in.Messages,
		Model:     in.Model,
		Provider:  in.Provider,
		Options:   opts,
	})
	if !res.Success {
		return nil, res.Error
	}
	return &Result{Content: res.Content, Usage: res.Usage, Iterations: 1}, nil
}

func (s *SingleRound) ExecuteStream(ctx context.Context, in Input, obs fleet.StreamObserver) (*Result, error) {
	opts := in.Options
	opts.Stream = true

	res := s.proxy.HandleLLMRequest(ctx, fleet.ProxyRequest{
		RequestID:      in.RequestID,
		NodeID:         in.NodeID,
		Messages:       in.Messages,
		Model:          in.Model,
		Provider:       in.Provider,
		Options:        opts,
		StreamObserver: obs,
	})
	if !res.Success {
		return nil, res.Error
	}
	return &Result{Content: res.Content, Usage: res.Usage, Iterations: 1}, nil
}
