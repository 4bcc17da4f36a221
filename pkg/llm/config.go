package llm

import "fmt"

// Provider types selectable in config.
const (
	TypeOpenAI    = "openai"
	TypeOllama    = "ollama"
	TypeAnthropic = "anthropic"
)

// ProviderConfig configures one model backend. Type selects the wire
// protocol; the remaining fields are shared across backends.
type ProviderConfig struct {
	Type        string  `yaml:"type" json:"type" mapstructure:"type"`
	BaseURL     string  `yaml:"base_url" json:"base_url" mapstructure:"base_url"`
	APIKey      string  `yaml:"api_key" json:"api_key" mapstructure:"api_key"`
	Model       string  `yaml:"model" json:"model" mapstructure:"model"`
	Temperature float64 `yaml:"temperature" json:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens" mapstructure:"max_tokens"`
	// Timeout is the per-request timeout in seconds.
	Timeout    int `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
	MaxRetries int `yaml:"max_retries" json:"max_retries" mapstructure:"max_retries"`
}

// SetDefaults applies defaults for missing fields. BaseURL and Model
// defaults depend on the provider type.
func (c *ProviderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = TypeOpenAI
	}
	if c.BaseURL == "" {
		switch c.Type {
		case TypeOllama:
			c.BaseURL = "http://localhost:11434"
		case TypeAnthropic:
			c.BaseURL = "https://api.anthropic.com"
		default:
			c.BaseURL = "https://api.openai.com/v1"
		}
	}
	if c.Model == "" {
		switch c.Type {
		case TypeOllama:
			c.Model = "llama3.2"
		case TypeAnthropic:
			c.Model = "claude-sonnet-4-20250514"
		default:
			c.Model = "gpt-4o-mini"
		}
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout <= 0 {
		c.Timeout = 120
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
}

// Validate checks the configuration. Ollama runs locally and needs no key;
// the hosted backends require one.
func (c *ProviderConfig) Validate() error {
	switch c.Type {
	case "", TypeOpenAI, TypeOllama, TypeAnthropic:
	default:
		return fmt.Errorf("unsupported provider type %q (supported: openai, ollama, anthropic)", c.Type)
	}
	if c.APIKey == "" && c.Type != TypeOllama {
		return fmt.Errorf("api_key is required")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature %g out of range", c.Temperature)
	}
	return nil
}

// NewProvider builds a provider for the configured type.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	cfg.SetDefaults()
	switch cfg.Type {
	case TypeOpenAI:
		return NewOpenAIProvider(cfg)
	case TypeOllama:
		return NewOllamaProvider(cfg)
	case TypeAnthropic:
		return NewAnthropicProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider type %q (supported: openai, ollama, anthropic)", cfg.Type)
	}
}
