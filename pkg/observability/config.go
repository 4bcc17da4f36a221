// Package observability wires OpenTelemetry tracing and Prometheus metrics.
package observability

import (
	"fmt"
	"time"
)

// Config configures the observability system.
type Config struct {
	// Tracing configures OpenTelemetry distributed tracing.
	Tracing TracingConfig `yaml:"tracing" json:"tracing" mapstructure:"tracing"`

	// Metrics configures Prometheus metrics collection.
	Metrics MetricsConfig `yaml:"metrics" json:"metrics" mapstructure:"metrics"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	// Enabled turns on distributed tracing.
	Enabled bool `yaml:"enabled" json:"enabled" mapstructure:"enabled"`

	// Exporter is "otlp" (default) or "stdout".
	Exporter string `yaml:"exporter" json:"exporter" mapstructure:"exporter"`

	// Endpoint is the OTLP collector endpoint, e.g. "localhost:4317".
	Endpoint string `yaml:"endpoint" json:"endpoint" mapstructure:"endpoint"`

	// SamplingRate controls what fraction of traces are sampled, 0.0 to 1.0.
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate" mapstructure:"sampling_rate"`

	// ServiceName identifies this service in traces.
	ServiceName string `yaml:"service_name" json:"service_name" mapstructure:"service_name"`

	// ServiceVersion is the version reported with traces.
	ServiceVersion string `yaml:"service_version" json:"service_version" mapstructure:"service_version"`

	// Insecure disables TLS for the exporter connection.
	Insecure *bool `yaml:"insecure" json:"insecure" mapstructure:"insecure"`

	// Timeout bounds exporter operations.
	Timeout time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	// Enabled turns on metrics collection.
	Enabled bool `yaml:"enabled" json:"enabled" mapstructure:"enabled"`

	// Path is the HTTP path metrics are exposed on.
	Path string `yaml:"path" json:"path" mapstructure:"path"`

	// Namespace prefixes all metric names.
	Namespace string `yaml:"namespace" json:"namespace" mapstructure:"namespace"`
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	c.Tracing.SetDefaults()
	c.Metrics.SetDefaults()
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}

// SetDefaults applies default values.
func (c *TracingConfig) SetDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = 1.0
	}
	if c.Exporter == "" {
		c.Exporter = "otlp"
	}
	if c.Endpoint == "" {
		c.Endpoint = DefaultOTLPEndpoint
	}
	if c.Insecure == nil {
		insecure := true
		c.Insecure = &insecure
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
}

// Validate checks the tracing configuration.
func (c *TracingConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" && c.Exporter == "otlp" {
		return fmt.Errorf("endpoint is required when tracing is enabled")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling_rate must be between 0 and 1, got %f", c.SamplingRate)
	}
	switch c.Exporter {
	case "otlp", "stdout":
	default:
		return fmt.Errorf("invalid exporter %q (valid: otlp, stdout)", c.Exporter)
	}
	return nil
}

// IsInsecure reports whether to skip TLS on the exporter connection.
func (c *TracingConfig) IsInsecure() bool {
	if c.Insecure == nil {
		return true
	}
	return *c.Insecure
}

// SetDefaults applies default values.
func (c *MetricsConfig) SetDefaults() {
	if c.Path == "" {
		c.Path = DefaultMetricsPath
	}
	if c.Namespace == "" {
		c.Namespace = DefaultServiceName
	}
}

// Validate checks the metrics configuration.
func (c *MetricsConfig) Validate() error {
	return nil
}
