package config

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// Config represents the lightmux daemon configuration
type Config struct {
	Engine     EngineConfig     `json:"engine" mapstructure:"engine"`
	Logging    LoggingConfig    `json:"logging" mapstructure:"logging"`
	Gateway    GatewayConfig    `json:"gateway" mapstructure:"gateway"`
	ChainSpecs ChainSpecsConfig `json:"chain_specs" mapstructure:"chain_specs"`

	// Sessions are started at boot, in order.
	Sessions  []SessionConfig  `json:"sessions" mapstructure:"sessions"`
	Schedules []ScheduleConfig `json:"schedules" mapstructure:"schedules"`

	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// EngineConfig configures the in-process engine.
type EngineConfig struct {
	SystemName          string `json:"system_name" mapstructure:"system_name"`
	SystemVersion       string `json:"system_version" mapstructure:"system_version"`
	MaxSessions         int    `json:"max_sessions" mapstructure:"max_sessions"`
	MaxPendingResponses int    `json:"max_pending_responses" mapstructure:"max_pending_responses"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// GatewayConfig holds WebSocket gateway configuration
type GatewayConfig struct {
	Enabled             bool   `json:"enabled" mapstructure:"enabled"`
	Host                string `json:"host" mapstructure:"host"`
	Port                int    `json:"port" mapstructure:"port"`
	SharedSecret        string `json:"shared_secret" mapstructure:"shared_secret"`
	TickIntervalSeconds int    `json:"tick_interval_seconds" mapstructure:"tick_interval_seconds"`
	RequestsPerMinute   int    `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent       int    `json:"max_concurrent" mapstructure:"max_concurrent"`
}

// ChainSpecsConfig locates the chain spec directory.
type ChainSpecsConfig struct {
	Dir   string `json:"dir" mapstructure:"dir"`
	Watch bool   `json:"watch" mapstructure:"watch"`
}

// SessionConfig describes a session started at boot. Exactly one of Chain (a name in the chain
// spec store) or SpecFile must be set.
type SessionConfig struct {
	Name         string `json:"name" mapstructure:"name"`
	Chain        string `json:"chain" mapstructure:"chain"`
	SpecFile     string `json:"spec_file" mapstructure:"spec_file"`
	DatabaseFile string `json:"database_file" mapstructure:"database_file"`
	Parent       string `json:"parent" mapstructure:"parent"`
	LogResponses bool   `json:"log_responses" mapstructure:"log_responses"`
}

// ScheduleConfig sends Payload to Session on every tick of the cron expression Expr.
type ScheduleConfig struct {
	Session string `json:"session" mapstructure:"session"`
	Expr    string `json:"expr" mapstructure:"expr"`
	Payload string `json:"payload" mapstructure:"payload"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// TracingConfig toggles OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			SystemName:          "lightmux",
			SystemVersion:       "0.1.0",
			MaxSessions:         64,
			MaxPendingResponses: 128,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
		Gateway: GatewayConfig{
			Enabled:             true,
			Host:                "127.0.0.1",
			Port:                18790,
			TickIntervalSeconds: 30,
			RequestsPerMinute:   600,
			MaxConcurrent:       16,
		},
		ChainSpecs: ChainSpecsConfig{Watch: true},
		Metrics:    MetricsConfig{Enabled: true},
		Tracing:    TracingConfig{ServiceName: "lightmux"},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Session returns the boot session called name.
func (c *Config) Session(name string) (SessionConfig, bool) {
	for _, s := range c.Sessions {
		if s.Name == name {
			return s, true
		}
	}
	return SessionConfig{}, false
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Engine.MaxSessions <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_sessions must be positive, got %d", c.Engine.MaxSessions))
	}
	if c.Engine.MaxPendingResponses <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_pending_responses must be positive, got %d", c.Engine.MaxPendingResponses))
	}

	if c.Logging.Level != "" {
		if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
			errs = append(errs, fmt.Errorf("logging.level: %w", err))
		}
	}

	if c.Gateway.Enabled {
		v := NewValidator()
		if err := v.ValidatePort(c.Gateway.Port); err != nil {
			errs = append(errs, fmt.Errorf("gateway.port: %w", err))
		}
		if c.Gateway.RequestsPerMinute < 0 {
			errs = append(errs, errors.New("gateway.requests_per_minute cannot be negative"))
		}
		if c.Gateway.MaxConcurrent < 0 {
			errs = append(errs, errors.New("gateway.max_concurrent cannot be negative"))
		}
	}

	errs = append(errs, c.validateSessions()...)
	errs = append(errs, c.validateSchedules()...)

	return errors.Join(errs...)
}

func (c *Config) validateSessions() []error {
	var errs []error
	seen := make(map[string]bool, len(c.Sessions))
	v := NewValidator()

	for i, s := range c.Sessions {
		if err := v.ValidateSessionName(s.Name); err != nil {
			errs = append(errs, fmt.Errorf("sessions[%d]: %w", i, err))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("session %s: duplicate name", s.Name))
		}
		if (s.Chain == "") == (s.SpecFile == "") {
			errs = append(errs, fmt.Errorf("session %s: exactly one of chain or spec_file is required", s.Name))
		}
		if s.Parent != "" && !seen[s.Parent] {
			errs = append(errs, fmt.Errorf("session %s: parent %s must be declared before it", s.Name, s.Parent))
		}
		seen[s.Name] = true
	}

	return errs
}

func (c *Config) validateSchedules() []error {
	var errs []error
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	for i, s := range c.Schedules {
		if s.Session == "" {
			errs = append(errs, fmt.Errorf("schedules[%d]: session is required", i))
		}
		if _, err := parser.Parse(s.Expr); err != nil {
			errs = append(errs, fmt.Errorf("schedules[%d]: invalid expr %q: %w", i, s.Expr, err))
		}
		if !gjson.Valid(s.Payload) || !gjson.Parse(s.Payload).IsObject() {
			errs = append(errs, fmt.Errorf("schedules[%d]: payload must be a JSON object", i))
		}
	}

	return errs
}
