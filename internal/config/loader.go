package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. LIGHTMUX_GATEWAY_PORT.
const EnvPrefix = "LIGHTMUX"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader. An empty path selects ~/.lightmux/lightmux.json.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file, applies environment overrides and fills in derived paths. A
// missing file yields the defaults with overrides applied.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, errors.New("failed to determine config path")
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	registerDefaults(v, DefaultConfig())

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.resolvePaths(cfg, filepath.Dir(configPath)); err != nil {
		return nil, err
	}

	return cfg, nil
}

// resolvePaths fills in the data directory defaults and makes file references relative to the
// config file absolute.
func (l *Loader) resolvePaths(cfg *Config, base string) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".lightmux")
	}

	if cfg.ChainSpecs.Dir == "" {
		cfg.ChainSpecs.Dir = filepath.Join(cfg.DataDir, "chains")
	}

	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}

	cfg.ChainSpecs.Dir = abs(cfg.ChainSpecs.Dir)
	cfg.Logging.File = abs(cfg.Logging.File)
	for i := range cfg.Sessions {
		cfg.Sessions[i].SpecFile = abs(cfg.Sessions[i].SpecFile)
		cfg.Sessions[i].DatabaseFile = abs(cfg.Sessions[i].DatabaseFile)
	}

	return nil
}

// registerDefaults makes viper aware of every scalar key so environment overrides apply even
// when the file omits the key.
func registerDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("engine.system_name", cfg.Engine.SystemName)
	v.SetDefault("engine.system_version", cfg.Engine.SystemVersion)
	v.SetDefault("engine.max_sessions", cfg.Engine.MaxSessions)
	v.SetDefault("engine.max_pending_responses", cfg.Engine.MaxPendingResponses)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)

	v.SetDefault("gateway.enabled", cfg.Gateway.Enabled)
	v.SetDefault("gateway.host", cfg.Gateway.Host)
	v.SetDefault("gateway.port", cfg.Gateway.Port)
	v.SetDefault("gateway.shared_secret", cfg.Gateway.SharedSecret)
	v.SetDefault("gateway.tick_interval_seconds", cfg.Gateway.TickIntervalSeconds)
	v.SetDefault("gateway.requests_per_minute", cfg.Gateway.RequestsPerMinute)
	v.SetDefault("gateway.max_concurrent", cfg.Gateway.MaxConcurrent)

	v.SetDefault("chain_specs.dir", cfg.ChainSpecs.Dir)
	v.SetDefault("chain_specs.watch", cfg.ChainSpecs.Watch)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)

	v.SetDefault("data_dir", cfg.DataDir)
}

// Save writes cfg as JSON to the config path.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return errors.New("failed to determine config path")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(cfg.String()), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".lightmux", "lightmux.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
