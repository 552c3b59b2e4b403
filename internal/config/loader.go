package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file.
// A directory is accepted if it contains drover.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "drover.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but drover.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.Source = absPath
	return cfg, nil
}

// Parse decodes yaml, applies env interpolation and defaults, and validates.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyConfigDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Discover finds a config file by checking standard locations.
// Priority order: $DROVER_CONFIG, ~/.config/drover/config.yaml, ./drover.yaml.
// An empty path with a nil error means no file exists and defaults apply.
func Discover() (string, error) {
	if p := os.Getenv("DROVER_CONFIG"); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("$DROVER_CONFIG points at missing file %s", p)
		}
		return p, nil
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "drover", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	if _, err := os.Stat("./drover.yaml"); err == nil {
		return "./drover.yaml", nil
	}
	return "", nil
}

// LoadOrDefault loads configPath, or the discovered file, or the built-in defaults.
func LoadOrDefault(configPath string) (*Config, error) {
	if configPath == "" {
		discovered, err := Discover()
		if err != nil {
			return nil, err
		}
		if discovered == "" {
			return Defaults(), nil
		}
		configPath = discovered
	}
	return Load(configPath)
}

// applyConfigDefaults fills every zero field from Defaults().
func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.State.LockPath == "" {
		cfg.State.LockPath = filepath.Join(filepath.Dir(cfg.State.Path), "drover.lock")
	}

	if cfg.Instance.Host == "" && cfg.Instance.Socket == "" {
		cfg.Instance.Host = defaults.Instance.Host
	}
	if cfg.Instance.Mode == "" {
		cfg.Instance.Mode = defaults.Instance.Mode
	}
	if cfg.Instance.Slots == 0 {
		cfg.Instance.Slots = defaults.Instance.Slots
	}

	if cfg.Spawn.ReadyTimeout == 0 {
		cfg.Spawn.ReadyTimeout = defaults.Spawn.ReadyTimeout
	}
	if cfg.Spawn.PollInterval == 0 {
		cfg.Spawn.PollInterval = defaults.Spawn.PollInterval
	}
	if cfg.Spawn.GracePeriod == 0 {
		cfg.Spawn.GracePeriod = defaults.Spawn.GracePeriod
	}

	if cfg.Grid.Size == 0 {
		cfg.Grid.Size = defaults.Grid.Size
	}
	if cfg.Grid.Slots == 0 {
		cfg.Grid.Slots = defaults.Grid.Slots
	}
	if cfg.Grid.LightSlots == 0 {
		cfg.Grid.LightSlots = defaults.Grid.LightSlots
	}

	if cfg.Teardown.CallTimeout == 0 {
		cfg.Teardown.CallTimeout = defaults.Teardown.CallTimeout
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Spawn.ReadyTimeout <= 0 {
		return fmt.Errorf("spawn.ready_timeout must be positive")
	}
	if cfg.Spawn.PollInterval <= 0 {
		return fmt.Errorf("spawn.poll_interval must be positive")
	}

	if cfg.Instance.Port < 0 || cfg.Instance.Port > 65535 {
		return fmt.Errorf("instance.port out of range: %d", cfg.Instance.Port)
	}
	if cfg.Instance.Mode != ModeSolo && cfg.Instance.Mode != ModeAggregate {
		return fmt.Errorf("instance.mode must be %s or %s (got %q)", ModeSolo, ModeAggregate, cfg.Instance.Mode)
	}
	if envVarPattern.MatchString(cfg.Instance.Token) {
		matches := envVarPattern.FindStringSubmatch(cfg.Instance.Token)
		return fmt.Errorf("instance.token: environment variable ${%s} is not set", matches[1])
	}

	if cfg.Grid.Size < 1 {
		return fmt.Errorf("grid.size must be at least 1 (got %d)", cfg.Grid.Size)
	}
	if cfg.Grid.Slots < 1 || cfg.Grid.LightSlots < 1 {
		return fmt.Errorf("grid.slots and grid.light_slots must be at least 1")
	}

	if cfg.Teardown.CallTimeout <= 0 {
		return fmt.Errorf("teardown.call_timeout must be positive")
	}
	return nil
}
