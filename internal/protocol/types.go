// Package protocol defines the launch envelope a parent writes to a forked
// node's stdin.
package protocol

import "github.com/mattjoyce/drover/internal/config"

// Version is the only envelope version understood by this build.
const Version = 1

// Launch carries everything a child needs to become a node.
type Launch struct {
	Protocol  int                   `json:"protocol"`
	Config    config.InstanceConfig `json:"config"`
	LogLevel  string                `json:"log_level,omitempty"`
	LogFormat string                `json:"log_format,omitempty"`
	// Spawn and grid settings are forwarded so dispatcher nodes can run
	// their own fleet with the same policy.
	Spawn    config.SpawnConfig    `json:"spawn"`
	Grid     config.GridConfig     `json:"grid"`
	Teardown config.TeardownConfig `json:"teardown"`
}

// NewLaunch builds an envelope for inst using the process-wide cfg.
func NewLaunch(cfg *config.Config, inst config.InstanceConfig) *Launch {
	return &Launch{
		Protocol:  Version,
		Config:    inst,
		LogLevel:  cfg.Service.LogLevel,
		LogFormat: cfg.Service.LogFormat,
		Spawn:     cfg.Spawn,
		Grid:      cfg.Grid,
		Teardown:  cfg.Teardown,
	}
}

// Runtime rebuilds the process-wide configuration a node runs with.
func (l *Launch) Runtime() *config.Config {
	cfg := config.Defaults()
	cfg.Instance = l.Config
	if l.LogLevel != "" {
		cfg.Service.LogLevel = l.LogLevel
	}
	if l.LogFormat != "" {
		cfg.Service.LogFormat = l.LogFormat
	}
	if l.Spawn.ReadyTimeout > 0 {
		cfg.Spawn = l.Spawn
	}
	if l.Grid.Size > 0 {
		cfg.Grid = l.Grid
	}
	if l.Teardown.CallTimeout > 0 {
		cfg.Teardown = l.Teardown
	}
	return cfg
}
