package config

import "time"

// Node roles.
const (
	RoleInstance   = "instance"
	RoleDispatcher = "dispatcher"
)

// Operating modes.
const (
	// ModeSolo is the default: an instance only answers for itself.
	ModeSolo = "solo"
	// ModeAggregate makes an instance coordinate across the whole grid chain.
	ModeAggregate = "aggregate"
)

// Config represents the complete drover configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	State    StateConfig    `yaml:"state"`
	Instance InstanceConfig `yaml:"instance"`
	Spawn    SpawnConfig    `yaml:"spawn"`
	Grid     GridConfig     `yaml:"grid"`
	Teardown TeardownConfig `yaml:"teardown"`

	// Source is the file the config was loaded from; empty for built-in defaults.
	Source string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines where the orchestrator keeps its local files.
type StateConfig struct {
	Path     string `yaml:"path"`
	LockPath string `yaml:"lock_path"`
}

// InstanceConfig is both the process-wide default for spawned workers and the
// per-call request that is merged over it. The merged value is what the child
// process applies.
type InstanceConfig struct {
	Role   string `yaml:"role,omitempty" json:"role,omitempty"`
	Host   string `yaml:"host,omitempty" json:"host,omitempty"`
	Port   int    `yaml:"port,omitempty" json:"port,omitempty"`
	Socket string `yaml:"socket,omitempty" json:"socket,omitempty"`
	Token  string `yaml:"token,omitempty" json:"token,omitempty"`
	Mode   string `yaml:"mode,omitempty" json:"mode,omitempty"`
	Slots  int    `yaml:"slots,omitempty" json:"slots,omitempty"`
	Light  bool   `yaml:"light,omitempty" json:"light,omitempty"`

	// GridSize is the chain length for grid requests.
	GridSize int `yaml:"grid_size,omitempty" json:"grid_size,omitempty"`

	// Grid wiring, set by the grid builder.
	Neighbour      string `yaml:"-" json:"neighbour,omitempty"`
	NeighbourToken string `yaml:"-" json:"neighbour_token,omitempty"`
	PipeID         string `yaml:"-" json:"pipe_id,omitempty"`

	// Upstream is the dispatcher that handed this instance out.
	Upstream      string `yaml:"-" json:"upstream,omitempty"`
	UpstreamToken string `yaml:"-" json:"upstream_token,omitempty"`

	Settings map[string]string `yaml:"settings,omitempty" json:"settings,omitempty"`
}

// SpawnConfig controls worker launching and the readiness wait.
type SpawnConfig struct {
	ReadyTimeout time.Duration `yaml:"ready_timeout" json:"ready_timeout"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	GracePeriod  time.Duration `yaml:"grace_period" json:"grace_period"`
	// Executable is the binary re-executed as "<exe> node serve". Empty means the running binary.
	Executable string `yaml:"executable,omitempty" json:"executable,omitempty"`
}

// GridConfig defines grid defaults.
type GridConfig struct {
	Size       int `yaml:"size" json:"size"`
	Slots      int `yaml:"slots" json:"slots"`
	LightSlots int `yaml:"light_slots" json:"light_slots"`
}

// TeardownConfig bounds the remote calls made while tearing the fleet down.
type TeardownConfig struct {
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "drover",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path:     "./data/drover.db",
			LockPath: "./data/drover.lock",
		},
		Instance: InstanceConfig{
			Host:  "localhost",
			Mode:  ModeSolo,
			Slots: 1,
		},
		Spawn: SpawnConfig{
			ReadyTimeout: 10 * time.Second,
			PollInterval: 100 * time.Millisecond,
			GracePeriod:  2 * time.Second,
		},
		Grid: GridConfig{
			Size:       3,
			Slots:      4,
			LightSlots: 1,
		},
		Teardown: TeardownConfig{
			CallTimeout: 2 * time.Second,
		},
	}
}
