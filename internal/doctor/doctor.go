// Package doctor validates drover configuration before a fleet is started.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/drover/internal/config"
)

// maxSocketPath is the smallest sun_path limit across supported platforms.
const maxSocketPath = 104

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Source   string  `json:"source,omitempty"`
	Digest   string  `json:"digest,omitempty"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg *config.Config

	lookPath   func(string) (string, error)
	executable func() (string, error)
}

// New creates a Doctor for cfg.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath, executable: os.Executable}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true, Source: d.cfg.Source}
	if d.cfg.Source != "" {
		if digest, err := config.ComputeBlake3Hash(d.cfg.Source); err == nil {
			r.Digest = "blake3:" + digest
		} else {
			d.addWarning(r, "source", "", fmt.Sprintf("cannot hash config file: %v", err))
		}
	}

	d.validateState(r)
	d.validateSpawn(r)
	d.validateExecutable(r)
	d.validateInstance(r)
	d.validateGrid(r)
	d.validateTeardown(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateState(r *Result) {
	if d.cfg.State.Path == "" {
		d.addError(r, "state", "state.path", "state.path is required")
	}
	if d.cfg.State.LockPath == "" {
		d.addError(r, "state", "state.lock_path", "state.lock_path is required")
	}
}

func (d *Doctor) validateSpawn(r *Result) {
	s := d.cfg.Spawn
	if s.ReadyTimeout <= 0 {
		d.addError(r, "spawn", "spawn.ready_timeout", "ready_timeout must be positive")
	}
	if s.PollInterval <= 0 {
		d.addError(r, "spawn", "spawn.poll_interval", "poll_interval must be positive")
	}
	if s.ReadyTimeout > 0 && s.PollInterval >= s.ReadyTimeout {
		d.addError(r, "spawn", "spawn.poll_interval",
			fmt.Sprintf("poll_interval %s must be shorter than ready_timeout %s", s.PollInterval, s.ReadyTimeout))
	}
	if s.GracePeriod < 0 {
		d.addError(r, "spawn", "spawn.grace_period", "grace_period cannot be negative")
	}
	if s.ReadyTimeout > 0 && s.ReadyTimeout < time.Second {
		d.addWarning(r, "spawn", "spawn.ready_timeout",
			fmt.Sprintf("ready_timeout %s leaves little time for a worker to bind", s.ReadyTimeout))
	}
}

// validateExecutable checks that "<exe> node serve" can be started.
func (d *Doctor) validateExecutable(r *Result) {
	exe := d.cfg.Spawn.Executable
	if exe == "" {
		if _, err := d.executable(); err != nil {
			d.addError(r, "spawn", "spawn.executable",
				fmt.Sprintf("cannot resolve the running binary: %v; set spawn.executable", err))
		}
		return
	}
	if _, err := d.lookPath(exe); err != nil {
		d.addError(r, "spawn", "spawn.executable", fmt.Sprintf("executable %q not found: %v", exe, err))
	}
}

func (d *Doctor) validateInstance(r *Result) {
	inst := d.cfg.Instance

	if inst.Port < 0 || inst.Port > 65535 {
		d.addError(r, "instance", "instance.port", fmt.Sprintf("port %d out of range", inst.Port))
	}
	if inst.Port != 0 && inst.Socket != "" {
		d.addError(r, "instance", "instance.socket", "set either instance.port or instance.socket, not both")
	}
	if inst.Port != 0 {
		d.addWarning(r, "instance", "instance.port",
			"a fixed port lets only one worker run; leave it 0 to allocate per spawn")
	}

	if inst.Socket != "" {
		dir := filepath.Dir(inst.Socket)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			d.addError(r, "instance", "instance.socket", fmt.Sprintf("socket directory %s does not exist", dir))
		}
		if len(inst.Socket) >= maxSocketPath {
			d.addError(r, "instance", "instance.socket",
				fmt.Sprintf("socket path is %d bytes; the limit is %d", len(inst.Socket), maxSocketPath-1))
		}
	}

	switch inst.Mode {
	case "", config.ModeSolo, config.ModeAggregate:
	default:
		d.addError(r, "instance", "instance.mode", fmt.Sprintf("unknown mode %q", inst.Mode))
	}
	switch inst.Role {
	case "", config.RoleInstance, config.RoleDispatcher:
	default:
		d.addError(r, "instance", "instance.role", fmt.Sprintf("unknown role %q", inst.Role))
	}
	if inst.Slots < 0 {
		d.addError(r, "instance", "instance.slots", "slots cannot be negative")
	}

	if strings.Contains(inst.Token, "${") {
		d.addError(r, "env_vars", "instance.token", "token references an unset environment variable")
	} else if inst.Token != "" {
		d.addWarning(r, "instance", "instance.token",
			"every spawned worker shares instance.token; leave it empty to mint one per spawn")
	}
}

func (d *Doctor) validateGrid(r *Result) {
	g := d.cfg.Grid
	if g.Size < 1 {
		d.addError(r, "grid", "grid.size", fmt.Sprintf("grid size must be at least 1 (got %d)", g.Size))
	}
	if g.Slots < 1 {
		d.addError(r, "grid", "grid.slots", "grid.slots must be at least 1")
	}
	if g.LightSlots < 1 {
		d.addError(r, "grid", "grid.light_slots", "grid.light_slots must be at least 1")
	}
	if g.LightSlots > g.Slots && g.Slots > 0 {
		d.addWarning(r, "grid", "grid.light_slots", "light nodes have more slots than full nodes")
	}
	if g.Size > 16 {
		d.addWarning(r, "grid", "grid.size",
			fmt.Sprintf("grid of %d nodes is spawned serially and may take a while", g.Size))
	}
}

func (d *Doctor) validateTeardown(r *Result) {
	if d.cfg.Teardown.CallTimeout <= 0 {
		d.addError(r, "teardown", "teardown.call_timeout", "call_timeout must be positive")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}
	if r.Source != "" {
		fmt.Fprintf(&b, "  source: %s", r.Source)
		if r.Digest != "" {
			fmt.Fprintf(&b, " (%s)", r.Digest)
		}
		b.WriteString("\n")
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
