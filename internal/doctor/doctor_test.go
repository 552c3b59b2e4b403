package doctor

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/drover/internal/config"
)

func validConfig() *config.Config {
	return config.Defaults()
}

func newDoctor(cfg *config.Config) *Doctor {
	d := New(cfg)
	d.lookPath = func(name string) (string, error) {
		if name == "missing-binary" {
			return "", errors.New("not in PATH")
		}
		return "/usr/bin/" + name, nil
	}
	return d
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := newDoctor(validConfig()).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got: %v", r.Warnings)
	}
}

func TestValidate_Spawn(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*config.SpawnConfig)
		want   string
	}{
		{"zero timeout", func(s *config.SpawnConfig) { s.ReadyTimeout = 0 }, "ready_timeout must be positive"},
		{"zero interval", func(s *config.SpawnConfig) { s.PollInterval = 0 }, "poll_interval must be positive"},
		{"interval not shorter", func(s *config.SpawnConfig) { s.PollInterval = s.ReadyTimeout }, "must be shorter"},
		{"negative grace", func(s *config.SpawnConfig) { s.GracePeriod = -time.Second }, "cannot be negative"},
		{"missing executable", func(s *config.SpawnConfig) { s.Executable = "missing-binary" }, "not found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(&cfg.Spawn)
			r := newDoctor(cfg).Validate()
			if r.Valid {
				t.Fatal("expected invalid")
			}
			assertHasError(t, r, "spawn", tc.want)
		})
	}
}

func TestValidate_ShortTimeoutWarns(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Spawn.ReadyTimeout = 500 * time.Millisecond
	r := newDoctor(cfg).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "spawn", "little time")
}

func TestValidate_UnresolvableRunningBinary(t *testing.T) {
	t.Parallel()
	d := newDoctor(validConfig())
	d.executable = func() (string, error) { return "", errors.New("unsupported") }
	assertHasError(t, d.Validate(), "spawn", "running binary")
}

func TestValidate_Instance(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*config.InstanceConfig)
		want   string
	}{
		{"port out of range", func(i *config.InstanceConfig) { i.Port = 70000 }, "out of range"},
		{"port and socket", func(i *config.InstanceConfig) { i.Port = 6000; i.Socket = "/tmp/x.sock" }, "not both"},
		{"socket dir missing", func(i *config.InstanceConfig) { i.Socket = "/definitely/not/here/x.sock" }, "does not exist"},
		{"socket too long", func(i *config.InstanceConfig) { i.Socket = "/tmp/" + strings.Repeat("s", 120) }, "limit"},
		{"bad mode", func(i *config.InstanceConfig) { i.Mode = "swarm" }, "unknown mode"},
		{"bad role", func(i *config.InstanceConfig) { i.Role = "boss" }, "unknown role"},
		{"negative slots", func(i *config.InstanceConfig) { i.Slots = -1 }, "negative"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(&cfg.Instance)
			assertHasError(t, newDoctor(cfg).Validate(), "instance", tc.want)
		})
	}
}

func TestValidate_UnresolvedToken(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Instance.Token = "${DROVER_TOKEN_UNSET}"
	assertHasError(t, newDoctor(cfg).Validate(), "env_vars", "environment variable")
}

func TestValidate_SharedTokenWarns(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Instance.Token = "shared"
	r := newDoctor(cfg).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "instance", "shares instance.token")
}

func TestValidate_Grid(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Grid.Size = 0
	cfg.Grid.Slots = 0
	cfg.Grid.LightSlots = 0
	r := newDoctor(cfg).Validate()
	assertHasError(t, r, "grid", "grid size must be at least 1")
	assertHasError(t, r, "grid", "grid.slots")
	assertHasError(t, r, "grid", "grid.light_slots")

	cfg = validConfig()
	cfg.Grid.Size = 32
	cfg.Grid.LightSlots = 8
	r = newDoctor(cfg).Validate()
	assertHasWarning(t, r, "grid", "serially")
	assertHasWarning(t, r, "grid", "more slots")
}

func TestValidate_StateAndTeardown(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.State = config.StateConfig{}
	cfg.Teardown.CallTimeout = 0
	r := newDoctor(cfg).Validate()
	assertHasError(t, r, "state", "state.path")
	assertHasError(t, r, "state", "state.lock_path")
	assertHasError(t, r, "teardown", "call_timeout")
}

func TestValidate_SourceDigest(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "drover.yaml")
	if err := os.WriteFile(path, []byte("grid:\n  size: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := validConfig()
	cfg.Source = path

	r := newDoctor(cfg).Validate()
	if !strings.HasPrefix(r.Digest, "blake3:") {
		t.Fatalf("expected blake3 digest, got %q", r.Digest)
	}
	if !strings.Contains(FormatHuman(r), r.Digest) {
		t.Fatalf("expected digest in human output")
	}
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:  false,
		Errors: []Issue{{Category: "test", Message: "bad thing"}},
	}
	out, err := FormatJSON(r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "bad thing") {
		t.Fatalf("expected JSON to contain error message, got: %s", out)
	}
}

func TestFormatHuman_Valid(t *testing.T) {
	t.Parallel()
	out := FormatHuman(&Result{Valid: true})
	if !strings.Contains(out, "valid") {
		t.Fatalf("expected 'valid' in output, got: %s", out)
	}
}

func TestFormatHuman_Errors(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:  false,
		Errors: []Issue{{Category: "test", Field: "x.y", Message: "broken"}},
	}
	out := FormatHuman(r)
	if !strings.Contains(out, "ERROR") || !strings.Contains(out, "broken") {
		t.Fatalf("expected error in output, got: %s", out)
	}
}

// --- helpers ---

func assertHasError(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && (strings.Contains(e.Message, substring) || strings.Contains(e.Field, substring)) {
			return
		}
	}
	t.Fatalf("expected error with category=%q containing %q, got: %v", category, substring, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && strings.Contains(w.Message, substring) {
			return
		}
	}
	t.Fatalf("expected warning with category=%q containing %q, got: %v", category, substring, r.Warnings)
}
