package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPath(t *testing.T) {
	cfg := Defaults()
	cfg.Instance.Settings = map[string]string{"region": "eu"}

	tests := []struct {
		name    string
		path    string
		want    any
		wantErr bool
	}{
		{name: "root field", path: "service.name", want: "drover"},
		{name: "int field", path: "grid.size", want: 3},
		{name: "duration field", path: "spawn.ready_timeout", want: "10s"},
		{name: "nested map", path: "instance.settings.region", want: "eu"},
		{name: "missing key", path: "service.missing", wantErr: true},
		{name: "through a scalar", path: "grid.size.more", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cfg.GetPath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSetPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drover.yaml")
	original := "# fleet defaults\ngrid:\n  size: 3 # chain length\n"
	require.NoError(t, os.WriteFile(path, []byte(original), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, cfg.SetPath("grid.size", "5"))
	require.NoError(t, cfg.SetPath("spawn.ready_timeout", "30s"))

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, reloaded.Grid.Size)
	assert.Equal(t, "30s", reloaded.Spawn.ReadyTimeout.String())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# fleet defaults")
	assert.Contains(t, string(data), "# chain length")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSetPathRollsBackInvalidEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drover.yaml")
	original := "grid:\n  size: 3\n"
	require.NoError(t, os.WriteFile(path, []byte(original), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	err = cfg.SetPath("grid.size", "-2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, string(data))
}

func TestSetPathNeedsSource(t *testing.T) {
	assert.Error(t, Defaults().SetPath("grid.size", "2"))
}

func TestGuessTag(t *testing.T) {
	assert.Equal(t, "!!bool", guessTag("true"))
	assert.Equal(t, "!!int", guessTag("-12"))
	assert.Equal(t, "!!str", guessTag("-"))
	assert.Equal(t, "!!str", guessTag("10s"))
	assert.Equal(t, "!!str", guessTag(""))
}
