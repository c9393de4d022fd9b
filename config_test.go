package backend

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "backend.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
application_name = "demo"
validation = true
vsync = false
max_frames_in_flight = 3
max_shader_groups = 16
secondary_recording = true
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "demo", cfg.ApplicationName)
	assert.True(t, cfg.Validation)
	assert.False(t, cfg.VSync)
	assert.Equal(t, 3, cfg.MaxFramesInFlight)
	assert.Equal(t, 16, cfg.MaxShaderGroups)
	assert.True(t, cfg.SecondaryRecording)
	assert.Equal(t, DefaultConfig().MaxShaderDraws, cfg.MaxShaderDraws)
	assert.Equal(t, DefaultConfig().StagingBufferSize, cfg.StagingBufferSize)
}

func TestFramesInFlightClamped(t *testing.T) {
	for _, tc := range []struct {
		in, want int
	}{
		{0, 1},
		{-4, 1},
		{2, 2},
		{3, 3},
		{8, 3},
	} {
		cfg := DefaultConfig()
		cfg.MaxFramesInFlight = tc.in
		assert.Equal(t, tc.want, cfg.normalized().MaxFramesInFlight, "in %d", tc.in)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "max_frames_in_flight = \"two\""))
	require.Error(t, err)
}
