package backend

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
)

// Config holds the settings the host passes at initialization.
type Config struct {
	ApplicationName string `toml:"application_name"`
	// Validation enables the Khronos validation layer and routes its messages to the logger.
	Validation  bool `toml:"validation"`
	VSync       bool `toml:"vsync"`
	PowerSaving bool `toml:"power_saving"`
	// MaxFramesInFlight bounds how many frames the CPU may record ahead of the GPU.
	MaxFramesInFlight int `toml:"max_frames_in_flight"`
	// StagingBufferSize is the size of each frame slot's staging buffer in bytes.
	StagingBufferSize int `toml:"staging_buffer_size"`
	MaxShaderGroups   int `toml:"max_shader_groups"`
	MaxShaderDraws    int `toml:"max_shader_draws"`
	MaxShaders        int `toml:"max_shaders"`
	// Wireframe builds line-fill variants of every pipeline when the device supports them.
	Wireframe bool `toml:"wireframe"`
	// SecondaryRecording records each rendering scope into a secondary command buffer
	// that the frame's primary buffer executes when the scope ends.
	SecondaryRecording bool `toml:"secondary_recording"`
}

const (
	minFramesInFlight = 1
	maxFramesInFlight = 3
)

// DefaultConfig returns the settings used for anything a config file leaves out.
func DefaultConfig() Config {
	return Config{
		ApplicationName:   "vkngwrapper backend",
		VSync:             true,
		MaxFramesInFlight: 2,
		StagingBufferSize: 64 << 20,
		MaxShaderGroups:   1024,
		MaxShaderDraws:    4096,
		MaxShaders:        1024,
	}
}

// LoadConfig reads a TOML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg.normalized(), nil
}

func (c Config) normalized() Config {
	if c.MaxFramesInFlight < minFramesInFlight {
		c.MaxFramesInFlight = minFramesInFlight
	}
	if c.MaxFramesInFlight > maxFramesInFlight {
		c.MaxFramesInFlight = maxFramesInFlight
	}
	if c.StagingBufferSize < 0 {
		c.StagingBufferSize = 0
	}
	defaults := DefaultConfig()
	if c.MaxShaderGroups <= 0 {
		c.MaxShaderGroups = defaults.MaxShaderGroups
	}
	if c.MaxShaderDraws <= 0 {
		c.MaxShaderDraws = defaults.MaxShaderDraws
	}
	if c.MaxShaders <= 0 {
		c.MaxShaders = defaults.MaxShaders
	}
	return c
}
