package texture

import (
	"log/slog"

	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/backend/handle"
	"github.com/vkngwrapper/backend/internal/logging"
)

// SamplerConfig describes how a sampler filters and addresses a texture.
type SamplerConfig struct {
	MinFilter core1_0.Filter
	MagFilter core1_0.Filter
	// Repeat selects repeat addressing; otherwise coordinates clamp to the edge.
	Repeat bool
	// Anisotropy is the requested maximum anisotropy. Zero disables it.
	Anisotropy float32
	MipLevels  int
}

// DefaultSamplerConfig is linear filtering with repeat addressing.
func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{
		MinFilter: core1_0.FilterLinear,
		MagFilter: core1_0.FilterLinear,
		Repeat:    true,
		MipLevels: 1,
	}
}

// Sampler is the record stored behind a sampler handle.
type Sampler struct {
	Handle     core1_0.Sampler
	Config     SamplerConfig
	Generation uint32
}

func (m *Manager) createSampler(cfg SamplerConfig) (core1_0.Sampler, error) {
	mode := core1_0.SamplerAddressModeClampToEdge
	if cfg.Repeat {
		mode = core1_0.SamplerAddressModeRepeat
	}
	anisotropy := cfg.Anisotropy
	if anisotropy > m.dev.Limits.MaxSamplerAnisotropy {
		anisotropy = m.dev.Limits.MaxSamplerAnisotropy
	}
	enabled := anisotropy > 1 && m.dev.Caps.SamplerAnisotropy
	if !enabled {
		if cfg.Anisotropy > 1 {
			logging.Logger().Debug("sampler anisotropy unavailable, disabling",
				slog.Float64("requested", float64(cfg.Anisotropy)))
		}
		anisotropy = 1
	}
	mips := cfg.MipLevels
	if mips < 1 {
		mips = 1
	}

	return m.dev.API.CreateSampler(core1_0.SamplerCreateInfo{
		MagFilter:    cfg.MagFilter,
		MinFilter:    cfg.MinFilter,
		AddressModeU: mode,
		AddressModeV: mode,
		AddressModeW: mode,

		AnisotropyEnable: enabled,
		MaxAnisotropy:    anisotropy,

		BorderColor: core1_0.BorderColorIntOpaqueBlack,

		MipmapMode: core1_0.SamplerMipmapModeLinear,
		MinLod:     0,
		MaxLod:     float32(mips),
	})
}

// AcquireSampler creates a sampler.
func (m *Manager) AcquireSampler(cfg SamplerConfig) (handle.Handle, error) {
	native, err := m.createSampler(cfg)
	if err != nil {
		return handle.Invalid, err
	}
	return m.samplers.Acquire(&Sampler{Handle: native, Config: cfg}), nil
}

// ResolveSampler returns the sampler h names.
func (m *Manager) ResolveSampler(h handle.Handle) (*Sampler, error) {
	s, err := m.samplers.Resolve(h)
	if err != nil {
		return nil, err
	}
	return *s, nil
}

// ReleaseSampler destroys the sampler once the device is idle and invalidates *h.
func (m *Manager) ReleaseSampler(h *handle.Handle) error {
	if _, err := m.samplers.Resolve(*h); err != nil {
		return err
	}
	if err := m.dev.WaitIdle(); err != nil {
		return err
	}
	s, err := m.samplers.Release(h)
	if err != nil {
		return err
	}
	m.dev.API.DestroySampler(s.Handle)
	return nil
}

// RefreshSampler rebuilds the sampler with cfg, keeping its handle.
func (m *Manager) RefreshSampler(h handle.Handle, cfg SamplerConfig) error {
	s, err := m.ResolveSampler(h)
	if err != nil {
		return err
	}
	native, err := m.createSampler(cfg)
	if err != nil {
		return err
	}
	if err := m.dev.WaitIdle(); err != nil {
		m.dev.API.DestroySampler(native)
		return err
	}
	m.dev.API.DestroySampler(s.Handle)
	s.Handle = native
	s.Config = cfg
	s.Generation++
	return nil
}
