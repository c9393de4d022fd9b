package backend

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/backend/handle"
	"github.com/vkngwrapper/backend/internal/logging"
	"github.com/vkngwrapper/backend/shader"
)

// ShaderCreate compiles and builds a shader whose pipelines draw into targets with the
// given layout. Zero group and draw capacities take the configured maxima.
func (b *Backend) ShaderCreate(cfg shader.Config, layout TargetLayout) (handle.Handle, error) {
	if b.shaders.Live() >= b.cfg.MaxShaders {
		logging.Logger().Warn("shader limit reached", slog.String("shader", cfg.Name), slog.Int("max", b.cfg.MaxShaders))
		return handle.Invalid, errors.Wrapf(ErrTooManyShaders, "shader %q", cfg.Name)
	}
	pass, err := b.renderPass(layout)
	if err != nil {
		return handle.Invalid, err
	}
	cfg.RenderPass = pass
	cfg.ColorAttachments = layout.ColorCount
	cfg.Wireframe = cfg.Wireframe || b.cfg.Wireframe
	if cfg.MaxGroups == 0 {
		cfg.MaxGroups = b.cfg.MaxShaderGroups
	}
	if cfg.MaxDraws == 0 {
		cfg.MaxDraws = b.cfg.MaxShaderDraws
	}

	s, err := shader.Create(b.dev, b.textures, b.compiler, cfg, b.imageCount)
	if err != nil {
		logging.Logger().Error("shader creation failed", slog.String("shader", cfg.Name), slog.Any("error", err))
		return handle.Invalid, err
	}
	return b.shaders.Acquire(s), nil
}

func (b *Backend) shader(h handle.Handle) (*shader.Shader, error) {
	s, err := b.shaders.Resolve(h)
	if err != nil {
		logging.Logger().Warn("shader lookup failed", slog.String("handle", h.String()))
		return nil, err
	}
	return *s, nil
}

// ShaderDestroy destroys the shader once the device is idle and invalidates *h.
func (b *Backend) ShaderDestroy(h *handle.Handle) error {
	s, err := b.shader(*h)
	if err != nil {
		return err
	}
	if err := s.Destroy(); err != nil {
		return err
	}
	_, err = b.shaders.Release(h)
	return err
}

// ShaderReload recompiles the shader's stages. The shader keeps working with its old
// pipelines if that fails.
func (b *Backend) ShaderReload(h handle.Handle) error {
	s, err := b.shader(h)
	if err != nil {
		return err
	}
	return s.Reload()
}

// ShaderUse binds the shader's pipeline into the frame being recorded.
func (b *Backend) ShaderUse(h handle.Handle) error {
	s, err := b.shader(h)
	if err != nil {
		return err
	}
	f, err := b.shaderFrame()
	if err != nil {
		return err
	}
	return s.Use(f)
}

func (b *Backend) ShaderSetTopology(h handle.Handle, topology core1_0.PrimitiveTopology) error {
	s, err := b.shader(h)
	if err != nil {
		return err
	}
	return s.SetTopology(topology)
}

func (b *Backend) ShaderSetWireframe(h handle.Handle, wireframe bool) error {
	s, err := b.shader(h)
	if err != nil {
		return err
	}
	s.SetWireframe(wireframe)
	return nil
}

func (b *Backend) ShaderAcquireGroup(h handle.Handle) (int, error) {
	s, err := b.shader(h)
	if err != nil {
		return -1, err
	}
	return s.AcquireGroup()
}

func (b *Backend) ShaderReleaseGroup(h handle.Handle, id int) error {
	s, err := b.shader(h)
	if err != nil {
		return err
	}
	return s.ReleaseGroup(id)
}

func (b *Backend) ShaderAcquireDraw(h handle.Handle) (int, error) {
	s, err := b.shader(h)
	if err != nil {
		return -1, err
	}
	return s.AcquireDraw()
}

func (b *Backend) ShaderReleaseDraw(h handle.Handle, id int) error {
	s, err := b.shader(h)
	if err != nil {
		return err
	}
	return s.ReleaseDraw(id)
}

func (b *Backend) ShaderBindGroup(h handle.Handle, id int) error {
	s, err := b.shader(h)
	if err != nil {
		return err
	}
	return s.BindGroup(id)
}

func (b *Backend) ShaderBindDraw(h handle.Handle, id int) error {
	s, err := b.shader(h)
	if err != nil {
		return err
	}
	return s.BindDraw(id)
}

func (b *Backend) ShaderApplyPerFrame(h handle.Handle) error {
	s, err := b.shader(h)
	if err != nil {
		return err
	}
	return s.ApplyPerFrame()
}

func (b *Backend) ShaderApplyPerGroup(h handle.Handle) error {
	s, err := b.shader(h)
	if err != nil {
		return err
	}
	return s.ApplyPerGroup()
}

func (b *Backend) ShaderApplyPerDraw(h handle.Handle) error {
	s, err := b.shader(h)
	if err != nil {
		return err
	}
	return s.ApplyPerDraw()
}

// ShaderUniformLocation returns the location of a uniform for ShaderSetUniformAt.
func (b *Backend) ShaderUniformLocation(h handle.Handle, name string) (int, error) {
	s, err := b.shader(h)
	if err != nil {
		return -1, err
	}
	return s.Location(name)
}

// ShaderSetUniform writes a scalar, vector, matrix or custom uniform by name.
// Group and draw uniforms go to the bound state.
func (b *Backend) ShaderSetUniform(h handle.Handle, name string, arrayIndex int, value any) error {
	s, err := b.shader(h)
	if err != nil {
		return err
	}
	return s.SetUniformByName(name, arrayIndex, value)
}

func (b *Backend) ShaderSetUniformAt(h handle.Handle, location, arrayIndex int, value any) error {
	s, err := b.shader(h)
	if err != nil {
		return err
	}
	return s.SetUniform(location, arrayIndex, value)
}

// ShaderSetSampler assigns a sampler to a sampler uniform.
func (b *Backend) ShaderSetSampler(h handle.Handle, name string, arrayIndex int, sampler handle.Handle) error {
	s, err := b.shader(h)
	if err != nil {
		return err
	}
	location, err := s.Location(name)
	if err != nil {
		return err
	}
	return s.SetSampler(location, arrayIndex, sampler)
}

// ShaderSetTexture assigns a texture to a texture uniform.
func (b *Backend) ShaderSetTexture(h handle.Handle, name string, arrayIndex int, tex handle.Handle) error {
	s, err := b.shader(h)
	if err != nil {
		return err
	}
	location, err := s.Location(name)
	if err != nil {
		return err
	}
	return s.SetTexture(location, arrayIndex, tex)
}
