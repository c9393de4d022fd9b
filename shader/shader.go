// Package shader maps a shader's declared uniforms onto descriptor sets, uniform buffers
// and push constants, and keeps its pipelines.
//
// Uniforms are grouped in three tiers by Frequency. Each tier that declares a scalar
// uniform or a sampler/texture gets one descriptor set, with set indices compacted over
// the tiers present. Within a set the uniform buffer, if any, is binding 0 and each
// sampler or texture uniform follows in declaration order. Per-draw scalars never use a
// descriptor set; they are pushed as constants on every draw.
package shader

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/backend/buffer"
	"github.com/vkngwrapper/backend/command"
	"github.com/vkngwrapper/backend/device"
	"github.com/vkngwrapper/backend/handle"
	"github.com/vkngwrapper/backend/internal/logging"
	"github.com/vkngwrapper/backend/pipeline"
	"github.com/vkngwrapper/backend/texture"
)

var (
	// ErrCapacityExceeded is returned when every group or draw state is in use.
	ErrCapacityExceeded = errors.New("shader state capacity exceeded")
	// ErrNotBound is returned when a group or draw uniform is used with no state bound.
	ErrNotBound = errors.New("no shader state bound")
	// ErrSamplerUniform is returned when a sampler or texture uniform is set as bytes.
	ErrSamplerUniform = errors.New("sampler and texture uniforms cannot be set as values")
	// ErrArrayIndex is returned for an array index outside a uniform's declared length.
	ErrArrayIndex = errors.New("uniform array index out of range")
	// ErrUnknownUniform is returned for a uniform name or location the shader lacks.
	ErrUnknownUniform = errors.New("unknown uniform")
)

// Resources resolves the texture and sampler handles assigned to uniforms.
type Resources interface {
	Resolve(h handle.Handle) (*texture.Texture, error)
	ResolveSampler(h handle.Handle) (*texture.Sampler, error)
	Defaults() (texture, sampler handle.Handle)
}

var _ Resources = (*texture.Manager)(nil)

// Frame identifies the frame being recorded.
type Frame struct {
	Cmd        *command.Buffer
	ImageIndex int
	Number     uint64
}

// tier is the layout of one Frequency.
type tier struct {
	freq    Frequency
	present bool
	// hasLayout is set once layout has been created.
	hasLayout bool
	setIndex  int
	layout    core1_0.DescriptorSetLayout

	scalars   []*uniform
	resources []*uniform
	blockSize int
	// stride is blockSize aligned to the device's uniform buffer offset alignment.
	stride int
	hasUBO bool
	max    int
}

func (t *tier) descriptorCount(kind UniformType) int {
	n := 0
	for _, u := range t.resources {
		if u.Type == kind {
			n += u.length()
		}
	}
	return n
}

type module struct {
	kind   StageKind
	handle core1_0.ShaderModule
}

// Shader is a compiled shader with its binding state.
type Shader struct {
	dev       *device.Device
	resources Resources
	compiler  Compiler
	cfg       Config

	Name       string
	imageCount int

	uniforms []*uniform
	byName   map[string]int
	tiers    [frequencyCount]*tier

	modules   []module
	pipelines *pipeline.Set

	pool           core1_0.DescriptorPool
	hasPool        bool
	freeList       *buffer.FreeList
	uniformBuffers []*buffer.Buffer

	frameState *FrequencyState
	groups     []FrequencyState
	draws      []FrequencyState
	boundGroup int
	boundDraw  int

	topology  core1_0.PrimitiveTopology
	wireframe bool
	frame     Frame
}

// Create compiles cfg's stages and builds every object the shader binds through.
// imageCount is the current swapchain image count.
func Create(dev *device.Device, resources Resources, compiler Compiler, cfg Config, imageCount int) (*Shader, error) {
	if imageCount < 1 {
		return nil, errors.Newf("shader %q: image count %d", cfg.Name, imageCount)
	}
	if cfg.Classes == 0 {
		cfg.Classes = pipeline.ClassSet(pipeline.ClassTriangle)
	}
	if cfg.MaxGroups < 0 || cfg.MaxDraws < 0 {
		return nil, errors.Newf("shader %q: negative state capacity", cfg.Name)
	}

	s := &Shader{
		dev:        dev,
		resources:  resources,
		compiler:   compiler,
		cfg:        cfg,
		Name:       cfg.Name,
		imageCount: imageCount,
		byName:     map[string]int{},
		boundGroup: -1,
		boundDraw:  -1,
		wireframe:  cfg.Wireframe,
	}
	for class := pipeline.ClassPoint; class <= pipeline.ClassTriangle; class++ {
		if cfg.Classes.Has(class) {
			s.topology = [...]core1_0.PrimitiveTopology{
				core1_0.PrimitiveTopologyPointList,
				core1_0.PrimitiveTopologyLineList,
				core1_0.PrimitiveTopologyTriangleList,
			}[class]
		}
	}

	if err := s.layoutUniforms(); err != nil {
		return nil, err
	}

	ok := false
	defer func() {
		if !ok {
			s.destroy()
		}
	}()

	modules, err := s.createModules()
	if err != nil {
		return nil, err
	}
	s.modules = modules

	if err := s.createSetLayouts(); err != nil {
		return nil, err
	}
	if err := s.createPerImage(); err != nil {
		return nil, err
	}

	s.pipelines, err = s.createPipelines(s.modules)
	if err != nil {
		return nil, err
	}

	s.groups = newStates(cfg.MaxGroups)
	s.draws = newStates(cfg.MaxDraws)
	if t := s.tiers[PerFrame]; t.present {
		s.frameState = &FrequencyState{ID: 0}
		if err := s.initState(t, s.frameState); err != nil {
			return nil, err
		}
	}

	ok = true
	logging.Logger().Debug("shader created",
		slog.String("shader", s.Name),
		slog.Int("uniforms", len(s.uniforms)),
		slog.Int("descriptorSets", s.SetCount()))
	return s, nil
}

func (s *Shader) layoutUniforms() error {
	for f := Frequency(0); f < frequencyCount; f++ {
		s.tiers[f] = &tier{freq: f}
	}
	s.tiers[PerFrame].max = 1
	s.tiers[PerGroup].max = s.cfg.MaxGroups
	s.tiers[PerDraw].max = s.cfg.MaxDraws

	for i, decl := range s.cfg.Uniforms {
		if decl.Frequency < 0 || decl.Frequency >= frequencyCount {
			return errors.Newf("shader %q uniform %q: unknown frequency %d", s.cfg.Name, decl.Name, decl.Frequency)
		}
		if _, dup := s.byName[decl.Name]; dup {
			return errors.Newf("shader %q declares uniform %q twice", s.cfg.Name, decl.Name)
		}
		u := &uniform{Uniform: decl, index: i}
		t := s.tiers[decl.Frequency]
		if decl.Type.IsResource() {
			u.slot = len(t.resources)
			t.resources = append(t.resources, u)
		} else {
			size, err := u.place(t.blockSize)
			if err != nil {
				return errors.Wrapf(err, "shader %q", s.cfg.Name)
			}
			t.blockSize = size
			t.scalars = append(t.scalars, u)
		}
		s.uniforms = append(s.uniforms, u)
		s.byName[decl.Name] = i
	}

	if s.tiers[PerDraw].blockSize > PushConstantSize {
		return errors.Newf("shader %q: per-draw uniforms need %d bytes, push constants hold %d",
			s.cfg.Name, s.tiers[PerDraw].blockSize, PushConstantSize)
	}

	setIndex := 0
	for f := Frequency(0); f < frequencyCount; f++ {
		t := s.tiers[f]
		t.hasUBO = f != PerDraw && len(t.scalars) > 0
		if t.hasUBO {
			t.stride = alignUp(t.blockSize, s.dev.Limits.MinUniformBufferOffsetAlignment)
		}
		t.present = t.hasUBO || len(t.resources) > 0
		if t.present && t.max == 0 {
			return errors.Newf("shader %q declares %s uniforms but allows no %s states", s.cfg.Name, f, f)
		}
		if !t.present {
			continue
		}
		t.setIndex = setIndex
		setIndex++

		binding := 0
		if t.hasUBO {
			binding = 1
		}
		for _, u := range t.resources {
			u.binding = binding
			binding++
		}
	}
	return nil
}

// SetCount returns the number of descriptor sets a pipeline layout of this shader has.
func (s *Shader) SetCount() int {
	n := 0
	for _, t := range s.tiers {
		if t != nil && t.present {
			n++
		}
	}
	return n
}

func (s *Shader) createModules() ([]module, error) {
	code, err := compileStages(s.compiler, s.Name, s.cfg.Stages)
	if err != nil {
		return nil, err
	}
	var modules []module
	for i, stage := range s.cfg.Stages {
		h, err := s.dev.API.CreateShaderModule(code[i])
		if err != nil {
			for _, m := range modules {
				s.dev.API.DestroyShaderModule(m.handle)
			}
			return nil, errors.Wrapf(err, "shader %q %s module", s.Name, stage.Kind)
		}
		modules = append(modules, module{kind: stage.Kind, handle: h})
	}
	return modules, nil
}

func (s *Shader) createSetLayouts() error {
	for _, t := range s.tiers {
		if !t.present {
			continue
		}
		var bindings []core1_0.DescriptorSetLayoutBinding
		if t.hasUBO {
			bindings = append(bindings, core1_0.DescriptorSetLayoutBinding{
				Binding:         0,
				DescriptorType:  core1_0.DescriptorTypeUniformBuffer,
				DescriptorCount: 1,
				StageFlags:      core1_0.StageVertex | core1_0.StageFragment,
			})
		}
		for _, u := range t.resources {
			kind := core1_0.DescriptorTypeSampledImage
			if u.Type == Sampler {
				kind = core1_0.DescriptorTypeSampler
			}
			bindings = append(bindings, core1_0.DescriptorSetLayoutBinding{
				Binding:         u.binding,
				DescriptorType:  kind,
				DescriptorCount: u.length(),
				StageFlags:      core1_0.StageVertex | core1_0.StageFragment,
			})
		}
		layout, err := s.dev.API.CreateDescriptorSetLayout(bindings)
		if err != nil {
			return errors.Wrapf(err, "shader %q %s set layout", s.Name, t.freq)
		}
		t.layout = layout
		t.hasLayout = true
	}
	return nil
}

// createPerImage creates the descriptor pool and the uniform buffers, whose sizes
// depend on the image count.
func (s *Shader) createPerImage() error {
	var uniformBuffers, samplers, images, sets int
	for _, t := range s.tiers {
		if !t.present {
			continue
		}
		sets += t.max
		if t.hasUBO {
			uniformBuffers += t.max
		}
		samplers += t.max * t.descriptorCount(Sampler)
		images += t.max * t.descriptorCount(Texture)
	}

	if sets > 0 {
		var sizes []core1_0.DescriptorPoolSize
		add := func(kind core1_0.DescriptorType, count int) {
			if count > 0 {
				sizes = append(sizes, core1_0.DescriptorPoolSize{Type: kind, DescriptorCount: count * s.imageCount})
			}
		}
		add(core1_0.DescriptorTypeUniformBuffer, uniformBuffers)
		add(core1_0.DescriptorTypeSampler, samplers)
		add(core1_0.DescriptorTypeSampledImage, images)

		pool, err := s.dev.API.CreateDescriptorPool(core1_0.DescriptorPoolCreateInfo{
			Flags:     core1_0.DescriptorPoolCreateFreeDescriptorSet,
			MaxSets:   sets * s.imageCount,
			PoolSizes: sizes,
		})
		if err != nil {
			return errors.Wrapf(err, "shader %q descriptor pool", s.Name)
		}
		s.pool = pool
		s.hasPool = true
	}

	total := 0
	for _, t := range s.tiers {
		if t.hasUBO {
			total += t.stride * t.max
		}
	}
	if total == 0 {
		return nil
	}
	if s.freeList == nil {
		s.freeList = buffer.NewFreeList(total)
	}
	for i := 0; i < s.imageCount; i++ {
		b, err := buffer.Create(s.dev, buffer.Uniform, total, false)
		if err != nil {
			return errors.Wrapf(err, "shader %q uniform buffer", s.Name)
		}
		s.uniformBuffers = append(s.uniformBuffers, b)
	}
	return nil
}

func (s *Shader) destroyPerImage() {
	if s.hasPool {
		s.dev.API.DestroyDescriptorPool(s.pool)
		s.hasPool = false
	}
	for _, b := range s.uniformBuffers {
		b.Destroy()
	}
	s.uniformBuffers = nil
}

func (s *Shader) createPipelines(modules []module) (*pipeline.Set, error) {
	stride, attributes, err := s.cfg.vertexLayout()
	if err != nil {
		return nil, errors.Wrapf(err, "shader %q", s.Name)
	}
	var stages []core1_0.PipelineShaderStageCreateInfo
	for _, m := range modules {
		stages = append(stages, core1_0.PipelineShaderStageCreateInfo{
			Stage:  m.kind.flags(),
			Module: m.handle,
			Name:   "main",
		})
	}
	var setLayouts []core1_0.DescriptorSetLayout
	for _, t := range s.tiers {
		if t.present {
			setLayouts = append(setLayouts, t.layout)
		}
	}
	pushSize := 0
	if s.tiers[PerDraw].blockSize > 0 {
		pushSize = PushConstantSize
	}

	return pipeline.Create(s.dev, pipeline.Config{
		Name:                 s.Name,
		Stages:               stages,
		VertexStride:         stride,
		Attributes:           attributes,
		SetLayouts:           setLayouts,
		PushConstantSize:     pushSize,
		Classes:              s.cfg.Classes,
		Wireframe:            s.cfg.Wireframe,
		CullMode:             s.cfg.CullMode,
		FrontFace:            s.cfg.FrontFace,
		Flags:                s.cfg.Flags,
		ColorAttachmentCount: s.cfg.ColorAttachments,
		RenderPass:           s.cfg.RenderPass,
	})
}

// Reload recompiles every stage and rebuilds the pipelines. On failure the shader keeps
// its previous modules and pipelines. The old objects are destroyed only after the
// device is idle.
func (s *Shader) Reload() error {
	modules, err := s.createModules()
	if err != nil {
		return err
	}
	pipelines, err := s.createPipelines(modules)
	if err != nil {
		for _, m := range modules {
			s.dev.API.DestroyShaderModule(m.handle)
		}
		return err
	}

	if err := s.dev.WaitIdle(); err != nil {
		pipelines.Destroy()
		for _, m := range modules {
			s.dev.API.DestroyShaderModule(m.handle)
		}
		return err
	}
	s.pipelines.Destroy()
	for _, m := range s.modules {
		s.dev.API.DestroyShaderModule(m.handle)
	}
	s.pipelines = pipelines
	s.modules = modules
	logging.Logger().Info("shader reloaded", slog.String("shader", s.Name))
	return nil
}

// Layout returns the pipeline layout descriptor sets and push constants bind against.
func (s *Shader) Layout() core1_0.PipelineLayout { return s.pipelines.Layout }

// Use binds the pipeline for the current topology into frame and makes frame the
// target of the following Apply calls.
func (s *Shader) Use(frame Frame) error {
	if frame.ImageIndex < 0 || frame.ImageIndex >= s.imageCount {
		return errors.Newf("shader %q: image index %d outside %d images", s.Name, frame.ImageIndex, s.imageCount)
	}
	s.frame = frame
	return s.bindPipeline()
}

func (s *Shader) bindPipeline() error {
	p, err := s.pipelines.Select(s.topology, s.wireframe)
	if err != nil {
		return err
	}
	return s.pipelines.Bind(s.frame.Cmd.Handle, p, s.topology)
}

// SetTopology selects the topology following draws use, rebinding the pipeline when a
// frame is being recorded.
func (s *Shader) SetTopology(topology core1_0.PrimitiveTopology) error {
	if !s.cfg.Classes.Has(pipeline.ClassOf(topology)) {
		return errors.Newf("shader %q has no %s pipeline", s.Name, pipeline.ClassOf(topology))
	}
	s.topology = topology
	if s.frame.Cmd == nil {
		return nil
	}
	return s.bindPipeline()
}

// SetWireframe switches between solid and wireframe pipelines for the following Use.
func (s *Shader) SetWireframe(wireframe bool) { s.wireframe = wireframe }

// ResizeImageCount rebuilds every per-image object for a new swapchain image count.
// The new uniform buffers start empty; uniform values survive in each state's host-side
// block, which the next apply uploads. Resource assignments are kept and descriptor
// sets are rewritten on their first apply.
func (s *Shader) ResizeImageCount(imageCount int) error {
	if imageCount == s.imageCount {
		return nil
	}
	if imageCount < 1 {
		return errors.Newf("shader %q: image count %d", s.Name, imageCount)
	}
	if err := s.dev.WaitIdle(); err != nil {
		return err
	}

	// Destroying the pool frees every set allocated from it.
	s.destroyPerImage()
	s.imageCount = imageCount
	s.frame = Frame{}
	if err := s.createPerImage(); err != nil {
		return err
	}

	realloc := func(t *tier, st *FrequencyState) error {
		st.Sets = nil
		st.States = nil
		return s.allocateSets(t, st)
	}
	if s.frameState != nil {
		if err := realloc(s.tiers[PerFrame], s.frameState); err != nil {
			return err
		}
	}
	for i := range s.groups {
		if s.groups[i].active() {
			if err := realloc(s.tiers[PerGroup], &s.groups[i]); err != nil {
				return err
			}
		}
	}
	for i := range s.draws {
		if s.draws[i].active() {
			if err := realloc(s.tiers[PerDraw], &s.draws[i]); err != nil {
				return err
			}
		}
	}
	logging.Logger().Debug("shader image count changed",
		slog.String("shader", s.Name), slog.Int("images", imageCount))
	return nil
}

// Destroy waits for the device to go idle and destroys everything the shader owns.
func (s *Shader) Destroy() error {
	if err := s.dev.WaitIdle(); err != nil {
		return err
	}
	s.destroy()
	return nil
}

func (s *Shader) destroy() {
	if s.pipelines != nil {
		s.pipelines.Destroy()
		s.pipelines = nil
	}
	for _, m := range s.modules {
		s.dev.API.DestroyShaderModule(m.handle)
	}
	s.modules = nil
	s.destroyPerImage()
	for _, t := range s.tiers {
		if t != nil && t.hasLayout {
			s.dev.API.DestroyDescriptorSetLayout(t.layout)
			t.hasLayout = false
		}
	}
	s.frameState = nil
	s.groups = nil
	s.draws = nil
}
