package shader

import (
	"bytes"
	"encoding/binary"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/backend/command"
	"github.com/vkngwrapper/backend/device"
	"github.com/vkngwrapper/backend/internal/vkapi/vkapitest"
	"github.com/vkngwrapper/backend/texture"
)

type fakeCompiler struct {
	mu    sync.Mutex
	calls int
	fail  error
}

func (c *fakeCompiler) Compile(_ string, _ StageKind, _ string) ([]uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.fail != nil {
		return nil, c.fail
	}
	return []uint32{0x07230203}, nil
}

type fixture struct {
	api      *vkapitest.Device
	dev      *device.Device
	textures *texture.Manager
	compiler *fakeCompiler
}

func newFixture(t *testing.T, alignment int) *fixture {
	api := vkapitest.New()
	dev, err := device.New(api, device.Options{Limits: device.Limits{MinUniformBufferOffsetAlignment: alignment}})
	require.NoError(t, err)
	textures, err := texture.NewManager(dev, 3)
	require.NoError(t, err)
	return &fixture{api: api, dev: dev, textures: textures, compiler: &fakeCompiler{}}
}

func (f *fixture) create(t *testing.T, cfg Config) *Shader {
	s, err := Create(f.dev, f.textures, f.compiler, cfg, 3)
	require.NoError(t, err)
	return s
}

func (f *fixture) frame(t *testing.T, image int, number uint64) Frame {
	cmd, err := command.Allocate(f.dev.API, f.dev.CommandPool, true)
	require.NoError(t, err)
	require.NoError(t, cmd.Begin(false, false, false))
	return Frame{Cmd: cmd, ImageIndex: image, Number: number}
}

var stages = []Stage{
	{Kind: StageVertex, Filename: "s.vert"},
	{Kind: StageFragment, Filename: "s.frag"},
}

func sceneConfig() Config {
	return Config{
		Name:   "scene",
		Stages: stages,
		Attributes: []Attribute{
			{Name: "position", Type: AttributeVec3},
			{Name: "uv", Type: AttributeVec2},
		},
		Uniforms: []Uniform{
			{Name: "view_projection", Type: Mat4, Frequency: PerFrame},
			{Name: "diffuse_colour", Type: Vec4, Frequency: PerGroup},
			{Name: "diffuse_sampler", Type: Sampler, Frequency: PerGroup},
		},
		MaxGroups:        4,
		ColorAttachments: 1,
	}
}

func TestFrameAndGroupSets(t *testing.T) {
	f := newFixture(t, 1)
	s := f.create(t, sceneConfig())

	assert.Equal(t, 2, s.SetCount())
	require.Len(t, f.api.SetLayouts, 2)

	frameSet := f.api.SetLayouts[0]
	require.Len(t, frameSet, 1)
	assert.Equal(t, 0, frameSet[0].Binding)
	assert.Equal(t, core1_0.DescriptorTypeUniformBuffer, frameSet[0].DescriptorType)

	groupSet := f.api.SetLayouts[1]
	require.Len(t, groupSet, 2)
	assert.Equal(t, core1_0.DescriptorTypeUniformBuffer, groupSet[0].DescriptorType)
	assert.Equal(t, 1, groupSet[1].Binding)
	assert.Equal(t, core1_0.DescriptorTypeSampler, groupSet[1].DescriptorType)

	assert.Equal(t, 0, s.tiers[PerFrame].setIndex)
	assert.Equal(t, 1, s.tiers[PerGroup].setIndex)
	assert.False(t, s.tiers[PerDraw].present)
}

func TestVertexLayoutPacksAttributesInOrder(t *testing.T) {
	cfg := sceneConfig()
	cfg.Attributes = append(cfg.Attributes, Attribute{Name: "colour", Type: AttributeVec4})

	stride, attributes, err := cfg.vertexLayout()
	require.NoError(t, err)
	assert.Equal(t, 12+8+16, stride)
	require.Len(t, attributes, 3)
	for i, attr := range attributes {
		assert.Equal(t, uint32(i), attr.Location)
		assert.Equal(t, 0, attr.Binding)
	}
	assert.Equal(t, []int{0, 12, 20}, []int{attributes[0].Offset, attributes[1].Offset, attributes[2].Offset})
	assert.Equal(t, core1_0.FormatR32G32B32A32SignedFloat, attributes[2].Format)

	cfg.Attributes = append(cfg.Attributes, Attribute{Name: "bad", Type: AttributeType(99)})
	_, _, err = cfg.vertexLayout()
	assert.Error(t, err)
}

func TestSetIndicesCompact(t *testing.T) {
	f := newFixture(t, 1)
	s := f.create(t, Config{
		Name:   "compact",
		Stages: stages,
		Uniforms: []Uniform{
			{Name: "colour", Type: Vec4, Frequency: PerGroup},
			{Name: "albedo", Type: Texture, Frequency: PerDraw},
		},
		MaxGroups: 1,
		MaxDraws:  1,
	})
	assert.Equal(t, 2, s.SetCount())
	assert.False(t, s.tiers[PerFrame].present)
	assert.Equal(t, 0, s.tiers[PerGroup].setIndex)
	assert.Equal(t, 1, s.tiers[PerDraw].setIndex)

	drawSet := f.api.SetLayouts[1]
	require.Len(t, drawSet, 1)
	assert.Equal(t, 0, drawSet[0].Binding)
	assert.Equal(t, core1_0.DescriptorTypeSampledImage, drawSet[0].DescriptorType)
}

func TestPoolSizedForWorstCase(t *testing.T) {
	f := newFixture(t, 1)
	f.create(t, sceneConfig())

	require.Len(t, f.api.Pools, 1)
	pool := f.api.Pools[0]
	assert.Equal(t, core1_0.DescriptorPoolCreateFreeDescriptorSet, pool.Flags)
	assert.Equal(t, (1+4)*3, pool.MaxSets)

	counts := map[core1_0.DescriptorType]int{}
	for _, size := range pool.PoolSizes {
		counts[size.Type] = size.DescriptorCount
	}
	assert.Equal(t, (1+4)*3, counts[core1_0.DescriptorTypeUniformBuffer])
	assert.Equal(t, 4*3, counts[core1_0.DescriptorTypeSampler])
	assert.NotContains(t, counts, core1_0.DescriptorTypeSampledImage)
}

func TestUniformStrideAlignment(t *testing.T) {
	for _, alignment := range []int{1, 4, 16, 64, 256} {
		for size := 1; size <= 300; size++ {
			stride := alignUp(size, alignment)
			assert.Zero(t, stride%alignment)
			assert.GreaterOrEqual(t, stride, size)
			assert.Less(t, stride-size, alignment)
		}
	}

	f := newFixture(t, 256)
	s := f.create(t, sceneConfig())
	assert.Equal(t, 256, s.tiers[PerFrame].stride)
	assert.Equal(t, 256, s.tiers[PerGroup].stride)

	for i := 0; i < 3; i++ {
		id, err := s.AcquireGroup()
		require.NoError(t, err)
		assert.Zero(t, s.groups[id].Offset%256)
	}
}

func TestDescriptorWritesOncePerImagePerFrame(t *testing.T) {
	f := newFixture(t, 1)
	s := f.create(t, sceneConfig())

	require.NoError(t, s.Use(f.frame(t, 0, 7)))
	require.NoError(t, s.ApplyPerFrame())
	require.NoError(t, s.ApplyPerFrame())
	assert.Equal(t, 1, f.api.Calls("UpdateDescriptorSets"))
	assert.Equal(t, 2, f.api.Calls("CmdBindDescriptorSets"))

	require.NoError(t, s.Use(f.frame(t, 0, 8)))
	require.NoError(t, s.ApplyPerFrame())
	assert.Equal(t, 2, f.api.Calls("UpdateDescriptorSets"))

	require.NoError(t, s.Use(f.frame(t, 1, 8)))
	require.NoError(t, s.ApplyPerFrame())
	assert.Equal(t, 3, f.api.Calls("UpdateDescriptorSets"))
	assert.Equal(t, 2, s.frameState.States[0].Writes)
	assert.Equal(t, 1, s.frameState.States[1].Writes)
}

func TestGroupWritesUniformAndSampler(t *testing.T) {
	f := newFixture(t, 1)
	s := f.create(t, sceneConfig())

	id, err := s.AcquireGroup()
	require.NoError(t, err)
	require.NoError(t, s.BindGroup(id))
	colour := mgl32.Vec4{1, 0.5, 0.25, 1}
	require.NoError(t, s.SetUniformByName("diffuse_colour", 0, colour))

	require.NoError(t, s.Use(f.frame(t, 2, 1)))
	require.NoError(t, s.ApplyPerGroup())

	require.Len(t, f.api.Writes, 1)
	writes := f.api.Writes[0]
	require.Len(t, writes, 2)
	assert.Equal(t, core1_0.DescriptorTypeUniformBuffer, writes[0].DescriptorType)
	assert.Equal(t, core1_0.DescriptorTypeSampler, writes[1].DescriptorType)
	assert.Equal(t, 1, writes[1].DstBinding)

	var want bytes.Buffer
	require.NoError(t, binary.Write(&want, common.ByteOrder, colour))
	got, err := s.uniformBuffers[2].Read(s.groups[id].Offset, 16)
	require.NoError(t, err)
	assert.Equal(t, want.Bytes(), got)
}

func TestAcquireReleaseReusesSlot(t *testing.T) {
	f := newFixture(t, 64)
	s := f.create(t, sceneConfig())

	id, err := s.AcquireGroup()
	require.NoError(t, err)
	offset := s.groups[id].Offset
	live := f.api.LiveSets

	require.NoError(t, s.ReleaseGroup(id))
	assert.Equal(t, live-3, f.api.LiveSets)
	assert.Error(t, s.ReleaseGroup(id))

	again, err := s.AcquireGroup()
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, offset, s.groups[again].Offset)
}

func TestCapacityExceeded(t *testing.T) {
	f := newFixture(t, 1)
	cfg := sceneConfig()
	cfg.MaxGroups = 2
	s := f.create(t, cfg)

	for i := 0; i < 2; i++ {
		_, err := s.AcquireGroup()
		require.NoError(t, err)
	}
	_, err := s.AcquireGroup()
	assert.True(t, errors.Is(err, ErrCapacityExceeded))

	require.NoError(t, s.ReleaseGroup(1))
	id, err := s.AcquireGroup()
	require.NoError(t, err)
	assert.Equal(t, 1, id)
}

func TestSetUniformErrors(t *testing.T) {
	f := newFixture(t, 1)
	cfg := sceneConfig()
	cfg.Uniforms = append(cfg.Uniforms, Uniform{Name: "lights", Type: Vec4, Frequency: PerFrame, ArrayLength: 4})
	s := f.create(t, cfg)

	err := s.SetUniformByName("diffuse_colour", 0, mgl32.Vec4{})
	assert.True(t, errors.Is(err, ErrNotBound))

	err = s.SetUniformByName("diffuse_sampler", 0, float32(1))
	assert.True(t, errors.Is(err, ErrSamplerUniform))

	err = s.SetUniformByName("lights", 4, mgl32.Vec4{})
	assert.True(t, errors.Is(err, ErrArrayIndex))
	require.NoError(t, s.SetUniformByName("lights", 3, mgl32.Vec4{1, 2, 3, 4}))

	err = s.SetUniformByName("view_projection", 0, mgl32.Vec4{})
	assert.Error(t, err)
	require.NoError(t, s.SetUniformByName("view_projection", 0, mgl32.Ident4()))

	err = s.SetUniformByName("missing", 0, float32(0))
	assert.True(t, errors.Is(err, ErrUnknownUniform))

	_, sampler := f.textures.Defaults()
	location, err := s.Location("diffuse_sampler")
	require.NoError(t, err)
	assert.True(t, errors.Is(s.SetSampler(location, 0, sampler), ErrNotBound))
	assert.Error(t, s.SetTexture(location, 0, sampler))
}

func TestArrayUniformLayout(t *testing.T) {
	f := newFixture(t, 1)
	cfg := sceneConfig()
	cfg.Uniforms = append(cfg.Uniforms, Uniform{Name: "weights", Type: Float32, Frequency: PerFrame, ArrayLength: 3})
	s := f.create(t, cfg)

	location, err := s.Location("weights")
	require.NoError(t, err)
	u := s.uniforms[location]
	assert.Equal(t, 64, u.offset)
	assert.Equal(t, 16, u.stride)
	assert.Equal(t, 64+16*2+4, s.tiers[PerFrame].blockSize)
}

func TestPushConstantsOnEveryDraw(t *testing.T) {
	f := newFixture(t, 1)
	s := f.create(t, Config{
		Name:     "sprites",
		Stages:   stages,
		Uniforms: []Uniform{{Name: "model", Type: Mat4, Frequency: PerDraw}},
		MaxDraws: 8,
	})
	assert.Equal(t, 0, s.SetCount())

	id, err := s.AcquireDraw()
	require.NoError(t, err)
	require.NoError(t, s.BindDraw(id))
	require.NoError(t, s.SetUniformByName("model", 0, mgl32.Translate3D(1, 2, 3)))

	require.NoError(t, s.Use(f.frame(t, 0, 1)))
	require.NoError(t, s.ApplyPerDraw())
	require.NoError(t, s.ApplyPerDraw())

	require.Len(t, f.api.PushData, 2)
	assert.Len(t, f.api.PushData[0], 64)
	assert.Equal(t, f.api.PushData[0], f.api.PushData[1])
	assert.Equal(t, 0, f.api.Calls("UpdateDescriptorSets"))
}

func TestPushConstantBlockLimit(t *testing.T) {
	f := newFixture(t, 1)
	_, err := Create(f.dev, f.textures, f.compiler, Config{
		Name:   "big",
		Stages: stages,
		Uniforms: []Uniform{
			{Name: "a", Type: Mat4, Frequency: PerDraw},
			{Name: "b", Type: Mat4, Frequency: PerDraw},
			{Name: "c", Type: Float32, Frequency: PerDraw},
		},
		MaxDraws: 1,
	}, 3)
	assert.Error(t, err)
}

func TestStaleTextureFallsBackToDefault(t *testing.T) {
	f := newFixture(t, 1)
	s := f.create(t, Config{
		Name:      "textured",
		Stages:    stages,
		Uniforms:  []Uniform{{Name: "albedo", Type: Texture, Frequency: PerGroup}},
		MaxGroups: 1,
	})
	tex, err := f.textures.Acquire(texture.Desc{Name: "albedo", Width: 2, Height: 2})
	require.NoError(t, err)

	id, err := s.AcquireGroup()
	require.NoError(t, err)
	require.NoError(t, s.BindGroup(id))
	require.NoError(t, s.SetTexture(0, 0, tex))

	require.NoError(t, f.textures.Release(&tex))
	require.NoError(t, s.Use(f.frame(t, 0, 1)))
	require.NoError(t, s.ApplyPerGroup())
	require.Len(t, f.api.Writes, 1)
	assert.Len(t, f.api.Writes[0][0].ImageInfo, 1)
}

func TestCreateRollsBackOnPipelineFailure(t *testing.T) {
	f := newFixture(t, 1)
	f.api.FailPipelineAt = 1
	_, err := Create(f.dev, f.textures, f.compiler, sceneConfig(), 3)
	require.Error(t, err)

	assert.Equal(t, 0, f.api.LiveModules)
	assert.Equal(t, 0, f.api.LivePipes)
	assert.Equal(t, 2, f.api.Calls("DestroyDescriptorSetLayout"))
	assert.Equal(t, 1, f.api.Calls("DestroyDescriptorPool"))
}

func TestReload(t *testing.T) {
	f := newFixture(t, 1)
	s := f.create(t, sceneConfig())
	assert.Equal(t, 2, f.compiler.calls)

	f.compiler.fail = &CompileError{Filename: "s.frag", Messages: []string{"syntax error"}}
	require.Error(t, s.Reload())
	assert.Equal(t, 2, f.api.LiveModules)
	assert.Equal(t, 1, f.api.LivePipes)

	f.compiler.fail = nil
	require.NoError(t, s.Reload())
	assert.Equal(t, 2, f.api.LiveModules)
	assert.Equal(t, 1, f.api.LivePipes)
	assert.Equal(t, 1, f.api.Calls("DestroyPipeline"))
}

func TestResizeImageCount(t *testing.T) {
	f := newFixture(t, 1)
	s := f.create(t, sceneConfig())
	id, err := s.AcquireGroup()
	require.NoError(t, err)
	require.NoError(t, s.BindGroup(id))
	require.NoError(t, s.SetUniformByName("diffuse_colour", 0, mgl32.Vec4{1, 1, 1, 1}))

	require.NoError(t, s.ResizeImageCount(2))
	assert.Len(t, s.uniformBuffers, 2)
	assert.Len(t, s.groups[id].Sets, 2)
	assert.Len(t, s.frameState.States, 2)
	require.Len(t, f.api.Pools, 2)
	assert.Equal(t, (1+4)*2, f.api.Pools[1].MaxSets)

	assert.Error(t, s.Use(f.frame(t, 2, 1)))
	require.NoError(t, s.Use(f.frame(t, 1, 1)))
	require.NoError(t, s.ApplyPerGroup())

	// The fresh uniform buffer receives the value kept in the group's block.
	var want bytes.Buffer
	require.NoError(t, binary.Write(&want, common.ByteOrder, mgl32.Vec4{1, 1, 1, 1}))
	got, err := s.uniformBuffers[1].Read(s.groups[id].Offset, 16)
	require.NoError(t, err)
	assert.Equal(t, want.Bytes(), got)
}

func TestDestroy(t *testing.T) {
	f := newFixture(t, 1)
	s := f.create(t, sceneConfig())
	require.NoError(t, s.Destroy())
	assert.Equal(t, 0, f.api.LiveModules)
	assert.Equal(t, 0, f.api.LivePipes)
	assert.Equal(t, 2, f.api.Calls("DestroyDescriptorSetLayout"))
}
