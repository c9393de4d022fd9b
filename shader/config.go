package shader

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/backend/pipeline"
)

// Frequency is how often a uniform's value changes, and selects where it is stored.
type Frequency int

const (
	// PerFrame uniforms live in one state for the whole shader.
	PerFrame Frequency = iota
	// PerGroup uniforms live in states acquired with AcquireGroup.
	PerGroup
	// PerDraw scalars are pushed as constants; their samplers and textures use states
	// acquired with AcquireDraw.
	PerDraw
	frequencyCount
)

func (f Frequency) String() string {
	switch f {
	case PerFrame:
		return "frame"
	case PerGroup:
		return "group"
	case PerDraw:
		return "draw"
	}
	return "unknown"
}

// UniformType is the declared type of a uniform.
type UniformType int

const (
	Float32 UniformType = iota
	Vec2
	Vec3
	Vec4
	Int32
	UInt32
	Mat4
	// Custom uniforms declare their size explicitly.
	Custom
	Sampler
	Texture
)

// IsResource reports whether the uniform binds a sampler or texture instead of bytes.
func (t UniformType) IsResource() bool { return t == Sampler || t == Texture }

var uniformSizes = map[UniformType]int{
	Float32: 4,
	Vec2:    8,
	Vec3:    12,
	Vec4:    16,
	Int32:   4,
	UInt32:  4,
	Mat4:    64,
}

var uniformAlignments = map[UniformType]int{
	Float32: 4,
	Vec2:    8,
	Vec3:    16,
	Vec4:    16,
	Int32:   4,
	UInt32:  4,
	Mat4:    16,
	Custom:  16,
}

// Uniform declares one uniform of a shader.
type Uniform struct {
	Name      string
	Type      UniformType
	Frequency Frequency
	// Size is required for Custom uniforms and ignored otherwise.
	Size int
	// ArrayLength is the number of elements. Zero and one both declare a single value.
	ArrayLength int
}

// AttributeType is the type of a vertex attribute.
type AttributeType int

const (
	AttributeFloat32 AttributeType = iota
	AttributeVec2
	AttributeVec3
	AttributeVec4
	AttributeInt32
	AttributeUInt32
)

type attributeFormat struct {
	format core1_0.Format
	size   int
}

var attributeFormats = map[AttributeType]attributeFormat{
	AttributeFloat32: {core1_0.FormatR32SignedFloat, 4},
	AttributeVec2:    {core1_0.FormatR32G32SignedFloat, 8},
	AttributeVec3:    {core1_0.FormatR32G32B32SignedFloat, 12},
	AttributeVec4:    {core1_0.FormatR32G32B32A32SignedFloat, 16},
	AttributeInt32:   {core1_0.FormatR32SignedInt, 4},
	AttributeUInt32:  {core1_0.FormatR32UnsignedInt, 4},
}

// Attribute declares one vertex attribute. Attributes are packed in declaration order.
type Attribute struct {
	Name string
	Type AttributeType
}

// StageKind is a programmable pipeline stage.
type StageKind int

const (
	StageVertex StageKind = iota
	StageFragment
	StageGeometry
)

func (k StageKind) flags() core1_0.ShaderStageFlags {
	switch k {
	case StageFragment:
		return core1_0.StageFragment
	case StageGeometry:
		return core1_0.StageGeometry
	}
	return core1_0.StageVertex
}

func (k StageKind) String() string {
	switch k {
	case StageVertex:
		return "vertex"
	case StageFragment:
		return "fragment"
	case StageGeometry:
		return "geometry"
	}
	return "unknown"
}

// Stage is the source of one stage, handed to the Compiler.
type Stage struct {
	Kind     StageKind
	Filename string
	Source   string
}

// Config describes a shader.
type Config struct {
	Name       string
	Stages     []Stage
	Attributes []Attribute
	Uniforms   []Uniform

	Classes   pipeline.Classes
	Flags     pipeline.Flags
	CullMode  core1_0.CullModeFlags
	FrontFace core1_0.FrontFace
	Wireframe bool

	// MaxGroups and MaxDraws bound the number of states AcquireGroup and AcquireDraw
	// can hand out.
	MaxGroups int
	MaxDraws  int

	RenderPass       core1_0.RenderPass
	ColorAttachments int
}

// PushConstantSize is the size of the block per-draw scalars are pushed through.
const PushConstantSize = 128

func alignUp(n, alignment int) int {
	if alignment <= 1 {
		return n
	}
	return (n + alignment - 1) / alignment * alignment
}

// uniform is a declared uniform with its computed placement.
type uniform struct {
	Uniform
	index int
	// offset and stride place scalar uniforms in their tier's block.
	offset int
	stride int
	// binding is the descriptor binding of sampler and texture uniforms.
	binding int
	// slot indexes the tier's sampler/texture binding arrays.
	slot int
}

func (u *uniform) length() int {
	if u.ArrayLength < 1 {
		return 1
	}
	return u.ArrayLength
}

func (u *uniform) size() (int, error) {
	if u.Type == Custom {
		if u.Size <= 0 {
			return 0, errors.Newf("custom uniform %q has no size", u.Name)
		}
		return u.Size, nil
	}
	return uniformSizes[u.Type], nil
}

// place lays u out at the end of a block of blockSize bytes using std140 array rules and
// returns the new block size.
func (u *uniform) place(blockSize int) (int, error) {
	size, err := u.size()
	if err != nil {
		return 0, err
	}
	u.Size = size
	alignment := uniformAlignments[u.Type]
	u.stride = size
	if u.length() > 1 {
		u.stride = alignUp(size, 16)
		alignment = 16
	}
	u.offset = alignUp(blockSize, alignment)
	return u.offset + u.stride*(u.length()-1) + size, nil
}

func (c *Config) vertexLayout() (stride int, attributes []core1_0.VertexInputAttributeDescription, err error) {
	for i, attr := range c.Attributes {
		f, ok := attributeFormats[attr.Type]
		if !ok {
			return 0, nil, errors.Newf("attribute %q has unknown type %d", attr.Name, attr.Type)
		}
		attributes = append(attributes, core1_0.VertexInputAttributeDescription{
			Binding:  0,
			Location: uint32(i),
			Format:   f.format,
			Offset:   stride,
		})
		stride += f.size
	}
	return stride, attributes, nil
}
