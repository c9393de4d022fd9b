// Package pipeline builds the graphics pipelines of a shader: one per primitive
// topology class, plus wireframe variants when the device can rasterise lines.
package pipeline

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/backend/device"
	"github.com/vkngwrapper/backend/internal/logging"
)

// Class groups primitive topologies that can share a pipeline.
type Class int

const (
	ClassPoint Class = iota
	ClassLine
	ClassTriangle
	classCount
)

func (c Class) String() string {
	switch c {
	case ClassPoint:
		return "point"
	case ClassLine:
		return "line"
	case ClassTriangle:
		return "triangle"
	}
	return "unknown"
}

// Classes is a set of topology classes.
type Classes uint8

func (c Classes) Has(class Class) bool { return c&(1<<class) != 0 }

// ClassSet returns the set holding classes.
func ClassSet(classes ...Class) Classes {
	var out Classes
	for _, c := range classes {
		out |= 1 << c
	}
	return out
}

// ClassOf returns the class a topology belongs to.
func ClassOf(topology core1_0.PrimitiveTopology) Class {
	switch topology {
	case core1_0.PrimitiveTopologyPointList:
		return ClassPoint
	case core1_0.PrimitiveTopologyLineList, core1_0.PrimitiveTopologyLineStrip:
		return ClassLine
	}
	return ClassTriangle
}

var baseTopology = [classCount]core1_0.PrimitiveTopology{
	ClassPoint:    core1_0.PrimitiveTopologyPointList,
	ClassLine:     core1_0.PrimitiveTopologyLineList,
	ClassTriangle: core1_0.PrimitiveTopologyTriangleList,
}

// Flags select fixed-function state.
type Flags uint8

const (
	DepthTest Flags = 1 << iota
	DepthWrite
	StencilTest
	StencilWrite
)

// Config describes the pipelines to build for one shader.
type Config struct {
	Name string

	Stages       []core1_0.PipelineShaderStageCreateInfo
	VertexStride int
	Attributes   []core1_0.VertexInputAttributeDescription

	SetLayouts       []core1_0.DescriptorSetLayout
	PushConstantSize int

	Classes   Classes
	Wireframe bool
	CullMode  core1_0.CullModeFlags
	FrontFace core1_0.FrontFace
	Flags     Flags

	ColorAttachmentCount int
	RenderPass           core1_0.RenderPass
}

// Pipeline is one native pipeline of a Set.
type Pipeline struct {
	Handle    core1_0.Pipeline
	Class     Class
	Topology  core1_0.PrimitiveTopology
	Wireframe bool
}

// Set holds every pipeline built for a Config and their shared layout.
type Set struct {
	dev *device.Device

	Name      string
	Layout    core1_0.PipelineLayout
	pipelines []*Pipeline
}

// Create builds the pipeline layout and every pipeline cfg asks for. If any pipeline
// fails, everything already created is destroyed before the error is returned.
func Create(dev *device.Device, cfg Config) (*Set, error) {
	if cfg.Classes == 0 {
		return nil, errors.Newf("pipeline %q declares no topology classes", cfg.Name)
	}

	layoutInfo := core1_0.PipelineLayoutCreateInfo{SetLayouts: cfg.SetLayouts}
	if cfg.PushConstantSize > 0 {
		layoutInfo.PushConstantRanges = []core1_0.PushConstantRange{{
			StageFlags: core1_0.StageVertex | core1_0.StageFragment,
			Offset:     0,
			Size:       cfg.PushConstantSize,
		}}
	}
	layout, err := dev.API.CreatePipelineLayout(layoutInfo)
	if err != nil {
		return nil, errors.Wrapf(err, "pipeline %q layout", cfg.Name)
	}

	set := &Set{dev: dev, Name: cfg.Name, Layout: layout}

	wireframe := cfg.Wireframe
	if wireframe && !dev.Caps.FillModeNonSolid {
		logging.Logger().Info("wireframe pipelines unsupported, building solid only", slog.String("shader", cfg.Name))
		wireframe = false
	}

	for class := Class(0); class < classCount; class++ {
		if !cfg.Classes.Has(class) {
			continue
		}
		variants := []bool{false}
		if wireframe {
			variants = append(variants, true)
		}
		for _, wire := range variants {
			p, err := set.build(cfg, class, wire)
			if err != nil {
				set.Destroy()
				return nil, errors.Wrapf(err, "pipeline %q %s", cfg.Name, class)
			}
			set.pipelines = append(set.pipelines, p)
		}
	}

	logging.Logger().Debug("pipelines created",
		slog.String("shader", cfg.Name), slog.Int("count", len(set.pipelines)))
	return set, nil
}

func (s *Set) build(cfg Config, class Class, wireframe bool) (*Pipeline, error) {
	topology := baseTopology[class]

	polygonMode := core1_0.PolygonModeFill
	if wireframe {
		polygonMode = core1_0.PolygonModeLine
	}

	vertexInput := &core1_0.PipelineVertexInputStateCreateInfo{
		VertexAttributeDescriptions: cfg.Attributes,
	}
	if cfg.VertexStride > 0 {
		vertexInput.VertexBindingDescriptions = []core1_0.VertexInputBindingDescription{{
			Binding:   0,
			Stride:    cfg.VertexStride,
			InputRate: core1_0.VertexInputRateVertex,
		}}
	}

	colorBlend := &core1_0.PipelineColorBlendStateCreateInfo{
		LogicOpEnabled: false,
		LogicOp:        core1_0.LogicOpCopy,
	}
	for i := 0; i < cfg.ColorAttachmentCount; i++ {
		colorBlend.Attachments = append(colorBlend.Attachments, core1_0.PipelineColorBlendAttachmentState{
			BlendEnabled:        true,
			SrcColorBlendFactor: core1_0.BlendFactorSrcAlpha,
			DstColorBlendFactor: core1_0.BlendFactorOneMinusSrcAlpha,
			ColorBlendOp:        core1_0.BlendOpAdd,
			SrcAlphaBlendFactor: core1_0.BlendFactorSrcAlpha,
			DstAlphaBlendFactor: core1_0.BlendFactorOneMinusSrcAlpha,
			AlphaBlendOp:        core1_0.BlendOpAdd,
			ColorWriteMask:      core1_0.ColorComponentRed | core1_0.ColorComponentGreen | core1_0.ColorComponentBlue | core1_0.ColorComponentAlpha,
		})
	}

	info := core1_0.GraphicsPipelineCreateInfo{
		Stages:           cfg.Stages,
		VertexInputState: vertexInput,
		InputAssemblyState: &core1_0.PipelineInputAssemblyStateCreateInfo{
			Topology:               topology,
			PrimitiveRestartEnable: false,
		},
		// Viewport and scissor are always dynamic; only the counts matter here.
		ViewportState: &core1_0.PipelineViewportStateCreateInfo{
			Viewports: []core1_0.Viewport{{Width: 1, Height: 1, MaxDepth: 1}},
			Scissors:  []core1_0.Rect2D{{Extent: core1_0.Extent2D{Width: 1, Height: 1}}},
		},
		RasterizationState: &core1_0.PipelineRasterizationStateCreateInfo{
			PolygonMode: polygonMode,
			CullMode:    cfg.CullMode,
			FrontFace:   cfg.FrontFace,
			LineWidth:   1.0,
		},
		MultisampleState: &core1_0.PipelineMultisampleStateCreateInfo{
			RasterizationSamples: core1_0.Samples1,
			MinSampleShading:     1.0,
		},
		DepthStencilState: depthStencil(cfg.Flags),
		ColorBlendState:   colorBlend,
		DynamicState: &core1_0.PipelineDynamicStateCreateInfo{
			DynamicStates: s.dev.DynamicState.States(),
		},
		Layout:            s.Layout,
		RenderPass:        cfg.RenderPass,
		Subpass:           0,
		BasePipelineIndex: -1,
	}

	handle, err := s.dev.API.CreateGraphicsPipeline(info)
	if err != nil {
		return nil, err
	}
	return &Pipeline{Handle: handle, Class: class, Topology: topology, Wireframe: wireframe}, nil
}

// depthStencil returns nil unless a depth or stencil flag is set.
func depthStencil(flags Flags) *core1_0.PipelineDepthStencilStateCreateInfo {
	if flags&(DepthTest|DepthWrite|StencilTest|StencilWrite) == 0 {
		return nil
	}
	state := &core1_0.PipelineDepthStencilStateCreateInfo{
		DepthTestEnable:   flags&DepthTest != 0,
		DepthWriteEnable:  flags&DepthWrite != 0,
		DepthCompareOp:    core1_0.CompareOpLess,
		StencilTestEnable: flags&StencilTest != 0,
	}
	stencil := core1_0.StencilOpState{
		FailOp:      core1_0.StencilKeep,
		PassOp:      core1_0.StencilReplace,
		DepthFailOp: core1_0.StencilKeep,
		CompareOp:   core1_0.CompareOpAlways,
		CompareMask: 0xff,
		Reference:   1,
	}
	if flags&StencilWrite != 0 {
		stencil.WriteMask = 0xff
	}
	state.Front = stencil
	state.Back = stencil
	return state
}

// Len returns the number of pipelines in the set.
func (s *Set) Len() int { return len(s.pipelines) }

// Select returns the pipeline to draw topology with. Without dynamic topology the
// pipeline's baked topology must match exactly.
func (s *Set) Select(topology core1_0.PrimitiveTopology, wireframe bool) (*Pipeline, error) {
	class := ClassOf(topology)
	var fallback *Pipeline
	for _, p := range s.pipelines {
		if p.Class != class {
			continue
		}
		if p.Wireframe == wireframe {
			fallback = p
			break
		}
		if fallback == nil {
			fallback = p
		}
	}
	if fallback == nil {
		return nil, errors.Newf("shader %q has no %s pipeline", s.Name, class)
	}
	if fallback.Topology != topology && !s.dev.DynamicState.Supported() {
		return nil, errors.Wrapf(device.ErrDynamicStateUnsupported,
			"shader %q: topology %d needs a dynamic topology change", s.Name, topology)
	}
	return fallback, nil
}

// Bind binds p and, when it differs from the baked topology, sets topology dynamically.
func (s *Set) Bind(cmd core1_0.CommandBuffer, p *Pipeline, topology core1_0.PrimitiveTopology) error {
	s.dev.API.CmdBindPipeline(cmd, p.Handle)
	if s.dev.DynamicState.Supported() {
		return s.dev.DynamicState.SetTopology(cmd, topology)
	}
	if p.Topology != topology {
		return errors.Wrapf(device.ErrDynamicStateUnsupported, "shader %q topology %d", s.Name, topology)
	}
	return nil
}

// Destroy destroys every pipeline and the layout. The caller must ensure the device no
// longer uses them.
func (s *Set) Destroy() {
	for _, p := range s.pipelines {
		s.dev.API.DestroyPipeline(p.Handle)
	}
	s.pipelines = nil
	s.dev.API.DestroyPipelineLayout(s.Layout)
}
