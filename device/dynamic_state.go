package device

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/backend/internal/vkapi"
)

// ErrDynamicStateUnsupported is returned when a pipeline property is changed at record
// time on a device that bakes it into the pipeline.
var ErrDynamicStateUnsupported = errors.New("dynamic pipeline state not supported by device")

// Dynamic states of VK_EXT_extended_dynamic_state.
const (
	DynamicStatePrimitiveTopology core1_0.DynamicState = 1000267002
	DynamicStateFrontFace         core1_0.DynamicState = 1000267001
	DynamicStateDepthTestEnable   core1_0.DynamicState = 1000267006
	DynamicStateDepthWriteEnable  core1_0.DynamicState = 1000267007
	DynamicStateStencilTestEnable core1_0.DynamicState = 1000267010
	DynamicStateStencilOp         core1_0.DynamicState = 1000267011
)

// DynamicState changes pipeline state while recording. The implementation is picked
// when the device opens.
type DynamicState interface {
	// Supported reports whether the setters record commands.
	Supported() bool
	// States lists the dynamic states every pipeline must declare.
	States() []core1_0.DynamicState

	SetTopology(cmd core1_0.CommandBuffer, topology core1_0.PrimitiveTopology) error
	SetFrontFace(cmd core1_0.CommandBuffer, face core1_0.FrontFace) error
	SetDepthTestEnabled(cmd core1_0.CommandBuffer, enabled bool) error
	SetDepthWriteEnabled(cmd core1_0.CommandBuffer, enabled bool) error
	SetStencilTestEnabled(cmd core1_0.CommandBuffer, enabled bool) error
	SetStencilOp(cmd core1_0.CommandBuffer, failOp, passOp, depthFailOp core1_0.StencilOp, compareOp core1_0.CompareOp) error
	SetStencilReference(cmd core1_0.CommandBuffer, reference uint32) error
	SetStencilCompareMask(cmd core1_0.CommandBuffer, mask uint32) error
	SetStencilWriteMask(cmd core1_0.CommandBuffer, mask uint32) error
}

// NewDynamicState returns the extended implementation when the driver exposes the
// extended commands, otherwise the fixed one.
func NewDynamicState(api vkapi.Device) DynamicState {
	if eds := api.ExtendedDynamicState(); eds != nil {
		return &extendedDynamicState{api: api, ext: eds}
	}
	return fixedDynamicState{}
}

var baseStates = []core1_0.DynamicState{
	core1_0.DynamicStateViewport,
	core1_0.DynamicStateScissor,
}

type extendedDynamicState struct {
	api vkapi.Device
	ext vkapi.ExtendedDynamicState
}

func (s *extendedDynamicState) Supported() bool { return true }

func (s *extendedDynamicState) States() []core1_0.DynamicState {
	return append(append([]core1_0.DynamicState{}, baseStates...),
		DynamicStatePrimitiveTopology,
		DynamicStateFrontFace,
		core1_0.DynamicStateStencilCompareMask,
		core1_0.DynamicStateStencilWriteMask,
		core1_0.DynamicStateStencilReference,
		DynamicStateStencilOp,
		DynamicStateStencilTestEnable,
		DynamicStateDepthTestEnable,
		DynamicStateDepthWriteEnable,
	)
}

func (s *extendedDynamicState) SetTopology(cmd core1_0.CommandBuffer, topology core1_0.PrimitiveTopology) error {
	s.ext.CmdSetPrimitiveTopology(cmd, topology)
	return nil
}

func (s *extendedDynamicState) SetFrontFace(cmd core1_0.CommandBuffer, face core1_0.FrontFace) error {
	s.ext.CmdSetFrontFace(cmd, face)
	return nil
}

func (s *extendedDynamicState) SetDepthTestEnabled(cmd core1_0.CommandBuffer, enabled bool) error {
	s.ext.CmdSetDepthTestEnable(cmd, enabled)
	return nil
}

func (s *extendedDynamicState) SetDepthWriteEnabled(cmd core1_0.CommandBuffer, enabled bool) error {
	s.ext.CmdSetDepthWriteEnable(cmd, enabled)
	return nil
}

func (s *extendedDynamicState) SetStencilTestEnabled(cmd core1_0.CommandBuffer, enabled bool) error {
	s.ext.CmdSetStencilTestEnable(cmd, enabled)
	return nil
}

func (s *extendedDynamicState) SetStencilOp(cmd core1_0.CommandBuffer, failOp, passOp, depthFailOp core1_0.StencilOp, compareOp core1_0.CompareOp) error {
	s.ext.CmdSetStencilOp(cmd, failOp, passOp, depthFailOp, compareOp)
	return nil
}

func (s *extendedDynamicState) SetStencilReference(cmd core1_0.CommandBuffer, reference uint32) error {
	s.api.CmdSetStencilReference(cmd, reference)
	return nil
}

func (s *extendedDynamicState) SetStencilCompareMask(cmd core1_0.CommandBuffer, mask uint32) error {
	s.api.CmdSetStencilCompareMask(cmd, mask)
	return nil
}

func (s *extendedDynamicState) SetStencilWriteMask(cmd core1_0.CommandBuffer, mask uint32) error {
	s.api.CmdSetStencilWriteMask(cmd, mask)
	return nil
}

// fixedDynamicState is used when the state is baked into each pipeline.
type fixedDynamicState struct{}

func (fixedDynamicState) Supported() bool { return false }

func (fixedDynamicState) States() []core1_0.DynamicState {
	return append([]core1_0.DynamicState{}, baseStates...)
}

func (fixedDynamicState) SetTopology(core1_0.CommandBuffer, core1_0.PrimitiveTopology) error {
	return errors.Wrap(ErrDynamicStateUnsupported, "set primitive topology")
}

func (fixedDynamicState) SetFrontFace(core1_0.CommandBuffer, core1_0.FrontFace) error {
	return errors.Wrap(ErrDynamicStateUnsupported, "set front face")
}

func (fixedDynamicState) SetDepthTestEnabled(core1_0.CommandBuffer, bool) error {
	return errors.Wrap(ErrDynamicStateUnsupported, "set depth test")
}

func (fixedDynamicState) SetDepthWriteEnabled(core1_0.CommandBuffer, bool) error {
	return errors.Wrap(ErrDynamicStateUnsupported, "set depth write")
}

func (fixedDynamicState) SetStencilTestEnabled(core1_0.CommandBuffer, bool) error {
	return errors.Wrap(ErrDynamicStateUnsupported, "set stencil test")
}

func (fixedDynamicState) SetStencilOp(core1_0.CommandBuffer, core1_0.StencilOp, core1_0.StencilOp, core1_0.StencilOp, core1_0.CompareOp) error {
	return errors.Wrap(ErrDynamicStateUnsupported, "set stencil op")
}

func (fixedDynamicState) SetStencilReference(core1_0.CommandBuffer, uint32) error {
	return errors.Wrap(ErrDynamicStateUnsupported, "set stencil reference")
}

func (fixedDynamicState) SetStencilCompareMask(core1_0.CommandBuffer, uint32) error {
	return errors.Wrap(ErrDynamicStateUnsupported, "set stencil compare mask")
}

func (fixedDynamicState) SetStencilWriteMask(core1_0.CommandBuffer, uint32) error {
	return errors.Wrap(ErrDynamicStateUnsupported, "set stencil write mask")
}
