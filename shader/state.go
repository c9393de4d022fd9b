package shader

import (
	"log/slog"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/backend/handle"
	"github.com/vkngwrapper/backend/internal/logging"
)

const (
	freeID       = -1
	neverWritten = math.MaxUint64
)

// DescriptorState records when an image's descriptor set was last written.
type DescriptorState struct {
	FrameNumber uint64
	// Writes counts the batches written to the set.
	Writes int
}

// FrequencyState is the binding state of one tier instance: the whole frame, one group
// or one draw.
type FrequencyState struct {
	// ID is the state's slot, or -1 while the slot is free.
	ID int
	// Offset locates the state's block in the tier's uniform buffer.
	Offset int
	// Block holds the scalar uniform values. It is copied to the current image's
	// uniform buffer, or pushed as constants for draws, on every apply.
	Block []byte
	// Sets and States are indexed by swapchain image.
	Sets   []core1_0.DescriptorSet
	States []DescriptorState
	// Resources holds, per sampler or texture uniform, one handle per array element.
	Resources [][]handle.Handle
}

func (st *FrequencyState) active() bool { return st.ID != freeID }

func newStates(n int) []FrequencyState {
	states := make([]FrequencyState, n)
	for i := range states {
		states[i].ID = freeID
	}
	return states
}

func (s *Shader) allocateSets(t *tier, st *FrequencyState) error {
	if !t.present {
		return nil
	}
	layouts := make([]core1_0.DescriptorSetLayout, s.imageCount)
	for i := range layouts {
		layouts[i] = t.layout
	}
	sets, err := s.dev.API.AllocateDescriptorSets(s.pool, layouts...)
	if err != nil {
		return errors.Wrapf(err, "shader %q %s descriptor sets", s.Name, t.freq)
	}
	st.Sets = sets
	st.States = make([]DescriptorState, s.imageCount)
	for i := range st.States {
		st.States[i].FrameNumber = neverWritten
	}
	return nil
}

// initState fills a freshly claimed state: uniform range, descriptor sets and default
// resources. On failure everything it took is given back.
func (s *Shader) initState(t *tier, st *FrequencyState) error {
	if t.hasUBO {
		offset, ok := s.freeList.Allocate(t.stride, s.dev.Limits.MinUniformBufferOffsetAlignment)
		if !ok {
			return errors.Wrapf(ErrCapacityExceeded, "shader %q %s uniform buffer", s.Name, t.freq)
		}
		st.Offset = offset
		st.Block = make([]byte, t.blockSize)
	} else if t.freq == PerDraw && t.blockSize > 0 {
		st.Block = make([]byte, t.blockSize)
	}

	if err := s.allocateSets(t, st); err != nil {
		if t.hasUBO {
			_ = s.freeList.Free(st.Offset, t.stride)
		}
		return err
	}

	defaultTexture, defaultSampler := s.resources.Defaults()
	st.Resources = make([][]handle.Handle, len(t.resources))
	for i, u := range t.resources {
		entries := make([]handle.Handle, u.length())
		for j := range entries {
			if u.Type == Sampler {
				entries[j] = defaultSampler
			} else {
				entries[j] = defaultTexture
			}
		}
		st.Resources[i] = entries
	}
	return nil
}

func (s *Shader) acquire(t *tier, states []FrequencyState) (int, error) {
	for i := range states {
		if states[i].active() {
			continue
		}
		st := &states[i]
		st.ID = i
		if err := s.initState(t, st); err != nil {
			*st = FrequencyState{ID: freeID}
			return freeID, err
		}
		return i, nil
	}
	logging.Logger().Warn("shader state capacity exceeded",
		slog.String("shader", s.Name), slog.String("tier", t.freq.String()), slog.Int("max", len(states)))
	return freeID, errors.Wrapf(ErrCapacityExceeded, "shader %q: all %d %s states in use", s.Name, len(states), t.freq)
}

func (s *Shader) release(t *tier, states []FrequencyState, id int) error {
	if id < 0 || id >= len(states) || !states[id].active() {
		logging.Logger().Warn("releasing inactive shader state",
			slog.String("shader", s.Name), slog.String("tier", t.freq.String()), slog.Int("id", id))
		return errors.Newf("shader %q: %s state %d is not in use", s.Name, t.freq, id)
	}
	if err := s.dev.WaitIdle(); err != nil {
		return err
	}

	st := &states[id]
	if len(st.Sets) > 0 {
		if err := s.dev.API.FreeDescriptorSets(st.Sets...); err != nil {
			return errors.Wrapf(err, "shader %q free %s descriptor sets", s.Name, t.freq)
		}
	}
	if t.hasUBO {
		if err := s.freeList.Free(st.Offset, t.stride); err != nil {
			return err
		}
	}
	*st = FrequencyState{ID: freeID}
	return nil
}

// AcquireGroup claims a group state and returns its id.
func (s *Shader) AcquireGroup() (int, error) {
	return s.acquire(s.tiers[PerGroup], s.groups)
}

// ReleaseGroup returns a group state once the device is idle.
func (s *Shader) ReleaseGroup(id int) error {
	if err := s.release(s.tiers[PerGroup], s.groups, id); err != nil {
		return err
	}
	if s.boundGroup == id {
		s.boundGroup = freeID
	}
	return nil
}

// AcquireDraw claims a draw state and returns its id.
func (s *Shader) AcquireDraw() (int, error) {
	return s.acquire(s.tiers[PerDraw], s.draws)
}

// ReleaseDraw returns a draw state once the device is idle.
func (s *Shader) ReleaseDraw(id int) error {
	if err := s.release(s.tiers[PerDraw], s.draws, id); err != nil {
		return err
	}
	if s.boundDraw == id {
		s.boundDraw = freeID
	}
	return nil
}

func (s *Shader) bind(t *tier, states []FrequencyState, id int) error {
	if id < 0 || id >= len(states) || !states[id].active() {
		return errors.Newf("shader %q: %s state %d is not in use", s.Name, t.freq, id)
	}
	return nil
}

// BindGroup makes id the target of group uniform writes and ApplyPerGroup.
func (s *Shader) BindGroup(id int) error {
	if err := s.bind(s.tiers[PerGroup], s.groups, id); err != nil {
		return err
	}
	s.boundGroup = id
	return nil
}

// BindDraw makes id the target of draw uniform writes and ApplyPerDraw.
func (s *Shader) BindDraw(id int) error {
	if err := s.bind(s.tiers[PerDraw], s.draws, id); err != nil {
		return err
	}
	s.boundDraw = id
	return nil
}

// ApplyPerFrame uploads and binds the per-frame state.
func (s *Shader) ApplyPerFrame() error {
	if s.frameState == nil {
		return nil
	}
	return s.apply(s.tiers[PerFrame], s.frameState)
}

// ApplyPerGroup uploads and binds the bound group state.
func (s *Shader) ApplyPerGroup() error {
	t := s.tiers[PerGroup]
	if !t.present {
		return nil
	}
	if s.boundGroup == freeID {
		return errors.Wrapf(ErrNotBound, "shader %q group", s.Name)
	}
	return s.apply(t, &s.groups[s.boundGroup])
}

// ApplyPerDraw pushes the bound draw's constants and binds its descriptor set.
func (s *Shader) ApplyPerDraw() error {
	t := s.tiers[PerDraw]
	if t.blockSize == 0 && !t.present {
		return nil
	}
	if s.boundDraw == freeID {
		return errors.Wrapf(ErrNotBound, "shader %q draw", s.Name)
	}
	if s.frame.Cmd == nil {
		return errors.Newf("shader %q applied outside a frame", s.Name)
	}
	st := &s.draws[s.boundDraw]
	if t.blockSize > 0 {
		s.dev.API.CmdPushConstants(s.frame.Cmd.Handle, s.pipelines.Layout,
			core1_0.StageVertex|core1_0.StageFragment, 0, st.Block)
	}
	if !t.present {
		return nil
	}
	return s.apply(t, st)
}

func (s *Shader) apply(t *tier, st *FrequencyState) error {
	if s.frame.Cmd == nil {
		return errors.Newf("shader %q applied outside a frame", s.Name)
	}
	img := s.frame.ImageIndex

	if t.hasUBO {
		ubo := s.uniformBuffers[img]
		dst, err := ubo.Map(st.Offset, len(st.Block))
		if err != nil {
			return err
		}
		copy(dst, st.Block)
		err = ubo.Flush(st.Offset, len(st.Block))
		ubo.Unmap()
		if err != nil {
			return err
		}
	}

	ds := &st.States[img]
	if ds.FrameNumber != s.frame.Number {
		writes, err := s.descriptorWrites(t, st, img)
		if err != nil {
			return err
		}
		if err := s.dev.API.UpdateDescriptorSets(writes); err != nil {
			return errors.Wrapf(err, "shader %q %s descriptor update", s.Name, t.freq)
		}
		ds.FrameNumber = s.frame.Number
		ds.Writes++
	}

	s.dev.API.CmdBindDescriptorSets(s.frame.Cmd.Handle, s.pipelines.Layout, t.setIndex, st.Sets[img])
	return nil
}

func (s *Shader) descriptorWrites(t *tier, st *FrequencyState, img int) ([]core1_0.WriteDescriptorSet, error) {
	set := st.Sets[img]
	var writes []core1_0.WriteDescriptorSet
	if t.hasUBO {
		writes = append(writes, core1_0.WriteDescriptorSet{
			DstSet:          set,
			DstBinding:      0,
			DstArrayElement: 0,
			DescriptorType:  core1_0.DescriptorTypeUniformBuffer,
			BufferInfo: []core1_0.DescriptorBufferInfo{{
				Buffer: s.uniformBuffers[img].Handle,
				Offset: st.Offset,
				Range:  t.stride,
			}},
		})
	}

	// Samplers first, then textures, each in declaration order.
	for _, kind := range []UniformType{Sampler, Texture} {
		for _, u := range t.resources {
			if u.Type != kind {
				continue
			}
			infos := make([]core1_0.DescriptorImageInfo, 0, u.length())
			for _, h := range st.Resources[u.slot] {
				info, err := s.imageInfo(u, h, img)
				if err != nil {
					return nil, err
				}
				infos = append(infos, info)
			}
			descriptorType := core1_0.DescriptorTypeSampledImage
			if kind == Sampler {
				descriptorType = core1_0.DescriptorTypeSampler
			}
			writes = append(writes, core1_0.WriteDescriptorSet{
				DstSet:          set,
				DstBinding:      u.binding,
				DstArrayElement: 0,
				DescriptorType:  descriptorType,
				ImageInfo:       infos,
			})
		}
	}
	return writes, nil
}

// imageInfo resolves h for a descriptor write. A handle that went stale since it was
// assigned is replaced by the default resource.
func (s *Shader) imageInfo(u *uniform, h handle.Handle, img int) (core1_0.DescriptorImageInfo, error) {
	defaultTexture, defaultSampler := s.resources.Defaults()
	if u.Type == Sampler {
		sampler, err := s.resources.ResolveSampler(h)
		if err != nil {
			logging.Logger().Warn("stale sampler bound, using default",
				slog.String("shader", s.Name), slog.String("uniform", u.Name), slog.String("handle", h.String()))
			if sampler, err = s.resources.ResolveSampler(defaultSampler); err != nil {
				return core1_0.DescriptorImageInfo{}, err
			}
		}
		return core1_0.DescriptorImageInfo{Sampler: sampler.Handle}, nil
	}

	tex, err := s.resources.Resolve(h)
	if err != nil {
		logging.Logger().Warn("stale texture bound, using default",
			slog.String("shader", s.Name), slog.String("uniform", u.Name), slog.String("handle", h.String()))
		if tex, err = s.resources.Resolve(defaultTexture); err != nil {
			return core1_0.DescriptorImageInfo{}, err
		}
	}
	return core1_0.DescriptorImageInfo{
		ImageView:   tex.Image(img).View,
		ImageLayout: core1_0.ImageLayoutShaderReadOnlyOptimal,
	}, nil
}
