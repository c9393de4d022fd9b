package shader

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/common"

	"github.com/vkngwrapper/backend/handle"
)

// Location returns the index of the uniform called name.
func (s *Shader) Location(name string) (int, error) {
	index, ok := s.byName[name]
	if !ok {
		return -1, errors.Wrapf(ErrUnknownUniform, "shader %q uniform %q", s.Name, name)
	}
	return index, nil
}

func (s *Shader) lookup(location int) (*uniform, error) {
	if location < 0 || location >= len(s.uniforms) {
		return nil, errors.Wrapf(ErrUnknownUniform, "shader %q location %d", s.Name, location)
	}
	return s.uniforms[location], nil
}

// target returns the state uniforms of freq are written to.
func (s *Shader) target(freq Frequency) (*FrequencyState, error) {
	switch freq {
	case PerFrame:
		if s.frameState == nil {
			return nil, errors.Newf("shader %q has no per-frame state", s.Name)
		}
		return s.frameState, nil
	case PerGroup:
		if s.boundGroup == freeID {
			return nil, errors.Wrapf(ErrNotBound, "shader %q group", s.Name)
		}
		return &s.groups[s.boundGroup], nil
	case PerDraw:
		if s.boundDraw == freeID {
			return nil, errors.Wrapf(ErrNotBound, "shader %q draw", s.Name)
		}
		return &s.draws[s.boundDraw], nil
	}
	return nil, errors.Newf("shader %q: unknown frequency %d", s.Name, freq)
}

// encode serialises value in device byte order. Slices of bytes are taken as is.
func encode(value any) ([]byte, error) {
	if raw, ok := value.([]byte); ok {
		return raw, nil
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, common.ByteOrder, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SetUniform writes value to element arrayIndex of the scalar uniform at location.
// value is any fixed-size value, such as float32 or an mgl32 vector or matrix, and must
// encode to exactly the uniform's size. Group and draw uniforms are written to the
// bound state.
func (s *Shader) SetUniform(location, arrayIndex int, value any) error {
	u, err := s.lookup(location)
	if err != nil {
		return err
	}
	if u.Type.IsResource() {
		return errors.Wrapf(ErrSamplerUniform, "shader %q uniform %q", s.Name, u.Name)
	}
	if arrayIndex < 0 || arrayIndex >= u.length() {
		return errors.Wrapf(ErrArrayIndex, "shader %q uniform %q index %d of %d", s.Name, u.Name, arrayIndex, u.length())
	}
	data, err := encode(value)
	if err != nil {
		return errors.Wrapf(err, "shader %q uniform %q", s.Name, u.Name)
	}
	if len(data) != u.Size {
		return errors.Newf("shader %q uniform %q is %d bytes, value is %d", s.Name, u.Name, u.Size, len(data))
	}

	st, err := s.target(u.Frequency)
	if err != nil {
		return err
	}
	offset := u.offset + arrayIndex*u.stride
	copy(st.Block[offset:offset+len(data)], data)
	return nil
}

// SetUniformByName is SetUniform addressed by name.
func (s *Shader) SetUniformByName(name string, arrayIndex int, value any) error {
	location, err := s.Location(name)
	if err != nil {
		return err
	}
	return s.SetUniform(location, arrayIndex, value)
}

func (s *Shader) setResource(location, arrayIndex int, kind UniformType, h handle.Handle) error {
	u, err := s.lookup(location)
	if err != nil {
		return err
	}
	if u.Type != kind {
		return errors.Newf("shader %q uniform %q is not a %s uniform", s.Name, u.Name, kindName(kind))
	}
	if arrayIndex < 0 || arrayIndex >= u.length() {
		return errors.Wrapf(ErrArrayIndex, "shader %q uniform %q index %d of %d", s.Name, u.Name, arrayIndex, u.length())
	}
	if kind == Sampler {
		_, err = s.resources.ResolveSampler(h)
	} else {
		_, err = s.resources.Resolve(h)
	}
	if err != nil {
		return errors.Wrapf(err, "shader %q uniform %q", s.Name, u.Name)
	}

	st, err := s.target(u.Frequency)
	if err != nil {
		return err
	}
	st.Resources[u.slot][arrayIndex] = h
	return nil
}

func kindName(kind UniformType) string {
	if kind == Sampler {
		return "sampler"
	}
	return "texture"
}

// SetSampler assigns sampler h to element arrayIndex of the sampler uniform at location.
func (s *Shader) SetSampler(location, arrayIndex int, h handle.Handle) error {
	return s.setResource(location, arrayIndex, Sampler, h)
}

// SetTexture assigns texture h to element arrayIndex of the texture uniform at location.
func (s *Shader) SetTexture(location, arrayIndex int, h handle.Handle) error {
	return s.setResource(location, arrayIndex, Texture, h)
}
