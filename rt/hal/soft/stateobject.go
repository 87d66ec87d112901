package soft

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/gekko3d/rtframe/rt/bvh"
	"github.com/gekko3d/rtframe/rt/hal"
)

type stateObject struct {
	desc    hal.StateObjectDesc
	ids     map[string][]byte
	exports map[string]string
}

// newStateObject derives a stable identifier for every export from the
// device serial, so identifiers differ between devices and state objects.
func newStateObject(d *Device, desc *hal.StateObjectDesc) *stateObject {
	d.mu.Lock()
	d.stateObjects++
	n := d.stateObjects
	d.mu.Unlock()

	so := &stateObject{
		desc:    *desc,
		ids:     make(map[string][]byte),
		exports: make(map[string]string),
	}
	size := int(d.opts.Caps.ShaderIdentifierSize)
	for _, e := range desc.Exports() {
		id := make([]byte, 0, size+16)
		for part := 0; len(id) < size; part++ {
			u := uuid.NewSHA1(d.serial, []byte(fmt.Sprintf("%s#%d/%s/%d", desc.Label, n, e, part)))
			id = append(id, u[:]...)
		}
		id = id[:size]
		so.ids[e] = id
		so.exports[string(id)] = e
	}
	return so
}

func (s *stateObject) Label() string { return s.desc.Label }
func (s *stateObject) Release()      {}

func (s *stateObject) ShaderIdentifier(export string) ([]byte, error) {
	id, ok := s.ids[export]
	if !ok {
		return nil, &hal.Error{Op: "ShaderIdentifier", Err: fmt.Errorf("%w: %q exports no %q", hal.ErrInvalidArgument, s.desc.Label, export)}
	}
	return append([]byte(nil), id...), nil
}

// export maps an identifier read from a shader record back to its export.
func (s *stateObject) export(id []byte) (string, bool) {
	e, ok := s.exports[string(id)]
	return e, ok
}

// stage reports what kind of shader record an export may occupy. Hit groups
// report StageClosestHit.
func (s *stateObject) stage(export string) (hal.ShaderStage, bool) {
	if _, ok := s.desc.HitGroup(export); ok {
		return hal.StageClosestHit, true
	}
	st, ok := s.desc.ShaderExports()[export]
	return st, ok
}

func prebuildInfo(inputs *hal.ASInputs) (hal.ASPrebuildInfo, error) {
	const op = "AccelerationStructurePrebuildInfo"
	var info hal.ASPrebuildInfo
	switch inputs.Type {
	case hal.ASBottomLevel:
		tris := 0
		for _, g := range inputs.Geometries {
			if g.VertexBuffer == 0 || g.VertexStride < 12 {
				return info, &hal.Error{Op: op, Err: fmt.Errorf("%w: geometry without float3 vertices", hal.ErrInvalidArgument)}
			}
			tris += int(g.TriangleCount())
		}
		if tris == 0 {
			return info, &hal.Error{Op: op, Err: fmt.Errorf("%w: no triangles", hal.ErrInvalidArgument)}
		}
		info.ResultDataMaxSize = bvh.MaxBLASSize(tris)
		info.ScratchDataSize = bvh.BLASScratchSize(tris)
		if inputs.Flags&hal.ASBuildAllowUpdate != 0 {
			info.UpdateScratchDataSize = info.ScratchDataSize
		}
	case hal.ASTopLevel:
		if inputs.NumInstances == 0 {
			return info, &hal.Error{Op: op, Err: fmt.Errorf("%w: no instances", hal.ErrInvalidArgument)}
		}
		n := int(inputs.NumInstances)
		info.ResultDataMaxSize = bvh.MaxTLASSize(n)
		info.ScratchDataSize = bvh.TLASScratchSize(n)
		if inputs.Flags&hal.ASBuildAllowUpdate != 0 {
			info.UpdateScratchDataSize = info.ScratchDataSize
		}
	default:
		return info, &hal.Error{Op: op, Err: fmt.Errorf("%w: type %d", hal.ErrInvalidArgument, inputs.Type)}
	}
	return info, nil
}
