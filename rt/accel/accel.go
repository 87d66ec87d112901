// Package accel records bottom- and top-level acceleration structure builds.
package accel

import (
	"errors"
	"fmt"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/rtframe/rt/core"
	"github.com/gekko3d/rtframe/rt/fence"
	"github.com/gekko3d/rtframe/rt/hal"
)

var (
	ErrNotReady   = errors.New("accel: structure is not ready")
	ErrBuildOrder = errors.New("accel: build order violated")
)

// State tracks a structure through its build. A structure is Ready once
// the UAV barrier after its build has been recorded.
type State uint8

const (
	Unbuilt State = iota
	ScratchAllocated
	Built
	Ready
)

func (s State) String() string {
	switch s {
	case Unbuilt:
		return "unbuilt"
	case ScratchAllocated:
		return "scratch allocated"
	case Built:
		return "built"
	case Ready:
		return "ready"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Geometry is one triangle mesh in GPU memory.
type Geometry struct {
	VertexBuffer hal.Buffer
	VertexOffset uint64
	VertexStride uint64
	VertexCount  uint32
	IndexBuffer  hal.Buffer
	IndexCount   uint32
	IndexFormat  hal.IndexFormat
	Opaque       bool
}

func (g Geometry) triangles() hal.GeometryTriangles {
	t := hal.GeometryTriangles{
		VertexBuffer: g.VertexBuffer.GPUAddress() + hal.GPUVirtualAddress(g.VertexOffset),
		VertexStride: g.VertexStride,
		VertexCount:  g.VertexCount,
		VertexFormat: hal.FormatR32G32B32Float,
	}
	if g.IndexBuffer != nil {
		t.IndexBuffer = g.IndexBuffer.GPUAddress()
		t.IndexCount = g.IndexCount
		t.IndexFormat = g.IndexFormat
	}
	if g.Opaque {
		t.Flags |= hal.GeometryOpaque
	}
	return t
}

// Instance places a bottom-level structure in the scene.
type Instance struct {
	BLAS      *Structure
	Transform mgl32.Mat4
	ID        uint32
	Mask      uint8
	HitGroup  uint32
	Flags     hal.InstanceFlags
}

func (in Instance) desc() hal.InstanceDesc {
	var t [12]float32
	for row := 0; row < 3; row++ {
		for col := 0; col < 4; col++ {
			t[row*4+col] = in.Transform.At(row, col)
		}
	}
	return hal.InstanceDesc{
		Transform:     t,
		InstanceID:    in.ID,
		Mask:          in.Mask,
		HitGroupIndex: in.HitGroup,
		Flags:         in.Flags,
		BLAS:          in.BLAS.GPUAddress(),
	}
}

// Structure owns the result, scratch and (top-level only) instance buffers
// of one acceleration structure.
type Structure struct {
	Label string
	Type  hal.ASType

	state     State
	sizes     hal.ASPrebuildInfo
	result    hal.Buffer
	scratch   hal.Buffer
	instances hal.Buffer
	count     int
	refs      []hal.GPUVirtualAddress
}

func (s *Structure) State() State { return s.state }

// Sizes are the device-reported sizes, rounded up to the structure alignment.
func (s *Structure) Sizes() hal.ASPrebuildInfo { return s.sizes }

func (s *Structure) Result() hal.Buffer { return s.result }

func (s *Structure) GPUAddress() hal.GPUVirtualAddress {
	if s.result == nil {
		return 0
	}
	return s.result.GPUAddress()
}

// InstanceCount is the number of instances of a top-level structure.
func (s *Structure) InstanceCount() int { return s.count }

// ReleaseScratch hands the build-time buffers to g, to be released once the
// queue completes v.
func (s *Structure) ReleaseScratch(g *fence.Graveyard, v uint64) {
	var res []fence.Releaser
	if s.scratch != nil {
		res = append(res, s.scratch)
		s.scratch = nil
	}
	if s.instances != nil {
		res = append(res, s.instances)
		s.instances = nil
	}
	g.Bury(v, res...)
}

func (s *Structure) Release() {
	for _, b := range []hal.Buffer{s.result, s.scratch, s.instances} {
		if b != nil {
			b.Release()
		}
	}
	s.result, s.scratch, s.instances = nil, nil, nil
	s.state = Unbuilt
}

// Builder records acceleration structure builds into command lists. It
// remembers which bottom-level structures each top-level build reads so
// that a recorded list can be checked with VerifyBuildOrder.
type Builder struct {
	dev   hal.Device
	align uint64
	log   core.Logger
	reads map[hal.GPUVirtualAddress][]hal.GPUVirtualAddress
}

func NewBuilder(dev hal.Device, log core.Logger) *Builder {
	return &Builder{
		dev:   dev,
		align: dev.Caps().AccelerationStructureAlignment,
		log:   core.OrNop(log),
		reads: make(map[hal.GPUVirtualAddress][]hal.GPUVirtualAddress),
	}
}

// BuildBLAS records the build of one bottom-level structure over geoms
// followed by a UAV barrier on its result.
func (b *Builder) BuildBLAS(list *hal.CommandList, label string, geoms ...Geometry) (*Structure, error) {
	if len(geoms) == 0 {
		return nil, fmt.Errorf("accel: blas %q: no geometry", label)
	}
	inputs := hal.ASInputs{Type: hal.ASBottomLevel, Flags: hal.ASBuildPreferFastTrace}
	for _, g := range geoms {
		if g.VertexBuffer == nil {
			return nil, fmt.Errorf("accel: blas %q: geometry without vertex buffer", label)
		}
		inputs.Geometries = append(inputs.Geometries, g.triangles())
	}
	s := &Structure{Label: label, Type: hal.ASBottomLevel}
	if err := b.build(list, s, inputs); err != nil {
		return nil, err
	}
	return s, nil
}

// BuildTLAS uploads the instance descriptors into a CPU-visible buffer and
// records the top-level build followed by a UAV barrier. Every referenced
// bottom-level structure must be Ready.
func (b *Builder) BuildTLAS(list *hal.CommandList, label string, instances []Instance) (*Structure, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("accel: tlas %q: no instances", label)
	}
	s := &Structure{Label: label, Type: hal.ASTopLevel, count: len(instances)}
	for i, in := range instances {
		if in.BLAS == nil || in.BLAS.state != Ready {
			return nil, fmt.Errorf("%w: tlas %q instance %d", ErrNotReady, label, i)
		}
		s.refs = append(s.refs, in.BLAS.GPUAddress())
	}

	buf, err := b.dev.CreateBuffer(hal.BufferDesc{
		Label: label + " instances",
		Size:  uint64(len(instances)) * hal.InstanceDescSize,
		Heap:  hal.HeapUpload,
	})
	if err != nil {
		return nil, fmt.Errorf("accel: tlas %q instances: %w", label, err)
	}
	mem, err := buf.Map()
	if err != nil {
		buf.Release()
		return nil, fmt.Errorf("accel: tlas %q instances: %w", label, err)
	}
	for i, in := range instances {
		in.desc().Encode(mem[i*hal.InstanceDescSize:])
	}
	buf.Unmap()
	s.instances = buf

	inputs := hal.ASInputs{
		Type:          hal.ASTopLevel,
		Flags:         hal.ASBuildPreferFastTrace,
		NumInstances:  uint32(len(instances)),
		InstanceDescs: buf.GPUAddress(),
	}
	if err := b.build(list, s, inputs); err != nil {
		s.Release()
		return nil, err
	}
	b.reads[s.GPUAddress()] = s.refs
	return s, nil
}

func (b *Builder) build(list *hal.CommandList, s *Structure, inputs hal.ASInputs) error {
	info, err := b.dev.AccelerationStructurePrebuildInfo(&inputs)
	if err != nil {
		return fmt.Errorf("accel: %s %q prebuild: %w", s.Type, s.Label, err)
	}
	if info.ResultDataMaxSize == 0 || info.ScratchDataSize == 0 {
		return fmt.Errorf("accel: %s %q prebuild: device reported zero size", s.Type, s.Label)
	}
	s.sizes = hal.ASPrebuildInfo{
		ResultDataMaxSize:     hal.Align(info.ResultDataMaxSize, b.align),
		ScratchDataSize:       hal.Align(info.ScratchDataSize, b.align),
		UpdateScratchDataSize: hal.Align(info.UpdateScratchDataSize, b.align),
	}

	s.scratch, err = b.dev.CreateBuffer(hal.BufferDesc{
		Label:        s.Label + " scratch",
		Size:         s.sizes.ScratchDataSize,
		Usage:        hal.BufferUsageUnorderedAccess,
		InitialState: hal.StateUnorderedAccess,
	})
	if err != nil {
		return fmt.Errorf("accel: %s %q scratch: %w", s.Type, s.Label, err)
	}
	s.state = ScratchAllocated

	s.result, err = b.dev.CreateBuffer(hal.BufferDesc{
		Label: s.Label,
		Size:  s.sizes.ResultDataMaxSize,
		Usage: hal.BufferUsageAccelerationStructure,
	})
	if err != nil {
		s.scratch.Release()
		s.scratch = nil
		s.state = Unbuilt
		return fmt.Errorf("accel: %s %q result: %w", s.Type, s.Label, err)
	}

	list.BuildAccelerationStructure(hal.ASBuildDesc{
		Inputs:  inputs,
		Dest:    s.result.GPUAddress(),
		Scratch: s.scratch.GPUAddress(),
	})
	s.state = Built
	list.ResourceBarrier(hal.UAVBarrier(s.result))
	s.state = Ready

	b.log.Debugf("accel: %s %q: result %d bytes, scratch %d bytes", s.Type, s.Label, s.sizes.ResultDataMaxSize, s.sizes.ScratchDataSize)
	return nil
}

// VerifyBuildOrder checks a closed list: every bottom-level structure a
// top-level build reads, if built in the same list, must be built and
// followed by a UAV barrier before that top-level build.
func (b *Builder) VerifyBuildOrder(list *hal.CommandList) error {
	cmds, err := list.Commands()
	if err != nil {
		return err
	}
	const (
		pending = iota + 1
		visible
	)
	blas := make(map[hal.GPUVirtualAddress]int)
	for i, c := range cmds {
		switch c := c.(type) {
		case hal.BuildAccelerationStructureCmd:
			if c.Desc.Inputs.Type == hal.ASBottomLevel {
				blas[c.Desc.Dest] = pending
				continue
			}
			for _, ref := range b.reads[c.Desc.Dest] {
				if blas[ref] == pending {
					return fmt.Errorf("%w: command %d builds TLAS 0x%x before a UAV barrier on BLAS 0x%x", ErrBuildOrder, i, uint64(c.Desc.Dest), uint64(ref))
				}
			}
		case hal.BarrierCmd:
			for _, br := range c.Barriers {
				if br.Type != hal.BarrierUAV {
					continue
				}
				if br.Resource == nil {
					for va, st := range blas {
						if st == pending {
							blas[va] = visible
						}
					}
					continue
				}
				if buf, ok := br.Resource.(hal.Buffer); ok && blas[buf.GPUAddress()] == pending {
					blas[buf.GPUAddress()] = visible
				}
			}
		}
	}
	return b.checkLateBLAS(cmds)
}

// checkLateBLAS rejects a bottom-level build recorded after a top-level
// build in the same list that reads it.
func (b *Builder) checkLateBLAS(cmds []hal.Command) error {
	read := make(map[hal.GPUVirtualAddress]hal.GPUVirtualAddress)
	for i, c := range cmds {
		bc, ok := c.(hal.BuildAccelerationStructureCmd)
		if !ok {
			continue
		}
		if bc.Desc.Inputs.Type == hal.ASTopLevel {
			for _, ref := range b.reads[bc.Desc.Dest] {
				read[ref] = bc.Desc.Dest
			}
			continue
		}
		if t, ok := read[bc.Desc.Dest]; ok {
			return fmt.Errorf("%w: command %d builds BLAS 0x%x after TLAS 0x%x read it", ErrBuildOrder, i, uint64(bc.Desc.Dest), uint64(t))
		}
	}
	return nil
}

// Forget drops what the builder remembers about s. Call it before s is
// released so a later structure at the same address is not confused with it.
func (b *Builder) Forget(s *Structure) {
	delete(b.reads, s.GPUAddress())
}
