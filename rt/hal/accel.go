package hal

import (
	"encoding/binary"
	"math"
)

type ASType uint8

const (
	ASBottomLevel ASType = iota
	ASTopLevel
)

func (t ASType) String() string {
	if t == ASTopLevel {
		return "TLAS"
	}
	return "BLAS"
}

type ASBuildFlags uint32

const (
	ASBuildAllowUpdate ASBuildFlags = 1 << iota
	ASBuildAllowCompaction
	ASBuildPreferFastTrace
	ASBuildPreferFastBuild
)

type GeometryFlags uint32

const (
	GeometryOpaque GeometryFlags = 1 << iota
	GeometryNoDuplicateAnyHit
)

type GeometryTriangles struct {
	VertexBuffer GPUVirtualAddress
	VertexStride uint64
	VertexCount  uint32
	VertexFormat Format
	IndexBuffer  GPUVirtualAddress
	IndexCount   uint32
	IndexFormat  IndexFormat
	Flags        GeometryFlags
}

// TriangleCount is the number of triangles the geometry describes.
func (g GeometryTriangles) TriangleCount() uint32 {
	if g.IndexBuffer != 0 {
		return g.IndexCount / 3
	}
	return g.VertexCount / 3
}

type ASInputs struct {
	Type          ASType
	Flags         ASBuildFlags
	Geometries    []GeometryTriangles
	NumInstances  uint32
	InstanceDescs GPUVirtualAddress
}

type ASPrebuildInfo struct {
	ResultDataMaxSize     uint64
	ScratchDataSize       uint64
	UpdateScratchDataSize uint64
}

type ASBuildDesc struct {
	Inputs  ASInputs
	Dest    GPUVirtualAddress
	Scratch GPUVirtualAddress
}

type InstanceFlags uint8

const (
	InstanceTriangleCullDisable InstanceFlags = 1 << iota
	InstanceTriangleFrontCCW
	InstanceForceOpaque
	InstanceForceNonOpaque
)

// InstanceDescSize is the encoded size of one top-level instance record.
const InstanceDescSize = 64

// InstanceDesc is one top-level instance: a row-major 3x4 transform, a
// 24-bit instance id, an 8-bit mask, a 24-bit hit group offset, 8 bits of
// flags and the address of the bottom-level structure it places.
type InstanceDesc struct {
	Transform     [12]float32
	InstanceID    uint32
	Mask          uint8
	HitGroupIndex uint32
	Flags         InstanceFlags
	BLAS          GPUVirtualAddress
}

func IdentityTransform() [12]float32 {
	return [12]float32{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
	}
}

func (d InstanceDesc) Encode(dst []byte) {
	_ = dst[InstanceDescSize-1]
	for i, f := range d.Transform {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(f))
	}
	binary.LittleEndian.PutUint32(dst[48:], d.InstanceID&0xFFFFFF|uint32(d.Mask)<<24)
	binary.LittleEndian.PutUint32(dst[52:], d.HitGroupIndex&0xFFFFFF|uint32(d.Flags)<<24)
	binary.LittleEndian.PutUint64(dst[56:], uint64(d.BLAS))
}

func DecodeInstanceDesc(src []byte) InstanceDesc {
	_ = src[InstanceDescSize-1]
	var d InstanceDesc
	for i := range d.Transform {
		d.Transform[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
	w := binary.LittleEndian.Uint32(src[48:])
	d.InstanceID = w & 0xFFFFFF
	d.Mask = uint8(w >> 24)
	w = binary.LittleEndian.Uint32(src[52:])
	d.HitGroupIndex = w & 0xFFFFFF
	d.Flags = InstanceFlags(w >> 24)
	d.BLAS = GPUVirtualAddress(binary.LittleEndian.Uint64(src[56:]))
	return d
}
