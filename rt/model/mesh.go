// Package model loads triangle meshes and their material textures into the
// flat vertex layout the renderer uploads.
package model

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
)

// Vertex layout offsets in bytes. VertexStride is the size of one vertex.
const (
	PositionOffset = 0
	NormalOffset   = 12
	TangentOffset  = 24
	BinormalOffset = 36
	UVOffset       = 48
	VertexStride   = 56
)

type AssetID string

func newAssetID() AssetID {
	return AssetID(uuid.NewString())
}

type Vertex struct {
	Position mgl32.Vec3
	Normal   mgl32.Vec3
	Tangent  mgl32.Vec3
	Binormal mgl32.Vec3
	UV       mgl32.Vec2
}

type Material struct {
	Name    string
	Diffuse mgl32.Vec4
	// Textures are paths relative to the working directory, diffuse first.
	Textures []string
}

type Mesh struct {
	ID       AssetID
	Name     string
	Vertices []Vertex
	Indices  []uint32
	Material Material
}

func NewMesh(name string, vertices []Vertex, indices []uint32) *Mesh {
	return &Mesh{
		ID:       newAssetID(),
		Name:     name,
		Vertices: vertices,
		Indices:  indices,
		Material: Material{Name: "default", Diffuse: mgl32.Vec4{0.8, 0.8, 0.8, 1}},
	}
}

// VertexBytes encodes the vertices little-endian in the VertexStride layout.
func (m *Mesh) VertexBytes() []byte {
	out := make([]byte, len(m.Vertices)*VertexStride)
	for i, v := range m.Vertices {
		b := out[i*VertexStride:]
		putVec(b[PositionOffset:], v.Position[:]...)
		putVec(b[NormalOffset:], v.Normal[:]...)
		putVec(b[TangentOffset:], v.Tangent[:]...)
		putVec(b[BinormalOffset:], v.Binormal[:]...)
		putVec(b[UVOffset:], v.UV[:]...)
	}
	return out
}

func (m *Mesh) IndexBytes() []byte {
	out := make([]byte, len(m.Indices)*4)
	for i, idx := range m.Indices {
		binary.LittleEndian.PutUint32(out[i*4:], idx)
	}
	return out
}

func (m *Mesh) Bounds() (lo, hi mgl32.Vec3) {
	if len(m.Vertices) == 0 {
		return
	}
	lo, hi = m.Vertices[0].Position, m.Vertices[0].Position
	for _, v := range m.Vertices[1:] {
		for k := 0; k < 3; k++ {
			lo[k] = min(lo[k], v.Position[k])
			hi[k] = max(hi[k], v.Position[k])
		}
	}
	return lo, hi
}

func putVec(dst []byte, fs ...float32) {
	for i, f := range fs {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(f))
	}
}

// Cube returns an axis-aligned cube of half extent 1 with four vertices per
// face, so 24 vertices and 36 indices.
func Cube() *Mesh {
	faces := []struct {
		n, t mgl32.Vec3
	}{
		{mgl32.Vec3{0, 0, 1}, mgl32.Vec3{1, 0, 0}},
		{mgl32.Vec3{0, 0, -1}, mgl32.Vec3{-1, 0, 0}},
		{mgl32.Vec3{1, 0, 0}, mgl32.Vec3{0, 0, -1}},
		{mgl32.Vec3{-1, 0, 0}, mgl32.Vec3{0, 0, 1}},
		{mgl32.Vec3{0, 1, 0}, mgl32.Vec3{1, 0, 0}},
		{mgl32.Vec3{0, -1, 0}, mgl32.Vec3{1, 0, 0}},
	}
	corners := [4]mgl32.Vec2{{-1, -1}, {1, -1}, {1, 1}, {-1, 1}}
	uvs := [4]mgl32.Vec2{{0, 1}, {1, 1}, {1, 0}, {0, 0}}

	verts := make([]Vertex, 0, 24)
	idx := make([]uint32, 0, 36)
	for _, f := range faces {
		b := f.n.Cross(f.t)
		base := uint32(len(verts))
		for i, c := range corners {
			p := f.n.Add(f.t.Mul(c[0])).Add(b.Mul(c[1]))
			verts = append(verts, Vertex{Position: p, Normal: f.n, Tangent: f.t, Binormal: b, UV: uvs[i]})
		}
		idx = append(idx, base, base+1, base+2, base, base+2, base+3)
	}
	return NewMesh("cube", verts, idx)
}

// ComputeTangents fills tangents and binormals from positions and uvs,
// averaging over the triangles that share a vertex.
func ComputeTangents(m *Mesh) {
	tan := make([]mgl32.Vec3, len(m.Vertices))
	bin := make([]mgl32.Vec3, len(m.Vertices))
	for i := 0; i+2 < len(m.Indices); i += 3 {
		i0, i1, i2 := m.Indices[i], m.Indices[i+1], m.Indices[i+2]
		v0, v1, v2 := m.Vertices[i0], m.Vertices[i1], m.Vertices[i2]
		e1, e2 := v1.Position.Sub(v0.Position), v2.Position.Sub(v0.Position)
		d1, d2 := v1.UV.Sub(v0.UV), v2.UV.Sub(v0.UV)
		det := d1[0]*d2[1] - d2[0]*d1[1]
		if det == 0 {
			continue
		}
		r := 1 / det
		t := e1.Mul(d2[1]).Sub(e2.Mul(d1[1])).Mul(r)
		b := e2.Mul(d1[0]).Sub(e1.Mul(d2[0])).Mul(r)
		for _, k := range []uint32{i0, i1, i2} {
			tan[k] = tan[k].Add(t)
			bin[k] = bin[k].Add(b)
		}
	}
	for i := range m.Vertices {
		n := m.Vertices[i].Normal
		t := tan[i]
		// Gram-Schmidt against the normal.
		t = t.Sub(n.Mul(n.Dot(t)))
		if t.Len() < 1e-8 {
			t = anyPerpendicular(n)
		}
		t = t.Normalize()
		b := n.Cross(t)
		if bin[i].Dot(b) < 0 {
			b = b.Mul(-1)
		}
		m.Vertices[i].Tangent = t
		m.Vertices[i].Binormal = b
	}
}

func anyPerpendicular(n mgl32.Vec3) mgl32.Vec3 {
	if math.Abs(float64(n[0])) < 0.9 {
		return n.Cross(mgl32.Vec3{1, 0, 0})
	}
	return n.Cross(mgl32.Vec3{0, 1, 0})
}
