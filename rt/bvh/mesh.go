package bvh

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

const triangleLeafSize = 4

type Ray struct {
	Origin mgl32.Vec3
	Dir    mgl32.Vec3
}

// Hit describes the closest intersection found. U and V are barycentrics of
// the second and third vertex.
type Hit struct {
	T        float32
	U, V     float32
	Triangle int
	Instance int
	Normal   mgl32.Vec3
}

// Mesh is a triangle soup with its bottom-level tree.
type Mesh struct {
	Tris [][3]mgl32.Vec3
	Tree *Tree
}

func NewMesh(tris [][3]mgl32.Vec3) *Mesh {
	items := make([]Item, len(tris))
	for i, tri := range tris {
		lo := minVec(minVec(tri[0], tri[1]), tri[2])
		hi := maxVec(maxVec(tri[0], tri[1]), tri[2])
		items[i] = NewItem(i, lo, hi)
	}
	b := &Builder{MaxLeafSize: triangleLeafSize}
	return &Mesh{Tris: tris, Tree: b.Build(items)}
}

// Intersect returns the closest hit with t in (0, tMax).
func (m *Mesh) Intersect(r Ray, tMax float32) (Hit, bool) {
	best := Hit{T: tMax, Triangle: -1}
	if len(m.Tris) == 0 {
		return best, false
	}
	inv := mgl32.Vec3{1 / r.Dir[0], 1 / r.Dir[1], 1 / r.Dir[2]}
	stack := make([]int32, 0, 64)
	stack = append(stack, 0)
	for len(stack) > 0 {
		ni := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := &m.Tree.Nodes[ni]
		if !slab(r.Origin, inv, n.Min, n.Max, best.T) {
			continue
		}
		if n.IsLeaf() {
			for _, ti := range m.Tree.Order[n.LeafFirst : n.LeafFirst+n.LeafCount] {
				if t, u, v, ok := triangle(r, m.Tris[ti]); ok && t < best.T {
					best = Hit{T: t, U: u, V: v, Triangle: int(ti)}
				}
			}
			continue
		}
		stack = append(stack, n.Left, n.Right)
	}
	if best.Triangle < 0 {
		return best, false
	}
	tri := m.Tris[best.Triangle]
	best.Normal = tri[1].Sub(tri[0]).Cross(tri[2].Sub(tri[0])).Normalize()
	return best, true
}

// slab tests the ray against an AABB with precomputed inverse direction.
func slab(o, inv, lo, hi mgl32.Vec3, tMax float32) bool {
	tmin, tmax := float32(0), tMax
	for k := 0; k < 3; k++ {
		t0 := (lo[k] - o[k]) * inv[k]
		t1 := (hi[k] - o[k]) * inv[k]
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		if math.IsNaN(float64(t0)) || math.IsNaN(float64(t1)) {
			continue
		}
		tmin = max(tmin, t0)
		tmax = min(tmax, t1)
		if tmax < tmin {
			return false
		}
	}
	return true
}

const epsilon = 1e-7

func triangle(r Ray, tri [3]mgl32.Vec3) (t, u, v float32, ok bool) {
	e1 := tri[1].Sub(tri[0])
	e2 := tri[2].Sub(tri[0])
	p := r.Dir.Cross(e2)
	det := e1.Dot(p)
	if det > -epsilon && det < epsilon {
		return 0, 0, 0, false
	}
	invDet := 1 / det
	s := r.Origin.Sub(tri[0])
	u = s.Dot(p) * invDet
	if u < 0 || u > 1 {
		return 0, 0, 0, false
	}
	q := s.Cross(e1)
	v = r.Dir.Dot(q) * invDet
	if v < 0 || u+v > 1 {
		return 0, 0, 0, false
	}
	t = e2.Dot(q) * invDet
	if t <= epsilon {
		return 0, 0, 0, false
	}
	return t, u, v, true
}
