package bvh

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Instance places a mesh in the world.
type Instance struct {
	Mesh      *Mesh
	Transform mgl32.Mat4
	ID        uint32
	Mask      uint8
	inverse   mgl32.Mat4
}

// Scene is a top-level tree over instance world bounds.
type Scene struct {
	Instances []Instance
	Tree      *Tree
}

func NewScene(instances []Instance) *Scene {
	s := &Scene{Instances: make([]Instance, len(instances))}
	items := make([]Item, 0, len(instances))
	for i, inst := range instances {
		inst.inverse = inst.Transform.Inv()
		s.Instances[i] = inst
		if inst.Mesh == nil || len(inst.Mesh.Tris) == 0 {
			continue
		}
		lo, hi := inst.Mesh.Tree.Bounds()
		wlo, whi := transformAABB(inst.Transform, lo, hi)
		items = append(items, NewItem(i, wlo, whi))
	}
	b := &Builder{MaxLeafSize: 1}
	s.Tree = b.Build(items)
	return s
}

// Intersect returns the closest hit among instances whose mask shares a bit
// with mask. Hit.Normal is in world space.
func (s *Scene) Intersect(r Ray, tMax float32, mask uint8) (Hit, bool) {
	best := Hit{T: tMax, Triangle: -1, Instance: -1}
	if len(s.Tree.Order) == 0 {
		return best, false
	}
	inv := mgl32.Vec3{1 / r.Dir[0], 1 / r.Dir[1], 1 / r.Dir[2]}
	stack := []int32{0}
	for len(stack) > 0 {
		ni := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := &s.Tree.Nodes[ni]
		if !slab(r.Origin, inv, n.Min, n.Max, best.T) {
			continue
		}
		if !n.IsLeaf() {
			stack = append(stack, n.Left, n.Right)
			continue
		}
		for _, ii := range s.Tree.Order[n.LeafFirst : n.LeafFirst+n.LeafCount] {
			inst := &s.Instances[ii]
			if inst.Mask&mask == 0 {
				continue
			}
			// Object-space direction is not renormalized so t stays in world units.
			local := Ray{
				Origin: mgl32.TransformCoordinate(r.Origin, inst.inverse),
				Dir:    mgl32.TransformNormal(r.Dir, inst.inverse),
			}
			if h, ok := inst.Mesh.Intersect(local, best.T); ok {
				h.Instance = int(ii)
				h.Normal = mgl32.TransformNormal(h.Normal, inst.inverse.Transpose()).Normalize()
				best = h
			}
		}
	}
	return best, best.Instance >= 0
}

func transformAABB(m mgl32.Mat4, lo, hi mgl32.Vec3) (mgl32.Vec3, mgl32.Vec3) {
	inf := float32(math.Inf(1))
	wlo := mgl32.Vec3{inf, inf, inf}
	whi := mgl32.Vec3{-inf, -inf, -inf}
	for c := 0; c < 8; c++ {
		p := mgl32.Vec3{lo[0], lo[1], lo[2]}
		if c&1 != 0 {
			p[0] = hi[0]
		}
		if c&2 != 0 {
			p[1] = hi[1]
		}
		if c&4 != 0 {
			p[2] = hi[2]
		}
		w := mgl32.TransformCoordinate(p, m)
		wlo = minVec(wlo, w)
		whi = maxVec(whi, w)
	}
	return wlo, whi
}

// Size bounds used by devices to answer prebuild queries.
func MaxBLASSize(triangles int) uint64 {
	return uint64(NodeSize + 2*triangles*NodeSize + triangles*(4+36))
}

func BLASScratchSize(triangles int) uint64 {
	return uint64(256 + triangles*48)
}

func MaxTLASSize(instances int) uint64 {
	return uint64(NodeSize + 2*instances*NodeSize + instances*(4+64))
}

func TLASScratchSize(instances int) uint64 {
	return uint64(256 + instances*48)
}
