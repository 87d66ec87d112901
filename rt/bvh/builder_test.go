package bvh

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTwoObjectsSplit(t *testing.T) {
	items := []Item{
		NewItem(0, mgl32.Vec3{-100, -1, -1}, mgl32.Vec3{-98, 1, 1}),
		NewItem(1, mgl32.Vec3{100, -1, -1}, mgl32.Vec3{102, 1, 1}),
	}
	tree := (&Builder{MaxLeafSize: 1}).Build(items)
	data := tree.Encode()

	require.Len(t, tree.Nodes, 3)
	require.Len(t, data, 3*NodeSize+2*4)

	root := DecodeNode(data)
	assert.LessOrEqual(t, root.Min.X(), float32(-100))
	assert.GreaterOrEqual(t, root.Max.X(), float32(100))
	require.NotEqual(t, int32(-1), root.Left)
	require.NotEqual(t, root.Left, root.Right)

	left := DecodeNode(data[root.Left*NodeSize:])
	right := DecodeNode(data[root.Right*NodeSize:])
	assert.True(t, left.IsLeaf())
	assert.True(t, right.IsLeaf())
	assert.Equal(t, int32(0), tree.Order[left.LeafFirst], "the -X object sorts first")
}

func TestSingleObjectIsLeafRoot(t *testing.T) {
	tree := (&Builder{}).Build([]Item{NewItem(0, mgl32.Vec3{}, mgl32.Vec3{1, 1, 1})})
	require.Len(t, tree.Nodes, 1)
	assert.True(t, tree.Nodes[0].IsLeaf())
	assert.Equal(t, int32(0), tree.Nodes[0].LeafFirst)
	assert.Equal(t, int32(1), tree.Nodes[0].LeafCount)
}

func TestEmptyBuildHasRoot(t *testing.T) {
	tree := (&Builder{}).Build(nil)
	require.Len(t, tree.Nodes, 1)
	assert.Equal(t, int32(0), tree.Nodes[0].LeafCount)
}

func TestLeafSizeBoundsNodes(t *testing.T) {
	var items []Item
	for i := 0; i < 37; i++ {
		p := mgl32.Vec3{float32(i), 0, 0}
		items = append(items, NewItem(i, p, p.Add(mgl32.Vec3{0.5, 0.5, 0.5})))
	}
	tree := (&Builder{MaxLeafSize: 4}).Build(items)
	assert.Len(t, tree.Order, 37)
	assert.LessOrEqual(t, len(tree.Nodes), 2*37)
	for _, n := range tree.Nodes {
		if n.IsLeaf() {
			assert.LessOrEqual(t, n.LeafCount, int32(4))
		}
	}
}

func unitQuad(z float32) [][3]mgl32.Vec3 {
	a := mgl32.Vec3{-1, -1, z}
	b := mgl32.Vec3{1, -1, z}
	c := mgl32.Vec3{1, 1, z}
	d := mgl32.Vec3{-1, 1, z}
	return [][3]mgl32.Vec3{{a, b, c}, {a, c, d}}
}

func TestMeshIntersect(t *testing.T) {
	m := NewMesh(append(unitQuad(-5), unitQuad(-2)...))
	h, ok := m.Intersect(Ray{Origin: mgl32.Vec3{0.2, 0.1, 0}, Dir: mgl32.Vec3{0, 0, -1}}, 100)
	require.True(t, ok)
	assert.InDelta(t, 2, h.T, 1e-5, "closest quad wins")
	assert.InDelta(t, 1, h.Normal.Z(), 1e-5)

	_, ok = m.Intersect(Ray{Origin: mgl32.Vec3{3, 0, 0}, Dir: mgl32.Vec3{0, 0, -1}}, 100)
	assert.False(t, ok)

	_, ok = m.Intersect(Ray{Origin: mgl32.Vec3{0, 0, 0}, Dir: mgl32.Vec3{0, 0, -1}}, 1.5)
	assert.False(t, ok, "tMax clips the hit")
}

func TestSceneInstanceTransformAndMask(t *testing.T) {
	m := NewMesh(unitQuad(0))
	s := NewScene([]Instance{
		{Mesh: m, Transform: mgl32.Translate3D(0, 0, -10), ID: 1, Mask: 0x01},
		{Mesh: m, Transform: mgl32.Translate3D(0, 0, -4), ID: 2, Mask: 0x02},
	})
	r := Ray{Origin: mgl32.Vec3{0, 0, 0}, Dir: mgl32.Vec3{0, 0, -1}}

	h, ok := s.Intersect(r, 1000, 0xFF)
	require.True(t, ok)
	assert.Equal(t, 1, h.Instance)
	assert.InDelta(t, 4, h.T, 1e-4)

	h, ok = s.Intersect(r, 1000, 0x01)
	require.True(t, ok)
	assert.Equal(t, 0, h.Instance)
	assert.InDelta(t, 10, h.T, 1e-4)
}
