package bvh

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl32"
)

// NodeSize is the encoded size of one node:
//
//	aabb_min   vec4  0
//	aabb_max   vec4 16
//	left       i32  32
//	right      i32  36
//	leaf_first i32  40
//	leaf_count i32  44
//	padding    i32  48..64
const NodeSize = 64

type Node struct {
	Min       mgl32.Vec3
	Max       mgl32.Vec3
	Left      int32
	Right     int32
	LeafFirst int32
	LeafCount int32
}

func (n *Node) IsLeaf() bool { return n.Left < 0 }

func (n *Node) Encode(buf []byte) {
	_ = buf[NodeSize-1]
	for i := 0; i < 3; i++ {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(n.Min[i]))
		binary.LittleEndian.PutUint32(buf[16+i*4:], math.Float32bits(n.Max[i]))
	}
	binary.LittleEndian.PutUint32(buf[12:], 0)
	binary.LittleEndian.PutUint32(buf[28:], 0)
	binary.LittleEndian.PutUint32(buf[32:], uint32(n.Left))
	binary.LittleEndian.PutUint32(buf[36:], uint32(n.Right))
	binary.LittleEndian.PutUint32(buf[40:], uint32(n.LeafFirst))
	binary.LittleEndian.PutUint32(buf[44:], uint32(n.LeafCount))
	clear(buf[48:NodeSize])
}

func DecodeNode(buf []byte) Node {
	_ = buf[NodeSize-1]
	var n Node
	for i := 0; i < 3; i++ {
		n.Min[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		n.Max[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[16+i*4:]))
	}
	n.Left = int32(binary.LittleEndian.Uint32(buf[32:]))
	n.Right = int32(binary.LittleEndian.Uint32(buf[36:]))
	n.LeafFirst = int32(binary.LittleEndian.Uint32(buf[40:]))
	n.LeafCount = int32(binary.LittleEndian.Uint32(buf[44:]))
	return n
}

// Item is one primitive bound handed to the builder.
type Item struct {
	Min      mgl32.Vec3
	Max      mgl32.Vec3
	Centroid mgl32.Vec3
	Index    int
}

func NewItem(index int, lo, hi mgl32.Vec3) Item {
	return Item{Min: lo, Max: hi, Centroid: lo.Add(hi).Mul(0.5), Index: index}
}

// Tree is a flattened BVH. Leaves reference Order[LeafFirst:LeafFirst+LeafCount],
// which holds primitive indices.
type Tree struct {
	Nodes []Node
	Order []int32
}

// Builder splits at the median centroid of the longest axis until a node
// holds at most MaxLeafSize primitives.
type Builder struct {
	MaxLeafSize int
}

func (b *Builder) Build(items []Item) *Tree {
	t := &Tree{}
	if len(items) == 0 {
		t.Nodes = []Node{{Left: -1, Right: -1, LeafFirst: 0, LeafCount: 0}}
		return t
	}
	leaf := b.MaxLeafSize
	if leaf < 1 {
		leaf = 1
	}
	work := append([]Item(nil), items...)
	b.build(work, leaf, t)
	return t
}

func (b *Builder) build(items []Item, leaf int, t *Tree) int32 {
	idx := int32(len(t.Nodes))
	t.Nodes = append(t.Nodes, Node{Left: -1, Right: -1, LeafFirst: -1})

	lo, hi := bounds(items)
	t.Nodes[idx].Min = lo
	t.Nodes[idx].Max = hi

	if len(items) <= leaf {
		t.Nodes[idx].LeafFirst = int32(len(t.Order))
		t.Nodes[idx].LeafCount = int32(len(items))
		for _, it := range items {
			t.Order = append(t.Order, int32(it.Index))
		}
		return idx
	}

	extent := hi.Sub(lo)
	axis := 0
	if extent.Y() > extent.X() {
		axis = 1
	}
	if extent.Z() > extent[axis] {
		axis = 2
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Centroid[axis] < items[j].Centroid[axis]
	})

	mid := len(items) / 2
	left := b.build(items[:mid], leaf, t)
	right := b.build(items[mid:], leaf, t)
	t.Nodes[idx].Left = left
	t.Nodes[idx].Right = right
	return idx
}

func (t *Tree) Bounds() (mgl32.Vec3, mgl32.Vec3) {
	return t.Nodes[0].Min, t.Nodes[0].Max
}

// Encode writes the nodes followed by the primitive order.
func (t *Tree) Encode() []byte {
	out := make([]byte, len(t.Nodes)*NodeSize+len(t.Order)*4)
	for i := range t.Nodes {
		t.Nodes[i].Encode(out[i*NodeSize:])
	}
	off := len(t.Nodes) * NodeSize
	for i, o := range t.Order {
		binary.LittleEndian.PutUint32(out[off+i*4:], uint32(o))
	}
	return out
}

func bounds(items []Item) (mgl32.Vec3, mgl32.Vec3) {
	inf := float32(math.Inf(1))
	lo := mgl32.Vec3{inf, inf, inf}
	hi := mgl32.Vec3{-inf, -inf, -inf}
	for _, it := range items {
		lo = minVec(lo, it.Min)
		hi = maxVec(hi, it.Max)
	}
	return lo, hi
}

func minVec(a, b mgl32.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{min(a[0], b[0]), min(a[1], b[1]), min(a[2], b[2])}
}

func maxVec(a, b mgl32.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{max(a[0], b[0]), max(a[1], b[1]), max(a[2], b[2])}
}
