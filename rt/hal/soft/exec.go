package soft

import (
	"encoding/binary"
	"image"
	"image/draw"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/rtframe/rt/bvh"
	"github.com/gekko3d/rtframe/rt/hal"
)

// bindings is the pipeline state a command list sets. It starts empty for
// every list.
type bindings struct {
	heaps       []*hal.DescriptorHeap
	rootSig     [2]*hal.RootSignature
	tables      [2]map[int]hal.GPUDescriptorHandle
	cbvs        [2]map[int]hal.GPUVirtualAddress
	pipeline    hal.GraphicsPipeline
	stateObject *stateObject
	target      *texture
	viewport    hal.Viewport
	vertices    hal.VertexBufferView
	indices     hal.IndexBufferView
}

const (
	graphicsSlot = 0
	computeSlot  = 1
)

func slot(compute bool) int {
	if compute {
		return computeSlot
	}
	return graphicsSlot
}

type executor struct {
	dev  *Device
	list string
	b    bindings
	// pending holds acceleration structures built in this list that no UAV
	// barrier has covered yet.
	pending map[hal.GPUVirtualAddress]*buffer
}

func newExecutor(d *Device) *executor {
	return &executor{dev: d}
}

func (e *executor) run(label string, cmds []hal.Command) {
	e.list = label
	e.b = bindings{}
	for i := range e.b.tables {
		e.b.tables[i] = make(map[int]hal.GPUDescriptorHandle)
		e.b.cbvs[i] = make(map[int]hal.GPUVirtualAddress)
	}
	e.pending = make(map[hal.GPUVirtualAddress]*buffer)
	for _, c := range cmds {
		if e.dev.Removed() != nil {
			return
		}
		e.exec(c)
	}
}

func (e *executor) invalid(format string, args ...any) {
	e.dev.invalid("%s: "+format, append([]any{e.list}, args...)...)
}

func (e *executor) exec(c hal.Command) {
	switch c := c.(type) {
	case hal.BarrierCmd:
		e.barriers(c.Barriers)
	case hal.SetDescriptorHeapsCmd:
		e.b.heaps = c.Heaps
	case hal.SetRootSignatureCmd:
		s := slot(c.Compute)
		e.b.rootSig[s] = c.RootSignature
		clear(e.b.tables[s])
		clear(e.b.cbvs[s])
	case hal.SetRootDescriptorTableCmd:
		s := slot(c.Compute)
		if e.b.rootSig[s] == nil {
			e.invalid("descriptor table bound before a root signature")
			return
		}
		if !e.heapBound(c.Base) {
			e.invalid("descriptor table 0x%x is not in a bound heap", uint64(c.Base))
		}
		e.b.tables[s][c.Param] = c.Base
	case hal.SetRootCBVCmd:
		s := slot(c.Compute)
		if e.b.rootSig[s] == nil {
			e.invalid("root CBV bound before a root signature")
			return
		}
		e.b.cbvs[s][c.Param] = c.Location
	case hal.SetPipelineCmd:
		e.b.pipeline = c.Pipeline
	case hal.SetStateObjectCmd:
		so, ok := c.StateObject.(*stateObject)
		if !ok {
			e.invalid("state object from another device")
			return
		}
		e.b.stateObject = so
	case hal.SetRenderTargetCmd:
		t, ok := asTexture(c.Target)
		if !ok {
			e.invalid("render target is not a texture")
			return
		}
		e.b.target = t
	case hal.SetViewportCmd:
		e.b.viewport = c.Viewport
	case hal.SetVertexBufferCmd:
		e.b.vertices = c.View
	case hal.SetIndexBufferCmd:
		e.b.indices = c.View
	case hal.DrawIndexedCmd:
		e.drawIndexed(c)
	case hal.ClearRenderTargetCmd:
		e.clear(c)
	case hal.CopyResourceCmd:
		e.copyResource(c.Dst, c.Src)
	case hal.CopyBufferRegionCmd:
		dst, ok1 := asBuffer(c.Dst)
		src, ok2 := asBuffer(c.Src)
		if !ok1 || !ok2 {
			e.invalid("buffer copy between foreign resources")
			return
		}
		e.expect(dst, hal.StateCopyDest)
		copy(dst.data[c.DstOffset:c.DstOffset+c.Size], src.data[c.SrcOffset:c.SrcOffset+c.Size])
	case hal.CopyBufferToTextureCmd:
		e.copyBufferToTexture(c)
	case hal.BuildAccelerationStructureCmd:
		e.build(c.Desc)
	case hal.DispatchRaysCmd:
		e.dispatchRays(c.Desc)
	case hal.EndQueryCmd:
		c.Heap.Store(c.Index, e.dev.timeline.Ticks())
	case hal.ResolveQueryDataCmd:
		e.resolveQueries(c)
	case hal.CompositeCmd:
		e.composite(c)
	default:
		e.invalid("unsupported command %s", c.Op())
	}
}

func (e *executor) heapBound(h hal.GPUDescriptorHandle) bool {
	for _, heap := range e.b.heaps {
		if heap.Contains(h) {
			return true
		}
	}
	return false
}

func (e *executor) barriers(bs []hal.ResourceBarrier) {
	for _, b := range bs {
		switch b.Type {
		case hal.BarrierTransition:
			if cur, ok := e.dev.state(b.Resource); ok && cur != b.Before {
				e.invalid("barrier on %q says %s but the resource is in %s", b.Resource.Label(), b.Before, cur)
			}
			e.dev.setState(b.Resource, b.After)
		case hal.BarrierUAV:
			if b.Resource == nil {
				clear(e.pending)
				continue
			}
			if buf, ok := asBuffer(b.Resource); ok {
				for va, p := range e.pending {
					if p == buf {
						delete(e.pending, va)
					}
				}
			}
		}
	}
}

// expect reports a validation error unless r is in a state that allows the
// access want. Buffers in the common state are promoted implicitly.
func (e *executor) expect(r hal.Resource, want hal.ResourceState) {
	cur, ok := e.dev.state(r)
	if !ok || cur == want || (want != 0 && cur&want == want) {
		return
	}
	if _, isBuf := r.(*buffer); isBuf && cur == hal.StateCommon {
		return
	}
	e.invalid("%q is in %s, want %s", r.Label(), cur, want)
}

func (e *executor) clear(c hal.ClearRenderTargetCmd) {
	t, ok := asTexture(c.Target)
	if !ok {
		e.invalid("clear of a non-texture")
		return
	}
	e.expect(c.Target, hal.StateRenderTarget)
	col := [4]uint8{}
	for i, f := range c.Color {
		col[i] = toByte(f)
	}
	pix := t.pix.Pix
	for i := 0; i < len(pix); i += 4 {
		copy(pix[i:i+4], col[:])
	}
	t.depthBuffer()
	t.clearDepth()
}

func toByte(f float32) uint8 {
	return uint8(mgl32.Clamp(f, 0, 1)*255 + 0.5)
}

func (e *executor) copyResource(dst, src hal.Resource) {
	if db, ok := asBuffer(dst); ok {
		sb, ok := asBuffer(src)
		if !ok || sb.desc.Size != db.desc.Size {
			e.invalid("CopyResource %q <- %q: size or kind mismatch", dst.Label(), src.Label())
			return
		}
		e.expect(db, hal.StateCopyDest)
		copy(db.data, sb.data)
		return
	}
	dt, ok1 := asTexture(dst)
	st, ok2 := asTexture(src)
	if !ok1 || !ok2 || dt.desc.Width != st.desc.Width || dt.desc.Height != st.desc.Height {
		e.invalid("CopyResource %q <- %q: size or kind mismatch", dst.Label(), src.Label())
		return
	}
	e.expect(dst, hal.StateCopyDest)
	e.expect(src, hal.StateCopySource)
	copy(dt.pix.Pix, st.pix.Pix)
}

func (e *executor) copyBufferToTexture(c hal.CopyBufferToTextureCmd) {
	t, ok1 := asTexture(c.Dst)
	b, ok2 := asBuffer(c.Src)
	if !ok1 || !ok2 {
		e.invalid("CopyBufferToTexture with foreign resources")
		return
	}
	e.expect(c.Dst, hal.StateCopyDest)
	row := int(t.desc.Width) * 4
	if int(c.RowPitch) < row {
		e.invalid("row pitch %d below %d for %q", c.RowPitch, row, t.Label())
		return
	}
	need := c.SrcOffset + uint64(c.RowPitch)*uint64(t.desc.Height-1) + uint64(row)
	if need > uint64(len(b.data)) {
		e.invalid("copy into %q reads past the end of %q", t.Label(), b.Label())
		return
	}
	for y := 0; y < int(t.desc.Height); y++ {
		src := b.data[c.SrcOffset+uint64(y)*uint64(c.RowPitch):]
		copy(t.pix.Pix[y*t.pix.Stride:y*t.pix.Stride+row], src[:row])
	}
}

func (e *executor) resolveQueries(c hal.ResolveQueryDataCmd) {
	b, ok := asBuffer(c.Dst)
	if !ok {
		e.invalid("query resolve into a foreign buffer")
		return
	}
	vals := make([]uint64, c.Count)
	if err := c.Heap.Load(c.First, c.Count, vals); err != nil {
		e.invalid("%v", err)
		return
	}
	for i, v := range vals {
		binary.LittleEndian.PutUint64(b.data[c.DstOffset+uint64(i)*8:], v)
	}
}

func (e *executor) composite(c hal.CompositeCmd) {
	dst, ok1 := asTexture(c.Dst)
	src, ok2 := asTexture(c.Src)
	if !ok1 || !ok2 {
		e.invalid("composite with foreign textures")
		return
	}
	e.expect(c.Dst, hal.StateRenderTarget)
	r := src.pix.Rect.Add(image.Pt(c.X, c.Y))
	draw.Draw(dst.pix, r, src.pix, image.Point{}, draw.Over)
}

// resolve maps a GPU address to its buffer and offset.
func (e *executor) resolve(va hal.GPUVirtualAddress) (*buffer, uint64, bool) {
	obj, off, ok := e.dev.addrs.Resolve(va)
	if !ok {
		return nil, 0, false
	}
	b, ok := obj.(*buffer)
	return b, off, ok
}

func (e *executor) build(desc hal.ASBuildDesc) {
	in := desc.Inputs
	dst, off, ok := e.resolve(desc.Dest)
	if !ok {
		e.invalid("%s build: destination 0x%x is not mapped", in.Type, uint64(desc.Dest))
		return
	}
	if dst.desc.Usage&hal.BufferUsageAccelerationStructure == 0 {
		e.invalid("%s build: %q is not an acceleration structure buffer", in.Type, dst.Label())
		return
	}
	if _, _, ok := e.resolve(desc.Scratch); !ok {
		e.invalid("%s build: scratch 0x%x is not mapped", in.Type, uint64(desc.Scratch))
		return
	}
	e.expect(dst, hal.StateAccelerationStructure)

	var (
		as   *builtAS
		tree *bvh.Tree
	)
	switch in.Type {
	case hal.ASBottomLevel:
		var tris [][3]mgl32.Vec3
		for gi, g := range in.Geometries {
			t, ok := e.triangles(g)
			if !ok {
				e.invalid("BLAS build: geometry %d reads unmapped memory", gi)
				return
			}
			tris = append(tris, t...)
		}
		mesh := bvh.NewMesh(tris)
		as, tree = &builtAS{kind: hal.ASBottomLevel, mesh: mesh}, mesh.Tree
	case hal.ASTopLevel:
		src, ioff, ok := e.resolve(in.InstanceDescs)
		if !ok || ioff+uint64(in.NumInstances)*hal.InstanceDescSize > uint64(len(src.data)) {
			e.invalid("TLAS build: instance descriptors at 0x%x are not mapped", uint64(in.InstanceDescs))
			return
		}
		insts := make([]bvh.Instance, 0, in.NumInstances)
		hitGroups := make([]uint32, 0, in.NumInstances)
		for i := uint32(0); i < in.NumInstances; i++ {
			d := hal.DecodeInstanceDesc(src.data[ioff+uint64(i)*hal.InstanceDescSize:])
			if _, waiting := e.pending[d.BLAS]; waiting {
				e.invalid("TLAS build reads BLAS 0x%x before a UAV barrier", uint64(d.BLAS))
			}
			bb, boff, ok := e.resolve(d.BLAS)
			var blas *builtAS
			if ok {
				blas = bb.structure(boff)
			}
			if blas == nil || blas.kind != hal.ASBottomLevel {
				e.invalid("TLAS instance %d references 0x%x, which holds no bottom-level structure", i, uint64(d.BLAS))
				return
			}
			insts = append(insts, bvh.Instance{
				Mesh:      blas.mesh,
				Transform: instanceTransform(d.Transform),
				ID:        d.InstanceID,
				Mask:      d.Mask,
			})
			hitGroups = append(hitGroups, d.HitGroupIndex)
		}
		scene := bvh.NewScene(insts)
		as, tree = &builtAS{kind: hal.ASTopLevel, scene: scene, hitGroups: hitGroups}, scene.Tree
	default:
		e.invalid("unknown acceleration structure type %d", in.Type)
		return
	}
	enc := tree.Encode()
	if off+uint64(len(enc)) > uint64(len(dst.data)) {
		e.invalid("%s build: %d bytes do not fit in %q at %d", in.Type, len(enc), dst.Label(), off)
		return
	}
	copy(dst.data[off:], enc)
	dst.attach(off, as)
	e.pending[desc.Dest] = dst
}

// instanceTransform expands a row-major 3x4 matrix.
func instanceTransform(t [12]float32) mgl32.Mat4 {
	var m mgl32.Mat4
	for row := 0; row < 3; row++ {
		for col := 0; col < 4; col++ {
			m[col*4+row] = t[row*4+col]
		}
	}
	m[15] = 1
	return m
}

func (e *executor) triangles(g hal.GeometryTriangles) ([][3]mgl32.Vec3, bool) {
	vb, voff, ok := e.resolve(g.VertexBuffer)
	if !ok {
		return nil, false
	}
	vertex := func(i uint32) (mgl32.Vec3, bool) {
		at := voff + uint64(i)*g.VertexStride
		if at+12 > uint64(len(vb.data)) {
			return mgl32.Vec3{}, false
		}
		return readVec3(vb.data[at:]), true
	}
	n := g.TriangleCount()
	out := make([][3]mgl32.Vec3, 0, n)
	if g.IndexBuffer == 0 {
		for t := uint32(0); t < n; t++ {
			var tri [3]mgl32.Vec3
			for k := uint32(0); k < 3; k++ {
				v, ok := vertex(3*t + k)
				if !ok {
					return nil, false
				}
				tri[k] = v
			}
			out = append(out, tri)
		}
		return out, true
	}
	ib, ioff, ok := e.resolve(g.IndexBuffer)
	if !ok {
		return nil, false
	}
	size := uint64(g.IndexFormat.Size())
	if size == 0 || ioff+uint64(g.IndexCount)*size > uint64(len(ib.data)) {
		return nil, false
	}
	for t := uint32(0); t < n; t++ {
		var tri [3]mgl32.Vec3
		for k := uint64(0); k < 3; k++ {
			idx := readIndex(ib.data[ioff+(uint64(t)*3+k)*size:], g.IndexFormat)
			if idx >= g.VertexCount {
				return nil, false
			}
			v, ok := vertex(idx)
			if !ok {
				return nil, false
			}
			tri[k] = v
		}
		out = append(out, tri)
	}
	return out, true
}

func readVec3(b []byte) mgl32.Vec3 {
	return mgl32.Vec3{
		math.Float32frombits(binary.LittleEndian.Uint32(b[0:])),
		math.Float32frombits(binary.LittleEndian.Uint32(b[4:])),
		math.Float32frombits(binary.LittleEndian.Uint32(b[8:])),
	}
}

func readIndex(b []byte, f hal.IndexFormat) uint32 {
	if f == hal.IndexUint16 {
		return uint32(binary.LittleEndian.Uint16(b))
	}
	return binary.LittleEndian.Uint32(b)
}
