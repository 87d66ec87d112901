package soft

import (
	"encoding/binary"
	"fmt"
	"math"
	"runtime"
	"sync"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/rtframe/rt/bvh"
	"github.com/gekko3d/rtframe/rt/core"
	"github.com/gekko3d/rtframe/rt/hal"
)

// Registers the built-in shading model reads.
var (
	regOutput    = hal.Register{Type: hal.RangeUAV, Index: 0}
	regConstants = hal.Register{Type: hal.RangeCBV, Index: 0}
	regScene     = hal.Register{Type: hal.RangeSRV, Index: 0}
	regIndices   = hal.Register{Type: hal.RangeSRV, Index: 1}
	regVertices  = hal.Register{Type: hal.RangeSRV, Index: 2}
)

const (
	normalOffset = 12
	rayTMax      = 1e30
)

type record struct {
	export string
	stage  hal.ShaderStage
	regs   map[hal.Register]hal.Descriptor
}

// geometry is what a hit record binds for vertex attribute fetches.
type geometry struct {
	indices  []byte
	format   hal.IndexFormat
	vertices []byte
	stride   uint64
}

// dispatchRays runs the built-in ray generation, miss and closest hit
// programs of the bound state object over the dispatch grid. Shader code is
// not interpreted; records select which program runs and which resources it
// sees.
func (e *executor) dispatchRays(desc hal.DispatchRaysDesc) {
	so := e.b.stateObject
	if so == nil {
		e.invalid("DispatchRays without a state object")
		return
	}
	if want := so.desc.GlobalRootSignature(); want != nil && e.b.rootSig[computeSlot] != want {
		e.invalid("DispatchRays: compute root signature does not match the global root signature %q", want.Label())
		return
	}
	caps := e.dev.opts.Caps
	for _, r := range []struct {
		name   string
		start  hal.GPUVirtualAddress
		stride uint64
	}{
		{"ray generation", desc.RayGeneration.Start, 0},
		{"miss", desc.MissShaderTable.Start, desc.MissShaderTable.Stride},
		{"hit group", desc.HitGroupTable.Start, desc.HitGroupTable.Stride},
	} {
		if uint64(r.start)%caps.ShaderTableAlignment != 0 {
			e.invalid("%s table at 0x%x is not %d-byte aligned", r.name, uint64(r.start), caps.ShaderTableAlignment)
			return
		}
		if r.stride%caps.ShaderRecordAlignment != 0 {
			e.invalid("%s stride %d is not a multiple of %d", r.name, r.stride, caps.ShaderRecordAlignment)
			return
		}
	}
	globals, err := e.rootBindings(computeSlot)
	if err != nil {
		e.invalid("DispatchRays: %v", err)
		return
	}
	raygen, err := e.readRecord(so, desc.RayGeneration.Start, globals)
	if err != nil {
		e.invalid("ray generation record: %v", err)
		return
	}
	if raygen.stage != hal.StageRayGeneration {
		e.invalid("ray generation record holds %s export %q", raygen.stage, raygen.export)
		return
	}
	miss, err := e.readRecord(so, desc.MissShaderTable.Start, globals)
	if err != nil || miss.stage != hal.StageMiss {
		e.invalid("miss record: want a miss export (%v)", err)
		return
	}

	outDesc, ok := raygen.regs[regOutput]
	out, ok2 := asTexture(outDesc.Texture)
	if !ok || !ok2 {
		e.invalid("%s: no output texture bound at %s", raygen.export, regOutput)
		return
	}
	e.expect(outDesc.Texture, hal.StateUnorderedAccess)
	consts, ok := e.constants(raygen.regs)
	if !ok {
		e.invalid("%s: no constant buffer bound at %s", raygen.export, regConstants)
		return
	}
	sceneDesc, ok := raygen.regs[regScene]
	if !ok || sceneDesc.Dimension != hal.ViewAccelerationStructure {
		e.invalid("%s: no acceleration structure bound at %s", raygen.export, regScene)
		return
	}
	if _, waiting := e.pending[sceneDesc.Location]; waiting {
		e.invalid("DispatchRays reads acceleration structure 0x%x before a UAV barrier", uint64(sceneDesc.Location))
	}
	tb, toff, ok := e.resolve(sceneDesc.Location)
	var tlas *builtAS
	if ok {
		tlas = tb.structure(toff)
	}
	if tlas == nil || tlas.kind != hal.ASTopLevel {
		e.invalid("%s: 0x%x holds no top-level structure", raygen.export, uint64(sceneDesc.Location))
		return
	}

	hits := make([]*record, len(tlas.scene.Instances))
	geoms := make([]*geometry, len(tlas.scene.Instances))
	normalXform := make([]mgl32.Mat4, len(tlas.scene.Instances))
	for i, inst := range tlas.scene.Instances {
		at := desc.HitGroupTable.Start + hal.GPUVirtualAddress(uint64(tlas.hitGroups[i])*desc.HitGroupTable.Stride)
		hr, err := e.readRecord(so, at, globals)
		if err != nil {
			e.invalid("hit group record for instance %d: %v", i, err)
			return
		}
		if _, ok := so.desc.HitGroup(hr.export); !ok {
			e.invalid("hit group record for instance %d holds %s export %q", i, hr.stage, hr.export)
			return
		}
		hits[i] = hr
		geoms[i] = e.geometry(hr.regs)
		normalXform[i] = inst.Transform.Inv().Transpose()
	}

	width := min(desc.Width, out.desc.Width)
	height := min(desc.Height, out.desc.Height)
	shade := func(px, py uint32) [4]uint8 {
		ndcX := (float32(px)+0.5)/float32(desc.Width)*2 - 1
		ndcY := 1 - (float32(py)+0.5)/float32(desc.Height)*2
		near := mgl32.TransformCoordinate(mgl32.Vec3{ndcX, ndcY, -1}, consts.InvViewProj)
		far := mgl32.TransformCoordinate(mgl32.Vec3{ndcX, ndcY, 1}, consts.InvViewProj)
		ray := bvh.Ray{Origin: near, Dir: far.Sub(near).Normalize()}
		h, ok := tlas.scene.Intersect(ray, rayTMax, 0xFF)
		if !ok {
			return skyColor(ray.Dir)
		}
		hg, _ := so.desc.HitGroup(hits[h.Instance].export)
		if hg.ClosestHit == "" {
			return [4]uint8{255, 255, 255, 255}
		}
		n := h.Normal
		if g := geoms[h.Instance]; g != nil {
			if sn, ok := g.normal(h); ok {
				n = mgl32.TransformNormal(sn, normalXform[h.Instance]).Normalize()
			}
		}
		if n.Dot(ray.Dir) > 0 {
			n = n.Mul(-1)
		}
		p := ray.Origin.Add(ray.Dir.Mul(h.T))
		return surfaceColor(&consts, p, n)
	}

	workers := runtime.GOMAXPROCS(0)
	rows := make(chan uint32, height)
	for y := uint32(0); y < height; y++ {
		rows <- y
	}
	close(rows)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for y := range rows {
				line := out.pix.Pix[int(y)*out.pix.Stride:]
				for x := uint32(0); x < width; x++ {
					c := shade(x, y)
					copy(line[x*4:x*4+4], c[:])
				}
			}
		}()
	}
	wg.Wait()
}

// rootBindings resolves what the root signature bound at slot s exposes.
func (e *executor) rootBindings(s int) (map[hal.Register]hal.Descriptor, error) {
	out := make(map[hal.Register]hal.Descriptor)
	rs := e.b.rootSig[s]
	if rs == nil {
		return out, nil
	}
	for i := 0; i < rs.NumParameters(); i++ {
		p := rs.Parameter(i)
		switch p.Type {
		case hal.RootDescriptorTable:
			base, ok := e.b.tables[s][i]
			if !ok {
				return nil, fmt.Errorf("root parameter %d is not set", i)
			}
			if err := e.mergeTable(out, rs, i, base); err != nil {
				return nil, err
			}
		case hal.RootCBV:
			if va, ok := e.b.cbvs[s][i]; ok {
				out[hal.Register{Type: hal.RangeCBV, Index: p.ShaderRegister, Space: p.RegisterSpace}] = hal.ConstantBufferView(va, core.SceneConstantsSize)
			}
		}
	}
	return out, nil
}

func (e *executor) mergeTable(dst map[hal.Register]hal.Descriptor, rs *hal.RootSignature, param int, base hal.GPUDescriptorHandle) error {
	heap := e.dev.heapFor(base)
	if heap == nil {
		return fmt.Errorf("descriptor handle 0x%x is not in any heap", uint64(base))
	}
	if !e.heapBound(base) {
		return fmt.Errorf("heap %q is not bound with SetDescriptorHeaps", heap.Label())
	}
	regs, err := rs.ResolveTable(param, heap, base)
	if err != nil {
		return err
	}
	for k, v := range regs {
		dst[k] = v
	}
	return nil
}

// readRecord decodes the shader record at va: its identifier and the local
// root arguments that follow it.
func (e *executor) readRecord(so *stateObject, va hal.GPUVirtualAddress, globals map[hal.Register]hal.Descriptor) (*record, error) {
	b, off, ok := e.resolve(va)
	idSize := e.dev.opts.Caps.ShaderIdentifierSize
	if !ok || off+idSize > uint64(len(b.data)) {
		return nil, fmt.Errorf("record at 0x%x is not mapped", uint64(va))
	}
	export, ok := so.export(b.data[off : off+idSize])
	if !ok {
		return nil, fmt.Errorf("record at 0x%x holds an unknown shader identifier", uint64(va))
	}
	stage, _ := so.stage(export)
	r := &record{export: export, stage: stage, regs: make(map[hal.Register]hal.Descriptor, len(globals))}
	for k, v := range globals {
		r.regs[k] = v
	}
	rs := so.desc.LocalRootSignatureFor(export)
	if rs == nil {
		return r, nil
	}
	args := b.data[off+idSize:]
	if uint64(len(args)) < rs.ArgumentSize() {
		return nil, fmt.Errorf("record for %q is shorter than its %d argument bytes", export, rs.ArgumentSize())
	}
	var at uint64
	for i := 0; i < rs.NumParameters(); i++ {
		p := rs.Parameter(i)
		if p.Type == hal.Root32BitConstants {
			at += 4 * uint64(p.Num32BitValues)
			continue
		}
		at = hal.Align(at, 8)
		word := binary.LittleEndian.Uint64(args[at:])
		at += 8
		switch p.Type {
		case hal.RootDescriptorTable:
			if err := e.mergeTable(r.regs, rs, i, hal.GPUDescriptorHandle(word)); err != nil {
				return nil, fmt.Errorf("%q local parameter %d: %w", export, i, err)
			}
		case hal.RootCBV:
			r.regs[hal.Register{Type: hal.RangeCBV, Index: p.ShaderRegister, Space: p.RegisterSpace}] = hal.ConstantBufferView(hal.GPUVirtualAddress(word), core.SceneConstantsSize)
		case hal.RootSRV:
			r.regs[hal.Register{Type: hal.RangeSRV, Index: p.ShaderRegister, Space: p.RegisterSpace}] = hal.AccelerationStructureView(hal.GPUVirtualAddress(word))
		}
	}
	return r, nil
}

func (e *executor) constants(regs map[hal.Register]hal.Descriptor) (core.SceneConstants, bool) {
	d, ok := regs[regConstants]
	if !ok {
		return core.SceneConstants{}, false
	}
	b, off, ok := e.resolve(d.Location)
	if !ok || off+core.SceneConstantsSize > uint64(len(b.data)) {
		return core.SceneConstants{}, false
	}
	return core.DecodeSceneConstants(b.data[off:]), true
}

func (e *executor) geometry(regs map[hal.Register]hal.Descriptor) *geometry {
	id, ok1 := regs[regIndices]
	vd, ok2 := regs[regVertices]
	if !ok1 || !ok2 || id.Buffer == nil || vd.Buffer == nil || vd.StructureStride < normalOffset+12 {
		return nil
	}
	ib, ok1 := asBuffer(id.Buffer)
	vb, ok2 := asBuffer(vd.Buffer)
	if !ok1 || !ok2 {
		return nil
	}
	format := hal.IndexUint32
	if id.Format == hal.FormatR16Uint || id.StructureStride == 2 {
		format = hal.IndexUint16
	}
	return &geometry{indices: ib.data, format: format, vertices: vb.data, stride: uint64(vd.StructureStride)}
}

// normal interpolates the vertex normals of the hit triangle.
func (g *geometry) normal(h bvh.Hit) (mgl32.Vec3, bool) {
	size := uint64(g.format.Size())
	var n mgl32.Vec3
	w := [3]float32{1 - h.U - h.V, h.U, h.V}
	for k := uint64(0); k < 3; k++ {
		at := (uint64(h.Triangle)*3 + k) * size
		if at+size > uint64(len(g.indices)) {
			return n, false
		}
		idx := uint64(readIndex(g.indices[at:], g.format))
		v := idx*g.stride + normalOffset
		if v+12 > uint64(len(g.vertices)) {
			return n, false
		}
		n = n.Add(readVec3(g.vertices[v:]).Mul(w[k]))
	}
	if n.Len() < 1e-6 {
		return n, false
	}
	return n, true
}

func skyColor(dir mgl32.Vec3) [4]uint8 {
	t := 0.5 * (dir.Y() + 1)
	c := mgl32.Vec3{1, 1, 1}.Mul(1 - t).Add(mgl32.Vec3{0.5, 0.7, 1}.Mul(t))
	return [4]uint8{toByte(c[0]), toByte(c[1]), toByte(c[2]), 255}
}

const albedo = 0.8

// surfaceColor is the lambert term shared by both render paths.
func surfaceColor(c *core.SceneConstants, p, n mgl32.Vec3) [4]uint8 {
	if c.Flags&core.FlagShowNormals != 0 {
		m := n.Mul(0.5).Add(mgl32.Vec3{0.5, 0.5, 0.5})
		return [4]uint8{toByte(m[0]), toByte(m[1]), toByte(m[2]), 255}
	}
	l := c.LightPos.Sub(p)
	diffuse := float32(0)
	if l.Len() > 0 {
		diffuse = float32(math.Max(0, float64(n.Dot(l.Normalize()))))
	}
	var out [4]uint8
	for i := 0; i < 3; i++ {
		out[i] = toByte(albedo * (c.Ambient[i] + c.LightColor[i]*diffuse))
	}
	out[3] = 255
	return out
}
