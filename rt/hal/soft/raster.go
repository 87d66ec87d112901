package soft

import (
	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/rtframe/rt/core"
	"github.com/gekko3d/rtframe/rt/hal"
)

type clipVertex struct {
	screen mgl32.Vec3
	world  mgl32.Vec3
	normal mgl32.Vec3
}

// drawIndexed rasterizes world-space triangles with the lambert model the
// tracer uses. The graphics root signature must expose the scene constants
// at b0, as a root CBV or through a descriptor table.
func (e *executor) drawIndexed(c hal.DrawIndexedCmd) {
	p, ok := e.b.pipeline.(*graphicsPipeline)
	if !ok {
		e.invalid("DrawIndexed without a graphics pipeline")
		return
	}
	rt := e.b.target
	if rt == nil {
		e.invalid("DrawIndexed without a render target")
		return
	}
	e.expect(rt, hal.StateRenderTarget)
	if e.b.rootSig[graphicsSlot] != p.desc.RootSignature {
		e.invalid("DrawIndexed: graphics root signature does not match pipeline %q", p.desc.Label)
		return
	}
	regs, err := e.rootBindings(graphicsSlot)
	if err != nil {
		e.invalid("DrawIndexed: %v", err)
		return
	}
	consts, ok := e.constants(regs)
	if !ok {
		e.invalid("DrawIndexed: no mapped constant buffer at %s", regConstants)
		return
	}
	vb, voff, ok := e.resolve(e.b.vertices.Location)
	if !ok || e.b.vertices.Stride == 0 {
		e.invalid("DrawIndexed without a vertex buffer")
		return
	}
	ib, ioff, ok := e.resolve(e.b.indices.Location)
	if !ok {
		e.invalid("DrawIndexed without an index buffer")
		return
	}
	posOff, normOff := uint64(0), int64(-1)
	for _, el := range p.desc.InputLayout {
		switch el.Semantic {
		case "POSITION":
			posOff = uint64(el.Offset)
		case "NORMAL":
			normOff = int64(el.Offset)
		}
	}

	stride := uint64(e.b.vertices.Stride)
	vertexEnd := voff + uint64(e.b.vertices.Size)
	isize := uint64(e.b.indices.Format.Size())
	indexEnd := ioff + uint64(e.b.indices.Size)
	w, h := float32(rt.desc.Width), float32(rt.desc.Height)
	vp := e.b.viewport
	if vp.Width == 0 || vp.Height == 0 {
		vp = hal.Viewport{Width: w, Height: h, MaxDepth: 1}
	}

	fetch := func(k uint32) (clipVertex, bool) {
		at := ioff + uint64(c.StartIndex+k)*isize
		if at+isize > indexEnd || at+isize > uint64(len(ib.data)) {
			return clipVertex{}, false
		}
		idx := int64(readIndex(ib.data[at:], e.b.indices.Format)) + int64(c.BaseVertex)
		if idx < 0 {
			return clipVertex{}, false
		}
		base := voff + uint64(idx)*stride
		if base+stride > vertexEnd || base+stride > uint64(len(vb.data)) {
			return clipVertex{}, false
		}
		var v clipVertex
		v.world = readVec3(vb.data[base+posOff:])
		if normOff >= 0 {
			v.normal = readVec3(vb.data[base+uint64(normOff):])
		}
		clip := consts.ViewProj.Mul4x1(v.world.Vec4(1))
		if clip.W() <= 1e-5 {
			return v, false
		}
		ndc := clip.Vec3().Mul(1 / clip.W())
		v.screen = mgl32.Vec3{
			vp.X + (ndc.X()+1)*0.5*vp.Width,
			vp.Y + (1-ndc.Y())*0.5*vp.Height,
			vp.MinDepth + (ndc.Z()*0.5+0.5)*(vp.MaxDepth-vp.MinDepth),
		}
		return v, true
	}

	depth := rt.depthBuffer()
	for inst := uint32(0); inst < max(c.InstanceCount, 1); inst++ {
		for t := uint32(0); t+2 < c.IndexCount; t += 3 {
			var tri [3]clipVertex
			visible := true
			for k := uint32(0); k < 3; k++ {
				v, ok := fetch(t + k)
				if !ok {
					visible = false
					break
				}
				tri[k] = v
			}
			if !visible {
				continue
			}
			e.rasterize(rt, depth, &consts, tri, p.desc)
		}
	}
}

func edge(a, b mgl32.Vec3, x, y float32) float32 {
	return (b.X()-a.X())*(y-a.Y()) - (b.Y()-a.Y())*(x-a.X())
}

func (e *executor) rasterize(rt *texture, depth []float32, consts *core.SceneConstants, tri [3]clipVertex, desc hal.GraphicsPipelineDesc) {
	a, b, c := tri[0].screen, tri[1].screen, tri[2].screen
	area := edge(a, b, c.X(), c.Y())
	if area == 0 {
		return
	}
	// Screen y points down, so counter-clockwise front faces have negative area.
	if desc.CullBackFaces && area > 0 {
		return
	}
	width, height := int(rt.desc.Width), int(rt.desc.Height)
	minX := max(0, int(min(a.X(), b.X(), c.X())))
	maxX := min(width-1, int(max(a.X(), b.X(), c.X())))
	minY := max(0, int(min(a.Y(), b.Y(), c.Y())))
	maxY := min(height-1, int(max(a.Y(), b.Y(), c.Y())))
	flat := tri[1].world.Sub(tri[0].world).Cross(tri[2].world.Sub(tri[0].world))
	if flat.Len() > 0 {
		flat = flat.Normalize()
	}
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			px, py := float32(x)+0.5, float32(y)+0.5
			w0 := edge(b, c, px, py) / area
			w1 := edge(c, a, px, py) / area
			w2 := edge(a, b, px, py) / area
			if w0 < 0 || w1 < 0 || w2 < 0 {
				continue
			}
			z := w0*a.Z() + w1*b.Z() + w2*c.Z()
			i := y*width + x
			if desc.DepthTest && z >= depth[i] {
				continue
			}
			depth[i] = z
			n := tri[0].normal.Mul(w0).Add(tri[1].normal.Mul(w1)).Add(tri[2].normal.Mul(w2))
			if n.Len() < 1e-6 {
				n = flat
			} else {
				n = n.Normalize()
			}
			p := tri[0].world.Mul(w0).Add(tri[1].world.Mul(w1)).Add(tri[2].world.Mul(w2))
			col := surfaceColor(consts, p, n)
			copy(rt.pix.Pix[y*rt.pix.Stride+x*4:], col[:])
		}
	}
}
