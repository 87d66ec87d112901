package render

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/rtframe/rt/accel"
	"github.com/gekko3d/rtframe/rt/core"
	"github.com/gekko3d/rtframe/rt/fence"
	"github.com/gekko3d/rtframe/rt/hal"
	"github.com/gekko3d/rtframe/rt/model"
	"github.com/gekko3d/rtframe/rt/pipeline"
	"github.com/gekko3d/rtframe/rt/shaders"
	"github.com/gekko3d/rtframe/rt/swapchain"
)

// scene is the GPU copy of the loaded meshes and the pipelines drawing it.
// Meshes are merged into one vertex and one index buffer.
type scene struct {
	vb, ib       hal.Buffer
	vertexStride uint32
	vertexCount  uint32
	indexCount   uint32
	textures     []hal.Texture

	blas, tlas *accel.Structure
	rt         *pipeline.Pipeline
	raster     *pipeline.RasterPipeline
}

func (s *scene) release(b *accel.Builder) {
	if s.rt != nil {
		s.rt.Release()
	}
	if s.raster != nil {
		s.raster.Release()
	}
	if s.tlas != nil {
		b.Forget(s.tlas)
		s.tlas.Release()
	}
	if s.blas != nil {
		s.blas.Release()
	}
	for _, t := range s.textures {
		t.Release()
	}
	for _, buf := range []hal.Buffer{s.vb, s.ib} {
		if buf != nil {
			buf.Release()
		}
	}
}

// merge concatenates the meshes, rebasing each mesh's indices.
func merge(meshes []*model.Mesh) (vertices, indices []byte, nv, ni uint32) {
	for _, m := range meshes {
		vertices = append(vertices, m.VertexBytes()...)
		for _, i := range m.Indices {
			indices = binary.LittleEndian.AppendUint32(indices, i+nv)
		}
		nv += uint32(len(m.Vertices))
		ni += uint32(len(m.Indices))
	}
	return vertices, indices, nv, ni
}

// LoadScene uploads meshes, builds their acceleration structures and
// assembles both pipelines, replacing any previous scene. It returns once
// the GPU has finished the uploads.
func (r *Renderer) LoadScene(meshes []*model.Mesh) (err error) {
	if len(meshes) == 0 {
		return errors.New("render: empty scene")
	}
	blobs, err := r.compileShaders()
	if err != nil {
		return err
	}
	if r.scene != nil {
		if err := r.sync.Flush(); err != nil {
			return err
		}
		r.scene.release(r.builder)
		r.scene = nil
	}

	s := &scene{vertexStride: model.VertexStride}
	var (
		uploads []fence.Releaser
		list    *hal.CommandList
		buried  bool
	)
	defer func() {
		if err == nil {
			return
		}
		if list != nil && list.IsOpen() {
			r.pool.Discard(list)
		}
		_ = r.sync.Flush()
		if !buried {
			for _, u := range uploads {
				u.Release()
			}
		}
		r.graves.Collect()
		s.release(r.builder)
	}()
	vertices, indices, nv, ni := merge(meshes)
	if ni == 0 || ni%3 != 0 {
		return fmt.Errorf("render: scene has %d indices", ni)
	}
	s.vertexCount, s.indexCount = nv, ni

	if list, err = r.pool.AcquireCommandList(); err != nil {
		return err
	}
	up := func(label string, data []byte) (hal.Buffer, error) {
		dst, src, err := r.uploadBuffer(list, label, data)
		if src != nil {
			uploads = append(uploads, src)
		}
		return dst, err
	}
	if s.vb, err = up("scene vertices", vertices); err != nil {
		return err
	}
	if s.ib, err = up("scene indices", indices); err != nil {
		return err
	}

	for _, p := range model.DedupTextures(meshes) {
		tex, err := model.LoadTexture(p)
		if err != nil {
			r.log.Warnf("render: texture %s: %v, using a white texel", p, err)
			tex = model.FallbackTexture(p)
		}
		t, src, err := r.uploadTexture(list, tex)
		if src != nil {
			uploads = append(uploads, src)
		}
		if err != nil {
			return err
		}
		s.textures = append(s.textures, t)
	}

	raytracing := r.dev.Caps().Raytracing
	if raytracing {
		s.blas, err = r.builder.BuildBLAS(list, "scene", accel.Geometry{
			VertexBuffer: s.vb,
			VertexStride: model.VertexStride,
			VertexCount:  nv,
			IndexBuffer:  s.ib,
			IndexCount:   ni,
			IndexFormat:  hal.IndexUint32,
			Opaque:       true,
		})
		if err != nil {
			return err
		}
		s.tlas, err = r.builder.BuildTLAS(list, "scene", []accel.Instance{{
			BLAS:      s.blas,
			Transform: mgl32.Ident4(),
			Mask:      0xFF,
		}})
		if err != nil {
			return err
		}
	}

	v, err := r.pool.SubmitAndTag(list)
	if err != nil {
		return err
	}
	r.graves.Bury(v, uploads...)
	buried = true
	if raytracing {
		if err := r.builder.VerifyBuildOrder(list); err != nil {
			return err
		}
		s.blas.ReleaseScratch(r.graves, v)
		s.tlas.ReleaseScratch(r.graves, v)
	}
	if err := r.sync.Flush(); err != nil {
		return err
	}
	r.graves.Collect()

	if raytracing {
		s.rt, err = r.asm.Assemble(pipeline.Config{
			Label: "scene",
			Shaders: pipeline.Shaders{
				RayGen:     blobs["RayGen"],
				Miss:       blobs["Miss"],
				ClosestHit: blobs["ClosestHit"],
			},
			Output:         r.output,
			Scene:          s.tlas.GPUAddress(),
			Indices:        s.ib,
			IndexCount:     ni,
			IndexFormat:    hal.IndexUint32,
			Vertices:       s.vb,
			VertexCount:    nv,
			Textures:       s.textures,
			Constants:      r.consts,
			ConstantStride: core.SceneConstantsSize,
			Frames:         swapchain.FrameCount,
		})
		if err != nil {
			return err
		}
	}
	s.raster, err = r.asm.Raster(pipeline.RasterConfig{
		Label:          "scene raster",
		VS:             blobs["vs_main"],
		PS:             blobs["fs_main"],
		Format:         r.opts.Format,
		Constants:      r.consts,
		ConstantStride: core.SceneConstantsSize,
		Frames:         swapchain.FrameCount,
	})
	if err != nil {
		return err
	}

	r.scene = s
	r.cpu.SetCount("triangles", int(ni/3))
	r.cpu.SetCount("textures", len(s.textures))
	r.log.Infof("render: scene of %d meshes, %d vertices, %d triangles, %d textures",
		len(meshes), nv, ni/3, len(s.textures))
	return nil
}

// compileShaders compiles every entry point both paths use. A compile
// error aborts the load.
func (r *Renderer) compileShaders() (map[string]hal.ShaderBlob, error) {
	entries := []struct{ source, entry string }{
		{shaders.Raster, "vs_main"},
		{shaders.Raster, "fs_main"},
	}
	if r.dev.Caps().Raytracing {
		entries = append(entries,
			struct{ source, entry string }{shaders.Raytrace, "RayGen"},
			struct{ source, entry string }{shaders.Raytrace, "Miss"},
			struct{ source, entry string }{shaders.Raytrace, "ClosestHit"},
		)
	}
	out := make(map[string]hal.ShaderBlob, len(entries))
	for _, e := range entries {
		b, err := r.compiler.Compile(e.source, e.entry, r.opts.Profile)
		if err != nil {
			return nil, err
		}
		out[e.entry] = b
	}
	return out, nil
}

// uploadBuffer records a copy of data into a new default-heap buffer
// through a transient upload buffer, which the caller releases once the
// list has executed.
func (r *Renderer) uploadBuffer(list *hal.CommandList, label string, data []byte) (dst, src hal.Buffer, err error) {
	size := uint64(len(data))
	src, err = r.dev.CreateBuffer(hal.BufferDesc{Label: label + " upload", Size: size, Heap: hal.HeapUpload})
	if err != nil {
		return nil, nil, fmt.Errorf("render: %s: %w", label, err)
	}
	mem, err := src.Map()
	if err != nil {
		return nil, src, fmt.Errorf("render: map %s: %w", label, err)
	}
	copy(mem, data)
	src.Unmap()

	dst, err = r.dev.CreateBuffer(hal.BufferDesc{
		Label:        label,
		Size:         size,
		Heap:         hal.HeapDefault,
		InitialState: hal.StateCopyDest,
	})
	if err != nil {
		return nil, src, fmt.Errorf("render: %s: %w", label, err)
	}
	list.CopyBufferRegion(dst, 0, src, 0, size)
	list.ResourceBarrier(hal.Transition(dst, hal.StateCopyDest, hal.StateGenericRead))
	return dst, src, nil
}

func (r *Renderer) uploadTexture(list *hal.CommandList, tex *model.Texture) (hal.Texture, hal.Buffer, error) {
	src, err := r.dev.CreateBuffer(hal.BufferDesc{
		Label: tex.Path + " upload",
		Size:  uint64(len(tex.Texels)),
		Heap:  hal.HeapUpload,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("render: texture %s: %w", tex.Path, err)
	}
	mem, err := src.Map()
	if err != nil {
		return nil, src, fmt.Errorf("render: map texture %s: %w", tex.Path, err)
	}
	copy(mem, tex.Texels)
	src.Unmap()

	t, err := r.dev.CreateTexture(hal.TextureDesc{
		Label:        tex.Path,
		Width:        tex.Width,
		Height:       tex.Height,
		Format:       hal.FormatRGBA8Unorm,
		Usage:        hal.TextureUsageShaderResource,
		InitialState: hal.StateCopyDest,
	})
	if err != nil {
		return nil, src, fmt.Errorf("render: texture %s: %w", tex.Path, err)
	}
	list.CopyBufferToTexture(t, src, 0, tex.Width*4)
	list.ResourceBarrier(hal.Transition(t, hal.StateCopyDest, hal.StateNonPixelShaderResource))
	return t, src, nil
}
