package pipeline

import (
	"encoding/binary"
	"image"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/rtframe/rt/accel"
	"github.com/gekko3d/rtframe/rt/core"
	"github.com/gekko3d/rtframe/rt/fence"
	"github.com/gekko3d/rtframe/rt/hal"
	"github.com/gekko3d/rtframe/rt/hal/soft"
	"github.com/gekko3d/rtframe/rt/model"
)

func TestShaderTableLayout(t *testing.T) {
	caps := hal.DefaultCaps()
	l := Layout(caps, 8, NumRecords)
	assert.Equal(t, uint64(64), l.Stride)
	assert.Equal(t, uint64(192), l.Size)
	assert.Zero(t, l.Stride%caps.ShaderRecordAlignment)
	assert.Equal(t, uint64(128), l.Offset(RecordHitGroup))

	for _, args := range []uint64{0, 1, 8, 24, 33, 100} {
		l := Layout(caps, args, NumRecords)
		want := (caps.ShaderIdentifierSize + args + caps.ShaderRecordAlignment - 1) /
			caps.ShaderRecordAlignment * caps.ShaderRecordAlignment
		assert.Equal(t, want, l.Stride, "args %d", args)
		assert.GreaterOrEqual(t, l.Stride, caps.ShaderIdentifierSize+args)
		assert.Zero(t, l.Size%caps.ShaderTableAlignment)
	}
}

func TestWriteRecords(t *testing.T) {
	l := Layout(hal.DefaultCaps(), 8, NumRecords)
	id := func(b byte) []byte {
		out := make([]byte, 32)
		out[0] = b
		return out
	}
	dst := make([]byte, l.Size)
	for i := range dst {
		dst[i] = 0xEE
	}
	require.NoError(t, l.WriteRecords(dst, []Record{
		{Identifier: id(1), HasHeapBase: true, HeapBase: 0x1000},
		{Identifier: id(2)},
		{Identifier: id(3), HasHeapBase: true, HeapBase: 0x1000},
	}))
	assert.Equal(t, byte(1), dst[0])
	assert.Equal(t, uint64(0x1000), binary.LittleEndian.Uint64(dst[32:]))
	assert.Equal(t, byte(2), dst[64])
	assert.Zero(t, binary.LittleEndian.Uint64(dst[96:]))
	assert.Equal(t, byte(3), dst[128])
	assert.Equal(t, uint64(0x1000), binary.LittleEndian.Uint64(dst[160:]))

	assert.Error(t, l.WriteRecords(dst[:100], nil))
	assert.Error(t, l.WriteRecords(dst, []Record{{Identifier: id(1)[:16]}}))
	assert.Error(t, Layout(hal.DefaultCaps(), 0, 1).WriteRecords(dst, []Record{{Identifier: id(1), HasHeapBase: true}}))
}

type scene struct {
	dev    *soft.Device
	sync   *fence.Synchronizer
	cube   *model.Mesh
	vb, ib hal.Buffer
	tlas   *accel.Structure
	out    hal.Texture
	consts hal.Buffer
}

func newScene(t *testing.T, caps *hal.Caps) *scene {
	t.Helper()
	opts := soft.Options{}
	if caps != nil {
		opts.Caps = *caps
	}
	d := soft.New(opts)
	t.Cleanup(d.Release)
	q, err := d.CreateCommandQueue("direct")
	require.NoError(t, err)
	s, err := fence.New(d, q, nil)
	require.NoError(t, err)
	sc := &scene{dev: d, sync: s, cube: model.Cube()}
	if !d.Caps().Raytracing {
		return sc
	}

	sc.vb = sc.upload(t, "cube vertices", sc.cube.VertexBytes())
	sc.ib = sc.upload(t, "cube indices", sc.cube.IndexBytes())
	sc.consts = sc.upload(t, "constants", make([]byte, 2*core.SceneConstantsSize))

	l := hal.NewCommandList("build")
	require.NoError(t, l.Reset(hal.NewCommandAllocator("build")))
	b := accel.NewBuilder(d, nil)
	blas, err := b.BuildBLAS(l, "cube", accel.Geometry{
		VertexBuffer: sc.vb,
		VertexStride: model.VertexStride,
		VertexCount:  uint32(len(sc.cube.Vertices)),
		IndexBuffer:  sc.ib,
		IndexCount:   uint32(len(sc.cube.Indices)),
		IndexFormat:  hal.IndexUint32,
		Opaque:       true,
	})
	require.NoError(t, err)
	t.Cleanup(blas.Release)
	sc.tlas, err = b.BuildTLAS(l, "scene", []accel.Instance{{BLAS: blas, Transform: mgl32.Ident4(), Mask: 0xFF}})
	require.NoError(t, err)
	t.Cleanup(sc.tlas.Release)
	sc.run(t, l)

	sc.out, err = d.CreateTexture(hal.TextureDesc{
		Label:        "output",
		Width:        64,
		Height:       48,
		Format:       hal.FormatRGBA8Unorm,
		Usage:        hal.TextureUsageUnorderedAccess,
		InitialState: hal.StateUnorderedAccess,
	})
	require.NoError(t, err)
	t.Cleanup(sc.out.Release)
	return sc
}

func (s *scene) upload(t *testing.T, label string, data []byte) hal.Buffer {
	t.Helper()
	b, err := s.dev.CreateBuffer(hal.BufferDesc{Label: label, Size: uint64(len(data)), Heap: hal.HeapUpload})
	require.NoError(t, err)
	mem, err := b.Map()
	require.NoError(t, err)
	copy(mem, data)
	t.Cleanup(b.Release)
	return b
}

func (s *scene) run(t *testing.T, l *hal.CommandList) {
	t.Helper()
	require.NoError(t, l.Close())
	require.NoError(t, s.sync.Queue().ExecuteCommandLists(l))
	require.NoError(t, s.sync.Flush())
}

func (s *scene) config() Config {
	return Config{
		Label: "rt",
		Shaders: Shaders{
			RayGen:     hal.ShaderBlob{Name: "raygen"},
			Miss:       hal.ShaderBlob{Name: "miss"},
			ClosestHit: hal.ShaderBlob{Name: "closesthit"},
		},
		Output:      s.out,
		Scene:       s.tlas.GPUAddress(),
		Indices:     s.ib,
		IndexCount:  uint32(len(s.cube.Indices)),
		IndexFormat: hal.IndexUint32,
		Vertices:    s.vb,
		VertexCount: uint32(len(s.cube.Vertices)),
		Constants:   s.consts,
		Frames:      2,
	}
}

func TestAssembleOrderAndLayout(t *testing.T) {
	s := newScene(t, nil)
	p, err := NewAssembler(s.dev, nil).Assemble(s.config())
	require.NoError(t, err)
	defer p.Release()

	assert.Equal(t, []hal.SubobjectType{
		hal.SubobjectDXILLibrary,
		hal.SubobjectDXILLibrary,
		hal.SubobjectDXILLibrary,
		hal.SubobjectHitGroup,
		hal.SubobjectShaderConfig,
		hal.SubobjectExportAssociation,
		hal.SubobjectLocalRootSignature,
		hal.SubobjectExportAssociation,
		hal.SubobjectLocalRootSignature,
		hal.SubobjectExportAssociation,
		hal.SubobjectGlobalRootSignature,
		hal.SubobjectPipelineConfig,
	}, p.Desc().Types())

	pc, ok := p.Desc().PipelineConfig()
	require.True(t, ok)
	assert.Equal(t, uint32(MaxRecursionDepth), pc.MaxTraceRecursionDepth)
	assert.Equal(t, uint32(1), pc.MaxTraceRecursionDepth)

	assert.Same(t, p.RayGenLocal, p.Desc().LocalRootSignatureFor(ExportRayGen))
	assert.Same(t, p.HitLocal, p.Desc().LocalRootSignatureFor(ExportHitGroup))
	assert.Nil(t, p.Desc().LocalRootSignatureFor(ExportMiss))

	// UAV + (TLAS, indices, vertices) + one CBV per frame, nothing spare.
	assert.Equal(t, 1+3+2, p.Heap.Len())
	assert.Equal(t, p.Heap.Len(), p.Heap.Written())
	assert.Equal(t, p.HeapLayout.Size(), p.HeapLayout.NumUAV+p.HeapLayout.NumSRV+p.HeapLayout.NumCBV)

	assert.Equal(t, uint64(64), p.Table.Stride)
	assert.Equal(t, uint64(192), p.Table.Size)
	assert.Equal(t, uint64(192), p.ShaderTable.Size())
	assert.Equal(t, hal.HeapUpload, p.ShaderTable.Heap())

	mem, err := p.ShaderTable.Map()
	require.NoError(t, err)
	base := uint64(p.Heap.GPUStart())
	for _, r := range []struct {
		role   int
		export string
		base   uint64
	}{
		{RecordRayGen, ExportRayGen, base},
		{RecordMiss, ExportMiss, 0},
		{RecordHitGroup, ExportHitGroup, base},
	} {
		at := p.Table.Offset(r.role)
		id, err := p.StateObject.ShaderIdentifier(r.export)
		require.NoError(t, err)
		assert.Equal(t, id, mem[at:at+32], r.export)
		assert.Equal(t, r.base, binary.LittleEndian.Uint64(mem[at+32:]), r.export)
	}
	p.ShaderTable.Unmap()
}

func TestHeapGrowsWithTextures(t *testing.T) {
	s := newScene(t, nil)
	var texs []hal.Texture
	for i := 0; i < 3; i++ {
		tex, err := s.dev.CreateTexture(hal.TextureDesc{Label: "tex", Width: 2, Height: 2, Format: hal.FormatRGBA8Unorm, Usage: hal.TextureUsageShaderResource})
		require.NoError(t, err)
		defer tex.Release()
		texs = append(texs, tex)
	}
	cfg := s.config()
	cfg.Textures = texs
	p, err := NewAssembler(s.dev, nil).Assemble(cfg)
	require.NoError(t, err)
	defer p.Release()

	assert.Equal(t, 1+3+3+2, p.Heap.Len())
	assert.Equal(t, 7, p.HeapLayout.Constants)
	assert.Equal(t, uint32(3), p.HitLocal.Desc().Parameters[0].Ranges[1].NumDescriptors)
}

func TestAssembleValidatesConfig(t *testing.T) {
	s := newScene(t, nil)
	a := NewAssembler(s.dev, nil)

	cfg := s.config()
	cfg.Output = nil
	_, err := a.Assemble(cfg)
	assert.ErrorContains(t, err, "no output texture")

	cfg = s.config()
	cfg.Frames = 3
	_, err = a.Assemble(cfg)
	assert.ErrorContains(t, err, "cannot hold 3 frames")

	caps := hal.DefaultCaps()
	caps.Raytracing = false
	noRT := newScene(t, &caps)
	_, err = NewAssembler(noRT.dev, nil).Assemble(s.config())
	assert.ErrorIs(t, err, hal.ErrUnsupported)

	bad := hal.DefaultCaps()
	bad.ShaderTableAlignment = 0
	_, err = NewAssembler(capsDevice{Device: s.dev, caps: bad}, nil).Assemble(s.config())
	assert.ErrorIs(t, err, hal.ErrInvalidArgument)
}

// capsDevice reports caps the wrapped device was not created with.
type capsDevice struct {
	hal.Device
	caps hal.Caps
}

func (d capsDevice) Caps() hal.Caps { return d.caps }

func TestDispatchRaysOverCube(t *testing.T) {
	s := newScene(t, nil)
	p, err := NewAssembler(s.dev, nil).Assemble(s.config())
	require.NoError(t, err)
	defer p.Release()

	mem, err := s.consts.Map()
	require.NoError(t, err)
	c := core.NewSceneConstants(core.NewCamera(), 64, 48)
	c.FrameIndex = 1
	c.Encode(mem[core.SceneConstantsSize:])

	l := hal.NewCommandList("trace")
	require.NoError(t, l.Reset(hal.NewCommandAllocator("trace")))
	p.Bind(l, 1)
	l.DispatchRays(p.DispatchDesc(64, 48))
	s.run(t, l)
	require.Empty(t, s.dev.ValidationErrors())

	img := s.out.(interface{ Image() *image.RGBA }).Image()
	center := img.RGBAAt(32, 24)
	corner := img.RGBAAt(0, 0)
	assert.Less(t, center.B, uint8(255), "camera looks at the cube")
	assert.Equal(t, uint8(255), corner.B, "corner sees sky")
}

func TestRasterPipeline(t *testing.T) {
	s := newScene(t, nil)
	a := NewAssembler(s.dev, nil)
	cfg := RasterConfig{
		Label:     "raster",
		VS:        hal.ShaderBlob{Name: "vs"},
		PS:        hal.ShaderBlob{Name: "ps"},
		Constants: s.consts,
		Frames:    2,
	}
	r, err := a.Raster(cfg)
	require.NoError(t, err)
	defer r.Release()

	d := r.PSO.Desc()
	assert.True(t, d.DepthTest)
	assert.True(t, d.CullBackFaces)
	assert.Equal(t, hal.FormatRGBA8Unorm, d.RTVFormat)
	require.Len(t, d.InputLayout, 5)
	assert.Equal(t, uint32(model.NormalOffset), d.InputLayout[1].Offset)
	param := r.RootSignature.Parameter(0)
	assert.Equal(t, hal.RootDescriptorTable, param.Type)
	require.Len(t, param.Ranges, 1)
	assert.Equal(t, hal.RangeCBV, param.Ranges[0].Type)
	assert.Equal(t, 2, r.Heap.Written())
	slot1, ok := r.Heap.Get(1)
	require.True(t, ok)
	assert.Equal(t, s.consts.GPUAddress()+core.SceneConstantsSize, slot1.Location)

	l := hal.NewCommandList("draw")
	require.NoError(t, l.Reset(hal.NewCommandAllocator("draw")))
	r.Bind(l, 1)
	require.NoError(t, l.Close())
	cmds, err := l.Commands()
	require.NoError(t, err)
	require.Len(t, cmds, 4)
	assert.IsType(t, hal.SetDescriptorHeapsCmd{}, cmds[0])
	table, ok := cmds[3].(hal.SetRootDescriptorTableCmd)
	require.True(t, ok)
	assert.Equal(t, r.Heap.GPUHandle(1), table.Base)

	cfg.Frames = 3
	_, err = a.Raster(cfg)
	assert.ErrorContains(t, err, "cannot hold 3 frames")
	cfg.Constants = nil
	_, err = a.Raster(cfg)
	assert.ErrorContains(t, err, "no frame constants")
}
