package accel

import (
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/rtframe/rt/fence"
	"github.com/gekko3d/rtframe/rt/hal"
	"github.com/gekko3d/rtframe/rt/hal/soft"
	"github.com/gekko3d/rtframe/rt/model"
)

type fixture struct {
	dev  *soft.Device
	sync *fence.Synchronizer
	b    *Builder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d := soft.New(soft.Options{})
	t.Cleanup(d.Release)
	q, err := d.CreateCommandQueue("direct")
	require.NoError(t, err)
	s, err := fence.New(d, q, nil)
	require.NoError(t, err)
	return &fixture{dev: d, sync: s, b: NewBuilder(d, nil)}
}

func (f *fixture) upload(t *testing.T, label string, data []byte) hal.Buffer {
	t.Helper()
	b, err := f.dev.CreateBuffer(hal.BufferDesc{Label: label, Size: uint64(len(data)), Heap: hal.HeapUpload})
	require.NoError(t, err)
	mem, err := b.Map()
	require.NoError(t, err)
	copy(mem, data)
	t.Cleanup(b.Release)
	return b
}

func (f *fixture) cube(t *testing.T) Geometry {
	t.Helper()
	c := model.Cube()
	return Geometry{
		VertexBuffer: f.upload(t, "cube vertices", c.VertexBytes()),
		VertexStride: model.VertexStride,
		VertexCount:  uint32(len(c.Vertices)),
		IndexBuffer:  f.upload(t, "cube indices", c.IndexBytes()),
		IndexCount:   uint32(len(c.Indices)),
		IndexFormat:  hal.IndexUint32,
		Opaque:       true,
	}
}

func (f *fixture) run(t *testing.T, l *hal.CommandList) {
	t.Helper()
	require.NoError(t, l.Close())
	require.NoError(t, f.sync.Queue().ExecuteCommandLists(l))
	require.NoError(t, f.sync.Flush())
}

func newList(t *testing.T) *hal.CommandList {
	t.Helper()
	l := hal.NewCommandList("build")
	require.NoError(t, l.Reset(hal.NewCommandAllocator("build")))
	return l
}

func TestCubeBuildsOneInstanceTLAS(t *testing.T) {
	f := newFixture(t)
	l := newList(t)

	g := f.cube(t)
	assert.Equal(t, uint32(24), g.VertexCount)
	assert.Equal(t, uint32(36), g.IndexCount)

	blas, err := f.b.BuildBLAS(l, "cube", g)
	require.NoError(t, err)
	defer blas.Release()
	assert.Equal(t, Ready, blas.State())
	assert.Positive(t, blas.Sizes().ScratchDataSize)
	assert.Positive(t, blas.Sizes().ResultDataMaxSize)
	assert.Zero(t, blas.Sizes().ResultDataMaxSize%256)
	assert.Zero(t, blas.Sizes().ScratchDataSize%256)

	tlas, err := f.b.BuildTLAS(l, "scene", []Instance{{BLAS: blas, Transform: mgl32.Ident4(), Mask: 0xFF}})
	require.NoError(t, err)
	defer tlas.Release()
	assert.Equal(t, 1, tlas.InstanceCount())
	assert.Equal(t, Ready, tlas.State())
	assert.Equal(t, hal.HeapUpload, tlas.instances.Heap())
	assert.Equal(t, uint64(hal.InstanceDescSize), tlas.instances.Size())

	f.run(t, l)
	require.NoError(t, f.b.VerifyBuildOrder(l))
	assert.Empty(t, f.dev.ValidationErrors())

	g2 := fence.NewGraveyard(f.sync)
	blas.ReleaseScratch(g2, f.sync.LastSignaled())
	tlas.ReleaseScratch(g2, f.sync.LastSignaled())
	assert.Equal(t, 3, g2.Collect())
	assert.NotNil(t, tlas.Result())
}

func TestInstanceTransformIsRowMajor(t *testing.T) {
	in := Instance{BLAS: &Structure{}, Transform: mgl32.Translate3D(1, 2, 3), ID: 7, Mask: 0x0F}
	d := in.desc()
	assert.Equal(t, [12]float32{1, 0, 0, 1, 0, 1, 0, 2, 0, 0, 1, 3}, d.Transform)
	assert.Equal(t, uint32(7), d.InstanceID)
	assert.Equal(t, uint8(0x0F), d.Mask)
}

func TestTLASNeedsReadyBLAS(t *testing.T) {
	f := newFixture(t)
	_, err := f.b.BuildTLAS(newList(t), "scene", []Instance{{BLAS: &Structure{Label: "unbuilt"}}})
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = f.b.BuildTLAS(newList(t), "scene", nil)
	assert.Error(t, err)
}

func TestBLASPrebuildFailure(t *testing.T) {
	f := newFixture(t)
	g := f.cube(t)
	g.VertexStride = 4
	_, err := f.b.BuildBLAS(newList(t), "bad", g)
	assert.ErrorIs(t, err, hal.ErrInvalidArgument)
	assert.Equal(t, 0, countLive(f))
}

func countLive(f *fixture) int {
	// Two upload buffers from cube() stay alive for the test.
	return f.dev.LiveObjects() - 2
}

func TestVerifyBuildOrder(t *testing.T) {
	f := newFixture(t)
	g := f.cube(t)

	// Well-ordered: BLAS, barrier, TLAS.
	l := newList(t)
	blas, err := f.b.BuildBLAS(l, "cube", g)
	require.NoError(t, err)
	_, err = f.b.BuildTLAS(l, "scene", []Instance{{BLAS: blas, Transform: mgl32.Ident4(), Mask: 1}})
	require.NoError(t, err)
	require.NoError(t, l.Close())
	assert.NoError(t, f.b.VerifyBuildOrder(l))

	// Re-record the same builds without the barrier between them.
	cmds, err := l.Commands()
	require.NoError(t, err)
	bad := newList(t)
	for _, c := range cmds {
		switch c := c.(type) {
		case hal.BuildAccelerationStructureCmd:
			bad.BuildAccelerationStructure(c.Desc)
		case hal.BarrierCmd:
			if c.Barriers[0].Resource.(hal.Buffer).GPUAddress() != blas.GPUAddress() {
				bad.ResourceBarrier(c.Barriers...)
			}
		}
	}
	require.NoError(t, bad.Close())
	assert.ErrorIs(t, f.b.VerifyBuildOrder(bad), ErrBuildOrder)

	// A global UAV barrier also orders the BLAS build.
	global := newList(t)
	for _, c := range cmds {
		if bc, ok := c.(hal.BuildAccelerationStructureCmd); ok {
			global.BuildAccelerationStructure(bc.Desc)
			global.ResourceBarrier(hal.UAVBarrier(nil))
		}
	}
	require.NoError(t, global.Close())
	assert.NoError(t, f.b.VerifyBuildOrder(global))

	// BLAS recorded after the TLAS that reads it.
	late := newList(t)
	late.BuildAccelerationStructure(cmds[2].(hal.BuildAccelerationStructureCmd).Desc)
	late.BuildAccelerationStructure(cmds[0].(hal.BuildAccelerationStructureCmd).Desc)
	late.ResourceBarrier(hal.UAVBarrier(nil))
	require.NoError(t, late.Close())
	assert.ErrorIs(t, f.b.VerifyBuildOrder(late), ErrBuildOrder)

	// Executing the unordered list is caught by the device too.
	require.NoError(t, f.sync.Queue().ExecuteCommandLists(bad))
	require.NoError(t, f.sync.WaitForValue(mustSignal(t, f.sync), time.Second))
	assert.NotEmpty(t, f.dev.ValidationErrors())
}

func mustSignal(t *testing.T, s *fence.Synchronizer) uint64 {
	t.Helper()
	v, err := s.Signal()
	require.NoError(t, err)
	return v
}
