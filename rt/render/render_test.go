package render

import (
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/rtframe/rt/core"
	"github.com/gekko3d/rtframe/rt/fence"
	"github.com/gekko3d/rtframe/rt/hal"
	"github.com/gekko3d/rtframe/rt/hal/soft"
	"github.com/gekko3d/rtframe/rt/model"
)

func newRenderer(t *testing.T, devOpts soft.Options, opts Options) (*soft.Device, *Renderer) {
	t.Helper()
	d := soft.New(devOpts)
	t.Cleanup(d.Release)
	if opts.Width == 0 {
		opts.Width, opts.Height = 64, 48
	}
	r, err := New(d, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return d, r
}

func loadCube(t *testing.T, r *Renderer) {
	t.Helper()
	require.NoError(t, r.LoadScene([]*model.Mesh{model.Cube()}))
}

func frames(t *testing.T, r *Renderer, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, r.Frame(1.0/60))
	}
}

func TestRayTracedFramesPresentTheCube(t *testing.T) {
	d, r := newRenderer(t, soft.Options{}, Options{})
	loadCube(t, r)
	frames(t, r, 3)
	require.NoError(t, r.Synchronizer().Flush())

	require.Empty(t, d.ValidationErrors())
	assert.Equal(t, PathRayTraced, r.Path())
	img := d.LastPresented()
	require.NotNil(t, img)
	assert.Less(t, img.RGBAAt(32, 24).B, uint8(255), "cube in the middle")
	assert.Equal(t, uint8(255), img.RGBAAt(0, 0).B, "sky in the corner")

	st, ok := r.Profiler().Stat(RegionTrace)
	require.True(t, ok)
	assert.Equal(t, 2, st.Samples, "one frame of readback latency")
	assert.Equal(t, uint32(3), r.FrameIndex())
}

func TestRasterFramesPresentTheCube(t *testing.T) {
	d, r := newRenderer(t, soft.Options{}, Options{})
	r.Tunables().RayTraced = false
	loadCube(t, r)
	frames(t, r, 2)
	require.NoError(t, r.Synchronizer().Flush())

	require.Empty(t, d.ValidationErrors())
	assert.Equal(t, PathRaster, r.Path())
	img := d.LastPresented()
	require.NotNil(t, img)
	assert.Greater(t, img.RGBAAt(32, 24).R, img.RGBAAt(0, 0).R)
	_, ok := r.Profiler().Stat(RegionTrace)
	assert.False(t, ok)
}

func TestConstantsWrittenPerFrameSlot(t *testing.T) {
	_, r := newRenderer(t, soft.Options{}, Options{})
	loadCube(t, r)
	start := r.Camera().Position

	r.ApplyInput(core.InputDelta{Forward: 1})
	r.ApplyInput(core.InputDelta{Forward: 1})
	frames(t, r, 1)
	moved := r.Camera().Position
	assert.NotEqual(t, start, moved)

	r.Tunables().ShowNormals = true
	frames(t, r, 1)
	assert.Equal(t, moved, r.Camera().Position, "input is consumed by one frame")

	c0 := core.DecodeSceneConstants(r.constMem[:core.SceneConstantsSize])
	c1 := core.DecodeSceneConstants(r.constMem[core.SceneConstantsSize:])
	assert.Equal(t, uint32(0), c0.FrameIndex)
	assert.Equal(t, core.FlagRayTraced, c0.Flags)
	assert.Equal(t, uint32(1), c1.FrameIndex)
	assert.Equal(t, core.FlagRayTraced|core.FlagShowNormals, c1.Flags)
	assert.Equal(t, float32(64), c1.Width)
}

func TestSwitchWaitsForTheOtherPath(t *testing.T) {
	d, r := newRenderer(t, soft.Options{Latency: 20 * time.Millisecond}, Options{})
	loadCube(t, r)
	frames(t, r, 1)
	last := r.lastFence[PathRayTraced]
	require.NotZero(t, last)

	d.Pause()
	r.Tunables().RayTraced = false
	done := make(chan error, 1)
	go func() { done <- r.Frame(1.0 / 60) }()
	select {
	case err := <-done:
		t.Fatalf("switched while the ray traced frame was still queued: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	d.Resume()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("switch never completed")
	}
	assert.Equal(t, PathRaster, r.Path())
	assert.True(t, r.Synchronizer().IsComplete(last))
	assert.Greater(t, r.lastFence[PathRaster], last)
	require.NoError(t, r.Synchronizer().Flush())
	assert.Empty(t, d.ValidationErrors())
}

func TestGPUTimeoutStopsTheRenderer(t *testing.T) {
	d, r := newRenderer(t, soft.Options{Latency: 50 * time.Millisecond}, Options{FrameTimeout: 20 * time.Millisecond})
	loadCube(t, r)
	frames(t, r, 1)
	signaled := r.Synchronizer().LastSignaled()

	d.Pause()
	r.Tunables().RayTraced = false
	err := r.Frame(1.0 / 60)
	assert.ErrorIs(t, err, fence.ErrGPUTimeout)
	assert.Equal(t, PathRayTraced, r.Path(), "no raster work before the ray frame is done")

	err = r.Frame(1.0 / 60)
	assert.ErrorIs(t, err, fence.ErrGPUTimeout)
	assert.Equal(t, signaled, r.Synchronizer().LastSignaled(), "nothing submitted after the timeout")
	assert.Equal(t, uint32(1), r.FrameIndex())

	d.Resume()
	require.NoError(t, r.Synchronizer().Flush())
	require.NoError(t, r.Close())
	assert.ErrorIs(t, r.Frame(0), hal.ErrInvalidState)
}

func TestFailedRecordingDiscardsTheList(t *testing.T) {
	_, r := newRenderer(t, soft.Options{}, Options{})
	loadCube(t, r)
	frames(t, r, 2)
	require.NoError(t, r.Synchronizer().Flush())
	before := r.pool.Stats()

	// An unbalanced region makes the ray path fail while recording.
	stray := hal.NewCommandList("stray")
	require.NoError(t, stray.Reset(hal.NewCommandAllocator("stray")))
	require.NoError(t, r.Profiler().StartProfile(stray, RegionTrace))
	require.Error(t, r.Frame(1.0/60))
	require.NoError(t, stray.Close())

	after := r.pool.Stats()
	assert.Equal(t, before.Discarded+1, after.Discarded)
	assert.Equal(t, uint32(2), r.FrameIndex())

	l, err := r.pool.AcquireCommandList()
	require.NoError(t, err)
	assert.Equal(t, after.AllocatorsCreated, r.pool.Stats().AllocatorsCreated, "no new allocator after the discard")
	assert.False(t, l.Allocator().Executing())
	r.pool.Discard(l)
}

func TestFailedLoadDiscardsTheList(t *testing.T) {
	d, r := newRenderer(t, soft.Options{MemoryLimit: 1 << 20}, Options{})
	big := model.Cube()
	for len(big.Vertices)*model.VertexStride < 2<<20 {
		big.Vertices = append(big.Vertices, big.Vertices...)
	}
	require.Error(t, r.LoadScene([]*model.Mesh{big}))
	st := r.pool.Stats()
	assert.Equal(t, 1, st.Discarded)
	assert.Nil(t, r.scene)

	loadCube(t, r)
	assert.Equal(t, st.AllocatorsCreated, r.pool.Stats().AllocatorsCreated)
	frames(t, r, 1)
	require.NoError(t, r.Synchronizer().Flush())
	assert.Empty(t, d.ValidationErrors())
}

func TestResizeRebindsOutput(t *testing.T) {
	d, r := newRenderer(t, soft.Options{}, Options{})
	loadCube(t, r)
	frames(t, r, 1)

	require.NoError(t, r.Resize(64, 48))
	require.NoError(t, r.Resize(96, 72))
	w, h := r.Size()
	assert.Equal(t, [2]uint32{96, 72}, [2]uint32{w, h})
	frames(t, r, 2)
	require.NoError(t, r.Synchronizer().Flush())

	require.Empty(t, d.ValidationErrors())
	img := d.LastPresented()
	require.NotNil(t, img)
	assert.Equal(t, 96, img.Bounds().Dx())
	assert.Less(t, img.RGBAAt(48, 36).B, uint8(255))
}

func TestRasterOnlyDevice(t *testing.T) {
	caps := hal.DefaultCaps()
	caps.Raytracing = false
	d, r := newRenderer(t, soft.Options{Caps: caps}, Options{})
	assert.Equal(t, PathRaster, r.Path())
	loadCube(t, r)
	assert.Nil(t, r.scene.rt)
	assert.Nil(t, r.scene.tlas)

	frames(t, r, 2)
	assert.False(t, r.Tunables().RayTraced)
	assert.Equal(t, PathRaster, r.Path())
	require.NoError(t, r.Synchronizer().Flush())
	assert.Empty(t, d.ValidationErrors())
}

func TestReloadReleasesTransientBuffers(t *testing.T) {
	d, r := newRenderer(t, soft.Options{}, Options{})
	loadCube(t, r)
	live := d.LiveObjects()
	loadCube(t, r)
	assert.Equal(t, live, d.LiveObjects())
	assert.Equal(t, 12, r.Scopes().Count("triangles"))

	two := model.Cube()
	for i := range two.Vertices {
		two.Vertices[i].Position[0] += 3
	}
	require.NoError(t, r.LoadScene([]*model.Mesh{model.Cube(), two}))
	assert.Equal(t, uint32(48), r.scene.vertexCount)
	assert.Equal(t, uint32(72), r.scene.indexCount)
	frames(t, r, 1)
	require.NoError(t, r.Synchronizer().Flush())
	assert.Empty(t, d.ValidationErrors())
}

func TestMissingTextureKeepsSlots(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.png")
	f, err := os.Create(good)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, 3, 2))))
	require.NoError(t, f.Close())

	d, r := newRenderer(t, soft.Options{}, Options{})
	cube := model.Cube()
	cube.Material.Textures = []string{filepath.Join(dir, "missing.png"), good}
	require.NoError(t, r.LoadScene([]*model.Mesh{cube}))

	require.Len(t, r.scene.textures, 2)
	assert.Equal(t, uint32(1), r.scene.textures[0].Width())
	assert.Equal(t, uint32(3), r.scene.textures[1].Width())
	assert.Equal(t, 2, r.Scopes().Count("textures"))
	frames(t, r, 1)
	require.NoError(t, r.Synchronizer().Flush())
	assert.Empty(t, d.ValidationErrors())
}

func TestMergeRebasesIndices(t *testing.T) {
	a, b := model.Cube(), model.Cube()
	vb, ib, nv, ni := merge([]*model.Mesh{a, b})
	assert.Len(t, vb, 48*model.VertexStride)
	assert.Len(t, ib, 72*4)
	assert.Equal(t, uint32(48), nv)
	assert.Equal(t, uint32(72), ni)
	assert.Equal(t, a.Indices[0]+24, uint32(ib[36*4])|uint32(ib[36*4+1])<<8)
}

func TestOverlayFrames(t *testing.T) {
	d, r := newRenderer(t, soft.Options{}, Options{Width: 320, Height: 200, Overlay: true})
	loadCube(t, r)
	frames(t, r, 3)
	require.NoError(t, r.Synchronizer().Flush())
	require.Empty(t, d.ValidationErrors())

	lines := r.overlayLines()
	assert.Contains(t, lines[0], "ray traced")
	assert.Contains(t, lines[len(lines)-1], RegionCopy)
	assert.Equal(t, 3, r.Scopes().Count("frames"))
}

func TestFrameLifecycle(t *testing.T) {
	_, r := newRenderer(t, soft.Options{}, Options{})
	assert.ErrorIs(t, r.Frame(0), ErrNoScene)
	assert.Error(t, r.LoadScene(nil))

	loadCube(t, r)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.ErrorIs(t, r.Frame(0), hal.ErrInvalidState)

	d := soft.New(soft.Options{})
	defer d.Release()
	_, err := New(d, Options{})
	assert.Error(t, err)
}
