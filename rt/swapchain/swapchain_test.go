package swapchain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/rtframe/rt/cmdpool"
	"github.com/gekko3d/rtframe/rt/fence"
	"github.com/gekko3d/rtframe/rt/hal"
	"github.com/gekko3d/rtframe/rt/hal/soft"
)

type fixture struct {
	dev  *soft.Device
	sync *fence.Synchronizer
	pool *cmdpool.Pool
	m    *Manager
}

func newFixture(t *testing.T, devOpts soft.Options, opts Options) *fixture {
	t.Helper()
	d := soft.New(devOpts)
	t.Cleanup(d.Release)
	q, err := d.CreateCommandQueue("direct")
	require.NoError(t, err)
	s, err := fence.New(d, q, nil)
	require.NoError(t, err)
	p := cmdpool.New(s, "frame", nil)
	t.Cleanup(p.Release)
	if opts.Width == 0 {
		opts.Width, opts.Height = 64, 48
	}
	m, err := New(d, s, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Flush()
		m.Release()
	})
	return &fixture{dev: d, sync: s, pool: p, m: m}
}

func (f *fixture) frame(t *testing.T, vsync bool) {
	t.Helper()
	l, err := f.pool.AcquireCommandList()
	require.NoError(t, err)
	bb := f.m.BeginFrame(l)
	l.ClearRenderTarget(bb, [4]float32{0, 0, 1, 1})
	require.NoError(t, f.m.Present(l, f.pool, vsync))
}

func resizeEvents(d *soft.Device) []soft.Event {
	var out []soft.Event
	for _, e := range d.Events() {
		if e.Kind == soft.EventResize {
			out = append(out, e)
		}
	}
	return out
}

func presentEvents(d *soft.Device) []soft.Event {
	var out []soft.Event
	for _, e := range d.Events() {
		if e.Kind == soft.EventPresent {
			out = append(out, e)
		}
	}
	return out
}

func TestPresentSyncIntervalAndFlags(t *testing.T) {
	caps := hal.DefaultCaps()
	caps.AllowTearing = false
	for name, tc := range map[string]struct {
		caps         hal.Caps
		vsync        bool
		wantInterval uint64
		wantFlags    hal.PresentFlags
	}{
		"vsync":              {caps: hal.DefaultCaps(), vsync: true, wantInterval: 1},
		"vsync off, tearing": {caps: hal.DefaultCaps(), wantFlags: hal.PresentAllowTearing},
		"vsync off":          {caps: caps},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, soft.Options{Caps: tc.caps}, Options{AllowTearing: true})
			f.frame(t, tc.vsync)
			require.NoError(t, f.sync.Flush())

			events := presentEvents(f.dev)
			require.Len(t, events, 1)
			assert.Equal(t, tc.wantInterval, events[0].Value)
			assert.Equal(t, tc.wantFlags, events[0].Flags)
			assert.Empty(t, f.dev.ValidationErrors())
		})
	}
}

func TestPresentKeepsIndexAndSlotsInLockstep(t *testing.T) {
	f := newFixture(t, soft.Options{Latency: time.Millisecond}, Options{})
	for i := 0; i < 5; i++ {
		assert.Equal(t, i%FrameCount, f.m.Index())
		f.frame(t, true)
		prev := (f.m.Index() + FrameCount - 1) % FrameCount
		assert.Greater(t, f.m.FenceValue(prev), uint64(0))
		assert.True(t, f.sync.IsComplete(f.m.FenceValue(f.m.Index())))
	}
	assert.Empty(t, f.dev.ValidationErrors())
	require.NoError(t, f.sync.Flush())
	img := f.dev.LastPresented()
	require.NotNil(t, img)
	assert.Equal(t, uint8(255), img.RGBAAt(3, 3).B)
}

func TestPresentWaitsForSlotFence(t *testing.T) {
	f := newFixture(t, soft.Options{}, Options{})
	f.frame(t, true)
	require.NoError(t, f.sync.Flush())
	f.dev.Pause()
	f.frame(t, true)

	l, err := f.pool.AcquireCommandList()
	require.NoError(t, err)
	f.m.BeginFrame(l)
	done := make(chan error, 1)
	go func() { done <- f.m.Present(l, f.pool, true) }()

	select {
	case <-done:
		t.Fatal("slot 1 reused before the GPU finished with it")
	case <-time.After(30 * time.Millisecond):
	}
	f.dev.Resume()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("present never returned")
	}
	assert.Equal(t, 1, f.m.Index())
}

func TestResizeToSameSizeIsNoop(t *testing.T) {
	f := newFixture(t, soft.Options{}, Options{Width: 32, Height: 32})
	f.frame(t, true)
	last := f.sync.LastSignaled()

	require.NoError(t, f.m.Resize(32, 32))
	require.NoError(t, f.m.Resize(32, 32))
	assert.Empty(t, resizeEvents(f.dev))
	assert.Equal(t, last, f.sync.LastSignaled())
}

func TestResizeFlushesFirst(t *testing.T) {
	f := newFixture(t, soft.Options{Latency: 20 * time.Millisecond}, Options{Width: 32, Height: 32})
	f.frame(t, false)
	l, err := f.pool.AcquireCommandList()
	require.NoError(t, err)
	l.ClearRenderTarget(f.m.BeginFrame(l), [4]float32{1, 0, 0, 1})
	l.ResourceBarrier(hal.Transition(f.m.CurrentBackBuffer(), hal.StateRenderTarget, hal.StatePresent))
	_, err = f.pool.SubmitAndTag(l)
	require.NoError(t, err)

	require.NoError(t, f.m.Resize(100, 50))
	require.NoError(t, f.m.Resize(100, 50))

	events := resizeEvents(f.dev)
	require.Len(t, events, 1)
	assert.True(t, events[0].Idle, "resize issued while the queue still had work")
	assert.Equal(t, uint64(100)<<32|50, events[0].Value)

	w, h := f.m.Size()
	assert.Equal(t, [2]uint32{100, 50}, [2]uint32{w, h})
	assert.Equal(t, uint32(100), f.m.CurrentBackBuffer().Width())
	assert.Equal(t, 0, f.m.Index())
	f.frame(t, true)
	assert.Empty(t, f.dev.ValidationErrors())
}

func TestResizeIgnoresMinimizedWindow(t *testing.T) {
	f := newFixture(t, soft.Options{}, Options{})
	require.NoError(t, f.m.Resize(0, 0))
	assert.Empty(t, resizeEvents(f.dev))
}

func TestTearingNeedsDeviceSupport(t *testing.T) {
	caps := hal.DefaultCaps()
	caps.AllowTearing = false
	f := newFixture(t, soft.Options{Caps: caps}, Options{AllowTearing: true})
	assert.False(t, f.m.Tearing())
	f.frame(t, false)

	g := newFixture(t, soft.Options{}, Options{AllowTearing: true})
	assert.True(t, g.m.Tearing())
	g.frame(t, false)
	assert.Empty(t, g.dev.ValidationErrors())
}
