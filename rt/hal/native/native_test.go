package native

import (
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/rtframe/rt/fence"
	"github.com/gekko3d/rtframe/rt/hal"
	"github.com/gekko3d/rtframe/rt/hal/soft"
)

func openNoop(t *testing.T) *Timeline {
	t.Helper()
	tl, err := Open(Options{Backend: gputypes.BackendEmpty})
	require.NoError(t, err)
	return tl
}

func TestOpenNoop(t *testing.T) {
	tl := openNoop(t)
	defer tl.Close()

	assert.Equal(t, "Noop Adapter", tl.Adapter().Name)
	assert.Equal(t, gputypes.BackendEmpty, tl.Adapter().Backend)
	assert.Equal(t, uint64(1e9), tl.Frequency())

	require.NoError(t, tl.Retire())
	require.NoError(t, tl.Retire())
	assert.Equal(t, uint64(2), tl.Retired())

	a := tl.Ticks()
	time.Sleep(2 * time.Millisecond)
	assert.GreaterOrEqual(t, tl.Ticks()-a, uint64(time.Millisecond))
}

func TestRetireAfterClose(t *testing.T) {
	tl := openNoop(t)
	tl.Close()
	tl.Close()
	assert.Error(t, tl.Retire())
}

func TestAdapterFilter(t *testing.T) {
	_, err := Open(Options{Backend: gputypes.BackendEmpty, Adapter: "nope"})
	assert.ErrorIs(t, err, ErrNoAdapter)

	tl, err := Open(Options{Backend: gputypes.BackendEmpty, Adapter: "NOOP"})
	require.NoError(t, err)
	tl.Close()

	list, err := Adapters(gputypes.BackendEmpty)
	require.NoError(t, err)
	require.NotEmpty(t, list)
	assert.Equal(t, 0, list[0].Index)
	assert.Contains(t, Backends(), gputypes.BackendEmpty)
}

func TestParseBackend(t *testing.T) {
	for in, want := range map[string]gputypes.Backend{
		"noop":   gputypes.BackendEmpty,
		"Vulkan": gputypes.BackendVulkan,
		" dx12 ": gputypes.BackendDX12,
		"metal":  gputypes.BackendMetal,
		"gl":     gputypes.BackendGL,
		"empty":  gputypes.BackendEmpty,
	} {
		got, err := ParseBackend(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseBackend("d3d9")
	assert.Error(t, err)
}

func TestSoftDeviceOnNativeTimeline(t *testing.T) {
	tl := openNoop(t)
	d := soft.New(soft.Options{Timeline: tl})
	defer d.Release()

	q, err := d.CreateCommandQueue("direct")
	require.NoError(t, err)
	freq, err := q.TimestampFrequency()
	require.NoError(t, err)
	assert.Equal(t, uint64(1e9), freq)
	s, err := fence.New(d, q, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		a := hal.NewCommandAllocator("a")
		l := hal.NewCommandList("l")
		require.NoError(t, l.Reset(a))
		require.NoError(t, l.Close())
		require.NoError(t, q.ExecuteCommandLists(l))
		_, err := s.Signal()
		require.NoError(t, err)
	}
	require.NoError(t, s.Flush())
	assert.Equal(t, uint64(3), tl.Retired())
}
