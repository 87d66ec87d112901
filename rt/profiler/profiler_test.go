package profiler

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/rtframe/rt/fence"
	"github.com/gekko3d/rtframe/rt/hal"
	"github.com/gekko3d/rtframe/rt/hal/soft"
)

func newProfiler(t *testing.T, latency time.Duration) (*Profiler, *fence.Synchronizer) {
	t.Helper()
	d := soft.New(soft.Options{Latency: latency})
	t.Cleanup(d.Release)
	q, err := d.CreateCommandQueue("direct")
	require.NoError(t, err)
	s, err := fence.New(d, q, nil)
	require.NoError(t, err)
	p, err := New(d, s, 2, nil)
	require.NoError(t, err)
	t.Cleanup(p.Release)
	return p, s
}

func newList(t *testing.T, label string) *hal.CommandList {
	t.Helper()
	l := hal.NewCommandList(label)
	require.NoError(t, l.Reset(hal.NewCommandAllocator(label)))
	return l
}

// frame profiles name across two submissions and ends the frame.
func frame(t *testing.T, p *Profiler, s *fence.Synchronizer, name string) {
	t.Helper()
	begin := newList(t, "begin")
	require.NoError(t, p.StartProfile(begin, name))
	require.NoError(t, begin.Close())
	end := newList(t, "end")
	require.NoError(t, p.EndProfile(end, name))
	require.NoError(t, end.Close())
	// Separate batches so the soft latency lands between the timestamps.
	require.NoError(t, s.Queue().ExecuteCommandLists(begin))
	require.NoError(t, s.Queue().ExecuteCommandLists(end))
	v, err := s.Signal()
	require.NoError(t, err)
	require.NoError(t, p.EndFrame(v))
}

func TestFirstFrameReportsZero(t *testing.T) {
	p, s := newProfiler(t, 2*time.Millisecond)

	frame(t, p, s, "trace")
	st, ok := p.Stat("trace")
	require.True(t, ok)
	assert.Zero(t, st.LastMs)
	assert.Zero(t, st.Samples)

	frame(t, p, s, "trace")
	st, _ = p.Stat("trace")
	assert.Equal(t, 1, st.Samples)
	assert.GreaterOrEqual(t, st.LastMs, 0.0)
	assert.Greater(t, st.LastMs, 0.0, "a latency between the two timestamps")

	frame(t, p, s, "trace")
	st, _ = p.Stat("trace")
	assert.Equal(t, 2, st.Samples)
	assert.GreaterOrEqual(t, st.MaxMs, st.AvgMs)
	assert.GreaterOrEqual(t, st.MaxMs, st.LastMs)
}

func TestRingKeepsRecentSamples(t *testing.T) {
	r := &region{name: "r"}
	for i := 1; i <= HistorySize+4; i++ {
		r.push(float64(i))
	}
	st := r.stat()
	assert.Equal(t, HistorySize, st.Samples)
	assert.Equal(t, float64(HistorySize+4), st.MaxMs)
	assert.Equal(t, float64(HistorySize+4), st.LastMs)
	// Samples 5..20 remain.
	assert.InDelta(t, 12.5, st.AvgMs, 1e-9)
}

func TestRegionMisuse(t *testing.T) {
	p, _ := newProfiler(t, 0)
	l := newList(t, "l")
	assert.Error(t, p.EndProfile(l, "never"))
	require.NoError(t, p.StartProfile(l, "a"))
	assert.Error(t, p.StartProfile(l, "a"))

	for i := 1; i < MaxRegions; i++ {
		require.NoError(t, p.StartProfile(l, fmt.Sprintf("r%d", i)))
	}
	assert.ErrorIs(t, p.StartProfile(l, "overflow"), ErrTooManyRegions)
}

func TestStatsOrderAndTable(t *testing.T) {
	p, s := newProfiler(t, 0)
	frame(t, p, s, "raster")
	frame(t, p, s, "trace")
	frame(t, p, s, "raster")

	stats := p.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "raster", stats[0].Name)
	assert.Equal(t, "trace", stats[1].Name)

	out := p.Table()
	assert.Contains(t, out, "Region")
	assert.Contains(t, out, "raster")
	assert.Contains(t, out, "trace")
}

func TestNeedsTwoSlots(t *testing.T) {
	d := soft.New(soft.Options{})
	defer d.Release()
	q, err := d.CreateCommandQueue("direct")
	require.NoError(t, err)
	s, err := fence.New(d, q, nil)
	require.NoError(t, err)
	_, err = New(d, s, 1, nil)
	assert.Error(t, err)
}

func TestScopes(t *testing.T) {
	s := NewScopes()
	clock := time.Unix(0, 0)
	s.now = func() time.Time { return clock }

	s.BeginScope("record")
	clock = clock.Add(3 * time.Millisecond)
	s.EndScope("record")
	s.BeginScope("present")
	clock = clock.Add(time.Millisecond)
	s.EndScope("present")
	s.EndScope("never")
	s.SetCount("triangles", 12)
	s.SetCount("frames", 2)

	assert.Equal(t, 3*time.Millisecond, s.Duration("record"))
	assert.Equal(t, 12, s.Count("triangles"))
	out := s.String()
	assert.Less(t, strings.Index(out, "record"), strings.Index(out, "present"))
	assert.Less(t, strings.Index(out, "frames"), strings.Index(out, "triangles"))
	assert.Contains(t, out, "3.00 ms")
	assert.NotContains(t, out, "never")
}
