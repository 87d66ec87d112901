// Package swapchain owns the back buffers of a window and keeps the
// back-buffer index and the per-slot fence values in lockstep.
package swapchain

import (
	"fmt"
	"time"

	"github.com/gekko3d/rtframe/rt/core"
	"github.com/gekko3d/rtframe/rt/fence"
	"github.com/gekko3d/rtframe/rt/hal"
)

// FrameCount is the number of back buffers and frames in flight.
const FrameCount = 2

// Submitter closes, executes and fence-tags a command list.
type Submitter interface {
	SubmitAndTag(list *hal.CommandList) (uint64, error)
}

type Options struct {
	Label  string
	Width  uint32
	Height uint32
	Format hal.Format
	// AllowTearing requests tearing presents when vsync is off. It only
	// takes effect if the device supports it.
	AllowTearing bool
	// FrameTimeout bounds the wait for a frame slot. Zero waits forever.
	FrameTimeout time.Duration
	Logger       core.Logger
}

type Manager struct {
	dev     hal.Device
	sync    *fence.Synchronizer
	sc      hal.SwapChain
	opts    Options
	tearing bool
	log     core.Logger

	buffers     [FrameCount]hal.Texture
	fenceValues [FrameCount]uint64
	index       int
}

func New(dev hal.Device, s *fence.Synchronizer, opts Options) (*Manager, error) {
	if opts.Label == "" {
		opts.Label = "swap chain"
	}
	if opts.Format == hal.FormatUnknown {
		opts.Format = hal.FormatRGBA8Unorm
	}
	m := &Manager{
		dev:     dev,
		sync:    s,
		opts:    opts,
		tearing: opts.AllowTearing && dev.Caps().AllowTearing,
		log:     core.OrNop(opts.Logger),
	}
	sc, err := dev.CreateSwapChain(s.Queue(), hal.SwapChainDesc{
		Label:        opts.Label,
		Width:        opts.Width,
		Height:       opts.Height,
		BufferCount:  FrameCount,
		Format:       opts.Format,
		AllowTearing: m.tearing,
	})
	if err != nil {
		return nil, fmt.Errorf("swapchain: create: %w", err)
	}
	m.sc = sc
	if err := m.acquire(); err != nil {
		sc.Release()
		return nil, err
	}
	m.log.Infof("swapchain: %dx%d, %d buffers, tearing %v", opts.Width, opts.Height, FrameCount, m.tearing)
	return m, nil
}

func (m *Manager) acquire() error {
	for i := range m.buffers {
		t, err := m.sc.Buffer(i)
		if err != nil {
			m.releaseBuffers()
			return fmt.Errorf("swapchain: back buffer %d: %w", i, err)
		}
		m.buffers[i] = t
	}
	m.index = m.sc.CurrentBackBufferIndex()
	return nil
}

func (m *Manager) releaseBuffers() {
	for i, t := range m.buffers {
		if t != nil {
			t.Release()
			m.buffers[i] = nil
		}
	}
}

// Index is the current frame slot. It always equals the swap chain's
// current back-buffer index.
func (m *Manager) Index() int { return m.index }

func (m *Manager) CurrentBackBuffer() hal.Texture { return m.buffers[m.index] }

func (m *Manager) Size() (uint32, uint32) { return m.sc.Size() }

func (m *Manager) Tearing() bool { return m.tearing }

// FenceValue is the value the GPU must reach before slot i can be reused.
func (m *Manager) FenceValue(i int) uint64 { return m.fenceValues[i] }

// BeginFrame transitions the current back buffer to a render target and
// returns it.
func (m *Manager) BeginFrame(list *hal.CommandList) hal.Texture {
	bb := m.buffers[m.index]
	list.ResourceBarrier(hal.Transition(bb, hal.StatePresent, hal.StateRenderTarget))
	return bb
}

// Present transitions the back buffer back to the present state, submits
// list, presents and moves to the next frame slot. It returns once that
// slot's previous work has completed on the GPU.
func (m *Manager) Present(list *hal.CommandList, sub Submitter, vsync bool) error {
	list.ResourceBarrier(hal.Transition(m.buffers[m.index], hal.StateRenderTarget, hal.StatePresent))
	if _, err := sub.SubmitAndTag(list); err != nil {
		return fmt.Errorf("swapchain: submit frame %d: %w", m.index, err)
	}

	interval, flags := 1, hal.PresentFlags(0)
	if !vsync {
		interval = 0
		if m.tearing {
			flags = hal.PresentAllowTearing
		}
	}
	if err := m.sc.Present(interval, flags); err != nil {
		return fmt.Errorf("swapchain: present: %w", err)
	}
	return m.moveToNextFrame()
}

func (m *Manager) moveToNextFrame() error {
	v, err := m.sync.Signal()
	if err != nil {
		return err
	}
	m.fenceValues[m.index] = v

	next := m.sc.CurrentBackBufferIndex()
	if next != (m.index+1)%FrameCount {
		panic(fmt.Sprintf("swapchain: back buffer index %d out of step with frame slot %d", next, m.index))
	}
	m.index = next

	timeout := m.opts.FrameTimeout
	if timeout <= 0 {
		timeout = fence.Infinite
	}
	if err := m.sync.WaitForValue(m.fenceValues[m.index], timeout); err != nil {
		return fmt.Errorf("swapchain: wait for frame slot %d: %w", m.index, err)
	}
	return nil
}

// Resize recreates the back buffers. A call with the current size, or with
// a zero dimension from a minimized window, does nothing. Otherwise the
// queue is flushed before any buffer is touched.
func (m *Manager) Resize(w, h uint32) error {
	cw, ch := m.sc.Size()
	if w == cw && h == ch {
		return nil
	}
	if w == 0 || h == 0 {
		m.log.Debugf("swapchain: ignoring resize to %dx%d", w, h)
		return nil
	}
	if err := m.sync.Flush(); err != nil {
		return fmt.Errorf("swapchain: flush before resize: %w", err)
	}
	m.releaseBuffers()
	if err := m.sc.ResizeBuffers(w, h); err != nil {
		return fmt.Errorf("swapchain: resize to %dx%d: %w", w, h, err)
	}
	done := m.sync.LastSignaled()
	for i := range m.fenceValues {
		m.fenceValues[i] = done
	}
	if err := m.acquire(); err != nil {
		return err
	}
	m.log.Infof("swapchain: resized %dx%d -> %dx%d", cw, ch, w, h)
	return nil
}

func (m *Manager) Release() {
	m.releaseBuffers()
	m.sc.Release()
}
