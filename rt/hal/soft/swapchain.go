package soft

import (
	"fmt"
	"sync"

	"github.com/gekko3d/rtframe/rt/hal"
)

type swapChain struct {
	dev  *Device
	q    *queue
	desc hal.SwapChainDesc

	mu       sync.Mutex
	buffers  []*texture
	refs     []int
	index    int
	released bool
}

func newSwapChain(d *Device, q *queue, desc hal.SwapChainDesc) (*swapChain, error) {
	sc := &swapChain{dev: d, q: q, desc: desc}
	if err := sc.allocate(desc.Width, desc.Height); err != nil {
		return nil, err
	}
	return sc, nil
}

func (s *swapChain) allocate(w, h uint32) error {
	if w == 0 || h == 0 {
		return &hal.Error{Op: "ResizeBuffers", Err: fmt.Errorf("%w: %dx%d", hal.ErrInvalidArgument, w, h)}
	}
	bufs := make([]*texture, s.desc.BufferCount)
	for i := range bufs {
		desc := hal.TextureDesc{
			Label:        fmt.Sprintf("%s back buffer %d", s.desc.Label, i),
			Width:        w,
			Height:       h,
			Format:       s.desc.Format,
			Usage:        hal.TextureUsageRenderTarget,
			InitialState: hal.StatePresent,
		}
		if err := s.dev.allocMemory("ResizeBuffers", uint64(w)*uint64(h)*4); err != nil {
			for _, t := range bufs[:i] {
				t.Release()
			}
			return err
		}
		bufs[i] = newTexture(s.dev, desc)
		s.dev.setState(bufs[i], hal.StatePresent)
	}
	s.buffers = bufs
	s.refs = make([]int, len(bufs))
	s.desc.Width, s.desc.Height = w, h
	s.index = 0
	return nil
}

func (s *swapChain) BufferCount() int { return s.desc.BufferCount }

func (s *swapChain) CurrentBackBufferIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

func (s *swapChain) Size() (uint32, uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desc.Width, s.desc.Height
}

func (s *swapChain) Buffer(i int) (hal.Texture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, &hal.Error{Op: "SwapChain.Buffer", Err: hal.ErrInvalidState}
	}
	if i < 0 || i >= len(s.buffers) {
		return nil, &hal.Error{Op: "SwapChain.Buffer", Err: fmt.Errorf("%w: buffer %d of %d", hal.ErrInvalidArgument, i, len(s.buffers))}
	}
	s.refs[i]++
	return &backBufferRef{sc: s, tex: s.buffers[i], index: i}, nil
}

// References reports the number of outstanding Buffer handles.
func (s *swapChain) References() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.refs {
		n += r
	}
	return n
}

func (s *swapChain) ResizeBuffers(w, h uint32) error {
	const op = "ResizeBuffers"
	if err := s.dev.checkRemoved(op); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.refs {
		if n > 0 {
			return &hal.Error{Op: op, Err: fmt.Errorf("%w: buffer %d has %d references", hal.ErrBackBufferReferenced, i, n)}
		}
	}
	s.dev.record(Event{Kind: EventResize, Queue: s.q.label, Label: s.desc.Label, Value: uint64(w)<<32 | uint64(h), Idle: s.dev.idle()})
	old := s.buffers
	if err := s.allocate(w, h); err != nil {
		return err
	}
	for _, t := range old {
		t.Release()
	}
	return nil
}

func (s *swapChain) Present(syncInterval int, flags hal.PresentFlags) error {
	const op = "Present"
	if err := s.dev.checkRemoved(op); err != nil {
		return err
	}
	if syncInterval < 0 || syncInterval > 4 {
		return &hal.Error{Op: op, Err: fmt.Errorf("%w: sync interval %d", hal.ErrInvalidArgument, syncInterval)}
	}
	if flags&hal.PresentAllowTearing != 0 && (syncInterval != 0 || !s.desc.AllowTearing) {
		return &hal.Error{Op: op, Err: fmt.Errorf("%w: tearing needs sync interval 0 on a tearing swap chain", hal.ErrInvalidArgument)}
	}
	s.mu.Lock()
	tex := s.buffers[s.index]
	s.index = (s.index + 1) % len(s.buffers)
	s.mu.Unlock()
	return s.q.push(op, item{kind: itemPresent, tex: tex, syncInterval: syncInterval, flags: flags})
}

func (s *swapChain) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.released = true
	for _, t := range s.buffers {
		t.Release()
	}
}

// backBufferRef is a counted handle to one back buffer.
type backBufferRef struct {
	sc       *swapChain
	tex      *texture
	index    int
	released bool
}

func (r *backBufferRef) Label() string      { return r.tex.Label() }
func (r *backBufferRef) Width() uint32      { return r.tex.Width() }
func (r *backBufferRef) Height() uint32     { return r.tex.Height() }
func (r *backBufferRef) Format() hal.Format { return r.tex.Format() }

func (r *backBufferRef) Release() {
	r.sc.mu.Lock()
	defer r.sc.mu.Unlock()
	if r.released {
		return
	}
	r.released = true
	// A reference taken before a resize points at a retired buffer.
	if r.index < len(r.sc.buffers) && r.sc.buffers[r.index] == r.tex {
		r.sc.refs[r.index]--
	}
}
