// Package soft is a software implementation of the hal contract. Submitted
// work executes in order on a per-queue worker goroutine, so fences, command
// allocators and swap chains behave asynchronously the way a GPU's do.
// Raytracing dispatches run a CPU tracer over real BVHs and draws run a
// z-buffered rasterizer.
package soft

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gekko3d/rtframe/rt/core"
	"github.com/gekko3d/rtframe/rt/hal"
)

// Presenter receives every presented back buffer.
type Presenter interface {
	Present(img *image.RGBA, syncInterval int) error
}

type Options struct {
	Caps hal.Caps
	// Latency holds each executed batch before it completes. It is ignored
	// when Timeline is set.
	Latency            time.Duration
	TimestampFrequency uint64
	Timeline           Timeline
	Presenter          Presenter
	// MemoryLimit bounds the bytes of live buffers and textures. Zero means
	// unlimited.
	MemoryLimit uint64
	// StrictValidation removes the device on the first validation error.
	StrictValidation bool
	Logger           core.Logger
}

type EventKind uint8

const (
	EventExecute EventKind = iota
	EventSignal
	EventPresent
	EventResize
)

func (k EventKind) String() string {
	switch k {
	case EventExecute:
		return "execute"
	case EventSignal:
		return "signal"
	case EventPresent:
		return "present"
	case EventResize:
		return "resize"
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// Event is one entry of the device history, recorded when the work it
// describes completes on the timeline (or, for resizes, when the CPU issues
// them).
type Event struct {
	Kind  EventKind
	Queue string
	Label string
	Value uint64
	// Flags are the present flags of an EventPresent.
	Flags hal.PresentFlags
	// Idle reports whether every queue had drained when a resize was issued.
	Idle bool
}

type Device struct {
	opts     Options
	log      core.Logger
	timeline Timeline
	addrs    *hal.AddressSpace
	serial   uuid.UUID

	mu         sync.Mutex
	removed    error
	paused     bool
	resume     *sync.Cond
	queues     []*queue
	fences     []*fence
	heaps      []*hal.DescriptorHeap
	nextHandle hal.GPUDescriptorHandle
	memory     uint64
	events     []Event
	validation []error
	states     map[hal.Resource]hal.ResourceState
	objects    int
	presented  *image.RGBA

	stateObjects int
}

var _ hal.Device = (*Device)(nil)

func New(opts Options) *Device {
	if opts.Caps == (hal.Caps{}) {
		opts.Caps = hal.DefaultCaps()
	}
	tl := opts.Timeline
	if tl == nil {
		tl = NewHostTimeline(opts.Latency, opts.TimestampFrequency)
	}
	d := &Device{
		opts:       opts,
		log:        core.OrNop(opts.Logger),
		timeline:   tl,
		addrs:      hal.NewAddressSpace(),
		serial:     uuid.New(),
		nextHandle: 0x1000,
		states:     make(map[hal.Resource]hal.ResourceState),
	}
	d.resume = sync.NewCond(&d.mu)
	if err := opts.Caps.Validate(); err != nil {
		d.log.Errorf("soft: invalid caps: %v", err)
		d.removed = fmt.Errorf("%w: invalid caps: %v", hal.ErrDeviceRemoved, err)
	}
	return d
}

func (d *Device) Caps() hal.Caps { return d.opts.Caps }

func (d *Device) Removed() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removed
}

// Remove puts the device in the lost state. Pending work is dropped and
// every fence waiter is woken.
func (d *Device) Remove(reason error) {
	d.mu.Lock()
	if d.removed != nil {
		d.mu.Unlock()
		return
	}
	d.removed = fmt.Errorf("%w: %v", hal.ErrDeviceRemoved, reason)
	fences := append([]*fence(nil), d.fences...)
	queues := append([]*queue(nil), d.queues...)
	d.paused = false
	d.resume.Broadcast()
	d.mu.Unlock()

	d.log.Errorf("device removed: %v", reason)
	for _, f := range fences {
		f.lose()
	}
	for _, q := range queues {
		q.drop()
	}
}

func (d *Device) checkRemoved(op string) error {
	if err := d.Removed(); err != nil {
		return &hal.Error{Op: op, Err: err}
	}
	return nil
}

// Pause stops every queue before its next item until Resume. Work already
// queued stays queued, so fences stop advancing.
func (d *Device) Pause() {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
}

func (d *Device) Resume() {
	d.mu.Lock()
	d.paused = false
	d.resume.Broadcast()
	d.mu.Unlock()
}

func (d *Device) waitUnpaused(q *queue) {
	d.mu.Lock()
	for d.paused && d.removed == nil && !q.closed.Load() {
		d.resume.Wait()
	}
	d.mu.Unlock()
}

func (d *Device) Events() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Event(nil), d.events...)
}

func (d *Device) record(e Event) {
	d.mu.Lock()
	d.events = append(d.events, e)
	d.mu.Unlock()
}

// LastPresented returns a copy of the most recently presented back buffer,
// or nil before the first present completes.
func (d *Device) LastPresented() *image.RGBA {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.presented == nil {
		return nil
	}
	out := image.NewRGBA(d.presented.Rect)
	copy(out.Pix, d.presented.Pix)
	return out
}

// ValidationErrors returns every contract violation observed while
// executing command lists.
func (d *Device) ValidationErrors() []error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]error(nil), d.validation...)
}

func (d *Device) invalid(format string, args ...any) {
	err := fmt.Errorf(format, args...)
	d.mu.Lock()
	d.validation = append(d.validation, err)
	strict := d.opts.StrictValidation
	d.mu.Unlock()
	d.log.Warnf("validation: %v", err)
	if strict {
		d.Remove(err)
	}
}

func (d *Device) idle() bool {
	d.mu.Lock()
	queues := append([]*queue(nil), d.queues...)
	d.mu.Unlock()
	for _, q := range queues {
		if !q.idle() {
			return false
		}
	}
	return true
}

func (d *Device) allocMemory(op string, n uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opts.MemoryLimit > 0 && d.memory+n > d.opts.MemoryLimit {
		return &hal.Error{Op: op, Err: fmt.Errorf("%w: %d bytes requested, %d of %d in use", hal.ErrOutOfMemory, n, d.memory, d.opts.MemoryLimit)}
	}
	d.memory += n
	d.objects++
	return nil
}

func (d *Device) freeMemory(n uint64) {
	d.mu.Lock()
	d.memory -= n
	d.objects--
	d.mu.Unlock()
}

// LiveObjects counts buffers and textures not yet released.
func (d *Device) LiveObjects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.objects
}

func (d *Device) setState(r hal.Resource, s hal.ResourceState) {
	d.mu.Lock()
	d.states[underlying(r)] = s
	d.mu.Unlock()
}

func (d *Device) state(r hal.Resource) (hal.ResourceState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.states[underlying(r)]
	return s, ok
}

// ResourceState reports the state the timeline last left r in.
func (d *Device) ResourceState(r hal.Resource) hal.ResourceState {
	s, _ := d.state(r)
	return s
}

func (d *Device) CreateCommandQueue(label string) (hal.CommandQueue, error) {
	if err := d.checkRemoved("CreateCommandQueue"); err != nil {
		return nil, err
	}
	q := newQueue(d, label)
	d.mu.Lock()
	d.queues = append(d.queues, q)
	d.mu.Unlock()
	go q.run()
	return q, nil
}

func (d *Device) CreateFence(label string, initial uint64) (hal.Fence, error) {
	if err := d.checkRemoved("CreateFence"); err != nil {
		return nil, err
	}
	f := newFence(label, initial)
	d.mu.Lock()
	d.fences = append(d.fences, f)
	d.mu.Unlock()
	return f, nil
}

func (d *Device) CreateBuffer(desc hal.BufferDesc) (hal.Buffer, error) {
	const op = "CreateBuffer"
	if err := d.checkRemoved(op); err != nil {
		return nil, err
	}
	if desc.Size == 0 {
		return nil, &hal.Error{Op: op, Err: fmt.Errorf("%w: %q has zero size", hal.ErrInvalidArgument, desc.Label)}
	}
	switch desc.Heap {
	case hal.HeapUpload:
		desc.InitialState = hal.StateGenericRead
	case hal.HeapReadback:
		desc.InitialState = hal.StateCopyDest
	}
	if desc.Usage&hal.BufferUsageAccelerationStructure != 0 {
		if desc.Heap != hal.HeapDefault {
			return nil, &hal.Error{Op: op, Err: fmt.Errorf("%w: acceleration structure %q must live in the default heap", hal.ErrInvalidArgument, desc.Label)}
		}
		desc.InitialState = hal.StateAccelerationStructure
	}
	if err := d.allocMemory(op, desc.Size); err != nil {
		return nil, err
	}
	b := &buffer{dev: d, desc: desc, data: make([]byte, desc.Size)}
	b.va = d.addrs.Reserve(desc.Size, b)
	d.setState(b, desc.InitialState)
	return b, nil
}

func (d *Device) CreateTexture(desc hal.TextureDesc) (hal.Texture, error) {
	const op = "CreateTexture"
	if err := d.checkRemoved(op); err != nil {
		return nil, err
	}
	if desc.Width == 0 || desc.Height == 0 {
		return nil, &hal.Error{Op: op, Err: fmt.Errorf("%w: %q is %dx%d", hal.ErrInvalidArgument, desc.Label, desc.Width, desc.Height)}
	}
	if desc.Format.BytesPerPixel() == 0 {
		return nil, &hal.Error{Op: op, Err: fmt.Errorf("%w: %q has format %s", hal.ErrInvalidArgument, desc.Label, desc.Format)}
	}
	if err := d.allocMemory(op, uint64(desc.Width)*uint64(desc.Height)*4); err != nil {
		return nil, err
	}
	t := newTexture(d, desc)
	d.setState(t, desc.InitialState)
	return t, nil
}

func (d *Device) CreateDescriptorHeap(desc hal.DescriptorHeapDesc) (*hal.DescriptorHeap, error) {
	if err := d.checkRemoved("CreateDescriptorHeap"); err != nil {
		return nil, err
	}
	inc := d.opts.Caps.DescriptorSize
	d.mu.Lock()
	base := d.nextHandle
	d.nextHandle += hal.GPUDescriptorHandle(hal.Align(uint64(desc.NumDescriptors)*uint64(inc)+uint64(inc), 4096))
	d.mu.Unlock()
	h, err := hal.NewDescriptorHeap(desc, base, inc)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.heaps = append(d.heaps, h)
	d.mu.Unlock()
	return h, nil
}

func (d *Device) heapFor(handle hal.GPUDescriptorHandle) *hal.DescriptorHeap {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, h := range d.heaps {
		if h.Contains(handle) {
			return h
		}
	}
	return nil
}

func (d *Device) CreateStateObject(desc *hal.StateObjectDesc) (hal.StateObject, error) {
	const op = "CreateStateObject"
	if err := d.checkRemoved(op); err != nil {
		return nil, err
	}
	if !d.opts.Caps.Raytracing {
		return nil, &hal.Error{Op: op, Err: hal.ErrUnsupported}
	}
	if err := desc.Validate(d.opts.Caps); err != nil {
		return nil, err
	}
	return newStateObject(d, desc), nil
}

func (d *Device) CreateGraphicsPipeline(desc hal.GraphicsPipelineDesc) (hal.GraphicsPipeline, error) {
	const op = "CreateGraphicsPipeline"
	if err := d.checkRemoved(op); err != nil {
		return nil, err
	}
	if desc.RootSignature == nil {
		return nil, &hal.Error{Op: op, Err: fmt.Errorf("%w: %q has no root signature", hal.ErrInvalidArgument, desc.Label)}
	}
	if desc.VS.Stage != hal.StageVertex || desc.PS.Stage != hal.StagePixel {
		return nil, &hal.Error{Op: op, Err: fmt.Errorf("%w: %q needs a vertex and a pixel shader", hal.ErrInvalidArgument, desc.Label)}
	}
	hasPosition := false
	for _, e := range desc.InputLayout {
		if e.Semantic == "POSITION" && e.Format == hal.FormatR32G32B32Float {
			hasPosition = true
		}
	}
	if !hasPosition {
		return nil, &hal.Error{Op: op, Err: fmt.Errorf("%w: %q has no float3 POSITION input", hal.ErrInvalidArgument, desc.Label)}
	}
	return &graphicsPipeline{desc: desc}, nil
}

func (d *Device) CreateSwapChain(q hal.CommandQueue, desc hal.SwapChainDesc) (hal.SwapChain, error) {
	const op = "CreateSwapChain"
	if err := d.checkRemoved(op); err != nil {
		return nil, err
	}
	sq, ok := q.(*queue)
	if !ok || sq.dev != d {
		return nil, &hal.Error{Op: op, Err: fmt.Errorf("%w: queue from another device", hal.ErrInvalidArgument)}
	}
	if desc.BufferCount < 2 {
		return nil, &hal.Error{Op: op, Err: fmt.Errorf("%w: %d buffers", hal.ErrInvalidArgument, desc.BufferCount)}
	}
	if desc.Format == hal.FormatUnknown {
		desc.Format = hal.FormatRGBA8Unorm
	}
	if desc.AllowTearing && !d.opts.Caps.AllowTearing {
		return nil, &hal.Error{Op: op, Err: fmt.Errorf("%w: tearing", hal.ErrUnsupported)}
	}
	sc, err := newSwapChain(d, sq, desc)
	if err != nil {
		return nil, err
	}
	return sc, nil
}

func (d *Device) AccelerationStructurePrebuildInfo(inputs *hal.ASInputs) (hal.ASPrebuildInfo, error) {
	const op = "AccelerationStructurePrebuildInfo"
	if err := d.checkRemoved(op); err != nil {
		return hal.ASPrebuildInfo{}, err
	}
	if !d.opts.Caps.Raytracing {
		return hal.ASPrebuildInfo{}, &hal.Error{Op: op, Err: hal.ErrUnsupported}
	}
	return prebuildInfo(inputs)
}

// Release stops every queue worker. Queued work that has not started is
// dropped.
func (d *Device) Release() {
	d.mu.Lock()
	queues := append([]*queue(nil), d.queues...)
	d.queues = nil
	d.paused = false
	d.resume.Broadcast()
	d.mu.Unlock()
	for _, q := range queues {
		q.Release()
	}
	d.timeline.Close()
}
