// Package render drives frames: camera constants, command recording for the
// rasterized or the ray-traced path, presentation and GPU timing.
package render

import (
	"errors"
	"fmt"
	"time"

	"github.com/gekko3d/rtframe/rt/accel"
	"github.com/gekko3d/rtframe/rt/cmdpool"
	"github.com/gekko3d/rtframe/rt/core"
	"github.com/gekko3d/rtframe/rt/fence"
	"github.com/gekko3d/rtframe/rt/hal"
	"github.com/gekko3d/rtframe/rt/overlay"
	"github.com/gekko3d/rtframe/rt/pipeline"
	"github.com/gekko3d/rtframe/rt/profiler"
	"github.com/gekko3d/rtframe/rt/shaders"
	"github.com/gekko3d/rtframe/rt/swapchain"
)

var ErrNoScene = errors.New("render: no scene loaded")

// Path selects how a frame is drawn.
type Path uint8

const (
	PathRaster Path = iota
	PathRayTraced
)

func (p Path) String() string {
	if p == PathRayTraced {
		return "ray traced"
	}
	return "raster"
}

// GPU profiler region names.
const (
	RegionRaster = "raster"
	RegionTrace  = "trace"
	RegionCopy   = "copy"
)

type Options struct {
	Width, Height uint32
	Format        hal.Format
	AllowTearing  bool
	// Profile is the shader profile pipelines are compiled for.
	Profile shaders.Profile
	// FrameTimeout bounds every wait on the GPU. Zero waits forever.
	FrameTimeout time.Duration
	// Overlay draws the tunables and GPU timings over each frame.
	Overlay    bool
	Tunables   *overlay.Tunables
	ClearColor [4]float32
	Logger     core.Logger
}

type Renderer struct {
	dev  hal.Device
	opts Options
	log  core.Logger

	queue    hal.CommandQueue
	sync     *fence.Synchronizer
	pool     *cmdpool.Pool
	swap     *swapchain.Manager
	graves   *fence.Graveyard
	builder  *accel.Builder
	asm      *pipeline.Assembler
	compiler *shaders.Compiler
	gpu      *profiler.Profiler
	cpu      *profiler.Scopes
	text     *overlay.TextOverlay
	tun      *overlay.Tunables

	cam    *core.Camera
	input  core.InputDelta
	lights []core.Light

	consts   hal.Buffer
	constMem []byte
	output   hal.Texture

	scene     *scene
	path      Path
	lastFence [2]uint64
	frame     uint32
	closed    bool
	// failed holds the GPU timeout or device removal that stopped the
	// renderer. No frame is recorded after it.
	failed error
}

// New creates the queue, swap chain and per-frame resources on dev. No
// scene is loaded.
func New(dev hal.Device, opts Options) (_ *Renderer, err error) {
	if opts.Width == 0 || opts.Height == 0 {
		return nil, fmt.Errorf("render: invalid size %dx%d", opts.Width, opts.Height)
	}
	if opts.Format == hal.FormatUnknown {
		opts.Format = hal.FormatRGBA8Unorm
	}
	if opts.Profile == "" {
		opts.Profile = shaders.ProfileWGSL
	}
	if opts.FrameTimeout <= 0 {
		opts.FrameTimeout = fence.Infinite
	}
	if opts.Tunables == nil {
		opts.Tunables = overlay.DefaultTunables()
	}
	if opts.ClearColor == ([4]float32{}) {
		opts.ClearColor = [4]float32{0.05, 0.05, 0.08, 1}
	}
	log := core.OrNop(opts.Logger)
	r := &Renderer{
		dev:      dev,
		opts:     opts,
		log:      log,
		builder:  accel.NewBuilder(dev, log),
		asm:      pipeline.NewAssembler(dev, log),
		compiler: shaders.NewCompiler(log),
		cpu:      profiler.NewScopes(),
		tun:      opts.Tunables,
		cam:      core.NewCamera(),
	}
	defer func() {
		if err != nil {
			r.release()
		}
	}()

	if r.queue, err = dev.CreateCommandQueue("direct"); err != nil {
		return nil, fmt.Errorf("render: queue: %w", err)
	}
	if r.sync, err = fence.New(dev, r.queue, log); err != nil {
		return nil, err
	}
	r.graves = fence.NewGraveyard(r.sync)
	r.pool = cmdpool.New(r.sync, "frame", log)
	r.swap, err = swapchain.New(dev, r.sync, swapchain.Options{
		Label:        "main",
		Width:        opts.Width,
		Height:       opts.Height,
		Format:       opts.Format,
		AllowTearing: opts.AllowTearing,
		FrameTimeout: opts.FrameTimeout,
		Logger:       log,
	})
	if err != nil {
		return nil, err
	}

	r.consts, err = dev.CreateBuffer(hal.BufferDesc{
		Label: "scene constants",
		Size:  swapchain.FrameCount * core.SceneConstantsSize,
		Heap:  hal.HeapUpload,
	})
	if err != nil {
		return nil, fmt.Errorf("render: constants: %w", err)
	}
	// Mapped for the renderer's lifetime.
	if r.constMem, err = r.consts.Map(); err != nil {
		return nil, fmt.Errorf("render: map constants: %w", err)
	}

	if r.gpu, err = profiler.New(dev, r.sync, swapchain.FrameCount, log); err != nil {
		return nil, err
	}
	if opts.Overlay {
		r.text, err = overlay.NewTextOverlay(dev, overlay.TextOptions{Frames: swapchain.FrameCount})
		if err != nil {
			return nil, err
		}
	}
	if dev.Caps().Raytracing {
		if err = r.createOutput(opts.Width, opts.Height); err != nil {
			return nil, err
		}
		r.path = PathRayTraced
	}
	if !r.tun.RayTraced {
		r.path = PathRaster
	}
	log.Infof("render: %dx%d, path %s, profile %s", opts.Width, opts.Height, r.path, opts.Profile)
	return r, nil
}

func (r *Renderer) createOutput(w, h uint32) error {
	t, err := r.dev.CreateTexture(hal.TextureDesc{
		Label:        "ray output",
		Width:        w,
		Height:       h,
		Format:       r.opts.Format,
		Usage:        hal.TextureUsageUnorderedAccess,
		InitialState: hal.StateUnorderedAccess,
	})
	if err != nil {
		return fmt.Errorf("render: output %dx%d: %w", w, h, err)
	}
	r.output = t
	return nil
}

func (r *Renderer) Camera() *core.Camera { return r.cam }

// Tunables returns the live settings. Changes apply from the next frame.
func (r *Renderer) Tunables() *overlay.Tunables { return r.tun }

// Path is the path the last frame was drawn with.
func (r *Renderer) Path() Path { return r.path }

func (r *Renderer) Profiler() *profiler.Profiler { return r.gpu }

func (r *Renderer) Scopes() *profiler.Scopes { return r.cpu }

func (r *Renderer) Synchronizer() *fence.Synchronizer { return r.sync }

func (r *Renderer) Size() (uint32, uint32) { return r.swap.Size() }

// FrameIndex counts presented frames.
func (r *Renderer) FrameIndex() uint32 { return r.frame }

func (r *Renderer) SetLights(lights []core.Light) {
	r.lights = append(r.lights[:0], lights...)
}

// ApplyInput accumulates d into the input consumed by the next frame.
func (r *Renderer) ApplyInput(d core.InputDelta) {
	r.input = r.input.Add(d)
}

// Frame draws and presents one frame. dt is the time since the previous
// frame in seconds. A GPU timeout or device removal is fatal: every later
// call returns it.
func (r *Renderer) Frame(dt float32) error {
	if r.closed {
		return fmt.Errorf("render: frame after close: %w", hal.ErrInvalidState)
	}
	if r.failed != nil {
		return fmt.Errorf("render: renderer stopped: %w", r.failed)
	}
	if r.scene == nil {
		return ErrNoScene
	}
	err := r.frameOnce(dt)
	if errors.Is(err, fence.ErrGPUTimeout) || errors.Is(err, hal.ErrDeviceRemoved) {
		r.log.Errorf("render: stopping after frame %d: %v", r.frame, err)
		r.failed = err
	}
	return err
}

func (r *Renderer) frameOnce(dt float32) error {
	r.graves.Collect()
	path, err := r.selectPath()
	if err != nil {
		return err
	}

	r.cpu.BeginScope("record")
	slot := r.swap.Index()
	r.cam.Apply(r.input, dt)
	r.input = core.InputDelta{}
	w, h := r.swap.Size()
	c := core.NewSceneConstants(r.cam, w, h)
	c.ApplyLights(r.lights)
	c.FrameIndex = r.frame
	if path == PathRayTraced {
		c.Flags |= core.FlagRayTraced
	}
	if r.tun.ShowNormals {
		c.Flags |= core.FlagShowNormals
	}
	c.Encode(r.constMem[slot*core.SceneConstantsSize:])

	list, err := r.pool.AcquireCommandList()
	if err != nil {
		return err
	}
	bb := r.swap.BeginFrame(list)
	if path == PathRayTraced {
		err = r.recordRays(list, bb, slot, w, h)
	} else {
		err = r.recordRaster(list, bb, slot, w, h)
	}
	if err == nil && r.text != nil && r.tun.ShowStats {
		r.text.SetLines(r.overlayLines()...)
		err = r.text.Draw(list, nil, 0, bb)
	}
	if err != nil {
		r.pool.Discard(list)
		return err
	}
	r.cpu.EndScope("record")

	r.cpu.BeginScope("present")
	if err := r.swap.Present(list, r.pool, r.tun.VSync); err != nil {
		return err
	}
	r.cpu.EndScope("present")

	v := r.sync.LastSignaled()
	r.lastFence[path] = v
	if err := r.gpu.EndFrame(v); err != nil {
		return err
	}
	r.frame++
	r.cpu.SetCount("frames", int(r.frame))
	return nil
}

// selectPath applies the ray-traced toggle. Switching waits until the last
// frame of the path being left has completed.
func (r *Renderer) selectPath() (Path, error) {
	want := PathRaster
	if r.tun.RayTraced {
		if r.scene.rt == nil {
			r.log.Warnf("render: ray tracing is not available, staying on %s", PathRaster)
			r.tun.RayTraced = false
		} else {
			want = PathRayTraced
		}
	}
	if want == r.path {
		return want, nil
	}
	if err := r.sync.WaitForValue(r.lastFence[r.path], r.opts.FrameTimeout); err != nil {
		return r.path, fmt.Errorf("render: drain %s path: %w", r.path, err)
	}
	r.log.Infof("render: switching %s -> %s", r.path, want)
	r.path = want
	return want, nil
}

func (r *Renderer) recordRaster(list *hal.CommandList, bb hal.Texture, slot int, w, h uint32) error {
	s := r.scene
	list.ClearRenderTarget(bb, r.opts.ClearColor)
	if err := r.gpu.StartProfile(list, RegionRaster); err != nil {
		return err
	}
	s.raster.Bind(list, slot)
	list.SetRenderTarget(bb)
	list.SetViewport(hal.Viewport{Width: float32(w), Height: float32(h), MaxDepth: 1})
	list.SetVertexBuffer(hal.VertexBufferView{
		Location: s.vb.GPUAddress(),
		Size:     uint32(s.vb.Size()),
		Stride:   s.vertexStride,
	})
	list.SetIndexBuffer(hal.IndexBufferView{
		Location: s.ib.GPUAddress(),
		Size:     uint32(s.ib.Size()),
		Format:   hal.IndexUint32,
	})
	list.DrawIndexed(s.indexCount, 1, 0, 0, 0)
	return r.gpu.EndProfile(list, RegionRaster)
}

func (r *Renderer) recordRays(list *hal.CommandList, bb hal.Texture, slot int, w, h uint32) error {
	p := r.scene.rt
	if err := r.gpu.StartProfile(list, RegionTrace); err != nil {
		return err
	}
	p.Bind(list, slot)
	list.DispatchRays(p.DispatchDesc(w, h))
	if err := r.gpu.EndProfile(list, RegionTrace); err != nil {
		return err
	}

	if err := r.gpu.StartProfile(list, RegionCopy); err != nil {
		return err
	}
	list.ResourceBarrier(
		hal.Transition(r.output, hal.StateUnorderedAccess, hal.StateCopySource),
		hal.Transition(bb, hal.StateRenderTarget, hal.StateCopyDest),
	)
	list.CopyResource(bb, r.output)
	list.ResourceBarrier(
		hal.Transition(r.output, hal.StateCopySource, hal.StateUnorderedAccess),
		hal.Transition(bb, hal.StateCopyDest, hal.StateRenderTarget),
	)
	return r.gpu.EndProfile(list, RegionCopy)
}

func (r *Renderer) overlayLines() []string {
	lines := r.tun.Lines()
	for _, s := range r.gpu.Stats() {
		lines = append(lines, fmt.Sprintf("%s: %.2f ms (max %.2f)", s.Name, s.AvgMs, s.MaxMs))
	}
	return lines
}

// Resize resizes the back buffers and the ray output. The queue is flushed
// by the swap chain before anything is released.
func (r *Renderer) Resize(w, h uint32) error {
	cw, ch := r.swap.Size()
	if err := r.swap.Resize(w, h); err != nil {
		return err
	}
	if nw, nh := r.swap.Size(); nw == cw && nh == ch {
		return nil
	}
	if r.output == nil {
		return nil
	}
	r.output.Release()
	r.output = nil
	if err := r.createOutput(w, h); err != nil {
		return err
	}
	if r.scene != nil && r.scene.rt != nil {
		if err := r.scene.rt.SetOutput(r.output); err != nil {
			return fmt.Errorf("render: rebind output: %w", err)
		}
	}
	return nil
}

// Close waits for the GPU and releases everything. Further frames fail.
// After a GPU timeout the wait is bounded by the frame timeout.
func (r *Renderer) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	var err error
	if r.failed == nil {
		err = r.graves.Drain()
	} else if v, serr := r.sync.Signal(); serr != nil {
		err = serr
	} else {
		err = r.sync.WaitForValue(v, r.opts.FrameTimeout)
	}
	r.release()
	if err != nil {
		return fmt.Errorf("render: flush on close: %w", err)
	}
	return nil
}

func (r *Renderer) release() {
	if r.graves != nil {
		r.graves.Collect()
	}
	if r.scene != nil {
		r.scene.release(r.builder)
		r.scene = nil
	}
	if r.text != nil {
		r.text.Release()
	}
	if r.output != nil {
		r.output.Release()
	}
	if r.gpu != nil {
		r.gpu.Release()
	}
	if r.consts != nil {
		if r.constMem != nil {
			r.consts.Unmap()
		}
		r.consts.Release()
	}
	if r.pool != nil {
		r.pool.Release()
	}
	if r.swap != nil {
		r.swap.Release()
	}
	if r.sync != nil {
		r.sync.Release()
	}
	if r.queue != nil {
		r.queue.Release()
	}
}
