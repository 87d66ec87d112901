// Package webgpu puts frames presented by the software device on screen. Each
// back buffer is uploaded to a texture and blitted to a window surface by a
// fullscreen triangle.
package webgpu

import (
	"fmt"
	"image"
	"slices"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/cogentcore/webgpu/wgpuglfw"
	"github.com/go-gl/glfw/v3.3/glfw"

	"github.com/gekko3d/rtframe/rt/core"
	"github.com/gekko3d/rtframe/rt/hal/soft"
	"github.com/gekko3d/rtframe/rt/shaders"
)

// Presenter is a soft.Presenter drawing into a glfw window.
type Presenter struct {
	log      core.Logger
	instance *wgpu.Instance
	surface  *wgpu.Surface
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	config   *wgpu.SurfaceConfiguration
	modes    []wgpu.PresentMode

	pipeline *wgpu.RenderPipeline
	sampler  *wgpu.Sampler

	frame     *wgpu.Texture
	frameView *wgpu.TextureView
	bindGroup *wgpu.BindGroup
	frameW    int
	frameH    int

	presented uint64
}

var _ soft.Presenter = (*Presenter)(nil)

// NewPresenter creates the surface of window. It must run on the thread that
// owns the window.
func NewPresenter(window *glfw.Window, log core.Logger) (_ *Presenter, err error) {
	p := &Presenter{log: core.OrNop(log)}
	defer func() {
		if err != nil {
			p.Release()
		}
	}()
	p.instance = wgpu.CreateInstance(nil)
	p.surface = p.instance.CreateSurface(wgpuglfw.GetSurfaceDescriptor(window))

	p.adapter, err = p.instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		CompatibleSurface: p.surface,
		PowerPreference:   wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		return nil, fmt.Errorf("webgpu: request adapter: %w", err)
	}
	p.device, err = p.adapter.RequestDevice(nil)
	if err != nil {
		return nil, fmt.Errorf("webgpu: request device: %w", err)
	}
	p.queue = p.device.GetQueue()

	caps := p.surface.GetCapabilities(p.adapter)
	if len(caps.Formats) == 0 || len(caps.AlphaModes) == 0 {
		return nil, fmt.Errorf("webgpu: surface not supported by adapter")
	}
	p.modes = caps.PresentModes
	width, height := window.GetFramebufferSize()
	p.config = &wgpu.SurfaceConfiguration{
		Usage:       wgpu.TextureUsageRenderAttachment,
		Format:      caps.Formats[0],
		Width:       uint32(max(width, 1)),
		Height:      uint32(max(height, 1)),
		PresentMode: wgpu.PresentModeFifo,
		AlphaMode:   caps.AlphaModes[0],
	}
	p.surface.Configure(p.adapter, p.device, p.config)

	module, err := p.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "blit",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: shaders.BlitWGSL},
	})
	if err != nil {
		return nil, fmt.Errorf("webgpu: blit shader: %w", err)
	}
	defer module.Release()

	p.pipeline, err = p.device.CreateRenderPipeline(&wgpu.RenderPipelineDescriptor{
		Label: "blit",
		Vertex: wgpu.VertexState{
			Module:     module,
			EntryPoint: "vs_main",
		},
		Fragment: &wgpu.FragmentState{
			Module:     module,
			EntryPoint: "fs_main",
			Targets: []wgpu.ColorTargetState{{
				Format:    p.config.Format,
				WriteMask: wgpu.ColorWriteMaskAll,
			}},
		},
		Primitive: wgpu.PrimitiveState{
			Topology: wgpu.PrimitiveTopologyTriangleList,
		},
		Multisample: wgpu.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("webgpu: blit pipeline: %w", err)
	}

	p.sampler, err = p.device.CreateSampler(&wgpu.SamplerDescriptor{
		AddressModeU:  wgpu.AddressModeClampToEdge,
		AddressModeV:  wgpu.AddressModeClampToEdge,
		AddressModeW:  wgpu.AddressModeClampToEdge,
		MinFilter:     wgpu.FilterModeNearest,
		MagFilter:     wgpu.FilterModeNearest,
		MaxAnisotropy: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("webgpu: sampler: %w", err)
	}
	p.log.Infof("webgpu: surface %dx%d, format %v", p.config.Width, p.config.Height, p.config.Format)
	return p, nil
}

// presentMode maps a sync interval to a mode the surface supports. Tearing
// falls back to fifo when immediate is unavailable.
func presentMode(supported []wgpu.PresentMode, syncInterval int) wgpu.PresentMode {
	if syncInterval > 0 {
		return wgpu.PresentModeFifo
	}
	for _, m := range []wgpu.PresentMode{wgpu.PresentModeImmediate, wgpu.PresentModeMailbox} {
		if slices.Contains(supported, m) {
			return m
		}
	}
	return wgpu.PresentModeFifo
}

// Present uploads img and blits it over the whole surface. The surface is
// reconfigured when the image size or the present mode changes.
func (p *Presenter) Present(img *image.RGBA, syncInterval int) error {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if w == 0 || h == 0 {
		return nil
	}
	mode := presentMode(p.modes, syncInterval)
	if uint32(w) != p.config.Width || uint32(h) != p.config.Height || mode != p.config.PresentMode {
		p.config.Width, p.config.Height, p.config.PresentMode = uint32(w), uint32(h), mode
		p.surface.Configure(p.adapter, p.device, p.config)
	}
	if err := p.upload(img); err != nil {
		return err
	}

	next, err := p.surface.GetCurrentTexture()
	if err != nil {
		return fmt.Errorf("webgpu: current texture: %w", err)
	}
	defer next.Release()
	view, err := next.CreateView(nil)
	if err != nil {
		return fmt.Errorf("webgpu: surface view: %w", err)
	}
	defer view.Release()

	encoder, err := p.device.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("webgpu: command encoder: %w", err)
	}
	defer encoder.Release()
	pass := encoder.BeginRenderPass(&wgpu.RenderPassDescriptor{
		ColorAttachments: []wgpu.RenderPassColorAttachment{{
			View:       view,
			LoadOp:     wgpu.LoadOpClear,
			StoreOp:    wgpu.StoreOpStore,
			ClearValue: wgpu.Color{R: 0, G: 0, B: 0, A: 1},
		}},
	})
	pass.SetPipeline(p.pipeline)
	pass.SetBindGroup(0, p.bindGroup, nil)
	pass.Draw(3, 1, 0, 0)
	if err := pass.End(); err != nil {
		return fmt.Errorf("webgpu: blit pass: %w", err)
	}
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return fmt.Errorf("webgpu: finish: %w", err)
	}
	defer cmd.Release()
	p.queue.Submit(cmd)
	p.surface.Present()
	p.presented++
	return nil
}

// upload copies img into the frame texture, recreating it on a size change.
func (p *Presenter) upload(img *image.RGBA) error {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if p.frame == nil || w != p.frameW || h != p.frameH {
		p.releaseFrame()
		var err error
		p.frame, err = p.device.CreateTexture(&wgpu.TextureDescriptor{
			Label:         "presented frame",
			Size:          wgpu.Extent3D{Width: uint32(w), Height: uint32(h), DepthOrArrayLayers: 1},
			MipLevelCount: 1,
			SampleCount:   1,
			Dimension:     wgpu.TextureDimension2D,
			Format:        wgpu.TextureFormatRGBA8Unorm,
			Usage:         wgpu.TextureUsageTextureBinding | wgpu.TextureUsageCopyDst,
		})
		if err != nil {
			return fmt.Errorf("webgpu: frame texture: %w", err)
		}
		p.frameView, err = p.frame.CreateView(nil)
		if err != nil {
			return fmt.Errorf("webgpu: frame view: %w", err)
		}
		p.bindGroup, err = p.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
			Layout: p.pipeline.GetBindGroupLayout(0),
			Entries: []wgpu.BindGroupEntry{
				{Binding: 0, TextureView: p.frameView},
				{Binding: 1, Sampler: p.sampler},
			},
		})
		if err != nil {
			return fmt.Errorf("webgpu: frame bind group: %w", err)
		}
		p.frameW, p.frameH = w, h
	}
	p.queue.WriteTexture(p.frame.AsImageCopy(), img.Pix, &wgpu.TextureDataLayout{
		Offset:       uint64(img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y)),
		BytesPerRow:  uint32(img.Stride),
		RowsPerImage: uint32(h),
	}, &wgpu.Extent3D{Width: uint32(w), Height: uint32(h), DepthOrArrayLayers: 1})
	return nil
}

// Presented counts successful presents.
func (p *Presenter) Presented() uint64 { return p.presented }

func (p *Presenter) releaseFrame() {
	if p.bindGroup != nil {
		p.bindGroup.Release()
		p.bindGroup = nil
	}
	if p.frameView != nil {
		p.frameView.Release()
		p.frameView = nil
	}
	if p.frame != nil {
		p.frame.Release()
		p.frame = nil
	}
}

// Release frees every wgpu object. Call it once the device presenting into
// p has been released.
func (p *Presenter) Release() {
	p.releaseFrame()
	if p.sampler != nil {
		p.sampler.Release()
		p.sampler = nil
	}
	if p.pipeline != nil {
		p.pipeline.Release()
		p.pipeline = nil
	}
	if p.queue != nil {
		p.queue.Release()
		p.queue = nil
	}
	if p.device != nil {
		p.device.Release()
		p.device = nil
	}
	if p.adapter != nil {
		p.adapter.Release()
		p.adapter = nil
	}
	if p.surface != nil {
		p.surface.Release()
		p.surface = nil
	}
	if p.instance != nil {
		p.instance.Release()
		p.instance = nil
	}
}
