// Package rtframe hosts the interactive viewer: a window whose frames are
// rendered by the software device and shown through WebGPU.
package rtframe

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/go-gl/glfw/v3.3/glfw"

	"github.com/gekko3d/rtframe/rt/core"
	"github.com/gekko3d/rtframe/rt/hal"
	"github.com/gekko3d/rtframe/rt/hal/soft"
	"github.com/gekko3d/rtframe/rt/hal/webgpu"
	"github.com/gekko3d/rtframe/rt/model"
	"github.com/gekko3d/rtframe/rt/render"
)

type Options struct {
	Width, Height int
	Title         string
	VSync         bool
	// Raster starts on the rasterized path.
	Raster bool
	// Model is an OBJ file. Empty shows a cube.
	Model string
	// Lights is the light file. A missing file starts from DefaultLights and
	// is created on SaveLights.
	Lights       string
	FrameTimeout time.Duration
	Debug        bool
	Logger       core.Logger
	Reporter     ErrorReporter
}

func (o *Options) defaults() {
	if o.Width <= 0 {
		o.Width = 1280
	}
	if o.Height <= 0 {
		o.Height = 720
	}
	if o.Title == "" {
		o.Title = "rtframe"
	}
	if o.Logger == nil {
		o.Logger = core.NewDefaultLogger("rtframe", o.Debug)
	}
	if o.Reporter == nil {
		o.Reporter = LogReporter{Logger: o.Logger}
	}
}

// window is the part of *glfw.Window the app drives.
type window interface {
	ShouldClose() bool
	SetShouldClose(bool)
	SetInputMode(glfw.InputMode, int)
	Destroy()
}

// App owns the window, the device and the renderer. Window callbacks are
// trampolines into its methods.
type App struct {
	opts      Options
	log       core.Logger
	win       window
	dev       *soft.Device
	presenter *webgpu.Presenter
	renderer  *render.Renderer
	lights    []core.Light

	held     map[glfw.Key]bool
	captured bool
	cursor   [2]float64
	tracking bool
	look     core.InputDelta
	// pending is the first error raised inside a callback; Frame returns it.
	pending error

	now       func() time.Time
	last      time.Time
	terminate bool
	closed    bool
}

// NewApp opens the window and loads the scene. Call it from the main thread
// locked with runtime.LockOSThread.
func NewApp(opts Options) (*App, error) {
	opts.defaults()
	if err := glfw.Init(); err != nil {
		return nil, fmt.Errorf("rtframe: glfw: %w", err)
	}
	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI)
	glfw.WindowHint(glfw.Resizable, glfw.True)
	win, err := glfw.CreateWindow(opts.Width, opts.Height, opts.Title, nil, nil)
	if err != nil {
		glfw.Terminate()
		return nil, fmt.Errorf("rtframe: window: %w", err)
	}
	presenter, err := webgpu.NewPresenter(win, core.Named(opts.Logger, "webgpu"))
	if err != nil {
		win.Destroy()
		glfw.Terminate()
		return nil, err
	}
	dev := soft.New(soft.Options{Presenter: presenter, Logger: core.Named(opts.Logger, "soft")})

	w, h := win.GetFramebufferSize()
	opts.Width, opts.Height = w, h
	a, err := newApp(win, dev, opts)
	if err != nil {
		dev.Release()
		presenter.Release()
		win.Destroy()
		glfw.Terminate()
		return nil, err
	}
	a.presenter = presenter
	a.terminate = true

	win.SetKeyCallback(func(_ *glfw.Window, key glfw.Key, _ int, action glfw.Action, _ glfw.ModifierKey) {
		a.onKey(key, action)
	})
	win.SetCursorPosCallback(func(_ *glfw.Window, x, y float64) {
		a.onCursor(x, y)
	})
	win.SetFramebufferSizeCallback(func(_ *glfw.Window, width, height int) {
		a.onResize(width, height)
	})
	return a, nil
}

// newApp builds the renderer on dev and loads the scene and lights.
func newApp(win window, dev *soft.Device, opts Options) (*App, error) {
	opts.defaults()
	a := &App{
		opts: opts,
		log:  opts.Logger,
		win:  win,
		dev:  dev,
		held: make(map[glfw.Key]bool),
		now:  time.Now,
	}
	r, err := render.New(dev, render.Options{
		Width:        uint32(opts.Width),
		Height:       uint32(opts.Height),
		AllowTearing: !opts.VSync,
		FrameTimeout: opts.FrameTimeout,
		Overlay:      true,
		Logger:       core.Named(opts.Logger, "render"),
	})
	if err != nil {
		return nil, err
	}
	a.renderer = r
	r.Tunables().VSync = opts.VSync
	if opts.Raster {
		r.Tunables().RayTraced = false
	}

	meshes := []*model.Mesh{model.Cube()}
	if opts.Model != "" {
		if meshes, err = (model.OBJLoader{Logger: a.log}).Load(opts.Model); err != nil {
			r.Close()
			return nil, err
		}
	}
	if err := r.LoadScene(meshes); err != nil {
		opts.Reporter.Report(reportTitle(err), err)
		r.Close()
		return nil, err
	}

	a.lights = DefaultLights()
	if opts.Lights != "" {
		lights, err := LoadLights(opts.Lights)
		switch {
		case err == nil:
			a.lights = lights
		case errors.Is(err, fs.ErrNotExist):
			a.log.Infof("rtframe: %s not found, using default lights", opts.Lights)
		default:
			r.Close()
			return nil, err
		}
	}
	r.SetLights(a.lights)
	return a, nil
}

func (a *App) Logger() core.Logger { return a.log }

func (a *App) Renderer() *render.Renderer { return a.renderer }

// Device is the software device the renderer records to.
func (a *App) Device() *soft.Device { return a.dev }

// ApplyInput queues d for the next frame.
func (a *App) ApplyInput(d core.InputDelta) { a.renderer.ApplyInput(d) }

// Frame advances one frame of dt seconds with the held keys and the mouse
// movement since the previous frame.
func (a *App) Frame(dt float32) error {
	if a.closed {
		return fmt.Errorf("rtframe: frame after close: %w", hal.ErrInvalidState)
	}
	if a.pending != nil {
		return a.pending
	}
	d := a.axes()
	d.LookX, d.LookY = a.look.LookX, a.look.LookY
	a.look = core.InputDelta{}
	if !d.IsZero() {
		a.renderer.ApplyInput(d)
	}
	return a.renderer.Frame(dt)
}

// Run renders until the window is closed or a frame fails.
func (a *App) Run() error {
	a.last = a.now()
	for !a.win.ShouldClose() {
		glfw.PollEvents()
		now := a.now()
		dt := float32(now.Sub(a.last).Seconds())
		a.last = now
		if err := a.Frame(dt); err != nil {
			return err
		}
	}
	return nil
}

// Lights returns the live light list.
func (a *App) Lights() []core.Light { return a.lights }

func (a *App) Light(i int) (core.Light, error) {
	if i < 0 || i >= len(a.lights) {
		return core.Light{}, fmt.Errorf("%w: %d of %d", ErrLightIndex, i, len(a.lights))
	}
	return a.lights[i], nil
}

// SetLight replaces light i and pushes the list to the renderer.
func (a *App) SetLight(i int, l core.Light) error {
	if i < 0 || i >= len(a.lights) {
		return fmt.Errorf("%w: %d of %d", ErrLightIndex, i, len(a.lights))
	}
	a.lights[i] = l
	a.renderer.SetLights(a.lights)
	return nil
}

func (a *App) AddLight(l core.Light) int {
	a.lights = append(a.lights, l)
	a.renderer.SetLights(a.lights)
	return len(a.lights) - 1
}

// SaveLights rewrites the light file the app was opened with.
func (a *App) SaveLights() error {
	if a.opts.Lights == "" {
		return errors.New("rtframe: no light file")
	}
	if err := SaveLights(a.opts.Lights, a.lights); err != nil {
		return err
	}
	a.log.Infof("rtframe: saved %d lights to %s", len(a.lights), a.opts.Lights)
	return nil
}

// Close waits for the GPU, then releases the renderer, the device and the
// window.
func (a *App) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	err := a.renderer.Close()
	a.dev.Release()
	if a.presenter != nil {
		a.presenter.Release()
	}
	a.win.Destroy()
	if a.terminate {
		glfw.Terminate()
	}
	return err
}
