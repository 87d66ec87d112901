package main

import (
	"errors"
	"fmt"
	"image/png"
	"os"

	"github.com/urfave/cli"

	"github.com/gekko3d/rtframe"
	"github.com/gekko3d/rtframe/rt/core"
	"github.com/gekko3d/rtframe/rt/hal/native"
	"github.com/gekko3d/rtframe/rt/hal/soft"
	"github.com/gekko3d/rtframe/rt/model"
	"github.com/gekko3d/rtframe/rt/render"
)

type renderOptions struct {
	Width, Height int
	Frames        int
	Raster        bool
	Backend       string
	NativeAPI     string
	Adapter       string
	Model         string
	Lights        string
	Out           string
}

// Render renders frames on the software device and writes the last one.
func Render(ctx *cli.Context) error {
	log := newLogger(ctx)
	opts := renderOptions{
		Width:     ctx.Int("width"),
		Height:    ctx.Int("height"),
		Frames:    ctx.Int("frames"),
		Raster:    ctx.Bool("raster"),
		Backend:   ctx.String("backend"),
		NativeAPI: ctx.String("native-api"),
		Adapter:   ctx.String("adapter"),
		Model:     ctx.Args().First(),
		Lights:    ctx.String("lights"),
		Out:       ctx.String("out"),
	}
	stats, err := renderFrames(opts, log)
	if err != nil {
		log.Errorf("render: %v", err)
		return err
	}
	fmt.Print(stats)
	return nil
}

func deviceOptions(opts renderOptions, log core.Logger) (soft.Options, error) {
	dopts := soft.Options{Logger: core.Named(log, "soft")}
	switch opts.Backend {
	case "", "soft":
	case "native":
		api, err := native.ParseBackend(opts.NativeAPI)
		if err != nil {
			return dopts, err
		}
		tl, err := native.Open(native.Options{Backend: api, Adapter: opts.Adapter, Logger: core.Named(log, "native")})
		if err != nil {
			return dopts, err
		}
		dopts.Timeline = tl
	default:
		return dopts, fmt.Errorf("unknown backend %q", opts.Backend)
	}
	return dopts, nil
}

// renderFrames returns the GPU timing table and the CPU counters.
func renderFrames(opts renderOptions, log core.Logger) (string, error) {
	if opts.Frames <= 0 {
		return "", errors.New("need at least one frame")
	}
	dopts, err := deviceOptions(opts, log)
	if err != nil {
		return "", err
	}
	dev := soft.New(dopts)
	defer dev.Release()

	r, err := render.New(dev, render.Options{
		Width:  uint32(opts.Width),
		Height: uint32(opts.Height),
		Logger: core.Named(log, "render"),
	})
	if err != nil {
		return "", err
	}
	defer r.Close()
	if opts.Raster {
		r.Tunables().RayTraced = false
	}

	meshes := []*model.Mesh{model.Cube()}
	if opts.Model != "" {
		if meshes, err = (model.OBJLoader{Logger: log}).Load(opts.Model); err != nil {
			return "", err
		}
	}
	if err := r.LoadScene(meshes); err != nil {
		return "", err
	}
	lights := rtframe.DefaultLights()
	if opts.Lights != "" {
		if lights, err = rtframe.LoadLights(opts.Lights); err != nil {
			return "", err
		}
	}
	r.SetLights(lights)

	for i := 0; i < opts.Frames; i++ {
		if err := r.Frame(1.0 / 60); err != nil {
			return "", fmt.Errorf("frame %d: %w", i, err)
		}
	}
	if err := r.Synchronizer().Flush(); err != nil {
		return "", err
	}
	if errs := dev.ValidationErrors(); len(errs) > 0 {
		return "", fmt.Errorf("%d validation errors, first: %w", len(errs), errs[0])
	}
	if err := writePNG(opts.Out, dev); err != nil {
		return "", err
	}
	log.Infof("render: %d %s frames written to %s", opts.Frames, r.Path(), opts.Out)
	return r.Profiler().Table() + r.Scopes().String(), nil
}

func writePNG(path string, dev *soft.Device) error {
	img := dev.LastPresented()
	if img == nil {
		return errors.New("nothing presented")
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
