package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/urfave/cli"
)

func init() {
	runtime.LockOSThread()
}

func main() {
	app := cli.NewApp()
	app.Name = "rtviewer"
	app.Usage = "render a scene with the ray-traced or the rasterized path"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "v",
			Usage: "enable debug logging",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:      "view",
			Usage:     "open an interactive window",
			ArgsUsage: "[model.obj]",
			Description: `
Render the model, or a cube when none is given, into a window. R toggles
the ray-traced path, V vsync, N normals, F1 the stats overlay and F5
saves the light file. Tab captures the mouse for looking around; WASD,
space and shift move the camera.`,
			Flags: []cli.Flag{
				cli.IntFlag{Name: "width", Value: 1280, Usage: "window width"},
				cli.IntFlag{Name: "height", Value: 720, Usage: "window height"},
				cli.BoolFlag{Name: "raster", Usage: "start on the rasterized path"},
				cli.BoolFlag{Name: "no-vsync", Usage: "present without waiting for vblank"},
				cli.StringFlag{Name: "lights, l", Usage: "light file to load and save"},
			},
			Action: View,
		},
		{
			Name:      "render",
			Usage:     "render frames headless and write the last one as a PNG",
			ArgsUsage: "[model.obj]",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "width", Value: 640, Usage: "frame width"},
				cli.IntFlag{Name: "height", Value: 480, Usage: "frame height"},
				cli.IntFlag{Name: "frames, n", Value: 4, Usage: "frames to render"},
				cli.BoolFlag{Name: "raster", Usage: "use the rasterized path"},
				cli.StringFlag{Name: "backend", Value: "soft", Usage: "soft, or native to pace fences on a GPU queue"},
				cli.StringFlag{Name: "native-api", Value: "vulkan", Usage: "native backend: vulkan, metal, dx12, gl or noop"},
				cli.StringFlag{Name: "adapter", Usage: "native adapter whose name contains this value"},
				cli.StringFlag{Name: "lights, l", Usage: "light file"},
				cli.StringFlag{Name: "out, o", Value: "frame.png", Usage: "image filename for the last frame"},
			},
			Action: Render,
		},
		{
			Name:  "devices",
			Usage: "list native adapters",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "native-api", Value: "vulkan", Usage: "native backend to enumerate"},
			},
			Action: ListDevices,
		},
		{
			Name:  "shaders",
			Usage: "compile the embedded shaders and report their entry points",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "profile, p", Value: "wgsl", Usage: "wgsl, spirv, hlsl_6_3, msl or glsl"},
			},
			Action: Shaders,
		},
		{
			Name:      "lights",
			Usage:     "print a light file",
			ArgsUsage: "lights.txt",
			Action:    Lights,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
