package main

import (
	"github.com/urfave/cli"

	"github.com/gekko3d/rtframe"
)

// View runs the interactive viewer until its window closes.
func View(ctx *cli.Context) error {
	log := newLogger(ctx)
	app, err := rtframe.NewApp(rtframe.Options{
		Width:  ctx.Int("width"),
		Height: ctx.Int("height"),
		VSync:  !ctx.Bool("no-vsync"),
		Raster: ctx.Bool("raster"),
		Model:  ctx.Args().First(),
		Lights: ctx.String("lights"),
		Debug:  ctx.GlobalBool("v"),
		Logger: log,
	})
	if err != nil {
		return err
	}
	runErr := app.Run()
	if runErr != nil {
		log.Errorf("view: %v", runErr)
	}
	if err := app.Close(); err != nil && runErr == nil {
		return err
	}
	return runErr
}
