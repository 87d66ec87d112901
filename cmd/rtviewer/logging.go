package main

import (
	"github.com/urfave/cli"

	"github.com/gekko3d/rtframe/rt/core"
)

func newLogger(ctx *cli.Context) core.Logger {
	return core.NewDefaultLogger("rtviewer", ctx.GlobalBool("v"))
}
