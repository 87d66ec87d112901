package main

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"

	"github.com/gekko3d/rtframe"
	"github.com/gekko3d/rtframe/rt/core"
)

// Lights prints a light file as a table.
func Lights(ctx *cli.Context) error {
	path := ctx.Args().First()
	if path == "" {
		return errors.New("lights: missing light file")
	}
	lights, err := rtframe.LoadLights(path)
	if err != nil {
		return err
	}
	fmt.Print(lightTable(lights))
	return nil
}

func lightTable(lights []core.Light) string {
	vec := func(v ...float32) string {
		var b bytes.Buffer
		for i, f := range v {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(strconv.FormatFloat(float64(f), 'g', 4, 32))
		}
		return b.String()
	}
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"#", "Type", "Position", "Rotation", "Color"})
	for i, l := range lights {
		table.Append([]string{
			strconv.Itoa(i),
			l.Type.String(),
			vec(l.Position[:]...),
			vec(l.Rotation[:]...),
			vec(l.Color[:]...),
		})
	}
	table.Render()
	return buf.String()
}
