package main

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"

	"github.com/gekko3d/rtframe/rt/shaders"
)

// Shaders compiles every entry point of the embedded sources.
func Shaders(ctx *cli.Context) error {
	profile, err := shaders.ParseProfile(ctx.String("profile"))
	if err != nil {
		return err
	}
	out, err := shaderTable(shaders.NewCompiler(newLogger(ctx)), profile)
	fmt.Print(out)
	return err
}

// shaderTable lists each compiled entry point. The first failure is
// returned after the table.
func shaderTable(c *shaders.Compiler, profile shaders.Profile) (string, error) {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Source", "Entry", "Stage", "Profile", "Bytes"})
	var first error
	for _, name := range shaders.Embedded() {
		entries, err := c.EntryPoints(name)
		if err != nil {
			return "", err
		}
		for _, entry := range entries {
			blob, err := c.Compile(name, entry, profile)
			if err != nil {
				if first == nil {
					first = err
				}
				table.Append([]string{name, entry, "-", string(profile), "error"})
				continue
			}
			table.Append([]string{name, entry, blob.Stage.String(), blob.Profile, strconv.Itoa(len(blob.Code))})
		}
	}
	table.Render()
	return buf.String(), first
}
