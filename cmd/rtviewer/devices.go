package main

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"

	"github.com/gekko3d/rtframe/rt/hal/native"
)

// ListDevices prints the adapters of one native backend.
func ListDevices(ctx *cli.Context) error {
	api, err := native.ParseBackend(ctx.String("native-api"))
	if err != nil {
		return err
	}
	adapters, err := native.Adapters(api)
	if err != nil {
		return err
	}
	fmt.Print(adapterTable(adapters))
	return nil
}

func adapterTable(adapters []native.Adapter) string {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"#", "Name", "Vendor", "Type", "Backend", "Driver"})
	for _, a := range adapters {
		table.Append([]string{
			strconv.Itoa(a.Index),
			a.Name,
			a.Vendor,
			a.Type.String(),
			a.Backend.String(),
			a.Driver,
		})
	}
	table.Render()
	return buf.String()
}
