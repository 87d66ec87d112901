// Package shaders embeds the WGSL sources of both render paths and compiles
// them for the active backend with naga.
package shaders

import (
	_ "embed"
	"sort"
)

//go:embed raytrace.wgsl
var RaytraceWGSL string

//go:embed raster.wgsl
var RasterWGSL string

//go:embed blit.wgsl
var BlitWGSL string

// Names of the embedded sources.
const (
	Raytrace = "raytrace.wgsl"
	Raster   = "raster.wgsl"
	Blit     = "blit.wgsl"
)

var embedded = map[string]string{
	Raytrace: RaytraceWGSL,
	Raster:   RasterWGSL,
	Blit:     BlitWGSL,
}

// Embedded lists the embedded source names.
func Embedded() []string {
	out := make([]string, 0, len(embedded))
	for n := range embedded {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Source returns the embedded source called name.
func Source(name string) (string, bool) {
	s, ok := embedded[name]
	return s, ok
}
