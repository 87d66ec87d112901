// Package overlay draws on top of a finished frame: live tunables and
// profiler text.
package overlay

import (
	"fmt"

	"github.com/gekko3d/rtframe/rt/hal"
)

// Overlay draws into target, which is in the render target state, using
// list. It may write one descriptor at slot of heap.
type Overlay interface {
	Draw(list *hal.CommandList, heap *hal.DescriptorHeap, slot int, target hal.Texture) error
}

// Tunables are the live settings a GUI may flip between frames. The renderer
// reads them at the start of every frame.
type Tunables struct {
	RayTraced   bool
	VSync       bool
	ShowStats   bool
	ShowNormals bool
	// Samples is the primary rays per pixel requested from the ray path.
	Samples int
}

func DefaultTunables() *Tunables {
	return &Tunables{RayTraced: true, VSync: true, ShowStats: true, Samples: 1}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func (t *Tunables) Lines() []string {
	path := "raster"
	if t.RayTraced {
		path = "ray traced"
	}
	return []string{
		fmt.Sprintf("path: %s [R]", path),
		fmt.Sprintf("vsync: %s [V]", onOff(t.VSync)),
		fmt.Sprintf("normals: %s [N]", onOff(t.ShowNormals)),
		fmt.Sprintf("samples: %d", t.Samples),
	}
}
