package rtframe

import (
	"github.com/go-gl/glfw/v3.3/glfw"

	"github.com/gekko3d/rtframe/rt/core"
)

// Key bindings. Movement keys are polled through the held set every frame;
// the rest act on press.
const (
	KeyForward     = glfw.KeyW
	KeyBack        = glfw.KeyS
	KeyLeft        = glfw.KeyA
	KeyRight       = glfw.KeyD
	KeyUp          = glfw.KeySpace
	KeyDown        = glfw.KeyLeftShift
	KeyToggleRT    = glfw.KeyR
	KeyToggleVSync = glfw.KeyV
	KeyNormals     = glfw.KeyN
	KeyStats       = glfw.KeyF1
	KeySaveLights  = glfw.KeyF5
	KeyCapture     = glfw.KeyTab
	KeyQuit        = glfw.KeyEscape
)

func (a *App) onKey(key glfw.Key, action glfw.Action) {
	switch action {
	case glfw.Press:
		a.held[key] = true
	case glfw.Release:
		delete(a.held, key)
		return
	default:
		return
	}
	tun := a.renderer.Tunables()
	switch key {
	case KeyToggleRT:
		tun.RayTraced = !tun.RayTraced
	case KeyToggleVSync:
		tun.VSync = !tun.VSync
	case KeyNormals:
		tun.ShowNormals = !tun.ShowNormals
	case KeyStats:
		tun.ShowStats = !tun.ShowStats
	case KeySaveLights:
		if err := a.SaveLights(); err != nil {
			a.log.Warnf("rtframe: save lights: %v", err)
		}
	case KeyCapture:
		a.captured = !a.captured
		a.tracking = false
		if a.captured {
			a.win.SetInputMode(glfw.CursorMode, glfw.CursorDisabled)
		} else {
			a.win.SetInputMode(glfw.CursorMode, glfw.CursorNormal)
		}
	case KeyQuit:
		a.win.SetShouldClose(true)
	}
}

// onCursor turns cursor motion into look deltas while the cursor is
// captured. The first position after capture only sets the origin.
func (a *App) onCursor(x, y float64) {
	if !a.captured {
		return
	}
	if a.tracking {
		a.look.LookX += float32(x - a.cursor[0])
		a.look.LookY += float32(y - a.cursor[1])
	}
	a.cursor = [2]float64{x, y}
	a.tracking = true
}

func (a *App) onResize(w, h int) {
	if w <= 0 || h <= 0 {
		return
	}
	if err := a.renderer.Resize(uint32(w), uint32(h)); err != nil && a.pending == nil {
		a.log.Errorf("rtframe: resize to %dx%d: %v", w, h, err)
		a.pending = err
	}
}

// axes maps the held movement keys to a unit delta.
func (a *App) axes() core.InputDelta {
	axis := func(pos, neg glfw.Key) float32 {
		var v float32
		if a.held[pos] {
			v++
		}
		if a.held[neg] {
			v--
		}
		return v
	}
	return core.InputDelta{
		Forward: axis(KeyForward, KeyBack),
		Strafe:  axis(KeyRight, KeyLeft),
		Rise:    axis(KeyUp, KeyDown),
	}
}
