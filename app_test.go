package rtframe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/rtframe/rt/core"
	"github.com/gekko3d/rtframe/rt/hal"
	"github.com/gekko3d/rtframe/rt/hal/soft"
	"github.com/gekko3d/rtframe/rt/render"
	"github.com/gekko3d/rtframe/rt/shaders"
)

type fakeWindow struct {
	close     bool
	modes     []int
	destroyed bool
}

func (w *fakeWindow) ShouldClose() bool                    { return w.close }
func (w *fakeWindow) SetShouldClose(v bool)                { w.close = v }
func (w *fakeWindow) SetInputMode(_ glfw.InputMode, v int) { w.modes = append(w.modes, v) }
func (w *fakeWindow) Destroy()                             { w.destroyed = true }

type recorder struct {
	titles []string
}

func (r *recorder) Report(title string, _ error) { r.titles = append(r.titles, title) }

func newTestApp(t *testing.T, opts Options) (*App, *fakeWindow) {
	t.Helper()
	if opts.Width == 0 {
		opts.Width, opts.Height = 64, 48
	}
	if opts.Logger == nil {
		opts.Logger = core.NewNopLogger()
	}
	win := &fakeWindow{}
	a, err := newApp(win, soft.New(soft.Options{}), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, win
}

func TestAppFrames(t *testing.T) {
	a, win := newTestApp(t, Options{})
	assert.Equal(t, render.PathRayTraced, a.Renderer().Path())
	for i := 0; i < 3; i++ {
		require.NoError(t, a.Frame(1.0/60))
	}
	assert.Equal(t, uint32(3), a.Renderer().FrameIndex())
	assert.NotNil(t, a.Device().LastPresented())

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.True(t, win.destroyed)
	assert.ErrorIs(t, a.Frame(0), hal.ErrInvalidState)
}

func TestAppKeys(t *testing.T) {
	a, win := newTestApp(t, Options{VSync: true})
	tun := a.Renderer().Tunables()

	a.onKey(KeyToggleRT, glfw.Press)
	assert.False(t, tun.RayTraced)
	a.onKey(KeyToggleRT, glfw.Repeat)
	assert.False(t, tun.RayTraced, "repeat does not toggle")
	a.onKey(KeyToggleRT, glfw.Release)
	a.onKey(KeyToggleVSync, glfw.Press)
	assert.False(t, tun.VSync)
	a.onKey(KeyNormals, glfw.Press)
	assert.True(t, tun.ShowNormals)
	a.onKey(KeyStats, glfw.Press)
	assert.False(t, tun.ShowStats)

	require.NoError(t, a.Frame(1.0/60))
	assert.Equal(t, render.PathRaster, a.Renderer().Path())

	a.onKey(KeyCapture, glfw.Press)
	a.onKey(KeyCapture, glfw.Release)
	a.onKey(KeyCapture, glfw.Press)
	assert.Equal(t, []int{glfw.CursorDisabled, glfw.CursorNormal}, win.modes)

	a.onKey(KeyQuit, glfw.Press)
	assert.True(t, win.ShouldClose())
	require.NoError(t, a.Run())
}

func TestAppMovement(t *testing.T) {
	a, _ := newTestApp(t, Options{})
	cam := a.Renderer().Camera()
	start := cam.Position
	yaw := cam.Yaw

	a.onKey(KeyForward, glfw.Press)
	a.onKey(KeyLeft, glfw.Press)
	a.onKey(KeyRight, glfw.Press)
	assert.Equal(t, core.InputDelta{Forward: 1}, a.axes())

	a.onCursor(10, 10)
	assert.Zero(t, a.look.LookX, "cursor ignored until captured")
	a.onKey(KeyCapture, glfw.Press)
	a.onCursor(100, 100)
	a.onCursor(110, 100)
	assert.Equal(t, float32(10), a.look.LookX)

	require.NoError(t, a.Frame(0.5))
	assert.Less(t, cam.Position.Z(), start.Z())
	assert.Greater(t, cam.Yaw, yaw)
	assert.Zero(t, a.look.LookX)

	a.onKey(KeyForward, glfw.Release)
	assert.True(t, a.axes().IsZero())
}

func TestAppResize(t *testing.T) {
	a, _ := newTestApp(t, Options{})
	require.NoError(t, a.Frame(1.0/60))
	a.onResize(0, 0)
	a.onResize(80, 60)
	w, h := a.Renderer().Size()
	assert.Equal(t, [2]uint32{80, 60}, [2]uint32{w, h})
	require.NoError(t, a.Frame(1.0/60))
	assert.Equal(t, 80, a.Device().LastPresented().Bounds().Dx())
}

func TestAppLights(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lights.txt")
	a, _ := newTestApp(t, Options{Lights: path})
	assert.Equal(t, DefaultLights(), a.Lights())

	_, err := a.Light(5)
	assert.ErrorIs(t, err, ErrLightIndex)
	assert.ErrorIs(t, a.SetLight(-1, core.Light{}), ErrLightIndex)

	sun := core.Light{Type: core.LightDirectional, Rotation: mgl32.Vec3{-45, 30, 0}, Color: mgl32.Vec4{1, 0.9, 0.8, 1}}
	require.NoError(t, a.SetLight(0, sun))
	i := a.AddLight(core.Light{Type: core.LightSpot, Position: mgl32.Vec3{0, 3, 0}, Color: mgl32.Vec4{0, 0, 1, 1}})
	assert.Equal(t, 2, i)
	require.NoError(t, a.Frame(1.0/60))

	a.onKey(KeySaveLights, glfw.Press)
	saved, err := LoadLights(path)
	require.NoError(t, err)
	assert.Equal(t, a.Lights(), saved)

	b, _ := newTestApp(t, Options{Lights: path})
	got, err := b.Light(0)
	require.NoError(t, err)
	assert.Equal(t, sun, got)

	c, _ := newTestApp(t, Options{})
	assert.Error(t, c.SaveLights())
}

func TestAppBadInputs(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.txt")
	require.NoError(t, os.WriteFile(bad, []byte("point\n1 2\n"), 0o644))
	for _, opts := range []Options{
		{Lights: bad},
		{Model: filepath.Join(dir, "missing.obj")},
	} {
		opts.Width, opts.Height, opts.Logger = 32, 32, core.NewNopLogger()
		d := soft.New(soft.Options{})
		_, err := newApp(&fakeWindow{}, d, opts)
		assert.Error(t, err)
		d.Release()
	}
}

func TestReportTitle(t *testing.T) {
	assert.Equal(t, "Error", reportTitle(errors.New("x")))
	ce := &shaders.CompileError{Source: shaders.Raytrace, Entry: "RayGen", Err: errors.New("bad")}
	assert.Equal(t, "Shader compile error (RayGen)", reportTitle(fmt.Errorf("load: %w", ce)))
	rec := &recorder{}
	var r ErrorReporter = rec
	r.Report(reportTitle(errors.New("x")), nil)
	assert.Equal(t, []string{"Error"}, rec.titles)
	LogReporter{}.Report("nop", errors.New("x"))
}
