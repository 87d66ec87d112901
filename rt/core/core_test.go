package core

import (
	"bytes"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
)

func TestFrustumContainsAABB(t *testing.T) {
	proj := mgl32.Perspective(mgl32.DegToRad(90), 1.0, 1.0, 100.0)
	view := mgl32.LookAtV(mgl32.Vec3{0, 0, 0}, mgl32.Vec3{0, 0, -1}, mgl32.Vec3{0, 1, 0})
	f := ExtractFrustum(proj.Mul4(view))

	tests := []struct {
		name     string
		lo, hi   mgl32.Vec3
		expected bool
	}{
		{"inside", mgl32.Vec3{-1, -1, -10}, mgl32.Vec3{1, 1, -5}, true},
		{"left", mgl32.Vec3{-20, -1, -10}, mgl32.Vec3{-15, 1, -5}, false},
		{"right", mgl32.Vec3{15, -1, -10}, mgl32.Vec3{20, 1, -5}, false},
		{"behind", mgl32.Vec3{-1, -1, 2}, mgl32.Vec3{1, 1, 5}, false},
		{"far", mgl32.Vec3{-1, -1, -200}, mgl32.Vec3{1, 1, -150}, false},
		{"straddles left plane", mgl32.Vec3{-15, -1, -10}, mgl32.Vec3{-5, 1, -5}, true},
		{"encloses", mgl32.Vec3{-1000, -1000, -1000}, mgl32.Vec3{1000, 1000, 1000}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, f.ContainsAABB(tc.lo, tc.hi))
		})
	}
}

func TestCameraApply(t *testing.T) {
	c := NewCamera()
	c.Pitch = 0
	start := c.Position

	c.Apply(InputDelta{Forward: 1}, 0.5)
	assert.InDelta(t, start.Z()-c.Speed*0.5, c.Position.Z(), 1e-5, "yaw 0 moves down -Z")

	c.Apply(InputDelta{LookY: -1e6}, 0)
	assert.InDelta(t, maxPitch, c.Pitch, 1e-6, "pitch is clamped")
}

func TestInputDeltaAdd(t *testing.T) {
	d := InputDelta{Forward: 1, LookX: 3}.Add(InputDelta{Forward: 1, LookX: 2})
	assert.Equal(t, float32(1), d.Forward)
	assert.Equal(t, float32(5), d.LookX)
	assert.True(t, InputDelta{}.IsZero())
	assert.False(t, d.IsZero())
}

func TestSceneConstantsLayout(t *testing.T) {
	cam := NewCamera()
	c := NewSceneConstants(cam, 640, 480)
	c.FrameIndex = 7
	c.Flags = FlagRayTraced

	buf := bytes.Repeat([]byte{0xAA}, SceneConstantsSize)
	c.Encode(buf)
	assert.Equal(t, make([]byte, SceneConstantsSize-208), buf[208:], "padding is zeroed")

	got := DecodeSceneConstants(buf)
	assert.Equal(t, c.ViewProj, got.ViewProj)
	assert.Equal(t, c.CameraPos, got.CameraPos)
	assert.Equal(t, float32(640), got.Width)
	assert.Equal(t, uint32(7), got.FrameIndex)
	assert.Equal(t, FlagRayTraced, got.Flags)
}

func TestDefaultLoggerPrefixAndDebug(t *testing.T) {
	var out, errOut bytes.Buffer
	l := NewWriterLogger("rt", false, &out, &errOut)

	l.Debugf("hidden %d", 1)
	l.Infof("frame %d", 2)
	l.Warnf("slow")
	assert.NotContains(t, out.String(), "hidden")
	assert.Contains(t, out.String(), "[rt] INFO: frame 2")
	assert.Contains(t, errOut.String(), "[rt] WARN: slow")

	l.SetDebug(true)
	l.Named("fence").Debugf("wait %d", 3)
	assert.Contains(t, out.String(), "[rt/fence] DEBUG: wait 3")

	assert.NotNil(t, OrNop(nil))

	Named(l, "soft").Infof("ready")
	assert.Contains(t, out.String(), "[rt/soft] INFO: ready")
	assert.NotNil(t, Named(nil, "soft"))
	nop := OrNop(nil)
	assert.Equal(t, nop, Named(nop, "soft"))
}

func TestApplyLights(t *testing.T) {
	c := SceneConstants{LightPos: mgl32.Vec3{2, 4, 3}, Ambient: mgl32.Vec3{0.1, 0.1, 0.1}}
	c.ApplyLights(nil)
	assert.Equal(t, mgl32.Vec3{2, 4, 3}, c.LightPos)

	c.ApplyLights([]Light{
		{Type: LightAmbient, Color: mgl32.Vec4{1, 1, 1, 0.25}},
		{Type: LightDirectional, Rotation: mgl32.Vec3{-90, 0, 0}, Color: mgl32.Vec4{1, 0.5, 0.5, 1}},
		{Type: LightPoint, Position: mgl32.Vec3{9, 9, 9}},
		{Type: LightAmbient, Color: mgl32.Vec4{0, 0, 1, 0.5}},
	})
	assert.InDelta(t, 0, c.LightPos.X(), 1e-3)
	assert.InDelta(t, 1000, c.LightPos.Y(), 1e-2)
	assert.InDelta(t, 0, c.LightPos.Z(), 1e-3)
	assert.Equal(t, mgl32.Vec4{1, 0.5, 0.5, 1}, c.LightColor)
	assert.InDelta(t, 0.25, c.Ambient.X(), 1e-6)
	assert.InDelta(t, 0.75, c.Ambient.Z(), 1e-6)
}

func TestLightDirection(t *testing.T) {
	d := Light{}.Direction()
	assert.InDelta(t, -1, d.Z(), 1e-6)
	d = Light{Rotation: mgl32.Vec3{0, 90, 0}}.Direction()
	assert.InDelta(t, -1, d.X(), 1e-5)
}
