package core

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

const maxPitch = 89 * math.Pi / 180

// Camera is a Y-up fly camera. Yaw 0 looks down -Z.
type Camera struct {
	Position    mgl32.Vec3
	Yaw         float32
	Pitch       float32
	Speed       float32
	Sensitivity float32
	FovY        float32 // degrees
	Near        float32
	Far         float32
}

func NewCamera() *Camera {
	return &Camera{
		Position:    mgl32.Vec3{0, 1.5, 5},
		Pitch:       -0.25,
		Speed:       4.0,
		Sensitivity: 0.003,
		FovY:        60,
		Near:        0.1,
		Far:         1000,
	}
}

func (c *Camera) Forward() mgl32.Vec3 {
	cp, sp := math.Cos(float64(c.Pitch)), math.Sin(float64(c.Pitch))
	cy, sy := math.Cos(float64(c.Yaw)), math.Sin(float64(c.Yaw))
	return mgl32.Vec3{float32(cp * sy), float32(sp), float32(-cp * cy)}
}

func (c *Camera) Right() mgl32.Vec3 {
	return mgl32.Vec3{
		float32(math.Cos(float64(c.Yaw))),
		0,
		float32(math.Sin(float64(c.Yaw))),
	}
}

func (c *Camera) View() mgl32.Mat4 {
	eye := c.Position
	return mgl32.LookAtV(eye, eye.Add(c.Forward()), mgl32.Vec3{0, 1, 0})
}

func (c *Camera) Projection(aspect float32) mgl32.Mat4 {
	if aspect <= 0 {
		aspect = 1
	}
	return mgl32.Perspective(mgl32.DegToRad(c.FovY), aspect, c.Near, c.Far)
}

// Apply moves and turns the camera by one accumulated input delta. dt scales
// translation only; look deltas are already in pixels.
func (c *Camera) Apply(d InputDelta, dt float32) {
	c.Yaw += d.LookX * c.Sensitivity
	c.Pitch -= d.LookY * c.Sensitivity
	if c.Pitch > maxPitch {
		c.Pitch = maxPitch
	}
	if c.Pitch < -maxPitch {
		c.Pitch = -maxPitch
	}
	step := c.Speed * dt
	move := c.Forward().Mul(d.Forward).
		Add(c.Right().Mul(d.Strafe)).
		Add(mgl32.Vec3{0, d.Rise, 0})
	c.Position = c.Position.Add(move.Mul(step))
}

// Frustum holds the left, right, bottom, top, near and far planes with
// normals pointing inside, each normalized as Ax+By+Cz+D.
type Frustum [6]mgl32.Vec4

func ExtractFrustum(vp mgl32.Mat4) Frustum {
	row := func(r int) mgl32.Vec4 {
		return mgl32.Vec4{vp.At(r, 0), vp.At(r, 1), vp.At(r, 2), vp.At(r, 3)}
	}
	w := row(3)
	f := Frustum{
		w.Add(row(0)),
		w.Sub(row(0)),
		w.Add(row(1)),
		w.Sub(row(1)),
		w.Add(row(2)),
		w.Sub(row(2)),
	}
	for i := range f {
		n := f[i].Vec3().Len()
		if n > 0 {
			f[i] = f[i].Mul(1 / n)
		}
	}
	return f
}

// ContainsAABB reports whether any part of the box can be inside.
func (f Frustum) ContainsAABB(lo, hi mgl32.Vec3) bool {
	for _, p := range f {
		var v mgl32.Vec3
		for k := 0; k < 3; k++ {
			if p[k] > 0 {
				v[k] = hi[k]
			} else {
				v[k] = lo[k]
			}
		}
		if p.Vec3().Dot(v)+p[3] < 0 {
			return false
		}
	}
	return true
}
