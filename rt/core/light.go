package core

import "github.com/go-gl/mathgl/mgl32"

type LightType uint32

const (
	LightPoint LightType = iota
	LightDirectional
	LightSpot
	LightAmbient
)

func (t LightType) String() string {
	switch t {
	case LightPoint:
		return "point"
	case LightDirectional:
		return "directional"
	case LightSpot:
		return "spot"
	case LightAmbient:
		return "ambient"
	}
	return "unknown"
}

// Light is one entry of the persisted light list. Rotation is in degrees.
type Light struct {
	Type     LightType
	Position mgl32.Vec3
	Rotation mgl32.Vec3
	Color    mgl32.Vec4
}

// Direction is the unit vector the light points along: -Z rotated by
// Rotation (pitch about X, then yaw about Y).
func (l Light) Direction() mgl32.Vec3 {
	rx := mgl32.DegToRad(l.Rotation.X())
	ry := mgl32.DegToRad(l.Rotation.Y())
	m := mgl32.HomogRotate3DY(ry).Mul4(mgl32.HomogRotate3DX(rx))
	return m.Mul4x1(mgl32.Vec4{0, 0, -1, 0}).Vec3().Normalize()
}

// ApplyLights folds a light list into the single key light and ambient term
// the shaders read. The first point, spot or directional light wins; a
// directional light is placed far along its reverse direction. Ambient
// lights add up.
func (c *SceneConstants) ApplyLights(lights []Light) {
	key := false
	ambient := mgl32.Vec3{}
	haveAmbient := false
	for _, l := range lights {
		switch l.Type {
		case LightAmbient:
			ambient = ambient.Add(l.Color.Vec3().Mul(l.Color.W()))
			haveAmbient = true
		case LightDirectional:
			if !key {
				c.LightPos = l.Direction().Mul(-1000)
				c.LightColor = l.Color
				key = true
			}
		default:
			if !key {
				c.LightPos = l.Position
				c.LightColor = l.Color
				key = true
			}
		}
	}
	if haveAmbient {
		c.Ambient = ambient
	}
}
