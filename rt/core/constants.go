package core

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// SceneConstantsSize is the size of one constant buffer region. It matches
// the native constant buffer alignment.
const SceneConstantsSize = 256

const (
	FlagRayTraced uint32 = 1 << iota
	FlagShowNormals
)

// SceneConstants is the per-frame camera and light block read by both
// render paths.
//
//	view_proj      mat4   0
//	inv_view_proj  mat4  64
//	camera_pos     vec4 128
//	light_pos      vec4 144
//	light_color    vec4 160
//	ambient        vec4 176
//	viewport       vec2 192
//	frame_index    u32  200
//	flags          u32  204
type SceneConstants struct {
	ViewProj    mgl32.Mat4
	InvViewProj mgl32.Mat4
	CameraPos   mgl32.Vec3
	LightPos    mgl32.Vec3
	LightColor  mgl32.Vec4
	Ambient     mgl32.Vec3
	Width       float32
	Height      float32
	FrameIndex  uint32
	Flags       uint32
}

// NewSceneConstants derives the matrices from a camera for a viewport.
func NewSceneConstants(cam *Camera, width, height uint32) SceneConstants {
	aspect := float32(1)
	if height > 0 {
		aspect = float32(width) / float32(height)
	}
	vp := cam.Projection(aspect).Mul4(cam.View())
	return SceneConstants{
		ViewProj:    vp,
		InvViewProj: vp.Inv(),
		CameraPos:   cam.Position,
		LightPos:    mgl32.Vec3{2, 4, 3},
		LightColor:  mgl32.Vec4{1, 1, 1, 1},
		Ambient:     mgl32.Vec3{0.1, 0.1, 0.12},
		Width:       float32(width),
		Height:      float32(height),
	}
}

func (c *SceneConstants) Encode(dst []byte) {
	_ = dst[SceneConstantsSize-1]
	putMat := func(off int, m mgl32.Mat4) {
		for i, v := range m {
			binary.LittleEndian.PutUint32(dst[off+i*4:], math.Float32bits(v))
		}
	}
	putVec := func(off int, v mgl32.Vec4) {
		for i := range v {
			binary.LittleEndian.PutUint32(dst[off+i*4:], math.Float32bits(v[i]))
		}
	}
	putMat(0, c.ViewProj)
	putMat(64, c.InvViewProj)
	putVec(128, c.CameraPos.Vec4(1))
	putVec(144, c.LightPos.Vec4(1))
	putVec(160, c.LightColor)
	putVec(176, c.Ambient.Vec4(0))
	binary.LittleEndian.PutUint32(dst[192:], math.Float32bits(c.Width))
	binary.LittleEndian.PutUint32(dst[196:], math.Float32bits(c.Height))
	binary.LittleEndian.PutUint32(dst[200:], c.FrameIndex)
	binary.LittleEndian.PutUint32(dst[204:], c.Flags)
	clear(dst[208:SceneConstantsSize])
}

func DecodeSceneConstants(src []byte) SceneConstants {
	_ = src[SceneConstantsSize-1]
	f := func(off int) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(src[off:])) }
	mat := func(off int) (m mgl32.Mat4) {
		for i := range m {
			m[i] = f(off + i*4)
		}
		return m
	}
	vec3 := func(off int) mgl32.Vec3 { return mgl32.Vec3{f(off), f(off + 4), f(off + 8)} }
	return SceneConstants{
		ViewProj:    mat(0),
		InvViewProj: mat(64),
		CameraPos:   vec3(128),
		LightPos:    vec3(144),
		LightColor:  mgl32.Vec4{f(160), f(164), f(168), f(172)},
		Ambient:     vec3(176),
		Width:       f(192),
		Height:      f(196),
		FrameIndex:  binary.LittleEndian.Uint32(src[200:]),
		Flags:       binary.LittleEndian.Uint32(src[204:]),
	}
}
