package model

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/rtframe/rt/core"
)

// Loader turns a model file into meshes.
type Loader interface {
	Load(path string) ([]*Mesh, error)
}

// OBJLoader reads Wavefront OBJ files and the MTL libraries they reference.
// Faces are fan-triangulated and split into one mesh per object and material.
type OBJLoader struct {
	Logger core.Logger
}

var _ Loader = OBJLoader{}

func (l OBJLoader) Load(path string) ([]*Mesh, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	meshes, err := parseOBJ(f, filepath.Dir(path), core.OrNop(l.Logger))
	if err != nil {
		return nil, fmt.Errorf("model: %s: %w", path, err)
	}
	return meshes, nil
}

type objKey struct{ v, t, n int }

type objBuilder struct {
	dir       string
	log       core.Logger
	positions []mgl32.Vec3
	uvs       []mgl32.Vec2
	normals   []mgl32.Vec3
	materials map[string]Material

	object   string
	material Material
	cur      *Mesh
	lookup   map[objKey]uint32
	computeN bool
	out      []*Mesh
}

func parseOBJ(r io.Reader, dir string, log core.Logger) ([]*Mesh, error) {
	b := &objBuilder{
		dir:       dir,
		log:       log,
		materials: make(map[string]Material),
		material:  Material{Name: "default", Diffuse: mgl32.Vec4{0.8, 0.8, 0.8, 1}},
	}
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if err := b.directive(fields); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	b.flush()
	if len(b.out) == 0 {
		return nil, fmt.Errorf("no faces")
	}
	return b.out, nil
}

func (b *objBuilder) directive(f []string) error {
	switch f[0] {
	case "v":
		v, err := parseFloats(f[1:], 3)
		if err != nil {
			return err
		}
		b.positions = append(b.positions, mgl32.Vec3{v[0], v[1], v[2]})
	case "vt":
		v, err := parseFloats(f[1:], 2)
		if err != nil {
			return err
		}
		// OBJ puts the uv origin bottom left.
		b.uvs = append(b.uvs, mgl32.Vec2{v[0], 1 - v[1]})
	case "vn":
		v, err := parseFloats(f[1:], 3)
		if err != nil {
			return err
		}
		b.normals = append(b.normals, mgl32.Vec3{v[0], v[1], v[2]}.Normalize())
	case "f":
		return b.face(f[1:])
	case "o", "g":
		b.flush()
		if len(f) > 1 {
			b.object = strings.Join(f[1:], " ")
		}
	case "usemtl":
		b.flush()
		if len(f) > 1 {
			m, ok := b.materials[f[1]]
			if !ok {
				b.log.Warnf("model: unknown material %q", f[1])
				m = Material{Name: f[1], Diffuse: mgl32.Vec4{0.8, 0.8, 0.8, 1}}
			}
			b.material = m
		}
	case "mtllib":
		for _, name := range f[1:] {
			if err := b.loadMTL(filepath.Join(b.dir, name)); err != nil {
				b.log.Warnf("model: material library %s: %v", name, err)
			}
		}
	case "s", "l", "p":
	default:
		b.log.Debugf("model: ignoring %q", f[0])
	}
	return nil
}

func (b *objBuilder) face(refs []string) error {
	if len(refs) < 3 {
		return fmt.Errorf("face with %d vertices", len(refs))
	}
	if b.cur == nil {
		name := b.object
		if name == "" {
			name = fmt.Sprintf("mesh%d", len(b.out))
		}
		b.cur = NewMesh(name, nil, nil)
		b.cur.Material = b.material
		b.lookup = make(map[objKey]uint32)
		b.computeN = false
	}
	idx := make([]uint32, len(refs))
	for i, ref := range refs {
		k, err := b.parseRef(ref)
		if err != nil {
			return err
		}
		v, ok := b.lookup[k]
		if !ok {
			vert := Vertex{Position: b.positions[k.v]}
			if k.t >= 0 {
				vert.UV = b.uvs[k.t]
			}
			if k.n >= 0 {
				vert.Normal = b.normals[k.n]
			} else {
				b.computeN = true
			}
			v = uint32(len(b.cur.Vertices))
			b.cur.Vertices = append(b.cur.Vertices, vert)
			b.lookup[k] = v
		}
		idx[i] = v
	}
	for i := 1; i+1 < len(idx); i++ {
		b.cur.Indices = append(b.cur.Indices, idx[0], idx[i], idx[i+1])
	}
	return nil
}

// parseRef resolves v, v/t, v//n or v/t/n, including negative indices, to
// zero-based indices with -1 for a missing element.
func (b *objBuilder) parseRef(ref string) (objKey, error) {
	parts := strings.Split(ref, "/")
	k := objKey{-1, -1, -1}
	counts := []int{len(b.positions), len(b.uvs), len(b.normals)}
	dst := []*int{&k.v, &k.t, &k.n}
	for i, p := range parts {
		if i > 2 {
			return k, fmt.Errorf("bad vertex reference %q", ref)
		}
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return k, fmt.Errorf("bad vertex reference %q", ref)
		}
		if n < 0 {
			n += counts[i]
		} else {
			n--
		}
		if n < 0 || n >= counts[i] {
			return k, fmt.Errorf("vertex reference %q out of range", ref)
		}
		*dst[i] = n
	}
	if k.v < 0 {
		return k, fmt.Errorf("vertex reference %q has no position", ref)
	}
	return k, nil
}

func (b *objBuilder) flush() {
	m := b.cur
	b.cur = nil
	if m == nil || len(m.Indices) == 0 {
		return
	}
	if b.computeN {
		computeNormals(m)
	}
	ComputeTangents(m)
	b.out = append(b.out, m)
}

func computeNormals(m *Mesh) {
	acc := make([]mgl32.Vec3, len(m.Vertices))
	for i := 0; i+2 < len(m.Indices); i += 3 {
		i0, i1, i2 := m.Indices[i], m.Indices[i+1], m.Indices[i+2]
		p0 := m.Vertices[i0].Position
		n := m.Vertices[i1].Position.Sub(p0).Cross(m.Vertices[i2].Position.Sub(p0))
		for _, k := range []uint32{i0, i1, i2} {
			acc[k] = acc[k].Add(n)
		}
	}
	for i := range m.Vertices {
		if m.Vertices[i].Normal.Len() > 0 {
			continue
		}
		if acc[i].Len() > 0 {
			m.Vertices[i].Normal = acc[i].Normalize()
		} else {
			m.Vertices[i].Normal = mgl32.Vec3{0, 1, 0}
		}
	}
}

func (b *objBuilder) loadMTL(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var cur *Material
	save := func() {
		if cur != nil {
			b.materials[cur.Name] = *cur
		}
	}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		switch fields[0] {
		case "newmtl":
			save()
			cur = &Material{Name: fields[1], Diffuse: mgl32.Vec4{0.8, 0.8, 0.8, 1}}
		case "Kd":
			if cur == nil {
				continue
			}
			v, err := parseFloats(fields[1:], 3)
			if err != nil {
				return err
			}
			cur.Diffuse = mgl32.Vec4{v[0], v[1], v[2], cur.Diffuse[3]}
		case "d":
			if cur == nil {
				continue
			}
			v, err := parseFloats(fields[1:], 1)
			if err != nil {
				return err
			}
			cur.Diffuse[3] = v[0]
		case "map_Kd", "map_Bump", "map_bump", "bump", "norm":
			if cur == nil {
				continue
			}
			// Options such as -bm precede the file name.
			cur.Textures = append(cur.Textures, filepath.Join(b.dir, fields[len(fields)-1]))
		}
	}
	save()
	return sc.Err()
}

func parseFloats(fields []string, n int) ([]float32, error) {
	if len(fields) < n {
		return nil, fmt.Errorf("want %d numbers, got %d", n, len(fields))
	}
	out := make([]float32, n)
	for i := range out {
		v, err := strconv.ParseFloat(fields[i], 32)
		if err != nil {
			return nil, err
		}
		out[i] = float32(v)
	}
	return out, nil
}
