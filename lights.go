package rtframe

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/rtframe/rt/core"
)

var ErrLightIndex = errors.New("rtframe: light index out of range")

// ReadLights parses a light list: four lines per light holding the type,
// the position x y z, the rotation x y z in degrees and the color r g b a.
// The type is a name (point, directional, spot, ambient) or its number.
// Blank lines are skipped.
func ReadLights(r io.Reader) ([]core.Light, error) {
	var lines []string
	var lineNo []int
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		s := strings.TrimSpace(sc.Text())
		if s == "" {
			continue
		}
		lines = append(lines, s)
		lineNo = append(lineNo, n)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(lines)%4 != 0 {
		return nil, fmt.Errorf("lights: %d lines, want a multiple of 4", len(lines))
	}

	lights := make([]core.Light, 0, len(lines)/4)
	for i := 0; i < len(lines); i += 4 {
		var l core.Light
		var err error
		if l.Type, err = parseLightType(lines[i]); err != nil {
			return nil, fmt.Errorf("lights: line %d: %w", lineNo[i], err)
		}
		pos, err := parseFloats(lines[i+1], 3)
		if err != nil {
			return nil, fmt.Errorf("lights: line %d: position: %w", lineNo[i+1], err)
		}
		rot, err := parseFloats(lines[i+2], 3)
		if err != nil {
			return nil, fmt.Errorf("lights: line %d: rotation: %w", lineNo[i+2], err)
		}
		col, err := parseFloats(lines[i+3], 4)
		if err != nil {
			return nil, fmt.Errorf("lights: line %d: color: %w", lineNo[i+3], err)
		}
		l.Position = mgl32.Vec3{pos[0], pos[1], pos[2]}
		l.Rotation = mgl32.Vec3{rot[0], rot[1], rot[2]}
		l.Color = mgl32.Vec4{col[0], col[1], col[2], col[3]}
		lights = append(lights, l)
	}
	return lights, nil
}

func parseLightType(s string) (core.LightType, error) {
	for t := core.LightPoint; t <= core.LightAmbient; t++ {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || core.LightType(n) > core.LightAmbient {
		return 0, fmt.Errorf("unknown light type %q", s)
	}
	return core.LightType(n), nil
}

func parseFloats(s string, n int) ([]float32, error) {
	fields := strings.Fields(s)
	if len(fields) != n {
		return nil, fmt.Errorf("%d values, want %d", len(fields), n)
	}
	out := make([]float32, n)
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return nil, err
		}
		out[i] = float32(v)
	}
	return out, nil
}

// WriteLights writes lights in the format ReadLights reads.
func WriteLights(w io.Writer, lights []core.Light) error {
	bw := bufio.NewWriter(w)
	g := func(v float32) string { return strconv.FormatFloat(float64(v), 'g', -1, 32) }
	for _, l := range lights {
		fmt.Fprintln(bw, l.Type)
		fmt.Fprintln(bw, g(l.Position[0]), g(l.Position[1]), g(l.Position[2]))
		fmt.Fprintln(bw, g(l.Rotation[0]), g(l.Rotation[1]), g(l.Rotation[2]))
		fmt.Fprintln(bw, g(l.Color[0]), g(l.Color[1]), g(l.Color[2]), g(l.Color[3]))
	}
	return bw.Flush()
}

// LoadLights reads the whole light file at path.
func LoadLights(path string) ([]core.Light, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	lights, err := ReadLights(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return lights, nil
}

// SaveLights rewrites the light file at path.
func SaveLights(path string, lights []core.Light) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteLights(f, lights); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// DefaultLights is a white key light above the scene and a dim ambient term.
func DefaultLights() []core.Light {
	return []core.Light{
		{Type: core.LightPoint, Position: mgl32.Vec3{2, 4, 3}, Color: mgl32.Vec4{1, 1, 1, 1}},
		{Type: core.LightAmbient, Color: mgl32.Vec4{1, 1, 1, 0.1}},
	}
}
