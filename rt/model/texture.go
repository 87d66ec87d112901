package model

import (
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

type Texture struct {
	ID     AssetID
	Path   string
	Width  uint32
	Height uint32
	Texels []uint8
}

// NormalizePath converts backslashes to forward slashes and cleans p, so
// "tex\\a.png" and "tex/./a.png" name the same texture. Case is kept.
func NormalizePath(p string) string {
	return path.Clean(strings.ReplaceAll(p, `\`, "/"))
}

// DedupTextures returns every texture referenced by meshes once, in first
// reference order.
func DedupTextures(meshes []*Mesh) []string {
	var paths []string
	seen := make(map[string]bool)
	for _, m := range meshes {
		for _, p := range m.Material.Textures {
			key := NormalizePath(p)
			if !seen[key] {
				seen[key] = true
				paths = append(paths, key)
			}
		}
	}
	return paths
}

// FallbackTexture is a 1x1 opaque white texture standing in for name when
// it cannot be loaded, so later textures keep their slots.
func FallbackTexture(name string) *Texture {
	return &Texture{
		ID:     newAssetID(),
		Path:   NormalizePath(name),
		Width:  1,
		Height: 1,
		Texels: []uint8{255, 255, 255, 255},
	}
}

// LoadTexture decodes a PNG, JPEG, BMP, TIFF or WebP file into RGBA texels.
func LoadTexture(name string) (*Texture, error) {
	file, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("model: decode %s: %w", name, err)
	}
	rgba := toRGBA(img)
	b := rgba.Bounds()
	return &Texture{
		ID:     newAssetID(),
		Path:   NormalizePath(name),
		Width:  uint32(b.Dx()),
		Height: uint32(b.Dy()),
		Texels: rgba.Pix,
	}, nil
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) && rgba.Stride == 4*rgba.Rect.Dx() {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}
