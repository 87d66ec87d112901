package overlay

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/gekko3d/rtframe/rt/hal"
)

type TextOptions struct {
	Width, Height uint32
	// Size is the font size in points at 72 DPI.
	Size float64
	// Frames is the number of frames in flight; one upload buffer each.
	Frames int
	// X and Y place the panel on the target.
	X, Y int
}

// TextOverlay renders lines of text into a panel texture and composites it
// over the target.
type TextOverlay struct {
	opts    TextOptions
	face    font.Face
	tex     hal.Texture
	uploads []hal.Buffer
	img     *image.RGBA
	state   hal.ResourceState
	next    int
	lines   []string
}

var _ Overlay = (*TextOverlay)(nil)

var (
	panelColor = color.RGBA{0, 0, 0, 160}
	textColor  = color.RGBA{255, 255, 255, 255}
)

func NewTextOverlay(dev hal.Device, opts TextOptions) (*TextOverlay, error) {
	if opts.Width == 0 {
		opts.Width = 256
	}
	if opts.Height == 0 {
		opts.Height = 128
	}
	if opts.Size == 0 {
		opts.Size = 13
	}
	if opts.Frames <= 0 {
		opts.Frames = 2
	}
	if opts.X == 0 && opts.Y == 0 {
		opts.X, opts.Y = 8, 8
	}

	f, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("overlay: parse font: %w", err)
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    opts.Size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("overlay: create face: %w", err)
	}

	o := &TextOverlay{
		opts:  opts,
		face:  face,
		img:   image.NewRGBA(image.Rect(0, 0, int(opts.Width), int(opts.Height))),
		state: hal.StateCopyDest,
	}
	o.tex, err = dev.CreateTexture(hal.TextureDesc{
		Label:        "overlay panel",
		Width:        opts.Width,
		Height:       opts.Height,
		Format:       hal.FormatRGBA8Unorm,
		Usage:        hal.TextureUsageShaderResource,
		InitialState: hal.StateCopyDest,
	})
	if err != nil {
		return nil, fmt.Errorf("overlay: panel texture: %w", err)
	}
	for i := 0; i < opts.Frames; i++ {
		b, err := dev.CreateBuffer(hal.BufferDesc{
			Label: fmt.Sprintf("overlay upload %d", i),
			Size:  uint64(len(o.img.Pix)),
			Heap:  hal.HeapUpload,
		})
		if err != nil {
			o.Release()
			return nil, fmt.Errorf("overlay: upload buffer: %w", err)
		}
		o.uploads = append(o.uploads, b)
	}
	return o, nil
}

// SetLines replaces the text drawn by the next Draw.
func (o *TextOverlay) SetLines(lines ...string) {
	o.lines = append(o.lines[:0], lines...)
}

func (o *TextOverlay) Texture() hal.Texture { return o.tex }

// Image is the panel as last rendered on the CPU.
func (o *TextOverlay) Image() *image.RGBA { return o.img }

func (o *TextOverlay) render() {
	draw.Draw(o.img, o.img.Bounds(), image.Transparent, image.Point{}, draw.Src)
	if len(o.lines) == 0 {
		return
	}
	m := o.face.Metrics()
	lineH := m.Height.Ceil()
	h := min(lineH*len(o.lines)+8, o.img.Bounds().Dy())
	draw.Draw(o.img, image.Rect(0, 0, o.img.Bounds().Dx(), h), image.NewUniform(panelColor), image.Point{}, draw.Src)
	d := &font.Drawer{Dst: o.img, Src: image.NewUniform(textColor), Face: o.face}
	for i, line := range o.lines {
		d.Dot = fixed.P(4, 4+m.Ascent.Ceil()+i*lineH)
		d.DrawString(line)
	}
}

// Draw renders the current lines, uploads them through this frame's upload
// buffer and composites the panel over target. When heap is non-nil the
// panel's view is written at slot.
func (o *TextOverlay) Draw(list *hal.CommandList, heap *hal.DescriptorHeap, slot int, target hal.Texture) error {
	o.render()
	up := o.uploads[o.next]
	o.next = (o.next + 1) % len(o.uploads)
	mem, err := up.Map()
	if err != nil {
		return fmt.Errorf("overlay: map upload: %w", err)
	}
	copy(mem, o.img.Pix)
	up.Unmap()

	if o.state != hal.StateCopyDest {
		list.ResourceBarrier(hal.Transition(o.tex, o.state, hal.StateCopyDest))
	}
	list.CopyBufferToTexture(o.tex, up, 0, uint32(o.img.Stride))
	list.ResourceBarrier(hal.Transition(o.tex, hal.StateCopyDest, hal.StatePixelShaderResource))
	o.state = hal.StatePixelShaderResource

	if heap != nil {
		if err := heap.Put(slot, hal.TextureView(o.tex)); err != nil {
			return fmt.Errorf("overlay: heap slot %d: %w", slot, err)
		}
	}
	list.Composite(target, o.tex, o.opts.X, o.opts.Y)
	return nil
}

func (o *TextOverlay) Release() {
	for _, b := range o.uploads {
		b.Release()
	}
	o.uploads = nil
	if o.tex != nil {
		o.tex.Release()
	}
	if o.face != nil {
		o.face.Close()
	}
}
