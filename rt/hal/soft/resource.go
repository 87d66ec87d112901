package soft

import (
	"image"
	"sync"

	"github.com/gekko3d/rtframe/rt/bvh"
	"github.com/gekko3d/rtframe/rt/hal"
)

// builtAS is the traversable form of an acceleration structure, attached to
// the result buffer it was built into.
type builtAS struct {
	kind  hal.ASType
	mesh  *bvh.Mesh
	scene *bvh.Scene
	// hitGroups holds each instance's hit group record index.
	hitGroups []uint32
}

type buffer struct {
	dev      *Device
	desc     hal.BufferDesc
	va       hal.GPUVirtualAddress
	data     []byte
	mapped   bool
	released bool

	mu         sync.Mutex
	structures map[uint64]*builtAS
}

func (b *buffer) Label() string                     { return b.desc.Label }
func (b *buffer) Size() uint64                      { return b.desc.Size }
func (b *buffer) Heap() hal.HeapType                { return b.desc.Heap }
func (b *buffer) GPUAddress() hal.GPUVirtualAddress { return b.va }

func (b *buffer) Map() ([]byte, error) {
	if b.desc.Heap == hal.HeapDefault {
		return nil, &hal.Error{Op: "Buffer.Map", Err: hal.ErrInvalidState}
	}
	if b.released {
		return nil, &hal.Error{Op: "Buffer.Map", Err: hal.ErrInvalidState}
	}
	b.mapped = true
	return b.data, nil
}

func (b *buffer) Unmap() { b.mapped = false }

func (b *buffer) Release() {
	if b.released {
		return
	}
	b.released = true
	b.dev.freeMemory(b.desc.Size)
	b.dev.addrs.Free(b.va)
}

func (b *buffer) attach(offset uint64, as *builtAS) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.structures == nil {
		b.structures = make(map[uint64]*builtAS)
	}
	b.structures[offset] = as
}

func (b *buffer) structure(offset uint64) *builtAS {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.structures[offset]
}

type texture struct {
	dev      *Device
	desc     hal.TextureDesc
	pix      *image.RGBA
	depth    []float32
	released bool
}

func newTexture(dev *Device, desc hal.TextureDesc) *texture {
	t := &texture{dev: dev, desc: desc}
	t.pix = image.NewRGBA(image.Rect(0, 0, int(desc.Width), int(desc.Height)))
	return t
}

func (t *texture) Label() string      { return t.desc.Label }
func (t *texture) Width() uint32      { return t.desc.Width }
func (t *texture) Height() uint32     { return t.desc.Height }
func (t *texture) Format() hal.Format { return t.desc.Format }

func (t *texture) Release() {
	if t.released {
		return
	}
	t.released = true
	t.dev.freeMemory(t.bytes())
}

func (t *texture) bytes() uint64 {
	return uint64(t.desc.Width) * uint64(t.desc.Height) * 4
}

// depthBuffer returns the z-buffer paired with a render target.
func (t *texture) depthBuffer() []float32 {
	n := int(t.desc.Width * t.desc.Height)
	if len(t.depth) != n {
		t.depth = make([]float32, n)
		t.clearDepth()
	}
	return t.depth
}

func (t *texture) clearDepth() {
	for i := range t.depth {
		t.depth[i] = 1
	}
}

// Image returns a copy of the texture contents.
func (t *texture) Image() *image.RGBA {
	out := image.NewRGBA(t.pix.Rect)
	copy(out.Pix, t.pix.Pix)
	return out
}

type graphicsPipeline struct {
	desc hal.GraphicsPipelineDesc
}

func (p *graphicsPipeline) Label() string                     { return p.desc.Label }
func (p *graphicsPipeline) Desc() hal.GraphicsPipelineDesc { return p.desc }
func (p *graphicsPipeline) Release()                          {}

// underlying resolves counted swap chain references to the texture they
// point at, so state tracking sees one resource.
func underlying(r hal.Resource) hal.Resource {
	if ref, ok := r.(*backBufferRef); ok {
		return ref.tex
	}
	return r
}

func asTexture(r hal.Resource) (*texture, bool) {
	t, ok := underlying(r).(*texture)
	return t, ok
}

func asBuffer(r hal.Resource) (*buffer, bool) {
	b, ok := r.(*buffer)
	return b, ok
}
