package hal

import (
	"fmt"
	"sync"
)

type DescriptorType uint8

const (
	DescriptorCBV DescriptorType = iota
	DescriptorSRV
	DescriptorUAV
)

func (t DescriptorType) String() string {
	switch t {
	case DescriptorCBV:
		return "CBV"
	case DescriptorSRV:
		return "SRV"
	case DescriptorUAV:
		return "UAV"
	}
	return fmt.Sprintf("descriptor(%d)", uint8(t))
}

type ViewDimension uint8

const (
	ViewBuffer ViewDimension = iota
	ViewTexture2D
	ViewAccelerationStructure
)

// Descriptor is one resource view written into a heap slot.
type Descriptor struct {
	Type      DescriptorType
	Dimension ViewDimension
	Buffer    Buffer
	Texture   Texture
	// Location is the view's GPU address for constant buffers and
	// acceleration structures.
	Location        GPUVirtualAddress
	Size            uint64
	FirstElement    uint32
	NumElements     uint32
	StructureStride uint32
	Format          Format
}

func ConstantBufferView(location GPUVirtualAddress, size uint64) Descriptor {
	return Descriptor{Type: DescriptorCBV, Dimension: ViewBuffer, Location: location, Size: size}
}

func AccelerationStructureView(location GPUVirtualAddress) Descriptor {
	return Descriptor{Type: DescriptorSRV, Dimension: ViewAccelerationStructure, Location: location}
}

func BufferView(b Buffer, numElements, stride uint32, format Format) Descriptor {
	return Descriptor{
		Type:            DescriptorSRV,
		Dimension:       ViewBuffer,
		Buffer:          b,
		Location:        b.GPUAddress(),
		Size:            b.Size(),
		NumElements:     numElements,
		StructureStride: stride,
		Format:          format,
	}
}

func TextureView(t Texture) Descriptor {
	return Descriptor{Type: DescriptorSRV, Dimension: ViewTexture2D, Texture: t, Format: t.Format()}
}

func UnorderedAccessView(t Texture) Descriptor {
	return Descriptor{Type: DescriptorUAV, Dimension: ViewTexture2D, Texture: t, Format: t.Format()}
}

type DescriptorHeapDesc struct {
	Label          string
	NumDescriptors uint32
	ShaderVisible  bool
}

// DescriptorHeap is a fixed-size table of descriptors. Slots are addressed by
// index on the CPU side and by GPUDescriptorHandle on the GPU side.
type DescriptorHeap struct {
	mu        sync.RWMutex
	desc      DescriptorHeapDesc
	base      GPUDescriptorHandle
	increment uint32
	slots     []Descriptor
	written   []bool
	released  bool
}

// NewDescriptorHeap is called by devices, which own the handle space the
// heap's base is carved from.
func NewDescriptorHeap(desc DescriptorHeapDesc, base GPUDescriptorHandle, increment uint32) (*DescriptorHeap, error) {
	if desc.NumDescriptors == 0 {
		return nil, errorf("CreateDescriptorHeap", ErrInvalidArgument, "%q has no descriptors", desc.Label)
	}
	if increment == 0 {
		return nil, errorf("CreateDescriptorHeap", ErrInvalidArgument, "zero descriptor increment")
	}
	return &DescriptorHeap{
		desc:      desc,
		base:      base,
		increment: increment,
		slots:     make([]Descriptor, desc.NumDescriptors),
		written:   make([]bool, desc.NumDescriptors),
	}, nil
}

func (h *DescriptorHeap) Label() string       { return h.desc.Label }
func (h *DescriptorHeap) Len() int            { return len(h.slots) }
func (h *DescriptorHeap) ShaderVisible() bool { return h.desc.ShaderVisible }
func (h *DescriptorHeap) Increment() uint32   { return h.increment }

func (h *DescriptorHeap) GPUStart() GPUDescriptorHandle { return h.base }

func (h *DescriptorHeap) GPUHandle(i int) GPUDescriptorHandle {
	return h.base + GPUDescriptorHandle(uint64(i)*uint64(h.increment))
}

// Contains reports whether handle points into this heap.
func (h *DescriptorHeap) Contains(handle GPUDescriptorHandle) bool {
	_, ok := h.IndexOf(handle)
	return ok
}

func (h *DescriptorHeap) IndexOf(handle GPUDescriptorHandle) (int, bool) {
	if handle < h.base {
		return 0, false
	}
	off := uint64(handle - h.base)
	if off%uint64(h.increment) != 0 {
		return 0, false
	}
	i := int(off / uint64(h.increment))
	if i >= len(h.slots) {
		return 0, false
	}
	return i, true
}

func (h *DescriptorHeap) Put(i int, d Descriptor) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return errorf("DescriptorHeap.Put", ErrInvalidState, "%q released", h.desc.Label)
	}
	if i < 0 || i >= len(h.slots) {
		return errorf("DescriptorHeap.Put", ErrInvalidArgument, "slot %d out of range [0,%d)", i, len(h.slots))
	}
	h.slots[i] = d
	h.written[i] = true
	return nil
}

func (h *DescriptorHeap) Get(i int) (Descriptor, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if i < 0 || i >= len(h.slots) || !h.written[i] {
		return Descriptor{}, false
	}
	return h.slots[i], true
}

// Written counts the slots that hold a descriptor.
func (h *DescriptorHeap) Written() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, w := range h.written {
		if w {
			n++
		}
	}
	return n
}

func (h *DescriptorHeap) Release() {
	h.mu.Lock()
	h.released = true
	h.mu.Unlock()
}
