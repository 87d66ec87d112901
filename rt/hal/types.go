package hal

import "fmt"

type GPUVirtualAddress uint64

// GPUDescriptorHandle addresses one slot of a shader-visible descriptor heap.
type GPUDescriptorHandle uint64

type HeapType uint8

const (
	HeapDefault HeapType = iota
	HeapUpload
	HeapReadback
)

func (h HeapType) String() string {
	switch h {
	case HeapDefault:
		return "default"
	case HeapUpload:
		return "upload"
	case HeapReadback:
		return "readback"
	}
	return fmt.Sprintf("heap(%d)", uint8(h))
}

// ResourceState mirrors the native resource-state bit set.
type ResourceState uint32

const (
	StateCommon                 ResourceState = 0
	StatePresent                ResourceState = 0
	StateVertexAndConstant      ResourceState = 0x1
	StateIndexBuffer            ResourceState = 0x2
	StateRenderTarget           ResourceState = 0x4
	StateUnorderedAccess        ResourceState = 0x8
	StateDepthWrite             ResourceState = 0x10
	StateNonPixelShaderResource ResourceState = 0x40
	StatePixelShaderResource    ResourceState = 0x80
	StateCopyDest               ResourceState = 0x400
	StateCopySource             ResourceState = 0x800
	StateGenericRead            ResourceState = 0x1 | 0x2 | 0x40 | 0x80 | 0x200 | 0x800
	StateAccelerationStructure  ResourceState = 0x400000
)

func (s ResourceState) String() string {
	switch s {
	case StateCommon:
		return "COMMON"
	case StateVertexAndConstant:
		return "VERTEX_AND_CONSTANT_BUFFER"
	case StateIndexBuffer:
		return "INDEX_BUFFER"
	case StateRenderTarget:
		return "RENDER_TARGET"
	case StateUnorderedAccess:
		return "UNORDERED_ACCESS"
	case StateDepthWrite:
		return "DEPTH_WRITE"
	case StateNonPixelShaderResource:
		return "NON_PIXEL_SHADER_RESOURCE"
	case StatePixelShaderResource:
		return "PIXEL_SHADER_RESOURCE"
	case StateCopyDest:
		return "COPY_DEST"
	case StateCopySource:
		return "COPY_SOURCE"
	case StateGenericRead:
		return "GENERIC_READ"
	case StateAccelerationStructure:
		return "RAYTRACING_ACCELERATION_STRUCTURE"
	}
	return fmt.Sprintf("STATE(0x%x)", uint32(s))
}

type BufferUsage uint32

const (
	BufferUsageUnorderedAccess BufferUsage = 1 << iota
	BufferUsageAccelerationStructure
	BufferUsageShaderTable
)

const BufferUsageNone BufferUsage = 0

type TextureUsage uint32

const (
	TextureUsageShaderResource TextureUsage = 1 << iota
	TextureUsageRenderTarget
	TextureUsageUnorderedAccess
	TextureUsageDepthStencil
)

type Format uint8

const (
	FormatUnknown Format = iota
	FormatRGBA8Unorm
	FormatBGRA8Unorm
	FormatR32G32B32Float
	FormatR32G32Float
	FormatR32Float
	FormatD32Float
	FormatR16Uint
	FormatR32Uint
)

func (f Format) BytesPerPixel() int {
	switch f {
	case FormatRGBA8Unorm, FormatBGRA8Unorm, FormatR32Float, FormatD32Float, FormatR32Uint:
		return 4
	case FormatR32G32B32Float:
		return 12
	case FormatR32G32Float:
		return 8
	case FormatR16Uint:
		return 2
	}
	return 0
}

func (f Format) String() string {
	switch f {
	case FormatRGBA8Unorm:
		return "R8G8B8A8_UNORM"
	case FormatBGRA8Unorm:
		return "B8G8R8A8_UNORM"
	case FormatR32G32B32Float:
		return "R32G32B32_FLOAT"
	case FormatR32G32Float:
		return "R32G32_FLOAT"
	case FormatR32Float:
		return "R32_FLOAT"
	case FormatD32Float:
		return "D32_FLOAT"
	case FormatR16Uint:
		return "R16_UINT"
	case FormatR32Uint:
		return "R32_UINT"
	}
	return "UNKNOWN"
}

type IndexFormat uint8

const (
	IndexUint16 IndexFormat = iota
	IndexUint32
)

// Size returns the byte width of one index, or 0 for an unsupported format.
func (f IndexFormat) Size() int {
	switch f {
	case IndexUint16:
		return 2
	case IndexUint32:
		return 4
	}
	return 0
}

// Caps are the hardware constants the renderer sizes its GPU tables with.
type Caps struct {
	ShaderIdentifierSize           uint64
	ShaderRecordAlignment          uint64
	ShaderTableAlignment           uint64
	AccelerationStructureAlignment uint64
	ConstantBufferAlignment        uint64
	DescriptorSize                 uint32
	Raytracing                     bool
	AllowTearing                   bool
	MaxTraceRecursionDepth         uint32
}

func DefaultCaps() Caps {
	return Caps{
		ShaderIdentifierSize:           32,
		ShaderRecordAlignment:          32,
		ShaderTableAlignment:           64,
		AccelerationStructureAlignment: 256,
		ConstantBufferAlignment:        256,
		DescriptorSize:                 32,
		Raytracing:                     true,
		AllowTearing:                   true,
		MaxTraceRecursionDepth:         31,
	}
}

// Validate checks that every alignment is a power of two and that a
// raytracing device reports its identifier size and recursion depth.
func (c Caps) Validate() error {
	for _, a := range []struct {
		name string
		v    uint64
	}{
		{"shader record alignment", c.ShaderRecordAlignment},
		{"shader table alignment", c.ShaderTableAlignment},
		{"acceleration structure alignment", c.AccelerationStructureAlignment},
		{"constant buffer alignment", c.ConstantBufferAlignment},
	} {
		if a.v == 0 || a.v&(a.v-1) != 0 {
			return fmt.Errorf("%w: %s %d is not a power of two", ErrInvalidArgument, a.name, a.v)
		}
	}
	if c.DescriptorSize == 0 {
		return fmt.Errorf("%w: descriptor size is zero", ErrInvalidArgument)
	}
	if c.Raytracing && (c.ShaderIdentifierSize == 0 || c.MaxTraceRecursionDepth == 0) {
		return fmt.Errorf("%w: raytracing needs a shader identifier size and a recursion depth", ErrInvalidArgument)
	}
	return nil
}

// Align rounds v up to a multiple of a. Zero leaves v unchanged.
func Align(v, a uint64) uint64 {
	if a == 0 {
		return v
	}
	if a&(a-1) == 0 {
		return (v + a - 1) &^ (a - 1)
	}
	return (v + a - 1) / a * a
}

type Viewport struct {
	X, Y, Width, Height float32
	MinDepth, MaxDepth  float32
}

type VertexBufferView struct {
	Location GPUVirtualAddress
	Size     uint32
	Stride   uint32
}

type IndexBufferView struct {
	Location GPUVirtualAddress
	Size     uint32
	Format   IndexFormat
}

type GPUAddressRange struct {
	Start GPUVirtualAddress
	Size  uint64
}

type GPUAddressRangeAndStride struct {
	Start  GPUVirtualAddress
	Size   uint64
	Stride uint64
}

type DispatchRaysDesc struct {
	RayGeneration   GPUAddressRange
	MissShaderTable GPUAddressRangeAndStride
	HitGroupTable   GPUAddressRangeAndStride
	Width           uint32
	Height          uint32
	Depth           uint32
}
