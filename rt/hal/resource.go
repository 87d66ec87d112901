package hal

// Resource is an exclusively owned device object. Release must be called
// exactly once, after the GPU has finished with the object.
type Resource interface {
	Label() string
	Release()
}

type BufferDesc struct {
	Label        string
	Size         uint64
	Heap         HeapType
	Usage        BufferUsage
	InitialState ResourceState
}

type Buffer interface {
	Resource
	Size() uint64
	Heap() HeapType
	GPUAddress() GPUVirtualAddress
	// Map returns a CPU view of an upload or readback buffer. The view stays
	// valid until Unmap or Release, so it may be kept as a persistent mapping.
	Map() ([]byte, error)
	Unmap()
}

type TextureDesc struct {
	Label        string
	Width        uint32
	Height       uint32
	Format       Format
	Usage        TextureUsage
	InitialState ResourceState
}

type Texture interface {
	Resource
	Width() uint32
	Height() uint32
	Format() Format
}

type BarrierType uint8

const (
	BarrierTransition BarrierType = iota
	BarrierUAV
)

type ResourceBarrier struct {
	Type     BarrierType
	Resource Resource
	Before   ResourceState
	After    ResourceState
}

func Transition(r Resource, before, after ResourceState) ResourceBarrier {
	return ResourceBarrier{Type: BarrierTransition, Resource: r, Before: before, After: after}
}

// UAVBarrier orders unordered-access writes to r before later reads. A nil
// resource orders all unordered-access writes.
func UAVBarrier(r Resource) ResourceBarrier {
	return ResourceBarrier{Type: BarrierUAV, Resource: r}
}
