// Package hal is the explicit GPU command-and-resource contract the renderer
// is written against: devices, queues, fences, swap chains, descriptor heaps,
// acceleration structures and raytracing state objects.
package hal

// Fence is a monotonic counter the GPU advances as it reaches Signal
// commands in a queue.
type Fence interface {
	Label() string
	CompletedValue() uint64
	// Notify returns a channel that is closed once the completed value is at
	// least v. It is closed immediately if v has already been reached.
	Notify(v uint64) <-chan struct{}
	Release()
}

type CommandQueue interface {
	Label() string
	// ExecuteCommandLists submits closed lists. They run in submission order.
	ExecuteCommandLists(lists ...*CommandList) error
	// Signal enqueues a GPU-side write of v to f behind all prior work.
	Signal(f Fence, v uint64) error
	// TimestampFrequency is the tick rate of timestamp queries in Hz.
	TimestampFrequency() (uint64, error)
	Release()
}

type PresentFlags uint32

const PresentAllowTearing PresentFlags = 1

type SwapChainDesc struct {
	Label        string
	Width        uint32
	Height       uint32
	BufferCount  int
	Format       Format
	AllowTearing bool
}

type SwapChain interface {
	BufferCount() int
	CurrentBackBufferIndex() int
	// Buffer returns a counted reference to back buffer i. Each reference
	// must be released before ResizeBuffers.
	Buffer(i int) (Texture, error)
	// ResizeBuffers fails with ErrBackBufferReferenced while any reference
	// from Buffer is held.
	ResizeBuffers(width, height uint32) error
	Present(syncInterval int, flags PresentFlags) error
	Size() (width, height uint32)
	Release()
}

type Device interface {
	Caps() Caps
	CreateCommandQueue(label string) (CommandQueue, error)
	CreateFence(label string, initial uint64) (Fence, error)
	CreateBuffer(desc BufferDesc) (Buffer, error)
	CreateTexture(desc TextureDesc) (Texture, error)
	CreateDescriptorHeap(desc DescriptorHeapDesc) (*DescriptorHeap, error)
	CreateStateObject(desc *StateObjectDesc) (StateObject, error)
	CreateGraphicsPipeline(desc GraphicsPipelineDesc) (GraphicsPipeline, error)
	CreateSwapChain(queue CommandQueue, desc SwapChainDesc) (SwapChain, error)
	AccelerationStructurePrebuildInfo(inputs *ASInputs) (ASPrebuildInfo, error)
	// Removed returns the reason the device was lost, or nil.
	Removed() error
	Release()
}
