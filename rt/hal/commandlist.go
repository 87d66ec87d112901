package hal

import "sync"

// CommandAllocator owns the memory command lists record into. It cannot be
// reset while a list recorded into it is executing.
type CommandAllocator struct {
	mu         sync.Mutex
	label      string
	generation uint64
	cmds       []Command
	executing  int
	recording  *CommandList
}

func NewCommandAllocator(label string) *CommandAllocator {
	return &CommandAllocator{label: label}
}

func (a *CommandAllocator) Label() string { return a.label }

// Reset reclaims the allocator's memory. Lists recorded before the reset can
// no longer be executed.
func (a *CommandAllocator) Reset() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.executing > 0 {
		return errorf("CommandAllocator.Reset", ErrAllocatorInFlight, "%q has %d executing lists", a.label, a.executing)
	}
	if a.recording != nil {
		return errorf("CommandAllocator.Reset", ErrInvalidState, "%q has an open list %q", a.label, a.recording.label)
	}
	a.generation++
	clear(a.cmds)
	a.cmds = a.cmds[:0]
	return nil
}

// Executing reports whether any list recorded into a is on a queue.
func (a *CommandAllocator) Executing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.executing > 0
}

// BeginExecution and EndExecution bracket the GPU lifetime of one submitted
// list. Queues call them; nothing else should.
func (a *CommandAllocator) BeginExecution() {
	a.mu.Lock()
	a.executing++
	a.mu.Unlock()
}

func (a *CommandAllocator) EndExecution() {
	a.mu.Lock()
	if a.executing > 0 {
		a.executing--
	}
	a.mu.Unlock()
}

func (a *CommandAllocator) Release() {}

// CommandList records commands into an allocator. A new list is closed; Reset
// opens it against an allocator.
type CommandList struct {
	label string
	alloc *CommandAllocator
	gen   uint64
	start int
	end   int
	open  bool
	err   error
}

func NewCommandList(label string) *CommandList {
	return &CommandList{label: label}
}

func (l *CommandList) Label() string                 { return l.label }
func (l *CommandList) IsOpen() bool                  { return l.open }
func (l *CommandList) Allocator() *CommandAllocator  { return l.alloc }
func (l *CommandList) Release()                      {}

func (l *CommandList) Reset(a *CommandAllocator) error {
	if l.open {
		return errorf("CommandList.Reset", ErrInvalidState, "%q is open", l.label)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.recording != nil {
		return errorf("CommandList.Reset", ErrInvalidState, "allocator %q is recording %q", a.label, a.recording.label)
	}
	a.recording = l
	l.alloc = a
	l.gen = a.generation
	l.start = len(a.cmds)
	l.end = l.start
	l.open = true
	l.err = nil
	return nil
}

// Close ends recording and reports the first recording error, if any.
func (l *CommandList) Close() error {
	if !l.open {
		return errorf("CommandList.Close", ErrInvalidState, "%q is not open", l.label)
	}
	a := l.alloc
	a.mu.Lock()
	l.end = len(a.cmds)
	a.recording = nil
	a.mu.Unlock()
	l.open = false
	return l.err
}

// Commands returns the recorded commands of a closed list. It fails if the
// allocator has been reset since the list was recorded.
func (l *CommandList) Commands() ([]Command, error) {
	if l.open {
		return nil, errorf("CommandList.Commands", ErrInvalidState, "%q is still open", l.label)
	}
	if l.alloc == nil {
		return nil, nil
	}
	a := l.alloc
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.generation != l.gen {
		return nil, errorf("CommandList.Commands", ErrInvalidState, "allocator %q was reset after %q was recorded", a.label, l.label)
	}
	return a.cmds[l.start:l.end:l.end], nil
}

// Len is the number of commands recorded so far.
func (l *CommandList) Len() int {
	if l.alloc == nil {
		return 0
	}
	if l.open {
		l.alloc.mu.Lock()
		defer l.alloc.mu.Unlock()
		return len(l.alloc.cmds) - l.start
	}
	return l.end - l.start
}

func (l *CommandList) record(c Command) {
	if !l.open {
		if l.err == nil {
			l.err = errorf(c.Op().String(), ErrInvalidState, "%q is closed", l.label)
		}
		return
	}
	l.alloc.mu.Lock()
	l.alloc.cmds = append(l.alloc.cmds, c)
	l.alloc.mu.Unlock()
}

func (l *CommandList) fail(op string, err error, format string, args ...any) {
	if l.err == nil {
		l.err = errorf(op, err, format, args...)
	}
}

func (l *CommandList) ResourceBarrier(barriers ...ResourceBarrier) {
	if len(barriers) == 0 {
		return
	}
	l.record(BarrierCmd{Barriers: append([]ResourceBarrier(nil), barriers...)})
}

func (l *CommandList) SetDescriptorHeaps(heaps ...*DescriptorHeap) {
	for _, h := range heaps {
		if !h.ShaderVisible() {
			l.fail("SetDescriptorHeaps", ErrInvalidArgument, "heap %q is not shader visible", h.Label())
			return
		}
	}
	l.record(SetDescriptorHeapsCmd{Heaps: append([]*DescriptorHeap(nil), heaps...)})
}

func (l *CommandList) SetComputeRootSignature(rs *RootSignature) {
	l.record(SetRootSignatureCmd{Compute: true, RootSignature: rs})
}

func (l *CommandList) SetGraphicsRootSignature(rs *RootSignature) {
	l.record(SetRootSignatureCmd{RootSignature: rs})
}

func (l *CommandList) SetComputeRootDescriptorTable(param int, base GPUDescriptorHandle) {
	l.record(SetRootDescriptorTableCmd{Compute: true, Param: param, Base: base})
}

func (l *CommandList) SetGraphicsRootDescriptorTable(param int, base GPUDescriptorHandle) {
	l.record(SetRootDescriptorTableCmd{Param: param, Base: base})
}

func (l *CommandList) SetComputeRootConstantBufferView(param int, location GPUVirtualAddress) {
	l.record(SetRootCBVCmd{Compute: true, Param: param, Location: location})
}

func (l *CommandList) SetGraphicsRootConstantBufferView(param int, location GPUVirtualAddress) {
	l.record(SetRootCBVCmd{Param: param, Location: location})
}

func (l *CommandList) SetPipelineState(p GraphicsPipeline) {
	l.record(SetPipelineCmd{Pipeline: p})
}

func (l *CommandList) SetStateObject(so StateObject) {
	l.record(SetStateObjectCmd{StateObject: so})
}

func (l *CommandList) SetRenderTarget(t Texture) {
	l.record(SetRenderTargetCmd{Target: t})
}

func (l *CommandList) SetViewport(vp Viewport) {
	l.record(SetViewportCmd{Viewport: vp})
}

func (l *CommandList) SetVertexBuffer(v VertexBufferView) {
	l.record(SetVertexBufferCmd{View: v})
}

func (l *CommandList) SetIndexBuffer(v IndexBufferView) {
	if v.Format.Size() == 0 {
		l.fail("SetIndexBuffer", ErrInvalidArgument, "unsupported index format %d", v.Format)
		return
	}
	l.record(SetIndexBufferCmd{View: v})
}

func (l *CommandList) DrawIndexed(indexCount, instanceCount, startIndex uint32, baseVertex int32, startInstance uint32) {
	l.record(DrawIndexedCmd{
		IndexCount:    indexCount,
		InstanceCount: instanceCount,
		StartIndex:    startIndex,
		BaseVertex:    baseVertex,
		StartInstance: startInstance,
	})
}

func (l *CommandList) ClearRenderTarget(t Texture, color [4]float32) {
	l.record(ClearRenderTargetCmd{Target: t, Color: color})
}

func (l *CommandList) CopyResource(dst, src Resource) {
	l.record(CopyResourceCmd{Dst: dst, Src: src})
}

func (l *CommandList) CopyBufferRegion(dst Buffer, dstOffset uint64, src Buffer, srcOffset, size uint64) {
	if dstOffset+size > dst.Size() || srcOffset+size > src.Size() {
		l.fail("CopyBufferRegion", ErrInvalidArgument, "%d bytes from %q+%d to %q+%d out of range", size, src.Label(), srcOffset, dst.Label(), dstOffset)
		return
	}
	l.record(CopyBufferRegionCmd{Dst: dst, DstOffset: dstOffset, Src: src, SrcOffset: srcOffset, Size: size})
}

func (l *CommandList) CopyBufferToTexture(dst Texture, src Buffer, srcOffset uint64, rowPitch uint32) {
	l.record(CopyBufferToTextureCmd{Dst: dst, Src: src, SrcOffset: srcOffset, RowPitch: rowPitch})
}

func (l *CommandList) BuildAccelerationStructure(desc ASBuildDesc) {
	if desc.Dest == 0 || desc.Scratch == 0 {
		l.fail("BuildAccelerationStructure", ErrInvalidArgument, "%s build without destination or scratch", desc.Inputs.Type)
		return
	}
	desc.Inputs.Geometries = append([]GeometryTriangles(nil), desc.Inputs.Geometries...)
	l.record(BuildAccelerationStructureCmd{Desc: desc})
}

func (l *CommandList) DispatchRays(desc DispatchRaysDesc) {
	l.record(DispatchRaysCmd{Desc: desc})
}

func (l *CommandList) EndQuery(heap *QueryHeap, index int) {
	if index < 0 || index >= heap.Len() {
		l.fail("EndQuery", ErrInvalidArgument, "query %d out of range for %q", index, heap.Label())
		return
	}
	l.record(EndQueryCmd{Heap: heap, Index: index})
}

func (l *CommandList) ResolveQueryData(heap *QueryHeap, first, count int, dst Buffer, dstOffset uint64) {
	if dstOffset+uint64(count)*8 > dst.Size() {
		l.fail("ResolveQueryData", ErrInvalidArgument, "%d queries overflow %q at %d", count, dst.Label(), dstOffset)
		return
	}
	l.record(ResolveQueryDataCmd{Heap: heap, First: first, Count: count, Dst: dst, DstOffset: dstOffset})
}

func (l *CommandList) Composite(dst, src Texture, x, y int) {
	l.record(CompositeCmd{Dst: dst, Src: src, X: x, Y: y})
}
