package hal

import "fmt"

type Op uint8

const (
	OpBarrier Op = iota
	OpSetDescriptorHeaps
	OpSetRootSignature
	OpSetRootDescriptorTable
	OpSetRootCBV
	OpSetPipeline
	OpSetStateObject
	OpSetRenderTarget
	OpSetViewport
	OpSetVertexBuffer
	OpSetIndexBuffer
	OpDrawIndexed
	OpClearRenderTarget
	OpCopyResource
	OpCopyBufferRegion
	OpCopyBufferToTexture
	OpBuildAccelerationStructure
	OpDispatchRays
	OpEndQuery
	OpResolveQueryData
	OpComposite
)

var opNames = [...]string{
	OpBarrier:                    "ResourceBarrier",
	OpSetDescriptorHeaps:         "SetDescriptorHeaps",
	OpSetRootSignature:           "SetRootSignature",
	OpSetRootDescriptorTable:     "SetRootDescriptorTable",
	OpSetRootCBV:                 "SetRootConstantBufferView",
	OpSetPipeline:                "SetPipelineState",
	OpSetStateObject:             "SetStateObject",
	OpSetRenderTarget:            "SetRenderTarget",
	OpSetViewport:                "SetViewport",
	OpSetVertexBuffer:            "SetVertexBuffer",
	OpSetIndexBuffer:             "SetIndexBuffer",
	OpDrawIndexed:                "DrawIndexed",
	OpClearRenderTarget:          "ClearRenderTarget",
	OpCopyResource:               "CopyResource",
	OpCopyBufferRegion:           "CopyBufferRegion",
	OpCopyBufferToTexture:        "CopyBufferToTexture",
	OpBuildAccelerationStructure: "BuildAccelerationStructure",
	OpDispatchRays:               "DispatchRays",
	OpEndQuery:                   "EndQuery",
	OpResolveQueryData:           "ResolveQueryData",
	OpComposite:                  "Composite",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Command is one recorded entry of a command list.
type Command interface {
	Op() Op
}

type BarrierCmd struct{ Barriers []ResourceBarrier }

type SetDescriptorHeapsCmd struct{ Heaps []*DescriptorHeap }

type SetRootSignatureCmd struct {
	Compute       bool
	RootSignature *RootSignature
}

type SetRootDescriptorTableCmd struct {
	Compute bool
	Param   int
	Base    GPUDescriptorHandle
}

type SetRootCBVCmd struct {
	Compute  bool
	Param    int
	Location GPUVirtualAddress
}

type SetPipelineCmd struct{ Pipeline GraphicsPipeline }

type SetStateObjectCmd struct{ StateObject StateObject }

type SetRenderTargetCmd struct{ Target Texture }

type SetViewportCmd struct{ Viewport Viewport }

type SetVertexBufferCmd struct{ View VertexBufferView }

type SetIndexBufferCmd struct{ View IndexBufferView }

type DrawIndexedCmd struct {
	IndexCount    uint32
	InstanceCount uint32
	StartIndex    uint32
	BaseVertex    int32
	StartInstance uint32
}

type ClearRenderTargetCmd struct {
	Target Texture
	Color  [4]float32
}

type CopyResourceCmd struct{ Dst, Src Resource }

type CopyBufferRegionCmd struct {
	Dst       Buffer
	DstOffset uint64
	Src       Buffer
	SrcOffset uint64
	Size      uint64
}

type CopyBufferToTextureCmd struct {
	Dst       Texture
	Src       Buffer
	SrcOffset uint64
	RowPitch  uint32
}

type BuildAccelerationStructureCmd struct{ Desc ASBuildDesc }

type DispatchRaysCmd struct{ Desc DispatchRaysDesc }

type EndQueryCmd struct {
	Heap  *QueryHeap
	Index int
}

type ResolveQueryDataCmd struct {
	Heap      *QueryHeap
	First     int
	Count     int
	Dst       Buffer
	DstOffset uint64
}

// CompositeCmd alpha-blends Src over Dst with its top-left corner at X, Y.
type CompositeCmd struct {
	Dst  Texture
	Src  Texture
	X, Y int
}

func (BarrierCmd) Op() Op                    { return OpBarrier }
func (SetDescriptorHeapsCmd) Op() Op         { return OpSetDescriptorHeaps }
func (SetRootSignatureCmd) Op() Op           { return OpSetRootSignature }
func (SetRootDescriptorTableCmd) Op() Op     { return OpSetRootDescriptorTable }
func (SetRootCBVCmd) Op() Op                 { return OpSetRootCBV }
func (SetPipelineCmd) Op() Op                { return OpSetPipeline }
func (SetStateObjectCmd) Op() Op             { return OpSetStateObject }
func (SetRenderTargetCmd) Op() Op            { return OpSetRenderTarget }
func (SetViewportCmd) Op() Op                { return OpSetViewport }
func (SetVertexBufferCmd) Op() Op            { return OpSetVertexBuffer }
func (SetIndexBufferCmd) Op() Op             { return OpSetIndexBuffer }
func (DrawIndexedCmd) Op() Op                { return OpDrawIndexed }
func (ClearRenderTargetCmd) Op() Op          { return OpClearRenderTarget }
func (CopyResourceCmd) Op() Op               { return OpCopyResource }
func (CopyBufferRegionCmd) Op() Op           { return OpCopyBufferRegion }
func (CopyBufferToTextureCmd) Op() Op        { return OpCopyBufferToTexture }
func (BuildAccelerationStructureCmd) Op() Op { return OpBuildAccelerationStructure }
func (DispatchRaysCmd) Op() Op               { return OpDispatchRays }
func (EndQueryCmd) Op() Op                   { return OpEndQuery }
func (ResolveQueryDataCmd) Op() Op           { return OpResolveQueryData }
func (CompositeCmd) Op() Op                  { return OpComposite }
