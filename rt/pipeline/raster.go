package pipeline

import (
	"fmt"

	"github.com/gekko3d/rtframe/rt/core"
	"github.com/gekko3d/rtframe/rt/hal"
	"github.com/gekko3d/rtframe/rt/model"
)

type RasterConfig struct {
	Label  string
	VS     hal.ShaderBlob
	PS     hal.ShaderBlob
	Format hal.Format
	// Constants holds Frames regions of ConstantStride bytes, one per frame
	// slot.
	Constants      hal.Buffer
	ConstantStride uint64
	Frames         int
}

// RasterPipeline draws model vertices. The frame constants (b0) are bound
// through a one-range descriptor table into a heap of one CBV per frame.
type RasterPipeline struct {
	RootSignature *hal.RootSignature
	PSO           hal.GraphicsPipeline
	Heap          *hal.DescriptorHeap
	frames        int
}

// VertexLayout is the input layout matching model.VertexStride vertices.
func VertexLayout() []hal.InputElement {
	return []hal.InputElement{
		{Semantic: "POSITION", Format: hal.FormatR32G32B32Float, Offset: model.PositionOffset},
		{Semantic: "NORMAL", Format: hal.FormatR32G32B32Float, Offset: model.NormalOffset},
		{Semantic: "TANGENT", Format: hal.FormatR32G32B32Float, Offset: model.TangentOffset},
		{Semantic: "BINORMAL", Format: hal.FormatR32G32B32Float, Offset: model.BinormalOffset},
		{Semantic: "TEXCOORD", Format: hal.FormatR32G32Float, Offset: model.UVOffset},
	}
}

func (a *Assembler) Raster(cfg RasterConfig) (*RasterPipeline, error) {
	if cfg.Format == hal.FormatUnknown {
		cfg.Format = hal.FormatRGBA8Unorm
	}
	if cfg.Constants == nil || cfg.Frames <= 0 {
		return nil, fmt.Errorf("pipeline: %s: no frame constants", cfg.Label)
	}
	if cfg.ConstantStride == 0 {
		cfg.ConstantStride = core.SceneConstantsSize
	}
	if need := uint64(cfg.Frames) * cfg.ConstantStride; cfg.Constants.Size() < need {
		return nil, fmt.Errorf("pipeline: %s: constant buffer of %d bytes cannot hold %d frames", cfg.Label, cfg.Constants.Size(), cfg.Frames)
	}

	heap, err := a.dev.CreateDescriptorHeap(hal.DescriptorHeapDesc{
		Label:          cfg.Label + " heap",
		NumDescriptors: uint32(cfg.Frames),
		ShaderVisible:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: %s: %w", cfg.Label, err)
	}
	for f := 0; f < cfg.Frames; f++ {
		loc := cfg.Constants.GPUAddress() + hal.GPUVirtualAddress(uint64(f)*cfg.ConstantStride)
		if err := heap.Put(f, hal.ConstantBufferView(loc, cfg.ConstantStride)); err != nil {
			heap.Release()
			return nil, fmt.Errorf("pipeline: %s: heap slot %d: %w", cfg.Label, f, err)
		}
	}
	rs, err := hal.NewRootSignature(hal.RootSignatureDesc{
		Label: cfg.Label + " root signature",
		Parameters: []hal.RootParameter{{
			Type:   hal.RootDescriptorTable,
			Ranges: []hal.DescriptorRange{{Type: hal.RangeCBV, NumDescriptors: 1, BaseShaderRegister: 0}},
		}},
		StaticSamplers: []hal.StaticSampler{{Filter: hal.FilterLinear, AddressMode: hal.AddressWrap, Visibility: hal.VisibilityPixel}},
		Flags:          hal.RootSignatureAllowInputLayout,
	})
	if err != nil {
		heap.Release()
		return nil, fmt.Errorf("pipeline: %s: %w", cfg.Label, err)
	}
	pso, err := a.dev.CreateGraphicsPipeline(hal.GraphicsPipelineDesc{
		Label:         cfg.Label,
		RootSignature: rs,
		VS:            stage(cfg.VS, hal.StageVertex),
		PS:            stage(cfg.PS, hal.StagePixel),
		InputLayout:   VertexLayout(),
		RTVFormat:     cfg.Format,
		DepthTest:     true,
		CullBackFaces: true,
	})
	if err != nil {
		rs.Release()
		heap.Release()
		return nil, fmt.Errorf("pipeline: %s: %w", cfg.Label, err)
	}
	return &RasterPipeline{RootSignature: rs, PSO: pso, Heap: heap, frames: cfg.Frames}, nil
}

// Bind sets the heap, root signature, pipeline and the constants table of
// frame slot frame.
func (r *RasterPipeline) Bind(list *hal.CommandList, frame int) {
	list.SetDescriptorHeaps(r.Heap)
	list.SetGraphicsRootSignature(r.RootSignature)
	list.SetPipelineState(r.PSO)
	list.SetGraphicsRootDescriptorTable(0, r.Heap.GPUHandle(frame%r.frames))
}

func (r *RasterPipeline) Release() {
	r.PSO.Release()
	r.RootSignature.Release()
	r.Heap.Release()
}
