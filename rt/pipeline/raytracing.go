// Package pipeline assembles the raytracing state object, its descriptor heap
// and shader table, and the graphics pipeline of the rasterized path.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/gekko3d/rtframe/rt/core"
	"github.com/gekko3d/rtframe/rt/hal"
	"github.com/gekko3d/rtframe/rt/model"
)

// Export names of the raytracing pipeline.
const (
	ExportRayGen     = "RayGen"
	ExportMiss       = "Miss"
	ExportClosestHit = "ClosestHit"
	ExportAnyHit     = "AnyHit"
	ExportHitGroup   = "HitGroup"
)

// MaxRecursionDepth is fixed: primary rays only, no secondary TraceRay.
const MaxRecursionDepth = 1

const (
	defaultPayloadSize   = 16
	defaultAttributeSize = 8
)

// Shaders holds one compiled blob per raytracing stage. AnyHit is optional.
type Shaders struct {
	RayGen     hal.ShaderBlob
	Miss       hal.ShaderBlob
	ClosestHit hal.ShaderBlob
	AnyHit     *hal.ShaderBlob
}

// Config is everything the raytracing pipeline binds.
type Config struct {
	Label   string
	Shaders Shaders
	// MaxPayloadSize defaults to a float4 color.
	MaxPayloadSize uint32
	// MaxAttributeSize defaults to two barycentrics.
	MaxAttributeSize uint32

	Output hal.Texture
	Scene  hal.GPUVirtualAddress

	Indices     hal.Buffer
	IndexCount  uint32
	IndexFormat hal.IndexFormat
	Vertices    hal.Buffer
	VertexCount uint32

	Textures []hal.Texture

	// Constants holds one ConstantStride-byte region per frame slot.
	Constants      hal.Buffer
	ConstantStride uint64
	Frames         int
}

func (c *Config) validate() error {
	switch {
	case c.Output == nil:
		return errors.New("no output texture")
	case c.Scene == 0:
		return errors.New("no acceleration structure")
	case c.Indices == nil || c.Vertices == nil:
		return errors.New("no geometry buffers")
	case c.Constants == nil || c.Frames <= 0:
		return errors.New("no constant buffer")
	case c.IndexFormat.Size() == 0:
		return fmt.Errorf("unsupported index format %d", c.IndexFormat)
	}
	if c.ConstantStride == 0 {
		c.ConstantStride = core.SceneConstantsSize
	}
	if uint64(c.Frames)*c.ConstantStride > c.Constants.Size() {
		return fmt.Errorf("constant buffer of %d bytes cannot hold %d frames of %d", c.Constants.Size(), c.Frames, c.ConstantStride)
	}
	if c.MaxPayloadSize == 0 {
		c.MaxPayloadSize = defaultPayloadSize
	}
	if c.MaxAttributeSize == 0 {
		c.MaxAttributeSize = defaultAttributeSize
	}
	return nil
}

// HeapLayout is the slot assignment of the raytracing descriptor heap.
// Slots are packed with no spare entries.
type HeapLayout struct {
	Output    int
	Scene     int
	Indices   int
	Vertices  int
	Textures  int
	Constants int
	NumUAV    int
	NumSRV    int
	NumCBV    int
}

func NewHeapLayout(textures, frames int) HeapLayout {
	l := HeapLayout{
		Output:   0,
		Scene:    1,
		Indices:  2,
		Vertices: 3,
		Textures: 4,
		NumUAV:   1,
		NumSRV:   3 + textures,
		NumCBV:   frames,
	}
	l.Constants = l.Textures + textures
	return l
}

func (l HeapLayout) Size() int { return l.NumUAV + l.NumSRV + l.NumCBV }

// Pipeline is an assembled raytracing pipeline with its heap and table.
type Pipeline struct {
	Heap        *hal.DescriptorHeap
	HeapLayout  HeapLayout
	StateObject hal.StateObject
	Global      *hal.RootSignature
	RayGenLocal *hal.RootSignature
	HitLocal    *hal.RootSignature
	ShaderTable hal.Buffer
	Table       TableLayout

	desc   *hal.StateObjectDesc
	frames int
}

// Desc is the subobject list the state object was created from.
func (p *Pipeline) Desc() *hal.StateObjectDesc { return p.desc }

// Bind sets the heap, global root signature, per-frame constants and state
// object on list.
func (p *Pipeline) Bind(list *hal.CommandList, frame int) {
	list.SetDescriptorHeaps(p.Heap)
	list.SetComputeRootSignature(p.Global)
	list.SetComputeRootDescriptorTable(0, p.Heap.GPUHandle(p.HeapLayout.Constants+frame%p.frames))
	list.SetStateObject(p.StateObject)
}

func (p *Pipeline) DispatchDesc(width, height uint32) hal.DispatchRaysDesc {
	return p.Table.DispatchDesc(p.ShaderTable.GPUAddress(), width, height)
}

// SetOutput points the output UAV at t. Callers flush the queue first.
func (p *Pipeline) SetOutput(t hal.Texture) error {
	return p.Heap.Put(p.HeapLayout.Output, hal.UnorderedAccessView(t))
}

func (p *Pipeline) Release() {
	if p.ShaderTable != nil {
		p.ShaderTable.Release()
	}
	if p.StateObject != nil {
		p.StateObject.Release()
	}
	if p.Heap != nil {
		p.Heap.Release()
	}
}

type Assembler struct {
	dev hal.Device
	log core.Logger
}

func NewAssembler(dev hal.Device, log core.Logger) *Assembler {
	return &Assembler{dev: dev, log: core.OrNop(log)}
}

// Assemble builds the raytracing pipeline in dependency order: descriptor
// heap, one library per stage, hit group, shader config, export
// associations with their local root signatures, global root signature,
// pipeline config. It then creates the state object and writes the shader
// table.
func (a *Assembler) Assemble(cfg Config) (*Pipeline, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %s: %w", cfg.Label, err)
	}
	caps := a.dev.Caps()
	if !caps.Raytracing {
		return nil, fmt.Errorf("pipeline: %s: %w: raytracing", cfg.Label, hal.ErrUnsupported)
	}
	if err := caps.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %s: caps: %w", cfg.Label, err)
	}
	p := &Pipeline{frames: cfg.Frames}
	ok := false
	defer func() {
		if !ok {
			p.Release()
		}
	}()

	// 1. Descriptor heap.
	p.HeapLayout = NewHeapLayout(len(cfg.Textures), cfg.Frames)
	heap, err := a.dev.CreateDescriptorHeap(hal.DescriptorHeapDesc{
		Label:          cfg.Label + " heap",
		NumDescriptors: uint32(p.HeapLayout.Size()),
		ShaderVisible:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: heap: %w", err)
	}
	p.Heap = heap
	if err := a.writeHeap(p, &cfg); err != nil {
		return nil, err
	}

	desc := &hal.StateObjectDesc{Label: cfg.Label}

	// 2. One library per stage.
	desc.AddLibrary(stage(cfg.Shaders.RayGen, hal.StageRayGeneration), ExportRayGen)
	desc.AddLibrary(stage(cfg.Shaders.Miss, hal.StageMiss), ExportMiss)
	desc.AddLibrary(stage(cfg.Shaders.ClosestHit, hal.StageClosestHit), ExportClosestHit)
	hg := hal.HitGroupDesc{Name: ExportHitGroup, ClosestHit: ExportClosestHit}
	if ah := cfg.Shaders.AnyHit; ah != nil {
		desc.AddLibrary(stage(*ah, hal.StageAnyHit), ExportAnyHit)
		hg.AnyHit = ExportAnyHit
	}

	// 3. Hit group.
	desc.AddHitGroup(hg)

	// 4. Shader config.
	shaderConfig := desc.AddShaderConfig(cfg.MaxPayloadSize, cfg.MaxAttributeSize)

	// 5. Export associations.
	if p.RayGenLocal, err = rayGenSignature(p.HeapLayout); err != nil {
		return nil, err
	}
	if p.HitLocal, err = hitSignature(p.HeapLayout, len(cfg.Textures)); err != nil {
		return nil, err
	}
	desc.AddExportAssociation(shaderConfig, ExportRayGen, ExportMiss, ExportHitGroup)
	rg := desc.AddLocalRootSignature(p.RayGenLocal)
	desc.AddExportAssociation(rg, ExportRayGen)
	hit := desc.AddLocalRootSignature(p.HitLocal)
	desc.AddExportAssociation(hit, ExportHitGroup)

	// 6. Global root signature.
	if p.Global, err = globalSignature(); err != nil {
		return nil, err
	}
	desc.AddGlobalRootSignature(p.Global)

	// 7. Pipeline config.
	desc.AddPipelineConfig(MaxRecursionDepth)

	p.desc = desc
	if p.StateObject, err = a.dev.CreateStateObject(desc); err != nil {
		return nil, fmt.Errorf("pipeline: state object: %w", err)
	}

	if err := a.writeShaderTable(p, caps); err != nil {
		return nil, err
	}
	ok = true
	a.log.Infof("pipeline: %s: %d descriptors, %d subobjects, table %d bytes (stride %d)",
		cfg.Label, p.HeapLayout.Size(), len(desc.Subobjects), p.Table.Size, p.Table.Stride)
	return p, nil
}

func stage(b hal.ShaderBlob, s hal.ShaderStage) hal.ShaderBlob {
	b.Stage = s
	return b
}

func (a *Assembler) writeHeap(p *Pipeline, cfg *Config) error {
	l := p.HeapLayout
	idxStride := uint32(cfg.IndexFormat.Size())
	idxFormat := hal.FormatR32Uint
	if cfg.IndexFormat == hal.IndexUint16 {
		idxFormat = hal.FormatR16Uint
	}
	type put struct {
		slot int
		d    hal.Descriptor
	}
	puts := []put{
		{l.Output, hal.UnorderedAccessView(cfg.Output)},
		{l.Scene, hal.AccelerationStructureView(cfg.Scene)},
		{l.Indices, hal.BufferView(cfg.Indices, cfg.IndexCount, idxStride, idxFormat)},
		{l.Vertices, hal.BufferView(cfg.Vertices, cfg.VertexCount, model.VertexStride, hal.FormatUnknown)},
	}
	for i, t := range cfg.Textures {
		puts = append(puts, put{l.Textures + i, hal.TextureView(t)})
	}
	for f := 0; f < cfg.Frames; f++ {
		loc := cfg.Constants.GPUAddress() + hal.GPUVirtualAddress(uint64(f)*cfg.ConstantStride)
		puts = append(puts, put{l.Constants + f, hal.ConstantBufferView(loc, cfg.ConstantStride)})
	}
	for _, pt := range puts {
		if err := p.Heap.Put(pt.slot, pt.d); err != nil {
			return fmt.Errorf("pipeline: heap slot %d: %w", pt.slot, err)
		}
	}
	if w := p.Heap.Written(); w != p.Heap.Len() {
		return fmt.Errorf("pipeline: %d of %d heap slots written", w, p.Heap.Len())
	}
	return nil
}

// rayGenSignature binds the output UAV (u0) and the scene (t0) through a
// table rooted at the heap base.
func rayGenSignature(l HeapLayout) (*hal.RootSignature, error) {
	return hal.NewRootSignature(hal.RootSignatureDesc{
		Label: "raygen local",
		Parameters: []hal.RootParameter{{
			Type: hal.RootDescriptorTable,
			Ranges: []hal.DescriptorRange{
				{Type: hal.RangeUAV, NumDescriptors: 1, BaseShaderRegister: 0, OffsetInTable: uint32(l.Output)},
				{Type: hal.RangeSRV, NumDescriptors: 1, BaseShaderRegister: 0, OffsetInTable: uint32(l.Scene)},
			},
		}},
		Flags: hal.RootSignatureLocal,
	})
}

// hitSignature binds indices (t1), vertices (t2) and material textures
// (t3 onwards) through a table rooted at the heap base.
func hitSignature(l HeapLayout, textures int) (*hal.RootSignature, error) {
	ranges := []hal.DescriptorRange{
		{Type: hal.RangeSRV, NumDescriptors: 2, BaseShaderRegister: 1, OffsetInTable: uint32(l.Indices)},
	}
	if textures > 0 {
		ranges = append(ranges, hal.DescriptorRange{Type: hal.RangeSRV, NumDescriptors: uint32(textures), BaseShaderRegister: 3, OffsetInTable: uint32(l.Textures)})
	}
	return hal.NewRootSignature(hal.RootSignatureDesc{
		Label:      "hit group local",
		Parameters: []hal.RootParameter{{Type: hal.RootDescriptorTable, Ranges: ranges}},
		Flags:      hal.RootSignatureLocal,
	})
}

// globalSignature binds the frame's constants (b0) and the texture sampler.
func globalSignature() (*hal.RootSignature, error) {
	return hal.NewRootSignature(hal.RootSignatureDesc{
		Label: "raytracing global",
		Parameters: []hal.RootParameter{{
			Type:   hal.RootDescriptorTable,
			Ranges: []hal.DescriptorRange{{Type: hal.RangeCBV, NumDescriptors: 1, BaseShaderRegister: 0}},
		}},
		StaticSamplers: []hal.StaticSampler{{Filter: hal.FilterAnisotropic, AddressMode: hal.AddressWrap}},
	})
}

func (a *Assembler) writeShaderTable(p *Pipeline, caps hal.Caps) error {
	args := max(p.RayGenLocal.ArgumentSize(), p.HitLocal.ArgumentSize())
	p.Table = Layout(caps, args, NumRecords)
	if p.Table.Stride%caps.ShaderTableAlignment != 0 {
		return fmt.Errorf("pipeline: record stride %d does not keep tables %d-byte aligned", p.Table.Stride, caps.ShaderTableAlignment)
	}

	ids := make(map[string][]byte, NumRecords)
	for _, e := range []string{ExportRayGen, ExportMiss, ExportHitGroup} {
		id, err := p.StateObject.ShaderIdentifier(e)
		if err != nil {
			return fmt.Errorf("pipeline: identifier %s: %w", e, err)
		}
		ids[e] = id
	}

	buf, err := a.dev.CreateBuffer(hal.BufferDesc{
		Label: p.desc.Label + " shader table",
		Size:  p.Table.Size,
		Heap:  hal.HeapUpload,
		Usage: hal.BufferUsageShaderTable,
	})
	if err != nil {
		return fmt.Errorf("pipeline: shader table: %w", err)
	}
	p.ShaderTable = buf
	mem, err := buf.Map()
	if err != nil {
		return fmt.Errorf("pipeline: shader table: %w", err)
	}
	defer buf.Unmap()
	base := p.Heap.GPUStart()
	return p.Table.WriteRecords(mem, []Record{
		RecordRayGen:   {Identifier: ids[ExportRayGen], HasHeapBase: true, HeapBase: base},
		RecordMiss:     {Identifier: ids[ExportMiss]},
		RecordHitGroup: {Identifier: ids[ExportHitGroup], HasHeapBase: true, HeapBase: base},
	})
}
