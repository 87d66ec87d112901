package hal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlign(t *testing.T) {
	assert.Equal(t, uint64(0), Align(0, 32))
	assert.Equal(t, uint64(64), Align(40, 32))
	assert.Equal(t, uint64(64), Align(64, 32))
	assert.Equal(t, uint64(256), Align(1, 256))
	assert.Equal(t, uint64(48), Align(40, 24))
	assert.Equal(t, uint64(7), Align(7, 0))
}

func TestCapsValidate(t *testing.T) {
	require.NoError(t, DefaultCaps().Validate())

	for name, mutate := range map[string]func(*Caps){
		"zero table alignment":   func(c *Caps) { c.ShaderTableAlignment = 0 },
		"odd record alignment":   func(c *Caps) { c.ShaderRecordAlignment = 24 },
		"zero descriptor size":   func(c *Caps) { c.DescriptorSize = 0 },
		"no identifier size":     func(c *Caps) { c.ShaderIdentifierSize = 0 },
		"no recursion":           func(c *Caps) { c.MaxTraceRecursionDepth = 0 },
		"odd constant alignment": func(c *Caps) { c.ConstantBufferAlignment = 100 },
	} {
		c := DefaultCaps()
		mutate(&c)
		assert.ErrorIs(t, c.Validate(), ErrInvalidArgument, name)
	}

	c := DefaultCaps()
	c.Raytracing = false
	c.ShaderIdentifierSize = 0
	assert.NoError(t, c.Validate(), "identifier size only matters with raytracing")
}

func TestInstanceDescPacking(t *testing.T) {
	d := InstanceDesc{
		Transform:     IdentityTransform(),
		InstanceID:    0x1234567,
		Mask:          0xFF,
		HitGroupIndex: 2,
		Flags:         InstanceForceOpaque,
		BLAS:          0x1_0001_0000,
	}
	buf := make([]byte, InstanceDescSize)
	d.Encode(buf)

	assert.Equal(t, byte(0xFF), buf[51], "mask occupies the top byte of the id word")
	got := DecodeInstanceDesc(buf)
	assert.Equal(t, uint32(0x234567), got.InstanceID, "instance id is 24 bits")
	assert.Equal(t, d.Mask, got.Mask)
	assert.Equal(t, d.HitGroupIndex, got.HitGroupIndex)
	assert.Equal(t, d.Flags, got.Flags)
	assert.Equal(t, d.BLAS, got.BLAS)
	assert.Equal(t, d.Transform, got.Transform)
}

func TestAddressSpaceResolve(t *testing.T) {
	s := NewAddressSpace()
	a := s.Reserve(100, "a")
	b := s.Reserve(300, "b")
	require.NotEqual(t, a, b)
	assert.Zero(t, uint64(a)%addressSpaceAlignment)

	obj, off, ok := s.Resolve(b + 10)
	require.True(t, ok)
	assert.Equal(t, "b", obj)
	assert.Equal(t, uint64(10), off)

	_, _, ok = s.Resolve(a + 100)
	assert.False(t, ok, "one past the end is unmapped")

	s.Free(a)
	_, _, ok = s.Resolve(a)
	assert.False(t, ok)
	assert.Equal(t, 1, s.Live())
}

func TestDescriptorHeapHandles(t *testing.T) {
	h, err := NewDescriptorHeap(DescriptorHeapDesc{Label: "heap", NumDescriptors: 4, ShaderVisible: true}, 0x1000, 32)
	require.NoError(t, err)

	assert.Equal(t, GPUDescriptorHandle(0x1000+64), h.GPUHandle(2))
	i, ok := h.IndexOf(h.GPUHandle(3))
	require.True(t, ok)
	assert.Equal(t, 3, i)
	_, ok = h.IndexOf(h.GPUHandle(4))
	assert.False(t, ok)
	_, ok = h.IndexOf(0x1000 + 5)
	assert.False(t, ok, "handles must land on a slot boundary")

	require.NoError(t, h.Put(1, ConstantBufferView(0x2000, 256)))
	assert.Error(t, h.Put(4, Descriptor{}))
	assert.Equal(t, 1, h.Written())
}

func TestRootSignatureArgumentSize(t *testing.T) {
	local := RootSignatureDesc{
		Flags: RootSignatureLocal,
		Parameters: []RootParameter{{
			Type:   RootDescriptorTable,
			Ranges: []DescriptorRange{{Type: RangeUAV, NumDescriptors: 1, OffsetInTable: AppendAligned}},
		}},
	}
	assert.Equal(t, uint64(8), local.ArgumentSize())

	mixed := RootSignatureDesc{Parameters: []RootParameter{
		{Type: Root32BitConstants, Num32BitValues: 1},
		{Type: RootCBV},
	}}
	assert.Equal(t, uint64(16), mixed.ArgumentSize())
}

func TestRootSignatureValidate(t *testing.T) {
	_, err := NewRootSignature(RootSignatureDesc{
		Label:      "bad",
		Parameters: []RootParameter{{Type: RootDescriptorTable}},
	})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewRootSignature(RootSignatureDesc{
		Label: "mixed",
		Parameters: []RootParameter{{Type: RootDescriptorTable, Ranges: []DescriptorRange{
			{Type: RangeSRV, NumDescriptors: 1},
			{Type: RangeSampler, NumDescriptors: 1},
		}}},
	})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestResolveTable(t *testing.T) {
	heap, err := NewDescriptorHeap(DescriptorHeapDesc{Label: "heap", NumDescriptors: 3, ShaderVisible: true}, 0x40, 32)
	require.NoError(t, err)
	require.NoError(t, heap.Put(0, ConstantBufferView(0x100, 256)))
	require.NoError(t, heap.Put(1, AccelerationStructureView(0x200)))
	require.NoError(t, heap.Put(2, AccelerationStructureView(0x300)))

	rs, err := NewRootSignature(RootSignatureDesc{
		Label: "table",
		Parameters: []RootParameter{{Type: RootDescriptorTable, Ranges: []DescriptorRange{
			{Type: RangeCBV, NumDescriptors: 1, OffsetInTable: AppendAligned},
			{Type: RangeSRV, NumDescriptors: 2, BaseShaderRegister: 0, OffsetInTable: AppendAligned},
		}}},
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(3), rs.Desc().TableSize(0))

	bound, err := rs.ResolveTable(0, heap, heap.GPUStart())
	require.NoError(t, err)
	assert.Equal(t, GPUVirtualAddress(0x100), bound[Register{Type: RangeCBV}].Location)
	assert.Equal(t, GPUVirtualAddress(0x300), bound[Register{Type: RangeSRV, Index: 1}].Location)
}

func TestStateObjectValidate(t *testing.T) {
	local, err := NewRootSignature(RootSignatureDesc{Label: "local", Flags: RootSignatureLocal})
	require.NoError(t, err)

	build := func() *StateObjectDesc {
		d := &StateObjectDesc{Label: "rt"}
		d.AddLibrary(ShaderBlob{Entry: "RayGen", Stage: StageRayGeneration})
		d.AddLibrary(ShaderBlob{Entry: "Miss", Stage: StageMiss})
		d.AddLibrary(ShaderBlob{Entry: "ClosestHit", Stage: StageClosestHit})
		d.AddHitGroup(HitGroupDesc{Name: "HitGroup", ClosestHit: "ClosestHit"})
		cfg := d.AddShaderConfig(16, 8)
		d.AddExportAssociation(cfg, "RayGen", "Miss", "HitGroup")
		rs := d.AddLocalRootSignature(local)
		d.AddExportAssociation(rs, "RayGen", "HitGroup")
		d.AddPipelineConfig(1)
		return d
	}

	d := build()
	require.NoError(t, d.Validate(DefaultCaps()))
	assert.Equal(t, []string{"RayGen", "Miss", "ClosestHit", "HitGroup"}, d.Exports())
	assert.Same(t, local, d.LocalRootSignatureFor("HitGroup"))
	assert.Nil(t, d.LocalRootSignatureFor("Miss"))

	d = build()
	d.AddHitGroup(HitGroupDesc{Name: "Broken", ClosestHit: "Missing"})
	assert.ErrorIs(t, d.Validate(DefaultCaps()), ErrInvalidArgument)

	d = build()
	d.AddPipelineConfig(1)
	assert.ErrorIs(t, d.Validate(DefaultCaps()), ErrInvalidArgument, "two pipeline configs")

	d = build()
	d.AddExportAssociation(len(d.Subobjects)+3, "RayGen")
	assert.ErrorIs(t, d.Validate(DefaultCaps()), ErrInvalidArgument, "forward reference")
}
