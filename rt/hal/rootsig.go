package hal

import "fmt"

type RootParameterType uint8

const (
	RootDescriptorTable RootParameterType = iota
	Root32BitConstants
	RootCBV
	RootSRV
	RootUAV
)

type DescriptorRangeType uint8

const (
	RangeSRV DescriptorRangeType = iota
	RangeUAV
	RangeCBV
	RangeSampler
)

func (t DescriptorRangeType) String() string {
	switch t {
	case RangeSRV:
		return "t"
	case RangeUAV:
		return "u"
	case RangeCBV:
		return "b"
	case RangeSampler:
		return "s"
	}
	return "?"
}

// AppendAligned places a range directly after the previous one in its table.
const AppendAligned = ^uint32(0)

type DescriptorRange struct {
	Type               DescriptorRangeType
	NumDescriptors     uint32
	BaseShaderRegister uint32
	RegisterSpace      uint32
	// OffsetInTable is the slot offset from the table start, or AppendAligned.
	OffsetInTable uint32
}

type ShaderVisibility uint8

const (
	VisibilityAll ShaderVisibility = iota
	VisibilityVertex
	VisibilityPixel
)

type RootParameter struct {
	Type           RootParameterType
	Ranges         []DescriptorRange
	ShaderRegister uint32
	RegisterSpace  uint32
	Num32BitValues uint32
	Visibility     ShaderVisibility
}

type SamplerFilter uint8

const (
	FilterPoint SamplerFilter = iota
	FilterLinear
	FilterAnisotropic
)

type AddressMode uint8

const (
	AddressWrap AddressMode = iota
	AddressClamp
	AddressMirror
)

type StaticSampler struct {
	ShaderRegister uint32
	RegisterSpace  uint32
	Filter         SamplerFilter
	AddressMode    AddressMode
	Visibility     ShaderVisibility
}

type RootSignatureFlags uint32

const (
	RootSignatureAllowInputLayout RootSignatureFlags = 1 << iota
	RootSignatureLocal
)

// RootSignatureDesc lists everything a root signature binds. Local root
// signatures carry per-record arguments in the shader table.
type RootSignatureDesc struct {
	Label          string
	Parameters     []RootParameter
	StaticSamplers []StaticSampler
	Flags          RootSignatureFlags
}

func (d RootSignatureDesc) Validate() error {
	if d.Flags&RootSignatureLocal != 0 && d.Flags&RootSignatureAllowInputLayout != 0 {
		return errorf("CreateRootSignature", ErrInvalidArgument, "%q: local root signature cannot allow an input layout", d.Label)
	}
	for i, p := range d.Parameters {
		switch p.Type {
		case RootDescriptorTable:
			if len(p.Ranges) == 0 {
				return errorf("CreateRootSignature", ErrInvalidArgument, "%q: parameter %d: empty descriptor table", d.Label, i)
			}
			hasSampler, hasView := false, false
			for _, r := range p.Ranges {
				if r.NumDescriptors == 0 {
					return errorf("CreateRootSignature", ErrInvalidArgument, "%q: parameter %d: empty range", d.Label, i)
				}
				if r.Type == RangeSampler {
					hasSampler = true
				} else {
					hasView = true
				}
			}
			if hasSampler && hasView {
				return errorf("CreateRootSignature", ErrInvalidArgument, "%q: parameter %d: samplers mixed with views", d.Label, i)
			}
		case Root32BitConstants:
			if p.Num32BitValues == 0 {
				return errorf("CreateRootSignature", ErrInvalidArgument, "%q: parameter %d: zero constants", d.Label, i)
			}
		case RootCBV, RootSRV, RootUAV:
		default:
			return errorf("CreateRootSignature", ErrInvalidArgument, "%q: parameter %d: unknown type %d", d.Label, i, p.Type)
		}
	}
	return nil
}

// ArgumentSize is the number of bytes the signature's arguments occupy in a
// shader record: 8 per table or root descriptor, 4 per 32-bit constant.
func (d RootSignatureDesc) ArgumentSize() uint64 {
	var n uint64
	for _, p := range d.Parameters {
		switch p.Type {
		case Root32BitConstants:
			n += 4 * uint64(p.Num32BitValues)
		default:
			n = Align(n, 8) + 8
		}
	}
	return Align(n, 8)
}

// TableSize is the number of heap slots the descriptor table at param spans.
func (d RootSignatureDesc) TableSize(param int) uint32 {
	p := d.Parameters[param]
	var end, cursor uint32
	for _, r := range p.Ranges {
		off := r.OffsetInTable
		if off == AppendAligned {
			off = cursor
		}
		cursor = off + r.NumDescriptors
		if cursor > end {
			end = cursor
		}
	}
	return end
}

type RootSignature struct {
	desc RootSignatureDesc
}

func NewRootSignature(desc RootSignatureDesc) (*RootSignature, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return &RootSignature{desc: desc}, nil
}

func (r *RootSignature) Label() string                 { return r.desc.Label }
func (r *RootSignature) Desc() RootSignatureDesc       { return r.desc }
func (r *RootSignature) Local() bool                   { return r.desc.Flags&RootSignatureLocal != 0 }
func (r *RootSignature) ArgumentSize() uint64          { return r.desc.ArgumentSize() }
func (r *RootSignature) NumParameters() int            { return len(r.desc.Parameters) }
func (r *RootSignature) Parameter(i int) RootParameter { return r.desc.Parameters[i] }
func (r *RootSignature) Release()                      {}

// Register names a shader binding such as t1 in space0.
type Register struct {
	Type  DescriptorRangeType
	Index uint32
	Space uint32
}

func (r Register) String() string {
	return fmt.Sprintf("%s%d,space%d", r.Type, r.Index, r.Space)
}

// ResolveTable maps each register of the table at param to the descriptor
// found in heap starting at start.
func (r *RootSignature) ResolveTable(param int, heap *DescriptorHeap, start GPUDescriptorHandle) (map[Register]Descriptor, error) {
	if param < 0 || param >= len(r.desc.Parameters) {
		return nil, errorf("ResolveTable", ErrInvalidArgument, "%q has no parameter %d", r.desc.Label, param)
	}
	p := r.desc.Parameters[param]
	if p.Type != RootDescriptorTable {
		return nil, errorf("ResolveTable", ErrInvalidArgument, "%q: parameter %d is not a descriptor table", r.desc.Label, param)
	}
	first, ok := heap.IndexOf(start)
	if !ok {
		return nil, errorf("ResolveTable", ErrInvalidArgument, "handle 0x%x outside heap %q", uint64(start), heap.Label())
	}
	out := make(map[Register]Descriptor)
	var cursor uint32
	for _, rg := range p.Ranges {
		off := rg.OffsetInTable
		if off == AppendAligned {
			off = cursor
		}
		cursor = off + rg.NumDescriptors
		if rg.Type == RangeSampler {
			continue
		}
		for k := uint32(0); k < rg.NumDescriptors; k++ {
			d, ok := heap.Get(first + int(off+k))
			if !ok {
				continue
			}
			out[Register{Type: rg.Type, Index: rg.BaseShaderRegister + k, Space: rg.RegisterSpace}] = d
		}
	}
	return out, nil
}
