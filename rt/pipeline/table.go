package pipeline

import (
	"encoding/binary"
	"fmt"

	"github.com/gekko3d/rtframe/rt/hal"
)

// Record roles of the fixed shader table.
const (
	RecordRayGen = iota
	RecordMiss
	RecordHitGroup
	NumRecords
)

// TableLayout describes a shader table of fixed-stride records.
type TableLayout struct {
	IdentifierSize uint64
	ArgumentSize   uint64
	Stride         uint64
	Size           uint64
	Records        int
}

// Layout computes the record stride and table size for records entries
// carrying argSize bytes of local root arguments each:
//
//	stride = align(identifierSize + argSize, recordAlignment)
//	size   = align(records * stride, tableAlignment)
func Layout(caps hal.Caps, argSize uint64, records int) TableLayout {
	stride := hal.Align(caps.ShaderIdentifierSize+argSize, caps.ShaderRecordAlignment)
	return TableLayout{
		IdentifierSize: caps.ShaderIdentifierSize,
		ArgumentSize:   argSize,
		Stride:         stride,
		Size:           hal.Align(uint64(records)*stride, caps.ShaderTableAlignment),
		Records:        records,
	}
}

func (l TableLayout) Offset(record int) uint64 { return uint64(record) * l.Stride }

// Record is one shader table entry: an identifier followed by the heap
// base pointer when HasHeapBase is set.
type Record struct {
	Identifier  []byte
	HasHeapBase bool
	HeapBase    hal.GPUDescriptorHandle
}

// WriteRecords encodes records into dst, which must hold l.Size bytes.
func (l TableLayout) WriteRecords(dst []byte, records []Record) error {
	if uint64(len(dst)) < l.Size {
		return fmt.Errorf("pipeline: shader table needs %d bytes, have %d", l.Size, len(dst))
	}
	if len(records) > l.Records {
		return fmt.Errorf("pipeline: %d records for a %d-record table", len(records), l.Records)
	}
	clear(dst[:l.Size])
	for i, r := range records {
		if uint64(len(r.Identifier)) != l.IdentifierSize {
			return fmt.Errorf("pipeline: record %d identifier is %d bytes, want %d", i, len(r.Identifier), l.IdentifierSize)
		}
		at := l.Offset(i)
		copy(dst[at:], r.Identifier)
		if r.HasHeapBase {
			if l.ArgumentSize < 8 {
				return fmt.Errorf("pipeline: record %d has arguments but the layout reserves none", i)
			}
			binary.LittleEndian.PutUint64(dst[at+l.IdentifierSize:], uint64(r.HeapBase))
		}
	}
	return nil
}

// DispatchDesc addresses the three fixed records of a table at base.
func (l TableLayout) DispatchDesc(base hal.GPUVirtualAddress, width, height uint32) hal.DispatchRaysDesc {
	at := func(i int) hal.GPUVirtualAddress { return base + hal.GPUVirtualAddress(l.Offset(i)) }
	return hal.DispatchRaysDesc{
		RayGeneration:   hal.GPUAddressRange{Start: at(RecordRayGen), Size: l.Stride},
		MissShaderTable: hal.GPUAddressRangeAndStride{Start: at(RecordMiss), Size: l.Stride, Stride: l.Stride},
		HitGroupTable:   hal.GPUAddressRangeAndStride{Start: at(RecordHitGroup), Size: l.Stride, Stride: l.Stride},
		Width:           width,
		Height:          height,
		Depth:           1,
	}
}
