package hal

import (
	"sort"
	"sync"
)

const (
	addressSpaceBase      = 0x1_0000_0000
	addressSpaceAlignment = 64 * 1024
)

type allocation struct {
	base GPUVirtualAddress
	size uint64
	obj  any
}

// AddressSpace hands out non-overlapping GPU virtual address ranges and maps
// addresses back to the object that owns them. Ranges are never reused.
type AddressSpace struct {
	mu     sync.RWMutex
	next   uint64
	allocs []allocation
}

func NewAddressSpace() *AddressSpace {
	return &AddressSpace{next: addressSpaceBase}
}

func (s *AddressSpace) Reserve(size uint64, obj any) GPUVirtualAddress {
	if size == 0 {
		size = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	base := GPUVirtualAddress(s.next)
	s.next = Align(s.next+size, addressSpaceAlignment)
	s.allocs = append(s.allocs, allocation{base: base, size: size, obj: obj})
	return base
}

// Resolve returns the owner of va and the offset of va inside its range.
func (s *AddressSpace) Resolve(va GPUVirtualAddress) (any, uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := sort.Search(len(s.allocs), func(i int) bool {
		return s.allocs[i].base+GPUVirtualAddress(s.allocs[i].size) > va
	})
	if i == len(s.allocs) || s.allocs[i].base > va {
		return nil, 0, false
	}
	a := s.allocs[i]
	return a.obj, uint64(va - a.base), true
}

func (s *AddressSpace) Free(va GPUVirtualAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.allocs), func(i int) bool { return s.allocs[i].base >= va })
	if i < len(s.allocs) && s.allocs[i].base == va {
		s.allocs = append(s.allocs[:i], s.allocs[i+1:]...)
	}
}

func (s *AddressSpace) Live() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.allocs)
}
