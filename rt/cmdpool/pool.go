// Package cmdpool recycles command allocators and lists behind fence values
// so an allocator is never reset while the GPU still executes from it.
package cmdpool

import (
	"errors"
	"fmt"

	"github.com/gekko3d/rtframe/rt/core"
	"github.com/gekko3d/rtframe/rt/fence"
	"github.com/gekko3d/rtframe/rt/hal"
)

var ErrUnknownList = errors.New("cmdpool: list was not acquired from this pool")

type entry struct {
	alloc *hal.CommandAllocator
	value uint64
}

type Stats struct {
	AllocatorsCreated int
	AllocatorsReused  int
	ListsCreated      int
	Discarded         int
	InFlight          int
}

// Pool hands out ready-to-record command lists. Allocators return to a FIFO
// tagged with the fence value of their submission. Fence values complete in
// submission order, so only the front of the FIFO is ever checked.
type Pool struct {
	sync    *fence.Synchronizer
	label   string
	log     core.Logger
	recycle []entry
	lists   []*hal.CommandList
	open    map[*hal.CommandList]*hal.CommandAllocator
	stats   Stats
}

func New(s *fence.Synchronizer, label string, log core.Logger) *Pool {
	return &Pool{
		sync:  s,
		label: label,
		log:   core.OrNop(log),
		open:  make(map[*hal.CommandList]*hal.CommandAllocator),
	}
}

// AcquireCommandList returns an open list recording into either the oldest
// allocator, if its fence value has completed, or a new one.
func (p *Pool) AcquireCommandList() (*hal.CommandList, error) {
	var alloc *hal.CommandAllocator
	if len(p.recycle) > 0 && p.sync.IsComplete(p.recycle[0].value) {
		alloc = p.recycle[0].alloc
		p.recycle[0] = entry{}
		p.recycle = p.recycle[1:]
		if err := alloc.Reset(); err != nil {
			return nil, fmt.Errorf("cmdpool: reset %q: %w", alloc.Label(), err)
		}
		p.stats.AllocatorsReused++
	} else {
		alloc = hal.NewCommandAllocator(fmt.Sprintf("%s allocator %d", p.label, p.stats.AllocatorsCreated))
		p.stats.AllocatorsCreated++
		p.log.Debugf("cmdpool %s: new allocator, %d in flight", p.label, len(p.recycle))
	}

	var list *hal.CommandList
	if n := len(p.lists); n > 0 {
		list = p.lists[n-1]
		p.lists = p.lists[:n-1]
	} else {
		list = hal.NewCommandList(fmt.Sprintf("%s list %d", p.label, p.stats.ListsCreated))
		p.stats.ListsCreated++
	}
	if err := list.Reset(alloc); err != nil {
		return nil, fmt.Errorf("cmdpool: reset %q: %w", list.Label(), err)
	}
	p.open[list] = alloc
	return list, nil
}

// SubmitAndTag closes and executes list, signals the queue and requeues the
// allocator under the returned fence value.
func (p *Pool) SubmitAndTag(list *hal.CommandList) (uint64, error) {
	alloc, ok := p.open[list]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownList, list.Label())
	}
	delete(p.open, list)
	defer func() { p.lists = append(p.lists, list) }()

	if err := list.Close(); err != nil {
		p.recycle = append(p.recycle, entry{alloc: alloc, value: p.sync.LastSignaled()})
		return 0, fmt.Errorf("cmdpool: close %q: %w", list.Label(), err)
	}
	if err := p.sync.Queue().ExecuteCommandLists(list); err != nil {
		p.recycle = append(p.recycle, entry{alloc: alloc, value: p.sync.LastSignaled()})
		return 0, fmt.Errorf("cmdpool: execute %q: %w", list.Label(), err)
	}
	v, err := p.sync.Signal()
	if err != nil {
		return 0, err
	}
	p.recycle = append(p.recycle, entry{alloc: alloc, value: v})
	return v, nil
}

// Discard closes an acquired list without executing it. Its allocator goes
// back to the FIFO behind the last signaled value.
func (p *Pool) Discard(list *hal.CommandList) {
	alloc, ok := p.open[list]
	if !ok {
		return
	}
	delete(p.open, list)
	if err := list.Close(); err != nil {
		p.log.Debugf("cmdpool %s: discarded %q: %v", p.label, list.Label(), err)
	}
	p.recycle = append(p.recycle, entry{alloc: alloc, value: p.sync.LastSignaled()})
	p.lists = append(p.lists, list)
	p.stats.Discarded++
}

func (p *Pool) Stats() Stats {
	s := p.stats
	for _, e := range p.recycle {
		if !p.sync.IsComplete(e.value) {
			s.InFlight++
		}
	}
	return s
}

// Release drops every pooled object. Callers flush the queue first.
func (p *Pool) Release() {
	for _, e := range p.recycle {
		if !p.sync.IsComplete(e.value) {
			p.log.Warnf("cmdpool %s: releasing allocator %q before fence %d completed", p.label, e.alloc.Label(), e.value)
		}
		e.alloc.Release()
	}
	for _, l := range p.lists {
		l.Release()
	}
	for l, a := range p.open {
		l.Release()
		a.Release()
	}
	p.recycle, p.lists = nil, nil
	clear(p.open)
}
