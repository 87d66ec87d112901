// Package profiler measures named GPU regions with timestamp queries. Results
// are read back one frame late so the CPU never waits on the frame it just
// submitted.
package profiler

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/gekko3d/rtframe/rt/core"
	"github.com/gekko3d/rtframe/rt/fence"
	"github.com/gekko3d/rtframe/rt/hal"
)

const (
	// MaxRegions is the number of distinct region names per profiler.
	MaxRegions = 32
	// HistorySize is the depth of the per-region sample ring.
	HistorySize = 16

	queriesPerSlot = MaxRegions * 2
	slotBytes      = queriesPerSlot * 8
	readbackWait   = 5 * time.Second
)

var ErrTooManyRegions = errors.New("profiler: too many regions")

type region struct {
	name    string
	open    bool
	last    float64
	ring    [HistorySize]float64
	n, head int
}

func (r *region) push(ms float64) {
	r.last = ms
	r.ring[r.head] = ms
	r.head = (r.head + 1) % HistorySize
	if r.n < HistorySize {
		r.n++
	}
}

// Stat summarizes one region. All values are zero before the first
// resolved sample.
type Stat struct {
	Name    string
	LastMs  float64
	AvgMs   float64
	MaxMs   float64
	Samples int
}

func (r *region) stat() Stat {
	s := Stat{Name: r.name, LastMs: r.last, Samples: r.n}
	for i := 0; i < r.n; i++ {
		v := r.ring[i]
		s.AvgMs += v
		if v > s.MaxMs {
			s.MaxMs = v
		}
	}
	if r.n > 0 {
		s.AvgMs /= float64(r.n)
	}
	return s
}

type frameSlot struct {
	fence     uint64
	submitted bool
	resolved  []int
}

type Profiler struct {
	sync *fence.Synchronizer
	log  core.Logger

	heap     *hal.QueryHeap
	readback hal.Buffer
	freq     uint64

	regions []*region
	byName  map[string]int
	slots   []frameSlot
	frame   int
}

// New creates a profiler for frames frame slots, at least two.
func New(dev hal.Device, sync *fence.Synchronizer, frames int, log core.Logger) (*Profiler, error) {
	if frames < 2 {
		return nil, fmt.Errorf("profiler: need at least 2 frame slots, got %d", frames)
	}
	freq, err := sync.Queue().TimestampFrequency()
	if err != nil {
		return nil, fmt.Errorf("profiler: timestamp frequency: %w", err)
	}
	if freq == 0 {
		return nil, fmt.Errorf("profiler: %w: zero timestamp frequency", hal.ErrUnsupported)
	}
	heap, err := hal.NewQueryHeap("profiler timestamps", frames*queriesPerSlot)
	if err != nil {
		return nil, err
	}
	rb, err := dev.CreateBuffer(hal.BufferDesc{
		Label: "profiler readback",
		Size:  uint64(frames * slotBytes),
		Heap:  hal.HeapReadback,
	})
	if err != nil {
		return nil, fmt.Errorf("profiler: readback: %w", err)
	}
	return &Profiler{
		sync:     sync,
		log:      core.OrNop(log),
		heap:     heap,
		readback: rb,
		freq:     freq,
		byName:   make(map[string]int),
		slots:    make([]frameSlot, frames),
	}, nil
}

func (p *Profiler) query(r, end int) int {
	return p.frame*queriesPerSlot + r*2 + end
}

// StartProfile records the opening timestamp of name into list.
func (p *Profiler) StartProfile(list *hal.CommandList, name string) error {
	i, ok := p.byName[name]
	if !ok {
		if len(p.regions) == MaxRegions {
			return fmt.Errorf("%w: %q exceeds %d", ErrTooManyRegions, name, MaxRegions)
		}
		i = len(p.regions)
		p.regions = append(p.regions, &region{name: name})
		p.byName[name] = i
	}
	r := p.regions[i]
	if r.open {
		return fmt.Errorf("profiler: %q started twice", name)
	}
	r.open = true
	list.EndQuery(p.heap, p.query(i, 0))
	return nil
}

// EndProfile records the closing timestamp of name and resolves the pair
// into this frame's readback region.
func (p *Profiler) EndProfile(list *hal.CommandList, name string) error {
	i, ok := p.byName[name]
	if !ok || !p.regions[i].open {
		return fmt.Errorf("profiler: %q ended without a start", name)
	}
	p.regions[i].open = false
	list.EndQuery(p.heap, p.query(i, 1))
	first := p.query(i, 0)
	list.ResolveQueryData(p.heap, first, 2, p.readback, uint64(first*8))
	s := &p.slots[p.frame]
	s.resolved = append(s.resolved, i)
	return nil
}

// EndFrame tags the current frame with the fence value of its last
// submission, then reads the previous frame's timestamps. The previous frame
// had a whole frame to finish, so the wait is normally already satisfied.
func (p *Profiler) EndFrame(fenceValue uint64) error {
	cur := &p.slots[p.frame]
	cur.fence = fenceValue
	cur.submitted = true

	prevIdx := (p.frame + len(p.slots) - 1) % len(p.slots)
	p.frame = (p.frame + 1) % len(p.slots)
	prev := &p.slots[prevIdx]
	if !prev.submitted {
		return nil
	}
	return p.collect(prev, prevIdx)
}

func (p *Profiler) collect(s *frameSlot, idx int) error {
	defer func() {
		s.submitted = false
		s.resolved = s.resolved[:0]
	}()
	if len(s.resolved) == 0 {
		return nil
	}
	if err := p.sync.WaitForValue(s.fence, readbackWait); err != nil {
		return fmt.Errorf("profiler: frame fence %d: %w", s.fence, err)
	}
	mem, err := p.readback.Map()
	if err != nil {
		return fmt.Errorf("profiler: map readback: %w", err)
	}
	defer p.readback.Unmap()
	base := idx * slotBytes
	for _, r := range s.resolved {
		at := base + r*16
		start := binary.LittleEndian.Uint64(mem[at:])
		end := binary.LittleEndian.Uint64(mem[at+8:])
		ms := 0.0
		if end > start {
			ms = float64(end-start) * 1000 / float64(p.freq)
		}
		p.regions[r].push(ms)
	}
	p.log.Debugf("profiler: slot %d resolved %d regions at fence %d", idx, len(s.resolved), s.fence)
	return nil
}

// Stat returns the summary of name.
func (p *Profiler) Stat(name string) (Stat, bool) {
	i, ok := p.byName[name]
	if !ok {
		return Stat{}, false
	}
	return p.regions[i].stat(), true
}

// Stats returns every region in first-use order.
func (p *Profiler) Stats() []Stat {
	out := make([]Stat, len(p.regions))
	for i, r := range p.regions {
		out[i] = r.stat()
	}
	return out
}

// Table renders Stats as a text table.
func (p *Profiler) Table() string {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	table.SetHeader([]string{"Region", "Last (ms)", "Avg (ms)", "Max (ms)", "Samples"})
	for _, s := range p.Stats() {
		table.Append([]string{
			s.Name,
			fmt.Sprintf("%.3f", s.LastMs),
			fmt.Sprintf("%.3f", s.AvgMs),
			fmt.Sprintf("%.3f", s.MaxMs),
			fmt.Sprintf("%d", s.Samples),
		})
	}
	table.Render()
	return buf.String()
}

func (p *Profiler) Release() {
	p.readback.Release()
	p.heap.Release()
}
