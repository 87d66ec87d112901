package soft

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gekko3d/rtframe/rt/hal"
)

type itemKind uint8

const (
	itemExecute itemKind = iota
	itemSignal
	itemPresent
)

type item struct {
	kind  itemKind
	lists []*hal.CommandList
	cmds  [][]hal.Command
	// allocs are captured at submission; a list may be reset onto another
	// allocator before the batch retires.
	allocs []*hal.CommandAllocator

	fence *fence
	value uint64

	tex          *texture
	syncInterval int
	flags        hal.PresentFlags
}

// queue executes items in submission order on its own goroutine.
type queue struct {
	dev   *Device
	label string
	exec  *executor

	mu     sync.Mutex
	cond   *sync.Cond
	items  []item
	busy   bool
	closed atomic.Bool
	done   chan struct{}
}

func newQueue(d *Device, label string) *queue {
	q := &queue{dev: d, label: label, done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	q.exec = newExecutor(d)
	return q
}

func (q *queue) Label() string { return q.label }

func (q *queue) ExecuteCommandLists(lists ...*hal.CommandList) error {
	const op = "ExecuteCommandLists"
	if err := q.dev.checkRemoved(op); err != nil {
		return err
	}
	it := item{
		kind:   itemExecute,
		lists:  lists,
		cmds:   make([][]hal.Command, len(lists)),
		allocs: make([]*hal.CommandAllocator, len(lists)),
	}
	for i, l := range lists {
		if l.Allocator() == nil {
			return &hal.Error{Op: op, Err: fmt.Errorf("%w: %q was never recorded", hal.ErrInvalidState, l.Label())}
		}
		cmds, err := l.Commands()
		if err != nil {
			return err
		}
		it.cmds[i] = cmds
		it.allocs[i] = l.Allocator()
	}
	for _, a := range it.allocs {
		a.BeginExecution()
	}
	return q.push(op, it)
}

func (q *queue) Signal(f hal.Fence, v uint64) error {
	const op = "Signal"
	if err := q.dev.checkRemoved(op); err != nil {
		return err
	}
	sf, ok := f.(*fence)
	if !ok {
		return &hal.Error{Op: op, Err: fmt.Errorf("%w: fence from another device", hal.ErrInvalidArgument)}
	}
	return q.push(op, item{kind: itemSignal, fence: sf, value: v})
}

func (q *queue) TimestampFrequency() (uint64, error) {
	if err := q.dev.checkRemoved("TimestampFrequency"); err != nil {
		return 0, err
	}
	return q.dev.timeline.Frequency(), nil
}

func (q *queue) push(op string, it item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed.Load() {
		finish(it)
		return &hal.Error{Op: op, Err: fmt.Errorf("%w: queue %q released", hal.ErrInvalidState, q.label)}
	}
	q.items = append(q.items, it)
	q.cond.Signal()
	return nil
}

func (q *queue) idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0 && !q.busy
}

func (q *queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed.Load() {
			q.cond.Wait()
		}
		if q.closed.Load() {
			q.mu.Unlock()
			return
		}
		it := q.items[0]
		q.items[0] = item{}
		q.items = q.items[1:]
		// A signal carries no work, so waiters woken by it see an idle queue.
		q.busy = it.kind != itemSignal
		q.mu.Unlock()

		q.dev.waitUnpaused(q)
		if q.dev.Removed() == nil && !q.closed.Load() {
			q.process(it)
		}
		finish(it)

		q.mu.Lock()
		q.busy = false
		q.mu.Unlock()
	}
}

func (q *queue) process(it item) {
	d := q.dev
	switch it.kind {
	case itemExecute:
		labels := make([]string, len(it.lists))
		for i, cmds := range it.cmds {
			labels[i] = it.lists[i].Label()
			q.exec.run(labels[i], cmds)
		}
		if err := d.timeline.Retire(); err != nil {
			d.Remove(err)
			return
		}
		d.record(Event{Kind: EventExecute, Queue: q.label, Label: strings.Join(labels, ",")})
	case itemSignal:
		it.fence.set(it.value)
		d.record(Event{Kind: EventSignal, Queue: q.label, Label: it.fence.label, Value: it.value})
	case itemPresent:
		if s, ok := d.state(it.tex); ok && s != hal.StatePresent {
			d.invalid("present %q: back buffer is in %s, want %s", it.tex.Label(), s, hal.StatePresent)
		}
		img := it.tex.Image()
		d.mu.Lock()
		d.presented = img
		d.mu.Unlock()
		if p := d.opts.Presenter; p != nil {
			if err := p.Present(img, it.syncInterval); err != nil {
				d.Remove(fmt.Errorf("present: %w", err))
				return
			}
		}
		d.record(Event{Kind: EventPresent, Queue: q.label, Label: it.tex.Label(), Value: uint64(it.syncInterval), Flags: it.flags})
	}
}

// finish returns the allocators of an execute item, whether it ran or was
// dropped.
func finish(it item) {
	if it.kind != itemExecute {
		return
	}
	for _, a := range it.allocs {
		a.EndExecution()
	}
}

// drop discards queued work after device removal.
func (q *queue) drop() {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	for _, it := range items {
		finish(it)
	}
}

func (q *queue) Release() {
	q.mu.Lock()
	if q.closed.Load() {
		q.mu.Unlock()
		return
	}
	q.closed.Store(true)
	items := q.items
	q.items = nil
	q.cond.Broadcast()
	q.mu.Unlock()
	for _, it := range items {
		finish(it)
	}
	q.dev.mu.Lock()
	q.dev.resume.Broadcast()
	q.dev.mu.Unlock()
	<-q.done
}
