package soft

import (
	"sync"
)

type waiter struct {
	value uint64
	ch    chan struct{}
}

type fence struct {
	label   string
	mu      sync.Mutex
	value   uint64
	waiters []waiter
	lost    bool
}

func newFence(label string, initial uint64) *fence {
	return &fence{label: label, value: initial}
}

func (f *fence) Label() string { return f.label }

func (f *fence) CompletedValue() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

func (f *fence) Notify(v uint64) <-chan struct{} {
	ch := make(chan struct{})
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.value >= v || f.lost {
		close(ch)
		return ch
	}
	f.waiters = append(f.waiters, waiter{value: v, ch: ch})
	return ch
}

func (f *fence) set(v uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v > f.value {
		f.value = v
	}
	kept := f.waiters[:0]
	for _, w := range f.waiters {
		if w.value <= f.value {
			close(w.ch)
		} else {
			kept = append(kept, w)
		}
	}
	f.waiters = kept
}

// lose wakes every waiter without advancing the value. Waiters must check
// the completed value and the device state after waking.
func (f *fence) lose() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lost = true
	for _, w := range f.waiters {
		close(w.ch)
	}
	f.waiters = nil
}

func (f *fence) Release() {}
