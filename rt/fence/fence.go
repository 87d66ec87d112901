// Package fence pairs a command queue with a monotonic fence so callers can
// tell when GPU work behind a value has completed.
package fence

import (
	"errors"
	"fmt"
	"time"

	"github.com/gekko3d/rtframe/rt/core"
	"github.com/gekko3d/rtframe/rt/hal"
)

// Infinite disables the WaitForValue timeout.
const Infinite time.Duration = -1

var (
	// ErrGPUTimeout means the GPU did not reach a value in time. The device
	// must be treated as hung.
	ErrGPUTimeout = errors.New("fence: gpu timeout")
	// ErrNotSignaled is returned when waiting for a value no Signal produced,
	// which would never complete.
	ErrNotSignaled = errors.New("fence: value not signaled")
)

// Synchronizer owns the fence value counter of one queue. Values returned
// by Signal are strictly increasing.
type Synchronizer struct {
	dev   hal.Device
	queue hal.CommandQueue
	fence hal.Fence
	last  uint64
	log   core.Logger
}

func New(dev hal.Device, queue hal.CommandQueue, log core.Logger) (*Synchronizer, error) {
	f, err := dev.CreateFence(queue.Label()+" fence", 0)
	if err != nil {
		return nil, fmt.Errorf("fence: create: %w", err)
	}
	return &Synchronizer{dev: dev, queue: queue, fence: f, log: core.OrNop(log)}, nil
}

func (s *Synchronizer) Queue() hal.CommandQueue { return s.queue }

// Signal enqueues a GPU write of the next value behind all submitted work
// and returns that value without blocking.
func (s *Synchronizer) Signal() (uint64, error) {
	s.last++
	v := s.last
	if err := s.queue.Signal(s.fence, v); err != nil {
		return 0, fmt.Errorf("fence: signal %d: %w", v, err)
	}
	return v, nil
}

// WaitForValue blocks until the queue has completed v or timeout elapses.
func (s *Synchronizer) WaitForValue(v uint64, timeout time.Duration) error {
	if s.fence.CompletedValue() >= v {
		return nil
	}
	if v > s.last {
		return fmt.Errorf("%w: %d, last signaled %d", ErrNotSignaled, v, s.last)
	}
	var expired <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	start := time.Now()
	select {
	case <-s.fence.Notify(v):
	case <-expired:
		s.log.Errorf("fence %q: value %d not reached after %s (completed %d)", s.fence.Label(), v, timeout, s.fence.CompletedValue())
		return fmt.Errorf("%w: value %d, completed %d after %s", ErrGPUTimeout, v, s.fence.CompletedValue(), timeout)
	}
	if err := s.dev.Removed(); err != nil {
		return fmt.Errorf("fence: wait %d: %w", v, err)
	}
	if c := s.fence.CompletedValue(); c < v {
		return fmt.Errorf("fence: wait %d: woken at %d: %w", v, c, hal.ErrDeviceRemoved)
	}
	if s.log.DebugEnabled() {
		s.log.Debugf("fence %q: waited %s for %d", s.fence.Label(), time.Since(start), v)
	}
	return nil
}

// Flush drains the queue. It is for resize and teardown only.
func (s *Synchronizer) Flush() error {
	v, err := s.Signal()
	if err != nil {
		return err
	}
	return s.WaitForValue(v, Infinite)
}

func (s *Synchronizer) CompletedValue() uint64 { return s.fence.CompletedValue() }

func (s *Synchronizer) IsComplete(v uint64) bool { return s.fence.CompletedValue() >= v }

// LastSignaled is the most recent value returned by Signal.
func (s *Synchronizer) LastSignaled() uint64 { return s.last }

func (s *Synchronizer) Release() {
	s.fence.Release()
}
