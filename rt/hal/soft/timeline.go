package soft

import (
	"time"
)

// Timeline is the clock queue work completes against. The device calls
// Retire on its queue worker after each executed batch.
type Timeline interface {
	// Retire blocks until all work executed so far has completed.
	Retire() error
	Ticks() uint64
	Frequency() uint64
	Close()
}

// DefaultTimestampFrequency matches common desktop GPU timestamp rates.
const DefaultTimestampFrequency = 10_000_000

// HostTimeline completes work on the host clock, optionally holding each
// batch for a fixed latency to emulate GPU execution time.
type HostTimeline struct {
	Latency   time.Duration
	frequency uint64
	start     time.Time
}

func NewHostTimeline(latency time.Duration, frequency uint64) *HostTimeline {
	if frequency == 0 {
		frequency = DefaultTimestampFrequency
	}
	return &HostTimeline{Latency: latency, frequency: frequency, start: time.Now()}
}

func (t *HostTimeline) Retire() error {
	if t.Latency > 0 {
		time.Sleep(t.Latency)
	}
	return nil
}

func (t *HostTimeline) Ticks() uint64 {
	ns := uint64(time.Since(t.start).Nanoseconds())
	sec := uint64(time.Second)
	return ns/sec*t.frequency + ns%sec*t.frequency/sec
}

func (t *HostTimeline) Frequency() uint64 { return t.frequency }
func (t *HostTimeline) Close()            {}
