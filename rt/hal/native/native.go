// Package native completes the software device's work against a real GPU
// queue opened through the gogpu HAL. Every executed batch is followed by a
// submission on the native queue, so fence values advance at the pace of
// that queue, and timestamps tick at its timestamp period.
package native

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	_ "github.com/gogpu/wgpu/hal/noop"
	_ "github.com/gogpu/wgpu/hal/vulkan"

	"github.com/gekko3d/rtframe/rt/core"
	"github.com/gekko3d/rtframe/rt/hal/soft"
)

var (
	ErrNoBackend = errors.New("native: backend not available")
	ErrNoAdapter = errors.New("native: no matching adapter")
)

const (
	defaultTimeout = 5 * time.Second
	pollInterval   = 50 * time.Microsecond
)

var backendNames = map[string]gputypes.Backend{
	"noop":   gputypes.BackendEmpty,
	"empty":  gputypes.BackendEmpty,
	"vulkan": gputypes.BackendVulkan,
	"metal":  gputypes.BackendMetal,
	"dx12":   gputypes.BackendDX12,
	"gl":     gputypes.BackendGL,
}

// ParseBackend accepts noop, vulkan, metal, dx12 and gl.
func ParseBackend(s string) (gputypes.Backend, error) {
	b, ok := backendNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("native: unknown backend %q", s)
	}
	return b, nil
}

// Backends lists the registered backends.
func Backends() []gputypes.Backend { return hal.AvailableBackends() }

type Adapter struct {
	Index   int
	Name    string
	Vendor  string
	Driver  string
	Type    gputypes.DeviceType
	Backend gputypes.Backend
}

func adapterOf(i int, a hal.ExposedAdapter) Adapter {
	return Adapter{
		Index:   i,
		Name:    a.Info.Name,
		Vendor:  a.Info.Vendor,
		Driver:  a.Info.Driver,
		Type:    a.Info.DeviceType,
		Backend: a.Info.Backend,
	}
}

func instance(b gputypes.Backend) (hal.Instance, error) {
	backend, ok := hal.GetBackend(b)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoBackend, b)
	}
	inst, err := backend.CreateInstance(&hal.InstanceDescriptor{})
	if err != nil {
		return nil, fmt.Errorf("native: %s instance: %w", b, err)
	}
	return inst, nil
}

// Adapters enumerates the adapters of backend b.
func Adapters(b gputypes.Backend) ([]Adapter, error) {
	inst, err := instance(b)
	if err != nil {
		return nil, err
	}
	defer inst.Destroy()
	exposed := inst.EnumerateAdapters(nil)
	out := make([]Adapter, len(exposed))
	for i, a := range exposed {
		out[i] = adapterOf(i, a)
	}
	return out, nil
}

// pick returns the first adapter whose name contains name. Without a name
// it prefers a discrete GPU, then an integrated one, then the first.
func pick(adapters []hal.ExposedAdapter, name string) (int, bool) {
	if name != "" {
		name = strings.ToLower(name)
		for i := range adapters {
			if strings.Contains(strings.ToLower(adapters[i].Info.Name), name) {
				return i, true
			}
		}
		return 0, false
	}
	if len(adapters) == 0 {
		return 0, false
	}
	for _, want := range []gputypes.DeviceType{gputypes.DeviceTypeDiscreteGPU, gputypes.DeviceTypeIntegratedGPU} {
		for i := range adapters {
			if adapters[i].Info.DeviceType == want {
				return i, true
			}
		}
	}
	return 0, true
}

type Options struct {
	Backend gputypes.Backend
	// Adapter selects by case-insensitive name substring.
	Adapter string
	// Timeout bounds one Retire. Zero means five seconds.
	Timeout time.Duration
	Logger  core.Logger
}

// Timeline is a soft.Timeline backed by a native queue.
type Timeline struct {
	mu       sync.Mutex
	instance hal.Instance
	device   hal.Device
	queue    hal.Queue
	adapter  Adapter
	period   float64
	start    time.Time
	timeout  time.Duration
	log      core.Logger
	retired  uint64
	closed   bool
}

var _ soft.Timeline = (*Timeline)(nil)

func Open(opts Options) (*Timeline, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	log := core.OrNop(opts.Logger)
	inst, err := instance(opts.Backend)
	if err != nil {
		return nil, err
	}
	adapters := inst.EnumerateAdapters(nil)
	i, ok := pick(adapters, opts.Adapter)
	if !ok {
		inst.Destroy()
		return nil, fmt.Errorf("%w: %q among %d on %s", ErrNoAdapter, opts.Adapter, len(adapters), opts.Backend)
	}
	open, err := adapters[i].Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		inst.Destroy()
		return nil, fmt.Errorf("native: open %s: %w", adapters[i].Info.Name, err)
	}
	period := float64(open.Queue.GetTimestampPeriod())
	if period <= 0 {
		period = 1
	}
	t := &Timeline{
		instance: inst,
		device:   open.Device,
		queue:    open.Queue,
		adapter:  adapterOf(i, adapters[i]),
		period:   period,
		start:    time.Now(),
		timeout:  opts.Timeout,
		log:      log,
	}
	log.Infof("native: %s (%s, %s), timestamp period %.3f ns", t.adapter.Name, t.adapter.Type, t.adapter.Backend, period)
	return t, nil
}

func (t *Timeline) Adapter() Adapter { return t.adapter }

// Retired is the number of completed Retire calls.
func (t *Timeline) Retired() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retired
}

// Retire submits an empty command buffer and polls the queue until it has
// completed, so everything submitted before it has too.
func (t *Timeline) Retire() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("native: retire after close")
	}
	enc, err := t.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "retire"})
	if err != nil {
		return fmt.Errorf("native: create command encoder: %w", err)
	}
	defer enc.Destroy()
	if err := enc.BeginEncoding("retire"); err != nil {
		return fmt.Errorf("native: begin encoding: %w", err)
	}
	cmd, err := enc.EndEncoding()
	if err != nil {
		return fmt.Errorf("native: end encoding: %w", err)
	}
	defer t.device.FreeCommandBuffer(cmd)

	idx, err := t.queue.Submit([]hal.CommandBuffer{cmd})
	if err != nil {
		return fmt.Errorf("native: submit: %w", err)
	}
	deadline := time.Now().Add(t.timeout)
	for t.queue.PollCompleted() < idx {
		if time.Now().After(deadline) {
			t.log.Errorf("native: submission %d not complete after %s", idx, t.timeout)
			return fmt.Errorf("native: submission %d not complete after %s", idx, t.timeout)
		}
		time.Sleep(pollInterval)
	}
	t.retired++
	return nil
}

// Ticks converts elapsed host time to timestamp ticks of the native queue.
func (t *Timeline) Ticks() uint64 {
	return uint64(float64(time.Since(t.start).Nanoseconds()) / t.period)
}

func (t *Timeline) Frequency() uint64 {
	return uint64(1e9 / t.period)
}

func (t *Timeline) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	if err := t.device.WaitIdle(); err != nil {
		t.log.Warnf("native: wait idle: %v", err)
	}
	t.device.Destroy()
	t.instance.Destroy()
}
