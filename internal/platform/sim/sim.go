// Package sim is an in-process stand-in for the KPU's DMA engine,
// interrupt controller and clock gate, good enough to run real kmodels
// end to end on a development host with no attached K210 silicon.
//
// It is shaped after the teacher's internal/backend/cuda/native
// opaque-handle pattern (a Stream-like handle, explicit release,
// synchronous-under-the-hood execution reported back through a
// completion signal) with the cgo CUDA runtime calls themselves
// replaced by plain Go channel operations, since there is no real GPU
// or SoC register window to bind to from a host process.
package sim

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canaan-creative/kpu-runtime/internal/platform"
)

// Allocator is a platform.DMAAllocator that always succeeds unless
// Exhausted is set, modeling spec.md §7's ResourceExhausted error path
// for tests.
type Allocator struct {
	Exhausted bool

	// BeatLatency adds an artificial per-beat delay to every channel's
	// TransmitAsync, standing in for real DMA transfer time so a
	// deployable binary can exercise timing-sensitive callers (and the
	// serialization invariant of spec.md §8) without attached silicon.
	// Zero (the default via NewAllocator) transfers instantly.
	BeatLatency time.Duration

	mu   sync.Mutex
	open int
}

func NewAllocator() *Allocator { return &Allocator{} }

// NewAllocatorWithLatency returns an Allocator whose channels delay
// beats*latency before completing each transfer, per
// config.Config.SimDMABeatLatencyMicros.
func NewAllocatorWithLatency(latency time.Duration) *Allocator {
	return &Allocator{BeatLatency: latency}
}

func (a *Allocator) OpenFree() (platform.DMAChannel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Exhausted {
		return nil, ErrNoChannelAvailable
	}
	a.open++
	return &channel{alloc: a}, nil
}

// ErrNoChannelAvailable is returned by Allocator.OpenFree when
// Exhausted is set.
var ErrNoChannelAvailable = platformError("sim: no DMA channel available")

type platformError string

func (e platformError) Error() string { return string(e) }

type channel struct {
	alloc    *Allocator
	released int32
}

// TransmitAsync performs the byte copy synchronously on a goroutine and
// closes the returned channel once up to beats*beatSize bytes have
// been copied — standing in for real DMA-complete IRQ latency. It
// never copies more than len(dst) or len(src) regardless of what beats
// implies, since a simulated transfer must not corrupt adjacent
// scratch-buffer regions if a caller's beat math overshoots. If ctx is
// cancelled during the simulated BeatLatency wait, the channel is
// closed without copying anything.
func (c *channel) TransmitAsync(ctx context.Context, src, dst []byte, srcInc, dstInc bool, beatSize, beats, burst int) <-chan struct{} {
	done := make(chan struct{})
	n := beatSize * beats
	if n > len(dst) {
		n = len(dst)
	}
	if n > len(src) && srcInc {
		n = len(src)
	}
	go func() {
		defer close(done)
		if c.alloc.BeatLatency > 0 {
			select {
			case <-time.After(time.Duration(beats) * c.alloc.BeatLatency):
			case <-ctx.Done():
				return
			}
		}
		if !srcInc {
			// Source address repeats every beat (e.g. reading a FIFO
			// register): replicate the same beatSize-byte window.
			for off := 0; off+beatSize <= n; off += beatSize {
				copy(dst[off:off+beatSize], src[:min(beatSize, len(src))])
			}
			return
		}
		copy(dst[:n], src[:n])
	}()
	return done
}

func (c *channel) Release() {
	if atomic.CompareAndSwapInt32(&c.released, 0, 1) {
		c.alloc.mu.Lock()
		c.alloc.open--
		c.alloc.mu.Unlock()
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Semaphore is a binary completion semaphore backed by a
// capacity-1 buffered channel.
type Semaphore struct {
	ch chan struct{}
}

func NewSemaphore() *Semaphore {
	return &Semaphore{ch: make(chan struct{}, 1)}
}

func (s *Semaphore) Take(ctx context.Context) error {
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Semaphore) Give() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

func (s *Semaphore) GiveFromISR() { s.Give() }

// InterruptController is a software model of the PIC: SetHandler
// records a callback, SetEnable/SetPriority are bookkeeping only since
// there is no real interrupt line to mask.
type InterruptController struct {
	mu       sync.Mutex
	handlers map[int]func()
	enabled  map[int]bool
}

func NewInterruptController() *InterruptController {
	return &InterruptController{
		handlers: make(map[int]func()),
		enabled:  make(map[int]bool),
	}
}

func (p *InterruptController) SetPriority(irq, n int) {}

func (p *InterruptController) SetHandler(irq int, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[irq] = fn
}

func (p *InterruptController) SetEnable(irq int, on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled[irq] = on
}

// Fire invokes irq's registered handler if it is currently enabled,
// modeling the ISR dispatch a real PIC performs when the KPU asserts
// its interrupt line. Tests and internal/accel's sim-backed ISR
// plumbing call this to simulate hardware completion.
func (p *InterruptController) Fire(irq int) {
	p.mu.Lock()
	fn, enabled := p.handlers[irq], p.enabled[irq]
	p.mu.Unlock()
	if enabled && fn != nil {
		fn()
	}
}

// Clock is a no-op clock gate that records a single enabled flag; it
// keeps no reference count.
type Clock struct {
	mu      sync.Mutex
	enabled bool
}

func NewClock() *Clock { return &Clock{} }

func (c *Clock) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = true
}

func (c *Clock) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = false
}

func (c *Clock) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// CriticalSection is a process-wide lock standing in for disabling
// interrupts: on a single host process there are no real hardware
// interrupts to mask, so mutual exclusion against the simulated ISR
// path is sufficient to reproduce spec.md §5's "ai_step invoked under
// a critical section" requirement.
type CriticalSection struct {
	mu sync.Mutex
}

func NewCriticalSection() *CriticalSection { return &CriticalSection{} }

func (c *CriticalSection) Enter() { c.mu.Lock() }
func (c *CriticalSection) Exit()  { c.mu.Unlock() }
