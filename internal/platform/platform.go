// Package platform names the external collaborators spec.md §6 treats
// as out of scope: the DMA engine, the interrupt controller, the clock
// gating controller, and the OS primitives (mutex, binary semaphore,
// critical section) the engine is built against. Only their interfaces
// are specified here; internal/platform/sim provides an in-process
// implementation good enough to run real kmodels on a development
// host without attached K210 silicon.
package platform

import "context"

// DMAAllocator opens a free DMA channel for the duration of one
// inference (spec.md §5: "acquired from the DMA allocator at run
// start, released implicitly when the engine finishes").
type DMAAllocator interface {
	OpenFree() (DMAChannel, error)
}

// DMAChannel issues one asynchronous transfer at a time and signals
// completion to the returned channel, which is closed exactly once.
// src/dst, srcInc/dstInc, beatSize/beats/burst mirror spec.md §6's
// transmit_async signature; inc=false repeats the same source/dest
// address every beat (the KPU output FIFO read in start_output_dma
// does this on the source side).
type DMAChannel interface {
	TransmitAsync(ctx context.Context, src, dst []byte, srcInc, dstInc bool, beatSize, beats, burst int) <-chan struct{}
	Release()
}

// InterruptController is the PIC facade: set_priority/set_handler/
// set_enable from spec.md §6.
type InterruptController interface {
	SetPriority(irq, n int)
	SetHandler(irq int, fn func())
	SetEnable(irq int, on bool)
}

// Clock is the SoC clock-gating controller facade.
type Clock interface {
	Enable()
	Disable()
}

// Semaphore is a binary completion semaphore carrying wake-ups from
// both the KPU ISR and DMA completion into the engine (spec.md §5).
// Give/GiveFromISR are distinguished because a real OS binary
// semaphore's ISR-context give differs from its task-context give
// (deferred scheduling decision); Take blocks until one of either sets
// it, honoring ctx cancellation so callers aren't permanently wedged if
// they choose to apply a deadline — spec.md itself specifies an
// indefinite wait; the engine passes its own caller's ctx through, so
// the wait is unbounded unless that ctx carries a deadline.
type Semaphore interface {
	Take(ctx context.Context) error
	Give()
	GiveFromISR()
}

// Mutex serializes one inference at a time per device (spec.md §5).
// It is a restatement of sync.Locker's shape so platform implementers
// aren't forced to import sync; internal/engine accepts anything
// satisfying this interface, including *sync.Mutex directly.
type Mutex interface {
	Lock()
	Unlock()
}

// CriticalSection brackets the single synchronous ai_step spec.md's
// CPU-path input case requires (no ISR will arrive to drive the loop
// forward, so the driver disables interrupts for the duration of one
// step).
type CriticalSection interface {
	Enter()
	Exit()
}
