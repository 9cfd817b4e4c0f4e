// Package accel is the opaque wrapper over the KPU register window
// (spec.md §4.3, component C3): it programs the hardware layer
// argument FIFO, kicks off input/output DMA, and runs the ISR that
// clears and re-masks the three KPU interrupt latches.
//
// Like the teacher's internal/backend/cuda/native, accel never touches
// its resources directly from outside its own methods — here that
// means internal/engine only ever calls Accelerator's methods, never
// reads or writes the simulated register file itself.
package accel

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/canaan-creative/kpu-runtime/internal/platform"
	"github.com/canaan-creative/kpu-runtime/pkg/kmodel"
)

// InterruptPolicy selects which KPU interrupt line signals per-layer
// completion for non-DMA-streamed convolutional output (spec.md §9's
// debug-vs-production open question). Production is normative; debug
// exists only to time individual layers.
type InterruptPolicy int

const (
	PolicyProduction InterruptPolicy = iota
	PolicyDebug
)

// Interrupt line indices, matching the three latches the original
// kpu_config_t.interrupt_mask/interrupt_clear registers name.
const (
	irqCalcDone = iota
	irqLayerCfgAlmostEmpty
	irqLayerCfgAlmostFull
	irqCount
)

// AIInterruptLine is the single PIC line the KPU raises; all three
// latches above share it.
const AIInterruptLine = 0

// FIFO thresholds the original firmware programs into kpu_config_t
// before starting any layer: almost-full at 10 entries, almost-empty
// at 1 (spec.md §4.3).
const (
	FIFOFullThreshold  = fifoFullThreshold
	FIFOEmptyThreshold = fifoEmptyThreshold
)

const (
	fifoFullThreshold  = 10
	fifoEmptyThreshold = 1
)

// interruptMask tracks which of the three latches are masked
// (true = masked/disabled). It is written by both the driver (before
// programming a layer) and the ISR (on completion); spec.md's design
// notes call out that a real port needs atomic or critical-section-
// guarded access here, which is what the mutex below provides.
type interruptMask struct {
	mu     sync.Mutex
	masked [irqCount]bool
}

func (m *interruptMask) set(line int, masked bool) {
	m.mu.Lock()
	m.masked[line] = masked
	m.mu.Unlock()
}

func (m *interruptMask) maskAll() {
	m.mu.Lock()
	for i := range m.masked {
		m.masked[i] = true
	}
	m.mu.Unlock()
}

// Accelerator is the simulated KPU register window plus its on-chip
// SRAM. SRAM size is configurable so tests can use small fixtures; the
// output FIFO data register is a fixed 8-byte window.
type Accelerator struct {
	IRQ platform.InterruptController
	Sem platform.Semaphore

	Policy InterruptPolicy

	sram        []byte // AI_IO_BASE-equivalent tiled on-chip memory, addressed in 64-byte units
	fifoOutData []byte // the KPU's output FIFO data register (read repeatedly during output DMA)

	mask         interruptMask
	eightBitMode bool
	sentLayers   int32 // count of SendLayer calls, for tests/diagnostics
}

// New constructs an Accelerator with sramSize bytes of simulated
// on-chip memory. The DMA channel itself is acquired and released by
// internal/engine (spec.md §5: "acquired from the DMA allocator at run
// start"), not by Accelerator, so it takes no allocator reference.
func New(irq platform.InterruptController, sem platform.Semaphore, sramSize int) *Accelerator {
	return &Accelerator{
		IRQ:         irq,
		Sem:         sem,
		sram:        make([]byte, sramSize),
		fifoOutData: make([]byte, 8),
	}
}

// SRAM exposes the simulated on-chip memory for tests and for
// internal/stage callers that need a destination slice.
func (a *Accelerator) SRAM() []byte { return a.sram }

// ConfigureForModel clears pending interrupt latches, records
// eight-bit mode, masks interrupts per the production policy and
// registers the ISR on AIInterruptLine (spec.md §4.3). It does not
// program FIFO thresholds: the simulated register window has no
// threshold registers, and FIFOFullThreshold/FIFOEmptyThreshold only
// record the values.
func (a *Accelerator) ConfigureForModel(eightBitMode bool) {
	a.mask.maskAll() // clearing pending latches is modeled as re-masking; see ISR for the clear+remask pattern
	a.eightBitMode = eightBitMode
	a.applyProductionMask()
	a.IRQ.SetPriority(AIInterruptLine, 1)
	a.IRQ.SetHandler(AIInterruptLine, a.isr)
	a.IRQ.SetEnable(AIInterruptLine, true)
}

func (a *Accelerator) applyProductionMask() {
	a.mask.set(irqCalcDone, true)
	a.mask.set(irqLayerCfgAlmostEmpty, false)
	a.mask.set(irqLayerCfgAlmostFull, true)
}

func (a *Accelerator) applyDebugMask() {
	a.mask.set(irqCalcDone, false)
	a.mask.set(irqLayerCfgAlmostEmpty, true)
	a.mask.set(irqLayerCfgAlmostFull, true)
}

// SendLayer counts one hardware layer argument as sent. It writes none
// of the argument's 12 words anywhere: the simulated register window
// has no layer-argument FIFO, so the call only updates SentLayers.
func (a *Accelerator) SendLayer(arg kmodel.HWLayerArg) {
	atomic.AddInt32(&a.sentLayers, 1)
	_ = arg // the sim has no real FIFO consumer; programming is a no-op beyond bookkeeping
}

// SentLayers reports how many times SendLayer has been called, for
// tests and internal/inspect diagnostics.
func (a *Accelerator) SentLayers() int { return int(atomic.LoadInt32(&a.sentLayers)) }

// StartInputDMA computes the transfer length as
// channel_switch_addr*64*channel_count bytes and issues a DMA in
// 64-bit beats with a burst of 16 from src into the accelerator's
// input address (spec.md §4.3).
func (a *Accelerator) StartInputDMA(ctx context.Context, ch platform.DMAChannel, arg kmodel.HWLayerArg, src []byte) <-chan struct{} {
	inputSize := uint64(arg.ChannelSwitchAddr()) * 64 * uint64(arg.ChannelCount())
	dstOff := uint64(arg.ImageSrcAddr()) * 64
	dst := a.sram[dstOff:]
	beats := int(inputSize / 8)
	return ch.TransmitAsync(ctx, src, dst, true, true, 8, beats, 16)
}

// StartOutputDMA DMAs from the KPU output FIFO register into dest (a
// scratch-buffer slice), 64-bit beats, burst 8, length
// ceil((dmaTotalByte+8)/8) beats (spec.md §4.3).
func (a *Accelerator) StartOutputDMA(ctx context.Context, ch platform.DMAChannel, dest []byte, dmaTotalByte uint32) <-chan struct{} {
	beats := int((uint64(dmaTotalByte) + 8 + 7) / 8)
	return ch.TransmitAsync(ctx, a.fifoOutData, dest, false, true, 8, beats, 8)
}

// FIFOOutData exposes the output FIFO register, for tests that want to
// seed it before triggering an output DMA.
func (a *Accelerator) FIFOOutData() []byte { return a.fifoOutData }

// ArmLayerInterrupt sets the per-layer interrupt policy for a
// convolutional layer that is not streaming its output via DMA: debug
// unmasks calc_done (and sets the layer's own int_en bit so the
// hardware raises the line), production unmasks
// layer_cfg_almost_empty. Either way the ISR raises the completion
// semaphore (spec.md §4.2 rule 3).
func (a *Accelerator) ArmLayerInterrupt(arg *kmodel.HWLayerArg) {
	if a.Policy == PolicyDebug {
		a.applyDebugMask()
		arg.SetInterruptEnabled(true)
		return
	}
	a.applyProductionMask()
}

// isr clears all three KPU interrupt latches, re-masks them, and gives
// the engine semaphore (spec.md §4.3's ISR description).
func (a *Accelerator) isr() {
	a.mask.maskAll()
	a.Sem.GiveFromISR()
}

// Done clears and masks all KPU interrupts, matching the original's
// kpu_done(), called once the layer cursor reaches the end of the
// stream.
func (a *Accelerator) Done() {
	a.mask.maskAll()
}

// SimulateLayerCompletion stands in for the real KPU silicon's
// convolution compute and the interrupt it raises afterward: this
// package only programs and tears down register state, it does not
// implement the accelerator's arithmetic, so layer completion has to
// be synthesized somehow for the engine's ISR wait to ever unblock.
// The ISR runs on a goroutine, matching the asynchronous nature of the
// real hardware event (ConfigureForModel already registered a.isr as
// the handler for AIInterruptLine).
func (a *Accelerator) SimulateLayerCompletion() {
	go a.isr()
}
