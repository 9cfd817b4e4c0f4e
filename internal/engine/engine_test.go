package engine_test

import (
	"bytes"
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/canaan-creative/kpu-runtime/internal/accel"
	"github.com/canaan-creative/kpu-runtime/internal/engine"
	"github.com/canaan-creative/kpu-runtime/internal/platform/sim"
	"github.com/canaan-creative/kpu-runtime/pkg/kmodel"
	"github.com/canaan-creative/kpu-runtime/pkg/kmodel/kmodeltest"
)

// buildMainMemOutModel assembles a single-layer model: one KLK210Conv
// layer with main-mem-out set, 64-byte-wide input (so Priming takes the
// DMA path, not the CPU-reformat path), and one output descriptor
// covering the first 8 bytes of scratch.
func buildMainMemOutModel(t *testing.T) []byte {
	t.Helper()

	const convBodySize = 24 // layerOffset,weightsOffset,bnOffset,actOffset,flags,mainMemOutAddress
	const headerSize = 24
	const outputsSize = 8
	const layersSize = 8
	const layerOffset = headerSize + outputsSize + layersSize + convBodySize

	hwArg := kmodel.HWLayerArg{
		1: 0,  // image_src_addr: accelerator input at SRAM offset 0
		2: 0,  // channel_count - 1 = 0 -> ChannelCount() == 1
		3: 63, // row_width - 1 = 63 -> RowWidth() == 64 (exercises the DMA-input path)
		7: 1,  // channel_switch_addr = 1 (64-byte row stride)
	}

	b := kmodeltest.NewBuilder(32)
	b.AddOutput(0, 8)
	b.AddLayer(kmodel.KLK210Conv, kmodeltest.ConvBody(layerOffset, 0, 0, 0, kmodel.FlagMainMemOut, 0))

	buf := b.Build()
	if len(buf) != layerOffset {
		t.Fatalf("builder layout assumption broken: built %d bytes, want layerOffset=%d", len(buf), layerOffset)
	}
	buf = append(buf, kmodeltest.HWLayerArgBody(hwArg)...)
	return buf
}

func newTestEngine(t *testing.T, container *kmodel.Container) (*engine.Engine, *accel.Accelerator) {
	t.Helper()
	irq := sim.NewInterruptController()
	sem := sim.NewSemaphore()
	a := accel.New(irq, sem, 4096)
	a.ConfigureForModel(false)

	e := &engine.Engine{
		Container: container,
		Accel:     a,
		Alloc:     sim.NewAllocator(),
		Mutex:     &sync.Mutex{},
		Crit:      sim.NewCriticalSection(),
	}
	return e, a
}

func TestRunMainMemOutProducesOutput(t *testing.T) {
	t.Parallel()

	buf := buildMainMemOutModel(t)
	container, err := kmodel.Load(buf)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	e, a := newTestEngine(t, container)

	fifo := a.FIFOOutData()
	for i := range fifo {
		fifo[i] = byte(0x10 + i)
	}

	src := make([]byte, 64)
	for i := range src {
		src[i] = byte(i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := e.Run(ctx, src); err != nil {
		t.Fatalf("Run: %v", err)
	}

	out, err := container.Output(0)
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	got := container.Scratch()[out.Offset : out.Offset+out.Size]
	if !bytes.Equal(got, fifo[:8]) {
		t.Fatalf("output = %v, want %v", got, fifo[:8])
	}
}

func TestRunRejectsFirstLayerNotConv(t *testing.T) {
	t.Parallel()

	b := kmodeltest.NewBuilder(32)
	b.AddOutput(0, 4)
	b.AddLayer(kmodel.KLAdd, kmodeltest.AddBody(0, 0, 0, 1))
	buf := b.Build()

	container, err := kmodel.Load(buf)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	e, _ := newTestEngine(t, container)

	if err := e.Run(context.Background(), make([]byte, 4)); err == nil {
		t.Fatalf("Run: want error for non-conv first layer, got nil")
	}
}

func TestRunAuxiliaryLayerRunsAfterConvLayer(t *testing.T) {
	t.Parallel()

	const convBodySize = 24
	const addBodySize = 16
	const headerSize = 24
	const outputsSize = 8
	const layersSize = 16 // two layer-header entries: conv + add
	const layerOffset = headerSize + outputsSize + layersSize + convBodySize + addBodySize

	hwArg := kmodel.HWLayerArg{
		1: 0,
		2: 0,
		3: 63,
		7: 1,
	}

	b := kmodeltest.NewBuilder(64)
	b.AddOutput(40, 4) // add's output, written by the CPU kernel after the conv layer's ISR fires
	b.AddLayer(kmodel.KLK210Conv, kmodeltest.ConvBody(layerOffset, 0, 0, 0, kmodel.FlagMainMemOut, 0))
	b.AddLayer(kmodel.KLAdd, kmodeltest.AddBody(16, 24, 40, 1))

	buf := b.Build()
	if len(buf) != layerOffset {
		t.Fatalf("builder layout assumption broken: built %d bytes, want layerOffset=%d", len(buf), layerOffset)
	}
	buf = append(buf, kmodeltest.HWLayerArgBody(hwArg)...)

	container, err := kmodel.Load(buf)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	e, a := newTestEngine(t, container)

	fifo := a.FIFOOutData()
	for i := range fifo {
		fifo[i] = 0 // conv main-mem-out writes zeros into scratch[0:8]
	}

	// Seed the two float32 operands the Add layer reads from scratch at
	// offsets 16 and 24, ahead of time (the conv layer's output landed
	// at [0:8), not touching them).
	scratch := container.Scratch()
	writeF32(scratch[16:], 1.5)
	writeF32(scratch[24:], 2.5)

	if err := e.Run(context.Background(), make([]byte, 64)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	out, err := container.Output(0)
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	got := readF32(container.Scratch()[out.Offset:])
	if got != 4.0 {
		t.Fatalf("add output = %v, want 4.0", got)
	}
}

// TestRunNonMainMemOutUsesArmedInterrupt exercises dispatchConv's other
// branch: a conv layer with no FlagMainMemOut never starts an output
// DMA, instead arming the completion interrupt directly and relying on
// SimulateLayerCompletion to unblock the engine's AwaitingIrq wait.
func TestRunNonMainMemOutUsesArmedInterrupt(t *testing.T) {
	t.Parallel()

	const convBodySize = 24
	const headerSize = 24
	const outputsSize = 8
	const layersSize = 8
	const layerOffset = headerSize + outputsSize + layersSize + convBodySize

	hwArg := kmodel.HWLayerArg{
		1: 0,
		2: 0,
		3: 63, // RowWidth() == 64, so Priming takes the DMA-input path
		7: 1,
	}

	b := kmodeltest.NewBuilder(32)
	b.AddOutput(0, 8)
	b.AddLayer(kmodel.KLK210Conv, kmodeltest.ConvBody(layerOffset, 0, 0, 0, 0, 0)) // flags=0: no FlagMainMemOut

	buf := b.Build()
	if len(buf) != layerOffset {
		t.Fatalf("builder layout assumption broken: built %d bytes, want layerOffset=%d", len(buf), layerOffset)
	}
	buf = append(buf, kmodeltest.HWLayerArgBody(hwArg)...)

	container, err := kmodel.Load(buf)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	e, a := newTestEngine(t, container)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := e.Run(ctx, make([]byte, 64)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := a.SentLayers(); got != 1 {
		t.Fatalf("SentLayers() = %d, want 1", got)
	}
}

// TestRunCPUPathInputReformatsBeforeStepping exercises Run's other
// Priming branch: a row width that isn't a multiple of 64 can't be
// streamed in by DMA, so Run reformats it on the host and then steps
// the engine synchronously under the critical section instead of
// starting an input DMA.
func TestRunCPUPathInputReformatsBeforeStepping(t *testing.T) {
	t.Parallel()

	const convBodySize = 24
	const headerSize = 24
	const outputsSize = 8
	const layersSize = 8
	const layerOffset = headerSize + outputsSize + layersSize + convBodySize

	hwArg := kmodel.HWLayerArg{
		1: 0,
		2: 0,
		3: 31, // RowWidth() == 32, not a multiple of 64: forces the CPU-reformat path
		7: 1,
	}

	b := kmodeltest.NewBuilder(32)
	b.AddOutput(0, 8)
	b.AddLayer(kmodel.KLK210Conv, kmodeltest.ConvBody(layerOffset, 0, 0, 0, kmodel.FlagMainMemOut, 0))

	buf := b.Build()
	if len(buf) != layerOffset {
		t.Fatalf("builder layout assumption broken: built %d bytes, want layerOffset=%d", len(buf), layerOffset)
	}
	buf = append(buf, kmodeltest.HWLayerArgBody(hwArg)...)

	container, err := kmodel.Load(buf)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	e, a := newTestEngine(t, container)

	fifo := a.FIFOOutData()
	for i := range fifo {
		fifo[i] = byte(0x20 + i)
	}

	src := make([]byte, 32)
	for i := range src {
		src[i] = byte(i + 1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := e.Run(ctx, src); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sram := a.SRAM()
	for i := 0; i < len(src); i++ {
		if sram[i] != src[i] {
			t.Fatalf("sram[%d] = %d, want %d (PlanarToTiled should have staged src before stepping)", i, sram[i], src[i])
		}
	}

	out, err := container.Output(0)
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	got := container.Scratch()[out.Offset : out.Offset+out.Size]
	if !bytes.Equal(got, fifo[:8]) {
		t.Fatalf("output = %v, want %v", got, fifo[:8])
	}
}

func writeF32(b []byte, v float32) {
	bits := math.Float32bits(v)
	b[0] = byte(bits)
	b[1] = byte(bits >> 8)
	b[2] = byte(bits >> 16)
	b[3] = byte(bits >> 24)
}

func readF32(b []byte) float32 {
	bits := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return math.Float32frombits(bits)
}
