// Package engine drives one inference end to end: it owns the
// CPU↔accelerator state machine (spec.md §4.2), the DMA channel for
// the inference's lifetime, and the dispatch from each layer's type
// tag to either a CPU kernel (internal/kernel) or a KPU program
// (internal/accel).
//
// This is "the hard part" the original firmware's k_kpu_driver::run /
// ai_step / ai_step_not_isr implement as one long function with goto
// labels; here the same state machine is expressed as an explicit loop
// with named states, which is the idiomatic-Go reading of the same
// control flow.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/canaan-creative/kpu-runtime/internal/accel"
	"github.com/canaan-creative/kpu-runtime/internal/kernel"
	"github.com/canaan-creative/kpu-runtime/internal/logger"
	"github.com/canaan-creative/kpu-runtime/internal/platform"
	"github.com/canaan-creative/kpu-runtime/internal/stage"
	"github.com/canaan-creative/kpu-runtime/pkg/kmodel"
)

// ErrFirstLayerNotConv is returned when a model's first layer is not
// KLK210Conv (spec.md §7).
var ErrFirstLayerNotConv = errors.New("engine: first layer is not convolutional")

// ErrResourceExhausted is returned when the DMA allocator has no free
// channel at run start (spec.md §7).
var ErrResourceExhausted = errors.New("engine: no DMA channel available")

// State names the five state-machine states spec.md §4.2 names.
type State int

const (
	StateIdle State = iota
	StatePriming
	StateStepping
	StateAwaitingIrq
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StatePriming:
		return "Priming"
	case StateStepping:
		return "Stepping"
	case StateAwaitingIrq:
		return "AwaitingIrq"
	case StateDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// Hooks lets a caller observe layer transitions as they happen. All
// three fields are optional; there is no
// equivalent in the original firmware, which has no observability
// beyond build-time debug printfs.
type Hooks struct {
	OnLayerStart func(index int, t kmodel.LayerType)
	OnLayerDone  func(index int, t kmodel.LayerType)
	OnState      func(s State)
}

func (h *Hooks) layerStart(i int, t kmodel.LayerType) {
	if h != nil && h.OnLayerStart != nil {
		h.OnLayerStart(i, t)
	}
}

func (h *Hooks) layerDone(i int, t kmodel.LayerType) {
	if h != nil && h.OnLayerDone != nil {
		h.OnLayerDone(i, t)
	}
}

func (h *Hooks) state(s State) {
	if h != nil && h.OnState != nil {
		h.OnState(s)
	}
}

// defaultHooks logs per-layer timing at debug level, replacing the
// original firmware's build-time KPU_DEBUG printf block (spec.md
// §4.9). Run installs this whenever a caller hasn't supplied its own
// Hooks.
func defaultHooks(log logger.Logger) *Hooks {
	return &Hooks{
		OnLayerStart: func(index int, t kmodel.LayerType) {
			log.Debug("layer start", "index", index, "type", t.String())
		},
		OnLayerDone: func(index int, t kmodel.LayerType) {
			log.Debug("layer done", "index", index, "type", t.String())
		},
		OnState: func(s State) {
			log.Debug("engine state", "state", s.String())
		},
	}
}

// Engine composes the container, the accelerator, and the platform
// collaborators into one runnable device instance. One Engine serves
// one device; spec.md §5 requires it be serialized by Mutex for the
// whole of Run.
type Engine struct {
	Container *kmodel.Container
	Accel     *accel.Accelerator
	Alloc     platform.DMAAllocator
	Mutex     platform.Mutex
	Crit      platform.CriticalSection

	// Log backs the default Hooks installed when Hooks is nil. Nil
	// falls back to logger.FromContext(ctx) at Run time.
	Log logger.Logger

	Hooks *Hooks
}

// Run executes one inference: it stages the source tensor into the
// accelerator, drives the layer loop to completion, and leaves outputs
// readable via Container.Output. Run acquires Mutex at entry and
// releases it via defer on every exit path, including early
// FirstLayerNotConv/BadArtifact returns (spec.md §4.2/§5).
func (e *Engine) Run(ctx context.Context, src []byte) error {
	e.Mutex.Lock()
	defer e.Mutex.Unlock()

	if e.Hooks == nil {
		log := e.Log
		if log == nil {
			log = logger.FromContext(ctx)
		}
		e.Hooks = defaultHooks(log)
		defer func() { e.Hooks = nil }()
	}

	var execCtx kmodel.ExecContext
	e.Container.Bind(&execCtx)
	e.Hooks.state(StatePriming)

	if execCtx.CurrentLayer >= len(execCtx.LayerHeaders) {
		return fmt.Errorf("%w: empty layer stream", ErrFirstLayerNotConv)
	}
	firstHeader := execCtx.LayerHeaders[0]
	if firstHeader.Type != kmodel.KLK210Conv {
		return fmt.Errorf("%w: layer 0 is %s", ErrFirstLayerNotConv, firstHeader.Type)
	}

	ch, err := e.Alloc.OpenFree()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrResourceExhausted, err)
	}
	defer ch.Release()

	conv, ok := kmodel.DecodeConvLayerBody(execCtx.ModelBuffer[execCtx.CurrentBody:])
	if !ok {
		return fmt.Errorf("%w: truncated conv layer 0 body", kmodel.ErrBadArtifact)
	}
	hwArg, ok := kmodel.DecodeHWLayerArg(execCtx.ModelBuffer[conv.LayerOffset:])
	if !ok {
		return fmt.Errorf("%w: truncated hardware layer argument", kmodel.ErrBadArtifact)
	}

	if hwArg.RowWidth()%64 != 0 {
		// CPU-path input: reformat and stage it on the host, then step
		// the engine synchronously once under a critical section since
		// no DMA/ISR will arrive to drive the loop forward
		// (spec.md §4.2 rule 1, §5).
		stage.PlanarToTiled(e.Accel.SRAM()[uint64(hwArg.ImageSrcAddr())*64:], src,
			int(hwArg.RowWidth()), int(hwArg.ColHeight()), int(hwArg.ChannelCount()), false)

		e.Crit.Enter()
		state, err := e.step(ctx, &execCtx, ch)
		e.Crit.Exit()
		if err != nil {
			return err
		}
		return e.run(ctx, &execCtx, ch, state)
	}

	e.Hooks.state(StateAwaitingIrq)
	done := e.Accel.StartInputDMA(ctx, ch, hwArg, src)
	if err := waitDMA(ctx, done); err != nil {
		return err
	}

	state, err := e.step(ctx, &execCtx, ch)
	if err != nil {
		return err
	}
	return e.run(ctx, &execCtx, ch, state)
}

// run continues the state machine from Stepping/AwaitingIrq until
// Done, waiting on the accelerator's completion semaphore at each
// AwaitingIrq suspension point (spec.md §4.2 rule 4). It reuses the
// single DMA channel acquired at Run's entry for every convolutional
// layer's output DMA, matching spec.md §3's invariant that exactly one
// DMA channel is associated with the current inference at a time.
func (e *Engine) run(ctx context.Context, execCtx *kmodel.ExecContext, ch platform.DMAChannel, state State) error {
	for {
		switch state {
		case StateDone:
			e.Accel.Done()
			e.Hooks.state(StateDone)
			return nil
		case StateAwaitingIrq:
			e.Hooks.state(StateAwaitingIrq)
			if err := e.Accel.Sem.Take(ctx); err != nil {
				return err
			}
			var err error
			state, err = e.step(ctx, execCtx, ch)
			if err != nil {
				return err
			}
		default:
			// step() never returns Idle/Priming/Stepping as a resting
			// state; reaching here is a programmer error in this
			// package, not a caller-triggerable condition.
			return fmt.Errorf("engine: unexpected state %s", state)
		}
	}
}

// step advances the layer cursor, executing auxiliary layers
// synchronously and returning as soon as either a convolutional layer
// has been programmed (AwaitingIrq) or the stream is exhausted (Done).
func (e *Engine) step(_ context.Context, execCtx *kmodel.ExecContext, ch platform.DMAChannel) (State, error) {
	e.Hooks.state(StateStepping)
	for execCtx.CurrentLayer < len(execCtx.LayerHeaders) {
		idx := execCtx.CurrentLayer
		header := execCtx.LayerHeaders[idx]
		body := execCtx.ModelBuffer[execCtx.CurrentBody : execCtx.CurrentBody+int(header.BodySize)]
		execCtx.CurrentBody += int(header.BodySize)
		execCtx.CurrentLayer++

		e.Hooks.layerStart(idx, header.Type)

		if header.Type == kmodel.KLK210Conv {
			state, err := e.dispatchConv(execCtx, body, ch)
			if err != nil {
				return 0, err
			}
			e.Hooks.layerDone(idx, header.Type)
			return state, nil
		}

		if err := e.dispatchAuxiliary(execCtx, header.Type, body); err != nil {
			return 0, err
		}
		e.Hooks.layerDone(idx, header.Type)
	}
	return StateDone, nil
}

// dispatchConv programs the KPU for one convolutional layer and
// returns the AwaitingIrq state, arranging the correct completion
// signal per the layer's main-mem-out flag (spec.md §4.2 rule 3). It
// reuses the inference's single DMA channel for the output transfer
// rather than acquiring a second one.
func (e *Engine) dispatchConv(execCtx *kmodel.ExecContext, body []byte, ch platform.DMAChannel) (State, error) {
	conv, ok := kmodel.DecodeConvLayerBody(body)
	if !ok {
		return 0, fmt.Errorf("%w: truncated conv layer body", kmodel.ErrBadArtifact)
	}
	hwArg, ok := kmodel.DecodeHWLayerArg(execCtx.ModelBuffer[conv.LayerOffset:])
	if !ok {
		return 0, fmt.Errorf("%w: truncated hardware layer argument", kmodel.ErrBadArtifact)
	}
	hwArg.SetWeightsOffset(conv.WeightsOffset)
	hwArg.SetBNOffset(conv.BNOffset)
	hwArg.SetActOffset(conv.ActOffset)
	hwArg.SetSendDataOut(conv.MainMemOut())

	if conv.MainMemOut() {
		e.Accel.SendLayer(hwArg)
		dest := execCtx.Scratch[conv.MainMemOutAddress:]
		done := e.Accel.StartOutputDMA(context.Background(), ch, dest, hwArg.DMATotalByte())
		go func() {
			<-done
			e.Accel.Sem.Give()
		}()
		return StateAwaitingIrq, nil
	}

	e.Accel.ArmLayerInterrupt(&hwArg)
	e.Accel.SendLayer(hwArg)
	// No CPU-side model of the KPU's actual convolution arithmetic
	// exists in this package (the accelerator is opaque by spec); the
	// completion interrupt a real device would eventually raise is
	// synthesized here so the state machine can progress.
	e.Accel.SimulateLayerCompletion()
	return StateAwaitingIrq, nil
}

// dispatchAuxiliary runs one non-convolutional layer's CPU kernel
// synchronously against the scratch buffer (spec.md §4.5).
func (e *Engine) dispatchAuxiliary(execCtx *kmodel.ExecContext, t kmodel.LayerType, body []byte) error {
	scratch := execCtx.Scratch
	switch t {
	case kmodel.KLAdd:
		b, ok := kmodel.DecodeAddLayerBody(body)
		if !ok {
			return bodyErr()
		}
		kernel.Add(scratch[b.MainMemInA:], scratch[b.MainMemInB:], scratch[b.MainMemOut:], int(b.Count))

	case kmodel.KLQuantizedAdd:
		b, ok := kmodel.DecodeQuantizedAddLayerBody(body)
		if !ok {
			return bodyErr()
		}
		kernel.QuantizedAdd(scratch[b.MainMemInA:], scratch[b.MainMemInB:], scratch[b.MainMemOut:], int(b.Count),
			kernel.QuantizedAddParams{Offset: int64(b.InAOffset), Mul: int64(b.InAMul), Shift: int64(b.InAShift)},
			kernel.QuantizedAddParams{Offset: int64(b.InBOffset), Mul: int64(b.InBMul), Shift: int64(b.InBShift)},
			kernel.QuantizedAddParams{Offset: int64(b.OutOffset), Mul: int64(b.OutMul), Shift: int64(b.OutShift)})

	case kmodel.KLGlobalAveragePool2D:
		b, ok := kmodel.DecodeGAP2DLayerBody(body)
		if !ok {
			return bodyErr()
		}
		kernel.GlobalAveragePool2D(scratch[b.MainMemIn:], scratch[b.MainMemOut:], int(b.Channels), int(b.KernelSize))

	case kmodel.KLQuantizedMaxPool2D:
		b, ok := kmodel.DecodeQuantMaxPool2DLayerBody(body)
		if !ok {
			return bodyErr()
		}
		in := kernel.Shape{Width: int(b.InShape.Width), Height: int(b.InShape.Height), Channels: int(b.InShape.Channels)}
		out := kernel.Shape{Width: int(b.OutShape.Width), Height: int(b.OutShape.Height), Channels: int(b.OutShape.Channels)}
		kernel.QuantizedMaxPool2D(scratch[b.MainMemIn:], scratch[b.MainMemOut:], in, out,
			int(b.KernelWidth), int(b.KernelHeight), int(b.StrideWidth), int(b.StrideHeight), int(b.PaddingWidth), int(b.PaddingHeight))

	case kmodel.KLQuantize:
		b, ok := kmodel.DecodeQuantizeLayerBody(body)
		if !ok {
			return bodyErr()
		}
		kernel.Quantize(scratch[b.MainMemIn:], scratch[b.MainMemOut:], int(b.Count), b.Quant.Scale, b.Quant.Bias)

	case kmodel.KLDequantize:
		b, ok := kmodel.DecodeDequantizeLayerBody(body)
		if !ok {
			return bodyErr()
		}
		kernel.Dequantize(scratch[b.MainMemIn:], scratch[b.MainMemOut:], int(b.Count), b.Quant.Scale, b.Quant.Bias)

	case kmodel.KLRequantize:
		b, ok := kmodel.DecodeRequantizeLayerBody(body)
		if !ok {
			return bodyErr()
		}
		kernel.Requantize(scratch[b.MainMemIn:], scratch[b.MainMemOut:], int(b.Count), b.Table)

	case kmodel.KLL2Normalization:
		b, ok := kmodel.DecodeL2NormLayerBody(body)
		if !ok {
			return bodyErr()
		}
		kernel.L2Normalize(scratch[b.MainMemIn:], scratch[b.MainMemOut:], int(b.Channels))

	case kmodel.KLSoftmax:
		b, ok := kmodel.DecodeSoftmaxLayerBody(body)
		if !ok {
			return bodyErr()
		}
		kernel.Softmax(scratch[b.MainMemIn:], scratch[b.MainMemOut:], int(b.Channels))

	case kmodel.KLConcat, kmodel.KLQuantizedConcat:
		// Concat and quantized-concat share one handler (spec.md §4.2
		// tie-break): quantized concat is a plain byte copy once the
		// compiler has unified its inputs' quantization parameters.
		b, ok := kmodel.DecodeConcatLayerBody(body)
		if !ok {
			return bodyErr()
		}
		inputs := make([]kernel.MemoryRange, len(b.Inputs))
		for i, in := range b.Inputs {
			inputs[i] = kernel.MemoryRange{Start: int(in.Start), Size: int(in.Size)}
		}
		kernel.Concat(scratch, inputs, scratch[b.MainMemOut:])

	case kmodel.KLK210AddPadding:
		b, ok := kmodel.DecodeAddPaddingLayerBody(body)
		if !ok {
			return bodyErr()
		}
		stage.AddPadding(e.Accel.SRAM()[b.KPUMemOut:], scratch[b.MainMemIn:], int(b.Channels))

	case kmodel.KLK210RemovePadding:
		b, ok := kmodel.DecodeRemovePaddingLayerBody(body)
		if !ok {
			return bodyErr()
		}
		stage.RemovePadding(scratch[b.MainMemOut:], scratch[b.MainMemIn:], int(b.Channels))

	case kmodel.KLK210Upload:
		b, ok := kmodel.DecodeUploadLayerBody(body)
		if !ok {
			return bodyErr()
		}
		stage.PlanarToTiled(e.Accel.SRAM()[b.KPUMemOut:], scratch[b.MainMemIn:], int(b.Width), int(b.Height), int(b.Channels), false)

	default:
		// Unknown layer type mid-stream is a toolchain/artifact bug
		// (spec.md §7), surfaced as BadArtifact rather than the
		// original's debug-only assertion.
		return fmt.Errorf("%w: unknown layer type %d", kmodel.ErrBadArtifact, t)
	}
	return nil
}

func bodyErr() error {
	return fmt.Errorf("%w: truncated auxiliary layer body", kmodel.ErrBadArtifact)
}

// waitDMA blocks until a DMA completion channel closes or ctx is
// cancelled.
func waitDMA(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
