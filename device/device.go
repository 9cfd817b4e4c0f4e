// Package device is the upward-facing shell spec.md §6 names: the
// surface an OS-level device abstraction (or, in this port, a CLI or
// HTTP sidecar) binds to. It installs the device, reference-counts
// clock gating across opens/closes, loads one kmodel at a time, and
// runs inferences against it.
//
// Grounded on the teacher's internal/backend.Backend interface shape
// (Name/LoadModel), generalized here from "pick a compute backend" to
// "the single registered KPU device instance" — spec.md explicitly
// rules out concurrent multi-inference, so Device is a single
// constructible type rather than a registry.
package device

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/canaan-creative/kpu-runtime/internal/accel"
	"github.com/canaan-creative/kpu-runtime/internal/engine"
	"github.com/canaan-creative/kpu-runtime/internal/logger"
	"github.com/canaan-creative/kpu-runtime/internal/platform"
	"github.com/canaan-creative/kpu-runtime/pkg/kmodel"
)

// Handle names a loaded model. It is opaque to callers; it exists so a
// stale reference (from a model that has since been replaced by a
// fresh ModelLoadFromBuffer call) is rejected rather than silently
// read against the wrong container.
type Handle uint64

var errStaleHandle = errors.New("device: handle does not refer to the currently loaded model")

// Device owns the clock gate, the accelerator, and at most one loaded
// model's Engine at a time.
type Device struct {
	Clock platform.Clock
	Alloc platform.DMAAllocator
	IRQ   platform.InterruptController
	Sem   platform.Semaphore
	Crit  platform.CriticalSection
	Mutex platform.Mutex

	// Policy and SRAMSize configure every Engine/Accelerator this
	// Device builds in ModelLoadFromBuffer.
	Policy   accel.InterruptPolicy
	SRAMSize int

	// Log records install/open/close lifecycle events and is handed to
	// every Engine this Device builds, so per-layer timing reaches the
	// same sink (spec.md §4.9). Nil falls back to logger.Default().
	Log logger.Logger

	installMu sync.Mutex
	openCount int

	nextHandle uint64 // atomic

	loadMu    sync.Mutex
	handle    Handle
	container *kmodel.Container
	engine    *engine.Engine
}

func (d *Device) log() logger.Logger {
	if d.Log != nil {
		return d.Log
	}
	return logger.Default()
}

// Install initializes the device and gates its clock off, matching
// spec.md §6's install().
func (d *Device) Install() {
	d.installMu.Lock()
	defer d.installMu.Unlock()
	d.openCount = 0
	d.Clock.Disable()
	d.log().Debug("device installed")
}

// OnFirstOpen enables the clock the first time any opener attaches;
// OnLastClose disables it once the last opener detaches
// (reference-counted gating, spec.md §6).
func (d *Device) OnFirstOpen() {
	d.installMu.Lock()
	defer d.installMu.Unlock()
	d.openCount++
	if d.openCount == 1 {
		d.Clock.Enable()
		d.log().Debug("device opened", "openCount", d.openCount)
	}
}

func (d *Device) OnLastClose() {
	d.installMu.Lock()
	defer d.installMu.Unlock()
	if d.openCount == 0 {
		return
	}
	d.openCount--
	if d.openCount == 0 {
		d.Clock.Disable()
		d.log().Debug("device closed")
	}
}

// ModelLoadFromBuffer parses buf as a kmodel, replacing any
// previously-loaded model, and returns a handle for Run/GetOutput.
// Failures here are loud and non-recoverable for this call (spec.md
// §7's load propagation policy): the caller gets the raw kmodel error.
func (d *Device) ModelLoadFromBuffer(buf []byte) (Handle, error) {
	container, err := kmodel.Load(buf)
	if err != nil {
		return 0, err
	}
	return d.loadContainer(container)
}

// ModelLoadFromFile opens path as a kmodel, preferring the mmap-backed
// kmodel.Open over reading the whole artifact onto the Go heap, and
// replaces any previously-loaded model.
func (d *Device) ModelLoadFromFile(path string) (Handle, error) {
	container, err := kmodel.Open(path)
	if err != nil {
		return 0, err
	}
	return d.loadContainer(container)
}

// loadContainer installs container as the device's active model,
// replacing (and closing) whatever was loaded before. The previous
// container is closed after loadMu is released, so a ModelLoadFromFile
// reload never unmaps a file while holding the lock GetOutput/Container
// also take.
func (d *Device) loadContainer(container *kmodel.Container) (Handle, error) {
	a := accel.New(d.IRQ, d.Sem, d.SRAMSize)
	a.Policy = d.Policy
	a.ConfigureForModel(container.EightBitMode())

	d.loadMu.Lock()
	prev := d.container
	d.handle = Handle(atomic.AddUint64(&d.nextHandle, 1))
	d.container = container
	d.engine = &engine.Engine{
		Container: container,
		Accel:     a,
		Alloc:     d.Alloc,
		Mutex:     d.Mutex,
		Crit:      d.Crit,
		Log:       d.log(),
	}
	handle := d.handle
	d.loadMu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	d.log().Debug("model loaded", "handle", handle)
	return handle, nil
}

// Run executes one inference against the model named by h, surfacing
// spec.md §7's negative-status propagation policy through StatusCode
// for ABI-style callers.
func (d *Device) Run(ctx context.Context, h Handle, src []byte) error {
	eng, err := d.engineFor(h)
	if err != nil {
		return err
	}
	return eng.Run(ctx, src)
}

// GetOutput resolves output index against the model named by h and
// returns a borrowed slice over the scratch buffer.
func (d *Device) GetOutput(h Handle, index int) ([]byte, error) {
	d.loadMu.Lock()
	defer d.loadMu.Unlock()
	if h != d.handle || d.container == nil {
		return nil, errStaleHandle
	}
	region, err := d.container.Output(index)
	if err != nil {
		return nil, err
	}
	scratch := d.container.Scratch()
	return scratch[region.Offset : region.Offset+region.Size], nil
}

// Container resolves h to its loaded kmodel.Container, for read-only
// callers (internal/inspect) that need header/layer/output metadata
// without the ability to run an inference.
func (d *Device) Container(h Handle) (*kmodel.Container, error) {
	d.loadMu.Lock()
	defer d.loadMu.Unlock()
	if h != d.handle || d.container == nil {
		return nil, errStaleHandle
	}
	return d.container, nil
}

func (d *Device) engineFor(h Handle) (*engine.Engine, error) {
	d.loadMu.Lock()
	defer d.loadMu.Unlock()
	if h != d.handle || d.engine == nil {
		return nil, errStaleHandle
	}
	return d.engine, nil
}

// StatusCode maps a sentinel error from ModelLoadFromBuffer/Run/
// GetOutput to a negative integer, for any caller that needs the
// original's C-ABI-style status convention (spec.md §7) rather than a
// Go error value. nil maps to 0.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, kmodel.ErrBadArtifact):
		return -1
	case errors.Is(err, kmodel.ErrOutOfRange):
		return -2
	case errors.Is(err, engine.ErrFirstLayerNotConv):
		return -3
	case errors.Is(err, engine.ErrResourceExhausted):
		return -4
	case errors.Is(err, errStaleHandle):
		return -5
	default:
		return -128
	}
}
