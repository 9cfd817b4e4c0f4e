package kmodel

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Container is a parsed, loaded kmodel artifact. It borrows the model
// buffer passed to Load and owns the scratch buffer for its lifetime;
// the model buffer must outlive the Container and any ExecContext
// bound from it (data model invariant, spec.md §3).
type Container struct {
	modelBuffer []byte
	scratch     []byte
	mmapped     bool

	header       Header
	outputs      []OutputDescriptor
	layerHeaders []LayerHeader
	bodyStart    int // offset into modelBuffer
}

// EightBitMode reports the header's FlagEightBitMode bit, for callers
// (internal/accel.ConfigureForModel) that need it without re-parsing
// the header themselves.
func (c *Container) EightBitMode() bool { return c.header.EightBitMode() }

// Load validates the header and records the container's section
// pointers. It does not allocate or copy the model buffer; buf must
// remain valid and unmodified for the Container's lifetime.
func Load(buf []byte) (*Container, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("%w: header", ErrTruncated)
	}
	le := binary.LittleEndian
	hdr := Header{
		Version:      le.Uint32(buf[0:4]),
		Arch:         le.Uint32(buf[4:8]),
		Flags:        le.Uint32(buf[8:12]),
		OutputCount:  le.Uint32(buf[12:16]),
		LayersLength: le.Uint32(buf[16:20]),
		MainMemUsage: le.Uint32(buf[20:24]),
	}
	if hdr.Version != 3 || hdr.Arch != 0 {
		return nil, fmt.Errorf("%w: version=%d arch=%d", ErrBadArtifact, hdr.Version, hdr.Arch)
	}

	outputsStart := headerSize
	outputsEnd := outputsStart + int(hdr.OutputCount)*outputDescriptorSize
	if outputsEnd > len(buf) {
		return nil, fmt.Errorf("%w: output table", ErrTruncated)
	}
	outputs := make([]OutputDescriptor, hdr.OutputCount)
	for i := range outputs {
		off := outputsStart + i*outputDescriptorSize
		outputs[i] = OutputDescriptor{
			Offset: le.Uint32(buf[off : off+4]),
			Size:   le.Uint32(buf[off+4 : off+8]),
		}
	}

	layersStart := outputsEnd
	layersEnd := layersStart + int(hdr.LayersLength)*layerHeaderSize
	if layersEnd > len(buf) {
		return nil, fmt.Errorf("%w: layer header table", ErrTruncated)
	}
	layerHeaders := make([]LayerHeader, hdr.LayersLength)
	for i := range layerHeaders {
		off := layersStart + i*layerHeaderSize
		layerHeaders[i] = LayerHeader{
			Type:     LayerType(le.Uint32(buf[off : off+4])),
			BodySize: le.Uint32(buf[off+4 : off+8]),
		}
	}

	return &Container{
		modelBuffer:  buf,
		scratch:      make([]byte, hdr.MainMemUsage),
		header:       hdr,
		outputs:      outputs,
		layerHeaders: layerHeaders,
		bodyStart:    layersEnd,
	}, nil
}

// Open maps a kmodel file read-only and loads it, preferring a
// zero-copy mmap of the model buffer (matching the teacher's
// pkg/mcf.Open) over copying the whole artifact onto the Go heap. If
// mmap is unavailable it falls back to a plain read. The returned
// Container's Close unmaps the file; callers that already hold an
// in-memory buffer (e.g. one received over the network) should call
// Load directly instead.
func Open(path string) (*Container, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := int(stat.Size())
	if size < headerSize {
		return nil, fmt.Errorf("%w: header", ErrTruncated)
	}

	if data, mmapErr := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED); mmapErr == nil {
		c, loadErr := Load(data)
		if loadErr != nil {
			_ = unix.Munmap(data)
			return nil, loadErr
		}
		c.mmapped = true
		return c, nil
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(buf)
}

// Close releases the mmap Open acquired, if any. It is a no-op for a
// Container built with Load, whose buffer is caller-owned and outlives
// the Container by contract (spec.md §3). Close must not be called
// while an inference is bound against this Container.
func (c *Container) Close() error {
	if c == nil || !c.mmapped {
		return nil
	}
	err := unix.Munmap(c.modelBuffer)
	c.mmapped = false
	c.modelBuffer = nil
	return err
}

// ExecContext is the per-inference cursor state bound from a
// Container. The engine package owns stepping it forward; Container
// only populates the initial values.
type ExecContext struct {
	ModelBuffer  []byte
	Scratch      []byte
	LayerHeaders []LayerHeader
	Outputs      []OutputDescriptor

	CurrentLayer int // index into LayerHeaders
	CurrentBody  int // offset into ModelBuffer
}

// Bind populates ctx with the container's pointers and resets the
// cursor to the start of the body stream.
func (c *Container) Bind(ctx *ExecContext) {
	ctx.ModelBuffer = c.modelBuffer
	ctx.Scratch = c.scratch
	ctx.LayerHeaders = c.layerHeaders
	ctx.Outputs = c.outputs
	ctx.CurrentLayer = 0
	ctx.CurrentBody = c.bodyStart
}

// Output resolves an output descriptor against the scratch buffer.
func (c *Container) Output(index int) (Region, error) {
	if index < 0 || index >= len(c.outputs) {
		return Region{}, fmt.Errorf("%w: index %d, have %d outputs", ErrOutOfRange, index, len(c.outputs))
	}
	d := c.outputs[index]
	return Region{Offset: int(d.Offset), Size: int(d.Size)}, nil
}

// OutputCount returns the number of output descriptors.
func (c *Container) OutputCount() int { return len(c.outputs) }

// LayerCount returns the number of layers in the stream.
func (c *Container) LayerCount() int { return len(c.layerHeaders) }

// LayerHeaderAt returns the layer header at index i.
func (c *Container) LayerHeaderAt(i int) LayerHeader { return c.layerHeaders[i] }

// Scratch returns the owned scratch buffer. Callers reading an output
// region should prefer Output/ExecContext.Scratch; this accessor exists
// for device.Device.GetOutput and tests.
func (c *Container) Scratch() []byte { return c.scratch }

// Weights returns a borrowed slice over the model buffer at the given
// offset/size — used by convolutional layers to reach their
// weights/batch-norm/activation-table blocks without copying them onto
// the heap (spec.md design note "No heap for weights").
func (c *Container) Weights(offset, size uint32) []byte {
	return c.modelBuffer[offset : offset+size]
}

// String renders a one-line debug summary used by the CLI's inspect
// subcommand.
func (c *Container) String() string {
	return fmt.Sprintf("kmodel: %d layers, %d outputs, %d bytes scratch",
		len(c.layerHeaders), len(c.outputs), len(c.scratch))
}
