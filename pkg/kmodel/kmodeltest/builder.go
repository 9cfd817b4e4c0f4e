// Package kmodeltest assembles in-memory kmodel buffers for tests. It
// is the encode-side counterpart of pkg/kmodel's decode-only API: the
// real kmodel compiler is external to this repository, so tests build
// their own fixture buffers here rather than depending on one.
package kmodeltest

import (
	"encoding/binary"
	"math"

	"github.com/canaan-creative/kpu-runtime/pkg/kmodel"
)

// Output describes one entry for Builder.AddOutput.
type Output struct {
	Offset uint32
	Size   uint32
}

// Layer is a not-yet-encoded layer: its type tag and pre-built body
// bytes (built with the *Body helpers below).
type Layer struct {
	Type kmodel.LayerType
	Body []byte
}

// Builder accumulates outputs and layers, then serializes a complete
// kmodel buffer with Build.
type Builder struct {
	Version      uint32
	Arch         uint32
	Flags        uint32
	MainMemUsage uint32

	outputs []Output
	layers  []Layer
}

// NewBuilder returns a Builder pre-set to the version/arch this
// engine accepts.
func NewBuilder(mainMemUsage uint32) *Builder {
	return &Builder{Version: 3, Arch: 0, MainMemUsage: mainMemUsage}
}

func (b *Builder) AddOutput(offset, size uint32) *Builder {
	b.outputs = append(b.outputs, Output{Offset: offset, Size: size})
	return b
}

func (b *Builder) AddLayer(typ kmodel.LayerType, body []byte) *Builder {
	b.layers = append(b.layers, Layer{Type: typ, Body: body})
	return b
}

// Build serializes the header, output table, layer header array and
// body stream, in that order, all little-endian, matching pkg/kmodel's
// decoder exactly.
func (b *Builder) Build() []byte {
	le := binary.LittleEndian

	var bodies []byte
	for _, l := range b.layers {
		bodies = append(bodies, l.Body...)
	}

	headerSize := 6 * 4
	outputsSize := len(b.outputs) * 8
	layersSize := len(b.layers) * 8

	total := headerSize + outputsSize + layersSize + len(bodies)
	buf := make([]byte, total)

	le.PutUint32(buf[0:4], b.Version)
	le.PutUint32(buf[4:8], b.Arch)
	le.PutUint32(buf[8:12], b.Flags)
	le.PutUint32(buf[12:16], uint32(len(b.outputs)))
	le.PutUint32(buf[16:20], uint32(len(b.layers)))
	le.PutUint32(buf[20:24], b.MainMemUsage)

	off := headerSize
	for _, o := range b.outputs {
		le.PutUint32(buf[off:off+4], o.Offset)
		le.PutUint32(buf[off+4:off+8], o.Size)
		off += 8
	}

	for _, l := range b.layers {
		le.PutUint32(buf[off:off+4], uint32(l.Type))
		le.PutUint32(buf[off+4:off+8], uint32(len(l.Body)))
		off += 8
	}

	copy(buf[off:], bodies)
	return buf
}

// --- layer body encoders ---

func u32le(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func i32le(v int32) []byte { return u32le(uint32(v)) }

func f32le(v float32) []byte { return u32le(math.Float32bits(v)) }

// ConvBody encodes a KLK210Conv body.
func ConvBody(layerOffset, weightsOffset, bnOffset, actOffset, flags, mainMemOut uint32) []byte {
	var b []byte
	for _, v := range []uint32{layerOffset, weightsOffset, bnOffset, actOffset, flags, mainMemOut} {
		b = append(b, u32le(v)...)
	}
	return b
}

// HWLayerArgBody encodes a kmodel.HWLayerArg for embedding in the model
// buffer at the offset a ConvBody's layerOffset names.
func HWLayerArgBody(a kmodel.HWLayerArg) []byte {
	buf := make([]byte, kmodel.HWLayerArgSize)
	a.Encode(buf)
	return buf
}

// AddBody encodes a KLAdd body.
func AddBody(inA, inB, out, count uint32) []byte {
	var b []byte
	for _, v := range []uint32{inA, inB, out, count} {
		b = append(b, u32le(v)...)
	}
	return b
}

// QuantizedAddParams bundles the (offset, multiplier, shift) triple
// spec.md §4.5 uses per operand.
type QuantizedAddParams struct {
	Offset, Mul, Shift int32
}

// QuantizedAddBody encodes a KLQuantizedAdd body.
func QuantizedAddBody(inA, inB, out, count uint32, a, bp, o QuantizedAddParams) []byte {
	var buf []byte
	for _, v := range []uint32{inA, inB, out, count} {
		buf = append(buf, u32le(v)...)
	}
	for _, p := range []QuantizedAddParams{a, bp, o} {
		buf = append(buf, i32le(p.Offset)...)
		buf = append(buf, i32le(p.Mul)...)
		buf = append(buf, i32le(p.Shift)...)
	}
	return buf
}

// GAP2DBody encodes a KLGlobalAveragePool2D body.
func GAP2DBody(in, out, channels, kernelSize uint32) []byte {
	var b []byte
	for _, v := range []uint32{in, out, channels, kernelSize} {
		b = append(b, u32le(v)...)
	}
	return b
}

func shapeBody(s kmodel.Shape) []byte {
	var b []byte
	for _, v := range []uint32{s.Width, s.Height, s.Channels} {
		b = append(b, u32le(v)...)
	}
	return b
}

// QuantMaxPool2DBody encodes a KLQuantizedMaxPool2D body.
func QuantMaxPool2DBody(in, out uint32, inShape, outShape kmodel.Shape,
	kw, kh, sw, sh, pw, ph uint32) []byte {
	var b []byte
	b = append(b, u32le(in)...)
	b = append(b, u32le(out)...)
	b = append(b, shapeBody(inShape)...)
	b = append(b, shapeBody(outShape)...)
	for _, v := range []uint32{kw, kh, sw, sh, pw, ph} {
		b = append(b, u32le(v)...)
	}
	return b
}

// QuantizeBody encodes a KLQuantize body.
func QuantizeBody(in, out, count uint32, scale, bias float32) []byte {
	var b []byte
	b = append(b, u32le(in)...)
	b = append(b, u32le(out)...)
	b = append(b, u32le(count)...)
	b = append(b, f32le(scale)...)
	b = append(b, f32le(bias)...)
	return b
}

// DequantizeBody encodes a KLDequantize body.
func DequantizeBody(in, out, count uint32, scale, bias float32) []byte {
	return QuantizeBody(in, out, count, scale, bias)
}

// RequantizeBody encodes a KLRequantize body with an embedded 256-entry
// table.
func RequantizeBody(in, out, count uint32, table [256]byte) []byte {
	var b []byte
	b = append(b, u32le(in)...)
	b = append(b, u32le(out)...)
	b = append(b, u32le(count)...)
	b = append(b, table[:]...)
	return b
}

// ChannelsOnlyBody encodes the shared (in, out, channels) shape used by
// L2Norm, Softmax and RemovePadding.
func ChannelsOnlyBody(in, out, channels uint32) []byte {
	var b []byte
	for _, v := range []uint32{in, out, channels} {
		b = append(b, u32le(v)...)
	}
	return b
}

// ConcatBody encodes a KLConcat / KLQuantizedConcat body.
func ConcatBody(out uint32, inputs []kmodel.MemoryRange) []byte {
	var b []byte
	b = append(b, u32le(out)...)
	b = append(b, u32le(uint32(len(inputs)))...)
	for _, in := range inputs {
		b = append(b, u32le(in.Start)...)
		b = append(b, u32le(in.Size)...)
	}
	return b
}

// AddPaddingBody encodes a KLK210AddPadding body.
func AddPaddingBody(in, kpuOut, channels uint32) []byte {
	var b []byte
	for _, v := range []uint32{in, kpuOut, channels} {
		b = append(b, u32le(v)...)
	}
	return b
}

// UploadBody encodes a KLK210Upload body.
func UploadBody(in, kpuOut, width, height, channels uint32) []byte {
	var b []byte
	for _, v := range []uint32{in, kpuOut, width, height, channels} {
		b = append(b, u32le(v)...)
	}
	return b
}
