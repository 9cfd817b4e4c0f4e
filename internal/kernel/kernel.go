// Package kernel implements the CPU reference kernels for the
// auxiliary (non-convolutional) kmodel layers: elementwise add, the
// quantized variants of add and max-pool, quantize/dequantize/
// requantize, L2-normalize, softmax and concat.
//
// Every kernel here operates on scratch-buffer byte slices passed in
// directly by the caller (internal/engine) — there is no package-level
// state. Bit-exactness is required for the quantized kernels: none of
// them reorder operations in a way that would change saturation
// behavior from a straight port of the reference arithmetic.
package kernel

import "encoding/binary"

// clampByte saturates v to [0, 255].
func clampByte(v int64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 0xFF {
		return 0xFF
	}
	return uint8(v)
}

// Add computes d[i] = a[i] + b[i] over float32 scratch regions, each
// encoded little-endian as 4-byte runs (spec.md §4.5 "add (float)").
func Add(a, b, dst []byte, count int) {
	for i := 0; i < count; i++ {
		av := readF32(a, i)
		bv := readF32(b, i)
		writeF32(dst, i, av+bv)
	}
}

// QuantizedAddParams is the (offset, multiplier, shift) triple spec.md
// §4.5 applies per quantized-add operand.
type QuantizedAddParams struct {
	Offset int64
	Mul    int64
	Shift  int64
}

// QuantizedAdd implements spec.md §4.5's two-branch uint8 add. All
// arithmetic happens in int64 exactly as specified, and the two
// branches (sh_a == sh_b vs not) are kept separate rather than unified
// behind a generic shift helper, because unifying them changes the
// order shifts happen relative to the sum — which would be the exact
// saturation-order violation the spec forbids.
func QuantizedAdd(a, b, dst []byte, count int, pa, pb, po QuantizedAddParams) {
	if pa.Shift == pb.Shift {
		sh := pa.Shift
		for i := 0; i < count; i++ {
			av := (int64(a[i]) + pa.Offset) * pa.Mul
			bv := (int64(b[i]) + pb.Offset) * pb.Mul
			value := ((av+bv)>>sh)*po.Mul>>po.Shift + po.Offset
			dst[i] = clampByte(value)
		}
		return
	}
	for i := 0; i < count; i++ {
		av := (int64(a[i]) + pa.Offset) * pa.Mul >> pa.Shift
		bv := (int64(b[i]) + pb.Offset) * pb.Mul >> pb.Shift
		value := (av+bv)*po.Mul>>po.Shift + po.Offset
		dst[i] = clampByte(value)
	}
}

// GlobalAveragePool2D computes d[c] = mean(src[c*kernelSize : (c+1)*kernelSize])
// over float32 regions, for channels output channels.
func GlobalAveragePool2D(src, dst []byte, channels, kernelSize int) {
	for c := 0; c < channels; c++ {
		var sum float32
		base := c * kernelSize
		for i := 0; i < kernelSize; i++ {
			sum += readF32(src, base+i)
		}
		writeF32(dst, c, sum/float32(kernelSize))
	}
}

// Shape is a packed (width, height, channels) tensor shape.
type Shape struct {
	Width, Height, Channels int
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// QuantizedMaxPool2D implements spec.md §4.5's standard max pool with a
// per-output clipped kernel window. The running max starts at 0 (not a
// numeric minimum) because inputs are unsigned uint8 with zero as their
// minimum value.
func QuantizedMaxPool2D(src, dst []byte, in, out Shape, kernelW, kernelH, strideW, strideH, padW, padH int) {
	for oc := 0; oc < out.Channels; oc++ {
		channelSrc := src[in.Width*in.Height*oc:]
		for oy := 0; oy < out.Height; oy++ {
			for ox := 0; ox < out.Width; ox++ {
				inXOrigin := ox*strideW - padW
				inYOrigin := oy*strideH - padH
				kxStart := maxInt(0, -inXOrigin)
				kxEnd := minInt(kernelW, in.Width-inXOrigin)
				kyStart := maxInt(0, -inYOrigin)
				kyEnd := minInt(kernelH, in.Height-inYOrigin)

				var value uint8
				for ky := kyStart; ky < kyEnd; ky++ {
					for kx := kxStart; kx < kxEnd; kx++ {
						inX := inXOrigin + kx
						inY := inYOrigin + ky
						v := channelSrc[inY*in.Width+inX]
						if v > value {
							value = v
						}
					}
				}
				dst[0] = value
				dst = dst[1:]
			}
		}
	}
}

// Quantize converts float32 src to uint8 dst via v = (src-bias)*(1/scale),
// clamped to [0,255] (spec.md §4.5 "quantize").
func Quantize(src, dst []byte, count int, scale, bias float32) {
	inv := 1 / scale
	for i := 0; i < count; i++ {
		v := (readF32(src, i) - bias) * inv
		dst[i] = clampByte(int64(v))
	}
}

// Dequantize converts uint8 src to float32 dst via d = src*scale+bias.
func Dequantize(src, dst []byte, count int, scale, bias float32) {
	for i := 0; i < count; i++ {
		writeF32(dst, i, float32(src[i])*scale+bias)
	}
}

// Requantize maps each input byte through a 256-entry lookup table.
func Requantize(src, dst []byte, count int, table [256]byte) {
	for i := 0; i < count; i++ {
		dst[i] = table[src[i]]
	}
}

// l2Epsilon is the fixed numerical-stability floor spec.md §4.5
// requires for L2Normalize; it must never be dropped or the kernel can
// divide by (near) zero on an all-zero input.
const l2Epsilon = 1e-10

// L2Normalize scales src by 1/sqrt(max(sum(src^2), l2Epsilon)). For an
// all-zero input the sum floors to l2Epsilon, so the output is all
// zero rather than NaN/Inf.
func L2Normalize(src, dst []byte, channels int) {
	var sum float32
	for c := 0; c < channels; c++ {
		v := readF32(src, c)
		sum += v * v
	}
	if sum < l2Epsilon {
		sum = l2Epsilon
	}
	scale := 1 / sqrtf32(sum)
	for c := 0; c < channels; c++ {
		writeF32(dst, c, readF32(src, c)*scale)
	}
}

// Softmax subtracts the maximum for numerical stability, exponentiates,
// then normalizes by the sum.
//
// Deviation from the original: the original initializes the running
// maximum to FLT_MIN (the smallest positive normal), which is wrong for
// all-negative logits. This port initializes it to the first element,
// per spec.md §9's resolution of that open question.
func Softmax(src, dst []byte, channels int) {
	if channels == 0 {
		return
	}
	max := readF32(src, 0)
	for c := 1; c < channels; c++ {
		if v := readF32(src, c); v > max {
			max = v
		}
	}

	var sum float32
	for c := 0; c < channels; c++ {
		v := expf32(readF32(src, c) - max)
		sum += v
		writeF32(dst, c, v)
	}
	for c := 0; c < channels; c++ {
		writeF32(dst, c, readF32(dst, c)/sum)
	}
}

// MemoryRange is a (start, size) slice of a source buffer, used by
// Concat's variable-length input list.
type MemoryRange struct {
	Start, Size int
}

// Concat byte-copies each input slice from src into dst contiguously,
// in descriptor order. It serves both KLConcat and KLQuantizedConcat:
// quantized concat is a plain byte copy, identical to unquantized
// concat, since the quantization parameters of all inputs are already
// unified by the compiler before concat runs.
func Concat(src []byte, inputs []MemoryRange, dst []byte) {
	off := 0
	for _, in := range inputs {
		n := copy(dst[off:], src[in.Start:in.Start+in.Size])
		off += n
	}
}

func readF32(b []byte, i int) float32 {
	return float32FromBits(binary.LittleEndian.Uint32(b[i*4:]))
}

func writeF32(b []byte, i int, v float32) {
	binary.LittleEndian.PutUint32(b[i*4:], float32Bits(v))
}
