package kmodel

import "encoding/binary"

// Shape is a packed (width, height, channels) tensor shape, used by the
// pooling layer bodies.
type Shape struct {
	Width    uint32
	Height   uint32
	Channels uint32
}

func decodeShape(b []byte) Shape {
	return Shape{
		Width:    binary.LittleEndian.Uint32(b[0:4]),
		Height:   binary.LittleEndian.Uint32(b[4:8]),
		Channels: binary.LittleEndian.Uint32(b[8:12]),
	}
}

const shapeSize = 12

// QuantParam is the (scale, bias) pair approximating an affine mapping
// between the real and 8-bit domains.
type QuantParam struct {
	Scale float32
	Bias  float32
}

func decodeQuantParam(b []byte) QuantParam {
	return QuantParam{
		Scale: float32FromBits(binary.LittleEndian.Uint32(b[0:4])),
		Bias:  float32FromBits(binary.LittleEndian.Uint32(b[4:8])),
	}
}

const quantParamSize = 8

// AddLayerBody is the KLAdd record: elementwise float add.
type AddLayerBody struct {
	MainMemInA  uint32
	MainMemInB  uint32
	MainMemOut  uint32
	Count       uint32
}

func DecodeAddLayerBody(b []byte) (AddLayerBody, bool) {
	if len(b) < 16 {
		return AddLayerBody{}, false
	}
	le := binary.LittleEndian
	return AddLayerBody{
		MainMemInA: le.Uint32(b[0:4]),
		MainMemInB: le.Uint32(b[4:8]),
		MainMemOut: le.Uint32(b[8:12]),
		Count:      le.Uint32(b[12:16]),
	}, true
}

// QuantizedAddLayerBody is the KLQuantizedAdd record. Offsets and
// shifts are signed since the compiler may choose a negative zero
// point; multipliers may also be negative for sign-flipping adds.
type QuantizedAddLayerBody struct {
	MainMemInA uint32
	MainMemInB uint32
	MainMemOut uint32
	Count      uint32

	InAOffset int32
	InAMul    int32
	InAShift  int32

	InBOffset int32
	InBMul    int32
	InBShift  int32

	OutOffset int32
	OutMul    int32
	OutShift  int32
}

const quantizedAddLayerBodySize = 13 * 4

func DecodeQuantizedAddLayerBody(b []byte) (QuantizedAddLayerBody, bool) {
	if len(b) < quantizedAddLayerBodySize {
		return QuantizedAddLayerBody{}, false
	}
	le := binary.LittleEndian
	u32 := func(off int) int32 { return int32(le.Uint32(b[off : off+4])) }
	return QuantizedAddLayerBody{
		MainMemInA: le.Uint32(b[0:4]),
		MainMemInB: le.Uint32(b[4:8]),
		MainMemOut: le.Uint32(b[8:12]),
		Count:      le.Uint32(b[12:16]),
		InAOffset:  u32(16),
		InAMul:     u32(20),
		InAShift:   u32(24),
		InBOffset:  u32(28),
		InBMul:     u32(32),
		InBShift:   u32(36),
		OutOffset:  u32(40),
		OutMul:     u32(44),
		OutShift:   u32(48),
	}, true
}

// GAP2DLayerBody is the KLGlobalAveragePool2D record.
type GAP2DLayerBody struct {
	MainMemIn  uint32
	MainMemOut uint32
	Channels   uint32
	KernelSize uint32
}

func DecodeGAP2DLayerBody(b []byte) (GAP2DLayerBody, bool) {
	if len(b) < 16 {
		return GAP2DLayerBody{}, false
	}
	le := binary.LittleEndian
	return GAP2DLayerBody{
		MainMemIn:  le.Uint32(b[0:4]),
		MainMemOut: le.Uint32(b[4:8]),
		Channels:   le.Uint32(b[8:12]),
		KernelSize: le.Uint32(b[12:16]),
	}, true
}

// QuantMaxPool2DLayerBody is the KLQuantizedMaxPool2D record.
type QuantMaxPool2DLayerBody struct {
	MainMemIn  uint32
	MainMemOut uint32
	InShape    Shape
	OutShape   Shape
	KernelWidth, KernelHeight     uint32
	StrideWidth, StrideHeight     uint32
	PaddingWidth, PaddingHeight   uint32
}

const quantMaxPool2DLayerBodySize = 8 + 2*shapeSize + 6*4

func DecodeQuantMaxPool2DLayerBody(b []byte) (QuantMaxPool2DLayerBody, bool) {
	if len(b) < quantMaxPool2DLayerBodySize {
		return QuantMaxPool2DLayerBody{}, false
	}
	le := binary.LittleEndian
	off := 0
	mainIn := le.Uint32(b[off:])
	off += 4
	mainOut := le.Uint32(b[off:])
	off += 4
	inShape := decodeShape(b[off:])
	off += shapeSize
	outShape := decodeShape(b[off:])
	off += shapeSize
	vals := make([]uint32, 6)
	for i := range vals {
		vals[i] = le.Uint32(b[off:])
		off += 4
	}
	return QuantMaxPool2DLayerBody{
		MainMemIn:     mainIn,
		MainMemOut:    mainOut,
		InShape:       inShape,
		OutShape:      outShape,
		KernelWidth:   vals[0],
		KernelHeight:  vals[1],
		StrideWidth:   vals[2],
		StrideHeight:  vals[3],
		PaddingWidth:  vals[4],
		PaddingHeight: vals[5],
	}, true
}

// QuantizeLayerBody is the KLQuantize record (float -> uint8).
type QuantizeLayerBody struct {
	MainMemIn  uint32
	MainMemOut uint32
	Count      uint32
	Quant      QuantParam
}

func DecodeQuantizeLayerBody(b []byte) (QuantizeLayerBody, bool) {
	if len(b) < 12+quantParamSize {
		return QuantizeLayerBody{}, false
	}
	le := binary.LittleEndian
	return QuantizeLayerBody{
		MainMemIn:  le.Uint32(b[0:4]),
		MainMemOut: le.Uint32(b[4:8]),
		Count:      le.Uint32(b[8:12]),
		Quant:      decodeQuantParam(b[12:]),
	}, true
}

// DequantizeLayerBody is the KLDequantize record (uint8 -> float).
type DequantizeLayerBody struct {
	MainMemIn  uint32
	MainMemOut uint32
	Count      uint32
	Quant      QuantParam
}

func DecodeDequantizeLayerBody(b []byte) (DequantizeLayerBody, bool) {
	if len(b) < 12+quantParamSize {
		return DequantizeLayerBody{}, false
	}
	le := binary.LittleEndian
	return DequantizeLayerBody{
		MainMemIn:  le.Uint32(b[0:4]),
		MainMemOut: le.Uint32(b[4:8]),
		Count:      le.Uint32(b[8:12]),
		Quant:      decodeQuantParam(b[12:]),
	}, true
}

// RequantizeLayerBody is the KLRequantize record: a byte-to-byte lookup
// via an embedded 256-entry table (not an offset elsewhere — the table
// rides along in the body stream).
type RequantizeLayerBody struct {
	MainMemIn  uint32
	MainMemOut uint32
	Count      uint32
	Table      [256]byte
}

const requantizeLayerBodySize = 12 + 256

func DecodeRequantizeLayerBody(b []byte) (RequantizeLayerBody, bool) {
	if len(b) < requantizeLayerBodySize {
		return RequantizeLayerBody{}, false
	}
	le := binary.LittleEndian
	var out RequantizeLayerBody
	out.MainMemIn = le.Uint32(b[0:4])
	out.MainMemOut = le.Uint32(b[4:8])
	out.Count = le.Uint32(b[8:12])
	copy(out.Table[:], b[12:requantizeLayerBodySize])
	return out, true
}

// L2NormLayerBody is the KLL2Normalization record.
type L2NormLayerBody struct {
	MainMemIn  uint32
	MainMemOut uint32
	Channels   uint32
}

// SoftmaxLayerBody is the KLSoftmax record; identical shape to
// L2NormLayerBody but kept as a distinct type for clarity at call
// sites.
type SoftmaxLayerBody struct {
	MainMemIn  uint32
	MainMemOut uint32
	Channels   uint32
}

func decodeChannelsOnlyBody(b []byte) (uint32, uint32, uint32, bool) {
	if len(b) < 12 {
		return 0, 0, 0, false
	}
	le := binary.LittleEndian
	return le.Uint32(b[0:4]), le.Uint32(b[4:8]), le.Uint32(b[8:12]), true
}

func DecodeL2NormLayerBody(b []byte) (L2NormLayerBody, bool) {
	in, out, ch, ok := decodeChannelsOnlyBody(b)
	return L2NormLayerBody{MainMemIn: in, MainMemOut: out, Channels: ch}, ok
}

func DecodeSoftmaxLayerBody(b []byte) (SoftmaxLayerBody, bool) {
	in, out, ch, ok := decodeChannelsOnlyBody(b)
	return SoftmaxLayerBody{MainMemIn: in, MainMemOut: out, Channels: ch}, ok
}

// MemoryRange is a (start, size) slice of the scratch buffer, used by
// concat's variable-length input list.
type MemoryRange struct {
	Start uint32
	Size  uint32
}

// ConcatLayerBody is the KLConcat / KLQuantizedConcat record: they
// share one decode and one kernel since quantized concat is a plain
// byte copy, same as unquantized concat.
type ConcatLayerBody struct {
	MainMemOut uint32
	Inputs     []MemoryRange
}

func DecodeConcatLayerBody(b []byte) (ConcatLayerBody, bool) {
	if len(b) < 8 {
		return ConcatLayerBody{}, false
	}
	le := binary.LittleEndian
	mainOut := le.Uint32(b[0:4])
	count := le.Uint32(b[4:8])
	need := 8 + int(count)*8
	if len(b) < need {
		return ConcatLayerBody{}, false
	}
	inputs := make([]MemoryRange, count)
	for i := range inputs {
		off := 8 + i*8
		inputs[i] = MemoryRange{
			Start: le.Uint32(b[off : off+4]),
			Size:  le.Uint32(b[off+4 : off+8]),
		}
	}
	return ConcatLayerBody{MainMemOut: mainOut, Inputs: inputs}, true
}

// AddPaddingLayerBody is the KLK210AddPadding record.
type AddPaddingLayerBody struct {
	MainMemIn    uint32
	KPUMemOut    uint32
	Channels     uint32
}

func DecodeAddPaddingLayerBody(b []byte) (AddPaddingLayerBody, bool) {
	if len(b) < 12 {
		return AddPaddingLayerBody{}, false
	}
	le := binary.LittleEndian
	return AddPaddingLayerBody{
		MainMemIn: le.Uint32(b[0:4]),
		KPUMemOut: le.Uint32(b[4:8]),
		Channels:  le.Uint32(b[8:12]),
	}, true
}

// RemovePaddingLayerBody is the KLK210RemovePadding record.
type RemovePaddingLayerBody struct {
	MainMemIn  uint32
	MainMemOut uint32
	Channels   uint32
}

func DecodeRemovePaddingLayerBody(b []byte) (RemovePaddingLayerBody, bool) {
	in, out, ch, ok := decodeChannelsOnlyBody(b)
	return RemovePaddingLayerBody{MainMemIn: in, MainMemOut: out, Channels: ch}, ok
}

// UploadLayerBody is the KLK210Upload record.
type UploadLayerBody struct {
	MainMemIn uint32
	KPUMemOut uint32
	Width     uint32
	Height    uint32
	Channels  uint32
}

func DecodeUploadLayerBody(b []byte) (UploadLayerBody, bool) {
	if len(b) < 20 {
		return UploadLayerBody{}, false
	}
	le := binary.LittleEndian
	return UploadLayerBody{
		MainMemIn: le.Uint32(b[0:4]),
		KPUMemOut: le.Uint32(b[4:8]),
		Width:     le.Uint32(b[8:12]),
		Height:    le.Uint32(b[12:16]),
		Channels:  le.Uint32(b[16:20]),
	}, true
}
