package kmodel

// LayerType is a kmodel layer's type tag. The set is closed: an
// unrecognized value encountered while walking the body stream is a
// toolchain/artifact bug (ErrBadArtifact), never a forward-compatible
// skip.
type LayerType uint32

const (
	KLAdd LayerType = iota
	KLQuantizedAdd
	KLGlobalAveragePool2D
	KLQuantizedMaxPool2D
	KLQuantize
	KLDequantize
	KLRequantize
	KLL2Normalization
	KLSoftmax
	KLConcat
	KLQuantizedConcat
	KLK210Conv
	KLK210AddPadding
	KLK210RemovePadding
	KLK210Upload
)

func (t LayerType) String() string {
	switch t {
	case KLAdd:
		return "Add"
	case KLQuantizedAdd:
		return "QuantAdd"
	case KLGlobalAveragePool2D:
		return "GAP"
	case KLQuantizedMaxPool2D:
		return "QuantMaxPool2d"
	case KLQuantize:
		return "Quantize"
	case KLDequantize:
		return "Dequantize"
	case KLRequantize:
		return "Requantize"
	case KLL2Normalization:
		return "L2Norm"
	case KLSoftmax:
		return "Softmax"
	case KLConcat:
		return "Concat"
	case KLQuantizedConcat:
		return "QuantConcat"
	case KLK210Conv:
		return "K210Conv"
	case KLK210AddPadding:
		return "K210AddPad"
	case KLK210RemovePadding:
		return "K210RemovePad"
	case KLK210Upload:
		return "K210Upload"
	default:
		return "Unknown"
	}
}

// headerSize is the byte size of Header's on-disk encoding: six u32
// fields (version, arch, flags, output_count, layers_length,
// main_mem_usage). Real nncase kmodels carry additional compiler
// metadata after these fields; this engine only reads the prefix it
// needs.
const headerSize = 6 * 4

// Header is the fixed prefix of a kmodel buffer.
type Header struct {
	Version      uint32
	Arch         uint32
	Flags        uint32
	OutputCount  uint32
	LayersLength uint32
	MainMemUsage uint32
}

// FlagEightBitMode is header.Flags bit 0.
const FlagEightBitMode uint32 = 1 << 0

// EightBitMode reports whether the model runs the accelerator in
// eight-bit (quantized) mode.
func (h Header) EightBitMode() bool {
	return h.Flags&FlagEightBitMode != 0
}

const outputDescriptorSize = 2 * 4

// OutputDescriptor locates one model output inside the scratch buffer.
type OutputDescriptor struct {
	Offset uint32
	Size   uint32
}

const layerHeaderSize = 2 * 4

// LayerHeader names a layer's type tag and the size of its body record
// in the body stream; the next layer's body starts immediately after.
type LayerHeader struct {
	Type     LayerType
	BodySize uint32
}

// Region is a resolved byte range, typically inside the scratch buffer.
type Region struct {
	Offset int
	Size   int
}

// ConvLayerBody is the body record for a KLK210Conv layer.
//
// LayerOffset, WeightsOffset, BNOffset and ActOffset are byte offsets
// into the model buffer, not the scratch buffer (per the data model's
// "no heap for weights" rule, the engine reads them in place).
type ConvLayerBody struct {
	LayerOffset       uint32
	WeightsOffset     uint32
	BNOffset          uint32
	ActOffset         uint32
	Flags             uint32
	MainMemOutAddress uint32
}

// FlagMainMemOut is ConvLayerBody.Flags bit 0: the layer's output is
// streamed by DMA into the scratch buffer rather than left resident in
// accelerator SRAM.
const FlagMainMemOut uint32 = 1 << 0

func (c ConvLayerBody) MainMemOut() bool {
	return c.Flags&FlagMainMemOut != 0
}

const convLayerBodySize = 6 * 4
