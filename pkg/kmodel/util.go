package kmodel

import (
	"encoding/binary"
	"math"
)

func float32FromBits(bits uint32) float32 { return math.Float32frombits(bits) }

func float32Bits(v float32) uint32 { return math.Float32bits(v) }

// DecodeConvLayerBody is the KLK210Conv record.
func DecodeConvLayerBody(b []byte) (ConvLayerBody, bool) {
	if len(b) < convLayerBodySize {
		return ConvLayerBody{}, false
	}
	le := binary.LittleEndian
	return ConvLayerBody{
		LayerOffset:       le.Uint32(b[0:4]),
		WeightsOffset:     le.Uint32(b[4:8]),
		BNOffset:          le.Uint32(b[8:12]),
		ActOffset:         le.Uint32(b[12:16]),
		Flags:             le.Uint32(b[16:20]),
		MainMemOutAddress: le.Uint32(b[20:24]),
	}, true
}
