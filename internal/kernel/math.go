package kernel

import "math"

func float32FromBits(bits uint32) float32 { return math.Float32frombits(bits) }

func float32Bits(v float32) uint32 { return math.Float32bits(v) }

func sqrtf32(v float32) float32 { return float32(math.Sqrt(float64(v))) }

func expf32(v float32) float32 { return float32(math.Exp(float64(v))) }
