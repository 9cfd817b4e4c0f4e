package kernel_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/canaan-creative/kpu-runtime/internal/kernel"
)

func f32buf(vals ...float32) []byte {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

func readF32(b []byte, i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
}

func TestQuantizedAddSameShift(t *testing.T) {
	t.Parallel()
	a := []byte{10, 20, 30, 40}
	b := []byte{5, 5, 5, 5}
	dst := make([]byte, 4)
	p := kernel.QuantizedAddParams{Offset: 0, Mul: 1, Shift: 0}
	kernel.QuantizedAdd(a, b, dst, 4, p, p, kernel.QuantizedAddParams{Offset: 0, Mul: 1, Shift: 0})
	want := []byte{15, 25, 35, 45}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("dst[%d] = %d, want %d", i, dst[i], want[i])
		}
	}
}

func TestQuantizedAddSaturates(t *testing.T) {
	t.Parallel()
	a := []byte{250, 250, 250, 250}
	b := []byte{10, 20, 30, 40}
	dst := make([]byte, 4)
	p := kernel.QuantizedAddParams{Offset: 0, Mul: 1, Shift: 0}
	kernel.QuantizedAdd(a, b, dst, 4, p, p, p)
	for i, v := range dst {
		if v != 255 {
			t.Fatalf("dst[%d] = %d, want 255", i, v)
		}
	}
}

func TestQuantizedAddAllInputsSaturate(t *testing.T) {
	t.Parallel()
	for _, count := range []int{1, 8, 64} {
		a := make([]byte, count)
		b := make([]byte, count)
		for i := range a {
			a[i] = byte(7 * i)
			b[i] = byte(11 * i)
		}
		dst := make([]byte, count)
		p := kernel.QuantizedAddParams{Offset: 3, Mul: 5, Shift: 2}
		kernel.QuantizedAdd(a, b, dst, count, p, p, kernel.QuantizedAddParams{Offset: -10, Mul: 2, Shift: 1})
		for _, v := range dst {
			if v > 255 {
				t.Fatalf("quantized add produced out-of-range byte %d", v)
			}
		}
	}
}

func TestSoftmaxSumsToOne(t *testing.T) {
	t.Parallel()
	src := f32buf(1000, 1001, 1002)
	dst := make([]byte, len(src))
	kernel.Softmax(src, dst, 3)

	want := []float32{0.0900, 0.2447, 0.6652}
	var sum float32
	for i := 0; i < 3; i++ {
		v := readF32(dst, i)
		sum += v
		if v < 0 {
			t.Fatalf("softmax output %d is negative: %v", i, v)
		}
		if diff := v - want[i]; diff > 1e-3 || diff < -1e-3 {
			t.Fatalf("softmax[%d] = %v, want ~%v", i, v, want[i])
		}
	}
	if diff := sum - 1; diff > 1e-5 || diff < -1e-5 {
		t.Fatalf("softmax sum = %v, want ~1", sum)
	}
}

func TestSoftmaxAllNegativeLogits(t *testing.T) {
	t.Parallel()
	src := f32buf(-5, -1, -3)
	dst := make([]byte, len(src))
	kernel.Softmax(src, dst, 3)

	var sum float32
	for i := 0; i < 3; i++ {
		v := readF32(dst, i)
		if v < 0 {
			t.Fatalf("softmax output %d is negative: %v", i, v)
		}
		sum += v
	}
	if diff := sum - 1; diff > 1e-5 || diff < -1e-5 {
		t.Fatalf("softmax sum = %v, want ~1 even for all-negative logits", sum)
	}
}

func TestL2NormalizeUnitNorm(t *testing.T) {
	t.Parallel()
	src := f32buf(3, 4)
	dst := make([]byte, len(src))
	kernel.L2Normalize(src, dst, 2)

	var sum float32
	for i := 0; i < 2; i++ {
		v := readF32(dst, i)
		sum += v * v
	}
	norm := math.Sqrt(float64(sum))
	if diff := norm - 1; diff > 1e-5 || diff < -1e-5 {
		t.Fatalf("norm = %v, want ~1", norm)
	}
}

func TestL2NormalizeZeroInput(t *testing.T) {
	t.Parallel()
	src := f32buf(0, 0, 0)
	dst := make([]byte, len(src))
	kernel.L2Normalize(src, dst, 3)

	for i := 0; i < 3; i++ {
		if readF32(dst, i) != 0 {
			t.Fatalf("dst[%d] = %v, want 0 for all-zero input", i, readF32(dst, i))
		}
	}
}

func TestQuantizeRoundTrip(t *testing.T) {
	t.Parallel()
	src := f32buf(0.0, 0.5, 1.0)
	dst := make([]byte, 3)
	kernel.Quantize(src, dst, 3, 1.0/255, 0)

	want := []byte{0, 128, 255}
	for i, w := range want {
		if dst[i] != w {
			t.Fatalf("quantize[%d] = %d, want %d", i, dst[i], w)
		}
	}

	deq := make([]byte, 12)
	kernel.Dequantize(dst, deq, 3, 1.0/255, 0)
	wantF := []float32{0.0, 128.0 / 255, 1.0}
	for i, w := range wantF {
		v := readF32(deq, i)
		if diff := v - w; diff > 1e-6 || diff < -1e-6 {
			t.Fatalf("dequantize[%d] = %v, want ~%v", i, v, w)
		}
	}
}

func TestQuantizeClampsRange(t *testing.T) {
	t.Parallel()
	src := f32buf(-10, 100, 0.5)
	dst := make([]byte, 3)
	kernel.Quantize(src, dst, 3, 1.0/255, 0)
	for _, v := range dst {
		if v > 255 {
			t.Fatalf("quantize produced out-of-range byte %d", v)
		}
	}
	if dst[0] != 0 {
		t.Fatalf("quantize clamp low = %d, want 0", dst[0])
	}
	if dst[1] != 255 {
		t.Fatalf("quantize clamp high = %d, want 255", dst[1])
	}
}

func TestRequantizeReversedTable(t *testing.T) {
	t.Parallel()
	var table [256]byte
	for i := range table {
		table[i] = byte(255 - i)
	}
	src := []byte{0, 1, 255}
	dst := make([]byte, 3)
	kernel.Requantize(src, dst, 3, table)
	want := []byte{255, 254, 0}
	for i, w := range want {
		if dst[i] != w {
			t.Fatalf("requantize[%d] = %d, want %d", i, dst[i], w)
		}
	}
}

func TestConcatPreservesOrder(t *testing.T) {
	t.Parallel()
	src := []byte{1, 2, 3, 4, 5, 6}
	dst := make([]byte, 6)
	kernel.Concat(src, []kernel.MemoryRange{
		{Start: 3, Size: 3},
		{Start: 0, Size: 3},
	}, dst)
	want := []byte{4, 5, 6, 1, 2, 3}
	for i, w := range want {
		if dst[i] != w {
			t.Fatalf("concat[%d] = %d, want %d", i, dst[i], w)
		}
	}
}

func TestGlobalAveragePool2D(t *testing.T) {
	t.Parallel()
	src := f32buf(1, 2, 3, 4, 5, 6)
	dst := make([]byte, 8)
	kernel.GlobalAveragePool2D(src, dst, 2, 3)
	if v := readF32(dst, 0); v != 2 {
		t.Fatalf("channel 0 mean = %v, want 2", v)
	}
	if v := readF32(dst, 1); v != 5 {
		t.Fatalf("channel 1 mean = %v, want 5", v)
	}
}

func TestQuantizedMaxPool2DBasic(t *testing.T) {
	t.Parallel()
	// 1 channel, 2x2 input, pool 2x2 stride 2 no padding -> 1x1 output
	src := []byte{1, 5, 3, 9}
	dst := make([]byte, 1)
	kernel.QuantizedMaxPool2D(src, dst,
		kernel.Shape{Width: 2, Height: 2, Channels: 1},
		kernel.Shape{Width: 1, Height: 1, Channels: 1},
		2, 2, 2, 2, 0, 0)
	if dst[0] != 9 {
		t.Fatalf("max pool result = %d, want 9", dst[0])
	}
}

func TestAddFloat(t *testing.T) {
	t.Parallel()
	a := f32buf(1, 2, 3)
	b := f32buf(10, 20, 30)
	dst := make([]byte, 12)
	kernel.Add(a, b, dst, 3)
	want := []float32{11, 22, 33}
	for i, w := range want {
		if v := readF32(dst, i); v != w {
			t.Fatalf("add[%d] = %v, want %v", i, v, w)
		}
	}
}
