// Package stage converts planar tensors in host memory to the KPU's
// tiled, channel-interleaved, row-padded on-chip layout and back
// (spec.md §4.4). Every function here writes into a caller-supplied
// destination slice at byte offset 0 — callers are responsible for
// slicing the destination to the accelerator memory region a layer
// names.
package stage

import "encoding/binary"

// TileParams are the (rowPadding, rowGroup, rowLength) constants
// spec.md §4.4 selects by tensor width.
type TileParams struct {
	RowPadding int
	RowGroup   int
	RowLength  int
}

// SelectTileParams picks the tiling parameters for a given tensor
// width, per spec.md §4.4's three-way width split.
func SelectTileParams(width int) TileParams {
	switch {
	case width <= 16:
		return TileParams{RowPadding: 16, RowGroup: 4, RowLength: 1}
	case width <= 32:
		return TileParams{RowPadding: 32, RowGroup: 2, RowLength: 1}
	default:
		return TileParams{RowPadding: 64, RowGroup: 1, RowLength: (width + 63) / 64}
	}
}

// PlanarToTiled writes a (width, height, channels) planar byte tensor
// from src into dst using the KPU's tiled layout. It picks the fast
// 64-bit-unit copy path when srcAligned is true and width % 8 == 0
// (the caller reports its own 8-byte source alignment since a Go []byte
// doesn't expose pointer alignment), falling back to a byte-wise copy
// otherwise. Both paths produce byte-identical destination contents.
func PlanarToTiled(dst, src []byte, width, height, channels int, srcAligned bool) {
	p := SelectTileParams(width)

	if srcAligned && width%8 == 0 {
		planarToTiledFast(dst, src, width, height, channels, p)
		return
	}
	planarToTiledBytes(dst, src, width, height, channels, p)
}

func planarToTiledBytes(dst, src []byte, width, height, channels int, p TileParams) {
	srcOff := 0
	for oc := 0; oc < channels; oc++ {
		channelOrigin := (oc/p.RowGroup)*p.RowLength*height*64 + (oc%p.RowGroup)*p.RowPadding
		for y := 0; y < height; y++ {
			rowOrigin := channelOrigin + y*p.RowLength*64
			copy(dst[rowOrigin:rowOrigin+width], src[srcOff:srcOff+width])
			srcOff += width
		}
	}
}

func planarToTiledFast(dst, src []byte, width, height, channels int, p TileParams) {
	words := width / 8
	srcWordOff := 0
	for oc := 0; oc < channels; oc++ {
		channelOrigin := (oc/p.RowGroup)*p.RowLength*height*64 + (oc%p.RowGroup)*p.RowPadding
		for y := 0; y < height; y++ {
			rowOrigin := channelOrigin + y*p.RowLength*64
			for x := 0; x < words; x++ {
				w := binary.LittleEndian.Uint64(src[(srcWordOff+x)*8:])
				binary.LittleEndian.PutUint64(dst[rowOrigin+x*8:], w)
			}
			srcWordOff += words
		}
	}
}

// AddPadding is the degenerate staging spec.md §4.4 describes for
// KLK210AddPadding: channels of single samples are broadcast into
// row-zero of a height-4, width-1 layout using the width<=16 parameter
// set.
func AddPadding(dst, src []byte, channels int) {
	p := SelectTileParams(1)
	const height = 4
	for oc := 0; oc < channels; oc++ {
		channelOrigin := (oc/p.RowGroup)*p.RowLength*height*64 + (oc%p.RowGroup)*p.RowPadding
		dst[channelOrigin] = src[oc]
	}
}

// RemovePadding reads channels bytes, each at stride 16, back into a
// packed layout — the inverse of AddPadding's row-zero broadcast.
func RemovePadding(dst, src []byte, channels int) {
	for oc := 0; oc < channels; oc++ {
		dst[oc] = src[oc*16]
	}
}
