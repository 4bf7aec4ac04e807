// Package colorspace implements the Color-Space & Packing component
// (C7): BGRA→YUV 4:2:0 conversion and the AVC444 dual-stream packing
// scheme. The conversion math and sync.Pool buffer-reuse shape are
// grounded directly on LanternOps-breeze's colorconv.go (bgraToNV12,
// getNV12Buffer/putNV12Buffer), generalized from a single fixed BT.601
// coefficient set to a selectable Coefficients table so BT.709 input can
// also be handled (spec §4.7 names both), and from NV12-only output to a
// planar-Y + interleaved-UV pair explicit enough for both the AVC420
// single-stream and AVC444 main/aux packing paths to consume.
package colorspace

import "sync"

// Coefficients selects the YUV conversion matrix.
type Coefficients int

const (
	BT601 Coefficients = iota
	BT709
)

type matrix struct {
	yr, yg, yb int
	ur, ug, ub int
	vr, vg, vb int
}

var (
	bt601 = matrix{yr: 66, yg: 129, yb: 25, ur: -38, ug: -74, ub: 112, vr: 112, vg: -94, vb: -18}
	bt709 = matrix{yr: 47, yg: 157, yb: 16, ur: -26, ug: -86, ub: 112, vr: 112, vg: -102, vb: -10}
)

func matrixFor(c Coefficients) matrix {
	if c == BT709 {
		return bt709
	}
	return bt601
}

// ForResolution selects the conversion matrix by frame size: BT.709 for HD
// and above, BT.601 below (spec §4.7's default unless explicitly forced).
func ForResolution(width, height int) Coefficients {
	if height >= 720 || width >= 1280 {
		return BT709
	}
	return BT601
}

// Planes holds a converted NV12-style frame: a full-resolution Y plane
// and a half-resolution-in-both-dimensions interleaved UV plane.
type Planes struct {
	Width, Height int
	Y             []byte
	UV            []byte
}

var nv12Pool sync.Pool

func acquireNV12(size int) []byte {
	if v := nv12Pool.Get(); v != nil {
		buf := v.([]byte)
		if cap(buf) >= size {
			return buf[:size]
		}
	}
	return make([]byte, size)
}

// Release returns a Planes buffer to the pool for reuse by the next frame
// at the same resolution, mirroring colorconv.go's putNV12Buffer.
func Release(p Planes) {
	nv12Pool.Put(p.Y[:cap(p.Y)])
}

// BGRAToNV12 converts packed BGRA to planar Y + interleaved UV 4:2:0,
// using limited-range BT.601/BT.709 coefficients with fixed-point
// integer arithmetic, exactly as colorconv.go's bgraToNV12 does.
func BGRAToNV12(bgra []byte, width, height, stride int, coeffs Coefficients) Planes {
	m := matrixFor(coeffs)

	ySize := width * height
	uvSize := width * height / 2
	buf := acquireNV12(ySize + uvSize)
	yPlane := buf[:ySize]
	uvPlane := buf[ySize : ySize+uvSize]

	for y := 0; y < height; y++ {
		rowOff := y * stride
		yOff := y * width
		for x := 0; x < width; x++ {
			pi := rowOff + x*4
			b := int(bgra[pi+0])
			g := int(bgra[pi+1])
			r := int(bgra[pi+2])

			yVal := clampY((m.yr*r + m.yg*g + m.yb*b + 128) >> 8)
			yPlane[yOff+x] = byte(yVal)

			if y%2 == 0 && x%2 == 0 {
				uVal := clampUV((m.ur*r + m.ug*g + m.ub*b + 128) >> 8)
				vVal := clampUV((m.vr*r + m.vg*g + m.vb*b + 128) >> 8)
				uvIdx := (y/2)*width + (x/2)*2
				uvPlane[uvIdx+0] = byte(uVal)
				uvPlane[uvIdx+1] = byte(vVal)
			}
		}
	}

	return Planes{Width: width, Height: height, Y: yPlane, UV: uvPlane}
}

func clampY(v int) int {
	v += 16
	if v > 235 {
		return 235
	}
	if v < 16 {
		return 16
	}
	return v
}

func clampUV(v int) int {
	v += 128
	if v > 240 {
		return 240
	}
	if v < 16 {
		return 16
	}
	return v
}

// PadEdgeReplicate extends a BGRA buffer from (width, height) to the next
// 16-pixel-aligned (paddedW, paddedH) by replicating the border pixels,
// satisfying the Surface alignment invariant (spec §3, §4.9) without
// introducing visible seams at the padded edge.
func PadEdgeReplicate(bgra []byte, width, height, stride, paddedW, paddedH int) []byte {
	if paddedW == width && paddedH == height {
		return bgra
	}

	out := make([]byte, paddedH*paddedW*4)
	for y := 0; y < paddedH; y++ {
		srcY := y
		if srcY >= height {
			srcY = height - 1
		}
		srcRow := bgra[srcY*stride : srcY*stride+width*4]
		dstRow := out[y*paddedW*4 : y*paddedW*4+paddedW*4]

		copy(dstRow, srcRow[:width*4])
		if paddedW > width {
			lastPixel := srcRow[width*4-4 : width*4]
			for x := width; x < paddedW; x++ {
				copy(dstRow[x*4:x*4+4], lastPixel)
			}
		}
	}
	return out
}

// AVC444Aux holds the auxiliary picture packed per spec §4.7/MS-RDPEGFX
// §3.3.8.3.2: a full-main-resolution Y plane carrying the U444 samples the
// main view's 4:2:0 subsampling discarded (odd x or y positions hold the
// real U444 sample, even-even positions hold an interpolation of their odd
// neighbors so the encoder isn't fed a checkerboard), a half-resolution U
// plane carrying subsampled V444, and V held at neutral 128 (the RDP
// AVC444 wire format never needs a real aux V — see GLOSSARY "AVC444").
// The client reconstructs full 4:4:4 chroma by combining the main view's
// even-position chroma with the aux view's odd-position chroma.
type AVC444Aux struct {
	Width, Height int
	Y             []byte
	U             []byte
	V             []byte
}

// PackAVC444Aux builds the auxiliary picture from an externally-supplied
// 4:4:4 chroma pair (u444, v444, both at main420's resolution), per spec
// §4.7 / MS-RDPEGFX §3.3.8.3.2. main420 only supplies the frame dimensions;
// its Y plane plays no part in the aux view.
func PackAVC444Aux(main420 Planes, u444, v444 []byte) AVC444Aux {
	w, h := main420.Width, main420.Height

	auxY := make([]byte, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			if isOddPosition(x, y) {
				auxY[idx] = u444[idx]
			} else {
				auxY[idx] = interpolateEvenPosition(u444, x, y, w, h)
			}
		}
	}

	chromaW, chromaH := w/2, h/2
	auxU := make([]byte, chromaW*chromaH)
	for cy := 0; cy < chromaH; cy++ {
		for cx := 0; cx < chromaW; cx++ {
			x, y := cx*2, cy*2
			v01 := int(v444[y*w+(x+1)])
			v10 := int(v444[(y+1)*w+x])
			v11 := int(v444[(y+1)*w+(x+1)])
			auxU[cy*chromaW+cx] = byte((v01 + v10 + v11 + 1) / 3)
		}
	}

	auxV := make([]byte, chromaW*chromaH)
	for i := range auxV {
		auxV[i] = 128
	}

	return AVC444Aux{Width: w, Height: h, Y: auxY, U: auxU, V: auxV}
}

func isOddPosition(x, y int) bool {
	return x%2 == 1 || y%2 == 1
}

// interpolateEvenPosition averages the odd-position neighbors of an
// even-even pixel so the aux Y plane has no literal checkerboard at
// positions the main view already carries in its own chroma.
func interpolateEvenPosition(plane []byte, x, y, width, height int) byte {
	type coord struct{ x, y int }
	neighbors := [8]coord{
		{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1},
		{x - 1, y - 1}, {x + 1, y - 1}, {x - 1, y + 1}, {x + 1, y + 1},
	}

	var sum, count int
	for _, n := range neighbors {
		if n.x < 0 || n.y < 0 || n.x >= width || n.y >= height {
			continue
		}
		if isOddPosition(n.x, n.y) {
			sum += int(plane[n.y*width+n.x])
			count++
		}
	}
	if count == 0 {
		return 128
	}
	return byte((sum + count/2) / count)
}
