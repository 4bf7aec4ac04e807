package colorspace

import "testing"

func solidBGRA(w, h int, b, g, r, a byte) []byte {
	buf := make([]byte, w*h*4)
	for i := 0; i < len(buf); i += 4 {
		buf[i+0] = b
		buf[i+1] = g
		buf[i+2] = r
		buf[i+3] = a
	}
	return buf
}

func TestBGRAToNV12WhiteIsNearFullLuma(t *testing.T) {
	frame := solidBGRA(4, 4, 255, 255, 255, 255)
	planes := BGRAToNV12(frame, 4, 4, 16, BT601)
	for _, y := range planes.Y {
		if y < 230 {
			t.Fatalf("expected near-white luma for white input, got %d", y)
		}
	}
}

func TestBGRAToNV12BlackIsNearMinLuma(t *testing.T) {
	frame := solidBGRA(4, 4, 0, 0, 0, 255)
	planes := BGRAToNV12(frame, 4, 4, 16, BT601)
	for _, y := range planes.Y {
		if y > 20 {
			t.Fatalf("expected near-black luma for black input, got %d", y)
		}
	}
}

func TestPadEdgeReplicateAlignsTo16(t *testing.T) {
	frame := solidBGRA(10, 10, 1, 2, 3, 255)
	padded := PadEdgeReplicate(frame, 10, 10, 40, 16, 16)
	if len(padded) != 16*16*4 {
		t.Fatalf("expected padded buffer of %d bytes, got %d", 16*16*4, len(padded))
	}
	// Last column should replicate the border pixel.
	lastPixel := padded[15*4 : 15*4+4]
	if lastPixel[0] != 1 || lastPixel[1] != 2 || lastPixel[2] != 3 {
		t.Fatalf("expected edge replication, got %v", lastPixel)
	}
}

func TestPackAVC444AuxVIsNeutral(t *testing.T) {
	main := BGRAToNV12(solidBGRA(4, 4, 10, 20, 30, 255), 4, 4, 16, BT601)
	u444 := make([]byte, 16)
	v444 := make([]byte, 16)
	for i := range u444 {
		u444[i] = 100
		v444[i] = 200
	}
	aux := PackAVC444Aux(main, u444, v444)
	for _, v := range aux.V {
		if v != 128 {
			t.Fatalf("expected neutral aux V, got %d", v)
		}
	}
	// The aux view must be the same resolution as the main view — it is a
	// full Y-resolution plane carrying chroma, not a half-size sibling.
	if aux.Width != main.Width || aux.Height != main.Height {
		t.Fatalf("expected aux to match main's resolution (%dx%d), got %dx%d", main.Width, main.Height, aux.Width, aux.Height)
	}
}

// TestPackAVC444AuxOddPositionsCarryU444 confirms the odd-position samples
// (x%2==1 || y%2==1) of the aux Y plane are an exact copy of the source
// U444 sample at that position — the half of testable property 9 that
// doesn't depend on interpolation.
func TestPackAVC444AuxOddPositionsCarryU444(t *testing.T) {
	w, h := 8, 8
	main := BGRAToNV12(solidBGRA(w, h, 0, 0, 0, 255), w, h, w*4, BT601)
	u444 := make([]byte, w*h)
	v444 := make([]byte, w*h)
	for i := range u444 {
		u444[i] = byte(i % 251)
		v444[i] = byte((i * 7) % 251)
	}

	aux := PackAVC444Aux(main, u444, v444)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x%2 == 1 || y%2 == 1 {
				idx := y*w + x
				if aux.Y[idx] != u444[idx] {
					t.Fatalf("odd position (%d,%d): expected aux Y %d to equal source U444 %d", x, y, aux.Y[idx], u444[idx])
				}
			}
		}
	}
}

// TestPackAVC444AuxRoundTripReconstructsChroma covers the aux half of spec
// testable property 9: a client reconstructing 4:4:4 chroma takes odd
// positions from aux, so every odd-position U must equal the source U444
// exactly, and every aux U sample must equal the rounded 3-sample average
// of its block's odd-position V444 values.
func TestPackAVC444AuxRoundTripReconstructsChroma(t *testing.T) {
	w, h := 16, 16
	bgra := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 4
			bgra[i+0] = byte((x * 13) % 256)
			bgra[i+1] = byte((y * 17) % 256)
			bgra[i+2] = byte(((x + y) * 9) % 256)
			bgra[i+3] = 255
		}
	}
	main := BGRAToNV12(bgra, w, h, w*4, BT601)

	// Build a synthetic 4:4:4 source chroma (what a true 4:4:4 capture
	// would have produced before any subsampling). main's UV plane comes
	// from the unrelated BGRA pattern above, so the even positions taken
	// from it are not compared against this source.
	u444 := make([]byte, w*h)
	v444 := make([]byte, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			u444[idx] = byte((x*23 + y*5) % 256)
			v444[idx] = byte((x*7 + y*29) % 256)
		}
	}

	aux := PackAVC444Aux(main, u444, v444)

	// Reconstruct: even positions come from main's subsampled 4:2:0 UV
	// plane (the client already has this from the main stream); odd
	// positions come straight from the aux Y/U planes.
	reconstructedU := make([]byte, w*h)
	reconstructedV := make([]byte, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			if x%2 == 1 || y%2 == 1 {
				reconstructedU[idx] = aux.Y[idx]
				reconstructedV[idx] = aux.U[(y/2)*(w/2)+(x/2)]
			} else {
				uvIdx := (y/2)*w + (x/2)*2
				reconstructedU[idx] = main.UV[uvIdx+0]
				reconstructedV[idx] = main.UV[uvIdx+1]
			}
		}
	}

	// Odd positions must be an exact match against the true 4:4:4 source:
	// they're a direct copy, the core of testable property 9.
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x%2 == 1 || y%2 == 1 {
				idx := y*w + x
				if reconstructedU[idx] != u444[idx] {
					t.Fatalf("odd U mismatch at (%d,%d): got %d, want %d", x, y, reconstructedU[idx], u444[idx])
				}
			}
		}
	}

	// Even-even V comes from aux.U, which box-filters three odd-position
	// V444 samples per 2x2 block (rounded average). It must equal that
	// average exactly.
	for cy := 0; cy < h/2; cy++ {
		for cx := 0; cx < w/2; cx++ {
			x, y := cx*2, cy*2
			got := int(aux.U[cy*(w/2)+cx])
			v01, v10, v11 := int(v444[y*w+x+1]), int(v444[(y+1)*w+x]), int(v444[(y+1)*w+x+1])
			want := (v01 + v10 + v11 + 1) / 3
			if got != want {
				t.Fatalf("aux U at block (%d,%d): got %d, want box-filtered average %d", cx, cy, got, want)
			}
		}
	}
}
