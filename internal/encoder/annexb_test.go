package encoder

import (
	"bytes"
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSplitAnnexBHandlesBothStartCodeLengths(t *testing.T) {
	buf := append([]byte{0, 0, 0, 1, 0x67, 0xAA}, []byte{0, 0, 1, 0x68, 0xBB}...)
	nals := splitAnnexB(buf)
	if len(nals) != 2 {
		t.Fatalf("expected 2 NAL units, got %d", len(nals))
	}
	if nalType(nals[0]) != nalTypeSPS || nalType(nals[1]) != nalTypePPS {
		t.Fatalf("unexpected NAL types: %d, %d", nalType(nals[0]), nalType(nals[1]))
	}
}

func TestWrapAnnexBRoundTrips(t *testing.T) {
	sps := []byte{0x67, 0x64, 0x10, 0xAC}
	pps := []byte{0x68, 0xEE, 0x3C}
	wrapped := wrapAnnexB(sps, pps)
	nals := splitAnnexB(wrapped)
	if len(nals) != 2 || !bytes.Equal(nals[0], sps) || !bytes.Equal(nals[1], pps) {
		t.Fatalf("round trip mismatch: %v", nals)
	}
}

func TestExtractParameterSets(t *testing.T) {
	idr := []byte{0x65, 0x88, 0x80}
	sps := []byte{0x67, 0x64, 0x10, 0xAC}
	pps := []byte{0x68, 0xEE, 0x3C}
	buf := wrapAnnexB(sps, pps, idr)

	gotSPS, gotPPS, ok := extractParameterSets(buf)
	if !ok || !bytes.Equal(gotSPS, sps) || !bytes.Equal(gotPPS, pps) {
		t.Fatalf("expected SPS/PPS extracted, got ok=%v sps=%v pps=%v", ok, gotSPS, gotPPS)
	}

	if _, _, ok := extractParameterSets(wrapAnnexB(idr)); ok {
		t.Fatal("expected no parameter sets in an IDR-only buffer")
	}
}

// TestPFrameCarriesCachedParameterSetPrefix is testable property 3: after
// a keyframe whose SPS/PPS were cached, every P-frame's emitted bitstream
// must begin with exactly those cached parameter sets.
func TestPFrameCarriesCachedParameterSetPrefix(t *testing.T) {
	s := &gstSingleStream{logger: testLogger()}

	// constraint_set3 (0x10) already set in byte 2 so the parse-failure
	// fallback path caches the SPS bytes unmodified.
	sps := []byte{0x67, 0x64, 0x10, 0xAC, 0x2B}
	pps := []byte{0x68, 0xEE, 0x3C, 0x80}
	idr := []byte{0x65, 0x88, 0x84, 0x00}
	keyframe := wrapAnnexB(sps, pps, idr)

	out := s.applyParameterSetPrefix(keyframe, true)
	if !bytes.Equal(out, keyframe) {
		t.Fatal("keyframe bitstream must pass through unmodified")
	}

	pframe := wrapAnnexB([]byte{0x41, 0x9A, 0x02})
	out = s.applyParameterSetPrefix(pframe, false)

	cachedSPS, cachedPPS := s.sps.Prefix()
	wantPrefix := wrapAnnexB(cachedSPS, cachedPPS)
	if !bytes.HasPrefix(out, wantPrefix) {
		t.Fatalf("expected P-frame to start with cached SPS+PPS, got % x", out[:min(len(out), 24)])
	}
	if !bytes.HasSuffix(out, pframe) {
		t.Fatal("expected the original P-frame NAL to follow the parameter sets")
	}
}

// TestPFrameWithoutCachedSetsPassesThrough: before any keyframe has been
// seen there is nothing to prefix, and the bitstream must not be mangled.
func TestPFrameWithoutCachedSetsPassesThrough(t *testing.T) {
	s := &gstSingleStream{logger: testLogger()}
	pframe := wrapAnnexB([]byte{0x41, 0x9A, 0x02})
	if out := s.applyParameterSetPrefix(pframe, false); !bytes.Equal(out, pframe) {
		t.Fatal("expected pass-through with an empty parameter-set cache")
	}
}

// TestPeriodicKeyframeCadence is testable property 4's counter core:
// with interval N, due fires after exactly N recorded P-frames and a
// recorded keyframe resets the counter.
func TestPeriodicKeyframeCadence(t *testing.T) {
	kf := newPeriodicKeyframe(5)
	kf.recordFrame(true)
	for i := 0; i < 4; i++ {
		if kf.due() {
			t.Fatalf("keyframe due too early at frame %d", i+1)
		}
		kf.recordFrame(false)
	}
	kf.recordFrame(false)
	if !kf.due() {
		t.Fatal("expected keyframe due after N P-frames")
	}
	kf.recordFrame(true)
	if kf.due() {
		t.Fatal("expected counter reset after a keyframe")
	}
}

func TestForceMakesKeyframeDue(t *testing.T) {
	kf := newPeriodicKeyframe(300)
	if kf.due() {
		t.Fatal("fresh tracker should not be due")
	}
	kf.force()
	if !kf.due() {
		t.Fatal("force must make the next frame a keyframe")
	}
}
