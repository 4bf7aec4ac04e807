package damage

import (
	"testing"

	"github.com/helixml/wayland-rdpcore/internal/config"
)

func solidFrame(w, h int, val byte) []byte {
	pix := make([]byte, w*h*4)
	for i := range pix {
		pix[i] = val
	}
	return pix
}

func cfg() config.DamageDetector {
	return config.DamageDetector{TileSize: 16, MergeDistance: 8, MinRegionArea: 1}
}

// TestFirstFrameIsFullFrame is testable property 2 (completeness on reset).
func TestFirstFrameIsFullFrame(t *testing.T) {
	d := New(cfg())
	regions := d.Detect(ModeTileBased, solidFrame(64, 64, 0), 64, 64, 64*4)
	if len(regions) != 1 || regions[0] != (Region{X: 0, Y: 0, W: 64, H: 64}) {
		t.Fatalf("expected single full-frame region, got %+v", regions)
	}
}

// TestResetForcesFullFrame re-exercises property 2 after an explicit reset.
func TestResetForcesFullFrame(t *testing.T) {
	d := New(cfg())
	d.Detect(ModeTileBased, solidFrame(64, 64, 0), 64, 64, 64*4)
	d.Detect(ModeTileBased, solidFrame(64, 64, 0), 64, 64, 64*4) // no change, second call
	d.Reset()
	regions := d.Detect(ModeTileBased, solidFrame(64, 64, 0), 64, 64, 64*4)
	if len(regions) != 1 {
		t.Fatalf("expected full-frame region after reset, got %+v", regions)
	}
}

// TestUnchangedFrameYieldsNoRegions is testable property 1 (damage
// soundness: no spurious regions on a literally identical frame).
func TestUnchangedFrameYieldsNoRegions(t *testing.T) {
	d := New(cfg())
	frame := solidFrame(64, 64, 7)
	d.Detect(ModeTileBased, frame, 64, 64, 64*4)
	regions := d.Detect(ModeTileBased, frame, 64, 64, 64*4)
	if regions != nil {
		t.Fatalf("expected no dirty regions for identical frame, got %+v", regions)
	}
}

// TestLocalizedChangeProducesBoundedRegion checks that modifying one tile
// does not dirty the entire frame (damage soundness: detected regions
// must cover changed pixels without wildly over-reporting).
func TestLocalizedChangeProducesBoundedRegion(t *testing.T) {
	d := New(cfg())
	frame := solidFrame(64, 64, 0)
	d.Detect(ModeTileBased, frame, 64, 64, 64*4)

	changed := make([]byte, len(frame))
	copy(changed, frame)
	// Dirty a single pixel inside tile (0,0).
	changed[0] = 255

	regions := d.Detect(ModeTileBased, changed, 64, 64, 64*4)
	if len(regions) != 1 {
		t.Fatalf("expected exactly one dirty region, got %+v", regions)
	}
	r := regions[0]
	if r.X != 0 || r.Y != 0 || r.W > 16 || r.H > 16 {
		t.Fatalf("expected change bounded to first tile, got %+v", r)
	}
}

// TestAlwaysFullFrameModeIgnoresHistory covers the damage-tracking
// Unavailable degradation path (spec §4.5).
func TestAlwaysFullFrameModeIgnoresHistory(t *testing.T) {
	d := New(cfg())
	frame := solidFrame(32, 32, 1)
	d.Detect(ModeTileBased, frame, 32, 32, 32*4)
	regions := d.Detect(ModeAlwaysFullFrame, frame, 32, 32, 32*4)
	if len(regions) != 1 || regions[0] != (Region{X: 0, Y: 0, W: 32, H: 32}) {
		t.Fatalf("expected full-frame region in always-full-frame mode, got %+v", regions)
	}
}
