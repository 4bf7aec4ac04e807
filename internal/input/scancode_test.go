package input

import "testing"

// TestScancodeRoundTrip is testable property 8: every scancode this
// package claims to map produces a stable, previously-agreed evdev code
// (no two RDP scancodes collide onto the same evdev keycode for the
// mapped subset, and re-lookup is idempotent).
func TestScancodeRoundTrip(t *testing.T) {
	seen := map[int]uint16{}
	for scancode := range rdpScancodeToEvdev {
		evdev, ok := ScancodeToEvdev(scancode)
		if !ok {
			t.Fatalf("scancode 0x%x present in table but ScancodeToEvdev reports unmapped", scancode)
		}
		if prior, dup := seen[evdev]; dup && prior != scancode {
			t.Fatalf("evdev code %d mapped from both scancode 0x%x and 0x%x", evdev, prior, scancode)
		}
		seen[evdev] = scancode

		again, ok2 := ScancodeToEvdev(scancode)
		if !ok2 || again != evdev {
			t.Fatalf("ScancodeToEvdev(0x%x) not idempotent: %d then %d", scancode, evdev, again)
		}
	}
}

func TestDecodeScancode(t *testing.T) {
	if got := DecodeScancode(0x1C, false); got != 0x1C {
		t.Fatalf("non-extended Enter: got 0x%x want 0x1C", got)
	}
	if got := DecodeScancode(0x1C, true); got != 0x1C|0x80 {
		t.Fatalf("extended KP-Enter: got 0x%x want 0x%x", got, 0x1C|0x80)
	}
}

func TestUnknownScancodeDropped(t *testing.T) {
	if _, ok := ScancodeToEvdev(0xFF); ok {
		t.Fatalf("expected scancode 0xFF to be unmapped")
	}
}
