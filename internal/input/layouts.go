package input

// Layout selects a keyboard-layout overlay for the scancode table. The
// base table is US QWERTY; overlays remap the printable keys that differ
// on a small set of common layouts without touching modifier semantics —
// a QWERTZ client pressing its Z key sends the scancode at the physical
// Y position, and the overlay routes it to the evdev code the host's own
// QWERTZ keymap expects at that position.
type Layout string

const (
	LayoutUS     Layout = "us"
	LayoutQWERTZ Layout = "qwertz"
	LayoutAZERTY Layout = "azerty"
)

// qwertzOverlay swaps the Y/Z positions, the one printable-key difference
// that matters at the scancode level (umlauts arrive on the same physical
// positions the base table already covers).
var qwertzOverlay = map[uint16]int{
	0x15: 44, // physical Y position carries Z
	0x2C: 21, // physical Z position carries Y
}

// azertyOverlay remaps the A/Q, Z/W and M positions.
var azertyOverlay = map[uint16]int{
	0x10: 30, // physical Q position carries A
	0x1E: 16, // physical A position carries Q
	0x11: 44, // physical W position carries Z
	0x2C: 17, // physical Z position carries W
	0x27: 50, // physical ; position carries M
	0x32: 51, // physical M position carries ,
}

func overlayFor(layout Layout) map[uint16]int {
	switch layout {
	case LayoutQWERTZ:
		return qwertzOverlay
	case LayoutAZERTY:
		return azertyOverlay
	default:
		return nil
	}
}

// ScancodeToEvdevLayout resolves a scancode through the given layout's
// overlay first, falling back to the base table.
func ScancodeToEvdevLayout(scancode uint16, layout Layout) (int, bool) {
	if overlay := overlayFor(layout); overlay != nil {
		if code, ok := overlay[scancode]; ok {
			return code, true
		}
	}
	return ScancodeToEvdev(scancode)
}
