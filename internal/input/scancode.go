// Package input implements the Input Translator & Injector (C10): it
// turns RDP scancodes and pointer events into compositor-level injection
// calls behind the session.InjectionHandle contract. The keycode table is
// grounded on helixml-helix's vk_evdev.go (its VKToEvdev map), restructured
// from a Windows-VK-code key to an RDP-scancode key since the CORE's wire
// contract is RDP scancodes, not browser VK codes.
package input

// rdpScancodeToEvdev maps RDP keyboard scancodes (PS/2 set 1, the values
// the RDP Input PDU carries) to Linux evdev keycodes. Extended
// (0xE0-prefixed) scancodes are represented with bit 0x80 set, following
// the convention FreeRDP itself uses internally.
var rdpScancodeToEvdev = map[uint16]int{
	0x01: 1,   // Esc
	0x02: 2,   // 1
	0x03: 3,   // 2
	0x04: 4,   // 3
	0x05: 5,   // 4
	0x06: 6,   // 5
	0x07: 7,   // 6
	0x08: 8,   // 7
	0x09: 9,   // 8
	0x0A: 10,  // 9
	0x0B: 11,  // 0
	0x0C: 12,  // -
	0x0D: 13,  // =
	0x0E: 14,  // Backspace
	0x0F: 15,  // Tab
	0x10: 16,  // Q
	0x11: 17,  // W
	0x12: 18,  // E
	0x13: 19,  // R
	0x14: 20,  // T
	0x15: 21,  // Y
	0x16: 22,  // U
	0x17: 23,  // I
	0x18: 24,  // O
	0x19: 25,  // P
	0x1A: 26,  // [
	0x1B: 27,  // ]
	0x1C: 28,  // Enter
	0x1D: 29,  // LeftCtrl
	0x1E: 30,  // A
	0x1F: 31,  // S
	0x20: 32,  // D
	0x21: 33,  // F
	0x22: 34,  // G
	0x23: 35,  // H
	0x24: 36,  // J
	0x25: 37,  // K
	0x26: 38,  // L
	0x27: 39,  // ;
	0x28: 40,  // '
	0x29: 41,  // `
	0x2A: 42,  // LeftShift
	0x2B: 43,  // backslash
	0x2C: 44,  // Z
	0x2D: 45,  // X
	0x2E: 46,  // C
	0x2F: 47,  // V
	0x30: 48,  // B
	0x31: 49,  // N
	0x32: 50,  // M
	0x33: 51,  // ,
	0x34: 52,  // .
	0x35: 53,  // /
	0x36: 54,  // RightShift
	0x37: 55,  // KP *
	0x38: 56,  // LeftAlt
	0x39: 57,  // Space
	0x3A: 58,  // CapsLock
	0x3B: 59,  // F1
	0x3C: 60,  // F2
	0x3D: 61,  // F3
	0x3E: 62,  // F4
	0x3F: 63,  // F5
	0x40: 64,  // F6
	0x41: 65,  // F7
	0x42: 66,  // F8
	0x43: 67,  // F9
	0x44: 68,  // F10
	0x45: 69,  // NumLock
	0x46: 70,  // ScrollLock
	0x47: 71,  // KP7
	0x48: 72,  // KP8
	0x49: 73,  // KP9
	0x4A: 74,  // KP-
	0x4B: 75,  // KP4
	0x4C: 76,  // KP5
	0x4D: 77,  // KP6
	0x4E: 78,  // KP+
	0x4F: 79,  // KP1
	0x50: 80,  // KP2
	0x51: 81,  // KP3
	0x52: 82,  // KP0
	0x53: 83,  // KP.
	0x56: 86,  // 102nd key (<> on ISO keyboards)
	0x57: 87,  // F11
	0x58: 88,  // F12
	0x64: 183, // F13
	0x65: 184, // F14
	0x66: 185, // F15
	0x67: 186, // F16
	0x68: 187, // F17
	0x69: 188, // F18
	0x6A: 189, // F19
	0x6B: 190, // F20
	0x6C: 191, // F21
	0x6D: 192, // F22
	0x6E: 193, // F23
	0x70: 85,  // Katakana/Hiragana
	0x73: 89,  // Ro (Brazilian/Japanese)
	0x76: 194, // F24
	0x79: 92,  // Henkan
	0x7B: 94,  // Muhenkan
	0x7D: 124, // Yen

	// Extended (0xE0-prefixed) scancodes, flagged with 0x80.
	0x1C | 0x80: 96,  // KP Enter
	0x1D | 0x80: 97,  // RightCtrl
	0x35 | 0x80: 98,  // KP /
	0x38 | 0x80: 100, // RightAlt
	0x47 | 0x80: 102, // Home
	0x48 | 0x80: 103, // Up
	0x49 | 0x80: 104, // PageUp
	0x4B | 0x80: 105, // Left
	0x4D | 0x80: 106, // Right
	0x4F | 0x80: 107, // End
	0x50 | 0x80: 108, // Down
	0x51 | 0x80: 109, // PageDown
	0x52 | 0x80: 110, // Insert
	0x53 | 0x80: 111, // Delete
	0x37 | 0x80: 99,  // PrintScreen
	0x5B | 0x80: 125, // LeftMeta
	0x5C | 0x80: 126, // RightMeta
	0x5D | 0x80: 127, // Menu
	0x5E | 0x80: 116, // ACPI Power
	0x5F | 0x80: 142, // ACPI Sleep
	0x63 | 0x80: 143, // ACPI Wake
	0x45 | 0x80: 119, // Pause (E1-prefixed on the wire, folded by DecodeScancode)

	// Multimedia keys (0xE0-prefixed on every RDP client that sends them).
	0x10 | 0x80: 165, // Previous track
	0x19 | 0x80: 163, // Next track
	0x20 | 0x80: 113, // Mute
	0x21 | 0x80: 140, // Calculator
	0x22 | 0x80: 164, // Play/Pause
	0x24 | 0x80: 166, // Media stop
	0x2E | 0x80: 114, // Volume down
	0x30 | 0x80: 115, // Volume up
	0x32 | 0x80: 172, // Browser home
	0x65 | 0x80: 217, // Browser search
	0x66 | 0x80: 156, // Browser favorites
	0x67 | 0x80: 173, // Browser refresh
	0x68 | 0x80: 128, // Browser stop
	0x69 | 0x80: 159, // Browser forward
	0x6A | 0x80: 158, // Browser back
	0x6C | 0x80: 155, // Mail
	0x6D | 0x80: 226, // Media select
}

// ScancodeToEvdev converts an RDP scancode (with the extended bit already
// folded into bit 0x80, as produced by DecodeScancode) to a Linux evdev
// keycode. Returns (0, false) for unmapped scancodes — the caller (spec
// §4.10's "Input-translation-unknown" policy) drops the event and logs
// once rather than guessing.
func ScancodeToEvdev(scancode uint16) (int, bool) {
	code, ok := rdpScancodeToEvdev[scancode]
	return code, ok
}

// DecodeScancode folds an RDP Input PDU's (code, extended) pair into the
// single scancode space ScancodeToEvdev expects.
func DecodeScancode(code uint8, extended bool) uint16 {
	v := uint16(code)
	if extended {
		v |= 0x80
	}
	return v
}
