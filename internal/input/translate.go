package input

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/helixml/wayland-rdpcore/internal/rdplog"
	"github.com/helixml/wayland-rdpcore/internal/session"
)

// Injector is the low-level surface both concrete backends
// (WaylandInjector, UinputInjector) implement. It is intentionally one
// level of abstraction below session.InjectionHandle: Translator is what
// adapts RDP-domain calls (scancodes, axis deltas) onto this evdev/pointer
// level contract, mirroring the teacher's own split between
// wayland_input.go/uinput.go (device-level) and input.go (protocol-level).
type Injector interface {
	KeyEvent(ctx context.Context, evdevCode int, pressed bool) error
	MoveAbsolute(ctx context.Context, x, y float64) error
	MoveRelative(ctx context.Context, dx, dy int32) error
	ButtonEvent(ctx context.Context, button int, pressed bool) error
	Axis(ctx context.Context, dx, dy float64) error
	Close() error
}

// Evdev codes of the modifier keys the tracker follows. Left/right pairs
// are tracked per key so releasing one of a held pair leaves the other
// active.
const (
	evdevLeftCtrl   = 29
	evdevLeftShift  = 42
	evdevRightShift = 54
	evdevLeftAlt    = 56
	evdevCapsLock   = 58
	evdevNumLock    = 69
	evdevScrollLock = 70
	evdevRightCtrl  = 97
	evdevRightAlt   = 100
	evdevLeftMeta   = 125
	evdevRightMeta  = 126
)

// modifierState tracks which modifier keys the client currently holds and
// the toggle state of the lock keys. The host compositor keeps its own
// authoritative state; this local copy exists so a key-up of one modifier
// of a left/right pair can be recognized as leaving the pair held, and so
// auto-repeated modifier key-downs from the client are not re-injected.
type modifierState struct {
	held  map[int]bool
	locks map[int]bool
}

func newModifierState() modifierState {
	return modifierState{held: make(map[int]bool), locks: make(map[int]bool)}
}

func isModifier(evdev int) bool {
	switch evdev {
	case evdevLeftCtrl, evdevRightCtrl, evdevLeftShift, evdevRightShift,
		evdevLeftAlt, evdevRightAlt, evdevLeftMeta, evdevRightMeta:
		return true
	}
	return false
}

func isLock(evdev int) bool {
	return evdev == evdevCapsLock || evdev == evdevNumLock || evdev == evdevScrollLock
}

// observe records a key transition; the bool result reports whether the
// event should still be injected (auto-repeated modifier downs are not).
func (m *modifierState) observe(evdev int, pressed bool) bool {
	if isLock(evdev) {
		if pressed {
			m.locks[evdev] = !m.locks[evdev]
		}
		return true
	}
	if !isModifier(evdev) {
		return true
	}
	if pressed && m.held[evdev] {
		return false
	}
	m.held[evdev] = pressed
	return true
}

func (m *modifierState) anyHeld(codes ...int) bool {
	for _, c := range codes {
		if m.held[c] {
			return true
		}
	}
	return false
}

// Modifiers is a point-in-time snapshot of the tracked modifier state.
type Modifiers struct {
	Shift, Ctrl, Alt, Meta        bool
	CapsLock, NumLock, ScrollLock bool
}

// rdpWheelNotch is the RDP wheel delta per physical notch; wheelAxisStep
// is the axis value injectors expect per notch (libinput's discrete-step
// convention, also what uinput's wheel divisor assumes).
const (
	rdpWheelNotch = 120.0
	wheelAxisStep = 15.0
)

// Translator implements session.InjectionHandle over an Injector, adding
// the RDP-scancode table with layout overlays, modifier tracking, the
// coordinate mapper, a 120-unit wheel accumulator, and the per-event-class
// retry policy spec §4.10 specifies: key events retry once,
// pointer-motion drops silently on failure, button releases retry
// aggressively (a stuck button is worse than a dropped retry).
type Translator struct {
	logger   *slog.Logger
	injector Injector
	coords   *CoordinateMapper
	layout   Layout

	mods                     modifierState
	wheelAccumV, wheelAccumH float64

	unknownScancode *rdplog.Throttle
}

var _ session.InjectionHandle = (*Translator)(nil)

// NewTranslator wraps a concrete Injector with RDP-domain translation.
func NewTranslator(logger *slog.Logger, injector Injector, coords *CoordinateMapper) *Translator {
	return &Translator{
		logger:          rdplog.Component(logger, "input"),
		injector:        injector,
		coords:          coords,
		layout:          LayoutUS,
		mods:            newModifierState(),
		unknownScancode: rdplog.NewThrottle(50),
	}
}

// SetLayout switches the printable-key overlay (QWERTZ/AZERTY clients).
// Modifier semantics are unaffected.
func (t *Translator) SetLayout(layout Layout) { t.layout = layout }

// Modifiers reports the tracked modifier state.
func (t *Translator) Modifiers() Modifiers {
	return Modifiers{
		Shift:      t.mods.anyHeld(evdevLeftShift, evdevRightShift),
		Ctrl:       t.mods.anyHeld(evdevLeftCtrl, evdevRightCtrl),
		Alt:        t.mods.anyHeld(evdevLeftAlt, evdevRightAlt),
		Meta:       t.mods.anyHeld(evdevLeftMeta, evdevRightMeta),
		CapsLock:   t.mods.locks[evdevCapsLock],
		NumLock:    t.mods.locks[evdevNumLock],
		ScrollLock: t.mods.locks[evdevScrollLock],
	}
}

// NotifyKeyboardKeycode accepts the RDP scancode already folded via
// DecodeScancode (see session.InjectionHandle doc). Unknown scancodes are
// dropped and logged at most once per 50 occurrences (spec §7
// Input-translation-unknown: "drop event, log throttled, no crash").
func (t *Translator) NotifyKeyboardKeycode(ctx context.Context, keycode int, pressed bool) error {
	evdev, ok := ScancodeToEvdevLayout(uint16(keycode), t.layout)
	if !ok {
		if allow, suppressed := t.unknownScancode.Allow(); allow {
			t.logger.Warn("unknown scancode dropped", "scancode", keycode, "suppressed_since_last", suppressed)
		}
		return nil
	}

	if !t.mods.observe(evdev, pressed) {
		return nil // auto-repeated modifier down, already held
	}

	if err := t.injector.KeyEvent(ctx, evdev, pressed); err != nil {
		// Key events retry once: a single dropped keydown is much more
		// visible to a user than a dropped pointer sample.
		if err2 := t.injector.KeyEvent(ctx, evdev, pressed); err2 != nil {
			return fmt.Errorf("key event retry failed: %w", err2)
		}
	}
	return nil
}

func (t *Translator) NotifyPointerMotionAbsolute(ctx context.Context, streamID int, x, y float64) error {
	lx, ly := t.coords.ToLogical(int(x), int(y))
	if err := t.injector.MoveAbsolute(ctx, lx, ly); err != nil {
		// Pointer motion drops silently: the next sample supersedes it.
		t.logger.Debug("absolute motion dropped", "err", err)
	}
	return nil
}

func (t *Translator) NotifyPointerMotion(ctx context.Context, dx, dy int32) error {
	outX, outY := t.coords.RelativeDelta(float64(dx), float64(dy))
	if err := t.injector.MoveRelative(ctx, outX, outY); err != nil {
		t.logger.Debug("relative motion dropped", "err", err)
	}
	return nil
}

func (t *Translator) NotifyPointerButton(ctx context.Context, button int, pressed bool) error {
	err := t.injector.ButtonEvent(ctx, button, pressed)
	if err == nil {
		return nil
	}
	if pressed {
		// A dropped button-down just means a missed click; do not retry
		// aggressively or a double-click could be synthesized.
		t.logger.Debug("button press dropped", "button", button, "err", err)
		return nil
	}
	// Button releases retry aggressively: a stuck button-down is a much
	// worse failure mode than a duplicate release.
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if lastErr = t.injector.ButtonEvent(ctx, button, false); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("button release failed after retries: %w", lastErr)
}

// NotifyPointerAxis accepts RDP wheel deltas (120 units per notch,
// fractions allowed for high-resolution wheels), accumulates them, and
// forwards whole notches as axis steps; the sub-notch remainder carries
// over so slow high-resolution scrolling is never truncated away.
func (t *Translator) NotifyPointerAxis(ctx context.Context, dx, dy float64) error {
	t.wheelAccumH += dx
	t.wheelAccumV += dy

	notchesH := float64(int(t.wheelAccumH / rdpWheelNotch))
	notchesV := float64(int(t.wheelAccumV / rdpWheelNotch))
	if notchesH == 0 && notchesV == 0 {
		return nil
	}
	t.wheelAccumH -= notchesH * rdpWheelNotch
	t.wheelAccumV -= notchesV * rdpWheelNotch

	if err := t.injector.Axis(ctx, notchesH*wheelAxisStep, notchesV*wheelAxisStep); err != nil {
		t.logger.Debug("axis event dropped", "err", err)
	}
	return nil
}

func (t *Translator) Close() error {
	return t.injector.Close()
}
