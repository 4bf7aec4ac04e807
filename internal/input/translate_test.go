package input

import (
	"context"
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingInjector struct {
	keys []struct {
		evdev   int
		pressed bool
	}
}

func (r *recordingInjector) KeyEvent(ctx context.Context, evdevCode int, pressed bool) error {
	r.keys = append(r.keys, struct {
		evdev   int
		pressed bool
	}{evdevCode, pressed})
	return nil
}
func (r *recordingInjector) MoveAbsolute(ctx context.Context, x, y float64) error { return nil }
func (r *recordingInjector) MoveRelative(ctx context.Context, dx, dy int32) error { return nil }
func (r *recordingInjector) ButtonEvent(ctx context.Context, button int, pressed bool) error {
	return nil
}
func (r *recordingInjector) Axis(ctx context.Context, dx, dy float64) error { return nil }
func (r *recordingInjector) Close() error                                   { return nil }

// TestKeyDownThenKeyUpPreservesOrder is scenario S4: an RDP key-down for
// scancode 0x1E (letter A) followed by key-up must reach the injector as
// (evdev_A, pressed=true) then (evdev_A, pressed=false), in that order.
func TestKeyDownThenKeyUpPreservesOrder(t *testing.T) {
	injector := &recordingInjector{}
	coords := NewCoordinateMapper(1920, 1080, 1920, 1080)
	tr := NewTranslator(testLogger(), injector, coords)

	wantEvdev, ok := ScancodeToEvdev(0x1E)
	if !ok {
		t.Fatal("scancode 0x1E should be mapped")
	}

	if err := tr.NotifyKeyboardKeycode(context.Background(), 0x1E, true); err != nil {
		t.Fatalf("key-down: %v", err)
	}
	if err := tr.NotifyKeyboardKeycode(context.Background(), 0x1E, false); err != nil {
		t.Fatalf("key-up: %v", err)
	}

	if len(injector.keys) != 2 {
		t.Fatalf("expected exactly 2 injected key events, got %d", len(injector.keys))
	}
	if injector.keys[0].evdev != wantEvdev || !injector.keys[0].pressed {
		t.Fatalf("expected first event (evdev=%d, pressed=true), got %+v", wantEvdev, injector.keys[0])
	}
	if injector.keys[1].evdev != wantEvdev || injector.keys[1].pressed {
		t.Fatalf("expected second event (evdev=%d, pressed=false), got %+v", wantEvdev, injector.keys[1])
	}
}

// TestModifierPairTracking: with both shifts held, releasing one must
// leave the pair reported as held; releasing the second clears it.
func TestModifierPairTracking(t *testing.T) {
	injector := &recordingInjector{}
	tr := NewTranslator(testLogger(), injector, NewCoordinateMapper(1920, 1080, 1920, 1080))

	ctx := context.Background()
	tr.NotifyKeyboardKeycode(ctx, 0x2A, true) // LeftShift down
	tr.NotifyKeyboardKeycode(ctx, 0x36, true) // RightShift down
	tr.NotifyKeyboardKeycode(ctx, 0x2A, false)
	if !tr.Modifiers().Shift {
		t.Fatal("expected Shift still held after releasing only the left shift")
	}
	tr.NotifyKeyboardKeycode(ctx, 0x36, false)
	if tr.Modifiers().Shift {
		t.Fatal("expected Shift released once both keys are up")
	}
}

// TestModifierAutoRepeatNotReinjected: clients auto-repeat held modifier
// downs; only the first should reach the injector.
func TestModifierAutoRepeatNotReinjected(t *testing.T) {
	injector := &recordingInjector{}
	tr := NewTranslator(testLogger(), injector, NewCoordinateMapper(1920, 1080, 1920, 1080))

	ctx := context.Background()
	tr.NotifyKeyboardKeycode(ctx, 0x1D, true)
	tr.NotifyKeyboardKeycode(ctx, 0x1D, true)
	tr.NotifyKeyboardKeycode(ctx, 0x1D, true)
	if len(injector.keys) != 1 {
		t.Fatalf("expected 1 injected ctrl-down, got %d", len(injector.keys))
	}
}

// TestKeyEventLeavesModifiersUnchanged is the modifier half of scenario
// S4: an ordinary letter key must not disturb tracked modifier state.
func TestKeyEventLeavesModifiersUnchanged(t *testing.T) {
	injector := &recordingInjector{}
	tr := NewTranslator(testLogger(), injector, NewCoordinateMapper(1920, 1080, 1920, 1080))

	before := tr.Modifiers()
	tr.NotifyKeyboardKeycode(context.Background(), 0x1E, true)
	tr.NotifyKeyboardKeycode(context.Background(), 0x1E, false)
	if tr.Modifiers() != before {
		t.Fatalf("expected modifier state unchanged by a letter key, got %+v", tr.Modifiers())
	}
}

// TestLayoutOverlayRemapsPrintables: a QWERTZ client's physical Y
// position must inject the evdev Z code, without affecting modifiers.
func TestLayoutOverlayRemapsPrintables(t *testing.T) {
	injector := &recordingInjector{}
	tr := NewTranslator(testLogger(), injector, NewCoordinateMapper(1920, 1080, 1920, 1080))
	tr.SetLayout(LayoutQWERTZ)

	tr.NotifyKeyboardKeycode(context.Background(), 0x15, true)
	if len(injector.keys) != 1 || injector.keys[0].evdev != 44 {
		t.Fatalf("expected QWERTZ overlay to map physical Y to evdev Z (44), got %+v", injector.keys)
	}
}

type recordingAxisInjector struct {
	recordingInjector
	axes []struct{ dx, dy float64 }
}

func (r *recordingAxisInjector) Axis(ctx context.Context, dx, dy float64) error {
	r.axes = append(r.axes, struct{ dx, dy float64 }{dx, dy})
	return nil
}

// TestWheelAccumulatesSubNotchDeltas: high-resolution wheels send
// fractions of the 120-unit notch; four 30-unit deltas must come out as
// exactly one axis step, with no event before the notch completes.
func TestWheelAccumulatesSubNotchDeltas(t *testing.T) {
	injector := &recordingAxisInjector{}
	tr := NewTranslator(testLogger(), injector, NewCoordinateMapper(1920, 1080, 1920, 1080))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		tr.NotifyPointerAxis(ctx, 0, 30)
	}
	if len(injector.axes) != 0 {
		t.Fatalf("expected no axis event before a full notch accumulates, got %d", len(injector.axes))
	}
	tr.NotifyPointerAxis(ctx, 0, 30)
	if len(injector.axes) != 1 || injector.axes[0].dy != 15 {
		t.Fatalf("expected exactly one 15-unit axis step after 120 accumulated units, got %+v", injector.axes)
	}
}

// TestUnmappedScancodeDropsWithoutInjection confirms spec §7's
// Input-translation-unknown policy: drop silently, never call the injector.
func TestUnmappedScancodeDropsWithoutInjection(t *testing.T) {
	injector := &recordingInjector{}
	coords := NewCoordinateMapper(1920, 1080, 1920, 1080)
	tr := NewTranslator(testLogger(), injector, coords)

	if err := tr.NotifyKeyboardKeycode(context.Background(), 0xFF, true); err != nil {
		t.Fatalf("unexpected error on unmapped scancode: %v", err)
	}
	if len(injector.keys) != 0 {
		t.Fatalf("expected no injected events for an unmapped scancode, got %d", len(injector.keys))
	}
}
