package mux

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingWire struct {
	mu       sync.Mutex
	order    []string
	inputs   []InputEvent
	control  []ControlEvent
	clip     []ClipboardEvent
	graphics []GraphicsFrame
}

func (w *recordingWire) WriteInput(ctx context.Context, ev InputEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.order = append(w.order, "input")
	w.inputs = append(w.inputs, ev)
	return nil
}

func (w *recordingWire) WriteControl(ctx context.Context, ev ControlEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.order = append(w.order, "control")
	w.control = append(w.control, ev)
	return nil
}

func (w *recordingWire) WriteClipboard(ctx context.Context, ev ClipboardEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.order = append(w.order, "clipboard")
	w.clip = append(w.clip, ev)
	return nil
}

func (w *recordingWire) WriteGraphics(ctx context.Context, f GraphicsFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.order = append(w.order, "graphics")
	w.graphics = append(w.graphics, f)
	return nil
}

func (w *recordingWire) snapshot() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.order))
	copy(out, w.order)
	return out
}

// TestPriorityOrdering is testable property: within one drain cycle,
// input goes out before control, control before clipboard, clipboard
// before graphics (spec §4.12 ordering guarantees).
func TestPriorityOrdering(t *testing.T) {
	m := New(testLogger())
	wire := &recordingWire{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Enqueue out of priority order before the drain loop starts so one
	// cycle must still emerge in priority order.
	m.GraphicsQueue().Enqueue(GraphicsFrame{Channel: "g"})
	m.EnqueueClipboard(ClipboardEvent{})
	m.EnqueueControl(ControlEvent{Kind: "resize"})
	if err := m.EnqueueInput(context.Background(), InputEvent{Kind: "key"}); err != nil {
		t.Fatalf("enqueue input: %v", err)
	}

	done := make(chan struct{})
	go func() {
		m.Run(ctx, wire)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		if len(wire.snapshot()) >= 4 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for all four classes to drain")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done

	order := wire.snapshot()
	if len(order) < 4 {
		t.Fatalf("expected at least 4 drained events, got %v", order)
	}
	idx := map[string]int{}
	for i, kind := range order[:4] {
		idx[kind] = i
	}
	if !(idx["input"] < idx["control"] && idx["control"] < idx["clipboard"] && idx["clipboard"] < idx["graphics"]) {
		t.Fatalf("expected input < control < clipboard < graphics, got %v", order[:4])
	}
}

// TestGraphicsQueueCoalescesOnFull is testable property 6: a full
// graphics queue drops the oldest buffered frame, never the newest.
func TestGraphicsQueueCoalescesOnFull(t *testing.T) {
	q := NewGraphicsQueue(make(chan struct{}, 1))
	for i := 0; i < graphicsCapacity; i++ {
		q.Enqueue(GraphicsFrame{CaptureTimestampMS: int64(i)})
	}
	q.Enqueue(GraphicsFrame{CaptureTimestampMS: 999})

	snap := q.Counters().Snapshot()
	if snap.Coalesced == 0 {
		t.Fatalf("expected at least one coalesced drop, got counters %+v", snap)
	}

	var last GraphicsFrame
	for {
		f, ok := q.TryDequeue()
		if !ok {
			break
		}
		last = f
	}
	if last.CaptureTimestampMS != 999 {
		t.Fatalf("expected newest frame (999) to survive coalescing, got %d", last.CaptureTimestampMS)
	}
}

// TestControlAndClipboardDropOnFull verifies the non-blocking drop
// semantics spec §4.12 specifies for these two queues.
func TestControlAndClipboardDropOnFull(t *testing.T) {
	m := New(testLogger())
	for i := 0; i < controlCapacity+5; i++ {
		m.EnqueueControl(ControlEvent{Kind: "x"})
	}
	if got := m.ControlCounters().Snapshot().Dropped; got == 0 {
		t.Fatalf("expected some control events dropped past capacity, got 0")
	}

	for i := 0; i < clipboardCapacity+5; i++ {
		m.EnqueueClipboard(ClipboardEvent{})
	}
	if got := m.ClipboardCounters().Snapshot().Dropped; got == 0 {
		t.Fatalf("expected some clipboard events dropped past capacity, got 0")
	}
}

// TestEnqueueInputRespectsCancellation: with the input channel full and
// no consumer draining it, EnqueueInput must return ctx.Err() rather
// than block forever (spec §4.12's blocking-with-cancellation policy).
func TestEnqueueInputRespectsCancellation(t *testing.T) {
	m := New(testLogger())
	for i := 0; i < inputCapacity; i++ {
		if err := m.EnqueueInput(context.Background(), InputEvent{Kind: "fill"}); err != nil {
			t.Fatalf("unexpected error filling input queue: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := m.EnqueueInput(ctx, InputEvent{Kind: "overflow"})
	if err == nil {
		t.Fatal("expected EnqueueInput to return an error once the context is cancelled on a full queue")
	}
}
