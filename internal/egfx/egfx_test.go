package egfx

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/helixml/wayland-rdpcore/internal/damage"
	"github.com/helixml/wayland-rdpcore/internal/encoder"
	"github.com/helixml/wayland-rdpcore/internal/mux"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGraphicsServer struct {
	channelOpen    bool
	capsNegotiated bool
	supportsCodec  bool
	nextSurface    SurfaceID
	createCalls    int
	submitCalls    int
	lastRegions    []Region
}

func (f *fakeGraphicsServer) CreateSurface(ctx context.Context, paddedW, paddedH int) (SurfaceID, error) {
	f.createCalls++
	f.nextSurface++
	return f.nextSurface, nil
}
func (f *fakeGraphicsServer) SetDesktopSize(ctx context.Context, width, height int) error { return nil }
func (f *fakeGraphicsServer) DeleteSurface(ctx context.Context, id SurfaceID) error       { return nil }
func (f *fakeGraphicsServer) SubmitSingleStream(ctx context.Context, surface SurfaceID, nal []byte, regions []Region, isKeyframe bool, timestampMS int64) ([]WireMessage, error) {
	f.submitCalls++
	f.lastRegions = regions
	return []WireMessage{{Bytes: nal}}, nil
}
func (f *fakeGraphicsServer) SubmitDualStream(ctx context.Context, surface SurfaceID, main, aux []byte, regions []Region, isKeyframe bool, timestampMS int64) ([]WireMessage, error) {
	f.submitCalls++
	f.lastRegions = regions
	return []WireMessage{{Bytes: main}, {Bytes: aux}}, nil
}
func (f *fakeGraphicsServer) ClientSupportsCodec(codec encoder.Codec) bool { return f.supportsCodec }
func (f *fakeGraphicsServer) ChannelOpen() bool                            { return f.channelOpen }
func (f *fakeGraphicsServer) CapabilitiesNegotiated() bool                 { return f.capsNegotiated }

// TestSenderNotReadyBeforeGate verifies the readiness gate of spec §4.9:
// channel+caps+codec+surface must all be true before Send accepts a frame.
func TestSenderNotReadyBeforeGate(t *testing.T) {
	server := &fakeGraphicsServer{}
	s := NewSender(testLogger(), server, "RDPGFX", 2)
	q := mux.NewGraphicsQueue(make(chan struct{}, 1))

	err := s.Send(context.Background(), q, encoder.EncodedFrame{Codec: encoder.CodecAVC420}, nil, 640, 480, 28)
	if err != ErrEGFXNotReady {
		t.Fatalf("expected ErrEGFXNotReady before gate opens, got %v", err)
	}

	server.channelOpen, server.capsNegotiated, server.supportsCodec = true, true, true
	if err := s.EnsureSurface(context.Background(), 640, 480); err != nil {
		t.Fatalf("EnsureSurface: %v", err)
	}
	if !s.Ready(encoder.CodecAVC420) {
		t.Fatal("expected sender ready once channel/caps/codec/surface are all satisfied")
	}
}

// TestEnsureSurfaceAlignsTo16 is testable property 5: surface dims are
// the 16-aligned padded size, desktop size stays unpadded.
func TestEnsureSurfaceAlignsTo16(t *testing.T) {
	server := &fakeGraphicsServer{channelOpen: true, capsNegotiated: true, supportsCodec: true}
	s := NewSender(testLogger(), server, "RDPGFX", 2)
	if err := s.EnsureSurface(context.Background(), 1000, 700); err != nil {
		t.Fatalf("EnsureSurface: %v", err)
	}
	if s.paddedW != 1008 || s.paddedH != 704 {
		t.Fatalf("expected padded 1008x704, got %dx%d", s.paddedW, s.paddedH)
	}
	if server.createCalls != 1 {
		t.Fatalf("expected exactly one CreateSurface call, got %d", server.createCalls)
	}
}

// TestSendEnqueuesCoalescedWireFrame confirms a ready Send lands on the
// graphics queue rather than being written synchronously to some other sink.
func TestSendEnqueuesCoalescedWireFrame(t *testing.T) {
	server := &fakeGraphicsServer{channelOpen: true, capsNegotiated: true, supportsCodec: true}
	s := NewSender(testLogger(), server, "RDPGFX", 2)
	q := mux.NewGraphicsQueue(make(chan struct{}, 1))
	if err := s.EnsureSurface(context.Background(), 640, 480); err != nil {
		t.Fatalf("EnsureSurface: %v", err)
	}

	frame := encoder.EncodedFrame{Codec: encoder.CodecAVC420, Main: []byte{1, 2, 3}, IsKeyframe: true, TimestampMS: 42}
	if err := s.Send(context.Background(), q, frame, []damage.Region{{X: 0, Y: 0, W: 16, H: 16}}, 640, 480, 28); err != nil {
		t.Fatalf("Send: %v", err)
	}

	gf, ok := q.TryDequeue()
	if !ok {
		t.Fatal("expected a graphics frame to be enqueued")
	}
	if gf.CaptureTimestampMS != 42 || !gf.IsKeyframe || len(gf.Payload) != 1 {
		t.Fatalf("unexpected graphics frame on queue: %+v", gf)
	}
	if server.submitCalls != 1 {
		t.Fatalf("expected exactly one submit call, got %d", server.submitCalls)
	}
}

// TestPLIRequestIsTakenOnce verifies RequestPLI/TakePLI's one-shot semantics.
func TestPLIRequestIsTakenOnce(t *testing.T) {
	server := &fakeGraphicsServer{channelOpen: true, capsNegotiated: true, supportsCodec: true}
	s := NewSender(testLogger(), server, "RDPGFX", 2)
	if s.TakePLI() {
		t.Fatal("expected no PLI pending initially")
	}
	s.RequestPLI()
	if !s.TakePLI() {
		t.Fatal("expected TakePLI to report the pending request")
	}
	if s.TakePLI() {
		t.Fatal("expected TakePLI to clear the flag after one read")
	}
}
