// Package egfx implements the EGFX Frame Sender (C9): it wraps an
// encoded frame plus its damage regions as EGFX PDUs, submits them to
// the external RDP library's graphics-pipeline object, and hands the
// resulting wire frames to the Priority Multiplexer's graphics queue.
//
// The RDP wire protocol itself is a non-goal (spec §1/§6) — everything
// this package touches on the "driver" side is the narrow
// GraphicsServer contract spec §6 describes ("accepts (encoded frame,
// regions, timestamp), emits protocol messages"). Grounded on
// helixml-helix's video_forwarder.go/desktop.go for the "single-writer
// per connection, mutex held only across one PDU assembly, never across
// an await" shape (spec §5) and on session_registry.go's sync.Once/
// atomic-flag lifecycle idiom for the readiness gate.
package egfx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/helixml/wayland-rdpcore/internal/damage"
	"github.com/helixml/wayland-rdpcore/internal/encoder"
	"github.com/helixml/wayland-rdpcore/internal/mux"
	"github.com/helixml/wayland-rdpcore/internal/rdplog"
)

// SurfaceID is the 16-bit EGFX surface identifier (spec §3 "Surface").
type SurfaceID uint16

// Region is one damage rectangle to carry in a frame's region list,
// tagged with the quantization parameter the caller wants applied.
type Region struct {
	X, Y, W, H int
	QP         int
}

// WireMessage is one already-framed static-virtual-channel PDU, ready to
// be written to the RDP driver's dynamic-channel mailbox. Opaque to this
// package.
type WireMessage struct {
	Bytes []byte
}

// ErrEGFXNotReady is returned (and swallowed by the orchestrator, which
// drops the frame and logs throttled per spec §7 EGFX-not-ready) when a
// send is attempted before the readiness gate opens.
var ErrEGFXNotReady = errors.New("egfx: not ready")

// GraphicsServer is the external RDP library's graphics-pipeline object
// (spec §6): it accepts one encoded frame plus its damage regions and a
// timestamp, and emits zero or more protocol messages to place on the
// dynamic channel. Implementations live outside the CORE — they are the
// RDP driver, a non-goal per spec §1.
type GraphicsServer interface {
	// CreateSurface creates and maps a new EGFX surface of the given
	// (16-aligned) size at the output origin, returning its surface id.
	CreateSurface(ctx context.Context, paddedW, paddedH int) (SurfaceID, error)
	// SetDesktopSize advertises the (unpadded) framebuffer size the
	// client believes the desktop to be.
	SetDesktopSize(ctx context.Context, width, height int) error
	// DeleteSurface tears down a previously created surface (used on
	// reconfigure before a replacement is created).
	DeleteSurface(ctx context.Context, id SurfaceID) error
	// SubmitSingleStream submits one AVC420 bitstream against a surface,
	// returning the resulting wire messages.
	SubmitSingleStream(ctx context.Context, surface SurfaceID, nal []byte, regions []Region, isKeyframe bool, timestampMS int64) ([]WireMessage, error)
	// SubmitDualStream submits an AVC444 main/aux pair; aux may be nil,
	// in which case the PDU explicitly marks the main-only case so the
	// client reuses its previously decoded aux (spec §4.9).
	SubmitDualStream(ctx context.Context, surface SurfaceID, main, aux []byte, regions []Region, isKeyframe bool, timestampMS int64) ([]WireMessage, error)
	// ClientSupportsCodec reports whether the negotiated client
	// capabilities include the given codec.
	ClientSupportsCodec(codec encoder.Codec) bool
	// ChannelOpen reports whether the graphics dynamic virtual channel
	// has completed its open handshake.
	ChannelOpen() bool
	// CapabilitiesNegotiated reports whether RDPGFX capability exchange
	// has completed.
	CapabilitiesNegotiated() bool
}

// align16 rounds n up to the next multiple of 16 (spec §3 Surface invariant).
func align16(n int) int {
	if n%16 == 0 {
		return n
	}
	return n + (16 - n%16)
}

// Sender owns the single-writer EGFX pipeline for one connection: the
// graphics-server reference, negotiated channel id, primary surface id,
// and the frames-in-flight ceiling (spec §4.9).
type Sender struct {
	logger  *slog.Logger
	server  GraphicsServer
	channel string

	mu                 sync.Mutex
	surface            SurfaceID
	surfaceCreated     bool
	desktopW, desktopH int
	paddedW, paddedH   int

	inFlight    atomic.Int32
	maxInFlight int32

	notReadyLog *rdplog.Throttle

	// pliRequested is set when the client asks for a picture-loss
	// refresh; the next Encode call (owned by the orchestrator) is
	// expected to consult it via TakePLI.
	pliRequested atomic.Bool
}

// NewSender builds a Sender bound to one connection's graphics server and
// negotiated dynamic-channel id.
func NewSender(logger *slog.Logger, server GraphicsServer, channelID string, maxFramesInFlight int) *Sender {
	if maxFramesInFlight <= 0 {
		maxFramesInFlight = 2
	}
	return &Sender{
		logger:      rdplog.Component(logger, "egfx"),
		server:      server,
		channel:     channelID,
		maxInFlight: int32(maxFramesInFlight),
		notReadyLog: rdplog.NewThrottle(120),
	}
}

// Ready reports the readiness gate of spec §4.9: channel open,
// capabilities negotiated, client confirms codec support for the active
// codec, and the primary surface is created and mapped.
func (s *Sender) Ready(codec encoder.Codec) bool {
	if !s.server.ChannelOpen() || !s.server.CapabilitiesNegotiated() {
		return false
	}
	if !s.server.ClientSupportsCodec(codec) {
		return false
	}
	s.mu.Lock()
	created := s.surfaceCreated
	s.mu.Unlock()
	return created
}

// RequestPLI marks that the client asked for a fresh keyframe (client
// PLI / refresh request surfaced by the graphics-server object, spec
// §4.9 "Keyframe recovery").
func (s *Sender) RequestPLI() { s.pliRequested.Store(true) }

// TakePLI reports and clears a pending PLI request; the orchestrator
// calls this once per encode cycle to decide whether to force a keyframe.
func (s *Sender) TakePLI() bool { return s.pliRequested.Swap(false) }

// EnsureSurface creates the primary surface on first use, setting the
// desktop size to the unpadded capture size and the surface size to the
// 16-aligned padded size (spec §4.9 "Surface creation", testable
// property 5). No-op if already created at the same unpadded size.
func (s *Sender) EnsureSurface(ctx context.Context, unpaddedW, unpaddedH int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.surfaceCreated && s.desktopW == unpaddedW && s.desktopH == unpaddedH {
		return nil
	}

	if s.surfaceCreated {
		if err := s.server.DeleteSurface(ctx, s.surface); err != nil {
			s.logger.Warn("delete surface before recreate failed", "err", err)
		}
		s.surfaceCreated = false
	}

	paddedW, paddedH := align16(unpaddedW), align16(unpaddedH)

	if err := s.server.SetDesktopSize(ctx, unpaddedW, unpaddedH); err != nil {
		return fmt.Errorf("set desktop size: %w", err)
	}
	surface, err := s.server.CreateSurface(ctx, paddedW, paddedH)
	if err != nil {
		return fmt.Errorf("create surface: %w", err)
	}

	s.surface = surface
	s.surfaceCreated = true
	s.desktopW, s.desktopH = unpaddedW, unpaddedH
	s.paddedW, s.paddedH = paddedW, paddedH

	s.logger.Info("egfx surface created",
		"surface_id", surface, "desktop_w", unpaddedW, "desktop_h", unpaddedH,
		"padded_w", paddedW, "padded_h", paddedH)
	return nil
}

// toRegions converts damage rectangles into the region list spec
// §4.9 step 1 describes, all carrying the given quantization parameter.
// An empty damage set yields a single full-frame region.
func toRegions(regions []damage.Region, unpaddedW, unpaddedH, qp int) []Region {
	if len(regions) == 0 {
		return []Region{{X: 0, Y: 0, W: unpaddedW, H: unpaddedH, QP: qp}}
	}
	out := make([]Region, 0, len(regions))
	for _, r := range regions {
		out = append(out, Region{X: r.X, Y: r.Y, W: r.W, H: r.H, QP: qp})
	}
	return out
}

// Send emits one encoded frame. It enforces the readiness gate (dropping
// with a throttled log per spec §7 EGFX-not-ready), the frames-in-flight
// ceiling (drop on backpressure, spec §7 EGFX-backpressure), and
// enqueues the resulting wire messages onto the multiplexer's graphics
// queue with non-blocking coalescing semantics (spec §4.12).
func (s *Sender) Send(ctx context.Context, q *mux.GraphicsQueue, frame encoder.EncodedFrame, regions []damage.Region, unpaddedW, unpaddedH, qp int) error {
	if !s.Ready(frame.Codec) {
		if allow, suppressed := s.notReadyLog.Allow(); allow {
			s.logger.Warn("dropping frame, EGFX not ready", "suppressed_since_last", suppressed)
		}
		return ErrEGFXNotReady
	}

	if s.inFlight.Load() >= s.maxInFlight {
		// Backpressure: drop rather than fall back to another codec path
		// (spec §7 EGFX-backpressure policy).
		return fmt.Errorf("egfx: %d frames already in flight, dropping", s.maxInFlight)
	}
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	s.mu.Lock()
	surface := s.surface
	s.mu.Unlock()

	regionList := toRegions(regions, unpaddedW, unpaddedH, qp)

	// The graphics-server object is single-writer per connection; hold
	// the mutex only for the duration of PDU assembly, never across an
	// await on the queue send (spec §5).
	s.mu.Lock()
	var (
		messages []WireMessage
		err      error
	)
	switch frame.Codec {
	case encoder.CodecAVC420:
		messages, err = s.server.SubmitSingleStream(ctx, surface, frame.Main, regionList, frame.IsKeyframe, frame.TimestampMS)
	case encoder.CodecAVC444:
		messages, err = s.server.SubmitDualStream(ctx, surface, frame.Main, frame.Aux, regionList, frame.IsKeyframe, frame.TimestampMS)
	default:
		err = fmt.Errorf("egfx: unknown codec %q", frame.Codec)
	}
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("submit frame to graphics server: %w", err)
	}

	gf := mux.GraphicsFrame{
		CaptureTimestampMS: frame.TimestampMS,
		IsKeyframe:         frame.IsKeyframe,
		Channel:            s.channel,
	}
	for _, m := range messages {
		gf.Payload = append(gf.Payload, m.Bytes)
	}
	q.Enqueue(gf)
	return nil
}
