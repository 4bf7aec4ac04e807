// Package orchestrator implements the Server Orchestrator (C13): it
// owns every other component's lifetime, wires capture through damage
// detection, the governor, the encoder and the EGFX sender onto the
// Priority Multiplexer's graphics queue, and runs the input/control/
// clipboard draining loops alongside it for the life of one connection.
//
// Grounded on helixml-helix's desktop.Server.Run (the per-process
// startup sequence: probe environment, connect D-Bus, create session,
// start goroutines, join on a supervisor channel) and on
// session_registry.go's reconfiguration dance (tear down and recreate on
// resolution change) — restructured from one monolithic Run method into
// NewProcess (per-process) / Serve (per-connection) so the Capability
// Prober → Registry → Strategy Selector sequence spec §4.13 describes
// runs once while Serve can be called once per client connection.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/helixml/wayland-rdpcore/internal/capability"
	"github.com/helixml/wayland-rdpcore/internal/capture"
	"github.com/helixml/wayland-rdpcore/internal/clipboard"
	"github.com/helixml/wayland-rdpcore/internal/colorspace"
	"github.com/helixml/wayland-rdpcore/internal/config"
	"github.com/helixml/wayland-rdpcore/internal/damage"
	"github.com/helixml/wayland-rdpcore/internal/egfx"
	"github.com/helixml/wayland-rdpcore/internal/encoder"
	"github.com/helixml/wayland-rdpcore/internal/governor"
	"github.com/helixml/wayland-rdpcore/internal/input"
	"github.com/helixml/wayland-rdpcore/internal/mux"
	"github.com/helixml/wayland-rdpcore/internal/rdplog"
	"github.com/helixml/wayland-rdpcore/internal/registry"
	"github.com/helixml/wayland-rdpcore/internal/session"
)

// ErrCodecChangeRefused is returned when a client attempts to change its
// negotiated codec mid-connection; spec §4.13/§9 chose the conservative
// policy of refusing the change and keeping the originally negotiated one.
var ErrCodecChangeRefused = errors.New("orchestrator: codec change mid-connection refused, keeping negotiated codec")

// Process owns the once-per-startup sequence: Prober → Registry →
// Strategy Selector, plus whatever process-wide handles the rest of the
// CORE consumes (spec §4.13 "Per-process startup").
type Process struct {
	logger   *slog.Logger
	cfg      config.Config
	caps     capability.CapabilityRecord
	registry *registry.Registry
	selector *session.Selector
}

// NewProcess runs the Prober and builds the Registry; the caller
// supplies the already-constructed Strategy Selector (its strategies
// depend on platform-specific injector/session wiring the orchestrator
// package does not itself construct, matching §9's "avoid back
// references" design note).
func NewProcess(ctx context.Context, logger *slog.Logger, cfg config.Config, selector *session.Selector) *Process {
	caps := capability.Probe(ctx, logger)
	reg := registry.Build(caps)
	logger.Info("capability probe complete",
		"compositor", caps.Compositor,
		"portal_version", caps.PortalMajorVersion,
		"quirks", caps.Quirks)
	return &Process{logger: logger, cfg: cfg, caps: caps, registry: reg, selector: selector}
}

// Registry exposes the process-wide Service Registry for callers that
// need to gate features before a connection exists (e.g. deciding
// whether to advertise clipboard support at all).
func (p *Process) Registry() *registry.Registry { return p.registry }

// Capabilities exposes the immutable Capability Record.
func (p *Process) Capabilities() capability.CapabilityRecord { return p.caps }

// GraphicsServerFactory constructs the external RDP library's
// graphics-pipeline object for one connection, given the initial
// unpadded size and whether a quirk forces single-stream-only.
type GraphicsServerFactory func(ctx context.Context, initialW, initialH int, forceSingleStream bool) (egfx.GraphicsServer, string, error)

// InjectorFactory constructs the concrete input.Injector appropriate for
// the selected session strategy (wayland-native vs uinput); kept as a
// factory rather than a direct import so orchestrator stays decoupled
// from the two concrete backends (spec §9 "avoid deep hierarchies").
type InjectorFactory func(ctx context.Context, handle *session.Handle) (input.Injector, error)

// ClipboardFactory builds the host-side clipboard.Transport and the
// RDP-side clipboard.ClientLink for one connection, or ok=false if the
// clipboard service is Unavailable and no bridge should run.
type ClipboardFactory func(ctx context.Context, reg *registry.Registry) (transport clipboard.Transport, client clipboard.ClientLink, ok bool)

// ChannelSender is the narrow slice of the external RDP driver's
// event-sender mailbox (spec §6) the orchestrator needs beyond the
// graphics-pipeline object itself: delivering control-plane messages and
// already-framed EGFX wire messages on the negotiated dynamic channel.
type ChannelSender interface {
	SendControl(ctx context.Context, ev mux.ControlEvent) error
	SendGraphics(ctx context.Context, channel string, payload [][]byte) error
}

// Connection owns everything scoped to one client: the session handle,
// capture source, damage detector, governor, encoder, EGFX sender, the
// multiplexer, and the input/clipboard tasks wired onto it (spec §4.13
// "Per-connection").
type Connection struct {
	logger *slog.Logger
	proc   *Process

	handle     *session.Handle
	capSrc     capture.Source
	det        *damage.Detector
	fps        *governor.FPSController
	lat        *governor.LatencyGovernor
	enc        encoder.Encoder
	sender     *egfx.Sender
	server     egfx.GraphicsServer
	mx         *mux.Multiplexer
	translator *input.Translator

	activeCodec          encoder.Codec
	unpaddedW, unpaddedH int

	lastEncode  time.Time
	egfxWaitLog *rdplog.Throttle
}

// driverWire adapts the Multiplexer's drained events onto the concrete
// injection translator, clipboard client link, and channel sender for
// one connection — the only mux.Wire implementation the CORE ships,
// grounded on spec §6's event-sender-mailbox contract.
type driverWire struct {
	translator *input.Translator
	clipClient clipboard.ClientLink
	channels   ChannelSender
}

func (w *driverWire) WriteInput(ctx context.Context, ev mux.InputEvent) error {
	switch d := ev.Data.(type) {
	case KeyEvent:
		return w.translator.NotifyKeyboardKeycode(ctx, d.Scancode, d.Pressed)
	case PointerAbsoluteEvent:
		return w.translator.NotifyPointerMotionAbsolute(ctx, d.StreamID, d.X, d.Y)
	case PointerRelativeEvent:
		return w.translator.NotifyPointerMotion(ctx, d.DX, d.DY)
	case PointerButtonEvent:
		return w.translator.NotifyPointerButton(ctx, d.Button, d.Pressed)
	case PointerAxisEvent:
		return w.translator.NotifyPointerAxis(ctx, d.DX, d.DY)
	default:
		return fmt.Errorf("driverWire: unrecognized input event kind %q", ev.Kind)
	}
}

func (w *driverWire) WriteControl(ctx context.Context, ev mux.ControlEvent) error {
	return w.channels.SendControl(ctx, ev)
}

func (w *driverWire) WriteClipboard(ctx context.Context, ev mux.ClipboardEvent) error {
	if w.clipClient == nil {
		return nil
	}
	content, ok := ev.Data.(clipboard.Content)
	if !ok {
		return fmt.Errorf("driverWire: unrecognized clipboard event payload %T", ev.Data)
	}
	return w.clipClient.Send(ctx, content)
}

func (w *driverWire) WriteGraphics(ctx context.Context, f mux.GraphicsFrame) error {
	return w.channels.SendGraphics(ctx, f.Channel, f.Payload)
}

// KeyEvent, PointerAbsoluteEvent, PointerRelativeEvent, PointerButtonEvent
// and PointerAxisEvent are the mux.InputEvent payload shapes the RDP
// driver's synchronous input callbacks (spec §6) construct when calling
// Connection.OnKeyboard/OnPointer*.
type KeyEvent struct {
	Scancode int
	Pressed  bool
}
type PointerAbsoluteEvent struct {
	StreamID int
	X, Y     float64
}
type PointerRelativeEvent struct{ DX, DY int32 }
type PointerButtonEvent struct {
	Button  int
	Pressed bool
}
type PointerAxisEvent struct{ DX, DY float64 }

// OnKeyboard, OnPointerAbsolute, OnPointerRelative, OnPointerButton and
// OnPointerAxis are the handler-interface methods the external RDP
// driver invokes synchronously on each client event (spec §6); they only
// enqueue onto the Priority Multiplexer's input queue — the actual
// injection happens on the multiplexer's drain cycle (spec §4.12).
func (c *Connection) OnKeyboard(ctx context.Context, scancode int, pressed bool) error {
	return c.mx.EnqueueInput(ctx, mux.InputEvent{Kind: "key", Data: KeyEvent{Scancode: scancode, Pressed: pressed}})
}

func (c *Connection) OnPointerAbsolute(ctx context.Context, streamID int, x, y float64) error {
	return c.mx.EnqueueInput(ctx, mux.InputEvent{Kind: "motion-absolute", Data: PointerAbsoluteEvent{StreamID: streamID, X: x, Y: y}})
}

func (c *Connection) OnPointerRelative(ctx context.Context, dx, dy int32) error {
	return c.mx.EnqueueInput(ctx, mux.InputEvent{Kind: "motion-relative", Data: PointerRelativeEvent{DX: dx, DY: dy}})
}

func (c *Connection) OnPointerButton(ctx context.Context, button int, pressed bool) error {
	return c.mx.EnqueueInput(ctx, mux.InputEvent{Kind: "button", Data: PointerButtonEvent{Button: button, Pressed: pressed}})
}

func (c *Connection) OnPointerAxis(ctx context.Context, dx, dy float64) error {
	return c.mx.EnqueueInput(ctx, mux.InputEvent{Kind: "axis", Data: PointerAxisEvent{DX: dx, DY: dy}})
}

// OnPictureLossIndication surfaces a client PLI/refresh request (spec
// §4.9 "Keyframe recovery").
func (c *Connection) OnPictureLossIndication() { c.sender.RequestPLI() }

// Serve materializes one connection: selects a session via the process
// Selector, opens the capture source, constructs the graphics server via
// gsFactory, creates the encoder lazily on first EGFX-ready frame, wires
// the clipboard bridge and input translator, and runs until ctx is
// cancelled or any of the draining loops returns (spec §4.13: "a single
// async supervisor joins them; the first to finish signals the others
// to stop").
func (p *Process) Serve(
	ctx context.Context,
	initialW, initialH int,
	gsFactory GraphicsServerFactory,
	injectorFactory InjectorFactory,
	clipFactory ClipboardFactory,
	channels ChannelSender,
) error {
	logger := rdplog.Component(p.logger, "orchestrator")

	handle, err := p.selector.Select(ctx, p.registry, p.cfg.SessionTimeout)
	if err != nil {
		return fmt.Errorf("session selection failed: %w", err)
	}
	defer handle.Close()

	forceSingleStream := p.caps.HasQuirk(capability.QuirkDualStreamUnreliable)
	server, channelID, err := gsFactory(ctx, initialW, initialH, forceSingleStream)
	if err != nil {
		return fmt.Errorf("construct graphics server: %w", err)
	}

	capSrc := capture.NewPipewireSource(logger, handle.Capture, initialW, initialH)
	if err := capSrc.Start(ctx); err != nil {
		return fmt.Errorf("start capture source: %w", err)
	}
	defer capSrc.Close()

	mx := mux.New(logger)
	sender := egfx.NewSender(logger, server, channelID, p.cfg.MaxFramesInFlight)

	rawInjector, err := injectorFactory(ctx, handle)
	if err != nil {
		return fmt.Errorf("construct input injector: %w", err)
	}
	coords := input.NewCoordinateMapper(initialW, initialH, float64(initialW), float64(initialH))
	translator := input.NewTranslator(logger, rawInjector, coords)
	handle.Injection = translator

	conn := &Connection{
		logger:      logger,
		proc:        p,
		handle:      handle,
		capSrc:      capSrc,
		det:         damage.New(p.cfg.Damage),
		fps:         governor.NewFPSController(p.cfg.AdaptiveFPS),
		lat:         governor.NewLatencyGovernor(p.cfg.Latency),
		sender:      sender,
		server:      server,
		mx:          mx,
		translator:  translator,
		unpaddedW:   initialW,
		unpaddedH:   initialH,
		egfxWaitLog: rdplog.NewThrottle(120),
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 4)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- conn.runGraphicsPipeline(cctx)
	}()

	wire := &driverWire{translator: translator, channels: channels}
	if transport, client, ok := clipFactory(cctx, p.registry); ok {
		wire.clipClient = client
		bridge := clipboard.NewBridge(logger, transport, client, p.registry)
		bridge.SetPublisher(func(ctx context.Context, content clipboard.Content) error {
			mx.EnqueueClipboard(mux.ClipboardEvent{Data: content})
			return nil
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- bridge.Run(cctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- mx.Run(cctx, wire)
	}()

	// The first finisher (e.g. client disconnect surfacing as a capture
	// channel close or a wire-send failure) signals the rest to stop.
	var firstErr error
	select {
	case firstErr = <-errCh:
	case <-ctx.Done():
		firstErr = ctx.Err()
	}
	cancel()
	wg.Wait()

	if conn.enc != nil {
		conn.enc.Close()
	}
	return firstErr
}

// runGraphicsPipeline is the capture→damage→governor→encode→EGFX loop
// (spec: "Data flow (steady state)" in §2).
func (c *Connection) runGraphicsPipeline(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	var encW, encH int // padded size the current encoder was opened at

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		frame, ok := c.capSrc.TryRecvFrame()
		if !ok {
			continue
		}

		if !c.fps.Allow(time.Now()) {
			continue
		}

		// The encoder is created lazily on the first frame after EGFX
		// becomes ready; until then frames are dropped with a throttled
		// log (spec §4.9 readiness gate, §4.13 lazy encoder creation).
		if c.enc == nil && !(c.server.ChannelOpen() && c.server.CapabilitiesNegotiated()) {
			if allow, suppressed := c.egfxWaitLog.Allow(); allow {
				c.logger.Info("waiting for EGFX, dropping frame", "suppressed_since_last", suppressed)
			}
			continue
		}

		pw, ph := align16(frame.Width), align16(frame.Height)
		if c.enc != nil && (pw != encW || ph != encH) {
			// The frame size changed (Reconfigure): recreate the encoder
			// at the new padded size; a fresh pipeline opens with an IDR.
			c.enc.Close()
			c.enc = nil
		}
		if err := c.ensureEncoder(ctx, pw, ph); err != nil {
			c.logger.Error("encoder (re)initialization failed", "err", err)
			return fmt.Errorf("encoder init: %w", err)
		}
		encW, encH = pw, ph

		keyframeDue := c.enc.IsPeriodicKeyframeDue() || c.sender.TakePLI()

		var regions []damage.Region
		mode := damage.ModeTileBased
		if !c.proc.registry.AtLeast(registry.ServiceDamageTracking, registry.Degraded) {
			mode = damage.ModeAlwaysFullFrame
		}
		if keyframeDue {
			// Periodic-keyframe override: bypass damage detection for
			// this frame and submit full_frame so the new IDR refreshes
			// the whole image (spec §4.6).
			regions = nil
		} else {
			regions = c.det.Detect(mode, frame.Payload, frame.Width, frame.Height, frame.Stride)
		}

		hasDamage := keyframeDue || len(regions) > 0 || mode == damage.ModeAlwaysFullFrame
		dirtyFrac := dirtyFraction(regions, frame.Width, frame.Height)
		c.fps.Observe(dirtyFrac)
		c.lat.SampleCPU(ctx)

		decision := c.lat.Decide(hasDamage, dirtyFrac, keyframeDue, time.Since(c.lastEncode))

		switch decision {
		case governor.Skip:
			continue
		case governor.WaitForMore:
			continue
		}

		if keyframeDue {
			c.enc.ForceKeyframe()
		}

		padded := padFrame(frame.Payload, frame.Width, frame.Height, frame.Stride)
		encoded, ok, err := c.enc.Encode(ctx, padded.bgra, padded.w, padded.h, frame.CaptureTimestamp.UnixMilli())
		if err != nil {
			c.logger.Error("encoder-fatal", "err", err)
			c.enc.Close()
			c.enc = nil // reinit on the next frame; a fresh pipeline opens with an IDR
			continue
		}
		if !ok {
			continue // Encoder-skip: rate control dropped the frame
		}
		c.lastEncode = time.Now()

		if err := c.sender.EnsureSurface(ctx, c.unpaddedW, c.unpaddedH); err != nil {
			c.logger.Warn("ensure surface failed", "err", err)
			continue
		}

		if err := c.sender.Send(ctx, c.mx.GraphicsQueue(), encoded, regions, c.unpaddedW, c.unpaddedH, defaultQP); err != nil {
			if !errors.Is(err, egfx.ErrEGFXNotReady) {
				c.logger.Debug("egfx send dropped frame", "err", err)
			}
		}
	}
}

const defaultQP = 28

type paddedFrame struct {
	bgra []byte
	w, h int
}

func padFrame(bgra []byte, width, height, stride int) paddedFrame {
	paddedW, paddedH := align16(width), align16(height)
	out := colorspace.PadEdgeReplicate(bgra, width, height, stride, paddedW, paddedH)
	return paddedFrame{bgra: out, w: paddedW, h: paddedH}
}

func align16(n int) int {
	if n%16 == 0 {
		return n
	}
	return n + (16 - n%16)
}

func dirtyFraction(regions []damage.Region, width, height int) float64 {
	if width == 0 || height == 0 {
		return 0
	}
	total := width * height
	dirty := 0
	for _, r := range regions {
		dirty += r.W * r.H
	}
	if dirty > total {
		dirty = total
	}
	return float64(dirty) / float64(total)
}

// ensureEncoder lazily creates the encoder on first use, choosing AVC444
// when both the client/server configuration enable it and no quirk
// forbids it, otherwise AVC420 (spec §4.13). Re-entrant: a nil c.enc
// (set after Encoder-fatal) triggers reinitialization with a forced
// keyframe on the next successful Encode.
func (c *Connection) ensureEncoder(ctx context.Context, paddedW, paddedH int) error {
	if c.enc != nil {
		return nil
	}

	// The GStreamer backend is registered against this connection's
	// padded frame size the first time an encoder is needed; a frame at a
	// different padded size (after Reconfigure) makes runGraphicsPipeline
	// close the encoder and nil c.enc, which re-registers at the new size.
	encoder.RegisterGStreamerBackend(c.logger, c.proc.cfg, paddedW, paddedH)

	codec := c.chooseCodec()
	if codec == encoder.CodecAVC444 && !c.server.ClientSupportsCodec(encoder.CodecAVC444) {
		codec = encoder.CodecAVC420
	}
	enc, backend, err := encoder.Open(codec)
	if err != nil {
		return err
	}
	c.logger.Info("encoder opened", "codec", codec, "backend", backend)
	c.enc = enc
	c.activeCodec = codec
	return nil
}

func (c *Connection) chooseCodec() encoder.Codec {
	switch c.proc.cfg.Encoder {
	case config.EncoderModeAVC420:
		return encoder.CodecAVC420
	case config.EncoderModeAVC444:
		if c.proc.caps.HasQuirk(capability.QuirkDualStreamUnreliable) {
			return encoder.CodecAVC420
		}
		return encoder.CodecAVC444
	default: // auto
		if c.proc.caps.HasQuirk(capability.QuirkDualStreamUnreliable) {
			return encoder.CodecAVC420
		}
		return encoder.CodecAVC444
	}
}

// Reconfigure handles a client-requested display size change: it
// reconfigures the capture source and lets the next frame's
// ensureEncoder-adjacent path recreate the surface at the new size and
// force a keyframe via the periodic/PLI path (spec §4.13 "Reconfiguration
// paths").
func (c *Connection) Reconfigure(ctx context.Context, width, height int) error {
	if err := c.capSrc.Reconfigure(ctx, width, height); err != nil {
		return fmt.Errorf("capture reconfigure: %w", err)
	}
	c.unpaddedW, c.unpaddedH = width, height
	c.det.Reset()
	if c.enc != nil {
		c.enc.ForceKeyframe()
	}
	c.sender.RequestPLI()
	return nil
}

// RequestCodecChange implements the conservative policy spec §4.13/§9
// chose for the rare "client changes negotiated codec mid-connection"
// case: refuse and keep the originally negotiated codec.
func (c *Connection) RequestCodecChange(requested encoder.Codec) error {
	if requested == c.activeCodec {
		return nil
	}
	c.logger.Warn("refusing mid-connection codec change", "requested", requested, "active", c.activeCodec)
	return ErrCodecChangeRefused
}
