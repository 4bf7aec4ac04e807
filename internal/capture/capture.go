// Package capture implements the Capture Source (C4): it pumps raw
// frames from the session's PipeWire transport into a small bounded
// channel the rest of the pipeline reads non-blockingly. Grounded on
// helixml-helix's gst_pipeline.go (GstPipeline/appsink "videosink"
// callback pump, atomic running flag, sync.Once stop) — generalized from
// that file's H.264-output pipeline into a raw-BGRA-output pipeline
// sourced from pipewiresrc instead of an encoder element, since C4's job
// ends before encoding (spec §4.4 "Capture Source" is upstream of C8).
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gst/go-gst/gst"
	"github.com/go-gst/go-gst/gst/app"

	"github.com/helixml/wayland-rdpcore/internal/rdplog"
	"github.com/helixml/wayland-rdpcore/internal/session"
)

// RawFrame is one captured frame, always in packed BGRA per spec §3.
type RawFrame struct {
	FrameID          uint64
	Width, Height    int
	Stride           int
	PixelFormat      string // always "BGRA" for this capture backend
	Payload          []byte
	CaptureTimestamp time.Time
}

var gstInitOnce sync.Once

func ensureGstInit() {
	gstInitOnce.Do(func() { gst.Init(nil) })
}

// Source is the contract the Damage Detector and Governor consume.
type Source interface {
	// TryRecvFrame returns the oldest frame still queued without blocking
	// (a full queue drops its oldest frame to admit a new one), or
	// ok=false if none is ready yet.
	TryRecvFrame() (RawFrame, bool)
	// Reconfigure applies a resolution change, tearing down and
	// rebuilding the underlying pipeline (spec §4.4: "reconfiguration
	// as an explicit orchestrator-issued command").
	Reconfigure(ctx context.Context, width, height int) error
	Close() error
}

// PipewireSource captures from a session.CaptureHandle via a GStreamer
// pipewiresrc ! videoconvert ! appsink pipeline running on its own OS
// thread (GStreamer's own bus-watch thread), matching spec §5's "one
// dedicated OS thread for capture".
type PipewireSource struct {
	logger *slog.Logger
	handle session.CaptureHandle

	mu       sync.Mutex
	pipeline *gst.Pipeline
	appsink  *app.Sink

	frameCh       chan RawFrame
	running       atomic.Bool
	nextID        atomic.Uint64
	dropLog       *rdplog.Throttle
	width, height int
}

// NewPipewireSource builds (but does not start) a capture source bound to
// the given session capture handle.
func NewPipewireSource(logger *slog.Logger, handle session.CaptureHandle, width, height int) *PipewireSource {
	ensureGstInit()
	return &PipewireSource{
		logger:  rdplog.Component(logger, "capture"),
		handle:  handle,
		frameCh: make(chan RawFrame, 4), // spec §3 QueueSet-adjacent: bounded, drop-oldest on overflow
		dropLog: rdplog.NewThrottle(100),
		width:   width,
		height:  height,
	}
}

func (s *PipewireSource) pipelineString() string {
	if s.handle.Transport == "pipewire-fd" && s.handle.FD > 0 {
		return fmt.Sprintf(
			"pipewiresrc fd=%d path=%d ! videoconvert ! video/x-raw,format=BGRA ! appsink name=videosink",
			s.handle.FD, s.handle.NodeID,
		)
	}
	return fmt.Sprintf(
		"pipewiresrc path=%d ! videoconvert ! video/x-raw,format=BGRA ! appsink name=videosink",
		s.handle.NodeID,
	)
}

// Start launches the pipeline and begins delivering frames.
func (s *PipewireSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pipelineStr := s.pipelineString()
	pipeline, err := gst.NewPipelineFromString(pipelineStr)
	if err != nil {
		return fmt.Errorf("parse capture pipeline: %w", err)
	}

	sinkElem, err := pipeline.GetElementByName("videosink")
	if err != nil {
		return fmt.Errorf("capture pipeline missing appsink 'videosink': %w", err)
	}
	sink := app.SinkFromElement(sinkElem)
	sink.SetProperty("emit-signals", true)
	sink.SetProperty("max-buffers", 2)
	sink.SetProperty("drop", true)
	sink.SetProperty("sync", false)

	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	s.pipeline = pipeline
	s.appsink = sink

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("start capture pipeline: %w", err)
	}
	s.running.Store(true)

	go s.watchBus(ctx)
	return nil
}

func (s *PipewireSource) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowEOS
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowError
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	payload := make([]byte, len(data))
	copy(payload, data)
	buffer.Unmap()

	frame := RawFrame{
		FrameID:          s.nextID.Add(1),
		Width:            s.width,
		Height:           s.height,
		Stride:           s.width * 4,
		PixelFormat:      "BGRA",
		Payload:          payload,
		CaptureTimestamp: time.Now(),
	}

	select {
	case s.frameCh <- frame:
	default:
		// Drop-oldest: make room for the newest frame rather than
		// blocking the capture thread (spec §4.4 / Capture-drop policy).
		select {
		case <-s.frameCh:
		default:
		}
		select {
		case s.frameCh <- frame:
		default:
		}
		if allow, suppressed := s.dropLog.Allow(); allow {
			s.logger.Warn("capture frame dropped, consumer too slow", "suppressed_since_last", suppressed)
		}
	}

	return gst.FlowOK
}

func (s *PipewireSource) watchBus(ctx context.Context) {
	bus := s.pipeline.GetBus()
	for s.running.Load() {
		msg := bus.TimedPop(gst.ClockTime(100 * time.Millisecond))
		if msg == nil {
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}
		switch msg.Type() {
		case gst.MessageEOS:
			s.logger.Warn("capture pipeline reached EOS")
			return
		case gst.MessageError:
			gerr := msg.ParseError()
			s.logger.Error("capture pipeline error", "err", gerr.Error())
			return
		}
	}
}

func (s *PipewireSource) TryRecvFrame() (RawFrame, bool) {
	select {
	case f := <-s.frameCh:
		return f, true
	default:
		return RawFrame{}, false
	}
}

// Reconfigure tears down and rebuilds the pipeline at a new resolution.
func (s *PipewireSource) Reconfigure(ctx context.Context, width, height int) error {
	if err := s.Close(); err != nil {
		s.logger.Warn("error stopping capture pipeline for reconfigure", "err", err)
	}
	s.width, s.height = width, height
	s.running.Store(false)
	return s.Start(ctx)
}

func (s *PipewireSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	if s.pipeline != nil {
		return s.pipeline.SetState(gst.StateNull)
	}
	return nil
}
