package encoder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-gst/go-gst/gst"
	"github.com/go-gst/go-gst/gst/app"

	"github.com/helixml/wayland-rdpcore/internal/config"
	"github.com/helixml/wayland-rdpcore/internal/rdplog"
)

var gstInitOnce sync.Once

func ensureGstInit() { gstInitOnce.Do(func() { gst.Init(nil) }) }

// gstSingleStream drives one appsrc ! videoconvert ! x264enc !
// h264parse ! appsink pipeline, producing Annex-B NAL units for a single
// AVC420 stream. Directly grounded on gst_pipeline.go's GstPipeline
// (appsink named "videosink", emit-signals/max-buffers/drop/sync
// properties, NewSampleFunc callback copying mapped buffer bytes,
// PresentationTimestamp/BufferFlagDeltaUnit-derived keyframe detection,
// bus-watch goroutine for EOS/Error), generalized from a
// PipeWire-sourced teacher pipeline to an appsrc-pushed one since this
// package's input is already-decoded BGRA frames, not a live capture device.
type gstSingleStream struct {
	logger   *slog.Logger
	pipeline *gst.Pipeline
	appsrc   *app.Source
	appsink  *app.Sink

	outCh chan EncodedFrame
	sps   spsCache
	kf    *periodicKeyframe

	width, height int
}

func newGstSingleStream(logger *slog.Logger, width, height int, keyframeN int) (*gstSingleStream, error) {
	ensureGstInit()

	pipelineStr := fmt.Sprintf(
		"appsrc name=src is-live=true format=time do-timestamp=true ! "+
			"video/x-raw,format=BGRA,width=%d,height=%d ! "+
			"videoconvert ! video/x-raw,format=I420 ! "+
			"x264enc tune=zerolatency speed-preset=ultrafast byte-stream=true key-int-max=%d ! "+
			"h264parse config-interval=-1 ! appsink name=videosink",
		width, height, keyframeN,
	)

	pipeline, err := gst.NewPipelineFromString(pipelineStr)
	if err != nil {
		return nil, fmt.Errorf("parse encoder pipeline: %w", err)
	}

	srcElem, err := pipeline.GetElementByName("src")
	if err != nil {
		return nil, fmt.Errorf("encoder pipeline missing appsrc 'src': %w", err)
	}
	sinkElem, err := pipeline.GetElementByName("videosink")
	if err != nil {
		return nil, fmt.Errorf("encoder pipeline missing appsink 'videosink': %w", err)
	}

	src := app.SrcFromElement(srcElem)
	sink := app.SinkFromElement(sinkElem)
	sink.SetProperty("emit-signals", true)
	sink.SetProperty("max-buffers", 4)
	sink.SetProperty("drop", false)
	sink.SetProperty("sync", false)

	s := &gstSingleStream{
		logger:   rdplog.Component(logger, "encoder-gst"),
		pipeline: pipeline,
		appsrc:   src,
		appsink:  sink,
		outCh:    make(chan EncodedFrame, 4),
		kf:       newPeriodicKeyframe(keyframeN),
		width:    width,
		height:   height,
	}

	sink.SetCallbacks(&app.SinkCallbacks{NewSampleFunc: s.onNewSample})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, fmt.Errorf("start encoder pipeline: %w", err)
	}
	go s.watchBus()

	return s, nil
}

func (s *gstSingleStream) onNewSample(sink *app.Sink) gst.FlowReturn {
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

	isKeyframe := !buffer.HasFlags(gst.BufferFlagDeltaUnit)

	frame := EncodedFrame{
		Codec:      CodecAVC420,
		Main:       payload,
		IsKeyframe: isKeyframe,
	}

	select {
	case s.outCh <- frame:
	default:
	}
	return gst.FlowOK
}

func (s *gstSingleStream) watchBus() {
	bus := s.pipeline.GetBus()
	for {
		msg := bus.TimedPop(gst.ClockTime(100 * time.Millisecond))
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			return
		case gst.MessageError:
			gerr := msg.ParseError()
			s.logger.Error("encoder pipeline error", "err", gerr.Error())
			return
		}
	}
}

func (s *gstSingleStream) pushFrame(bgra []byte) error {
	buf := gst.NewBufferFromBytes(bgra)
	if ret := s.appsrc.PushBuffer(buf); ret != gst.FlowOK {
		return fmt.Errorf("push buffer to encoder: flow return %v", ret)
	}
	return nil
}

// applyParameterSetPrefix implements spec §4.8/testable-property-3: on a
// keyframe, the fresh SPS/PPS h264parse already wrote into the bitstream
// are cached for next time; on a P-frame, the most recently cached
// SPS+PPS are prepended so every emitted frame carries parameter sets,
// not just IDRs (some RDP clients require this).
func (s *gstSingleStream) applyParameterSetPrefix(nal []byte, isKeyframe bool) []byte {
	if isKeyframe {
		if sps, pps, ok := extractParameterSets(nal); ok {
			if err := s.sps.Update(sps, pps); err != nil {
				s.logger.Warn("sps/pps cache update failed, serving unrewritten NAL", "err", err)
			}
		}
		return nal
	}

	sps, pps := s.sps.Prefix()
	if sps == nil && pps == nil {
		return nal
	}
	frames := splitAnnexB(nal)
	all := make([][]byte, 0, len(frames)+2)
	all = append(all, sps, pps)
	all = append(all, frames...)
	return wrapAnnexB(all...)
}

func (s *gstSingleStream) forceKeyframe() {
	s.kf.force()
	st := gst.NewStructure("GstForceKeyUnit")
	if err := st.SetValue("all-headers", true); err == nil {
		s.pipeline.SendEvent(gst.NewCustomEvent(gst.EventTypeCustomDownstream, st))
	}
}

func (s *gstSingleStream) close() error {
	return s.pipeline.SetState(gst.StateNull)
}

// singleStreamEncoder adapts gstSingleStream to the package's Encoder
// interface for the AVC420 (single-stream) codec.
type singleStreamEncoder struct {
	stream *gstSingleStream
}

// NewGStreamerAVC420Encoder builds the software-encode backend for
// single-stream AVC420, the GStreamer concrete implementation registered
// into the backend factory table (spec §4.8, §9 "dynamic dispatch" over
// a tagged-variant encoder).
func NewGStreamerAVC420Encoder(logger *slog.Logger, cfg config.Config, width, height int) (Encoder, error) {
	stream, err := newGstSingleStream(logger, width, height, cfg.PeriodicKeyframeN)
	if err != nil {
		return nil, err
	}
	return &singleStreamEncoder{stream: stream}, nil
}

func (e *singleStreamEncoder) Encode(ctx context.Context, bgra []byte, paddedW, paddedH int, timestampMS int64) (EncodedFrame, bool, error) {
	if err := e.stream.pushFrame(bgra); err != nil {
		return EncodedFrame{}, false, err
	}
	select {
	case frame := <-e.stream.outCh:
		e.stream.kf.recordFrame(frame.IsKeyframe)
		frame.Main = e.stream.applyParameterSetPrefix(frame.Main, frame.IsKeyframe)
		frame.TimestampMS = timestampMS
		return frame, true, nil
	case <-ctx.Done():
		return EncodedFrame{}, false, ctx.Err()
	case <-time.After(200 * time.Millisecond):
		return EncodedFrame{}, false, nil
	}
}

func (e *singleStreamEncoder) ForceKeyframe()              { e.stream.forceKeyframe() }
func (e *singleStreamEncoder) IsPeriodicKeyframeDue() bool { return e.stream.kf.due() }
func (e *singleStreamEncoder) CodecName() Codec            { return CodecAVC420 }
func (e *singleStreamEncoder) Close() error                { return e.stream.close() }

// RegisterGStreamerBackend wires the GStreamer software encoder into the
// package-level factory registry at the lowest priority, so any hardware
// backend discovered elsewhere in the pack (e.g. a future VA-API or NVENC
// factory) is preferred when present — mirroring encoder.go's
// hardware-first, software-fallback ordering.
func RegisterGStreamerBackend(logger *slog.Logger, cfg config.Config, width, height int) {
	RegisterBackend("gstreamer-software", 0, func(codec Codec) (Encoder, bool, error) {
		switch codec {
		case CodecAVC420:
			enc, err := NewGStreamerAVC420Encoder(logger, cfg, width, height)
			if err != nil {
				return nil, false, err
			}
			return enc, true, nil
		case CodecAVC444:
			enc, err := newDualStreamEncoder(logger, cfg, width, height)
			if err != nil {
				return nil, false, err
			}
			return enc, true, nil
		default:
			return nil, false, nil
		}
	})
}
