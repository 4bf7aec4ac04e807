// Package encoder implements the Video Encoder Abstraction (C8): a
// uniform interface over AVC420 (single-stream) and AVC444 (dual-stream)
// H.264 encoding, backed by GStreamer. The multi-backend registration
// shape is grounded on LanternOps-breeze's encoder.go hardwareFactories
// pattern (tryHardware/registerBackend dispatch over several platform
// encoders before falling back to software); the concrete GStreamer
// backend and its appsink frame pump are grounded on helixml-helix's
// gst_pipeline.go; SPS/PPS caching and the zero-latency VUI rewrite are
// grounded on helixml-helix's h264_sps.go (Eyevinn/mp4ff-based parsing).
package encoder

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Codec names the closed set of wire codecs C9 can emit (spec §4.8).
type Codec string

const (
	CodecAVC420 Codec = "avc420"
	CodecAVC444 Codec = "avc444"
)

// EncodedFrame is the variant type spec §3 describes: Single for AVC420,
// Dual for AVC444 (main + aux bitstreams).
type EncodedFrame struct {
	Codec       Codec
	Main        []byte
	Aux         []byte // only set when Codec == CodecAVC444
	IsKeyframe  bool
	TimestampMS int64
}

// Encoder is the uniform contract spec §4.8 specifies.
type Encoder interface {
	// Encode consumes one padded BGRA frame and returns an encoded frame,
	// or ok=false if the backend buffered it without producing output yet.
	Encode(ctx context.Context, bgra []byte, paddedW, paddedH int, timestampMS int64) (EncodedFrame, bool, error)
	ForceKeyframe()
	IsPeriodicKeyframeDue() bool
	CodecName() Codec
	Close() error
}

// Factory constructs an Encoder for a requested codec, or returns
// (nil, false) if this backend cannot serve that codec on this host
// (missing hardware element, unsupported quirk, etc).
type Factory func(codec Codec) (Encoder, bool, error)

var (
	registryMu sync.Mutex
	factories  = map[string]struct {
		priority int
		factory  Factory
	}{}
)

// RegisterBackend adds a named Factory at a given priority (higher tries
// first), mirroring encoder.go's hardwareFactories registration table.
func RegisterBackend(name string, priority int, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = struct {
		priority int
		factory  Factory
	}{priority: priority, factory: f}
}

// Open tries every registered backend in priority order and returns the
// first that can serve the requested codec, mirroring encoder.go's
// tryHardware loop ("attempt each candidate, fall through on failure").
func Open(codec Codec) (Encoder, string, error) {
	registryMu.Lock()
	type candidate struct {
		name     string
		priority int
		factory  Factory
	}
	candidates := make([]candidate, 0, len(factories))
	for name, entry := range factories {
		candidates = append(candidates, candidate{name, entry.priority, entry.factory})
	}
	registryMu.Unlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].priority > candidates[j].priority })

	var lastErr error
	for _, c := range candidates {
		enc, ok, err := c.factory(codec)
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			return enc, c.name, nil
		}
	}
	if lastErr != nil {
		return nil, "", fmt.Errorf("no encoder backend could serve %s: %w", codec, lastErr)
	}
	return nil, "", fmt.Errorf("no encoder backend registered for %s", codec)
}

// periodicKeyframe tracks the frame-count-based keyframe cadence (spec
// §4.8 "periodic keyframe every N frames", default from
// config.PeriodicKeyframeN) shared by every concrete backend.
type periodicKeyframe struct {
	n         int
	sinceLast int
	forced    bool
}

func newPeriodicKeyframe(n int) *periodicKeyframe {
	if n <= 0 {
		n = 300
	}
	return &periodicKeyframe{n: n}
}

func (p *periodicKeyframe) due() bool {
	return p.forced || p.sinceLast >= p.n
}

func (p *periodicKeyframe) force() { p.forced = true }

func (p *periodicKeyframe) recordFrame(isKeyframe bool) {
	if isKeyframe {
		p.sinceLast = 0
		p.forced = false
	} else {
		p.sinceLast++
	}
}
