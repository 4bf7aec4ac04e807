// Package governor implements the Adaptive-FPS Controller & Latency
// Governor (C6). The token-bucket FPS/activity-classification and
// hysteresis shape are grounded on LanternOps-breeze's adaptive.go
// (AIMD degrade/upgrade with EWMA-smoothed metrics, cooldown-gated
// adjustment, stable-sample-count anti-oscillation) — generalized from
// bitrate/quality adjustment (RTT/packet-loss driven) to FPS/decision
// adjustment (damage-rate/CPU-load driven), since C6 has no network
// metrics to react to, only local signals (spec §4.6).
package governor

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/helixml/wayland-rdpcore/internal/config"
)

// ActivityLevel classifies how much motion recent frames have shown.
type ActivityLevel int

const (
	ActivityIdle ActivityLevel = iota
	ActivityLow
	ActivityMedium
	ActivityHigh
)

// LatencyMode mirrors config.LatencyMode but as the governor's own type
// so callers cannot accidentally mix up the raw config value with the
// governor's live (possibly CPU-hysteresis-downgraded) mode.
type LatencyMode int

const (
	ModeInteractive LatencyMode = iota
	ModeBalanced
	ModeQuality
)

// Decision is the action the orchestrator takes for the current frame
// (spec §4.6's closed decision set).
type Decision int

const (
	EncodeNow Decision = iota
	WaitForMore
	EncodeBatch
	EncodeTimeout
	EncodeKeepalive
	Skip
)

// FPSController is a token-bucket limiter whose rate adapts to observed
// activity level, analogous to adaptive.go's bitrate ramping but driven
// by dirty-pixel fraction instead of RTT/loss.
type FPSController struct {
	cfg config.AdaptiveFPS

	tokens     float64
	lastRefill time.Time
	currentFPS float64

	activitySamples []float64 // recent per-frame dirty fraction, ring-buffered
	sampleIdx       int
}

// NewFPSController builds a controller starting at the configured minimum FPS.
func NewFPSController(cfg config.AdaptiveFPS) *FPSController {
	window := cfg.ActivityWindow
	if window <= 0 {
		window = 30
	}
	return &FPSController{
		cfg:             cfg,
		currentFPS:      float64(cfg.MinFPS),
		lastRefill:      time.Time{},
		activitySamples: make([]float64, window),
	}
}

// Observe records this frame's dirty-pixel fraction (damaged area /
// total area) and reclassifies activity level.
func (f *FPSController) Observe(dirtyFraction float64) ActivityLevel {
	f.activitySamples[f.sampleIdx%len(f.activitySamples)] = dirtyFraction
	f.sampleIdx++

	var sum float64
	n := len(f.activitySamples)
	if f.sampleIdx < n {
		n = f.sampleIdx
	}
	for i := 0; i < n; i++ {
		sum += f.activitySamples[i]
	}
	avg := 0.0
	if n > 0 {
		avg = sum / float64(n)
	}

	level := classify(avg)
	f.adjustFPS(level)
	return level
}

func classify(avgDirtyFraction float64) ActivityLevel {
	switch {
	case avgDirtyFraction <= 0:
		return ActivityIdle
	case avgDirtyFraction < 0.05:
		return ActivityLow
	case avgDirtyFraction < 0.30:
		return ActivityMedium
	default:
		return ActivityHigh
	}
}

func (f *FPSController) adjustFPS(level ActivityLevel) {
	target := float64(f.cfg.MinFPS)
	switch level {
	case ActivityLow:
		target = float64(f.cfg.MinFPS+f.cfg.MaxFPS) / 3
	case ActivityMedium:
		target = float64(f.cfg.MinFPS+f.cfg.MaxFPS) / 2
	case ActivityHigh:
		target = float64(f.cfg.MaxFPS)
	}
	if target < float64(f.cfg.MinFPS) {
		target = float64(f.cfg.MinFPS)
	}
	if target > float64(f.cfg.MaxFPS) {
		target = float64(f.cfg.MaxFPS)
	}
	f.currentFPS = target
}

// Allow consumes a token if one is available at the current FPS rate,
// refilling proportionally to elapsed time since the last call (standard
// token bucket; burst capacity is capped at one frame interval).
func (f *FPSController) Allow(now time.Time) bool {
	if f.lastRefill.IsZero() {
		f.lastRefill = now
		f.tokens = 1
	} else {
		elapsed := now.Sub(f.lastRefill).Seconds()
		f.tokens += elapsed * f.currentFPS
		if f.tokens > 1 {
			f.tokens = 1
		}
		f.lastRefill = now
	}

	if f.tokens >= 1 {
		f.tokens -= 1
		return true
	}
	return false
}

// CurrentFPS reports the controller's live target rate.
func (f *FPSController) CurrentFPS() float64 { return f.currentFPS }

// LatencyGovernor decides, per frame, whether to encode immediately, wait
// for more damage to accumulate, or skip — per spec §4.6's combined rule
// with periodic-keyframe override. CPU-load hysteresis is new wiring
// (grounded on the AIMD cooldown/stable-count anti-oscillation idiom of
// adaptive.go, applied to a gopsutil CPU sample instead of RTCP stats) so
// a loaded host downgrades Interactive toward Balanced rather than
// oscillating frame-by-frame.
type LatencyGovernor struct {
	configuredMode LatencyMode

	lastCPUSample time.Time
	cpuHighStreak int
	cpuLowStreak  int
	effectiveMode LatencyMode
}

// NewLatencyGovernor builds a governor starting at the configured mode.
func NewLatencyGovernor(mode config.LatencyMode) *LatencyGovernor {
	m := fromConfigMode(mode)
	return &LatencyGovernor{configuredMode: m, effectiveMode: m}
}

func fromConfigMode(m config.LatencyMode) LatencyMode {
	switch m {
	case config.LatencyInteractive:
		return ModeInteractive
	case config.LatencyQuality:
		return ModeQuality
	default:
		return ModeBalanced
	}
}

// SampleCPU polls host CPU utilization and applies hysteresis: three
// consecutive samples at or above 85% downgrades Interactive to Balanced;
// three consecutive samples below 60% restores the configured mode.
// Mirrors adaptive.go's stableCount-gated upgrade/degrade, substituting a
// local resource signal for a network one.
func (g *LatencyGovernor) SampleCPU(ctx context.Context) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(percents) == 0 {
		return
	}
	load := percents[0]

	if load >= 85 {
		g.cpuHighStreak++
		g.cpuLowStreak = 0
	} else if load < 60 {
		g.cpuLowStreak++
		g.cpuHighStreak = 0
	} else {
		g.cpuHighStreak = 0
		g.cpuLowStreak = 0
	}

	if g.cpuHighStreak >= 3 && g.configuredMode == ModeInteractive {
		g.effectiveMode = ModeBalanced
	} else if g.cpuLowStreak >= 3 {
		g.effectiveMode = g.configuredMode
	}
}

// coalesceThreshold is the damage ratio below which Balanced mode defers
// a frame hoping more damage accumulates; balancedDeadline and
// qualityDeadline bound how long either mode may keep deferring
// (Balanced <100ms, Quality <300ms per spec §4.6).
const (
	coalesceThreshold = 0.02
	balancedDeadline  = 100 * time.Millisecond
	qualityDeadline   = 250 * time.Millisecond
	keepaliveInterval = 2 * time.Second
)

// Decide returns the frame disposition given whether this frame has any
// damage, the damaged fraction of the frame, whether a periodic keyframe
// is due, and how long since the last frame was actually encoded.
func (g *LatencyGovernor) Decide(hasDamage bool, damageRatio float64, keyframeDue bool, sinceLastEncode time.Duration) Decision {
	if keyframeDue {
		return EncodeNow
	}
	if !hasDamage {
		if sinceLastEncode > keepaliveInterval {
			return EncodeKeepalive
		}
		return Skip
	}

	switch g.effectiveMode {
	case ModeInteractive:
		// Interactive always encodes on any damage.
		return EncodeNow
	case ModeQuality:
		if sinceLastEncode > qualityDeadline {
			return EncodeTimeout
		}
		if damageRatio < 0.5 && sinceLastEncode < 80*time.Millisecond {
			return WaitForMore
		}
		return EncodeBatch
	default: // ModeBalanced
		if sinceLastEncode > balancedDeadline {
			return EncodeTimeout
		}
		if damageRatio < coalesceThreshold && sinceLastEncode < 30*time.Millisecond {
			return WaitForMore
		}
		return EncodeNow
	}
}
