// Package config defines the validated configuration structure the CORE
// receives from its external process surface. Parsing CLI flags or files
// is explicitly out of scope (spec §6) — this package only shapes the data.
package config

import "time"

// EncoderMode selects which codec family the orchestrator should prefer.
type EncoderMode string

const (
	EncoderModeAuto   EncoderMode = "auto"
	EncoderModeAVC420 EncoderMode = "avc420"
	EncoderModeAVC444 EncoderMode = "avc444"
)

// LatencyMode mirrors the governor's three modes (spec §4.6).
type LatencyMode string

const (
	LatencyInteractive LatencyMode = "interactive"
	LatencyBalanced    LatencyMode = "balanced"
	LatencyQuality     LatencyMode = "quality"
)

// AdaptiveFPS bounds and thresholds for the Adaptive-FPS Controller.
type AdaptiveFPS struct {
	MinFPS int
	MaxFPS int
	// ActivityWindow is how many recent damage-ratio samples feed the
	// idle/low/medium/high classification.
	ActivityWindow int
}

// DamageDetector tuning knobs (spec §4.5).
type DamageDetector struct {
	TileSize          int
	TileDirtyFraction float64
	TileDirtyAbsolute int
	MergeDistance     int
	MinRegionArea     int
}

// AuxOmission parameters for AVC444 (spec §4.8).
type AuxOmission struct {
	Enabled             bool
	MaxAuxInterval      int
	AuxChangeThreshold  float64
	ForceAuxIDROnReturn bool
}

// Config is the single externally-supplied, pre-validated configuration
// structure the CORE's orchestrator accepts. Nothing in this package
// parses it from flags, env vars, or files — that is the external
// process surface's job (spec §6).
type Config struct {
	// CapturePreference hints the Strategy Selector's preference order,
	// e.g. "vendor-native", "portal", "" (no preference).
	CapturePreference string

	Encoder           EncoderMode
	Latency           LatencyMode
	AdaptiveFPS       AdaptiveFPS
	Damage            DamageDetector
	Aux               AuxOmission
	PeriodicKeyframeN int
	SessionTimeout    time.Duration
	MaxFramesInFlight int

	// TLSMaterial is opaque and supplied by the external RDP driver's own
	// configuration surface (security/certificates remain a non-goal, see
	// SPEC_FULL.md §4); the CORE never inspects it, only threads it through
	// to the driver at construction time.
	TLSMaterial []byte
}

// Default returns a Config with the conservative defaults described
// throughout spec.md §4 (64x64 tiles, 5..60 FPS bounds, balanced latency).
func Default() Config {
	return Config{
		CapturePreference: "",
		Encoder:           EncoderModeAuto,
		Latency:           LatencyBalanced,
		AdaptiveFPS: AdaptiveFPS{
			MinFPS:         5,
			MaxFPS:         60,
			ActivityWindow: 30,
		},
		Damage: DamageDetector{
			TileSize:          64,
			TileDirtyFraction: 0.10,
			TileDirtyAbsolute: 256,
			MergeDistance:     16,
			MinRegionArea:     32,
		},
		Aux: AuxOmission{
			Enabled:             true,
			MaxAuxInterval:      30,
			AuxChangeThreshold:  0.05,
			ForceAuxIDROnReturn: false,
		},
		PeriodicKeyframeN: 300,
		SessionTimeout:    30 * time.Second,
		MaxFramesInFlight: 2,
	}
}
