package governor

import (
	"testing"
	"time"

	"github.com/helixml/wayland-rdpcore/internal/config"
)

func TestFPSControllerRampsWithActivity(t *testing.T) {
	c := NewFPSController(config.AdaptiveFPS{MinFPS: 5, MaxFPS: 60, ActivityWindow: 5})
	for i := 0; i < 5; i++ {
		c.Observe(0.5)
	}
	if c.CurrentFPS() < 50 {
		t.Fatalf("expected high activity to ramp FPS near max, got %v", c.CurrentFPS())
	}
}

func TestFPSControllerIdleStaysLow(t *testing.T) {
	c := NewFPSController(config.AdaptiveFPS{MinFPS: 5, MaxFPS: 60, ActivityWindow: 5})
	for i := 0; i < 5; i++ {
		c.Observe(0)
	}
	if c.CurrentFPS() != 5 {
		t.Fatalf("expected idle FPS to stay at minimum, got %v", c.CurrentFPS())
	}
}

func TestLatencyGovernorKeyframeDueOverridesEverything(t *testing.T) {
	g := NewLatencyGovernor(config.LatencyInteractive)
	if got := g.Decide(false, 0, true, 0); got != EncodeNow {
		t.Fatalf("expected EncodeNow when keyframe due, got %v", got)
	}
}

func TestLatencyGovernorNoDamageSkipsThenKeepsAlive(t *testing.T) {
	g := NewLatencyGovernor(config.LatencyBalanced)
	if got := g.Decide(false, 0, false, time.Second); got != Skip {
		t.Fatalf("expected Skip for no damage within keepalive window, got %v", got)
	}
	if got := g.Decide(false, 0, false, 3*time.Second); got != EncodeKeepalive {
		t.Fatalf("expected EncodeKeepalive after keepalive window, got %v", got)
	}
}

func TestLatencyGovernorInteractiveEncodesImmediately(t *testing.T) {
	g := NewLatencyGovernor(config.LatencyInteractive)
	if got := g.Decide(true, 0.001, false, 10*time.Millisecond); got != EncodeNow {
		t.Fatalf("expected EncodeNow in interactive mode on any damage, got %v", got)
	}
}

func TestLatencyGovernorBalancedCoalescesSubThresholdDamage(t *testing.T) {
	g := NewLatencyGovernor(config.LatencyBalanced)
	if got := g.Decide(true, 0.001, false, 10*time.Millisecond); got != WaitForMore {
		t.Fatalf("expected sub-threshold damage to be coalesced in balanced mode, got %v", got)
	}
	if got := g.Decide(true, 0.2, false, 50*time.Millisecond); got != EncodeNow {
		t.Fatalf("expected over-threshold damage to encode immediately in balanced mode, got %v", got)
	}
	if got := g.Decide(true, 0.001, false, 150*time.Millisecond); got != EncodeTimeout {
		t.Fatalf("expected the deadline to force an encode in balanced mode, got %v", got)
	}
}

func TestLatencyGovernorQualityPrefersBatches(t *testing.T) {
	g := NewLatencyGovernor(config.LatencyQuality)
	if got := g.Decide(true, 0.05, false, 20*time.Millisecond); got != WaitForMore {
		t.Fatalf("expected quality mode to defer small damage, got %v", got)
	}
	if got := g.Decide(true, 0.8, false, 100*time.Millisecond); got != EncodeBatch {
		t.Fatalf("expected quality mode to batch large damage, got %v", got)
	}
	if got := g.Decide(true, 0.05, false, 400*time.Millisecond); got != EncodeTimeout {
		t.Fatalf("expected the quality deadline to force an encode, got %v", got)
	}
}
