package registry

import (
	"testing"

	"github.com/helixml/wayland-rdpcore/internal/capability"
)

func TestBuildMapsSupportFlagsToLevels(t *testing.T) {
	rec := capability.CapabilityRecord{
		Compositor:              capability.CompositorGNOME,
		DamageTrackingSupported: true,
		ClipboardSupported:      true,
		InputInjectionSupported: true,
	}
	r := Build(rec)

	if got := r.ServiceLevel(ServiceDamageTracking); got != Guaranteed {
		t.Fatalf("expected damage-tracking Guaranteed, got %v", got)
	}
	if got := r.ServiceLevel(ServiceClipboard); got != Guaranteed {
		t.Fatalf("expected clipboard Guaranteed, got %v", got)
	}
	if got := r.ServiceLevel(ServiceDmaBufZeroCopy); got != Unavailable {
		t.Fatalf("expected dma-buf Unavailable when unsupported, got %v", got)
	}
}

func TestClipboardQuirkForcesUnavailable(t *testing.T) {
	rec := capability.CapabilityRecord{
		ClipboardSupported: true,
		Quirks:             []capability.Quirk{capability.QuirkClipboardUnavailable},
	}
	r := Build(rec)
	if got := r.ServiceLevel(ServiceClipboard); got != Unavailable {
		t.Fatalf("expected the clipboard quirk to degrade the service to Unavailable, got %v", got)
	}
}

func TestLinkedDmaBufQuirkCapsAtBestEffort(t *testing.T) {
	rec := capability.CapabilityRecord{
		DmaBufSupported: true,
		Quirks:          []capability.Quirk{capability.QuirkNoLinkedDmaBuf},
	}
	r := Build(rec)
	if got := r.ServiceLevel(ServiceDmaBufZeroCopy); got != BestEffort {
		t.Fatalf("expected dma-buf capped at BestEffort under the linked-session quirk, got %v", got)
	}
}

func TestUnknownServiceIsUnavailable(t *testing.T) {
	r := Build(capability.CapabilityRecord{})
	if got := r.ServiceLevel(ServiceID("bogus")); got != Unavailable {
		t.Fatalf("expected unknown service id to report Unavailable, got %v", got)
	}
}

func TestAtLeastRespectsOrdering(t *testing.T) {
	rec := capability.CapabilityRecord{InputInjectionSupported: true}
	r := Build(rec)
	if !r.AtLeast(ServiceInputInjection, BestEffort) {
		t.Fatal("Guaranteed should satisfy an AtLeast(BestEffort) gate")
	}
	if r.AtLeast(ServiceClipboard, Degraded) {
		t.Fatal("Unavailable should not satisfy an AtLeast(Degraded) gate")
	}
}
