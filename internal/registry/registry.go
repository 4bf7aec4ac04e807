// Package registry implements the Service Registry (C2): a pure mapping
// from the Capability Record to a fixed set of named service levels.
// Grounded on spec §4.2 — no teacher file implements this directly
// (the teacher checks capabilities ad hoc at call sites), so this package
// is new code that generalizes that ad hoc pattern into the single
// source of truth spec §4.2 requires, built in the same plain-Go,
// no-framework style as the rest of the teacher's package.
package registry

import "github.com/helixml/wayland-rdpcore/internal/capability"

// ServiceLevel is ordered; lower is worse.
type ServiceLevel int

const (
	Unavailable ServiceLevel = iota
	Degraded
	BestEffort
	Guaranteed
)

func (l ServiceLevel) String() string {
	switch l {
	case Guaranteed:
		return "guaranteed"
	case BestEffort:
		return "best-effort"
	case Degraded:
		return "degraded"
	default:
		return "unavailable"
	}
}

// ServiceID is a closed set of service identifiers consumers gate on.
type ServiceID string

const (
	ServiceDamageTracking ServiceID = "damage-tracking"
	ServiceMetadataCursor ServiceID = "metadata-cursor"
	ServiceDmaBufZeroCopy ServiceID = "dma-buf-zero-copy"
	ServiceExplicitSync   ServiceID = "explicit-sync"
	ServiceClipboard      ServiceID = "clipboard"
	ServiceInputInjection ServiceID = "input-injection"
	ServiceSessionPersist ServiceID = "session-persistence"
)

// Registry is a pure function of a CapabilityRecord, built once at startup.
type Registry struct {
	levels map[ServiceID]ServiceLevel
}

// Build constructs the Registry from a CapabilityRecord. Adaptive behavior
// elsewhere must consult only this Registry, never inspect the
// CapabilityRecord directly (spec §4.2).
func Build(rec capability.CapabilityRecord) *Registry {
	r := &Registry{levels: make(map[ServiceID]ServiceLevel, 7)}

	r.levels[ServiceDamageTracking] = levelFor(rec.DamageTrackingSupported, rec.Compositor != capability.CompositorUnknown)
	r.levels[ServiceMetadataCursor] = levelFor(rec.MetadataCursorSupported, false)
	r.levels[ServiceExplicitSync] = levelFor(rec.ExplicitSyncSupported, false)
	r.levels[ServiceInputInjection] = levelFor(rec.InputInjectionSupported, false)
	r.levels[ServiceSessionPersist] = levelFor(rec.RestoreTokenSupported, false)

	if rec.HasQuirk(capability.QuirkClipboardUnavailable) {
		r.levels[ServiceClipboard] = Unavailable
	} else {
		r.levels[ServiceClipboard] = levelFor(rec.ClipboardSupported, false)
	}

	if rec.HasQuirk(capability.QuirkNoLinkedDmaBuf) {
		// dma-buf is real but requires a standalone session — best-effort,
		// not guaranteed, since the standalone path can itself fail.
		r.levels[ServiceDmaBufZeroCopy] = levelFor(rec.DmaBufSupported, false)
		if r.levels[ServiceDmaBufZeroCopy] == Guaranteed {
			r.levels[ServiceDmaBufZeroCopy] = BestEffort
		}
	} else {
		r.levels[ServiceDmaBufZeroCopy] = levelFor(rec.DmaBufSupported, false)
	}

	return r
}

func levelFor(supported bool, degradedFallback bool) ServiceLevel {
	if supported {
		return Guaranteed
	}
	if degradedFallback {
		return Degraded
	}
	return Unavailable
}

// ServiceLevel returns the total, pure mapping for a service id. Unknown
// ids return Unavailable rather than panicking — the set of ids is closed
// but callers outside this package must never construct one out of thin air.
func (r *Registry) ServiceLevel(id ServiceID) ServiceLevel {
	if lvl, ok := r.levels[id]; ok {
		return lvl
	}
	return Unavailable
}

// AtLeast is a convenience gate used throughout the CORE, e.g.
// registry.AtLeast(registry.ServiceClipboard, registry.BestEffort).
func (r *Registry) AtLeast(id ServiceID, min ServiceLevel) bool {
	return r.ServiceLevel(id) >= min
}
