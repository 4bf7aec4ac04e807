// Package capability implements the Capability Prober (C1): at startup it
// inspects the host environment and produces an immutable CapabilityRecord.
// Grounded on helixml-helix's session_portal.go detectCompositor()/
// connectDBusPortal(), generalized from "gnome vs sway" into the spec's
// richer capability surface (dma-buf, explicit-sync, restore tokens, ...).
package capability

import (
	"context"
	"log/slog"
	"os"

	"github.com/godbus/dbus/v5"
)

// CompositorIdentity names the detected compositor.
type CompositorIdentity string

const (
	CompositorGNOME   CompositorIdentity = "gnome"
	CompositorWlroots CompositorIdentity = "wlroots"
	CompositorUnknown CompositorIdentity = "unknown"
)

// Quirk is a closed enum of platform behavioral overrides. Each tag maps
// to a concrete downstream behavior per spec §4.1.
type Quirk string

const (
	// QuirkDualStreamUnreliable forces the encoder abstraction to expose
	// only the single-stream (AVC420) codec.
	QuirkDualStreamUnreliable Quirk = "dual-stream-4:4:4-unreliable"
	// QuirkClipboardUnavailable degrades the clipboard service to Unavailable.
	QuirkClipboardUnavailable Quirk = "clipboard-unavailable"
	// QuirkSlowPermissions extends session-establishment timeouts.
	QuirkSlowPermissions Quirk = "slow-permissions"
	// QuirkNoLinkedDmaBuf means linked ScreenCast sessions never offer
	// dma-buf modifiers; a standalone session must be used for zero-copy.
	QuirkNoLinkedDmaBuf Quirk = "no-linked-dmabuf"
)

// CapabilityRecord is immutable once constructed; read-only thereafter.
type CapabilityRecord struct {
	Compositor CompositorIdentity

	// PortalMajorVersion is the detected xdg-desktop-portal ScreenCast
	// interface major version, or 0 if no portal was reachable.
	PortalMajorVersion int

	InputInjectionSupported bool
	ClipboardSupported      bool
	DmaBufSupported         bool
	DamageTrackingSupported bool
	MetadataCursorSupported bool
	ExplicitSyncSupported   bool
	RestoreTokenSupported   bool

	RecommendedCaptureTransport string // "pipewire" or "wayland-native"
	RecommendedBufferTransport  string // "dma-buf" or "shm"

	Quirks []Quirk
}

// HasQuirk reports whether a given quirk tag is present.
func (r CapabilityRecord) HasQuirk(q Quirk) bool {
	for _, have := range r.Quirks {
		if have == q {
			return true
		}
	}
	return false
}

const (
	portalBus  = "org.freedesktop.portal.Desktop"
	portalPath = "/org/freedesktop/portal/desktop"
)

// Probe inspects the host environment and produces a CapabilityRecord.
// It never fails: an environment with no recognizable capability yields a
// record with every optional field at its weakest value and every quirk
// that applies (spec §4.1).
func Probe(ctx context.Context, logger *slog.Logger) CapabilityRecord {
	desktop := os.Getenv("XDG_CURRENT_DESKTOP")
	sessionType := os.Getenv("XDG_SESSION_TYPE")
	logger.Info("probing capabilities", "XDG_CURRENT_DESKTOP", desktop, "XDG_SESSION_TYPE", sessionType)

	rec := CapabilityRecord{
		Compositor:                  CompositorUnknown,
		RecommendedCaptureTransport: "pipewire",
		RecommendedBufferTransport:  "shm",
	}

	switch desktop {
	case "GNOME", "gnome", "ubuntu:GNOME":
		rec.Compositor = CompositorGNOME
	case "sway", "Sway":
		rec.Compositor = CompositorWlroots
	default:
		rec.Compositor = detectByDBus(ctx, logger)
	}

	switch rec.Compositor {
	case CompositorGNOME:
		// Mutter's native ScreenCast/RemoteDesktop D-Bus API: rich feature set.
		rec.PortalMajorVersion = probePortalVersion(ctx, logger)
		rec.InputInjectionSupported = true
		rec.ClipboardSupported = true
		rec.DmaBufSupported = true
		rec.DamageTrackingSupported = true
		rec.MetadataCursorSupported = true
		rec.ExplicitSyncSupported = true
		rec.RestoreTokenSupported = true
		rec.RecommendedBufferTransport = "dma-buf"
		// Linked ScreenCast+RemoteDesktop sessions do not advertise dma-buf
		// modifiers in headless GNOME; a standalone session is required.
		rec.Quirks = append(rec.Quirks, QuirkNoLinkedDmaBuf)
	case CompositorWlroots:
		// wlroots-native virtual-pointer/virtual-keyboard protocols, no
		// portal dependency for input; ScreenCast portal still used for
		// video where available.
		rec.PortalMajorVersion = probePortalVersion(ctx, logger)
		rec.InputInjectionSupported = true
		rec.ClipboardSupported = true
		rec.DmaBufSupported = rec.PortalMajorVersion >= 4
		rec.DamageTrackingSupported = true
		rec.MetadataCursorSupported = true
		rec.ExplicitSyncSupported = false
		rec.RestoreTokenSupported = rec.PortalMajorVersion >= 4
		rec.RecommendedCaptureTransport = "wayland-native"
		if !rec.DmaBufSupported {
			rec.Quirks = append(rec.Quirks, QuirkDualStreamUnreliable)
		}
	default:
		logger.Warn("unknown compositor environment; capabilities set to weakest values")
		rec.Quirks = append(rec.Quirks, QuirkDualStreamUnreliable, QuirkClipboardUnavailable)
	}

	if os.Getenv("HELIX_SLOW_PERMISSIONS") == "1" {
		rec.Quirks = append(rec.Quirks, QuirkSlowPermissions)
	}

	return rec
}

func detectByDBus(ctx context.Context, logger *slog.Logger) CompositorIdentity {
	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		logger.Debug("no session bus reachable during probe", "err", err)
		return CompositorUnknown
	}
	defer conn.Close()

	mutterObj := conn.Object("org.gnome.Mutter.ScreenCast", "/org/gnome/Mutter/ScreenCast")
	if err := mutterObj.Call("org.freedesktop.DBus.Introspectable.Introspect", 0).Err; err == nil {
		return CompositorGNOME
	}
	return CompositorUnknown
}

func probePortalVersion(ctx context.Context, logger *slog.Logger) int {
	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return 0
	}
	defer conn.Close()

	portalObj := conn.Object(portalBus, portalPath)
	variant, err := portalObj.GetProperty("org.freedesktop.portal.ScreenCast.version")
	if err != nil {
		logger.Debug("portal version property unavailable", "err", err)
		return 0
	}
	if v, ok := variant.Value().(uint32); ok {
		return int(v)
	}
	return 0
}
