// Package rdplog provides the slog conventions shared across the CORE:
// a component-tagged child logger helper (grounded on helixml-helix's
// desktop.Server passing *slog.Logger into every constructor) and a
// throttled-warning helper for the "drop N, log once" pattern spec §7
// requires from the Capture Source and EGFX Sender, adapted from
// LanternOps-breeze's agent/internal/logging switchable-handler package
// (that file solves a different problem — deferred handler wiring — but
// established the pattern of a small atomic-backed wrapper around slog
// that this package reuses for rate limiting instead).
package rdplog

import (
	"log/slog"
	"sync/atomic"
)

// Component returns a child logger tagged with the given component name.
func Component(base *slog.Logger, name string) *slog.Logger {
	return base.With(slog.String("component", name))
}

// Throttle emits at most one log line per N calls, counting the rest
// silently. Used for "waiting for EGFX" (C9) and capture-drop (C4)
// messages that would otherwise flood the log at frame rate.
type Throttle struct {
	every uint64
	count atomic.Uint64
}

// NewThrottle returns a Throttle that logs on every `every`th call
// (every <= 1 logs every time).
func NewThrottle(every uint64) *Throttle {
	if every == 0 {
		every = 1
	}
	return &Throttle{every: every}
}

// Allow reports whether this call should actually log, and returns the
// number of calls suppressed since the last logged call.
func (t *Throttle) Allow() (shouldLog bool, suppressedSinceLast uint64) {
	n := t.count.Add(1)
	if (n-1)%t.every != 0 {
		return false, 0
	}
	if n == 1 {
		return true, 0
	}
	return true, t.every - 1
}
