// Package session implements the Session Strategy Selector (C3). A
// Strategy is polymorphic over {CanCreate, CreateSession, Name} (spec
// §4.3); the Selector tries strategies in preference order and picks the
// first whose CanCreate returns true. Grounded on helixml-helix's
// session_portal.go (portal strategy) and desktop.go's Sway branch of
// Server.Run (vendor-native strategy), restructured from that file's
// inline if/else compositor branch into the trait-object-style strategy
// pattern spec §4.3 and §9 ("Design Notes: trait objects for strategies,
// open set, selected once at startup") calls for.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/helixml/wayland-rdpcore/internal/registry"
)

// FailureKind is the closed taxonomy a Strategy's CreateSession can fail with.
type FailureKind string

const (
	FailurePermissionDenied FailureKind = "permission-denied"
	FailureNoSuchCompositor FailureKind = "no-such-compositor"
	FailureTransportRefused FailureKind = "transport-refused"
	FailureTimeout          FailureKind = "timeout"
)

// StrategyError carries the closed failure taxonomy of spec §4.3.
type StrategyError struct {
	Kind FailureKind
	Err  error
}

func (e *StrategyError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *StrategyError) Unwrap() error { return e.Err }

// StreamDescriptor describes one capture stream a session exposes.
type StreamDescriptor struct {
	NodeID int
	X, Y   int
	W, H   int
	// SourceType is "monitor" or "window"; the CORE only ever requests
	// monitor capture, but the field is carried for completeness.
	SourceType string
}

// InjectionHandle is the narrow interface the Input Translator & Injector
// (C10) consumes. Concrete implementations live in internal/input.
type InjectionHandle interface {
	NotifyKeyboardKeycode(ctx context.Context, keycode int, pressed bool) error
	NotifyPointerMotionAbsolute(ctx context.Context, streamID int, x, y float64) error
	NotifyPointerMotion(ctx context.Context, dx, dy int32) error
	NotifyPointerButton(ctx context.Context, button int, pressed bool) error
	NotifyPointerAxis(ctx context.Context, dx, dy float64) error
	Close() error
}

// CaptureHandle is what the Capture Source (C4) opens to pump frames.
// NodeID is always set; FD is meaningful only when Transport is
// "pipewire-fd".
type CaptureHandle struct {
	Transport string // "pipewire-fd" or "node-id" (spec §3 "Session Handle")
	FD        int
	NodeID    uint32
	Streams   []StreamDescriptor
}

// Handle is the capability materialized by a Strategy: a capture transport
// plus an input-injection interface (spec §3 "Session Handle").
type Handle struct {
	Capture      CaptureHandle
	Injection    InjectionHandle
	RestoreToken string
	StrategyName string
}

// Close closes the Injection handle, if one is set. The capture FD and
// any D-Bus connection the strategy opened are not closed here.
func (h *Handle) Close() error {
	if h.Injection != nil {
		return h.Injection.Close()
	}
	return nil
}

// Strategy is the polymorphic contract of spec §4.3.
type Strategy interface {
	Name() string
	CanCreate(reg *registry.Registry) bool
	CreateSession(ctx context.Context, restoreToken string) (*Handle, error)
}

// RestoreStore persists and retrieves the opaque restore token per spec
// §4.3 ("replays a persisted restore token... otherwise re-prompts").
// Strategies MUST NOT retain credentials beyond this opaque token.
type RestoreStore interface {
	Load(strategyName string) (string, bool)
	Save(strategyName, token string) error
}

// Selector tries strategies in preference order: vendor-native, then
// portal-based, then any remaining fallback (spec §4.3).
type Selector struct {
	strategies []Strategy
	restore    RestoreStore
}

// NewSelector keeps strategies in the order given; callers pass them
// vendor-native, then portal-based, then any fallback.
func NewSelector(restore RestoreStore, strategies ...Strategy) *Selector {
	return &Selector{strategies: strategies, restore: restore}
}

// Select tries each strategy's CanCreate in order and creates a session
// with the first that returns true. On any failure except PermissionDenied
// it tries the next strategy; PermissionDenied is terminal at the
// user-facing layer (spec §4.3).
func (s *Selector) Select(ctx context.Context, reg *registry.Registry, timeout time.Duration) (*Handle, error) {
	var lastErr error
	for _, strat := range s.strategies {
		if !strat.CanCreate(reg) {
			continue
		}

		token, _ := s.restore.Load(strat.Name())

		sctx, cancel := context.WithTimeout(ctx, timeout)
		handle, err := strat.CreateSession(sctx, token)
		cancel()

		if err == nil {
			handle.StrategyName = strat.Name()
			if handle.RestoreToken != "" {
				_ = s.restore.Save(strat.Name(), handle.RestoreToken)
			} else {
				handle.RestoreToken = uuid.NewString()
			}
			return handle, nil
		}

		var sErr *StrategyError
		if errors.As(err, &sErr) && sErr.Kind == FailurePermissionDenied {
			return nil, err
		}

		lastErr = err
	}

	if lastErr == nil {
		return nil, errors.New("session: no strategy applicable for current service registry")
	}
	return nil, fmt.Errorf("session: all strategies exhausted: %w", lastErr)
}
