// Package clipboard implements the Clipboard Bridge (C11): a paired pump
// that drains client-side and host-side clipboard change events and
// forwards each to the other side, gated on the registry's clipboard
// service level (spec §4.11; the exact MIME-type negotiation matrix is a
// Non-goal — this package exposes only a text/opaque-bytes contract,
// mirroring the teacher's own ClipboardData{Type, Data} shape).
//
// Grounded on helixml-helix's clipboard.go: the GNOME D-Bus
// RemoteDesktop.SelectionRead/SetSelection/SelectionTransfer dance and the
// Sway/wlroots wl-copy/wl-paste subprocess path are both reproduced as
// Transport implementations rather than as methods scattered across a
// giant HTTP handler.
package clipboard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/helixml/wayland-rdpcore/internal/rdplog"
	"github.com/helixml/wayland-rdpcore/internal/registry"
)

// Content is the payload exchanged in either direction. Kind is "text" or
// "image"; the CORE does not interpret image bytes, it only relays them.
type Content struct {
	Kind string
	Data []byte
}

// Transport is the host-side half of the bridge: one concrete
// implementation per capability tier (GNOME D-Bus RemoteDesktop vs
// wl-copy/wl-paste on wlroots). The registry decides, at session-creation
// time, which Transport the orchestrator wires in — the Bridge itself
// never branches on compositor identity.
type Transport interface {
	// Read returns the current host clipboard content, or ok=false if empty.
	Read(ctx context.Context) (content Content, ok bool, err error)
	// Write announces new clipboard content to the host.
	Write(ctx context.Context, content Content) error
	// Changes streams host-side clipboard-ownership-changed notifications.
	// Closed when the transport shuts down.
	Changes() <-chan struct{}
	Close() error
}

// ClientLink is the RDP-side half: the dynamic virtual channel delivering
// Format List / Format Data PDUs, abstracted down to Recv/Send of raw
// Content so the Bridge has no RDPDR/CLIPRDR wire knowledge (that
// encoding is outside CORE scope, per spec §1 Non-goals).
type ClientLink interface {
	Recv(ctx context.Context) (Content, error)
	Send(ctx context.Context, content Content) error
}

// Bridge pumps content in both directions while the session's clipboard
// service level is above Unavailable. Constructed once per connection.
type Bridge struct {
	logger    *slog.Logger
	transport Transport
	client    ClientLink
	reg       *registry.Registry

	lastMu         sync.Mutex
	lastFromHost   []byte
	lastFromClient []byte

	// publish delivers host→client content to the wire. Defaults to
	// calling client.Send directly; the orchestrator overrides it with
	// a hook that instead enqueues onto the Priority Multiplexer's
	// clipboard queue (spec §4.11 "the bridge participates in the
	// multiplexer via the clipboard queue") so outbound clipboard
	// traffic gets the same QoS treatment as every other wire write.
	publish func(ctx context.Context, content Content) error
}

// NewBridge builds a clipboard bridge. If the registry reports
// ServiceClipboard at Unavailable, Run returns immediately without
// starting either pump (spec §4.11 "gated on registry").
func NewBridge(logger *slog.Logger, transport Transport, client ClientLink, reg *registry.Registry) *Bridge {
	b := &Bridge{
		logger:    rdplog.Component(logger, "clipboard"),
		transport: transport,
		client:    client,
		reg:       reg,
	}
	b.publish = b.client.Send
	return b
}

// SetPublisher overrides how host→client content reaches the wire,
// letting the orchestrator route it through the Priority Multiplexer's
// clipboard queue instead of sending directly.
func (b *Bridge) SetPublisher(publish func(ctx context.Context, content Content) error) {
	b.publish = publish
}

// Run drains both directions until ctx is cancelled. It never blocks the
// caller's event loop beyond the initial gating check: the two pumps are
// independent goroutines joined on return.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.reg.AtLeast(registry.ServiceClipboard, registry.Degraded) {
		b.logger.Info("clipboard service unavailable, bridge not started")
		return nil
	}

	errCh := make(chan error, 2)
	go func() { errCh <- b.pumpHostToClient(ctx) }()
	go func() { errCh <- b.pumpClientToHost(ctx) }()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *Bridge) pumpHostToClient(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, open := <-b.transport.Changes():
			if !open {
				return nil
			}
			content, ok, err := b.transport.Read(ctx)
			if err != nil {
				b.logger.Warn("host clipboard read failed", "err", err)
				continue
			}
			b.lastMu.Lock()
			// Content the client just wrote triggers a host-side change
			// notification too; don't echo it straight back.
			echo := !ok || bytesEqual(content.Data, b.lastFromHost) || bytesEqual(content.Data, b.lastFromClient)
			if !echo {
				b.lastFromHost = content.Data
			}
			b.lastMu.Unlock()
			if echo {
				continue
			}
			if err := b.publish(ctx, content); err != nil {
				b.logger.Warn("forward host clipboard to client failed", "err", err)
			}
		}
	}
}

func (b *Bridge) pumpClientToHost(ctx context.Context) error {
	for {
		content, err := b.client.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("client clipboard link closed: %w", err)
		}
		b.lastMu.Lock()
		dup := bytesEqual(content.Data, b.lastFromClient)
		if !dup {
			b.lastFromClient = content.Data
		}
		b.lastMu.Unlock()
		if dup {
			continue
		}

		wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err = b.transport.Write(wctx, content)
		cancel()
		if err != nil {
			b.logger.Warn("forward client clipboard to host failed", "err", err)
		}
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
