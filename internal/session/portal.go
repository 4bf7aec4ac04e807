package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/helixml/wayland-rdpcore/internal/registry"
)

// PortalStrategy creates a Session Handle via xdg-desktop-portal's
// ScreenCast interface only; no RemoteDesktop session is created, so the
// returned Handle carries no Injection. Directly grounded on
// helixml-helix's session_portal.go (createPortalSession,
// selectPortalSources, startPortalSession, openPipeWireRemote,
// waitForPortalResponse*) — adapted from methods on *Server into a
// self-contained Strategy with no dependency on the teacher's HTTP server
// struct.
type PortalStrategy struct {
	logger *slog.Logger
	conn   *dbus.Conn
}

// NewPortalStrategy constructs a portal-based strategy. The D-Bus
// connection is established lazily in CreateSession so CanCreate stays cheap.
func NewPortalStrategy(logger *slog.Logger) *PortalStrategy {
	return &PortalStrategy{logger: logger}
}

func (p *PortalStrategy) Name() string { return "portal" }

// CanCreate is true whenever the registry reports input-injection at
// anything above Unavailable — the portal path is the universal fallback
// for any compositor that speaks xdg-desktop-portal.
func (p *PortalStrategy) CanCreate(reg *registry.Registry) bool {
	return reg.ServiceLevel(registry.ServiceInputInjection) != registry.Unavailable
}

const (
	portalBus  = "org.freedesktop.portal.Desktop"
	portalPath = "/org/freedesktop/portal/desktop"

	ifaceScreenCast    = "org.freedesktop.portal.ScreenCast"
	ifaceRemoteDesktop = "org.freedesktop.portal.RemoteDesktop"
	ifaceRequest       = "org.freedesktop.portal.Request"
)

const (
	sourceMonitor = uint32(1)
	cursorHidden  = uint32(1)
)

func (p *PortalStrategy) CreateSession(ctx context.Context, restoreToken string) (*Handle, error) {
	conn, err := p.connect(ctx)
	if err != nil {
		return nil, &StrategyError{Kind: FailureTransportRefused, Err: err}
	}
	p.conn = conn

	sessionHandle, err := p.createScreenCastSession(ctx, restoreToken)
	if err != nil {
		return nil, err
	}

	if err := p.selectSources(ctx, sessionHandle, restoreToken != ""); err != nil {
		return nil, err
	}

	nodeID, newToken, err := p.start(ctx, sessionHandle)
	if err != nil {
		return nil, err
	}

	fd, err := p.openPipeWireRemote(sessionHandle)
	if err != nil {
		p.logger.Warn("OpenPipeWireRemote failed, zero-copy may be unavailable", "err", err)
	}

	return &Handle{
		Capture: CaptureHandle{
			Transport: "pipewire-fd",
			FD:        fd,
			NodeID:    nodeID,
			Streams:   []StreamDescriptor{{NodeID: int(nodeID), SourceType: "monitor"}},
		},
		RestoreToken: newToken,
	}, nil
}

func (p *PortalStrategy) connect(ctx context.Context) (*dbus.Conn, error) {
	var err error
	for attempt := 0; attempt < 60; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		var conn *dbus.Conn
		conn, err = dbus.ConnectSessionBus()
		if err != nil {
			time.Sleep(time.Second)
			continue
		}

		portalObj := conn.Object(portalBus, portalPath)
		if introErr := portalObj.Call("org.freedesktop.DBus.Introspectable.Introspect", 0).Err; introErr != nil {
			conn.Close()
			err = introErr
			time.Sleep(time.Second)
			continue
		}

		return conn, nil
	}
	return nil, fmt.Errorf("portal unreachable after 60 attempts: %w", err)
}

func (p *PortalStrategy) requestPath(requestToken string) dbus.ObjectPath {
	senderName := p.conn.Names()[0]
	var b strings.Builder
	for _, c := range senderName[1:] {
		if c == '.' {
			b.WriteByte('_')
		} else {
			b.WriteRune(c)
		}
	}
	return dbus.ObjectPath(fmt.Sprintf("/org/freedesktop/portal/desktop/request/%s/%s", b.String(), requestToken))
}

func (p *PortalStrategy) watchResponse(requestToken string) (chan *dbus.Signal, func(), error) {
	reqPath := p.requestPath(requestToken)
	if err := p.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(reqPath),
		dbus.WithMatchInterface(ifaceRequest),
		dbus.WithMatchMember("Response"),
	); err != nil {
		return nil, nil, err
	}
	ch := make(chan *dbus.Signal, 10)
	p.conn.Signal(ch)
	return ch, func() { p.conn.RemoveSignal(ch) }, nil
}

func (p *PortalStrategy) createScreenCastSession(ctx context.Context, restoreToken string) (string, error) {
	requestToken := fmt.Sprintf("rdpcore_req_%d", time.Now().UnixNano())
	sessionToken := fmt.Sprintf("rdpcore_sess_%d", time.Now().UnixNano())

	sigCh, stop, err := p.watchResponse(requestToken)
	if err != nil {
		return "", &StrategyError{Kind: FailureTransportRefused, Err: err}
	}
	defer stop()

	portalObj := p.conn.Object(portalBus, portalPath)
	opts := map[string]dbus.Variant{
		"handle_token":         dbus.MakeVariant(requestToken),
		"session_handle_token": dbus.MakeVariant(sessionToken),
	}
	var reqPath dbus.ObjectPath
	if err := portalObj.Call(ifaceScreenCast+".CreateSession", 0, opts).Store(&reqPath); err != nil {
		return "", &StrategyError{Kind: FailureTransportRefused, Err: err}
	}

	handle, err := p.waitForString(ctx, sigCh, "session_handle")
	if err != nil {
		return "", err
	}
	return handle, nil
}

func (p *PortalStrategy) selectSources(ctx context.Context, sessionHandle string, usePersist bool) error {
	requestToken := fmt.Sprintf("rdpcore_req_%d", time.Now().UnixNano())
	sigCh, stop, err := p.watchResponse(requestToken)
	if err != nil {
		return &StrategyError{Kind: FailureTransportRefused, Err: err}
	}
	defer stop()

	persistMode := uint32(0)
	if usePersist {
		persistMode = 2 // persist-until-explicitly-revoked
	}

	portalObj := p.conn.Object(portalBus, portalPath)
	opts := map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(requestToken),
		"types":        dbus.MakeVariant(sourceMonitor),
		"cursor_mode":  dbus.MakeVariant(cursorHidden),
		"persist_mode": dbus.MakeVariant(persistMode),
	}
	var reqPath dbus.ObjectPath
	if err := portalObj.Call(ifaceScreenCast+".SelectSources", 0, dbus.ObjectPath(sessionHandle), opts).Store(&reqPath); err != nil {
		return &StrategyError{Kind: FailureTransportRefused, Err: err}
	}

	_, err = p.waitForString(ctx, sigCh, "")
	return err
}

func (p *PortalStrategy) start(ctx context.Context, sessionHandle string) (nodeID uint32, restoreToken string, err error) {
	requestToken := fmt.Sprintf("rdpcore_req_%d", time.Now().UnixNano())
	sigCh, stop, err := p.watchResponse(requestToken)
	if err != nil {
		return 0, "", &StrategyError{Kind: FailureTransportRefused, Err: err}
	}
	defer stop()

	portalObj := p.conn.Object(portalBus, portalPath)
	opts := map[string]dbus.Variant{"handle_token": dbus.MakeVariant(requestToken)}
	var reqPath dbus.ObjectPath
	if err := portalObj.Call(ifaceScreenCast+".Start", 0, dbus.ObjectPath(sessionHandle), "", opts).Store(&reqPath); err != nil {
		return 0, "", &StrategyError{Kind: FailureTransportRefused, Err: err}
	}

	timeout := time.After(30 * time.Second)
	for {
		select {
		case <-ctx.Done():
			return 0, "", &StrategyError{Kind: FailureTimeout, Err: ctx.Err()}
		case sig := <-sigCh:
			if sig.Name != ifaceRequest+".Response" || len(sig.Body) < 2 {
				continue
			}
			response, _ := sig.Body[0].(uint32)
			if response != 0 {
				return 0, "", &StrategyError{Kind: FailurePermissionDenied, Err: fmt.Errorf("portal denied Start (code %d)", response)}
			}
			results, _ := sig.Body[1].(map[string]dbus.Variant)
			if results == nil {
				return 0, "", &StrategyError{Kind: FailureTransportRefused, Err: fmt.Errorf("Start response had no results")}
			}
			if restoreVariant, ok := results["restore_token"]; ok {
				if s, ok := restoreVariant.Value().(string); ok {
					restoreToken = s
				}
			}
			streamsVal, ok := results["streams"]
			if !ok {
				return 0, "", &StrategyError{Kind: FailureTransportRefused, Err: fmt.Errorf("no streams in Start response")}
			}
			id, ok := extractNodeID(streamsVal.Value())
			if !ok || id == 0 {
				return 0, "", &StrategyError{Kind: FailureTransportRefused, Err: fmt.Errorf("could not extract node id: %v", streamsVal.Value())}
			}
			return id, restoreToken, nil
		case <-timeout:
			return 0, "", &StrategyError{Kind: FailureTimeout, Err: fmt.Errorf("timeout waiting for Start response")}
		}
	}
}

func extractNodeID(v any) (uint32, bool) {
	if arr, ok := v.([][]interface{}); ok && len(arr) > 0 && len(arr[0]) > 0 {
		if id, ok := arr[0][0].(uint32); ok {
			return id, true
		}
	}
	if arr, ok := v.([]interface{}); ok && len(arr) > 0 {
		if inner, ok := arr[0].([]interface{}); ok && len(inner) > 0 {
			if id, ok := inner[0].(uint32); ok {
				return id, true
			}
		}
	}
	return 0, false
}

func (p *PortalStrategy) waitForString(ctx context.Context, sigCh chan *dbus.Signal, key string) (string, error) {
	timeout := time.After(30 * time.Second)
	for {
		select {
		case <-ctx.Done():
			return "", &StrategyError{Kind: FailureTimeout, Err: ctx.Err()}
		case sig := <-sigCh:
			if sig.Name != ifaceRequest+".Response" || len(sig.Body) < 2 {
				continue
			}
			response, _ := sig.Body[0].(uint32)
			if response != 0 {
				return "", &StrategyError{Kind: FailurePermissionDenied, Err: fmt.Errorf("portal denied request (code %d)", response)}
			}
			if key == "" {
				return "", nil
			}
			results, _ := sig.Body[1].(map[string]dbus.Variant)
			if val, ok := results[key]; ok {
				if s, ok := val.Value().(string); ok {
					return s, nil
				}
			}
			return "", nil
		case <-timeout:
			return "", &StrategyError{Kind: FailureTimeout, Err: fmt.Errorf("timeout waiting for portal response")}
		}
	}
}

func (p *PortalStrategy) openPipeWireRemote(sessionHandle string) (int, error) {
	portalObj := p.conn.Object(portalBus, portalPath)
	var fd dbus.UnixFD
	err := portalObj.Call(ifaceScreenCast+".OpenPipeWireRemote", 0, dbus.ObjectPath(sessionHandle), map[string]dbus.Variant{}).Store(&fd)
	if err != nil {
		return 0, err
	}

	// Duplicate to survive D-Bus message garbage collection, mirroring
	// session_portal.go's syscall.Dup pattern.
	dup, dupErr := dupFD(int(fd))
	if dupErr != nil {
		return int(fd), nil
	}
	return dup, nil
}

// dupFD is overridable in tests.
var dupFD = func(fd int) (int, error) {
	return fdDup(fd)
}
