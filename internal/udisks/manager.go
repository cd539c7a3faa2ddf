// Package udisks is the storage dispatcher's client of UDisks2. All calls
// share one device-manager connection and are made without interactive
// authorization, since the caller was already authorized.
package udisks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/nikicat/storage-dispatcher/internal/busconn"
	dbustypes "github.com/nikicat/storage-dispatcher/internal/dbus"
)

// OptionNoUserInteraction is added to the options of every UDisks2 call.
const OptionNoUserInteraction = "auth.no_user_interaction"

var (
	// ErrInvalidDevice is returned for device arguments that are neither a
	// /dev node nor a UDisks2 block object path.
	ErrInvalidDevice = errors.New("invalid device")
	// ErrNoSuchDevice is returned when UDisks2 does not know the device.
	ErrNoSuchDevice = errors.New("no such device")
)

// UpstreamError is a failure reported by UDisks2 itself.
type UpstreamError struct {
	Method  string
	Name    string // D-Bus error name
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

// Busy reports whether UDisks2 refused because the device is in use.
func (e *UpstreamError) Busy() bool {
	return e.Name == dbustypes.UDisksErrDeviceBusy
}

// IsBusy reports whether err is an UpstreamError for a busy device.
func IsBusy(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Busy()
}

func dbusError(err error) (dbus.Error, bool) {
	var v dbus.Error
	if errors.As(err, &v) {
		return v, true
	}
	var p *dbus.Error
	if errors.As(err, &p) && p != nil {
		return *p, true
	}
	return dbus.Error{}, false
}

// upstream converts a failed call into an *UpstreamError. Transport
// failures that are not D-Bus errors pass through wrapped.
func upstream(method string, err error) error {
	de, ok := dbusError(err)
	if !ok {
		return fmt.Errorf("%s: %w", method, err)
	}
	msg := de.Name
	if len(de.Body) > 0 {
		if s, ok := de.Body[0].(string); ok {
			msg = s
		}
	}
	return &UpstreamError{Method: method, Name: de.Name, Message: msg}
}

// ConnSource provides the shared bus connection.
type ConnSource interface {
	Get(ctx context.Context) (*dbus.Conn, error)
}

// handle is an established device-manager connection.
type handle struct {
	conn    *dbus.Conn
	version string
}

// Manager talks to UDisks2 over the shared bus connection.
type Manager struct {
	devices *busconn.Cache[*handle]
}

// NewManager creates the manager and tries to reach UDisks2 right away.
// A failure is logged; the next operation tries again.
func NewManager(ctx context.Context, bus ConnSource) *Manager {
	m := newManager(bus)
	if _, err := m.devices.Get(ctx); err != nil {
		slog.Warn("UDisks2 not reachable at startup", "error", err)
	}
	return m
}

func newManager(bus ConnSource) *Manager {
	return &Manager{
		devices: busconn.New("UDisks2", func(ctx context.Context) (*handle, error) {
			conn, err := bus.Get(ctx)
			if err != nil {
				return nil, err
			}
			h := &handle{conn: conn}
			v, err := h.property(ctx, dbustypes.UDisksManagerPath, dbustypes.UDisksManagerInterface, "Version")
			if err != nil {
				return nil, err
			}
			h.version, _ = v.Value().(string)
			slog.Info("connected to UDisks2", "version", h.version)
			return h, nil
		}),
	}
}

// Connected reports whether UDisks2 has been reached.
func (m *Manager) Connected() bool {
	return m.devices.Established()
}

// SetObserver forwards to the connection cache.
func (m *Manager) SetObserver(o busconn.Observer) {
	m.devices.SetObserver(o)
}

// Version returns the UDisks2 daemon version.
func (m *Manager) Version(ctx context.Context) (string, error) {
	h, err := m.devices.Get(ctx)
	if err != nil {
		return "", err
	}
	return h.version, nil
}

func (h *handle) object(path dbus.ObjectPath) dbus.BusObject {
	return h.conn.Object(dbustypes.UDisksBusName, path)
}

// call invokes method on path and stores the reply into ret.
func (h *handle) call(ctx context.Context, path dbus.ObjectPath, method string, ret []any, args ...any) error {
	c := h.object(path).CallWithContext(ctx, method, 0, args...)
	if c.Err != nil {
		return upstream(method, c.Err)
	}
	if len(ret) > 0 {
		if err := c.Store(ret...); err != nil {
			return fmt.Errorf("%s reply: %w", method, err)
		}
	}
	return nil
}

func (h *handle) property(ctx context.Context, path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	var v dbus.Variant
	err := h.call(ctx, path, dbustypes.PropertiesInterface+".Get", []any{&v}, iface, name)
	return v, err
}

// withOptions copies opts and disables interactive authorization.
func withOptions(opts map[string]dbus.Variant) map[string]dbus.Variant {
	out := make(map[string]dbus.Variant, len(opts)+1)
	for k, v := range opts {
		out[k] = v
	}
	out[OptionNoUserInteraction] = dbus.MakeVariant(true)
	return out
}

// resolve maps a device argument to its block object path.
func (h *handle) resolve(ctx context.Context, device string) (dbus.ObjectPath, error) {
	switch {
	case strings.HasPrefix(device, dbustypes.UDisksBlockDevicesPrefix):
		p := dbus.ObjectPath(device)
		if !p.IsValid() {
			return "", fmt.Errorf("%w: %q", ErrInvalidDevice, device)
		}
		return p, nil
	case strings.HasPrefix(device, "/dev/"):
		var paths []dbus.ObjectPath
		spec := map[string]dbus.Variant{"path": dbus.MakeVariant(device)}
		err := h.call(ctx, dbustypes.UDisksManagerPath, dbustypes.UDisksManagerInterface+".ResolveDevice",
			[]any{&paths}, spec, withOptions(nil))
		if err != nil {
			return "", err
		}
		if len(paths) == 0 {
			return "", fmt.Errorf("%w: %s", ErrNoSuchDevice, device)
		}
		return paths[0], nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDevice, device)
	}
}

// deviceNode returns the /dev node of a block object.
func (h *handle) deviceNode(ctx context.Context, path dbus.ObjectPath) (string, error) {
	v, err := h.property(ctx, path, dbustypes.UDisksBlockInterface, "Device")
	if err != nil {
		return "", err
	}
	b, ok := v.Value().([]byte)
	if !ok {
		return "", fmt.Errorf("Block.Device of %s has type %s", path, v.Signature())
	}
	return cString(b), nil
}

func cString(b []byte) string {
	return strings.TrimRight(string(b), "\x00")
}

// device establishes the connection and resolves device in one step.
func (m *Manager) device(ctx context.Context, device string) (*handle, dbus.ObjectPath, error) {
	h, err := m.devices.Get(ctx)
	if err != nil {
		return nil, "", err
	}
	p, err := h.resolve(ctx, device)
	if err != nil {
		return nil, "", err
	}
	return h, p, nil
}
