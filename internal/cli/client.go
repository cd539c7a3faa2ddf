// Package cli provides a client for the storage dispatcher D-Bus service.
package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"

	dbustypes "github.com/nikicat/storage-dispatcher/internal/dbus"
)

// DefaultTimeout bounds calls that cannot wait for an authentication
// dialog. Authorized calls use the caller's context as is.
const DefaultTimeout = 10 * time.Second

// Tool mirrors the (ssssb) filesystem tool record.
type Tool struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Command   string `json:"command"`
	Package   string `json:"package"`
	Available bool   `json:"available"`
}

// BlockingProcess mirrors the (uss) process record of an unmount reply.
type BlockingProcess struct {
	PID     uint32 `json:"pid"`
	Name    string `json:"name"`
	Cmdline string `json:"cmdline"`
}

// UnmountResult mirrors the (bsa(uss)) unmount reply.
type UnmountResult struct {
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Processes []BlockingProcess `json:"processes"`
}

// Subvolume mirrors the (ttts) subvolume record.
type Subvolume struct {
	ID         uint64 `json:"id"`
	Generation uint64 `json:"generation"`
	ParentID   uint64 `json:"parent_id"`
	Path       string `json:"path"`
}

// Client calls the storage dispatcher over D-Bus.
type Client struct {
	obj dbus.BusObject
}

// NewClient creates a client using conn.
func NewClient(conn *dbus.Conn) *Client {
	return &Client{obj: conn.Object(dbustypes.BusName, dbustypes.ObjectPath)}
}

// Dial connects to the bus at address, or the system bus when address is
// empty. The returned function closes the connection.
func Dial(address string) (*Client, func(), error) {
	var (
		conn *dbus.Conn
		err  error
	)
	if address == "" {
		conn, err = dbus.ConnectSystemBus()
	} else {
		conn, err = dbus.Connect(address)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("connect to D-Bus: %w", err)
	}
	return NewClient(conn), func() { conn.Close() }, nil
}

func (c *Client) call(ctx context.Context, method string, args ...any) *dbus.Call {
	return c.obj.CallWithContext(ctx, dbustypes.Interface+"."+method, 0, args...)
}

// quick bounds ctx for read-only calls.
func quick(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, DefaultTimeout)
}

// Ping checks that the service answers.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := quick(ctx)
	defer cancel()
	var pong string
	if err := c.call(ctx, "Ping").Store(&pong); err != nil {
		return callError("Ping", err)
	}
	if pong != "pong" {
		return fmt.Errorf("unexpected ping reply %q", pong)
	}
	return nil
}

// Version returns the service version.
func (c *Client) Version(ctx context.Context) (string, error) {
	ctx, cancel := quick(ctx)
	defer cancel()
	var v string
	if err := c.call(ctx, "GetVersion").Store(&v); err != nil {
		return "", callError("GetVersion", err)
	}
	return v, nil
}

// Tools lists the filesystems the service can create.
func (c *Client) Tools(ctx context.Context) ([]Tool, error) {
	ctx, cancel := quick(ctx)
	defer cancel()
	var tools []Tool
	if err := c.call(ctx, "GetFilesystemTools").Store(&tools); err != nil {
		return nil, callError("GetFilesystemTools", err)
	}
	return tools, nil
}

// Mount mounts device for the calling user and returns the mount point.
// opts are passed as string mount options.
func (c *Client) Mount(ctx context.Context, device string, opts map[string]string) (string, error) {
	variants := make(map[string]dbus.Variant, len(opts))
	for k, v := range opts {
		variants[k] = dbus.MakeVariant(v)
	}
	var mp string
	if err := c.call(ctx, "Mount", device, variants).Store(&mp); err != nil {
		return "", callError("Mount", err)
	}
	return mp, nil
}

// Unmount unmounts device. Refusals are reported in the result.
func (c *Client) Unmount(ctx context.Context, device string, force, killProcesses bool) (*UnmountResult, error) {
	var res UnmountResult
	if err := c.call(ctx, "Unmount", device, force, killProcesses).Store(&res); err != nil {
		return nil, callError("Unmount", err)
	}
	return &res, nil
}

// Subvolumes lists the btrfs subvolumes below mountPoint.
func (c *Client) Subvolumes(ctx context.Context, mountPoint string) ([]Subvolume, error) {
	var subs []Subvolume
	if err := c.call(ctx, "ListSubvolumes", mountPoint).Store(&subs); err != nil {
		return nil, callError("ListSubvolumes", err)
	}
	return subs, nil
}

// CreateSubvolume creates a subvolume and returns its path.
func (c *Client) CreateSubvolume(ctx context.Context, mountPoint, name string) (string, error) {
	var p string
	if err := c.call(ctx, "CreateSubvolume", mountPoint, name).Store(&p); err != nil {
		return "", callError("CreateSubvolume", err)
	}
	return p, nil
}

// Snapshot snapshots source to dest and returns the snapshot path.
func (c *Client) Snapshot(ctx context.Context, mountPoint, source, dest string, readOnly bool) (string, error) {
	var p string
	if err := c.call(ctx, "CreateSnapshot", mountPoint, source, dest, readOnly).Store(&p); err != nil {
		return "", callError("CreateSnapshot", err)
	}
	return p, nil
}

// DeleteSubvolume deletes the subvolume at path.
func (c *Client) DeleteSubvolume(ctx context.Context, mountPoint, path string, recursive bool) error {
	if err := c.call(ctx, "DeleteSubvolume", mountPoint, path, recursive).Err; err != nil {
		return callError("DeleteSubvolume", err)
	}
	return nil
}

// ServiceError is an error reply from the service.
type ServiceError struct {
	Method  string
	Name    string
	Message string
}

func (e *ServiceError) Error() string {
	kind := strings.TrimPrefix(e.Name, dbustypes.Interface+".Error.")
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Method, kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Method, kind, e.Message)
}

// NotAuthorized reports whether the service refused the caller.
func (e *ServiceError) NotAuthorized() bool {
	return e.Name == dbustypes.ErrNotAuthorized
}

func callError(method string, err error) error {
	var de dbus.Error
	if !errors.As(err, &de) {
		var p *dbus.Error
		if !errors.As(err, &p) || p == nil {
			return fmt.Errorf("%s: %w", method, err)
		}
		de = *p
	}
	se := &ServiceError{Method: method, Name: de.Name}
	if len(de.Body) > 0 {
		se.Message, _ = de.Body[0].(string)
	}
	return se
}
