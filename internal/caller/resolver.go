// Package caller resolves the identity of the process behind an inbound
// D-Bus call.
package caller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/user"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"
	dbustypes "github.com/nikicat/storage-dispatcher/internal/dbus"
)

// ErrIdentityResolution is returned when the caller cannot be identified.
var ErrIdentityResolution = errors.New("cannot resolve caller identity")

// Info is the identity of the process that issued a call. It is built once
// per call and never cached.
type Info struct {
	Sender   string // unique bus name, e.g. ":1.42"
	UID      uint32
	Username string // empty when the uid has no passwd entry
	PID      uint32
}

// HasUsername reports whether the username lookup succeeded.
func (i Info) HasUsername() bool {
	return i.Username != ""
}

func (i Info) String() string {
	if i.Username != "" {
		return fmt.Sprintf("%s(uid=%d,pid=%d,%s)", i.Username, i.UID, i.PID, i.Sender)
	}
	return fmt.Sprintf("uid=%d(pid=%d,%s)", i.UID, i.PID, i.Sender)
}

// busClient abstracts the bus daemon queries for testing.
type busClient interface {
	GetConnectionUnixUser(ctx context.Context, sender string) (uint32, error)
	GetConnectionUnixProcessID(ctx context.Context, sender string) (uint32, error)
}

// ConnSource provides the shared bus connection.
type ConnSource interface {
	Get(ctx context.Context) (*dbus.Conn, error)
}

// LookupUsername maps a uid to a login name. It is a variable so tests can
// run without a matching passwd entry.
var LookupUsername = func(uid uint32) (string, error) {
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return "", err
	}
	return u.Username, nil
}

// Resolver resolves D-Bus senders to caller identities.
type Resolver struct {
	client busClient
}

// NewResolver creates a resolver that queries the bus daemon over the
// connection returned by conns.
func NewResolver(conns ConnSource) *Resolver {
	return &Resolver{client: &busDaemonClient{conns: conns}}
}

// newResolverWithClient creates a resolver with a custom client (for testing).
func newResolverWithClient(client busClient) *Resolver {
	return &Resolver{client: client}
}

// Resolve identifies the process behind sender. It always asks the bus
// daemon about the sender's unique name, never about this process.
// A failed username lookup is not an error.
func (r *Resolver) Resolve(ctx context.Context, sender string) (Info, error) {
	if sender == "" || !strings.HasPrefix(sender, ":") {
		return Info{}, fmt.Errorf("%w: invalid sender %q", ErrIdentityResolution, sender)
	}

	uid, err := r.client.GetConnectionUnixUser(ctx, sender)
	if err != nil {
		return Info{}, fmt.Errorf("%w: uid of %s: %w", ErrIdentityResolution, sender, err)
	}

	pid, err := r.client.GetConnectionUnixProcessID(ctx, sender)
	if err != nil {
		return Info{}, fmt.Errorf("%w: pid of %s: %w", ErrIdentityResolution, sender, err)
	}

	info := Info{Sender: sender, UID: uid, PID: pid}

	name, err := LookupUsername(uid)
	if err != nil {
		slog.Debug("username lookup failed", "uid", uid, "error", err)
	} else {
		info.Username = name
	}

	return info, nil
}

// busDaemonClient implements busClient against org.freedesktop.DBus.
type busDaemonClient struct {
	conns ConnSource
}

func (c *busDaemonClient) call(ctx context.Context, method, sender string) (uint32, error) {
	conn, err := c.conns.Get(ctx)
	if err != nil {
		return 0, err
	}

	obj := conn.Object(dbustypes.BusDaemonName, dbustypes.BusDaemonPath)
	call := obj.CallWithContext(ctx, dbustypes.BusDaemonName+"."+method, 0, sender)
	if call.Err != nil {
		return 0, call.Err
	}

	var v uint32
	if err := call.Store(&v); err != nil {
		return 0, err
	}
	return v, nil
}

func (c *busDaemonClient) GetConnectionUnixUser(ctx context.Context, sender string) (uint32, error) {
	return c.call(ctx, "GetConnectionUnixUser", sender)
}

func (c *busDaemonClient) GetConnectionUnixProcessID(ctx context.Context, sender string) (uint32, error) {
	return c.call(ctx, "GetConnectionUnixProcessID", sender)
}
