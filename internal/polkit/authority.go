// Package polkit asks the system policy authority whether a caller may
// perform an action.
package polkit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	dbustypes "github.com/nikicat/storage-dispatcher/internal/dbus"
)

// CheckAuthorization flags.
const (
	flagNone                 uint32 = 0
	flagAllowUserInteraction uint32 = 1
)

const cancelTimeout = 5 * time.Second

// Subject identifies who is asking. D-Bus signature: (sa{sv}).
type Subject struct {
	Kind    string
	Details map[string]dbus.Variant
}

// ProcessSubject builds a unix-process subject. The start time ties the
// subject to this incarnation of pid.
func ProcessSubject(pid uint32, startTime uint64, uid uint32) Subject {
	return Subject{
		Kind: "unix-process",
		Details: map[string]dbus.Variant{
			"pid":        dbus.MakeVariant(pid),
			"start-time": dbus.MakeVariant(startTime),
			"uid":        dbus.MakeVariant(int32(uid)),
		},
	}
}

// Decision is the authority's answer. D-Bus signature: (bba{ss}).
type Decision struct {
	Authorized bool
	Challenge  bool
	Details    map[string]string
}

// Authority decides whether subject may perform action.
type Authority interface {
	CheckAuthorization(ctx context.Context, subject Subject, action string, interactive bool) (Decision, error)
}

// ConnSource provides the shared bus connection.
type ConnSource interface {
	Get(ctx context.Context) (*dbus.Conn, error)
}

// DBusAuthority queries org.freedesktop.PolicyKit1.
type DBusAuthority struct {
	conns ConnSource
}

// NewDBusAuthority creates an authority client over the shared bus connection.
func NewDBusAuthority(conns ConnSource) *DBusAuthority {
	return &DBusAuthority{conns: conns}
}

// CheckAuthorization implements Authority. The call may block for as long
// as the user takes to answer an authentication dialog; cancelling ctx
// withdraws the request from polkit.
func (a *DBusAuthority) CheckAuthorization(ctx context.Context, subject Subject, action string, interactive bool) (Decision, error) {
	conn, err := a.conns.Get(ctx)
	if err != nil {
		return Decision{}, err
	}

	flags := flagNone
	if interactive {
		flags = flagAllowUserInteraction
	}
	cancellationID := uuid.NewString()

	obj := conn.Object(dbustypes.PolkitBusName, dbustypes.PolkitPath)
	call := obj.CallWithContext(ctx, dbustypes.PolkitInterface+".CheckAuthorization", 0,
		subject, action, map[string]string{}, flags, cancellationID)
	if call.Err != nil {
		if ctx.Err() != nil {
			a.cancel(obj, cancellationID)
			return Decision{}, ctx.Err()
		}
		return Decision{}, fmt.Errorf("polkit CheckAuthorization: %w", call.Err)
	}

	var d Decision
	if err := call.Store(&d); err != nil {
		return Decision{}, fmt.Errorf("polkit CheckAuthorization reply: %w", err)
	}
	return d, nil
}

func (a *DBusAuthority) cancel(obj dbus.BusObject, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	call := obj.CallWithContext(ctx, dbustypes.PolkitInterface+".CancelCheckAuthorization", 0, id)
	if call.Err != nil {
		slog.Debug("polkit CancelCheckAuthorization failed", "cancellation_id", id, "error", call.Err)
	}
}
