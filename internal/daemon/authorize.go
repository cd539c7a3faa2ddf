package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/nikicat/storage-dispatcher/internal/busconn"
	"github.com/nikicat/storage-dispatcher/internal/caller"
	dbustypes "github.com/nikicat/storage-dispatcher/internal/dbus"
	"github.com/nikicat/storage-dispatcher/internal/helper"
	"github.com/nikicat/storage-dispatcher/internal/logging"
	"github.com/nikicat/storage-dispatcher/internal/polkit"
	"github.com/nikicat/storage-dispatcher/internal/udisks"
)

// methodActions maps every mutating D-Bus method to its polkit action
// suffix. A method missing here is denied.
var methodActions = map[string]string{
	"Mount":            "mount",
	"Unmount":          "unmount",
	"Format":           "format",
	"CreatePartition":  "partition-create",
	"DeletePartition":  "partition-delete",
	"ResizePartition":  "partition-resize",
	"SetPartitionType": "partition-modify",
	"Unlock":           "encryption-unlock",
	"Lock":             "encryption-lock",
	"FormatEncrypted":  "encryption-format",
	"ChangePassphrase": "encryption-change-passphrase",
	"CreateSubvolume":  "subvolume-create",
	"DeleteSubvolume":  "subvolume-delete",
	"CreateSnapshot":   "snapshot-create",
	"ListSubvolumes":   "subvolume-list",
	"LoopSetup":        "loop-setup",
	"LoopDelete":       "loop-delete",
	"Eject":            "eject",
	"PowerOff":         "power-off",
}

// killOthersAction is checked in addition to unmount before terminating
// processes that belong to another user.
const killOthersAction = "unmount-kill-others"

// selfService actions are granted to the active local user without
// authentication by the shipped policy.
var selfService = map[string]bool{
	"mount":             true,
	"unmount":           true,
	"encryption-unlock": true,
	"encryption-lock":   true,
	"eject":             true,
	"power-off":         true,
	"subvolume-list":    true,
}

// readOnlyMethods are served without authorization.
var readOnlyMethods = map[string]bool{
	"Ping":               true,
	"GetVersion":         true,
	"GetFilesystemTools": true,
}

// errInvalidArgs marks client argument errors detected by the dispatcher.
var errInvalidArgs = errors.New("invalid arguments")

// errNotOwner is returned when the caller may not use a file it named.
var errNotOwner = errors.New("caller does not own the file")

func invalidArgs(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalidArgs, fmt.Sprintf(format, args...))
}

// outcomer lets a successful reply report a non-ok audit result, such as
// an Unmount refused by the protected path guard.
type outcomer interface {
	outcome() string
}

// action returns the polkit action id of method, and false for methods
// without one.
func (d *Dispatcher) action(method string) (string, bool) {
	suffix, ok := methodActions[method]
	if !ok {
		return "", false
	}
	return d.namespace + "." + suffix, true
}

// Action is a polkit action checked by the dispatcher. Summary, when set,
// describes an action that does not correspond to a whole method.
type Action struct {
	ID          string
	Method      string
	Summary     string
	SelfService bool
}

// Actions lists the polkit actions of every mutating method, plus the
// unmount-kill-others action, sorted by id.
func Actions(namespace string) []Action {
	if namespace == "" {
		namespace = dbustypes.DefaultActionNamespace
	}
	out := make([]Action, 0, len(methodActions)+1)
	for method, suffix := range methodActions {
		out = append(out, Action{ID: namespace + "." + suffix, Method: method, SelfService: selfService[suffix]})
	}
	out = append(out, Action{
		ID:      namespace + "." + killOthersAction,
		Method:  "Unmount",
		Summary: "terminate processes of other users blocking an unmount",
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// callContext returns the context a call runs under.
func (d *Dispatcher) callContext(sender dbus.Sender) (context.Context, func()) {
	if d.tracker == nil {
		return context.Background(), func() {}
	}
	return d.tracker.track(context.Background(), string(sender))
}

// invoke runs body for method on behalf of sender once the caller has been
// identified and authorized. Nothing in body runs unless both succeed.
func invoke[T any](d *Dispatcher, sender dbus.Sender, method string, args map[string]any,
	body func(ctx context.Context, c caller.Info) (T, error)) (T, *dbus.Error) {
	var zero T
	start := time.Now()
	entry := logging.Call{
		RequestID: uuid.NewString(),
		Method:    method,
		Sender:    string(sender),
		Args:      args,
	}

	ctx, release := d.callContext(sender)
	defer release()

	if d.metrics != nil {
		d.metrics.CallsInFlight.Inc()
		defer d.metrics.CallsInFlight.Dec()
	}
	finish := func(result string, err error) {
		d.audit.LogCall(ctx, entry, result, err)
		if d.metrics != nil {
			d.metrics.ObserveCall(method, result, time.Since(start))
		}
	}

	action, ok := d.action(method)
	if !ok {
		err := fmt.Errorf("method %s has no authorization action", method)
		slog.Error("refusing unmapped method", "method", method)
		finish(logging.ResultDenied, err)
		return zero, dbustypes.ErrAccessDenied(method)
	}
	entry.Action = action

	c, err := d.resolver.Resolve(ctx, string(sender))
	if err != nil {
		finish(logging.ResultDenied, err)
		return zero, toDBusError(action, err)
	}
	entry.UID, entry.Username, entry.Identified = c.UID, c.Username, true

	if err := d.gate.Authorize(ctx, c, action); err != nil {
		finish(logging.ResultDenied, err)
		return zero, toDBusError(action, err)
	}

	res, err := body(ctx, c)
	if err != nil {
		finish(logging.ResultError, err)
		return zero, toDBusError(action, err)
	}

	result := logging.ResultOK
	if o, ok := any(res).(outcomer); ok {
		result = o.outcome()
	}
	finish(result, nil)
	return res, nil
}

// invokeNoReply adapts invoke to methods without a return value.
func invokeNoReply(d *Dispatcher, sender dbus.Sender, method string, args map[string]any,
	body func(ctx context.Context, c caller.Info) error) *dbus.Error {
	_, derr := invoke(d, sender, method, args, func(ctx context.Context, c caller.Info) (struct{}, error) {
		return struct{}{}, body(ctx, c)
	})
	return derr
}

// toDBusError maps an internal error to the D-Bus error sent to the client.
func toDBusError(action string, err error) *dbus.Error {
	var upstream *udisks.UpstreamError
	switch {
	case errors.Is(err, caller.ErrIdentityResolution):
		return dbustypes.NewDBusError(dbustypes.ErrIdentityResolution, err.Error())
	case errors.Is(err, polkit.ErrNotAuthorized):
		return dbustypes.ErrAccessDenied(action)
	case errors.Is(err, errNotOwner):
		return dbustypes.NewDBusError(dbustypes.ErrNotAuthorized, err.Error())
	case errors.Is(err, errInvalidArgs),
		errors.Is(err, helper.ErrInvalidInvocation),
		errors.Is(err, udisks.ErrInvalidDevice):
		return dbustypes.ErrInvalidArgument(err.Error())
	case errors.Is(err, busconn.ErrConnection):
		return dbustypes.NewDBusError(dbustypes.ErrConnectionFailed, err.Error())
	case errors.Is(err, helper.ErrHelperProcess):
		return dbustypes.NewDBusError(dbustypes.ErrHelperFailed, err.Error())
	case errors.As(err, &upstream):
		return dbustypes.NewDBusError(dbustypes.ErrFailed, upstream.Message)
	case errors.Is(err, context.Canceled):
		return dbustypes.NewDBusError(dbustypes.ErrFailed, "request cancelled")
	default:
		return dbustypes.NewDBusError(dbustypes.ErrFailed, err.Error())
	}
}
