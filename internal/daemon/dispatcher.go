// Package daemon implements the storage dispatcher system service. It
// registers on the system bus as net.mowaka.StorageDispatcher1 and performs
// storage operations for unprivileged clients after authorizing each call
// against polkit.
package daemon

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/nikicat/storage-dispatcher/internal/caller"
	dbustypes "github.com/nikicat/storage-dispatcher/internal/dbus"
	"github.com/nikicat/storage-dispatcher/internal/fstools"
	"github.com/nikicat/storage-dispatcher/internal/guard"
	"github.com/nikicat/storage-dispatcher/internal/helper"
	"github.com/nikicat/storage-dispatcher/internal/logging"
	"github.com/nikicat/storage-dispatcher/internal/metrics"
	"github.com/nikicat/storage-dispatcher/internal/procutil"
)

// D-Bus names of the service.
const (
	BusName    = dbustypes.BusName
	ObjectPath = dbustypes.ObjectPath
	Interface  = dbustypes.Interface
)

// DefaultKillGrace is how long blocking processes get between SIGTERM and
// SIGKILL.
const DefaultKillGrace = 3 * time.Second

// Resolver identifies callers.
type Resolver interface {
	Resolve(ctx context.Context, sender string) (caller.Info, error)
}

// Authorizer decides whether a caller may perform an action.
type Authorizer interface {
	Authorize(ctx context.Context, c caller.Info, action string) error
}

// Devices performs device operations through the device manager.
type Devices interface {
	Mount(ctx context.Context, device string, opts map[string]dbus.Variant) (string, error)
	MountPoints(ctx context.Context, device string) ([]string, error)
	Unmount(ctx context.Context, device string, force bool) error
	Format(ctx context.Context, device, fstype string, opts map[string]dbus.Variant) error
	FormatEncrypted(ctx context.Context, device, fstype, passphrase string, opts map[string]dbus.Variant) error
	CreatePartition(ctx context.Context, disk string, offset, size uint64, ptype, name string, opts map[string]dbus.Variant) (string, error)
	DeletePartition(ctx context.Context, partition string, opts map[string]dbus.Variant) error
	ResizePartition(ctx context.Context, partition string, size uint64, opts map[string]dbus.Variant) error
	SetPartitionType(ctx context.Context, partition, ptype string, opts map[string]dbus.Variant) error
	Unlock(ctx context.Context, device, passphrase string, opts map[string]dbus.Variant) (string, error)
	Lock(ctx context.Context, device string, opts map[string]dbus.Variant) error
	ChangePassphrase(ctx context.Context, device, oldPass, newPass string, opts map[string]dbus.Variant) error
	LoopSetup(ctx context.Context, f *os.File, readOnly bool) (string, error)
	LoopDelete(ctx context.Context, device string) error
	Eject(ctx context.Context, device string) error
	PowerOff(ctx context.Context, device string) error
}

// HelperRunner runs the privileged subvolume helper.
type HelperRunner interface {
	Run(ctx context.Context, inv helper.Invocation) (*helper.Result, error)
}

// ToolLister reports installed filesystem tools.
type ToolLister interface {
	Tools() []fstools.Tool
}

// Deps are the collaborators of a Dispatcher. Metrics and the tracker are
// optional.
type Deps struct {
	Version         string
	ActionNamespace string
	KillGrace       time.Duration

	Resolver Resolver
	Gate     Authorizer
	Guard    *guard.Guard
	Devices  Devices
	Helper   HelperRunner
	Tools    ToolLister
	Audit    *logging.Logger
	Metrics  *metrics.Metrics

	tracker *clientTracker
}

// Dispatcher is the D-Bus object exported under ObjectPath/Interface.
// Every exported method is a D-Bus method.
type Dispatcher struct {
	version   string
	namespace string
	killGrace time.Duration

	resolver Resolver
	gate     Authorizer
	guard    *guard.Guard
	devices  Devices
	helper   HelperRunner
	tools    ToolLister
	audit    *logging.Logger
	metrics  *metrics.Metrics
	tracker  *clientTracker

	blocking  func(mountPoints []string) ([]procutil.Process, error)
	terminate func(ctx context.Context, pids []uint32, grace time.Duration) []uint32
}

// NewDispatcher creates a Dispatcher from deps.
func NewDispatcher(deps Deps) *Dispatcher {
	d := &Dispatcher{
		version:   deps.Version,
		namespace: deps.ActionNamespace,
		killGrace: deps.KillGrace,
		resolver:  deps.Resolver,
		gate:      deps.Gate,
		guard:     deps.Guard,
		devices:   deps.Devices,
		helper:    deps.Helper,
		tools:     deps.Tools,
		audit:     deps.Audit,
		metrics:   deps.Metrics,
		tracker:   deps.tracker,
		blocking:  procutil.BlockingProcesses,
		terminate: procutil.Terminate,
	}
	if d.namespace == "" {
		d.namespace = dbustypes.DefaultActionNamespace
	}
	if d.killGrace <= 0 {
		d.killGrace = DefaultKillGrace
	}
	if d.guard == nil {
		d.guard = guard.New()
	}
	if d.audit == nil {
		d.audit = logging.New(slog.LevelInfo)
	}
	return d
}

// Ping is a health check. Returns "pong".
func (d *Dispatcher) Ping() (string, *dbus.Error) {
	return "pong", nil
}

// GetVersion returns the daemon version string.
func (d *Dispatcher) GetVersion() (string, *dbus.Error) {
	return d.version, nil
}

// GetFilesystemTools lists the filesystems Format can create and whether
// their tools are installed.
func (d *Dispatcher) GetFilesystemTools() ([]fstools.Tool, *dbus.Error) {
	if d.tools == nil {
		return []fstools.Tool{}, nil
	}
	return d.tools.Tools(), nil
}
