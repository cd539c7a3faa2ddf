package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/nikicat/storage-dispatcher/internal/busconn"
	"github.com/nikicat/storage-dispatcher/internal/caller"
	"github.com/nikicat/storage-dispatcher/internal/fstools"
	"github.com/nikicat/storage-dispatcher/internal/guard"
	"github.com/nikicat/storage-dispatcher/internal/helper"
	"github.com/nikicat/storage-dispatcher/internal/logging"
	"github.com/nikicat/storage-dispatcher/internal/metrics"
	"github.com/nikicat/storage-dispatcher/internal/polkit"
	"github.com/nikicat/storage-dispatcher/internal/udisks"
)

// Config holds daemon startup parameters.
type Config struct {
	// BusAddress is the D-Bus address to connect to.
	// Empty means the system bus (production). Non-empty connects to a custom
	// address, used by integration tests to point at a private dbus-daemon.
	BusAddress string

	// Version is the string reported by GetVersion().
	Version string

	ActionNamespace string
	ProtectedPaths  []string // in addition to guard.DefaultProtectedPaths
	KillGrace       time.Duration

	HelperPath          string
	HelperTimeout       time.Duration
	HelperMaxConcurrent int

	WatchTools bool
	ToolDirs   []string

	Audit   *logging.Logger
	Metrics *metrics.Metrics
}

// Run starts the daemon, registers on D-Bus, sends READY=1 via sd-notify,
// and blocks until ctx is cancelled. Returns nil on clean shutdown.
func Run(ctx context.Context, cfg Config) error {
	bus := busconn.NewBus(cfg.BusAddress)
	if cfg.Metrics != nil {
		bus.SetObserver(cfg.Metrics.ObserveConnection)
	}
	conn, err := bus.Get(ctx)
	if err != nil {
		return fmt.Errorf("connect to D-Bus: %w", err)
	}
	defer conn.Close()

	tracker, err := newClientTracker(conn)
	if err != nil {
		return fmt.Errorf("watch client disconnects: %w", err)
	}
	defer tracker.close()

	gate := polkit.NewGate(polkit.NewDBusAuthority(bus))
	devices := udisks.NewManager(ctx, bus)
	runner := helper.NewRunner(cfg.HelperPath, cfg.HelperTimeout, cfg.HelperMaxConcurrent)
	tools := fstools.NewRegistry(cfg.ToolDirs...)
	if cfg.Metrics != nil {
		gate.SetObserver(cfg.Metrics.ObserveAuthorization)
		devices.SetObserver(cfg.Metrics.ObserveConnection)
		runner.SetObserver(cfg.Metrics.ObserveHelper)
	}
	if cfg.WatchTools {
		go func() {
			if err := tools.Watch(ctx); err != nil {
				slog.Warn("filesystem tool watcher stopped", "error", err)
			}
		}()
	}

	dispatcher := NewDispatcher(Deps{
		Version:         cfg.Version,
		ActionNamespace: cfg.ActionNamespace,
		KillGrace:       cfg.KillGrace,
		Resolver:        caller.NewResolver(bus),
		Gate:            gate,
		Guard:           guard.New(cfg.ProtectedPaths...),
		Devices:         devices,
		Helper:          runner,
		Tools:           tools,
		Audit:           cfg.Audit,
		Metrics:         cfg.Metrics,
		tracker:         tracker,
	})

	if err := export(conn, dispatcher); err != nil {
		return err
	}

	reply, err := conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request bus name %q: %w", BusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("not primary owner of %q (reply=%d); policy rejected or name already taken", BusName, reply)
	}

	slog.Info("daemon ready",
		"bus_name", BusName,
		"action_namespace", dispatcher.namespace,
		"helper", runner.Path(),
		"udisks_connected", devices.Connected(),
		"protected_paths", len(dispatcher.guard.Paths()))

	SdNotify("READY=1", "STATUS=Serving "+BusName)

	<-ctx.Done()

	slog.Info("daemon shutting down")
	SdNotify("STOPPING=1", "STATUS=Shutting down")
	return nil
}

// export publishes d and its introspection data on conn.
func export(conn *dbus.Conn, d *Dispatcher) error {
	if err := conn.Export(d, ObjectPath, Interface); err != nil {
		return fmt.Errorf("export dispatcher: %w", err)
	}

	// Always export Introspectable; without it busctl introspect gives opaque errors.
	node := &introspect.Node{
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name:    Interface,
				Methods: introspect.Methods(d),
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), ObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export introspectable: %w", err)
	}
	return nil
}
