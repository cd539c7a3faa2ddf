package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"

	"github.com/nikicat/storage-dispatcher/internal/busconn"
	"github.com/nikicat/storage-dispatcher/internal/caller"
	"github.com/nikicat/storage-dispatcher/internal/guard"
	"github.com/nikicat/storage-dispatcher/internal/logging"
	"github.com/nikicat/storage-dispatcher/internal/procutil"
	"github.com/nikicat/storage-dispatcher/internal/udisks"
)

const errNotMounted = "not mounted"

// BlockingProcess is a process keeping a filesystem busy.
// D-Bus signature: (uss).
type BlockingProcess struct {
	PID     uint32
	Name    string
	Cmdline string
}

// UnmountResult is the reply of Unmount. D-Bus signature: (bsa(uss)).
type UnmountResult struct {
	Success   bool
	Error     string
	Processes []BlockingProcess

	rejected bool `dbus:"-"`
	denied   bool `dbus:"-"`
}

func (r UnmountResult) outcome() string {
	switch {
	case r.rejected:
		return logging.ResultRejected
	case r.denied:
		return logging.ResultDenied
	case !r.Success:
		return logging.ResultError
	default:
		return logging.ResultOK
	}
}

func failed(msg string, procs []BlockingProcess) UnmountResult {
	if procs == nil {
		procs = []BlockingProcess{}
	}
	return UnmountResult{Error: msg, Processes: procs}
}

// Unmount unmounts the filesystem on device. Refusals by the device manager
// and the protected path guard are reported in the result rather than as
// D-Bus errors. With killProcesses set, processes keeping the filesystem
// busy are terminated and the unmount is retried once. Terminating
// processes of another user needs the unmount-kill-others action as well.
func (d *Dispatcher) Unmount(sender dbus.Sender, device string, force, killProcesses bool) (UnmountResult, *dbus.Error) {
	args := map[string]any{"device": device, "force": force, "kill_processes": killProcesses}
	return invoke(d, sender, "Unmount", args, func(ctx context.Context, c caller.Info) (UnmountResult, error) {
		if err := requireDevice(device); err != nil {
			return UnmountResult{}, err
		}
		return d.unmount(ctx, c, device, force, killProcesses)
	})
}

func (d *Dispatcher) unmount(ctx context.Context, c caller.Info, device string, force, kill bool) (UnmountResult, error) {
	points, err := d.devices.MountPoints(ctx, device)
	if err != nil {
		return upstreamResult(err)
	}
	if len(points) == 0 {
		return failed(errNotMounted, nil), nil
	}

	if kill {
		for _, mp := range points {
			if err := d.guard.Check(mp, true); err != nil {
				var rej *guard.RejectedError
				if errors.As(err, &rej) {
					slog.Warn("refusing to kill processes on protected path",
						"device", device, "mount_point", mp, "protected", rej.Protected)
				}
				res := failed(err.Error(), nil)
				res.rejected = true
				return res, nil
			}
		}
	}

	err = d.devices.Unmount(ctx, device, force)
	if err == nil {
		return UnmountResult{Success: true, Processes: []BlockingProcess{}}, nil
	}
	upstream, ok := asUpstream(err)
	if !ok {
		return UnmountResult{}, err
	}
	if !udisks.IsBusy(err) {
		return failed(upstream.Message, nil), nil
	}

	found := d.blockers(points)
	procs := toBlocking(found)
	if !kill || len(procs) == 0 {
		return failed(upstream.Message, procs), nil
	}

	if others := foreign(found, c.UID); len(others) > 0 {
		action := d.namespace + "." + killOthersAction
		if err := d.gate.Authorize(ctx, c, action); err != nil {
			slog.Warn("not terminating processes of other users",
				"device", device, "uid", c.UID, "pids", others, "error", err)
			res := failed(fmt.Sprintf("%s; terminating processes of other users requires authorization (%s)",
				upstream.Message, action), procs)
			res.denied = true
			return res, nil
		}
	}

	pids := make([]uint32, len(procs))
	for i, p := range procs {
		pids[i] = p.PID
	}
	slog.Info("terminating processes blocking unmount", "device", device, "pids", pids)
	if d.metrics != nil {
		d.metrics.ObserveSignalled(len(pids))
	}
	if left := d.terminate(ctx, pids, d.killGrace); len(left) > 0 {
		slog.Warn("processes survived SIGKILL", "device", device, "pids", left)
	}

	err = d.devices.Unmount(ctx, device, force)
	if err == nil {
		return UnmountResult{Success: true, Processes: []BlockingProcess{}}, nil
	}
	upstream, ok = asUpstream(err)
	if !ok {
		return UnmountResult{}, err
	}
	return failed(upstream.Message, toBlocking(d.blockers(points))), nil
}

// asUpstream reports whether err is a refusal by the device manager. A
// failure to reach it is a connection error even when the probe's reply is
// wrapped inside.
func asUpstream(err error) (*udisks.UpstreamError, bool) {
	if errors.Is(err, busconn.ErrConnection) {
		return nil, false
	}
	var ue *udisks.UpstreamError
	ok := errors.As(err, &ue)
	return ue, ok
}

// foreign returns the pids in procs not owned by uid. Root owns everything.
func foreign(procs []procutil.Process, uid uint32) []uint32 {
	if uid == 0 {
		return nil
	}
	var out []uint32
	for _, p := range procs {
		if p.UID != uid {
			out = append(out, p.PID)
		}
	}
	return out
}

// upstreamResult turns a device-manager refusal into a failed result and
// passes every other error through.
func upstreamResult(err error) (UnmountResult, error) {
	if ue, ok := asUpstream(err); ok {
		return failed(ue.Message, nil), nil
	}
	return UnmountResult{}, err
}

func (d *Dispatcher) blockers(mountPoints []string) []procutil.Process {
	found, err := d.blocking(mountPoints)
	if err != nil {
		slog.Warn("cannot inspect processes", "mount_points", mountPoints, "error", err)
	}
	return found
}

func toBlocking(found []procutil.Process) []BlockingProcess {
	out := make([]BlockingProcess, 0, len(found))
	for _, p := range found {
		out = append(out, BlockingProcess{PID: p.PID, Name: p.Name, Cmdline: p.Cmdline})
	}
	return out
}
