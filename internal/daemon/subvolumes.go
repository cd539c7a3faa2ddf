package daemon

import (
	"context"

	"github.com/godbus/dbus/v5"

	"github.com/nikicat/storage-dispatcher/internal/caller"
	"github.com/nikicat/storage-dispatcher/internal/helper"
)

// SubvolumeInfo describes one btrfs subvolume. D-Bus signature: (ttts).
type SubvolumeInfo struct {
	ID         uint64
	Generation uint64
	ParentID   uint64
	Path       string
}

func (d *Dispatcher) runHelper(ctx context.Context, inv helper.Invocation) (*helper.Result, error) {
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	return d.helper.Run(ctx, inv)
}

// CreateSubvolume creates subvolume name below mountPoint, owned by the
// caller, and returns its path.
func (d *Dispatcher) CreateSubvolume(sender dbus.Sender, mountPoint, name string) (string, *dbus.Error) {
	args := map[string]any{"mount_point": mountPoint, "name": name}
	return invoke(d, sender, "CreateSubvolume", args, func(ctx context.Context, c caller.Info) (string, error) {
		uid := c.UID
		res, err := d.runHelper(ctx, helper.Invocation{
			Op: helper.OpCreate, MountPoint: mountPoint, Name: name, OwnerUID: &uid,
		})
		if err != nil {
			return "", err
		}
		return res.Path, nil
	})
}

// DeleteSubvolume deletes the subvolume at path.
func (d *Dispatcher) DeleteSubvolume(sender dbus.Sender, mountPoint, path string, recursive bool) *dbus.Error {
	args := map[string]any{"mount_point": mountPoint, "path": path, "recursive": recursive}
	return invokeNoReply(d, sender, "DeleteSubvolume", args, func(ctx context.Context, _ caller.Info) error {
		_, err := d.runHelper(ctx, helper.Invocation{
			Op: helper.OpDelete, MountPoint: mountPoint, Path: path, Recursive: recursive,
		})
		return err
	})
}

// CreateSnapshot snapshots source to dest, owned by the caller, and
// returns the snapshot path.
func (d *Dispatcher) CreateSnapshot(sender dbus.Sender, mountPoint, source, dest string, readOnly bool) (string, *dbus.Error) {
	args := map[string]any{"mount_point": mountPoint, "source": source, "dest": dest, "read_only": readOnly}
	return invoke(d, sender, "CreateSnapshot", args, func(ctx context.Context, c caller.Info) (string, error) {
		uid := c.UID
		res, err := d.runHelper(ctx, helper.Invocation{
			Op: helper.OpSnapshot, MountPoint: mountPoint, Source: source, Dest: dest,
			ReadOnly: readOnly, OwnerUID: &uid,
		})
		if err != nil {
			return "", err
		}
		return res.Path, nil
	})
}

// ListSubvolumes lists the subvolumes of the btrfs filesystem at mountPoint.
func (d *Dispatcher) ListSubvolumes(sender dbus.Sender, mountPoint string) ([]SubvolumeInfo, *dbus.Error) {
	args := map[string]any{"mount_point": mountPoint}
	return invoke(d, sender, "ListSubvolumes", args, func(ctx context.Context, _ caller.Info) ([]SubvolumeInfo, error) {
		res, err := d.runHelper(ctx, helper.Invocation{Op: helper.OpList, MountPoint: mountPoint})
		if err != nil {
			return nil, err
		}
		out := make([]SubvolumeInfo, 0, len(res.Subvolumes))
		for _, s := range res.Subvolumes {
			out = append(out, SubvolumeInfo{ID: s.ID, Generation: s.Generation, ParentID: s.ParentID, Path: s.Path})
		}
		return out, nil
	})
}
