package daemon

import (
	"context"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"

	"github.com/nikicat/storage-dispatcher/internal/caller"
	"github.com/nikicat/storage-dispatcher/internal/mountctx"
)

// optionKeys lists option names for the audit log without their values,
// which may hold secrets.
func optionKeys(opts map[string]dbus.Variant) []string {
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	return keys
}

func requireDevice(device string) error {
	if device == "" {
		return invalidArgs("device is required")
	}
	return nil
}

// Mount mounts device as the caller, so the mount point and file ownership
// belong to the caller.
func (d *Dispatcher) Mount(sender dbus.Sender, device string, options map[string]dbus.Variant) (string, *dbus.Error) {
	args := map[string]any{"device": device, "options": optionKeys(options)}
	return invoke(d, sender, "Mount", args, func(ctx context.Context, c caller.Info) (string, error) {
		if err := requireDevice(device); err != nil {
			return "", err
		}
		return d.devices.Mount(ctx, device, mountctx.Apply(options, c))
	})
}

// Format creates a filesystem of fstype on device.
func (d *Dispatcher) Format(sender dbus.Sender, device, fstype string, options map[string]dbus.Variant) *dbus.Error {
	args := map[string]any{"device": device, "fstype": fstype, "options": optionKeys(options)}
	return invokeNoReply(d, sender, "Format", args, func(ctx context.Context, _ caller.Info) error {
		if err := requireDevice(device); err != nil {
			return err
		}
		if fstype == "" {
			return invalidArgs("filesystem type is required")
		}
		return d.devices.Format(ctx, device, fstype, options)
	})
}

// CreatePartition adds a partition to disk and returns its device node.
func (d *Dispatcher) CreatePartition(sender dbus.Sender, disk string, offset, size uint64, ptype, name string, options map[string]dbus.Variant) (string, *dbus.Error) {
	args := map[string]any{
		"disk":   disk,
		"offset": humanize.IBytes(offset),
		"size":   humanize.IBytes(size),
		"type":   ptype,
		"name":   name,
	}
	return invoke(d, sender, "CreatePartition", args, func(ctx context.Context, _ caller.Info) (string, error) {
		if err := requireDevice(disk); err != nil {
			return "", err
		}
		return d.devices.CreatePartition(ctx, disk, offset, size, ptype, name, options)
	})
}

// DeletePartition removes partition from its table.
func (d *Dispatcher) DeletePartition(sender dbus.Sender, partition string, options map[string]dbus.Variant) *dbus.Error {
	args := map[string]any{"partition": partition}
	return invokeNoReply(d, sender, "DeletePartition", args, func(ctx context.Context, _ caller.Info) error {
		if err := requireDevice(partition); err != nil {
			return err
		}
		return d.devices.DeletePartition(ctx, partition, options)
	})
}

// ResizePartition changes the size of partition.
func (d *Dispatcher) ResizePartition(sender dbus.Sender, partition string, size uint64, options map[string]dbus.Variant) *dbus.Error {
	args := map[string]any{"partition": partition, "size": humanize.IBytes(size)}
	return invokeNoReply(d, sender, "ResizePartition", args, func(ctx context.Context, _ caller.Info) error {
		if err := requireDevice(partition); err != nil {
			return err
		}
		return d.devices.ResizePartition(ctx, partition, size, options)
	})
}

// SetPartitionType changes the type of partition.
func (d *Dispatcher) SetPartitionType(sender dbus.Sender, partition, ptype string, options map[string]dbus.Variant) *dbus.Error {
	args := map[string]any{"partition": partition, "type": ptype}
	return invokeNoReply(d, sender, "SetPartitionType", args, func(ctx context.Context, _ caller.Info) error {
		if err := requireDevice(partition); err != nil {
			return err
		}
		if ptype == "" {
			return invalidArgs("partition type is required")
		}
		return d.devices.SetPartitionType(ctx, partition, ptype, options)
	})
}

// Unlock opens an encrypted device and returns the cleartext device node.
func (d *Dispatcher) Unlock(sender dbus.Sender, device, passphrase string, options map[string]dbus.Variant) (string, *dbus.Error) {
	args := map[string]any{"device": device}
	return invoke(d, sender, "Unlock", args, func(ctx context.Context, _ caller.Info) (string, error) {
		if err := requireDevice(device); err != nil {
			return "", err
		}
		return d.devices.Unlock(ctx, device, passphrase, options)
	})
}

// Lock closes an encrypted device.
func (d *Dispatcher) Lock(sender dbus.Sender, device string, options map[string]dbus.Variant) *dbus.Error {
	args := map[string]any{"device": device}
	return invokeNoReply(d, sender, "Lock", args, func(ctx context.Context, _ caller.Info) error {
		if err := requireDevice(device); err != nil {
			return err
		}
		return d.devices.Lock(ctx, device, options)
	})
}

// FormatEncrypted creates an encrypted container holding a filesystem of
// fstype.
func (d *Dispatcher) FormatEncrypted(sender dbus.Sender, device, fstype, passphrase string, options map[string]dbus.Variant) *dbus.Error {
	args := map[string]any{"device": device, "fstype": fstype}
	return invokeNoReply(d, sender, "FormatEncrypted", args, func(ctx context.Context, _ caller.Info) error {
		if err := requireDevice(device); err != nil {
			return err
		}
		if fstype == "" || passphrase == "" {
			return invalidArgs("filesystem type and passphrase are required")
		}
		return d.devices.FormatEncrypted(ctx, device, fstype, passphrase, options)
	})
}

// ChangePassphrase replaces the passphrase of an encrypted device.
func (d *Dispatcher) ChangePassphrase(sender dbus.Sender, device, oldPass, newPass string, options map[string]dbus.Variant) *dbus.Error {
	args := map[string]any{"device": device}
	return invokeNoReply(d, sender, "ChangePassphrase", args, func(ctx context.Context, _ caller.Info) error {
		if err := requireDevice(device); err != nil {
			return err
		}
		if newPass == "" {
			return invalidArgs("new passphrase is empty")
		}
		return d.devices.ChangePassphrase(ctx, device, oldPass, newPass, options)
	})
}

// LoopSetup attaches file to a loop device and returns the device node.
// The file is opened by the service; the caller must own it or be root.
func (d *Dispatcher) LoopSetup(sender dbus.Sender, file string, readOnly bool) (string, *dbus.Error) {
	args := map[string]any{"file": file, "read_only": readOnly}
	return invoke(d, sender, "LoopSetup", args, func(ctx context.Context, c caller.Info) (string, error) {
		f, err := openBackingFile(file, readOnly, c)
		if err != nil {
			return "", err
		}
		defer f.Close()
		return d.devices.LoopSetup(ctx, f, readOnly)
	})
}

// openBackingFile opens path for a loop device without following a final
// symlink and checks that c may use it.
func openBackingFile(path string, readOnly bool, c caller.Info) (*os.File, error) {
	if !filepath.IsAbs(path) {
		return nil, invalidArgs("backing file %q is not an absolute path", path)
	}
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, invalidArgs("open backing file: %v", err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		f.Close()
		return nil, err
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		f.Close()
		return nil, invalidArgs("%s is not a regular file", path)
	}
	if c.UID != 0 && st.Uid != c.UID {
		f.Close()
		return nil, errNotOwner
	}
	return f, nil
}

// LoopDelete detaches a loop device.
func (d *Dispatcher) LoopDelete(sender dbus.Sender, device string) *dbus.Error {
	args := map[string]any{"device": device}
	return invokeNoReply(d, sender, "LoopDelete", args, func(ctx context.Context, _ caller.Info) error {
		if err := requireDevice(device); err != nil {
			return err
		}
		return d.devices.LoopDelete(ctx, device)
	})
}

// Eject ejects the media of the drive holding device.
func (d *Dispatcher) Eject(sender dbus.Sender, device string) *dbus.Error {
	args := map[string]any{"device": device}
	return invokeNoReply(d, sender, "Eject", args, func(ctx context.Context, _ caller.Info) error {
		if err := requireDevice(device); err != nil {
			return err
		}
		return d.devices.Eject(ctx, device)
	})
}

// PowerOff powers down the drive holding device.
func (d *Dispatcher) PowerOff(sender dbus.Sender, device string) *dbus.Error {
	args := map[string]any{"device": device}
	return invokeNoReply(d, sender, "PowerOff", args, func(ctx context.Context, _ caller.Info) error {
		if err := requireDevice(device); err != nil {
			return err
		}
		return d.devices.PowerOff(ctx, device)
	})
}
