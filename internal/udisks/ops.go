package udisks

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"

	dbustypes "github.com/nikicat/storage-dispatcher/internal/dbus"
)

// ErrNoDrive is returned by drive operations on devices without a drive.
var ErrNoDrive = errors.New("device has no drive")

const (
	fsIface    = dbustypes.UDisksFSInterface
	blockIface = dbustypes.UDisksBlockInterface
	partIface  = dbustypes.UDisksPartInterface
	tableIface = dbustypes.UDisksTableInterface
	cryptIface = dbustypes.UDisksCryptoInterface
	loopIface  = dbustypes.UDisksLoopInterface
	driveIface = dbustypes.UDisksDriveInterface
)

// Mount mounts the filesystem on device and returns the mount path.
func (m *Manager) Mount(ctx context.Context, device string, opts map[string]dbus.Variant) (string, error) {
	h, p, err := m.device(ctx, device)
	if err != nil {
		return "", err
	}
	var path string
	err = h.call(ctx, p, fsIface+".Mount", []any{&path}, withOptions(opts))
	return path, err
}

// MountPoints returns where the filesystem on device is mounted.
func (m *Manager) MountPoints(ctx context.Context, device string) ([]string, error) {
	h, p, err := m.device(ctx, device)
	if err != nil {
		return nil, err
	}
	v, err := h.property(ctx, p, fsIface, "MountPoints")
	if err != nil {
		return nil, err
	}
	raw, ok := v.Value().([][]byte)
	if !ok {
		return nil, fmt.Errorf("Filesystem.MountPoints of %s has type %s", p, v.Signature())
	}
	points := make([]string, 0, len(raw))
	for _, b := range raw {
		points = append(points, cString(b))
	}
	return points, nil
}

// Unmount unmounts the filesystem on device.
func (m *Manager) Unmount(ctx context.Context, device string, force bool) error {
	h, p, err := m.device(ctx, device)
	if err != nil {
		return err
	}
	opts := map[string]dbus.Variant{"force": dbus.MakeVariant(force)}
	return h.call(ctx, p, fsIface+".Unmount", nil, withOptions(opts))
}

// Format creates a filesystem of fstype on device.
func (m *Manager) Format(ctx context.Context, device, fstype string, opts map[string]dbus.Variant) error {
	h, p, err := m.device(ctx, device)
	if err != nil {
		return err
	}
	return h.call(ctx, p, blockIface+".Format", nil, fstype, withOptions(opts))
}

// FormatEncrypted creates a LUKS container with a filesystem of fstype
// inside it.
func (m *Manager) FormatEncrypted(ctx context.Context, device, fstype, passphrase string, opts map[string]dbus.Variant) error {
	h, p, err := m.device(ctx, device)
	if err != nil {
		return err
	}
	o := withOptions(opts)
	o["encrypt.passphrase"] = dbus.MakeVariant(passphrase)
	return h.call(ctx, p, blockIface+".Format", nil, fstype, o)
}

// CreatePartition adds a partition to the table on disk and returns its
// device node.
func (m *Manager) CreatePartition(ctx context.Context, disk string, offset, size uint64, ptype, name string, opts map[string]dbus.Variant) (string, error) {
	h, p, err := m.device(ctx, disk)
	if err != nil {
		return "", err
	}
	var created dbus.ObjectPath
	err = h.call(ctx, p, tableIface+".CreatePartition", []any{&created}, offset, size, ptype, name, withOptions(opts))
	if err != nil {
		return "", err
	}
	return h.deviceNode(ctx, created)
}

// DeletePartition removes partition from its table.
func (m *Manager) DeletePartition(ctx context.Context, partition string, opts map[string]dbus.Variant) error {
	h, p, err := m.device(ctx, partition)
	if err != nil {
		return err
	}
	return h.call(ctx, p, partIface+".Delete", nil, withOptions(opts))
}

// ResizePartition changes the size of partition.
func (m *Manager) ResizePartition(ctx context.Context, partition string, size uint64, opts map[string]dbus.Variant) error {
	h, p, err := m.device(ctx, partition)
	if err != nil {
		return err
	}
	return h.call(ctx, p, partIface+".Resize", nil, size, withOptions(opts))
}

// SetPartitionType changes the partition type GUID or MBR code.
func (m *Manager) SetPartitionType(ctx context.Context, partition, ptype string, opts map[string]dbus.Variant) error {
	h, p, err := m.device(ctx, partition)
	if err != nil {
		return err
	}
	return h.call(ctx, p, partIface+".SetType", nil, ptype, withOptions(opts))
}

// Unlock opens the encrypted device and returns the cleartext device node.
func (m *Manager) Unlock(ctx context.Context, device, passphrase string, opts map[string]dbus.Variant) (string, error) {
	h, p, err := m.device(ctx, device)
	if err != nil {
		return "", err
	}
	var cleartext dbus.ObjectPath
	if err := h.call(ctx, p, cryptIface+".Unlock", []any{&cleartext}, passphrase, withOptions(opts)); err != nil {
		return "", err
	}
	return h.deviceNode(ctx, cleartext)
}

// Lock closes the encrypted device.
func (m *Manager) Lock(ctx context.Context, device string, opts map[string]dbus.Variant) error {
	h, p, err := m.device(ctx, device)
	if err != nil {
		return err
	}
	return h.call(ctx, p, cryptIface+".Lock", nil, withOptions(opts))
}

// ChangePassphrase replaces the passphrase of the encrypted device.
func (m *Manager) ChangePassphrase(ctx context.Context, device, oldPass, newPass string, opts map[string]dbus.Variant) error {
	h, p, err := m.device(ctx, device)
	if err != nil {
		return err
	}
	return h.call(ctx, p, cryptIface+".ChangePassphrase", nil, oldPass, newPass, withOptions(opts))
}

// LoopSetup creates a loop device backed by f and returns its node.
func (m *Manager) LoopSetup(ctx context.Context, f *os.File, readOnly bool) (string, error) {
	h, err := m.devices.Get(ctx)
	if err != nil {
		return "", err
	}
	opts := map[string]dbus.Variant{"read-only": dbus.MakeVariant(readOnly)}
	var loop dbus.ObjectPath
	err = h.call(ctx, dbustypes.UDisksManagerPath, dbustypes.UDisksManagerInterface+".LoopSetup",
		[]any{&loop}, dbus.UnixFD(f.Fd()), withOptions(opts))
	if err != nil {
		return "", err
	}
	return h.deviceNode(ctx, loop)
}

// LoopDelete tears down the loop device.
func (m *Manager) LoopDelete(ctx context.Context, device string) error {
	h, p, err := m.device(ctx, device)
	if err != nil {
		return err
	}
	return h.call(ctx, p, loopIface+".Delete", nil, withOptions(nil))
}

// Eject ejects the media of the drive holding device.
func (m *Manager) Eject(ctx context.Context, device string) error {
	return m.driveCall(ctx, device, "Eject")
}

// PowerOff powers down the drive holding device.
func (m *Manager) PowerOff(ctx context.Context, device string) error {
	return m.driveCall(ctx, device, "PowerOff")
}

func (m *Manager) driveCall(ctx context.Context, device, method string) error {
	h, p, err := m.device(ctx, device)
	if err != nil {
		return err
	}
	v, err := h.property(ctx, p, blockIface, "Drive")
	if err != nil {
		return err
	}
	drive, _ := v.Value().(dbus.ObjectPath)
	if drive == "" || drive == "/" {
		return fmt.Errorf("%w: %s", ErrNoDrive, device)
	}
	return h.call(ctx, drive, driveIface+"."+method, nil, withOptions(nil))
}
