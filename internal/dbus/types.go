// Package dbus provides D-Bus names used by the storage dispatcher and the
// services it talks to (UDisks2, polkit).
package dbus

import "github.com/godbus/dbus/v5"

// Storage dispatcher service.
const (
	BusName    = "net.mowaka.StorageDispatcher1"
	ObjectPath = dbus.ObjectPath("/net/mowaka/StorageDispatcher1")
	Interface  = "net.mowaka.StorageDispatcher1"

	// DefaultActionNamespace prefixes every polkit action id.
	DefaultActionNamespace = "net.mowaka.storagedispatcher"
)

// Message bus.
const (
	BusDaemonName = "org.freedesktop.DBus"
	BusDaemonPath = dbus.ObjectPath("/org/freedesktop/DBus")

	PropertiesInterface = "org.freedesktop.DBus.Properties"
)

// UDisks2.
const (
	UDisksBusName          = "org.freedesktop.UDisks2"
	UDisksManagerPath      = dbus.ObjectPath("/org/freedesktop/UDisks2/Manager")
	UDisksManagerInterface = "org.freedesktop.UDisks2.Manager"
	UDisksBlockInterface   = "org.freedesktop.UDisks2.Block"
	UDisksFSInterface      = "org.freedesktop.UDisks2.Filesystem"
	UDisksPartInterface    = "org.freedesktop.UDisks2.Partition"
	UDisksTableInterface   = "org.freedesktop.UDisks2.PartitionTable"
	UDisksCryptoInterface  = "org.freedesktop.UDisks2.Encrypted"
	UDisksLoopInterface    = "org.freedesktop.UDisks2.Loop"
	UDisksDriveInterface   = "org.freedesktop.UDisks2.Drive"

	UDisksBlockDevicesPrefix = "/org/freedesktop/UDisks2/block_devices/"

	UDisksErrDeviceBusy = "org.freedesktop.UDisks2.Error.DeviceBusy"
	UDisksErrNotMounted = "org.freedesktop.UDisks2.Error.NotMounted"
)

// polkit.
const (
	PolkitBusName   = "org.freedesktop.PolicyKit1"
	PolkitPath      = dbus.ObjectPath("/org/freedesktop/PolicyKit1/Authority")
	PolkitInterface = "org.freedesktop.PolicyKit1.Authority"
)

// Error names returned by the storage dispatcher.
const (
	ErrIdentityResolution = Interface + ".Error.IdentityResolutionFailed"
	ErrNotAuthorized      = Interface + ".Error.NotAuthorized"
	ErrConnectionFailed   = Interface + ".Error.ConnectionFailed"
	ErrHelperFailed       = Interface + ".Error.HelperFailed"
	ErrFailed             = Interface + ".Error.Failed"
	ErrInvalidArgs        = "org.freedesktop.DBus.Error.InvalidArgs"
)

// NewDBusError creates a D-Bus error with the given name and message.
func NewDBusError(name, message string) *dbus.Error {
	return &dbus.Error{
		Name: name,
		Body: []interface{}{message},
	}
}

// ErrAccessDenied returns a NotAuthorized error for the given action.
func ErrAccessDenied(action string) *dbus.Error {
	return NewDBusError(ErrNotAuthorized, "Not authorized to perform operation "+action)
}

// ErrInvalidArgument returns an InvalidArgs error.
func ErrInvalidArgument(message string) *dbus.Error {
	return NewDBusError(ErrInvalidArgs, message)
}
