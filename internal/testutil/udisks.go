package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/godbus/dbus/v5"

	dbustypes "github.com/nikicat/storage-dispatcher/internal/dbus"
)

// Call is one method call received by a mock.
type Call struct {
	Path   dbus.ObjectPath
	Method string
	Args   []any
}

// Option returns the named entry of the call's trailing options dict.
func (c Call) Option(name string) (any, bool) {
	if len(c.Args) == 0 {
		return nil, false
	}
	opts, ok := c.Args[len(c.Args)-1].(map[string]dbus.Variant)
	if !ok {
		return nil, false
	}
	v, ok := opts[name]
	if !ok {
		return nil, false
	}
	return v.Value(), true
}

// MockDevice is a block device known to MockUDisks.
type MockDevice struct {
	Name        string // kernel name, e.g. "sdb1"
	MountPoints []string
	HasDrive    bool
	Busy        bool // Unmount fails with DeviceBusy while set
}

// Node returns the /dev node of the device.
func (d *MockDevice) Node() string { return "/dev/" + d.Name }

// MockUDisks is a minimal org.freedesktop.UDisks2 for tests.
type MockUDisks struct {
	Version string

	conn    *dbus.Conn
	mu      sync.Mutex
	devices map[dbus.ObjectPath]*MockDevice
	calls   []Call
	fail    map[string]*dbus.Error
	loops   int
}

// NewMockUDisks creates an empty mock.
func NewMockUDisks() *MockUDisks {
	return &MockUDisks{
		Version: "2.10.1",
		devices: make(map[dbus.ObjectPath]*MockDevice),
		fail:    make(map[string]*dbus.Error),
	}
}

// BlockPath returns the object path of the device named name.
func BlockPath(name string) dbus.ObjectPath {
	return dbus.ObjectPath(dbustypes.UDisksBlockDevicesPrefix + name)
}

func drivePath(name string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/freedesktop/UDisks2/drives/" + name)
}

// Register exports the manager on conn and claims the UDisks2 name.
func (m *MockUDisks) Register(conn *dbus.Conn) error {
	m.conn = conn

	manager := map[string]any{
		"ResolveDevice": func(spec map[string]dbus.Variant, opts map[string]dbus.Variant) ([]dbus.ObjectPath, *dbus.Error) {
			m.record(dbustypes.UDisksManagerPath, "ResolveDevice", spec, opts)
			node, _ := spec["path"].Value().(string)
			m.mu.Lock()
			defer m.mu.Unlock()
			for p, d := range m.devices {
				if d.Node() == node {
					return []dbus.ObjectPath{p}, nil
				}
			}
			return []dbus.ObjectPath{}, nil
		},
		"LoopSetup": func(fd dbus.UnixFD, opts map[string]dbus.Variant) (dbus.ObjectPath, *dbus.Error) {
			backing, _ := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", fd))
			syscall.Close(int(fd)) //nolint:errcheck
			if err := m.record(dbustypes.UDisksManagerPath, "LoopSetup", backing, opts); err != nil {
				return "/", err
			}
			m.mu.Lock()
			name := fmt.Sprintf("loop%d", m.loops)
			m.loops++
			m.mu.Unlock()
			return m.AddDevice(&MockDevice{Name: name}), nil
		},
	}
	if err := conn.ExportMethodTable(manager, dbustypes.UDisksManagerPath, dbustypes.UDisksManagerInterface); err != nil {
		return fmt.Errorf("export Manager: %w", err)
	}
	props := map[string]any{
		"Get": func(iface, name string) (dbus.Variant, *dbus.Error) {
			if iface == dbustypes.UDisksManagerInterface && name == "Version" {
				return dbus.MakeVariant(m.Version), nil
			}
			return dbus.Variant{}, unknownProperty(iface, name)
		},
	}
	if err := conn.ExportMethodTable(props, dbustypes.UDisksManagerPath, dbustypes.PropertiesInterface); err != nil {
		return fmt.Errorf("export Manager properties: %w", err)
	}

	return requestName(conn, dbustypes.UDisksBusName)
}

// Fail makes every later call of method return err.
func (m *MockUDisks) Fail(method string, err *dbus.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[method] = err
}

// Calls returns every call received so far, in order.
func (m *MockUDisks) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallsTo returns the received calls of method.
func (m *MockUDisks) CallsTo(method string) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// SetBusy changes whether the device refuses to unmount.
func (m *MockUDisks) SetBusy(path dbus.ObjectPath, busy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d := m.devices[path]; d != nil {
		d.Busy = busy
	}
}

func (m *MockUDisks) record(path dbus.ObjectPath, method string, args ...any) *dbus.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Path: path, Method: method, Args: args})
	return m.fail[method]
}

func unknownProperty(iface, name string) *dbus.Error {
	return dbustypes.NewDBusError("org.freedesktop.DBus.Error.UnknownProperty",
		fmt.Sprintf("no property %s.%s", iface, name))
}

func udisksError(name, msg string) *dbus.Error {
	return dbustypes.NewDBusError("org.freedesktop.UDisks2.Error."+name, msg)
}

// AddDevice exports a block device. Register must have been called.
func (m *MockUDisks) AddDevice(d *MockDevice) dbus.ObjectPath {
	path := BlockPath(d.Name)
	m.mu.Lock()
	m.devices[path] = d
	m.mu.Unlock()

	tables := map[string]map[string]any{
		dbustypes.UDisksFSInterface:     m.filesystemMethods(path, d),
		dbustypes.UDisksBlockInterface:  m.blockMethods(path, d),
		dbustypes.UDisksPartInterface:   m.partitionMethods(path),
		dbustypes.UDisksTableInterface:  m.tableMethods(path, d),
		dbustypes.UDisksCryptoInterface: m.encryptedMethods(path, d),
		dbustypes.UDisksLoopInterface:   m.loopMethods(path),
		dbustypes.PropertiesInterface:   m.blockProperties(d),
	}
	for iface, methods := range tables {
		m.conn.ExportMethodTable(methods, path, iface) //nolint:errcheck
	}

	if d.HasDrive {
		dp := drivePath(d.Name)
		simple := func(method string) func(map[string]dbus.Variant) *dbus.Error {
			return func(opts map[string]dbus.Variant) *dbus.Error {
				return m.record(dp, method, opts)
			}
		}
		m.conn.ExportMethodTable(map[string]any{ //nolint:errcheck
			"Eject":    simple("Eject"),
			"PowerOff": simple("PowerOff"),
		}, dp, dbustypes.UDisksDriveInterface)
	}
	return path
}

func (m *MockUDisks) filesystemMethods(path dbus.ObjectPath, d *MockDevice) map[string]any {
	return map[string]any{
		"Mount": func(opts map[string]dbus.Variant) (string, *dbus.Error) {
			if err := m.record(path, "Mount", opts); err != nil {
				return "", err
			}
			dir := filepath.Join("/media", d.Name)
			if v, ok := opts["as-user"]; ok {
				dir = filepath.Join("/run/media", v.Value().(string), d.Name)
			}
			m.mu.Lock()
			d.MountPoints = append(d.MountPoints, dir)
			m.mu.Unlock()
			return dir, nil
		},
		"Unmount": func(opts map[string]dbus.Variant) *dbus.Error {
			if err := m.record(path, "Unmount", opts); err != nil {
				return err
			}
			m.mu.Lock()
			defer m.mu.Unlock()
			switch {
			case len(d.MountPoints) == 0:
				return udisksError("NotMounted", fmt.Sprintf("Device %s is not mounted", d.Node()))
			case d.Busy:
				return udisksError("DeviceBusy", fmt.Sprintf("Error unmounting %s: target is busy", d.Node()))
			}
			d.MountPoints = nil
			return nil
		},
	}
}

func (m *MockUDisks) blockMethods(path dbus.ObjectPath, d *MockDevice) map[string]any {
	return map[string]any{
		"Format": func(fstype string, opts map[string]dbus.Variant) *dbus.Error {
			return m.record(path, "Format", fstype, opts)
		},
	}
}

func (m *MockUDisks) partitionMethods(path dbus.ObjectPath) map[string]any {
	return map[string]any{
		"Delete": func(opts map[string]dbus.Variant) *dbus.Error {
			return m.record(path, "Partition.Delete", opts)
		},
		"Resize": func(size uint64, opts map[string]dbus.Variant) *dbus.Error {
			return m.record(path, "Resize", size, opts)
		},
		"SetType": func(ptype string, opts map[string]dbus.Variant) *dbus.Error {
			return m.record(path, "SetType", ptype, opts)
		},
	}
}

func (m *MockUDisks) tableMethods(path dbus.ObjectPath, d *MockDevice) map[string]any {
	return map[string]any{
		"CreatePartition": func(offset, size uint64, ptype, name string, opts map[string]dbus.Variant) (dbus.ObjectPath, *dbus.Error) {
			if err := m.record(path, "CreatePartition", offset, size, ptype, name, opts); err != nil {
				return "/", err
			}
			m.mu.Lock()
			n := 1
			for _, other := range m.devices {
				if strings.HasPrefix(other.Name, d.Name) && other.Name != d.Name {
					n++
				}
			}
			m.mu.Unlock()
			return m.AddDevice(&MockDevice{Name: fmt.Sprintf("%s%d", d.Name, n)}), nil
		},
	}
}

func (m *MockUDisks) encryptedMethods(path dbus.ObjectPath, d *MockDevice) map[string]any {
	return map[string]any{
		"Unlock": func(passphrase string, opts map[string]dbus.Variant) (dbus.ObjectPath, *dbus.Error) {
			if err := m.record(path, "Unlock", passphrase, opts); err != nil {
				return "/", err
			}
			return m.AddDevice(&MockDevice{Name: "dm-" + d.Name}), nil
		},
		"Lock": func(opts map[string]dbus.Variant) *dbus.Error {
			return m.record(path, "Lock", opts)
		},
		"ChangePassphrase": func(oldPass, newPass string, opts map[string]dbus.Variant) *dbus.Error {
			return m.record(path, "ChangePassphrase", oldPass, newPass, opts)
		},
	}
}

func (m *MockUDisks) loopMethods(path dbus.ObjectPath) map[string]any {
	return map[string]any{
		"Delete": func(opts map[string]dbus.Variant) *dbus.Error {
			return m.record(path, "Loop.Delete", opts)
		},
	}
}

func (m *MockUDisks) blockProperties(d *MockDevice) map[string]any {
	return map[string]any{
		"Get": func(iface, name string) (dbus.Variant, *dbus.Error) {
			m.mu.Lock()
			defer m.mu.Unlock()
			switch iface + "." + name {
			case dbustypes.UDisksBlockInterface + ".Device":
				return dbus.MakeVariant(append([]byte(d.Node()), 0)), nil
			case dbustypes.UDisksBlockInterface + ".Drive":
				if d.HasDrive {
					return dbus.MakeVariant(drivePath(d.Name)), nil
				}
				return dbus.MakeVariant(dbus.ObjectPath("/")), nil
			case dbustypes.UDisksFSInterface + ".MountPoints":
				points := make([][]byte, 0, len(d.MountPoints))
				for _, p := range d.MountPoints {
					points = append(points, append([]byte(p), 0))
				}
				return dbus.MakeVariant(points), nil
			}
			return dbus.Variant{}, unknownProperty(iface, name)
		},
	}
}
