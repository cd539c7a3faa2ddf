// Package testutil runs a private D-Bus daemon with mock UDisks2 and polkit
// services for integration tests.
package testutil

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
)

// policyConfigTemplate mirrors the system bus default-deny policy and lets
// the current user (by numeric uid) own and call every name.
//
// The receive_type allows must be present, otherwise method_return replies
// to the bus are rejected.
//
// Args: sockPath, uid
const policyConfigTemplate = `<?xml version="1.0"?>
<!DOCTYPE busconfig PUBLIC "-//freedesktop//DTD D-BUS Bus Configuration 1.0//EN"
 "http://www.freedesktop.org/standards/dbus/1.0/busconfig.dtd">
<busconfig>
  <type>session</type>
  <listen>unix:path=%s</listen>
  <auth>EXTERNAL</auth>
  <policy context="default">
    <allow user="*"/>
    <deny own="*"/>
    <deny send_type="method_call"/>
    <allow send_type="signal"/>
    <allow send_requested_reply="true" send_type="method_return"/>
    <allow send_requested_reply="true" send_type="error"/>
    <allow receive_type="method_call"/>
    <allow receive_type="method_return"/>
    <allow receive_type="error"/>
    <allow receive_type="signal"/>
    <allow send_destination="org.freedesktop.DBus"/>
  </policy>
  <policy user="%s">
    <allow own="*"/>
    <allow send_destination="*"/>
  </policy>
</busconfig>`

// StartBus starts a private dbus-daemon and returns its address. The test
// is skipped when dbus-daemon is not installed. Filesystem sockets are used
// so parallel tests never collide.
func StartBus(t *testing.T) string {
	t.Helper()

	bin, err := exec.LookPath("dbus-daemon")
	if err != nil {
		t.Skip("dbus-daemon not installed")
	}

	tmpDir := t.TempDir()
	sockPath := filepath.Join(tmpDir, "bus.sock")
	confPath := filepath.Join(tmpDir, "policy.conf")

	conf := fmt.Sprintf(policyConfigTemplate, sockPath, fmt.Sprint(os.Getuid()))
	if err := os.WriteFile(confPath, []byte(conf), 0o600); err != nil {
		t.Fatalf("write policy config: %v", err)
	}

	cmd := exec.Command(bin, "--config-file="+confPath, "--nofork")
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("start dbus-daemon: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill() //nolint:errcheck
		cmd.Wait()         //nolint:errcheck
	})

	for attempt := 0; attempt < 50; attempt++ {
		if _, err := os.Stat(sockPath); err == nil {
			return "unix:path=" + sockPath
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("dbus-daemon socket not created in time")
	return ""
}

// Connect opens a connection to addr that is closed when the test ends.
func Connect(t *testing.T, addr string) *dbus.Conn {
	t.Helper()
	conn, err := dbus.Connect(addr)
	if err != nil {
		t.Fatalf("connect to %s: %v", addr, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// WaitForName polls until name has an owner on the bus at addr.
func WaitForName(t *testing.T, addr, name string) {
	t.Helper()
	conn := Connect(t, addr)
	for attempt := 0; attempt < 50; attempt++ {
		var has bool
		err := conn.BusObject().Call("org.freedesktop.DBus.NameHasOwner", 0, name).Store(&has)
		if err == nil && has {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("bus name %q not registered in time", name)
}

func requestName(conn *dbus.Conn, name string) error {
	reply, err := conn.RequestName(name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request name %s: %w", name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("not primary owner of %s (reply=%d)", name, reply)
	}
	return nil
}
