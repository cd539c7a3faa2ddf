package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nikicat/storage-dispatcher/internal/busconn"
	"github.com/nikicat/storage-dispatcher/internal/caller"
	dbustypes "github.com/nikicat/storage-dispatcher/internal/dbus"
	"github.com/nikicat/storage-dispatcher/internal/fstools"
	"github.com/nikicat/storage-dispatcher/internal/helper"
	"github.com/nikicat/storage-dispatcher/internal/logging"
	"github.com/nikicat/storage-dispatcher/internal/metrics"
	"github.com/nikicat/storage-dispatcher/internal/mountctx"
	"github.com/nikicat/storage-dispatcher/internal/polkit"
	"github.com/nikicat/storage-dispatcher/internal/procutil"
	"github.com/nikicat/storage-dispatcher/internal/udisks"
)

const testSender = dbus.Sender(":1.42")

type fakeResolver struct {
	info  caller.Info
	err   error
	calls int
}

func (r *fakeResolver) Resolve(_ context.Context, sender string) (caller.Info, error) {
	r.calls++
	if r.err != nil {
		return caller.Info{}, r.err
	}
	info := r.info
	info.Sender = sender
	return info, nil
}

type fakeGate struct {
	mu      sync.Mutex
	allow   map[string]bool
	actions []string
}

func (g *fakeGate) Authorize(_ context.Context, c caller.Info, action string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.actions = append(g.actions, action)
	if g.allow[action] {
		return nil
	}
	return &polkit.DeniedError{Action: action, Caller: c}
}

// fakeDevices records device calls. Unmount pops errors from unmountErrs.
type fakeDevices struct {
	mu          sync.Mutex
	calls       []string
	mountOpts   map[string]dbus.Variant
	mountPoints []string
	pointsErr   error
	unmountErrs []error
	forces      []bool
	loopFile    string
}

func (f *fakeDevices) record(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method)
}

func (f *fakeDevices) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeDevices) Mount(_ context.Context, device string, opts map[string]dbus.Variant) (string, error) {
	f.record("Mount")
	f.mountOpts = opts
	return "/run/media/alice/" + filepath.Base(device), nil
}

func (f *fakeDevices) MountPoints(context.Context, string) ([]string, error) {
	f.record("MountPoints")
	return f.mountPoints, f.pointsErr
}

func (f *fakeDevices) Unmount(_ context.Context, _ string, force bool) error {
	f.record("Unmount")
	f.mu.Lock()
	f.forces = append(f.forces, force)
	f.mu.Unlock()
	if len(f.unmountErrs) == 0 {
		return nil
	}
	err := f.unmountErrs[0]
	f.unmountErrs = f.unmountErrs[1:]
	return err
}

func (f *fakeDevices) Format(context.Context, string, string, map[string]dbus.Variant) error {
	f.record("Format")
	return nil
}

func (f *fakeDevices) FormatEncrypted(context.Context, string, string, string, map[string]dbus.Variant) error {
	f.record("FormatEncrypted")
	return nil
}

func (f *fakeDevices) CreatePartition(context.Context, string, uint64, uint64, string, string, map[string]dbus.Variant) (string, error) {
	f.record("CreatePartition")
	return "/dev/sdb2", nil
}

func (f *fakeDevices) DeletePartition(context.Context, string, map[string]dbus.Variant) error {
	f.record("DeletePartition")
	return nil
}

func (f *fakeDevices) ResizePartition(context.Context, string, uint64, map[string]dbus.Variant) error {
	f.record("ResizePartition")
	return nil
}

func (f *fakeDevices) SetPartitionType(context.Context, string, string, map[string]dbus.Variant) error {
	f.record("SetPartitionType")
	return nil
}

func (f *fakeDevices) Unlock(context.Context, string, string, map[string]dbus.Variant) (string, error) {
	f.record("Unlock")
	return "/dev/dm-0", nil
}

func (f *fakeDevices) Lock(context.Context, string, map[string]dbus.Variant) error {
	f.record("Lock")
	return nil
}

func (f *fakeDevices) ChangePassphrase(context.Context, string, string, string, map[string]dbus.Variant) error {
	f.record("ChangePassphrase")
	return nil
}

func (f *fakeDevices) LoopSetup(_ context.Context, file *os.File, _ bool) (string, error) {
	f.record("LoopSetup")
	f.loopFile = file.Name()
	return "/dev/loop0", nil
}

func (f *fakeDevices) LoopDelete(context.Context, string) error {
	f.record("LoopDelete")
	return nil
}

func (f *fakeDevices) Eject(context.Context, string) error {
	f.record("Eject")
	return nil
}

func (f *fakeDevices) PowerOff(context.Context, string) error {
	f.record("PowerOff")
	return nil
}

type fakeHelper struct {
	invocations []helper.Invocation
	result      *helper.Result
	err         error
}

func (h *fakeHelper) Run(_ context.Context, inv helper.Invocation) (*helper.Result, error) {
	h.invocations = append(h.invocations, inv)
	if h.err != nil {
		return nil, h.err
	}
	if h.result != nil {
		return h.result, nil
	}
	return &helper.Result{Success: true}, nil
}

type fakeTools []fstools.Tool

func (t fakeTools) Tools() []fstools.Tool { return t }

type testDispatcher struct {
	*Dispatcher
	resolver *fakeResolver
	gate     *fakeGate
	devices  *fakeDevices
	helper   *fakeHelper
	audit    *bytes.Buffer
	metrics  *metrics.Metrics

	blockingCalls  int
	terminated     [][]uint32
	blockingResult []procutil.Process
}

func newTestDispatcher(t *testing.T, allowed ...string) *testDispatcher {
	t.Helper()
	td := &testDispatcher{
		resolver: &fakeResolver{info: caller.Info{UID: 1000, Username: "alice", PID: 4321}},
		gate:     &fakeGate{allow: make(map[string]bool)},
		devices:  &fakeDevices{},
		helper:   &fakeHelper{},
		audit:    &bytes.Buffer{},
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	for _, suffix := range allowed {
		td.gate.allow[dbustypes.DefaultActionNamespace+"."+suffix] = true
	}
	td.Dispatcher = NewDispatcher(Deps{
		Version:  "1.0.0-test",
		Resolver: td.resolver,
		Gate:     td.gate,
		Devices:  td.devices,
		Helper:   td.helper,
		Tools:    fakeTools{{ID: "ext4", Name: "Ext4", Command: "mkfs.ext4", Package: "e2fsprogs", Available: true}},
		Audit:    logging.NewWithWriter(td.audit, 0),
		Metrics:  td.metrics,
	})
	td.Dispatcher.blocking = func([]string) ([]procutil.Process, error) {
		td.blockingCalls++
		return td.blockingResult, nil
	}
	td.Dispatcher.terminate = func(_ context.Context, pids []uint32, _ time.Duration) []uint32 {
		td.terminated = append(td.terminated, pids)
		return nil
	}
	return td
}

// errName extracts the D-Bus error name, or "" for nil.
func errName(err *dbus.Error) string {
	if err == nil {
		return ""
	}
	return err.Name
}

func TestReadOnlyMethods(t *testing.T) {
	td := newTestDispatcher(t)

	pong, err := td.Ping()
	if err != nil || pong != "pong" {
		t.Errorf("Ping() = %q, %v", pong, err)
	}
	v, err := td.GetVersion()
	if err != nil || v != "1.0.0-test" {
		t.Errorf("GetVersion() = %q, %v", v, err)
	}
	tools, err := td.GetFilesystemTools()
	if err != nil || len(tools) != 1 || tools[0].ID != "ext4" || !tools[0].Available {
		t.Errorf("GetFilesystemTools() = %v, %v", tools, err)
	}
	if td.resolver.calls != 0 || len(td.gate.actions) != 0 {
		t.Error("read-only methods must not resolve or authorize callers")
	}
}

func TestEveryMethodIsClassified(t *testing.T) {
	typ := reflect.TypeOf(&Dispatcher{})
	exported := make(map[string]bool)
	for i := 0; i < typ.NumMethod(); i++ {
		name := typ.Method(i).Name
		exported[name] = true
		_, mapped := methodActions[name]
		if !mapped && !readOnlyMethods[name] {
			t.Errorf("method %s has no authorization action and is not read-only", name)
		}
		if mapped && readOnlyMethods[name] {
			t.Errorf("method %s is both mapped and read-only", name)
		}
	}
	for name := range methodActions {
		if !exported[name] {
			t.Errorf("methodActions lists %s, which is not a Dispatcher method", name)
		}
	}
	for name := range readOnlyMethods {
		if !exported[name] {
			t.Errorf("readOnlyMethods lists %s, which is not a Dispatcher method", name)
		}
	}
}

// callWithZeroArgs invokes a D-Bus method with zero values for every
// argument after the sender and returns its *dbus.Error.
func callWithZeroArgs(t *testing.T, d *Dispatcher, name string) *dbus.Error {
	t.Helper()
	m := reflect.ValueOf(d).MethodByName(name)
	mt := m.Type()
	args := []reflect.Value{reflect.ValueOf(testSender)}
	for i := 1; i < mt.NumIn(); i++ {
		args = append(args, reflect.Zero(mt.In(i)))
	}
	out := m.Call(args)
	derr, _ := out[len(out)-1].Interface().(*dbus.Error)
	return derr
}

func TestDeniedCallsDoNothing(t *testing.T) {
	td := newTestDispatcher(t)

	for method, suffix := range methodActions {
		t.Run(method, func(t *testing.T) {
			derr := callWithZeroArgs(t, td.Dispatcher, method)
			if errName(derr) != dbustypes.ErrNotAuthorized {
				t.Fatalf("%s error = %v, want %s", method, derr, dbustypes.ErrNotAuthorized)
			}
			want := dbustypes.DefaultActionNamespace + "." + suffix
			if last := td.gate.actions[len(td.gate.actions)-1]; last != want {
				t.Errorf("authorized action = %q, want %q", last, want)
			}
		})
	}

	if calls := td.devices.Calls(); len(calls) != 0 {
		t.Errorf("device calls after denials: %v", calls)
	}
	if len(td.helper.invocations) != 0 {
		t.Errorf("helper ran after denials: %v", td.helper.invocations)
	}
	if got := promtest.ToFloat64(td.metrics.CallsTotal.WithLabelValues("Mount", logging.ResultDenied)); got != 1 {
		t.Errorf("denied Mount calls = %v, want 1", got)
	}
}

func TestInvoke_UnmappedMethodDenied(t *testing.T) {
	td := newTestDispatcher(t)
	ran := false

	_, derr := invoke(td.Dispatcher, testSender, "Bogus", nil, func(context.Context, caller.Info) (string, error) {
		ran = true
		return "", nil
	})

	if errName(derr) != dbustypes.ErrNotAuthorized {
		t.Errorf("error = %v, want NotAuthorized", derr)
	}
	if ran || td.resolver.calls != 0 {
		t.Error("an unmapped method must be refused before anything runs")
	}
}

func TestInvoke_IdentityFailure(t *testing.T) {
	td := newTestDispatcher(t, "mount")
	td.resolver.err = fmt.Errorf("%w: no uid", caller.ErrIdentityResolution)

	_, derr := td.Mount(testSender, "/dev/sdb1", nil)

	if errName(derr) != dbustypes.ErrIdentityResolution {
		t.Errorf("error = %v, want %s", derr, dbustypes.ErrIdentityResolution)
	}
	if len(td.gate.actions) != 0 {
		t.Error("authorization must not run without an identity")
	}
	if len(td.devices.Calls()) != 0 {
		t.Error("device touched without an identity")
	}
}

func TestMount_AppliesCallerIdentity(t *testing.T) {
	td := newTestDispatcher(t, "mount")

	mp, derr := td.Mount(testSender, "/dev/sdb1", map[string]dbus.Variant{
		mountctx.OptionAsUser: dbus.MakeVariant("root"),
		"options":             dbus.MakeVariant("ro"),
	})
	if derr != nil {
		t.Fatalf("Mount: %v", derr)
	}
	if mp != "/run/media/alice/sdb1" {
		t.Errorf("mount point = %q", mp)
	}
	if got := td.devices.mountOpts[mountctx.OptionAsUser].Value(); got != "alice" {
		t.Errorf("as-user = %v, want the caller's username", got)
	}
	if got := td.devices.mountOpts[mountctx.OptionUID].Value(); got != uint32(1000) {
		t.Errorf("uid = %v, want 1000", got)
	}

	log := td.audit.String()
	for _, want := range []string{`"method":"Mount"`, `"result":"ok"`, `"username":"alice"`} {
		if !strings.Contains(log, want) {
			t.Errorf("audit log %q does not contain %s", log, want)
		}
	}
	if strings.Contains(log, `"ro"`) {
		t.Errorf("audit log leaked an option value: %s", log)
	}
}

func TestMount_EmptyDevice(t *testing.T) {
	td := newTestDispatcher(t, "mount")

	_, derr := td.Mount(testSender, "", nil)
	if errName(derr) != dbustypes.ErrInvalidArgs {
		t.Errorf("error = %v, want InvalidArgs", derr)
	}
}

func TestUnmount_Success(t *testing.T) {
	td := newTestDispatcher(t, "unmount")
	td.devices.mountPoints = []string{"/mnt/data"}

	res, derr := td.Unmount(testSender, "/dev/sdb1", false, false)
	if derr != nil {
		t.Fatalf("Unmount: %v", derr)
	}
	if !res.Success || res.Error != "" || len(res.Processes) != 0 {
		t.Errorf("result = %+v, want success", res)
	}
	if td.blockingCalls != 0 {
		t.Error("processes inspected after a clean unmount")
	}
}

func TestUnmount_ForceKillNoBlockers(t *testing.T) {
	td := newTestDispatcher(t, "unmount")
	td.devices.mountPoints = []string{"/mnt/data"}

	res, derr := td.Unmount(testSender, "/dev/sdb1", true, true)
	if derr != nil {
		t.Fatalf("Unmount: %v", derr)
	}
	want := UnmountResult{Success: true, Processes: []BlockingProcess{}}
	if diff := cmp.Diff(want, res, cmp.AllowUnexported(UnmountResult{})); diff != "" {
		t.Errorf("result (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]bool{true}, td.devices.forces); diff != "" {
		t.Errorf("force flags passed to the device manager (-want +got):\n%s", diff)
	}
	if td.blockingCalls != 0 || len(td.terminated) != 0 {
		t.Error("processes inspected or signalled after a clean unmount")
	}
}

func TestUnmount_NotMounted(t *testing.T) {
	td := newTestDispatcher(t, "unmount")

	res, derr := td.Unmount(testSender, "/dev/sdb1", false, true)
	if derr != nil {
		t.Fatalf("Unmount: %v", derr)
	}
	if res.Success || res.Error != "not mounted" {
		t.Errorf("result = %+v, want not mounted", res)
	}
	if diff := cmp.Diff([]string{"MountPoints"}, td.devices.Calls()); diff != "" {
		t.Errorf("device calls (-want +got):\n%s", diff)
	}
}

func TestUnmount_ProtectedPathWithKill(t *testing.T) {
	td := newTestDispatcher(t, "unmount")
	td.devices.mountPoints = []string{"/boot/efi"}

	res, derr := td.Unmount(testSender, "/dev/nvme0n1p1", false, true)
	if derr != nil {
		t.Fatalf("Unmount: %v", derr)
	}
	if res.Success {
		t.Fatal("unmount of a protected path with kill succeeded")
	}
	if !strings.Contains(res.Error, "/boot/efi") {
		t.Errorf("error %q does not name the protected path", res.Error)
	}
	if res.Processes == nil || len(res.Processes) != 0 {
		t.Errorf("processes = %#v, want an empty list", res.Processes)
	}
	if diff := cmp.Diff([]string{"MountPoints"}, td.devices.Calls()); diff != "" {
		t.Errorf("device calls (-want +got):\n%s", diff)
	}
	if td.blockingCalls != 0 || len(td.terminated) != 0 {
		t.Error("processes inspected or signalled on a protected path")
	}
	if !strings.Contains(td.audit.String(), `"result":"rejected"`) {
		t.Errorf("audit log does not record a rejection: %s", td.audit.String())
	}
}

func TestUnmount_ProtectedPathWithoutKill(t *testing.T) {
	td := newTestDispatcher(t, "unmount")
	td.devices.mountPoints = []string{"/boot/efi"}

	res, derr := td.Unmount(testSender, "/dev/nvme0n1p1", false, false)
	if derr != nil {
		t.Fatalf("Unmount: %v", derr)
	}
	if !res.Success {
		t.Errorf("result = %+v, want a plain unmount to go ahead", res)
	}
}

func busyError() error {
	return &udisks.UpstreamError{
		Method:  "Filesystem.Unmount",
		Name:    dbustypes.UDisksErrDeviceBusy,
		Message: "Error unmounting /dev/sdb1: target is busy",
	}
}

func TestUnmount_BusyReportsBlockers(t *testing.T) {
	td := newTestDispatcher(t, "unmount")
	td.devices.mountPoints = []string{"/mnt/data"}
	td.devices.unmountErrs = []error{busyError()}
	td.blockingResult = []procutil.Process{{PID: 777, Name: "bash", Cmdline: "bash -i"}}

	res, derr := td.Unmount(testSender, "/dev/sdb1", false, false)
	if derr != nil {
		t.Fatalf("Unmount: %v", derr)
	}
	want := UnmountResult{
		Error:     "Error unmounting /dev/sdb1: target is busy",
		Processes: []BlockingProcess{{PID: 777, Name: "bash", Cmdline: "bash -i"}},
	}
	if diff := cmp.Diff(want, res, cmp.AllowUnexported(UnmountResult{})); diff != "" {
		t.Errorf("result (-want +got):\n%s", diff)
	}
	if len(td.terminated) != 0 {
		t.Error("processes signalled without kill_processes")
	}
}

func TestUnmount_BusyKillAndRetry(t *testing.T) {
	td := newTestDispatcher(t, "unmount")
	td.devices.mountPoints = []string{"/mnt/data"}
	td.devices.unmountErrs = []error{busyError()}
	td.blockingResult = []procutil.Process{{PID: 777, UID: 1000, Name: "bash"}, {PID: 778, UID: 1000, Name: "less"}}

	res, derr := td.Unmount(testSender, "/dev/sdb1", false, true)
	if derr != nil {
		t.Fatalf("Unmount: %v", derr)
	}
	if !res.Success {
		t.Errorf("result = %+v, want success after the retry", res)
	}
	if diff := cmp.Diff([][]uint32{{777, 778}}, td.terminated); diff != "" {
		t.Errorf("terminated (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"MountPoints", "Unmount", "Unmount"}, td.devices.Calls()); diff != "" {
		t.Errorf("device calls (-want +got):\n%s", diff)
	}
	if got := promtest.ToFloat64(td.metrics.ProcessesSignalledTotal); got != 2 {
		t.Errorf("signalled = %v, want 2", got)
	}
}

func TestUnmount_RetryStillBusy(t *testing.T) {
	td := newTestDispatcher(t, "unmount")
	td.devices.mountPoints = []string{"/mnt/data"}
	td.devices.unmountErrs = []error{busyError(), busyError()}
	td.blockingResult = []procutil.Process{{PID: 777, UID: 1000, Name: "stubborn"}}

	res, derr := td.Unmount(testSender, "/dev/sdb1", false, true)
	if derr != nil {
		t.Fatalf("Unmount: %v", derr)
	}
	if res.Success || len(res.Processes) != 1 || res.Processes[0].PID != 777 {
		t.Errorf("result = %+v, want failure listing the survivor", res)
	}
	if len(td.terminated) != 1 {
		t.Errorf("terminate called %d times, want exactly one retry", len(td.terminated))
	}
}

// unreachableError is what the device manager returns when its connection
// probe is refused by the bus.
func unreachableError() error {
	return &busconn.ConnectionError{Name: "UDisks2", Err: &udisks.UpstreamError{
		Method:  "Properties.Get",
		Name:    "org.freedesktop.DBus.Error.ServiceUnknown",
		Message: "The name org.freedesktop.UDisks2 was not provided by any .service files",
	}}
}

func TestUnmount_TransportFailureIsError(t *testing.T) {
	t.Run("MountPoints", func(t *testing.T) {
		td := newTestDispatcher(t, "unmount")
		td.devices.pointsErr = unreachableError()

		res, derr := td.Unmount(testSender, "/dev/sdb1", false, false)
		if errName(derr) != dbustypes.ErrConnectionFailed {
			t.Errorf("error = %v, result = %+v; want ConnectionFailed", derr, res)
		}
	})
	t.Run("Unmount", func(t *testing.T) {
		td := newTestDispatcher(t, "unmount")
		td.devices.mountPoints = []string{"/mnt/data"}
		td.devices.unmountErrs = []error{unreachableError()}

		res, derr := td.Unmount(testSender, "/dev/sdb1", false, true)
		if errName(derr) != dbustypes.ErrConnectionFailed {
			t.Errorf("error = %v, result = %+v; want ConnectionFailed", derr, res)
		}
		if td.blockingCalls != 0 {
			t.Error("processes inspected although UDisks2 was unreachable")
		}
	})
}

func TestUnmount_OtherFailureSkipsInspection(t *testing.T) {
	td := newTestDispatcher(t, "unmount")
	td.devices.mountPoints = []string{"/mnt/data"}
	td.devices.unmountErrs = []error{&udisks.UpstreamError{
		Method:  "Filesystem.Unmount",
		Name:    "org.freedesktop.UDisks2.Error.Failed",
		Message: "Error unmounting /dev/sdb1: I/O error",
	}}
	td.blockingResult = []procutil.Process{{PID: 777, UID: 1000, Name: "bash"}}

	res, derr := td.Unmount(testSender, "/dev/sdb1", false, true)
	if derr != nil {
		t.Fatalf("Unmount: %v", derr)
	}
	want := UnmountResult{Error: "Error unmounting /dev/sdb1: I/O error", Processes: []BlockingProcess{}}
	if diff := cmp.Diff(want, res, cmp.AllowUnexported(UnmountResult{})); diff != "" {
		t.Errorf("result (-want +got):\n%s", diff)
	}
	if td.blockingCalls != 0 || len(td.terminated) != 0 {
		t.Error("processes inspected or signalled for a failure that is not DeviceBusy")
	}
}

func TestUnmount_KillOtherUsersNeedsAuthorization(t *testing.T) {
	td := newTestDispatcher(t, "unmount")
	td.devices.mountPoints = []string{"/mnt/shared"}
	td.devices.unmountErrs = []error{busyError()}
	td.blockingResult = []procutil.Process{
		{PID: 777, UID: 1000, Name: "bash"},
		{PID: 900, UID: 0, Name: "rsync"},
	}

	res, derr := td.Unmount(testSender, "/dev/sdb1", false, true)
	if derr != nil {
		t.Fatalf("Unmount: %v", derr)
	}
	if res.Success || len(res.Processes) != 2 {
		t.Errorf("result = %+v, want failure listing both blockers", res)
	}
	if !strings.Contains(res.Error, killOthersAction) {
		t.Errorf("error %q does not name the missing action", res.Error)
	}
	if len(td.terminated) != 0 {
		t.Errorf("terminated %v without authorization", td.terminated)
	}
	wantActions := []string{
		dbustypes.DefaultActionNamespace + ".unmount",
		dbustypes.DefaultActionNamespace + "." + killOthersAction,
	}
	if diff := cmp.Diff(wantActions, td.gate.actions); diff != "" {
		t.Errorf("authorized actions (-want +got):\n%s", diff)
	}
	if !strings.Contains(td.audit.String(), `"result":"denied"`) {
		t.Errorf("audit log does not record the denial: %s", td.audit.String())
	}
}

func TestUnmount_KillOtherUsersAuthorized(t *testing.T) {
	td := newTestDispatcher(t, "unmount", killOthersAction)
	td.devices.mountPoints = []string{"/mnt/shared"}
	td.devices.unmountErrs = []error{busyError()}
	td.blockingResult = []procutil.Process{{PID: 900, UID: procutil.UnknownUID, Name: "rsync"}}

	res, derr := td.Unmount(testSender, "/dev/sdb1", false, true)
	if derr != nil {
		t.Fatalf("Unmount: %v", derr)
	}
	if !res.Success {
		t.Errorf("result = %+v, want success", res)
	}
	if diff := cmp.Diff([][]uint32{{900}}, td.terminated); diff != "" {
		t.Errorf("terminated (-want +got):\n%s", diff)
	}
}

func TestUnmount_RootKillsWithoutExtraAction(t *testing.T) {
	td := newTestDispatcher(t, "unmount")
	td.resolver.info = caller.Info{UID: 0, Username: "root", PID: 1}
	td.devices.mountPoints = []string{"/mnt/shared"}
	td.devices.unmountErrs = []error{busyError()}
	td.blockingResult = []procutil.Process{{PID: 900, UID: 1000, Name: "bash"}}

	res, derr := td.Unmount(testSender, "/dev/sdb1", false, true)
	if derr != nil || !res.Success {
		t.Fatalf("Unmount = %+v, %v; want success", res, derr)
	}
	if len(td.gate.actions) != 1 {
		t.Errorf("actions = %v, want only unmount", td.gate.actions)
	}
}

func TestSubvolumes_OwnedByCaller(t *testing.T) {
	td := newTestDispatcher(t, "subvolume-create", "snapshot-create")
	td.helper.result = &helper.Result{Success: true, Path: "/mnt/pool/home"}

	p, derr := td.CreateSubvolume(testSender, "/mnt/pool", "home")
	if derr != nil || p != "/mnt/pool/home" {
		t.Fatalf("CreateSubvolume = %q, %v", p, derr)
	}
	if _, derr := td.CreateSnapshot(testSender, "/mnt/pool", "home", "home-snap", true); derr != nil {
		t.Fatalf("CreateSnapshot: %v", derr)
	}

	if len(td.helper.invocations) != 2 {
		t.Fatalf("helper invocations = %d, want 2", len(td.helper.invocations))
	}
	for _, inv := range td.helper.invocations {
		if inv.OwnerUID == nil || *inv.OwnerUID != 1000 {
			t.Errorf("%s owner = %v, want the caller's uid", inv.Op, inv.OwnerUID)
		}
	}
	snap := td.helper.invocations[1]
	if snap.Op != helper.OpSnapshot || snap.Source != "home" || snap.Dest != "home-snap" || !snap.ReadOnly {
		t.Errorf("snapshot invocation = %+v", snap)
	}
}

func TestSubvolumes_InvalidInvocationNotRun(t *testing.T) {
	td := newTestDispatcher(t, "subvolume-delete")

	derr := td.DeleteSubvolume(testSender, "relative/mnt", "home", false)
	if errName(derr) != dbustypes.ErrInvalidArgs {
		t.Errorf("error = %v, want InvalidArgs", derr)
	}
	if len(td.helper.invocations) != 0 {
		t.Error("helper ran for an invalid invocation")
	}
}

func TestListSubvolumes(t *testing.T) {
	td := newTestDispatcher(t, "subvolume-list")
	td.helper.result = &helper.Result{Success: true, Subvolumes: []helper.Subvolume{
		{ID: 256, Generation: 10, ParentID: 5, Path: "home"},
		{ID: 257, Generation: 12, ParentID: 256, Path: "home/.snap"},
	}}

	got, derr := td.ListSubvolumes(testSender, "/mnt/pool")
	if derr != nil {
		t.Fatalf("ListSubvolumes: %v", derr)
	}
	want := []SubvolumeInfo{
		{ID: 256, Generation: 10, ParentID: 5, Path: "home"},
		{ID: 257, Generation: 12, ParentID: 256, Path: "home/.snap"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("subvolumes (-want +got):\n%s", diff)
	}
}

func TestHelperFailureMapsToHelperFailed(t *testing.T) {
	td := newTestDispatcher(t, "subvolume-list")
	td.helper.err = &helper.Error{Op: helper.OpList, State: helper.StateFailed, ExitCode: 1, Stderr: "not a btrfs filesystem"}

	_, derr := td.ListSubvolumes(testSender, "/mnt/pool")
	if errName(derr) != dbustypes.ErrHelperFailed {
		t.Fatalf("error = %v, want HelperFailed", derr)
	}
	if !strings.Contains(fmt.Sprint(derr.Body...), "not a btrfs filesystem") {
		t.Errorf("message %v does not carry the helper's stderr", derr.Body)
	}
}

func TestLoopSetup_Ownership(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "disk.img")
	if err := os.WriteFile(image, make([]byte, 4096), 0o600); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link.img")
	if err := os.Symlink(image, link); err != nil {
		t.Fatal(err)
	}
	owner := uint32(os.Getuid())

	cases := []struct {
		name string
		uid  uint32
		file string
		want string
	}{
		{"owner", owner, image, ""},
		{"root", 0, image, ""},
		{"stranger", owner + 12345, image, dbustypes.ErrNotAuthorized},
		{"relative", owner, "disk.img", dbustypes.ErrInvalidArgs},
		{"symlink", owner, link, dbustypes.ErrInvalidArgs},
		{"directory", owner, dir, dbustypes.ErrInvalidArgs},
		{"missing", owner, filepath.Join(dir, "nope.img"), dbustypes.ErrInvalidArgs},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			td := newTestDispatcher(t, "loop-setup")
			td.resolver.info.UID = tc.uid

			dev, derr := td.LoopSetup(testSender, tc.file, true)
			if errName(derr) != tc.want {
				t.Fatalf("LoopSetup(%s) error = %v, want %q", tc.file, derr, tc.want)
			}
			if tc.want != "" {
				if len(td.devices.Calls()) != 0 {
					t.Error("device manager called for a refused file")
				}
				return
			}
			if dev != "/dev/loop0" || td.devices.loopFile != image {
				t.Errorf("LoopSetup = %q with file %q", dev, td.devices.loopFile)
			}
		})
	}
}

func TestPassphrasesNotAudited(t *testing.T) {
	td := newTestDispatcher(t, "encryption-unlock", "encryption-change-passphrase", "encryption-format")

	if _, derr := td.Unlock(testSender, "/dev/sdc1", "hunter2", nil); derr != nil {
		t.Fatalf("Unlock: %v", derr)
	}
	if derr := td.ChangePassphrase(testSender, "/dev/sdc1", "hunter2", "correct horse", nil); derr != nil {
		t.Fatalf("ChangePassphrase: %v", derr)
	}
	if derr := td.FormatEncrypted(testSender, "/dev/sdc1", "ext4", "battery staple", nil); derr != nil {
		t.Fatalf("FormatEncrypted: %v", derr)
	}

	log := td.audit.String()
	for _, secret := range []string{"hunter2", "correct horse", "battery staple"} {
		if strings.Contains(log, secret) {
			t.Errorf("audit log contains passphrase %q", secret)
		}
	}
}

func TestToDBusError(t *testing.T) {
	const action = "net.mowaka.storagedispatcher.mount"
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"identity", fmt.Errorf("%w: gone", caller.ErrIdentityResolution), dbustypes.ErrIdentityResolution},
		{"denied", &polkit.DeniedError{Action: action}, dbustypes.ErrNotAuthorized},
		{"not owner", errNotOwner, dbustypes.ErrNotAuthorized},
		{"invalid args", invalidArgs("bad"), dbustypes.ErrInvalidArgs},
		{"invalid invocation", fmt.Errorf("%w: no name", helper.ErrInvalidInvocation), dbustypes.ErrInvalidArgs},
		{"invalid device", fmt.Errorf("%w: foo", udisks.ErrInvalidDevice), dbustypes.ErrInvalidArgs},
		{"connection", &busconn.ConnectionError{Name: "system bus", Err: errors.New("refused")}, dbustypes.ErrConnectionFailed},
		{"helper", &helper.Error{Op: helper.OpCreate, State: helper.StateTimedOut}, dbustypes.ErrHelperFailed},
		{"upstream", &udisks.UpstreamError{Method: "Block.Format", Message: "boom"}, dbustypes.ErrFailed},
		{"cancelled", context.Canceled, dbustypes.ErrFailed},
		{"other", errors.New("surprise"), dbustypes.ErrFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := toDBusError(action, tc.err); got.Name != tc.want {
				t.Errorf("toDBusError(%v) = %s, want %s", tc.err, got.Name, tc.want)
			}
		})
	}

	up := toDBusError(action, &udisks.UpstreamError{Method: "Block.Format", Message: "Device is read-only"})
	if diff := cmp.Diff([]any{"Device is read-only"}, up.Body); diff != "" {
		t.Errorf("upstream message (-want +got):\n%s", diff)
	}
}

func TestActions(t *testing.T) {
	actions := Actions("org.example.storage")
	if len(actions) != len(methodActions)+1 {
		t.Fatalf("got %d actions, want %d", len(actions), len(methodActions)+1)
	}
	var killOthers *Action
	for i, a := range actions {
		if i > 0 && actions[i-1].ID >= a.ID {
			t.Errorf("actions not sorted: %s before %s", actions[i-1].ID, a.ID)
		}
		if !strings.HasPrefix(a.ID, "org.example.storage.") {
			t.Errorf("action %s ignores the namespace", a.ID)
		}
		if a.Method == "Format" && a.SelfService {
			t.Error("Format must require authentication")
		}
		if a.Method == "Mount" && !a.SelfService {
			t.Error("Mount should be self-service")
		}
		if a.ID == "org.example.storage."+killOthersAction {
			killOthers = &actions[i]
		}
	}
	if killOthers == nil {
		t.Fatal("unmount-kill-others action missing")
	}
	if killOthers.SelfService || killOthers.Summary == "" {
		t.Errorf("unmount-kill-others = %+v, want an authenticated action with a summary", *killOthers)
	}
	if got := Actions("")[0].ID; !strings.HasPrefix(got, dbustypes.DefaultActionNamespace+".") {
		t.Errorf("default namespace not applied: %s", got)
	}
}
