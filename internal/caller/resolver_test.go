package caller

import (
	"context"
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
)

// mockBusClient implements busClient for testing.
type mockBusClient struct {
	uid    uint32
	uidErr error
	pid    uint32
	pidErr error

	queried []string
}

func (m *mockBusClient) GetConnectionUnixUser(_ context.Context, sender string) (uint32, error) {
	m.queried = append(m.queried, sender)
	return m.uid, m.uidErr
}

func (m *mockBusClient) GetConnectionUnixProcessID(_ context.Context, sender string) (uint32, error) {
	return m.pid, m.pidErr
}

type failingSource struct{ err error }

func (f failingSource) Get(context.Context) (*dbus.Conn, error) { return nil, f.err }

func stubLookup(t *testing.T, fn func(uint32) (string, error)) {
	t.Helper()
	orig := LookupUsername
	LookupUsername = fn
	t.Cleanup(func() { LookupUsername = orig })
}

func TestResolver_Resolve_AllSuccess(t *testing.T) {
	stubLookup(t, func(uid uint32) (string, error) {
		if uid != 1000 {
			t.Errorf("lookup uid = %d, want 1000", uid)
		}
		return "alice", nil
	})
	client := &mockBusClient{uid: 1000, pid: 4242}
	r := newResolverWithClient(client)

	info, err := r.Resolve(context.Background(), ":1.123")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	want := Info{Sender: ":1.123", UID: 1000, Username: "alice", PID: 4242}
	if info != want {
		t.Errorf("info = %+v, want %+v", info, want)
	}
	if !info.HasUsername() {
		t.Error("expected HasUsername")
	}
	if len(client.queried) != 1 || client.queried[0] != ":1.123" {
		t.Errorf("expected the sender's unique name to be queried, got %v", client.queried)
	}
}

func TestResolver_Resolve_UsernameLookupFails(t *testing.T) {
	stubLookup(t, func(uint32) (string, error) {
		return "", errors.New("unknown userid 4000")
	})
	r := newResolverWithClient(&mockBusClient{uid: 4000, pid: 77})

	info, err := r.Resolve(context.Background(), ":1.9")
	if err != nil {
		t.Fatalf("username failure must not fail resolution: %v", err)
	}
	if info.UID != 4000 {
		t.Errorf("UID = %d, want 4000", info.UID)
	}
	if info.HasUsername() {
		t.Errorf("expected no username, got %q", info.Username)
	}
}

func TestResolver_Resolve_InvalidSender(t *testing.T) {
	client := &mockBusClient{uid: 1000, pid: 1}
	r := newResolverWithClient(client)

	for _, sender := range []string{"", "org.example.Name", "1.5"} {
		_, err := r.Resolve(context.Background(), sender)
		if !errors.Is(err, ErrIdentityResolution) {
			t.Errorf("Resolve(%q) err = %v, want ErrIdentityResolution", sender, err)
		}
	}
	if len(client.queried) != 0 {
		t.Errorf("bus must not be queried for malformed senders, got %v", client.queried)
	}
}

func TestResolver_Resolve_UIDFails(t *testing.T) {
	r := newResolverWithClient(&mockBusClient{uidErr: errors.New("connection not found"), pid: 5})

	_, err := r.Resolve(context.Background(), ":1.5")
	if !errors.Is(err, ErrIdentityResolution) {
		t.Fatalf("err = %v, want ErrIdentityResolution", err)
	}
}

func TestResolver_Resolve_PIDFails(t *testing.T) {
	r := newResolverWithClient(&mockBusClient{uid: 1000, pidErr: errors.New("connection not found")})

	_, err := r.Resolve(context.Background(), ":1.5")
	if !errors.Is(err, ErrIdentityResolution) {
		t.Fatalf("err = %v, want ErrIdentityResolution", err)
	}
}

func TestResolver_Resolve_ConnectionUnavailable(t *testing.T) {
	connErr := errors.New("no bus")
	r := NewResolver(failingSource{err: connErr})

	_, err := r.Resolve(context.Background(), ":1.5")
	if !errors.Is(err, ErrIdentityResolution) || !errors.Is(err, connErr) {
		t.Fatalf("err = %v, want identity error wrapping the connection error", err)
	}
}

func TestInfo_String(t *testing.T) {
	withName := Info{Sender: ":1.2", UID: 1000, Username: "alice", PID: 10}
	if got := withName.String(); got != "alice(uid=1000,pid=10,:1.2)" {
		t.Errorf("String() = %q", got)
	}
	noName := Info{Sender: ":1.2", UID: 1000, PID: 10}
	if got := noName.String(); got != "uid=1000(pid=10,:1.2)" {
		t.Errorf("String() = %q", got)
	}
}
