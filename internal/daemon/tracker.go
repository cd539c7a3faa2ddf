package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	dbustypes "github.com/nikicat/storage-dispatcher/internal/dbus"
)

const ownerCheckTimeout = 2 * time.Second

// clientTracker hands out per-call contexts that are cancelled when the
// calling client disconnects from the bus.
type clientTracker struct {
	conn *dbus.Conn
	mu   sync.Mutex
	// clients maps a unique name (e.g. ":1.123") to the cancel functions of
	// its in-flight calls.
	clients   map[string]map[uint64]context.CancelFunc
	next      uint64
	signals   chan *dbus.Signal
	done      chan struct{}
	closeOnce sync.Once
}

// newClientTracker subscribes to NameOwnerChanged on conn.
func newClientTracker(conn *dbus.Conn) (*clientTracker, error) {
	t := &clientTracker{
		conn:    conn,
		clients: make(map[string]map[uint64]context.CancelFunc),
		signals: make(chan *dbus.Signal, 16),
		done:    make(chan struct{}),
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(dbustypes.BusDaemonName),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchSender(dbustypes.BusDaemonName),
	); err != nil {
		return nil, err
	}

	conn.Signal(t.signals)
	go t.processSignals()

	return t, nil
}

func (t *clientTracker) processSignals() {
	for {
		select {
		case <-t.done:
			return
		case signal, ok := <-t.signals:
			if !ok {
				return
			}
			if signal.Name != dbustypes.BusDaemonName+".NameOwnerChanged" || len(signal.Body) != 3 {
				continue
			}

			// NameOwnerChanged(name, old_owner, new_owner)
			name, ok1 := signal.Body[0].(string)
			oldOwner, ok2 := signal.Body[1].(string)
			newOwner, ok3 := signal.Body[2].(string)
			if !ok1 || !ok2 || !ok3 {
				continue
			}

			if name != "" && name[0] == ':' && oldOwner != "" && newOwner == "" {
				t.clientDisconnected(oldOwner)
			}
		}
	}
}

func (t *clientTracker) clientDisconnected(sender string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	calls := t.clients[sender]
	if len(calls) > 0 {
		slog.Info("client disconnected, cancelling its calls", "sender", sender, "calls", len(calls))
	}
	for _, cancel := range calls {
		cancel()
	}
	delete(t.clients, sender)
}

// track returns a context cancelled when sender disconnects, and a release
// function to call when the call completes. A sender that is already gone
// gets a cancelled context.
func (t *clientTracker) track(parent context.Context, sender string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	t.mu.Lock()
	if t.clients == nil {
		t.mu.Unlock()
		cancel()
		return ctx, func() {}
	}
	id := t.next
	t.next++
	calls := t.clients[sender]
	if calls == nil {
		calls = make(map[uint64]context.CancelFunc)
		t.clients[sender] = calls
	}
	calls[id] = cancel
	t.mu.Unlock()

	// The NameOwnerChanged signal may have been handled before we
	// registered; ask the bus directly.
	if !t.hasOwner(ctx, sender) {
		slog.Debug("caller already disconnected", "sender", sender)
		cancel()
	}

	return ctx, func() {
		cancel()
		t.mu.Lock()
		defer t.mu.Unlock()
		if calls := t.clients[sender]; calls != nil {
			delete(calls, id)
			if len(calls) == 0 {
				delete(t.clients, sender)
			}
		}
	}
}

func (t *clientTracker) hasOwner(ctx context.Context, sender string) bool {
	ctx, cancel := context.WithTimeout(ctx, ownerCheckTimeout)
	defer cancel()
	var has bool
	err := t.conn.BusObject().CallWithContext(ctx, dbustypes.BusDaemonName+".NameHasOwner", 0, sender).Store(&has)
	if err != nil {
		// Unknown; let the call proceed.
		return true
	}
	return has
}

// pending returns the number of tracked calls of sender.
func (t *clientTracker) pending(sender string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.clients[sender])
}

// close stops the tracker and cancels every tracked call.
func (t *clientTracker) close() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.conn.RemoveSignal(t.signals)
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, calls := range t.clients {
		for _, cancel := range calls {
			cancel()
		}
	}
	t.clients = nil
}
