// Package busconn provides lazily established, process-wide shared
// connections. A Cache dials on first use, hands the same value to every
// later caller, and forgets failed attempts so the next caller dials again.
package busconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sync/singleflight"
)

// ErrConnection matches every *ConnectionError.
var ErrConnection = errors.New("connection unavailable")

// ConnectionError reports a failed establishment attempt.
type ConnectionError struct {
	Name string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Name, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrConnection) true for any ConnectionError.
func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// DialFunc establishes a new connection.
type DialFunc[T any] func(ctx context.Context) (T, error)

// Observer is notified of every establishment attempt.
type Observer func(name string, err error)

// Cache memoizes the first successful result of a DialFunc.
type Cache[T any] struct {
	name     string
	dial     DialFunc[T]
	observer Observer

	value atomic.Pointer[T]
	group singleflight.Group
}

// New creates an empty cache. Nothing is dialed until Get is called.
func New[T any](name string, dial DialFunc[T]) *Cache[T] {
	return &Cache[T]{name: name, dial: dial}
}

// SetObserver installs a hook called after each establishment attempt.
// It must be called before the cache is shared.
func (c *Cache[T]) SetObserver(o Observer) {
	c.observer = o
}

// Name returns the cache's name as used in errors and logs.
func (c *Cache[T]) Name() string {
	return c.name
}

// Get returns the shared connection, establishing it if needed.
// Concurrent first callers share a single dial. A caller whose ctx ends
// while waiting gets ctx.Err(); the dial itself continues for the others.
func (c *Cache[T]) Get(ctx context.Context) (T, error) {
	if v := c.value.Load(); v != nil {
		return *v, nil
	}

	ch := c.group.DoChan(c.name, func() (any, error) {
		// A previous flight may have stored the value after our Load.
		if v := c.value.Load(); v != nil {
			return *v, nil
		}
		v, err := c.dial(context.WithoutCancel(ctx))
		if c.observer != nil {
			c.observer(c.name, err)
		}
		if err != nil {
			slog.Warn("connection establishment failed", "connection", c.name, "error", err)
			return v, &ConnectionError{Name: c.name, Err: err}
		}
		c.value.Store(&v)
		slog.Debug("connection established", "connection", c.name)
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			var zero T
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Established reports whether a connection has been stored.
func (c *Cache[T]) Established() bool {
	return c.value.Load() != nil
}

// BusDialer returns a DialFunc for the D-Bus bus at address, or the system
// bus when address is empty.
func BusDialer(address string) DialFunc[*dbus.Conn] {
	return func(context.Context) (*dbus.Conn, error) {
		if address == "" {
			return dbus.ConnectSystemBus()
		}
		return dbus.Connect(address)
	}
}

// NewBus creates the cache for the process-wide bus connection.
func NewBus(address string) *Cache[*dbus.Conn] {
	name := "system bus"
	if address != "" {
		name = "bus " + address
	}
	return New(name, BusDialer(address))
}
