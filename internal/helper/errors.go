package helper

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrHelperProcess matches every *Error.
var ErrHelperProcess = errors.New("helper process failed")

// State is where an invocation ended up.
type State int

const (
	StateIdle State = iota
	StateSpawned
	StateSucceeded
	StateFailed
	StateTimedOut
	StateSpawnFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpawned:
		return "spawned"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	case StateSpawnFailed:
		return "spawn_failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Error describes a helper invocation that did not succeed. Stderr holds
// whatever the process wrote to its error stream.
type Error struct {
	Op       Op
	State    State
	ExitCode int // -1 when the process did not exit normally
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "helper %s %s", e.Op, e.State)
	if e.ExitCode > 0 {
		fmt.Fprintf(&b, " (exit status %d)", e.ExitCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		fmt.Fprintf(&b, ": %s", s)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrHelperProcess) true for any *Error.
func (e *Error) Is(target error) bool { return target == ErrHelperProcess }
