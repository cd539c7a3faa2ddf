package polkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nikicat/storage-dispatcher/internal/caller"
	"github.com/nikicat/storage-dispatcher/internal/procutil"
)

// ErrNotAuthorized matches every *DeniedError.
var ErrNotAuthorized = errors.New("not authorized")

// DeniedError reports that the caller may not perform Action.
type DeniedError struct {
	Action    string
	Caller    caller.Info
	Challenge bool  // authority wanted authentication that did not happen
	Err       error // set when the authority could not be asked
}

func (e *DeniedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("not authorized to perform %s: %v", e.Action, e.Err)
	}
	return fmt.Sprintf("not authorized to perform %s", e.Action)
}

func (e *DeniedError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrNotAuthorized) true for any DeniedError.
func (e *DeniedError) Is(target error) bool { return target == ErrNotAuthorized }

// Observer is told about every decision.
type Observer func(action string, allowed bool)

// Gate authorizes resolved callers against an Authority.
type Gate struct {
	authority Authority
	startTime func(pid int32) (uint64, error)
	observer  Observer
}

// NewGate creates a gate in front of authority.
func NewGate(authority Authority) *Gate {
	return &Gate{authority: authority, startTime: procutil.ReadStartTime}
}

// SetObserver installs a decision hook. Call before sharing the gate.
func (g *Gate) SetObserver(o Observer) {
	g.observer = o
}

// Authorize returns nil when c may perform action, and a *DeniedError
// otherwise. Interactive authentication is allowed. Authority failures deny.
func (g *Gate) Authorize(ctx context.Context, c caller.Info, action string) (err error) {
	defer func() {
		if g.observer != nil {
			g.observer(action, err == nil)
		}
	}()

	if c.PID == 0 {
		return &DeniedError{Action: action, Caller: c, Err: errors.New("caller has no process id")}
	}

	st, stErr := g.startTime(int32(c.PID))
	if stErr != nil {
		// polkit looks the start time up itself when it is zero.
		slog.Debug("cannot read caller start time", "pid", c.PID, "error", stErr)
	}

	d, err := g.authority.CheckAuthorization(ctx, ProcessSubject(c.PID, st, c.UID), action, true)
	if err != nil {
		return &DeniedError{Action: action, Caller: c, Err: err}
	}
	if !d.Authorized {
		return &DeniedError{Action: action, Caller: c, Challenge: d.Challenge}
	}
	return nil
}
