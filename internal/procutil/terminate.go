package procutil

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"
)

// killFunc sends sig to pid. Tests replace it.
var killFunc = unix.Kill

const pollInterval = 50 * time.Millisecond

func alive(pid int) bool {
	err := killFunc(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Terminate sends SIGTERM to every pid, waits up to grace for them to exit,
// and sends SIGKILL to the survivors. It returns the pids still alive after
// SIGKILL had a moment to take effect.
func Terminate(ctx context.Context, pids []uint32, grace time.Duration) []uint32 {
	pending := make(map[int]bool, len(pids))
	for _, p := range pids {
		pid := int(p)
		if err := killFunc(pid, unix.SIGTERM); err != nil {
			if errors.Is(err, unix.ESRCH) {
				continue
			}
			slog.Warn("SIGTERM failed", "pid", pid, "error", err)
		}
		pending[pid] = true
	}

	waitGone(ctx, pending, grace)

	for pid := range pending {
		slog.Warn("process ignored SIGTERM, sending SIGKILL", "pid", pid, "comm", ReadComm(int32(pid)))
		if err := killFunc(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			slog.Warn("SIGKILL failed", "pid", pid, "error", err)
		}
	}

	waitGone(ctx, pending, time.Second)

	var left []uint32
	for pid := range pending {
		left = append(left, uint32(pid))
	}
	return left
}

// waitGone removes exited pids from pending until it is empty, timeout
// passes, or ctx ends.
func waitGone(ctx context.Context, pending map[int]bool, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for {
		for pid := range pending {
			if !alive(pid) {
				delete(pending, pid)
			}
		}
		if len(pending) == 0 || time.Now().After(deadline) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
	}
}
