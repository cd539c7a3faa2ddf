// Package procutil provides helpers for reading the Linux process table
// via /proc: process names, start times, and which processes hold files
// open below a mount point.
package procutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"
)

// ProcRoot is the procfs mount. Tests point it at a fake tree.
var ProcRoot = "/proc"

func procPath(pid int32, elem ...string) string {
	return filepath.Join(append([]string{ProcRoot, strconv.Itoa(int(pid))}, elem...)...)
}

// ReadComm reads the process name from /proc/<pid>/comm.
// Returns empty string on error.
func ReadComm(pid int32) string {
	data, err := os.ReadFile(procPath(pid, "comm"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// ReadCmdline returns /proc/<pid>/cmdline rendered as a shell-quoted
// command line. Returns empty string for kernel threads or on error.
func ReadCmdline(pid int32) string {
	data, err := os.ReadFile(procPath(pid, "cmdline"))
	if err != nil {
		return ""
	}
	data = []byte(strings.TrimRight(string(data), "\x00"))
	if len(data) == 0 {
		return ""
	}
	return shellquote.Join(strings.Split(string(data), "\x00")...)
}

// UnknownUID is reported when a process's owner cannot be read. It is the
// kernel's invalid uid and never matches a caller.
const UnknownUID = ^uint32(0)

// ReadUID returns the real uid from the Uid: line of /proc/<pid>/status.
func ReadUID(pid int32) (uint32, error) {
	data, err := os.ReadFile(procPath(pid, "status"))
	if err != nil {
		return UnknownUID, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		rest, ok := strings.CutPrefix(line, "Uid:")
		if !ok {
			continue
		}
		f := strings.Fields(rest)
		if len(f) == 0 {
			break
		}
		uid, err := strconv.ParseUint(f[0], 10, 32)
		if err != nil {
			return UnknownUID, fmt.Errorf("uid of pid %d: %w", pid, err)
		}
		return uint32(uid), nil
	}
	return UnknownUID, fmt.Errorf("uid of pid %d: no Uid line", pid)
}

// readStatFields parses /proc/<pid>/stat and returns the fields after ") ".
// Format: "pid (comm) state ppid pgrp session ..."
// Returns nil on error.
func readStatFields(pid int32) []string {
	data, err := os.ReadFile(procPath(pid, "stat"))
	if err != nil {
		return nil
	}
	s := string(data)
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+2 >= len(s) {
		return nil
	}
	return strings.Fields(s[i+2:])
}

// ReadStartTime returns the process start time in clock ticks since boot
// (field 22 of /proc/<pid>/stat).
func ReadStartTime(pid int32) (uint64, error) {
	fields := readStatFields(pid)
	// fields[0] is field 3 (state), so field 22 is fields[19].
	if len(fields) < 20 {
		return 0, fmt.Errorf("read start time of pid %d: malformed stat", pid)
	}
	return strconv.ParseUint(fields[19], 10, 64)
}

// Process describes a process that keeps a mount point busy.
type Process struct {
	PID     uint32
	UID     uint32 // UnknownUID when unreadable
	Name    string
	Cmdline string
}

// Pids lists the numeric entries of ProcRoot.
func Pids() ([]int32, error) {
	entries, err := os.ReadDir(ProcRoot)
	if err != nil {
		return nil, err
	}
	var pids []int32
	for _, e := range entries {
		n, err := strconv.ParseInt(e.Name(), 10, 32)
		if err != nil || n <= 0 {
			continue
		}
		pids = append(pids, int32(n))
	}
	return pids, nil
}

// within reports whether path equals root or lies below it.
func within(path, root string) bool {
	if root == "/" {
		return strings.HasPrefix(path, "/")
	}
	return path == root || strings.HasPrefix(path, root+"/")
}

func usesAny(pid int32, roots []string) bool {
	links := []string{procPath(pid, "cwd"), procPath(pid, "root"), procPath(pid, "exe")}
	if fds, err := os.ReadDir(procPath(pid, "fd")); err == nil {
		for _, fd := range fds {
			links = append(links, procPath(pid, "fd", fd.Name()))
		}
	}
	for _, l := range links {
		target, err := os.Readlink(l)
		if err != nil {
			continue
		}
		// Deleted files keep their last path with this suffix.
		target = strings.TrimSuffix(target, " (deleted)")
		for _, root := range roots {
			if within(target, root) {
				return true
			}
		}
	}
	return false
}

// BlockingProcesses returns the processes whose working directory, root,
// executable or open files lie below any of mountPoints. self is skipped.
func BlockingProcesses(mountPoints []string) ([]Process, error) {
	if len(mountPoints) == 0 {
		return nil, nil
	}
	roots := make([]string, len(mountPoints))
	for i, mp := range mountPoints {
		roots[i] = filepath.Clean(mp)
	}

	pids, err := Pids()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	self := int32(os.Getpid())
	var procs []Process
	for _, pid := range pids {
		if pid == self || !usesAny(pid, roots) {
			continue
		}
		uid, _ := ReadUID(pid)
		procs = append(procs, Process{
			PID:     uint32(pid),
			UID:     uid,
			Name:    ReadComm(pid),
			Cmdline: ReadCmdline(pid),
		})
	}
	return procs, nil
}
