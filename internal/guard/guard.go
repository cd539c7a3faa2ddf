// Package guard refuses to kill the processes blocking an unmount when the
// mount point is a critical system path.
package guard

import (
	"fmt"
	"path/filepath"
	"strings"
)

// DefaultProtectedPaths are the filesystem roots whose users must never be
// killed to force an unmount.
var DefaultProtectedPaths = []string{
	"/",
	"/boot",
	"/boot/efi",
	"/home",
	"/usr",
	"/var",
	"/etc",
	"/opt",
	"/srv",
	"/tmp",
}

// RejectedError is returned when a kill-processes unmount targets a
// protected path. It is reported to the caller as a structured failure.
type RejectedError struct {
	MountPoint string // as requested
	Canonical  string
	Protected  string // matching protected entry
	Exact      bool   // Canonical is the protected path itself
}

func (e *RejectedError) Error() string {
	target := e.MountPoint
	if e.Canonical != filepath.Clean(e.MountPoint) {
		target = fmt.Sprintf("%s (resolves to %s)", e.MountPoint, e.Canonical)
	}
	if e.Exact {
		return fmt.Sprintf("refusing to kill processes using %s: %s is a protected system path", target, e.Protected)
	}
	return fmt.Sprintf("refusing to kill processes using %s: it is inside the protected system path %s", target, e.Protected)
}

// Guard matches mount points against a fixed list of protected paths.
type Guard struct {
	// entries holds each protected path and, when different, its canonical form.
	entries []entry
	resolve func(string) (string, error)
}

type entry struct {
	path      string // as configured
	canonical string
}

// New returns a guard over DefaultProtectedPaths plus extra.
func New(extra ...string) *Guard {
	return NewWithPaths(append(append([]string{}, DefaultProtectedPaths...), extra...))
}

// NewWithPaths returns a guard over exactly paths.
func NewWithPaths(paths []string) *Guard {
	g := &Guard{resolve: filepath.EvalSymlinks}
	for _, p := range paths {
		if p == "" {
			continue
		}
		clean := filepath.Clean(p)
		g.entries = append(g.entries, entry{path: clean, canonical: g.canonicalize(clean)})
	}
	return g
}

// Paths returns the configured protected paths.
func (g *Guard) Paths() []string {
	out := make([]string, len(g.entries))
	for i, e := range g.entries {
		out[i] = e.path
	}
	return out
}

// canonicalize resolves symlinks, falling back to the cleaned literal path.
func (g *Guard) canonicalize(p string) string {
	if resolved, err := g.resolve(p); err == nil {
		return filepath.Clean(resolved)
	}
	return filepath.Clean(p)
}

// matches is equality or prefix-with-separator. "/" only matches itself.
func matches(path, protected string) bool {
	if path == protected {
		return true
	}
	prefix := protected
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return protected != "/" && strings.HasPrefix(path, prefix)
}

// lookup canonicalizes mountPoint and returns the most specific protected
// entry covering it.
func (g *Guard) lookup(mountPoint string) (canonical, protected string, exact, ok bool) {
	canonical = g.canonicalize(mountPoint)
	for _, e := range g.entries {
		if !matches(canonical, e.path) && !matches(canonical, e.canonical) {
			continue
		}
		if !ok || len(e.path) > len(protected) {
			protected, ok = e.path, true
			exact = canonical == e.path || canonical == e.canonical
		}
	}
	return canonical, protected, exact, ok
}

// Check returns a *RejectedError when killProcesses is set and mountPoint is
// a protected path or lies below one. It does nothing otherwise.
func (g *Guard) Check(mountPoint string, killProcesses bool) error {
	if !killProcesses {
		return nil
	}
	canonical, protected, exact, ok := g.lookup(mountPoint)
	if !ok {
		return nil
	}
	return &RejectedError{MountPoint: mountPoint, Canonical: canonical, Protected: protected, Exact: exact}
}
