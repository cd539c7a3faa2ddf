// Package fstools reports which filesystem creation tools are installed.
package fstools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Tool describes one filesystem type the service can format.
// D-Bus signature: (ssssb).
type Tool struct {
	ID        string // fstype passed to Format
	Name      string // display name
	Command   string // binary that must be installed
	Package   string // distribution package providing Command
	Available bool
}

// Known lists the supported filesystems in display order.
var Known = []Tool{
	{ID: "ext4", Name: "Ext4", Command: "mkfs.ext4", Package: "e2fsprogs"},
	{ID: "xfs", Name: "XFS", Command: "mkfs.xfs", Package: "xfsprogs"},
	{ID: "btrfs", Name: "Btrfs", Command: "mkfs.btrfs", Package: "btrfs-progs"},
	{ID: "f2fs", Name: "F2FS", Command: "mkfs.f2fs", Package: "f2fs-tools"},
	{ID: "vfat", Name: "FAT32", Command: "mkfs.vfat", Package: "dosfstools"},
	{ID: "exfat", Name: "exFAT", Command: "mkfs.exfat", Package: "exfatprogs"},
	{ID: "ntfs", Name: "NTFS", Command: "mkfs.ntfs", Package: "ntfs-3g"},
	{ID: "swap", Name: "Linux swap", Command: "mkswap", Package: "util-linux"},
	{ID: "crypto_LUKS", Name: "LUKS", Command: "cryptsetup", Package: "cryptsetup"},
}

// DefaultDirs are searched for tool binaries.
var DefaultDirs = []string{"/usr/local/sbin", "/usr/sbin", "/sbin", "/usr/local/bin", "/usr/bin", "/bin"}

// Registry caches tool availability until a watched directory changes.
type Registry struct {
	dirs  []string
	tools []Tool

	mu     sync.Mutex
	cached []Tool
}

// NewRegistry creates a registry over dirs, or DefaultDirs when none are
// given.
func NewRegistry(dirs ...string) *Registry {
	if len(dirs) == 0 {
		dirs = DefaultDirs
	}
	return &Registry{dirs: dirs, tools: Known}
}

// Tools returns every known tool with its current availability.
func (r *Registry) Tools() []Tool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached == nil {
		r.cached = r.scan()
	}
	return append([]Tool(nil), r.cached...)
}

// Invalidate drops the cached scan.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.mu.Unlock()
}

func (r *Registry) scan() []Tool {
	out := make([]Tool, len(r.tools))
	for i, t := range r.tools {
		t.Available = r.installed(t.Command)
		out[i] = t
	}
	return out
}

func (r *Registry) installed(command string) bool {
	for _, dir := range r.dirs {
		fi, err := os.Stat(filepath.Join(dir, command))
		if err == nil && fi.Mode().IsRegular() && fi.Mode().Perm()&0o111 != 0 {
			return true
		}
	}
	return false
}

func (r *Registry) isTool(name string) bool {
	base := filepath.Base(name)
	for _, t := range r.tools {
		if t.Command == base {
			return true
		}
	}
	return false
}

// Watch invalidates the cache whenever a tool binary appears or disappears
// in one of the directories. Missing directories are skipped. It blocks
// until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	watched := 0
	for _, dir := range r.dirs {
		if err := watcher.Add(dir); err != nil {
			slog.Debug("not watching tool directory", "dir", dir, "error", err)
			continue
		}
		watched++
	}
	slog.Debug("watching filesystem tool directories", "count", watched)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !r.isTool(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) ||
				event.Has(fsnotify.Rename) || event.Has(fsnotify.Chmod) {
				slog.Info("filesystem tools changed", "path", event.Name, "op", event.Op.String())
				r.Invalidate()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("tool watcher error", "error", err)
		}
	}
}
