// Package subvol performs btrfs subvolume operations for the helper binary.
// Every path is confined to the mount root the helper was started with.
package subvol

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/nikicat/storage-dispatcher/internal/helper"
)

// btrfsSuperMagic is f_type of a btrfs filesystem in statfs(2).
const btrfsSuperMagic = 0x9123683E

var (
	ErrNotBtrfs      = errors.New("not a btrfs filesystem")
	ErrOutsideMount  = errors.New("path escapes the mount point")
	ErrInvalidTarget = errors.New("invalid target")
)

// Overridden in tests.
var (
	statfs   = unix.Statfs
	lchown   = os.Lchown
	runBtrfs = func(ctx context.Context, args ...string) ([]byte, error) {
		cmd := exec.CommandContext(ctx, "btrfs", args...)
		// Dies with the helper even when the helper is SIGKILLed.
		cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
		out, err := cmd.Output()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
				return nil, errors.Errorf("btrfs %s: %s", strings.Join(args, " "),
					strings.TrimSpace(string(exitErr.Stderr)))
			}
			return nil, errors.Wrapf(err, "btrfs %s", strings.Join(args, " "))
		}
		return out, nil
	}
)

// Volume is a mounted btrfs filesystem.
type Volume struct {
	root string
}

// Open canonicalizes mountPoint and verifies it is a btrfs directory.
func Open(mountPoint string) (*Volume, error) {
	if !filepath.IsAbs(mountPoint) {
		return nil, errors.Wrapf(ErrInvalidTarget, "mount point %q is not absolute", mountPoint)
	}
	root, err := filepath.EvalSymlinks(mountPoint)
	if err != nil {
		return nil, errors.Wrap(err, "resolve mount point")
	}
	fi, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrap(err, "stat mount point")
	}
	if !fi.IsDir() {
		return nil, errors.Wrapf(ErrInvalidTarget, "%s is not a directory", root)
	}

	var st unix.Statfs_t
	if err := statfs(root, &st); err != nil {
		return nil, errors.Wrapf(err, "statfs %s", root)
	}
	if uint32(st.Type) != btrfsSuperMagic {
		return nil, errors.Wrapf(ErrNotBtrfs, "%s (f_type %#x)", root, uint32(st.Type))
	}
	return &Volume{root: root}, nil
}

// resolve maps p (absolute, or relative to the root) to a canonical path
// inside the root. A missing final component is allowed so that new
// subvolumes can be named. With strict set, the root itself is refused.
func (v *Volume) resolve(p string, strict bool) (string, error) {
	if p == "" {
		return "", errors.Wrap(ErrInvalidTarget, "empty path")
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(v.root, p)
	}
	p = filepath.Clean(p)

	resolved, err := filepath.EvalSymlinks(p)
	if errors.Is(err, os.ErrNotExist) {
		parent, perr := filepath.EvalSymlinks(filepath.Dir(p))
		if perr != nil {
			return "", errors.Wrapf(perr, "resolve %s", filepath.Dir(p))
		}
		resolved = filepath.Join(parent, filepath.Base(p))
	} else if err != nil {
		return "", errors.Wrapf(err, "resolve %s", p)
	}

	rel, err := filepath.Rel(v.root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Wrapf(ErrOutsideMount, "%s is not below %s", p, v.root)
	}
	if strict && rel == "." {
		return "", errors.Wrapf(ErrOutsideMount, "%s is the mount point itself", p)
	}
	return resolved, nil
}

func (v *Volume) chown(path string, owner *uint32) error {
	if owner == nil {
		return nil
	}
	return errors.Wrapf(lchown(path, int(*owner), -1), "chown %s", path)
}

// Create makes a new subvolume named name below the root.
func (v *Volume) Create(ctx context.Context, name string, owner *uint32) (string, error) {
	path, err := v.resolve(name, true)
	if err != nil {
		return "", err
	}
	if _, err := runBtrfs(ctx, "subvolume", "create", path); err != nil {
		return "", err
	}
	return path, v.chown(path, owner)
}

// Delete removes the subvolume at path.
func (v *Volume) Delete(ctx context.Context, path string, recursive bool) error {
	target, err := v.resolve(path, true)
	if err != nil {
		return err
	}
	args := []string{"subvolume", "delete"}
	if recursive {
		args = append(args, "--recursive")
	}
	_, err = runBtrfs(ctx, append(args, target)...)
	return err
}

// Snapshot snapshots source to dest. The root subvolume itself may be the
// source.
func (v *Volume) Snapshot(ctx context.Context, source, dest string, readOnly bool, owner *uint32) (string, error) {
	src, err := v.resolve(source, false)
	if err != nil {
		return "", err
	}
	dst, err := v.resolve(dest, true)
	if err != nil {
		return "", err
	}
	args := []string{"subvolume", "snapshot"}
	if readOnly {
		args = append(args, "-r")
	}
	if _, err := runBtrfs(ctx, append(args, src, dst)...); err != nil {
		return "", err
	}
	return dst, v.chown(dst, owner)
}

// List returns the subvolumes of the filesystem.
func (v *Volume) List(ctx context.Context) ([]helper.Subvolume, error) {
	out, err := runBtrfs(ctx, "subvolume", "list", v.root)
	if err != nil {
		return nil, err
	}
	return ParseList(out)
}

// ParseList parses `btrfs subvolume list` output:
//
//	ID 256 gen 12 top level 5 path home
func ParseList(out []byte) ([]helper.Subvolume, error) {
	subs := []helper.Subvolume{}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		head, path, ok := strings.Cut(line, " path ")
		if !ok {
			return nil, errors.Errorf("unexpected subvolume line %q", line)
		}
		f := strings.Fields(head)
		if len(f) < 7 || f[0] != "ID" || f[2] != "gen" || f[4] != "top" || f[5] != "level" {
			return nil, errors.Errorf("unexpected subvolume line %q", line)
		}
		var nums [3]uint64
		for i, s := range []string{f[1], f[3], f[6]} {
			n, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "subvolume line %q", line)
			}
			nums[i] = n
		}
		subs = append(subs, helper.Subvolume{ID: nums[0], Generation: nums[1], ParentID: nums[2], Path: path})
	}
	return subs, errors.Wrap(sc.Err(), "read subvolume list")
}
