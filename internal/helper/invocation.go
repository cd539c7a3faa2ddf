// Package helper runs the privilege-separated subvolume helper, one process
// per call, and decodes its JSON result.
package helper

import (
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
)

// Op is a helper operation tag, passed as the first argument.
type Op string

const (
	OpCreate   Op = "create"
	OpDelete   Op = "delete"
	OpSnapshot Op = "snapshot"
	OpList     Op = "list"
)

// Ops lists every operation the helper understands.
var Ops = []Op{OpCreate, OpDelete, OpSnapshot, OpList}

// Valid reports whether o is a known operation.
func (o Op) Valid() bool {
	for _, known := range Ops {
		if o == known {
			return true
		}
	}
	return false
}

// Flag names shared with the helper binary.
const (
	FlagMountPoint = "--mount-point"
	FlagName       = "--name"
	FlagPath       = "--path"
	FlagRecursive  = "--recursive"
	FlagSource     = "--source"
	FlagDest       = "--dest"
	FlagReadOnly   = "--read-only"
	FlagOwnerUID   = "--owner-uid"
)

// ErrInvalidInvocation is returned by Args for incomplete invocations.
var ErrInvalidInvocation = errors.New("invalid helper invocation")

// Invocation is one structured request to the helper.
type Invocation struct {
	Op         Op
	MountPoint string
	Name       string // create
	Path       string // delete
	Recursive  bool   // delete
	Source     string // snapshot
	Dest       string // snapshot
	ReadOnly   bool   // snapshot
	OwnerUID   *uint32
}

func invalid(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidInvocation, format, args...)
}

// Validate checks that the fields op needs are present.
func (inv Invocation) Validate() error {
	if !inv.Op.Valid() {
		return invalid("unknown operation %q", inv.Op)
	}
	if inv.MountPoint == "" {
		return invalid("%s: mount point is required", inv.Op)
	}
	if !filepath.IsAbs(inv.MountPoint) {
		return invalid("%s: mount point %q is not absolute", inv.Op, inv.MountPoint)
	}
	switch inv.Op {
	case OpCreate:
		if inv.Name == "" {
			return invalid("create: name is required")
		}
	case OpDelete:
		if inv.Path == "" {
			return invalid("delete: path is required")
		}
	case OpSnapshot:
		if inv.Source == "" || inv.Dest == "" {
			return invalid("snapshot: source and dest are required")
		}
	}
	return nil
}

// Args encodes the invocation as the helper's command line, without the
// binary itself.
func (inv Invocation) Args() ([]string, error) {
	if err := inv.Validate(); err != nil {
		return nil, err
	}

	args := []string{string(inv.Op), FlagMountPoint, inv.MountPoint}
	switch inv.Op {
	case OpCreate:
		args = append(args, FlagName, inv.Name)
	case OpDelete:
		args = append(args, FlagPath, inv.Path)
		if inv.Recursive {
			args = append(args, FlagRecursive)
		}
	case OpSnapshot:
		args = append(args, FlagSource, inv.Source, FlagDest, inv.Dest)
		if inv.ReadOnly {
			args = append(args, FlagReadOnly)
		}
	}
	if inv.OwnerUID != nil && (inv.Op == OpCreate || inv.Op == OpSnapshot) {
		args = append(args, FlagOwnerUID, strconv.FormatUint(uint64(*inv.OwnerUID), 10))
	}
	return args, nil
}

// Subvolume is one entry of a list result.
type Subvolume struct {
	ID         uint64 `json:"id"`
	Generation uint64 `json:"gen"`
	ParentID   uint64 `json:"parent"`
	Path       string `json:"path"`
}

// Result is the helper's stdout on success.
type Result struct {
	Success    bool        `json:"success"`
	Path       string      `json:"path,omitempty"`
	Subvolumes []Subvolume `json:"subvolumes,omitempty"`
}
