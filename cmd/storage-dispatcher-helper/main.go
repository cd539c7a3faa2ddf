// storage-dispatcher-helper performs btrfs subvolume operations on behalf of
// storage-dispatcher. It is spawned once per request, prints a single JSON
// object on success and diagnostic text on stderr with exit status 1 on
// failure.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	flags "github.com/jessevdk/go-flags"
	"github.com/pkg/errors"

	"github.com/nikicat/storage-dispatcher/internal/helper"
	"github.com/nikicat/storage-dispatcher/internal/subvol"
)

type volume interface {
	Create(ctx context.Context, name string, owner *uint32) (string, error)
	Delete(ctx context.Context, path string, recursive bool) error
	Snapshot(ctx context.Context, source, dest string, readOnly bool, owner *uint32) (string, error)
	List(ctx context.Context) ([]helper.Subvolume, error)
}

var openVolume = func(mountPoint string) (volume, error) {
	return subvol.Open(mountPoint)
}

type cliOptions struct {
	Create   createCmd   `command:"create" description:"Create a subvolume below the mount point"`
	Delete   deleteCmd   `command:"delete" description:"Delete a subvolume"`
	Snapshot snapshotCmd `command:"snapshot" description:"Snapshot a subvolume"`
	List     listCmd     `command:"list" description:"List subvolumes"`
}

// volumeCmd carries the state shared by every command.
type volumeCmd struct {
	MountPoint string `long:"mount-point" required:"true" description:"Mount point of the btrfs filesystem"`

	ctx context.Context
	out io.Writer
}

func (c *volumeCmd) setup(ctx context.Context, out io.Writer) {
	c.ctx, c.out = ctx, out
}

func (c *volumeCmd) open() (volume, error) {
	return openVolume(c.MountPoint)
}

func (c *volumeCmd) emit(res helper.Result) error {
	res.Success = true
	return json.NewEncoder(c.out).Encode(res)
}

type ownerOpt struct {
	OwnerUID int64 `long:"owner-uid" default:"-1" description:"Owner of the new subvolume"`
}

func (o ownerOpt) owner() (*uint32, error) {
	switch {
	case o.OwnerUID < 0:
		return nil, nil
	case o.OwnerUID > int64(^uint32(0)):
		return nil, errors.Errorf("owner uid %d out of range", o.OwnerUID)
	}
	uid := uint32(o.OwnerUID)
	return &uid, nil
}

type createCmd struct {
	volumeCmd
	ownerOpt
	Name string `long:"name" required:"true" description:"Name of the new subvolume"`
}

func (cmd *createCmd) Execute(_ []string) error {
	owner, err := cmd.owner()
	if err != nil {
		return err
	}
	v, err := cmd.open()
	if err != nil {
		return err
	}
	path, err := v.Create(cmd.ctx, cmd.Name, owner)
	if err != nil {
		return err
	}
	return cmd.emit(helper.Result{Path: path})
}

type deleteCmd struct {
	volumeCmd
	Path      string `long:"path" required:"true" description:"Subvolume to delete"`
	Recursive bool   `long:"recursive" description:"Delete nested subvolumes too"`
}

func (cmd *deleteCmd) Execute(_ []string) error {
	v, err := cmd.open()
	if err != nil {
		return err
	}
	if err := v.Delete(cmd.ctx, cmd.Path, cmd.Recursive); err != nil {
		return err
	}
	return cmd.emit(helper.Result{Path: cmd.Path})
}

type snapshotCmd struct {
	volumeCmd
	ownerOpt
	Source   string `long:"source" required:"true" description:"Subvolume to snapshot"`
	Dest     string `long:"dest" required:"true" description:"Path of the snapshot"`
	ReadOnly bool   `long:"read-only" description:"Create a read-only snapshot"`
}

func (cmd *snapshotCmd) Execute(_ []string) error {
	owner, err := cmd.owner()
	if err != nil {
		return err
	}
	v, err := cmd.open()
	if err != nil {
		return err
	}
	path, err := v.Snapshot(cmd.ctx, cmd.Source, cmd.Dest, cmd.ReadOnly, owner)
	if err != nil {
		return err
	}
	return cmd.emit(helper.Result{Path: path})
}

type listCmd struct {
	volumeCmd
}

func (cmd *listCmd) Execute(_ []string) error {
	v, err := cmd.open()
	if err != nil {
		return err
	}
	subs, err := v.List(cmd.ctx)
	if err != nil {
		return err
	}
	return cmd.emit(helper.Result{Subvolumes: subs})
}

type ctxSetter interface {
	setup(ctx context.Context, out io.Writer)
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	var opts cliOptions
	p := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	p.Name = filepath.Base(os.Args[0])
	p.CommandHandler = func(cmd flags.Commander, args []string) error {
		if cmd == nil {
			return nil
		}
		if len(args) > 0 {
			return errors.Errorf("unexpected arguments: %v", args)
		}
		if s, ok := cmd.(ctxSetter); ok {
			s.setup(ctx, stdout)
		}
		return cmd.Execute(args)
	}
	_, err := p.ParseArgs(args)
	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", filepath.Base(os.Args[0]), err)
		os.Exit(1)
	}
}
