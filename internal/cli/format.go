package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
)

// Formatter outputs data in various formats.
type Formatter struct {
	w      io.Writer
	asJSON bool
}

// NewFormatter creates a new formatter.
func NewFormatter(w io.Writer, asJSON bool) *Formatter {
	return &Formatter{w: w, asJSON: asJSON}
}

// FormatTools outputs filesystem tools as a table.
func (f *Formatter) FormatTools(tools []Tool) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(tools)
	}

	if len(tools) == 0 {
		fmt.Fprintln(f.w, "No filesystem tools known")
		return nil
	}

	fmt.Fprintf(f.w, "%-12s  %-12s  %-12s  %-12s  %s\n", "ID", "NAME", "COMMAND", "PACKAGE", "INSTALLED")
	fmt.Fprintf(f.w, "%-12s  %-12s  %-12s  %-12s  %s\n", "------------", "------------", "------------", "------------", "---------")
	for _, t := range tools {
		installed := "no"
		if t.Available {
			installed = "yes"
		}
		fmt.Fprintf(f.w, "%-12s  %-12s  %-12s  %-12s  %s\n",
			truncate(t.ID, 12), truncate(t.Name, 12), truncate(t.Command, 12), truncate(t.Package, 12), installed)
	}
	return nil
}

// FormatMount outputs the mount point of a mounted device.
func (f *Formatter) FormatMount(device, mountPoint string) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(map[string]string{
			"device":      device,
			"mount_point": mountPoint,
		})
	}
	fmt.Fprintf(f.w, "Mounted %s at %s\n", device, mountPoint)
	return nil
}

// FormatUnmount outputs an unmount result, listing blocking processes on
// failure.
func (f *Formatter) FormatUnmount(device string, res *UnmountResult) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(res)
	}
	if res.Success {
		fmt.Fprintf(f.w, "Unmounted %s\n", device)
		return nil
	}

	fmt.Fprintf(f.w, "Cannot unmount %s: %s\n", device, res.Error)
	if len(res.Processes) == 0 {
		return nil
	}
	fmt.Fprintf(f.w, "\n%7s  %-16s  %s\n", "PID", "NAME", "COMMAND")
	fmt.Fprintf(f.w, "%7s  %-16s  %s\n", "-------", "----------------", "-------")
	for _, p := range res.Processes {
		fmt.Fprintf(f.w, "%7d  %-16s  %s\n", p.PID, truncate(p.Name, 16), cmdline(p))
	}
	return nil
}

func cmdline(p BlockingProcess) string {
	if p.Cmdline == "" {
		return "[" + p.Name + "]"
	}
	return truncate(p.Cmdline, 60)
}

// FormatSubvolumes outputs subvolumes as a table.
func (f *Formatter) FormatSubvolumes(subs []Subvolume) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(subs)
	}

	if len(subs) == 0 {
		fmt.Fprintln(f.w, "No subvolumes")
		return nil
	}

	fmt.Fprintf(f.w, "%8s  %12s  %8s  %s\n", "ID", "GENERATION", "PARENT", "PATH")
	fmt.Fprintf(f.w, "%8s  %12s  %8s  %s\n", "--------", "------------", "--------", "----")
	for _, s := range subs {
		fmt.Fprintf(f.w, "%8d  %12s  %8d  %s\n", s.ID, humanize.Comma(int64(s.Generation)), s.ParentID, s.Path)
	}
	return nil
}

// FormatPath outputs the path of a created subvolume or snapshot.
func (f *Formatter) FormatPath(action, path string) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(map[string]string{
			"status": action,
			"path":   path,
		})
	}
	fmt.Fprintf(f.w, "%s %s\n", capitalize(action), path)
	return nil
}

// FormatVersion outputs client and service versions.
func (f *Formatter) FormatVersion(client, service string) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(map[string]string{
			"client":  client,
			"service": service,
		})
	}
	fmt.Fprintf(f.w, "client:  %s\nservice: %s\n", client, service)
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-1] + "…"
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
