// Package service installs the storage dispatcher as a system service:
// the D-Bus policy, the polkit actions and the systemd unit.
package service

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"

	dbustypes "github.com/nikicat/storage-dispatcher/internal/dbus"
)

const unitFileName = "storage-dispatcher.service"

// Install locations relative to Options.Root.
const (
	dbusPolicyDir   = "usr/share/dbus-1/system.d"
	polkitActionDir = "usr/share/polkit-1/actions"
	systemdUnitDir  = "etc/systemd/system"
)

// Action is one polkit action to declare.
type Action struct {
	ID          string
	Method      string
	Summary     string // overrides the wording derived from Method
	SelfService bool
}

// Verb is the action's method in words, e.g. "create partition", or its
// Summary when set.
func (a Action) Verb() string {
	if a.Summary != "" {
		return a.Summary
	}
	words := camelWord.FindAllString(a.Method, -1)
	for i, w := range words {
		words[i] = strings.ToLower(w)
	}
	return strings.Join(words, " ")
}

var camelWord = regexp.MustCompile(`[A-Z][a-z]*`)

// Options configures installation.
type Options struct {
	// Root prefixes every installed path. Empty means "/".
	Root string
	// ExecPath is the service binary. Empty means the running executable.
	ExecPath string
	// ConfigPath, if set, adds --config <path> to ExecStart.
	ConfigPath string
	// Namespace names the polkit policy file.
	Namespace string
	Actions   []Action
	// Start the service immediately after enabling.
	Start bool
	// SkipSystemd only writes files, e.g. when staging into a package root.
	SkipSystemd bool
}

// Paths are the files written by Install.
type Paths struct {
	DBusPolicy   string
	PolkitPolicy string
	Unit         string
}

// PathsFor returns where Install writes its files below root.
func PathsFor(root, namespace string) Paths {
	if root == "" {
		root = "/"
	}
	if namespace == "" {
		namespace = dbustypes.DefaultActionNamespace
	}
	return Paths{
		DBusPolicy:   filepath.Join(root, dbusPolicyDir, dbustypes.BusName+".conf"),
		PolkitPolicy: filepath.Join(root, polkitActionDir, namespace+".policy"),
		Unit:         filepath.Join(root, systemdUnitDir, unitFileName),
	}
}

func (p Paths) all() []string {
	return []string{p.DBusPolicy, p.PolkitPolicy, p.Unit}
}

func render(name, text string, data any) ([]byte, error) {
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

func writeFile(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

func execStart(opts Options) (string, error) {
	self := opts.ExecPath
	if self == "" {
		var err error
		if self, err = os.Executable(); err != nil {
			return "", fmt.Errorf("find executable: %w", err)
		}
		if self, err = filepath.EvalSymlinks(self); err != nil {
			return "", fmt.Errorf("resolve executable: %w", err)
		}
	}
	cmd := self + " serve"
	if opts.ConfigPath != "" {
		cmd += " --config " + opts.ConfigPath
	}
	return cmd, nil
}

// Install writes the policy files and the unit, reloads systemd, and
// enables the service.
func Install(opts Options) error {
	start, err := execStart(opts)
	if err != nil {
		return err
	}
	paths := PathsFor(opts.Root, opts.Namespace)

	files := []struct {
		path, name, text string
		data             any
	}{
		{paths.DBusPolicy, "dbus-policy", dbusPolicyTemplate, map[string]string{"BusName": dbustypes.BusName}},
		{paths.PolkitPolicy, "polkit-policy", polkitPolicyTemplate, map[string]any{"Actions": opts.Actions}},
		{paths.Unit, "unit", systemdUnitTemplate, map[string]string{"BusName": dbustypes.BusName, "ExecStart": start}},
	}
	for _, f := range files {
		content, err := render(f.name, f.text, f.data)
		if err != nil {
			return err
		}
		if err := writeFile(f.path, content); err != nil {
			return err
		}
	}

	if opts.SkipSystemd {
		return nil
	}
	if err := systemctlFunc("daemon-reload"); err != nil {
		return err
	}
	if err := systemctlFunc("enable", unitFileName); err != nil {
		return err
	}
	fmt.Printf("Enabled %s\n", unitFileName)

	if opts.Start {
		if err := systemctlFunc("start", unitFileName); err != nil {
			return err
		}
		fmt.Printf("Started %s\n", unitFileName)
	}
	return nil
}

// Uninstall stops and disables the service and removes the installed files.
func Uninstall(opts Options) error {
	if !opts.SkipSystemd {
		// Stop first; it may not be running.
		_ = systemctlFunc("stop", unitFileName)
		if err := systemctlFunc("disable", unitFileName); err != nil {
			return err
		}
		fmt.Printf("Disabled %s\n", unitFileName)
	}

	for _, p := range PathsFor(opts.Root, opts.Namespace).all() {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
		fmt.Printf("Removed %s\n", p)
	}

	if opts.SkipSystemd {
		return nil
	}
	return systemctlFunc("daemon-reload")
}

// Status runs systemctl status for the service, printing output directly.
func Status() error {
	cmd := exec.Command("systemctl", "status", unitFileName)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// systemctl status exits non-zero when inactive; not an error for us.
	cmd.Run() //nolint:errcheck
	return nil
}

// systemctlFunc runs systemctl. Replaced in tests.
var systemctlFunc = systemctlExec

func systemctlExec(args ...string) error {
	cmd := exec.Command("systemctl", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("systemctl %s: %w", args[0], err)
	}
	return nil
}
