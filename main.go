// storage-dispatcher performs storage operations for unprivileged desktop
// clients over the system D-Bus, after authorizing each one against polkit.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nikicat/storage-dispatcher/internal/cli"
	"github.com/nikicat/storage-dispatcher/internal/config"
	"github.com/nikicat/storage-dispatcher/internal/daemon"
	"github.com/nikicat/storage-dispatcher/internal/logging"
	"github.com/nikicat/storage-dispatcher/internal/metrics"
	"github.com/nikicat/storage-dispatcher/internal/service"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var progName = filepath.Base(os.Args[0])

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "tools", "mount", "unmount", "subvolumes", "version":
		runCLI(os.Args[1], os.Args[2:])
	case "service":
		runService(os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [options]

Commands:
  serve         Run the system service (as root)
  tools         List filesystems the service can create
  mount         Mount a device as the calling user
  unmount       Unmount a device, optionally stopping blocking processes
  subvolumes    List, create, snapshot or delete btrfs subvolumes
  version       Show client and service versions
  service       Install or remove the system service

Run '%s <command> -h' for command-specific help.
`, progName, progName)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: "+config.DefaultPath+")")
	busAddress := fs.String("bus-address", "", "D-Bus address to serve on (default: system bus)")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "text", "Log format: text (colored) or json")
	namespace := fs.String("action-namespace", "", "polkit action id prefix (default: net.mowaka.storagedispatcher)")
	killGrace := fs.Duration("kill-grace", daemon.DefaultKillGrace, "Time between SIGTERM and SIGKILL for processes blocking an unmount")
	metricsListen := fs.String("metrics-listen", "", "Serve Prometheus metrics on this address (disabled when empty)")
	helperPath := fs.String("helper", "", "Path to storage-dispatcher-helper")
	helperTimeout := fs.Duration("helper-timeout", 0, "Helper invocation timeout")
	watchTools := fs.Bool("watch-tools", true, "Watch bin directories for filesystem tools")
	fs.Parse(args)

	// Load config and apply values for flags not explicitly set
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	set := setFlags(fs)
	if !set["bus-address"] && cfg.BusAddress != "" {
		*busAddress = cfg.BusAddress
	}
	if !set["log-level"] && cfg.LogLevel != "" {
		*logLevel = cfg.LogLevel
	}
	if !set["log-format"] && cfg.LogFormat != "" {
		*logFormat = cfg.LogFormat
	}
	if !set["action-namespace"] && cfg.ActionNamespace != "" {
		*namespace = cfg.ActionNamespace
	}
	if !set["kill-grace"] && cfg.KillGrace != 0 {
		*killGrace = time.Duration(cfg.KillGrace)
	}
	if !set["metrics-listen"] && cfg.MetricsListen != "" {
		*metricsListen = cfg.MetricsListen
	}
	if !set["helper"] && cfg.Helper.Path != "" {
		*helperPath = cfg.Helper.Path
	}
	if !set["helper-timeout"] && cfg.Helper.Timeout != 0 {
		*helperTimeout = time.Duration(cfg.Helper.Timeout)
	}
	if !set["watch-tools"] && cfg.Tools.Watch != nil {
		*watchTools = *cfg.Tools.Watch
	}

	level := parseLogLevel(*logLevel)
	slog.SetDefault(slog.New(newLogHandler(*logFormat, level)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	if *metricsListen != "" {
		go func() {
			if err := metrics.Serve(ctx, *metricsListen, reg); err != nil {
				slog.Error("metrics server failed", "addr", *metricsListen, "error", err)
			}
		}()
	}

	err = daemon.Run(ctx, daemon.Config{
		BusAddress:          *busAddress,
		Version:             version,
		ActionNamespace:     *namespace,
		ProtectedPaths:      cfg.ProtectedPaths,
		KillGrace:           *killGrace,
		HelperPath:          *helperPath,
		HelperTimeout:       *helperTimeout,
		HelperMaxConcurrent: cfg.Helper.MaxConcurrent,
		WatchTools:          *watchTools,
		Audit:               logging.New(level),
		Metrics:             m,
	})
	if err != nil {
		slog.Error("service failed", "error", err)
		os.Exit(1)
	}
}

// newLogHandler returns the process-wide log handler.
func newLogHandler(format string, level slog.Level) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	// When running under systemd, the journal adds its own timestamps.
	underSystemd := os.Getenv("INVOCATION_ID") != ""
	opts := &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    underSystemd,
	}
	if underSystemd {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
	}
	return tint.NewHandler(os.Stderr, opts)
}

// optionsFlag collects repeated key=value mount options.
type optionsFlag map[string]string

func (o optionsFlag) String() string {
	parts := make([]string, 0, len(o))
	for k, v := range o {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (o optionsFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	o[k] = v
	return nil
}

func runCLI(cmd string, args []string) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: "+config.DefaultPath+")")
	busAddress := fs.String("bus-address", "", "D-Bus address of the service (default: system bus)")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	var (
		opts     = optionsFlag{}
		force    *bool
		kill     *bool
		readOnly *bool
	)
	switch cmd {
	case "mount":
		fs.Var(opts, "o", "Mount option key=value (repeatable)")
	case "unmount":
		force = fs.Bool("force", false, "Force (lazy) unmount")
		kill = fs.Bool("kill", false, "Terminate processes keeping the filesystem busy and retry")
	case "subvolumes":
		readOnly = fs.Bool("read-only", false, "Create read-only snapshots")
	}
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if !setFlags(fs)["bus-address"] && cfg.BusAddress != "" {
		*busAddress = cfg.BusAddress
	}

	client, closeConn, err := cli.Dial(*busAddress)
	if err != nil {
		fatal(err)
	}
	defer closeConn()
	formatter := cli.NewFormatter(os.Stdout, *jsonOutput)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "tools":
		tools, err := client.Tools(ctx)
		if err != nil {
			fatal(err)
		}
		formatter.FormatTools(tools)

	case "version":
		v, err := client.Version(ctx)
		if err != nil {
			fatal(err)
		}
		formatter.FormatVersion(version, v)

	case "mount":
		if fs.NArg() != 1 {
			fmt.Fprintf(os.Stderr, "usage: %s mount [-o key=value]... <device>\n", progName)
			os.Exit(1)
		}
		mp, err := client.Mount(ctx, fs.Arg(0), opts)
		if err != nil {
			fatal(err)
		}
		formatter.FormatMount(fs.Arg(0), mp)

	case "unmount":
		if fs.NArg() != 1 {
			fmt.Fprintf(os.Stderr, "usage: %s unmount [--force] [--kill] <device>\n", progName)
			os.Exit(1)
		}
		res, err := client.Unmount(ctx, fs.Arg(0), *force, *kill)
		if err != nil {
			fatal(err)
		}
		formatter.FormatUnmount(fs.Arg(0), res)
		if !res.Success {
			os.Exit(2)
		}

	case "subvolumes":
		if err := runSubvolumes(ctx, client, formatter, fs.Args(), *readOnly); err != nil {
			if errors.Is(err, errUsage) {
				os.Exit(1)
			}
			fatal(err)
		}
	}
}

var errUsage = errors.New("invalid arguments")

func runSubvolumes(ctx context.Context, client *cli.Client, formatter *cli.Formatter, args []string, readOnly bool) error {
	usage := func() error {
		fmt.Fprintf(os.Stderr, `usage: %[1]s subvolumes list <mount-point>
       %[1]s subvolumes create <mount-point> <name>
       %[1]s subvolumes snapshot [--read-only] <mount-point> <source> <dest>
       %[1]s subvolumes delete <mount-point> <path>
`, progName)
		return errUsage
	}
	if len(args) < 2 {
		return usage()
	}

	mp := args[1]
	switch {
	case args[0] == "list" && len(args) == 2:
		subs, err := client.Subvolumes(ctx, mp)
		if err != nil {
			return err
		}
		return formatter.FormatSubvolumes(subs)
	case args[0] == "create" && len(args) == 3:
		p, err := client.CreateSubvolume(ctx, mp, args[2])
		if err != nil {
			return err
		}
		return formatter.FormatPath("created", p)
	case args[0] == "snapshot" && len(args) == 4:
		p, err := client.Snapshot(ctx, mp, args[2], args[3], readOnly)
		if err != nil {
			return err
		}
		return formatter.FormatPath("snapshotted", p)
	case args[0] == "delete" && len(args) == 3:
		if err := client.DeleteSubvolume(ctx, mp, args[2], false); err != nil {
			return err
		}
		return formatter.FormatPath("deleted", args[2])
	default:
		return usage()
	}
}

func runService(args []string) {
	if len(args) < 1 {
		printServiceUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "install", "uninstall":
		fs := flag.NewFlagSet("service "+args[0], flag.ExitOnError)
		root := fs.String("root", "", "Install below this directory and leave systemd alone (for packaging)")
		configPath := fs.String("config", "", "Config file passed to the service")
		namespace := fs.String("action-namespace", "", "polkit action id prefix (default: net.mowaka.storagedispatcher)")
		start := fs.Bool("start", false, "Start the service after installing")
		fs.Parse(args[1:])

		opts := service.Options{
			Root:        *root,
			ConfigPath:  *configPath,
			Namespace:   *namespace,
			Start:       *start,
			SkipSystemd: *root != "",
		}
		var err error
		if args[0] == "install" {
			for _, a := range daemon.Actions(*namespace) {
				opts.Actions = append(opts.Actions, service.Action{ID: a.ID, Method: a.Method, Summary: a.Summary, SelfService: a.SelfService})
			}
			err = service.Install(opts)
		} else {
			err = service.Uninstall(opts)
		}
		if err != nil {
			fatal(err)
		}
	case "status":
		service.Status()
	case "-h", "--help", "help":
		printServiceUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown service command: %s\n\n", args[0])
		printServiceUsage()
		os.Exit(1)
	}
}

func printServiceUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s service <command> [options]

Commands:
  install       Install the D-Bus policy, polkit actions and systemd unit
  uninstall     Stop the service and remove the installed files
  status        Show the service status
`, progName)
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadConfig loads a config file. An explicit path that doesn't exist is an error.
// A missing default path is silently ignored (returns empty config).
func loadConfig(explicitPath string) (*config.Config, error) {
	if explicitPath != "" {
		if _, statErr := os.Stat(explicitPath); statErr != nil {
			return nil, fmt.Errorf("config file not found: %s", explicitPath)
		}
		cfg, err := config.Load(explicitPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", explicitPath, err)
		}
		return cfg, nil
	}

	cfg, err := config.Load(config.DefaultPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", config.DefaultPath, err)
	}
	return cfg, nil
}

// setFlags returns the set of flag names that were explicitly provided on the command line.
func setFlags(fs *flag.FlagSet) map[string]bool {
	m := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { m[f.Name] = true })
	return m
}
