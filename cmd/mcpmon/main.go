// Command mcpmon is a hot-reload supervisor for MCP servers: it spawns a
// given command, forwards the MCP JSON-RPC conversation between an
// external client (mcpmon's own stdio) and that command's stdio, and
// restarts the command when a watched file changes, replaying the
// client's session against the fresh process.
//
// Follows cmd/brum/main.go's cobra root-command shape and its
// signals_unix.go/signals_windows.go split, repurposed from brummer's
// TUI/MCP-hub launcher to a headless stdio proxy with no interactive
// surface at all.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/standardbeagle/mcpmon/internal/config"
	"github.com/standardbeagle/mcpmon/internal/logging"
	"github.com/standardbeagle/mcpmon/internal/setup"
	"github.com/standardbeagle/mcpmon/internal/supervisor"
	"github.com/standardbeagle/mcpmon/pkg/events"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// autoDetectExtensions are the file types spec.md §6 auto-selects a
// watch target from when no --watch flag is given.
var autoDetectExtensions = map[string]bool{
	".js": true, ".mjs": true, ".ts": true, ".py": true, ".rb": true, ".php": true,
}

var (
	watchPaths []string
	delayMS    int
	graceMS    int
	warmupMS   int
	retries    int
	noWatch    bool
	verbose    bool
	cwd        string
	dataDir    string
	envPairs   []string
)

var rootCmd = &cobra.Command{
	Use:     "mcpmon [--watch <path>]... [--delay <ms>] <command> [<args>...]",
	Short:   "Hot-reload supervisor for MCP servers speaking JSON-RPC over stdio",
	Version: Version,
	Args:    cobra.ArbitraryArgs,
	RunE:    runRoot,
}

func init() {
	rootCmd.Flags().SetInterspersed(false)

	rootCmd.Flags().StringArrayVar(&watchPaths, "watch", nil, "Path to watch for changes (repeatable); auto-detected from the command line if omitted")
	rootCmd.Flags().IntVar(&delayMS, "delay", 0, "Debounce delay in milliseconds (overrides MCPMON_DELAY and the config file default)")
	rootCmd.Flags().IntVar(&graceMS, "grace-ms", 0, "Grace period before SIGKILL during restart/shutdown, in milliseconds")
	rootCmd.Flags().IntVar(&warmupMS, "warmup-ms", 0, "Delay after spawning a server before replaying initialize, in milliseconds")
	rootCmd.Flags().IntVar(&retries, "retries", 0, "Retry budget for initial startup")
	rootCmd.Flags().BoolVar(&noWatch, "no-watch", false, "Disable file watching entirely")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "Enable debug-level logs to stderr")
	rootCmd.Flags().StringVar(&cwd, "cwd", "", "Working directory for the spawned server")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "Data directory available to optional extensions")
	rootCmd.Flags().StringArrayVar(&envPairs, "env", nil, "KEY=VALUE to add to the spawned server's environment (repeatable)")

	rootCmd.AddCommand(newSetupCmd())
}

func runRoot(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return cmd.Usage()
	}

	command, childArgs := args[0], args[1:]

	v := viper.New()
	bindFlags(v, cmd)

	watch := resolveWatchPaths(childArgs)
	cfg, err := config.Resolve(v, command, childArgs, watch)
	if err != nil {
		return fmt.Errorf("mcpmon: %w", err)
	}

	logger := logging.NewStderr(cfg.Verbose)
	bus := events.NewEventBus()
	subscribeDiagnostics(bus, logger)
	defer bus.Shutdown()

	sup := supervisor.New(cfg, os.Stdin, os.Stdout, logger, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	setupSignalHandling(sigCh)

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("mcpmon: %w", err)
	}

	select {
	case <-sigCh:
		cancel()
	case <-sup.Done():
	}

	if sup.IsRunning() {
		_ = sup.Stop(context.Background())
	}
	return nil
}

// subscribeDiagnostics wires the event bus's lifecycle events into
// logger, giving the bus's published events an actual consumer (DESIGN.md
// describes the bus as announcing transitions to the CLI's diagnostic
// logger; this is where that wiring lives).
func subscribeDiagnostics(bus *events.EventBus, logger *log.Logger) {
	for _, t := range []events.EventType{
		events.ServerSpawned,
		events.ServerReady,
		events.ServerExited,
		events.ServerCrashed,
		events.ChangeDetected,
		events.RestartScheduled,
		events.RestartStarted,
		events.RestartCompleted,
		events.ToolsListChanged,
		events.StateChanged,
		events.HookError,
	} {
		bus.Subscribe(t, func(ev events.Event) {
			logger.Debug(string(ev.Type), eventKeyvals(ev)...)
		})
	}
}

func eventKeyvals(ev events.Event) []interface{} {
	kv := make([]interface{}, 0, 2*len(ev.Data)+2)
	kv = append(kv, "id", ev.ID)
	for k, v := range ev.Data {
		kv = append(kv, k, v)
	}
	return kv
}

// bindFlags wires cobra's pflag set into viper, then layers the
// MCPMON_-prefixed environment variables spec.md §6 names on top of the
// flag defaults (flags still win whenever the flag was actually set,
// since viper only falls back to env when a key was never explicitly
// bound to a changed flag value).
func bindFlags(v *viper.Viper, cmd *cobra.Command) {
	_ = v.BindPFlag("no-watch", cmd.Flags().Lookup("no-watch"))
	_ = v.BindPFlag("verbose", cmd.Flags().Lookup("verbose"))
	_ = v.BindPFlag("cwd", cmd.Flags().Lookup("cwd"))
	_ = v.BindPFlag("data-dir", cmd.Flags().Lookup("data-dir"))
	_ = v.BindPFlag("env", cmd.Flags().Lookup("env"))

	if cmd.Flags().Changed("delay") {
		v.Set("delay-ms", delayMS)
	}
	if cmd.Flags().Changed("grace-ms") {
		v.Set("grace-ms", graceMS)
	}
	if cmd.Flags().Changed("warmup-ms") {
		v.Set("warmup-ms", warmupMS)
	}
	if cmd.Flags().Changed("retries") {
		v.Set("retries", retries)
	}

	_ = v.BindEnv("delay-ms", "MCPMON_DELAY")
	_ = v.BindEnv("verbose", "MCPMON_VERBOSE")
}

// resolveWatchPaths applies spec.md §6's precedence: an explicit --watch
// flag wins outright; otherwise MCPMON_WATCH (comma-separated) is used;
// otherwise the first child argument whose extension is recognized is
// auto-selected.
func resolveWatchPaths(childArgs []string) []string {
	if len(watchPaths) > 0 {
		return watchPaths
	}
	if env := os.Getenv("MCPMON_WATCH"); env != "" {
		return strings.Split(env, ",")
	}
	if noWatch {
		return nil
	}
	for _, arg := range childArgs {
		if autoDetectExtensions[strings.ToLower(filepath.Ext(arg))] {
			return []string{arg}
		}
	}
	return nil
}

func newSetupCmd() *cobra.Command {
	var (
		configPath string
		all        bool
		restore    bool
		list       bool
	)

	cmd := &cobra.Command{
		Use:   "setup [--config <path>] [--all | <server-name>] [--restore] [--list]",
		Short: "Rewrite a host application's MCP server config to launch it through mcpmon",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				resolved, err := setup.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("mcpmon setup: %w", err)
				}
				path = resolved
			}
			mgr := setup.New(path)

			switch {
			case restore:
				return runSetupErr(mgr.Restore())
			case list:
				return printServerList(mgr)
			case all:
				mcpmonPath, err := os.Executable()
				if err != nil {
					return fmt.Errorf("mcpmon setup: %w", err)
				}
				return runSetupErr(mgr.RewriteAll(mcpmonPath))
			case len(args) == 1:
				mcpmonPath, err := os.Executable()
				if err != nil {
					return fmt.Errorf("mcpmon setup: %w", err)
				}
				return runSetupErr(mgr.RewriteOne(mcpmonPath, args[0]))
			default:
				return cmd.Usage()
			}
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to the host's MCP config JSON file (defaults to the platform Claude Desktop path)")
	cmd.Flags().BoolVar(&all, "all", false, "Rewrite every stdio-style server entry")
	cmd.Flags().BoolVar(&restore, "restore", false, "Restore the newest backup over the live config")
	cmd.Flags().BoolVar(&list, "list", false, "List configured servers and whether each is already wrapped")

	return cmd
}

func runSetupErr(err error) error {
	if err != nil {
		return fmt.Errorf("mcpmon setup: %w", err)
	}
	return nil
}

func printServerList(mgr *setup.Manager) error {
	servers, err := mgr.List()
	if err != nil {
		return fmt.Errorf("mcpmon setup: %w", err)
	}
	for _, s := range servers {
		wrapped := ""
		if s.Wrapped {
			wrapped = " (wrapped)"
		}
		fmt.Printf("%s\t%s%s\n", s.Name, s.Command, wrapped)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
